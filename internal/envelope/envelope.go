// Package envelope defines the transport-neutral carrier that moves between
// brokers, the outbox, and the executor: a command, a reply, or an event.
package envelope

import (
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// validate is a package-level singleton, the convention the validator
// library itself recommends: building a validator.Validate caches its
// struct-tag reflection, so constructing one per call would throw that away.
var validate = validator.New()

// Type is the envelope's role.
type Type string

const (
	TypeCommand Type = "command"
	TypeReply Type = "reply"
	TypeEvent Type = "event"
)

// Reserved header names, carried on both MQ and Kafka publishes.
const (
	HeaderCommandID = "commandId"
	HeaderCommandName = "commandName"
	HeaderBusinessKey = "businessKey"
	HeaderCorrelation = "correlationId"
	HeaderCausation = "causationId"
	HeaderReplyTo = "replyTo"
)

// Envelope is an immutable value. Equality is by MessageID. The validate
// tags are this core's InvalidEnvelope contract : every
// field Validate must check is expressed as a struct tag instead of
// hand-rolled field checks.
type Envelope struct {
	MessageID string `json:"messageId" validate:"required"`
	Type Type `json:"type" validate:"required,oneof=command reply event"`
	Name string `json:"name" validate:"required"`
	CommandID string `json:"commandId" validate:"required"`
	CorrelationID string `json:"correlationId" validate:"required"`
	CausationID string `json:"causationId"`
	OccurredAt time.Time `json:"occurredAt" validate:"required"`
	Key string `json:"key,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// NewCommand builds a command envelope for a freshly accepted command.
func NewCommand(name, commandID, correlationID, key string, payload json.RawMessage, headers map[string]string) Envelope {
	return build(TypeCommand, name, commandID, correlationID, "", key, payload, headers)
}

// NewReply builds a reply envelope correlated back to the originating command.
func NewReply(name, commandID, correlationID string, payload json.RawMessage, headers map[string]string) Envelope {
	return build(TypeReply, name, commandID, correlationID, commandID, "", payload, headers)
}

// NewEvent builds a domain event envelope derived from a completed command.
func NewEvent(name, commandID, correlationID, key string, payload json.RawMessage, headers map[string]string) Envelope {
	return build(TypeEvent, name, commandID, correlationID, commandID, key, payload, headers)
}

func build(t Type, name, commandID, correlationID, causationID, key string, payload json.RawMessage, headers map[string]string) Envelope {
	if headers == nil {
		headers = map[string]string{}
	}
	return Envelope{
		MessageID: uuid.NewString(),
		Type: t,
		Name: name,
		CommandID: commandID,
		CorrelationID: correlationID,
		CausationID: causationID,
		OccurredAt: time.Now().UTC(),
		Key: key,
		Headers: headers,
		Payload: payload,
	}
}

// FromHeaders constructs an inbound Envelope from a raw body plus a header
// map, the shape a broker consumer hands to the core. Validate rejects the
// result when the commandId or correlationId header was missing; replyTo is
// not checked, and a reply to a command without it goes to the configured
// default reply queue.
func FromHeaders(name string, body []byte, headers map[string]string) Envelope {
	return Envelope{
		MessageID: uuid.NewString(),
		Type: TypeCommand,
		Name: name,
		CommandID: headers[HeaderCommandID],
		CorrelationID: headers[HeaderCorrelation],
		CausationID: headers[HeaderCausation],
		OccurredAt: time.Now().UTC(),
		Key: headers[HeaderBusinessKey],
		Headers: headers,
		Payload: json.RawMessage(body),
	}
}

// Validate rejects an envelope missing required fields, the InvalidEnvelope
// condition of .
func (e Envelope) Validate() error {
	return validate.Struct(e)
}

func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	err := json.Unmarshal(data, &e)
	return e, err
}
