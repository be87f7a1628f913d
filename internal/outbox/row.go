// Package outbox implements the transactional outbox: rows
// inserted in the same transaction as the business/command state change
// they describe, later claimed and published by a Dispatcher.
package outbox

import (
	"encoding/json"
	"time"

	"github.com/linkmeAman/universal-middleware/internal/envelope"
)

// Status is the outbox row lifecycle: NEW -> CLAIMED -> PUBLISHED | FAILED,
// with CLAIMED rows reverting to NEW on reschedule.
type Status string

const (
	StatusNew Status = "NEW"
	StatusClaimed Status = "CLAIMED"
	StatusPublished Status = "PUBLISHED"
	StatusFailed Status = "FAILED"
)

// Category selects which broker SPI a row is destined for: commands and
// replies go out over the MqPublisher, domain events over the
// KafkaPublisher.
type Category string

const (
	CategoryCommand Category = "command"
	CategoryReply Category = "reply"
	CategoryEvent Category = "event"
)

// Row is one queued outbound message, field-for-field the outbox
// table: category/topic/key/type/payload/headers plus claim/retry state.
// The wire message's body is the envelope itself (messageId included), so
// there is no separate message_id column to maintain.
type Row struct {
	ID int64
	Category Category
	Topic string
	Key string
	Type string
	Payload json.RawMessage
	Headers map[string]string
	Status Status
	Attempts int
	NextAt *time.Time
	ClaimedAt *time.Time
	ClaimedBy *string
	LastError *string
	CreatedAt time.Time
}

// Naming derives the wire destination for a row from the configured queue
// and topic conventions (queueNaming/topicNaming knobs). Row
// builders resolve the topic once, at insert time, the same moment the
// spec's outbox row builders (§4.4) fix every other field — the
// dispatcher never recomputes it.
type Naming struct {
	CommandPrefix string
	QueueSuffix string
	ReplyQueue string
	EventPrefix string
}

// DefaultNaming matches queue-per-command-name convention,
// overridden at startup from config.CoreConfig.
var DefaultNaming = Naming{
	CommandPrefix: "cmd.",
	QueueSuffix: ".queue",
	EventPrefix: "events.",
}

// active is the process-wide naming configuration row builders consult.
// Configure should be called once at startup before any row is built;
// tests that don't call it get DefaultNaming.
var active = DefaultNaming

// Configure installs the naming conventions row builders use for the rest
// of the process lifetime.
func Configure(n Naming) { active = n }

func fromEnvelope(category Category, topic string, env envelope.Envelope) (*Row, error) {
	payload, err := env.Marshal()
	if err != nil {
		return nil, err
	}
	return &Row{
		Category: category,
		Topic: topic,
		Key: env.Key,
		Type: env.Name,
		Payload: payload,
		Headers: env.Headers,
		Status: StatusNew,
	}, nil
}

// CommandRequested builds the outbox row for a freshly accepted command,
// routed over the MqPublisher to the queue owning env.Name ('s
// commandRequested(name, commandId, key, payload, replyHeaders) builder).
func CommandRequested(env envelope.Envelope) (*Row, error) {
	if env.Headers == nil {
		env.Headers = map[string]string{}
	}
	env.Headers[envelope.HeaderCommandID] = env.CommandID
	env.Headers[envelope.HeaderCommandName] = env.Name
	env.Headers[envelope.HeaderBusinessKey] = env.Key
	if _, ok := env.Headers[envelope.HeaderReplyTo]; !ok {
		env.Headers[envelope.HeaderReplyTo] = active.ReplyQueue
	}
	topic := active.CommandPrefix + env.Name + active.QueueSuffix
	return fromEnvelope(CategoryCommand, topic, env)
}

// MqReply builds the outbox row for a command reply, routed back over the
// MqPublisher to the replyTo queue carried in the envelope's headers, or
// the configured default reply queue (mqReply builder).
func MqReply(env envelope.Envelope) (*Row, error) {
	topic := env.Headers[envelope.HeaderReplyTo]
	if topic == "" {
		topic = active.ReplyQueue
	}
	return fromEnvelope(CategoryReply, topic, env)
}

// KafkaEvent builds the outbox row for a domain event, routed over the
// KafkaPublisher to topicName resolved by the caller ('s
// kafkaEvent(topic, key, type, payload) builder — the topic and the
// event's type are independent: a CommandCompleted event for CreateUser
// is typed "CommandCompleted" but routed to "events.CreateUser").
func KafkaEvent(topicName string, env envelope.Envelope) (*Row, error) {
	return fromEnvelope(CategoryEvent, topicName, env)
}

// EventTopic derives the conventional topic for an event keyed by the
// originating command's name (spec scenario 1: "events.CreateUser").
func EventTopic(commandName string) string {
	return active.EventPrefix + commandName
}

// QueueNameFor derives the queue a command named name is dispatched to,
// the same derivation CommandRequested uses, exported so a consumer-side
// process (cmd/processor) can declare the matching queue for each
// registered handler/process-step name without duplicating the naming
// convention.
func QueueNameFor(name string) string {
	return active.CommandPrefix + name + active.QueueSuffix
}

// DefaultReplyQueue returns the configured fallback reply queue, exported
// for the same reason as QueueNameFor.
func DefaultReplyQueue() string {
	return active.ReplyQueue
}
