// Package command implements the authoritative lifecycle of a Command (spec
// §4.3) and the public submission API of the command bus.
package command

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the command lifecycle state. Transitions are monotonic except
// RUNNING -> PENDING on lease expiry.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusTimedOut  Status = "TIMED_OUT"
)

// Command is the authoritative record of one named intent to mutate domain
// state, deduplicated by IdempotencyKey and uniquely keyed by (Name,
// BusinessKey).
type Command struct {
	ID             string
	Name           string
	BusinessKey    string
	Payload        json.RawMessage
	IdempotencyKey string
	Status         Status
	Retries        int
	LeaseUntil     *time.Time
	LastError      *string
	Reply          json.RawMessage
	RequestedAt    time.Time
	UpdatedAt      time.Time
}

// New constructs a PENDING command ready for savePending. The caller
// supplies the idempotency key and business key; ID is always freshly
// generated so that resubmission under the same idempotency key is detected
// by the store's unique constraint rather than by client-chosen IDs.
func New(name, idempotencyKey, businessKey string, payload json.RawMessage) *Command {
	now := time.Now().UTC()
	return &Command{
		ID:             uuid.NewString(),
		Name:           name,
		BusinessKey:    businessKey,
		Payload:        payload,
		IdempotencyKey: idempotencyKey,
		Status:         StatusPending,
		RequestedAt:    now,
		UpdatedAt:      now,
	}
}

// IsRetryable reports whether a FAILED command may still be redelivered by
// the broker and reprocessed (used by callers inspecting terminal state;
// the executor itself decides retryability from the errs.Class of the
// handler's error, not from this method).
func (c *Command) IsRetryable() bool {
	return c.Status == StatusFailed
}
