// Package process implements persisted process-manager/saga orchestration
//: a graph of steps emitted as commands, driven forward by
// reply ingestion, with reverse-traversal compensation on failure.
package process

import (
	"encoding/json"
	"time"
)

// Status is the process instance lifecycle.
type Status string

const (
	StatusNew Status = "NEW"
	StatusRunning Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed Status = "FAILED"
	StatusCompensating Status = "COMPENSATING"
	StatusCompensated Status = "COMPENSATED"
	StatusPaused Status = "PAUSED"
)

// Instance is one running saga, field-for-field the
// process_instance table.
type Instance struct {
	ID string
	ProcessType string
	BusinessKey string
	Status Status
	CurrentStep string
	Context json.RawMessage
	Retries int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// LogEventKind is the closed vocabulary of facts recorded in the
// process_log, the append-only source of truth for what happened to an
// Instance independent of its current, mutable row.
type LogEventKind string

const (
	EventProcessStarted LogEventKind = "ProcessStarted"
	EventStepScheduled LogEventKind = "StepScheduled"
	EventStepCompleted LogEventKind = "StepCompleted"
	EventStepFailed LogEventKind = "StepFailed"
	EventCompensationScheduled LogEventKind = "CompensationScheduled"
	EventCompensationCompleted LogEventKind = "CompensationCompleted"
	EventProcessEnded LogEventKind = "ProcessEnded"
)

// LogEntry is one append-only fact about an Instance. The store serializes
// Kind/Step/Detail into the process_log table's single `event` json column
// alongside the auto-assigned Seq and At.
type LogEntry struct {
	ProcessID string
	Seq int64
	Kind LogEventKind
	Step string
	Detail json.RawMessage
	At time.Time
}

// logEvent is the wire shape LogEntry.Kind/Step/Detail marshal into for the
// process_log.event column.
type logEvent struct {
	Kind LogEventKind `json:"kind"`
	Step string `json:"step,omitempty"`
	Detail json.RawMessage `json:"detail,omitempty"`
}
