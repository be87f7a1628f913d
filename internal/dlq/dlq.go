// Package dlq is the dead-letter park for commands the executor gives up
// on permanently : parked alongside the command for
// operator inspection, never automatically retried.
package dlq

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/linkmeAman/universal-middleware/internal/command"
	coreerrs "github.com/linkmeAman/universal-middleware/internal/core/errs"
	"github.com/linkmeAman/universal-middleware/internal/database"
	"github.com/linkmeAman/universal-middleware/pkg/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Entry is one parked command, field-for-field the command_dlq
// table.
type Entry struct {
	ID string
	CommandID string
	CommandName string
	BusinessKey string
	Payload json.RawMessage
	FailedStatus command.Status
	ErrorClass coreerrs.Class
	ErrorMessage string
	Attempts int
	ParkedBy string
	ParkedAt time.Time
}

// Store is grounded on internal/events/consumer/dead_letter.go
// moveToDeadLetter concept, persisted as a table row (command_dlq)
// rather than republished to a Kafka topic — the executor parks inside the
// same transaction as markFailed, which a topic publish cannot do.
type Store interface {
	Park(ctx context.Context, tx database.Tx, commandID, commandName, businessKey string, payload json.RawMessage, failedStatus command.Status, errorClass coreerrs.Class, errorMessage, parkedBy string) error
	List(ctx context.Context, commandName string, limit int) ([]Entry, error)
}

type PostgresStore struct {
	db database.DB
	log *logger.Logger
	tracer trace.Tracer
}

func NewPostgresStore(db database.DB, log *logger.Logger) *PostgresStore {
	return &PostgresStore{db: db, log: log, tracer: otel.GetTracerProvider().Tracer("dlq-store")}
}

func (s *PostgresStore) Park(ctx context.Context, tx database.Tx, commandID, commandName, businessKey string, payload json.RawMessage, failedStatus command.Status, errorClass coreerrs.Class, errorMessage, parkedBy string) error {
	ctx, span := s.tracer.Start(ctx, "dlq.Park",
		trace.WithAttributes(attribute.String("command.id", commandID), attribute.String("command.name", commandName)))
	defer span.End()

	_, err := tx.Exec(ctx,
		`INSERT INTO command_dlq (id, command_id, command_name, business_key, payload, failed_status, error_class, error_message, attempts, parked_by, parked_at)
		 SELECT $1, $2, $3, $4, $5, $6, $7, $8, COALESCE(c.retries, 0), $9, now()
		 FROM command c WHERE c.id = $2::uuid`,
		uuid.NewString(), commandID, commandName, businessKey, payload, failedStatus, errorClass, errorMessage, parkedBy,
	)
	if err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// List is the operator-facing inspection helper (spec's supplemented DLQ
// inspection operation): the most recently parked entries, optionally
// filtered by command name.
func (s *PostgresStore) List(ctx context.Context, commandName string, limit int) ([]Entry, error) {
	ctx, span := s.tracer.Start(ctx, "dlq.List")
	defer span.End()

	const cols = `id, command_id, command_name, business_key, payload, failed_status, error_class, error_message, attempts, parked_by, parked_at`

	var rows database.Rows
	var err error
	if commandName != "" {
		rows, err = s.db.Query(ctx,
			`SELECT `+cols+` FROM command_dlq
			 WHERE command_name = $1 ORDER BY parked_at DESC LIMIT $2`, commandName, limit)
	} else {
		rows, err = s.db.Query(ctx,
			`SELECT `+cols+` FROM command_dlq
			 ORDER BY parked_at DESC LIMIT $1`, limit)
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.CommandID, &e.CommandName, &e.BusinessKey, &e.Payload,
			&e.FailedStatus, &e.ErrorClass, &e.ErrorMessage, &e.Attempts, &e.ParkedBy, &e.ParkedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
