// Package inbox implements the consumer-side deduplication set keyed by
// (messageId, handler): the gate that lets the executor admit a delivery at
// most once.
package inbox

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/linkmeAman/universal-middleware/internal/database"
	"github.com/linkmeAman/universal-middleware/pkg/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Store is the single-operation contract requires. MarkIfAbsent
// must run inside the caller's transaction so a rollback (retryable failure)
// also undoes the inbox write, per "inbox and retries" note.
type Store interface {
	MarkIfAbsent(ctx context.Context, tx database.Tx, messageID, handler string) (bool, error)
}

// PostgresStore realizes the unique-key insert-ignore semantics
// describes, the same shape as outbox repository but against
// the inbox table's composite primary key (message_id, handler).
type PostgresStore struct {
	log *logger.Logger
	tracer trace.Tracer
}

func NewPostgresStore(log *logger.Logger) *PostgresStore {
	return &PostgresStore{log: log, tracer: otel.GetTracerProvider().Tracer("inbox-store")}
}

func (s *PostgresStore) MarkIfAbsent(ctx context.Context, tx database.Tx, messageID, handler string) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "inbox.MarkIfAbsent",
		trace.WithAttributes(
			attribute.String("inbox.message_id", messageID),
			attribute.String("inbox.handler", handler),
		),
	)
	defer span.End()

	tag, err := tx.Exec(ctx,
		`INSERT INTO inbox (message_id, handler) VALUES ($1, $2) ON CONFLICT (message_id, handler) DO NOTHING`,
		messageID, handler,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return false, nil
		}
		span.RecordError(err)
		return false, err
	}

	return tag.RowsAffected() == 1, nil
}

// InMemoryStore is a test double, grounded on
// internal/command/outbox/mem_repo.go mutex-guarded map convention.
type InMemoryStore struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{seen: make(map[string]struct{})}
}

func (s *InMemoryStore) MarkIfAbsent(_ context.Context, _ database.Tx, messageID, handler string) (bool, error) {
	key := messageID + "\x00" + handler
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[key]; ok {
		return false, nil
	}
	s.seen[key] = struct{}{}
	return true, nil
}
