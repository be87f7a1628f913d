package command

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/linkmeAman/universal-middleware/internal/database"
	coreerrs "github.com/linkmeAman/universal-middleware/internal/core/errs"
	"github.com/linkmeAman/universal-middleware/pkg/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Store is the contract. Every write takes the caller's
// transaction so command-state changes land in the same commit as the
// outbox rows the executor/bus write alongside them.
type Store interface {
	SavePending(ctx context.Context, tx database.Tx, c *Command) error
	ExistsByIdempotencyKey(ctx context.Context, key string) (bool, error)
	MarkRunning(ctx context.Context, tx database.Tx, id string, leaseUntil time.Time) error
	MarkSucceeded(ctx context.Context, tx database.Tx, id string, reply json.RawMessage) error
	MarkFailed(ctx context.Context, tx database.Tx, id string, errMsg string) error
	MarkTimedOut(ctx context.Context, tx database.Tx, id string, reason string) error
	BumpRetry(ctx context.Context, tx database.Tx, id string, errMsg string) error
	Find(ctx context.Context, id string) (*Command, error)
	// ReclaimExpiredLeases transitions RUNNING->PENDING for every command
	// whose lease has elapsed, bumping retries, per background
	// sweeper note. Returns the number reclaimed.
	ReclaimExpiredLeases(ctx context.Context, now time.Time) (int, error)
}

// PostgresStore is grounded on internal/command/service.go
// SubmitCommand/GetCommandStatus methods and internal/database/postgres
// tracing/metrics wrapping conventions.
type PostgresStore struct {
	db database.DB
	log *logger.Logger
	tracer trace.Tracer
}

func NewPostgresStore(db database.DB, log *logger.Logger) *PostgresStore {
	return &PostgresStore{db: db, log: log, tracer: otel.GetTracerProvider().Tracer("command-store")}
}

func (s *PostgresStore) SavePending(ctx context.Context, tx database.Tx, c *Command) error {
	ctx, span := s.tracer.Start(ctx, "command.SavePending",
		trace.WithAttributes(attribute.String("command.name", c.Name)))
	defer span.End()

	_, err := tx.Exec(ctx,
		`INSERT INTO command (id, name, business_key, payload, idempotency_key, status, requested_at, updated_at, retries)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0)`,
		c.ID, c.Name, c.BusinessKey, c.Payload, c.IdempotencyKey, c.Status, c.RequestedAt, c.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if pgErr.ConstraintName == "command_name_business_key_key" {
				span.RecordError(coreerrs.ErrDuplicateBusinessKey)
				return coreerrs.ErrDuplicateBusinessKey
			}
			span.RecordError(coreerrs.ErrDuplicateIdempotencyKey)
			return coreerrs.ErrDuplicateIdempotencyKey
		}
		span.RecordError(err)
		return err
	}
	return nil
}

func (s *PostgresStore) ExistsByIdempotencyKey(ctx context.Context, key string) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "command.ExistsByIdempotencyKey")
	defer span.End()

	var exists bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM command WHERE idempotency_key = $1)`, key).Scan(&exists)
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	return exists, nil
}

func (s *PostgresStore) MarkRunning(ctx context.Context, tx database.Tx, id string, leaseUntil time.Time) error {
	tag, err := tx.Exec(ctx,
		`UPDATE command SET status = $1, processing_lease_until = $2, updated_at = now() WHERE id = $3 AND status IN ($1, $4)`,
		StatusRunning, leaseUntil, id, StatusPending,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return coreerrs.ErrCommandNotFound
	}
	return nil
}

func (s *PostgresStore) MarkSucceeded(ctx context.Context, tx database.Tx, id string, reply json.RawMessage) error {
	_, err := tx.Exec(ctx,
		`UPDATE command SET status = $1, reply = $2, updated_at = now() WHERE id = $3`,
		StatusSucceeded, reply, id,
	)
	return err
}

func (s *PostgresStore) MarkFailed(ctx context.Context, tx database.Tx, id string, errMsg string) error {
	_, err := tx.Exec(ctx,
		`UPDATE command SET status = $1, last_error = $2, updated_at = now() WHERE id = $3`,
		StatusFailed, errMsg, id,
	)
	return err
}

func (s *PostgresStore) MarkTimedOut(ctx context.Context, tx database.Tx, id string, reason string) error {
	_, err := tx.Exec(ctx,
		`UPDATE command SET status = $1, last_error = $2, updated_at = now() WHERE id = $3`,
		StatusTimedOut, reason, id,
	)
	return err
}

func (s *PostgresStore) BumpRetry(ctx context.Context, tx database.Tx, id string, errMsg string) error {
	_, err := tx.Exec(ctx,
		`UPDATE command SET retries = retries + 1, last_error = $1, updated_at = now() WHERE id = $2`,
		errMsg, id,
	)
	return err
}

func (s *PostgresStore) Find(ctx context.Context, id string) (*Command, error) {
	row := s.db.QueryRow(ctx,
		`SELECT id, name, business_key, payload, idempotency_key, status, retries, processing_lease_until, last_error, reply, requested_at, updated_at
		 FROM command WHERE id = $1`, id)

	var c Command
	var leaseUntil *time.Time
	var lastError *string
	var reply []byte
	err := row.Scan(&c.ID, &c.Name, &c.BusinessKey, &c.Payload, &c.IdempotencyKey, &c.Status, &c.Retries,
		&leaseUntil, &lastError, &reply, &c.RequestedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coreerrs.ErrCommandNotFound
		}
		return nil, err
	}
	c.LeaseUntil = leaseUntil
	c.LastError = lastError
	c.Reply = reply
	return &c, nil
}

func (s *PostgresStore) ReclaimExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE command SET status = $1, retries = retries + 1, processing_lease_until = NULL, updated_at = now()
		 WHERE status = $2 AND processing_lease_until < $3`,
		StatusPending, StatusRunning, now,
	)
	if err != nil {
		return 0, err
	}
	n := int(tag.RowsAffected())
	if n > 0 {
		s.log.Info("reclaimed expired command leases", zap.Int("count", n))
	}
	return n, nil
}

// InMemoryStore is a test double grounded on
// internal/command/outbox/mem_repo.go InMemoryRepository.
type InMemoryStore struct {
	mu sync.Mutex
	byID map[string]*Command
	byIdemp map[string]string
	byNameKey map[string]string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{byID: map[string]*Command{}, byIdemp: map[string]string{}, byNameKey: map[string]string{}}
}

// nameKey mirrors the schema's UNIQUE(name, business_key) constraint so a
// caller that would collide against the real database also collides
// against this test double.
func nameKey(name, businessKey string) string {
	return name + "\x00" + businessKey
}

func (s *InMemoryStore) SavePending(_ context.Context, _ database.Tx, c *Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byIdemp[c.IdempotencyKey]; ok {
		return coreerrs.ErrDuplicateIdempotencyKey
	}
	nk := nameKey(c.Name, c.BusinessKey)
	if _, ok := s.byNameKey[nk]; ok {
		return coreerrs.ErrDuplicateBusinessKey
	}
	cp := *c
	s.byID[c.ID] = &cp
	s.byIdemp[c.IdempotencyKey] = c.ID
	s.byNameKey[nk] = c.ID
	return nil
}

func (s *InMemoryStore) ExistsByIdempotencyKey(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byIdemp[key]
	return ok, nil
}

func (s *InMemoryStore) MarkRunning(_ context.Context, _ database.Tx, id string, leaseUntil time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return coreerrs.ErrCommandNotFound
	}
	c.Status = StatusRunning
	c.LeaseUntil = &leaseUntil
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemoryStore) MarkSucceeded(_ context.Context, _ database.Tx, id string, reply json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return coreerrs.ErrCommandNotFound
	}
	c.Status = StatusSucceeded
	c.Reply = reply
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemoryStore) MarkFailed(_ context.Context, _ database.Tx, id string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return coreerrs.ErrCommandNotFound
	}
	c.Status = StatusFailed
	c.LastError = &errMsg
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemoryStore) MarkTimedOut(_ context.Context, _ database.Tx, id string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return coreerrs.ErrCommandNotFound
	}
	c.Status = StatusTimedOut
	c.LastError = &reason
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemoryStore) BumpRetry(_ context.Context, _ database.Tx, id string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return coreerrs.ErrCommandNotFound
	}
	c.Retries++
	c.LastError = &errMsg
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemoryStore) Find(_ context.Context, id string) (*Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return nil, coreerrs.ErrCommandNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *InMemoryStore) ReclaimExpiredLeases(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.byID {
		if c.Status == StatusRunning && c.LeaseUntil != nil && c.LeaseUntil.Before(now) {
			c.Status = StatusPending
			c.Retries++
			c.LeaseUntil = nil
			n++
		}
	}
	return n, nil
}
