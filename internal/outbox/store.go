package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/linkmeAman/universal-middleware/internal/database"
	"github.com/linkmeAman/universal-middleware/pkg/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Store is the contract: insert happens inside the caller's
// transaction; claim/publish/reschedule/recover run standalone, driven by
// the Dispatcher's sweep loop.
type Store interface {
	Insert(ctx context.Context, tx database.Tx, row *Row) error
	Claim(ctx context.Context, max int, claimerID string) ([]*Row, error)
	// ClaimOne claims a single specific NEW row by id for the fast path
	// (spec §4.4's claimOne(id) -> row?). Returns nil, nil if the row is
	// gone or no longer NEW (already claimed by the sweeper, or
	// published) — the caller drops it and lets the sweeper catch up.
	ClaimOne(ctx context.Context, id int64, claimerID string) (*Row, error)
	MarkPublished(ctx context.Context, id int64) error
	Reschedule(ctx context.Context, id int64, backoff time.Duration, cause string) error
	MarkFailed(ctx context.Context, id int64, cause string) error
	RecoverStuck(ctx context.Context, claimedBefore time.Time) (int, error)
}

// PostgresStore is grounded on
// internal/command/outbox/repository.go Repository, generalized from its
// single pending/published/failed lifecycle to the spec's NEW/CLAIMED/
// PUBLISHED/FAILED outbox with lease-style claiming.
type PostgresStore struct {
	conn database.DB
	log *logger.Logger
	tracer trace.Tracer
}

func NewPostgresStore(conn database.DB, log *logger.Logger) *PostgresStore {
	return &PostgresStore{conn: conn, log: log, tracer: otel.GetTracerProvider().Tracer("outbox-store")}
}

func (s *PostgresStore) Insert(ctx context.Context, tx database.Tx, row *Row) error {
	ctx, span := s.tracer.Start(ctx, "outbox.Insert",
		trace.WithAttributes(
			attribute.String("outbox.category", string(row.Category)),
			attribute.String("outbox.type", row.Type),
		),
	)
	defer span.End()

	headers, err := json.Marshal(row.Headers)
	if err != nil {
		return fmt.Errorf("marshal outbox headers: %w", err)
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO outbox (category, topic, key, type, payload, headers, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		 RETURNING id`,
		row.Category, row.Topic, row.Key, row.Type, row.Payload, headers, StatusNew,
	).Scan(&row.ID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("insert outbox row: %w", err)
	}
	row.Status = StatusNew
	return nil
}

// Claim locks up to max NEW-or-due rows FOR UPDATE SKIP LOCKED and marks
// them CLAIMED by claimerID, the same row-locking idiom it's
// GetPendingMessages uses, extended with the next_at backoff ordering.
func (s *PostgresStore) Claim(ctx context.Context, max int, claimerID string) ([]*Row, error) {
	ctx, span := s.tracer.Start(ctx, "outbox.Claim", trace.WithAttributes(attribute.Int("max", max)))
	defer span.End()

	rows, err := s.conn.Query(ctx,
		`WITH claimable AS (
			SELECT id FROM outbox
			WHERE status = $1 AND COALESCE(next_at, to_timestamp(0)) <= now()
			ORDER BY COALESCE(next_at, to_timestamp(0)), created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox SET status = $3, claimed_at = now(), claimed_by = $4
		WHERE id IN (SELECT id FROM claimable)
		RETURNING id, category, topic, key, type, payload, headers, status, attempts, next_at, claimed_at, claimed_by, last_error, created_at`,
		StatusNew, max, StatusClaimed, claimerID,
	)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("claim outbox rows: %w", err)
	}
	defer rows.Close()

	var out []*Row
	for rows.Next() {
		var r Row
		var headers []byte
		if err := rows.Scan(&r.ID, &r.Category, &r.Topic, &r.Key, &r.Type, &r.Payload, &headers,
			&r.Status, &r.Attempts, &r.NextAt, &r.ClaimedAt, &r.ClaimedBy, &r.LastError, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan claimed outbox row: %w", err)
		}
		if len(headers) > 0 {
			_ = json.Unmarshal(headers, &r.Headers)
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ClaimOne claims a single NEW row by id, the fast path's
// claimOne(id): a writer that just committed row id nudges a subscriber
// to try to claim and publish it immediately, ahead of the sweeper's next
// tick. A row that's already CLAIMED/PUBLISHED/FAILED (lost the race
// against the sweeper, or against another fast-path worker) yields
// (nil, nil) — the caller drops it rather than erroring, since the
// sweeper owns eventual delivery regardless.
func (s *PostgresStore) ClaimOne(ctx context.Context, id int64, claimerID string) (*Row, error) {
	ctx, span := s.tracer.Start(ctx, "outbox.ClaimOne", trace.WithAttributes(attribute.Int64("id", id)))
	defer span.End()

	row := s.conn.QueryRow(ctx,
		`UPDATE outbox SET status = $1, claimed_at = now(), claimed_by = $2
		 WHERE id = $3 AND status = $4 AND COALESCE(next_at, to_timestamp(0)) <= now()
		 RETURNING id, category, topic, key, type, payload, headers, status, attempts, next_at, claimed_at, claimed_by, last_error, created_at`,
		StatusClaimed, claimerID, id, StatusNew,
	)

	var r Row
	var headers []byte
	err := row.Scan(&r.ID, &r.Category, &r.Topic, &r.Key, &r.Type, &r.Payload, &headers,
		&r.Status, &r.Attempts, &r.NextAt, &r.ClaimedAt, &r.ClaimedBy, &r.LastError, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("claim outbox row %d: %w", id, err)
	}
	if len(headers) > 0 {
		_ = json.Unmarshal(headers, &r.Headers)
	}
	return &r, nil
}

func (s *PostgresStore) MarkPublished(ctx context.Context, id int64) error {
	tag, err := s.conn.Exec(ctx, `UPDATE outbox SET status = $1, published_at = now() WHERE id = $2`, StatusPublished, id)
	if err != nil {
		return fmt.Errorf("mark outbox row published: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox row %d not found", id)
	}
	return nil
}

// Reschedule reverts a CLAIMED row to NEW with a next_at pushed out by
// backoff, the "min(maxBackoff, 2^attempts seconds)" policy
// applied by the caller before this call.
func (s *PostgresStore) Reschedule(ctx context.Context, id int64, backoff time.Duration, cause string) error {
	_, err := s.conn.Exec(ctx,
		`UPDATE outbox SET status = $1, attempts = attempts + 1, next_at = now() + $2::interval, last_error = $3, claimed_at = NULL, claimed_by = NULL
		 WHERE id = $4`,
		StatusNew, fmt.Sprintf("%d milliseconds", backoff.Milliseconds()), cause, id,
	)
	if err != nil {
		return fmt.Errorf("reschedule outbox row: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id int64, cause string) error {
	_, err := s.conn.Exec(ctx,
		`UPDATE outbox SET status = $1, last_error = $2 WHERE id = $3`,
		StatusFailed, cause, id,
	)
	if err != nil {
		return fmt.Errorf("mark outbox row failed: %w", err)
	}
	return nil
}

// RecoverStuck reclaims CLAIMED rows whose claim predates claimedBefore —
// a dispatcher instance died mid-publish — back to NEW for redelivery.
func (s *PostgresStore) RecoverStuck(ctx context.Context, claimedBefore time.Time) (int, error) {
	tag, err := s.conn.Exec(ctx,
		`UPDATE outbox SET status = $1, claimed_at = NULL, claimed_by = NULL
		 WHERE status = $2 AND claimed_at < $3`,
		StatusNew, StatusClaimed, claimedBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("recover stuck outbox rows: %w", err)
	}
	n := int(tag.RowsAffected())
	if n > 0 {
		s.log.Warn("recovered stuck outbox rows", zap.Int("count", n))
	}
	return n, nil
}
