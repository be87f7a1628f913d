package process

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	coreerrs "github.com/linkmeAman/universal-middleware/internal/core/errs"
	"github.com/linkmeAman/universal-middleware/internal/database"
	"github.com/linkmeAman/universal-middleware/pkg/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Store persists Instances and the append-only log. Grounded on the same
// transactional-write idiom as internal/command/store.go and
// internal/outbox/store.go: every write takes the caller's tx.
type Store interface {
	CreateInstance(ctx context.Context, tx database.Tx, inst *Instance) error
	UpdateInstance(ctx context.Context, tx database.Tx, inst *Instance) error
	Find(ctx context.Context, id string) (*Instance, error)
	FindByBusinessKey(ctx context.Context, processType, businessKey string) (*Instance, error)
	AppendLog(ctx context.Context, tx database.Tx, entry *LogEntry) error
	LogForInstance(ctx context.Context, id string) ([]LogEntry, error)
}

type PostgresStore struct {
	db     database.DB
	log    *logger.Logger
	tracer trace.Tracer
}

func NewPostgresStore(db database.DB, log *logger.Logger) *PostgresStore {
	return &PostgresStore{db: db, log: log, tracer: otel.GetTracerProvider().Tracer("process-store")}
}

// CreateInstance rejects ErrProcessAlreadyLive when
// idx_process_instance_live_business_key rejects a second live process
// for (process_type, business_key) — the partial index that reproduces
// spec §3's "(processType,businessKey) uniquely identifies a live
// process" without blocking resubmission once the prior process has
// reached a terminal status.
func (s *PostgresStore) CreateInstance(ctx context.Context, tx database.Tx, inst *Instance) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO process_instance (process_id, process_type, business_key, status, current_step, data, retries, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())`,
		inst.ID, inst.ProcessType, inst.BusinessKey, inst.Status, inst.CurrentStep, inst.Context, inst.Retries,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "idx_process_instance_live_business_key" {
			return coreerrs.ErrProcessAlreadyLive
		}
		return err
	}
	return nil
}

func (s *PostgresStore) UpdateInstance(ctx context.Context, tx database.Tx, inst *Instance) error {
	tag, err := tx.Exec(ctx,
		`UPDATE process_instance SET status = $1, current_step = $2, data = $3, retries = $4, updated_at = now() WHERE process_id = $5`,
		inst.Status, inst.CurrentStep, inst.Context, inst.Retries, inst.ID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return coreerrs.ErrProcessNotFound
	}
	return nil
}

func (s *PostgresStore) Find(ctx context.Context, id string) (*Instance, error) {
	row := s.db.QueryRow(ctx,
		`SELECT process_id, process_type, business_key, status, current_step, data, retries, created_at, updated_at
		 FROM process_instance WHERE process_id = $1`, id)
	return scanInstance(row)
}

func (s *PostgresStore) FindByBusinessKey(ctx context.Context, processType, businessKey string) (*Instance, error) {
	row := s.db.QueryRow(ctx,
		`SELECT process_id, process_type, business_key, status, current_step, data, retries, created_at, updated_at
		 FROM process_instance WHERE process_type = $1 AND business_key = $2`, processType, businessKey)
	return scanInstance(row)
}

func scanInstance(row database.Row) (*Instance, error) {
	var inst Instance
	err := row.Scan(&inst.ID, &inst.ProcessType, &inst.BusinessKey, &inst.Status, &inst.CurrentStep,
		&inst.Context, &inst.Retries, &inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coreerrs.ErrProcessNotFound
		}
		return nil, err
	}
	return &inst, nil
}

func (s *PostgresStore) AppendLog(ctx context.Context, tx database.Tx, entry *LogEntry) error {
	event, err := json.Marshal(logEvent{Kind: entry.Kind, Step: entry.Step, Detail: entry.Detail})
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO process_log (process_id, at, event) VALUES ($1, now(), $2)`,
		entry.ProcessID, event,
	)
	return err
}

func (s *PostgresStore) LogForInstance(ctx context.Context, id string) ([]LogEntry, error) {
	rows, err := s.db.Query(ctx,
		`SELECT process_id, seq, at, event FROM process_log WHERE process_id = $1 ORDER BY seq ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		var raw []byte
		if err := rows.Scan(&e.ProcessID, &e.Seq, &e.At, &raw); err != nil {
			return nil, err
		}
		var ev logEvent
		if err := json.Unmarshal(raw, &ev); err == nil {
			e.Kind = ev.Kind
			e.Step = ev.Step
			e.Detail = ev.Detail
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
