package command

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/linkmeAman/universal-middleware/internal/database"
	"github.com/linkmeAman/universal-middleware/internal/envelope"
	coreerrs "github.com/linkmeAman/universal-middleware/internal/core/errs"
	"github.com/linkmeAman/universal-middleware/internal/fastpath"
	"github.com/linkmeAman/universal-middleware/internal/outbox"
	"github.com/linkmeAman/universal-middleware/pkg/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Bus is the public submission surface of the execution core:
// the one place a collaborator — an HTTP handler, a CLI, an inbound MQ
// adapter — hands in a named intent and gets a commandId back. It never
// executes a handler itself; it only durably records the intent and the
// outbox row that will eventually dispatch it.
type Bus struct {
	db       database.DB
	store    Store
	outbox   outbox.Store
	notifier *fastpath.Notifier
	log      *logger.Logger
	tracer   trace.Tracer
}

// NewBus wires notifier optionally; a nil notifier just means commands
// submitted here wait out the dispatcher's normal sweep interval.
func NewBus(db database.DB, store Store, ob outbox.Store, notifier *fastpath.Notifier, log *logger.Logger) *Bus {
	return &Bus{
		db:       db,
		store:    store,
		outbox:   ob,
		notifier: notifier,
		log:      log,
		tracer:   otel.GetTracerProvider().Tracer("command-bus"),
	}
}

// Accept implements accept(name, idempotencyKey, businessKey,
// payload, replyHeaders) operation. Inside one transaction: reject if a
// command with this idempotency key already exists, else persist it
// PENDING and enqueue a commandRequested outbox row. Returns the new
// commandId.
func (b *Bus) Accept(ctx context.Context, name, idempotencyKey, businessKey string, payload json.RawMessage, replyHeaders map[string]string) (string, error) {
	ctx, span := b.tracer.Start(ctx, "command.Bus.Accept",
		trace.WithAttributes(
			attribute.String("command.name", name),
			attribute.String("command.business_key", businessKey),
		),
	)
	defer span.End()

	exists, err := b.store.ExistsByIdempotencyKey(ctx, idempotencyKey)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("check idempotency key: %w", err)
	}
	if exists {
		return "", coreerrs.ErrDuplicateIdempotencyKey
	}

	c := New(name, idempotencyKey, businessKey, payload)

	tx, err := b.db.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("begin accept transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := b.store.SavePending(ctx, tx, c); err != nil {
		span.RecordError(err)
		return "", err
	}

	env := envelope.NewCommand(name, c.ID, c.ID, businessKey, payload, replyHeaders)
	if err := env.Validate(); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("%w: %s", coreerrs.ErrInvalidEnvelope, err)
	}

	row, err := outbox.CommandRequested(env)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	if err := b.outbox.Insert(ctx, tx, row); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("insert outbox row: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("commit accept transaction: %w", err)
	}

	b.log.Info("command accepted",
		zap.String("command_id", c.ID),
		zap.String("command_name", name),
		zap.String("business_key", businessKey),
	)

	if b.notifier != nil {
		b.notifier.Notify(ctx, row.ID)
	}

	return c.ID, nil
}

// Status returns the current lifecycle state of a previously accepted
// command, used by a submitter polling for completion.
func (b *Bus) Status(ctx context.Context, commandID string) (*Command, error) {
	return b.store.Find(ctx, commandID)
}
