// Package executor implements the exactly-once command execution envelope
//: inbox gate, lease acquisition, routing to a handler or a
// process start, and the terminal state transition — all in one
// transaction, so a rollback undoes the inbox mark along with everything
// else.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/linkmeAman/universal-middleware/internal/command"
	coreerrs "github.com/linkmeAman/universal-middleware/internal/core/errs"
	"github.com/linkmeAman/universal-middleware/internal/database"
	"github.com/linkmeAman/universal-middleware/internal/dlq"
	"github.com/linkmeAman/universal-middleware/internal/envelope"
	"github.com/linkmeAman/universal-middleware/internal/fastpath"
	"github.com/linkmeAman/universal-middleware/internal/inbox"
	"github.com/linkmeAman/universal-middleware/internal/outbox"
	"github.com/linkmeAman/universal-middleware/internal/process"
	"github.com/linkmeAman/universal-middleware/internal/registry"
	"github.com/linkmeAman/universal-middleware/pkg/logger"
	"github.com/linkmeAman/universal-middleware/pkg/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const handlerName = "core.executor"

// Config carries the lease duration applied to MarkRunning.
type Config struct {
	LeaseDuration time.Duration
}

// Executor is the single place deliveries (from the MQ consumer, the
// Kafka reply consumer, or a direct in-process dispatch from the bus) are
// admitted, leased, routed and resolved.
type Executor struct {
	cfg      Config
	db       database.DB
	commands command.Store
	inbox    inbox.Store
	outbox   outbox.Store
	dlq      dlq.Store
	registry *registry.Registry
	process  *process.Manager
	notifier *fastpath.Notifier
	log      *logger.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
}

// New wires notifier optionally; a nil notifier just means replies/events
// emitted here wait out the dispatcher's normal sweep interval.
func New(cfg Config, db database.DB, commands command.Store, in inbox.Store, ob outbox.Store, d dlq.Store, reg *registry.Registry, pm *process.Manager, notifier *fastpath.Notifier, m *metrics.Metrics, log *logger.Logger) *Executor {
	return &Executor{
		cfg:      cfg,
		db:       db,
		commands: commands,
		inbox:    in,
		outbox:   ob,
		dlq:      d,
		registry: reg,
		process:  pm,
		notifier: notifier,
		log:      log,
		metrics:  m,
		tracer:   otel.GetTracerProvider().Tracer("executor"),
	}
}

// Process runs the full algorithm for one inbound envelope.
// Returns nil for both a genuinely successful run and a duplicate
// delivery the inbox gate swallowed; the caller (a broker consumer) acks
// the delivery either way.
func (e *Executor) Process(ctx context.Context, env envelope.Envelope) error {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "executor.Process",
		trace.WithAttributes(
			attribute.String("command.id", env.CommandID),
			attribute.String("command.name", env.Name),
		),
	)
	defer span.End()

	if err := env.Validate(); err != nil {
		e.metrics.ExecutorOutcomes.WithLabelValues(env.Name, "invalid").Inc()
		return fmt.Errorf("%w: %s", coreerrs.ErrInvalidEnvelope, err)
	}

	tx, err := e.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin executor transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	admitted, err := e.inbox.MarkIfAbsent(ctx, tx, env.MessageID, handlerName)
	if err != nil {
		return fmt.Errorf("inbox gate: %w", err)
	}
	if !admitted {
		e.metrics.ExecutorOutcomes.WithLabelValues(env.Name, "duplicate").Inc()
		e.log.Debug("duplicate delivery swallowed by inbox", zap.String("message_id", env.MessageID))
		return tx.Commit(ctx)
	}

	leaseUntil := time.Now().Add(e.cfg.LeaseDuration)
	if err := e.commands.MarkRunning(ctx, tx, env.CommandID, leaseUntil); err != nil {
		return fmt.Errorf("mark command running: %w", err)
	}

	outcome, handleErr := e.route(ctx, tx, env)
	emitted := append([]int64(nil), outcome.Emitted...)

	if handleErr == nil {
		if err := e.commands.MarkSucceeded(ctx, tx, env.CommandID, outcome.Reply); err != nil {
			return fmt.Errorf("mark command succeeded: %w", err)
		}
		if err := e.emitReply(ctx, tx, env, "CommandCompleted", outcome.Reply, &emitted); err != nil {
			return err
		}
		if err := e.emitCanonicalEvent(ctx, tx, env, "CommandCompleted", outcome.Reply, &emitted); err != nil {
			return err
		}
		for _, ev := range outcome.Events {
			if err := e.emitEvent(ctx, tx, env, ev, &emitted); err != nil {
				return err
			}
		}
		if err := e.notifyProcessStep(ctx, tx, env, true, outcome.Reply, &emitted); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit executor transaction: %w", err)
		}
		committed = true
		e.notifyFastPath(ctx, emitted)
		e.metrics.ExecutorOutcomes.WithLabelValues(env.Name, "succeeded").Inc()
		e.metrics.ExecutorDuration.WithLabelValues(env.Name).Observe(time.Since(start).Seconds())
		return nil
	}

	class := coreerrs.ClassOf(handleErr)
	switch class {
	case coreerrs.Permanent:
		if err := e.commands.MarkFailed(ctx, tx, env.CommandID, handleErr.Error()); err != nil {
			return fmt.Errorf("mark command failed: %w", err)
		}
		if err := e.dlq.Park(ctx, tx, env.CommandID, env.Name, env.Key, env.Payload, command.StatusFailed, class, handleErr.Error(), handlerName); err != nil {
			return fmt.Errorf("park to dlq: %w", err)
		}
		failurePayload, _ := json.Marshal(map[string]string{"error": handleErr.Error()})
		if err := e.emitReply(ctx, tx, env, "CommandFailed", failurePayload, &emitted); err != nil {
			return err
		}
		if err := e.emitCanonicalEvent(ctx, tx, env, "CommandFailed", failurePayload, &emitted); err != nil {
			return err
		}
		if err := e.notifyProcessStep(ctx, tx, env, false, failurePayload, &emitted); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit executor transaction: %w", err)
		}
		committed = true
		e.notifyFastPath(ctx, emitted)
		e.metrics.ExecutorOutcomes.WithLabelValues(env.Name, "failed").Inc()
		e.metrics.ExecutorDuration.WithLabelValues(env.Name).Observe(time.Since(start).Seconds())
		return nil

	default: // RetryableBusiness, Transient, or unclassified
		e.metrics.ExecutorOutcomes.WithLabelValues(env.Name, "retryable").Inc()
		span.RecordError(handleErr)
		// Roll back: the inbox mark and the RUNNING transition both undo,
		// so the broker's redelivery (or the lease-expiry sweeper) sees a
		// fresh PENDING command and an empty inbox slot.
		return handleErr
	}
}

type outcome struct {
	Reply   json.RawMessage
	Events  []registry.Event
	Emitted []int64
}

// route dispatches to a process start or a plain handler depending on
// whether env.Name was registered via registry.MarkProcessStart (spec
// §4.7/§4.8).
func (e *Executor) route(ctx context.Context, tx database.Tx, env envelope.Envelope) (outcome, error) {
	if e.registry.IsProcessStart(env.Name) {
		reply, emitted, err := e.process.Start(ctx, tx, env.Name, env.CommandID, env.Payload)
		if err != nil {
			return outcome{}, coreerrs.WrapPermanent(fmt.Errorf("%w: %s", coreerrs.ErrProcessStartFailed, err))
		}
		return outcome{Reply: reply, Emitted: emitted}, nil
	}

	h, err := e.registry.Resolve(env.Name)
	if err != nil {
		return outcome{}, coreerrs.WrapPermanent(err)
	}

	result, err := h.Handle(ctx, tx, env.CommandID, env.Payload)
	if err != nil {
		return outcome{}, err
	}
	return outcome{Reply: result.Reply, Events: result.Events}, nil
}

// emitReply always carries the canonical "CommandCompleted"/"CommandFailed"
// type (step 4/5) rather than a name derived from the command,
// so a caller's reply consumer can dispatch on type alone.
func (e *Executor) emitReply(ctx context.Context, tx database.Tx, env envelope.Envelope, replyType string, payload json.RawMessage, emitted *[]int64) error {
	headers := map[string]string{envelope.HeaderReplyTo: env.Headers[envelope.HeaderReplyTo]}
	reply := envelope.NewReply(replyType, env.CommandID, env.CorrelationID, payload, headers)
	row, err := outbox.MqReply(reply)
	if err != nil {
		return fmt.Errorf("build reply row: %w", err)
	}
	if err := e.outbox.Insert(ctx, tx, row); err != nil {
		return fmt.Errorf("insert reply row: %w", err)
	}
	*emitted = append(*emitted, row.ID)
	return nil
}

// emitCanonicalEvent publishes the CommandCompleted/CommandFailed event
// every resolved command gets, independent of any handler-declared events
// (step 4: "one event outbox row ... published to
// events.<CommandName>" regardless of what the handler itself emits).
func (e *Executor) emitCanonicalEvent(ctx context.Context, tx database.Tx, env envelope.Envelope, eventType string, payload json.RawMessage, emitted *[]int64) error {
	out := envelope.NewEvent(eventType, env.CommandID, env.CorrelationID, env.Key, payload, nil)
	row, err := outbox.KafkaEvent(outbox.EventTopic(env.Name), out)
	if err != nil {
		return fmt.Errorf("build canonical event row: %w", err)
	}
	if err := e.outbox.Insert(ctx, tx, row); err != nil {
		return fmt.Errorf("insert canonical event row: %w", err)
	}
	*emitted = append(*emitted, row.ID)
	return nil
}

func (e *Executor) emitEvent(ctx context.Context, tx database.Tx, env envelope.Envelope, ev registry.Event, emitted *[]int64) error {
	out := envelope.NewEvent(ev.Name, env.CommandID, env.CorrelationID, ev.Key, ev.Payload, nil)
	row, err := outbox.KafkaEvent(outbox.EventTopic(env.Name), out)
	if err != nil {
		return fmt.Errorf("build event row: %w", err)
	}
	if err := e.outbox.Insert(ctx, tx, row); err != nil {
		return fmt.Errorf("insert event row: %w", err)
	}
	*emitted = append(*emitted, row.ID)
	return nil
}

// notifyFastPath pushes every outbox id emitted by this Process call onto
// the fast-path list after the transaction has committed, since notifying
// before commit could wake a dispatcher into looking for a row it can't
// see yet. A nil notifier (fast path disabled) makes this a no-op.
func (e *Executor) notifyFastPath(ctx context.Context, emitted []int64) {
	if e.notifier == nil {
		return
	}
	for _, id := range emitted {
		e.notifier.Notify(ctx, id)
	}
}

// notifyProcessStep feeds a resolved command's outcome back into the
// process manager when the command was itself a process step, identified
// by the processId/processStep headers the Manager stamped on emission
//. Commands that aren't process steps are a no-op here.
func (e *Executor) notifyProcessStep(ctx context.Context, tx database.Tx, env envelope.Envelope, success bool, reply json.RawMessage, emitted *[]int64) error {
	processID := env.Headers[process.HeaderProcessID]
	if processID == "" {
		return nil
	}
	stepName := env.Headers[process.HeaderProcessStep]
	ids, err := e.process.HandleStepReply(ctx, tx, processID, stepName, success, reply)
	if err != nil {
		return fmt.Errorf("handle process step reply: %w", err)
	}
	*emitted = append(*emitted, ids...)
	return nil
}
