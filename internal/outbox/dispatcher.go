package outbox

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/linkmeAman/universal-middleware/internal/broker"
	coreerrs "github.com/linkmeAman/universal-middleware/internal/core/errs"
	"github.com/linkmeAman/universal-middleware/pkg/logger"
	"github.com/linkmeAman/universal-middleware/pkg/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DispatcherConfig mirrors outbox.ProcessorConfig, renamed
// and extended with the claim/backoff/fast-path knobs add.
// A row's destination is fixed by its builder (row.go's Naming) at insert
// time, not recomputed here.
type DispatcherConfig struct {
	SweepInterval time.Duration
	BatchSize     int
	ClaimTimeout  time.Duration
	MaxBackoff    time.Duration
	ClaimerID     string
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		SweepInterval: time.Second,
		BatchSize:     500,
		ClaimTimeout:  10 * time.Second,
		MaxBackoff:    5 * time.Minute,
		ClaimerID:     "core",
	}
}

// Dispatcher is the async publisher loop describes: claim a
// batch, publish each row over the SPI matching its category, mark
// published or reschedule with backoff on failure, and periodically
// recover rows whose claim has gone stale. Grounded on it's
// internal/command/outbox/processor.go Processor, generalized from a
// single Kafka producer to the dual MqPublisher/KafkaPublisher split.
type Dispatcher struct {
	cfg     DispatcherConfig
	store   Store
	mq      broker.MqPublisher
	kafka   broker.KafkaPublisher
	log     *logger.Logger
	tracer  trace.Tracer
	metrics *metrics.Metrics
}

func NewDispatcher(cfg DispatcherConfig, store Store, mq broker.MqPublisher, kafka broker.KafkaPublisher, m *metrics.Metrics, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:     cfg,
		store:   store,
		mq:      mq,
		kafka:   kafka,
		log:     log,
		metrics: m,
		tracer:  otel.GetTracerProvider().Tracer("outbox-dispatcher"),
	}
}

// Start launches the sweep and stuck-row recovery loops. It returns once
// the first sweep has run, mirroring "verify everything
// works" startup check.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.log.Info("starting outbox dispatcher",
		zap.Int("batch_size", d.cfg.BatchSize),
		zap.Duration("sweep_interval", d.cfg.SweepInterval),
	)

	if err := d.sweep(ctx); err != nil {
		return fmt.Errorf("initial outbox sweep failed: %w", err)
	}

	go d.sweepLoop(ctx)
	go d.recoverLoop(ctx)

	return nil
}

func (d *Dispatcher) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.sweep(ctx); err != nil {
				d.log.Error("outbox sweep failed", zap.Error(err))
			}
		}
	}
}

func (d *Dispatcher) recoverLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.ClaimTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.store.RecoverStuck(ctx, time.Now().Add(-d.cfg.ClaimTimeout))
			if err != nil {
				d.log.Error("recover stuck outbox rows failed", zap.Error(err))
				continue
			}
			if n > 0 {
				d.metrics.OutboxStuckRecovered.Add(float64(n))
			}
		}
	}
}

func (d *Dispatcher) sweep(ctx context.Context) error {
	ctx, span := d.tracer.Start(ctx, "outbox.sweep")
	defer span.End()

	rows, err := d.store.Claim(ctx, d.cfg.BatchSize, d.cfg.ClaimerID)
	if err != nil {
		return fmt.Errorf("claim outbox rows: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}
	span.SetAttributes(attribute.Int("batch.size", len(rows)))
	for _, r := range rows {
		d.metrics.OutboxClaimed.WithLabelValues(string(r.Category)).Inc()
	}

	for _, r := range rows {
		d.dispatchOne(ctx, r)
	}
	return nil
}

// Kick implements spec §4.4's claimOne(id) fast path: claim row id
// specifically and, if that succeeds, publish it immediately rather than
// waiting out the sweep interval. If id is no longer claimable — the
// sweeper already took it, or it's already PUBLISHED/FAILED — it is
// dropped silently; the sweeper owns eventual delivery regardless, so a
// lost fast-path attempt only costs the row the normal sweep-interval
// delay, never correctness.
func (d *Dispatcher) Kick(ctx context.Context, id int64) {
	row, err := d.store.ClaimOne(ctx, id, d.cfg.ClaimerID)
	if err != nil {
		d.log.Warn("fast-path claimOne failed", zap.Int64("id", id), zap.Error(err))
		return
	}
	if row == nil {
		return
	}
	d.metrics.OutboxClaimed.WithLabelValues(string(row.Category)).Inc()
	d.dispatchOne(ctx, row)
}

func (d *Dispatcher) dispatchOne(ctx context.Context, r *Row) {
	start := time.Now()
	ctx, span := d.tracer.Start(ctx, "outbox.dispatch_one",
		trace.WithAttributes(
			attribute.Int64("outbox.id", r.ID),
			attribute.String("outbox.category", string(r.Category)),
		),
	)
	defer span.End()

	dest := r.Topic
	var err error
	switch r.Category {
	case CategoryEvent:
		err = d.kafka.Publish(ctx, dest, r.Key, r.Type, r.Payload, r.Headers)
	case CategoryCommand, CategoryReply:
		err = d.mq.Publish(ctx, dest, r.Key, r.Type, r.Payload, r.Headers)
	default:
		err = fmt.Errorf("%w: unknown outbox category %q", coreerrs.ErrOutboxPublish, r.Category)
	}

	d.metrics.OutboxDispatchDuration.WithLabelValues(string(r.Category)).Observe(time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)

		if r.Category != CategoryCommand && r.Category != CategoryReply && r.Category != CategoryEvent {
			if ferr := d.store.MarkFailed(ctx, r.ID, err.Error()); ferr != nil {
				d.log.Error("failed to mark outbox row permanently failed",
					zap.Int64("id", r.ID), zap.Error(ferr))
			}
			d.log.Error("outbox row has unknown category, parked as failed",
				zap.Int64("id", r.ID), zap.String("category", string(r.Category)))
			return
		}

		backoff := d.backoffFor(r.Attempts + 1)
		if rerr := d.store.Reschedule(ctx, r.ID, backoff, err.Error()); rerr != nil {
			d.log.Error("failed to reschedule outbox row",
				zap.Int64("id", r.ID), zap.Error(rerr))
		}
		d.metrics.OutboxRescheduled.WithLabelValues(string(r.Category)).Inc()
		d.log.Warn("outbox publish failed, rescheduled",
			zap.Int64("id", r.ID), zap.String("destination", dest),
			zap.Duration("backoff", backoff), zap.Error(err))
		return
	}

	if err := d.store.MarkPublished(ctx, r.ID); err != nil {
		d.log.Error("failed to mark outbox row published",
			zap.Int64("id", r.ID), zap.Error(err))
		return
	}
	d.metrics.OutboxPublished.WithLabelValues(string(r.Category)).Inc()
}

// backoffFor implements min(maxBackoff, 2^min(attempts,8) seconds).
func (d *Dispatcher) backoffFor(attempts int) time.Duration {
	capped := attempts
	if capped > 8 {
		capped = 8
	}
	secs := math.Pow(2, float64(capped))
	backoff := time.Duration(secs) * time.Second
	if backoff > d.cfg.MaxBackoff {
		return d.cfg.MaxBackoff
	}
	return backoff
}
