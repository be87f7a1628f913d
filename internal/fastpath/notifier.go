// Package fastpath implements the optional Redis-backed notification
// channel from a committed outbox row's id is pushed onto a
// Redis list so a waiting dispatcher can publish it well before the next
// sweep tick, instead of waiting out the polling interval. It is strictly
// an optimization — losing a notification (Redis down, list trimmed,
// process restart) is benign, since the dispatcher's own sweep loop claims
// every due row regardless. Grounded on the connection conventions of the
// internal/cache.RedisCache, trimmed to the LPUSH/BRPOP shape
// this use case needs rather than cache-aside API.
package fastpath

import (
	"context"
	"strconv"
	"time"

	"github.com/linkmeAman/universal-middleware/pkg/logger"
	"github.com/linkmeAman/universal-middleware/pkg/metrics"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// backlogCap bounds the list with LTRIM so a stalled listener (or Redis
// outage recovery) can't let the list grow unbounded; anything trimmed off
// is still picked up by the next sweep.
const backlogCap = 10000

// Options holds the Redis connection parameters plus the list key the
// notifier and listener share.
type Options struct {
	Addresses []string
	Password string
	DB int
	PoolSize int
	MinIdleConns int
	ConnMaxLifetime time.Duration
	Key string
}

// Notifier is the publish side, called by whatever just committed an
// outbox row.
type Notifier struct {
	client redis.UniversalClient
	key string
	log *logger.Logger
	metrics *metrics.Metrics
	tracer trace.Tracer
}

func NewNotifier(opts Options, log *logger.Logger, m *metrics.Metrics) *Notifier {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: opts.Addresses,
		Password: opts.Password,
		DB: opts.DB,
		PoolSize: opts.PoolSize,
		MaxRetries: 3,

		DialTimeout: 5 * time.Second,
		ReadTimeout: 3 * time.Second,
		WriteTimeout: 3 * time.Second,

		MinIdleConns: opts.MinIdleConns,
		ConnMaxLifetime: opts.ConnMaxLifetime,
		PoolTimeout: 4 * time.Second,
	})

	return &Notifier{
		client: client,
		key: opts.Key,
		log: log,
		metrics: m,
		tracer: otel.GetTracerProvider().Tracer("fastpath-notifier"),
	}
}

// Notify pushes outboxID onto the fast-path list. Failures are logged and
// swallowed rather than returned: the caller already committed the outbox
// row, and a lost notification only costs the row a sweep-interval delay.
func (n *Notifier) Notify(ctx context.Context, outboxID int64) {
	ctx, span := n.tracer.Start(ctx, "fastpath.Notify",
		trace.WithAttributes(attribute.Int64("outbox.id", outboxID)),
	)
	defer span.End()

	pipe := n.client.Pipeline()
	pipe.LPush(ctx, n.key, strconv.FormatInt(outboxID, 10))
	pipe.LTrim(ctx, n.key, 0, backlogCap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		n.metrics.FastPathNotified.WithLabelValues("error").Inc()
		n.log.Debug("fast-path notify failed, sweep will catch up", zap.Int64("outbox_id", outboxID), zap.Error(err))
		return
	}
	n.metrics.FastPathNotified.WithLabelValues("ok").Inc()
}

func (n *Notifier) Ping(ctx context.Context) error {
	return n.client.Ping(ctx).Err()
}

func (n *Notifier) Close() error {
	return n.client.Close()
}
