package fastpath

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/linkmeAman/universal-middleware/pkg/logger"
	"github.com/linkmeAman/universal-middleware/pkg/metrics"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// popTimeout bounds each BRPOP so the listener goroutines notice ctx
// cancellation promptly instead of blocking indefinitely.
const popTimeout = 2 * time.Second

// Kicker is satisfied by outbox.Dispatcher; kept as an interface so this
// package doesn't import outbox.
type Kicker interface {
	Kick(ctx context.Context, id int64)
}

// Listener is the consume side: a small pool of goroutines blocking on
// BRPOP against the fast-path list, each handing the popped outbox id to
// the dispatcher's Kick, which claims and publishes that one row.
// Concurrency just needs to be enough that one slow Kick doesn't stall the
// others.
type Listener struct {
	client     redis.UniversalClient
	key        string
	dispatcher Kicker
	log        *logger.Logger
	metrics    *metrics.Metrics
}

func NewListener(opts Options, dispatcher Kicker, log *logger.Logger, m *metrics.Metrics) *Listener {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:      opts.Addresses,
		Password:   opts.Password,
		DB:         opts.DB,
		PoolSize:   opts.PoolSize,
		MaxRetries: 3,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  popTimeout + 2*time.Second,
		WriteTimeout: 3 * time.Second,

		MinIdleConns:    opts.MinIdleConns,
		ConnMaxLifetime: opts.ConnMaxLifetime,
		PoolTimeout:     4 * time.Second,
	})

	return &Listener{client: client, key: opts.Key, dispatcher: dispatcher, log: log, metrics: m}
}

// Start launches concurrency goroutines, each looping BRPOP until ctx is
// cancelled.
func (l *Listener) Start(ctx context.Context, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	l.log.Info("starting fast-path listener", zap.Int("concurrency", concurrency), zap.String("key", l.key))
	for i := 0; i < concurrency; i++ {
		go l.loop(ctx)
	}
}

func (l *Listener) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := l.client.BRPop(ctx, popTimeout, l.key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			l.log.Debug("fast-path brpop failed, retrying", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		// res is [key, value]; value is the outbox id Notify pushed.
		id, err := strconv.ParseInt(res[1], 10, 64)
		if err != nil {
			l.log.Warn("fast-path popped a non-numeric id, dropping", zap.String("value", res[1]))
			l.metrics.FastPathKicks.WithLabelValues("error").Inc()
			continue
		}

		l.dispatcher.Kick(ctx, id)
		l.metrics.FastPathKicks.WithLabelValues("ok").Inc()
	}
}

func (l *Listener) Close() error {
	return l.client.Close()
}
