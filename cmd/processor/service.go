package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/linkmeAman/universal-middleware/internal/broker/mq"
	"github.com/linkmeAman/universal-middleware/internal/command"
	"github.com/linkmeAman/universal-middleware/internal/database/postgres"
	"github.com/linkmeAman/universal-middleware/internal/dlq"
	"github.com/linkmeAman/universal-middleware/internal/executor"
	"github.com/linkmeAman/universal-middleware/internal/fastpath"
	"github.com/linkmeAman/universal-middleware/internal/httpapi"
	"github.com/linkmeAman/universal-middleware/internal/inbox"
	"github.com/linkmeAman/universal-middleware/internal/outbox"
	"github.com/linkmeAman/universal-middleware/internal/paymentsdemo"
	"github.com/linkmeAman/universal-middleware/internal/process"
	"github.com/linkmeAman/universal-middleware/internal/registry"
	"github.com/linkmeAman/universal-middleware/pkg/config"
	"github.com/linkmeAman/universal-middleware/pkg/logger"
	"github.com/linkmeAman/universal-middleware/pkg/metrics"
)

// stepHandlers binds each SimplePayment step command name (spec scenario
// 6) to its paymentsdemo implementation, and createUserCommand binds the
// one plain-command sample (spec scenario 1/4). Registered here rather
// than in internal/paymentsdemo since the registry is a runtime wiring
// concern, not a handler concern.
func stepHandlers() map[string]registry.Handler {
	return map[string]registry.Handler{
		"CreateUser":                paymentsdemo.NewCreateUserHandler(),
		"limits.book":               paymentsdemo.NewBookLimitsHandler(),
		"limits.reverse":            paymentsdemo.NewReverseLimitsHandler(),
		"fx.book":                   paymentsdemo.NewBookFxHandler(),
		"fx.unwind":                 paymentsdemo.NewUnwindFxHandler(),
		"ledger.createTransaction":  paymentsdemo.NewCreateTransactionHandler(),
		"ledger.reverseTransaction": paymentsdemo.NewReverseTransactionHandler(),
		"payments.create":           paymentsdemo.NewCreatePaymentHandler(),
	}
}

// run wires and starts the consumption side of the execution core: one MQ
// consumer per registered command/process-step queue, each delivery fed
// through Executor.Process. Grounded on cmd/processor/main.go
// (its own run loop plus a health-check HTTP server), rewired from the
// Kafka-only internal/processor onto this core's RabbitMQ
// command queues and Executor.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New("processor", "info")
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	m := metrics.New("processor")

	if cfg.Observability.Tracing.Disable {
		log.Info("tracing disabled, skipping initialization")
	} else {
		tracer, terr := config.SetupTracing("processor", log)
		if terr != nil {
			return fmt.Errorf("init tracer: %w", terr)
		}
		defer tracer.Shutdown(context.Background())
	}

	outbox.Configure(outbox.Naming{
		CommandPrefix: cfg.Core.QueueNaming.CommandPrefix,
		QueueSuffix:   cfg.Core.QueueNaming.QueueSuffix,
		ReplyQueue:    cfg.Core.QueueNaming.ReplyQueue,
		EventPrefix:   cfg.Core.TopicNaming.EventPrefix,
	})

	serviceCtx, serviceCancel := context.WithCancel(context.Background())
	defer serviceCancel()

	db, err := connectWithRetry(cfg, log, m)
	if err != nil {
		return err
	}
	defer db.Close()

	commandStore := command.NewPostgresStore(db, log)
	inboxStore := inbox.NewPostgresStore(log)
	outboxStore := outbox.NewPostgresStore(db, log)
	dlqStore := dlq.NewPostgresStore(db, log)
	processStore := process.NewPostgresStore(db, log)

	reg := registry.New()
	for name, h := range stepHandlers() {
		if err := reg.Register(name, h); err != nil {
			return fmt.Errorf("register handler %q: %w", name, err)
		}
	}
	reg.MarkProcessStart("SimplePayment")

	procManager := process.NewManager(processStore, outboxStore, commandStore, m, log)
	procManager.Register(process.SimplePaymentGraph())

	var notifier *fastpath.Notifier
	if cfg.Core.FastPathEnabled {
		notifier = fastpath.NewNotifier(fastpath.Options{
			Addresses:       cfg.Redis.Addresses,
			Password:        cfg.Redis.Password,
			DB:              cfg.Redis.DB,
			PoolSize:        cfg.Redis.PoolSize,
			MinIdleConns:    cfg.Redis.MinIdleConns,
			ConnMaxLifetime: cfg.Redis.ConnMaxLifetime,
			Key:             cfg.Redis.FastPathKey,
		}, log, m)
		defer notifier.Close()
	}

	exec := executor.New(executor.Config{
		LeaseDuration: time.Duration(cfg.Core.CommandLeaseSeconds) * time.Second,
	}, db, commandStore, inboxStore, outboxStore, dlqStore, reg, procManager, notifier, m, log)

	// One consumer per command/process-step queue. SimplePayment has no
	// entry in stepHandlers (it's a process start, which the executor routes
	// to the process manager rather than to a Handler), so its queue is
	// added to the list explicitly.
	consumerNames := []string{"SimplePayment"}
	for name := range stepHandlers() {
		consumerNames = append(consumerNames, name)
	}

	// Declaring a queue dials its own RabbitMQ channel, so fan the startup
	// out across an errgroup instead of paying for each dial serially; a
	// single Wait still gives up after the first failure like the rest of
	// this function's error handling does.
	consumers := make([]*mq.Consumer, len(consumerNames))
	group, groupCtx := errgroup.WithContext(serviceCtx)
	for i, name := range consumerNames {
		i, name := i, name
		group.Go(func() error {
			queue := outbox.QueueNameFor(name)
			c, err := mq.NewConsumer(mq.PublisherConfig{URL: cfg.MQ.URL}, queue, &commandHandler{name: name, exec: exec}, log)
			if err != nil {
				return fmt.Errorf("create consumer for queue %q: %w", queue, err)
			}
			if err := c.Start(groupCtx); err != nil {
				return fmt.Errorf("start consumer for queue %q: %w", queue, err)
			}
			consumers[i] = c
			log.Info("consuming queue", zap.String("queue", queue), zap.String("command", name))
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	defer func() {
		for _, c := range consumers {
			_ = c.Stop()
		}
	}()

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", httpapi.HealthHandler("1.0.0", map[string]func() error{
		"database": func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return db.Ping(ctx)
		},
	}))

	addr := fmt.Sprintf("%s:%d", cfg.CommandService.Host, cfg.CommandService.Port+1)
	srv := &http.Server{Addr: addr, Handler: r}
	errCh := make(chan error, 1)
	go func() {
		log.Info("starting processor health server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		log.Info("shutting down...")
	case err := <-errCh:
		log.Error("server error", zap.Error(err))
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown failed", zap.Error(err))
	}
	serviceCancel()
	return nil
}

func connectWithRetry(cfg *config.Config, log *logger.Logger, m *metrics.Metrics) (*postgres.DB, error) {
	const maxRetries = 5
	var db *postgres.DB
	var err error
	for i := 0; i < maxRetries; i++ {
		db, err = postgres.InitFromConfig(cfg, log, m)
		if err == nil {
			return db, nil
		}
		if i < maxRetries-1 {
			log.Warn("failed to connect to database, retrying...", zap.Int("attempt", i+1), zap.Error(err))
			time.Sleep(2 * time.Second)
		}
	}
	return nil, fmt.Errorf("connect to database after %d attempts: %w", maxRetries, err)
}
