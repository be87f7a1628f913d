package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/linkmeAman/universal-middleware/internal/broker/kafka"
	"github.com/linkmeAman/universal-middleware/internal/broker/mq"
	"github.com/linkmeAman/universal-middleware/internal/command"
	"github.com/linkmeAman/universal-middleware/internal/database/migrations"
	"github.com/linkmeAman/universal-middleware/internal/database/postgres"
	"github.com/linkmeAman/universal-middleware/internal/dlq"
	"github.com/linkmeAman/universal-middleware/internal/fastpath"
	"github.com/linkmeAman/universal-middleware/internal/httpapi"
	"github.com/linkmeAman/universal-middleware/internal/outbox"
	"github.com/linkmeAman/universal-middleware/pkg/config"
	"github.com/linkmeAman/universal-middleware/pkg/logger"
	"github.com/linkmeAman/universal-middleware/pkg/metrics"
)

// run wires and starts the submission side of the execution core: the
// HTTP surface that accepts commands (command.Bus) and the outbox
// dispatcher that publishes what Bus.Accept enqueues. Grounded on the
// teacher's cmd/command-service/service.go run(): router first, HTTP
// server started and health-verified before the rest of the dependency
// graph comes up, then the remaining components wired in and the
// dependency-aware health endpoint re-registered.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New("command-service", "info")
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	m := metrics.New("command_service")

	if cfg.Observability.Tracing.Disable {
		log.Info("tracing disabled, skipping initialization")
	} else {
		tracer, terr := config.SetupTracing("command-service", log)
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

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(30 * time.Second))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", httpapi.HealthHandler("1.0.0", map[string]func() error{}))

	addr := fmt.Sprintf("%s:%d", cfg.CommandService.Host, cfg.CommandService.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.CommandService.ReadTimeout,
		WriteTimeout: cfg.CommandService.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	if err := verifyListening(fmt.Sprintf("localhost:%d", cfg.CommandService.Port)); err != nil {
		return fmt.Errorf("server verification failed: %w", err)
	}

	log.Info("connecting to database", zap.String("host", cfg.Database.Primary.Host), zap.Int("port", cfg.Database.Primary.Port))
	db, err := connectWithRetry(cfg, log, m)
	if err != nil {
		return err
	}
	defer db.Close()

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		cfg.Database.Primary.Username, cfg.Database.Primary.Password,
		cfg.Database.Primary.Host, cfg.Database.Primary.Port, cfg.Database.Primary.Database)
	migrator, err := migrations.NewManager(dsn, log)
	if err != nil {
		return fmt.Errorf("init migration manager: %w", err)
	}
	if err := migrator.Up(serviceCtx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	defer migrator.Close()

	commandStore := command.NewPostgresStore(db, log)
	outboxStore := outbox.NewPostgresStore(db, log)
	dlqStore := dlq.NewPostgresStore(db, log)

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

	mqPub, err := mq.NewPublisher(mq.PublisherConfig{URL: cfg.MQ.URL}, m, log)
	if err != nil {
		return fmt.Errorf("init mq publisher: %w", err)
	}
	defer mqPub.Close()

	kafkaCompression := sarama.CompressionSnappy
	if cfg.Kafka.Producer.Compression == "none" {
		kafkaCompression = sarama.CompressionNone
	}
	kafkaPub, err := kafka.NewPublisher(kafka.PublisherConfig{
		Brokers:           cfg.Kafka.Brokers,
		RequiredAcks:      sarama.WaitForAll,
		Compression:       kafkaCompression,
		MaxRetries:        cfg.Kafka.Producer.MaxRetries,
		RetryBackoff:      cfg.Kafka.Producer.RetryBackoff,
		ConnectionTimeout: 10 * time.Second,
	}, m, log)
	if err != nil {
		return fmt.Errorf("init kafka publisher: %w", err)
	}
	defer kafkaPub.Close()

	dispatcher := outbox.NewDispatcher(outbox.DispatcherConfig{
		SweepInterval: cfg.Core.OutboxSweepInterval,
		BatchSize:     cfg.Core.OutboxBatchSize,
		ClaimTimeout:  cfg.Core.OutboxClaimTimeout,
		MaxBackoff:    time.Duration(cfg.Core.OutboxMaxBackoffMillis) * time.Millisecond,
		ClaimerID:     cfg.Core.ClaimerID,
	}, outboxStore, mqPub, kafkaPub, m, log)
	if err := dispatcher.Start(serviceCtx); err != nil {
		return fmt.Errorf("start outbox dispatcher: %w", err)
	}

	var listener *fastpath.Listener
	if cfg.Core.FastPathEnabled {
		listener = fastpath.NewListener(fastpath.Options{
			Addresses:       cfg.Redis.Addresses,
			Password:        cfg.Redis.Password,
			DB:              cfg.Redis.DB,
			PoolSize:        cfg.Redis.PoolSize,
			MinIdleConns:    cfg.Redis.MinIdleConns,
			ConnMaxLifetime: cfg.Redis.ConnMaxLifetime,
			Key:             cfg.Redis.FastPathKey,
		}, dispatcher, log, m)
		listener.Start(serviceCtx, cfg.Core.FastPathConcurrency)
		defer listener.Close()
	}

	bus := command.NewBus(db, commandStore, outboxStore, notifier, log)
	cmdHandlers := httpapi.NewCommandHandlers(bus, dlqStore, log)
	cmdHandlers.Register(r)

	healthDeps := map[string]func() error{
		"database": func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return db.Ping(ctx)
		},
		"mq": func() error { return nil },
	}
	r.Get("/health", httpapi.HealthHandler("1.0.0", healthDeps))

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

func verifyListening(addr string) error {
	var lastErr error
	for i := 0; i < 5; i++ {
		resp, err := http.Get(fmt.Sprintf("http://%s/health", addr))
		if err == nil {
			resp.Body.Close()
			return nil
		}
		lastErr = err
		time.Sleep(time.Second)
	}
	return lastErr
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
