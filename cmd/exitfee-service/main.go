package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/runstr/exitfee-saga/internal/analytics"
	"github.com/runstr/exitfee-saga/internal/coinos"
	"github.com/runstr/exitfee-saga/internal/config"
	"github.com/runstr/exitfee-saga/internal/coordinator"
	"github.com/runstr/exitfee-saga/internal/coordinator/oplog"
	"github.com/runstr/exitfee-saga/internal/coordinator/oplog/postgres"
	"github.com/runstr/exitfee-saga/internal/coordinator/oplog/sqlite"
	"github.com/runstr/exitfee-saga/internal/errclass"
	"github.com/runstr/exitfee-saga/internal/exitfee-service/infra/httpx"
	"github.com/runstr/exitfee-saga/internal/metrics"
	"github.com/runstr/exitfee-saga/internal/notify"
	"github.com/runstr/exitfee-saga/internal/pkg/lock"
	"github.com/runstr/exitfee-saga/internal/pkg/telemetry"
	"github.com/runstr/exitfee-saga/internal/roster"
)

const serviceName = "exitfee-service"

func main() {
	if err := run(); err != nil {
		slog.Error("exitfee-service stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(".")
	if err != nil {
		return err
	}
	logger := telemetry.InitLogger(cfg.LogLevel)

	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}

	shutdownTracer, err := telemetry.SetupTracer(ctx, telemetry.TracerConfig{
		ServiceName: cfg.OTelServiceName,
		Endpoint:    cfg.OTelEndpoint,
		Disabled:    !cfg.OTelEnabled,
	})
	if err != nil {
		return fmt.Errorf("setup tracer: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(flushCtx)
	}()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	collector := metrics.NewCollector(metrics.Config{}, metrics.WithLogger(logger))
	repo := metrics.InstrumentRepository(store, collector)
	insights := analytics.NewService(repo, analytics.WithLogger(logger))

	rosterConn, err := roster.Dial(cfg.RosterAddr)
	if err != nil {
		return err
	}
	defer rosterConn.Close()

	publisher := newPublisher(cfg, logger)
	defer publisher.Close()

	opts := []coordinator.Option{
		coordinator.WithRecorder(collector),
		coordinator.WithNotifier(publisher),
		coordinator.WithStuckFinder(insights),
		coordinator.WithErrorHandler(errclass.NewHandler(logger, 200)),
		coordinator.WithLogger(logger),
	}
	if cfg.RedisAddr != "" {
		opts = append(opts, coordinator.WithLocker(lock.NewRedisLocker(cfg.RedisAddr, serviceName)))
	} else {
		logger.Warn("REDIS_ADDR not set, user reservations are process-local")
	}

	wallets := coinos.NewClient(cfg.Coinos(), coinos.WithLogger(logger))
	manager := coordinator.NewManager(
		repo,
		wallets,
		roster.NewClient(rosterConn),
		cfg.Coordinator(),
		opts...,
	)

	resumed, err := manager.ResumeIncompleteOperations(ctx)
	if err != nil {
		return fmt.Errorf("resume operations: %w", err)
	}
	logger.Info("resumed incomplete operations", "count", resumed)

	scheduler := coordinator.NewScheduler(manager, collector, logger, cfg.SweepSchedule, cfg.MetricsInterval)
	if err := scheduler.Start(); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpx.NewRouter(httpx.NewHandler(manager, collector, insights, httpx.WithHealthCheck("coinos", wallets)), []byte(cfg.JWTSecret)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("exit fee API listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)

		<-scheduler.Stop().Done()
		manager.Wait()
		return err
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.Config) (oplog.Repository, func(), error) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL, 10)
		if err != nil {
			return nil, nil, err
		}
		repo := postgres.NewRepository(pool)
		if err := repo.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return repo, pool.Close, nil
	default:
		repo, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return repo, func() { _ = repo.Close() }, nil
	}
}

// newPublisher falls back to logging events when RabbitMQ is not configured
// or unreachable. Notifications never block the saga.
func newPublisher(cfg config.Config, logger *slog.Logger) notify.Publisher {
	if cfg.RabbitMQURL == "" {
		return notify.Fallback{Logger: logger}
	}
	producer, err := notify.NewEventProducer(cfg.RabbitMQURL, logger)
	if err != nil {
		logger.Warn("rabbitmq unavailable, events will only be logged", "error", err)
		return notify.Fallback{Logger: logger}
	}
	return producer
}
