// Command taskengine is the process entrypoint: it wires configuration,
// logging, telemetry, and every C1-C9 component together, then runs
// whichever subset config.Role selects until an interrupt or terminate
// signal arrives.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"github.com/swarmguard/taskengine/internal/broker"
	"github.com/swarmguard/taskengine/internal/config"
	"github.com/swarmguard/taskengine/internal/dlq"
	"github.com/swarmguard/taskengine/internal/handlers"
	"github.com/swarmguard/taskengine/internal/httpapi"
	"github.com/swarmguard/taskengine/internal/logging"
	"github.com/swarmguard/taskengine/internal/otelinit"
	"github.com/swarmguard/taskengine/internal/resilience"
	"github.com/swarmguard/taskengine/internal/resultbackend"
	"github.com/swarmguard/taskengine/internal/scheduler"
	"github.com/swarmguard/taskengine/internal/taskservice"
	"github.com/swarmguard/taskengine/internal/tracker"
	"github.com/swarmguard/taskengine/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "taskengine:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(cfg.Service)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracerShutdown := otelinit.InitTracer(ctx, cfg.Service)
	defer otelinit.Flush(context.Background(), tracerShutdown)

	metricsShutdown, metrics := otelinit.InitMetrics(ctx, cfg.Service)
	defer otelinit.Flush(context.Background(), metricsShutdown)

	breaker := resilience.NewCircuitBreaker(time.Minute, 6, 10, 0.5, 30*time.Second, 3, metrics.CircuitOpenTransitions)
	b := broker.NewNATSBroker(cfg.NATSURL, logger, 3, 500*time.Millisecond, resilience.RetryMetrics{
		Attempts: metrics.RetryAttempts, Success: metrics.RetrySuccess,
	}, breaker)
	if err := b.Startup(ctx); err != nil {
		return fmt.Errorf("broker startup: %w", err)
	}
	defer b.Shutdown(context.Background())

	var redisClient *redis.Client
	if config.IsConfigured(cfg.RedisURL) {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		redisClient = redis.NewClient(opts)
	}

	var pg *sqlx.DB
	if config.IsConfigured(cfg.DatabaseURL) {
		pg, err = sqlx.Connect("pgx", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pg.Close()
	}

	results, err := buildResultBackend(cfg, redisClient, pg, logger)
	if err != nil {
		return err
	}
	if err := results.Connect(ctx); err != nil {
		return fmt.Errorf("result backend connect: %w", err)
	}
	defer results.Disconnect(context.Background())

	trk, err := buildTracker(cfg, redisClient, pg, logger)
	if err != nil {
		return err
	}
	if err := trk.Connect(ctx); err != nil {
		return fmt.Errorf("tracker connect: %w", err)
	}
	defer trk.Disconnect(context.Background())

	if err := os.MkdirAll(cfg.DLQDir, 0755); err != nil {
		return fmt.Errorf("create dlq dir: %w", err)
	}
	dlqStore, err := dlq.Open(cfg.DLQDir, b, logger, nil)
	if err != nil {
		return fmt.Errorf("open dlq store: %w", err)
	}
	defer dlqStore.Close()

	registry := worker.NewRegistry()
	handlers.Register(registry)

	sched := scheduler.New(b, trk, logger)
	svc := &taskservice.Service{
		Broker: b, Tracker: trk, Results: results, DLQ: dlqStore,
		Scheduler: sched, Registry: registry, Logger: logger,
	}

	var httpServer *http.Server
	var pool *worker.Pool

	switch cfg.Role {
	case config.RoleAPI:
		httpServer = buildHTTPServer(cfg, svc, logger)
	case config.RoleWorker:
		pool = buildWorkerPool(cfg, b, trk, results, dlqStore, registry, logger, metrics)
	case config.RoleScheduler:
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("scheduler start: %w", err)
		}
		defer sched.Stop(context.Background())
	default:
		httpServer = buildHTTPServer(cfg, svc, logger)
		pool = buildWorkerPool(cfg, b, trk, results, dlqStore, registry, logger, metrics)
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("scheduler start: %w", err)
		}
		defer sched.Stop(context.Background())
	}

	if pool != nil {
		go func() {
			if err := pool.Run(ctx); err != nil {
				logger.Error("worker pool exited", "error", err)
			}
		}()
	}

	if httpServer != nil {
		go func() {
			logger.Info("http server listening", "addr", cfg.HTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("http server failed", "error", err)
			}
		}()
	}

	logger.Info("taskengine started", "role", cfg.Role)
	<-ctx.Done()
	logger.Info("shutting down")

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown failed", "error", err)
		}
	}

	return nil
}

func buildResultBackend(cfg *config.Config, redisClient *redis.Client, pg *sqlx.DB, logger *slog.Logger) (resultbackend.Backend, error) {
	switch cfg.ResultBackend {
	case config.ResultPostgres:
		if pg == nil {
			return nil, fmt.Errorf("RESULT_BACKEND=postgres requires DATABASE_URL")
		}
		return resultbackend.NewPostgresBackend(pg, logger), nil
	default:
		if redisClient == nil {
			return nil, fmt.Errorf("RESULT_BACKEND=redis requires REDIS_URL")
		}
		return resultbackend.NewRedisBackend(redisClient, cfg.KeyPrefix, logger), nil
	}
}

func buildTracker(cfg *config.Config, redisClient *redis.Client, pg *sqlx.DB, logger *slog.Logger) (tracker.Tracker, error) {
	switch cfg.TrackerBackend {
	case config.BackendPostgres:
		if pg == nil {
			return nil, fmt.Errorf("TRACKER_BACKEND=postgres requires DATABASE_URL")
		}
		return tracker.NewPostgresTracker(pg, logger), nil
	default:
		if redisClient == nil {
			return nil, fmt.Errorf("TRACKER_BACKEND=redis requires REDIS_URL")
		}
		return tracker.NewRedisTracker(redisClient, cfg.KeyPrefix, 24*time.Hour, 5*time.Minute, logger), nil
	}
}

func buildWorkerPool(cfg *config.Config, b broker.Broker, trk tracker.Tracker, results resultbackend.Backend, dlqStore *dlq.Store, registry *worker.Registry, logger *slog.Logger, m otelinit.Metrics) *worker.Pool {
	return &worker.Pool{
		Broker: b, Tracker: trk, ResultBackend: results, DeadLetter: dlqStore, Registry: registry,
		Logger: logger, Queue: cfg.BrokerQueue, Concurrency: cfg.WorkerConcurrency, Prefetch: cfg.WorkerConcurrency,
		HandlerTimeout: cfg.HandlerTimeout, RetryBaseDelay: cfg.RetryBaseDelay,
		WorkerID: fmt.Sprintf("%s-%d", cfg.Service, os.Getpid()),
		Metrics: worker.Metrics{
			TasksProcessed: m.WorkerJobsProcessed, TasksFailed: m.WorkerJobsFailed,
		},
	}
}

func buildHTTPServer(cfg *config.Config, svc *taskservice.Service, logger *slog.Logger) *http.Server {
	server := httpapi.NewServer(svc, logger, cfg.BrokerQueue, cfg.MaxRetries)
	return &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: server.Router(cfg.HTTPPrefix),
	}
}
