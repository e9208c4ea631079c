package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/keelworks/keel/internal/budget"
	"github.com/keelworks/keel/internal/cache"
	"github.com/keelworks/keel/internal/decision"
	"github.com/keelworks/keel/internal/degrade"
	"github.com/keelworks/keel/internal/engine"
	"github.com/keelworks/keel/internal/pool"
	"github.com/keelworks/keel/internal/queue"
	"github.com/keelworks/keel/internal/store"
	"github.com/keelworks/keel/internal/task"
	"github.com/keelworks/keel/internal/worker"
	"github.com/keelworks/keel/pkg/config"
	"github.com/keelworks/keel/pkg/health"
	"github.com/keelworks/keel/pkg/logging"
	"github.com/keelworks/keel/pkg/metrics"
	"github.com/keelworks/keel/pkg/resilience"
	"github.com/keelworks/keel/pkg/tracing"
)

func main() {
	// Load .env if present; real configuration comes from the environment
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: "keeld",
	})
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	logging.SetGlobalLogger(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("keeld exited with error", "error", err.Error())
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *logging.Logger) error {
	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(nil, registry)

	tracer, err := tracing.NewService(&tracing.Config{
		ServiceName:    "keeld",
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	st, err := store.Open(&cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()
	logger.Info("store opened", "path", cfg.Store.Path)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handles, err := pool.New(ctx, cfg.Pool, st.NewHandle, m)
	if err != nil {
		return fmt.Errorf("failed to create handle pool: %w", err)
	}
	defer handles.Close()

	q := queue.New(handles, cfg.Queue, m)
	retry := resilience.NewEngine(cfg.Retry, m)
	workarounds := degrade.NewRegistry(m)
	governor := budget.New(cfg.Budget, m)
	scorer := decision.NewScorer(cfg.Decision, m)
	results := cache.New(cfg.Cache, m)

	handlers := builtinHandlers()
	workers, err := worker.New(cfg.Workers, q, retry, handlers, tracer, m)
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}

	eng, err := engine.New(cfg, engine.Deps{
		Queue:   q,
		Workers: workers,
		Retry:   retry,
		Degrade: workarounds,
		Budget:  governor,
		Scorer:  scorer,
		Cache:   results,
		Tracer:  tracer,
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	healthSvc := health.NewService(logger, nil)
	healthSvc.RegisterChecker("store", health.NewStoreChecker(st, "store"))
	healthSvc.RegisterChecker("pool", health.NewPoolChecker(handles, "pool"))
	healthSvc.RegisterChecker("queue", health.NewQueueChecker(q, "queue"))
	healthSvc.RegisterChecker("workers", health.NewCustomChecker("workers", func(ctx context.Context) (health.Status, string, error) {
		active, target := workers.Active(), workers.Target()
		if active == 0 && target > 0 {
			return health.StatusUnhealthy, "no workers running", nil
		}
		if active < target {
			return health.StatusDegraded, fmt.Sprintf("%d of %d workers running", active, target), nil
		}
		return health.StatusHealthy, fmt.Sprintf("%d workers running", active), nil
	}))

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Health.Host, cfg.Health.Port),
		Handler: healthSvc.Router(registry),
	}

	go func() {
		logger.Info("observability server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("observability server failed", "error", err.Error())
		}
	}()

	logger.Info("keeld started",
		"workers_min", cfg.Workers.MinWorkers,
		"workers_max", cfg.Workers.MaxWorkers,
		"budget_per_hour", cfg.Budget.BudgetPerHour,
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("observability server shutdown failed", "error", err.Error())
	}

	if err := eng.Stop(true); err != nil {
		logger.Warn("engine shutdown failed", "error", err.Error())
	}

	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown failed", "error", err.Error())
	}

	logger.Info("keeld stopped")
	return nil
}

// builtinHandlers wires an echo handler for every category. Deployments
// that need real work embed the engine as a library and register their
// own handlers; the standalone daemon is useful for smoke-testing a
// pipeline end to end.
func builtinHandlers() task.HandlerMap {
	echo := task.HandlerFunc(func(ctx context.Context, t *task.Task) (*task.Result, error) {
		return &task.Result{
			TaskID:    t.ID,
			Output:    t.Args,
			Timestamp: time.Now().UTC(),
		}, nil
	})

	handlers := make(task.HandlerMap, len(task.Categories()))
	for _, c := range task.Categories() {
		handlers[c] = echo
	}
	return handlers
}
