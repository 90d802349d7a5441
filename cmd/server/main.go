// Package main is the entrypoint for the GenHive API server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/petrakisd/genhive/internal/api"
	"github.com/petrakisd/genhive/internal/api/handler"
	mw "github.com/petrakisd/genhive/internal/api/middleware"
	"github.com/petrakisd/genhive/internal/api/response"
	"github.com/petrakisd/genhive/internal/cache"
	"github.com/petrakisd/genhive/internal/config"
	"github.com/petrakisd/genhive/internal/queue"
	"github.com/petrakisd/genhive/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env,
		"maintenance", cfg.Modes.Maintenance, "raid", cfg.Modes.Raid)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Create store and queue engine
	pgStore := store.NewPostgresStore(pool)

	costs, err := loadCostTable()
	if err != nil {
		return fmt.Errorf("load cost table: %w", err)
	}

	admission := queue.NewAdmissionController(pgStore, costs, cfg.Queue, cfg.Modes)
	jobs := queue.NewJobQueue(pgStore)
	styles := queue.NewStyleResolver(pgStore)
	matcher := queue.NewWorkerMatcher(pgStore, cfg.Queue.PageSize)
	assigner := queue.NewAssignmentProtocol(pgStore, matcher, cfg.Queue.LeaseTimeout, queue.DefaultPayout(costs))

	// 6. Build router with dependencies
	auth := mw.NewAuth(pgStore)
	rateLimit := mw.NewRateLimit(redisCache, 60)

	deps := api.Dependencies{
		Auth:      auth,
		RateLimit: rateLimit,

		HealthHandler: healthHandler(pgStore, redisCache),

		GenerateHandler: handler.NewGenerateHandler(admission, jobs, styles, pgStore, cfg.Modes.Raid),
		StatusHandler:   handler.NewStatusHandler(jobs, redisCache),
		CancelHandler:   handler.NewCancelHandler(jobs),

		PopHandler:    handler.NewPopHandler(assigner, pgStore),
		SubmitHandler: handler.NewSubmitHandler(assigner, pgStore, redisCache),

		StatsTotalsHandler: handler.NewStatsTotalsHandler(redisCache),
		StatsModelsHandler: handler.NewStatsModelsHandler(redisCache, costs),

		KudosTransferHandler: handler.NewKudosTransferHandler(pgStore, cfg.Queue.KudosTransferAllowlist),

		CreateKeyHandler:       handler.NewCreateKeyHandler(pgStore),
		ListKeysHandler:        handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler:       handler.NewRevokeKeyHandler(pgStore),
		CreateSharedKeyHandler: handler.NewCreateSharedKeyHandler(pgStore),
	}

	router := api.NewRouter(deps)

	// 7. Background sweepers: expire stale jobs and reap overdue leases
	go sweep(ctx, cfg.Queue.SweepInterval, jobs, assigner)

	// 8. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// sweep periodically expires jobs past their TTL and reaps claims whose
// lease has lapsed, so their capacity becomes poppable again.
func sweep(ctx context.Context, interval time.Duration, jobs *queue.JobQueue, assigner *queue.AssignmentProtocol) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, interval)
			if n, err := jobs.ExpireStale(sweepCtx); err != nil {
				slog.Error("expire stale jobs", "error", err)
			} else if n > 0 {
				slog.Info("expired stale jobs", "count", n)
			}
			if n, err := assigner.ReapLeases(sweepCtx); err != nil {
				slog.Error("reap expired leases", "error", err)
			} else if n > 0 {
				slog.Info("reaped expired leases", "count", n)
			}
			cancel()
		}
	}
}

// loadCostTable builds the model kudos multiplier table from
// GENHIVE_MODEL_MULTIPLIERS, a JSON object of model name to multiplier.
// Unlisted models fall back to GENHIVE_DEFAULT_MULTIPLIER.
func loadCostTable() (*queue.StaticCostTable, error) {
	multipliers := map[string]float64{}
	if raw := os.Getenv("GENHIVE_MODEL_MULTIPLIERS"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &multipliers); err != nil {
			return nil, fmt.Errorf("parse GENHIVE_MODEL_MULTIPLIERS: %w", err)
		}
	}
	fallback := 1.0
	if raw := os.Getenv("GENHIVE_DEFAULT_MULTIPLIER"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%f", &fallback); err != nil {
			return nil, fmt.Errorf("parse GENHIVE_DEFAULT_MULTIPLIER: %w", err)
		}
	}
	return queue.NewStaticCostTable(multipliers, fallback), nil
}

// healthHandler checks database and cache connectivity.
func healthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
