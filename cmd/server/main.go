// Package main is the entrypoint for the podcleaner pipeline coordinator.
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

	"github.com/kiranshivaraju/podcleaner/internal/api"
	"github.com/kiranshivaraju/podcleaner/internal/api/handler"
	mw "github.com/kiranshivaraju/podcleaner/internal/api/middleware"
	"github.com/kiranshivaraju/podcleaner/internal/api/response"
	"github.com/kiranshivaraju/podcleaner/internal/artifact"
	"github.com/kiranshivaraju/podcleaner/internal/broker"
	"github.com/kiranshivaraju/podcleaner/internal/cache"
	"github.com/kiranshivaraju/podcleaner/internal/config"
	"github.com/kiranshivaraju/podcleaner/internal/coordinator"
	"github.com/kiranshivaraju/podcleaner/internal/feed"
	"github.com/kiranshivaraju/podcleaner/internal/fingerprint"
	"github.com/kiranshivaraju/podcleaner/internal/retry"
	"github.com/kiranshivaraju/podcleaner/internal/store"
	"github.com/kiranshivaraju/podcleaner/internal/telemetry"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, failing fast when invalid
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)
	slog.Info("config loaded", "env", cfg.Server.Env, "max_attempts", cfg.Pipeline.MaxAttempts)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Tracing
	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry, cfg.Server.Env, logger)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("tracer shutdown", "error", err)
		}
	}()

	// 3. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 4. Run migrations
	if err := store.RunMigrations(cfg.Database.URL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 5. Redis: status cache, rate limits and the fingerprint index share a client
	redisClient, err := cache.NewClient(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis client: %w", err)
	}
	defer redisClient.Close()

	redisCache := cache.NewRedisCache(redisClient)
	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 6. Broker
	bus := broker.NewRedisBroker(cfg.Broker, logger)
	if err := bus.Connect(ctx); err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	defer bus.Close()
	slog.Info("broker connected", "group", cfg.Broker.Group, "consumer", cfg.Broker.Consumer)

	// 7. Artifact resolution
	resolver, err := newResolver(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("create artifact resolver: %w", err)
	}

	// 8. Coordinator
	pgStore := store.NewPostgresStore(pool)
	policy := retry.Exponential{
		Attempts:   cfg.Pipeline.MaxAttempts,
		Base:       cfg.Pipeline.BackoffBase,
		Max:        cfg.Pipeline.BackoffMax,
		Multiplier: cfg.Pipeline.BackoffMultiplier,
	}
	coord := coordinator.New(
		pgStore,
		fingerprint.NewRedisIndex(redisClient),
		bus,
		resolver,
		policy,
		coordinator.ConfigFrom(cfg.Pipeline),
		coordinator.WithLogger(logger),
		coordinator.WithCache(redisCache),
	)

	coordErr := make(chan error, 1)
	go func() {
		coordErr <- coord.Run(ctx)
	}()

	if err := handler.BootstrapAdminKey(ctx, pgStore, cfg.Auth.BootstrapAdminKey); err != nil {
		return fmt.Errorf("bootstrap admin key: %w", err)
	}

	// 9. Build router with dependencies
	auth := mw.NewAuth(pgStore)
	rateLimit := mw.NewRateLimit(redisCache, cfg.Auth.RateLimitPerMin)

	deps := api.Dependencies{
		Auth:      auth,
		RateLimit: rateLimit,

		HealthHandler:    healthHandler(pgStore, redisCache, bus),
		SubmitHandler:    handler.NewSubmitHandler(coord),
		StatusHandler:    handler.NewStatusHandler(coord),
		CancelHandler:    handler.NewCancelHandler(coord),
		RetryHandler:     handler.NewRetryHandler(coord),
		DownloadHandler:  handler.NewDownloadHandler(coord),
		EpisodeHandler:   handler.NewEpisodeHandler(coord),
		FeedHandler:      handler.NewFeedHandler(feed.NewFetcher(redisCache, cfg.Feed), cfg.Feed.PublicURL),
		CreateKeyHandler: handler.NewCreateKeyHandler(pgStore),
		ListKeysHandler:  handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(pgStore),
	}

	router := api.NewRouter(deps)

	// 10. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal, server error or coordinator exit
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case err := <-coordErr:
		if err != nil {
			return fmt.Errorf("coordinator: %w", err)
		}
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// newResolver checks artifacts against S3 when a bucket is configured and
// accepts any non-empty reference otherwise.
func newResolver(ctx context.Context, cfg config.StorageConfig) (artifact.Resolver, error) {
	if !cfg.Enabled() {
		slog.Info("artifact storage not configured, references are not checked")
		return artifact.Opaque{}, nil
	}
	client, err := artifact.NewS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	slog.Info("artifact references checked against s3", "bucket", cfg.Bucket, "endpoint", cfg.Endpoint)
	return artifact.NewS3Resolver(client, cfg.Bucket), nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler checks database, cache and broker connectivity.
func healthHandler(db, c, b pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
			"broker":   "ok",
		}

		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}
		if err := b.Ping(r.Context()); err != nil {
			checks["broker"] = "degraded"
		}

		for _, status := range checks {
			if status != "ok" {
				response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
					"One or more services degraded", checks)
				return
			}
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
