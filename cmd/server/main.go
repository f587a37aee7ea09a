// Package main is the entrypoint for the annoflow API server.
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

	"github.com/kiranshivaraju/annoflow/internal/api"
	"github.com/kiranshivaraju/annoflow/internal/api/handler"
	mw "github.com/kiranshivaraju/annoflow/internal/api/middleware"
	"github.com/kiranshivaraju/annoflow/internal/cache"
	"github.com/kiranshivaraju/annoflow/internal/config"
	"github.com/kiranshivaraju/annoflow/internal/objectstore"
	"github.com/kiranshivaraju/annoflow/internal/profile"
	"github.com/kiranshivaraju/annoflow/internal/queue"
	"github.com/kiranshivaraju/annoflow/internal/store"
	"github.com/kiranshivaraju/annoflow/internal/submit"
	"github.com/kiranshivaraju/annoflow/internal/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
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
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "queue_backend", cfg.Queue.Backend, "object_store", cfg.ObjectStore.Provider, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry, "annoflow-api")
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL); err != nil {
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

	// 5. Queue fabric and object store
	fabric, err := queue.Open(ctx, cfg, redisCache.Client(), "api")
	if err != nil {
		return fmt.Errorf("open queue backend: %w", err)
	}
	defer fabric.Close()

	objects, err := objectstore.New(ctx, cfg.ObjectStore, cfg.AWS.Region)
	if err != nil {
		return fmt.Errorf("create object store: %w", err)
	}

	// 6. Build router with dependencies
	var confirmer handler.Confirmer
	if fabric.Confirmer != nil {
		confirmer = fabric.Confirmer
	}
	pgStore := store.NewPostgresStore(pool)
	router := api.NewRouter(newDependencies(cfg, pgStore, redisCache, objects, fabric.Publisher, confirmer))

	// 7. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      otelhttp.NewHandler(router, "annoflow-api"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
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

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
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

// newDependencies wires every handler. Downloads are streamed, hence the long
// write timeout above.
func newDependencies(cfg *config.Config, st store.Store, c cache.Cache, objects objectstore.Store, pub queue.Publisher, confirmer handler.Confirmer) api.Dependencies {
	lookup := profile.NewCachedLookup(st, c, cfg.Redis.ProfileTTL)
	svc := submit.NewService(st, lookup, pub, cfg.Queue.RequestTopic, cfg.Queue.ThawTopic)
	bucket := cfg.ObjectStore.ResultsBucket

	return api.Dependencies{
		Auth:      mw.NewAuth(st),
		RateLimit: mw.NewRateLimit(c, cfg.Server.RequestsPerMinute),

		HealthHandler: handler.NewHealthHandler(map[string]handler.Pinger{
			"database": st,
			"cache":    c,
		}),

		SubmitJobHandler:  handler.NewSubmitJobHandler(svc),
		GetJobHandler:     handler.NewGetJobHandler(st),
		ListUserJobs:      handler.NewListUserJobsHandler(st),
		ResultHandler:     handler.NewDownloadHandler(st, objects, bucket, handler.ResultFile),
		LogHandler:        handler.NewDownloadHandler(st, objects, bucket, handler.LogFile),
		PutProfileHandler: handler.NewPutProfileHandler(lookup),
		UpgradeHandler:    handler.NewUpgradeHandler(svc),
		RetrievalEvents:   handler.NewRetrievalEventHandler(pub, cfg.Queue.RestoreTopic, confirmer),

		CreateKeyHandler: handler.NewCreateKeyHandler(st),
		ListKeysHandler:  handler.NewListKeysHandler(st),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(st),
	}
}
