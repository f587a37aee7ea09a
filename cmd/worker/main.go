// Package main is the entrypoint for the annoflow pipeline workers. Each
// process runs the roles named on its command line, e.g.
//
//	worker annotator
//	worker -roles archive,thaw,restore
//	worker all
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/kiranshivaraju/annoflow/internal/annotator"
	"github.com/kiranshivaraju/annoflow/internal/archive"
	"github.com/kiranshivaraju/annoflow/internal/cache"
	"github.com/kiranshivaraju/annoflow/internal/config"
	"github.com/kiranshivaraju/annoflow/internal/notify"
	"github.com/kiranshivaraju/annoflow/internal/objectstore"
	"github.com/kiranshivaraju/annoflow/internal/pipeline"
	"github.com/kiranshivaraju/annoflow/internal/profile"
	"github.com/kiranshivaraju/annoflow/internal/queue"
	"github.com/kiranshivaraju/annoflow/internal/store"
	"github.com/kiranshivaraju/annoflow/internal/telemetry"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(os.Args[1:]); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	roles, err := parseRoles(args, os.Getenv("WORKER_ROLES"))
	if err != nil {
		return fmt.Errorf("parse roles: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if needsArchive(roles) {
		if err := cfg.RequireArchive(); err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}
	slog.Info("config loaded", "roles", roles, "queue_backend", cfg.Queue.Backend, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry, "annoflow-worker")
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	if err := store.RunMigrations(cfg.Database.URL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()
	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	fabric, err := queue.Open(ctx, cfg, redisCache.Client(), consumerName())
	if err != nil {
		return fmt.Errorf("open queue backend: %w", err)
	}
	defer fabric.Close()

	objects, err := objectstore.New(ctx, cfg.ObjectStore, cfg.AWS.Region)
	if err != nil {
		return fmt.Errorf("create object store: %w", err)
	}

	jobs := store.NewPostgresStore(pool)
	deps := pipeline.Deps{
		Jobs:      jobs,
		Profiles:  profile.NewCachedLookup(jobs, redisCache, cfg.Redis.ProfileTTL),
		Objects:   objects,
		Queues:    fabric,
		Publisher: fabric.Publisher,
	}

	if needsArchive(roles) {
		g, err := archive.NewGlacier(ctx, cfg.AWS.Region, cfg.AWS.Endpoint, cfg.Archive.VaultName, cfg.Archive.RetrievalTopic)
		if err != nil {
			return fmt.Errorf("create cold archive: %w", err)
		}
		deps.Archive = g
	}
	if has(roles, pipeline.RoleAnnotator) || has(roles, pipeline.RoleScheduler) {
		deps.Scheduler = queue.NewDelayScheduler(redisCache.Client(), cfg.Queue.DelayKey, fabric.Publisher, cfg.Queue.ArchiveTopic)
	}
	if has(roles, pipeline.RoleAnnotator) {
		l, err := newLauncher(cfg.Worker.AnnotatorCommand)
		if err != nil {
			return err
		}
		deps.Launcher = l
	}
	if has(roles, pipeline.RoleNotify) {
		sender, err := notify.NewSender(cfg.Notify)
		if err != nil {
			return fmt.Errorf("create email sender: %w", err)
		}
		deps.Sender = sender
	}

	p, err := pipeline.Build(ctx, cfg, deps, roles)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	slog.Info("worker running", "roles", roles, "concurrency", cfg.Worker.Concurrency)
	if err := p.Run(ctx); err != nil {
		return fmt.Errorf("run pipeline: %w", err)
	}
	slog.Info("worker stopped gracefully")
	return nil
}

// parseRoles reads roles from positional arguments, the -roles flag, or the
// fallback (WORKER_ROLES), in that order of precedence.
func parseRoles(args []string, fallback string) ([]pipeline.Role, error) {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	list := fs.String("roles", fallback, "comma-separated roles, or all")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return pipeline.ParseRoles(strings.Join(fs.Args(), ","))
	}
	return pipeline.ParseRoles(*list)
}

func has(roles []pipeline.Role, r pipeline.Role) bool {
	return slices.Contains(roles, r)
}

func needsArchive(roles []pipeline.Role) bool {
	return has(roles, pipeline.RoleArchive) || has(roles, pipeline.RoleThaw) || has(roles, pipeline.RoleRestore)
}

// newLauncher splits a command line such as "anntools --vcf" into the
// executable and its leading arguments.
func newLauncher(command string) (*annotator.ExecLauncher, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, errors.New("ANNOTATOR_COMMAND is required for the annotator role")
	}
	return annotator.NewExecLauncher(fields[0], fields[1:]...), nil
}

// consumerName identifies this process within a consumer group.
func consumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
