// Package pipeline assembles the worker roles of a process: one polling loop
// per role over its queue, plus the delayed-archive scheduler.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kiranshivaraju/annoflow/internal/annotator"
	"github.com/kiranshivaraju/annoflow/internal/archival"
	"github.com/kiranshivaraju/annoflow/internal/archive"
	"github.com/kiranshivaraju/annoflow/internal/completion"
	"github.com/kiranshivaraju/annoflow/internal/config"
	"github.com/kiranshivaraju/annoflow/internal/notify"
	"github.com/kiranshivaraju/annoflow/internal/objectstore"
	"github.com/kiranshivaraju/annoflow/internal/profile"
	"github.com/kiranshivaraju/annoflow/internal/queue"
	"github.com/kiranshivaraju/annoflow/internal/restore"
	"github.com/kiranshivaraju/annoflow/internal/runner"
	"github.com/kiranshivaraju/annoflow/internal/store"
	"github.com/kiranshivaraju/annoflow/internal/thaw"
	"github.com/kiranshivaraju/annoflow/internal/worker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Role is one kind of work a worker process can take on.
type Role string

const (
	RoleAnnotator Role = "annotator"
	RoleNotify    Role = "notify"
	RoleArchive   Role = "archive"
	RoleThaw      Role = "thaw"
	RoleRestore   Role = "restore"
	RoleScheduler Role = "scheduler"
)

var AllRoles = []Role{RoleAnnotator, RoleNotify, RoleArchive, RoleThaw, RoleRestore, RoleScheduler}

// ParseRoles parses a comma-separated role list. "all" selects every role.
func ParseRoles(s string) ([]Role, error) {
	var roles []Role
	seen := make(map[Role]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if part == "all" {
			return AllRoles, nil
		}
		r := Role(part)
		valid := false
		for _, known := range AllRoles {
			if r == known {
				valid = true
				break
			}
		}
		if !valid {
			return nil, fmt.Errorf("unknown worker role %q", part)
		}
		if !seen[r] {
			seen[r] = true
			roles = append(roles, r)
		}
	}
	if len(roles) == 0 {
		return nil, errors.New("no worker roles given")
	}
	return roles, nil
}

// QueueOpener opens consumer-side queues by name.
type QueueOpener interface {
	Queue(ctx context.Context, name string) (queue.Queue, error)
}

// Deps are the shared clients the roles are built from. Only the ones the
// selected roles use need to be set.
type Deps struct {
	Jobs      store.Store
	Profiles  profile.Lookup
	Objects   objectstore.Store
	Archive   archive.Archive
	Queues    QueueOpener
	Publisher queue.Publisher
	Scheduler *queue.DelayScheduler
	Launcher  annotator.Launcher
	Sender    notify.Sender
	// LoopOptions are applied to every loop after the configured defaults.
	LoopOptions []worker.Option
}

type Pipeline struct {
	loops           []*worker.Loop
	scheduler       *queue.DelayScheduler
	tick            time.Duration
	runner          *runner.Runner
	shutdownTimeout time.Duration
}

// Build creates the loops for roles.
func Build(ctx context.Context, cfg *config.Config, d Deps, roles []Role) (*Pipeline, error) {
	p := &Pipeline{
		tick:            cfg.Worker.SchedulerTick,
		shutdownTimeout: cfg.Worker.ShutdownTimeout,
	}
	opts := []worker.Option{
		worker.WithWaitTime(cfg.Queue.WaitTime),
		worker.WithConcurrency(cfg.Worker.Concurrency),
		worker.WithShutdownTimeout(cfg.Worker.ShutdownTimeout),
		worker.WithMaxAttempts(cfg.Worker.MaxAttempts),
		worker.WithDeadLetters(d.Jobs),
	}
	opts = append(opts, d.LoopOptions...)

	add := func(name, queueName string, h worker.Handler) error {
		q, err := d.Queues.Queue(ctx, queueName)
		if err != nil {
			return fmt.Errorf("open queue %s: %w", queueName, err)
		}
		p.loops = append(p.loops, worker.NewLoop(name, q, h, opts...))
		return nil
	}

	for _, role := range roles {
		var err error
		switch role {
		case RoleAnnotator:
			if d.Scheduler == nil || d.Launcher == nil {
				return nil, errors.New("annotator role needs a scheduler and a launcher")
			}
			done := completion.NewHandler(d.Jobs, d.Objects, d.Publisher, d.Scheduler, completion.Config{
				ResultsBucket: cfg.ObjectStore.ResultsBucket,
				KeyPrefix:     cfg.ObjectStore.KeyPrefix,
				ResultTopic:   cfg.Queue.ResultTopic,
				ArchiveDelay:  cfg.Worker.ArchiveDelay,
				RetryBudget:   cfg.Worker.StepRetryBudget,
			})
			p.runner = runner.New(ctx, d.Jobs, d.Objects, d.Launcher, done, cfg.ObjectStore.InputsBucket, cfg.Worker.WorkDir)
			err = add(string(role), cfg.Queue.RequestQueue, p.runner)
		case RoleNotify:
			if d.Sender == nil {
				return nil, errors.New("notify role needs a sender")
			}
			err = add(string(role), cfg.Queue.ResultQueue, notify.New(d.Profiles, d.Sender, cfg.Notify.DetailURLPrefix))
		case RoleArchive:
			if d.Archive == nil {
				return nil, errors.New("archive role needs a cold archive")
			}
			err = add(string(role), cfg.Queue.ArchiveQueue, archival.New(d.Jobs, d.Profiles, d.Objects, d.Archive, cfg.ObjectStore.ResultsBucket))
		case RoleThaw:
			if d.Archive == nil {
				return nil, errors.New("thaw role needs a cold archive")
			}
			var limiter *rate.Limiter
			if cfg.Archive.RatePerSecond > 0 {
				limiter = rate.NewLimiter(rate.Limit(cfg.Archive.RatePerSecond), 1)
			}
			err = add(string(role), cfg.Queue.ThawQueue, thaw.New(d.Jobs, d.Archive, limiter))
		case RoleRestore:
			if d.Archive == nil {
				return nil, errors.New("restore role needs a cold archive")
			}
			err = add(string(role), cfg.Queue.RestoreQueue, restore.New(d.Jobs, d.Objects, d.Archive, cfg.ObjectStore.ResultsBucket))
		case RoleScheduler:
			if d.Scheduler == nil {
				return nil, errors.New("scheduler role needs a scheduler")
			}
			p.scheduler = d.Scheduler
		default:
			return nil, fmt.Errorf("unknown worker role %q", role)
		}
		if err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Loops returns the polling loops, one per queue-consuming role.
func (p *Pipeline) Loops() []*worker.Loop { return p.loops }

// Run runs every role until ctx is cancelled. Annotation tasks still running
// at that point are given the shutdown timeout to complete.
func (p *Pipeline) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	if len(p.loops) > 0 {
		g.Go(func() error { return worker.RunAll(gctx, p.loops...) })
	}
	if p.scheduler != nil {
		g.Go(func() error { return p.scheduler.Run(gctx, p.tick) })
	}
	err := g.Wait()

	if p.runner != nil {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.shutdownTimeout)
		defer cancel()
		if werr := p.runner.Wait(wctx); werr != nil {
			slog.Warn("annotation tasks still running at shutdown", "error", werr)
		}
	}
	return err
}
