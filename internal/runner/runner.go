// Package runner consumes run requests: it stages the input locally, launches
// the annotation task and marks the job RUNNING. When the task succeeds the
// completion steps run in the background.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/annoflow/internal/annotator"
	"github.com/kiranshivaraju/annoflow/internal/completion"
	"github.com/kiranshivaraju/annoflow/internal/objectstore"
	"github.com/kiranshivaraju/annoflow/internal/queue"
	"github.com/kiranshivaraju/annoflow/internal/store"
	"github.com/kiranshivaraju/annoflow/internal/worker"
	"github.com/kiranshivaraju/annoflow/pkg/models"
)

// JobUpdater is the store subset the runner needs.
type JobUpdater interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ConditionalUpdate(ctx context.Context, id uuid.UUID, pred store.Predicate, fields store.Fields) (store.UpdateResult, error)
}

// Completer finishes a job whose task succeeded.
type Completer interface {
	Complete(ctx context.Context, c completion.Completion) error
}

type Runner struct {
	store        JobUpdater
	objects      objectstore.Store
	launcher     annotator.Launcher
	completer    Completer
	inputsBucket string
	workDir      string

	// ctx outlives individual messages; completions run under it.
	ctx      context.Context
	inflight sync.WaitGroup
}

func New(ctx context.Context, st JobUpdater, objects objectstore.Store, launcher annotator.Launcher, completer Completer, inputsBucket, workDir string) *Runner {
	return &Runner{
		store:        st,
		objects:      objects,
		launcher:     launcher,
		completer:    completer,
		inputsBucket: inputsBucket,
		workDir:      workDir,
		ctx:          context.WithoutCancel(ctx),
	}
}

// Handle implements worker.Handler. The message is acknowledged once the job
// is RUNNING, whether this delivery or an earlier one moved it there. A
// delivery that finds the job past PENDING launches nothing; two deliveries
// racing before the status write lands each get their own work directory.
func (r *Runner) Handle(ctx context.Context, msg queue.Message) error {
	var req models.RunRequest
	if err := worker.Decode(msg.Body, &req); err != nil {
		return err
	}
	log := slog.With("job_id", req.JobID, "user_id", req.UserID)

	job, err := r.store.GetJob(ctx, req.JobID)
	if errors.Is(err, store.ErrNotFound) {
		return worker.Permanent(err)
	}
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}
	if job.Status != models.JobStatusPending {
		log.Info("job already past PENDING, duplicate run request", "status", job.Status)
		return nil
	}

	jobDir := filepath.Join(r.workDir, req.JobID.String(), uuid.NewString())
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	task := annotator.Task{
		JobID:         req.JobID,
		UserID:        req.UserID,
		InputFileName: req.InputFileName,
		InputPath:     filepath.Join(jobDir, objectstore.LocalName(req.JobID, req.InputFileName)),
		WorkDir:       jobDir,
	}

	if err := r.download(ctx, req.InputRef, task.InputPath); err != nil {
		os.RemoveAll(jobDir)
		if errors.Is(err, objectstore.ErrNotFound) {
			return worker.Permanent(err)
		}
		return err
	}

	h, err := r.launcher.Launch(ctx, task)
	if err != nil {
		os.RemoveAll(jobDir)
		return fmt.Errorf("launch annotation: %w", err)
	}
	r.watch(task, h)

	running := models.JobStatusRunning
	res, err := r.store.ConditionalUpdate(ctx, req.JobID, store.StatusIs(models.JobStatusPending), store.Fields{Status: &running})
	if errors.Is(err, store.ErrNotFound) {
		return worker.Permanent(err)
	}
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	if res == store.PreconditionFailed {
		log.Info("job moved past PENDING concurrently", "work_dir", jobDir)
		return nil
	}
	log.Info("job running", "input", req.InputRef)
	return nil
}

// watch waits for the task in the background and completes the job when it
// succeeds. A failed task leaves the job RUNNING.
func (r *Runner) watch(task annotator.Task, h annotator.Handle) {
	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("completion panicked", "job_id", task.JobID, "panic", rec)
			}
		}()

		res := <-h.Done()
		if res.Err != nil {
			slog.Error("annotation task failed", "job_id", task.JobID, "error", res.Err)
			return
		}
		err := r.completer.Complete(r.ctx, completion.Completion{
			JobID:         task.JobID,
			UserID:        task.UserID,
			InputFileName: task.InputFileName,
			ResultPath:    res.ResultPath,
			LogPath:       res.LogPath,
			WorkDir:       task.WorkDir,
		})
		if err != nil {
			slog.Error("job completion failed", "job_id", task.JobID, "error", err)
		}
	}()
}

// Wait blocks until every watched task has been completed or ctx is done.
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) download(ctx context.Context, key, path string) error {
	body, err := r.objects.Get(ctx, r.inputsBucket, key)
	if err != nil {
		return fmt.Errorf("get input: %w", err)
	}
	defer body.Close()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create input file: %w", err)
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		return fmt.Errorf("download input: %w", err)
	}
	return f.Close()
}
