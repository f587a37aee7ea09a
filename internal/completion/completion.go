// Package completion finishes a job whose annotation task succeeded: it
// uploads the outputs, marks the job COMPLETED, announces the result and
// schedules archival.
package completion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/annoflow/internal/objectstore"
	"github.com/kiranshivaraju/annoflow/internal/queue"
	"github.com/kiranshivaraju/annoflow/internal/store"
	"github.com/kiranshivaraju/annoflow/pkg/models"
)

// JobUpdater is the store operation the handler needs.
type JobUpdater interface {
	ConditionalUpdate(ctx context.Context, id uuid.UUID, pred store.Predicate, fields store.Fields) (store.UpdateResult, error)
}

// ArchiveScheduler delivers a payload to the archival queue after a delay.
type ArchiveScheduler interface {
	Schedule(ctx context.Context, body []byte, delay time.Duration) error
}

type Config struct {
	ResultsBucket string
	KeyPrefix     string
	ResultTopic   string
	ArchiveDelay  time.Duration
	// RetryBudget bounds how long each step is retried.
	RetryBudget time.Duration
}

// Completion identifies a finished task and where its outputs are.
type Completion struct {
	JobID         uuid.UUID
	UserID        string
	InputFileName string
	ResultPath    string
	LogPath       string
	// WorkDir is removed once the job record has been resolved.
	WorkDir string
}

type Handler struct {
	store     JobUpdater
	objects   objectstore.Store
	publisher queue.Publisher
	scheduler ArchiveScheduler
	cfg       Config
	now       func() time.Time
}

func NewHandler(st JobUpdater, objects objectstore.Store, pub queue.Publisher, sched ArchiveScheduler, cfg Config) *Handler {
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = 2 * time.Minute
	}
	return &Handler{
		store:     st,
		objects:   objects,
		publisher: pub,
		scheduler: sched,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Complete runs the completion steps in order. Every step is safe to repeat:
// keys are deterministic and the status write is conditional. If the job was
// already completed by someone else the notification and archival steps are
// skipped, so a duplicate completion publishes nothing.
func (h *Handler) Complete(ctx context.Context, c Completion) error {
	log := slog.With("job_id", c.JobID, "user_id", c.UserID)
	resultKey := objectstore.ResultKey(h.cfg.KeyPrefix, c.UserID, c.JobID, c.InputFileName)
	logKey := objectstore.LogKey(h.cfg.KeyPrefix, c.UserID, c.JobID, c.InputFileName)

	if err := h.retry(ctx, "upload result", func() error {
		return h.uploadFile(ctx, resultKey, c.ResultPath)
	}); err != nil {
		return err
	}
	if err := h.retry(ctx, "upload log", func() error {
		return h.uploadFile(ctx, logKey, c.LogPath)
	}); err != nil {
		return err
	}

	completed := models.JobStatusCompleted
	completeTime := h.now().UTC()
	var res store.UpdateResult
	err := h.retry(ctx, "mark completed", func() error {
		var err error
		res, err = h.store.ConditionalUpdate(ctx, c.JobID, store.StatusIs(models.JobStatusRunning), store.Fields{
			Status:       &completed,
			ResultRef:    &resultKey,
			LogRef:       &logKey,
			CompleteTime: &completeTime,
		})
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrInvalidUpdate) {
			return backoff.Permanent(err)
		}
		return err
	})
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			// The outputs are uploaded but the job is still RUNNING. The work
			// dir is kept; replaying the update below from these fields
			// finishes the job.
			log.Error("job left RUNNING after outputs were uploaded, replay the completion update",
				"result_ref", resultKey,
				"log_ref", logKey,
				"complete_time", completeTime,
				"work_dir", c.WorkDir,
				"error", err)
		}
		return err
	}

	if c.WorkDir != "" {
		if err := os.RemoveAll(c.WorkDir); err != nil {
			log.Warn("remove work dir failed", "dir", c.WorkDir, "error", err)
		}
		// Work dirs are <job_id>/<delivery>; the job dir goes once no other
		// delivery of the same job is still using it.
		if parent := filepath.Dir(c.WorkDir); filepath.Base(parent) == c.JobID.String() {
			_ = os.Remove(parent)
		}
	}

	if res == store.PreconditionFailed {
		log.Info("job already completed, skipping notification and archival")
		return nil
	}
	log.Info("job completed", "result_ref", resultKey)

	if err := h.retry(ctx, "publish result notice", func() error {
		return queue.PublishJSON(ctx, h.publisher, h.cfg.ResultTopic, models.ResultNotice{JobID: c.JobID, UserID: c.UserID})
	}); err != nil {
		return err
	}

	trigger, err := json.Marshal(models.ArchiveTrigger{JobID: c.JobID, UserID: c.UserID, ResultRef: resultKey})
	if err != nil {
		return fmt.Errorf("marshal archive trigger: %w", err)
	}
	return h.retry(ctx, "schedule archive", func() error {
		return h.scheduler.Schedule(ctx, trigger, h.cfg.ArchiveDelay)
	})
}

func (h *Handler) uploadFile(ctx context.Context, key, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("open %s: %w", path, err))
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	return h.objects.Put(ctx, h.cfg.ResultsBucket, key, f, info.Size())
}

func (h *Handler) retry(ctx context.Context, step string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = h.cfg.RetryBudget

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := op()
		if err != nil {
			slog.Warn("completion step failed", "step", step, "attempt", attempt, "error", err)
		}
		return err
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return fmt.Errorf("%s: %w", step, err)
	}
	return nil
}
