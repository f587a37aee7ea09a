// Package thaw starts cold-archive retrievals for every archived result of a
// user who moved to a tier without retention limits.
package thaw

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/annoflow/internal/archive"
	"github.com/kiranshivaraju/annoflow/internal/queue"
	"github.com/kiranshivaraju/annoflow/internal/store"
	"github.com/kiranshivaraju/annoflow/internal/worker"
	"github.com/kiranshivaraju/annoflow/pkg/models"
	"golang.org/x/time/rate"
)

// Jobs is the store subset the worker needs.
type Jobs interface {
	QueryArchivedByUser(ctx context.Context, userID string) ([]*models.Job, error)
	ConditionalUpdate(ctx context.Context, id uuid.UUID, pred store.Predicate, fields store.Fields) (store.UpdateResult, error)
}

type Worker struct {
	jobs    Jobs
	archive archive.Archive
	limiter *rate.Limiter
}

// New returns a worker that initiates at most limit retrievals per second.
// A nil limiter does not pace calls.
func New(jobs Jobs, arc archive.Archive, limiter *rate.Limiter) *Worker {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &Worker{jobs: jobs, archive: arc, limiter: limiter}
}

// Handle implements worker.Handler for thaw requests. Jobs are handled one at
// a time; a failure on one job does not stop the rest. The message is
// acknowledged unless some job failed in a way a retry could fix, in which
// case the whole request is redelivered and finished jobs are skipped because
// they are no longer cold.
func (w *Worker) Handle(ctx context.Context, msg queue.Message) error {
	var req models.ThawRequest
	if err := worker.Decode(msg.Body, &req); err != nil {
		return err
	}
	log := slog.With("user_id", req.UserID)

	jobs, err := w.jobs.QueryArchivedByUser(ctx, req.UserID)
	if err != nil {
		return fmt.Errorf("query archived jobs: %w", err)
	}
	if len(jobs) == 0 {
		log.Info("no archived results to thaw")
		return nil
	}

	var errs []error
	started := 0
	for _, job := range jobs {
		err := w.thaw(ctx, job)
		switch {
		case err == nil:
			started++
		case errors.Is(err, archive.ErrNotFound):
			log.Error("archive missing, cannot thaw", "job_id", job.ID, "error", err)
		default:
			log.Warn("thaw failed", "job_id", job.ID, "error", err)
			errs = append(errs, fmt.Errorf("job %s: %w", job.ID, err))
		}
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
	}

	log.Info("thaw request processed", "archived", len(jobs), "started", started, "failed", len(errs))
	return errors.Join(errs...)
}

func (w *Worker) thaw(ctx context.Context, job *models.Job) error {
	cold, ok := job.ArchiveState().(models.Cold)
	if !ok {
		return nil
	}
	correlation := archive.EncodeCorrelation(job.ID)

	ref, err := w.initiate(ctx, cold.ArchiveRef, archive.TierExpedited, correlation)
	if errors.Is(err, archive.ErrCapacityExhausted) {
		slog.Info("expedited capacity exhausted, falling back to standard", "job_id", job.ID)
		ref, err = w.initiate(ctx, cold.ArchiveRef, archive.TierStandard, correlation)
	}
	if err != nil {
		return err
	}

	retrieving, err := cold.BeginRetrieval(ref)
	if err != nil {
		return fmt.Errorf("initiate retrieval: %w", err)
	}
	pred, fields := store.EnterRetrieving(retrieving)
	res, err := w.jobs.ConditionalUpdate(ctx, job.ID, pred, fields)
	if err != nil {
		return fmt.Errorf("record thaw ref: %w", err)
	}
	if res == store.PreconditionFailed {
		slog.Info("retrieval already in flight", "job_id", job.ID, "thaw_ref", ref)
		return nil
	}
	slog.Info("retrieval started", "job_id", job.ID, "archive_ref", cold.ArchiveRef, "thaw_ref", ref)
	return nil
}

func (w *Worker) initiate(ctx context.Context, archiveRef string, tier archive.RetrievalTier, correlation string) (string, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return w.archive.InitiateRetrieval(ctx, archiveRef, tier, correlation)
}
