// Package archival moves results of retention-limited users from hot object
// storage into the cold archive once the download window has passed.
package archival

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/annoflow/internal/archive"
	"github.com/kiranshivaraju/annoflow/internal/objectstore"
	"github.com/kiranshivaraju/annoflow/internal/profile"
	"github.com/kiranshivaraju/annoflow/internal/queue"
	"github.com/kiranshivaraju/annoflow/internal/store"
	"github.com/kiranshivaraju/annoflow/internal/worker"
	"github.com/kiranshivaraju/annoflow/pkg/models"
)

// Jobs is the store subset the worker needs.
type Jobs interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ConditionalUpdate(ctx context.Context, id uuid.UUID, pred store.Predicate, fields store.Fields) (store.UpdateResult, error)
}

type Worker struct {
	jobs          Jobs
	profiles      profile.Lookup
	objects       objectstore.Store
	archive       archive.Archive
	resultsBucket string
}

func New(jobs Jobs, profiles profile.Lookup, objects objectstore.Store, arc archive.Archive, resultsBucket string) *Worker {
	return &Worker{
		jobs:          jobs,
		profiles:      profiles,
		objects:       objects,
		archive:       arc,
		resultsBucket: resultsBucket,
	}
}

// Handle implements worker.Handler for archive triggers.
func (w *Worker) Handle(ctx context.Context, msg queue.Message) error {
	var trig models.ArchiveTrigger
	if err := worker.Decode(msg.Body, &trig); err != nil {
		return err
	}
	log := slog.With("job_id", trig.JobID, "user_id", trig.UserID)

	p, err := w.profiles.Profile(ctx, trig.UserID)
	if errors.Is(err, profile.ErrUnknownUser) {
		return worker.Permanent(err)
	}
	if err != nil {
		return err
	}
	if !p.Tier.RetentionLimited() {
		log.Info("tier keeps results hot, skipping archival", "tier", p.Tier)
		return nil
	}

	job, err := w.jobs.GetJob(ctx, trig.JobID)
	if errors.Is(err, store.ErrNotFound) {
		return worker.Permanent(err)
	}
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}
	if job.Status != models.JobStatusCompleted || job.ResultRef == nil {
		return worker.Permanent(fmt.Errorf("job %s is %s, not archivable", job.ID, job.Status))
	}

	var hot models.Hot
	switch s := job.ArchiveState().(type) {
	case models.Cold:
		// A previous delivery recorded the archive but may have died before
		// removing the hot copy.
		log.Info("job already archived")
		return w.deleteHot(ctx, *job.ResultRef)
	case models.Retrieving:
		log.Info("job retrieval in flight, skipping archival")
		return nil
	case models.Hot:
		hot = s
	}

	data, err := objectstore.ReadAll(ctx, w.objects, w.resultsBucket, *job.ResultRef)
	if errors.Is(err, objectstore.ErrNotFound) {
		log.Warn("hot result missing, nothing to archive", "result_ref", *job.ResultRef)
		return nil
	}
	if err != nil {
		return err
	}

	ref, err := w.archive.Archive(ctx, data, job.ID.String())
	if err != nil {
		return fmt.Errorf("archive result: %w", err)
	}
	cold, err := hot.Archive(ref)
	if err != nil {
		return fmt.Errorf("archive result: %w", err)
	}

	pred, fields := store.EnterCold(cold)
	res, err := w.jobs.ConditionalUpdate(ctx, job.ID, pred, fields)
	if err != nil {
		// The write may have committed before the error surfaced, so the copy
		// is kept. The redelivery either finds the job cold or archives again
		// and leaves this copy orphaned.
		log.Warn("archive ref write failed, keeping copy", "archive_ref", ref, "error", err)
		return fmt.Errorf("record archive ref: %w", err)
	}
	if res == store.PreconditionFailed {
		log.Info("job archived concurrently, discarding duplicate copy", "archive_ref", ref)
		w.discard(ctx, ref)
		return nil
	}

	log.Info("result archived", "archive_ref", cold.ArchiveRef)
	return w.deleteHot(ctx, *job.ResultRef)
}

func (w *Worker) deleteHot(ctx context.Context, key string) error {
	if err := w.objects.Delete(ctx, w.resultsBucket, key); err != nil && !errors.Is(err, objectstore.ErrNotFound) {
		return fmt.Errorf("delete hot result: %w", err)
	}
	return nil
}

func (w *Worker) discard(ctx context.Context, ref string) {
	if err := w.archive.DeleteArchive(ctx, ref); err != nil {
		slog.Warn("delete duplicate archive failed", "archive_ref", ref, "error", err)
	}
}
