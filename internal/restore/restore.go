// Package restore copies a thawed result back into hot object storage when
// the cold archive reports that a retrieval finished.
package restore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/annoflow/internal/archive"
	"github.com/kiranshivaraju/annoflow/internal/objectstore"
	"github.com/kiranshivaraju/annoflow/internal/queue"
	"github.com/kiranshivaraju/annoflow/internal/store"
	"github.com/kiranshivaraju/annoflow/internal/worker"
	"github.com/kiranshivaraju/annoflow/pkg/models"
)

// Jobs is the store subset the worker needs.
type Jobs interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ClearArchive(ctx context.Context, id uuid.UUID) error
}

type Worker struct {
	jobs          Jobs
	objects       objectstore.Store
	archive       archive.Archive
	resultsBucket string
}

func New(jobs Jobs, objects objectstore.Store, arc archive.Archive, resultsBucket string) *Worker {
	return &Worker{jobs: jobs, objects: objects, archive: arc, resultsBucket: resultsBucket}
}

// Handle implements worker.Handler for retrieval-completed notifications.
func (w *Worker) Handle(ctx context.Context, msg queue.Message) error {
	var ev models.RetrievalCompleted
	if err := worker.Decode(queue.Unwrap(msg.Body), &ev); err != nil {
		return err
	}
	if !ev.Succeeded() {
		return worker.Permanent(fmt.Errorf("retrieval %s finished with status %s", ev.RetrievalRef, ev.StatusCode))
	}
	jobID, err := archive.DecodeCorrelation(ev.Correlation)
	if err != nil {
		return worker.Permanent(err)
	}
	log := slog.With("job_id", jobID, "thaw_ref", ev.RetrievalRef)

	job, err := w.jobs.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("retrieval for unknown job, ignoring")
		return nil
	}
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}

	var retrieving models.Retrieving
	switch s := job.ArchiveState().(type) {
	case models.Retrieving:
		retrieving = s
	case models.Cold:
		// The retrieval started but recording its ref failed; the output is
		// still good.
		if retrieving, err = s.BeginRetrieval(ev.RetrievalRef); err != nil {
			return worker.Permanent(err)
		}
	default:
		log.Info("job already restored", "state", models.ArchiveStateName(s))
		return nil
	}
	if retrieving.ArchiveRef != ev.ArchiveRef {
		return worker.Permanent(fmt.Errorf("retrieval archive %s does not match job archive %s", ev.ArchiveRef, retrieving.ArchiveRef))
	}
	if job.ResultRef == nil {
		return worker.Permanent(fmt.Errorf("job %s has no result ref", job.ID))
	}

	if err := w.copyBack(ctx, ev.RetrievalRef, *job.ResultRef); err != nil {
		return err
	}
	if err := w.archive.DeleteArchive(ctx, retrieving.ArchiveRef); err != nil {
		return fmt.Errorf("delete archive: %w", err)
	}
	hot := retrieving.Restore()
	if err := w.jobs.ClearArchive(ctx, job.ID); err != nil {
		return fmt.Errorf("clear archive refs: %w", err)
	}

	log.Info("result restored", "state", hot.Name(), "result_ref", *job.ResultRef, "archive_ref", retrieving.ArchiveRef)
	return nil
}

// copyBack writes the retrieval output to the result key. When the output is
// gone but the hot object exists, an earlier delivery already copied it.
func (w *Worker) copyBack(ctx context.Context, retrievalRef, resultRef string) error {
	out, err := w.archive.RetrievalOutput(ctx, retrievalRef)
	if errors.Is(err, archive.ErrNotFound) {
		if _, getErr := objectstore.ReadAll(ctx, w.objects, w.resultsBucket, resultRef); getErr == nil {
			return nil
		}
		return worker.Permanent(err)
	}
	if err != nil {
		return fmt.Errorf("get retrieval output: %w", err)
	}
	defer out.Close()

	data, err := io.ReadAll(out)
	if err != nil {
		return fmt.Errorf("read retrieval output: %w", err)
	}
	if err := w.objects.Put(ctx, w.resultsBucket, resultRef, bytes.NewReader(data), int64(len(data))); err != nil {
		return fmt.Errorf("put restored result: %w", err)
	}
	return nil
}
