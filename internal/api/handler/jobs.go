package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/annoflow/internal/api/response"
	"github.com/kiranshivaraju/annoflow/internal/objectstore"
	"github.com/kiranshivaraju/annoflow/internal/store"
	"github.com/kiranshivaraju/annoflow/internal/submit"
	"github.com/kiranshivaraju/annoflow/pkg/models"
)

// Submitter records a job and queues it for annotation.
type Submitter interface {
	Submit(ctx context.Context, req submit.Request) (*models.Job, error)
}

// JobReader is the store subset the read endpoints need.
type JobReader interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	QueryByUser(ctx context.Context, userID string) ([]*models.Job, error)
}

// JobView is the API representation of a job.
type JobView struct {
	JobID         uuid.UUID  `json:"job_id"`
	UserID        string     `json:"user_id"`
	Status        string     `json:"status"`
	InputFileName string     `json:"input_file_name"`
	InputRef      string     `json:"input_ref"`
	ResultRef     *string    `json:"result_ref,omitempty"`
	LogRef        *string    `json:"log_ref,omitempty"`
	ArchiveState  string     `json:"archive_state"`
	SubmitTime    time.Time  `json:"submit_time"`
	CompleteTime  *time.Time `json:"complete_time,omitempty"`
}

func newJobView(j *models.Job) JobView {
	return JobView{
		JobID:         j.ID,
		UserID:        j.UserID,
		Status:        string(j.Status),
		InputFileName: j.InputFileName,
		InputRef:      j.InputRef,
		ResultRef:     j.ResultRef,
		LogRef:        j.LogRef,
		ArchiveState:  models.ArchiveStateName(j.ArchiveState()),
		SubmitTime:    j.SubmitTime,
		CompleteTime:  j.CompleteTime,
	}
}

// NewSubmitJobHandler returns an http.HandlerFunc for POST /api/v1/jobs.
func NewSubmitJobHandler(svc Submitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submit.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		job, err := svc.Submit(r.Context(), req)
		switch {
		case errors.Is(err, submit.ErrInvalidRequest):
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		case errors.Is(err, submit.ErrConflict):
			response.Error(w, http.StatusConflict, "JOB_CONFLICT", err.Error(), nil)
			return
		case err != nil:
			slog.Error("submit job failed", "user_id", req.UserID, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to submit job", nil)
			return
		}

		response.Accepted(w, newJobView(job))
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewGetJobHandler(jobs JobReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, ok := loadJob(w, r, jobs)
		if !ok {
			return
		}
		response.JSON(w, newJobView(job))
	}
}

// NewListUserJobsHandler returns an http.HandlerFunc for
// GET /api/v1/users/{userID}/jobs, newest first.
func NewListUserJobsHandler(jobs JobReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")
		all, err := jobs.QueryByUser(r.Context(), userID)
		if err != nil {
			slog.Error("list jobs failed", "user_id", userID, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list jobs", nil)
			return
		}

		views := make([]JobView, len(all))
		for i, j := range all {
			views[i] = newJobView(j)
		}
		page, limit := response.Pagination(r)
		items, meta := response.Page(views, page, limit)
		response.Collection(w, items, meta)
	}
}

// Artifact selects which file of a completed job to download.
type Artifact int

const (
	ResultFile Artifact = iota
	LogFile
)

// NewDownloadHandler returns an http.HandlerFunc streaming a completed job's
// result or log file from the hot object store. Archived results answer 409
// until they are restored.
func NewDownloadHandler(jobs JobReader, objects objectstore.Store, bucket string, which Artifact) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, ok := loadJob(w, r, jobs)
		if !ok {
			return
		}
		if job.Status != models.JobStatusCompleted {
			response.Error(w, http.StatusConflict, "JOB_NOT_COMPLETED", "Job has not completed", map[string]string{
				"status": string(job.Status),
			})
			return
		}

		key := job.LogRef
		if which == ResultFile {
			switch job.ArchiveState().(type) {
			case models.Cold:
				response.Error(w, http.StatusConflict, "RESULT_ARCHIVED",
					"Result has been archived; upgrade to restore it", nil)
				return
			case models.Retrieving:
				response.Error(w, http.StatusConflict, "RESULT_RESTORING",
					"Result is being restored from the archive", nil)
				return
			}
			key = job.ResultRef
		}
		if key == nil {
			response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "File not recorded for job", nil)
			return
		}

		body, err := objects.Get(r.Context(), bucket, *key)
		if errors.Is(err, objectstore.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "File not found", nil)
			return
		}
		if err != nil {
			slog.Error("open object failed", "job_id", job.ID, "key", *key, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to read file", nil)
			return
		}
		defer body.Close()

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="`+path.Base(*key)+`"`)
		if _, err := io.Copy(w, body); err != nil {
			slog.Warn("stream object failed", "job_id", job.ID, "key", *key, "error", err)
		}
	}
}

func loadJob(w http.ResponseWriter, r *http.Request, jobs JobReader) (*models.Job, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_JOB_ID", "Invalid job ID", nil)
		return nil, false
	}

	job, err := jobs.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Job not found", nil)
		return nil, false
	}
	if err != nil {
		slog.Error("get job failed", "job_id", id, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load job", nil)
		return nil, false
	}
	return job, true
}
