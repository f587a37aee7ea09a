// Package submit records new jobs and hands them to the annotator fleet, and
// turns tier upgrades into thaw requests.
package submit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/annoflow/internal/queue"
	"github.com/kiranshivaraju/annoflow/internal/store"
	"github.com/kiranshivaraju/annoflow/pkg/models"
)

var ErrInvalidRequest = errors.New("invalid submission")

// ErrConflict means a job with the requested id exists for another input.
var ErrConflict = errors.New("job id already used")

// Jobs is the store subset the service needs.
type Jobs interface {
	PutJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
}

// Upgrader moves a user to the premium tier.
type Upgrader interface {
	Upgrade(ctx context.Context, userID string) (*models.UserProfile, error)
}

// Request is a job submission. JobID is optional; a client that sets it can
// safely resend the same request.
type Request struct {
	JobID         uuid.UUID `json:"job_id"`
	UserID        string    `json:"user_id"`
	InputRef      string    `json:"input_ref"`
	InputFileName string    `json:"input_file_name"`
}

func (r *Request) validate() error {
	if r.UserID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}
	if r.InputRef == "" {
		return fmt.Errorf("%w: input_ref is required", ErrInvalidRequest)
	}
	if r.InputFileName == "" {
		// Input keys end in "<job_id>~<file name>".
		base := path.Base(r.InputRef)
		if i := strings.Index(base, "~"); i >= 0 {
			base = base[i+1:]
		}
		r.InputFileName = base
	}
	if strings.ContainsAny(r.InputFileName, "/\\") || r.InputFileName == "." || r.InputFileName == ".." {
		return fmt.Errorf("%w: input_file_name must be a plain file name", ErrInvalidRequest)
	}
	return nil
}

type Service struct {
	jobs         Jobs
	upgrader     Upgrader
	publisher    queue.Publisher
	requestTopic string
	thawTopic    string
	now          func() time.Time
}

func NewService(jobs Jobs, upgrader Upgrader, pub queue.Publisher, requestTopic, thawTopic string) *Service {
	return &Service{
		jobs:         jobs,
		upgrader:     upgrader,
		publisher:    pub,
		requestTopic: requestTopic,
		thawTopic:    thawTopic,
		now:          time.Now,
	}
}

// Submit stores a PENDING job and publishes its run request. Resubmitting a
// job id that is already stored for the same input republishes the request
// without touching the record.
func (s *Service) Submit(ctx context.Context, req Request) (*models.Job, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.JobID == uuid.Nil {
		req.JobID = uuid.New()
	}

	job := &models.Job{
		ID:            req.JobID,
		UserID:        req.UserID,
		Status:        models.JobStatusPending,
		InputRef:      req.InputRef,
		InputFileName: req.InputFileName,
		SubmitTime:    s.now().UTC().Truncate(time.Microsecond),
	}

	err := s.jobs.PutJob(ctx, job)
	if errors.Is(err, store.ErrDuplicateKey) {
		existing, getErr := s.jobs.GetJob(ctx, req.JobID)
		if getErr != nil {
			return nil, fmt.Errorf("get existing job: %w", getErr)
		}
		if existing.UserID != req.UserID || existing.InputRef != req.InputRef {
			return nil, fmt.Errorf("%w: %s", ErrConflict, req.JobID)
		}
		job = existing
		slog.Info("job resubmitted", "job_id", job.ID, "status", job.Status)
		if job.Status != models.JobStatusPending {
			return job, nil
		}
	} else if err != nil {
		return nil, fmt.Errorf("put job: %w", err)
	}

	err = queue.PublishJSON(ctx, s.publisher, s.requestTopic, models.RunRequest{
		JobID:         job.ID,
		UserID:        job.UserID,
		InputRef:      job.InputRef,
		InputFileName: job.InputFileName,
		SubmitTime:    job.SubmitTime.Unix(),
	})
	if err != nil {
		// The record stays PENDING; resubmitting with the same job id republishes.
		return nil, fmt.Errorf("publish run request: %w", err)
	}

	slog.Info("job submitted", "job_id", job.ID, "user_id", job.UserID, "input_ref", job.InputRef)
	return job, nil
}

// Upgrade moves the user to the premium tier and asks for their archived
// results to be thawed.
func (s *Service) Upgrade(ctx context.Context, userID string) (*models.UserProfile, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}
	p, err := s.upgrader.Upgrade(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := queue.PublishJSON(ctx, s.publisher, s.thawTopic, models.ThawRequest{UserID: userID}); err != nil {
		return nil, fmt.Errorf("publish thaw request: %w", err)
	}
	slog.Info("user upgraded", "user_id", userID, "tier", p.Tier)
	return p, nil
}
