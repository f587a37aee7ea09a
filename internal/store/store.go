package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/annoflow/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrInvalidUpdate is returned before touching the database when the requested
// fields could violate a job invariant under the given predicate.
var ErrInvalidUpdate = errors.New("invalid conditional update")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	PutJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	QueryByUser(ctx context.Context, userID string) ([]*models.Job, error)
	QueryArchivedByUser(ctx context.Context, userID string) ([]*models.Job, error)
	ConditionalUpdate(ctx context.Context, id uuid.UUID, pred Predicate, fields Fields) (UpdateResult, error)
	ClearArchive(ctx context.Context, id uuid.UUID) error

	GetProfile(ctx context.Context, userID string) (*models.UserProfile, error)
	UpsertProfile(ctx context.Context, profile *models.UserProfile) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error

	RecordDeadLetter(ctx context.Context, dl *models.DeadLetter) error
}

// UpdateResult is the outcome of a conditional update that reached the database.
type UpdateResult int

const (
	// Applied means the fields were written atomically under the precondition.
	Applied UpdateResult = iota + 1
	// PreconditionFailed means another actor already moved the record on.
	// It is an idempotency signal, not an error.
	PreconditionFailed
)

func (r UpdateResult) String() string {
	switch r {
	case Applied:
		return "applied"
	case PreconditionFailed:
		return "precondition_failed"
	}
	return "unknown"
}

// Predicate is the precondition a conditional update is guarded by. Nil
// fields are not checked.
type Predicate struct {
	Status   *models.JobStatus
	Archived *bool
	Thawing  *bool
}

// StatusIs matches a job in exactly the given status.
func StatusIs(s models.JobStatus) Predicate {
	return Predicate{Status: &s}
}

// StatusIsAndNotArchived matches a job in status s whose result is still hot.
func StatusIsAndNotArchived(s models.JobStatus) Predicate {
	f := false
	return Predicate{Status: &s, Archived: &f}
}

// ArchivedNotThawing matches a cold job with no retrieval in flight.
func ArchivedNotThawing() Predicate {
	completed := models.JobStatusCompleted
	t, f := true, false
	return Predicate{Status: &completed, Archived: &t, Thawing: &f}
}

// EnterCold is the conditional update that records c on a hot COMPLETED job.
func EnterCold(c models.Cold) (Predicate, Fields) {
	ref := c.ArchiveRef
	return StatusIsAndNotArchived(models.JobStatusCompleted), Fields{ArchiveRef: &ref}
}

// EnterRetrieving is the conditional update that records r on a cold job with
// no retrieval in flight.
func EnterRetrieving(r models.Retrieving) (Predicate, Fields) {
	ref := r.ThawRef
	return ArchivedNotThawing(), Fields{ThawRef: &ref}
}

// Matches evaluates the predicate against an in-memory job.
func (p Predicate) Matches(j *models.Job) bool {
	if p.Status != nil && j.Status != *p.Status {
		return false
	}
	if p.Archived != nil && (j.ArchiveRef != nil) != *p.Archived {
		return false
	}
	if p.Thawing != nil && (j.ThawRef != nil) != *p.Thawing {
		return false
	}
	return true
}

func (p Predicate) String() string {
	s := "any"
	if p.Status != nil {
		s = "status=" + string(*p.Status)
	}
	if p.Archived != nil {
		s += fmt.Sprintf(" archived=%t", *p.Archived)
	}
	if p.Thawing != nil {
		s += fmt.Sprintf(" thawing=%t", *p.Thawing)
	}
	return s
}

// Fields are the columns a conditional update writes. Nil fields are left alone.
type Fields struct {
	Status       *models.JobStatus
	ResultRef    *string
	LogRef       *string
	CompleteTime *time.Time
	ArchiveRef   *string
	ThawRef      *string
}

// Validate rejects field sets that could break the job invariants even when
// the predicate holds.
func (f Fields) Validate(p Predicate) error {
	if f.Status != nil {
		if p.Status == nil || !models.CanTransition(*p.Status, *f.Status) {
			return fmt.Errorf("%w: status write to %s requires predecessor status", ErrInvalidUpdate, *f.Status)
		}
	}
	if f.ResultRef != nil || f.LogRef != nil || f.CompleteTime != nil {
		if f.Status == nil || *f.Status != models.JobStatusCompleted {
			return fmt.Errorf("%w: result_ref, log_ref and complete_time are set only at COMPLETED", ErrInvalidUpdate)
		}
	}
	if f.ArchiveRef != nil {
		if p.Status == nil || *p.Status != models.JobStatusCompleted || p.Archived == nil || *p.Archived {
			return fmt.Errorf("%w: archive_ref requires a COMPLETED job without archive_ref", ErrInvalidUpdate)
		}
	}
	if f.ThawRef != nil {
		if p.Archived == nil || !*p.Archived || p.Thawing == nil || *p.Thawing {
			return fmt.Errorf("%w: thaw_ref requires an archived job without thaw_ref", ErrInvalidUpdate)
		}
	}
	if f.empty() {
		return fmt.Errorf("%w: no fields to write", ErrInvalidUpdate)
	}
	return nil
}

func (f Fields) empty() bool {
	return f.Status == nil && f.ResultRef == nil && f.LogRef == nil &&
		f.CompleteTime == nil && f.ArchiveRef == nil && f.ThawRef == nil
}

// Apply writes the fields onto an in-memory job.
func (f Fields) Apply(j *models.Job) {
	if f.Status != nil {
		j.Status = *f.Status
	}
	if f.ResultRef != nil {
		j.ResultRef = f.ResultRef
	}
	if f.LogRef != nil {
		j.LogRef = f.LogRef
	}
	if f.CompleteTime != nil {
		j.CompleteTime = f.CompleteTime
	}
	if f.ArchiveRef != nil {
		j.ArchiveRef = f.ArchiveRef
	}
	if f.ThawRef != nil {
		j.ThawRef = f.ThawRef
	}
}
