package models

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the primary lifecycle state of an annotation job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
)

var validTransitions = map[JobStatus]JobStatus{
	JobStatusPending: JobStatusRunning,
	JobStatusRunning: JobStatusCompleted,
}

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted:
		return true
	}
	return false
}

// CanTransition reports whether a job may move from one status to the next.
// Only single forward steps are allowed.
func CanTransition(from, to JobStatus) bool {
	next, ok := validTransitions[from]
	return ok && next == to
}

// Job is the shared record every worker coordinates through. The API creates it
// as PENDING; workers only ever advance it with conditional updates.
type Job struct {
	ID            uuid.UUID  `db:"job_id"          json:"job_id"`
	UserID        string     `db:"user_id"         json:"user_id"`
	Status        JobStatus  `db:"status"          json:"status"`
	InputRef      string     `db:"input_ref"       json:"input_ref"`
	InputFileName string     `db:"input_file_name" json:"input_file_name"`
	ResultRef     *string    `db:"result_ref"      json:"result_ref,omitempty"`
	LogRef        *string    `db:"log_ref"         json:"log_ref,omitempty"`
	ArchiveRef    *string    `db:"archive_ref"     json:"archive_ref,omitempty"`
	ThawRef       *string    `db:"thaw_ref"        json:"thaw_ref,omitempty"`
	SubmitTime    time.Time  `db:"submit_time"     json:"submit_time"`
	CompleteTime  *time.Time `db:"complete_time"   json:"complete_time,omitempty"`
	UpdatedAt     time.Time  `db:"updated_at"      json:"updated_at"`
}

// ArchiveState derives the archival sub-state from the nullable references.
// It is nil unless the job is COMPLETED.
func (j *Job) ArchiveState() ArchiveState {
	if j.Status != JobStatusCompleted {
		return nil
	}
	switch {
	case j.ArchiveRef == nil:
		return Hot{}
	case j.ThawRef == nil:
		return Cold{ArchiveRef: *j.ArchiveRef}
	default:
		return Retrieving{ArchiveRef: *j.ArchiveRef, ThawRef: *j.ThawRef}
	}
}
