package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidMessage marks a payload that can never be processed, no matter how
// many times it is redelivered.
var ErrInvalidMessage = errors.New("invalid message")

// RunRequest asks the annotator fleet to start a job.
type RunRequest struct {
	JobID         uuid.UUID `json:"job_id"`
	UserID        string    `json:"user_id"`
	InputRef      string    `json:"input_ref"`
	InputFileName string    `json:"input_file_name"`
	SubmitTime    int64     `json:"submit_time"`
}

func (r RunRequest) Validate() error {
	if r.JobID == uuid.Nil {
		return fmt.Errorf("%w: job_id is required", ErrInvalidMessage)
	}
	if r.UserID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidMessage)
	}
	if r.InputRef == "" {
		return fmt.Errorf("%w: input_ref is required", ErrInvalidMessage)
	}
	return nil
}

// ResultNotice is fanned out once a job reaches COMPLETED.
type ResultNotice struct {
	JobID  uuid.UUID `json:"job_id"`
	UserID string    `json:"user_id"`
}

func (n ResultNotice) Validate() error {
	if n.JobID == uuid.Nil || n.UserID == "" {
		return fmt.Errorf("%w: job_id and user_id are required", ErrInvalidMessage)
	}
	return nil
}

// ArchiveTrigger fires after the free download window for a completed job.
type ArchiveTrigger struct {
	JobID     uuid.UUID `json:"job_id"`
	UserID    string    `json:"user_id"`
	ResultRef string    `json:"result_ref"`
}

// UnmarshalJSON also accepts the timer payload keys (JobId, Username, S3ResultKey).
func (t *ArchiveTrigger) UnmarshalJSON(b []byte) error {
	var raw struct {
		JobID       string `json:"job_id"`
		UserID      string `json:"user_id"`
		ResultRef   string `json:"result_ref"`
		LegacyJobID string `json:"JobId"`
		Username    string `json:"Username"`
		S3ResultKey string `json:"S3ResultKey"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	id := firstNonEmpty(raw.JobID, raw.LegacyJobID)
	if id != "" {
		parsed, err := uuid.Parse(id)
		if err != nil {
			return fmt.Errorf("parse job_id: %w", err)
		}
		t.JobID = parsed
	}
	t.UserID = firstNonEmpty(raw.UserID, raw.Username)
	t.ResultRef = firstNonEmpty(raw.ResultRef, raw.S3ResultKey)
	return nil
}

func (t ArchiveTrigger) Validate() error {
	if t.JobID == uuid.Nil || t.UserID == "" || t.ResultRef == "" {
		return fmt.Errorf("%w: job_id, user_id and result_ref are required", ErrInvalidMessage)
	}
	return nil
}

// ThawRequest is published when a user upgrades to a tier without retention limits.
type ThawRequest struct {
	UserID string `json:"user_id"`
}

// UnmarshalJSON also accepts the upgrade event key user_id_to_thaw.
func (r *ThawRequest) UnmarshalJSON(b []byte) error {
	var raw struct {
		UserID       string `json:"user_id"`
		UserIDToThaw string `json:"user_id_to_thaw"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	r.UserID = firstNonEmpty(raw.UserID, raw.UserIDToThaw)
	return nil
}

func (r ThawRequest) Validate() error {
	if r.UserID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidMessage)
	}
	return nil
}

// RetrievalCompleted is the cold archive's notification that a retrieval job
// finished. Field names follow the archive service's notification document.
type RetrievalCompleted struct {
	RetrievalRef string     `json:"JobId"`
	ArchiveRef   string     `json:"ArchiveId"`
	Correlation  string     `json:"JobDescription"`
	StatusCode   string     `json:"StatusCode,omitempty"`
	Completed    bool       `json:"Completed,omitempty"`
	CompletedAt  *time.Time `json:"CompletionDate,omitempty"`
}

func (e RetrievalCompleted) Validate() error {
	if e.RetrievalRef == "" || e.ArchiveRef == "" || e.Correlation == "" {
		return fmt.Errorf("%w: JobId, ArchiveId and JobDescription are required", ErrInvalidMessage)
	}
	return nil
}

// Succeeded reports whether the retrieval output is ready to read. An empty
// status code is treated as success.
func (e RetrievalCompleted) Succeeded() bool {
	return e.StatusCode == "" || e.StatusCode == "Succeeded"
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
