package models

import (
	"errors"
	"fmt"
)

var ErrInvalidArchiveTransition = errors.New("invalid archive state transition")

// ArchiveState is the archival sub-machine nested under COMPLETED:
// Hot -> Cold -> Retrieving -> Hot. Exactly one variant holds at a time.
type ArchiveState interface {
	Name() string
	isArchiveState()
}

// Hot means the result object is in the object store and downloadable.
type Hot struct{}

// Cold means the result lives only in the cold archive.
type Cold struct {
	ArchiveRef string
}

// Retrieving means a cold-archive retrieval is in flight.
type Retrieving struct {
	ArchiveRef string
	ThawRef    string
}

func (Hot) Name() string        { return "hot" }
func (Cold) Name() string       { return "cold" }
func (Retrieving) Name() string { return "retrieving" }

func (Hot) isArchiveState()        {}
func (Cold) isArchiveState()       {}
func (Retrieving) isArchiveState() {}

// Archive moves a hot result into cold storage.
func (Hot) Archive(archiveRef string) (Cold, error) {
	if archiveRef == "" {
		return Cold{}, fmt.Errorf("%w: empty archive ref", ErrInvalidArchiveTransition)
	}
	return Cold{ArchiveRef: archiveRef}, nil
}

// BeginRetrieval records an in-flight retrieval for a cold result.
func (c Cold) BeginRetrieval(thawRef string) (Retrieving, error) {
	if thawRef == "" {
		return Retrieving{}, fmt.Errorf("%w: empty thaw ref", ErrInvalidArchiveTransition)
	}
	return Retrieving{ArchiveRef: c.ArchiveRef, ThawRef: thawRef}, nil
}

// Restore returns a retrieved result to hot storage. Both references are dropped together.
func (Retrieving) Restore() Hot {
	return Hot{}
}

// ArchiveStateName returns the variant name, or "none" for jobs not yet COMPLETED.
func ArchiveStateName(s ArchiveState) string {
	if s == nil {
		return "none"
	}
	return s.Name()
}
