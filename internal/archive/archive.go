// Package archive moves result objects to and from the cold archive.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrCapacityExhausted means the requested retrieval tier has no capacity right now.
	ErrCapacityExhausted  = errors.New("retrieval capacity exhausted")
	ErrNotFound           = errors.New("archive not found")
	ErrInvalidCorrelation = errors.New("invalid correlation payload")
)

// RetrievalTier selects how fast a cold archive is read back.
type RetrievalTier string

const (
	TierExpedited RetrievalTier = "Expedited"
	TierStandard  RetrievalTier = "Standard"
)

// Archive is the cold archive service.
type Archive interface {
	// Archive stores data and returns its archive reference.
	Archive(ctx context.Context, data []byte, description string) (string, error)
	// InitiateRetrieval starts an asynchronous retrieval and returns its reference.
	// The correlation payload is echoed back in the completion notification.
	InitiateRetrieval(ctx context.Context, archiveRef string, tier RetrievalTier, correlation string) (string, error)
	// RetrievalOutput opens the output of a finished retrieval.
	RetrievalOutput(ctx context.Context, retrievalRef string) (io.ReadCloser, error)
	DeleteArchive(ctx context.Context, archiveRef string) error
}

const correlationKey = "key="

// EncodeCorrelation builds the retrieval description that carries the job id.
func EncodeCorrelation(jobID uuid.UUID) string {
	return correlationKey + jobID.String()
}

// DecodeCorrelation extracts the job id from a retrieval description.
func DecodeCorrelation(s string) (uuid.UUID, error) {
	if !strings.HasPrefix(s, correlationKey) {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrInvalidCorrelation, s)
	}
	id, err := uuid.Parse(strings.TrimPrefix(s, correlationKey))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidCorrelation, err)
	}
	return id, nil
}
