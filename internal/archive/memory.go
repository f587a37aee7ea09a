package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
)

// Retrieval is a retrieval recorded by MemoryArchive.
type Retrieval struct {
	ArchiveRef  string
	Tier        RetrievalTier
	Correlation string
}

// MemoryArchive is an in-process Archive used by tests and local runs.
// Retrievals complete immediately.
type MemoryArchive struct {
	mu         sync.Mutex
	archives   map[string][]byte
	retrievals map[string]Retrieval
	// ExpeditedExhausted makes every Expedited retrieval fail with ErrCapacityExhausted.
	ExpeditedExhausted bool
}

func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{
		archives:   make(map[string][]byte),
		retrievals: make(map[string]Retrieval),
	}
}

func (m *MemoryArchive) Archive(_ context.Context, data []byte, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref := uuid.NewString()
	m.archives[ref] = append([]byte(nil), data...)
	return ref, nil
}

func (m *MemoryArchive) InitiateRetrieval(_ context.Context, archiveRef string, tier RetrievalTier, correlation string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tier == TierExpedited && m.ExpeditedExhausted {
		return "", ErrCapacityExhausted
	}
	if _, ok := m.archives[archiveRef]; !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, archiveRef)
	}
	ref := uuid.NewString()
	m.retrievals[ref] = Retrieval{ArchiveRef: archiveRef, Tier: tier, Correlation: correlation}
	return ref, nil
}

func (m *MemoryArchive) RetrievalOutput(_ context.Context, retrievalRef string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.retrievals[retrievalRef]
	if !ok {
		return nil, fmt.Errorf("%w: retrieval %s", ErrNotFound, retrievalRef)
	}
	data, ok := m.archives[r.ArchiveRef]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, r.ArchiveRef)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MemoryArchive) DeleteArchive(_ context.Context, archiveRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.archives, archiveRef)
	return nil
}

// Has reports whether an archive exists.
func (m *MemoryArchive) Has(archiveRef string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.archives[archiveRef]
	return ok
}

// Len is the number of stored archives.
func (m *MemoryArchive) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.archives)
}

// Retrieval returns a recorded retrieval.
func (m *MemoryArchive) Retrieval(retrievalRef string) (Retrieval, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.retrievals[retrievalRef]
	return r, ok
}
