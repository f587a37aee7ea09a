package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/annoflow/pkg/models"
)

// MemoryStore is an in-process Store used by tests and local runs. Conditional
// updates are atomic under a single mutex.
type MemoryStore struct {
	mu          sync.Mutex
	jobs        map[uuid.UUID]models.Job
	profiles    map[string]models.UserProfile
	apiKeys     map[uuid.UUID]models.APIKey
	deadLetters []models.DeadLetter
	now         func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:     make(map[uuid.UUID]models.Job),
		profiles: make(map[string]models.UserProfile),
		apiKeys:  make(map[uuid.UUID]models.APIKey),
		now:      time.Now,
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) PutJob(_ context.Context, job *models.Job) error {
	if job.Status != models.JobStatusPending {
		return ErrInvalidUpdate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return ErrDuplicateKey
	}
	j := *job
	j.UpdatedAt = m.now()
	m.jobs[j.ID] = j
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &j, nil
}

func (m *MemoryStore) QueryByUser(_ context.Context, userID string) ([]*models.Job, error) {
	return m.query(func(j models.Job) bool { return j.UserID == userID }), nil
}

func (m *MemoryStore) QueryArchivedByUser(_ context.Context, userID string) ([]*models.Job, error) {
	return m.query(func(j models.Job) bool {
		return j.UserID == userID && j.Status == models.JobStatusCompleted && j.ArchiveRef != nil && j.ThawRef == nil
	}), nil
}

func (m *MemoryStore) query(keep func(models.Job) bool) []*models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Job
	for _, j := range m.jobs {
		if keep(j) {
			j := j
			out = append(out, &j)
		}
	}
	slices.SortFunc(out, func(a, b *models.Job) int {
		return b.SubmitTime.Compare(a.SubmitTime)
	})
	return out
}

func (m *MemoryStore) ConditionalUpdate(_ context.Context, id uuid.UUID, pred Predicate, fields Fields) (UpdateResult, error) {
	if err := fields.Validate(pred); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return 0, ErrNotFound
	}
	if !pred.Matches(&j) {
		return PreconditionFailed, nil
	}
	fields.Apply(&j)
	j.UpdatedAt = m.now()
	m.jobs[id] = j
	return Applied, nil
}

func (m *MemoryStore) ClearArchive(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.ArchiveRef = nil
	j.ThawRef = nil
	j.UpdatedAt = m.now()
	m.jobs[id] = j
	return nil
}

func (m *MemoryStore) GetProfile(_ context.Context, userID string) (*models.UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *MemoryStore) UpsertProfile(_ context.Context, p *models.UserProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	cp.UpdatedAt = m.now()
	m.profiles[p.UserID] = cp
	return nil
}

func (m *MemoryStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.APIKey
	for _, k := range m.apiKeys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			k := k
			out = append(out, &k)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.apiKeys[id]
	if !ok {
		return ErrNotFound
	}
	now := m.now()
	k.LastUsedAt = &now
	m.apiKeys[id] = k
	return nil
}

func (m *MemoryStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.apiKeys[key.ID]; ok {
		return ErrDuplicateKey
	}
	m.apiKeys[key.ID] = *key
	return nil
}

func (m *MemoryStore) ListAPIKeys(context.Context) ([]*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.APIKey
	for _, k := range m.apiKeys {
		if k.DeletedAt == nil {
			k := k
			out = append(out, &k)
		}
	}
	slices.SortFunc(out, func(a, b *models.APIKey) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) RevokeAPIKey(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.apiKeys[id]
	if !ok || k.DeletedAt != nil {
		return ErrNotFound
	}
	now := m.now()
	k.DeletedAt = &now
	m.apiKeys[id] = k
	return nil
}

func (m *MemoryStore) RecordDeadLetter(_ context.Context, dl *models.DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dl.ID == uuid.Nil {
		dl.ID = uuid.New()
	}
	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = m.now()
	}
	m.deadLetters = append(m.deadLetters, *dl)
	return nil
}

// DeadLetters returns every recorded dead letter.
func (m *MemoryStore) DeadLetters() []models.DeadLetter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.deadLetters)
}

var _ Store = (*MemoryStore)(nil)
