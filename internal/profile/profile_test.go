package profile_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/kiranshivaraju/annoflow/internal/cache"
	"github.com/kiranshivaraju/annoflow/internal/profile"
	"github.com/kiranshivaraju/annoflow/internal/store"
	"github.com/kiranshivaraju/annoflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu       sync.Mutex
	profiles map[string]models.UserProfile
	gets     int
	err      error
}

func (f *fakeSource) GetProfile(_ context.Context, userID string) (*models.UserProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.profiles[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (f *fakeSource) UpsertProfile(_ context.Context, p *models.UserProfile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[p.UserID] = *p
	return nil
}

func setup(t *testing.T) (*profile.CachedLookup, *fakeSource) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc, err := cache.NewRedisCache("redis://" + mr.Addr())
	require.NoError(t, err)

	src := &fakeSource{profiles: map[string]models.UserProfile{
		"U1": {UserID: "U1", Email: "u1@example.com", Tier: models.TierFree},
	}}
	return profile.NewCachedLookup(src, rc, time.Minute), src
}

func TestProfile_CachesReads(t *testing.T) {
	l, src := setup(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p, err := l.Profile(ctx, "U1")
		require.NoError(t, err)
		assert.Equal(t, models.TierFree, p.Tier)
	}
	assert.Equal(t, 1, src.gets)
}

func TestProfile_UnknownUser(t *testing.T) {
	l, _ := setup(t)

	_, err := l.Profile(context.Background(), "ghost")
	assert.ErrorIs(t, err, profile.ErrUnknownUser)
}

func TestProfile_StoreError(t *testing.T) {
	l, src := setup(t)
	src.err = errors.New("connection refused")

	_, err := l.Profile(context.Background(), "U1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, profile.ErrUnknownUser)
}

func TestUpgrade_InvalidatesCache(t *testing.T) {
	l, _ := setup(t)
	ctx := context.Background()

	_, err := l.Profile(ctx, "U1")
	require.NoError(t, err)

	p, err := l.Upgrade(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, models.TierPremium, p.Tier)

	p, err = l.Profile(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, models.TierPremium, p.Tier)
	assert.False(t, p.Tier.RetentionLimited())
}

func TestPut_CreatesProfile(t *testing.T) {
	l, _ := setup(t)
	ctx := context.Background()

	require.NoError(t, l.Put(ctx, &models.UserProfile{UserID: "U2", Email: "u2@example.com", Tier: models.TierPremium}))

	p, err := l.Profile(ctx, "U2")
	require.NoError(t, err)
	assert.Equal(t, "u2@example.com", p.Email)
}

func TestProfile_WithoutCache(t *testing.T) {
	src := &fakeSource{profiles: map[string]models.UserProfile{"U1": {UserID: "U1", Tier: models.TierFree}}}
	l := profile.NewCachedLookup(src, nil, time.Minute)

	_, err := l.Profile(context.Background(), "U1")
	require.NoError(t, err)
	_, err = l.Profile(context.Background(), "U1")
	require.NoError(t, err)
	assert.Equal(t, 2, src.gets)
}
