// Package profile resolves user profiles for the workers, reading through a
// short-lived Redis cache in front of the user_profiles table.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/annoflow/internal/cache"
	"github.com/kiranshivaraju/annoflow/internal/store"
	"github.com/kiranshivaraju/annoflow/pkg/models"
)

// ErrUnknownUser is returned when no profile exists for a user.
var ErrUnknownUser = errors.New("unknown user")

// Lookup returns a user's profile.
type Lookup interface {
	Profile(ctx context.Context, userID string) (*models.UserProfile, error)
}

// Source is the subset of store.Store profile reads and writes need.
type Source interface {
	GetProfile(ctx context.Context, userID string) (*models.UserProfile, error)
	UpsertProfile(ctx context.Context, p *models.UserProfile) error
}

// CachedLookup reads profiles from the store and caches them in Redis for ttl.
// Cache failures are logged and fall through to the store.
type CachedLookup struct {
	src   Source
	cache cache.Cache
	ttl   time.Duration
}

func NewCachedLookup(src Source, c cache.Cache, ttl time.Duration) *CachedLookup {
	return &CachedLookup{src: src, cache: c, ttl: ttl}
}

func (l *CachedLookup) Profile(ctx context.Context, userID string) (*models.UserProfile, error) {
	key := cache.ProfileKey(userID)
	if l.cache != nil {
		if b, ok, err := l.cache.Get(ctx, key); err != nil {
			slog.Warn("profile cache read failed", "user_id", userID, "error", err)
		} else if ok {
			var p models.UserProfile
			if err := json.Unmarshal(b, &p); err == nil {
				return &p, nil
			}
		}
	}

	p, err := l.src.GetProfile(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}

	if l.cache != nil {
		if b, err := json.Marshal(p); err == nil {
			if err := l.cache.Set(ctx, key, b, l.ttl); err != nil {
				slog.Warn("profile cache write failed", "user_id", userID, "error", err)
			}
		}
	}
	return p, nil
}

// Upgrade moves a user to the premium tier and invalidates the cached copy.
func (l *CachedLookup) Upgrade(ctx context.Context, userID string) (*models.UserProfile, error) {
	p, err := l.src.GetProfile(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	p.Tier = models.TierPremium
	if err := l.src.UpsertProfile(ctx, p); err != nil {
		return nil, fmt.Errorf("upsert profile: %w", err)
	}
	if l.cache != nil {
		if err := l.cache.Delete(ctx, cache.ProfileKey(userID)); err != nil {
			slog.Warn("profile cache invalidate failed", "user_id", userID, "error", err)
		}
	}
	return p, nil
}

// Put creates or replaces a profile and invalidates the cached copy.
func (l *CachedLookup) Put(ctx context.Context, p *models.UserProfile) error {
	if err := l.src.UpsertProfile(ctx, p); err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	if l.cache != nil {
		if err := l.cache.Delete(ctx, cache.ProfileKey(p.UserID)); err != nil {
			slog.Warn("profile cache invalidate failed", "user_id", p.UserID, "error", err)
		}
	}
	return nil
}
