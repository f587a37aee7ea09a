package models

import "time"

// Tier is a user's subscription level.
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

// RetentionLimited reports whether results for this tier are moved to cold
// storage after the free download window.
func (t Tier) RetentionLimited() bool {
	return t == TierFree
}

// ParseTier accepts both the short tier names and the legacy role names
// ("free_user", "premium_user").
func ParseTier(s string) (Tier, bool) {
	switch s {
	case "free", "free_user":
		return TierFree, true
	case "premium", "premium_user":
		return TierPremium, true
	}
	return "", false
}

// UserProfile is the read-only view of an account the workers need.
type UserProfile struct {
	UserID    string    `db:"user_id"    json:"user_id"`
	Name      string    `db:"name"       json:"name"`
	Email     string    `db:"email"      json:"email"`
	Tier      Tier      `db:"tier"       json:"tier"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
