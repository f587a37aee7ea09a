package models

import (
	"time"

	"github.com/google/uuid"
)

// APIKey authenticates a service calling the job API (the web front end, the
// billing service). Raw keys are shown once at creation; only the bcrypt hash is stored.
type APIKey struct {
	ID         uuid.UUID  `db:"id"           json:"id"`
	Name       string     `db:"name"         json:"name"`
	KeyHash    string     `db:"key_hash"     json:"-"`
	KeyPrefix  string     `db:"key_prefix"   json:"key_prefix"`
	Scopes     []string   `db:"scopes"       json:"scopes"`
	LastUsedAt *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
	DeletedAt  *time.Time `db:"deleted_at"   json:"-"`
	CreatedAt  time.Time  `db:"created_at"   json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"   json:"updated_at"`
}

// API key scopes.
const (
	ScopeSubmit  = "submit"
	ScopeRead    = "read"
	ScopeBilling = "billing"
	ScopeEvents  = "events"
	ScopeAdmin   = "admin"
)

var validScopes = map[string]bool{
	ScopeSubmit:  true,
	ScopeRead:    true,
	ScopeBilling: true,
	ScopeEvents:  true,
	ScopeAdmin:   true,
}

// ValidScope reports whether s is a known scope.
func ValidScope(s string) bool {
	return validScopes[s]
}
