package model

import (
	"time"

	"github.com/google/uuid"
)

// OperatorRole controls what an authenticated operator may do.
// Admins mutate; viewers read.
type OperatorRole string

const (
	RoleAdmin  OperatorRole = "admin"
	RoleViewer OperatorRole = "viewer"
)

// APIKey is a managed operator credential. The plaintext key is shown
// once at mint time; only the Argon2id hash is stored. Prefix is the
// first characters of the plaintext, kept for O(1) lookup and for
// operators to recognize keys in listings.
type APIKey struct {
	ID         uuid.UUID    `json:"id"`
	Prefix     string       `json:"prefix"`
	KeyHash    string       `json:"-"`
	Label      string       `json:"label"`
	Role       OperatorRole `json:"role"`
	CreatedAt  time.Time    `json:"created_at"`
	LastUsedAt *time.Time   `json:"last_used_at,omitempty"`
	ExpiresAt  *time.Time   `json:"expires_at,omitempty"`
	RevokedAt  *time.Time   `json:"revoked_at,omitempty"`
}
