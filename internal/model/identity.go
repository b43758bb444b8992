package model

import (
	"time"

	"github.com/google/uuid"
)

// IdentityStatus is the lifecycle state of a persistent agent identity.
//
// Unlike SpawnedAgent.Status, identity transitions are enforced against
// a closed transition table (see internal/identity). Retired is absorbing.
type IdentityStatus string

const (
	IdentityStatusCreated IdentityStatus = "created"
	IdentityStatusActive  IdentityStatus = "active"
	IdentityStatusDormant IdentityStatus = "dormant"
	IdentityStatusRetired IdentityStatus = "retired"
)

// AgentIdentity is the persistent record of an agent's lifecycle,
// independent of any particular spawned instance.
type AgentIdentity struct {
	AgentID          uuid.UUID      `json:"agent_id"`
	AgentType        string         `json:"agent_type"`
	Status           IdentityStatus `json:"status"`
	Capabilities     []string       `json:"capabilities"`
	DisplayName      *string        `json:"display_name,omitempty"`
	Metadata         map[string]any `json:"metadata"`
	Version          int            `json:"version"`
	CreatedAt        time.Time      `json:"created_at"`
	LastActiveAt     time.Time      `json:"last_active_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	RetiredAt        *time.Time     `json:"retired_at,omitempty"`
	RetirementReason *string        `json:"retirement_reason,omitempty"`
}

// AuditAction names a lifecycle event recorded in the identity audit log.
type AuditAction string

const (
	AuditActionCreated     AuditAction = "created"
	AuditActionActivated   AuditAction = "activated"
	AuditActionDeactivated AuditAction = "deactivated"
	AuditActionRetired     AuditAction = "retired"
	AuditActionUpdated     AuditAction = "updated"
	AuditActionSpawned     AuditAction = "spawned"
)

// IdentityAuditEntry is one append-only audit log row. ContentHash is a
// tamper-evident digest over the canonical fields (see internal/integrity).
type IdentityAuditEntry struct {
	ID             uuid.UUID       `json:"id"`
	AgentID        uuid.UUID       `json:"agent_id"`
	Action         AuditAction     `json:"action"`
	PreviousStatus *IdentityStatus `json:"previous_status,omitempty"`
	NewStatus      *IdentityStatus `json:"new_status,omitempty"`
	Reason         *string         `json:"reason,omitempty"`
	ActorID        *string         `json:"actor_id,omitempty"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
	ContentHash    string          `json:"content_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}
