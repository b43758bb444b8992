package model

import (
	"time"

	"github.com/google/uuid"
)

// RiskLevel classifies the blast radius of a proposed subtask batch.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ValidRiskLevel reports whether r is a recognized risk level.
func ValidRiskLevel(r RiskLevel) bool {
	return r == RiskLow || r == RiskMedium || r == RiskHigh
}

// CheckpointStatus is the lifecycle state of a consensus checkpoint.
// Approved, rejected, and expired are terminal.
type CheckpointStatus string

const (
	CheckpointPending  CheckpointStatus = "pending"
	CheckpointApproved CheckpointStatus = "approved"
	CheckpointRejected CheckpointStatus = "rejected"
	CheckpointExpired  CheckpointStatus = "expired"
)

// ProposedSubtask is one element of the batch gated by a checkpoint.
type ProposedSubtask struct {
	ID        string `json:"id"`
	AgentType string `json:"agent_type"`
	Input     string `json:"input"`
}

// CheckpointDecision is the reviewer's verdict on a pending checkpoint.
// Partial approval (RejectedSubtaskIDs) is allowed on approve only.
type CheckpointDecision struct {
	Approved           bool     `json:"approved"`
	ReviewerID         string   `json:"reviewer_id"`
	Reasoning          *string  `json:"reasoning,omitempty"`
	RejectedSubtaskIDs []string `json:"rejected_subtask_ids,omitempty"`
}

// ConsensusCheckpoint is a pending approval gate blocking a batch of
// proposed subtasks. Expiry is time-based, checked lazily on decision
// submission and by a periodic background sweep.
type ConsensusCheckpoint struct {
	ID               uuid.UUID           `json:"id"`
	TaskID           uuid.UUID           `json:"task_id"`
	ParentTaskID     *uuid.UUID          `json:"parent_task_id,omitempty"`
	ProposedSubtasks []ProposedSubtask   `json:"proposed_subtasks"`
	RiskLevel        RiskLevel           `json:"risk_level"`
	Status           CheckpointStatus    `json:"status"`
	ReviewerStrategy string              `json:"reviewer_strategy"`
	ReviewerType     string              `json:"reviewer_type"`
	Decision         *CheckpointDecision `json:"decision,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
	ExpiresAt        time.Time           `json:"expires_at"`
	DecidedAt        *time.Time          `json:"decided_at,omitempty"`
}
