package model

import (
	"time"

	"github.com/google/uuid"
)

// Phase describes an agent's resource-consumption risk level.
// Escalation order: normal < warning < intervention < termination.
type Phase string

const (
	PhaseNormal       Phase = "normal"
	PhaseWarning      Phase = "warning"
	PhaseIntervention Phase = "intervention"
	PhaseTermination  Phase = "termination"
)

// PhaseRank returns the numeric rank of a phase (higher = more severe).
// Only relative ordering matters — escalation uses > comparison.
func PhaseRank(p Phase) int {
	switch p {
	case PhaseNormal:
		return 0
	case PhaseWarning:
		return 1
	case PhaseIntervention:
		return 2
	case PhaseTermination:
		return 3
	default:
		return 0
	}
}

// ResourceMetrics is the live resource-consumption record for one agent.
// Mutated on every recorded operation; mirrored to persistent storage
// best-effort so it survives process restart.
type ResourceMetrics struct {
	AgentID           uuid.UUID  `json:"agent_id"`
	FilesRead         int64      `json:"files_read"`
	FilesWritten      int64      `json:"files_written"`
	FilesModified     int64      `json:"files_modified"`
	APICallsCount     int64      `json:"api_calls_count"`
	SubtasksSpawned   int64      `json:"subtasks_spawned"`
	TokensConsumed    int64      `json:"tokens_consumed"`
	StartedAt         time.Time  `json:"started_at"`
	LastDeliverableAt *time.Time `json:"last_deliverable_at,omitempty"`
	LastActivityAt    time.Time  `json:"last_activity_at"`
	Phase             Phase      `json:"phase"`
	PausedAt          *time.Time `json:"paused_at,omitempty"`
	PauseReason       *string    `json:"pause_reason,omitempty"`
}

// FilesAccessed is the combined file-operation counter used for
// threshold evaluation.
func (m *ResourceMetrics) FilesAccessed() int64 {
	return m.FilesRead + m.FilesWritten + m.FilesModified
}
