package rookery

import (
	"time"

	"github.com/google/uuid"
)

// Task is a unit of work routed to an agent.
type Task struct {
	ID           uuid.UUID      `json:"id"`
	AgentType    string         `json:"agent_type"`
	Input        string         `json:"input"`
	Status       string         `json:"status"`
	Priority     int            `json:"priority"`
	ParentTaskID *uuid.UUID     `json:"parent_task_id,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// SubmitTaskRequest is the payload for submitting a task.
// AgentType may be left empty when the server-side dispatcher is
// enabled; the server then classifies the task from its input.
type SubmitTaskRequest struct {
	AgentType    string         `json:"agent_type,omitempty"`
	Input        string         `json:"input"`
	Priority     *int           `json:"priority,omitempty"`
	ParentTaskID *uuid.UUID     `json:"parent_task_id,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	RiskLevel    *string        `json:"risk_level,omitempty"`
}

// DispatchInfo describes how the server classified an untyped task.
type DispatchInfo struct {
	AgentType  string  `json:"agent_type"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
	FromCache  bool    `json:"from_cache"`
}

// DriftResult is the outcome of the server's goal-drift check.
type DriftResult struct {
	IsDrift           bool       `json:"is_drift"`
	Action            string     `json:"action"`
	SimilarityScore   float64    `json:"similarity_score"`
	MostSimilarTaskID *uuid.UUID `json:"most_similar_task_id,omitempty"`
	AncestorsChecked  int        `json:"ancestors_checked"`
	Reason            string     `json:"reason,omitempty"`
}

// ProposedSubtask is one unit of work held behind a checkpoint.
type ProposedSubtask struct {
	ID        string `json:"id"`
	AgentType string `json:"agent_type"`
	Input     string `json:"input"`
}

// Checkpoint is a pending consensus gate blocking proposed subtasks.
type Checkpoint struct {
	ID               uuid.UUID         `json:"id"`
	TaskID           uuid.UUID         `json:"task_id"`
	ParentTaskID     *uuid.UUID        `json:"parent_task_id,omitempty"`
	ProposedSubtasks []ProposedSubtask `json:"proposed_subtasks"`
	RiskLevel        string            `json:"risk_level"`
	Status           string            `json:"status"`
	ReviewerStrategy string            `json:"reviewer_strategy"`
	ReviewerType     string            `json:"reviewer_type"`
	Decision         *Decision         `json:"decision,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	ExpiresAt        time.Time         `json:"expires_at"`
	DecidedAt        *time.Time        `json:"decided_at,omitempty"`
}

// SubmitTaskResponse is the server's answer to a task submission. When
// Checkpoint is non-nil the task is parked awaiting consensus review and
// Queued is false.
type SubmitTaskResponse struct {
	Task       Task          `json:"task"`
	Queued     bool          `json:"queued"`
	Dispatch   *DispatchInfo `json:"dispatch,omitempty"`
	Drift      *DriftResult  `json:"drift,omitempty"`
	Checkpoint *Checkpoint   `json:"checkpoint,omitempty"`
}

// Decision is a reviewer verdict on a pending checkpoint.
type Decision struct {
	Approved           bool     `json:"approved"`
	ReviewerID         string   `json:"reviewer_id"`
	Reasoning          *string  `json:"reasoning,omitempty"`
	RejectedSubtaskIDs []string `json:"rejected_subtask_ids,omitempty"`
}

// DecisionResponse carries the updated checkpoint and any tasks released
// into the queue by an approval.
type DecisionResponse struct {
	Checkpoint Checkpoint `json:"checkpoint"`
	Released   []Task     `json:"released,omitempty"`
}

// Agent is a live agent instance.
type Agent struct {
	ID        uuid.UUID  `json:"id"`
	Type      string     `json:"type"`
	Name      string     `json:"name"`
	Status    string     `json:"status"`
	SessionID *uuid.UUID `json:"session_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// SpawnAgentRequest is the payload for spawning an agent.
type SpawnAgentRequest struct {
	AgentType string     `json:"agent_type"`
	Name      string     `json:"name,omitempty"`
	SessionID *uuid.UUID `json:"session_id,omitempty"`
}

// AgentMetrics is the resource-consumption record for one agent.
type AgentMetrics struct {
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
	Phase             string     `json:"phase"`
	PausedAt          *time.Time `json:"paused_at,omitempty"`
	PauseReason       *string    `json:"pause_reason,omitempty"`
}

// Evaluation is the exhaustion phase verdict returned after recording
// usage.
type Evaluation struct {
	AgentID     uuid.UUID          `json:"agent_id"`
	Phase       string             `json:"phase"`
	TriggeredBy string             `json:"triggered_by,omitempty"`
	Ratios      map[string]float64 `json:"ratios"`
}

// SimilarTask pairs a task with its similarity score from vector search.
type SimilarTask struct {
	Task  Task    `json:"task"`
	Score float32 `json:"score"`
}

// Identity is a persistent agent identity with its lifecycle state.
type Identity struct {
	AgentID          uuid.UUID      `json:"agent_id"`
	AgentType        string         `json:"agent_type"`
	Status           string         `json:"status"`
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

// CreateIdentityRequest is the payload for registering an identity.
type CreateIdentityRequest struct {
	AgentType    string         `json:"agent_type"`
	Capabilities []string       `json:"capabilities,omitempty"`
	DisplayName  *string        `json:"display_name,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	AutoActivate bool           `json:"auto_activate,omitempty"`
}

// UpdateIdentityRequest carries partial identity updates. Nil or empty
// fields are left unchanged.
type UpdateIdentityRequest struct {
	Capabilities []string       `json:"capabilities,omitempty"`
	DisplayName  *string        `json:"display_name,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// AuditEntry is one hash-chained record from an identity's audit trail.
type AuditEntry struct {
	ID             uuid.UUID      `json:"id"`
	AgentID        uuid.UUID      `json:"agent_id"`
	Action         string         `json:"action"`
	PreviousStatus *string        `json:"previous_status,omitempty"`
	NewStatus      *string        `json:"new_status,omitempty"`
	Reason         *string        `json:"reason,omitempty"`
	ActorID        *string        `json:"actor_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	ContentHash    string         `json:"content_hash"`
	Timestamp      time.Time      `json:"timestamp"`
}

// DriftEvent records one drift-detection outcome.
type DriftEvent struct {
	ID              uuid.UUID  `json:"id"`
	TaskID          *uuid.UUID `json:"task_id,omitempty"`
	TaskType        string     `json:"task_type"`
	AncestorTaskID  uuid.UUID  `json:"ancestor_task_id"`
	SimilarityScore float64    `json:"similarity_score"`
	Threshold       float64    `json:"threshold"`
	ActionTaken     string     `json:"action_taken"`
	TaskInput       *string    `json:"task_input,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// DriftStats aggregates drift event counts.
type DriftStats struct {
	Total     int `json:"total"`
	Prevented int `json:"prevented"`
	Warned    int `json:"warned"`
}

// Status is the server's operational snapshot from GET /status.
type Status struct {
	Coordinator   CoordinatorStatus `json:"coordinator"`
	TrackedAgents int               `json:"tracked_agents"`
	Subscribers   int               `json:"subscribers"`
	DispatchCache int               `json:"dispatch_cache"`
}

// CoordinatorStatus describes the task loop's current load.
type CoordinatorStatus struct {
	Coordinator *Agent      `json:"coordinator,omitempty"`
	Workers     []Agent     `json:"workers"`
	Queue       QueueStatus `json:"queue"`
}

// QueueStatus reports the queue's queued/processing partitions.
type QueueStatus struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Total      int `json:"total"`
}
