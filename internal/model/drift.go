package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// DriftAction is the outcome of a drift check.
type DriftAction string

const (
	DriftAllowed   DriftAction = "allowed"
	DriftWarned    DriftAction = "warned"
	DriftPrevented DriftAction = "prevented"
)

// DriftEvent is an immutable log row recording a detected drift outcome.
// Drift events intentionally survive deletion of the task they reference;
// the task_id column carries no foreign key so metrics history is preserved.
type DriftEvent struct {
	ID              uuid.UUID   `json:"id"`
	TaskID          *uuid.UUID  `json:"task_id,omitempty"`
	TaskType        string      `json:"task_type"`
	AncestorTaskID  uuid.UUID   `json:"ancestor_task_id"`
	SimilarityScore float64     `json:"similarity_score"`
	Threshold       float64     `json:"threshold"`
	ActionTaken     DriftAction `json:"action_taken"`
	TaskInput       *string     `json:"task_input,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
}

// TaskEmbedding is the stored semantic vector for a task's input text.
// One per task; overwritten on reindex; cascade-deleted with the task.
type TaskEmbedding struct {
	TaskID     uuid.UUID       `json:"task_id"`
	Embedding  pgvector.Vector `json:"-"`
	Model      string          `json:"model"`
	Dimensions int             `json:"dimensions"`
	CreatedAt  time.Time       `json:"created_at"`
}
