// Package model defines the core domain types for Rookery.
//
// Types correspond directly to database tables and bus payloads.
// Strong typing throughout (UUIDs, time.Time, enums); interface{} is
// reserved for caller-supplied metadata.
package model

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusAssigned   TaskStatus = "assigned"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Task is a unit of work routed to an agent. Owned by the queue while
// queued/processing; ownership transfers to the assignee once assigned.
type Task struct {
	ID           uuid.UUID      `json:"id"`
	AgentType    string         `json:"agent_type"`
	Input        string         `json:"input"`
	Status       TaskStatus     `json:"status"`
	Priority     int            `json:"priority"`
	ParentTaskID *uuid.UUID     `json:"parent_task_id,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// RelationshipType classifies an edge between two tasks.
type RelationshipType string

const (
	RelationshipParentOf    RelationshipType = "parent_of"
	RelationshipDerivedFrom RelationshipType = "derived_from"
	RelationshipBlockedBy   RelationshipType = "blocked_by"
)

// TaskRelationship is a directed edge in the task graph. Duplicate
// (from, to, type) tuples collapse to the existing row on insert.
// Cascade-deleted when either endpoint task is deleted.
type TaskRelationship struct {
	ID               uuid.UUID        `json:"id"`
	FromTaskID       uuid.UUID        `json:"from_task_id"`
	ToTaskID         uuid.UUID        `json:"to_task_id"`
	RelationshipType RelationshipType `json:"relationship_type"`
	Metadata         map[string]any   `json:"metadata,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}
