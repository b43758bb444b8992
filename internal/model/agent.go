package model

import (
	"time"

	"github.com/google/uuid"
)

// AgentStatus represents the lifecycle state of a spawned agent instance.
//
// Spawned agents deliberately carry no enforced transition table — any
// status can be set at any time. The closed enum exists so callers cannot
// introduce a typo'd status; stricter lifecycle rules are layered on top
// by the governance services.
type AgentStatus string

const (
	AgentStatusIdle      AgentStatus = "idle"
	AgentStatusRunning   AgentStatus = "running"
	AgentStatusCompleted AgentStatus = "completed"
	AgentStatusFailed    AgentStatus = "failed"
	AgentStatusStopped   AgentStatus = "stopped"
)

// ValidAgentStatus reports whether s is a recognized agent status.
func ValidAgentStatus(s AgentStatus) bool {
	switch s {
	case AgentStatusIdle, AgentStatusRunning, AgentStatusCompleted,
		AgentStatusFailed, AgentStatusStopped:
		return true
	}
	return false
}

// AgentDefinition is the immutable static description of an agent type.
type AgentDefinition struct {
	Type         string   `json:"type"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	SystemPrompt string   `json:"system_prompt"`
	Capabilities []string `json:"capabilities"`
}

// SpawnedAgent is an ephemeral worker instance bound to an agent type.
// Created on spawn, destroyed on stop. Name is unique within the live set.
type SpawnedAgent struct {
	ID        uuid.UUID   `json:"id"`
	Type      string      `json:"type"`
	Name      string      `json:"name"`
	Status    AgentStatus `json:"status"`
	SessionID *uuid.UUID  `json:"session_id,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// ChatMessage is one turn in a chat-completion exchange.
type ChatMessage struct {
	Role    string `json:"role"` // system | user | assistant
	Content string `json:"content"`
}

// ExecutionResult is the outcome of running a task on a spawned agent.
type ExecutionResult struct {
	AgentID  uuid.UUID     `json:"agent_id"`
	Response string        `json:"response"`
	Model    string        `json:"model"`
	Duration time.Duration `json:"duration_ms"`
}
