package model

import (
	"fmt"
	"time"
)

// Field length limits for caller-supplied text.
// These keep a single oversized field from exhausting the embedding
// pipeline or filling TEXT columns with caller-controlled garbage.
const (
	MaxAgentTypeLen = 100
	MaxTaskInputLen = 64 * 1024 // 64 KB
	MaxReasonLen    = 4 * 1024
)

// MinPriority and MaxPriority bound task queue priorities. Requeue
// demotion clamps at MinPriority.
const (
	MinPriority     = 0
	MaxPriority     = 10
	DefaultPriority = 5
)

// ValidateTaskInput checks per-field limits on a task submission.
func ValidateTaskInput(agentType, input string, priority int) error {
	if input == "" {
		return fmt.Errorf("input is required")
	}
	if len(input) > MaxTaskInputLen {
		return fmt.Errorf("input exceeds maximum length of %d bytes", MaxTaskInputLen)
	}
	if len(agentType) > MaxAgentTypeLen {
		return fmt.Errorf("agent_type exceeds maximum length of %d characters", MaxAgentTypeLen)
	}
	if priority < MinPriority || priority > MaxPriority {
		return fmt.Errorf("priority must be between %d and %d", MinPriority, MaxPriority)
	}
	return nil
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   *int         `json:"total,omitempty"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeCapacity      = "CAPACITY_EXHAUSTED"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)
