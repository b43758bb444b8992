// Package rookery provides a Go client for the Rookery agent
// orchestration API.
package rookery

import "fmt"

// Error represents an error from the Rookery API with the HTTP status
// code and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("rookery: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.StatusCode == 404
	}
	return false
}

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.StatusCode == 401
	}
	return false
}

// IsConflict returns true if the error is a 409. Task submissions
// blocked by drift prevention surface this way.
func IsConflict(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.StatusCode == 409
	}
	return false
}

// IsCapacity returns true if the error is a 503 capacity rejection from
// the spawner's hard agent ceiling.
func IsCapacity(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.StatusCode == 503 && e.Code == "CAPACITY_EXHAUSTED"
	}
	return false
}
