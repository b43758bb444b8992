// Package llm provides chat-completion providers for agent execution and
// smart dispatch.
//
// The Provider interface is the only thing the coordination core sees; a
// provider that is not installed or not configured reports ErrUnavailable,
// which callers must distinguish from a generic call failure.
package llm

import (
	"context"
	"errors"

	"github.com/rookery-ai/rookery/internal/model"
)

// ErrUnavailable indicates the provider is not configured or not
// installed, as opposed to a transient call failure.
var ErrUnavailable = errors.New("llm: provider unavailable")

// Options tune a single chat-completion call. Zero values fall back to
// provider defaults.
type Options struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

// Completion is the result of a chat call.
type Completion struct {
	Content string
	Model   string
}

// Provider produces chat completions. Implementations must be safe for
// concurrent use.
type Provider interface {
	Chat(ctx context.Context, messages []model.ChatMessage, opts Options) (Completion, error)
}

// AvailabilityChecker is optionally implemented by providers that can
// verify availability without spending a completion call (e.g. a CLI
// wrapper checking the binary exists). Callers probe before flipping an
// agent into the running state.
type AvailabilityChecker interface {
	Available(ctx context.Context) error
}

// Noop always reports ErrUnavailable. Used when no provider is configured.
type Noop struct{}

// Chat returns ErrUnavailable.
func (Noop) Chat(context.Context, []model.ChatMessage, Options) (Completion, error) {
	return Completion{}, ErrUnavailable
}

// Available returns ErrUnavailable.
func (Noop) Available(context.Context) error { return ErrUnavailable }
