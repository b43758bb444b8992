// Package events defines the fire-and-forget named-event sink used by the
// coordination core.
//
// Emit must never block the caller and must never propagate a failure:
// delivery problems in a notification sink cannot be allowed to affect
// core state. Implementations that do real I/O (SSE broker, Postgres
// NOTIFY, webhooks) swallow and log their own errors.
package events

import (
	"log/slog"
	"sync"
)

// Emitter publishes a named event with an arbitrary payload.
// Implementations must be safe for concurrent use.
type Emitter interface {
	Emit(event string, payload any)
}

// Noop discards every event. Used when no sink is configured.
type Noop struct{}

// Emit discards the event.
func (Noop) Emit(string, any) {}

// Func adapts a function to the Emitter interface.
type Func func(event string, payload any)

// Emit calls the wrapped function.
func (f Func) Emit(event string, payload any) { f(event, payload) }

// Fanout delivers each event to every registered emitter. A panicking
// sink is isolated and logged; remaining sinks still receive the event.
type Fanout struct {
	logger *slog.Logger

	mu    sync.RWMutex
	sinks []Emitter
}

// NewFanout creates a fanout with the given sinks.
func NewFanout(logger *slog.Logger, sinks ...Emitter) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{logger: logger, sinks: sinks}
}

// Add registers another sink.
func (f *Fanout) Add(e Emitter) {
	f.mu.Lock()
	f.sinks = append(f.sinks, e)
	f.mu.Unlock()
}

// Emit delivers the event to all sinks.
func (f *Fanout) Emit(event string, payload any) {
	f.mu.RLock()
	sinks := make([]Emitter, len(f.sinks))
	copy(sinks, f.sinks)
	f.mu.RUnlock()

	for _, s := range sinks {
		f.deliver(s, event, payload)
	}
}

func (f *Fanout) deliver(s Emitter, event string, payload any) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Warn("events: sink panicked", "event", event, "panic", r)
		}
	}()
	s.Emit(event, payload)
}
