package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/rookery-ai/rookery/internal/storage"
)

// Broker fans out orchestration events to SSE subscribers. It merges two
// sources: Postgres LISTEN/NOTIFY payloads (task and checkpoint changes
// visible across instances) and in-process events published via Publish.
type Broker struct {
	db     *storage.DB
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]struct{}
}

// NewBroker creates a new SSE broker. db may be nil, in which case only
// in-process events are delivered. Call Start to begin listening.
func NewBroker(db *storage.DB, logger *slog.Logger) *Broker {
	return &Broker{
		db:          db,
		logger:      logger,
		subscribers: make(map[chan []byte]struct{}),
	}
}

// Start begins listening on the task and checkpoint channels.
// It blocks, so call it in a goroutine. Returns when ctx is cancelled.
func (b *Broker) Start(ctx context.Context) {
	if b.db == nil {
		return
	}

	if err := b.db.Listen(ctx, storage.ChannelTasks); err != nil {
		b.logger.Error("broker: listen tasks", "error", err)
		return
	}
	if err := b.db.Listen(ctx, storage.ChannelCheckpoints); err != nil {
		b.logger.Error("broker: listen checkpoints", "error", err)
		return
	}

	b.logger.Info("broker: listening for notifications",
		"channels", []string{storage.ChannelTasks, storage.ChannelCheckpoints})

	for {
		channel, payload, err := b.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // Shutting down.
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			continue
		}

		b.broadcast(formatSSE(channel, payload))
	}
}

// Emit delivers an in-process event to all SSE subscribers. It
// satisfies events.Emitter, so the broker can be wired as a fanout sink
// and stream queue, spawner and governance events without a DB round-trip.
func (b *Broker) Emit(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Warn("broker: marshal event payload", "event", event, "error", err)
		return
	}
	b.broadcast(formatSSE(event, string(data)))
}

// Subscribe returns a channel that receives SSE-formatted events.
// The caller must call Unsubscribe when done.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 64) // Buffer to avoid blocking the broadcast loop.
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// broadcast sends an event to all subscribers. Slow subscribers with a
// full buffer are skipped (their event is dropped) to prevent one slow
// client from blocking all others.
func (b *Broker) broadcast(event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// Subscriber buffer full, drop this event for them.
		}
	}
}

// formatSSE formats a notification as a Server-Sent Events message.
func formatSSE(eventType, data string) []byte {
	// SSE format: "event: <type>\ndata: <payload>\n\n"
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}
