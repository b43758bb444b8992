// Package bus implements the in-process publish/subscribe message bus
// used for coordinator/worker communication.
//
// Delivery is synchronous and best-effort: no persistence, no ordering
// guarantee across different recipients. A single recipient observes its
// own messages in send order. A panicking handler is isolated per-handler
// and reported through the error hook — one failing subscriber must not
// block delivery to the others.
package bus

import (
	"fmt"
	"sync"
	"time"
)

// Message is one envelope delivered over the bus. To is empty for
// broadcasts.
type Message struct {
	ID      uint64    `json:"id"`
	From    string    `json:"from"`
	To      string    `json:"to,omitempty"`
	Type    string    `json:"type"`
	Payload any       `json:"payload,omitempty"`
	SentAt  time.Time `json:"sent_at"`
}

// Handler consumes a delivered message.
type Handler func(msg Message)

// ErrorHandler receives normalized handler failures.
type ErrorHandler func(addr string, msg Message, err error)

type subscriber struct {
	id      uint64
	handler Handler
}

// MessageBus routes messages between logical addresses (agent IDs).
// Safe for concurrent use.
type MessageBus struct {
	mu          sync.Mutex
	subs        map[string][]subscriber
	allSubs     []subscriber
	errHandlers []ErrorHandler
	nextMsgID   uint64
	nextSubID   uint64
	msgCount    uint64
}

// New creates an empty message bus.
func New() *MessageBus {
	return &MessageBus{subs: make(map[string][]subscriber)}
}

// Send delivers a message synchronously to every subscriber of to, plus
// all subscribe-all handlers. Returns the delivered message.
func (b *MessageBus) Send(from, to, msgType string, payload any) Message {
	b.mu.Lock()
	b.nextMsgID++
	b.msgCount++
	msg := Message{
		ID:      b.nextMsgID,
		From:    from,
		To:      to,
		Type:    msgType,
		Payload: payload,
		SentAt:  time.Now().UTC(),
	}
	targets := b.collectLocked(to)
	b.mu.Unlock()

	for _, s := range targets {
		b.deliver(to, s, msg)
	}
	return msg
}

// Broadcast delivers a message to every current subscriber regardless of
// address. The To field is left empty.
func (b *MessageBus) Broadcast(from, msgType string, payload any) Message {
	b.mu.Lock()
	b.nextMsgID++
	b.msgCount++
	msg := Message{
		ID:      b.nextMsgID,
		From:    from,
		Type:    msgType,
		Payload: payload,
		SentAt:  time.Now().UTC(),
	}
	type target struct {
		addr string
		sub  subscriber
	}
	var targets []target
	for addr, subs := range b.subs {
		for _, s := range subs {
			targets = append(targets, target{addr, s})
		}
	}
	for _, s := range b.allSubs {
		targets = append(targets, target{"*", s})
	}
	b.mu.Unlock()

	for _, t := range targets {
		b.deliver(t.addr, t.sub, msg)
	}
	return msg
}

// collectLocked gathers direct subscribers of addr plus subscribe-all
// handlers. Caller holds b.mu.
func (b *MessageBus) collectLocked(addr string) []subscriber {
	targets := make([]subscriber, 0, len(b.subs[addr])+len(b.allSubs))
	targets = append(targets, b.subs[addr]...)
	targets = append(targets, b.allSubs...)
	return targets
}

// deliver invokes one handler, converting a panic into an error-hook call.
func (b *MessageBus) deliver(addr string, s subscriber, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("bus: handler panic: %v", r)
			}
			b.mu.Lock()
			hooks := make([]ErrorHandler, len(b.errHandlers))
			copy(hooks, b.errHandlers)
			b.mu.Unlock()
			for _, h := range hooks {
				h(addr, msg, err)
			}
		}
	}()
	s.handler(msg)
}

// Subscribe registers a handler for an address. The returned closure
// removes exactly this handler.
func (b *MessageBus) Subscribe(addr string, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextSubID++
	id := b.nextSubID
	b.subs[addr] = append(b.subs[addr], subscriber{id: id, handler: h})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[addr]
		for i, s := range subs {
			if s.id == id {
				b.subs[addr] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(b.subs[addr]) == 0 {
			delete(b.subs, addr)
		}
	}
}

// SubscribeAll registers a handler invoked for every message on the bus.
func (b *MessageBus) SubscribeAll(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextSubID++
	id := b.nextSubID
	b.allSubs = append(b.allSubs, subscriber{id: id, handler: h})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.allSubs {
			if s.id == id {
				b.allSubs = append(b.allSubs[:i], b.allSubs[i+1:]...)
				break
			}
		}
	}
}

// OnError registers a hook for handler failures.
func (b *MessageBus) OnError(h ErrorHandler) {
	b.mu.Lock()
	b.errHandlers = append(b.errHandlers, h)
	b.mu.Unlock()
}

// Unsubscribe removes every handler registered for addr.
func (b *MessageBus) Unsubscribe(addr string) {
	b.mu.Lock()
	delete(b.subs, addr)
	b.mu.Unlock()
}

// SubscriberCount returns the number of registered handlers, including
// subscribe-all handlers.
func (b *MessageBus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.allSubs)
	for _, subs := range b.subs {
		n += len(subs)
	}
	return n
}

// MessageCount returns the total number of messages sent since creation
// or the last Clear.
func (b *MessageBus) MessageCount() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.msgCount
}

// Clear drops all subscribers and resets the message counter.
func (b *MessageBus) Clear() {
	b.mu.Lock()
	b.subs = make(map[string][]subscriber)
	b.allSubs = nil
	b.errHandlers = nil
	b.msgCount = 0
	b.mu.Unlock()
}
