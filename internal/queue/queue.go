// Package queue implements the priority task queue at the heart of the
// coordination core.
//
// Entries live in exactly one of two partitions: queued or processing.
// Dequeue order is priority-then-insertion-order (stable). Requeue after
// a failure demotes the entry's priority by one, so a poison task that
// fails repeatedly sinks monotonically and cannot starve the queue.
package queue

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/rookery-ai/rookery/internal/events"
	"github.com/rookery-ai/rookery/internal/model"
	"github.com/rookery-ai/rookery/internal/telemetry"
)

// Event names emitted through the queue's notifier.
const (
	EventTaskAdded     = "queue:task:added"
	EventTaskCompleted = "queue:task:completed"
	EventQueueEmpty    = "queue:empty"
)

// Entry wraps a task with its mutable queue state.
type Entry struct {
	Task       model.Task `json:"task"`
	Priority   int        `json:"priority"`
	AssignedTo *uuid.UUID `json:"assigned_to,omitempty"`

	seq uint64 // insertion order, for stable priority ties
}

// Status holds partition counts.
type Status struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Total      int `json:"total"`
}

// TaskQueue is a priority queue with queued/processing partitions.
// Safe for concurrent use.
type TaskQueue struct {
	mu         sync.Mutex
	queued     []*Entry
	processing map[uuid.UUID]*Entry
	nextSeq    uint64
	emitter    events.Emitter
	enqueued   metric.Int64Counter
}

// New creates an empty task queue. The emitter receives task-added,
// task-completed and queue-empty notifications; pass events.Noop{} to
// disable them.
func New(emitter events.Emitter) *TaskQueue {
	if emitter == nil {
		emitter = events.Noop{}
	}
	meter := telemetry.Meter("rookery/queue")
	enqueued, _ := meter.Int64Counter("rookery.queue.enqueued",
		metric.WithDescription("Number of tasks enqueued"),
	)
	return &TaskQueue{
		processing: make(map[uuid.UUID]*Entry),
		emitter:    emitter,
		enqueued:   enqueued,
	}
}

// Enqueue inserts a task into the queued partition with the given priority.
func (q *TaskQueue) Enqueue(task model.Task, priority int) *Entry {
	q.mu.Lock()
	e := &Entry{Task: task, Priority: priority, seq: q.nextSeq}
	q.nextSeq++
	q.queued = append(q.queued, e)
	q.mu.Unlock()

	q.enqueued.Add(context.Background(), 1)
	q.emitter.Emit(EventTaskAdded, map[string]any{
		"task_id":  task.ID,
		"priority": priority,
	})
	return e
}

// Dequeue removes and returns the highest-priority queued entry, moving it
// to the processing partition. Ties are broken by insertion order. When
// agentType is non-empty, only entries whose task matches are considered.
// Returns nil when no entry matches.
func (q *TaskQueue) Dequeue(agentType string) *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	best := -1
	for i, e := range q.queued {
		if agentType != "" && e.Task.AgentType != agentType {
			continue
		}
		if best == -1 || e.Priority > q.queued[best].Priority ||
			(e.Priority == q.queued[best].Priority && e.seq < q.queued[best].seq) {
			best = i
		}
	}
	if best == -1 {
		return nil
	}

	e := q.queued[best]
	q.queued = append(q.queued[:best], q.queued[best+1:]...)
	e.Task.Status = model.TaskStatusProcessing
	q.processing[e.Task.ID] = e
	return e
}

// Assign records the agent that claimed a processing entry.
// Returns false if the task is not in the processing partition.
func (q *TaskQueue) Assign(taskID, agentID uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.processing[taskID]
	if !ok {
		return false
	}
	e.AssignedTo = &agentID
	e.Task.Status = model.TaskStatusAssigned
	return true
}

// Complete removes a processing entry. Emits a queue-empty notification
// when both partitions drain. Returns false if the task is not processing.
func (q *TaskQueue) Complete(taskID uuid.UUID) bool {
	q.mu.Lock()
	_, ok := q.processing[taskID]
	if !ok {
		q.mu.Unlock()
		return false
	}
	delete(q.processing, taskID)
	empty := len(q.queued) == 0 && len(q.processing) == 0
	q.mu.Unlock()

	q.emitter.Emit(EventTaskCompleted, map[string]any{"task_id": taskID})
	if empty {
		q.emitter.Emit(EventQueueEmpty, nil)
	}
	return true
}

// Requeue moves a processing entry back to queued, demoting its priority
// by one (floored at model.MinPriority). The retry-with-priority-penalty
// policy: repeated failures monotonically lower priority.
// Returns false if the task is not processing.
func (q *TaskQueue) Requeue(taskID uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.processing[taskID]
	if !ok {
		return false
	}
	delete(q.processing, taskID)

	if e.Priority > model.MinPriority {
		e.Priority--
	}
	e.AssignedTo = nil
	e.Task.Status = model.TaskStatusPending
	e.seq = q.nextSeq
	q.nextSeq++
	q.queued = append(q.queued, e)
	return true
}

// Peek returns up to limit queued entries in dequeue order without
// removing them. limit <= 0 returns all.
func (q *TaskQueue) Peek(limit int) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	snapshot := make([]Entry, len(q.queued))
	for i, e := range q.queued {
		snapshot[i] = *e
	}
	// Priority descending, insertion order within equal priorities.
	for i := 1; i < len(snapshot); i++ {
		for j := i; j > 0; j-- {
			a, b := snapshot[j-1], snapshot[j]
			if b.Priority > a.Priority || (b.Priority == a.Priority && b.seq < a.seq) {
				snapshot[j-1], snapshot[j] = b, a
			} else {
				break
			}
		}
	}
	if limit > 0 && limit < len(snapshot) {
		snapshot = snapshot[:limit]
	}
	return snapshot
}

// Processing returns a snapshot of the processing partition.
func (q *TaskQueue) Processing() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	snapshot := make([]Entry, 0, len(q.processing))
	for _, e := range q.processing {
		snapshot = append(snapshot, *e)
	}
	return snapshot
}

// Status returns partition counts.
func (q *TaskQueue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Status{
		Queued:     len(q.queued),
		Processing: len(q.processing),
		Total:      len(q.queued) + len(q.processing),
	}
}

// Clear empties both partitions. Test/reset hook.
func (q *TaskQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queued = nil
	q.processing = make(map[uuid.UUID]*Entry)
}
