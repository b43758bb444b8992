// Package coordinator implements the hierarchical coordinator that
// consumes the task queue and spawns worker agents in response to queue
// pressure.
//
// One coordinator agent record fronts a bounded set of workers. Workers
// report completion and failure over the message bus; the coordinator
// frees the slot and pulls the next matching queued task for that worker
// (work continues within the worker's type, not across types).
package coordinator

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/rookery-ai/rookery/internal/bus"
	"github.com/rookery-ai/rookery/internal/model"
	"github.com/rookery-ai/rookery/internal/queue"
	"github.com/rookery-ai/rookery/internal/registry"
)

// DefaultMaxWorkers bounds concurrent worker agents per coordinator.
const DefaultMaxWorkers = 5

// Bus message types the coordinator understands. Anything else is
// ignored, not an error — late and duplicate messages are expected.
const (
	MsgTaskAssigned  = "task:assigned"
	MsgTaskCompleted = "task:completed"
	MsgTaskFailed    = "task:failed"
	MsgWorkerReady   = "worker:ready"
)

// coordinatorAgentType is the persona the coordinator itself runs as.
const coordinatorAgentType = "coordinator"

// Status is a read-only snapshot of the coordinator's state.
type Status struct {
	Coordinator *model.SpawnedAgent  `json:"coordinator,omitempty"`
	Workers     []model.SpawnedAgent `json:"workers"`
	Queue       queue.Status         `json:"queue"`
}

// Coordinator spawns and retires workers against queue pressure.
type Coordinator struct {
	queue      *queue.TaskQueue
	bus        *bus.MessageBus
	spawner    *registry.Spawner
	logger     *slog.Logger
	maxWorkers int

	mu          sync.Mutex
	coordinator *model.SpawnedAgent
	workers     map[uuid.UUID]model.SpawnedAgent
	unsubscribe func()
}

// New creates a coordinator. maxWorkers <= 0 selects DefaultMaxWorkers.
func New(q *queue.TaskQueue, b *bus.MessageBus, sp *registry.Spawner, logger *slog.Logger, maxWorkers int) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}
	return &Coordinator{
		queue:      q,
		bus:        b,
		spawner:    sp,
		logger:     logger,
		maxWorkers: maxWorkers,
		workers:    make(map[uuid.UUID]model.SpawnedAgent),
	}
}

// Initialize spawns the coordinator agent record and subscribes it to
// the bus. Calling twice is an error; call Shutdown in between.
func (c *Coordinator) Initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.coordinator != nil {
		return fmt.Errorf("coordinator: already initialized")
	}

	agent, err := c.spawner.Spawn(coordinatorAgentType, registry.SpawnOptions{})
	if err != nil {
		return fmt.Errorf("coordinator: spawn coordinator agent: %w", err)
	}
	c.coordinator = &agent
	c.unsubscribe = c.bus.Subscribe(agent.ID.String(), c.handleMessage)

	c.logger.Info("coordinator: initialized", "coordinator_id", agent.ID, "max_workers", c.maxWorkers)
	return nil
}

// SubmitTask enqueues a task and, when worker capacity allows, spawns a
// worker and assigns the next matching queued task to it immediately.
// Over capacity, the task simply waits in the queue.
func (c *Coordinator) SubmitTask(task model.Task, priority int) error {
	c.mu.Lock()
	initialized := c.coordinator != nil
	c.mu.Unlock()
	if !initialized {
		return fmt.Errorf("coordinator: not initialized")
	}

	c.queue.Enqueue(task, priority)

	c.mu.Lock()
	hasCapacity := len(c.workers) < c.maxWorkers
	c.mu.Unlock()
	if !hasCapacity {
		return nil
	}

	worker, err := c.spawner.Spawn(task.AgentType, registry.SpawnOptions{})
	if err != nil {
		// Spawner capacity is separate from worker capacity; the task
		// stays queued and will be picked up when a worker frees.
		c.logger.Warn("coordinator: spawn worker failed, task queued", "agent_type", task.AgentType, "error", err)
		return nil
	}

	c.mu.Lock()
	c.workers[worker.ID] = worker
	c.mu.Unlock()

	c.assignNext(worker)
	return nil
}

// assignNext pulls the highest-priority queued task matching the
// worker's type and assigns it. Dequeue moves the entry to processing
// atomically, so an entry can never be double-assigned. Returns false
// when no matching task is queued.
func (c *Coordinator) assignNext(worker model.SpawnedAgent) bool {
	entry := c.queue.Dequeue(worker.Type)
	if entry == nil {
		return false
	}
	if !c.queue.Assign(entry.Task.ID, worker.ID) {
		c.logger.Warn("coordinator: assign failed", "task_id", entry.Task.ID, "worker_id", worker.ID)
		return false
	}

	from := ""
	c.mu.Lock()
	if c.coordinator != nil {
		from = c.coordinator.ID.String()
	}
	c.mu.Unlock()

	c.bus.Send(from, worker.ID.String(), MsgTaskAssigned, map[string]any{
		"task_id":    entry.Task.ID,
		"agent_type": entry.Task.AgentType,
		"input":      entry.Task.Input,
	})
	return true
}

// retireWorker stops an idle worker and frees its capacity slot.
func (c *Coordinator) retireWorker(id uuid.UUID) {
	c.mu.Lock()
	delete(c.workers, id)
	c.mu.Unlock()
	c.spawner.Stop(id)
}

// handleMessage reacts to worker reports. Messages from untracked
// senders and unknown message types are dropped silently.
func (c *Coordinator) handleMessage(msg bus.Message) {
	senderID, err := uuid.Parse(msg.From)
	if err != nil {
		return
	}

	c.mu.Lock()
	worker, tracked := c.workers[senderID]
	c.mu.Unlock()
	if !tracked {
		return
	}

	switch msg.Type {
	case MsgTaskCompleted, MsgTaskFailed:
		taskID, ok := taskIDFromPayload(msg.Payload)
		if ok {
			if msg.Type == MsgTaskCompleted {
				c.queue.Complete(taskID)
			} else {
				c.queue.Requeue(taskID)
			}
		}
		// No further work of this worker's type: retire it so the
		// capacity slot goes back to the pool.
		if !c.assignNext(worker) {
			c.retireWorker(worker.ID)
		}
	case MsgWorkerReady:
		c.assignNext(worker)
	default:
		// Unknown message type: tolerated.
	}
}

// taskIDFromPayload extracts a task id from a bus payload of either
// map form or a raw uuid.
func taskIDFromPayload(payload any) (uuid.UUID, bool) {
	switch v := payload.(type) {
	case map[string]any:
		raw, ok := v["task_id"]
		if !ok {
			return uuid.Nil, false
		}
		switch id := raw.(type) {
		case uuid.UUID:
			return id, true
		case string:
			parsed, err := uuid.Parse(id)
			return parsed, err == nil
		}
	case uuid.UUID:
		return v, true
	}
	return uuid.Nil, false
}

// Shutdown stops all workers, clears local state, and unsubscribes from
// the bus. Safe to call before Initialize and safe to call repeatedly.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	workers := c.workers
	c.workers = make(map[uuid.UUID]model.SpawnedAgent)
	coord := c.coordinator
	c.coordinator = nil
	unsub := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	for id := range workers {
		c.spawner.Stop(id)
	}
	if coord != nil {
		c.spawner.Stop(coord.ID)
	}
	if unsub != nil {
		unsub()
	}
}

// Status returns a snapshot of the coordinator, its workers, and the
// queue counts.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	var coord *model.SpawnedAgent
	if c.coordinator != nil {
		cp := *c.coordinator
		coord = &cp
	}
	workers := make([]model.SpawnedAgent, 0, len(c.workers))
	for _, w := range c.workers {
		workers = append(workers, w)
	}
	c.mu.Unlock()

	return Status{Coordinator: coord, Workers: workers, Queue: c.queue.Status()}
}
