package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/rookery-ai/rookery/internal/events"
	"github.com/rookery-ai/rookery/internal/llm"
	"github.com/rookery-ai/rookery/internal/model"
)

// DefaultMaxAgents is the hard ceiling on live agent records. Exceeding
// it fails immediately — spawn requests never queue.
const DefaultMaxAgents = 20

// DefaultMaxConcurrentCalls caps simultaneous outbound LLM calls.
// Unlike the spawn ceiling, callers over this limit block until a slot
// frees.
const DefaultMaxConcurrentCalls = 20

// poolCapacityPerType bounds the reusable-instance pool. The pool is an
// optimization only; misses construct a fresh instance.
const poolCapacityPerType = 10

// Event names emitted by the spawner.
const (
	EventAgentSpawned = "agent:spawned"
	EventAgentStopped = "agent:stopped"
)

// UnknownAgentTypeError indicates a spawn request for an unregistered type.
type UnknownAgentTypeError struct {
	AgentType string
}

func (e *UnknownAgentTypeError) Error() string {
	return fmt.Sprintf("spawner: unknown agent type %q", e.AgentType)
}

// CapacityError indicates the live-agent ceiling has been reached.
type CapacityError struct {
	Limit int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("spawner: agent capacity exceeded (limit %d)", e.Limit)
}

// SpawnOptions tune a single spawn.
type SpawnOptions struct {
	Name      string // empty generates "<type>-<short id>"
	SessionID *uuid.UUID
}

// pooledInstance is a reusable shell for an agent instance. Pooling
// amortizes per-instance setup; it carries no conversation state.
type pooledInstance struct {
	agentType string
	createdAt time.Time
}

// Spawner tracks live agent instances, enforces the spawn ceiling and
// name uniqueness, and runs task execution against the bound LLM
// provider under a blocking concurrency semaphore.
type Spawner struct {
	registry  *Registry
	provider  llm.Provider
	logger    *slog.Logger
	emitter   events.Emitter
	maxAgents int

	// callSem bounds concurrent outbound LLM calls. Acquire blocks when
	// exhausted; the hard spawn ceiling above fails immediately instead.
	callSem *semaphore.Weighted

	mu     sync.Mutex
	agents map[uuid.UUID]*model.SpawnedAgent
	byName map[string]uuid.UUID
	pools  map[string][]*pooledInstance
}

// SpawnerConfig holds construction parameters. Zero values select the
// package defaults.
type SpawnerConfig struct {
	MaxAgents          int
	MaxConcurrentCalls int
}

// NewSpawner creates a spawner bound to a registry and chat provider.
func NewSpawner(reg *Registry, provider llm.Provider, emitter events.Emitter, logger *slog.Logger, cfg SpawnerConfig) *Spawner {
	if logger == nil {
		logger = slog.Default()
	}
	if emitter == nil {
		emitter = events.Noop{}
	}
	if provider == nil {
		provider = llm.Noop{}
	}
	maxAgents := cfg.MaxAgents
	if maxAgents <= 0 {
		maxAgents = DefaultMaxAgents
	}
	maxCalls := cfg.MaxConcurrentCalls
	if maxCalls <= 0 {
		maxCalls = DefaultMaxConcurrentCalls
	}
	return &Spawner{
		registry:  reg,
		provider:  provider,
		logger:    logger,
		emitter:   emitter,
		maxAgents: maxAgents,
		callSem:   semaphore.NewWeighted(int64(maxCalls)),
		agents:    make(map[uuid.UUID]*model.SpawnedAgent),
		byName:    make(map[string]uuid.UUID),
		pools:     make(map[string][]*pooledInstance),
	}
}

// Spawn creates a live agent instance of the given type. Fails with
// *UnknownAgentTypeError for unregistered types, *CapacityError at the
// ceiling, and a plain error on a duplicate name.
func (s *Spawner) Spawn(agentType string, opts SpawnOptions) (model.SpawnedAgent, error) {
	if _, ok := s.registry.Get(agentType); !ok {
		return model.SpawnedAgent{}, &UnknownAgentTypeError{AgentType: agentType}
	}

	s.mu.Lock()
	if len(s.agents) >= s.maxAgents {
		s.mu.Unlock()
		return model.SpawnedAgent{}, &CapacityError{Limit: s.maxAgents}
	}

	id := uuid.New()
	name := opts.Name
	if name == "" {
		name = fmt.Sprintf("%s-%s", agentType, id.String()[:8])
	}
	if _, taken := s.byName[name]; taken {
		s.mu.Unlock()
		return model.SpawnedAgent{}, fmt.Errorf("spawner: agent name %q already in use", name)
	}

	// Pool hit reuses a warmed instance shell; a miss builds fresh.
	if pool := s.pools[agentType]; len(pool) > 0 {
		s.pools[agentType] = pool[:len(pool)-1]
	}

	agent := &model.SpawnedAgent{
		ID:        id,
		Type:      agentType,
		Name:      name,
		Status:    model.AgentStatusIdle,
		SessionID: opts.SessionID,
		CreatedAt: time.Now().UTC(),
	}
	s.agents[id] = agent
	s.byName[name] = id
	s.mu.Unlock()

	s.logger.Debug("spawner: agent spawned", "agent_id", id, "type", agentType, "name", name)
	s.emitter.Emit(EventAgentSpawned, map[string]any{"agent_id": id, "type": agentType, "name": name})
	return *agent, nil
}

// Stop removes an agent from the live set and returns its instance shell
// to the per-type pool (up to capacity). Returns false if the id is not
// live.
func (s *Spawner) Stop(id uuid.UUID) bool {
	s.mu.Lock()
	agent, ok := s.agents[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	agent.Status = model.AgentStatusStopped
	delete(s.agents, id)
	delete(s.byName, agent.Name)
	if pool := s.pools[agent.Type]; len(pool) < poolCapacityPerType {
		s.pools[agent.Type] = append(pool, &pooledInstance{agentType: agent.Type, createdAt: time.Now().UTC()})
	}
	s.mu.Unlock()

	s.emitter.Emit(EventAgentStopped, map[string]any{"agent_id": id})
	return true
}

// Get returns a snapshot of a live agent.
func (s *Spawner) Get(id uuid.UUID) (model.SpawnedAgent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.agents[id]
	if !ok {
		return model.SpawnedAgent{}, false
	}
	return *agent, true
}

// List returns snapshots of all live agents.
func (s *Spawner) List() []model.SpawnedAgent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.SpawnedAgent, 0, len(s.agents))
	for _, agent := range s.agents {
		out = append(out, *agent)
	}
	return out
}

// Count returns the number of live agents.
func (s *Spawner) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.agents)
}

// SetStatus updates a live agent's status. Rejects statuses outside the
// closed enum so callers cannot introduce a typo'd value; no transition
// table is enforced beyond that.
func (s *Spawner) SetStatus(id uuid.UUID, status model.AgentStatus) error {
	if !model.ValidAgentStatus(status) {
		return fmt.Errorf("spawner: invalid agent status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.agents[id]
	if !ok {
		return fmt.Errorf("spawner: agent %s not found", id)
	}
	agent.Status = status
	return nil
}

// ExecuteOptions tune a single agent execution.
type ExecuteOptions struct {
	Context string // optional extra context turn
	llm.Options
}

// Execute runs a task on a live agent: builds the message list from the
// type's system prompt, acquires an LLM-call slot (blocking), flips the
// agent to running, and calls the provider. Provider unavailability is
// surfaced before the agent is marked running; other failures mark the
// agent failed and propagate.
func (s *Spawner) Execute(ctx context.Context, agentID uuid.UUID, task model.Task, opts ExecuteOptions) (model.ExecutionResult, error) {
	s.mu.Lock()
	agent, ok := s.agents[agentID]
	if !ok {
		s.mu.Unlock()
		return model.ExecutionResult{}, fmt.Errorf("spawner: agent %s not found", agentID)
	}
	def, defOK := s.registry.Get(agent.Type)
	s.mu.Unlock()
	if !defOK {
		return model.ExecutionResult{}, &UnknownAgentTypeError{AgentType: agent.Type}
	}

	messages := []model.ChatMessage{{Role: "system", Content: def.SystemPrompt}}
	if opts.Context != "" {
		messages = append(messages, model.ChatMessage{Role: "user", Content: "Context:\n" + opts.Context})
	}
	messages = append(messages, model.ChatMessage{Role: "user", Content: task.Input})

	if err := s.callSem.Acquire(ctx, 1); err != nil {
		return model.ExecutionResult{}, fmt.Errorf("spawner: acquire call slot: %w", err)
	}
	defer s.callSem.Release(1)

	// An unavailable provider must surface before the status flip.
	if checker, ok := s.provider.(llm.AvailabilityChecker); ok {
		if err := checker.Available(ctx); err != nil {
			return model.ExecutionResult{}, fmt.Errorf("spawner: provider check: %w", err)
		}
	}

	if err := s.SetStatus(agentID, model.AgentStatusRunning); err != nil {
		return model.ExecutionResult{}, err
	}

	start := time.Now()
	completion, err := s.provider.Chat(ctx, messages, opts.Options)
	if err != nil {
		// Unavailable means the call never started; the agent goes back
		// to idle rather than failed.
		if isUnavailable(err) {
			_ = s.SetStatus(agentID, model.AgentStatusIdle)
			return model.ExecutionResult{}, err
		}
		_ = s.SetStatus(agentID, model.AgentStatusFailed)
		return model.ExecutionResult{}, fmt.Errorf("spawner: execute agent %s: %w", agentID, err)
	}

	_ = s.SetStatus(agentID, model.AgentStatusIdle)
	return model.ExecutionResult{
		AgentID:  agentID,
		Response: completion.Content,
		Model:    completion.Model,
		Duration: time.Since(start),
	}, nil
}

func isUnavailable(err error) bool {
	return errors.Is(err, llm.ErrUnavailable)
}
