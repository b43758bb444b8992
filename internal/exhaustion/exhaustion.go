// Package exhaustion tracks per-agent resource counters and moves agents
// through the normal -> warning -> intervention -> termination phase
// machine.
//
// A single evaluation pass can only escalate. De-escalation happens
// through two external actions only: recording a deliverable resets
// warning to normal, and ResumeAgent steps intervention back to warning.
// Termination is always an explicit external call — evaluation detects
// exhaustion, callers decide when it becomes terminal.
//
// State is held in memory and mirrored to persistent storage best-effort
// on every mutation so it survives process restart.
package exhaustion

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/rookery-ai/rookery/internal/events"
	"github.com/rookery-ai/rookery/internal/model"
	"github.com/rookery-ai/rookery/internal/telemetry"
)

// Event names emitted on phase changes.
const (
	EventPhaseEscalated  = "exhaustion:phase:escalated"
	EventAgentPaused     = "exhaustion:agent:paused"
	EventAgentResumed    = "exhaustion:agent:resumed"
	EventAgentTerminated = "exhaustion:agent:terminated"
)

// Counter names recorded as the escalation trigger.
const (
	TriggerFilesAccessed     = "files_accessed"
	TriggerAPICalls          = "api_calls"
	TriggerSubtasksSpawned   = "subtasks_spawned"
	TriggerTokensConsumed    = "tokens_consumed"
	TriggerTimeNoDeliverable = "time_without_deliverable"
)

// Config holds the per-counter ceilings and evaluation tuning.
type Config struct {
	MaxFilesAccessed          int64
	MaxAPICalls               int64
	MaxSubtasksSpawned        int64
	MaxTokensConsumed         int64
	MaxTimeWithoutDeliverable time.Duration
	// WarningThresholdPercent is the ratio (0..1) at which a counter
	// enters the warning band.
	WarningThresholdPercent float64
	PauseOnIntervention     bool
	EvaluationInterval      time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxFilesAccessed:          200,
		MaxAPICalls:               100,
		MaxSubtasksSpawned:        10,
		MaxTokensConsumed:         500_000,
		MaxTimeWithoutDeliverable: 30 * time.Minute,
		WarningThresholdPercent:   0.75,
		PauseOnIntervention:       true,
		EvaluationInterval:        30 * time.Second,
	}
}

// Store is the persistence mirror. All writes are best-effort; the
// in-memory cache is authoritative while the process lives.
type Store interface {
	UpsertResourceMetrics(ctx context.Context, m model.ResourceMetrics) error
	ListResourceMetrics(ctx context.Context) ([]model.ResourceMetrics, error)
	DeleteResourceMetrics(ctx context.Context, agentID uuid.UUID) error
}

// Evaluation is the result of one evaluation pass.
type Evaluation struct {
	AgentID     uuid.UUID   `json:"agent_id"`
	Phase       model.Phase `json:"phase"`
	TriggeredBy string      `json:"triggered_by,omitempty"`
	// Ratios maps counter name to value/max for diagnostics.
	Ratios map[string]float64 `json:"ratios"`
}

// Service tracks resource metrics for live agents.
type Service struct {
	store   Store
	logger  *slog.Logger
	emitter events.Emitter
	cfg     Config

	escalations metric.Int64Counter

	mu      sync.Mutex
	agents  map[uuid.UUID]*model.ResourceMetrics
	waiters map[uuid.UUID][]chan bool
}

// NewService creates the service and loads persisted metrics so phase
// state survives a restart. Load failures are logged, not fatal.
func NewService(ctx context.Context, store Store, emitter events.Emitter, logger *slog.Logger, cfg Config) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if emitter == nil {
		emitter = events.Noop{}
	}
	meter := telemetry.Meter("rookery/exhaustion")
	escalations, _ := meter.Int64Counter("rookery.exhaustion.escalations",
		metric.WithDescription("Number of resource-exhaustion phase escalations"),
	)
	s := &Service{
		store:       store,
		logger:      logger,
		emitter:     emitter,
		cfg:         cfg,
		escalations: escalations,
		agents:      make(map[uuid.UUID]*model.ResourceMetrics),
		waiters:     make(map[uuid.UUID][]chan bool),
	}
	s.loadFromStore(ctx)
	return s
}

func (s *Service) loadFromStore(ctx context.Context) {
	if s.store == nil {
		return
	}
	persisted, err := s.store.ListResourceMetrics(ctx)
	if err != nil {
		s.logger.Warn("exhaustion: load persisted metrics failed", "error", err)
		return
	}
	s.mu.Lock()
	for i := range persisted {
		m := persisted[i]
		s.agents[m.AgentID] = &m
	}
	s.mu.Unlock()
	if len(persisted) > 0 {
		s.logger.Info("exhaustion: restored metrics", "agents", len(persisted))
	}
}

// Track registers an agent for resource tracking. Idempotent.
func (s *Service) Track(ctx context.Context, agentID uuid.UUID) *model.ResourceMetrics {
	s.mu.Lock()
	m, ok := s.agents[agentID]
	if !ok {
		now := time.Now().UTC()
		m = &model.ResourceMetrics{
			AgentID:        agentID,
			StartedAt:      now,
			LastActivityAt: now,
			Phase:          model.PhaseNormal,
		}
		s.agents[agentID] = m
	}
	snapshot := *m
	s.mu.Unlock()

	if !ok {
		s.persist(ctx, snapshot)
	}
	return &snapshot
}

// record applies a counter mutation under the lock and mirrors it out.
func (s *Service) record(ctx context.Context, agentID uuid.UUID, mutate func(m *model.ResourceMetrics)) error {
	s.mu.Lock()
	m, ok := s.agents[agentID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("exhaustion: agent %s not tracked", agentID)
	}
	mutate(m)
	m.LastActivityAt = time.Now().UTC()
	snapshot := *m
	s.mu.Unlock()

	s.persist(ctx, snapshot)
	return nil
}

// RecordFileRead increments the file-read counter.
func (s *Service) RecordFileRead(ctx context.Context, agentID uuid.UUID) error {
	return s.record(ctx, agentID, func(m *model.ResourceMetrics) { m.FilesRead++ })
}

// RecordFileWrite increments the file-write counter.
func (s *Service) RecordFileWrite(ctx context.Context, agentID uuid.UUID) error {
	return s.record(ctx, agentID, func(m *model.ResourceMetrics) { m.FilesWritten++ })
}

// RecordFileModify increments the file-modify counter.
func (s *Service) RecordFileModify(ctx context.Context, agentID uuid.UUID) error {
	return s.record(ctx, agentID, func(m *model.ResourceMetrics) { m.FilesModified++ })
}

// RecordAPICall increments the API-call counter.
func (s *Service) RecordAPICall(ctx context.Context, agentID uuid.UUID) error {
	return s.record(ctx, agentID, func(m *model.ResourceMetrics) { m.APICallsCount++ })
}

// RecordSubtask increments the spawned-subtask counter.
func (s *Service) RecordSubtask(ctx context.Context, agentID uuid.UUID) error {
	return s.record(ctx, agentID, func(m *model.ResourceMetrics) { m.SubtasksSpawned++ })
}

// RecordTokens adds to the token counter.
func (s *Service) RecordTokens(ctx context.Context, agentID uuid.UUID, tokens int64) error {
	return s.record(ctx, agentID, func(m *model.ResourceMetrics) { m.TokensConsumed += tokens })
}

// RecordDeliverable stamps a deliverable and de-escalates warning back
// to normal. Intervention and termination are unaffected — producing
// output does not excuse an agent already under intervention.
func (s *Service) RecordDeliverable(ctx context.Context, agentID uuid.UUID) error {
	return s.record(ctx, agentID, func(m *model.ResourceMetrics) {
		now := time.Now().UTC()
		m.LastDeliverableAt = &now
		if m.Phase == model.PhaseWarning {
			m.Phase = model.PhaseNormal
		}
	})
}

// Get returns a snapshot of an agent's metrics.
func (s *Service) Get(agentID uuid.UUID) (model.ResourceMetrics, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.agents[agentID]
	if !ok {
		return model.ResourceMetrics{}, false
	}
	return *m, true
}

// EvaluateAgent compares each counter against its ceiling. Any ratio at
// or above 1 makes the candidate phase intervention; otherwise any ratio
// at or above the warning band makes it warning. The highest candidate
// across all five counters wins, and a pass never de-escalates.
func (s *Service) EvaluateAgent(ctx context.Context, agentID uuid.UUID) (Evaluation, error) {
	s.mu.Lock()
	m, ok := s.agents[agentID]
	if !ok {
		s.mu.Unlock()
		return Evaluation{}, fmt.Errorf("exhaustion: agent %s not tracked", agentID)
	}

	now := time.Now().UTC()
	sinceDeliverable := now.Sub(m.StartedAt)
	if m.LastDeliverableAt != nil {
		sinceDeliverable = now.Sub(*m.LastDeliverableAt)
	}

	ratios := map[string]float64{
		TriggerFilesAccessed:     ratio(m.FilesAccessed(), s.cfg.MaxFilesAccessed),
		TriggerAPICalls:          ratio(m.APICallsCount, s.cfg.MaxAPICalls),
		TriggerSubtasksSpawned:   ratio(m.SubtasksSpawned, s.cfg.MaxSubtasksSpawned),
		TriggerTokensConsumed:    ratio(m.TokensConsumed, s.cfg.MaxTokensConsumed),
		TriggerTimeNoDeliverable: durationRatio(sinceDeliverable, s.cfg.MaxTimeWithoutDeliverable),
	}

	candidate := model.PhaseNormal
	triggeredBy := ""
	for _, name := range [...]string{
		TriggerFilesAccessed, TriggerAPICalls, TriggerSubtasksSpawned,
		TriggerTokensConsumed, TriggerTimeNoDeliverable,
	} {
		r := ratios[name]
		switch {
		case r >= 1 && candidate != model.PhaseIntervention:
			candidate = model.PhaseIntervention
			triggeredBy = name
		case r >= s.cfg.WarningThresholdPercent && model.PhaseRank(candidate) < model.PhaseRank(model.PhaseWarning):
			candidate = model.PhaseWarning
			triggeredBy = name
		}
	}

	escalated := model.PhaseRank(candidate) > model.PhaseRank(m.Phase)
	previous := m.Phase
	if escalated {
		m.Phase = candidate
	}
	snapshot := *m
	s.mu.Unlock()

	eval := Evaluation{AgentID: agentID, Phase: snapshot.Phase, Ratios: ratios}
	if escalated {
		eval.TriggeredBy = triggeredBy
		s.persist(ctx, snapshot)
		s.logger.Info("exhaustion: phase escalated",
			"agent_id", agentID, "from", previous, "to", candidate, "triggered_by", triggeredBy)
		s.emitter.Emit(EventPhaseEscalated, map[string]any{
			"agent_id":     agentID,
			"from":         previous,
			"to":           candidate,
			"triggered_by": triggeredBy,
		})
		if s.escalations != nil {
			s.escalations.Add(ctx, 1,
				metric.WithAttributes(
					attribute.String("phase", string(candidate)),
					attribute.String("triggered_by", triggeredBy),
				))
		}
		if candidate == model.PhaseIntervention && s.cfg.PauseOnIntervention {
			s.PauseAgent(ctx, agentID, "resource exhaustion intervention: "+triggeredBy)
		}
	}
	return eval, nil
}

// PauseAgent records a pause and immediately resolves any waiter blocked
// in WaitForResume with "not resumed". Idempotent for an already-paused
// agent.
func (s *Service) PauseAgent(ctx context.Context, agentID uuid.UUID, reason string) {
	s.mu.Lock()
	m, ok := s.agents[agentID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if m.PausedAt == nil {
		now := time.Now().UTC()
		m.PausedAt = &now
		m.PauseReason = &reason
	}
	snapshot := *m
	waiters := s.waiters[agentID]
	delete(s.waiters, agentID)
	s.mu.Unlock()

	for _, ch := range waiters {
		ch <- false
		close(ch)
	}
	s.persist(ctx, snapshot)
	s.emitter.Emit(EventAgentPaused, map[string]any{"agent_id": agentID, "reason": reason})
}

// ResumeAgent clears the pause and steps intervention back to warning.
// Waiters blocked in WaitForResume resolve with "resumed".
func (s *Service) ResumeAgent(ctx context.Context, agentID uuid.UUID) error {
	s.mu.Lock()
	m, ok := s.agents[agentID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("exhaustion: agent %s not tracked", agentID)
	}
	m.PausedAt = nil
	m.PauseReason = nil
	if m.Phase == model.PhaseIntervention {
		m.Phase = model.PhaseWarning
	}
	snapshot := *m
	waiters := s.waiters[agentID]
	delete(s.waiters, agentID)
	s.mu.Unlock()

	for _, ch := range waiters {
		ch <- true
		close(ch)
	}
	s.persist(ctx, snapshot)
	s.emitter.Emit(EventAgentResumed, map[string]any{"agent_id": agentID})
	return nil
}

// TerminateAgent is the explicit external termination action layered on
// top of the phase machine; evaluation never calls it.
func (s *Service) TerminateAgent(ctx context.Context, agentID uuid.UUID, reason string) error {
	s.mu.Lock()
	m, ok := s.agents[agentID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("exhaustion: agent %s not tracked", agentID)
	}
	m.Phase = model.PhaseTermination
	if m.PausedAt == nil {
		now := time.Now().UTC()
		m.PausedAt = &now
		m.PauseReason = &reason
	}
	snapshot := *m
	waiters := s.waiters[agentID]
	delete(s.waiters, agentID)
	s.mu.Unlock()

	for _, ch := range waiters {
		ch <- false
		close(ch)
	}
	s.persist(ctx, snapshot)
	s.logger.Info("exhaustion: agent terminated", "agent_id", agentID, "reason", reason)
	s.emitter.Emit(EventAgentTerminated, map[string]any{"agent_id": agentID, "reason": reason})
	return nil
}

// WaitForResume blocks until the agent is resumed, paused (resolving
// false immediately if already paused), terminated, or ctx expires.
// A long-running agent task polls this between steps as its cooperative
// suspension point. Returns true only for an actual resume.
func (s *Service) WaitForResume(ctx context.Context, agentID uuid.UUID) (bool, error) {
	s.mu.Lock()
	m, ok := s.agents[agentID]
	if !ok {
		s.mu.Unlock()
		return false, fmt.Errorf("exhaustion: agent %s not tracked", agentID)
	}
	if m.PausedAt == nil {
		// Not paused: nothing to wait for.
		s.mu.Unlock()
		return true, nil
	}
	ch := make(chan bool, 1)
	s.waiters[agentID] = append(s.waiters[agentID], ch)
	s.mu.Unlock()

	select {
	case resumed := <-ch:
		return resumed, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Cleanup removes an agent's live record and its persisted mirror.
func (s *Service) Cleanup(ctx context.Context, agentID uuid.UUID) {
	s.mu.Lock()
	delete(s.agents, agentID)
	waiters := s.waiters[agentID]
	delete(s.waiters, agentID)
	s.mu.Unlock()

	for _, ch := range waiters {
		ch <- false
		close(ch)
	}
	if s.store != nil {
		if err := s.store.DeleteResourceMetrics(ctx, agentID); err != nil {
			s.logger.Warn("exhaustion: delete persisted metrics failed", "agent_id", agentID, "error", err)
		}
	}
}

// TrackedAgents returns ids of all tracked agents.
func (s *Service) TrackedAgents() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(s.agents))
	for id := range s.agents {
		ids = append(ids, id)
	}
	return ids
}

// Start launches the periodic re-evaluation loop over all tracked
// agents. Returns when ctx is done. Safe to race with request-triggered
// evaluation — passes are idempotent.
func (s *Service) Start(ctx context.Context) {
	interval := s.cfg.EvaluationInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range s.TrackedAgents() {
				if _, err := s.EvaluateAgent(ctx, id); err != nil {
					s.logger.Debug("exhaustion: background evaluate failed", "agent_id", id, "error", err)
				}
			}
		}
	}
}

// persist mirrors a snapshot to the store. Metrics are best-effort:
// failures are logged and swallowed.
func (s *Service) persist(ctx context.Context, m model.ResourceMetrics) {
	if s.store == nil {
		return
	}
	if err := s.store.UpsertResourceMetrics(ctx, m); err != nil {
		s.logger.Warn("exhaustion: persist metrics failed", "agent_id", m.AgentID, "error", err)
	}
}

func ratio(value, max int64) float64 {
	if max <= 0 {
		return 0
	}
	return float64(value) / float64(max)
}

func durationRatio(value, max time.Duration) float64 {
	if max <= 0 {
		return 0
	}
	return float64(value) / float64(max)
}
