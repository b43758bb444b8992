// Package consensus implements the human/agent approval checkpoint that
// gates high-risk subtask batches.
//
// This is a single-process review gate, not a distributed consensus
// protocol. A checkpoint is created pending, decided by a reviewer, and
// expires on a deadline — checked lazily at decision time and by a
// periodic background sweep.
package consensus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rookery-ai/rookery/internal/events"
	"github.com/rookery-ai/rookery/internal/model"
)

// maxDepthIterations caps the parent-chain walk so a corrupted cyclic
// graph cannot hang depth calculation.
const maxDepthIterations = 100

// Event names emitted by the consensus service.
const (
	EventCheckpointCreated  = "consensus:checkpoint:created"
	EventCheckpointApproved = "consensus:checkpoint:approved"
	EventCheckpointRejected = "consensus:checkpoint:rejected"
	EventCheckpointExpired  = "consensus:checkpoint:expired"
)

// Reviewer strategies and the agent archetypes they select.
const (
	StrategyAdversarial    = "adversarial"
	StrategyDifferentModel = "different-model"

	reviewerTypeAdversarial = "adversarial"
	reviewerTypeReviewer    = "reviewer"
)

// Config tunes the gate. The zero value is a disabled gate.
type Config struct {
	Enabled          bool
	GatedRiskLevels  []model.RiskLevel // risk levels that require review
	MaxDepth         int               // depth beyond which review is forced regardless of risk
	Timeout          time.Duration     // pending checkpoint lifetime
	SweepInterval    time.Duration     // background expiry sweep period
	ReviewerStrategy string
	HighRiskTerms    []string // substrings that mark a task description high risk
	MediumRiskTerms  []string
	HighRiskTypes    []string // agent types treated as high risk
}

// DefaultConfig returns the production defaults used when the gate is
// enabled without explicit tuning.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		GatedRiskLevels:  []model.RiskLevel{model.RiskHigh},
		MaxDepth:         5,
		Timeout:          30 * time.Minute,
		SweepInterval:    time.Minute,
		ReviewerStrategy: StrategyAdversarial,
		HighRiskTerms:    []string{"delete", "drop", "deploy", "production", "credential", "secret", "migrate"},
		MediumRiskTerms:  []string{"modify", "refactor", "update", "config"},
		HighRiskTypes:    []string{"devops", "database"},
	}
}

// Store is the persistence contract for checkpoints.
type Store interface {
	CreateCheckpoint(ctx context.Context, cp model.ConsensusCheckpoint) error
	GetCheckpoint(ctx context.Context, id uuid.UUID) (model.ConsensusCheckpoint, error)
	// UpdateCheckpointStatus transitions a checkpoint out of pending.
	// Implementations must be idempotent for the expired transition.
	UpdateCheckpointStatus(ctx context.Context, cp model.ConsensusCheckpoint) error
	ListPendingCheckpoints(ctx context.Context, before time.Time) ([]model.ConsensusCheckpoint, error)
}

// TaskLookup resolves a task's parent pointer; used for depth
// calculation. Returns identity.ErrNotFound-style errors for unknown ids.
type TaskLookup interface {
	GetTask(ctx context.Context, id uuid.UUID) (model.Task, error)
}

// StateError indicates a decision against a checkpoint that is not
// pending (already decided or expired).
type StateError struct {
	CheckpointID uuid.UUID
	Status       model.CheckpointStatus
	Op           string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("consensus: cannot %s checkpoint %s in status %q", e.Op, e.CheckpointID, e.Status)
}

// Service is the consensus gate.
type Service struct {
	store   Store
	tasks   TaskLookup
	logger  *slog.Logger
	emitter events.Emitter
	cfg     Config
}

// NewService creates a consensus service.
func NewService(store Store, tasks TaskLookup, emitter events.Emitter, logger *slog.Logger, cfg Config) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if emitter == nil {
		emitter = events.Noop{}
	}
	return &Service{store: store, tasks: tasks, logger: logger, emitter: emitter, cfg: cfg}
}

// Reconfigure swaps the gate configuration. Replaces the config-diffing
// singleton pattern with an explicit call.
func (s *Service) Reconfigure(cfg Config) { s.cfg = cfg }

// RequiresConsensus decides whether a subtask batch needs a review
// checkpoint. Root tasks (no parent) are always exempt. Depth beyond
// MaxDepth forces review even for risk levels outside the gated set —
// runaway depth is evidence of drift on its own.
func (s *Service) RequiresConsensus(riskLevel model.RiskLevel, depth int, parentTaskID *uuid.UUID) (bool, string) {
	if !s.cfg.Enabled {
		return false, "consensus disabled"
	}
	if parentTaskID == nil {
		return false, "root task exempt"
	}
	if s.cfg.MaxDepth > 0 && depth > s.cfg.MaxDepth {
		return true, fmt.Sprintf("task depth %d exceeds maximum %d", depth, s.cfg.MaxDepth)
	}
	for _, gated := range s.cfg.GatedRiskLevels {
		if riskLevel == gated {
			return true, fmt.Sprintf("risk level %s requires review", riskLevel)
		}
	}
	return false, fmt.Sprintf("risk level %s not gated", riskLevel)
}

// CreateCheckpoint persists a pending checkpoint with the
// strategy-selected reviewer archetype and a computed expiry.
func (s *Service) CreateCheckpoint(ctx context.Context, taskID uuid.UUID, parentTaskID *uuid.UUID, subtasks []model.ProposedSubtask, riskLevel model.RiskLevel) (model.ConsensusCheckpoint, error) {
	if len(subtasks) == 0 {
		return model.ConsensusCheckpoint{}, fmt.Errorf("consensus: proposed subtasks are required")
	}
	if !model.ValidRiskLevel(riskLevel) {
		return model.ConsensusCheckpoint{}, fmt.Errorf("consensus: invalid risk level %q", riskLevel)
	}

	now := time.Now().UTC()
	cp := model.ConsensusCheckpoint{
		ID:               uuid.New(),
		TaskID:           taskID,
		ParentTaskID:     parentTaskID,
		ProposedSubtasks: subtasks,
		RiskLevel:        riskLevel,
		Status:           model.CheckpointPending,
		ReviewerStrategy: s.cfg.ReviewerStrategy,
		ReviewerType:     s.reviewerType(),
		CreatedAt:        now,
		ExpiresAt:        now.Add(s.cfg.Timeout),
	}
	if err := s.store.CreateCheckpoint(ctx, cp); err != nil {
		return model.ConsensusCheckpoint{}, fmt.Errorf("consensus: create checkpoint: %w", err)
	}

	s.emitter.Emit(EventCheckpointCreated, map[string]any{
		"checkpoint_id": cp.ID,
		"task_id":       taskID,
		"risk_level":    riskLevel,
		"subtasks":      len(subtasks),
	})
	return cp, nil
}

// reviewerType maps the configured strategy to an agent archetype.
func (s *Service) reviewerType() string {
	if s.cfg.ReviewerStrategy == StrategyDifferentModel {
		return reviewerTypeReviewer
	}
	return reviewerTypeAdversarial
}

// SubmitDecision applies a reviewer verdict. Fails with *StateError if
// the checkpoint is not pending; a pending checkpoint past its deadline
// is expired lazily here and the decision rejected.
func (s *Service) SubmitDecision(ctx context.Context, checkpointID uuid.UUID, decision model.CheckpointDecision) (model.ConsensusCheckpoint, error) {
	cp, err := s.store.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return model.ConsensusCheckpoint{}, fmt.Errorf("consensus: get checkpoint: %w", err)
	}
	if cp.Status != model.CheckpointPending {
		return model.ConsensusCheckpoint{}, &StateError{CheckpointID: checkpointID, Status: cp.Status, Op: "decide"}
	}

	now := time.Now().UTC()
	if now.After(cp.ExpiresAt) {
		cp.Status = model.CheckpointExpired
		if err := s.store.UpdateCheckpointStatus(ctx, cp); err != nil {
			s.logger.Warn("consensus: lazy expire failed", "checkpoint_id", checkpointID, "error", err)
		}
		s.emitter.Emit(EventCheckpointExpired, map[string]any{"checkpoint_id": checkpointID})
		return cp, fmt.Errorf("consensus: checkpoint %s already expired: %w",
			checkpointID, &StateError{CheckpointID: checkpointID, Status: model.CheckpointExpired, Op: "decide"})
	}

	if decision.Approved {
		cp.Status = model.CheckpointApproved
	} else {
		cp.Status = model.CheckpointRejected
		// Partial approval is only meaningful on approve.
		decision.RejectedSubtaskIDs = nil
	}
	cp.Decision = &decision
	cp.DecidedAt = &now

	if err := s.store.UpdateCheckpointStatus(ctx, cp); err != nil {
		return model.ConsensusCheckpoint{}, fmt.Errorf("consensus: submit decision: %w", err)
	}

	event := EventCheckpointRejected
	if decision.Approved {
		event = EventCheckpointApproved
	}
	s.emitter.Emit(event, map[string]any{"checkpoint_id": checkpointID, "reviewer_id": decision.ReviewerID})
	return cp, nil
}

// ApprovedSubtasks filters the proposed batch by the decision's rejected
// ids. Returns nil unless the checkpoint is approved.
func (s *Service) ApprovedSubtasks(ctx context.Context, checkpointID uuid.UUID) ([]model.ProposedSubtask, error) {
	cp, err := s.store.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("consensus: get checkpoint: %w", err)
	}
	if cp.Status != model.CheckpointApproved || cp.Decision == nil {
		return nil, nil
	}

	rejected := make(map[string]bool, len(cp.Decision.RejectedSubtaskIDs))
	for _, id := range cp.Decision.RejectedSubtaskIDs {
		rejected[id] = true
	}
	approved := make([]model.ProposedSubtask, 0, len(cp.ProposedSubtasks))
	for _, st := range cp.ProposedSubtasks {
		if !rejected[st.ID] {
			approved = append(approved, st)
		}
	}
	return approved, nil
}

// EstimateRiskLevel classifies a task by deterministic, case-insensitive
// substring matching against the configured term lists and agent types.
// Used when the caller supplies no explicit risk level; not a model.
func (s *Service) EstimateRiskLevel(description, agentType string) model.RiskLevel {
	for _, t := range s.cfg.HighRiskTypes {
		if strings.EqualFold(agentType, t) {
			return model.RiskHigh
		}
	}
	lower := strings.ToLower(description)
	for _, term := range s.cfg.HighRiskTerms {
		if strings.Contains(lower, strings.ToLower(term)) {
			return model.RiskHigh
		}
	}
	for _, term := range s.cfg.MediumRiskTerms {
		if strings.Contains(lower, strings.ToLower(term)) {
			return model.RiskMedium
		}
	}
	return model.RiskLow
}

// CalculateTaskDepth walks the parent chain of a task. The iteration cap
// guarantees termination even when corrupted data forms a cycle.
func (s *Service) CalculateTaskDepth(ctx context.Context, taskID uuid.UUID) (int, error) {
	depth := 0
	current := taskID
	for range maxDepthIterations {
		task, err := s.tasks.GetTask(ctx, current)
		if err != nil {
			return depth, nil // broken chain: depth so far
		}
		if task.ParentTaskID == nil {
			return depth, nil
		}
		depth++
		current = *task.ParentTaskID
	}
	s.logger.Warn("consensus: depth walk hit iteration cap", "task_id", taskID, "cap", maxDepthIterations)
	return depth, nil
}

// Start launches the background expiry sweep. Returns when ctx is done.
// Sweep and lazy expiry are both idempotent, so racing them is safe.
func (s *Service) Start(ctx context.Context) {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepExpired(ctx)
		}
	}
}

// sweepExpired expires stale pending checkpoints.
func (s *Service) sweepExpired(ctx context.Context) {
	stale, err := s.store.ListPendingCheckpoints(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Warn("consensus: sweep list failed", "error", err)
		return
	}
	for _, cp := range stale {
		cp.Status = model.CheckpointExpired
		if err := s.store.UpdateCheckpointStatus(ctx, cp); err != nil {
			s.logger.Warn("consensus: sweep expire failed", "checkpoint_id", cp.ID, "error", err)
			continue
		}
		s.emitter.Emit(EventCheckpointExpired, map[string]any{"checkpoint_id": cp.ID})
	}
	if len(stale) > 0 {
		s.logger.Info("consensus: expired stale checkpoints", "count", len(stale))
	}
}
