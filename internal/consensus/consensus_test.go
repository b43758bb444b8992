package consensus_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rookery-ai/rookery/internal/consensus"
	"github.com/rookery-ai/rookery/internal/events"
	"github.com/rookery-ai/rookery/internal/model"
	"github.com/rookery-ai/rookery/internal/testutil"
)

type memStore struct {
	mu          sync.Mutex
	checkpoints map[uuid.UUID]model.ConsensusCheckpoint
}

func newMemStore() *memStore {
	return &memStore{checkpoints: map[uuid.UUID]model.ConsensusCheckpoint{}}
}

func (m *memStore) CreateCheckpoint(_ context.Context, cp model.ConsensusCheckpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[cp.ID] = cp
	return nil
}

func (m *memStore) GetCheckpoint(_ context.Context, id uuid.UUID) (model.ConsensusCheckpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.checkpoints[id]
	if !ok {
		return model.ConsensusCheckpoint{}, assert.AnError
	}
	return cp, nil
}

func (m *memStore) UpdateCheckpointStatus(_ context.Context, cp model.ConsensusCheckpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[cp.ID] = cp
	return nil
}

func (m *memStore) ListPendingCheckpoints(_ context.Context, before time.Time) ([]model.ConsensusCheckpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ConsensusCheckpoint
	for _, cp := range m.checkpoints {
		if cp.Status == model.CheckpointPending && cp.ExpiresAt.Before(before) {
			out = append(out, cp)
		}
	}
	return out, nil
}

// expireCheckpoint backdates a pending checkpoint's deadline.
func (m *memStore) expireCheckpoint(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := m.checkpoints[id]
	cp.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	m.checkpoints[id] = cp
}

// taskTree is a TaskLookup over a fixed parent map.
type taskTree map[uuid.UUID]*uuid.UUID

func (t taskTree) GetTask(_ context.Context, id uuid.UUID) (model.Task, error) {
	parent, ok := t[id]
	if !ok {
		return model.Task{}, assert.AnError
	}
	return model.Task{ID: id, ParentTaskID: parent}, nil
}

func newService(store consensus.Store, tasks consensus.TaskLookup, emitter events.Emitter, cfg consensus.Config) *consensus.Service {
	return consensus.NewService(store, tasks, emitter, testutil.TestLogger(), cfg)
}

func subtasks(n int) []model.ProposedSubtask {
	out := make([]model.ProposedSubtask, n)
	for i := range out {
		out[i] = model.ProposedSubtask{ID: uuid.New().String(), AgentType: "general", Input: "step"}
	}
	return out
}

func TestRequiresConsensus(t *testing.T) {
	svc := newService(newMemStore(), nil, nil, consensus.DefaultConfig())
	parent := uuid.New()

	needed, reason := svc.RequiresConsensus(model.RiskHigh, 1, nil)
	assert.False(t, needed)
	assert.Equal(t, "root task exempt", reason)

	needed, _ = svc.RequiresConsensus(model.RiskHigh, 1, &parent)
	assert.True(t, needed)

	needed, _ = svc.RequiresConsensus(model.RiskLow, 1, &parent)
	assert.False(t, needed)

	// Depth past the cap forces review regardless of risk level.
	needed, reason = svc.RequiresConsensus(model.RiskLow, 6, &parent)
	assert.True(t, needed)
	assert.Contains(t, reason, "depth")
}

func TestRequiresConsensusDisabled(t *testing.T) {
	svc := newService(newMemStore(), nil, nil, consensus.Config{})
	parent := uuid.New()
	needed, reason := svc.RequiresConsensus(model.RiskHigh, 100, &parent)
	assert.False(t, needed)
	assert.Equal(t, "consensus disabled", reason)
}

func TestCreateCheckpoint(t *testing.T) {
	var created int
	svc := newService(newMemStore(), nil, events.Func(func(event string, _ any) {
		if event == consensus.EventCheckpointCreated {
			created++
		}
	}), consensus.DefaultConfig())

	cp, err := svc.CreateCheckpoint(context.Background(), uuid.New(), nil, subtasks(2), model.RiskHigh)
	require.NoError(t, err)
	assert.Equal(t, model.CheckpointPending, cp.Status)
	assert.Equal(t, consensus.StrategyAdversarial, cp.ReviewerStrategy)
	assert.Equal(t, "adversarial", cp.ReviewerType)
	assert.True(t, cp.ExpiresAt.After(cp.CreatedAt))
	assert.Equal(t, 1, created)
}

func TestCreateCheckpointValidation(t *testing.T) {
	svc := newService(newMemStore(), nil, nil, consensus.DefaultConfig())

	_, err := svc.CreateCheckpoint(context.Background(), uuid.New(), nil, nil, model.RiskHigh)
	assert.Error(t, err, "empty batch")

	_, err = svc.CreateCheckpoint(context.Background(), uuid.New(), nil, subtasks(1), model.RiskLevel("severe"))
	assert.Error(t, err, "unknown risk level")
}

func TestDifferentModelStrategySelectsReviewer(t *testing.T) {
	cfg := consensus.DefaultConfig()
	cfg.ReviewerStrategy = consensus.StrategyDifferentModel
	svc := newService(newMemStore(), nil, nil, cfg)

	cp, err := svc.CreateCheckpoint(context.Background(), uuid.New(), nil, subtasks(1), model.RiskHigh)
	require.NoError(t, err)
	assert.Equal(t, "reviewer", cp.ReviewerType)
}

func TestSubmitDecisionApprove(t *testing.T) {
	var approved int
	svc := newService(newMemStore(), nil, events.Func(func(event string, _ any) {
		if event == consensus.EventCheckpointApproved {
			approved++
		}
	}), consensus.DefaultConfig())

	cp, err := svc.CreateCheckpoint(context.Background(), uuid.New(), nil, subtasks(2), model.RiskHigh)
	require.NoError(t, err)

	decided, err := svc.SubmitDecision(context.Background(), cp.ID, model.CheckpointDecision{
		Approved:   true,
		ReviewerID: "reviewer-1",
	})
	require.NoError(t, err)
	assert.Equal(t, model.CheckpointApproved, decided.Status)
	require.NotNil(t, decided.DecidedAt)
	assert.Equal(t, 1, approved)

	// Terminal states reject further decisions.
	_, err = svc.SubmitDecision(context.Background(), cp.ID, model.CheckpointDecision{Approved: false, ReviewerID: "r"})
	var stateErr *consensus.StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, model.CheckpointApproved, stateErr.Status)
}

func TestSubmitDecisionRejectDropsPartialApproval(t *testing.T) {
	svc := newService(newMemStore(), nil, nil, consensus.DefaultConfig())
	batch := subtasks(2)
	cp, err := svc.CreateCheckpoint(context.Background(), uuid.New(), nil, batch, model.RiskHigh)
	require.NoError(t, err)

	decided, err := svc.SubmitDecision(context.Background(), cp.ID, model.CheckpointDecision{
		Approved:           false,
		ReviewerID:         "reviewer-1",
		RejectedSubtaskIDs: []string{batch[0].ID},
	})
	require.NoError(t, err)
	assert.Equal(t, model.CheckpointRejected, decided.Status)
	assert.Empty(t, decided.Decision.RejectedSubtaskIDs, "partial approval only applies on approve")

	got, err := svc.ApprovedSubtasks(context.Background(), cp.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSubmitDecisionLazyExpiry(t *testing.T) {
	store := newMemStore()
	var expired int
	svc := newService(store, nil, events.Func(func(event string, _ any) {
		if event == consensus.EventCheckpointExpired {
			expired++
		}
	}), consensus.DefaultConfig())

	cp, err := svc.CreateCheckpoint(context.Background(), uuid.New(), nil, subtasks(1), model.RiskHigh)
	require.NoError(t, err)
	store.expireCheckpoint(cp.ID)

	_, err = svc.SubmitDecision(context.Background(), cp.ID, model.CheckpointDecision{Approved: true, ReviewerID: "r"})
	var stateErr *consensus.StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, model.CheckpointExpired, stateErr.Status)
	assert.Equal(t, 1, expired)

	got, err := store.GetCheckpoint(context.Background(), cp.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CheckpointExpired, got.Status)
}

func TestApprovedSubtasksPartialApproval(t *testing.T) {
	svc := newService(newMemStore(), nil, nil, consensus.DefaultConfig())
	batch := subtasks(3)
	cp, err := svc.CreateCheckpoint(context.Background(), uuid.New(), nil, batch, model.RiskHigh)
	require.NoError(t, err)

	_, err = svc.SubmitDecision(context.Background(), cp.ID, model.CheckpointDecision{
		Approved:           true,
		ReviewerID:         "reviewer-1",
		RejectedSubtaskIDs: []string{batch[1].ID},
	})
	require.NoError(t, err)

	approved, err := svc.ApprovedSubtasks(context.Background(), cp.ID)
	require.NoError(t, err)
	require.Len(t, approved, 2)
	assert.Equal(t, batch[0].ID, approved[0].ID)
	assert.Equal(t, batch[2].ID, approved[1].ID)
}

func TestEstimateRiskLevel(t *testing.T) {
	svc := newService(newMemStore(), nil, nil, consensus.DefaultConfig())

	assert.Equal(t, model.RiskHigh, svc.EstimateRiskLevel("DROP the users table", "general"))
	assert.Equal(t, model.RiskHigh, svc.EstimateRiskLevel("harmless note", "devops"), "high risk agent type")
	assert.Equal(t, model.RiskMedium, svc.EstimateRiskLevel("refactor the parser", "general"))
	assert.Equal(t, model.RiskLow, svc.EstimateRiskLevel("summarize this article", "general"))
}

func TestCalculateTaskDepth(t *testing.T) {
	root := uuid.New()
	child := uuid.New()
	grandchild := uuid.New()
	tree := taskTree{root: nil, child: &root, grandchild: &child}
	svc := newService(newMemStore(), tree, nil, consensus.DefaultConfig())

	depth, err := svc.CalculateTaskDepth(context.Background(), grandchild)
	require.NoError(t, err)
	assert.Equal(t, 2, depth)

	depth, err = svc.CalculateTaskDepth(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)

	// Broken chain stops at the last resolvable ancestor.
	orphanParent := uuid.New()
	orphan := uuid.New()
	tree[orphan] = &orphanParent
	depth, err = svc.CalculateTaskDepth(context.Background(), orphan)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestCalculateTaskDepthTerminatesOnCycle(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	tree := taskTree{a: &b, b: &a}
	svc := newService(newMemStore(), tree, nil, consensus.DefaultConfig())

	depth, err := svc.CalculateTaskDepth(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, 100, depth, "iteration cap bounds a cyclic parent chain")
}

func TestReconfigure(t *testing.T) {
	svc := newService(newMemStore(), nil, nil, consensus.Config{})
	parent := uuid.New()

	needed, _ := svc.RequiresConsensus(model.RiskHigh, 1, &parent)
	require.False(t, needed)

	svc.Reconfigure(consensus.DefaultConfig())
	needed, _ = svc.RequiresConsensus(model.RiskHigh, 1, &parent)
	assert.True(t, needed)
}
