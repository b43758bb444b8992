package exhaustion_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rookery-ai/rookery/internal/events"
	"github.com/rookery-ai/rookery/internal/exhaustion"
	"github.com/rookery-ai/rookery/internal/model"
	"github.com/rookery-ai/rookery/internal/testutil"
)

type memStore struct {
	mu      sync.Mutex
	metrics map[uuid.UUID]model.ResourceMetrics
}

func newMemStore() *memStore {
	return &memStore{metrics: map[uuid.UUID]model.ResourceMetrics{}}
}

func (m *memStore) UpsertResourceMetrics(_ context.Context, rm model.ResourceMetrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics[rm.AgentID] = rm
	return nil
}

func (m *memStore) ListResourceMetrics(context.Context) ([]model.ResourceMetrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.ResourceMetrics, 0, len(m.metrics))
	for _, rm := range m.metrics {
		out = append(out, rm)
	}
	return out, nil
}

func (m *memStore) DeleteResourceMetrics(_ context.Context, agentID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.metrics, agentID)
	return nil
}

func testConfig() exhaustion.Config {
	return exhaustion.Config{
		MaxFilesAccessed:          10,
		MaxAPICalls:               10,
		MaxSubtasksSpawned:        4,
		MaxTokensConsumed:         1000,
		MaxTimeWithoutDeliverable: time.Hour,
		WarningThresholdPercent:   0.75,
		PauseOnIntervention:       true,
	}
}

func newService(store exhaustion.Store, emitter events.Emitter, cfg exhaustion.Config) *exhaustion.Service {
	return exhaustion.NewService(context.Background(), store, emitter, testutil.TestLogger(), cfg)
}

func TestTrackIsIdempotent(t *testing.T) {
	svc := newService(newMemStore(), nil, testConfig())
	agentID := uuid.New()

	first := svc.Track(context.Background(), agentID)
	assert.Equal(t, model.PhaseNormal, first.Phase)

	require.NoError(t, svc.RecordAPICall(context.Background(), agentID))
	second := svc.Track(context.Background(), agentID)
	assert.Equal(t, int64(1), second.APICallsCount, "re-tracking must not reset counters")
	assert.Len(t, svc.TrackedAgents(), 1)
}

func TestRecordRequiresTracking(t *testing.T) {
	svc := newService(newMemStore(), nil, testConfig())
	assert.Error(t, svc.RecordAPICall(context.Background(), uuid.New()))
	_, err := svc.EvaluateAgent(context.Background(), uuid.New())
	assert.Error(t, err)
}

func TestEvaluateNormalBelowWarningBand(t *testing.T) {
	svc := newService(newMemStore(), nil, testConfig())
	agentID := uuid.New()
	svc.Track(context.Background(), agentID)

	for i := 0; i < 5; i++ {
		require.NoError(t, svc.RecordAPICall(context.Background(), agentID))
	}
	eval, err := svc.EvaluateAgent(context.Background(), agentID)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseNormal, eval.Phase)
	assert.Empty(t, eval.TriggeredBy)
	assert.InDelta(t, 0.5, eval.Ratios[exhaustion.TriggerAPICalls], 1e-9)
}

func TestEvaluateEscalatesToWarning(t *testing.T) {
	var escalated int
	svc := newService(newMemStore(), events.Func(func(event string, _ any) {
		if event == exhaustion.EventPhaseEscalated {
			escalated++
		}
	}), testConfig())
	agentID := uuid.New()
	svc.Track(context.Background(), agentID)

	for i := 0; i < 8; i++ {
		require.NoError(t, svc.RecordAPICall(context.Background(), agentID))
	}
	eval, err := svc.EvaluateAgent(context.Background(), agentID)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseWarning, eval.Phase)
	assert.Equal(t, exhaustion.TriggerAPICalls, eval.TriggeredBy)
	assert.Equal(t, 1, escalated)

	// A second identical pass does not re-escalate.
	eval, err = svc.EvaluateAgent(context.Background(), agentID)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseWarning, eval.Phase)
	assert.Empty(t, eval.TriggeredBy)
	assert.Equal(t, 1, escalated)
}

func TestEvaluateInterventionPausesAgent(t *testing.T) {
	var paused int
	svc := newService(newMemStore(), events.Func(func(event string, _ any) {
		if event == exhaustion.EventAgentPaused {
			paused++
		}
	}), testConfig())
	agentID := uuid.New()
	svc.Track(context.Background(), agentID)

	require.NoError(t, svc.RecordTokens(context.Background(), agentID, 1000))
	eval, err := svc.EvaluateAgent(context.Background(), agentID)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseIntervention, eval.Phase)
	assert.Equal(t, exhaustion.TriggerTokensConsumed, eval.TriggeredBy)
	assert.Equal(t, 1, paused)

	m, ok := svc.Get(agentID)
	require.True(t, ok)
	require.NotNil(t, m.PausedAt)
	assert.Contains(t, *m.PauseReason, exhaustion.TriggerTokensConsumed)
}

func TestEvaluateNeverDeescalates(t *testing.T) {
	cfg := testConfig()
	cfg.PauseOnIntervention = false
	svc := newService(newMemStore(), nil, cfg)
	agentID := uuid.New()
	svc.Track(context.Background(), agentID)

	require.NoError(t, svc.RecordTokens(context.Background(), agentID, 1000))
	_, err := svc.EvaluateAgent(context.Background(), agentID)
	require.NoError(t, err)

	// Intervention sticks even after the trigger clears conceptually;
	// counters never decrease, but a deliverable alone must not help.
	require.NoError(t, svc.RecordDeliverable(context.Background(), agentID))
	m, _ := svc.Get(agentID)
	assert.Equal(t, model.PhaseIntervention, m.Phase)
}

func TestDeliverableResetsWarning(t *testing.T) {
	svc := newService(newMemStore(), nil, testConfig())
	agentID := uuid.New()
	svc.Track(context.Background(), agentID)

	for i := 0; i < 8; i++ {
		require.NoError(t, svc.RecordAPICall(context.Background(), agentID))
	}
	_, err := svc.EvaluateAgent(context.Background(), agentID)
	require.NoError(t, err)

	require.NoError(t, svc.RecordDeliverable(context.Background(), agentID))
	m, _ := svc.Get(agentID)
	assert.Equal(t, model.PhaseNormal, m.Phase)
	assert.NotNil(t, m.LastDeliverableAt)
}

func TestPauseResumeWaiters(t *testing.T) {
	svc := newService(newMemStore(), nil, testConfig())
	agentID := uuid.New()
	svc.Track(context.Background(), agentID)

	// Not paused: returns immediately.
	resumed, err := svc.WaitForResume(context.Background(), agentID)
	require.NoError(t, err)
	assert.True(t, resumed)

	svc.PauseAgent(context.Background(), agentID, "manual")

	done := make(chan bool, 1)
	go func() {
		resumed, _ := svc.WaitForResume(context.Background(), agentID)
		done <- resumed
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, svc.ResumeAgent(context.Background(), agentID))

	select {
	case resumed := <-done:
		assert.True(t, resumed)
	case <-time.After(time.Second):
		t.Fatal("waiter never resolved")
	}

	m, _ := svc.Get(agentID)
	assert.Nil(t, m.PausedAt)
}

func TestResumeStepsInterventionToWarning(t *testing.T) {
	svc := newService(newMemStore(), nil, testConfig())
	agentID := uuid.New()
	svc.Track(context.Background(), agentID)

	require.NoError(t, svc.RecordTokens(context.Background(), agentID, 1000))
	_, err := svc.EvaluateAgent(context.Background(), agentID)
	require.NoError(t, err)

	require.NoError(t, svc.ResumeAgent(context.Background(), agentID))
	m, _ := svc.Get(agentID)
	assert.Equal(t, model.PhaseWarning, m.Phase)
}

func TestTerminateResolvesWaitersFalse(t *testing.T) {
	var terminated int
	svc := newService(newMemStore(), events.Func(func(event string, _ any) {
		if event == exhaustion.EventAgentTerminated {
			terminated++
		}
	}), testConfig())
	agentID := uuid.New()
	svc.Track(context.Background(), agentID)
	svc.PauseAgent(context.Background(), agentID, "hold")

	done := make(chan bool, 1)
	go func() {
		resumed, _ := svc.WaitForResume(context.Background(), agentID)
		done <- resumed
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, svc.TerminateAgent(context.Background(), agentID, "runaway"))

	select {
	case resumed := <-done:
		assert.False(t, resumed, "termination is not a resume")
	case <-time.After(time.Second):
		t.Fatal("waiter never resolved")
	}

	m, _ := svc.Get(agentID)
	assert.Equal(t, model.PhaseTermination, m.Phase)
	assert.Equal(t, 1, terminated)
}

func TestWaitForResumeHonorsContext(t *testing.T) {
	svc := newService(newMemStore(), nil, testConfig())
	agentID := uuid.New()
	svc.Track(context.Background(), agentID)
	svc.PauseAgent(context.Background(), agentID, "hold")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := svc.WaitForResume(ctx, agentID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCleanupRemovesLiveAndPersisted(t *testing.T) {
	store := newMemStore()
	svc := newService(store, nil, testConfig())
	agentID := uuid.New()
	svc.Track(context.Background(), agentID)

	svc.Cleanup(context.Background(), agentID)
	_, ok := svc.Get(agentID)
	assert.False(t, ok)
	assert.Empty(t, store.metrics)
}

func TestStateRestoredFromStore(t *testing.T) {
	store := newMemStore()
	first := newService(store, nil, testConfig())
	agentID := uuid.New()
	first.Track(context.Background(), agentID)
	require.NoError(t, first.RecordTokens(context.Background(), agentID, 1000))
	_, err := first.EvaluateAgent(context.Background(), agentID)
	require.NoError(t, err)

	// A fresh service over the same store sees the escalated phase.
	second := newService(store, nil, testConfig())
	m, ok := second.Get(agentID)
	require.True(t, ok)
	assert.Equal(t, model.PhaseIntervention, m.Phase)
	assert.Equal(t, int64(1000), m.TokensConsumed)
}
