package storage_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rookery-ai/rookery/internal/model"
	"github.com/rookery-ai/rookery/internal/storage"
	"github.com/rookery-ai/rookery/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()
	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		panic(err)
	}

	code := m.Run()

	testDB.Close(ctx)
	tc.Terminate()
	os.Exit(code)
}

func newTask(agentType string) model.Task {
	return model.Task{
		ID:        uuid.New(),
		AgentType: agentType,
		Input:     "do the thing",
		Status:    model.TaskStatusPending,
		Priority:  5,
		Metadata:  map[string]any{"source": "test"},
	}
}

func TestCreateAndGetTask(t *testing.T) {
	ctx := context.Background()

	created, err := testDB.CreateTask(ctx, newTask("general"))
	require.NoError(t, err)
	assert.False(t, created.CreatedAt.IsZero())

	got, err := testDB.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "general", got.AgentType)
	assert.Equal(t, 5, got.Priority)
	assert.Equal(t, "test", got.Metadata["source"])
}

func TestGetTaskNotFound(t *testing.T) {
	_, err := testDB.GetTask(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListTasksFilters(t *testing.T) {
	ctx := context.Background()

	task := newTask("filter-probe")
	_, err := testDB.CreateTask(ctx, task)
	require.NoError(t, err)
	require.NoError(t, testDB.UpdateTaskStatus(ctx, task.ID, model.TaskStatusCompleted, task.Priority))

	status := model.TaskStatusCompleted
	agentType := "filter-probe"
	tasks, err := testDB.ListTasks(ctx, &status, &agentType, 10, 0)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, task.ID, tasks[0].ID)

	pending := model.TaskStatusPending
	tasks, err = testDB.ListTasks(ctx, &pending, &agentType, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestDeleteTask(t *testing.T) {
	ctx := context.Background()

	task, err := testDB.CreateTask(ctx, newTask("general"))
	require.NoError(t, err)
	require.NoError(t, testDB.DeleteTask(ctx, task.ID))

	_, err = testDB.GetTask(ctx, task.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, testDB.DeleteTask(ctx, task.ID), storage.ErrNotFound)
}

func TestRelationshipsDeduplicate(t *testing.T) {
	ctx := context.Background()

	parent, err := testDB.CreateTask(ctx, newTask("general"))
	require.NoError(t, err)
	child, err := testDB.CreateTask(ctx, newTask("general"))
	require.NoError(t, err)

	rel := model.TaskRelationship{
		ID:               uuid.New(),
		FromTaskID:       parent.ID,
		ToTaskID:         child.ID,
		RelationshipType: model.RelationshipParentOf,
	}
	first, err := testDB.CreateRelationship(ctx, rel)
	require.NoError(t, err)

	// The same (from, to, type) tuple collapses to the existing row.
	rel.ID = uuid.New()
	second, err := testDB.CreateRelationship(ctx, rel)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	edges, err := testDB.ListParentEdges(ctx, child.ID)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, parent.ID, edges[0].FromTaskID)
}

func TestIdentityRoundTrip(t *testing.T) {
	ctx := context.Background()

	now := time.Now().UTC()
	reason := "created"
	id := model.AgentIdentity{
		AgentID:      uuid.New(),
		AgentType:    "research",
		Status:       model.IdentityStatusCreated,
		Capabilities: []string{"search"},
		Metadata:     map[string]any{},
		Version:      1,
		CreatedAt:    now,
		LastActiveAt: now,
		UpdatedAt:    now,
	}
	statusCreated := model.IdentityStatusCreated
	audit := model.IdentityAuditEntry{
		ID:          uuid.New(),
		AgentID:     id.AgentID,
		Action:      model.AuditActionCreated,
		NewStatus:   &statusCreated,
		Reason:      &reason,
		ContentHash: "deadbeef",
		Timestamp:   now,
	}
	require.NoError(t, testDB.CreateIdentity(ctx, id, []model.IdentityAuditEntry{audit}))

	got, err := testDB.GetIdentity(ctx, id.AgentID)
	require.NoError(t, err)
	assert.Equal(t, model.IdentityStatusCreated, got.Status)
	assert.Equal(t, []string{"search"}, got.Capabilities)

	// Transition to active with a second audit row.
	got.Status = model.IdentityStatusActive
	got.Version++
	statusActive := model.IdentityStatusActive
	require.NoError(t, testDB.UpdateIdentity(ctx, got, model.IdentityAuditEntry{
		ID:             uuid.New(),
		AgentID:        id.AgentID,
		Action:         model.AuditActionActivated,
		PreviousStatus: &statusCreated,
		NewStatus:      &statusActive,
		ContentHash:    "deadbeef",
		Timestamp:      now.Add(time.Second),
	}))

	entries, err := testDB.ListAudit(ctx, id.AgentID, 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	status := model.IdentityStatusActive
	ids, total, err := testDB.ListIdentities(ctx, &status, 10, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, total, 1)
	found := false
	for _, got := range ids {
		if got.AgentID == id.AgentID {
			found = true
		}
	}
	assert.True(t, found)
}

func TestGetIdentityNotFound(t *testing.T) {
	_, err := testDB.GetIdentity(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCheckpointLifecycle(t *testing.T) {
	ctx := context.Background()

	task, err := testDB.CreateTask(ctx, newTask("general"))
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Microsecond)
	cp := model.ConsensusCheckpoint{
		ID:     uuid.New(),
		TaskID: task.ID,
		ProposedSubtasks: []model.ProposedSubtask{
			{ID: "st-1", AgentType: "code", Input: "write it"},
		},
		RiskLevel:        model.RiskHigh,
		Status:           model.CheckpointPending,
		ReviewerStrategy: "adversarial",
		ReviewerType:     "adversarial",
		CreatedAt:        now,
		ExpiresAt:        now.Add(30 * time.Minute),
	}
	require.NoError(t, testDB.CreateCheckpoint(ctx, cp))

	got, err := testDB.GetCheckpoint(ctx, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CheckpointPending, got.Status)
	require.Len(t, got.ProposedSubtasks, 1)
	assert.Equal(t, "st-1", got.ProposedSubtasks[0].ID)

	decidedAt := now.Add(time.Minute)
	got.Status = model.CheckpointApproved
	got.Decision = &model.CheckpointDecision{Approved: true, ReviewerID: "reviewer-1"}
	got.DecidedAt = &decidedAt
	require.NoError(t, testDB.UpdateCheckpointStatus(ctx, got))

	got, err = testDB.GetCheckpoint(ctx, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CheckpointApproved, got.Status)
	require.NotNil(t, got.Decision)
	assert.Equal(t, "reviewer-1", got.Decision.ReviewerID)

	// Decided checkpoints never show up in the expiry sweep.
	stale, err := testDB.ListPendingCheckpoints(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	for _, s := range stale {
		assert.NotEqual(t, cp.ID, s.ID)
	}
}

func TestTaskEmbeddingUpsert(t *testing.T) {
	ctx := context.Background()

	task, err := testDB.CreateTask(ctx, newTask("general"))
	require.NoError(t, err)

	emb := model.TaskEmbedding{
		TaskID:     task.ID,
		Embedding:  pgvector.NewVector(make([]float32, 1536)),
		Model:      "text-embedding-3-small",
		Dimensions: 1536,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, testDB.UpsertTaskEmbedding(ctx, emb))

	vec := make([]float32, 1536)
	vec[0] = 1
	emb.Embedding = pgvector.NewVector(vec)
	require.NoError(t, testDB.UpsertTaskEmbedding(ctx, emb), "reindex overwrites")

	got, err := testDB.GetTaskEmbedding(ctx, task.ID)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, got.Embedding.Slice()[0], 1e-6)

	_, err = testDB.GetTaskEmbedding(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDriftEventsAndStats(t *testing.T) {
	ctx := context.Background()

	input := "repeated work"
	event := model.DriftEvent{
		ID:              uuid.New(),
		TaskType:        "drift-probe",
		AncestorTaskID:  uuid.New(),
		SimilarityScore: 0.97,
		Threshold:       0.90,
		ActionTaken:     model.DriftPrevented,
		TaskInput:       &input,
		CreatedAt:       time.Now().UTC(),
	}
	require.NoError(t, testDB.InsertDriftEvent(ctx, event))

	taskType := "drift-probe"
	events, err := testDB.ListDriftEvents(ctx, &taskType, 10, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.DriftPrevented, events[0].ActionTaken)
	assert.InDelta(t, 0.97, events[0].SimilarityScore, 1e-6)

	stats, err := testDB.GetDriftStats(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.Prevented, 1)
	assert.GreaterOrEqual(t, stats.Total, stats.Prevented)
}

func TestResourceMetricsMirror(t *testing.T) {
	ctx := context.Background()

	m := model.ResourceMetrics{
		AgentID:        uuid.New(),
		APICallsCount:  7,
		TokensConsumed: 1234,
		StartedAt:      time.Now().UTC(),
		LastActivityAt: time.Now().UTC(),
		Phase:          model.PhaseWarning,
	}
	require.NoError(t, testDB.UpsertResourceMetrics(ctx, m))

	m.APICallsCount = 8
	m.Phase = model.PhaseIntervention
	require.NoError(t, testDB.UpsertResourceMetrics(ctx, m))

	all, err := testDB.ListResourceMetrics(ctx)
	require.NoError(t, err)
	var got *model.ResourceMetrics
	for i := range all {
		if all[i].AgentID == m.AgentID {
			got = &all[i]
		}
	}
	require.NotNil(t, got)
	assert.Equal(t, int64(8), got.APICallsCount)
	assert.Equal(t, model.PhaseIntervention, got.Phase)

	require.NoError(t, testDB.DeleteResourceMetrics(ctx, m.AgentID))
	all, err = testDB.ListResourceMetrics(ctx)
	require.NoError(t, err)
	for _, rm := range all {
		assert.NotEqual(t, m.AgentID, rm.AgentID)
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	ctx := context.Background()

	key := model.APIKey{
		ID:      uuid.New(),
		Prefix:  "rk_abcd1",
		KeyHash: "argon2-hash",
		Label:   "ci",
		Role:    model.RoleAdmin,
	}
	created, err := testDB.CreateAPIKey(ctx, key)
	require.NoError(t, err)
	assert.False(t, created.CreatedAt.IsZero())

	byPrefix, err := testDB.GetActiveAPIKeysByPrefix(ctx, "rk_abcd1")
	require.NoError(t, err)
	require.Len(t, byPrefix, 1)
	assert.Equal(t, key.ID, byPrefix[0].ID)

	require.NoError(t, testDB.TouchAPIKeyLastUsed(ctx, key.ID))
	got, err := testDB.GetAPIKeyByID(ctx, key.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.LastUsedAt)

	require.NoError(t, testDB.RevokeAPIKey(ctx, key.ID))
	byPrefix, err = testDB.GetActiveAPIKeysByPrefix(ctx, "rk_abcd1")
	require.NoError(t, err)
	assert.Empty(t, byPrefix, "revoked keys are excluded from prefix lookup")
}

func TestWithRetryGivesUpOnPermanentError(t *testing.T) {
	calls := 0
	err := storage.WithRetry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return assert.AnError
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls, "non-retriable errors fail immediately")
}
