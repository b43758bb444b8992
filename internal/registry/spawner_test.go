package registry_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rookery-ai/rookery/internal/llm"
	"github.com/rookery-ai/rookery/internal/model"
	"github.com/rookery-ai/rookery/internal/registry"
	"github.com/rookery-ai/rookery/internal/testutil"
)

// stubProvider returns a fixed completion or error.
type stubProvider struct {
	content string
	err     error
}

func (p stubProvider) Chat(_ context.Context, _ []model.ChatMessage, _ llm.Options) (llm.Completion, error) {
	if p.err != nil {
		return llm.Completion{}, p.err
	}
	return llm.Completion{Content: p.content, Model: "stub"}, nil
}

func newSpawner(provider llm.Provider, maxAgents int) *registry.Spawner {
	return registry.NewSpawner(newRegistry(), provider, nil, testutil.TestLogger(),
		registry.SpawnerConfig{MaxAgents: maxAgents})
}

func TestSpawnAssignsGeneratedName(t *testing.T) {
	s := newSpawner(nil, 0)
	agent, err := s.Spawn("general", registry.SpawnOptions{})
	require.NoError(t, err)
	assert.Equal(t, "general", agent.Type)
	assert.Equal(t, model.AgentStatusIdle, agent.Status)
	assert.Contains(t, agent.Name, "general-")
}

func TestSpawnUnknownType(t *testing.T) {
	s := newSpawner(nil, 0)
	_, err := s.Spawn("nonexistent", registry.SpawnOptions{})

	var unknownErr *registry.UnknownAgentTypeError
	require.ErrorAs(t, err, &unknownErr)
	assert.Equal(t, "nonexistent", unknownErr.AgentType)
}

func TestSpawnCapacityFailsFast(t *testing.T) {
	s := newSpawner(nil, 3)
	for i := 0; i < 3; i++ {
		_, err := s.Spawn("general", registry.SpawnOptions{Name: fmt.Sprintf("w-%d", i)})
		require.NoError(t, err)
	}

	_, err := s.Spawn("general", registry.SpawnOptions{})
	var capErr *registry.CapacityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, 3, capErr.Limit)

	// Stopping one frees a slot immediately.
	agents := s.List()
	require.True(t, s.Stop(agents[0].ID))
	_, err = s.Spawn("general", registry.SpawnOptions{})
	assert.NoError(t, err)
}

func TestSpawnDuplicateName(t *testing.T) {
	s := newSpawner(nil, 0)
	_, err := s.Spawn("general", registry.SpawnOptions{Name: "worker"})
	require.NoError(t, err)

	_, err = s.Spawn("general", registry.SpawnOptions{Name: "worker"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already in use")

	// A different type still collides: names are unique across the live set.
	_, err = s.Spawn("research", registry.SpawnOptions{Name: "worker"})
	assert.Error(t, err)
}

func TestStopReleasesName(t *testing.T) {
	s := newSpawner(nil, 0)
	agent, err := s.Spawn("general", registry.SpawnOptions{Name: "worker"})
	require.NoError(t, err)

	require.True(t, s.Stop(agent.ID))
	assert.False(t, s.Stop(agent.ID), "double stop must return false")
	assert.Equal(t, 0, s.Count())

	_, err = s.Spawn("general", registry.SpawnOptions{Name: "worker"})
	assert.NoError(t, err, "stopped agent's name must be reusable")
}

func TestGetAndList(t *testing.T) {
	s := newSpawner(nil, 0)
	agent, err := s.Spawn("code", registry.SpawnOptions{})
	require.NoError(t, err)

	got, ok := s.Get(agent.ID)
	require.True(t, ok)
	assert.Equal(t, agent.ID, got.ID)

	_, ok = s.Get(uuid.New())
	assert.False(t, ok)

	assert.Len(t, s.List(), 1)
}

func TestSetStatusRejectsUnknownValue(t *testing.T) {
	s := newSpawner(nil, 0)
	agent, err := s.Spawn("general", registry.SpawnOptions{})
	require.NoError(t, err)

	assert.Error(t, s.SetStatus(agent.ID, model.AgentStatus("confused")))
	assert.NoError(t, s.SetStatus(agent.ID, model.AgentStatusRunning))
	assert.Error(t, s.SetStatus(uuid.New(), model.AgentStatusIdle))
}

func TestExecuteRunsTask(t *testing.T) {
	s := newSpawner(stubProvider{content: "done"}, 0)
	agent, err := s.Spawn("general", registry.SpawnOptions{})
	require.NoError(t, err)

	task := model.Task{ID: uuid.New(), AgentType: "general", Input: "do the thing"}
	result, err := s.Execute(context.Background(), agent.ID, task, registry.ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, "done", result.Response)
	assert.Equal(t, agent.ID, result.AgentID)

	got, _ := s.Get(agent.ID)
	assert.Equal(t, model.AgentStatusIdle, got.Status)
}

func TestExecuteUnavailableProviderLeavesAgentIdle(t *testing.T) {
	s := newSpawner(stubProvider{err: llm.ErrUnavailable}, 0)
	agent, err := s.Spawn("general", registry.SpawnOptions{})
	require.NoError(t, err)

	_, err = s.Execute(context.Background(), agent.ID, model.Task{ID: uuid.New(), Input: "x"}, registry.ExecuteOptions{})
	require.ErrorIs(t, err, llm.ErrUnavailable)

	got, _ := s.Get(agent.ID)
	assert.Equal(t, model.AgentStatusIdle, got.Status, "an unavailable provider never started the call")
}

func TestExecuteFailureMarksAgentFailed(t *testing.T) {
	s := newSpawner(stubProvider{err: errors.New("rate limited")}, 0)
	agent, err := s.Spawn("general", registry.SpawnOptions{})
	require.NoError(t, err)

	_, err = s.Execute(context.Background(), agent.ID, model.Task{ID: uuid.New(), Input: "x"}, registry.ExecuteOptions{})
	require.Error(t, err)

	got, _ := s.Get(agent.ID)
	assert.Equal(t, model.AgentStatusFailed, got.Status)
}

func TestExecuteUnknownAgent(t *testing.T) {
	s := newSpawner(nil, 0)
	_, err := s.Execute(context.Background(), uuid.New(), model.Task{}, registry.ExecuteOptions{})
	assert.Error(t, err)
}
