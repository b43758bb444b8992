package coordinator_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rookery-ai/rookery/internal/bus"
	"github.com/rookery-ai/rookery/internal/coordinator"
	"github.com/rookery-ai/rookery/internal/model"
	"github.com/rookery-ai/rookery/internal/queue"
	"github.com/rookery-ai/rookery/internal/registry"
	"github.com/rookery-ai/rookery/internal/testutil"
)

type fixture struct {
	queue   *queue.TaskQueue
	bus     *bus.MessageBus
	spawner *registry.Spawner
	coord   *coordinator.Coordinator
}

func newFixture(t *testing.T, maxWorkers int) *fixture {
	t.Helper()
	q := queue.New(nil)
	b := bus.New()
	sp := registry.NewSpawner(
		registry.NewRegistry(testutil.TestLogger(), registry.Builtins()),
		nil, nil, testutil.TestLogger(), registry.SpawnerConfig{})
	c := coordinator.New(q, b, sp, testutil.TestLogger(), maxWorkers)
	t.Cleanup(c.Shutdown)
	return &fixture{queue: q, bus: b, spawner: sp, coord: c}
}

func newTask(agentType string) model.Task {
	return model.Task{ID: uuid.New(), AgentType: agentType, Input: "work", Status: model.TaskStatusPending}
}

func TestInitializeSpawnsCoordinatorAgent(t *testing.T) {
	f := newFixture(t, 0)
	require.NoError(t, f.coord.Initialize())

	st := f.coord.Status()
	require.NotNil(t, st.Coordinator)
	assert.Equal(t, "coordinator", st.Coordinator.Type)
	assert.Empty(t, st.Workers)

	assert.Error(t, f.coord.Initialize(), "double initialize must fail")
}

func TestSubmitTaskRequiresInitialize(t *testing.T) {
	f := newFixture(t, 0)
	err := f.coord.SubmitTask(newTask("general"), 5)
	assert.Error(t, err)
}

func TestSubmitTaskSpawnsWorkerAndAssigns(t *testing.T) {
	f := newFixture(t, 2)
	require.NoError(t, f.coord.Initialize())

	task := newTask("general")
	require.NoError(t, f.coord.SubmitTask(task, 5))

	st := f.coord.Status()
	require.Len(t, st.Workers, 1)
	assert.Equal(t, "general", st.Workers[0].Type)

	// The task was dequeued and assigned to the new worker.
	assert.Equal(t, 0, st.Queue.Queued)
	assert.Equal(t, 1, st.Queue.Processing)
	procs := f.queue.Processing()
	require.Len(t, procs, 1)
	require.NotNil(t, procs[0].AssignedTo)
	assert.Equal(t, st.Workers[0].ID, *procs[0].AssignedTo)
}

func TestSubmitTaskOverWorkerCapacityQueues(t *testing.T) {
	f := newFixture(t, 1)
	require.NoError(t, f.coord.Initialize())

	require.NoError(t, f.coord.SubmitTask(newTask("general"), 5))
	require.NoError(t, f.coord.SubmitTask(newTask("general"), 5))

	st := f.coord.Status()
	assert.Len(t, st.Workers, 1)
	assert.Equal(t, 1, st.Queue.Queued, "second task waits for a free worker")
	assert.Equal(t, 1, st.Queue.Processing)
}

func TestWorkerCompletionPullsNextTask(t *testing.T) {
	f := newFixture(t, 1)
	require.NoError(t, f.coord.Initialize())

	first := newTask("general")
	second := newTask("general")
	require.NoError(t, f.coord.SubmitTask(first, 5))
	require.NoError(t, f.coord.SubmitTask(second, 5))

	st0 := f.coord.Status()
	worker := st0.Workers[0]
	f.bus.Send(worker.ID.String(), st0.Coordinator.ID.String(), coordinator.MsgTaskCompleted,
		map[string]any{"task_id": first.ID})

	st := f.coord.Status()
	require.Len(t, st.Workers, 1, "worker stays alive while matching work remains")
	assert.Equal(t, 0, st.Queue.Queued)
	assert.Equal(t, 1, st.Queue.Processing)

	procs := f.queue.Processing()
	require.Len(t, procs, 1)
	assert.Equal(t, second.ID, procs[0].Task.ID)
}

func TestWorkerRetiredWhenNoMatchingWork(t *testing.T) {
	f := newFixture(t, 2)
	require.NoError(t, f.coord.Initialize())

	task := newTask("general")
	require.NoError(t, f.coord.SubmitTask(task, 5))
	st0 := f.coord.Status()
	worker := st0.Workers[0]

	f.bus.Send(worker.ID.String(), st0.Coordinator.ID.String(), coordinator.MsgTaskCompleted,
		map[string]any{"task_id": task.ID})

	st := f.coord.Status()
	assert.Empty(t, st.Workers)
	assert.Equal(t, 0, st.Queue.Total)
	_, live := f.spawner.Get(worker.ID)
	assert.False(t, live, "retired worker must be stopped in the spawner")
}

func TestWorkerFailureRequeuesTask(t *testing.T) {
	f := newFixture(t, 1)
	require.NoError(t, f.coord.Initialize())

	task := newTask("general")
	require.NoError(t, f.coord.SubmitTask(task, 5))
	st0 := f.coord.Status()
	worker := st0.Workers[0]

	f.bus.Send(worker.ID.String(), st0.Coordinator.ID.String(), coordinator.MsgTaskFailed,
		map[string]any{"task_id": task.ID})

	// Requeue demoted the priority; the same (still live) worker picked
	// the task right back up.
	st := f.coord.Status()
	assert.Equal(t, 1, st.Queue.Processing)
	assert.Equal(t, 0, st.Queue.Queued)
}

func TestMessagesFromUntrackedSendersIgnored(t *testing.T) {
	f := newFixture(t, 1)
	require.NoError(t, f.coord.Initialize())

	task := newTask("general")
	require.NoError(t, f.coord.SubmitTask(task, 5))
	st0 := f.coord.Status()
	worker := st0.Workers[0]
	coordAddr := st0.Coordinator.ID.String()

	// A stranger claiming completion must not alter queue state.
	f.bus.Send(uuid.New().String(), coordAddr, coordinator.MsgTaskCompleted,
		map[string]any{"task_id": task.ID})
	assert.Equal(t, 1, f.queue.Status().Processing)

	// Unknown message types from a tracked worker are tolerated.
	f.bus.Send(worker.ID.String(), coordAddr, "gossip", nil)
	assert.Equal(t, 1, f.queue.Status().Processing)
}

func TestShutdownStopsEverything(t *testing.T) {
	f := newFixture(t, 2)
	require.NoError(t, f.coord.Initialize())
	require.NoError(t, f.coord.SubmitTask(newTask("general"), 5))

	f.coord.Shutdown()

	st := f.coord.Status()
	assert.Nil(t, st.Coordinator)
	assert.Empty(t, st.Workers)
	assert.Equal(t, 0, f.spawner.Count())

	// Shutdown is idempotent and re-initialization works.
	f.coord.Shutdown()
	assert.NoError(t, f.coord.Initialize())
}
