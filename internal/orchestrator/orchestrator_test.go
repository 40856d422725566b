package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/taskforge/internal/capability"
	"github.com/ShayCichocki/taskforge/internal/compose"
	"github.com/ShayCichocki/taskforge/internal/events"
	"github.com/ShayCichocki/taskforge/internal/runtime"
	"github.com/ShayCichocki/taskforge/internal/store"
	"github.com/ShayCichocki/taskforge/pkg/models"
)

// testPipeline is a three-stage plan: one planner task, a parallel
// design stage with two branches, then one engineer task.
func testPipeline() *compose.Pipeline {
	return &compose.Pipeline{
		Name: "test",
		Stages: []compose.Stage{
			{Name: "plan", Tasks: []compose.TaskSpec{{
				Title: "Plan: {requirement}", Type: models.TaskTypePlanning, AgentType: models.AgentTypePlanner,
			}}},
			{Name: "design", Tasks: []compose.TaskSpec{
				{Title: "Requirements: {requirement}", Type: models.TaskTypeDesign, AgentType: models.AgentTypeProductManager},
				{Title: "Architecture: {requirement}", Type: models.TaskTypeDesign, AgentType: models.AgentTypeArchitect},
			}},
			{Name: "build", Tasks: []compose.TaskSpec{{
				Title: "Implement: {requirement}", Type: models.TaskTypeImplementation, AgentType: models.AgentTypeEngineer,
			}}},
		},
	}
}

type fixture struct {
	orch     *Orchestrator
	store    store.Store
	scripted *capability.Scripted
	caps     *capability.Registry
}

// newFixture wires an orchestrator over the in-memory store, a real
// worker pool, and a scripted capability. The dispatch loop is not
// started; tests script their outcomes first, then call start.
func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	s := store.NewMemory()
	for _, agentType := range models.AgentTypes() {
		agent := &models.Agent{
			ID:                 string(agentType) + "-1",
			Type:               agentType,
			Name:               string(agentType),
			MaxConcurrentTasks: 2,
			IsActive:           true,
		}
		agent.RecomputeStatus()
		require.NoError(t, s.CreateAgent(agent))
	}

	pool := runtime.NewPool(4, 32)
	t.Cleanup(func() { pool.Close() })

	scripted := capability.NewScripted()
	caps := capability.NewRegistry()
	caps.RegisterAll(scripted)

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	base := []Option{
		WithPipeline(testPipeline()),
		WithCapabilities(caps),
		WithEventSink(bus),
		WithPollInterval(10 * time.Millisecond),
		WithRetryDelay(10 * time.Millisecond),
		WithTaskTimeout(5 * time.Second),
	}
	orch, err := New(RequiredConfig{Store: s, Runtime: pool}, append(base, opts...)...)
	require.NoError(t, err)

	return &fixture{orch: orch, store: s, scripted: scripted, caps: caps}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.orch.Start(context.Background()))
	t.Cleanup(f.orch.Stop)
}

func (f *fixture) children(t *testing.T, workflowID string) []*models.Task {
	t.Helper()
	tasks, err := f.store.ListTasks(store.TaskFilter{ParentTaskID: workflowID})
	require.NoError(t, err)
	return tasks
}

// waitForStatus polls until the task reaches the wanted status.
func waitForStatus(t *testing.T, s store.Store, taskID string, want models.TaskStatus) *models.Task {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		task, err := s.GetTask(taskID)
		require.NoError(t, err)
		if task.Status == want {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	task, _ := s.GetTask(taskID)
	t.Fatalf("task %s never reached %s (stuck at %s)", taskID, want, task.Status)
	return nil
}

func stageOf(task *models.Task) string {
	return task.Metadata[models.MetaStage]
}

func TestWorkflowRunsToCompletion(t *testing.T) {
	f := newFixture(t)

	root, err := f.orch.StartWorkflow("p1", "build a todo API")
	require.NoError(t, err)
	f.start(t)

	waitForStatus(t, f.store, root.ID, models.TaskStatusCompleted)

	children := f.children(t, root.ID)
	require.Len(t, children, 4)

	stageByID := make(map[string]string)
	for _, child := range children {
		assert.Equal(t, models.TaskStatusCompleted, child.Status, "task %s", child.ID)
		assert.NotEmpty(t, child.Result)
		assert.NotEmpty(t, child.AgentID)
		stageByID[child.ID] = stageOf(child)
	}

	// Stage order must hold in the execution trace: plan first, build
	// last, the two design branches in between.
	executed := f.scripted.Executed()
	require.Len(t, executed, 4)
	assert.Equal(t, "plan", stageByID[executed[0]])
	assert.Equal(t, "design", stageByID[executed[1]])
	assert.Equal(t, "design", stageByID[executed[2]])
	assert.Equal(t, "build", stageByID[executed[3]])
}

func TestWorkflowExhaustedRetriesFailAndCascade(t *testing.T) {
	f := newFixture(t, WithRetryDelay(300*time.Millisecond))

	root, err := f.orch.StartWorkflow("p1", "doomed work")
	require.NoError(t, err)

	var planID string
	for _, child := range f.children(t, root.ID) {
		if stageOf(child) == "plan" {
			planID = child.ID
			f.scripted.Fail(child.ID, errors.New("planner crashed"))
		}
	}
	require.NotEmpty(t, planID)

	// Retry copies get fresh IDs. They sit out the retry delay, so
	// scripting their failure from a fast poll loop lands in time.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(10 * time.Millisecond):
			}
			tasks, err := f.store.ListTasks(store.TaskFilter{ParentTaskID: root.ID})
			if err != nil {
				continue
			}
			for _, task := range tasks {
				if task.Metadata[models.MetaRetryOf] != "" {
					f.scripted.Fail(task.ID, errors.New("planner crashed"))
				}
			}
		}
	}()

	f.start(t)
	waitForStatus(t, f.store, root.ID, models.TaskStatusFailed)

	tasks := f.children(t, root.ID)
	// 4 original tasks plus 3 retry copies of the planner.
	require.Len(t, tasks, 7)

	retries := 0
	for _, task := range tasks {
		switch {
		case task.ID == planID || task.Metadata[models.MetaRetryOf] != "":
			assert.Equal(t, models.TaskStatusFailed, task.Status, "task %s", task.ID)
			if task.Metadata[models.MetaRetryOf] != "" {
				retries++
			}
		default:
			// Downstream stages never ran and got cancelled.
			assert.Equal(t, models.TaskStatusCancelled, task.Status, "task %s", task.ID)
			assert.Equal(t, "upstream failure", task.ErrorMessage)
		}
	}
	assert.Equal(t, 3, retries)
}

func TestRetrySucceedsAndRewiresDependents(t *testing.T) {
	f := newFixture(t)

	root, err := f.orch.StartWorkflow("p1", "flaky planning")
	require.NoError(t, err)

	// Planner fails once; its retry copy is unscripted, so it succeeds.
	var planID string
	for _, child := range f.children(t, root.ID) {
		if stageOf(child) == "plan" {
			planID = child.ID
			f.scripted.Fail(child.ID, errors.New("transient"))
		}
	}

	f.start(t)
	waitForStatus(t, f.store, root.ID, models.TaskStatusCompleted)

	tasks := f.children(t, root.ID)
	require.Len(t, tasks, 5)

	var retry *models.Task
	for _, task := range tasks {
		if task.Metadata[models.MetaRetryOf] == planID {
			retry = task
		}
	}
	require.NotNil(t, retry, "retry copy of planner not found")
	assert.Equal(t, models.TaskStatusCompleted, retry.Status)
	assert.Equal(t, 1, retry.RetryCount)
	assert.Equal(t, "1", retry.Metadata[models.MetaRetryCount])
	assert.NotEmpty(t, retry.Metadata[models.MetaRetryNotBefore])

	// Design-stage tasks now depend on the retry copy, not the original.
	for _, task := range tasks {
		if stageOf(task) == "design" {
			assert.Equal(t, []string{retry.ID}, task.Dependencies)
			assert.Equal(t, models.TaskStatusCompleted, task.Status)
		}
	}

	// The failed original stays failed; the copy resolved it.
	original, err := f.store.GetTask(planID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, original.Status)
}

func TestManualRetryRefusedAfterExhaustion(t *testing.T) {
	f := newFixture(t, WithRetryDelay(300*time.Millisecond))

	root, err := f.orch.StartWorkflow("p1", "doomed again")
	require.NoError(t, err)

	for _, child := range f.children(t, root.ID) {
		if stageOf(child) == "plan" {
			f.scripted.Fail(child.ID, errors.New("always broken"))
		}
	}
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(10 * time.Millisecond):
			}
			tasks, err := f.store.ListTasks(store.TaskFilter{ParentTaskID: root.ID})
			if err != nil {
				continue
			}
			for _, task := range tasks {
				if task.Metadata[models.MetaRetryOf] != "" {
					f.scripted.Fail(task.ID, errors.New("always broken"))
				}
			}
		}
	}()

	f.start(t)
	waitForStatus(t, f.store, root.ID, models.TaskStatusFailed)

	// The last copy burned the whole budget; retrying it is refused.
	var last *models.Task
	for _, task := range f.children(t, root.ID) {
		if stageOf(task) == "plan" && task.RetryCount == task.MaxRetries {
			last = task
		}
	}
	require.NotNil(t, last)

	_, err = f.orch.RetryTask(last.ID)
	assert.ErrorIs(t, err, ErrRetriesExhausted)

	// Retrying a task that did not fail is refused too.
	var cancelledID string
	for _, task := range f.children(t, root.ID) {
		if task.Status == models.TaskStatusCancelled {
			cancelledID = task.ID
		}
	}
	require.NotEmpty(t, cancelledID)
	_, err = f.orch.RetryTask(cancelledID)
	assert.ErrorIs(t, err, ErrNotRetryable)
}

// blockingCapability parks every execution until released.
type blockingCapability struct {
	release chan struct{}
	inner   capability.Capability
}

func (b blockingCapability) Execute(ctx context.Context, req capability.Request) (*capability.Result, error) {
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return b.inner.Execute(ctx, req)
}

func TestCancelWorkflowConvergence(t *testing.T) {
	f := newFixture(t)

	// The design stage blocks until released, so the cancel catches its
	// two tasks mid-flight.
	release := make(chan struct{})
	blocked := blockingCapability{release: release, inner: f.scripted}
	f.caps.Register(models.AgentTypeProductManager, blocked)
	f.caps.Register(models.AgentTypeArchitect, blocked)

	root, err := f.orch.StartWorkflow("p1", "cancel me")
	require.NoError(t, err)

	var planID string
	for _, child := range f.children(t, root.ID) {
		if stageOf(child) == "plan" {
			planID = child.ID
		}
	}

	f.start(t)
	waitForStatus(t, f.store, planID, models.TaskStatusCompleted)

	// Wait for both design tasks to be running.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		running, err := f.store.ListTasks(store.TaskFilter{
			ParentTaskID: root.ID,
			Statuses:     []models.TaskStatus{models.TaskStatusInProgress},
		})
		require.NoError(t, err)
		if len(running) == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	require.NoError(t, f.orch.CancelWorkflow(root.ID))
	close(release)

	waitForStatus(t, f.store, root.ID, models.TaskStatusCancelled)

	cancelled := 0
	for _, task := range f.children(t, root.ID) {
		switch stageOf(task) {
		case "plan":
			// Completed before the cancel; must stay completed.
			assert.Equal(t, models.TaskStatusCompleted, task.Status)
		default:
			assert.Equal(t, models.TaskStatusCancelled, task.Status, "task %s", task.ID)
			cancelled++
		}
	}
	assert.Equal(t, 3, cancelled)

	// Agents hold no slots once everything converged.
	stats, err := f.orch.ListAgentStats()
	require.NoError(t, err)
	for _, w := range stats {
		assert.Zero(t, w.CurrentLoad, "agent %s still loaded", w.AgentID)
	}

	// Cancelling a terminal workflow is a no-op.
	require.NoError(t, f.orch.CancelWorkflow(root.ID))
}

func TestDuplicateCompletionIsIgnored(t *testing.T) {
	f := newFixture(t)

	root, err := f.orch.StartWorkflow("p1", "idempotence")
	require.NoError(t, err)
	f.start(t)
	waitForStatus(t, f.store, root.ID, models.TaskStatusCompleted)

	children := f.children(t, root.ID)

	before, err := f.orch.ListAgentStats()
	require.NoError(t, err)

	// Replay a completion for an already-terminal task.
	f.orch.handleCompletion(runtime.Completion{
		JobID:  children[0].ID,
		Result: &runtime.Result{Status: runtime.JobSuccess, Output: "replayed"},
	})

	after, err := f.orch.ListAgentStats()
	require.NoError(t, err)
	assert.Equal(t, before, after)

	got, err := f.store.GetTask(children[0].ID)
	require.NoError(t, err)
	assert.NotEqual(t, "replayed", got.Result)
}

func TestGetWorkflowStatus(t *testing.T) {
	f := newFixture(t)

	root, err := f.orch.StartWorkflow("p1", "status check")
	require.NoError(t, err)
	f.start(t)
	waitForStatus(t, f.store, root.ID, models.TaskStatusCompleted)

	ws, err := f.orch.GetWorkflowStatus(root.ID)
	require.NoError(t, err)
	assert.Equal(t, root.ID, ws.WorkflowID)
	assert.Equal(t, "status check", ws.Requirement)
	assert.Equal(t, models.TaskStatusCompleted, ws.Status)
	assert.True(t, ws.Ready)
	assert.True(t, ws.Successful)
	assert.Equal(t, 100, ws.Progress)
	assert.Equal(t, 4, ws.Counts[models.TaskStatusCompleted])
	assert.Len(t, ws.Tasks, 4)
	for _, view := range ws.Tasks {
		assert.Equal(t, runtime.JobSuccess, view.JobState)
	}

	// Unknown and non-root IDs are rejected.
	_, err = f.orch.GetWorkflowStatus("nope")
	assert.Error(t, err)
	_, err = f.orch.GetWorkflowStatus(ws.Tasks[0].ID)
	assert.Error(t, err)
}

func TestGetAgentWorkload(t *testing.T) {
	f := newFixture(t)

	root, err := f.orch.StartWorkflow("p1", "workload check")
	require.NoError(t, err)

	// Before the driver starts: the plan task is pending, the design
	// branches and build are blocked behind it.
	workload, err := f.orch.GetAgentWorkload("")
	require.NoError(t, err)
	assert.Equal(t, WorkloadCounts{Pending: 1, Total: 1}, workload[models.AgentTypePlanner])
	assert.Equal(t, WorkloadCounts{Pending: 1, Total: 1}, workload[models.AgentTypeArchitect])
	assert.Equal(t, WorkloadCounts{Pending: 1, Total: 1}, workload[models.AgentTypeEngineer])

	// Filtered query covers only the requested type.
	planner, err := f.orch.GetAgentWorkload(models.AgentTypePlanner)
	require.NoError(t, err)
	require.Len(t, planner, 1)
	assert.Equal(t, 1, planner[models.AgentTypePlanner].Total)

	f.start(t)
	waitForStatus(t, f.store, root.ID, models.TaskStatusCompleted)

	workload, err = f.orch.GetAgentWorkload("")
	require.NoError(t, err)
	for agentType, counts := range workload {
		assert.Zero(t, counts.Pending, "type %s", agentType)
		assert.Zero(t, counts.InProgress, "type %s", agentType)
	}

	stats, err := f.orch.ListAgentStats()
	require.NoError(t, err)
	require.Len(t, stats, len(models.AgentTypes()))

	handled := int64(0)
	for _, w := range stats {
		assert.Zero(t, w.CurrentLoad)
		handled += w.Handled
	}
	assert.Equal(t, int64(4), handled)
}

func TestUpstreamContextFlowsDownstream(t *testing.T) {
	f := newFixture(t)

	root, err := f.orch.StartWorkflow("p1", "context flow")
	require.NoError(t, err)

	for _, child := range f.children(t, root.ID) {
		if stageOf(child) == "plan" {
			f.scripted.Succeed(child.ID, "THE PLAN")
		}
	}

	f.start(t)
	waitForStatus(t, f.store, root.ID, models.TaskStatusCompleted)

	for _, task := range f.children(t, root.ID) {
		if stageOf(task) == "design" {
			assert.Contains(t, task.Metadata[models.MetaUpstreamContext], "THE PLAN")
		}
	}
}

func TestStartWorkflowValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.StartWorkflow("p1", "  ")
	assert.Error(t, err)
}

func TestRetryBackoffKeepsSubSecondDelay(t *testing.T) {
	f := newFixture(t, WithRetryDelay(300*time.Millisecond))

	task := &models.Task{
		ID:         "flaky",
		ProjectID:  "p1",
		Title:      "flaky task",
		Type:       models.TaskTypePlanning,
		AgentType:  models.AgentTypePlanner,
		Status:     models.TaskStatusFailed,
		MaxRetries: models.DefaultMaxRetries,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, f.store.CreateTask(task))

	retry, err := f.orch.spawnRetry(task, errors.New("transient"))
	require.NoError(t, err)

	// The serialized not-before must keep the sub-second delay: the copy
	// is not due immediately, only after the full backoff has elapsed.
	notBefore, err := time.Parse(time.RFC3339Nano, retry.Metadata[models.MetaRetryNotBefore])
	require.NoError(t, err)
	assert.True(t, notBefore.After(time.Now().UTC()), "backoff window collapsed to zero")

	assert.False(t, retryDue(retry, time.Now().UTC()))
	assert.True(t, retryDue(retry, time.Now().UTC().Add(400*time.Millisecond)))
}

func TestDispatchFailureOnMissingDependencyReleasesAgent(t *testing.T) {
	f := newFixture(t)

	// A pending task whose dependency does not exist: assignment succeeds
	// but building the upstream context cannot.
	task := &models.Task{
		ID:           "orphan",
		ProjectID:    "p1",
		Title:        "depends on nothing real",
		Type:         models.TaskTypePlanning,
		AgentType:    models.AgentTypePlanner,
		Status:       models.TaskStatusPending,
		MaxRetries:   models.DefaultMaxRetries,
		Dependencies: []string{"ghost"},
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, f.store.CreateTask(task))

	err := f.orch.dispatch(context.Background(), task)
	require.Error(t, err)

	// The task must not be stranded in assigned: normal failure handling
	// closes it out and spawns a retry copy.
	got, err := f.store.GetTask("orphan")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, got.Status)

	tasks, err := f.store.ListTasks(store.TaskFilter{ProjectID: "p1"})
	require.NoError(t, err)
	var retry *models.Task
	for _, candidate := range tasks {
		if candidate.Metadata[models.MetaRetryOf] == "orphan" {
			retry = candidate
		}
	}
	require.NotNil(t, retry, "retry copy not spawned")
	assert.Equal(t, models.TaskStatusPending, retry.Status)

	stats, err := f.orch.ListAgentStats()
	require.NoError(t, err)
	for _, w := range stats {
		assert.Zero(t, w.CurrentLoad, "agent %s slot leaked", w.AgentID)
	}
}
