package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ShayCichocki/taskforge/internal/balancer"
	"github.com/ShayCichocki/taskforge/internal/capability"
	"github.com/ShayCichocki/taskforge/internal/compose"
	"github.com/ShayCichocki/taskforge/internal/events"
	"github.com/ShayCichocki/taskforge/internal/graph"
	"github.com/ShayCichocki/taskforge/internal/runtime"
	"github.com/ShayCichocki/taskforge/internal/store"
	"github.com/ShayCichocki/taskforge/pkg/models"
)

// Orchestrator drives workflows end to end: it composes task graphs,
// dispatches eligible tasks to agents through the runtime, applies
// retry and cancellation policy, and aggregates status.
type Orchestrator struct {
	store    store.Store
	runtime  runtime.Runtime
	composer *compose.Composer
	resolver *graph.Resolver
	balancer *balancer.Balancer
	caps     *capability.Registry
	sink     events.Sink
	logger   *DebugLogger

	retryDelay   time.Duration
	taskTimeout  time.Duration
	pollInterval time.Duration

	mu sync.Mutex
	// inflight maps task ID to the agent executing it.
	inflight map[string]string
	cancel   context.CancelFunc
	done     chan struct{}
	started  bool
}

// New creates an Orchestrator from required config plus options.
func New(req RequiredConfig, opts ...Option) (*Orchestrator, error) {
	if req.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if req.Runtime == nil {
		return nil, fmt.Errorf("runtime is required")
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	caps := o.capabilities
	if caps == nil {
		caps = capability.NewRegistry()
	}

	return &Orchestrator{
		store:        req.Store,
		runtime:      req.Runtime,
		composer:     compose.NewComposer(req.Store, o.pipeline),
		resolver:     graph.NewResolver(req.Store),
		balancer:     balancer.New(req.Store),
		caps:         caps,
		sink:         o.sink,
		logger:       o.logger,
		retryDelay:   o.retryDelay,
		taskTimeout:  o.taskTimeout,
		pollInterval: o.pollInterval,
		inflight:     make(map[string]string),
	}, nil
}

// Start launches the dispatch loop. It returns immediately; work
// continues until Stop is called or ctx is cancelled.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator already started")
	}
	o.started = true
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.done = make(chan struct{})
	o.mu.Unlock()

	go o.run(runCtx)
	log.Printf("[orchestrator] started")
	return nil
}

// Stop halts the dispatch loop and waits for it to exit. Running tasks
// are left to the runtime; call CancelWorkflow first to stop them.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	cancel, done := o.cancel, o.done
	o.mu.Unlock()

	cancel()
	<-done
	log.Printf("[orchestrator] stopped")
}

// StartWorkflow composes a new workflow for the requirement and marks
// it running. Returns the root task; its ID is the workflow ID.
func (o *Orchestrator) StartWorkflow(projectID, requirement string) (*models.Task, error) {
	root, err := o.composer.Compose(projectID, requirement)
	if err != nil {
		return nil, err
	}

	// The root is a bookkeeping handle: it runs for as long as the
	// workflow does and never reaches an agent.
	root.Status = models.TaskStatusInProgress
	now := time.Now().UTC()
	root.StartedAt = &now
	if err := o.store.UpdateTask(root); err != nil {
		return nil, fmt.Errorf("mark workflow running: %w", err)
	}

	o.logger.Log("workflow %s started: %s", root.ID, requirement)
	o.sink.Publish(events.Event{
		Type:       events.WorkflowStarted,
		WorkflowID: root.ID,
		Message:    requirement,
	})
	return root, nil
}

// workflowRoot loads the root task for a workflow ID.
func (o *Orchestrator) workflowRoot(workflowID string) (*models.Task, error) {
	root, err := o.store.GetTask(workflowID)
	if err != nil {
		return nil, fmt.Errorf("get workflow %s: %w", workflowID, err)
	}
	if root.Metadata[models.MetaWorkflowRoot] != "true" {
		return nil, fmt.Errorf("task %s is not a workflow root", workflowID)
	}
	return root, nil
}

// workflowTasks lists every task belonging to the workflow, retry
// copies included.
func (o *Orchestrator) workflowTasks(workflowID string) ([]*models.Task, error) {
	return o.store.ListTasks(store.TaskFilter{ParentTaskID: workflowID})
}

// transition applies a status change, enforcing the task state machine.
// The check runs against the stored status, so a transition racing a
// concurrent cancellation loses instead of clobbering it.
func (o *Orchestrator) transition(task *models.Task, to models.TaskStatus) error {
	current, err := o.store.GetTask(task.ID)
	if err != nil {
		return fmt.Errorf("reload task %s: %w", task.ID, err)
	}
	if !current.Status.CanTransition(to) {
		return fmt.Errorf("task %s: illegal transition %s -> %s", task.ID, current.Status, to)
	}
	task.Status = to
	now := time.Now().UTC()
	switch to {
	case models.TaskStatusAssigned:
		task.AssignedAt = &now
	case models.TaskStatusInProgress:
		task.StartedAt = &now
	case models.TaskStatusCompleted, models.TaskStatusFailed, models.TaskStatusCancelled:
		task.CompletedAt = &now
	}
	if to == models.TaskStatusCompleted {
		task.ProgressPercentage = 100
	}
	return o.store.UpdateTask(task)
}

// releaseInflight forgets an inflight task and frees its agent slot.
func (o *Orchestrator) releaseInflight(taskID string) {
	o.mu.Lock()
	agentID, ok := o.inflight[taskID]
	delete(o.inflight, taskID)
	o.mu.Unlock()
	if !ok {
		return
	}
	if err := o.balancer.Release(agentID); err != nil {
		log.Printf("[orchestrator] release slot for task %s: %v", taskID, err)
	}
}
