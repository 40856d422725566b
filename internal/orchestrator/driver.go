package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ShayCichocki/taskforge/internal/balancer"
	"github.com/ShayCichocki/taskforge/internal/capability"
	"github.com/ShayCichocki/taskforge/internal/events"
	"github.com/ShayCichocki/taskforge/internal/runtime"
	"github.com/ShayCichocki/taskforge/internal/store"
	"github.com/ShayCichocki/taskforge/pkg/models"
)

// run is the dispatch loop: it reacts to completions as they arrive and
// rescans for eligible tasks on a timer so unblocked and retried work
// gets picked up.
func (o *Orchestrator) run(ctx context.Context) {
	defer close(o.done)

	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-o.runtime.Completions():
			if !ok {
				return
			}
			o.handleCompletion(c)
			o.dispatchEligible(ctx)
		case <-ticker.C:
			o.dispatchEligible(ctx)
		}
	}
}

// dispatchEligible scans pending tasks and starts every one whose
// dependencies are satisfied and whose agent type has capacity.
func (o *Orchestrator) dispatchEligible(ctx context.Context) {
	pending, err := o.store.ListTasks(store.TaskFilter{
		Statuses: []models.TaskStatus{models.TaskStatusPending},
	})
	if err != nil {
		log.Printf("[orchestrator] list pending tasks: %v", err)
		return
	}

	now := time.Now().UTC()
	for _, task := range pending {
		// Workflow roots are handles, never dispatched.
		if task.AgentType == "" {
			continue
		}
		if !retryDue(task, now) {
			continue
		}

		eligible, err := o.resolver.Eligible(task)
		if err != nil {
			log.Printf("[orchestrator] eligibility check for %s: %v", task.ID, err)
			continue
		}
		if !eligible {
			continue
		}

		if err := o.dispatch(ctx, task); err != nil {
			if errors.Is(err, balancer.ErrNoCapacity) || errors.Is(err, balancer.ErrNoAgents) {
				// Stays pending; next scan retries.
				continue
			}
			log.Printf("[orchestrator] dispatch %s: %v", task.ID, err)
		}
	}
}

// retryDue reports whether a retry copy's backoff window has passed.
// Tasks without retry metadata are always due.
func retryDue(task *models.Task, now time.Time) bool {
	raw, ok := task.Metadata[models.MetaRetryNotBefore]
	if !ok {
		return true
	}
	notBefore, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return true
	}
	return !now.Before(notBefore)
}

// dispatch assigns the task to an agent and submits it to the runtime.
func (o *Orchestrator) dispatch(ctx context.Context, task *models.Task) error {
	agent, err := o.balancer.Acquire(task.AgentType)
	if err != nil {
		return err
	}

	task.AgentID = agent.ID
	if err := o.transition(task, models.TaskStatusAssigned); err != nil {
		o.releaseSlot(agent.ID)
		return err
	}
	o.sink.Publish(events.Event{
		Type:       events.TaskAssigned,
		WorkflowID: task.ParentTaskID,
		TaskID:     task.ID,
		AgentID:    agent.ID,
	})

	upstream, err := o.upstreamContext(task)
	if err != nil {
		o.releaseSlot(agent.ID)
		return o.failDispatch(task, err)
	}
	task.SetMeta(models.MetaUpstreamContext, upstream)

	if err := o.transition(task, models.TaskStatusInProgress); err != nil {
		o.releaseSlot(agent.ID)
		return err
	}

	backend, err := o.caps.Lookup(task.AgentType)
	if err != nil {
		o.releaseSlot(agent.ID)
		return o.failDispatch(task, err)
	}

	req := capability.Request{
		TaskID:          task.ID,
		Title:           task.Title,
		Description:     task.Description,
		AgentType:       task.AgentType,
		UpstreamContext: upstream,
	}
	sub := runtime.Submission{
		JobID:   task.ID,
		Timeout: o.taskTimeout,
		Work: func(ctx context.Context) (*runtime.Result, error) {
			res, err := backend.Execute(ctx, req)
			if err != nil {
				return nil, err
			}
			return &runtime.Result{
				Output:     res.Output,
				TokensUsed: res.TokensUsed,
				CostUSD:    res.CostUSD,
			}, nil
		},
	}

	o.mu.Lock()
	o.inflight[task.ID] = agent.ID
	o.mu.Unlock()

	if err := o.runtime.Submit(sub); err != nil {
		o.releaseInflight(task.ID)
		return o.failDispatch(task, err)
	}

	o.logger.Log("task %s dispatched to agent %s", task.ID, agent.ID)
	o.sink.Publish(events.Event{
		Type:       events.TaskStarted,
		WorkflowID: task.ParentTaskID,
		TaskID:     task.ID,
		AgentID:    agent.ID,
	})
	return nil
}

// failDispatch records a dispatch-time failure and routes it through
// normal failure handling so retry policy applies.
func (o *Orchestrator) failDispatch(task *models.Task, cause error) error {
	o.handleFailure(task, cause)
	return fmt.Errorf("dispatch task %s: %w", task.ID, cause)
}

func (o *Orchestrator) releaseSlot(agentID string) {
	if err := o.balancer.Release(agentID); err != nil {
		log.Printf("[orchestrator] release slot on %s: %v", agentID, err)
	}
}

// upstreamContext serializes the results of completed dependencies so
// downstream agents see what upstream produced.
func (o *Orchestrator) upstreamContext(task *models.Task) (string, error) {
	if len(task.Dependencies) == 0 {
		return "", nil
	}
	var b strings.Builder
	for _, depID := range task.Dependencies {
		dep, err := o.store.GetTask(depID)
		if err != nil {
			return "", fmt.Errorf("load dependency %s: %w", depID, err)
		}
		if dep.Result == "" {
			continue
		}
		fmt.Fprintf(&b, "### %s\n%s\n\n", dep.Title, dep.Result)
	}
	return strings.TrimSpace(b.String()), nil
}

// handleCompletion processes one finished job. Completions for tasks
// already in a terminal state are ignored, so duplicate reports and
// completions racing a cancellation are harmless.
func (o *Orchestrator) handleCompletion(c runtime.Completion) {
	task, err := o.store.GetTask(c.JobID)
	if err != nil {
		log.Printf("[orchestrator] completion for unknown task %s: %v", c.JobID, err)
		o.releaseInflight(c.JobID)
		return
	}
	if task.Status.Terminal() {
		o.releaseInflight(c.JobID)
		return
	}

	if c.Result.Status == runtime.JobSuccess {
		o.handleSuccess(task, c.Result)
		return
	}
	o.recordAgentResult(task, c.Result, false)
	o.releaseInflight(task.ID)
	o.handleFailure(task, c.Result.Err)
}

// handleSuccess finalizes a completed task, unblocks dependents, and
// completes the workflow when this was the last one.
func (o *Orchestrator) handleSuccess(task *models.Task, result *runtime.Result) {
	task.Result = result.Output
	if err := o.transition(task, models.TaskStatusCompleted); err != nil {
		log.Printf("[orchestrator] complete task %s: %v", task.ID, err)
		return
	}
	o.recordAgentResult(task, result, true)
	o.releaseInflight(task.ID)

	o.logger.Log("task %s completed", task.ID)
	o.sink.Publish(events.Event{
		Type:       events.TaskCompleted,
		WorkflowID: task.ParentTaskID,
		TaskID:     task.ID,
		AgentID:    task.AgentID,
	})

	unblocked, err := o.resolver.OnTaskCompleted(task.ID)
	if err != nil {
		log.Printf("[orchestrator] unblock dependents of %s: %v", task.ID, err)
	}
	for _, u := range unblocked {
		o.sink.Publish(events.Event{
			Type:       events.TaskUnblocked,
			WorkflowID: u.ParentTaskID,
			TaskID:     u.ID,
		})
	}

	o.finalizeWorkflow(task.ParentTaskID)
}

// handleFailure applies retry policy to a failed task. Within budget it
// spawns a retry copy; exhausted tasks fail terminally and cancel
// everything downstream of them.
func (o *Orchestrator) handleFailure(task *models.Task, cause error) {
	if cause != nil {
		task.ErrorMessage = cause.Error()
	}

	if task.RetryCount < task.MaxRetries {
		retry, err := o.spawnRetry(task, cause)
		if err != nil {
			log.Printf("[orchestrator] retry task %s: %v", task.ID, err)
		} else {
			o.logger.Log("task %s failed, retry %s scheduled (attempt %d/%d)",
				task.ID, retry.ID, retry.RetryCount, retry.MaxRetries)
			o.sink.Publish(events.Event{
				Type:       events.TaskRetried,
				WorkflowID: task.ParentTaskID,
				TaskID:     retry.ID,
				Message:    fmt.Sprintf("retry of %s", task.ID),
			})
			return
		}
	}

	if err := o.transition(task, models.TaskStatusFailed); err != nil {
		log.Printf("[orchestrator] fail task %s: %v", task.ID, err)
		return
	}
	o.logger.Log("task %s failed permanently: %v", task.ID, cause)
	o.sink.Publish(events.Event{
		Type:       events.TaskFailed,
		WorkflowID: task.ParentTaskID,
		TaskID:     task.ID,
		Message:    task.ErrorMessage,
	})

	if err := o.cascadeCancel(task); err != nil {
		log.Printf("[orchestrator] cascade cancel from %s: %v", task.ID, err)
	}
	o.finalizeWorkflow(task.ParentTaskID)
}

// recordAgentResult updates the executing agent's running metrics.
func (o *Orchestrator) recordAgentResult(task *models.Task, result *runtime.Result, success bool) {
	if task.AgentID == "" {
		return
	}
	agent, err := o.store.GetAgent(task.AgentID)
	if err != nil {
		log.Printf("[orchestrator] load agent %s: %v", task.AgentID, err)
		return
	}
	agent.RecordCompletion(success, result.Duration, result.TokensUsed, result.CostUSD)
	if err := o.store.UpdateAgent(agent); err != nil {
		log.Printf("[orchestrator] update agent %s: %v", task.AgentID, err)
	}
}

// finalizeWorkflow closes the root handle once every child task has
// reached a terminal state.
func (o *Orchestrator) finalizeWorkflow(workflowID string) {
	if workflowID == "" {
		return
	}
	root, err := o.workflowRoot(workflowID)
	if err != nil {
		log.Printf("[orchestrator] finalize workflow %s: %v", workflowID, err)
		return
	}
	if root.Status.Terminal() {
		return
	}

	children, err := o.workflowTasks(workflowID)
	if err != nil {
		log.Printf("[orchestrator] list workflow %s tasks: %v", workflowID, err)
		return
	}

	// Failed tasks superseded by a retry copy are resolved by the copy,
	// not by the workflow.
	superseded := make(map[string]bool)
	for _, child := range children {
		if of := child.Metadata[models.MetaRetryOf]; of != "" {
			superseded[of] = true
		}
	}

	failed := false
	for _, child := range children {
		if !child.Status.Terminal() {
			return
		}
		if child.Status == models.TaskStatusFailed && !superseded[child.ID] {
			failed = true
		}
	}

	if failed {
		root.ErrorMessage = "one or more tasks failed permanently"
		if err := o.transition(root, models.TaskStatusFailed); err != nil {
			log.Printf("[orchestrator] fail workflow %s: %v", workflowID, err)
			return
		}
		o.logger.Log("workflow %s failed", workflowID)
		o.sink.Publish(events.Event{Type: events.WorkflowFailed, WorkflowID: workflowID})
		return
	}

	if err := o.transition(root, models.TaskStatusCompleted); err != nil {
		log.Printf("[orchestrator] complete workflow %s: %v", workflowID, err)
		return
	}
	o.logger.Log("workflow %s completed", workflowID)
	o.sink.Publish(events.Event{Type: events.WorkflowCompleted, WorkflowID: workflowID})
}
