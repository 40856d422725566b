package orchestrator

import (
	"errors"
	"fmt"
	"log"

	"github.com/ShayCichocki/taskforge/internal/events"
	"github.com/ShayCichocki/taskforge/internal/runtime"
	"github.com/ShayCichocki/taskforge/internal/store"
	"github.com/ShayCichocki/taskforge/pkg/models"
)

// CancelWorkflow cancels every non-terminal task in the workflow and
// closes the root. Running tasks are revoked at the runtime; completed
// and failed tasks keep their state. Cancelling an already-terminal
// workflow is a no-op.
func (o *Orchestrator) CancelWorkflow(workflowID string) error {
	root, err := o.workflowRoot(workflowID)
	if err != nil {
		return err
	}
	if root.Status.Terminal() {
		return nil
	}

	children, err := o.workflowTasks(workflowID)
	if err != nil {
		return fmt.Errorf("list workflow %s tasks: %w", workflowID, err)
	}

	for _, child := range children {
		if child.Status.Terminal() {
			continue
		}
		o.cancelTask(child, "workflow cancelled")
	}

	root.ErrorMessage = "cancelled"
	if err := o.transition(root, models.TaskStatusCancelled); err != nil {
		return fmt.Errorf("cancel workflow root %s: %w", workflowID, err)
	}

	o.logger.Log("workflow %s cancelled", workflowID)
	o.sink.Publish(events.Event{Type: events.WorkflowCancelled, WorkflowID: workflowID})
	return nil
}

// cancelTask stops one task: running work is revoked, its agent slot
// freed, and the task closed out as cancelled.
func (o *Orchestrator) cancelTask(task *models.Task, reason string) {
	if task.Status == models.TaskStatusInProgress || task.Status == models.TaskStatusAssigned {
		if err := o.runtime.Revoke(task.ID); err != nil && !errors.Is(err, runtime.ErrUnknownJob) {
			log.Printf("[orchestrator] revoke task %s: %v", task.ID, err)
		}
	}
	o.releaseInflight(task.ID)

	task.ErrorMessage = reason
	if err := o.transition(task, models.TaskStatusCancelled); err != nil {
		log.Printf("[orchestrator] cancel task %s: %v", task.ID, err)
		return
	}
	o.sink.Publish(events.Event{
		Type:       events.TaskCancelled,
		WorkflowID: task.ParentTaskID,
		TaskID:     task.ID,
		Message:    reason,
	})
}

// cascadeCancel cancels every non-terminal task downstream of a
// permanently failed one. The walk is transitive: dependents of
// dependents go too.
func (o *Orchestrator) cascadeCancel(failed *models.Task) error {
	queue := []string{failed.ID}
	seen := map[string]bool{failed.ID: true}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		dependents, err := o.store.ListTasks(store.TaskFilter{
			ProjectID: failed.ProjectID,
			DependsOn: id,
		})
		if err != nil {
			return fmt.Errorf("list dependents of %s: %w", id, err)
		}
		for _, dep := range dependents {
			if seen[dep.ID] {
				continue
			}
			seen[dep.ID] = true
			queue = append(queue, dep.ID)
			if dep.Status.Terminal() {
				continue
			}
			o.cancelTask(dep, "upstream failure")
		}
	}
	return nil
}
