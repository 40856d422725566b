package graph

import (
	"fmt"
	"log"

	"github.com/ShayCichocki/taskforge/internal/store"
	"github.com/ShayCichocki/taskforge/pkg/models"
)

// Resolver evaluates dependency gating against the task store at run time.
// A task never starts before all of its dependencies are completed; the
// happens-before relation comes from this gate, not from dispatch order.
type Resolver struct {
	store store.TaskStore
}

// NewResolver creates a Resolver backed by the given task store.
func NewResolver(ts store.TaskStore) *Resolver {
	return &Resolver{store: ts}
}

// Eligible returns true iff the task is pending or blocked and every
// dependency has completed.
func (r *Resolver) Eligible(task *models.Task) (bool, error) {
	if task.Status != models.TaskStatusPending && task.Status != models.TaskStatusBlocked {
		return false, nil
	}

	for _, depID := range task.Dependencies {
		dep, err := r.store.GetTask(depID)
		if err != nil {
			return false, fmt.Errorf("resolve dependency %s: %w", depID, err)
		}
		if dep.Status != models.TaskStatusCompleted {
			return false, nil
		}
	}
	return true, nil
}

// OnTaskCompleted re-evaluates every task that depends on the completed
// task, promoting newly eligible blocked tasks to pending. Returns the
// tasks that became eligible.
func (r *Resolver) OnTaskCompleted(taskID string) ([]*models.Task, error) {
	completed, err := r.store.GetTask(taskID)
	if err != nil {
		return nil, fmt.Errorf("get completed task: %w", err)
	}

	dependents, err := r.store.ListTasks(store.TaskFilter{
		ProjectID: completed.ProjectID,
		DependsOn: taskID,
	})
	if err != nil {
		return nil, fmt.Errorf("list dependents of %s: %w", taskID, err)
	}

	var unblocked []*models.Task
	for _, dep := range dependents {
		ok, err := r.Eligible(dep)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if dep.Status == models.TaskStatusBlocked {
			dep.Status = models.TaskStatusPending
			if err := r.store.UpdateTask(dep); err != nil {
				return nil, fmt.Errorf("unblock task %s: %w", dep.ID, err)
			}
			log.Printf("[graph] task %s unblocked by completion of %s", dep.ID, taskID)
		}
		unblocked = append(unblocked, dep)
	}
	return unblocked, nil
}
