package orchestrator

import (
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/taskforge/internal/store"
	"github.com/ShayCichocki/taskforge/pkg/models"
)

// ErrRetriesExhausted indicates the task has used its full retry budget.
var ErrRetriesExhausted = errors.New("retry budget exhausted")

// ErrNotRetryable indicates the task is not in a retryable state.
var ErrNotRetryable = errors.New("task is not in a failed state")

// spawnRetry replaces a failed task with a fresh copy: the original is
// closed out as failed, the copy inherits its dependencies with an
// incremented attempt counter, and every dependent is rewired to wait
// on the copy instead. The copy carries a not-before timestamp so
// retries back off instead of hammering a failing agent.
func (o *Orchestrator) spawnRetry(task *models.Task, cause error) (*models.Task, error) {
	if task.RetryCount >= task.MaxRetries {
		return nil, fmt.Errorf("task %s after %d attempts: %w", task.ID, task.RetryCount+1, ErrRetriesExhausted)
	}

	if !task.Status.Terminal() {
		if err := o.transition(task, models.TaskStatusFailed); err != nil {
			return nil, fmt.Errorf("close out failed task %s: %w", task.ID, err)
		}
	}

	retry := task.Clone()
	retry.ID = uuid.New().String()[:8]
	retry.Status = models.TaskStatusPending
	retry.RetryCount = task.RetryCount + 1
	retry.AgentID = ""
	retry.Result = ""
	retry.ErrorMessage = ""
	retry.ProgressPercentage = 0
	retry.CreatedAt = time.Now().UTC()
	retry.AssignedAt = nil
	retry.StartedAt = nil
	retry.CompletedAt = nil
	retry.SetMeta(models.MetaRetryOf, task.ID)
	retry.SetMeta(models.MetaRetryCount, strconv.Itoa(retry.RetryCount))
	retry.SetMeta(models.MetaRetryNotBefore, time.Now().UTC().Add(o.retryDelay).Format(time.RFC3339Nano))

	if err := o.store.CreateTask(retry); err != nil {
		return nil, fmt.Errorf("persist retry of %s: %w", task.ID, err)
	}

	if err := o.rewireDependents(task.ID, retry.ID, task.ProjectID); err != nil {
		return nil, err
	}

	log.Printf("[orchestrator] task %s retried as %s (attempt %d/%d): %v",
		task.ID, retry.ID, retry.RetryCount, retry.MaxRetries, cause)
	return retry, nil
}

// rewireDependents points every task that depended on oldID at newID,
// so downstream gating waits on the retry copy.
func (o *Orchestrator) rewireDependents(oldID, newID, projectID string) error {
	dependents, err := o.store.ListTasks(store.TaskFilter{
		ProjectID: projectID,
		DependsOn: oldID,
	})
	if err != nil {
		return fmt.Errorf("list dependents of %s: %w", oldID, err)
	}
	for _, dep := range dependents {
		for i, id := range dep.Dependencies {
			if id == oldID {
				dep.Dependencies[i] = newID
			}
		}
		if err := o.store.UpdateTask(dep); err != nil {
			return fmt.Errorf("rewire dependent %s: %w", dep.ID, err)
		}
	}
	return nil
}

// RetryTask manually retries a permanently failed task. The retry copy
// joins the workflow like an automatic retry, but the attempt counter
// check still applies: a task that burned its whole budget is refused.
func (o *Orchestrator) RetryTask(taskID string) (*models.Task, error) {
	task, err := o.store.GetTask(taskID)
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	if task.Status != models.TaskStatusFailed {
		return nil, fmt.Errorf("task %s is %s: %w", taskID, task.Status, ErrNotRetryable)
	}

	retry, err := o.spawnRetry(task, errors.New("manual retry"))
	if err != nil {
		return nil, err
	}

	// Reopen the workflow if the failure had already closed it.
	if task.ParentTaskID != "" {
		root, rerr := o.workflowRoot(task.ParentTaskID)
		if rerr == nil && root.Status == models.TaskStatusFailed {
			root.Status = models.TaskStatusInProgress
			root.ErrorMessage = ""
			root.CompletedAt = nil
			if uerr := o.store.UpdateTask(root); uerr != nil {
				log.Printf("[orchestrator] reopen workflow %s: %v", root.ID, uerr)
			}
		}
	}
	return retry, nil
}
