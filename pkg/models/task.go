// Package models defines the shared task and agent entities for taskforge.
package models

import "time"

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task is eligible for scheduling once
	// its dependencies allow it.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusBlocked indicates the task is waiting on incomplete dependencies.
	TaskStatusBlocked TaskStatus = "blocked"
	// TaskStatusAssigned indicates an agent slot has been reserved for the task.
	TaskStatusAssigned TaskStatus = "assigned"
	// TaskStatusInProgress indicates the task has been submitted to the job runtime.
	TaskStatusInProgress TaskStatus = "in_progress"
	// TaskStatusCompleted indicates the task finished successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the task failed.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusCancelled indicates the task was cancelled before completion.
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusBlocked, TaskStatusAssigned,
		TaskStatusInProgress, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further automatic transition applies.
// Only the retry controller may move a failed task back to pending,
// which the transition table permits as an explicit exception.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// taskTransitions is the closed table of legal status transitions.
// Forward-only, with two sanctioned exceptions: failed->pending (retry
// controller in-place reset) and non-terminal ->cancelled.
// pending->in_progress is used by workflow root handles, which are never
// assigned to an agent.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:    {TaskStatusBlocked, TaskStatusAssigned, TaskStatusInProgress, TaskStatusCancelled},
	TaskStatusBlocked:    {TaskStatusPending, TaskStatusCancelled},
	TaskStatusAssigned:   {TaskStatusInProgress, TaskStatusFailed, TaskStatusCancelled},
	TaskStatusInProgress: {TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled},
	TaskStatusCompleted:  {},
	TaskStatusFailed:     {TaskStatusPending},
	TaskStatusCancelled:  {},
}

// CanTransition reports whether moving from s to next is legal.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	for _, allowed := range taskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TaskType categorizes the kind of work a task represents.
type TaskType string

const (
	TaskTypePlanning       TaskType = "planning"
	TaskTypeDesign         TaskType = "design"
	TaskTypeImplementation TaskType = "implementation"
	TaskTypeTesting        TaskType = "testing"
	TaskTypeDeployment     TaskType = "deployment"
	TaskTypeReview         TaskType = "review"
)

// Valid returns true if the task type is a known value.
func (t TaskType) Valid() bool {
	switch t {
	case TaskTypePlanning, TaskTypeDesign, TaskTypeImplementation,
		TaskTypeTesting, TaskTypeDeployment, TaskTypeReview:
		return true
	default:
		return false
	}
}

// Priority indicates scheduling preference among eligible tasks.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Metadata keys used by the orchestration core.
const (
	// MetaRetryOf links a retry copy to the task it replaces.
	MetaRetryOf = "retry_of"
	// MetaRetryCount records the attempt number on a retry copy.
	MetaRetryCount = "retry_count"
	// MetaRetryNotBefore holds an RFC3339Nano timestamp before which the
	// driver must not dispatch a retry copy.
	MetaRetryNotBefore = "retry_not_before"
	// MetaStage names the pipeline stage that produced the task.
	MetaStage = "stage"
	// MetaStageIndex is the zero-based position of the stage in the pipeline.
	MetaStageIndex = "stage_index"
	// MetaRequirement carries the original workflow requirement text.
	MetaRequirement = "requirement"
	// MetaUpstreamContext carries serialized upstream results, written by
	// the driver when the task is dispatched.
	MetaUpstreamContext = "upstream_context"
	// MetaWorkflowRoot marks the root task of a workflow.
	MetaWorkflowRoot = "workflow_root"
)

// DefaultMaxRetries is the retry bound applied when a task does not set one.
const DefaultMaxRetries = 3

// Task represents a unit of work bound to one agent type.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// ProjectID scopes the task; dependencies never cross projects.
	ProjectID string `json:"project_id"`
	// ParentTaskID is the ID of the workflow root for stage tasks, if any.
	ParentTaskID string `json:"parent_task_id,omitempty"`
	// Title is the short description of the task.
	Title string `json:"title"`
	// Description provides detailed information about the task.
	Description string `json:"description,omitempty"`
	// Type categorizes the work (planning, implementation, ...).
	Type TaskType `json:"type"`
	// Priority indicates scheduling preference.
	Priority Priority `json:"priority,omitempty"`
	// AgentType is the capability class required to execute the task.
	// Empty for workflow root handles, which are never dispatched.
	AgentType AgentType `json:"agent_type,omitempty"`
	// AgentID is the agent the task was assigned to, bound at assignment.
	AgentID string `json:"agent_id,omitempty"`
	// Dependencies lists task IDs that must complete before this task.
	Dependencies []string `json:"dependencies,omitempty"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status"`
	// RetryCount is the number of attempts already consumed.
	RetryCount int `json:"retry_count"`
	// MaxRetries bounds automatic retries; once exceeded the task stays failed.
	MaxRetries int `json:"max_retries"`
	// ProgressPercentage is 0-100.
	ProgressPercentage int `json:"progress_percentage"`
	// Result is the opaque output payload from the agent capability.
	Result string `json:"result,omitempty"`
	// ErrorMessage contains the error if the task failed or was cancelled.
	ErrorMessage string `json:"error_message,omitempty"`
	// Metadata passes stage context and retry provenance.
	Metadata map[string]string `json:"metadata,omitempty"`
	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`
	// AssignedAt is when an agent slot was reserved, if ever.
	AssignedAt *time.Time `json:"assigned_at,omitempty"`
	// StartedAt is when the task was submitted to the job runtime, if ever.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the task reached a terminal state, if ever.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// IsRoot returns true if the task is a workflow root handle.
func (t *Task) IsRoot() bool {
	return t.Metadata[MetaWorkflowRoot] == "true"
}

// DependsOn returns true if the task lists id as a dependency.
func (t *Task) DependsOn(id string) bool {
	for _, dep := range t.Dependencies {
		if dep == id {
			return true
		}
	}
	return false
}

// SetMeta assigns a metadata key, allocating the map if needed.
func (t *Task) SetMeta(key, value string) {
	if t.Metadata == nil {
		t.Metadata = make(map[string]string)
	}
	t.Metadata[key] = value
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	if t.Dependencies != nil {
		c.Dependencies = append([]string(nil), t.Dependencies...)
	}
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	if t.AssignedAt != nil {
		at := *t.AssignedAt
		c.AssignedAt = &at
	}
	if t.StartedAt != nil {
		st := *t.StartedAt
		c.StartedAt = &st
	}
	if t.CompletedAt != nil {
		ct := *t.CompletedAt
		c.CompletedAt = &ct
	}
	return &c
}
