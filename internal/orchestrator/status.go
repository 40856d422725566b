package orchestrator

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ShayCichocki/taskforge/internal/runtime"
	"github.com/ShayCichocki/taskforge/internal/store"
	"github.com/ShayCichocki/taskforge/pkg/models"
)

// TaskView is one task's slice of a workflow status report.
type TaskView struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	Stage     string            `json:"stage,omitempty"`
	AgentType models.AgentType  `json:"agent_type,omitempty"`
	AgentID   string            `json:"agent_id,omitempty"`
	Status    models.TaskStatus `json:"status"`
	// JobState is the runtime's view of the task, when it has one.
	JobState runtime.JobStatus `json:"job_state,omitempty"`
	Error    string            `json:"error,omitempty"`
	Retries  int               `json:"retries,omitempty"`
}

// WorkflowStatus aggregates a workflow's tasks into one report.
type WorkflowStatus struct {
	WorkflowID  string            `json:"workflow_id"`
	Requirement string            `json:"requirement"`
	Status      models.TaskStatus `json:"status"`
	// Ready reports whether the workflow has reached a terminal state.
	Ready bool `json:"ready"`
	// Successful is true once the workflow completed without an
	// unresolved failure.
	Successful bool `json:"successful"`
	// Progress is the fraction of tasks in a terminal state, 0..100.
	Progress int                       `json:"progress"`
	Counts   map[models.TaskStatus]int `json:"counts"`
	Tasks    []TaskView                `json:"tasks"`
}

// GetWorkflowStatus builds a live status report for the workflow,
// merging stored task state with the runtime's job state.
func (o *Orchestrator) GetWorkflowStatus(workflowID string) (*WorkflowStatus, error) {
	root, err := o.workflowRoot(workflowID)
	if err != nil {
		return nil, err
	}
	children, err := o.workflowTasks(workflowID)
	if err != nil {
		return nil, fmt.Errorf("list workflow %s tasks: %w", workflowID, err)
	}

	ws := &WorkflowStatus{
		WorkflowID:  root.ID,
		Requirement: root.Metadata[models.MetaRequirement],
		Status:      root.Status,
		Ready:       root.Status.Terminal(),
		Successful:  root.Status == models.TaskStatusCompleted,
		Counts:      make(map[models.TaskStatus]int),
	}

	terminal := 0
	for _, child := range children {
		ws.Counts[child.Status]++
		if child.Status.Terminal() {
			terminal++
		}

		view := TaskView{
			ID:        child.ID,
			Title:     child.Title,
			Stage:     child.Metadata[models.MetaStage],
			AgentType: child.AgentType,
			AgentID:   child.AgentID,
			Status:    child.Status,
			Error:     child.ErrorMessage,
			Retries:   child.RetryCount,
		}
		if state, err := o.runtime.Status(child.ID); err == nil {
			view.JobState = state
		} else if !errors.Is(err, runtime.ErrUnknownJob) {
			return nil, fmt.Errorf("job state for %s: %w", child.ID, err)
		}
		ws.Tasks = append(ws.Tasks, view)
	}

	if len(children) > 0 {
		ws.Progress = terminal * 100 / len(children)
	}

	sort.Slice(ws.Tasks, func(i, j int) bool {
		return ws.Tasks[i].ID < ws.Tasks[j].ID
	})
	return ws, nil
}

// WorkloadCounts summarizes the tasks queued against one agent type.
// Pending includes blocked tasks; InProgress includes assigned ones.
type WorkloadCounts struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Total      int `json:"total"`
}

// GetAgentWorkload reports per-agent-type task counts for capacity
// planning. An empty agentType covers every type.
func (o *Orchestrator) GetAgentWorkload(agentType models.AgentType) (map[models.AgentType]WorkloadCounts, error) {
	tasks, err := o.store.ListTasks(store.TaskFilter{AgentType: agentType})
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	out := make(map[models.AgentType]WorkloadCounts)
	for _, task := range tasks {
		if task.AgentType == "" {
			continue
		}
		counts := out[task.AgentType]
		counts.Total++
		switch task.Status {
		case models.TaskStatusPending, models.TaskStatusBlocked:
			counts.Pending++
		case models.TaskStatusAssigned, models.TaskStatusInProgress:
			counts.InProgress++
		}
		out[task.AgentType] = counts
	}
	return out, nil
}

// AgentStats is one agent's load and lifetime metrics.
type AgentStats struct {
	AgentID     string             `json:"agent_id"`
	Type        models.AgentType   `json:"type"`
	Status      models.AgentStatus `json:"status"`
	CurrentLoad int                `json:"current_load"`
	MaxLoad     int                `json:"max_load"`
	Handled     int64              `json:"handled"`
	SuccessRate float64            `json:"success_rate"`
	TokensUsed  int64              `json:"tokens_used"`
	CostUSD     float64            `json:"cost_usd"`
}

// ListAgentStats reports every registered agent's current load and
// lifetime totals, sorted by agent ID.
func (o *Orchestrator) ListAgentStats() ([]AgentStats, error) {
	agents, err := o.store.ListAgents(store.AgentFilter{})
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}

	out := make([]AgentStats, 0, len(agents))
	for _, agent := range agents {
		out = append(out, AgentStats{
			AgentID:     agent.ID,
			Type:        agent.Type,
			Status:      agent.Status,
			CurrentLoad: agent.CurrentLoad,
			MaxLoad:     agent.MaxConcurrentTasks,
			Handled:     agent.TotalTasksHandled,
			SuccessRate: agent.SuccessRate(),
			TokensUsed:  agent.TotalTokensUsed,
			CostUSD:     agent.TotalCost,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}
