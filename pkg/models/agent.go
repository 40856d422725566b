package models

import "time"

// AgentType identifies the specialization an agent provides.
type AgentType string

const (
	// AgentTypePlanner decomposes requirements into plans.
	AgentTypePlanner AgentType = "planner"
	// AgentTypeProductManager refines requirements and acceptance criteria.
	AgentTypeProductManager AgentType = "product_manager"
	// AgentTypeArchitect produces architecture and data-model designs.
	AgentTypeArchitect AgentType = "architect"
	// AgentTypeEngineer implements code changes.
	AgentTypeEngineer AgentType = "engineer"
	// AgentTypeTester writes and runs verification.
	AgentTypeTester AgentType = "tester"
	// AgentTypeDevOps handles deployment work.
	AgentTypeDevOps AgentType = "devops"
	// AgentTypeReviewer performs final review passes.
	AgentTypeReviewer AgentType = "reviewer"
)

// Valid returns true if the agent type is a known value.
func (t AgentType) Valid() bool {
	switch t {
	case AgentTypePlanner, AgentTypeProductManager, AgentTypeArchitect,
		AgentTypeEngineer, AgentTypeTester, AgentTypeDevOps, AgentTypeReviewer:
		return true
	default:
		return false
	}
}

// AgentTypes lists all known agent types in a stable order.
func AgentTypes() []AgentType {
	return []AgentType{
		AgentTypePlanner, AgentTypeProductManager, AgentTypeArchitect,
		AgentTypeEngineer, AgentTypeTester, AgentTypeDevOps, AgentTypeReviewer,
	}
}

// AgentStatus represents the health state of an agent.
type AgentStatus string

const (
	// AgentStatusIdle indicates an active agent with no assigned tasks.
	AgentStatusIdle AgentStatus = "idle"
	// AgentStatusBusy indicates an active agent with at least one assigned task.
	AgentStatusBusy AgentStatus = "busy"
	// AgentStatusOffline indicates a deactivated agent.
	AgentStatusOffline AgentStatus = "offline"
)

// Valid returns true if the status is a known value.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusIdle, AgentStatusBusy, AgentStatusOffline:
		return true
	default:
		return false
	}
}

// Agent represents a capacity-limited worker of a given specialization.
type Agent struct {
	// ID is the unique identifier for this agent.
	ID string `json:"id"`
	// Type is the specialization this agent provides.
	Type AgentType `json:"type"`
	// Name is the display name.
	Name string `json:"name"`
	// CurrentLoad is the count of tasks currently assigned.
	CurrentLoad int `json:"current_load"`
	// MaxConcurrentTasks bounds CurrentLoad.
	MaxConcurrentTasks int `json:"max_concurrent_tasks"`
	// IsActive indicates whether the agent accepts work.
	IsActive bool `json:"is_active"`
	// Status is derived from CurrentLoad and IsActive.
	Status AgentStatus `json:"status"`
	// TotalTasksHandled counts all tasks ever routed to this agent.
	TotalTasksHandled int64 `json:"total_tasks_handled"`
	// SuccessfulTasks counts completed tasks.
	SuccessfulTasks int64 `json:"successful_tasks"`
	// FailedTasks counts failed tasks.
	FailedTasks int64 `json:"failed_tasks"`
	// AvgResponseTime is the running mean task duration.
	AvgResponseTime time.Duration `json:"avg_response_time"`
	// TotalTokensUsed accumulates tokens across all tasks.
	TotalTokensUsed int64 `json:"total_tokens_used"`
	// TotalCost accumulates cost in USD across all tasks.
	TotalCost float64 `json:"total_cost"`
}

// HasCapacity returns true if the agent can accept another task.
func (a *Agent) HasCapacity() bool {
	return a.IsActive && a.CurrentLoad < a.MaxConcurrentTasks
}

// SuccessRate returns successful/handled, or zero with no history.
func (a *Agent) SuccessRate() float64 {
	if a.TotalTasksHandled == 0 {
		return 0
	}
	return float64(a.SuccessfulTasks) / float64(a.TotalTasksHandled)
}

// ErrorRate returns failed/handled, or zero with no history.
func (a *Agent) ErrorRate() float64 {
	if a.TotalTasksHandled == 0 {
		return 0
	}
	return float64(a.FailedTasks) / float64(a.TotalTasksHandled)
}

// RecomputeStatus derives Status from IsActive and CurrentLoad.
// Invariant: busy iff load > 0, idle iff load == 0 and active,
// offline iff inactive.
func (a *Agent) RecomputeStatus() {
	switch {
	case !a.IsActive:
		a.Status = AgentStatusOffline
	case a.CurrentLoad > 0:
		a.Status = AgentStatusBusy
	default:
		a.Status = AgentStatusIdle
	}
}

// RecordCompletion folds one finished task into the performance counters.
func (a *Agent) RecordCompletion(success bool, duration time.Duration, tokens int64, cost float64) {
	a.TotalTasksHandled++
	if success {
		a.SuccessfulTasks++
	} else {
		a.FailedTasks++
	}
	a.TotalTokensUsed += tokens
	a.TotalCost += cost
	// Running mean over all handled tasks.
	n := a.TotalTasksHandled
	a.AvgResponseTime = a.AvgResponseTime + (duration-a.AvgResponseTime)/time.Duration(n)
}

// Clone returns a copy of the agent.
func (a *Agent) Clone() *Agent {
	c := *a
	return &c
}
