// Package store provides persistence for tasks and agents.
// It ships two implementations: a SQLite-backed repository and an
// in-memory repository used by tests and embedded callers.
package store

import (
	"errors"
	"io"

	"github.com/ShayCichocki/taskforge/pkg/models"
)

// ErrNotFound indicates the referenced task or agent does not exist.
var ErrNotFound = errors.New("not found")

// TaskFilter selects tasks in List queries. Zero values match everything.
type TaskFilter struct {
	// ProjectID restricts results to one project.
	ProjectID string
	// ParentTaskID restricts results to the descendants of one workflow root.
	ParentTaskID string
	// Statuses restricts results to the given statuses.
	Statuses []models.TaskStatus
	// AgentType restricts results to one capability class.
	AgentType models.AgentType
	// DependsOn restricts results to tasks listing the given ID as a dependency.
	DependsOn string
}

// AgentFilter selects agents in List queries. Zero values match everything.
type AgentFilter struct {
	// Type restricts results to one specialization.
	Type models.AgentType
	// ActiveOnly drops deactivated agents.
	ActiveOnly bool
}

// TaskStore handles task persistence. Operations are transactional at
// the single-entity level.
type TaskStore interface {
	CreateTask(t *models.Task) error
	GetTask(id string) (*models.Task, error)
	UpdateTask(t *models.Task) error
	ListTasks(f TaskFilter) ([]*models.Task, error)
}

// AgentStore handles agent persistence. AcquireSlot and ReleaseSlot are
// the only mutations concurrent callers race on; both are atomic with
// respect to each other.
type AgentStore interface {
	CreateAgent(a *models.Agent) error
	GetAgent(id string) (*models.Agent, error)
	UpdateAgent(a *models.Agent) error
	ListAgents(f AgentFilter) ([]*models.Agent, error)

	// AcquireSlot increments the agent's load iff current_load < max.
	// Returns false without error when the agent is at capacity or inactive.
	AcquireSlot(agentID string) (bool, error)
	// ReleaseSlot decrements the agent's load, floored at zero, and
	// recomputes its status.
	ReleaseSlot(agentID string) error
}

// Migrator applies pending schema migrations.
type Migrator interface {
	Migrate() error
}

// Store is the full persistence surface the orchestrator depends on.
type Store interface {
	io.Closer
	Migrator
	TaskStore
	AgentStore
}

// Compile-time verification that both implementations satisfy Store.
var (
	_ Store = (*DB)(nil)
	_ Store = (*Memory)(nil)
)

// matchTask reports whether t passes the filter.
func matchTask(t *models.Task, f TaskFilter) bool {
	if f.ProjectID != "" && t.ProjectID != f.ProjectID {
		return false
	}
	if f.ParentTaskID != "" && t.ParentTaskID != f.ParentTaskID {
		return false
	}
	if f.AgentType != "" && t.AgentType != f.AgentType {
		return false
	}
	if f.DependsOn != "" && !t.DependsOn(f.DependsOn) {
		return false
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if t.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}
