package store

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ShayCichocki/taskforge/pkg/models"
)

// Memory is an in-memory Store. All entities are deep-copied on the way
// in and out, so callers never share state with the repository.
type Memory struct {
	mu     sync.RWMutex
	tasks  map[string]*models.Task
	agents map[string]*models.Agent
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		tasks:  make(map[string]*models.Task),
		agents: make(map[string]*models.Agent),
	}
}

// Migrate is a no-op for the in-memory store.
func (m *Memory) Migrate() error { return nil }

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error { return nil }

// CreateTask stores a new task. The ID must be unique.
func (m *Memory) CreateTask(t *models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tasks[t.ID]; exists {
		return fmt.Errorf("task %s already exists", t.ID)
	}
	m.tasks[t.ID] = t.Clone()
	return nil
}

// GetTask returns the task with the given ID.
func (m *Memory) GetTask(id string) (*models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t.Clone(), nil
}

// UpdateTask replaces the stored task.
func (m *Memory) UpdateTask(t *models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[t.ID]; !ok {
		return fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
	}
	m.tasks[t.ID] = t.Clone()
	return nil
}

// ListTasks returns tasks matching the filter, ordered by creation time
// then ID for determinism.
func (m *Memory) ListTasks(f TaskFilter) ([]*models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Task
	for _, t := range m.tasks {
		if matchTask(t, f) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// CreateAgent stores a new agent. The ID must be unique.
func (m *Memory) CreateAgent(a *models.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.agents[a.ID]; exists {
		return fmt.Errorf("agent %s already exists", a.ID)
	}
	clone := a.Clone()
	clone.RecomputeStatus()
	m.agents[a.ID] = clone
	return nil
}

// GetAgent returns the agent with the given ID.
func (m *Memory) GetAgent(id string) (*models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return a.Clone(), nil
}

// UpdateAgent replaces the stored agent, preserving the load counter.
// CurrentLoad is owned by AcquireSlot/ReleaseSlot; plain updates cannot
// race it out from under concurrent acquirers.
func (m *Memory) UpdateAgent(a *models.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.agents[a.ID]
	if !ok {
		return fmt.Errorf("agent %s: %w", a.ID, ErrNotFound)
	}
	clone := a.Clone()
	clone.CurrentLoad = existing.CurrentLoad
	clone.RecomputeStatus()
	m.agents[a.ID] = clone
	return nil
}

// ListAgents returns agents matching the filter, ordered by ID.
func (m *Memory) ListAgents(f AgentFilter) ([]*models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Agent
	for _, a := range m.agents {
		if f.Type != "" && a.Type != f.Type {
			continue
		}
		if f.ActiveOnly && !a.IsActive {
			continue
		}
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AcquireSlot increments the agent's load iff it has spare capacity.
func (m *Memory) AcquireSlot(agentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[agentID]
	if !ok {
		return false, fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	if !a.HasCapacity() {
		return false, nil
	}
	a.CurrentLoad++
	a.RecomputeStatus()
	return true, nil
}

// ReleaseSlot decrements the agent's load, floored at zero.
func (m *Memory) ReleaseSlot(agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[agentID]
	if !ok {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	if a.CurrentLoad > 0 {
		a.CurrentLoad--
	}
	a.RecomputeStatus()
	return nil
}
