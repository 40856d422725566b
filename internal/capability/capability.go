// Package capability maps agent types to the backends that can do
// their work. The orchestrator asks the registry for a capability by
// agent type and executes tasks through it.
package capability

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ShayCichocki/taskforge/pkg/models"
)

// ErrNoCapability indicates no backend is registered for an agent type.
var ErrNoCapability = errors.New("no capability registered for agent type")

// Request carries everything a capability needs to execute one task.
type Request struct {
	// TaskID identifies the task being executed.
	TaskID string
	// Title is the task's short summary.
	Title string
	// Description is the full task prompt.
	Description string
	// AgentType selects the role persona for the backend.
	AgentType models.AgentType
	// UpstreamContext holds serialized results of completed dependencies.
	UpstreamContext string
}

// Result is the outcome of one capability execution.
type Result struct {
	// Output is the produced artifact or answer.
	Output string
	// TokensUsed counts input plus output tokens, when the backend meters them.
	TokensUsed int64
	// CostUSD is the estimated spend for this execution.
	CostUSD float64
}

// Capability executes task work for one or more agent types.
type Capability interface {
	// Execute runs the request to completion, honoring ctx cancellation.
	Execute(ctx context.Context, req Request) (*Result, error)
}

// Registry maps agent types to capabilities. Registering the empty
// agent type sets the fallback used when no specific entry matches.
type Registry struct {
	mu       sync.RWMutex
	backends map[models.AgentType]Capability
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[models.AgentType]Capability)}
}

// Register binds a capability to an agent type, replacing any previous
// binding.
func (r *Registry) Register(agentType models.AgentType, c Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[agentType] = c
}

// RegisterAll binds one capability to every known agent type.
func (r *Registry) RegisterAll(c Capability) {
	for _, agentType := range models.AgentTypes() {
		r.Register(agentType, c)
	}
}

// Lookup returns the capability for the agent type, falling back to the
// empty-type binding when present.
func (r *Registry) Lookup(agentType models.AgentType) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.backends[agentType]; ok {
		return c, nil
	}
	if c, ok := r.backends[""]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("agent type %s: %w", agentType, ErrNoCapability)
}
