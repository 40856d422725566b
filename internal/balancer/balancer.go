// Package balancer assigns tasks to agents by capability and load.
package balancer

import (
	"errors"
	"fmt"
	"log"
	"sort"

	"github.com/ShayCichocki/taskforge/internal/store"
	"github.com/ShayCichocki/taskforge/pkg/models"
)

// ErrNoCapacity indicates every active agent of the required type is at
// its concurrency limit.
var ErrNoCapacity = errors.New("no agent capacity available")

// ErrNoAgents indicates no active agent of the required type is registered.
var ErrNoAgents = errors.New("no active agents of required type")

// Balancer selects the least-loaded active agent of a given type and
// tracks slot acquisition through the agent store. Slot accounting lives
// in the store so concurrent balancers stay consistent.
type Balancer struct {
	store store.AgentStore
}

// New creates a Balancer backed by the given agent store.
func New(as store.AgentStore) *Balancer {
	return &Balancer{store: as}
}

// Acquire picks the active agent of the given type with the lowest
// current load that still has capacity, reserves a slot on it, and
// returns it. Ties break deterministically toward the lexically smaller
// agent ID. Returns ErrNoAgents if no active agent of the type exists,
// ErrNoCapacity if all of them are saturated.
func (b *Balancer) Acquire(agentType models.AgentType) (*models.Agent, error) {
	agents, err := b.store.ListAgents(store.AgentFilter{Type: agentType, ActiveOnly: true})
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	if len(agents) == 0 {
		return nil, fmt.Errorf("agent type %s: %w", agentType, ErrNoAgents)
	}

	// Least loaded first; equal loads fall back to agent ID so repeated
	// runs against the same fleet pick the same winner.
	sort.Slice(agents, func(i, j int) bool {
		if agents[i].CurrentLoad != agents[j].CurrentLoad {
			return agents[i].CurrentLoad < agents[j].CurrentLoad
		}
		return agents[i].ID < agents[j].ID
	})

	for _, agent := range agents {
		if !agent.HasCapacity() {
			continue
		}
		// The store rechecks capacity atomically; a concurrent acquire
		// may have taken the last slot since we listed.
		ok, err := b.store.AcquireSlot(agent.ID)
		if err != nil {
			return nil, fmt.Errorf("acquire slot on %s: %w", agent.ID, err)
		}
		if !ok {
			continue
		}
		fresh, err := b.store.GetAgent(agent.ID)
		if err != nil {
			return nil, fmt.Errorf("reload agent %s: %w", agent.ID, err)
		}
		log.Printf("[balancer] assigned slot on agent %s (load %d/%d)",
			fresh.ID, fresh.CurrentLoad, fresh.MaxConcurrentTasks)
		return fresh, nil
	}

	return nil, fmt.Errorf("agent type %s: %w", agentType, ErrNoCapacity)
}

// Release frees a previously acquired slot on the agent. Safe to call
// after the agent's load has already reached zero.
func (b *Balancer) Release(agentID string) error {
	if err := b.store.ReleaseSlot(agentID); err != nil {
		return fmt.Errorf("release slot on %s: %w", agentID, err)
	}
	return nil
}
