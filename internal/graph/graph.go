// Package graph implements dependency resolution for task graphs:
// validation at composition time and eligibility gating at run time.
package graph

import (
	"errors"
	"fmt"

	"github.com/ShayCichocki/taskforge/pkg/models"
)

// ErrCycleDetected indicates a circular dependency was found in the task graph.
var ErrCycleDetected = errors.New("circular dependency detected")

// ErrSelfDependency indicates a task lists itself as a dependency.
var ErrSelfDependency = errors.New("task depends on itself")

// ErrUnknownDependency indicates a dependency references a task that does not exist.
var ErrUnknownDependency = errors.New("dependency references unknown task")

// ErrCrossProject indicates a dependency crosses a project boundary.
var ErrCrossProject = errors.New("dependency crosses project boundary")

// Graph is a directed acyclic graph of task dependencies.
// Tasks are nodes, and edges represent "blocked by" relationships.
type Graph struct {
	// nodes maps task ID to the task itself.
	nodes map[string]*models.Task
	// edges maps task ID to IDs of tasks it depends on.
	edges map[string][]string
}

// Build constructs and validates a dependency graph from a slice of tasks.
// It rejects self-dependencies, unknown references, cross-project edges,
// and cycles.
func Build(tasks []*models.Task) (*Graph, error) {
	g := &Graph{
		nodes: make(map[string]*models.Task, len(tasks)),
		edges: make(map[string][]string, len(tasks)),
	}

	for _, task := range tasks {
		g.nodes[task.ID] = task
		g.edges[task.ID] = nil
	}

	for _, task := range tasks {
		for _, depID := range task.Dependencies {
			if depID == task.ID {
				return nil, fmt.Errorf("task %s: %w", task.ID, ErrSelfDependency)
			}
			dep, exists := g.nodes[depID]
			if !exists {
				return nil, fmt.Errorf("task %s depends on %s: %w", task.ID, depID, ErrUnknownDependency)
			}
			if dep.ProjectID != task.ProjectID {
				return nil, fmt.Errorf("task %s (project %s) depends on %s (project %s): %w",
					task.ID, task.ProjectID, depID, dep.ProjectID, ErrCrossProject)
			}
			g.edges[task.ID] = append(g.edges[task.ID], depID)
		}
	}

	if g.hasCycle() {
		return nil, ErrCycleDetected
	}

	return g, nil
}

// hasCycle returns true if the graph contains a circular dependency.
// Depth-first search with coloring to detect back edges.
func (g *Graph) hasCycle() bool {
	// 0 = white (unvisited), 1 = gray (in progress), 2 = black (done).
	colors := make(map[string]int, len(g.nodes))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1
		for _, depID := range g.edges[id] {
			switch colors[depID] {
			case 1:
				return true
			case 0:
				if visit(depID) {
					return true
				}
			}
		}
		colors[id] = 2
		return false
	}

	for id := range g.nodes {
		if colors[id] == 0 && visit(id) {
			return true
		}
	}
	return false
}

// TopologicalOrder returns task IDs with every dependency before its dependents.
func (g *Graph) TopologicalOrder() []string {
	visited := make(map[string]bool, len(g.nodes))
	var result []string

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, depID := range g.edges[id] {
			visit(depID)
		}
		result = append(result, id)
	}

	for id := range g.nodes {
		visit(id)
	}
	return result
}

// Dependents returns the IDs of tasks that depend on the given task.
func (g *Graph) Dependents(taskID string) []string {
	var dependents []string
	for id, deps := range g.edges {
		for _, depID := range deps {
			if depID == taskID {
				dependents = append(dependents, id)
				break
			}
		}
	}
	return dependents
}

// Size returns the number of tasks in the graph.
func (g *Graph) Size() int {
	return len(g.nodes)
}
