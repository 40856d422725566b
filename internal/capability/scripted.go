package capability

import (
	"context"
	"fmt"
	"sync"
)

// Scripted is a capability for tests and dry runs. Outcomes are keyed
// by task ID; unkeyed tasks succeed with a canned response.
type Scripted struct {
	mu       sync.Mutex
	results  map[string]*Result
	failures map[string]error
	// failuresLeft makes a task fail N times before succeeding, for
	// retry scenarios.
	failuresLeft map[string]int
	executed     []string
}

// NewScripted creates an empty scripted capability.
func NewScripted() *Scripted {
	return &Scripted{
		results:      make(map[string]*Result),
		failures:     make(map[string]error),
		failuresLeft: make(map[string]int),
	}
}

// Succeed scripts a successful outcome for the task.
func (s *Scripted) Succeed(taskID, output string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[taskID] = &Result{Output: output}
}

// Fail scripts a permanent failure for the task.
func (s *Scripted) Fail(taskID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[taskID] = err
}

// FailTimes makes the task fail n times, then succeed with output.
func (s *Scripted) FailTimes(taskID string, n int, err error, output string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failuresLeft[taskID] = n
	s.failures[taskID] = err
	s.results[taskID] = &Result{Output: output}
}

// Executed returns task IDs in execution order.
func (s *Scripted) Executed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.executed))
	copy(out, s.executed)
	return out
}

// Execute returns the scripted outcome for the request's task.
func (s *Scripted) Execute(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.executed = append(s.executed, req.TaskID)

	if left, ok := s.failuresLeft[req.TaskID]; ok && left > 0 {
		s.failuresLeft[req.TaskID] = left - 1
		return nil, s.failures[req.TaskID]
	}
	if err, ok := s.failures[req.TaskID]; ok {
		if _, retries := s.failuresLeft[req.TaskID]; !retries {
			return nil, err
		}
	}
	if result, ok := s.results[req.TaskID]; ok {
		return &Result{Output: result.Output, TokensUsed: result.TokensUsed, CostUSD: result.CostUSD}, nil
	}
	return &Result{Output: fmt.Sprintf("completed %s", req.TaskID)}, nil
}
