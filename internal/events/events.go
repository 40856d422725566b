// Package events publishes orchestration lifecycle events to
// subscribers. Delivery is best effort: slow subscribers drop events
// rather than stall the orchestrator.
package events

import (
	"time"
)

// EventType identifies what happened.
type EventType string

const (
	WorkflowStarted   EventType = "workflow_started"
	WorkflowCompleted EventType = "workflow_completed"
	WorkflowFailed    EventType = "workflow_failed"
	WorkflowCancelled EventType = "workflow_cancelled"

	TaskUnblocked EventType = "task_unblocked"
	TaskAssigned  EventType = "task_assigned"
	TaskStarted   EventType = "task_started"
	TaskCompleted EventType = "task_completed"
	TaskFailed    EventType = "task_failed"
	TaskCancelled EventType = "task_cancelled"
	TaskRetried   EventType = "task_retried"
)

// Event is one orchestration occurrence.
type Event struct {
	// Type identifies what happened.
	Type EventType `json:"type"`
	// WorkflowID is the root task ID of the affected workflow.
	WorkflowID string `json:"workflow_id,omitempty"`
	// TaskID is the affected task, when the event is task-scoped.
	TaskID string `json:"task_id,omitempty"`
	// AgentID is the agent involved, when any.
	AgentID string `json:"agent_id,omitempty"`
	// Message is a human-readable summary.
	Message string `json:"message,omitempty"`
	// Timestamp is when the event was published.
	Timestamp time.Time `json:"timestamp"`
}

// Sink receives published events. Publish must not block.
type Sink interface {
	Publish(event Event)
}

// NopSink discards all events.
type NopSink struct{}

// Publish implements Sink.
func (NopSink) Publish(Event) {}
