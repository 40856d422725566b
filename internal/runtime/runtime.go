// Package runtime executes task payloads on a bounded worker pool and
// reports completions asynchronously.
package runtime

import (
	"context"
	"errors"
	"time"
)

// JobStatus is the lifecycle state of a submitted job.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobStarted JobStatus = "started"
	JobSuccess JobStatus = "success"
	JobFailure JobStatus = "failure"
)

// ErrQueueFull indicates the pool's submission queue is at capacity.
var ErrQueueFull = errors.New("runtime queue full")

// ErrUnknownJob indicates the job ID is not tracked by the runtime.
var ErrUnknownJob = errors.New("unknown job")

// ErrClosed indicates the runtime has been shut down.
var ErrClosed = errors.New("runtime closed")

// ErrJobTimeout indicates a job exceeded its submission timeout.
var ErrJobTimeout = errors.New("job timed out")

// Work is the function executed for a job. It must honor ctx
// cancellation and return its output or an error.
type Work func(ctx context.Context) (*Result, error)

// Submission describes a job handed to the runtime.
type Submission struct {
	// JobID identifies the job; callers use the task ID.
	JobID string
	// Work is the payload to execute.
	Work Work
	// Timeout bounds execution time. Zero means no limit.
	Timeout time.Duration
}

// Result carries the outcome of one job execution.
type Result struct {
	Status     JobStatus
	Output     string
	Err        error
	TokensUsed int64
	CostUSD    float64
	Duration   time.Duration
}

// Completion pairs a finished job with its result.
type Completion struct {
	JobID  string
	Result *Result
}

// Runtime is the execution backend the orchestrator drives. Submit is
// asynchronous; outcomes arrive on the Completions channel.
type Runtime interface {
	// Submit queues a job for execution.
	Submit(sub Submission) error
	// Status reports the current state of a job.
	Status(jobID string) (JobStatus, error)
	// Revoke cancels a job. Running jobs get their context cancelled;
	// queued jobs are dropped before they start.
	Revoke(jobID string) error
	// Completions streams finished jobs. Closed on shutdown.
	Completions() <-chan Completion
	// Close stops accepting work and waits for running jobs to finish.
	Close() error
}
