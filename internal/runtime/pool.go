package runtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultWorkers is the worker count when none is configured.
	DefaultWorkers = 4
	// DefaultQueueSize bounds how many jobs may wait for a worker.
	DefaultQueueSize = 64
)

// job is the pool's internal view of a submission.
type job struct {
	sub    Submission
	cancel context.CancelFunc
	status JobStatus
}

// Pool runs jobs on a fixed set of workers. Each job gets its own
// cancellable context so Revoke can stop it without touching the rest
// of the pool.
type Pool struct {
	mu          sync.Mutex
	jobs        map[string]*job
	queue       chan string
	completions chan Completion
	group       *errgroup.Group
	cancel      context.CancelFunc
	closed      bool
}

// NewPool starts a pool with the given worker count and queue size.
// Non-positive values fall back to the defaults.
func NewPool(workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	p := &Pool{
		jobs:        make(map[string]*job),
		queue:       make(chan string, queueSize),
		completions: make(chan Completion, queueSize),
		group:       g,
		cancel:      cancel,
	}

	for i := 0; i < workers; i++ {
		worker := i
		g.Go(func() error {
			p.run(ctx, worker)
			return nil
		})
	}

	log.Printf("[runtime] pool started with %d workers (queue %d)", workers, queueSize)
	return p
}

// Submit queues a job. Returns ErrQueueFull when the queue is at
// capacity and ErrClosed after Close.
func (p *Pool) Submit(sub Submission) error {
	if sub.JobID == "" {
		return fmt.Errorf("submission has no job ID")
	}
	if sub.Work == nil {
		return fmt.Errorf("submission %s has no work", sub.JobID)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if _, exists := p.jobs[sub.JobID]; exists {
		p.mu.Unlock()
		return fmt.Errorf("job %s already submitted", sub.JobID)
	}
	p.jobs[sub.JobID] = &job{sub: sub, status: JobPending}
	p.mu.Unlock()

	select {
	case p.queue <- sub.JobID:
		return nil
	default:
		p.mu.Lock()
		delete(p.jobs, sub.JobID)
		p.mu.Unlock()
		return ErrQueueFull
	}
}

// Status reports the job's current state.
func (p *Pool) Status(jobID string) (JobStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	j, ok := p.jobs[jobID]
	if !ok {
		return "", fmt.Errorf("job %s: %w", jobID, ErrUnknownJob)
	}
	return j.status, nil
}

// Revoke cancels a job. A running job has its context cancelled and
// will surface a failure completion; a queued job is marked failed
// immediately and skipped when a worker picks it up.
func (p *Pool) Revoke(jobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	j, ok := p.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, ErrUnknownJob)
	}
	switch j.status {
	case JobSuccess, JobFailure:
		return nil
	case JobStarted:
		if j.cancel != nil {
			j.cancel()
		}
	case JobPending:
		j.status = JobFailure
	}
	log.Printf("[runtime] job %s revoked", jobID)
	return nil
}

// Completions returns the stream of finished jobs. The channel is
// closed when the pool shuts down.
func (p *Pool) Completions() <-chan Completion {
	return p.completions
}

// Close stops accepting submissions, cancels running jobs, waits for
// workers to drain, and closes the completions channel.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.queue)
	p.cancel()
	err := p.group.Wait()
	close(p.completions)
	log.Printf("[runtime] pool stopped")
	return err
}

// run is one worker's loop: pull a job, execute it, emit a completion.
func (p *Pool) run(ctx context.Context, worker int) {
	for {
		select {
		case <-ctx.Done():
			return
		case jobID, ok := <-p.queue:
			if !ok {
				return
			}
			p.execute(ctx, worker, jobID)
		}
	}
}

func (p *Pool) execute(ctx context.Context, worker int, jobID string) {
	p.mu.Lock()
	j, ok := p.jobs[jobID]
	if !ok || j.status != JobPending {
		// Revoked while queued.
		p.mu.Unlock()
		return
	}
	var jobCtx context.Context
	var cancel context.CancelFunc
	if j.sub.Timeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, j.sub.Timeout)
	} else {
		jobCtx, cancel = context.WithCancel(ctx)
	}
	j.status = JobStarted
	j.cancel = cancel
	p.mu.Unlock()
	defer cancel()

	log.Printf("[runtime] worker %d starting job %s", worker, jobID)
	start := time.Now()
	result, err := j.sub.Work(jobCtx)
	elapsed := time.Since(start)

	if result == nil {
		result = &Result{}
	}
	result.Duration = elapsed
	if err == nil {
		err = jobCtx.Err()
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", ErrJobTimeout, err)
		}
		result.Status = JobFailure
		result.Err = err
	} else {
		result.Status = JobSuccess
	}

	p.mu.Lock()
	j.status = result.Status
	p.mu.Unlock()

	p.completions <- Completion{JobID: jobID, Result: result}
}
