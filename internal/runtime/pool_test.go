package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitCompletion(t *testing.T, p *Pool, jobID string) *Result {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-p.Completions():
			require.True(t, ok, "completions closed before job %s finished", jobID)
			if c.JobID == jobID {
				return c.Result
			}
		case <-deadline:
			t.Fatalf("timed out waiting for job %s", jobID)
		}
	}
}

func TestPoolRunsJob(t *testing.T) {
	p := NewPool(2, 8)
	defer p.Close()

	err := p.Submit(Submission{
		JobID: "j1",
		Work: func(ctx context.Context) (*Result, error) {
			return &Result{Output: "done", TokensUsed: 42, CostUSD: 0.001}, nil
		},
	})
	require.NoError(t, err)

	result := waitCompletion(t, p, "j1")
	assert.Equal(t, JobSuccess, result.Status)
	assert.Equal(t, "done", result.Output)
	assert.Equal(t, int64(42), result.TokensUsed)
	assert.Positive(t, result.Duration)

	status, err := p.Status("j1")
	require.NoError(t, err)
	assert.Equal(t, JobSuccess, status)
}

func TestPoolReportsFailure(t *testing.T) {
	p := NewPool(1, 8)
	defer p.Close()

	boom := errors.New("boom")
	require.NoError(t, p.Submit(Submission{
		JobID: "j1",
		Work: func(ctx context.Context) (*Result, error) {
			return nil, boom
		},
	}))

	result := waitCompletion(t, p, "j1")
	assert.Equal(t, JobFailure, result.Status)
	assert.ErrorIs(t, result.Err, boom)
}

func TestPoolEnforcesTimeout(t *testing.T) {
	p := NewPool(1, 8)
	defer p.Close()

	require.NoError(t, p.Submit(Submission{
		JobID:   "slow",
		Timeout: 20 * time.Millisecond,
		Work: func(ctx context.Context) (*Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))

	result := waitCompletion(t, p, "slow")
	assert.Equal(t, JobFailure, result.Status)
	assert.ErrorIs(t, result.Err, ErrJobTimeout)
	assert.ErrorIs(t, result.Err, context.DeadlineExceeded)
}

func TestPoolRevokeRunningJob(t *testing.T) {
	p := NewPool(1, 8)
	defer p.Close()

	started := make(chan struct{})
	require.NoError(t, p.Submit(Submission{
		JobID: "j1",
		Work: func(ctx context.Context) (*Result, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))

	<-started
	require.NoError(t, p.Revoke("j1"))

	result := waitCompletion(t, p, "j1")
	assert.Equal(t, JobFailure, result.Status)
	assert.ErrorIs(t, result.Err, context.Canceled)
}

func TestPoolRevokeQueuedJob(t *testing.T) {
	p := NewPool(1, 8)
	defer p.Close()

	release := make(chan struct{})
	require.NoError(t, p.Submit(Submission{
		JobID: "blocker",
		Work: func(ctx context.Context) (*Result, error) {
			<-release
			return &Result{}, nil
		},
	}))
	require.NoError(t, p.Submit(Submission{
		JobID: "queued",
		Work: func(ctx context.Context) (*Result, error) {
			t.Error("revoked queued job must not run")
			return &Result{}, nil
		},
	}))

	// Give the single worker time to pick up the blocker.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, p.Revoke("queued"))
	close(release)

	result := waitCompletion(t, p, "blocker")
	assert.Equal(t, JobSuccess, result.Status)

	status, err := p.Status("queued")
	require.NoError(t, err)
	assert.Equal(t, JobFailure, status)
}

func TestPoolQueueFull(t *testing.T) {
	p := NewPool(1, 1)
	defer p.Close()

	release := make(chan struct{})
	block := func(ctx context.Context) (*Result, error) {
		<-release
		return &Result{}, nil
	}

	require.NoError(t, p.Submit(Submission{JobID: "running", Work: block}))
	// The worker may not have dequeued yet, so allow one queue slot too.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, p.Submit(Submission{JobID: "queued", Work: block}))

	err := p.Submit(Submission{JobID: "overflow", Work: block})
	assert.ErrorIs(t, err, ErrQueueFull)

	close(release)
}

func TestPoolDuplicateSubmit(t *testing.T) {
	p := NewPool(1, 8)
	defer p.Close()

	work := func(ctx context.Context) (*Result, error) { return &Result{}, nil }
	require.NoError(t, p.Submit(Submission{JobID: "j1", Work: work}))
	assert.Error(t, p.Submit(Submission{JobID: "j1", Work: work}))
}

func TestPoolSubmitAfterClose(t *testing.T) {
	p := NewPool(1, 8)
	require.NoError(t, p.Close())

	err := p.Submit(Submission{
		JobID: "late",
		Work:  func(ctx context.Context) (*Result, error) { return &Result{}, nil },
	})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPoolUnknownJob(t *testing.T) {
	p := NewPool(1, 8)
	defer p.Close()

	_, err := p.Status("ghost")
	assert.ErrorIs(t, err, ErrUnknownJob)
	assert.ErrorIs(t, p.Revoke("ghost"), ErrUnknownJob)
}
