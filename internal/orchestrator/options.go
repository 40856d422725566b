// Package orchestrator coordinates task workflows: composing them,
// dispatching eligible tasks to agents, handling retries and
// cancellation, and aggregating status.
package orchestrator

import (
	"time"

	"github.com/ShayCichocki/taskforge/internal/capability"
	"github.com/ShayCichocki/taskforge/internal/compose"
	"github.com/ShayCichocki/taskforge/internal/events"
	"github.com/ShayCichocki/taskforge/internal/runtime"
	"github.com/ShayCichocki/taskforge/internal/store"
)

// DefaultRetryDelay is how long a failed task waits before its retry
// copy becomes dispatchable.
const DefaultRetryDelay = 2 * time.Second

// DefaultTaskTimeout bounds a single task execution.
const DefaultTaskTimeout = 10 * time.Minute

// DefaultPollInterval is how often the driver rescans for eligible
// tasks between completions.
const DefaultPollInterval = 250 * time.Millisecond

// RequiredConfig contains the minimal required configuration for an
// Orchestrator. All fields are required and have no defaults.
type RequiredConfig struct {
	// Store persists tasks and agents.
	Store store.Store
	// Runtime executes task payloads.
	Runtime runtime.Runtime
}

// Option configures an Orchestrator. Use With* functions to create Options.
type Option func(*orchestratorOptions)

// orchestratorOptions holds all optional configuration.
type orchestratorOptions struct {
	pipeline     *compose.Pipeline
	capabilities *capability.Registry
	sink         events.Sink
	logger       *DebugLogger
	retryDelay   time.Duration
	taskTimeout  time.Duration
	pollInterval time.Duration
}

// WithPipeline sets the workflow pipeline template.
func WithPipeline(p *compose.Pipeline) Option {
	return func(o *orchestratorOptions) { o.pipeline = p }
}

// WithCapabilities sets the agent capability registry.
func WithCapabilities(r *capability.Registry) Option {
	return func(o *orchestratorOptions) { o.capabilities = r }
}

// WithEventSink sets the destination for lifecycle events.
func WithEventSink(s events.Sink) Option {
	return func(o *orchestratorOptions) { o.sink = s }
}

// WithLogger sets the debug logger.
func WithLogger(l *DebugLogger) Option {
	return func(o *orchestratorOptions) { o.logger = l }
}

// WithRetryDelay sets the delay before a retry copy becomes dispatchable.
func WithRetryDelay(d time.Duration) Option {
	return func(o *orchestratorOptions) { o.retryDelay = d }
}

// WithTaskTimeout bounds single task execution time.
func WithTaskTimeout(d time.Duration) Option {
	return func(o *orchestratorOptions) { o.taskTimeout = d }
}

// WithPollInterval sets the driver's rescan interval.
func WithPollInterval(d time.Duration) Option {
	return func(o *orchestratorOptions) { o.pollInterval = d }
}

// defaultOptions returns options with all defaults applied.
func defaultOptions() *orchestratorOptions {
	return &orchestratorOptions{
		sink:         events.NopSink{},
		retryDelay:   DefaultRetryDelay,
		taskTimeout:  DefaultTaskTimeout,
		pollInterval: DefaultPollInterval,
	}
}
