package workflow

import (
	"log/slog"
	"time"

	"github.com/agentmesh/workflow/emit"
	"github.com/agentmesh/workflow/store"
)

// Options tunes engine-wide scheduling defaults for the super-step
// scheduler.
type Options struct {
	// MaxSuperSteps bounds the number of super-steps a run may execute
	// before ErrCodeMaxSuperStepsExceeded is returned. Zero means no limit.
	MaxSuperSteps int

	// MaxConcurrentHandlers bounds how many distinct target executors may
	// have a handler invocation in flight within one super-step. Zero
	// means unbounded (one goroutine per distinct target executor with
	// pending deliveries that super-step).
	MaxConcurrentHandlers int

	// QueueDepth is stored but not read by the scheduler: executor inboxes
	// are unbounded and no backpressure is applied.
	QueueDepth int

	// BackpressureTimeout is stored but not read by the scheduler: Emit
	// and EmitTo never block, and ErrCodeBackpressureTimeout is not raised.
	BackpressureTimeout time.Duration

	// DefaultHandlerTimeout applies to any executor without an explicit
	// ExecutorPolicy.Timeout.
	DefaultHandlerTimeout time.Duration

	// RunWallClockBudget bounds total run wall-clock time. Zero disables
	// the budget.
	RunWallClockBudget time.Duration

	// AutoCheckpointCadence selects the scheduler's automatic checkpoint
	// cadence: a positive N checkpoints every N super-steps; zero disables
	// automatic checkpointing (only explicit RunHandle.CheckpointNow calls
	// occur); -1 checkpoints only at suspension (every
	// ExternalInputRequested event).
	AutoCheckpointCadence int

	Metrics     *PrometheusMetrics
	CostTracker *CostTracker

	// Emitter receives the run's observability events: a "delivery" event
	// for each envelope that is dropped or buffered instead of delivered,
	// a "handler error, skipping message" event under
	// ErrorPolicySkipMessage, and every Context.EmitEvent call. It gets no
	// event for super-step boundaries, successful deliveries, handler
	// invocations, scope commits or checkpoint writes. Nil means
	// emit.NullEmitter{}.
	Emitter emit.Emitter

	// Logger backs Context.Logger() and the scheduler's own diagnostics.
	// Nil means slog.Default().
	Logger *slog.Logger

	// Store persists checkpoints written by AutoCheckpointCadence and
	// RunHandle.CheckpointNow. Nil disables persistence: checkpoints are
	// still constructed and announced by a Checkpointed event carrying
	// their id, but are not durably stored.
	Store store.CheckpointStore
}

// DefaultOptions returns the engine's baseline tuning, mirroring the
// teacher's conservative defaults (30s handler timeout, 10 minute
// wall-clock budget).
func DefaultOptions() Options {
	return Options{
		MaxSuperSteps:         0,
		MaxConcurrentHandlers: 8,
		QueueDepth:            1024,
		BackpressureTimeout:   30 * time.Second,
		DefaultHandlerTimeout: 30 * time.Second,
		RunWallClockBudget:    10 * time.Minute,
		AutoCheckpointCadence: 0,
	}
}

// Option configures Options via the functional-options pattern.
type Option func(*Options)

func WithMaxSuperSteps(n int) Option {
	return func(o *Options) { o.MaxSuperSteps = n }
}

func WithMaxConcurrentHandlers(n int) Option {
	return func(o *Options) { o.MaxConcurrentHandlers = n }
}

func WithQueueDepth(n int) Option {
	return func(o *Options) { o.QueueDepth = n }
}

func WithBackpressureTimeout(d time.Duration) Option {
	return func(o *Options) { o.BackpressureTimeout = d }
}

func WithDefaultHandlerTimeout(d time.Duration) Option {
	return func(o *Options) { o.DefaultHandlerTimeout = d }
}

func WithRunWallClockBudget(d time.Duration) Option {
	return func(o *Options) { o.RunWallClockBudget = d }
}

func WithAutoCheckpointCadence(n int) Option {
	return func(o *Options) { o.AutoCheckpointCadence = n }
}

func WithMetrics(m *PrometheusMetrics) Option {
	return func(o *Options) { o.Metrics = m }
}

func WithCostTracker(t *CostTracker) Option {
	return func(o *Options) { o.CostTracker = t }
}

func WithEmitter(e emit.Emitter) Option {
	return func(o *Options) { o.Emitter = e }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

func WithCheckpointStore(s store.CheckpointStore) Option {
	return func(o *Options) { o.Store = s }
}

func applyOptions(opts ...Option) Options {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
