package workflow

import (
	"context"
	"time"
)

// HandlerFunc processes one Envelope whose Payload matches the PayloadType
// it was registered under. It returns an error to trigger the executor's
// ErrorPolicy; any Context.Emit/EmitTo calls made during the invocation are
// buffered until the super-step commits.
type HandlerFunc func(ctx context.Context, rc Context, payload Payload) error

// handlerEntry pairs a declared input PayloadType with the function that
// handles it, preserving registration order so the dispatch table built at
// bind time has a single deterministic handler per type.
type handlerEntry struct {
	inputType PayloadType
	fn        HandlerFunc
}

// ExecutorKind distinguishes the built-in executor shapes the compiler and
// builder can produce, purely for diagnostics and metrics labeling; runtime
// dispatch never branches on it.
type ExecutorKind string

const (
	ExecutorKindCompute ExecutorKind = "compute"
	ExecutorKindAgent   ExecutorKind = "agent"
	ExecutorKindHuman   ExecutorKind = "human_input"
	ExecutorKindControl ExecutorKind = "control"
)

// ExecutorPolicy configures retry, timeout, and error handling for one
// executor. A nil *ExecutorPolicy on an ExecutorBinding means the engine's
// Options defaults apply.
type ExecutorPolicy struct {
	// Timeout bounds a single handler invocation. Zero means
	// Options.DefaultHandlerTimeout applies.
	Timeout time.Duration

	// ErrorPolicy selects what the scheduler does when a handler returns
	// an error after retries (if any) are exhausted.
	ErrorPolicy ErrorPolicy

	// RetryPolicy specifies automatic retry on handler error. Nil means no
	// retries.
	RetryPolicy *RetryPolicy
}

// ErrorPolicy names a per-executor strategy for handling a terminal handler
// error, per the super-step's handler-invocation phase.
type ErrorPolicy string

const (
	// ErrorPolicyFailRun aborts the entire run with the handler's error.
	// This is the default when ExecutorPolicy.ErrorPolicy is unset.
	ErrorPolicyFailRun ErrorPolicy = "fail_run"
	// ErrorPolicySkipMessage drops the offending envelope and continues
	// the run, recording a DeliveryException event.
	ErrorPolicySkipMessage ErrorPolicy = "skip_message"
	// ErrorPolicyRetryWithBackoff retries per RetryPolicy before falling
	// back to ErrorPolicyFailRun.
	ErrorPolicyRetryWithBackoff ErrorPolicy = "retry_with_backoff"
)

// ExecutorBinding is the immutable, built-time record of one executor: its
// identity, kind, declared handler dispatch table, and policy. Workflow
// construction builds one ExecutorBinding per AddExecutor call; the
// scheduler never mutates it after Build.
type ExecutorBinding struct {
	ID       ExecutorID
	Kind     ExecutorKind
	handlers []handlerEntry
	Policy   *ExecutorPolicy

	// ordinal is this executor's position in declaration order, used as
	// the primary deterministic commit-ordering key for scope writes and
	// emitted envelopes.
	ordinal int

	// OnRestore, if set, is invoked once after a checkpoint restore with
	// any executor-local state captured by a prior Context.SaveExecutorState
	// call, before the executor receives its first post-restore delivery.
	OnRestore func(ctx context.Context, saved []byte) error
}

// declaredInputTypes returns the PayloadTypes this executor has registered
// handlers for, in registration order.
func (b *ExecutorBinding) declaredInputTypes() []PayloadType {
	out := make([]PayloadType, len(b.handlers))
	for i, h := range b.handlers {
		out[i] = h.inputType
	}
	return out
}

// handlerFor returns the handler registered for the given PayloadType, or
// nil if this executor declared no handler for it. Lookup is a table scan
// over a small, build-time-fixed slice rather than a reflective type
// switch, matching the "type-id dispatch table, no reflection" design
// constraint.
func (b *ExecutorBinding) handlerFor(t PayloadType) HandlerFunc {
	for _, h := range b.handlers {
		if h.inputType == t {
			return h.fn
		}
	}
	return nil
}

// ExecutorSpec is the user-facing declaration passed to Builder.AddExecutor:
// an id, a kind, the ordered (PayloadType, HandlerFunc) table, and an
// optional policy. Builder.Build rejects a spec declaring the same
// PayloadType twice.
type ExecutorSpec struct {
	ID       ExecutorID
	Kind     ExecutorKind
	Handlers []HandlerEntrySpec
	Policy   *ExecutorPolicy
	OnRestore func(ctx context.Context, saved []byte) error
}

// HandlerEntrySpec declares one (PayloadType, HandlerFunc) pair for an
// ExecutorSpec.
type HandlerEntrySpec struct {
	Type    PayloadType
	Handler HandlerFunc
}
