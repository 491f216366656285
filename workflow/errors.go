package workflow

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a WorkflowError into one of the taxonomy's kinds.
// Each constant corresponds to a distinct failure surface the engine can
// report: build-time graph validation, declarative compilation, message
// routing, handler execution, expression evaluation, scope state, external
// input handling, checkpoint persistence, and run cancellation.
type ErrorCode string

const (
	// ErrCodeDuplicateExecutor is returned when Builder.AddExecutor is
	// called twice with the same ExecutorID.
	ErrCodeDuplicateExecutor ErrorCode = "DUPLICATE_EXECUTOR"
	// ErrCodeExecutorNotFound is returned when an edge references an
	// ExecutorID that was never registered.
	ErrCodeExecutorNotFound ErrorCode = "EXECUTOR_NOT_FOUND"
	// ErrCodeUnreachableExecutor is returned at build time when an
	// executor cannot be reached from the start executor.
	ErrCodeUnreachableExecutor ErrorCode = "UNREACHABLE_EXECUTOR"
	// ErrCodeTypeMismatch is returned at build time when an edge's
	// destination declares no handler at all, or when one executor
	// declares two handlers for the same PayloadType.
	ErrCodeTypeMismatch ErrorCode = "TYPE_MISMATCH"
	// ErrCodeNoStartExecutor is returned when Build is called without a
	// start executor configured.
	ErrCodeNoStartExecutor ErrorCode = "NO_START_EXECUTOR"
	// ErrCodeCompileError wraps a declarative YAML compilation failure,
	// carrying the offending action's line, column, and id in Message.
	ErrCodeCompileError ErrorCode = "COMPILE_ERROR"
	// ErrCodeRoutingError is returned when an edge group cannot determine
	// a delivery target (e.g. a switch with no matching case and no
	// default).
	ErrCodeRoutingError ErrorCode = "ROUTING_ERROR"
	// ErrCodeHandlerError wraps a handler's returned error after retry
	// policy evaluation has been exhausted.
	ErrCodeHandlerError ErrorCode = "HANDLER_ERROR"
	// ErrCodeHandlerTimeout is returned when a handler invocation exceeds
	// its configured timeout.
	ErrCodeHandlerTimeout ErrorCode = "HANDLER_TIMEOUT"
	// ErrCodeExpressionError is returned by the expr package when an
	// expression cannot be evaluated against the current scopes.
	ErrCodeExpressionError ErrorCode = "EXPRESSION_ERROR"
	// ErrCodeScopeConflict is returned when two writes to the same scope
	// key within one super-step cannot be deterministically ordered (this
	// should not occur given declaration-order tie-breaking, and is kept
	// as a defensive diagnostic).
	ErrCodeScopeConflict ErrorCode = "SCOPE_CONFLICT"
	// ErrCodeInvalidScopeValue is returned when a scope write's value is
	// not one of the engine-recognized value kinds.
	ErrCodeInvalidScopeValue ErrorCode = "INVALID_SCOPE_VALUE"
	// ErrCodeExternalInputTimeout is returned when a suspended run is not
	// resumed before its external input deadline elapses.
	ErrCodeExternalInputTimeout ErrorCode = "EXTERNAL_INPUT_TIMEOUT"
	// ErrCodeExternalInputMismatch is returned when ResumeWith is called
	// with a response that does not match the pending request's id.
	ErrCodeExternalInputMismatch ErrorCode = "EXTERNAL_INPUT_MISMATCH"
	// ErrCodeCheckpointWriteFailed wraps a CheckpointStore.CreateCheckpoint
	// failure.
	ErrCodeCheckpointWriteFailed ErrorCode = "CHECKPOINT_WRITE_FAILED"
	// ErrCodeCheckpointNotFound is returned when RetrieveCheckpoint cannot
	// locate the requested checkpoint id.
	ErrCodeCheckpointNotFound ErrorCode = "CHECKPOINT_NOT_FOUND"
	// ErrCodeReplayDivergence is returned when a resumed run's recomputed
	// step does not match the checkpointed frontier, indicating a
	// non-deterministic handler.
	ErrCodeReplayDivergence ErrorCode = "REPLAY_DIVERGENCE"
	// ErrCodeRunCancelled is returned when a run is cancelled cooperatively
	// via RunHandle.Cancel.
	ErrCodeRunCancelled ErrorCode = "RUN_CANCELLED"
	// ErrCodeMaxSuperStepsExceeded is returned when a run exceeds
	// Options.MaxSuperSteps without completing.
	ErrCodeMaxSuperStepsExceeded ErrorCode = "MAX_SUPER_STEPS_EXCEEDED"
	// ErrCodeBackpressureTimeout names inbox saturation beyond
	// Options.BackpressureTimeout. The scheduler does not raise it: inboxes
	// are unbounded.
	ErrCodeBackpressureTimeout ErrorCode = "BACKPRESSURE_TIMEOUT"
)

// WorkflowError is the single error type returned across the engine's public
// surface. Code identifies the failure category; Message carries a
// human-readable detail; Cause, when non-nil, wraps the underlying error.
type WorkflowError struct {
	Code    ErrorCode
	Message string
	Cause   error
}

func (e *WorkflowError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *WorkflowError) Unwrap() error { return e.Cause }

// newError constructs a WorkflowError, optionally wrapping cause.
func newError(code ErrorCode, message string, cause error) *WorkflowError {
	return &WorkflowError{Code: code, Message: message, Cause: cause}
}

// IsCode reports whether err is a *WorkflowError carrying the given code.
func IsCode(err error, code ErrorCode) bool {
	var we *WorkflowError
	if errors.As(err, &we) {
		return we.Code == code
	}
	return false
}

// Sentinel errors for conditions checked by identity rather than code, kept
// distinct because they signal control-flow rather than failure.
var (
	// ErrNoProgress indicates the scheduler found no runnable executors
	// and no pending external input, a deadlocked graph.
	ErrNoProgress = errors.New("workflow: no runnable executors, run deadlocked")
	// ErrSuspended names the state of a run parked awaiting
	// ExternalInputResponse. No engine code path returns it.
	ErrSuspended = errors.New("workflow: run suspended awaiting external input")
	// ErrInvalidRetryPolicy is returned by RetryPolicy.Validate.
	ErrInvalidRetryPolicy = errors.New("workflow: invalid retry policy")
)
