package workflow

import (
	"log/slog"

	"github.com/agentmesh/workflow/emit"
)

// Context is the handler-facing runtime surface: emission, scope access,
// external input requests, executor-local state persistence, and
// identifying metadata. Implementations buffer every side effect until the
// enclosing super-step commits, so a handler that panics or returns an
// error after partial emission leaves no visible trace.
type Context interface {
	// Emit routes payload through the executor's declared outgoing edges,
	// evaluated at commit time against the just-committed scope state.
	Emit(payload Payload)

	// EmitTo delivers payload directly to target, bypassing edge
	// evaluation. Used by control-flow executors (loop-each, switch
	// compiled actions) that already know their destination.
	EmitTo(target ExecutorID, payload Payload)

	// ReadScope reads a committed value as of the end of the previous
	// super-step. Never observes writes queued during the current
	// super-step, including the handler's own.
	ReadScope(scope ScopeName, path string) (ScopeValue, bool)

	// QueueScopeWrite buffers a write to be applied at the next commit
	// boundary. Returns an error immediately if value is not an
	// engine-recognized scope value kind.
	QueueScopeWrite(scope ScopeName, path string, value ScopeValue) error

	// RequestExternal suspends the run pending an ExternalInputResponse
	// matching the returned request id. The scheduler parks the run after
	// the current super-step commits.
	RequestExternal(prompt string, schema map[string]any) ExternalInputRequest

	// EmitEvent records an observability event tagged with this
	// executor's id and the run's current super-step.
	EmitEvent(msg string, meta map[string]any)

	// SaveExecutorState persists opaque bytes that will be replayed back
	// to this executor's OnRestore hook after a checkpoint restore.
	SaveExecutorState(data []byte)

	RunID() RunID
	ExecutorID() ExecutorID
	SuperStep() int
	Logger() *slog.Logger
}

// emittedEnvelope records one Emit/EmitTo call made during a handler
// invocation, pending routing at commit time.
type emittedEnvelope struct {
	payload     Payload
	target      *ExecutorID
	emissionSeq int
	// deliveryID is the DeliveryID of the envelope being handled when
	// this emission was made, carried onto the emitted envelope.
	deliveryID DeliveryID
}

// runContext is the concrete Context implementation bound to one handler
// invocation. A fresh runContext is created per delivery; its buffered
// emissions and scope writes are drained into the scheduler's commit phase
// after the handler returns.
type runContext struct {
	runID      RunID
	executor   *ExecutorBinding
	superStep  int
	scopes     *scopeStore
	logger     *slog.Logger
	emitter    emit.Emitter

	emitted       []emittedEnvelope
	nextEmitSeq   int
	externalReqs  []ExternalInputRequest
	savedState    []byte
}

func newRunContext(runID RunID, executor *ExecutorBinding, superStep int, scopes *scopeStore, emitter emit.Emitter, logger *slog.Logger) *runContext {
	return &runContext{
		runID:     runID,
		executor:  executor,
		superStep: superStep,
		scopes:    scopes,
		emitter:   emitter,
		logger:    logger,
	}
}

func (c *runContext) Emit(payload Payload) {
	c.emitted = append(c.emitted, emittedEnvelope{payload: payload, emissionSeq: c.nextEmitSeq})
	c.nextEmitSeq++
}

func (c *runContext) EmitTo(target ExecutorID, payload Payload) {
	t := target
	c.emitted = append(c.emitted, emittedEnvelope{payload: payload, target: &t, emissionSeq: c.nextEmitSeq})
	c.nextEmitSeq++
}

func (c *runContext) ReadScope(scope ScopeName, path string) (ScopeValue, bool) {
	return c.scopes.read(scope, path)
}

func (c *runContext) QueueScopeWrite(scope ScopeName, path string, value ScopeValue) error {
	return c.scopes.queueWrite(scope, path, value, c.executor.ordinal, c.nextEmitSeq)
}

func (c *runContext) RequestExternal(prompt string, schema map[string]any) ExternalInputRequest {
	req := ExternalInputRequest{
		ID:         newUUID(),
		RunID:      c.runID,
		ExecutorID: c.executor.ID,
		Prompt:     prompt,
		Schema:     schema,
	}
	c.externalReqs = append(c.externalReqs, req)
	return req
}

func (c *runContext) EmitEvent(msg string, meta map[string]any) {
	if c.emitter == nil {
		return
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["run_id"] = string(c.runID)
	meta["executor_id"] = string(c.executor.ID)
	c.emitter.Emit(emit.Event{
		RunID:      string(c.runID),
		Step:       c.superStep,
		ExecutorID: string(c.executor.ID),
		Msg:        msg,
		Meta:       meta,
	})
}

func (c *runContext) SaveExecutorState(data []byte) { c.savedState = data }

func (c *runContext) RunID() RunID            { return c.runID }
func (c *runContext) ExecutorID() ExecutorID  { return c.executor.ID }
func (c *runContext) SuperStep() int          { return c.superStep }
func (c *runContext) Logger() *slog.Logger    { return c.logger }
