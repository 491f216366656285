package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentmesh/workflow/emit"
	"github.com/agentmesh/workflow/store"
)

// EventKind discriminates the variants RunHandle.PollEvent can yield.
type EventKind string

const (
	EventStarted                EventKind = "started"
	EventSuperStep               EventKind = "super_step"
	EventEmitted                 EventKind = "emitted"
	EventExternalInputRequested  EventKind = "external_input_requested"
	EventCheckpointed            EventKind = "checkpointed"
	EventCompleted               EventKind = "completed"
	EventFailed                  EventKind = "failed"
	EventCancelled               EventKind = "cancelled"
)

// Event is one item of a run's observable event stream, yielded by
// RunHandle.PollEvent. Only the fields relevant to Kind are populated.
type Event struct {
	Kind EventKind

	// SuperStep is set on EventSuperStep to the just-completed step number.
	SuperStep int

	// Payload is set on EventEmitted to a terminal (unrouted) emission
	// observed mid-run, before the run necessarily completes.
	Payload Payload

	// Request is set on EventExternalInputRequested.
	Request ExternalInputRequest

	// CheckpointID is set on EventCheckpointed.
	CheckpointID CheckpointID

	// Output is set on EventCompleted to the run's final emitted payload.
	Output Payload

	// Err is set on EventFailed.
	Err error
}

// checkpointOutcome is the reply to one CheckpointNow/auto-checkpoint
// request processed by the driver loop.
type checkpointOutcome struct {
	id  CheckpointID
	err error
}

// RunHandle is the caller-facing control surface for one in-flight or
// completed run: an event stream (PollEvent), suspension resumption
// (ResumeWith), cooperative cancellation (Cancel), and on-demand
// checkpointing (CheckpointNow). One RunHandle drives exactly one runState
// via a dedicated driver goroutine; all cross-goroutine coordination with
// that goroutine goes through the channels below rather than shared-memory
// locking.
type RunHandle struct {
	runID    RunID
	workflow *Workflow
	opts     Options

	rs *runState

	events chan Event
	done   chan struct{}

	resumeCh        chan ExternalInputResponse
	resumeResultCh  chan error
	checkpointReqCh chan chan checkpointOutcome

	mu              sync.Mutex
	status          RunStatus
	awaitingRequest *ExternalInputRequest
	lastCheckpoint  *CheckpointID
	finalOutput     Payload
	finalErr        error
}

// StartRun begins executing workflow from its declared start executor with
// initialPayload as the seed message. The run drives itself on a
// background goroutine; callers observe progress through PollEvent and
// interact via ResumeWith/Cancel/CheckpointNow.
func StartRun(ctx context.Context, wf *Workflow, initialPayload Payload, opts ...Option) (*RunHandle, error) {
	if wf == nil {
		return nil, newError(ErrCodeNoStartExecutor, "StartRun: nil workflow", nil)
	}
	if initialPayload == nil {
		return nil, newError(ErrCodeRoutingError, "StartRun: nil initial payload", nil)
	}
	o := applyOptions(opts...)
	runID := RunID(newUUID())
	rs := newRunState(runID, wf, o, effectiveEmitter(o), effectiveLogger(o), Envelope{Payload: initialPayload})

	rh := newRunHandle(runID, wf, o, rs)
	go rh.drive(ctx)
	return rh, nil
}

// ResumeRun reconstructs a run from a Checkpoint and resumes the scheduler
// at the super-step following the one it was captured at: scopes are
// restored, OnRestore is invoked per executor with its saved state blob,
// fan-in buffers and pending external requests are rehydrated.
func ResumeRun(ctx context.Context, wf *Workflow, cp Checkpoint, opts ...Option) (*RunHandle, error) {
	if wf == nil {
		return nil, newError(ErrCodeNoStartExecutor, "ResumeRun: nil workflow", nil)
	}
	if cp.SchemaVersion != checkpointSchemaVersion {
		return nil, newError(ErrCodeCheckpointNotFound, fmt.Sprintf("unsupported checkpoint schema version %d", cp.SchemaVersion), nil)
	}
	o := applyOptions(opts...)

	rs := &runState{
		runID:           cp.RunID,
		workflow:        wf,
		opts:            o,
		emitter:         effectiveEmitter(o),
		logger:          effectiveLogger(o),
		rng:             initRNG(cp.RunID),
		scopes:          newScopeStore(),
		fanIn:           newFanInJoiner(),
		executorStates:  make(map[ExecutorID][]byte),
		status:          RunStatusRunning,
		superStep:       cp.SuperStep,
		inbox:           append([]Envelope{}, cp.InboxSnapshot...),
		recordedIOs:     append([]RecordedIO{}, cp.RecordedIOs...),
		pendingExternal: append([]ExternalInputRequest{}, cp.PendingExternalRequests...),
	}
	rs.scopes.restore(cp.ScopesSnapshot)
	rs.fanIn.restore(cp.EdgeBuffers)
	for id, blob := range cp.ExecutorStates {
		rs.executorStates[id] = blob
		binding := wf.Executor(id)
		if binding == nil || binding.OnRestore == nil {
			continue
		}
		if err := binding.OnRestore(ctx, blob); err != nil {
			return nil, newError(ErrCodeHandlerError, fmt.Sprintf("executor %s OnRestore", id), err)
		}
	}

	rh := newRunHandle(cp.RunID, wf, o, rs)
	rh.mu.Lock()
	id := cp.CheckpointID
	rh.lastCheckpoint = &id
	if len(rs.pendingExternal) > 0 {
		req := rs.pendingExternal[0]
		rh.status = RunStatusSuspended
		rh.awaitingRequest = &req
	}
	rh.mu.Unlock()

	go rh.drive(ctx)
	return rh, nil
}

func newRunHandle(runID RunID, wf *Workflow, o Options, rs *runState) *RunHandle {
	return &RunHandle{
		runID:           runID,
		workflow:        wf,
		opts:            o,
		rs:              rs,
		events:          make(chan Event, 64),
		done:            make(chan struct{}),
		resumeCh:        make(chan ExternalInputResponse),
		resumeResultCh:  make(chan error),
		checkpointReqCh: make(chan chan checkpointOutcome, 16),
		status:          rs.status,
	}
}

func effectiveEmitter(o Options) emit.Emitter {
	if o.Emitter != nil {
		return o.Emitter
	}
	return emit.NewNullEmitter()
}

func effectiveLogger(o Options) *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// RunID returns the identifier this handle's run was started or resumed
// under.
func (rh *RunHandle) RunID() RunID { return rh.runID }

// Status returns the run's current RunStatus, safe to call from any
// goroutine.
func (rh *RunHandle) Status() RunStatus {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	return rh.status
}

func (rh *RunHandle) setStatus(s RunStatus) {
	rh.mu.Lock()
	rh.status = s
	rh.mu.Unlock()
}

// PollEvent blocks until the next Event is available or ctx is cancelled.
// After EventCompleted, EventFailed, or EventCancelled, the event channel
// is closed and subsequent calls return the zero Event with an "event
// stream closed" error (or ctx.Err() if ctx is cancelled first).
func (rh *RunHandle) PollEvent(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-rh.events:
		if !ok {
			return Event{}, fmt.Errorf("workflow: run %s: event stream closed", rh.runID)
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// ResumeWith answers the run's currently pending ExternalInputRequest. It
// returns ErrCodeExternalInputMismatch without altering run state if resp
// does not correlate to that request, or if the run is not currently
// AwaitingInput.
func (rh *RunHandle) ResumeWith(ctx context.Context, resp ExternalInputResponse) error {
	rh.mu.Lock()
	if rh.status != RunStatusSuspended || rh.awaitingRequest == nil {
		rh.mu.Unlock()
		return newError(ErrCodeExternalInputMismatch, "ResumeWith: run is not awaiting input", nil)
	}
	if rh.awaitingRequest.ID != resp.RequestID {
		rh.mu.Unlock()
		return newError(ErrCodeExternalInputMismatch, fmt.Sprintf("ResumeWith: expected request %s, got %s", rh.awaitingRequest.ID, resp.RequestID), nil)
	}
	rh.mu.Unlock()

	select {
	case rh.resumeCh <- resp:
	case <-ctx.Done():
		return ctx.Err()
	case <-rh.done:
		return fmt.Errorf("workflow: run %s already finished", rh.runID)
	}
	select {
	case err := <-rh.resumeResultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel cooperatively cancels the run; see runState.Cancel.
func (rh *RunHandle) Cancel() { rh.rs.Cancel() }

// CheckpointNow requests an out-of-band checkpoint at the next super-step
// boundary, or immediately if the run is currently AwaitingInput.
func (rh *RunHandle) CheckpointNow(ctx context.Context) (CheckpointID, error) {
	reply := make(chan checkpointOutcome, 1)
	select {
	case rh.checkpointReqCh <- reply:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-rh.done:
		return "", fmt.Errorf("workflow: run %s already finished", rh.runID)
	}
	select {
	case out := <-reply:
		return out.id, out.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// drive is the run's sole driver goroutine: it executes super-steps one at
// a time, emits the run's event stream, handles suspension/resume, serves
// CheckpointNow requests, and decides termination.
func (rh *RunHandle) drive(ctx context.Context) {
	defer close(rh.done)
	defer close(rh.events)

	rh.emit(Event{Kind: EventStarted})

	budgetDeadline := time.Time{}
	if rh.opts.RunWallClockBudget > 0 {
		budgetDeadline = time.Now().Add(rh.opts.RunWallClockBudget)
	}

	for {
		if rh.rs.isCancelled() || ctx.Err() != nil {
			rh.finish(RunStatusCancelled, nil, nil)
			return
		}
		if !budgetDeadline.IsZero() && time.Now().After(budgetDeadline) {
			rh.finish(RunStatusFailed, nil, newError(ErrCodeMaxSuperStepsExceeded, "run exceeded wall-clock budget", nil))
			return
		}
		if rh.opts.MaxSuperSteps > 0 && rh.rs.superStep >= rh.opts.MaxSuperSteps {
			rh.finish(RunStatusFailed, nil, newError(ErrCodeMaxSuperStepsExceeded, fmt.Sprintf("exceeded %d super-steps", rh.opts.MaxSuperSteps), nil))
			return
		}

		if err := rh.rs.runSuperStep(ctx); err != nil {
			if IsCode(err, ErrCodeRunCancelled) {
				rh.finish(RunStatusCancelled, nil, nil)
				return
			}
			rh.finish(RunStatusFailed, nil, err)
			return
		}

		rh.emit(Event{Kind: EventSuperStep, SuperStep: rh.rs.superStep})
		if rh.rs.stepProducedOutput {
			rh.emit(Event{Kind: EventEmitted, Payload: rh.rs.lastOutput})
		}

		if len(rh.rs.pendingExternal) > 0 {
			if rh.suspendAndAwait(ctx) {
				return
			}
			continue
		}

		if len(rh.rs.pendingNext) == 0 {
			rh.finish(RunStatusCompleted, rh.rs.lastOutput, nil)
			return
		}

		// Swap the next super-step's frontier into rs.inbox before serving
		// any queued/cadence checkpoint: a Checkpoint must capture the
		// frontier a restored run resumes into, never the frontier that was
		// just fully consumed.
		rh.rs.swapInbox()

		rh.drainCheckpointRequests(ctx)
		if rh.opts.AutoCheckpointCadence > 0 && rh.rs.superStep%rh.opts.AutoCheckpointCadence == 0 {
			if cp, err := rh.captureCheckpoint(ctx, ""); err == nil {
				rh.emit(Event{Kind: EventCheckpointed, CheckpointID: cp.CheckpointID})
			}
		}
	}
}

// suspendAndAwait parks the run on its first pending ExternalInputRequest,
// serving CheckpointNow calls made while suspended, until a matching
// ResumeWith response arrives or the run is cancelled. It returns true if
// the driver loop should stop (cancellation), false if it should continue
// to the next super-step.
func (rh *RunHandle) suspendAndAwait(ctx context.Context) bool {
	req := rh.rs.pendingExternal[0]

	rh.mu.Lock()
	rh.status = RunStatusSuspended
	rh.awaitingRequest = &req
	rh.mu.Unlock()

	// Auto-checkpoint at suspension when the cadence option requests it,
	// and always surface the request to callers.
	if rh.opts.AutoCheckpointCadence < 0 {
		if cp, err := rh.captureCheckpoint(ctx, "suspension"); err == nil {
			rh.emit(Event{Kind: EventCheckpointed, CheckpointID: cp.CheckpointID})
		}
	}
	rh.emit(Event{Kind: EventExternalInputRequested, Request: req})

	for {
		select {
		case resp := <-rh.resumeCh:
			env := Envelope{Payload: &ExternalInputValues{Values: resp.Values}}
			target := req.ExecutorID
			env.TargetID = &target
			rh.rs.pendingExternal = rh.rs.pendingExternal[1:]
			rh.rs.pendingNext = append(rh.rs.pendingNext, env)
			rh.rs.swapInbox()

			rh.mu.Lock()
			rh.status = RunStatusRunning
			rh.awaitingRequest = nil
			rh.mu.Unlock()

			rh.resumeResultCh <- nil
			return false

		case reply := <-rh.checkpointReqCh:
			cp, err := rh.captureCheckpoint(ctx, "")
			if err != nil {
				reply <- checkpointOutcome{err: err}
				continue
			}
			reply <- checkpointOutcome{id: cp.CheckpointID}
			rh.emit(Event{Kind: EventCheckpointed, CheckpointID: cp.CheckpointID})

		case <-ctx.Done():
			rh.finish(RunStatusCancelled, nil, nil)
			return true
		}
	}
}

// drainCheckpointRequests serves every CheckpointNow call queued since the
// last boundary, called after each super-step commits.
func (rh *RunHandle) drainCheckpointRequests(ctx context.Context) {
	for {
		select {
		case reply := <-rh.checkpointReqCh:
			cp, err := rh.captureCheckpoint(ctx, "")
			if err != nil {
				reply <- checkpointOutcome{err: err}
				continue
			}
			reply <- checkpointOutcome{id: cp.CheckpointID}
			rh.emit(Event{Kind: EventCheckpointed, CheckpointID: cp.CheckpointID})
		default:
			return
		}
	}
}

// captureCheckpoint builds a Checkpoint from the run's current state (the
// next super-step's frontier, since that's what a restored run must
// resume into), persists it through opts.Store when configured, and
// records it as the run's parent for the next capture.
func (rh *RunHandle) captureCheckpoint(ctx context.Context, label string) (Checkpoint, error) {
	rs := rh.rs
	rh.mu.Lock()
	parent := rh.lastCheckpoint
	rh.mu.Unlock()

	cp := Checkpoint{
		SchemaVersion:           checkpointSchemaVersion,
		RunID:                   rs.runID,
		CheckpointID:            CheckpointID(newUUID()),
		ParentID:                parent,
		WorkflowName:            rs.workflow.Name,
		SuperStep:               rs.superStep,
		CreatedAt:               time.Now(),
		ScopesSnapshot:          rs.scopes.snapshot(),
		ExecutorStates:          copyExecutorStates(rs.executorStates),
		InboxSnapshot:           append([]Envelope{}, rs.inbox...),
		EdgeBuffers:             rs.fanIn.snapshot(),
		PendingExternalRequests: append([]ExternalInputRequest{}, rs.pendingExternal...),
		RecordedIOs:             append([]RecordedIO{}, rs.recordedIOs...),
		Label:                   label,
	}

	if rh.opts.Store != nil {
		data, err := MarshalCheckpoint(cp)
		if err != nil {
			return Checkpoint{}, newError(ErrCodeCheckpointWriteFailed, "marshal checkpoint", err)
		}
		rec := store.CheckpointRecord{
			CheckpointID: string(cp.CheckpointID),
			SuperStep:    cp.SuperStep,
			Label:        cp.Label,
			CreatedAt:    cp.CreatedAt,
			Data:         data,
		}
		if err := rh.opts.Store.CreateCheckpoint(ctx, string(cp.RunID), rec); err != nil {
			return Checkpoint{}, newError(ErrCodeCheckpointWriteFailed, "persist checkpoint", err)
		}
	}

	rh.mu.Lock()
	id := cp.CheckpointID
	rh.lastCheckpoint = &id
	rh.mu.Unlock()

	return cp, nil
}

func copyExecutorStates(in map[ExecutorID][]byte) map[ExecutorID][]byte {
	out := make(map[ExecutorID][]byte, len(in))
	for k, v := range in {
		out[k] = append([]byte{}, v...)
	}
	return out
}

func (rh *RunHandle) finish(status RunStatus, output Payload, err error) {
	rh.drainCheckpointRequests(context.Background())
	rh.setStatus(status)
	rh.mu.Lock()
	rh.finalOutput = output
	rh.finalErr = err
	rh.mu.Unlock()
	switch status {
	case RunStatusCompleted:
		rh.emit(Event{Kind: EventCompleted, Output: output})
	case RunStatusFailed:
		rh.emit(Event{Kind: EventFailed, Err: err})
	case RunStatusCancelled:
		rh.emit(Event{Kind: EventCancelled})
	}
}

// emit delivers ev to the event channel, blocking if the buffer (64 events)
// is full. Callers are expected to drain PollEvent continuously; this never
// drops an event, since EventCompleted/EventFailed/EventCancelled must
// always reach the caller.
func (rh *RunHandle) emit(ev Event) {
	rh.events <- ev
}
