package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/agentmesh/workflow/emit"
)

// RunStatus is the terminal or in-flight state of one run, reported by
// RunHandle and persisted in the Started/Completed/Failed/.../Cancelled
// event stream.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSuspended RunStatus = "suspended"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// runState is the scheduler's mutable working set for one run: current and
// next super-step inboxes, scope state, fan-in buffers, executor-local
// saved state, and bookkeeping needed to produce a Checkpoint at any
// boundary.
type runState struct {
	mu sync.Mutex

	runID    RunID
	workflow *Workflow
	opts     Options
	emitter  emit.Emitter
	logger   *slog.Logger
	rng      *rand.Rand

	scopes         *scopeStore
	fanIn          *fanInJoiner
	inbox          []Envelope
	pendingNext    []Envelope
	executorStates map[ExecutorID][]byte
	recordedIOs    []RecordedIO
	pendingExternal []ExternalInputRequest

	superStep int
	status    RunStatus
	cancelled bool
	failure   error

	// lastOutput holds the most recently emitted payload that had nowhere
	// to route (no outgoing edge group, no fan-in group feeding off its
	// source): the terminal value the run reports as its Completed output.
	lastOutput Payload
	// stepProducedOutput is true for exactly the super-step in which
	// lastOutput was most recently set, letting the driver emit an
	// EventEmitted only for newly observed terminal output rather than
	// re-reporting a stale value every subsequent step.
	stepProducedOutput bool
}

func newRunState(runID RunID, wf *Workflow, opts Options, emitter emit.Emitter, logger *slog.Logger, seed Envelope) *runState {
	rs := &runState{
		runID:          runID,
		workflow:       wf,
		opts:           opts,
		emitter:        emitter,
		logger:         logger,
		rng:            initRNG(runID),
		scopes:         newScopeStore(),
		fanIn:          newFanInJoiner(),
		executorStates: make(map[ExecutorID][]byte),
		status:         RunStatusRunning,
	}
	seed.TargetID = &wf.start
	rs.inbox = []Envelope{seed}
	return rs
}

// Cancel cooperatively cancels the run: in-flight handler invocations are
// allowed to finish, but their emissions and scope writes are discarded
// (pre-commit rollback) and the run transitions to RunStatusCancelled.
func (rs *runState) Cancel() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.cancelled = true
}

func (rs *runState) isCancelled() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.cancelled
}

// handlerOutcome is what one delivery's handler invocation produced,
// carried back to the commit phase for deterministic ordered application.
type handlerOutcome struct {
	executor  *ExecutorBinding
	emissions []emittedEnvelope
	scopeErr  error
	extReqs   []ExternalInputRequest
	savedState []byte
	err       error
	status    DeliveryStatus
}

// runSuperStep executes exactly one super-step: drain the current inbox,
// invoke handlers (parallel across distinct target executors, serialized
// within one), commit scope writes and route emissions into the next
// inbox, then decide whether the run terminated, suspended, or continues.
func (rs *runState) runSuperStep(ctx context.Context) error {
	start := time.Now()
	rs.superStep++
	rs.stepProducedOutput = false

	byTarget := make(map[ExecutorID][]Envelope)
	var order []ExecutorID
	for _, env := range rs.inbox {
		if env.TargetID == nil {
			continue
		}
		if _, seen := byTarget[*env.TargetID]; !seen {
			order = append(order, *env.TargetID)
		}
		byTarget[*env.TargetID] = append(byTarget[*env.TargetID], env)
	}
	// Deterministic invocation order: executor declaration ordinal.
	sort.SliceStable(order, func(i, j int) bool {
		return rs.workflow.Executor(order[i]).ordinal < rs.workflow.Executor(order[j]).ordinal
	})

	outcomes := make([]handlerOutcome, len(order))
	var wg sync.WaitGroup
	limit := rs.opts.MaxConcurrentHandlers
	if limit <= 0 {
		limit = len(order)
	}
	sem := make(chan struct{}, maxInt(1, limit))
	for i, target := range order {
		wg.Add(1)
		go func(i int, target ExecutorID, deliveries []Envelope) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			outcomes[i] = rs.invokeExecutor(ctx, target, deliveries)
		}(i, target, byTarget[target])
	}
	wg.Wait()

	if rs.isCancelled() {
		rs.status = RunStatusCancelled
		return newError(ErrCodeRunCancelled, fmt.Sprintf("run %s cancelled at super-step %d", rs.runID, rs.superStep), nil)
	}

	for i, outcome := range outcomes {
		if outcome.err != nil {
			rs.status = RunStatusFailed
			rs.failure = outcome.err
			return outcome.err
		}
		executor := rs.workflow.Executor(order[i])
		if outcome.savedState != nil {
			rs.executorStates[executor.ID] = outcome.savedState
		}
		rs.pendingExternal = append(rs.pendingExternal, outcome.extReqs...)
		for _, em := range outcome.emissions {
			env := Envelope{
				Payload:       em.payload,
				SourceID:      executor.ID,
				DeliveryID:    em.deliveryID,
				sourceOrdinal: executor.ordinal,
				emissionSeq:   em.emissionSeq,
			}
			if em.target != nil {
				t := *em.target
				env.TargetID = &t
				rs.deliverDirect(env)
				continue
			}
			rs.routeFromExecutor(executor.ID, env)
		}
	}

	rs.scopes.commit(rs.superStep)

	if rs.opts.Metrics != nil {
		rs.opts.Metrics.RecordSuperStepLatency(string(rs.runID), time.Since(start), "ok")
	}

	return nil
}

func (rs *runState) deliverDirect(env Envelope) {
	rs.nextInboxAppend(routedDelivery{envelope: env, status: DeliveryDelivered})
}

func (rs *runState) routeFromExecutor(source ExecutorID, env Envelope) {
	groups := rs.workflow.outgoing[source]
	fanIns := rs.workflow.fanInBySource[source]
	if len(groups) == 0 && len(fanIns) == 0 {
		// No declared outgoing edge at all: this emission is the run's
		// terminal output rather than a dropped delivery.
		rs.lastOutput = env.Payload
		rs.stepProducedOutput = true
		return
	}
	for _, g := range groups {
		for _, rd := range route(g, env, rs.scopes) {
			rs.nextInboxAppend(rd)
		}
	}
	for _, g := range fanIns {
		cohort := env.DeliveryID
		if cohort == "" {
			cohort = DeliveryID(newUUID())
		}
		if joined, ready := rs.fanIn.offer(g, source, cohort, env); ready {
			merged := env
			merged.Payload = &FanInCohort{Envelopes: joined}
			merged.TargetID = &g.To
			merged.EdgeGroup = g.ID
			rs.nextInboxAppend(routedDelivery{envelope: merged, status: DeliveryDelivered})
		} else {
			rs.nextInboxAppend(routedDelivery{status: DeliveryBuffered})
		}
	}
}

func (rs *runState) nextInboxAppend(rd routedDelivery) {
	if rd.status != DeliveryDelivered {
		if rs.emitter != nil {
			rs.emitter.Emit(emit.Event{RunID: string(rs.runID), Step: rs.superStep, Msg: "delivery", Meta: map[string]any{"delivery_status": string(rd.status)}})
		}
		return
	}
	rs.pendingNext = append(rs.pendingNext, rd.envelope)
}

// swapInbox moves the envelopes accumulated by this super-step's commit
// phase into inbox for the next iteration.
func (rs *runState) swapInbox() {
	rs.inbox = rs.pendingNext
	rs.pendingNext = nil
}

// invokeExecutor runs one target executor's handler against every envelope
// addressed to it this super-step, in arrival order, applying retry policy
// per envelope. It never mutates rs directly; all effects are returned in
// the handlerOutcome for the caller to apply deterministically.
func (rs *runState) invokeExecutor(ctx context.Context, target ExecutorID, deliveries []Envelope) handlerOutcome {
	executor := rs.workflow.Executor(target)
	outcome := handlerOutcome{executor: executor}

	for _, env := range deliveries {
		handler := executor.handlerFor(env.Payload.PayloadType())
		if handler == nil {
			outcome.status = DeliveryDroppedTypeMismatch
			continue
		}

		timeout := handlerTimeout(executor.Policy, rs.opts.DefaultHandlerTimeout)

		var rc *runContext
		attempt := 0
		var err error
		for {
			rc = newRunContext(rs.runID, executor, rs.superStep, rs.scopes, rs.emitter, rs.logger)
			err = invokeWithTimeout(ctx, executor.ID, timeout, func(hctx context.Context) error {
				return handler(hctx, rc, env.Payload)
			})
			if err == nil {
				break
			}
			var retryPolicy *RetryPolicy
			errPolicy := ErrorPolicyFailRun
			if executor.Policy != nil {
				retryPolicy = executor.Policy.RetryPolicy
				if executor.Policy.ErrorPolicy != "" {
					errPolicy = executor.Policy.ErrorPolicy
				}
			}
			attempt++
			if errPolicy == ErrorPolicyRetryWithBackoff && shouldRetry(retryPolicy, attempt, err) {
				if rs.opts.Metrics != nil {
					rs.opts.Metrics.IncrementRetries(string(executor.ID), "handler_error")
				}
				delay := computeBackoff(attempt-1, retryPolicy.BaseDelay, retryPolicy.MaxDelay, rs.rng)
				select {
				case <-time.After(delay):
					continue
				case <-ctx.Done():
					err = ctx.Err()
				}
			}
			break
		}

		if err != nil {
			errPolicy := ErrorPolicyFailRun
			if executor.Policy != nil && executor.Policy.ErrorPolicy != "" {
				errPolicy = executor.Policy.ErrorPolicy
			}
			if errPolicy == ErrorPolicySkipMessage {
				if rs.emitter != nil {
					rs.emitter.Emit(emit.Event{RunID: string(rs.runID), Step: rs.superStep, ExecutorID: string(executor.ID), Msg: "handler error, skipping message", Meta: map[string]any{"error": err.Error(), "delivery_status": string(DeliveryException)}})
				}
				continue
			}
			outcome.err = newError(ErrCodeHandlerError, fmt.Sprintf("executor %s: %v", executor.ID, err), err)
			return outcome
		}

		for k := range rc.emitted {
			rc.emitted[k].deliveryID = env.DeliveryID
		}
		outcome.emissions = append(outcome.emissions, rc.emitted...)
		outcome.extReqs = append(outcome.extReqs, rc.externalReqs...)
		if rc.savedState != nil {
			outcome.savedState = rc.savedState
		}
	}
	return outcome
}

// FanInCohort is the payload delivered to a fan-in edge's target once every
// declared source has reported, carrying the joined envelopes in the
// declared Sources order.
type FanInCohort struct {
	Envelopes []Envelope `json:"-"`
}

func (FanInCohort) PayloadType() PayloadType { return "control.fanin_cohort" }

// MarshalJSON/UnmarshalJSON round-trip Envelopes through wireEnvelope so a
// FanInCohort buffered across a checkpoint boundary keeps its sibling
// envelopes' concrete Payload types rather than losing them to Go's
// interface-erasing default JSON encoding.
func (c FanInCohort) MarshalJSON() ([]byte, error) {
	wire := make([]wireEnvelope, 0, len(c.Envelopes))
	for _, e := range c.Envelopes {
		we, err := marshalEnvelope(e)
		if err != nil {
			return nil, err
		}
		wire = append(wire, we)
	}
	return json.Marshal(struct {
		Envelopes []wireEnvelope `json:"envelopes"`
	}{wire})
}

func (c *FanInCohort) UnmarshalJSON(data []byte) error {
	var aux struct {
		Envelopes []wireEnvelope `json:"envelopes"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	for _, we := range aux.Envelopes {
		e, err := unmarshalEnvelope(we)
		if err != nil {
			return err
		}
		c.Envelopes = append(c.Envelopes, e)
	}
	return nil
}

func init() {
	RegisterPayloadType(func() Payload { return &FanInCohort{} })
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
