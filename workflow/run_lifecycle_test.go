package workflow_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	workflow "github.com/agentmesh/workflow"
	"github.com/agentmesh/workflow/store"
)

// counterPayload carries an integer, used across the lifecycle tests to
// verify per-handler processing without depending on the compiler package.
type counterPayload struct{ N int }

func (counterPayload) PayloadType() workflow.PayloadType { return "test.counter" }

func init() {
	workflow.RegisterPayloadType(func() workflow.Payload { return &counterPayload{} })
}

func incrementHandler(_ context.Context, rc workflow.Context, payload workflow.Payload) error {
	c := payload.(*counterPayload)
	rc.Emit(&counterPayload{N: c.N + 1})
	return nil
}

func drainToTerminal(t *testing.T, handle *workflow.RunHandle) workflow.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		ev, err := handle.PollEvent(ctx)
		require.NoError(t, err)
		switch ev.Kind {
		case workflow.EventCompleted, workflow.EventFailed, workflow.EventCancelled:
			return ev
		}
	}
}

func TestRunLinearChainCompletesWithTerminalOutput(t *testing.T) {
	wf, err := workflow.NewBuilder().
		WithStart("a").
		AddExecutor(workflow.ExecutorSpec{
			ID:       "a",
			Kind:     workflow.ExecutorKindCompute,
			Handlers: []workflow.HandlerEntrySpec{{Type: "test.counter", Handler: incrementHandler}},
		}).
		AddExecutor(workflow.ExecutorSpec{
			ID:       "b",
			Kind:     workflow.ExecutorKindCompute,
			Handlers: []workflow.HandlerEntrySpec{{Type: "test.counter", Handler: incrementHandler}},
		}).
		AddEdge("a", "b", nil).
		Build()
	require.NoError(t, err)

	handle, err := workflow.StartRun(context.Background(), wf, &counterPayload{N: 0})
	require.NoError(t, err)

	ev := drainToTerminal(t, handle)
	require.Equal(t, workflow.EventCompleted, ev.Kind)
	require.Equal(t, workflow.RunStatusCompleted, handle.Status())
	out, ok := ev.Output.(*counterPayload)
	require.True(t, ok)
	require.Equal(t, 2, out.N)
}

func directEdgePredicateWorkflow(t *testing.T, when workflow.Predicate) *workflow.Workflow {
	t.Helper()
	wf, err := workflow.NewBuilder().
		WithStart("a").
		AddExecutor(singleSpec("a")).
		AddExecutor(workflow.ExecutorSpec{
			ID:   "b",
			Kind: workflow.ExecutorKindCompute,
			Handlers: []workflow.HandlerEntrySpec{
				{Type: "test.noop", Handler: func(_ context.Context, rc workflow.Context, _ workflow.Payload) error {
					rc.Emit(&counterPayload{N: 99})
					return nil
				}},
			},
		}).
		AddEdge("a", "b", when).
		Build()
	require.NoError(t, err)
	return wf
}

func TestRunDirectEdgeDeliversWhenPredicateTrue(t *testing.T) {
	wf := directEdgePredicateWorkflow(t, func(workflow.Payload, workflow.ScopeReader) bool { return true })
	handle, err := workflow.StartRun(context.Background(), wf, &noop{})
	require.NoError(t, err)

	ev := drainToTerminal(t, handle)
	require.Equal(t, workflow.EventCompleted, ev.Kind)
	out, ok := ev.Output.(*counterPayload)
	require.True(t, ok)
	require.Equal(t, 99, out.N)
}

func TestRunDirectEdgeDropsWhenPredicateFalse(t *testing.T) {
	wf := directEdgePredicateWorkflow(t, func(workflow.Payload, workflow.ScopeReader) bool { return false })
	handle, err := workflow.StartRun(context.Background(), wf, &noop{})
	require.NoError(t, err)

	ev := drainToTerminal(t, handle)
	require.Equal(t, workflow.EventCompleted, ev.Kind)
	require.Nil(t, ev.Output, "a dropped-by-predicate delivery has no successor to treat as terminal output")
}

func TestRunFanOutFanInJoinsInDeclaredSourceOrder(t *testing.T) {
	fanoutSpec := workflow.ExecutorSpec{
		ID:   "split",
		Kind: workflow.ExecutorKindCompute,
		Handlers: []workflow.HandlerEntrySpec{
			{Type: "test.noop", Handler: echoHandler},
		},
	}
	workerSpec := func(id workflow.ExecutorID, tag int) workflow.ExecutorSpec {
		return workflow.ExecutorSpec{
			ID:   id,
			Kind: workflow.ExecutorKindCompute,
			Handlers: []workflow.HandlerEntrySpec{
				{Type: "test.noop", Handler: func(_ context.Context, rc workflow.Context, _ workflow.Payload) error {
					rc.Emit(&counterPayload{N: tag})
					return nil
				}},
			},
		}
	}
	joined := workflow.ExecutorSpec{
		ID:   "join",
		Kind: workflow.ExecutorKindCompute,
		Handlers: []workflow.HandlerEntrySpec{
			{Type: "control.fanin_cohort", Handler: func(_ context.Context, rc workflow.Context, payload workflow.Payload) error {
				cohort := payload.(*workflow.FanInCohort)
				sum := 0
				for _, env := range cohort.Envelopes {
					sum += env.Payload.(*counterPayload).N
				}
				rc.Emit(&counterPayload{N: sum})
				return nil
			}},
		},
	}

	wf, err := workflow.NewBuilder().
		WithStart("split").
		AddExecutor(fanoutSpec).
		AddExecutor(workerSpec("worker1", 10)).
		AddExecutor(workerSpec("worker2", 20)).
		AddExecutor(joined).
		AddFanOut("split", "worker1", "worker2").
		AddFanIn([]workflow.ExecutorID{"worker1", "worker2"}, "join", 0).
		Build()
	require.NoError(t, err)

	handle, err := workflow.StartRun(context.Background(), wf, &noop{})
	require.NoError(t, err)

	ev := drainToTerminal(t, handle)
	require.Equal(t, workflow.EventCompleted, ev.Kind)
	out, ok := ev.Output.(*counterPayload)
	require.True(t, ok)
	require.Equal(t, 30, out.N)
}

// TestRunSwitchRoutesOnCommittedScopeState exercises Invariant 4's one
// super-step lag: "writer" queues a scope write and forwards to "router" on
// a plain edge; only by the super-step "router" actually runs does that
// write show up as committed, so the switch predicate evaluated against
// router's emission sees it.
func TestRunSwitchRoutesOnCommittedScopeState(t *testing.T) {
	writer := workflow.ExecutorSpec{
		ID:   "writer",
		Kind: workflow.ExecutorKindCompute,
		Handlers: []workflow.HandlerEntrySpec{
			{Type: "test.noop", Handler: func(_ context.Context, rc workflow.Context, payload workflow.Payload) error {
				require.NoError(t, rc.QueueScopeWrite(workflow.ScopeTopic, "flag", true))
				rc.Emit(payload)
				return nil
			}},
		},
	}
	router := workflow.ExecutorSpec{
		ID:   "router",
		Kind: workflow.ExecutorKindCompute,
		Handlers: []workflow.HandlerEntrySpec{
			{Type: "test.noop", Handler: echoHandler},
		},
	}
	hotSpec := workflow.ExecutorSpec{
		ID:   "hot",
		Kind: workflow.ExecutorKindCompute,
		Handlers: []workflow.HandlerEntrySpec{
			{Type: "test.noop", Handler: func(_ context.Context, rc workflow.Context, _ workflow.Payload) error {
				rc.Emit(&counterPayload{N: 1})
				return nil
			}},
		},
	}
	coldSpec := workflow.ExecutorSpec{
		ID:   "cold",
		Kind: workflow.ExecutorKindCompute,
		Handlers: []workflow.HandlerEntrySpec{
			{Type: "test.noop", Handler: func(_ context.Context, rc workflow.Context, _ workflow.Payload) error {
				rc.Emit(&counterPayload{N: 0})
				return nil
			}},
		},
	}
	coldID := workflow.ExecutorID("cold")

	wf, err := workflow.NewBuilder().
		WithStart("writer").
		AddExecutor(writer).
		AddExecutor(router).
		AddExecutor(hotSpec).
		AddExecutor(coldSpec).
		AddEdge("writer", "router", nil).
		AddSwitch("router", []workflow.SwitchCase{
			{When: func(_ workflow.Payload, scopes workflow.ScopeReader) bool {
				v, ok := scopes.ReadScope(workflow.ScopeTopic, "flag")
				return ok && v == true
			}, To: "hot"},
		}, &coldID).
		Build()
	require.NoError(t, err)

	handle, err := workflow.StartRun(context.Background(), wf, &noop{})
	require.NoError(t, err)

	ev := drainToTerminal(t, handle)
	require.Equal(t, workflow.EventCompleted, ev.Kind)
	out, ok := ev.Output.(*counterPayload)
	require.True(t, ok)
	require.Equal(t, 1, out.N, "switch should route to hot once writer's scope write has committed")
}

func TestRunExternalInputSuspendsAndResumes(t *testing.T) {
	askSpec := workflow.ExecutorSpec{
		ID:   "ask",
		Kind: workflow.ExecutorKindHuman,
		Handlers: []workflow.HandlerEntrySpec{
			{Type: "test.noop", Handler: func(_ context.Context, rc workflow.Context, _ workflow.Payload) error {
				rc.RequestExternal("what is your name?", nil)
				return nil
			}},
			{Type: "control.external_input_values", Handler: func(_ context.Context, rc workflow.Context, payload workflow.Payload) error {
				values := payload.(*workflow.ExternalInputValues)
				name, _ := values.Values["name"].(string)
				rc.Emit(&counterPayload{N: len(name)})
				return nil
			}},
		},
	}

	wf, err := workflow.NewBuilder().WithStart("ask").AddExecutor(askSpec).Build()
	require.NoError(t, err)

	handle, err := workflow.StartRun(context.Background(), wf, &noop{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var req workflow.ExternalInputRequest
	for {
		ev, err := handle.PollEvent(ctx)
		require.NoError(t, err)
		if ev.Kind == workflow.EventExternalInputRequested {
			req = ev.Request
			break
		}
	}
	require.Equal(t, workflow.RunStatusSuspended, handle.Status())

	require.NoError(t, handle.ResumeWith(ctx, workflow.ExternalInputResponse{
		RequestID: req.ID,
		Values:    map[string]any{"name": "ada"},
	}))

	ev := drainToTerminal(t, handle)
	require.Equal(t, workflow.EventCompleted, ev.Kind)
	out := ev.Output.(*counterPayload)
	require.Equal(t, 3, out.N)
}

func TestRunResumeWithRejectsMismatchedRequestID(t *testing.T) {
	askSpec := workflow.ExecutorSpec{
		ID:   "ask",
		Kind: workflow.ExecutorKindHuman,
		Handlers: []workflow.HandlerEntrySpec{
			{Type: "test.noop", Handler: func(_ context.Context, rc workflow.Context, _ workflow.Payload) error {
				rc.RequestExternal("prompt", nil)
				return nil
			}},
		},
	}
	wf, err := workflow.NewBuilder().WithStart("ask").AddExecutor(askSpec).Build()
	require.NoError(t, err)

	handle, err := workflow.StartRun(context.Background(), wf, &noop{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		ev, err := handle.PollEvent(ctx)
		require.NoError(t, err)
		if ev.Kind == workflow.EventExternalInputRequested {
			break
		}
	}

	err = handle.ResumeWith(ctx, workflow.ExternalInputResponse{RequestID: "bogus"})
	require.Error(t, err)
	require.True(t, workflow.IsCode(err, workflow.ErrCodeExternalInputMismatch))
}

func TestRunCancelStopsTheDriverLoop(t *testing.T) {
	blockSpec := workflow.ExecutorSpec{
		ID:   "block",
		Kind: workflow.ExecutorKindCompute,
		Handlers: []workflow.HandlerEntrySpec{
			{Type: "test.noop", Handler: func(ctx context.Context, rc workflow.Context, payload workflow.Payload) error {
				select {
				case <-time.After(200 * time.Millisecond):
					rc.EmitTo("block", payload)
				case <-ctx.Done():
				}
				return nil
			}},
		},
	}
	wf, err := workflow.NewBuilder().WithStart("block").AddExecutor(blockSpec).Build()
	require.NoError(t, err)

	handle, err := workflow.StartRun(context.Background(), wf, &noop{})
	require.NoError(t, err)

	handle.Cancel()
	ev := drainToTerminal(t, handle)
	require.Equal(t, workflow.EventCancelled, ev.Kind)
	require.Equal(t, workflow.RunStatusCancelled, handle.Status())
}

func counterChainWorkflow(t *testing.T) *workflow.Workflow {
	t.Helper()
	wf, err := workflow.NewBuilder().
		WithStart("a").
		AddExecutor(workflow.ExecutorSpec{
			ID:   "a",
			Kind: workflow.ExecutorKindCompute,
			Handlers: []workflow.HandlerEntrySpec{
				{Type: "test.counter", Handler: func(_ context.Context, rc workflow.Context, payload workflow.Payload) error {
					c := payload.(*counterPayload)
					if c.N >= 3 {
						rc.Emit(c)
						return nil
					}
					// Slow enough that a CheckpointNow call queued by a test
					// between super-steps reliably lands mid-run rather than
					// racing a near-instant completion.
					time.Sleep(75 * time.Millisecond)
					rc.EmitTo("a", &counterPayload{N: c.N + 1})
					return nil
				}},
			},
		}).
		Build()
	require.NoError(t, err)
	return wf
}

func TestRunCheckpointNowProducesAPersistedCheckpoint(t *testing.T) {
	st := store.NewMemCheckpointStore()
	wf := counterChainWorkflow(t)

	handle, err := workflow.StartRun(context.Background(), wf, &counterPayload{N: 0}, workflow.WithCheckpointStore(st))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = handle.PollEvent(ctx) // EventStarted
	require.NoError(t, err)
	_, err = handle.PollEvent(ctx) // first EventSuperStep
	require.NoError(t, err)

	cpID, err := handle.CheckpointNow(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, cpID)

	rec, err := st.Retrieve(ctx, string(handle.RunID()), string(cpID))
	require.NoError(t, err)
	cp, err := workflow.UnmarshalCheckpoint(rec.Data)
	require.NoError(t, err)
	require.Equal(t, handle.RunID(), cp.RunID)
	require.True(t, cp.SuperStep >= 1)

	ev := drainToTerminal(t, handle)
	require.Equal(t, workflow.EventCompleted, ev.Kind)
}

func TestResumeRunContinuesFromACheckpointToCompletion(t *testing.T) {
	st := store.NewMemCheckpointStore()
	wf := counterChainWorkflow(t)

	handle, err := workflow.StartRun(context.Background(), wf, &counterPayload{N: 0}, workflow.WithCheckpointStore(st))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = handle.PollEvent(ctx)
	require.NoError(t, err)
	_, err = handle.PollEvent(ctx)
	require.NoError(t, err)

	cpID, err := handle.CheckpointNow(ctx)
	require.NoError(t, err)
	drainToTerminal(t, handle)

	rec, err := st.Retrieve(ctx, string(handle.RunID()), string(cpID))
	require.NoError(t, err)
	cp, err := workflow.UnmarshalCheckpoint(rec.Data)
	require.NoError(t, err)

	resumed, err := workflow.ResumeRun(context.Background(), wf, cp)
	require.NoError(t, err)
	ev := drainToTerminal(t, resumed)
	require.Equal(t, workflow.EventCompleted, ev.Kind)
	out := ev.Output.(*counterPayload)
	require.Equal(t, 3, out.N)
}
