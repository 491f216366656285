package compile

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	workflow "github.com/agentmesh/workflow"
	"github.com/agentmesh/workflow/agent"
	"github.com/agentmesh/workflow/expr"
)

// compiledExprs bundles the parsed expr.Expr trees an action needs, keyed
// by the YAML field they came from, so action handlers never reparse on
// every invocation.
type compiledExprs map[string]expr.Expr

func compileField(exprs compiledExprs, field, src string) error {
	if src == "" {
		return nil
	}
	e, err := expr.Parse(src)
	if err != nil {
		return err
	}
	exprs[field] = e
	return nil
}

func (c compiledExprs) eval(field string, scopes workflow.ScopeReader) (any, error) {
	e, ok := c[field]
	if !ok {
		return nil, nil
	}
	return e.Eval(scopes)
}

func scopeByName(name string) (workflow.ScopeName, error) {
	switch name {
	case "", "topic":
		return workflow.ScopeTopic, nil
	case "conversation":
		return workflow.ScopeConversation, nil
	case "system":
		return workflow.ScopeSystem, nil
	default:
		return "", fmt.Errorf("unknown scope %q", name)
	}
}

// buildSendActivity compiles a send_activity action: evaluate Text, append
// it as a ChatMessage to the declared (scope, path) transcript (defaulting
// to topic scope, path "activities"), then forward to Next.
func buildSendActivity(a ActionDef, exprs compiledExprs) (workflow.ExecutorSpec, error) {
	scope, err := scopeByName(a.Scope)
	if err != nil {
		return workflow.ExecutorSpec{}, err
	}
	path := a.Path
	if path == "" {
		path = "activities"
	}
	handler := func(_ context.Context, rc workflow.Context, _ workflow.Payload) error {
		v, err := exprs.eval("text", readerFor(rc))
		if err != nil {
			return fmt.Errorf("action %s: evaluate text: %w", a.ID, err)
		}
		text := fmt.Sprintf("%v", v)
		if msg, ok := v.(workflow.ChatMessage); ok {
			if err := appendRecord(rc, scope, path, msg); err != nil {
				return err
			}
		} else {
			if err := appendRecord(rc, scope, path, workflow.ChatMessage{Role: "assistant", Content: text}); err != nil {
				return err
			}
		}
		rc.Emit(&StepSignal{})
		return nil
	}
	return workflow.ExecutorSpec{
		ID:       workflow.ExecutorID(a.ID),
		Kind:     workflow.ExecutorKindCompute,
		Handlers: stepEntries(handler),
	}, nil
}

// buildSetVariable compiles a set_variable action: evaluate Value and write
// it to (Scope, Path).
func buildSetVariable(a ActionDef, exprs compiledExprs) (workflow.ExecutorSpec, error) {
	scope, err := scopeByName(a.Scope)
	if err != nil {
		return workflow.ExecutorSpec{}, err
	}
	if a.Path == "" {
		return workflow.ExecutorSpec{}, fmt.Errorf("set_variable action %s requires path", a.ID)
	}
	handler := func(_ context.Context, rc workflow.Context, _ workflow.Payload) error {
		v, err := exprs.eval("value", readerFor(rc))
		if err != nil {
			return fmt.Errorf("action %s: evaluate value: %w", a.ID, err)
		}
		if err := rc.QueueScopeWrite(scope, a.Path, toScopeValue(v)); err != nil {
			return err
		}
		rc.Emit(&StepSignal{})
		return nil
	}
	return singleHandlerSpec(a.ID, handler), nil
}

// buildParseValue compiles a parse_value action: evaluate Value into a
// string and parse it per Format ("int", "float", or "json") before
// writing the result to (Scope, Path).
func buildParseValue(a ActionDef, exprs compiledExprs) (workflow.ExecutorSpec, error) {
	scope, err := scopeByName(a.Scope)
	if err != nil {
		return workflow.ExecutorSpec{}, err
	}
	if a.Path == "" {
		return workflow.ExecutorSpec{}, fmt.Errorf("parse_value action %s requires path", a.ID)
	}
	format := a.Format
	if format == "" {
		format = "json"
	}
	handler := func(_ context.Context, rc workflow.Context, _ workflow.Payload) error {
		v, err := exprs.eval("value", readerFor(rc))
		if err != nil {
			return fmt.Errorf("action %s: evaluate value: %w", a.ID, err)
		}
		raw, ok := v.(string)
		if !ok {
			raw = fmt.Sprintf("%v", v)
		}
		var parsed any
		switch format {
		case "int":
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return fmt.Errorf("action %s: parse int: %w", a.ID, err)
			}
			parsed = n
		case "float":
			f, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return fmt.Errorf("action %s: parse float: %w", a.ID, err)
			}
			parsed = f
		case "json":
			var anyVal any
			if err := json.Unmarshal([]byte(raw), &anyVal); err != nil {
				return fmt.Errorf("action %s: parse json: %w", a.ID, err)
			}
			parsed = jsonToScopeValue(anyVal)
		default:
			return fmt.Errorf("action %s: unknown parse_value format %q", a.ID, format)
		}
		if err := rc.QueueScopeWrite(scope, a.Path, parsed); err != nil {
			return err
		}
		rc.Emit(&StepSignal{})
		return nil
	}
	return singleHandlerSpec(a.ID, handler), nil
}

// buildGoto compiles a no-op passthrough action; useful as a named join
// point in a YAML document's control flow.
func buildGoto(a ActionDef) workflow.ExecutorSpec {
	handler := func(_ context.Context, rc workflow.Context, _ workflow.Payload) error {
		rc.Emit(&StepSignal{})
		return nil
	}
	return singleHandlerSpec(a.ID, handler)
}

// buildClearAllVariables compiles a clear_all_variables action: reset every
// declared Keys path within Scope to nil.
func buildClearAllVariables(a ActionDef) (workflow.ExecutorSpec, error) {
	scope, err := scopeByName(a.Scope)
	if err != nil {
		return workflow.ExecutorSpec{}, err
	}
	handler := func(_ context.Context, rc workflow.Context, _ workflow.Payload) error {
		for _, k := range a.Keys {
			if err := rc.QueueScopeWrite(scope, k, nil); err != nil {
				return err
			}
		}
		rc.Emit(&StepSignal{})
		return nil
	}
	return singleHandlerSpec(a.ID, handler), nil
}

// buildCondition compiles a condition action: evaluate When and route to
// Then or Else via EmitTo, since the destination is chosen dynamically
// rather than through edge predicates.
func buildCondition(a ActionDef, exprs compiledExprs) (workflow.ExecutorSpec, error) {
	if a.Then == "" {
		return workflow.ExecutorSpec{}, fmt.Errorf("condition action %s requires then", a.ID)
	}
	handler := func(_ context.Context, rc workflow.Context, _ workflow.Payload) error {
		v, err := exprs.eval("when", readerFor(rc))
		if err != nil {
			return fmt.Errorf("action %s: evaluate when: %w", a.ID, err)
		}
		if truthyValue(v) {
			rc.EmitTo(workflow.ExecutorID(a.Then), &StepSignal{})
			return nil
		}
		if a.Else != "" {
			rc.EmitTo(workflow.ExecutorID(a.Else), &StepSignal{})
		}
		return nil
	}
	return singleHandlerSpec(a.ID, handler), nil
}

// buildSwitch compiles a switch action: evaluate each case's When in
// declaration order, routing to the first match's To, or Default.
func buildSwitch(a ActionDef, caseExprs []expr.Expr) (workflow.ExecutorSpec, error) {
	handler := func(_ context.Context, rc workflow.Context, _ workflow.Payload) error {
		scopes := readerFor(rc)
		for i, c := range a.Cases {
			v, err := caseExprs[i].Eval(scopes)
			if err != nil {
				return fmt.Errorf("action %s: evaluate case %d: %w", a.ID, i, err)
			}
			if truthyValue(v) {
				rc.EmitTo(workflow.ExecutorID(c.To), &StepSignal{})
				return nil
			}
		}
		if a.Default != "" {
			rc.EmitTo(workflow.ExecutorID(a.Default), &StepSignal{})
		}
		return nil
	}
	return singleHandlerSpec(a.ID, handler), nil
}

// buildFanOut compiles a fan_out action: a bare forwarding handler, with
// the real parallel delivery performed by the workflow.Builder's AddFanOut
// edge group rather than by the handler itself.
func buildFanOut(a ActionDef) workflow.ExecutorSpec {
	handler := func(_ context.Context, rc workflow.Context, _ workflow.Payload) error {
		rc.Emit(&StepSignal{})
		return nil
	}
	return singleHandlerSpec(a.ID, handler)
}

// buildFanIn compiles a fan_in action: its handler fires once per joined
// cohort (workflow.FanInCohort), forwarding to Next.
func buildFanIn(a ActionDef) (workflow.ExecutorSpec, error) {
	if a.Next == "" {
		return workflow.ExecutorSpec{}, fmt.Errorf("fan_in action %s requires next", a.ID)
	}
	handler := func(_ context.Context, rc workflow.Context, _ workflow.Payload) error {
		rc.Emit(&StepSignal{})
		return nil
	}
	return workflow.ExecutorSpec{
		ID:   workflow.ExecutorID(a.ID),
		Kind: workflow.ExecutorKindCompute,
		Handlers: []workflow.HandlerEntrySpec{
			{Type: "control.fanin_cohort", Handler: handler},
		},
	}, nil
}

// buildContinueOrBreak compiles the continue_loop/break_loop action kinds:
// trivial handlers that emit the corresponding control payload to their
// enclosing loop_each coordinator.
func buildContinueOrBreak(a ActionDef, isBreak bool) workflow.ExecutorSpec {
	handler := func(_ context.Context, rc workflow.Context, _ workflow.Payload) error {
		if isBreak {
			rc.Emit(&workflow.BreakLoop{})
		} else {
			rc.Emit(&workflow.ContinueLoop{})
		}
		return nil
	}
	return singleHandlerSpec(a.ID, handler)
}

// buildEndConversation compiles an end_conversation action: a terminal
// emission carrying EndConversation, which the scheduler reports as the
// run's final output since the action declares no outgoing edge.
func buildEndConversation(a ActionDef, exprs compiledExprs) workflow.ExecutorSpec {
	handler := func(_ context.Context, rc workflow.Context, _ workflow.Payload) error {
		reason, _ := exprs.eval("reason", readerFor(rc))
		reasonStr, _ := reason.(string)
		rc.Emit(&workflow.EndConversation{Reason: reasonStr})
		return nil
	}
	return singleHandlerSpec(a.ID, handler)
}

// buildEndDialog compiles an end_dialog action: emits EndDialog either
// onward to Next (so an enclosing loop/conversation coordinator can react)
// or, with no Next, as the run's terminal output.
func buildEndDialog(a ActionDef, exprs compiledExprs) workflow.ExecutorSpec {
	handler := func(_ context.Context, rc workflow.Context, _ workflow.Payload) error {
		reason, _ := exprs.eval("reason", readerFor(rc))
		reasonStr, _ := reason.(string)
		rc.Emit(&workflow.EndDialog{Reason: reasonStr})
		return nil
	}
	return singleHandlerSpec(a.ID, handler)
}

// loopItemPath and loopRemainingPath derive the per-loop scope paths a
// loop_each coordinator uses to hold its current item and the yet-unvisited
// tail of its source slice. Keeping this in topic scope rather than
// executor-local state means a checkpoint/restore cycle recovers loop
// position for free, through the same scope snapshot every other action
// relies on.
func loopItemPath(a ActionDef) string {
	if a.Path != "" {
		return a.Path
	}
	return a.ID + ".item"
}

func loopRemainingPath(a ActionDef) string {
	return a.ID + ".remaining"
}

func toScopeValueSlice(v any) []workflow.ScopeValue {
	switch t := v.(type) {
	case []workflow.ScopeValue:
		return t
	case []any:
		out := make([]workflow.ScopeValue, len(t))
		for i, e := range t {
			out[i] = jsonToScopeValue(e)
		}
		return out
	default:
		return nil
	}
}

// buildLoopEach compiles a loop_each action into a coordinator executor
// with three handlers: the initial StepSignal kicks off iteration,
// ContinueLoop/BreakLoop arrive from the loop body (or a nested
// continue_loop/break_loop action) to advance or terminate it. Each
// transition writes the next item to loopItemPath before EmitTo-ing Body,
// since the body reads it as committed scope state on the following
// super-step (Invariant 4's one-step lag makes same-step delivery of the
// item alongside LoopItem impossible any other way).
func buildLoopEach(a ActionDef, opts CompileOptions) (workflow.ExecutorSpec, error) {
	if a.Body == "" {
		return workflow.ExecutorSpec{}, fmt.Errorf("loop_each action %s requires body", a.ID)
	}
	itemPath := loopItemPath(a)
	remainingPath := loopRemainingPath(a)

	advance := func(rc workflow.Context, remaining []workflow.ScopeValue) error {
		if len(remaining) == 0 {
			if err := rc.QueueScopeWrite(workflow.ScopeTopic, itemPath, nil); err != nil {
				return err
			}
			if err := rc.QueueScopeWrite(workflow.ScopeTopic, remainingPath, nil); err != nil {
				return err
			}
			if a.Exit != "" {
				rc.EmitTo(workflow.ExecutorID(a.Exit), &LoopCompleted{Broke: false})
			}
			return nil
		}
		if err := rc.QueueScopeWrite(workflow.ScopeTopic, itemPath, remaining[0]); err != nil {
			return err
		}
		if err := rc.QueueScopeWrite(workflow.ScopeTopic, remainingPath, remaining[1:]); err != nil {
			return err
		}
		rc.EmitTo(workflow.ExecutorID(a.Body), &LoopItem{})
		return nil
	}

	start := func(_ context.Context, rc workflow.Context, _ workflow.Payload) error {
		return fmt.Errorf("loop_each action %s: items expression not compiled", a.ID)
	}

	handlers := stepEntries(start)
	handlers = append(handlers,
		workflow.HandlerEntrySpec{Type: "control.continue_loop", Handler: func(_ context.Context, rc workflow.Context, _ workflow.Payload) error {
			remaining, _ := rc.ReadScope(workflow.ScopeTopic, remainingPath)
			return advance(rc, toScopeValueSlice(remaining))
		}},
		workflow.HandlerEntrySpec{Type: "control.break_loop", Handler: func(_ context.Context, rc workflow.Context, _ workflow.Payload) error {
			if err := rc.QueueScopeWrite(workflow.ScopeTopic, itemPath, nil); err != nil {
				return err
			}
			if err := rc.QueueScopeWrite(workflow.ScopeTopic, remainingPath, nil); err != nil {
				return err
			}
			if a.Exit != "" {
				rc.EmitTo(workflow.ExecutorID(a.Exit), &LoopCompleted{Broke: true})
			}
			return nil
		}},
	)

	return workflow.ExecutorSpec{
		ID:       workflow.ExecutorID(a.ID),
		Kind:     workflow.ExecutorKindCompute,
		Handlers: handlers,
	}, nil
}

// wireLoopEachStart replaces buildLoopEach's placeholder StepSignal handler
// with one bound to the action's compiled items expression. Kept as a
// separate step from buildLoopEach since the coordinator's ContinueLoop/
// BreakLoop handlers close over the same advance logic regardless of how
// the first item was produced.
func wireLoopEachStart(spec workflow.ExecutorSpec, a ActionDef, exprs compiledExprs) workflow.ExecutorSpec {
	itemPath := loopItemPath(a)
	remainingPath := loopRemainingPath(a)
	handler := func(_ context.Context, rc workflow.Context, _ workflow.Payload) error {
		v, err := exprs.eval("items", readerFor(rc))
		if err != nil {
			return fmt.Errorf("action %s: evaluate items: %w", a.ID, err)
		}
		items := toScopeValueSlice(v)
		if len(items) == 0 {
			if a.Exit != "" {
				rc.EmitTo(workflow.ExecutorID(a.Exit), &LoopCompleted{Broke: false})
			}
			return nil
		}
		if err := rc.QueueScopeWrite(workflow.ScopeTopic, itemPath, items[0]); err != nil {
			return err
		}
		if err := rc.QueueScopeWrite(workflow.ScopeTopic, remainingPath, items[1:]); err != nil {
			return err
		}
		rc.EmitTo(workflow.ExecutorID(a.Body), &LoopItem{})
		return nil
	}
	for i := range spec.Handlers {
		if spec.Handlers[i].Type == "compile.step_signal" || spec.Handlers[i].Type == "agent.result" {
			spec.Handlers[i].Handler = handler
		}
	}
	return spec
}

// buildInvokeAgent compiles an invoke_agent action by wrapping
// workflow.NewAgentExecutorSpec with a third handler for StepSignal: it
// evaluates Prompt and EmitTo's the same executor an AgentInvocation,
// letting a linear chain of compiled actions drive an agent turn the same
// way it drives any other action kind, while the agent executor itself
// still only ever sees the two payload types it was built against.
func buildInvokeAgent(a ActionDef, exprs compiledExprs, opts CompileOptions) (workflow.ExecutorSpec, error) {
	provider, ok := opts.Agents[a.Agent]
	if !ok {
		return workflow.ExecutorSpec{}, fmt.Errorf("invoke_agent action %s references unregistered agent %q", a.ID, a.Agent)
	}
	requiresApproval := func(agent.ToolCall) bool { return a.RequiresApproval }

	spec := workflow.NewAgentExecutorSpec(workflow.ExecutorID(a.ID), workflow.AgentExecutorConfig{
		Provider:         provider,
		Model:            opts.Models[a.Agent],
		SystemPrompt:     opts.SystemPrompts[a.Agent],
		CostTracker:      opts.CostTracker,
		RequiresApproval: requiresApproval,
	})

	kickoff := func(_ context.Context, rc workflow.Context, _ workflow.Payload) error {
		v, err := exprs.eval("prompt", readerFor(rc))
		if err != nil {
			return fmt.Errorf("action %s: evaluate prompt: %w", a.ID, err)
		}
		prompt, _ := v.(string)
		if prompt == "" {
			prompt = fmt.Sprintf("%v", v)
		}
		rc.EmitTo(workflow.ExecutorID(a.ID), &workflow.AgentInvocation{Prompt: prompt})
		return nil
	}
	// kickoff is registered under both uniform-step types so one invoke_agent
	// can directly chain into another: the second agent's AgentInvocation is
	// built from its own Prompt expression regardless of whether the
	// preceding action signalled StepSignal or handed forward an
	// AgentResult. The preceding AgentResult itself is delivered here by the
	// real edge linkAction declares from the first invoke_agent to this one.
	spec.Handlers = append(spec.Handlers, stepEntries(kickoff)...)
	return spec, nil
}

// buildEditTable compiles an edit_table action: it applies every declared
// TableOp, in order, against the []workflow.TableRecord at (Scope, Path).
func buildEditTable(a ActionDef, exprs compiledExprs) (workflow.ExecutorSpec, error) {
	scope, err := scopeByName(a.Scope)
	if err != nil {
		return workflow.ExecutorSpec{}, err
	}
	if a.Path == "" {
		return workflow.ExecutorSpec{}, fmt.Errorf("edit_table action %s requires path", a.ID)
	}
	handler := func(_ context.Context, rc workflow.Context, _ workflow.Payload) error {
		existing, _ := rc.ReadScope(scope, a.Path)
		rows, _ := existing.([]workflow.TableRecord)
		scopes := readerFor(rc)
		for opIdx, op := range a.TableOps {
			fields := make(map[string]workflow.ScopeValue, len(op.Fields))
			for name := range op.Fields {
				v, err := exprs.eval(fmt.Sprintf("table_ops[%d].fields.%s", opIdx, name), scopes)
				if err != nil {
					return fmt.Errorf("action %s: table_ops[%d] field %q: %w", a.ID, opIdx, name, err)
				}
				fields[name] = toScopeValue(v)
			}
			var matchValue any
			if op.MatchValue != "" {
				mv, err := exprs.eval(fmt.Sprintf("table_ops[%d].match_value", opIdx), scopes)
				if err != nil {
					return fmt.Errorf("action %s: table_ops[%d] match_value: %w", a.ID, opIdx, err)
				}
				matchValue = mv
			}
			switch op.Op {
			case "append":
				row := workflow.TableRecord{}
				for k, v := range fields {
					row[k] = v
				}
				rows = append(rows, row)
			case "update":
				for i, row := range rows {
					if fmt.Sprintf("%v", row[op.MatchField]) == fmt.Sprintf("%v", matchValue) {
						for k, v := range fields {
							row[k] = v
						}
						rows[i] = row
					}
				}
			case "remove":
				filtered := rows[:0]
				for _, row := range rows {
					if fmt.Sprintf("%v", row[op.MatchField]) != fmt.Sprintf("%v", matchValue) {
						filtered = append(filtered, row)
					}
				}
				rows = filtered
			default:
				return fmt.Errorf("action %s: unknown table_ops[%d] op %q", a.ID, opIdx, op.Op)
			}
		}
		if err := rc.QueueScopeWrite(scope, a.Path, rows); err != nil {
			return err
		}
		rc.Emit(&StepSignal{})
		return nil
	}
	return singleHandlerSpec(a.ID, handler), nil
}

// singleHandlerSpec builds a compute executor that treats "proceed" as its
// only input, regardless of whether the envelope that triggered it is a
// plain StepSignal or an AgentResult handed forward by a preceding
// invoke_agent action — both carry no data this handler needs, since data
// an action consumes always lives in scope, not in the triggering payload.
func singleHandlerSpec(id string, handler workflow.HandlerFunc) workflow.ExecutorSpec {
	return workflow.ExecutorSpec{
		ID:       workflow.ExecutorID(id),
		Kind:     workflow.ExecutorKindCompute,
		Handlers: stepEntries(handler),
	}
}

// stepEntries registers handler under every payload type a compiled
// action's declared successor may be invoked with: the uniform
// StepSignal linear chains use, and AgentResult, which an invoke_agent
// action's own executor emits via a real (not EmitTo) Context.Emit and so
// travels to its declared Next exactly like any other edge delivery.
func stepEntries(handler workflow.HandlerFunc) []workflow.HandlerEntrySpec {
	return []workflow.HandlerEntrySpec{
		{Type: "compile.step_signal", Handler: handler},
		{Type: "agent.result", Handler: handler},
	}
}

// readerFor adapts a handler's Context to expr's workflow.ScopeReader,
// which Context already satisfies directly.
func readerFor(rc workflow.Context) workflow.ScopeReader { return rc }

func truthyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int64:
		return t != 0
	case float64:
		return t != 0
	default:
		return true
	}
}

// toScopeValue passes an expr evaluation result through unchanged: every
// kind expr produces, including its int64 integers, is already a value
// isRecognizedScopeValue accepts.
func toScopeValue(v any) workflow.ScopeValue { return v }

// jsonToScopeValue converts encoding/json's generic decode output
// (map[string]interface{}, []interface{}) into the engine's recognized
// scope value shapes (map[string]ScopeValue, []ScopeValue).
func jsonToScopeValue(v any) workflow.ScopeValue {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]workflow.ScopeValue, len(t))
		for k, vv := range t {
			out[k] = jsonToScopeValue(vv)
		}
		return out
	case []any:
		out := make([]workflow.ScopeValue, len(t))
		for i, vv := range t {
			out[i] = jsonToScopeValue(vv)
		}
		return out
	default:
		return t
	}
}

// appendRecord reads the existing ChatMessage transcript at (scope, path),
// appends msg, and queues the extended slice back.
func appendRecord(rc workflow.Context, scope workflow.ScopeName, path string, msg workflow.ChatMessage) error {
	existing, _ := rc.ReadScope(scope, path)
	var msgs []workflow.ChatMessage
	if v, ok := existing.([]workflow.ChatMessage); ok {
		msgs = v
	}
	return rc.QueueScopeWrite(scope, path, append(append([]workflow.ChatMessage{}, msgs...), msg))
}
