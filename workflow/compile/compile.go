package compile

import (
	"fmt"

	"gopkg.in/yaml.v3"

	workflow "github.com/agentmesh/workflow"
	"github.com/agentmesh/workflow/expr"
)

// CompileError reports a declarative document defect with enough position
// information to point a document author at the offending action: line,
// column, and action id.
type CompileError struct {
	Line     int
	Column   int
	ActionID string
	Message  string
}

func (e *CompileError) Error() string {
	if e.ActionID != "" {
		return fmt.Sprintf("%d:%d: action %q: %s", e.Line, e.Column, e.ActionID, e.Message)
	}
	return fmt.Sprintf("%d:%d: %s", e.Line, e.Column, e.Message)
}

func (e *CompileError) asWorkflowError() *workflow.WorkflowError {
	return &workflow.WorkflowError{Code: workflow.ErrCodeCompileError, Message: e.Error(), Cause: e}
}

// Compile parses a declarative workflow document and builds a
// workflow.Workflow from it. It checks the start action and action ids
// first, then compiles each action's expressions and executor in document
// order, and returns the first mistake it finds; later mistakes in the
// same document are not reported.
func Compile(src []byte, opts CompileOptions) (*workflow.Workflow, error) {
	var doc Document
	if err := yaml.Unmarshal(src, &doc); err != nil {
		ce := &CompileError{Message: fmt.Sprintf("parse yaml: %v", err)}
		return nil, ce.asWorkflowError()
	}

	var root yaml.Node
	if err := yaml.Unmarshal(src, &root); err != nil {
		ce := &CompileError{Message: fmt.Sprintf("parse yaml: %v", err)}
		return nil, ce.asWorkflowError()
	}
	positions := actionPositions(&root)
	for i := range doc.Actions {
		if pos, ok := positions[doc.Actions[i].ID]; ok {
			doc.Actions[i].line = pos.line
			doc.Actions[i].column = pos.column
		}
	}

	if doc.Start == "" {
		ce := &CompileError{Message: "document has no start action"}
		return nil, ce.asWorkflowError()
	}

	byID := make(map[string]*ActionDef, len(doc.Actions))
	for i := range doc.Actions {
		a := &doc.Actions[i]
		if a.ID == "" {
			ce := &CompileError{Line: a.line, Column: a.column, Message: "action missing id"}
			return nil, ce.asWorkflowError()
		}
		if _, dup := byID[a.ID]; dup {
			ce := &CompileError{Line: a.line, Column: a.column, ActionID: a.ID, Message: "duplicate action id"}
			return nil, ce.asWorkflowError()
		}
		byID[a.ID] = a
	}
	if _, ok := byID[doc.Start]; !ok {
		ce := &CompileError{Message: fmt.Sprintf("start action %q not declared", doc.Start)}
		return nil, ce.asWorkflowError()
	}

	builder := workflow.NewBuilder().WithName(doc.Name).WithStart(workflow.ExecutorID(doc.Start))

	// Pass 1: compile every action's expressions and register its executor.
	for i := range doc.Actions {
		a := &doc.Actions[i]
		exprs, caseExprs, err := compileActionExprs(a)
		if err != nil {
			ce := &CompileError{Line: a.line, Column: a.column, ActionID: a.ID, Message: err.Error()}
			return nil, ce.asWorkflowError()
		}

		spec, err := compileActionSpec(a, exprs, caseExprs, opts)
		if err != nil {
			ce := &CompileError{Line: a.line, Column: a.column, ActionID: a.ID, Message: err.Error()}
			return nil, ce.asWorkflowError()
		}
		builder = builder.AddExecutor(spec)
	}

	// Pass 2: link declared successors into edges. Actions whose handler
	// decides its destination dynamically (condition, switch, loop_each,
	// invoke_agent with approval) still declare a structural edge here so
	// Builder's reachability validation can see the full graph; the
	// scheduler never evaluates these edges' (nil) predicates because the
	// handler reaches its target through EmitTo instead of Emit.
	for i := range doc.Actions {
		a := &doc.Actions[i]
		if err := linkAction(builder, a, byID); err != nil {
			ce := &CompileError{Line: a.line, Column: a.column, ActionID: a.ID, Message: err.Error()}
			return nil, ce.asWorkflowError()
		}
	}

	wf, err := builder.Build()
	if err != nil {
		return nil, err
	}
	return wf, nil
}

// compileActionExprs parses every expression field an action kind uses,
// returning a compileError-friendly plain error (position/action id are
// attached by the caller).
func compileActionExprs(a *ActionDef) (compiledExprs, []expr.Expr, error) {
	exprs := compiledExprs{}
	var caseExprs []expr.Expr

	switch a.Kind {
	case "send_activity":
		if err := compileField(exprs, "text", a.Text); err != nil {
			return nil, nil, fmt.Errorf("text: %w", err)
		}
	case "set_variable":
		if err := compileField(exprs, "value", a.Value); err != nil {
			return nil, nil, fmt.Errorf("value: %w", err)
		}
	case "parse_value":
		if err := compileField(exprs, "value", a.Value); err != nil {
			return nil, nil, fmt.Errorf("value: %w", err)
		}
	case "condition":
		if err := compileField(exprs, "when", a.When); err != nil {
			return nil, nil, fmt.Errorf("when: %w", err)
		}
	case "switch":
		caseExprs = make([]expr.Expr, len(a.Cases))
		for i, c := range a.Cases {
			e, err := expr.Parse(c.When)
			if err != nil {
				return nil, nil, fmt.Errorf("case %d when: %w", i, err)
			}
			caseExprs[i] = e
		}
	case "invoke_agent":
		if err := compileField(exprs, "prompt", a.Prompt); err != nil {
			return nil, nil, fmt.Errorf("prompt: %w", err)
		}
	case "end_conversation", "end_dialog":
		if err := compileField(exprs, "reason", a.Reason); err != nil {
			return nil, nil, fmt.Errorf("reason: %w", err)
		}
	case "edit_table":
		for opIdx, op := range a.TableOps {
			if op.MatchValue != "" {
				e, err := expr.Parse(op.MatchValue)
				if err != nil {
					return nil, nil, fmt.Errorf("table_ops[%d] match_value: %w", opIdx, err)
				}
				exprs[fmt.Sprintf("table_ops[%d].match_value", opIdx)] = e
			}
			for field, src := range op.Fields {
				e, err := expr.Parse(src)
				if err != nil {
					return nil, nil, fmt.Errorf("table_ops[%d] field %q: %w", opIdx, field, err)
				}
				exprs[fmt.Sprintf("table_ops[%d].fields.%s", opIdx, field)] = e
			}
		}
	case "loop_each":
		if err := compileField(exprs, "items", a.ItemsSrc); err != nil {
			return nil, nil, fmt.Errorf("items: %w", err)
		}
	case "goto", "fan_out", "fan_in", "continue_loop", "break_loop",
		"clear_all_variables":
		// no expression fields of their own.
	default:
		return nil, nil, fmt.Errorf("unknown action kind %q", a.Kind)
	}
	return exprs, caseExprs, nil
}

// compileActionSpec builds the ExecutorSpec for one action, dispatching on
// Kind. Validation of kind-specific required fields happens here too, since
// a missing field is only meaningful in the context of its kind.
func compileActionSpec(a *ActionDef, exprs compiledExprs, caseExprs []expr.Expr, opts CompileOptions) (workflow.ExecutorSpec, error) {
	switch a.Kind {
	case "send_activity":
		return buildSendActivity(*a, exprs)
	case "set_variable":
		return buildSetVariable(*a, exprs)
	case "parse_value":
		return buildParseValue(*a, exprs)
	case "goto":
		return buildGoto(*a), nil
	case "clear_all_variables":
		return buildClearAllVariables(*a)
	case "condition":
		return buildCondition(*a, exprs)
	case "switch":
		return buildSwitch(*a, caseExprs)
	case "fan_out":
		return buildFanOut(*a), nil
	case "fan_in":
		return buildFanIn(*a)
	case "continue_loop":
		return buildContinueOrBreak(*a, false), nil
	case "break_loop":
		return buildContinueOrBreak(*a, true), nil
	case "loop_each":
		spec, err := buildLoopEach(*a, opts)
		if err != nil {
			return workflow.ExecutorSpec{}, err
		}
		return wireLoopEachStart(spec, *a, exprs), nil
	case "invoke_agent":
		return buildInvokeAgent(*a, exprs, opts)
	case "end_conversation":
		return buildEndConversation(*a, exprs), nil
	case "end_dialog":
		return buildEndDialog(*a, exprs), nil
	case "edit_table":
		return buildEditTable(*a, exprs)
	default:
		return workflow.ExecutorSpec{}, fmt.Errorf("unknown action kind %q", a.Kind)
	}
}

// linkAction declares the edge group(s) an action's successors imply.
// Kinds whose handler uses EmitTo still get a structural edge so the graph
// stays reachable from Builder's perspective; the edge's predicate is left
// nil and is never evaluated for routing since EmitTo bypasses it.
func linkAction(b *workflow.Builder, a *ActionDef, byID map[string]*ActionDef) error {
	resolve := func(id string) error {
		if id == "" {
			return nil
		}
		if _, ok := byID[id]; !ok {
			return fmt.Errorf("references unknown action %q", id)
		}
		return nil
	}

	switch a.Kind {
	case "send_activity", "set_variable", "parse_value", "goto",
		"clear_all_variables", "edit_table":
		if a.Next == "" {
			return nil
		}
		if err := resolve(a.Next); err != nil {
			return err
		}
		b.AddEdge(workflow.ExecutorID(a.ID), workflow.ExecutorID(a.Next), nil)
	case "condition":
		if err := resolve(a.Then); err != nil {
			return err
		}
		b.AddEdge(workflow.ExecutorID(a.ID), workflow.ExecutorID(a.Then), nil)
		if a.Else != "" {
			if err := resolve(a.Else); err != nil {
				return err
			}
			b.AddEdge(workflow.ExecutorID(a.ID), workflow.ExecutorID(a.Else), nil)
		}
	case "switch":
		for _, c := range a.Cases {
			if err := resolve(c.To); err != nil {
				return err
			}
			b.AddEdge(workflow.ExecutorID(a.ID), workflow.ExecutorID(c.To), nil)
		}
		if a.Default != "" {
			if err := resolve(a.Default); err != nil {
				return err
			}
			b.AddEdge(workflow.ExecutorID(a.ID), workflow.ExecutorID(a.Default), nil)
		}
	case "fan_out":
		if len(a.Targets) == 0 {
			return fmt.Errorf("fan_out requires at least one target")
		}
		targets := make([]workflow.ExecutorID, len(a.Targets))
		for i, t := range a.Targets {
			if err := resolve(t); err != nil {
				return err
			}
			targets[i] = workflow.ExecutorID(t)
		}
		b.AddFanOut(workflow.ExecutorID(a.ID), targets...)
	case "fan_in":
		if len(a.Sources) == 0 {
			return fmt.Errorf("fan_in requires at least one source")
		}
		sources := make([]workflow.ExecutorID, len(a.Sources))
		for i, s := range a.Sources {
			if err := resolve(s); err != nil {
				return err
			}
			sources[i] = workflow.ExecutorID(s)
		}
		b.AddFanIn(sources, workflow.ExecutorID(a.ID), 0)
		if a.Next != "" {
			if err := resolve(a.Next); err != nil {
				return err
			}
			b.AddEdge(workflow.ExecutorID(a.ID), workflow.ExecutorID(a.Next), nil)
		}
	case "continue_loop", "break_loop":
		if a.Next == "" {
			return fmt.Errorf("%s requires next (its enclosing loop_each)", a.Kind)
		}
		if err := resolve(a.Next); err != nil {
			return err
		}
		b.AddEdge(workflow.ExecutorID(a.ID), workflow.ExecutorID(a.Next), nil)
	case "loop_each":
		if err := resolve(a.Body); err != nil {
			return err
		}
		b.AddEdge(workflow.ExecutorID(a.ID), workflow.ExecutorID(a.Body), nil)
		if a.Exit != "" {
			if err := resolve(a.Exit); err != nil {
				return err
			}
			b.AddEdge(workflow.ExecutorID(a.ID), workflow.ExecutorID(a.Exit), nil)
		}
	case "invoke_agent":
		if a.Next != "" {
			if err := resolve(a.Next); err != nil {
				return err
			}
			b.AddEdge(workflow.ExecutorID(a.ID), workflow.ExecutorID(a.Next), nil)
		}
	case "end_conversation", "end_dialog":
		if a.Next != "" {
			if err := resolve(a.Next); err != nil {
				return err
			}
			b.AddEdge(workflow.ExecutorID(a.ID), workflow.ExecutorID(a.Next), nil)
		}
	}
	return nil
}

type nodePosition struct{ line, column int }

// actionPositions walks the decoded yaml.Node tree to recover the
// (line, column) of each actions[].id scalar, since encoding/yaml (and
// yaml.v3's struct decode path) discards position info once unmarshalled
// into plain Go structs.
func actionPositions(root *yaml.Node) map[string]nodePosition {
	out := map[string]nodePosition{}
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}
	if root.Kind != yaml.MappingNode {
		return out
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		key := root.Content[i]
		val := root.Content[i+1]
		if key.Value != "actions" || val.Kind != yaml.SequenceNode {
			continue
		}
		for _, item := range val.Content {
			if item.Kind != yaml.MappingNode {
				continue
			}
			var id string
			var idNode *yaml.Node
			for j := 0; j+1 < len(item.Content); j += 2 {
				if item.Content[j].Value == "id" {
					id = item.Content[j+1].Value
					idNode = item.Content[j+1]
				}
			}
			if id != "" && idNode != nil {
				out[id] = nodePosition{line: idNode.Line, column: idNode.Column}
			}
		}
	}
	return out
}
