// Package expr implements the declarative compiler's expression language: a
// thin, purely interpreted evaluator over scope state. It deliberately has
// no embedded scripting runtime dependency — the compiler's Open Question
// about expression evaluation resolves to a closed tree of typed nodes and
// a fixed built-in function table, per the redesign note in the workflow
// specification that a foreign scripting runtime is unnecessary surface
// area for what amounts to variable lookups, arithmetic, and string/table
// helpers.
package expr

import (
	"fmt"

	workflow "github.com/agentmesh/workflow"
)

// Expr is one compiled expression node. Eval is pure and side-effect-free:
// it only reads committed scope state through scopes, and never issues a
// scope write or emission, matching the declarative compiler's contract.
type Expr interface {
	Eval(scopes workflow.ScopeReader) (any, error)
}

// Literal wraps a constant value compiled directly from a YAML scalar.
type Literal struct {
	Value any
}

func (l Literal) Eval(workflow.ScopeReader) (any, error) { return l.Value, nil }

// VarPath resolves a dotted path within one named scope, e.g. "conversation"
// scope + path "last_reply.content". The first path segment is looked up
// with ReadScope; any remaining segments index into a nested
// map[string]ScopeValue or ChatMessage/TableRecord the first lookup yields.
type VarPath struct {
	Scope workflow.ScopeName
	Path  string
}

func (v VarPath) Eval(scopes workflow.ScopeReader) (any, error) {
	segments := splitPath(v.Path)
	if len(segments) == 0 {
		return nil, fmt.Errorf("expr: empty variable path")
	}
	root, ok := scopes.ReadScope(v.Scope, segments[0])
	if !ok {
		return nil, nil
	}
	cur := any(root)
	for _, seg := range segments[1:] {
		next, err := indexInto(cur, seg)
		if err != nil {
			return nil, fmt.Errorf("expr: path %s.%s: %w", v.Scope, v.Path, err)
		}
		cur = next
	}
	return cur, nil
}

func indexInto(v any, seg string) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		return t[seg], nil
	case map[string]workflow.ScopeValue:
		return t[seg], nil
	case workflow.TableRecord:
		return t[seg], nil
	case workflow.ChatMessage:
		switch seg {
		case "role":
			return t.Role, nil
		case "content":
			return t.Content, nil
		default:
			return nil, fmt.Errorf("chat message has no field %q", seg)
		}
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("cannot index into %T with %q", v, seg)
	}
}

func splitPath(path string) []string {
	var segments []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			if i > start {
				segments = append(segments, path[start:i])
			}
			start = i + 1
		}
	}
	if start < len(path) {
		segments = append(segments, path[start:])
	}
	return segments
}

// BinaryOp evaluates Left and Right and applies Op. Supported operators:
// arithmetic (+ - * / %) on numbers, string concatenation (+ on strings),
// comparison (== != < <= > >=), and logical (&& ||) short-circuiting on
// the left operand's truthiness.
type BinaryOp struct {
	Op    string
	Left  Expr
	Right Expr
}

func (b BinaryOp) Eval(scopes workflow.ScopeReader) (any, error) {
	left, err := b.Left.Eval(scopes)
	if err != nil {
		return nil, err
	}
	if b.Op == "&&" {
		if !truthy(left) {
			return false, nil
		}
		right, err := b.Right.Eval(scopes)
		if err != nil {
			return nil, err
		}
		return truthy(right), nil
	}
	if b.Op == "||" {
		if truthy(left) {
			return true, nil
		}
		right, err := b.Right.Eval(scopes)
		if err != nil {
			return nil, err
		}
		return truthy(right), nil
	}

	right, err := b.Right.Eval(scopes)
	if err != nil {
		return nil, err
	}

	switch b.Op {
	case "==":
		return equalValues(left, right), nil
	case "!=":
		return !equalValues(left, right), nil
	case "+":
		if ls, ok := left.(string); ok {
			rs, err := toString(right)
			if err != nil {
				return nil, err
			}
			return ls + rs, nil
		}
		return numericOp(b.Op, left, right)
	case "-", "*", "/", "%":
		return numericOp(b.Op, left, right)
	case "<", "<=", ">", ">=":
		return compareOp(b.Op, left, right)
	default:
		return nil, fmt.Errorf("expr: unsupported operator %q", b.Op)
	}
}

// UnaryOp applies a prefix operator (! or -) to X.
type UnaryOp struct {
	Op string
	X  Expr
}

func (u UnaryOp) Eval(scopes workflow.ScopeReader) (any, error) {
	v, err := u.X.Eval(scopes)
	if err != nil {
		return nil, err
	}
	switch u.Op {
	case "!":
		return !truthy(v), nil
	case "-":
		f, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		return -f, nil
	default:
		return nil, fmt.Errorf("expr: unsupported unary operator %q", u.Op)
	}
}

// Call invokes a named built-in function against Args, evaluated left to
// right. Unknown function names are a compile-time error (Compile rejects
// them before a Call node is ever constructed); Eval only has to invoke.
type Call struct {
	Func string
	Args []Expr
	fn   Function
}

// Function is the shape every built-in takes: a slice of already-evaluated
// argument values, returning the call's result or an evaluation error.
type Function func(args []any) (any, error)

func (c Call) Eval(scopes workflow.ScopeReader) (any, error) {
	args := make([]any, len(c.Args))
	for i, a := range c.Args {
		v, err := a.Eval(scopes)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	if c.fn == nil {
		fn, ok := builtins[c.Func]
		if !ok {
			return nil, fmt.Errorf("expr: unknown function %q", c.Func)
		}
		return fn(args)
	}
	return c.fn(args)
}

// NewCall builds a Call node, resolving Func against the built-in table
// immediately so Compile can surface an unknown-function diagnostic at
// compile time rather than first evaluation.
func NewCall(name string, args []Expr) (Call, error) {
	fn, ok := builtins[name]
	if !ok {
		return Call{}, fmt.Errorf("expr: unknown function %q", name)
	}
	return Call{Func: name, Args: args, fn: fn}, nil
}
