package expr

import (
	"fmt"
	"strconv"
	"strings"

	workflow "github.com/agentmesh/workflow"
)

// builtins is the evaluator's fixed function table. It is closed: the
// compiler resolves every Call node against this map at compile time
// (NewCall), so a YAML workflow referencing an unknown function is a
// compile error rather than a runtime one.
var builtins = map[string]Function{
	"UserMessage":      fnUserMessage,
	"AssistantMessage": fnAssistantMessage,
	"Len":              fnLen,
	"Upper":            fnUpper,
	"Lower":            fnLower,
	"Concat":           fnConcat,
	"ParseInt":         fnParseInt,
	"ParseFloat":       fnParseFloat,
	"ToString":         fnToString,
	"Contains":         fnContains,
	"Trim":             fnTrim,
}

func fnUserMessage(args []any) (any, error) {
	text, err := arg1String(args, "UserMessage")
	if err != nil {
		return nil, err
	}
	return workflow.ChatMessage{Role: "user", Content: text}, nil
}

func fnAssistantMessage(args []any) (any, error) {
	text, err := arg1String(args, "AssistantMessage")
	if err != nil {
		return nil, err
	}
	return workflow.ChatMessage{Role: "assistant", Content: text}, nil
}

func fnLen(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("Len takes exactly one argument")
	}
	switch t := args[0].(type) {
	case string:
		return int64(len(t)), nil
	case []workflow.ChatMessage:
		return int64(len(t)), nil
	case []workflow.TableRecord:
		return int64(len(t)), nil
	case []any:
		return int64(len(t)), nil
	case nil:
		return int64(0), nil
	default:
		return nil, fmt.Errorf("Len: unsupported argument type %T", t)
	}
}

func fnUpper(args []any) (any, error) {
	s, err := arg1String(args, "Upper")
	if err != nil {
		return nil, err
	}
	return strings.ToUpper(s), nil
}

func fnLower(args []any) (any, error) {
	s, err := arg1String(args, "Lower")
	if err != nil {
		return nil, err
	}
	return strings.ToLower(s), nil
}

func fnTrim(args []any) (any, error) {
	s, err := arg1String(args, "Trim")
	if err != nil {
		return nil, err
	}
	return strings.TrimSpace(s), nil
}

func fnConcat(args []any) (any, error) {
	var b strings.Builder
	for _, a := range args {
		s, err := toString(a)
		if err != nil {
			return nil, fmt.Errorf("Concat: %w", err)
		}
		b.WriteString(s)
	}
	return b.String(), nil
}

func fnParseInt(args []any) (any, error) {
	s, err := arg1String(args, "ParseInt")
	if err != nil {
		return nil, err
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("ParseInt: %w", err)
	}
	return n, nil
}

func fnParseFloat(args []any) (any, error) {
	s, err := arg1String(args, "ParseFloat")
	if err != nil {
		return nil, err
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return nil, fmt.Errorf("ParseFloat: %w", err)
	}
	return f, nil
}

func fnToString(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("ToString takes exactly one argument")
	}
	return toString(args[0])
}

func fnContains(args []any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("Contains takes exactly two arguments")
	}
	haystack, err := toString(args[0])
	if err != nil {
		return nil, err
	}
	needle, err := toString(args[1])
	if err != nil {
		return nil, err
	}
	return strings.Contains(haystack, needle), nil
}

func arg1String(args []any, fn string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("%s takes exactly one argument", fn)
	}
	return toString(args[0])
}
