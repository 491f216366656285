// Package agent provides LLM integration adapters consumed by the agent
// executor kind.
package agent

import "context"

// ChatModel is the low-level one-shot transport a Provider drives: given a
// full message history and an optional tool list, produce the next
// assistant turn. Implementations handle provider-specific authentication,
// message format conversion, and retry/rate-limit behavior.
type ChatModel interface {
	Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error)
}

// Message is a single turn in an LLM conversation.
type Message struct {
	Role    string
	Content string
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ToolSpec describes a tool the LLM may call, in JSON Schema form.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]interface{}
}

// ChatOut is one LLM turn: text, tool calls, or both.
type ChatOut struct {
	Text      string
	ToolCalls []ToolCall
}

// ToolCall is one tool invocation the LLM requested.
type ToolCall struct {
	Name  string
	Input map[string]interface{}
}
