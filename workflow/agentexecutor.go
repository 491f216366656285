package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentmesh/workflow/agent"
)

// AgentInvocation is the payload an invoke_agent compiled action (or a
// hand-written executor) sends to an agent executor: the user-facing
// message to append to the conversation, plus the tools available for this
// turn.
type AgentInvocation struct {
	Prompt string           `json:"prompt"`
	Tools  []agent.ToolSpec `json:"-"`
}

func (AgentInvocation) PayloadType() PayloadType { return "agent.invocation" }

// AgentResult is what an agent executor emits downstream after a turn
// completes: the assistant's text and any tool calls it requested.
type AgentResult struct {
	Text      string           `json:"text"`
	ToolCalls []agent.ToolCall `json:"tool_calls,omitempty"`
}

func (AgentResult) PayloadType() PayloadType { return "agent.result" }

// ApprovalRequestContent is the structured shape carried by an
// ExternalInputRequest's Schema when an agent turn proposes a tool call
// that requires operator approval: the request's content id correlates an
// ExternalInputResponse back to this specific proposed call.
type ApprovalRequestContent struct {
	ContentID string                 `json:"content_id"`
	ToolName  string                 `json:"tool_name"`
	ToolInput map[string]interface{} `json:"tool_input"`
}

// ApprovalResponseContent is the shape RunHandle.ResumeWith's
// ExternalInputResponse.Values carries back for an approval request:
// Approved true/false, correlated by ContentID to the original request.
type ApprovalResponseContent struct {
	ContentID string `json:"content_id"`
	Approved  bool   `json:"approved"`
}

func init() {
	RegisterPayloadType(func() Payload { return &AgentInvocation{} })
	RegisterPayloadType(func() Payload { return &AgentResult{} })
}

// approvalSchema renders an ApprovalRequestContent into the map[string]any
// Context.RequestExternal's Schema parameter expects.
func approvalSchema(c ApprovalRequestContent) map[string]any {
	return map[string]any{
		"content_id": c.ContentID,
		"tool_name":  c.ToolName,
		"tool_input": c.ToolInput,
	}
}

// parseApprovalResponse reads an ApprovalResponseContent out of an
// ExternalInputResponse's Values map.
func parseApprovalResponse(values map[string]any) ApprovalResponseContent {
	var resp ApprovalResponseContent
	resp.ContentID, _ = values["content_id"].(string)
	resp.Approved, _ = values["approved"].(bool)
	return resp
}

// AgentExecutorConfig configures NewAgentExecutorSpec.
type AgentExecutorConfig struct {
	// Provider drives the LLM backend this executor turns against.
	Provider agent.Provider

	// Model names the model invoked, used only for cost attribution; the
	// Provider itself owns the actual model selection.
	Model string

	// SystemPrompt seeds every conversation this executor creates.
	SystemPrompt string

	// CostTracker, if set, records token usage for every turn. Nil skips
	// cost tracking.
	CostTracker *CostTracker

	// ConversationScope and ConversationPath locate the ConversationID this
	// executor persists across turns, letting a multi-turn dialog survive a
	// checkpoint/restore cycle. Defaults to (ScopeConversation,
	// "agent/<executor_id>/conversation_id") when both are zero.
	ConversationScope ScopeName
	ConversationPath  string

	// RequiresApproval, when non-nil, is consulted against every tool call
	// an assistant turn proposes. A true result suspends the run via
	// Context.RequestExternal instead of emitting AgentResult immediately.
	// Nil means no tool call ever requires approval.
	RequiresApproval func(agent.ToolCall) bool
}

// pendingAgentApproval is the executor-local state NewAgentExecutorSpec
// saves via Context.SaveExecutorState while a run is suspended awaiting an
// approval response, so a checkpoint/restore cycle (scenario 6) can
// reconstruct exactly which tool call is pending without re-invoking the
// provider.
type pendingAgentApproval struct {
	ContentID string         `json:"content_id"`
	ToolCall  agent.ToolCall `json:"tool_call"`
	Text      string         `json:"text"`
}

// NewAgentExecutorSpec builds an ExecutorSpec that drives one LLM turn per
// AgentInvocation delivery: it resolves (or creates) a conversation,
// appends the invocation's prompt, invokes the provider, records cost, and
// emits an AgentResult. If the turn proposes a tool call cfg.RequiresApproval
// flags, the executor instead issues an ExternalInputRequest and completes
// the turn only once a matching ExternalInputResponse arrives via
// RunHandle.ResumeWith. The conversation id lives in workflow scope so the
// same executor resumes the same conversation across super-steps and
// checkpoint restores.
func NewAgentExecutorSpec(id ExecutorID, cfg AgentExecutorConfig) ExecutorSpec {
	scope := cfg.ConversationScope
	path := cfg.ConversationPath
	if scope == "" && path == "" {
		scope = ScopeConversation
	}
	convPath := path
	if convPath == "" {
		convPath = fmt.Sprintf("agent/%s/conversation_id", id)
	}

	handleInvocation := func(ctx context.Context, rc Context, payload Payload) error {
		invocation, ok := payload.(*AgentInvocation)
		if !ok {
			return fmt.Errorf("workflow: agent executor %s received unsupported payload type %s", rc.ExecutorID(), payload.PayloadType())
		}

		conv, err := resolveConversation(ctx, rc, cfg, scope, convPath, invocation.Tools)
		if err != nil {
			return err
		}

		if err := cfg.Provider.AppendMessage(ctx, conv, agent.Message{Role: agent.RoleUser, Content: invocation.Prompt}); err != nil {
			return fmt.Errorf("workflow: agent executor %s append message: %w", rc.ExecutorID(), err)
		}
		transcript := append(loadTranscript(rc, scope, id), ChatMessage{Role: agent.RoleUser, Content: invocation.Prompt})

		stream, err := cfg.Provider.Invoke(ctx, conv, agent.InvokeOptions{})
		if err != nil {
			return fmt.Errorf("workflow: agent executor %s invoke: %w", rc.ExecutorID(), err)
		}
		final, err := drainAgentStream(ctx, stream)
		if err != nil {
			return fmt.Errorf("workflow: agent executor %s: %w", rc.ExecutorID(), err)
		}

		if cfg.CostTracker != nil {
			inputTokens := estimateTokens(invocation.Prompt)
			outputTokens := estimateTokens(final.Final.Content)
			cfg.CostTracker.RecordAgentCall(cfg.Model, rc.ExecutorID(), inputTokens, outputTokens)
		}

		for _, tc := range final.ToolCalls {
			if cfg.RequiresApproval != nil && cfg.RequiresApproval(tc) {
				contentID := newUUID()
				transcript = append(transcript, ChatMessage{
					Role:    agent.RoleAssistant,
					Content: fmt.Sprintf("requesting approval for %s(%v)", tc.Name, tc.Input),
				})
				if err := rc.QueueScopeWrite(scope, conversationMessagesPath(id), transcript); err != nil {
					return err
				}
				pending := pendingAgentApproval{ContentID: contentID, ToolCall: tc, Text: final.Final.Content}
				blob, err := json.Marshal(pending)
				if err != nil {
					return fmt.Errorf("workflow: agent executor %s: marshal pending approval: %w", rc.ExecutorID(), err)
				}
				rc.SaveExecutorState(blob)
				rc.RequestExternal(
					fmt.Sprintf("approve call to %s?", tc.Name),
					approvalSchema(ApprovalRequestContent{ContentID: contentID, ToolName: tc.Name, ToolInput: tc.Input}),
				)
				return nil
			}
		}

		transcript = append(transcript, ChatMessage{Role: agent.RoleAssistant, Content: final.Final.Content})
		if err := rc.QueueScopeWrite(scope, conversationMessagesPath(id), transcript); err != nil {
			return err
		}
		meta := map[string]any{"model": cfg.Model}
		if cfg.CostTracker != nil {
			in, out := cfg.CostTracker.TokenUsage()
			meta["tokens"] = in + out
			meta["cost_usd"] = cfg.CostTracker.TotalCost()
		}
		rc.EmitEvent("agent_turn_completed", meta)
		rc.Emit(&AgentResult{Text: final.Final.Content, ToolCalls: final.ToolCalls})
		return nil
	}

	handleExternalValues := func(ctx context.Context, rc Context, payload Payload) error {
		values, ok := payload.(*ExternalInputValues)
		if !ok {
			return fmt.Errorf("workflow: agent executor %s received unsupported payload type %s", rc.ExecutorID(), payload.PayloadType())
		}

		resp := parseApprovalResponse(values.Values)
		conv, err := resolveConversation(ctx, rc, cfg, scope, convPath, nil)
		if err != nil {
			return err
		}

		responseMsg := "tool call denied"
		if resp.Approved {
			responseMsg = "tool call approved"
		}
		transcript := append(loadTranscript(rc, scope, id), ChatMessage{Role: agent.RoleUser, Content: responseMsg})

		resultText := "call denied, continuing without it"
		if resp.Approved {
			toolResultSummary := fmt.Sprintf("%s approved", resp.ContentID)
			if err := cfg.Provider.AppendMessage(ctx, conv, agent.Message{Role: agent.RoleUser, Content: fmt.Sprintf("tool result: %s", toolResultSummary)}); err != nil {
				return fmt.Errorf("workflow: agent executor %s append tool result: %w", rc.ExecutorID(), err)
			}
			stream, err := cfg.Provider.Invoke(ctx, conv, agent.InvokeOptions{})
			if err != nil {
				return fmt.Errorf("workflow: agent executor %s post-approval invoke: %w", rc.ExecutorID(), err)
			}
			final, err := drainAgentStream(ctx, stream)
			if err != nil {
				return fmt.Errorf("workflow: agent executor %s: %w", rc.ExecutorID(), err)
			}
			resultText = final.Final.Content
		}

		transcript = append(transcript, ChatMessage{Role: agent.RoleAssistant, Content: resultText})
		if err := rc.QueueScopeWrite(scope, conversationMessagesPath(id), transcript); err != nil {
			return err
		}
		rc.SaveExecutorState(nil)
		rc.EmitEvent("agent_turn_completed", map[string]any{"model": cfg.Model, "approved": resp.Approved})
		rc.Emit(&AgentResult{Text: resultText})
		return nil
	}

	return ExecutorSpec{
		ID:   id,
		Kind: ExecutorKindAgent,
		Handlers: []HandlerEntrySpec{
			{Type: "agent.invocation", Handler: handleInvocation},
			{Type: "control.external_input_values", Handler: handleExternalValues},
		},
		OnRestore: func(ctx context.Context, saved []byte) error {
			// The pending approval's ContentID/ToolCall are already recorded
			// in the ExternalInputRequest persisted by the checkpoint itself
			// (Checkpoint.PendingExternalRequests); nothing further to
			// rehydrate here beyond confirming the blob still decodes.
			if len(saved) == 0 {
				return nil
			}
			var pending pendingAgentApproval
			return json.Unmarshal(saved, &pending)
		},
	}
}

// conversationMessagesPath names the scope key a ChatMessage transcript is
// appended to, alongside the bare conversation id, so tests and the
// declarative compiler's expression functions can read full turn history.
func conversationMessagesPath(id ExecutorID) string {
	return fmt.Sprintf("agent/%s/messages", id)
}

// loadTranscript reads the existing ChatMessage transcript for id, if any.
// Since ReadScope never observes this super-step's own pending writes, a
// handler must call this at most once and accumulate every message it
// wants to append locally before issuing a single QueueScopeWrite — two
// separate reads-then-writes in the same invocation would each start from
// the same stale base and the later write would silently clobber the
// earlier one at commit time.
func loadTranscript(rc Context, scope ScopeName, id ExecutorID) []ChatMessage {
	existing, _ := rc.ReadScope(scope, conversationMessagesPath(id))
	if v, ok := existing.([]ChatMessage); ok {
		return append([]ChatMessage{}, v...)
	}
	return nil
}

// resolveConversation returns the ConversationID stored in scope for this
// run, creating and persisting a new one on first use.
func resolveConversation(ctx context.Context, rc Context, cfg AgentExecutorConfig, scope ScopeName, path string, tools []agent.ToolSpec) (agent.ConversationID, error) {
	if v, ok := rc.ReadScope(scope, path); ok {
		if id, ok := v.(string); ok && id != "" {
			return agent.ConversationID(id), nil
		}
	}

	conv, err := cfg.Provider.CreateConversation(ctx, cfg.SystemPrompt, tools)
	if err != nil {
		return "", fmt.Errorf("workflow: agent executor %s create conversation: %w", rc.ExecutorID(), err)
	}
	if err := rc.QueueScopeWrite(scope, path, string(conv)); err != nil {
		return "", fmt.Errorf("workflow: agent executor %s persist conversation id: %w", rc.ExecutorID(), err)
	}
	return conv, nil
}

// drainAgentStream collects a full Invoke stream into its terminal chunk.
func drainAgentStream(ctx context.Context, ch <-chan agent.StreamChunk) (agent.StreamChunk, error) {
	var last agent.StreamChunk
	for {
		select {
		case <-ctx.Done():
			return agent.StreamChunk{}, ctx.Err()
		case chunk, ok := <-ch:
			if !ok {
				return last, nil
			}
			last = chunk
			if chunk.Done {
				if chunk.Err != nil {
					return agent.StreamChunk{}, chunk.Err
				}
				return chunk, nil
			}
		}
	}
}

// estimateTokens approximates token count from character length (roughly
// four characters per token for English text) when a Provider does not
// report usage directly, so cost tracking stays available regardless of
// provider-reported usage.
func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}
