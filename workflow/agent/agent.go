package agent

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Provider is the capability contract the agent executor kind drives. It
// models a stateful conversation with an LLM backend: a conversation is
// created once, messages accumulate on both sides, and invoke drives one
// more assistant turn against the accumulated history.
//
// Conversation state lives inside the Provider implementation (or a store
// behind it), not in workflow scope. The executor only holds a
// ConversationID.
type Provider interface {
	CreateConversation(ctx context.Context, systemPrompt string, tools []ToolSpec) (ConversationID, error)
	AppendMessage(ctx context.Context, conv ConversationID, msg Message) error
	Invoke(ctx context.Context, conv ConversationID, opts InvokeOptions) (<-chan StreamChunk, error)
	GetMessage(ctx context.Context, conv ConversationID, messageID string) (Message, error)
	ListMessages(ctx context.Context, conv ConversationID) ([]Message, error)
}

// ConversationID identifies a conversation previously created with
// CreateConversation.
type ConversationID string

// InvokeOptions tunes a single Invoke call. Temperature and MaxTokens are
// zero-valued (provider default) unless set.
type InvokeOptions struct {
	Temperature float64
	MaxTokens   int
}

// StreamChunk is one increment of an in-flight assistant turn. A turn ends
// when Done is true; Err is set if the turn failed mid-stream.
type StreamChunk struct {
	TextDelta string
	ToolCalls []ToolCall
	Done      bool
	Err       error
	Final     Message
}

// ErrConversationNotFound is returned by GetMessage, ListMessages,
// AppendMessage, and Invoke when the ConversationID is unknown.
var ErrConversationNotFound = fmt.Errorf("agent: conversation not found")

// ErrMessageNotFound is returned by GetMessage when messageID does not
// exist within the conversation.
var ErrMessageNotFound = fmt.Errorf("agent: message not found")

// chatModelProvider adapts a one-shot ChatModel into the Provider contract
// by keeping conversation history in memory and replaying it in full on
// every Invoke. This is the default provider wired behind the OpenAI and
// Anthropic adapters, neither of which exposes a server-side conversation
// resource of its own.
type chatModelProvider struct {
	model ChatModel

	mu            sync.Mutex
	conversations map[ConversationID]*conversationState
	nextID        int
}

type conversationState struct {
	tools    []ToolSpec
	messages []storedMessage
	nextMsg  int
}

type storedMessage struct {
	id  string
	msg Message
}

// NewChatModelProvider builds a Provider backed by a one-shot ChatModel,
// replaying conversation history into each Chat call so a single-turn
// model can still back the conversation-oriented Provider contract.
func NewChatModelProvider(model ChatModel) Provider {
	return &chatModelProvider{
		model:         model,
		conversations: make(map[ConversationID]*conversationState),
	}
}

func (p *chatModelProvider) CreateConversation(_ context.Context, systemPrompt string, tools []ToolSpec) (ConversationID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextID++
	id := ConversationID(fmt.Sprintf("conv-%d", p.nextID))
	st := &conversationState{tools: tools}
	if systemPrompt != "" {
		st.messages = append(st.messages, storedMessage{
			id:  p.messageID(id, st),
			msg: Message{Role: RoleSystem, Content: systemPrompt},
		})
	}
	p.conversations[id] = st
	return id, nil
}

func (p *chatModelProvider) messageID(conv ConversationID, st *conversationState) string {
	st.nextMsg++
	return fmt.Sprintf("%s-msg-%d", conv, st.nextMsg)
}

func (p *chatModelProvider) AppendMessage(_ context.Context, conv ConversationID, msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.conversations[conv]
	if !ok {
		return ErrConversationNotFound
	}
	st.messages = append(st.messages, storedMessage{id: p.messageID(conv, st), msg: msg})
	return nil
}

func (p *chatModelProvider) Invoke(ctx context.Context, conv ConversationID, _ InvokeOptions) (<-chan StreamChunk, error) {
	cancel := func() {}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		ctx, cancel = context.WithTimeout(ctx, invokeTimeout)
	}

	p.mu.Lock()
	st, ok := p.conversations[conv]
	if !ok {
		p.mu.Unlock()
		return nil, ErrConversationNotFound
	}
	history := make([]Message, len(st.messages))
	for i, m := range st.messages {
		history[i] = m.msg
	}
	tools := st.tools
	p.mu.Unlock()

	out := make(chan StreamChunk, 1)
	go func() {
		defer close(out)
		defer cancel()

		chatOut, err := p.model.Chat(ctx, history, tools)
		if err != nil {
			out <- StreamChunk{Done: true, Err: err}
			return
		}

		final := Message{Role: RoleAssistant, Content: chatOut.Text}

		p.mu.Lock()
		st, ok := p.conversations[conv]
		if ok {
			st.messages = append(st.messages, storedMessage{id: p.messageID(conv, st), msg: final})
		}
		p.mu.Unlock()

		out <- StreamChunk{
			TextDelta: chatOut.Text,
			ToolCalls: chatOut.ToolCalls,
			Done:      true,
			Final:     final,
		}
	}()
	return out, nil
}

func (p *chatModelProvider) GetMessage(_ context.Context, conv ConversationID, messageID string) (Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.conversations[conv]
	if !ok {
		return Message{}, ErrConversationNotFound
	}
	for _, m := range st.messages {
		if m.id == messageID {
			return m.msg, nil
		}
	}
	return Message{}, ErrMessageNotFound
}

func (p *chatModelProvider) ListMessages(_ context.Context, conv ConversationID) ([]Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.conversations[conv]
	if !ok {
		return nil, ErrConversationNotFound
	}
	out := make([]Message, len(st.messages))
	for i, m := range st.messages {
		out[i] = m.msg
	}
	return out, nil
}

// drainInvoke collects a full Invoke stream into a single Message, for
// callers that don't need incremental deltas. Mirrors how the scheduler's
// agent executor consumes a turn: it waits for completion before
// committing scope writes.
func drainInvoke(ctx context.Context, ch <-chan StreamChunk) (Message, error) {
	var last StreamChunk
	for {
		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case chunk, ok := <-ch:
			if !ok {
				return last.Final, nil
			}
			last = chunk
			if chunk.Done {
				if chunk.Err != nil {
					return Message{}, chunk.Err
				}
				return chunk.Final, nil
			}
		}
	}
}

// invokeTimeout bounds how long a single Invoke call may run when no
// context deadline is already set by the caller.
const invokeTimeout = 120 * time.Second
