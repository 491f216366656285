package workflow

import (
	"context"
	"time"
)

// ExternalInputRequest is issued by Context.RequestExternal to suspend a
// run pending a human (or other external system's) response. The scheduler
// parks the run after the current super-step commits, persists the request
// in the next Checkpoint's PendingExternalRequests, and surfaces it via
// RunHandle.PollEvent as an ExternalInputRequested event.
type ExternalInputRequest struct {
	ID         string         `json:"id"`
	RunID      RunID          `json:"run_id"`
	ExecutorID ExecutorID     `json:"executor_id"`
	Prompt     string         `json:"prompt"`
	Schema     map[string]any `json:"schema,omitempty"`
	IssuedAt   time.Time      `json:"issued_at"`
	Deadline   *time.Time     `json:"deadline,omitempty"`
}

// ExternalInputResponse answers a pending ExternalInputRequest by id.
// RunHandle.ResumeWith rejects a response whose RequestID does not match
// the run's currently pending request with ErrCodeExternalInputMismatch.
type ExternalInputResponse struct {
	RequestID string         `json:"request_id"`
	Values    map[string]any `json:"values"`
}

// ExternalInputValues is the payload that carries an ExternalInputResponse's
// Values back into the run once it resumes.
type ExternalInputValues struct {
	Values map[string]any `json:"values"`
}

func (ExternalInputValues) PayloadType() PayloadType { return "control.external_input_values" }

func init() {
	RegisterPayloadType(func() Payload { return &ExternalInputValues{} })
}

// NewHumanInputExecutor builds an ExecutorSpec that requests prompt/schema
// from an external operator and, once a matching ExternalInputResponse
// arrives via RunHandle.ResumeWith, emits the response's Values as an
// ExternalInputValues payload along the executor's declared edges.
func NewHumanInputExecutor(id ExecutorID, prompt string, schema map[string]any) ExecutorSpec {
	return ExecutorSpec{
		ID:   id,
		Kind: ExecutorKindHuman,
		Handlers: []HandlerEntrySpec{
			{
				Type: "control.human_input_trigger",
				Handler: func(_ context.Context, rc Context, _ Payload) error {
					rc.RequestExternal(prompt, schema)
					return nil
				},
			},
			{
				Type: "control.external_input_values",
				Handler: func(_ context.Context, rc Context, payload Payload) error {
					values, _ := payload.(*ExternalInputValues)
					rc.Emit(values)
					return nil
				},
			},
		},
	}
}

// HumanInputTrigger is the payload that starts a human-input executor's
// suspend-and-wait handler; emit it from an upstream executor's edge to
// pause the run for operator input.
type HumanInputTrigger struct{}

func (HumanInputTrigger) PayloadType() PayloadType { return "control.human_input_trigger" }

func init() {
	RegisterPayloadType(func() Payload { return &HumanInputTrigger{} })
}
