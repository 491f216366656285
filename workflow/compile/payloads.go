package compile

import workflow "github.com/agentmesh/workflow"

// StepSignal is the uniform "proceed" payload compiled linear actions pass
// to their declared successor: data flows through named scope state (which
// every compiled action reads/writes via expr), while StepSignal itself
// carries nothing, keeping the compiled graph uniformly typed regardless of
// which action kinds sit next to each other.
type StepSignal struct{}

func (StepSignal) PayloadType() workflow.PayloadType { return "compile.step_signal" }

// LoopItem is emitted by a loop_each coordinator to its body action once per
// iteration; the current item's value is written to scope the same
// super-step, so the body reads it via a path the loop_each action declares
// (topic scope, "<loop id>.item" by convention).
type LoopItem struct{}

func (LoopItem) PayloadType() workflow.PayloadType { return "compile.loop_item" }

// LoopCompleted is emitted by a loop_each coordinator to its exit action
// once iteration finishes (items exhausted or a break_loop action fired).
type LoopCompleted struct {
	Broke bool `json:"broke"`
}

func (LoopCompleted) PayloadType() workflow.PayloadType { return "compile.loop_completed" }

func init() {
	workflow.RegisterPayloadType(func() workflow.Payload { return &StepSignal{} })
	workflow.RegisterPayloadType(func() workflow.Payload { return &LoopItem{} })
	workflow.RegisterPayloadType(func() workflow.Payload { return &LoopCompleted{} })
}
