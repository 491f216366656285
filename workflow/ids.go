// Package workflow implements the declarative multi-agent workflow engine:
// a graph-executed, message-passing runtime that orchestrates AI agents and
// ordinary compute units ("executors") through typed edges, with
// deterministic replay, checkpointing, and human-in-the-loop suspension.
package workflow

import (
	"fmt"

	"github.com/google/uuid"
)

// newUUID generates a random identifier string for delivery ids, checkpoint
// ids, and external input request ids.
func newUUID() string { return uuid.NewString() }

// RunID uniquely identifies one execution of a Workflow.
type RunID string

// ExecutorID identifies an executor registered in a Workflow.
type ExecutorID string

// EdgeGroupID identifies a logical edge group (direct, fan-out, fan-in,
// switch) within a built Workflow. Assigned at build time from declaration
// order so it is stable across identical builds.
type EdgeGroupID string

// DeliveryID correlates messages that belong to the same fan-out/fan-in
// cohort. Propagated unchanged from a fan-out source to every sibling
// delivery and reused by the downstream fan-in join as its cohort key.
type DeliveryID string

// PayloadType names the Go-level shape of a message payload. Executors
// declare the PayloadTypes their handlers accept; routing dispatches by
// this tag rather than by runtime reflection.
type PayloadType string

// Payload is implemented by every value that can travel inside a Message
// envelope. PayloadType is a static, explicit declaration rather than a
// reflected Go type name, so routing never needs type introspection.
type Payload interface {
	PayloadType() PayloadType
}

// ScopeName identifies one of the three built-in state scopes.
type ScopeName string

const (
	// ScopeTopic holds per-run workflow variables.
	ScopeTopic ScopeName = "topic"
	// ScopeConversation holds per active chat state.
	ScopeConversation ScopeName = "conversation"
	// ScopeSystem holds read-only runtime facts.
	ScopeSystem ScopeName = "system"
)

// String implements fmt.Stringer for readable trace output.
func (s ScopeName) String() string { return string(s) }

func (r RunID) String() string       { return string(r) }
func (e ExecutorID) String() string  { return string(e) }
func (e EdgeGroupID) String() string { return string(e) }
func (d DeliveryID) String() string  { return string(d) }
func (p PayloadType) String() string { return string(p) }

// CheckpointID identifies one captured Checkpoint within a run's DAG of
// checkpoints.
type CheckpointID string

func (c CheckpointID) String() string { return string(c) }

// qualify joins an executor id and a handler's PayloadType into one
// colon-separated "executor_id:handler_type" identifier.
func qualify(executor ExecutorID, kind PayloadType) string {
	return fmt.Sprintf("%s:%s", executor, kind)
}
