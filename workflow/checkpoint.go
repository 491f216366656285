package workflow

import "time"

// Checkpoint is a durable snapshot of a run sufficient to resume execution
// exactly where it left off: committed scope state, per-executor saved
// state, the pending inbox for the next super-step, any in-flight fan-in
// cohort buffers, and pending external input requests.
type Checkpoint struct {
	SchemaVersion int          `json:"schema_version"`
	RunID         RunID        `json:"run_id"`
	CheckpointID  CheckpointID `json:"checkpoint_id"`
	ParentID      *CheckpointID `json:"parent_id,omitempty"`
	WorkflowName  string       `json:"workflow_name"`
	SuperStep     int          `json:"super_step"`
	CreatedAt     time.Time    `json:"created_at"`

	ScopesSnapshot map[ScopeName]map[string]ScopeValue `json:"scopes_snapshot"`

	// ExecutorStates holds the opaque bytes each executor last saved via
	// Context.SaveExecutorState, keyed by executor id.
	ExecutorStates map[ExecutorID][]byte `json:"executor_states"`

	// InboxSnapshot holds envelopes queued for delivery at the start of
	// the next super-step.
	InboxSnapshot []Envelope `json:"inbox_snapshot"`

	// EdgeBuffers holds partially-joined fan-in cohorts, keyed by edge
	// group then delivery id.
	EdgeBuffers map[EdgeGroupID]map[DeliveryID][]Envelope `json:"edge_buffers"`

	// PendingExternalRequests holds ExternalInputRequests issued but not
	// yet answered, letting a restored run remain suspended correctly.
	PendingExternalRequests []ExternalInputRequest `json:"pending_external_requests"`

	// RecordedIOs supports replay of agent-provider calls already made
	// before this checkpoint was captured.
	RecordedIOs []RecordedIO `json:"recorded_ios"`

	Label string `json:"label,omitempty"`
}

// checkpointSchemaVersion is bumped whenever Checkpoint's wire shape
// changes incompatibly; CheckpointStore implementations reject checkpoints
// with an unknown version rather than guess at migration.
const checkpointSchemaVersion = 1
