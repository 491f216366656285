package compile

import (
	"time"

	workflow "github.com/agentmesh/workflow"
	"github.com/agentmesh/workflow/agent"
)

// CompileOptions configures Compile, populated from YAML/env rather than
// a full configuration-framework dependency: the workflow YAML document is
// the configuration surface, and CompileOptions supplies the
// host-process-level bindings (agent providers, cost tracking, per-executor
// policy defaults) the document itself cannot name.
type CompileOptions struct {
	// Agents resolves an invoke_agent action's "agent" field to a concrete
	// provider. A document referencing an unregistered name is a compile
	// error.
	Agents map[string]agent.Provider

	// Models maps an agent name to the model identifier attached to its
	// cost-tracking records.
	Models map[string]string

	// SystemPrompts maps an agent name to the system prompt seeded on that
	// agent's conversations.
	SystemPrompts map[string]string

	// CostTracker, if set, is wired into every invoke_agent executor the
	// document compiles.
	CostTracker *workflow.CostTracker

	// DefaultHandlerTimeout is not read by Compile: compiled executors
	// carry no ExecutorPolicy, so their timeout is the run's
	// workflow.Options.DefaultHandlerTimeout.
	DefaultHandlerTimeout time.Duration

	// FanInCohortTimeout is not read by Compile: fan_in actions are
	// compiled with a zero cohort timeout.
	FanInCohortTimeout time.Duration
}
