// Package compile implements the declarative YAML -> graph IR compiler: it
// reads a workflow document, compiles each action to a concrete executor,
// linearizes an action's declared successors into direct/fan-out/fan-in/
// switch edges, and compiles every expression field through workflow/expr.
// Documents are unmarshaled with yaml-tagged structs and a Validate-style
// error path, matching the style gopkg.in/yaml.v3 users favor.
package compile

// Document is the top-level shape of a declarative workflow YAML file.
type Document struct {
	Name    string      `yaml:"name"`
	Start   string      `yaml:"start"`
	Actions []ActionDef `yaml:"actions"`
}

// CaseDef is one branch of a switch action.
type CaseDef struct {
	When string `yaml:"when"`
	To   string `yaml:"to"`
}

// TableOpDef describes one edit_table mutation.
type TableOpDef struct {
	// Op is one of "append", "update", "remove".
	Op string `yaml:"op"`
	// Match selects the row(s) an update/remove applies to, by exact field
	// equality against an already-evaluated expression value. Ignored for
	// append.
	MatchField string `yaml:"match_field"`
	MatchValue string `yaml:"match_value"`
	// Fields maps column name to an expression producing its value, used by
	// append and update.
	Fields map[string]string `yaml:"fields"`
}

// ActionDef is one compiled action: its id, kind, kind-specific fields, and
// its declared successor(s). Exactly the fields relevant to Kind are
// populated; Compile validates this at compile time.
type ActionDef struct {
	ID   string `yaml:"id"`
	Kind string `yaml:"kind"`

	// Next names the single successor for actions with one unconditional
	// outgoing edge (send_activity, set_variable, parse_value, goto,
	// clear_all_variables, edit_table, invoke_agent without approval
	// branching). Empty means this action is terminal.
	Next string `yaml:"next,omitempty"`

	// Then/Else are the condition action's two branches. Else is optional;
	// a false evaluation with no Else drops the envelope.
	Then string `yaml:"then,omitempty"`
	Else string `yaml:"else,omitempty"`
	When string `yaml:"when,omitempty"`

	// Cases/Default are the switch action's branches.
	Cases   []CaseDef `yaml:"cases,omitempty"`
	Default string    `yaml:"default,omitempty"`

	// Body/Exit are the loop_each action's per-item destination and
	// post-loop continuation.
	Body     string `yaml:"body,omitempty"`
	Exit     string `yaml:"exit,omitempty"`
	ItemsSrc string `yaml:"items,omitempty"`

	// Targets names a fan-out action's parallel destinations.
	Targets []string `yaml:"targets,omitempty"`

	// Sources and a fan-in action's single destination (stored in Next)
	// declare a join: each of Sources must emit once before the fan_in
	// action runs and forwards to Next.
	Sources []string `yaml:"sources,omitempty"`

	// Scope/Path/Value back set_variable and parse_value.
	Scope string `yaml:"scope,omitempty"`
	Path  string `yaml:"path,omitempty"`
	Value string `yaml:"value,omitempty"`

	// Format selects parse_value's target type: "int", "float", or "json".
	Format string `yaml:"format,omitempty"`

	// Text is send_activity's payload expression.
	Text string `yaml:"text,omitempty"`

	// Keys lists the scope paths clear_all_variables resets to nil.
	Keys []string `yaml:"keys,omitempty"`

	// TableOps backs edit_table.
	TableOps []TableOpDef `yaml:"table_ops,omitempty"`

	// Agent/Prompt/RequiresApproval back invoke_agent.
	Agent            string `yaml:"agent,omitempty"`
	Prompt           string `yaml:"prompt,omitempty"`
	RequiresApproval bool   `yaml:"requires_approval,omitempty"`

	// Reason is end_conversation/end_dialog's optional termination reason
	// expression.
	Reason string `yaml:"reason,omitempty"`

	line, column int
}
