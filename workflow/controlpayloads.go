package workflow

// Control payloads let compiled declarative actions and hand-written
// executors influence scheduling without a dedicated edge kind: loop
// bodies emit BreakLoop/ContinueLoop to their enclosing loop_each executor,
// and conversational sub-graphs emit EndConversation/EndDialog to signal
// termination upward, per the re-architecture note in the design notes
// Open Question about end_dialog vs end_conversation.

// BreakLoop, emitted by a loop body executor, tells the loop_each executor
// that manages it to stop iterating and route to the loop's declared exit.
type BreakLoop struct{}

func (BreakLoop) PayloadType() PayloadType { return "control.break_loop" }

// ContinueLoop, emitted by a loop body executor, tells the loop_each
// executor to advance to the next item without altering the accumulator.
type ContinueLoop struct{}

func (ContinueLoop) PayloadType() PayloadType { return "control.continue_loop" }

// EndConversation terminates the enclosing conversational sub-run (the
// scope of one invoke_agent/loop nest) and resumes the parent graph-level
// scheduler at the conversation's declared continuation.
type EndConversation struct {
	Reason string `json:"reason,omitempty"`
}

func (EndConversation) PayloadType() PayloadType { return "control.end_conversation" }

// EndDialog is the compiled-action-level counterpart of EndConversation: it
// is emitted by a single end_dialog action to its enclosing loop or
// conversation executor. Unlike EndConversation it never bypasses an
// enclosing loop_each — it is a leaf-level signal, not a run-level one.
type EndDialog struct {
	Reason string `json:"reason,omitempty"`
}

func (EndDialog) PayloadType() PayloadType { return "control.end_dialog" }
