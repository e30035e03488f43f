package models

// SteerKind identifies a steering command.
type SteerKind string

const (
	// SteerCancel gracefully ends the current turn. Pending follow-ups are
	// discarded.
	SteerCancel SteerKind = "cancel"

	// SteerInterrupt hard-stops the current turn; partial assistant text is
	// flushed as a final message. Pending follow-ups are preserved.
	SteerInterrupt SteerKind = "interrupt"

	// SteerInterject hard-stops the current turn and queues Content ahead of
	// any pending follow-ups.
	SteerInterject SteerKind = "interject"

	// SteerSwitchAgent changes the agent definition used for subsequent
	// turns without interrupting the current one.
	SteerSwitchAgent SteerKind = "switch_agent"
)

// SteerCommand is a control message targeting one (session, branch) loop.
type SteerCommand struct {
	SessionID string    `json:"session_id"`
	BranchID  string    `json:"branch_id"`
	Kind      SteerKind `json:"kind"`

	// Content is the interjected message text for SteerInterject.
	Content string `json:"content,omitempty"`

	// AgentName is the target agent for SteerSwitchAgent.
	AgentName string `json:"agent_name,omitempty"`
}

// Interrupting reports whether the command aborts an in-flight stream.
func (c SteerCommand) Interrupting() bool {
	switch c.Kind {
	case SteerCancel, SteerInterrupt, SteerInterject:
		return true
	default:
		return false
	}
}
