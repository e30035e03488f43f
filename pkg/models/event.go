package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event is one member of the harness event union. Events are appended to the
// durable log and fanned out to subscribers; the Tag doubles as the on-wire
// "_tag" discriminator.
type Event interface {
	// Tag returns the event kind discriminator.
	Tag() string

	// EventSessionID returns the session the event belongs to.
	EventSessionID() string

	// EventBranchID returns the branch the event belongs to, or empty for
	// session-wide events that broadcast to every branch subscriber.
	EventBranchID() string
}

// EventEnvelope wraps an event with its durable, monotonically-increasing id.
type EventEnvelope struct {
	ID        int64     `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	Event     Event     `json:"event"`
}

// MarshalJSON renders the wire shape
// {"id": n, "createdAt": iso8601, "event": {"_tag": kind, ...}}.
func (e *EventEnvelope) MarshalJSON() ([]byte, error) {
	event, err := MarshalEvent(e.Event)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		ID        int64           `json:"id"`
		CreatedAt time.Time       `json:"createdAt"`
		Event     json.RawMessage `json:"event"`
	}{e.ID, e.CreatedAt, event})
}

// UnmarshalJSON decodes the wire shape produced by MarshalJSON.
func (e *EventEnvelope) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID        int64           `json:"id"`
		CreatedAt time.Time       `json:"createdAt"`
		Event     json.RawMessage `json:"event"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	event, err := UnmarshalEvent(raw.Event)
	if err != nil {
		return err
	}
	e.ID = raw.ID
	e.CreatedAt = raw.CreatedAt
	e.Event = event
	return nil
}

// MarshalEvent serialises an event with its "_tag" discriminator injected.
func MarshalEvent(event Event) ([]byte, error) {
	if event == nil {
		return nil, fmt.Errorf("nil event")
	}
	body, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	tag, _ := json.Marshal(event.Tag())
	fields["_tag"] = tag
	return json.Marshal(fields)
}

// UnmarshalEvent decodes a tagged event payload back into its concrete type.
func UnmarshalEvent(data []byte) (Event, error) {
	var head struct {
		Tag string `json:"_tag"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}
	var event Event
	switch head.Tag {
	case "MessageReceived":
		event = &MessageReceived{}
	case "StreamStarted":
		event = &StreamStarted{}
	case "StreamChunk":
		event = &StreamChunk{}
	case "StreamEnded":
		event = &StreamEnded{}
	case "ToolCallStarted":
		event = &ToolCallStarted{}
	case "ToolCallCompleted":
		event = &ToolCallCompleted{}
	case "TurnCompleted":
		event = &TurnCompleted{}
	case "ErrorOccurred":
		event = &ErrorOccurred{}
	case "AgentSwitched":
		event = &AgentSwitched{}
	case "SubagentSpawned":
		event = &SubagentSpawned{}
	case "SubagentCompleted":
		event = &SubagentCompleted{}
	case "PlanConfirmed":
		event = &PlanConfirmed{}
	case "CompactionStarted":
		event = &CompactionStarted{}
	case "CompactionCompleted":
		event = &CompactionCompleted{}
	case "BranchSwitched":
		event = &BranchSwitched{}
	default:
		return nil, fmt.Errorf("unknown event tag %q", head.Tag)
	}
	if err := json.Unmarshal(data, event); err != nil {
		return nil, err
	}
	return event, nil
}

// EventScope carries the common scope fields of branch-level events.
type EventScope struct {
	SessionID string `json:"sessionId"`
	BranchID  string `json:"branchId"`
}

func (e EventScope) EventSessionID() string { return e.SessionID }
func (e EventScope) EventBranchID() string  { return e.BranchID }

// BranchScope builds the embedded scope for branch-level events.
func BranchScope(sessionID, branchID string) EventScope {
	return EventScope{SessionID: sessionID, BranchID: branchID}
}

// MessageReceived records that a message was durably appended to a branch.
type MessageReceived struct {
	EventScope
	MessageID string `json:"messageId"`
	Role      Role   `json:"role"`
}

func (*MessageReceived) Tag() string { return "MessageReceived" }

// StreamStarted marks the opening of a provider stream for a turn iteration.
type StreamStarted struct {
	EventScope
}

func (*StreamStarted) Tag() string { return "StreamStarted" }

// StreamChunk carries incremental assistant output. Reasoning chunks are
// flagged; they are only emitted when the provider request opted in.
type StreamChunk struct {
	EventScope
	Text      string `json:"text"`
	Reasoning bool   `json:"reasoning,omitempty"`
}

func (*StreamChunk) Tag() string { return "StreamChunk" }

// StreamEnded closes a provider stream, either naturally (with usage) or
// because a steering command interrupted it.
type StreamEnded struct {
	EventScope
	Interrupted  bool `json:"interrupted,omitempty"`
	InputTokens  int  `json:"inputTokens,omitempty"`
	OutputTokens int  `json:"outputTokens,omitempty"`
}

func (*StreamEnded) Tag() string { return "StreamEnded" }

// ToolCallStarted marks the start of one tool execution.
type ToolCallStarted struct {
	EventScope
	ToolCallID string `json:"toolCallId"`
	ToolName   string `json:"toolName"`
}

func (*ToolCallStarted) Tag() string { return "ToolCallStarted" }

// ToolCallCompleted records a tool execution outcome. Summary is the first
// line of the result truncated to 100 characters; Output is the full
// serialised value.
type ToolCallCompleted struct {
	EventScope
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	IsError    bool            `json:"isError"`
	Summary    string          `json:"summary"`
	Output     json.RawMessage `json:"output,omitempty"`
}

func (*ToolCallCompleted) Tag() string { return "ToolCallCompleted" }

// TurnCompleted closes a turn, carrying the elapsed wall time recorded on the
// initiating user message.
type TurnCompleted struct {
	EventScope
	DurationMS  int64 `json:"durationMs"`
	Interrupted bool  `json:"interrupted,omitempty"`
}

func (*TurnCompleted) Tag() string { return "TurnCompleted" }

// ErrorOccurred reports a turn that aborted. A turn that failed produces
// MessageReceived(user) followed by ErrorOccurred with no TurnCompleted.
type ErrorOccurred struct {
	EventScope
	Error string `json:"error"`
}

func (*ErrorOccurred) Tag() string { return "ErrorOccurred" }

// AgentSwitched records a change of the active agent definition for a branch.
type AgentSwitched struct {
	EventScope
	FromAgent string `json:"fromAgent"`
	ToAgent   string `json:"toAgent"`
}

func (*AgentSwitched) Tag() string { return "AgentSwitched" }

// SubagentSpawned is published on the parent branch when a sub-agent session
// is created.
type SubagentSpawned struct {
	EventScope
	ChildSessionID string `json:"childSessionId"`
	Agent          string `json:"agent"`
	Prompt         string `json:"prompt"`
}

func (*SubagentSpawned) Tag() string { return "SubagentSpawned" }

// SubagentCompleted is published on the parent branch when a sub-agent run
// finishes, successfully or not.
type SubagentCompleted struct {
	EventScope
	ChildSessionID string `json:"childSessionId"`
	Agent          string `json:"agent"`
	Success        bool   `json:"success"`
}

func (*SubagentCompleted) Tag() string { return "SubagentCompleted" }

// PlanConfirmed records the creation of a plan checkpoint.
type PlanConfirmed struct {
	EventScope
	PlanPath     string `json:"planPath"`
	CheckpointID string `json:"checkpointId"`
}

func (*PlanConfirmed) Tag() string { return "PlanConfirmed" }

// CompactionStarted marks the beginning of a branch compaction.
type CompactionStarted struct {
	EventScope
}

func (*CompactionStarted) Tag() string { return "CompactionStarted" }

// CompactionCompleted records the resulting compaction checkpoint.
type CompactionCompleted struct {
	EventScope
	CheckpointID       string `json:"checkpointId"`
	FirstKeptMessageID string `json:"firstKeptMessageId"`
}

func (*CompactionCompleted) Tag() string { return "CompactionCompleted" }

// BranchSwitched is session-wide: it has no branch id and broadcasts to all
// branch subscribers of the session.
type BranchSwitched struct {
	SessionID    string `json:"sessionId"`
	FromBranchID string `json:"fromBranchId"`
	ToBranchID   string `json:"toBranchId"`
}

func (*BranchSwitched) Tag() string            { return "BranchSwitched" }
func (e *BranchSwitched) EventSessionID() string { return e.SessionID }
func (e *BranchSwitched) EventBranchID() string  { return "" }
