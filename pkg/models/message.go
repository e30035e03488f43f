package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// MessageKind distinguishes regular user messages from interjections
// delivered mid-turn through a steering command.
type MessageKind string

const (
	KindRegular      MessageKind = "regular"
	KindInterjection MessageKind = "interjection"
)

// Message is one ordered record on a branch. Message ids are UUIDv7 so that
// lexicographic id order matches chronological order; list operations rely on
// this for tie-breaking when timestamps collide.
type Message struct {
	ID        string      `json:"id"`
	SessionID string      `json:"session_id"`
	BranchID  string      `json:"branch_id"`
	Role      Role        `json:"role"`
	Kind      MessageKind `json:"kind,omitempty"`
	Parts     []Part      `json:"parts"`
	CreatedAt time.Time   `json:"created_at"`

	// TurnDurationMS is set on the user message that initiated a turn once
	// the turn completes; zero means not recorded.
	TurnDurationMS int64 `json:"turn_duration_ms,omitempty"`
}

// NewMessageID returns a time-sortable message id.
func NewMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source does; fall back to V4
		// rather than propagate an error through every message constructor.
		return uuid.NewString()
	}
	return id.String()
}

// NewUserMessage builds a regular user message with a single text part.
func NewUserMessage(sessionID, branchID, text string) *Message {
	return &Message{
		ID:        NewMessageID(),
		SessionID: sessionID,
		BranchID:  branchID,
		Role:      RoleUser,
		Kind:      KindRegular,
		Parts:     []Part{TextPart(text)},
		CreatedAt: time.Now(),
	}
}

// Text returns the concatenated text parts of the message.
func (m *Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

// FirstText returns the first text part, or empty.
func (m *Message) FirstText() string {
	for _, p := range m.Parts {
		if p.Type == PartText {
			return p.Text
		}
	}
	return ""
}

// ToolCalls returns the tool-call parts of an assistant message in order.
func (m *Message) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, p := range m.Parts {
		if p.Type == PartToolCall && p.ToolCall != nil {
			calls = append(calls, *p.ToolCall)
		}
	}
	return calls
}

// ToolResults returns the tool-result parts of a tool message in order.
func (m *Message) ToolResults() []ToolResultPart {
	var results []ToolResultPart
	for _, p := range m.Parts {
		if p.Type == PartToolResult && p.ToolResult != nil {
			results = append(results, *p.ToolResult)
		}
	}
	return results
}

// ToolCall is an assistant-generated request to invoke a named tool. Input is
// the already-parsed JSON argument object.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}
