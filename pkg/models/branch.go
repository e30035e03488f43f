package models

import "time"

// Branch is a linear message sequence within a session. Branches fork from a
// parent branch at a specific message; the fork copies the shared prefix with
// fresh message ids so each branch owns its history outright.
type Branch struct {
	// ID uniquely identifies the branch.
	ID string `json:"id"`

	// SessionID is the owning session.
	SessionID string `json:"session_id"`

	// ParentBranchID and ParentMessageID record the fork point, if any.
	ParentBranchID  string `json:"parent_branch_id,omitempty"`
	ParentMessageID string `json:"parent_message_id,omitempty"`

	// Name is an optional human-readable label.
	Name string `json:"name,omitempty"`

	// Summary is set when a peer branch is switched away from this one.
	Summary string `json:"summary,omitempty"`

	// PreferredModel overrides the agent definition's model for turns on
	// this branch. Set when sendMessage passes a model override.
	PreferredModel string `json:"preferred_model,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// BranchTreeNode is one node of a session's branch hierarchy, annotated with
// the number of messages the branch owns.
type BranchTreeNode struct {
	Branch       *Branch           `json:"branch"`
	MessageCount int               `json:"message_count"`
	Children     []*BranchTreeNode `json:"children,omitempty"`
}
