// Package models defines the shared domain types for the conduit harness:
// sessions, branches, messages and their parts, checkpoints, events, and
// steering commands. These types are persisted by internal/store and carried
// on the wire by the event log, so field changes here are schema changes.
package models

import "time"

// Session is a user-facing conversation root. It holds configuration that
// applies to every branch (working directory, permission bypass) and, for
// sub-agent sessions, a reference to the parent (session, branch) that
// spawned it.
type Session struct {
	// ID uniquely identifies the session.
	ID string `json:"id"`

	// Name is an optional human-readable label. It may be generated in the
	// background from the first message.
	Name string `json:"name,omitempty"`

	// WorkingDir is the directory tools execute relative to.
	WorkingDir string `json:"working_dir,omitempty"`

	// BypassPermissions, when true, makes the tool runner treat every
	// permission check as allow.
	BypassPermissions bool `json:"bypass_permissions,omitempty"`

	// ParentSessionID and ParentBranchID are set for sub-agent sessions.
	ParentSessionID string `json:"parent_session_id,omitempty"`
	ParentBranchID  string `json:"parent_branch_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
