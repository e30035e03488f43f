package models

import "time"

// CheckpointType discriminates the two checkpoint variants.
type CheckpointType string

const (
	// CheckpointPlan marks the confirmation of a plan document. Messages
	// created after the checkpoint are the effective history; the plan body
	// becomes the prompt prefix.
	CheckpointPlan CheckpointType = "plan"

	// CheckpointCompaction replaces older history with a summary. Messages
	// at or after FirstKeptMessageID remain effective.
	CheckpointCompaction CheckpointType = "compaction"
)

// Checkpoint is a marker on a branch that redefines the effective prompt
// prefix. The latest checkpoint wins; absent any checkpoint the whole branch
// history is used with no prefix.
type Checkpoint struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	BranchID  string         `json:"branch_id"`
	Type      CheckpointType `json:"type"`

	// PlanPath is set for plan checkpoints.
	PlanPath string `json:"plan_path,omitempty"`

	// Summary and FirstKeptMessageID are set for compaction checkpoints.
	Summary            string `json:"summary,omitempty"`
	FirstKeptMessageID string `json:"first_kept_message_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
