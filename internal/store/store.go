// Package store defines the persistence contract for the harness and its two
// implementations: an in-memory store for tests and local runs, and a SQLite
// store for durable deployments. All implementations are safe for concurrent
// use; event id assignment is the single global ordering primitive.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/conduit/pkg/models"
)

// Common store errors.
var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrBranchNotFound     = errors.New("branch not found")
	ErrMessageNotFound    = errors.New("message not found")
	ErrCheckpointNotFound = errors.New("checkpoint not found")
)

// StorageError wraps a backend failure with the operation that produced it.
type StorageError struct {
	Op    string
	Cause error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Cause)
}

func (e *StorageError) Unwrap() error { return e.Cause }

// EventFilter selects envelopes from the event log. A zero BranchID matches
// all branches; events recorded without a branch id match any branch filter.
type EventFilter struct {
	SessionID string
	BranchID  string

	// AfterID restricts results to envelopes with id > AfterID.
	AfterID int64

	// Kinds restricts results to the named event tags.
	Kinds []string

	// Limit bounds the result size; zero means unbounded.
	Limit int
}

// Matches reports whether an envelope passes the filter, ignoring Limit.
func (f EventFilter) Matches(env *models.EventEnvelope) bool {
	if env.ID <= f.AfterID {
		return false
	}
	if f.SessionID != "" && env.Event.EventSessionID() != f.SessionID {
		return false
	}
	if f.BranchID != "" {
		if b := env.Event.EventBranchID(); b != "" && b != f.BranchID {
			return false
		}
	}
	if len(f.Kinds) > 0 {
		ok := false
		for _, k := range f.Kinds {
			if env.Event.Tag() == k {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Store is the persistence contract the harness core depends on.
type Store interface {
	// Sessions.
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	UpdateSession(ctx context.Context, session *models.Session) error
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context) ([]*models.Session, error)
	LastSessionByWorkingDir(ctx context.Context, cwd string) (*models.Session, error)

	// Branches.
	CreateBranch(ctx context.Context, branch *models.Branch) error
	GetBranch(ctx context.Context, id string) (*models.Branch, error)
	ListBranches(ctx context.Context, sessionID string) ([]*models.Branch, error)
	UpdateBranchSummary(ctx context.Context, branchID, summary string) error
	UpdateBranchModel(ctx context.Context, branchID, model string) error
	CountMessages(ctx context.Context, branchID string) (int, error)

	// Messages. List operations return insertion order; ties on CreatedAt
	// break by id, which is time-sortable.
	CreateMessage(ctx context.Context, msg *models.Message) error
	ListMessages(ctx context.Context, branchID string) ([]*models.Message, error)
	ListMessagesSince(ctx context.Context, branchID string, after time.Time) ([]*models.Message, error)
	ListMessagesFrom(ctx context.Context, branchID, messageID string) ([]*models.Message, error)
	SetTurnDuration(ctx context.Context, messageID string, d time.Duration) error

	// Events. AppendEvent assigns the next monotonic id; on success the
	// envelope is durable.
	AppendEvent(ctx context.Context, event models.Event) (*models.EventEnvelope, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]*models.EventEnvelope, error)
	LatestEventID(ctx context.Context, filter EventFilter) (int64, error)

	// Checkpoints.
	CreateCheckpoint(ctx context.Context, cp *models.Checkpoint) error
	LatestCheckpoint(ctx context.Context, branchID string) (*models.Checkpoint, error)

	// Permission rules.
	SavePermissionRules(ctx context.Context, rules []models.PermissionRule) error
	ListPermissionRules(ctx context.Context) ([]models.PermissionRule, error)

	// Close releases the backend.
	Close() error
}
