// Package checkpoint resolves how much branch history a turn sends to the
// provider. A plan checkpoint cuts history at its creation time and prepends
// the plan document; a compaction checkpoint cuts at the first kept message
// and prepends the summary.
package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/haasonsaas/conduit/internal/store"
	"github.com/haasonsaas/conduit/pkg/models"
)

// TurnContext is the provider-facing view of a branch: the messages to send
// and the synthetic context prefix to put in front of them.
type TurnContext struct {
	Messages      []*models.Message
	ContextPrefix string

	// Checkpoint is the checkpoint the context was derived from, nil when
	// the full history applies.
	Checkpoint *models.Checkpoint
}

// Service derives turn contexts from the latest checkpoint on a branch.
type Service struct {
	store  store.Store
	logger *slog.Logger
}

// NewService creates a checkpoint service.
func NewService(st store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, logger: logger}
}

// Latest returns the most recent checkpoint on the branch, or nil.
func (s *Service) Latest(ctx context.Context, branchID string) (*models.Checkpoint, error) {
	return s.store.LatestCheckpoint(ctx, branchID)
}

// ConfirmPlan records a plan checkpoint pointing at the plan document.
func (s *Service) ConfirmPlan(ctx context.Context, sessionID, branchID, planPath string) (*models.Checkpoint, error) {
	cp := &models.Checkpoint{
		SessionID: sessionID,
		BranchID:  branchID,
		Type:      models.CheckpointPlan,
		PlanPath:  planPath,
	}
	if err := s.store.CreateCheckpoint(ctx, cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// RecordCompaction records a compaction checkpoint.
func (s *Service) RecordCompaction(ctx context.Context, sessionID, branchID, summary, firstKeptMessageID string) (*models.Checkpoint, error) {
	cp := &models.Checkpoint{
		SessionID:          sessionID,
		BranchID:           branchID,
		Type:               models.CheckpointCompaction,
		Summary:            summary,
		FirstKeptMessageID: firstKeptMessageID,
	}
	if err := s.store.CreateCheckpoint(ctx, cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// MessagesForTurn loads the branch history a turn should send. With no
// checkpoint the full history is returned and the prefix is empty.
func (s *Service) MessagesForTurn(ctx context.Context, branchID string) (*TurnContext, error) {
	cp, err := s.store.LatestCheckpoint(ctx, branchID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		msgs, err := s.store.ListMessages(ctx, branchID)
		if err != nil {
			return nil, err
		}
		return &TurnContext{Messages: msgs}, nil
	}

	switch cp.Type {
	case models.CheckpointPlan:
		msgs, err := s.store.ListMessagesSince(ctx, branchID, cp.CreatedAt)
		if err != nil {
			return nil, err
		}
		return &TurnContext{
			Messages:      msgs,
			ContextPrefix: planPrefix(s.logger, cp.PlanPath),
			Checkpoint:    cp,
		}, nil

	case models.CheckpointCompaction:
		msgs, err := s.store.ListMessagesFrom(ctx, branchID, cp.FirstKeptMessageID)
		if err != nil {
			return nil, err
		}
		return &TurnContext{
			Messages:      msgs,
			ContextPrefix: fmt.Sprintf("Previous context:\n%s\n\n", cp.Summary),
			Checkpoint:    cp,
		}, nil
	}
	return nil, fmt.Errorf("unknown checkpoint type %q", cp.Type)
}

// planPrefix reads the plan document. A missing or unreadable plan degrades
// to an empty prefix rather than blocking the turn.
func planPrefix(logger *slog.Logger, path string) string {
	body, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("plan document unreadable, continuing without it",
			"path", path, "error", err)
		return ""
	}
	return fmt.Sprintf("Plan to execute:\n%s\n\n", string(body))
}
