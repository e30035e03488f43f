package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/conduit/internal/store"
	"github.com/haasonsaas/conduit/pkg/models"
)

func setup(t *testing.T) (*Service, store.Store, *models.Session, *models.Branch) {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()
	session := &models.Session{Name: "s"}
	if err := st.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	branch := &models.Branch{SessionID: session.ID, Name: "main"}
	if err := st.CreateBranch(ctx, branch); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	return NewService(st, nil), st, session, branch
}

func addMessage(t *testing.T, st store.Store, session *models.Session, branch *models.Branch, text string, at time.Time) *models.Message {
	t.Helper()
	msg := models.NewUserMessage(session.ID, branch.ID, text)
	msg.CreatedAt = at
	if err := st.CreateMessage(context.Background(), msg); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	return msg
}

func TestMessagesForTurnNoCheckpoint(t *testing.T) {
	svc, st, session, branch := setup(t)
	base := time.Now().Add(-time.Minute)
	for i := 0; i < 3; i++ {
		addMessage(t, st, session, branch, "m", base.Add(time.Duration(i)*time.Second))
	}

	tc, err := svc.MessagesForTurn(context.Background(), branch.ID)
	if err != nil {
		t.Fatalf("MessagesForTurn: %v", err)
	}
	if len(tc.Messages) != 3 || tc.ContextPrefix != "" || tc.Checkpoint != nil {
		t.Fatalf("expected full history with no prefix, got %d messages prefix %q", len(tc.Messages), tc.ContextPrefix)
	}
}

func TestMessagesForTurnPlanCheckpoint(t *testing.T) {
	svc, st, session, branch := setup(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	addMessage(t, st, session, branch, "before", base)

	planPath := filepath.Join(t.TempDir(), "plan.md")
	if err := os.WriteFile(planPath, []byte("1. refactor\n2. test"), 0o644); err != nil {
		t.Fatalf("write plan: %v", err)
	}
	cp, err := svc.ConfirmPlan(ctx, session.ID, branch.ID, planPath)
	if err != nil {
		t.Fatalf("ConfirmPlan: %v", err)
	}

	after := addMessage(t, st, session, branch, "after", cp.CreatedAt.Add(time.Second))

	tc, err := svc.MessagesForTurn(ctx, branch.ID)
	if err != nil {
		t.Fatalf("MessagesForTurn: %v", err)
	}
	if len(tc.Messages) != 1 || tc.Messages[0].ID != after.ID {
		t.Fatalf("only messages after the checkpoint should survive, got %d", len(tc.Messages))
	}
	want := "Plan to execute:\n1. refactor\n2. test\n\n"
	if tc.ContextPrefix != want {
		t.Fatalf("got prefix %q, want %q", tc.ContextPrefix, want)
	}
}

func TestMessagesForTurnPlanFileUnreadable(t *testing.T) {
	svc, st, session, branch := setup(t)
	ctx := context.Background()

	cp, err := svc.ConfirmPlan(ctx, session.ID, branch.ID, filepath.Join(t.TempDir(), "missing.md"))
	if err != nil {
		t.Fatalf("ConfirmPlan: %v", err)
	}
	addMessage(t, st, session, branch, "after", cp.CreatedAt.Add(time.Second))

	tc, err := svc.MessagesForTurn(ctx, branch.ID)
	if err != nil {
		t.Fatalf("MessagesForTurn: %v", err)
	}
	if tc.ContextPrefix != "" {
		t.Fatalf("unreadable plan must degrade to an empty prefix, got %q", tc.ContextPrefix)
	}
	if len(tc.Messages) != 1 {
		t.Fatalf("message window must still apply, got %d messages", len(tc.Messages))
	}
}

func TestMessagesForTurnCompactionCheckpoint(t *testing.T) {
	svc, st, session, branch := setup(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	addMessage(t, st, session, branch, "old-1", base)
	addMessage(t, st, session, branch, "old-2", base.Add(time.Second))
	kept := addMessage(t, st, session, branch, "kept", base.Add(2*time.Second))
	tail := addMessage(t, st, session, branch, "tail", base.Add(3*time.Second))

	if _, err := svc.RecordCompaction(ctx, session.ID, branch.ID, "summary of old work", kept.ID); err != nil {
		t.Fatalf("RecordCompaction: %v", err)
	}

	tc, err := svc.MessagesForTurn(ctx, branch.ID)
	if err != nil {
		t.Fatalf("MessagesForTurn: %v", err)
	}
	if len(tc.Messages) != 2 || tc.Messages[0].ID != kept.ID || tc.Messages[1].ID != tail.ID {
		t.Fatalf("window must start at the first kept message inclusive, got %d messages", len(tc.Messages))
	}
	if !strings.HasPrefix(tc.ContextPrefix, "Previous context:\nsummary of old work") {
		t.Fatalf("got prefix %q", tc.ContextPrefix)
	}
}

func TestLatestCheckpointWinsAfterPlanThenCompaction(t *testing.T) {
	svc, st, session, branch := setup(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	planPath := filepath.Join(t.TempDir(), "plan.md")
	if err := os.WriteFile(planPath, []byte("plan"), 0o644); err != nil {
		t.Fatalf("write plan: %v", err)
	}
	if _, err := svc.ConfirmPlan(ctx, session.ID, branch.ID, planPath); err != nil {
		t.Fatalf("ConfirmPlan: %v", err)
	}
	kept := addMessage(t, st, session, branch, "kept", base.Add(time.Second))
	if _, err := svc.RecordCompaction(ctx, session.ID, branch.ID, "sum", kept.ID); err != nil {
		t.Fatalf("RecordCompaction: %v", err)
	}

	tc, err := svc.MessagesForTurn(ctx, branch.ID)
	if err != nil {
		t.Fatalf("MessagesForTurn: %v", err)
	}
	if tc.Checkpoint == nil || tc.Checkpoint.Type != models.CheckpointCompaction {
		t.Fatal("most recent checkpoint must govern the turn context")
	}
	if !strings.HasPrefix(tc.ContextPrefix, "Previous context:") {
		t.Fatalf("got prefix %q", tc.ContextPrefix)
	}
}
