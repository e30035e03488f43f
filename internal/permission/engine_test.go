package permission

import (
	"context"
	"errors"
	"testing"

	"github.com/haasonsaas/conduit/internal/store"
	"github.com/haasonsaas/conduit/pkg/models"
)

func allowAll() Handler {
	return HandlerFunc(func(context.Context, Request) (bool, error) { return true, nil })
}

func TestCheckFirstMatchWins(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(store.NewMemory(), DenyAll, nil)

	rules := []models.PermissionRule{
		{Tool: "bash", Pattern: `"rm `, Action: models.PermissionDeny},
		{Tool: "bash", Action: models.PermissionAllow},
	}
	for _, r := range rules {
		if err := e.AddRule(ctx, r); err != nil {
			t.Fatalf("AddRule: %v", err)
		}
	}

	allowed, err := e.Check(ctx, Request{ToolName: "bash", Input: []byte(`{"command":"rm -rf /"}`)}, false)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if allowed {
		t.Fatal("deny rule should match before the blanket allow")
	}

	allowed, err = e.Check(ctx, Request{ToolName: "bash", Input: []byte(`{"command":"ls"}`)}, false)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !allowed {
		t.Fatal("non-matching pattern should fall through to the allow rule")
	}
}

func TestCheckDefaultsToAsk(t *testing.T) {
	ctx := context.Background()
	asked := false
	handler := HandlerFunc(func(ctx context.Context, req Request) (bool, error) {
		asked = true
		return true, nil
	})
	e := NewEngine(store.NewMemory(), handler, nil)

	allowed, err := e.Check(ctx, Request{ToolName: "unmatched"}, false)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !asked || !allowed {
		t.Fatalf("unmatched call should go to the handler: asked=%v allowed=%v", asked, allowed)
	}
}

func TestCheckBypassSkipsRulesAndHandler(t *testing.T) {
	ctx := context.Background()
	handler := HandlerFunc(func(context.Context, Request) (bool, error) {
		t.Fatal("handler must not be consulted in bypass mode")
		return false, nil
	})
	e := NewEngine(store.NewMemory(), handler, nil)
	if err := e.AddRule(ctx, models.PermissionRule{Tool: "bash", Action: models.PermissionDeny}); err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	allowed, err := e.Check(ctx, Request{ToolName: "bash"}, true)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !allowed {
		t.Fatal("bypass must allow despite a deny rule")
	}
}

func TestCheckHandlerFailureDenies(t *testing.T) {
	ctx := context.Background()
	handler := HandlerFunc(func(context.Context, Request) (bool, error) {
		return true, errors.New("ui went away")
	})
	e := NewEngine(store.NewMemory(), handler, nil)

	allowed, err := e.Check(ctx, Request{ToolName: "bash"}, false)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if allowed {
		t.Fatal("a failing handler must deny")
	}
}

func TestRulesPersistAndReload(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	e := NewEngine(st, allowAll(), nil)
	if err := e.AddRule(ctx, models.PermissionRule{Tool: "read_file", Action: models.PermissionAllow}); err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	if err := e.AddRule(ctx, models.PermissionRule{Tool: "bash", Action: models.PermissionDeny}); err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	fresh := NewEngine(st, allowAll(), nil)
	if err := fresh.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := fresh.Rules()
	if len(got) != 2 || got[1].Tool != "bash" {
		t.Fatalf("rules not reloaded in order: %+v", got)
	}

	if err := fresh.RemoveRule(ctx, "read_file", ""); err != nil {
		t.Fatalf("RemoveRule: %v", err)
	}
	got = fresh.Rules()
	if len(got) != 1 || got[0].Tool != "bash" {
		t.Fatalf("rule not removed: %+v", got)
	}

	if err := fresh.RemoveRule(ctx, "nonexistent", ""); err == nil {
		t.Fatal("expected error removing a rule no tool carries")
	}
}

func TestRemoveRuleByPattern(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(store.NewMemory(), allowAll(), nil)

	rules := []models.PermissionRule{
		{Tool: "bash", Pattern: `"rm `, Action: models.PermissionDeny},
		{Tool: "bash", Action: models.PermissionAllow},
	}
	for _, r := range rules {
		if err := e.AddRule(ctx, r); err != nil {
			t.Fatalf("AddRule: %v", err)
		}
	}

	if err := e.RemoveRule(ctx, "bash", `"rm `); err != nil {
		t.Fatalf("RemoveRule: %v", err)
	}
	got := e.Rules()
	if len(got) != 1 || got[0].Pattern != "" {
		t.Fatalf("pattern-scoped removal took the wrong rule: %+v", got)
	}

	if err := e.RemoveRule(ctx, "bash", "no-such-pattern"); err == nil {
		t.Fatal("expected error when the pattern matches no rule")
	}
}

func TestAddRuleRejectsBadPattern(t *testing.T) {
	e := NewEngine(store.NewMemory(), DenyAll, nil)
	err := e.AddRule(context.Background(), models.PermissionRule{
		Tool: "bash", Pattern: "([", Action: models.PermissionDeny,
	})
	if err == nil {
		t.Fatal("expected error for an invalid regexp")
	}
}
