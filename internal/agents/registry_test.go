package agents

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/haasonsaas/conduit/pkg/models"
)

func TestRegistryBaselineAlwaysPresent(t *testing.T) {
	r := NewRegistry()
	def, err := r.Get(models.BaselineAgent)
	if err != nil {
		t.Fatalf("Get baseline: %v", err)
	}
	if def.Name != models.BaselineAgent {
		t.Fatalf("got %q", def.Name)
	}
	if !def.AllowsTool("anything") {
		t.Fatal("baseline agent must not restrict tools")
	}
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	temp := float32(0.2)
	err := r.Register(&models.AgentDefinition{
		Name:           "planner",
		AllowedTools:   []string{"read_file", "list_files"},
		Temperature:    &temp,
		PreferredModel: "claude-opus-4-1",
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	def, err := r.Get("planner")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !def.AllowsTool("read_file") || def.AllowsTool("bash") {
		t.Fatal("tool filter not applied")
	}

	if _, err := r.Get("missing"); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("got %v, want ErrAgentNotFound", err)
	}
	if err := r.Register(&models.AgentDefinition{Name: models.BaselineAgent}); err == nil {
		t.Fatal("baseline must be reserved")
	}
	if err := r.Register(&models.AgentDefinition{}); err == nil {
		t.Fatal("nameless definition must be rejected")
	}
}

func TestRegistryList(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"zeta", "alpha"} {
		if err := r.Register(&models.AgentDefinition{Name: name}); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	got := r.List()
	if len(got) != 3 {
		t.Fatalf("got %d agents, want 3 (incl. baseline)", len(got))
	}
	if got[0].Name != "alpha" || got[2].Name != "zeta" {
		t.Fatalf("not sorted by name: %v", []string{got[0].Name, got[1].Name, got[2].Name})
	}
}

func TestRegistryLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	doc := `agents:
  - name: reviewer
    system_prompt_addendum: "Review code critically."
    denied_tools: [bash]
  - name: researcher
    allowed_tools: [web_search]
    reasoning_effort: high
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	r := NewRegistry()
	if err := r.LoadFile(context.Background(), path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	reviewer, err := r.Get("reviewer")
	if err != nil {
		t.Fatalf("Get reviewer: %v", err)
	}
	if reviewer.AllowsTool("bash") {
		t.Fatal("denied tool should not be allowed")
	}
	researcher, err := r.Get("researcher")
	if err != nil {
		t.Fatalf("Get researcher: %v", err)
	}
	if researcher.ReasoningEffort != "high" {
		t.Fatalf("got reasoning effort %q", researcher.ReasoningEffort)
	}
}
