package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/conduit/pkg/models"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conduit.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "database:\n  path: /tmp/conduit.db\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers.Default != "anthropic" {
		t.Fatalf("default provider %q", cfg.Providers.Default)
	}
	if cfg.Harness.FollowUpLimit != 100 || cfg.Harness.ToolConcurrency != 8 {
		t.Fatalf("harness defaults: %+v", cfg.Harness)
	}
	if cfg.Harness.Retry.InitialDelay != 2*time.Second ||
		cfg.Harness.Retry.MaxDelay != 30*time.Second ||
		cfg.Harness.Retry.MaxAttempts != 3 {
		t.Fatalf("retry defaults: %+v", cfg.Harness.Retry)
	}
	if cfg.Database.Path != "/tmp/conduit.db" {
		t.Fatalf("database path %q", cfg.Database.Path)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("CONDUIT_TEST_KEY", "sk-test-123")
	path := writeConfig(t, "providers:\n  anthropic:\n    api_key: ${CONDUIT_TEST_KEY}\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers.Anthropic.APIKey != "sk-test-123" {
		t.Fatalf("got key %q", cfg.Providers.Anthropic.APIKey)
	}
}

func TestLoadPermissionRules(t *testing.T) {
	path := writeConfig(t, `permissions:
  - tool: run_shell
    pattern: "rm -rf"
    action: deny
  - tool: read_file
    action: allow
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Permissions) != 2 {
		t.Fatalf("got %d rules", len(cfg.Permissions))
	}
	if cfg.Permissions[0].Action != models.PermissionDeny || cfg.Permissions[0].Pattern != "rm -rf" {
		t.Fatalf("rule 0: %+v", cfg.Permissions[0])
	}
}

func TestLoadRejectsUnknownProvider(t *testing.T) {
	path := writeConfig(t, "providers:\n  default: mystery\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoadRejectsBadPermissionAction(t *testing.T) {
	path := writeConfig(t, "permissions:\n  - tool: x\n    action: maybe\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error")
	}
}
