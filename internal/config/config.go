// Package config loads the harness configuration from YAML. Environment
// variables are expanded before parsing, so secrets stay out of the file:
//
//	providers:
//	  anthropic:
//	    api_key: ${ANTHROPIC_API_KEY}
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/conduit/pkg/models"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Providers ProvidersConfig `yaml:"providers"`
	Harness   HarnessConfig   `yaml:"harness"`
	Logging   LoggingConfig   `yaml:"logging"`

	// Agents optionally points at a YAML file of agent definitions.
	Agents AgentsConfig `yaml:"agents"`

	// Permissions seeds the permission engine's rule list.
	Permissions []models.PermissionRule `yaml:"permissions"`
}

type ServerConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
}

type DatabaseConfig struct {
	// Path is the SQLite database file; empty selects the in-memory store.
	Path string `yaml:"path"`
}

type ProvidersConfig struct {
	// Default selects which provider drives turns: anthropic or openai.
	Default   string         `yaml:"default"`
	Anthropic ProviderConfig `yaml:"anthropic"`
	OpenAI    ProviderConfig `yaml:"openai"`
}

type ProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
	MaxTokens    int    `yaml:"max_tokens"`
}

type HarnessConfig struct {
	SystemPrompt    string `yaml:"system_prompt"`
	FollowUpLimit   int    `yaml:"follow_up_limit"`
	ToolConcurrency int    `yaml:"tool_concurrency"`
	MaxIterations   int    `yaml:"max_iterations"`
	EmitReasoning   bool   `yaml:"emit_reasoning"`

	// UtilityModel is the cheap model for session naming and summaries.
	UtilityModel string `yaml:"utility_model"`

	Retry RetryConfig `yaml:"retry"`
}

type RetryConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

type AgentsConfig struct {
	DefinitionsFile string `yaml:"definitions_file"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses the configuration file, expanding environment
// variables and applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.MetricsAddr == "" {
		cfg.Server.MetricsAddr = ":9090"
	}
	if cfg.Providers.Default == "" {
		cfg.Providers.Default = "anthropic"
	}
	if cfg.Harness.FollowUpLimit == 0 {
		cfg.Harness.FollowUpLimit = 100
	}
	if cfg.Harness.ToolConcurrency == 0 {
		cfg.Harness.ToolConcurrency = 8
	}
	if cfg.Harness.Retry.InitialDelay == 0 {
		cfg.Harness.Retry.InitialDelay = 2 * time.Second
	}
	if cfg.Harness.Retry.MaxDelay == 0 {
		cfg.Harness.Retry.MaxDelay = 30 * time.Second
	}
	if cfg.Harness.Retry.MaxAttempts == 0 {
		cfg.Harness.Retry.MaxAttempts = 3
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func (c *Config) validate() error {
	switch c.Providers.Default {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("unknown default provider %q", c.Providers.Default)
	}
	for _, rule := range c.Permissions {
		if rule.Tool == "" {
			return fmt.Errorf("permission rule requires a tool name")
		}
		switch rule.Action {
		case models.PermissionAllow, models.PermissionDeny, models.PermissionAsk:
		default:
			return fmt.Errorf("permission rule for %q: unknown action %q", rule.Tool, rule.Action)
		}
	}
	return nil
}
