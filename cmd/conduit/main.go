// Package main provides the CLI entry point for the conduit agent harness.
//
// Start the server:
//
//	conduit serve --config conduit.yaml
//
// Inspect configured agents:
//
//	conduit agents --config conduit.yaml
//
// Environment variables referenced from the config file (for example
// ${ANTHROPIC_API_KEY}) are expanded at load time.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/conduit/internal/agents"
	"github.com/haasonsaas/conduit/internal/backoff"
	"github.com/haasonsaas/conduit/internal/checkpoint"
	"github.com/haasonsaas/conduit/internal/config"
	"github.com/haasonsaas/conduit/internal/core"
	"github.com/haasonsaas/conduit/internal/engine"
	"github.com/haasonsaas/conduit/internal/events"
	"github.com/haasonsaas/conduit/internal/permission"
	"github.com/haasonsaas/conduit/internal/providers"
	"github.com/haasonsaas/conduit/internal/store"
	"github.com/haasonsaas/conduit/internal/subagent"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "conduit",
		Short:        "Conduit - agent harness for streaming LLM sessions",
		Long:         "Conduit runs per-branch agent loops with tool execution,\nsteering, durable transcripts, and an observable event log.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		buildServeCmd(),
		buildAgentsCmd(),
		buildSessionsCmd(),
	)
	return rootCmd
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func buildLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.Database.Path == "" {
		return store.NewMemory(), nil
	}
	return store.OpenSQLite(cfg.Database.Path)
}

func buildProvider(cfg *config.Config) (engine.Provider, error) {
	switch cfg.Providers.Default {
	case "openai":
		return providers.NewOpenAI(providers.OpenAIConfig{
			APIKey:       cfg.Providers.OpenAI.APIKey,
			BaseURL:      cfg.Providers.OpenAI.BaseURL,
			DefaultModel: cfg.Providers.OpenAI.DefaultModel,
			MaxTokens:    cfg.Providers.OpenAI.MaxTokens,
		})
	default:
		return providers.NewAnthropic(providers.AnthropicConfig{
			APIKey:       cfg.Providers.Anthropic.APIKey,
			BaseURL:      cfg.Providers.Anthropic.BaseURL,
			DefaultModel: cfg.Providers.Anthropic.DefaultModel,
			MaxTokens:    cfg.Providers.Anthropic.MaxTokens,
		})
	}
}

// buildCore wires the full harness from configuration.
func buildCore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*core.Core, error) {
	st, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	provider, err := buildProvider(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	registry := agents.NewRegistry()
	if cfg.Agents.DefinitionsFile != "" {
		if err := registry.LoadFile(ctx, cfg.Agents.DefinitionsFile); err != nil {
			st.Close()
			return nil, err
		}
	}

	// Without an interactive surface attached, unresolved "ask" checks deny.
	permissions := permission.NewEngine(st, permission.DenyAll, logger)
	if len(cfg.Permissions) > 0 {
		for _, rule := range cfg.Permissions {
			if err := permissions.AddRule(ctx, rule); err != nil {
				st.Close()
				return nil, fmt.Errorf("seed permission rule for %q: %w", rule.Tool, err)
			}
		}
	} else if err := permissions.Load(ctx); err != nil {
		st.Close()
		return nil, err
	}

	bus := events.NewBus(st, logger)
	checkpoints := checkpoint.NewService(st, logger)
	tools := engine.NewToolRegistry()

	retry := backoff.Policy{
		InitialDelay: cfg.Harness.Retry.InitialDelay,
		MaxDelay:     cfg.Harness.Retry.MaxDelay,
		Factor:       2,
		Jitter:       0.1,
		MaxAttempts:  cfg.Harness.Retry.MaxAttempts,
	}

	c := core.New(core.Deps{
		Store:       st,
		Bus:         bus,
		Provider:    provider,
		Agents:      registry,
		Checkpoints: checkpoints,
		Permissions: permissions,
		Registry:    tools,
		Logger:      logger,
	}, core.Options{
		SystemPrompt:    cfg.Harness.SystemPrompt,
		FollowUpLimit:   cfg.Harness.FollowUpLimit,
		ToolConcurrency: cfg.Harness.ToolConcurrency,
		MaxIterations:   cfg.Harness.MaxIterations,
		EmitReasoning:   cfg.Harness.EmitReasoning,
		RetryPolicy:     retry,
		UtilityModel:    cfg.Harness.UtilityModel,
	})

	// Sub-agents share the store, provider, and toolbox; spawn_agent lets
	// the model delegate to them.
	spawner := subagent.NewInProcess(subagent.Deps{
		Store:           st,
		Bus:             bus,
		Provider:        provider,
		Agents:          registry,
		ToolRunner:      engine.NewRunner(tools, permissions, logger),
		Registry:        tools,
		ToolConcurrency: cfg.Harness.ToolConcurrency,
		Logger:          logger,
	}, subagent.Config{
		SystemPrompt: cfg.Harness.SystemPrompt,
		RetryPolicy:  retry,
	})
	if err := tools.Register(subagent.NewSpawnTool(spawner, st)); err != nil {
		st.Close()
		return nil, err
	}
	return c, nil
}

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the harness with the metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			logger := buildLogger(cfg)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			c, err := buildCore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer c.Close()

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			server := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux}
			go func() {
				logger.Info("metrics listening", "addr", cfg.Server.MetricsAddr)
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("metrics server failed", "error", err)
				}
			}()

			logger.Info("conduit started", "provider", cfg.Providers.Default)
			<-ctx.Done()
			logger.Info("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to configuration file")
	return cmd
}

func buildAgentsCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List configured agent definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			registry := agents.NewRegistry()
			if cfg.Agents.DefinitionsFile != "" {
				if err := registry.LoadFile(cmd.Context(), cfg.Agents.DefinitionsFile); err != nil {
					return err
				}
			}
			for _, def := range registry.List() {
				line := def.Name
				if def.PreferredModel != "" {
					line += "\tmodel=" + def.PreferredModel
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to configuration file")
	return cmd
}

func buildSessionsCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List stored sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			sessions, err := st.ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			for _, s := range sessions {
				name := s.Name
				if name == "" {
					name = "(unnamed)"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n",
					s.ID, name, s.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to configuration file")
	return cmd
}
