// Package subagent runs delegated prompts in fresh child sessions. A
// sub-agent gets its own (session, branch) pair referencing the parent, runs
// a reduced turn loop with no steering or follow-ups, and reports its result
// back as events on the parent branch.
package subagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/conduit/internal/agents"
	"github.com/haasonsaas/conduit/internal/backoff"
	"github.com/haasonsaas/conduit/internal/engine"
	"github.com/haasonsaas/conduit/internal/events"
	"github.com/haasonsaas/conduit/internal/metrics"
	"github.com/haasonsaas/conduit/internal/store"
	"github.com/haasonsaas/conduit/pkg/models"
)

// defaultMaxIterations bounds provider round-trips per sub-agent run.
const defaultMaxIterations = 25

// Error reports a failed sub-agent run.
type Error struct {
	ChildSessionID string
	Agent          string
	Cause          error
}

func (e *Error) Error() string {
	return fmt.Sprintf("subagent %s (session %s): %v", e.Agent, e.ChildSessionID, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Request describes one delegated run.
type Request struct {
	// ParentSession and ParentBranchID locate where spawn/completion events
	// are published. The child inherits the parent's working directory and
	// permission bypass.
	ParentSession  *models.Session
	ParentBranchID string

	// Agent names the agent definition driving the child.
	Agent string

	// Prompt is the child's first and only user message.
	Prompt string

	// Model optionally overrides the agent definition's preferred model.
	Model string

	// Timeout bounds the whole run; zero means no deadline.
	Timeout time.Duration
}

// Result carries the child's outcome.
type Result struct {
	ChildSessionID string
	ChildBranchID  string

	// Text is the last assistant message's text, the conventional answer
	// channel for delegated work.
	Text string
}

// Runner executes sub-agent requests.
type Runner interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

// Config tunes the in-process runner.
type Config struct {
	SystemPrompt string

	// MaxIterations bounds stream/tool cycles; <= 0 selects the default.
	MaxIterations int

	// RetryPolicy applies to opening provider streams. Zero value selects
	// the provider profile.
	RetryPolicy backoff.Policy
}

// Deps collects the runner's collaborators. Each Run builds its own
// executor from ToolRunner, so concurrent sub-agents never share callback
// state.
type Deps struct {
	Store      store.Store
	Bus        *events.Bus
	Provider   engine.Provider
	Agents     *agents.Registry
	ToolRunner *engine.Runner
	Registry   *engine.ToolRegistry

	// ToolConcurrency bounds parallel tool execution per run; <= 0 selects
	// the executor default.
	ToolConcurrency int

	Logger *slog.Logger
}

// InProcess runs sub-agents inside the host process, sharing its provider
// and tool registry.
type InProcess struct {
	deps Deps
	cfg  Config
}

var _ Runner = (*InProcess)(nil)

// NewInProcess builds the runner.
func NewInProcess(deps Deps, cfg Config) *InProcess {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.RetryPolicy == (backoff.Policy{}) {
		cfg.RetryPolicy = backoff.Provider()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &InProcess{deps: deps, cfg: cfg}
}

// Run executes the request to completion. SubagentCompleted is published on
// the parent branch whether the run succeeds or fails.
func (r *InProcess) Run(ctx context.Context, req Request) (*Result, error) {
	def, err := r.deps.Agents.Get(req.Agent)
	if err != nil {
		return nil, &Error{Agent: req.Agent, Cause: err}
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	session, branch, err := r.createChild(ctx, req)
	if err != nil {
		return nil, &Error{Agent: req.Agent, Cause: err}
	}
	logger := r.deps.Logger.With("session", session.ID, "branch", branch.ID, "agent", req.Agent)

	parentScope := models.BranchScope(req.ParentSession.ID, req.ParentBranchID)
	r.publish(ctx, &models.SubagentSpawned{
		EventScope:     parentScope,
		ChildSessionID: session.ID,
		Agent:          req.Agent,
		Prompt:         req.Prompt,
	})
	if req.Agent != models.BaselineAgent {
		r.publish(ctx, &models.AgentSwitched{
			EventScope: models.BranchScope(session.ID, branch.ID),
			FromAgent:  models.BaselineAgent,
			ToAgent:    req.Agent,
		})
	}

	executor := engine.NewExecutor(r.deps.ToolRunner, r.deps.Registry, r.deps.ToolConcurrency, logger)
	text, runErr := r.drive(ctx, session, branch, def, req, executor, logger)

	completed := &models.SubagentCompleted{
		EventScope:     parentScope,
		ChildSessionID: session.ID,
		Agent:          req.Agent,
		Success:        runErr == nil,
	}
	r.publish(context.WithoutCancel(ctx), completed)

	if runErr != nil {
		metrics.SubagentRuns.WithLabelValues("failed").Inc()
		logger.Error("subagent run failed", "error", runErr)
		return nil, &Error{ChildSessionID: session.ID, Agent: req.Agent, Cause: runErr}
	}
	metrics.SubagentRuns.WithLabelValues("completed").Inc()
	return &Result{
		ChildSessionID: session.ID,
		ChildBranchID:  branch.ID,
		Text:           text,
	}, nil
}

func (r *InProcess) createChild(ctx context.Context, req Request) (*models.Session, *models.Branch, error) {
	now := time.Now()
	session := &models.Session{
		ID:                uuid.NewString(),
		Name:              fmt.Sprintf("subagent: %s", req.Agent),
		WorkingDir:        req.ParentSession.WorkingDir,
		BypassPermissions: req.ParentSession.BypassPermissions,
		ParentSessionID:   req.ParentSession.ID,
		ParentBranchID:    req.ParentBranchID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := r.deps.Store.CreateSession(ctx, session); err != nil {
		return nil, nil, err
	}
	branch := &models.Branch{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Name:      "main",
		CreatedAt: now,
	}
	if err := r.deps.Store.CreateBranch(ctx, branch); err != nil {
		return nil, nil, err
	}
	return session, branch, nil
}

// drive runs the reduced loop: stream, persist, execute tools, repeat. The
// transcript accumulates in memory and every message is persisted, so the
// child session is inspectable afterwards like any other.
func (r *InProcess) drive(ctx context.Context, session *models.Session, branch *models.Branch, def *models.AgentDefinition, req Request, executor *engine.Executor, logger *slog.Logger) (string, error) {
	scope := models.BranchScope(session.ID, branch.ID)

	userMsg := models.NewUserMessage(session.ID, branch.ID, req.Prompt)
	if err := r.persist(ctx, userMsg, scope); err != nil {
		return "", err
	}
	transcript := []*models.Message{userMsg}

	model := req.Model
	if model == "" {
		model = def.PreferredModel
	}
	if model == "" {
		model = r.deps.Provider.DefaultModel()
	}
	system := r.cfg.SystemPrompt
	if def.SystemPromptAddendum != "" {
		if system != "" {
			system += "\n\n"
		}
		system += def.SystemPromptAddendum
	}

	var lastText string
	for iteration := 0; iteration < r.cfg.MaxIterations; iteration++ {
		provReq := &engine.ProviderRequest{
			Model:           model,
			SystemPrompt:    system,
			Messages:        transcript,
			Tools:           r.deps.Registry.Descriptors(def.AllowsTool),
			Temperature:     def.Temperature,
			ReasoningEffort: def.ReasoningEffort,
		}

		stream, err := engine.OpenStream(ctx, r.deps.Provider, provReq, r.cfg.RetryPolicy)
		if err != nil {
			return "", err
		}
		r.publish(ctx, &models.StreamStarted{EventScope: scope})

		text, toolCalls, streamErr := r.consume(ctx, stream, scope)
		if streamErr != nil {
			return "", streamErr
		}
		r.publish(ctx, &models.StreamEnded{EventScope: scope})

		var parts []models.Part
		if text != "" {
			parts = append(parts, models.TextPart(text))
			lastText = text
		}
		for _, call := range toolCalls {
			parts = append(parts, models.ToolCallPart(call))
		}
		if len(parts) > 0 {
			assistant := &models.Message{
				SessionID: session.ID,
				BranchID:  branch.ID,
				Role:      models.RoleAssistant,
				Kind:      models.KindRegular,
				Parts:     parts,
			}
			if err := r.persist(ctx, assistant, scope); err != nil {
				return "", err
			}
			transcript = append(transcript, assistant)
		}

		if len(toolCalls) == 0 {
			return lastText, nil
		}

		toolMsg, err := r.runTools(ctx, session, branch, toolCalls, executor, scope)
		if err != nil {
			return "", err
		}
		transcript = append(transcript, toolMsg)
	}

	return "", fmt.Errorf("run exceeded %d iterations", r.cfg.MaxIterations)
}

func (r *InProcess) consume(ctx context.Context, stream <-chan *engine.StreamChunk, scope models.EventScope) (string, []models.ToolCall, error) {
	var (
		text      strings.Builder
		toolCalls []models.ToolCall
	)
	for {
		select {
		case chunk, ok := <-stream:
			if !ok {
				return text.String(), toolCalls, nil
			}
			switch {
			case chunk.Err != nil:
				return "", nil, chunk.Err
			case chunk.Text != "":
				text.WriteString(chunk.Text)
				r.publish(ctx, &models.StreamChunk{EventScope: scope, Text: chunk.Text})
			case chunk.ToolCall != nil:
				toolCalls = append(toolCalls, *chunk.ToolCall)
			}
		case <-ctx.Done():
			for range stream {
			}
			return "", nil, ctx.Err()
		}
	}
}

func (r *InProcess) runTools(ctx context.Context, session *models.Session, branch *models.Branch, calls []models.ToolCall, executor *engine.Executor, scope models.EventScope) (*models.Message, error) {
	executor.OnStart = func(call models.ToolCall) {
		r.publish(ctx, &models.ToolCallStarted{
			EventScope: scope,
			ToolCallID: call.ID,
			ToolName:   call.Name,
		})
	}
	executor.OnDone = func(call models.ToolCall, result models.ToolResultPart) {
		r.publish(ctx, &models.ToolCallCompleted{
			EventScope: scope,
			ToolCallID: call.ID,
			ToolName:   call.Name,
			IsError:    result.Output.IsError(),
			Summary:    engine.SummariseOutput(result.Output),
			Output:     result.Output.Value,
		})
	}

	results := executor.ExecuteAll(ctx, calls, engine.ToolContext{
		SessionID:  session.ID,
		BranchID:   branch.ID,
		WorkingDir: session.WorkingDir,
		Bypass:     session.BypassPermissions,
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	parts := make([]models.Part, 0, len(results))
	for _, result := range results {
		parts = append(parts, models.ToolResultPartOf(result))
	}
	msg := &models.Message{
		SessionID: session.ID,
		BranchID:  branch.ID,
		Role:      models.RoleTool,
		Kind:      models.KindRegular,
		Parts:     parts,
	}
	if err := r.persist(ctx, msg, scope); err != nil {
		return nil, err
	}
	return msg, nil
}

func (r *InProcess) persist(ctx context.Context, msg *models.Message, scope models.EventScope) error {
	if err := r.deps.Store.CreateMessage(ctx, msg); err != nil {
		return err
	}
	r.publish(ctx, &models.MessageReceived{
		EventScope: scope,
		MessageID:  msg.ID,
		Role:       msg.Role,
	})
	return nil
}

func (r *InProcess) publish(ctx context.Context, event models.Event) {
	if _, err := r.deps.Bus.Publish(ctx, event); err != nil {
		r.deps.Logger.Error("event publish failed", "tag", event.Tag(), "error", err)
	}
}

// IsNotFound reports whether the error is an unknown-agent failure.
func IsNotFound(err error) bool {
	return errors.Is(err, agents.ErrAgentNotFound)
}
