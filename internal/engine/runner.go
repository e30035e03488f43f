package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/conduit/internal/permission"
	"github.com/haasonsaas/conduit/pkg/models"
)

// Runner executes a single tool call and always produces a result part.
// Failures of any kind (unknown tool, denied permission, invalid input,
// execution error, panic, interruption) become error-json outcomes the model
// can read; the loop itself never fails because a tool did.
type Runner struct {
	registry    *ToolRegistry
	permissions *permission.Engine
	logger      *slog.Logger

	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
}

// NewRunner creates a tool runner.
func NewRunner(registry *ToolRegistry, permissions *permission.Engine, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		registry:    registry,
		permissions: permissions,
		logger:      logger,
		schemas:     map[string]*jsonschema.Schema{},
	}
}

// Run executes one call under the given context and returns its result part.
func (r *Runner) Run(ctx context.Context, call models.ToolCall, tc ToolContext) models.ToolResultPart {
	result := func(output models.ToolOutput) models.ToolResultPart {
		return models.ToolResultPart{ToolCallID: call.ID, ToolName: call.Name, Output: output}
	}

	tool := r.registry.Get(call.Name)
	if tool == nil {
		return result(models.ErrorOutput(fmt.Sprintf("unknown tool %q", call.Name)))
	}

	allowed, err := r.permissions.Check(ctx, permission.Request{
		SessionID: tc.SessionID,
		BranchID:  tc.BranchID,
		ToolName:  call.Name,
		Input:     call.Input,
	}, tc.Bypass)
	if err != nil {
		return result(models.ErrorOutput(fmt.Sprintf("permission check failed: %v", err)))
	}
	if !allowed {
		return result(models.ErrorOutput(fmt.Sprintf("permission denied for tool %q", call.Name)))
	}

	if err := r.validate(tool, call.Input); err != nil {
		return result(models.ErrorOutput(fmt.Sprintf("invalid input: %v", err)))
	}

	value, err := r.execute(ctx, tool, call, tc)
	if ctx.Err() != nil {
		return result(models.ErrorOutput("tool execution interrupted"))
	}
	if err != nil {
		return result(models.ErrorOutput(err.Error()))
	}
	return result(models.JSONOutput(value))
}

// execute isolates panics so a crashing tool reads like any other failure.
func (r *Runner) execute(ctx context.Context, tool Tool, call models.ToolCall, tc ToolContext) (value any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool panicked",
				"tool", call.Name, "panic", rec, "stack", string(debug.Stack()))
			err = fmt.Errorf("tool %q panicked: %v", call.Name, rec)
		}
	}()
	return tool.Execute(ctx, call.Input, tc)
}

func (r *Runner) validate(tool Tool, input []byte) error {
	raw := tool.Schema()
	if len(raw) == 0 {
		return nil
	}
	schema, err := r.compiled(tool.Name(), raw)
	if err != nil {
		// A broken schema should not brick the tool.
		r.logger.Warn("tool schema does not compile, skipping validation",
			"tool", tool.Name(), "error", err)
		return nil
	}
	var doc any
	if len(input) == 0 {
		input = []byte("{}")
	}
	if err := json.Unmarshal(input, &doc); err != nil {
		return fmt.Errorf("input is not valid JSON: %w", err)
	}
	return schema.Validate(doc)
}

func (r *Runner) compiled(name string, raw []byte) (*jsonschema.Schema, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.schemas[name]; ok {
		return s, nil
	}
	compiler := jsonschema.NewCompiler()
	url := "inline://" + name + ".schema.json"
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, err
	}
	r.schemas[name] = schema
	return schema, nil
}
