package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/haasonsaas/conduit/internal/engine"
	"github.com/haasonsaas/conduit/internal/store"
)

const spawnToolName = "spawn_agent"

var spawnSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"agent": {
			"type": "string",
			"description": "Name of the agent definition to run"
		},
		"prompt": {
			"type": "string",
			"description": "Task for the sub-agent"
		},
		"timeout_seconds": {
			"type": "integer",
			"description": "Optional wall-clock limit for the run"
		}
	},
	"required": ["agent", "prompt"]
}`)

// SpawnTool exposes the runner as a tool so the model can delegate work to a
// sub-agent mid-turn. The delegation is serial: one sub-agent at a time per
// branch keeps event ordering on the parent legible.
type SpawnTool struct {
	runner Runner
	store  store.Store
}

var _ engine.Tool = (*SpawnTool)(nil)

// NewSpawnTool builds the tool.
func NewSpawnTool(runner Runner, st store.Store) *SpawnTool {
	return &SpawnTool{runner: runner, store: st}
}

func (t *SpawnTool) Name() string { return spawnToolName }

func (t *SpawnTool) Description() string {
	return "Delegate a task to a named sub-agent and return its final answer."
}

func (t *SpawnTool) Schema() json.RawMessage { return spawnSchema }

func (t *SpawnTool) Concurrency() engine.Concurrency { return engine.Serial }

func (t *SpawnTool) Execute(ctx context.Context, input json.RawMessage, tc engine.ToolContext) (any, error) {
	var args struct {
		Agent          string `json:"agent"`
		Prompt         string `json:"prompt"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	parent, err := t.store.GetSession(ctx, tc.SessionID)
	if err != nil {
		return nil, fmt.Errorf("load parent session: %w", err)
	}

	result, err := t.runner.Run(ctx, Request{
		ParentSession:  parent,
		ParentBranchID: tc.BranchID,
		Agent:          args.Agent,
		Prompt:         args.Prompt,
		Timeout:        time.Duration(args.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"session_id": result.ChildSessionID,
		"text":       result.Text,
	}, nil
}
