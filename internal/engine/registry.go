package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Concurrency declares how a tool may run relative to other tools in the
// same turn.
type Concurrency string

const (
	// Parallel tools run concurrently up to the executor's limit.
	Parallel Concurrency = "parallel"

	// Serial tools hold the loop's serial lock, excluding other serial
	// tools for the duration of the call.
	Serial Concurrency = "serial"
)

// ToolContext is the ambient state a tool executes under.
type ToolContext struct {
	SessionID  string
	BranchID   string
	WorkingDir string

	// Bypass reflects the session's permission-bypass flag.
	Bypass bool

	// Agent is the active agent definition name.
	Agent string
}

// Tool is one callable capability exposed to the model.
type Tool interface {
	Name() string
	Description() string

	// Schema returns the JSON Schema for the tool's input.
	Schema() json.RawMessage

	Concurrency() Concurrency

	// Execute runs the tool. The returned value is serialised as the JSON
	// result; an error becomes an error-json outcome, never a loop failure.
	Execute(ctx context.Context, input json.RawMessage, tc ToolContext) (any, error)
}

// ToolRegistry is a concurrency-safe catalogue of tools.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: map[string]Tool{}}
}

// Register adds a tool; duplicate names are an error.
func (r *ToolRegistry) Register(tool Tool) error {
	if tool == nil || tool.Name() == "" {
		return fmt.Errorf("tool requires a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name()]; exists {
		return fmt.Errorf("tool %q already registered", tool.Name())
	}
	r.tools[tool.Name()] = tool
	return nil
}

// Get returns the named tool, or nil.
func (r *ToolRegistry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Names returns all registered tool names sorted.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Descriptors returns provider-facing descriptors for the named allow
// predicate; a nil predicate includes every tool.
func (r *ToolRegistry) Descriptors(allowed func(string) bool) []ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ToolDescriptor
	for _, tool := range r.tools {
		if allowed != nil && !allowed(tool.Name()) {
			continue
		}
		out = append(out, ToolDescriptor{
			Name:        tool.Name(),
			Description: tool.Description(),
			Schema:      tool.Schema(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
