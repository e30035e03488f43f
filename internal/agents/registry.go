// Package agents holds the registry of named agent definitions. An agent
// definition shapes a run loop: a system-prompt addendum, a tool filter, and
// model preferences. The baseline agent is always present and unrestricted.
package agents

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/conduit/pkg/models"
)

// ErrAgentNotFound is returned when a named definition does not exist.
var ErrAgentNotFound = fmt.Errorf("agent not found")

// Registry is a concurrency-safe catalogue of agent definitions.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*models.AgentDefinition
}

// NewRegistry creates a registry seeded with the baseline agent.
func NewRegistry() *Registry {
	r := &Registry{agents: map[string]*models.AgentDefinition{}}
	r.agents[models.BaselineAgent] = &models.AgentDefinition{Name: models.BaselineAgent}
	return r
}

// Register adds or replaces a definition. The baseline agent cannot be
// replaced.
func (r *Registry) Register(def *models.AgentDefinition) error {
	if def == nil || def.Name == "" {
		return fmt.Errorf("agent definition requires a name")
	}
	if def.Name == models.BaselineAgent {
		return fmt.Errorf("agent %q is reserved", models.BaselineAgent)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *def
	r.agents[def.Name] = &clone
	return nil
}

// Get returns the named definition.
func (r *Registry) Get(name string) (*models.AgentDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.agents[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrAgentNotFound, name)
	}
	clone := *def
	return &clone, nil
}

// List returns all definitions sorted by name.
func (r *Registry) List() []*models.AgentDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.AgentDefinition, 0, len(r.agents))
	for _, def := range r.agents {
		clone := *def
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LoadFile registers every definition from a YAML file of the shape
//
//	agents:
//	  - name: planner
//	    system_prompt_addendum: ...
//	    allowed_tools: [read_file, list_files]
func (r *Registry) LoadFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read agent definitions: %w", err)
	}
	var doc struct {
		Agents []*models.AgentDefinition `yaml:"agents"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse agent definitions: %w", err)
	}
	for _, def := range doc.Agents {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}
