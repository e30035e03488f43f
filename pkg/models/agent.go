package models

// BaselineAgent is the agent definition used when no switch has occurred.
const BaselineAgent = "baseline"

// AgentDefinition names a reusable agent configuration: a system-prompt
// addendum, a tool filter, and model preferences. Definitions live in the
// agent registry and are selected per-(session,branch) via SteerSwitchAgent.
type AgentDefinition struct {
	Name                 string   `json:"name" yaml:"name"`
	SystemPromptAddendum string   `json:"system_prompt_addendum,omitempty" yaml:"system_prompt_addendum"`
	AllowedTools         []string `json:"allowed_tools,omitempty" yaml:"allowed_tools"`
	DeniedTools          []string `json:"denied_tools,omitempty" yaml:"denied_tools"`
	Temperature          *float32 `json:"temperature,omitempty" yaml:"temperature"`
	PreferredModel       string   `json:"preferred_model,omitempty" yaml:"preferred_model"`

	// ReasoningEffort is forwarded to providers opaquely; recognised values
	// are provider-specific.
	ReasoningEffort string `json:"reasoning_effort,omitempty" yaml:"reasoning_effort"`
}

// AllowsTool reports whether the definition's allow/deny sets permit the
// named tool: allowed when AllowedTools is absent or contains the name, and
// DeniedTools is absent or does not contain it.
func (d *AgentDefinition) AllowsTool(name string) bool {
	if len(d.AllowedTools) > 0 {
		found := false
		for _, t := range d.AllowedTools {
			if t == name {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, t := range d.DeniedTools {
		if t == name {
			return false
		}
	}
	return true
}
