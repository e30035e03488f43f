package models

// PermissionAction is the outcome of a permission check.
type PermissionAction string

const (
	PermissionAllow PermissionAction = "allow"
	PermissionDeny  PermissionAction = "deny"

	// PermissionAsk defers the decision to an external handler.
	PermissionAsk PermissionAction = "ask"
)

// PermissionRule matches a tool name and optionally a pattern over the
// serialised argument JSON. Rules are evaluated in insertion order;
// the first match wins.
type PermissionRule struct {
	Tool    string           `json:"tool" yaml:"tool"`
	Pattern string           `json:"pattern,omitempty" yaml:"pattern"`
	Action  PermissionAction `json:"action" yaml:"action"`
}
