// Package engine drives the per-branch agentic loop: provider streaming,
// tool execution, steering, and turn bookkeeping.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/haasonsaas/conduit/pkg/models"
)

// FinishReason explains why a provider stream ended.
type FinishReason string

const (
	FinishEndTurn FinishReason = "end_turn"
	FinishToolUse FinishReason = "tool_use"
	FinishLength  FinishReason = "length"
)

// Usage is the token accounting a provider reports for one stream.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Finish carries the terminal chunk payload.
type Finish struct {
	Reason FinishReason
	Usage  Usage
}

// StreamChunk is one unit of provider output. Exactly one of the optional
// fields is meaningful per chunk; a chunk with Err aborts the stream and a
// chunk with Finish is always last.
type StreamChunk struct {
	Text      string
	Reasoning string
	ToolCall  *models.ToolCall
	Finish    *Finish
	Err       error
}

// ToolDescriptor advertises a tool to the provider.
type ToolDescriptor struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// ProviderRequest is a fully resolved completion request: message window,
// synthetic context prefix, tool surface, and model knobs.
type ProviderRequest struct {
	Model         string
	SystemPrompt  string
	ContextPrefix string
	Messages      []*models.Message
	Tools         []ToolDescriptor

	Temperature *float32

	// ReasoningEffort is forwarded opaquely; providers map it to their own
	// thinking controls and ignore values they do not recognise.
	ReasoningEffort string

	// EmitReasoning opts in to reasoning chunks on the stream.
	EmitReasoning bool

	MaxTokens int
}

// Provider streams completions. Stream returns once the request is accepted;
// chunks arrive on the channel, which is closed after the Finish or Err
// chunk. Cancelling the context tears the stream down.
type Provider interface {
	Name() string
	DefaultModel() string
	Stream(ctx context.Context, req *ProviderRequest) (<-chan *StreamChunk, error)
}

// ProviderError is the typed failure providers return, carrying enough to
// classify retryability.
type ProviderError struct {
	Provider   string
	Model      string
	StatusCode int
	Message    string

	// RetryAfter is the server-requested delay, zero when absent.
	RetryAfter time.Duration

	Cause error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (model %s, status %d)", e.Provider, e.Message, e.Model, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s (model %s)", e.Provider, e.Message, e.Model)
}

func (e *ProviderError) Unwrap() error { return e.Cause }
