package models

import (
	"encoding/json"
	"fmt"
)

// PartType discriminates the members of the Part union.
type PartType string

const (
	PartText       PartType = "text"
	PartImage      PartType = "image"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
)

// Part is one element of a message's ordered content. Exactly one of the
// payload fields is set, matching Type. Assistant messages carry text and
// tool-call parts; tool messages carry only tool-result parts.
type Part struct {
	Type PartType `json:"type"`

	// Text is set for PartText.
	Text string `json:"text,omitempty"`

	// MediaType and Data are set for PartImage.
	MediaType string `json:"media_type,omitempty"`
	Data      []byte `json:"data,omitempty"`

	// ToolCall is set for PartToolCall.
	ToolCall *ToolCall `json:"tool_call,omitempty"`

	// ToolResult is set for PartToolResult.
	ToolResult *ToolResultPart `json:"tool_result,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// ToolCallPart builds a tool-call part.
func ToolCallPart(call ToolCall) Part {
	return Part{Type: PartToolCall, ToolCall: &call}
}

// ToolResultPartOf wraps a tool result as a part.
func ToolResultPartOf(result ToolResultPart) Part {
	return Part{Type: PartToolResult, ToolResult: &result}
}

// ToolOutputType tags a tool result's output payload.
type ToolOutputType string

const (
	// OutputJSON carries the tool's successful return value.
	OutputJSON ToolOutputType = "json"

	// OutputErrorJSON carries `{"error": "..."}` describing a failure the
	// model can observe and react to.
	OutputErrorJSON ToolOutputType = "error-json"
)

// ToolOutput is the serialised outcome of a tool execution.
type ToolOutput struct {
	Type  ToolOutputType  `json:"type"`
	Value json.RawMessage `json:"value"`
}

// IsError reports whether the output represents a failure.
func (o ToolOutput) IsError() bool {
	return o.Type == OutputErrorJSON
}

// ToolResultPart records the outcome of one tool call. It always references
// the tool-call id it answers; the invariant that the referenced call exists
// on an earlier assistant message is maintained by the agent loop.
type ToolResultPart struct {
	ToolCallID string     `json:"tool_call_id"`
	ToolName   string     `json:"tool_name"`
	Output     ToolOutput `json:"output"`
}

// JSONOutput wraps a successful tool return value. Marshal failures are
// reported as error outputs so callers never need a second error path.
func JSONOutput(value any) ToolOutput {
	data, err := json.Marshal(value)
	if err != nil {
		return ErrorOutput(fmt.Sprintf("unserialisable tool result: %v", err))
	}
	return ToolOutput{Type: OutputJSON, Value: data}
}

// ErrorOutput wraps a failure message as an error-json output.
func ErrorOutput(msg string) ToolOutput {
	data, _ := json.Marshal(map[string]string{"error": msg})
	return ToolOutput{Type: OutputErrorJSON, Value: data}
}

// ErrorMessage extracts the error string from an error-json output, or
// returns empty for success outputs.
func (o ToolOutput) ErrorMessage() string {
	if !o.IsError() {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(o.Value, &payload); err != nil {
		return string(o.Value)
	}
	return payload.Error
}
