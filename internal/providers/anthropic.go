// Package providers adapts real model SDKs to the engine's streaming
// contract. Retry policy lives in the engine; adapters only classify errors
// and surface Retry-After hints.
package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/conduit/internal/engine"
	"github.com/haasonsaas/conduit/pkg/models"
)

// maxEmptyStreamEvents guards against malformed streams flooding empty
// events.
const maxEmptyStreamEvents = 300

// defaultAnthropicModel is used when neither branch nor agent pins one.
const defaultAnthropicModel = "claude-sonnet-4-20250514"

// Anthropic streams completions from the Anthropic Messages API.
type Anthropic struct {
	client       anthropic.Client
	defaultModel string
	maxTokens    int
}

var _ engine.Provider = (*Anthropic)(nil)

// AnthropicConfig configures the adapter. APIKey is required.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxTokens    int
}

// NewAnthropic builds the adapter.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultAnthropicModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Anthropic{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
		maxTokens:    cfg.MaxTokens,
	}, nil
}

func (p *Anthropic) Name() string         { return "anthropic" }
func (p *Anthropic) DefaultModel() string { return p.defaultModel }

// Stream opens one streaming completion. The first failing event is wrapped
// as an *engine.ProviderError and emitted as the stream's final chunk.
func (p *Anthropic) Stream(ctx context.Context, req *engine.ProviderRequest) (<-chan *engine.StreamChunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	messages, err := convertAnthropicMessages(req)
	if err != nil {
		return nil, p.wrapError(err, model)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens(req.MaxTokens, p.maxTokens)),
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return nil, p.wrapError(err, model)
		}
		params.Tools = tools
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(float64(*req.Temperature))
	}
	if req.EmitReasoning {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(thinkingBudget(req.ReasoningEffort))
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, p.wrapError(err, model)
	}

	chunks := make(chan *engine.StreamChunk)
	go func() {
		defer close(chunks)
		p.processStream(ctx, stream, chunks, model)
	}()
	return chunks, nil
}

type anthropicStream interface {
	Next() bool
	Current() anthropic.MessageStreamEventUnion
	Err() error
}

func (p *Anthropic) processStream(ctx context.Context, stream anthropicStream, chunks chan<- *engine.StreamChunk, model string) {
	send := func(chunk *engine.StreamChunk) bool {
		select {
		case chunks <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var (
		currentTool  *models.ToolCall
		toolInput    strings.Builder
		usage        engine.Usage
		finishReason engine.FinishReason = engine.FinishEndTurn
		emptyEvents  int
	)

	for stream.Next() {
		event := stream.Current()
		processed := true

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			usage.InputTokens = int(start.Message.Usage.InputTokens)

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				use := block.AsToolUse()
				currentTool = &models.ToolCall{ID: use.ID, Name: use.Name}
				toolInput.Reset()
				finishReason = engine.FinishToolUse
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text == "" {
					processed = false
					break
				}
				if !send(&engine.StreamChunk{Text: delta.Text}) {
					return
				}
			case "thinking_delta":
				if delta.Thinking == "" {
					processed = false
					break
				}
				if !send(&engine.StreamChunk{Reasoning: delta.Thinking}) {
					return
				}
			case "input_json_delta":
				toolInput.WriteString(delta.PartialJSON)
			default:
				processed = false
			}

		case "content_block_stop":
			if currentTool == nil {
				processed = false
				break
			}
			input := toolInput.String()
			if input == "" {
				input = "{}"
			}
			currentTool.Input = json.RawMessage(input)
			if !send(&engine.StreamChunk{ToolCall: currentTool}) {
				return
			}
			currentTool = nil

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(delta.Usage.OutputTokens)
			}

		case "message_stop":
			send(&engine.StreamChunk{Finish: &engine.Finish{Reason: finishReason, Usage: usage}})
			return

		case "error":
			send(&engine.StreamChunk{Err: p.wrapError(errors.New("anthropic stream error"), model)})
			return

		default:
			processed = false
		}

		if processed {
			emptyEvents = 0
			continue
		}
		emptyEvents++
		if emptyEvents >= maxEmptyStreamEvents {
			send(&engine.StreamChunk{Err: p.wrapError(
				fmt.Errorf("stream malformed: %d consecutive empty events", emptyEvents), model)})
			return
		}
	}

	if err := stream.Err(); err != nil {
		send(&engine.StreamChunk{Err: p.wrapError(err, model)})
	}
}

// convertAnthropicMessages maps the harness message window to Messages API
// params. The synthetic context prefix becomes a leading user turn; tool
// results ride in user messages per the API's convention.
func convertAnthropicMessages(req *engine.ProviderRequest) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	if req.ContextPrefix != "" {
		out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(req.ContextPrefix)))
	}

	for _, msg := range req.Messages {
		if msg.Role == models.RoleSystem {
			continue
		}
		var content []anthropic.ContentBlockParamUnion
		for _, part := range msg.Parts {
			switch part.Type {
			case models.PartText:
				if part.Text != "" {
					content = append(content, anthropic.NewTextBlock(part.Text))
				}
			case models.PartImage:
				content = append(content, anthropic.NewImageBlockBase64(
					part.MediaType, base64.StdEncoding.EncodeToString(part.Data)))
			case models.PartToolCall:
				var input map[string]any
				if err := json.Unmarshal(part.ToolCall.Input, &input); err != nil {
					return nil, fmt.Errorf("invalid tool call input for %s: %w", part.ToolCall.Name, err)
				}
				content = append(content, anthropic.NewToolUseBlock(part.ToolCall.ID, input, part.ToolCall.Name))
			case models.PartToolResult:
				result := part.ToolResult
				content = append(content, anthropic.NewToolResultBlock(
					result.ToolCallID, string(result.Output.Value), result.Output.IsError()))
			}
		}
		if len(content) == 0 {
			continue
		}
		if msg.Role == models.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			// User, interjection, and tool messages all travel as user turns.
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}
	return out, nil
}

func convertAnthropicTools(tools []engine.ToolDescriptor) ([]anthropic.ToolUnionParam, error) {
	var out []anthropic.ToolUnionParam
	for _, tool := range tools {
		schema := tool.Schema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		var inputSchema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(schema, &inputSchema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(inputSchema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		out = append(out, param)
	}
	return out, nil
}

// thinkingBudget maps the opaque reasoning effort to a token budget.
// Unrecognised values get the medium budget.
func thinkingBudget(effort string) int64 {
	switch strings.ToLower(effort) {
	case "low":
		return 4096
	case "high":
		return 20000
	default:
		return 10000
	}
}

func maxTokens(requested, fallback int) int {
	if requested > 0 {
		return requested
	}
	return fallback
}

func (p *Anthropic) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	var pe *engine.ProviderError
	if errors.As(err, &pe) {
		return err
	}

	out := &engine.ProviderError{
		Provider: "anthropic",
		Model:    model,
		Message:  err.Error(),
		Cause:    err,
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		out.StatusCode = apiErr.StatusCode
		if raw := apiErr.RawJSON(); raw != "" {
			var payload struct {
				Error struct {
					Message string `json:"message"`
				} `json:"error"`
			}
			if json.Unmarshal([]byte(raw), &payload) == nil && payload.Error.Message != "" {
				out.Message = payload.Error.Message
			}
		}
		out.RetryAfter = retryAfter(apiErr.Response)
	}
	return out
}

// retryAfter parses the Retry-After header, accepting seconds or HTTP-date.
func retryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	value := resp.Header.Get("Retry-After")
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
