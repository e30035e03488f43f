package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/conduit/internal/engine"
	"github.com/haasonsaas/conduit/pkg/models"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAI streams chat completions from the OpenAI API.
//
// Unlike the Anthropic wire format, tool calls arrive as incremental deltas
// keyed by index and must be accumulated until the finish reason reports
// tool_calls, and tool results travel as one message per result.
type OpenAI struct {
	client       *openai.Client
	defaultModel string
	maxTokens    int
}

var _ engine.Provider = (*OpenAI)(nil)

// OpenAIConfig configures the adapter. APIKey is required.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxTokens    int
}

// NewOpenAI builds the adapter.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultOpenAIModel
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAI{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.DefaultModel,
		maxTokens:    cfg.MaxTokens,
	}, nil
}

func (p *OpenAI) Name() string         { return "openai" }
func (p *OpenAI) DefaultModel() string { return p.defaultModel }

// Stream opens one streaming chat completion.
func (p *OpenAI) Stream(ctx context.Context, req *engine.ProviderRequest) (<-chan *engine.StreamChunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: convertOpenAIMessages(req),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if max := maxTokens(req.MaxTokens, p.maxTokens); max > 0 {
		chatReq.MaxTokens = max
	}
	if req.Temperature != nil {
		chatReq.Temperature = *req.Temperature
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, p.wrapError(err, model)
	}

	chunks := make(chan *engine.StreamChunk)
	go func() {
		defer close(chunks)
		defer stream.Close()
		p.processStream(ctx, stream, chunks, model)
	}()
	return chunks, nil
}

func (p *OpenAI) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *engine.StreamChunk, model string) {
	send := func(chunk *engine.StreamChunk) bool {
		select {
		case chunks <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var (
		pendingTools = make(map[int]*models.ToolCall)
		pendingArgs  = make(map[int]*strings.Builder)
		usage        engine.Usage
		finishReason = engine.FinishEndTurn
	)

	flushTools := func() bool {
		indexes := make([]int, 0, len(pendingTools))
		for i := range pendingTools {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)
		for _, i := range indexes {
			call := pendingTools[i]
			if call.ID == "" || call.Name == "" {
				continue
			}
			input := pendingArgs[i].String()
			if input == "" {
				input = "{}"
			}
			call.Input = json.RawMessage(input)
			if !send(&engine.StreamChunk{ToolCall: call}) {
				return false
			}
		}
		pendingTools = make(map[int]*models.ToolCall)
		pendingArgs = make(map[int]*strings.Builder)
		return true
	}

	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			if !flushTools() {
				return
			}
			send(&engine.StreamChunk{Finish: &engine.Finish{Reason: finishReason, Usage: usage}})
			return
		}
		if err != nil {
			send(&engine.StreamChunk{Err: p.wrapError(err, model)})
			return
		}

		if response.Usage != nil {
			usage.InputTokens = response.Usage.PromptTokens
			usage.OutputTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" {
			if !send(&engine.StreamChunk{Text: choice.Delta.Content}) {
				return
			}
		}

		for _, delta := range choice.Delta.ToolCalls {
			index := 0
			if delta.Index != nil {
				index = *delta.Index
			}
			if pendingTools[index] == nil {
				pendingTools[index] = &models.ToolCall{}
				pendingArgs[index] = &strings.Builder{}
			}
			if delta.ID != "" {
				pendingTools[index].ID = delta.ID
			}
			if delta.Function.Name != "" {
				pendingTools[index].Name = delta.Function.Name
			}
			pendingArgs[index].WriteString(delta.Function.Arguments)
		}

		switch choice.FinishReason {
		case openai.FinishReasonToolCalls:
			finishReason = engine.FinishToolUse
			if !flushTools() {
				return
			}
		case openai.FinishReasonLength:
			finishReason = engine.FinishLength
		case openai.FinishReasonStop:
			finishReason = engine.FinishEndTurn
		}
	}
}

// convertOpenAIMessages maps the harness message window to chat messages.
// The system prompt and the synthetic context prefix ride in a leading
// system message; each tool result becomes its own tool-role message.
func convertOpenAIMessages(req *engine.ProviderRequest) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)

	system := req.SystemPrompt
	if req.ContextPrefix != "" {
		if system != "" {
			system += "\n\n"
		}
		system += req.ContextPrefix
	}
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range req.Messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		var (
			text      strings.Builder
			toolCalls []openai.ToolCall
			parts     []openai.ChatMessagePart
			results   []models.ToolResultPart
		)
		for _, part := range msg.Parts {
			switch part.Type {
			case models.PartText:
				text.WriteString(part.Text)
			case models.PartImage:
				parts = append(parts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL: fmt.Sprintf("data:%s;base64,%s",
							part.MediaType, base64.StdEncoding.EncodeToString(part.Data)),
						Detail: openai.ImageURLDetailAuto,
					},
				})
			case models.PartToolCall:
				toolCalls = append(toolCalls, openai.ToolCall{
					ID:   part.ToolCall.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      part.ToolCall.Name,
						Arguments: string(part.ToolCall.Input),
					},
				})
			case models.PartToolResult:
				results = append(results, *part.ToolResult)
			}
		}

		for _, result := range results {
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    string(result.Output.Value),
				ToolCallID: result.ToolCallID,
			})
		}

		switch msg.Role {
		case models.RoleAssistant:
			if text.Len() == 0 && len(toolCalls) == 0 {
				continue
			}
			out = append(out, openai.ChatCompletionMessage{
				Role:      openai.ChatMessageRoleAssistant,
				Content:   text.String(),
				ToolCalls: toolCalls,
			})
		case models.RoleTool:
			// Results already emitted above.
		default:
			if len(parts) > 0 {
				if text.Len() > 0 {
					parts = append([]openai.ChatMessagePart{{
						Type: openai.ChatMessagePartTypeText,
						Text: text.String(),
					}}, parts...)
				}
				out = append(out, openai.ChatCompletionMessage{
					Role:         openai.ChatMessageRoleUser,
					MultiContent: parts,
				})
			} else if text.Len() > 0 {
				out = append(out, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleUser,
					Content: text.String(),
				})
			}
		}
	}
	return out
}

// convertOpenAITools maps descriptors to function definitions. A tool with an
// unparseable schema degrades to an empty object schema so the rest of the
// toolbox keeps working.
func convertOpenAITools(tools []engine.ToolDescriptor) []openai.Tool {
	out := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.Schema, &schema); err != nil || schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		}
	}
	return out
}

func (p *OpenAI) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	var pe *engine.ProviderError
	if errors.As(err, &pe) {
		return err
	}

	out := &engine.ProviderError{
		Provider: "openai",
		Model:    model,
		Message:  err.Error(),
		Cause:    err,
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		out.StatusCode = apiErr.HTTPStatusCode
		if apiErr.Message != "" {
			out.Message = apiErr.Message
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		out.StatusCode = reqErr.HTTPStatusCode
	}
	return out
}
