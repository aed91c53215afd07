package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/anvil/pkg/models"
)

const (
	defaultAnthropicModel = "claude-sonnet-4-5"
	defaultMaxTokens      = 8192

	// completeTimeout bounds a whole streaming call; generous because
	// long tool-use turns stream for a while.
	completeTimeout = 5 * time.Minute
)

// AnthropicProvider adapts the Anthropic Messages API.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
}

// AnthropicConfig configures the Anthropic adapter.
type AnthropicConfig struct {
	// APIKey falls back to ANTHROPIC_API_KEY.
	APIKey string
	// BaseURL overrides the API endpoint (proxies, gateways).
	BaseURL string
	// DefaultModel is used when a request has no model.
	DefaultModel string
}

// NewAnthropicProvider creates the adapter.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, &ProviderError{
			Provider: "anthropic",
			Reason:   ReasonAuthFailed,
			Message:  "no API key: set api_key in config or ANTHROPIC_API_KEY",
		}
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultAnthropicModel
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
	}, nil
}

// Name returns "anthropic".
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Complete runs one streaming call and returns the accumulated message.
func (p *AnthropicProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	model := p.model(req.Model)

	params, err := p.buildParams(req, model)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, completeTimeout)
	defer cancel()

	stream := p.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	var content strings.Builder
	var toolCalls []models.ToolCall
	var cur *models.ToolCall
	var curInput strings.Builder
	var usage Usage
	stopReason := ""

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			usage.InputTokens = int(start.Message.Usage.InputTokens)

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				tu := block.AsToolUse()
				cur = &models.ToolCall{ID: tu.ID, Name: tu.Name}
				curInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					content.WriteString(delta.Text)
					if req.OnText != nil {
						req.OnText(delta.Text)
					}
				}
			case "input_json_delta":
				curInput.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if cur != nil {
				cur.Arguments = orEmptyObject(curInput.String())
				toolCalls = append(toolCalls, *cur)
				cur = nil
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(md.Usage.OutputTokens)
			}
			if md.Delta.StopReason != "" {
				stopReason = string(md.Delta.StopReason)
			}
		}
	}

	if err := stream.Err(); err != nil {
		if content.Len() > 0 || len(toolCalls) > 0 {
			return nil, StreamInterrupted("anthropic", model, content.String(), err)
		}
		return nil, p.wrapError(err, model)
	}

	return &Response{
		Message:      assistantMessage(content.String(), toolCalls),
		Usage:        usage,
		FinishReason: anthropicFinishReason(stopReason, toolCalls),
	}, nil
}

func (p *AnthropicProvider) model(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func (p *AnthropicProvider) buildParams(req *Request, model string) (anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		params.Tools = convertAnthropicTools(req.Tools)
	}
	return params, nil
}

// convertAnthropicMessages maps history to Anthropic's block format.
// Consecutive tool messages fold into a single user message so every
// tool_use block gets its tool_result in the next turn.
func convertAnthropicMessages(messages []models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	var pendingResults []anthropic.ContentBlockParamUnion

	flushResults := func() {
		if len(pendingResults) > 0 {
			result = append(result, anthropic.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			continue

		case models.RoleTool:
			pendingResults = append(pendingResults,
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))

		case models.RoleAssistant:
			flushResults()
			var content []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				content = append(content, anthropic.NewToolUseBlock(tc.ID, argsMap(tc.Arguments), tc.Name))
			}
			if len(content) == 0 {
				continue
			}
			result = append(result, anthropic.NewAssistantMessage(content...))

		default:
			flushResults()
			if msg.Content == "" {
				continue
			}
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	flushResults()

	if len(result) == 0 {
		return nil, fmt.Errorf("anthropic: no sendable messages")
	}
	return result, nil
}

func convertAnthropicTools(tools []ToolDefinition) []anthropic.ToolUnionParam {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		raw, err := json.Marshal(tool.Parameters)
		if err != nil || json.Unmarshal(raw, &schema) != nil {
			schema = anthropic.ToolInputSchemaParam{Type: "object"}
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool != nil {
			param.OfTool.Description = anthropic.String(tool.Description)
		}
		result = append(result, param)
	}
	return result
}

func anthropicFinishReason(stopReason string, toolCalls []models.ToolCall) string {
	if len(toolCalls) > 0 {
		return FinishToolCalls
	}
	switch stopReason {
	case "max_tokens":
		return FinishLength
	default:
		return FinishStop
	}
}

type anthropicErrorPayload struct {
	RequestID string `json:"request_id"`
	Error     struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := AsProviderError(err); ok {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		perr := NewProviderError("anthropic", model, err).WithStatus(apiErr.StatusCode)

		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				if payload.Error.Type != "" {
					perr = perr.WithCode(payload.Error.Type)
				}
				if payload.Error.Message != "" {
					perr = perr.WithMessage(payload.Error.Message)
				}
			}
		}
		if perr.Reason == ReasonRateLimited && apiErr.Response != nil {
			perr = perr.WithRetryAfter(ParseRetryAfter(apiErr.Response.Header.Get("Retry-After")))
		}
		return perr
	}

	return NewProviderError("anthropic", model, err)
}

// argsMap parses tool-call arguments for providers that want maps.
// History can carry arguments exactly as the model sent them, so parse
// failures degrade to an empty object rather than failing the request.
func argsMap(arguments string) map[string]any {
	var m map[string]any
	if err := json.Unmarshal([]byte(arguments), &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptyObject(s string) string {
	if strings.TrimSpace(s) == "" {
		return "{}"
	}
	return s
}

func assistantMessage(content string, toolCalls []models.ToolCall) models.Message {
	return models.NewAssistantMessage(content, toolCalls)
}
