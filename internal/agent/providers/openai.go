package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/anvil/pkg/models"
)

const defaultOpenAIModel = "gpt-5"

// OpenAIProvider adapts the OpenAI Chat Completions API.
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
}

// OpenAIConfig configures the OpenAI adapter.
type OpenAIConfig struct {
	// APIKey falls back to OPENAI_API_KEY.
	APIKey string
	// BaseURL overrides the API endpoint (Azure fronting, proxies).
	BaseURL string
	// DefaultModel is used when a request has no model.
	DefaultModel string
}

// NewOpenAIProvider creates the adapter.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, &ProviderError{
			Provider: "openai",
			Reason:   ReasonAuthFailed,
			Message:  "no API key: set api_key in config or OPENAI_API_KEY",
		}
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultOpenAIModel
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.DefaultModel,
	}, nil
}

// Name returns "openai".
func (p *OpenAIProvider) Name() string { return "openai" }

// Complete runs one streaming call and returns the accumulated message.
func (p *OpenAIProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: convertOpenAIMessages(req.Messages, req.System),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	ctx, cancel := context.WithTimeout(ctx, completeTimeout)
	defer cancel()

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, p.wrapError(err, model)
	}
	defer stream.Close()

	var content strings.Builder
	// Keyed by index: tool calls stream as fragments across chunks.
	calls := make(map[int]*models.ToolCall)
	order := []int{}
	var usage Usage
	finish := ""

	for {
		chunk, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if content.Len() > 0 || len(calls) > 0 {
				return nil, StreamInterrupted("openai", model, content.String(), err)
			}
			return nil, p.wrapError(err, model)
		}

		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finish = string(choice.FinishReason)
		}

		delta := choice.Delta
		if delta.Content != "" {
			content.WriteString(delta.Content)
			if req.OnText != nil {
				req.OnText(delta.Content)
			}
		}
		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			call, ok := calls[idx]
			if !ok {
				call = &models.ToolCall{}
				calls[idx] = call
				order = append(order, idx)
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Name = tc.Function.Name
			}
			call.Arguments += tc.Function.Arguments
		}
	}

	toolCalls := make([]models.ToolCall, 0, len(order))
	for _, idx := range order {
		call := calls[idx]
		if call.ID == "" || call.Name == "" {
			continue
		}
		call.Arguments = orEmptyObject(call.Arguments)
		toolCalls = append(toolCalls, *call)
	}

	return &Response{
		Message:      assistantMessage(content.String(), toolCalls),
		Usage:        usage,
		FinishReason: openAIFinishReason(finish, toolCalls),
	}, nil
}

// convertOpenAIMessages maps history to chat-completion messages. The
// system prompt rides in the messages array, unlike Anthropic.
func convertOpenAIMessages(messages []models.Message, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			continue

		case models.RoleTool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})

		case models.RoleAssistant:
			out := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: orEmptyObject(tc.Arguments),
					},
				})
			}
			result = append(result, out)

		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}
	return result
}

func convertOpenAITools(tools []ToolDefinition) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		}
	}
	return result
}

func openAIFinishReason(finish string, toolCalls []models.ToolCall) string {
	if len(toolCalls) > 0 {
		return FinishToolCalls
	}
	switch finish {
	case string(openai.FinishReasonLength):
		return FinishLength
	default:
		return FinishStop
	}
}

func (p *OpenAIProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := AsProviderError(err); ok {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		perr := NewProviderError("openai", model, err).
			WithStatus(apiErr.HTTPStatusCode).
			WithMessage(apiErr.Message)
		if code, ok := apiErr.Code.(string); ok && code != "" {
			perr = perr.WithCode(code)
		} else if apiErr.Type != "" {
			perr = perr.WithCode(apiErr.Type)
		}
		return perr
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return NewProviderError("openai", model, err).
			WithStatus(reqErr.HTTPStatusCode).
			WithMessage(fmt.Sprintf("request failed: %v", reqErr.Err))
	}

	return NewProviderError("openai", model, err)
}
