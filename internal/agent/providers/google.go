package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/haasonsaas/anvil/pkg/models"
)

const defaultGoogleModel = "gemini-2.0-flash"

// GoogleProvider adapts the Gemini API via the Google Gen AI SDK.
type GoogleProvider struct {
	client       *genai.Client
	defaultModel string
}

// GoogleConfig configures the Gemini adapter.
type GoogleConfig struct {
	// APIKey falls back to GOOGLE_API_KEY.
	APIKey string
	// DefaultModel is used when a request has no model.
	DefaultModel string
}

// NewGoogleProvider creates the adapter.
func NewGoogleProvider(ctx context.Context, cfg GoogleConfig) (*GoogleProvider, error) {
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("GOOGLE_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, &ProviderError{
			Provider: "google",
			Reason:   ReasonAuthFailed,
			Message:  "no API key: set api_key in config or GOOGLE_API_KEY",
		}
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultGoogleModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, NewProviderError("google", cfg.DefaultModel, err)
	}
	return &GoogleProvider{
		client:       client,
		defaultModel: cfg.DefaultModel,
	}, nil
}

// Name returns "google".
func (p *GoogleProvider) Name() string { return "google" }

// Complete runs one streaming call and returns the accumulated message.
func (p *GoogleProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	contents := convertGoogleContents(req.Messages)
	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.Tools) > 0 {
		config.Tools = convertGoogleTools(req.Tools)
	}

	ctx, cancel := context.WithTimeout(ctx, completeTimeout)
	defer cancel()

	var content strings.Builder
	var toolCalls []models.ToolCall
	var usage Usage
	finish := ""

	for resp, err := range p.client.Models.GenerateContentStream(ctx, model, contents, config) {
		if err != nil {
			if content.Len() > 0 || len(toolCalls) > 0 {
				return nil, StreamInterrupted("google", model, content.String(), err)
			}
			return nil, p.wrapError(err, model)
		}
		if resp == nil {
			continue
		}
		if resp.UsageMetadata != nil {
			usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
			usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		}
		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			if candidate.FinishReason != "" {
				finish = string(candidate.FinishReason)
			}
			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}
				if part.Text != "" {
					content.WriteString(part.Text)
					if req.OnText != nil {
						req.OnText(part.Text)
					}
				}
				if part.FunctionCall != nil {
					args, jsonErr := json.Marshal(part.FunctionCall.Args)
					if jsonErr != nil {
						args = []byte("{}")
					}
					// Gemini assigns no call IDs; synthesize stable ones.
					toolCalls = append(toolCalls, models.ToolCall{
						ID:        googleCallID(part.FunctionCall.Name, len(toolCalls)),
						Name:      part.FunctionCall.Name,
						Arguments: string(args),
					})
				}
			}
		}
	}

	return &Response{
		Message:      assistantMessage(content.String(), toolCalls),
		Usage:        usage,
		FinishReason: googleFinishReason(finish, toolCalls),
	}, nil
}

// convertGoogleContents maps history to Gemini contents. System messages
// are skipped (SystemInstruction carries them); tool results ride as
// user-role function responses, matched back to names by call ID.
func convertGoogleContents(messages []models.Message) []*genai.Content {
	callNames := make(map[string]string)
	for _, msg := range messages {
		for _, tc := range msg.ToolCalls {
			callNames[tc.ID] = tc.Name
		}
	}

	var result []*genai.Content
	for _, msg := range messages {
		content := &genai.Content{}
		switch msg.Role {
		case models.RoleSystem:
			continue

		case models.RoleAssistant:
			content.Role = genai.RoleModel
			if msg.Content != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				var args map[string]any
				if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
					args = map[string]any{}
				}
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: args},
				})
			}

		case models.RoleTool:
			content.Role = genai.RoleUser
			var response map[string]any
			if err := json.Unmarshal([]byte(msg.Content), &response); err != nil {
				response = map[string]any{"result": msg.Content}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name:     callNames[msg.ToolCallID],
					Response: response,
				},
			})

		default:
			content.Role = genai.RoleUser
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}
		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}
	return result
}

func convertGoogleTools(tools []ToolDefinition) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, len(tools))
	for i, tool := range tools {
		decls[i] = &genai.FunctionDeclaration{
			Name:                 tool.Name,
			Description:          tool.Description,
			ParametersJsonSchema: tool.Parameters,
		}
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func googleFinishReason(finish string, toolCalls []models.ToolCall) string {
	if len(toolCalls) > 0 {
		return FinishToolCalls
	}
	if finish == string(genai.FinishReasonMaxTokens) {
		return FinishLength
	}
	return FinishStop
}

func googleCallID(name string, ordinal int) string {
	return fmt.Sprintf("call_%s_%d_%d", name, ordinal, time.Now().UnixNano())
}

func (p *GoogleProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := AsProviderError(err); ok {
		return err
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return NewProviderError("google", model, err).
			WithStatus(apiErr.Code).
			WithMessage(apiErr.Message)
	}
	return NewProviderError("google", model, err)
}
