package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/haasonsaas/anvil/pkg/models"
)

const defaultBedrockModel = "anthropic.claude-sonnet-4-5-20250929-v1:0"

// bedrockModelPrefix routes "bedrock/<model-id>" strings to this adapter;
// the prefix is stripped before the API call.
const bedrockModelPrefix = "bedrock/"

// BedrockProvider adapts the AWS Bedrock Converse API. Credentials come
// from the default AWS chain (env, shared config, IAM role).
type BedrockProvider struct {
	client       *bedrockruntime.Client
	defaultModel string
}

// BedrockConfig configures the Bedrock adapter.
type BedrockConfig struct {
	// Region defaults to the SDK's resolution, then us-east-1.
	Region string
	// DefaultModel is used when a request has no model.
	DefaultModel string
}

// NewBedrockProvider creates the adapter.
func NewBedrockProvider(ctx context.Context, cfg BedrockConfig) (*BedrockProvider, error) {
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultBedrockModel
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: load AWS config: %w", err)
	}
	if awsCfg.Region == "" {
		awsCfg.Region = "us-east-1"
	}

	return &BedrockProvider{
		client:       bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: cfg.DefaultModel,
	}, nil
}

// Name returns "bedrock".
func (p *BedrockProvider) Name() string { return "bedrock" }

// Complete runs one ConverseStream call and returns the accumulated
// message.
func (p *BedrockProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	model := p.model(req.Model)

	messages, err := convertBedrockMessages(req.Messages)
	if err != nil {
		return nil, NewProviderError("bedrock", model, err)
	}

	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(model),
		Messages: messages,
	}
	if req.System != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: req.System},
		}
	}
	if req.MaxTokens > 0 {
		input.InferenceConfig = &types.InferenceConfiguration{
			MaxTokens: aws.Int32(int32(min(req.MaxTokens, 1<<31-1))),
		}
	}
	if len(req.Tools) > 0 {
		input.ToolConfig = convertBedrockTools(req.Tools)
	}

	ctx, cancel := context.WithTimeout(ctx, completeTimeout)
	defer cancel()

	out, err := p.client.ConverseStream(ctx, input)
	if err != nil {
		return nil, p.wrapError(err, model)
	}

	eventStream := out.GetStream()
	defer eventStream.Close()

	var content strings.Builder
	var toolCalls []models.ToolCall
	var cur *models.ToolCall
	var curInput strings.Builder
	var usage Usage
	stopReason := ""

	for event := range eventStream.Events() {
		switch ev := event.(type) {
		case *types.ConverseStreamOutputMemberContentBlockStart:
			if toolUse, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
				cur = &models.ToolCall{
					ID:   aws.ToString(toolUse.Value.ToolUseId),
					Name: aws.ToString(toolUse.Value.Name),
				}
				curInput.Reset()
			}

		case *types.ConverseStreamOutputMemberContentBlockDelta:
			switch delta := ev.Value.Delta.(type) {
			case *types.ContentBlockDeltaMemberText:
				if delta.Value != "" {
					content.WriteString(delta.Value)
					if req.OnText != nil {
						req.OnText(delta.Value)
					}
				}
			case *types.ContentBlockDeltaMemberToolUse:
				if delta.Value.Input != nil {
					curInput.WriteString(*delta.Value.Input)
				}
			}

		case *types.ConverseStreamOutputMemberContentBlockStop:
			if cur != nil {
				cur.Arguments = orEmptyObject(curInput.String())
				toolCalls = append(toolCalls, *cur)
				cur = nil
			}

		case *types.ConverseStreamOutputMemberMessageStop:
			stopReason = string(ev.Value.StopReason)
			// Keep draining: the usage metadata event follows messageStop.

		case *types.ConverseStreamOutputMemberMetadata:
			if ev.Value.Usage != nil {
				usage.InputTokens = int(aws.ToInt32(ev.Value.Usage.InputTokens))
				usage.OutputTokens = int(aws.ToInt32(ev.Value.Usage.OutputTokens))
			}
		}
	}

	if err := eventStream.Err(); err != nil {
		if content.Len() > 0 || len(toolCalls) > 0 {
			return nil, StreamInterrupted("bedrock", model, content.String(), err)
		}
		return nil, p.wrapError(err, model)
	}

	return &Response{
		Message:      assistantMessage(content.String(), toolCalls),
		Usage:        usage,
		FinishReason: bedrockFinishReason(stopReason, toolCalls),
	}, nil
}

func (p *BedrockProvider) model(model string) string {
	model = strings.TrimPrefix(model, bedrockModelPrefix)
	if model == "" {
		return p.defaultModel
	}
	return model
}

func convertBedrockMessages(messages []models.Message) ([]types.Message, error) {
	var result []types.Message
	var pendingResults []types.ContentBlock

	flushResults := func() {
		if len(pendingResults) > 0 {
			result = append(result, types.Message{
				Role:    types.ConversationRoleUser,
				Content: pendingResults,
			})
			pendingResults = nil
		}
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			continue

		case models.RoleTool:
			pendingResults = append(pendingResults, &types.ContentBlockMemberToolResult{
				Value: types.ToolResultBlock{
					ToolUseId: aws.String(msg.ToolCallID),
					Content: []types.ToolResultContentBlock{
						&types.ToolResultContentBlockMemberText{Value: msg.Content},
					},
				},
			})

		case models.RoleAssistant:
			flushResults()
			var content []types.ContentBlock
			if msg.Content != "" {
				content = append(content, &types.ContentBlockMemberText{Value: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				content = append(content, &types.ContentBlockMemberToolUse{
					Value: types.ToolUseBlock{
						ToolUseId: aws.String(tc.ID),
						Name:      aws.String(tc.Name),
						Input:     document.NewLazyDocument(argsMap(tc.Arguments)),
					},
				})
			}
			if len(content) == 0 {
				continue
			}
			result = append(result, types.Message{
				Role:    types.ConversationRoleAssistant,
				Content: content,
			})

		default:
			flushResults()
			if msg.Content == "" {
				continue
			}
			result = append(result, types.Message{
				Role:    types.ConversationRoleUser,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: msg.Content}},
			})
		}
	}
	flushResults()

	if len(result) == 0 {
		return nil, fmt.Errorf("no sendable messages")
	}
	return result, nil
}

func convertBedrockTools(tools []ToolDefinition) *types.ToolConfiguration {
	bedrockTools := make([]types.Tool, len(tools))
	for i, tool := range tools {
		schema := tool.Parameters
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		bedrockTools[i] = &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(tool.Name),
				Description: aws.String(tool.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
			},
		}
	}
	return &types.ToolConfiguration{Tools: bedrockTools}
}

func bedrockFinishReason(stopReason string, toolCalls []models.ToolCall) string {
	if len(toolCalls) > 0 {
		return FinishToolCalls
	}
	switch types.StopReason(stopReason) {
	case types.StopReasonMaxTokens:
		return FinishLength
	default:
		return FinishStop
	}
}

func (p *BedrockProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := AsProviderError(err); ok {
		return err
	}

	perr := NewProviderError("bedrock", model, err)
	msg := err.Error()
	switch {
	case strings.Contains(msg, "ThrottlingException"),
		strings.Contains(msg, "TooManyRequestsException"):
		perr.Reason = ReasonRateLimited
	case strings.Contains(msg, "AccessDeniedException"),
		strings.Contains(msg, "UnrecognizedClientException"),
		strings.Contains(msg, "ExpiredTokenException"):
		perr.Reason = ReasonAuthFailed
	case strings.Contains(msg, "ResourceNotFoundException"):
		perr.Reason = ReasonModelUnavailable
	case strings.Contains(msg, "ValidationException"):
		perr.Reason = ReasonInvalidRequest
	case strings.Contains(msg, "ServiceUnavailableException"),
		strings.Contains(msg, "InternalServerException"),
		strings.Contains(msg, "ModelStreamErrorException"):
		perr.Reason = ReasonServerError
	}
	return perr
}
