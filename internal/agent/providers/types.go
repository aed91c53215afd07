// Package providers implements LLM backend adapters.
//
// Each adapter speaks its provider's native streaming API but presents a
// blocking Complete call: text and tool-call deltas are accumulated
// internally and returned as one finished assistant message. Callers that
// want live output register an OnText callback.
package providers

import (
	"context"

	"github.com/haasonsaas/anvil/pkg/models"
)

// Provider is the contract the orchestrator depends on.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Name returns the provider name ("anthropic", "openai", ...).
	Name() string

	// Complete runs one model call and returns the finished assistant
	// message. Transport-level retries happen inside the adapter; rate
	// limits and auth failures surface as *ProviderError for the
	// orchestrator's policy.
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// Request is a single completion call.
type Request struct {
	// Model is the provider model id. Empty selects the adapter default.
	Model string

	// System is the system prompt, handled out of band of Messages.
	System string

	// Messages is the conversation in chronological order. Tool messages
	// must immediately follow the assistant message that called them.
	Messages []models.Message

	// Tools the model may call, in function-calling shape.
	Tools []ToolDefinition

	// MaxTokens bounds the response length. 0 uses the adapter default.
	MaxTokens int

	// OnText, when set, receives assistant text deltas as they stream.
	OnText func(delta string)
}

// ToolDefinition describes one callable tool to the model.
type ToolDefinition struct {
	Name        string
	Description string
	// Parameters is a JSON Schema object; every tool schema carries a
	// required "operation" enum.
	Parameters map[string]any
}

// Finish reasons reported in Response.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
	FinishLength    = "length"
)

// Response is the result of one completion call.
type Response struct {
	// Message is the assistant message: content, tool calls, or both.
	Message models.Message

	// Usage is the token accounting for this call when the provider
	// reports it.
	Usage Usage

	// FinishReason is one of the Finish constants.
	FinishReason string
}

// Usage is per-call token accounting.
type Usage struct {
	InputTokens  int
	OutputTokens int
}
