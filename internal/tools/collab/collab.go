// Package collab implements the collaboration tool: the one operation
// that lets the model stop and ask the human a question mid-task.
package collab

import (
	"context"
	"strings"
	"time"

	"github.com/haasonsaas/anvil/internal/agent"
	"github.com/haasonsaas/anvil/pkg/models"
)

const (
	toolName = "collaboration"

	// defaultWaitSeconds bounds the wait for an answer when the config
	// does not set one.
	defaultWaitSeconds = 300

	// brokerPollInterval paces inbox polling on the sub-agent path.
	brokerPollInterval = 2 * time.Second
)

var operations = []string{"request_input"}

// Tool is the collaboration implementation.
type Tool struct {
	pollInterval time.Duration
}

// New returns the collaboration tool.
func New() *Tool { return &Tool{pollInterval: brokerPollInterval} }

func (t *Tool) Name() string { return toolName }

func (t *Tool) Description() string {
	return "Ask the user a question and wait for their answer. Use when a " +
		"decision genuinely needs human input: ambiguous requirements, " +
		"destructive actions, credentials."
}

func (t *Tool) Operations() []string { return operations }

// Flags: the executor must run this alone and give it the terminal.
func (t *Tool) Flags() agent.ToolFlags {
	return agent.ToolFlags{Blocking: true, Interactive: true}
}

func (t *Tool) Schema() map[string]any {
	return agent.OperationSchema(operations, map[string]any{
		"message": map[string]any{"type": "string", "description": "The question to put to the user"},
		"context": map[string]any{"type": "string", "description": "Optional background shown with the question"},
	}, "message")
}

func (t *Tool) Execute(ctx context.Context, tc *agent.ToolContext, args map[string]any) (*agent.ToolResult, error) {
	if _, fail := agent.RequireOperation(t, args); fail != nil {
		return fail, nil
	}
	message := strings.TrimSpace(agent.StringArg(args, "message"))
	if message == "" {
		return agent.Fail(toolName, agent.ToolErrorInvalidInput, "request_input requires a 'message'"), nil
	}
	prompt := message
	if extra := strings.TrimSpace(agent.StringArg(args, "context")); extra != "" {
		prompt = extra + "\n\n" + message
	}

	wait := defaultWaitSeconds * time.Second
	if tc.Config != nil && tc.Config.CollaborationTimeoutSeconds > 0 {
		wait = time.Duration(tc.Config.CollaborationTimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	if tc.IsSubAgent && tc.Broker != nil {
		return t.askViaBroker(ctx, tc, prompt), nil
	}
	return t.askLocal(ctx, tc, prompt), nil
}

// askLocal prompts through the UI sink. The exchange is reported only in
// the tool result: the session may not be touched mid-execution, because
// an assistant tool_calls message must be followed directly by its tool
// message.
func (t *Tool) askLocal(ctx context.Context, tc *agent.ToolContext, prompt string) *agent.ToolResult {
	if tc.UI == nil {
		return agent.Fail(toolName, agent.ToolErrorExecution, "no interactive terminal available")
	}
	answer, err := tc.UI.RequestInput(ctx, prompt)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return agent.Fail(toolName, agent.ToolErrorTimeout, "no answer within the collaboration timeout")
		}
		return agent.Fail(toolName, agent.ToolErrorExecution, "read answer: %v", err)
	}
	answer = strings.TrimSpace(answer)
	return agent.Ok(toolName, answer).WithAction("asked the user for input")
}

// askViaBroker sends the question to the user's agent through the
// broker and polls the inbox for a reply.
func (t *Tool) askViaBroker(ctx context.Context, tc *agent.ToolContext, prompt string) *agent.ToolResult {
	if _, err := tc.Broker.SendMessage(ctx, "user", models.MsgQuestion, prompt); err != nil {
		return agent.Fail(toolName, agent.ToolErrorBrokerUnavailable, "send question: %v", err)
	}

	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return agent.Fail(toolName, agent.ToolErrorTimeout,
				"no answer within the collaboration timeout")
		case <-ticker.C:
		}

		messages, err := tc.Broker.PollInbox(ctx)
		if err != nil {
			return agent.Fail(toolName, agent.ToolErrorBrokerUnavailable, "poll inbox: %v", err)
		}
		for _, msg := range messages {
			switch msg.Type {
			case models.MsgClarification, models.MsgGuidance, models.MsgResponse, models.MsgAnswer:
				if _, err := tc.Broker.Acknowledge(ctx, []int64{msg.ID}); err != nil && tc.Logger != nil {
					tc.Logger.Warn(ctx, "acknowledge answer", "error", err)
				}
				return agent.Ok(toolName, msg.Content).
					WithAction("answered by %s", msg.From)
			case models.MsgStop:
				tc.Broker.Acknowledge(ctx, []int64{msg.ID})
				return agent.Fail(toolName, agent.ToolErrorCanceled, "stopped while waiting for input")
			}
		}
	}
}
