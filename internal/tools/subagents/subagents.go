// Package subagents implements the subagent tool: spawning and steering
// worker agents in the same session, plus the messaging verbs that ride
// the coordination broker.
package subagents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/anvil/internal/agent"
	"github.com/haasonsaas/anvil/pkg/models"
)

const toolName = "subagent"

var operations = []string{
	"spawn", "list", "status", "kill", "killall",
	"inbox", "acknowledge", "history", "send", "broadcast",
}

// Tool is the subagent implementation.
type Tool struct{}

// New returns the subagent tool.
func New() *Tool { return &Tool{} }

func (t *Tool) Name() string { return toolName }

func (t *Tool) Description() string {
	return "Delegate work to child agents in this session: spawn oneshot or " +
		"persistent workers, inspect their status and logs, exchange " +
		"messages through the broker, and stop them."
}

func (t *Tool) Operations() []string { return operations }

func (t *Tool) Schema() map[string]any {
	return agent.OperationSchema(operations, map[string]any{
		"task":        map[string]any{"type": "string", "description": "Initial task for the spawned agent"},
		"model":       map[string]any{"type": "string", "description": "Override the model the child uses"},
		"persistent":  map[string]any{"type": "boolean", "description": "Keep the agent alive for follow-up tasks"},
		"agent_id":    map[string]any{"type": "string", "description": "Target agent for status/kill/send"},
		"message":     map[string]any{"type": "string", "description": "Message body for send/broadcast"},
		"message_ids": map[string]any{"type": "array", "items": map[string]any{"type": "integer"}, "description": "Inbox ids to acknowledge; empty acknowledges all"},
	})
}

func (t *Tool) Execute(ctx context.Context, tc *agent.ToolContext, args map[string]any) (*agent.ToolResult, error) {
	op, fail := agent.RequireOperation(t, args)
	if fail != nil {
		return fail, nil
	}

	switch op {
	case "spawn", "list", "status", "kill", "killall":
		if tc.Agents == nil {
			return agent.Fail(toolName, agent.ToolErrorExecution, "sub-agent manager unavailable"), nil
		}
	case "inbox", "acknowledge", "history", "send", "broadcast":
		if tc.Broker == nil {
			return agent.Fail(toolName, agent.ToolErrorBrokerUnavailable,
				"no coordination broker; messaging needs a running broker"), nil
		}
	}

	switch op {
	case "spawn":
		return t.spawn(ctx, tc, args), nil
	case "list":
		return t.list(ctx, tc), nil
	case "status":
		return t.status(ctx, tc, args), nil
	case "kill":
		return t.kill(ctx, tc, args), nil
	case "killall":
		return t.killAll(ctx, tc), nil
	case "inbox":
		return t.inbox(ctx, tc), nil
	case "acknowledge":
		return t.acknowledge(ctx, tc, args), nil
	case "history":
		return t.history(ctx, tc), nil
	case "send":
		return t.send(ctx, tc, args), nil
	case "broadcast":
		return t.broadcast(ctx, tc, args), nil
	}
	return agent.UnknownOperation(t, op), nil
}

func (t *Tool) spawn(ctx context.Context, tc *agent.ToolContext, args map[string]any) *agent.ToolResult {
	task := strings.TrimSpace(agent.StringArg(args, "task"))
	if task == "" {
		return agent.Fail(toolName, agent.ToolErrorInvalidInput, "spawn requires a 'task'")
	}
	record, err := tc.Agents.Spawn(ctx, task,
		agent.StringArg(args, "model"),
		agent.BoolArg(args, "persistent", false))
	if err != nil {
		return agent.Fail(toolName, agent.ToolErrorExecution, "spawn: %v", err)
	}
	result := agent.Ok(toolName, "").MarshalOutput(record)
	return result.WithAction("spawned %s agent %s", record.Mode, record.AgentID).
		WithMeta("agent_id", record.AgentID)
}

func (t *Tool) list(ctx context.Context, tc *agent.ToolContext) *agent.ToolResult {
	records, err := tc.Agents.List(ctx)
	if err != nil {
		return agent.Fail(toolName, agent.ToolErrorExecution, "list agents: %v", err)
	}
	if len(records) == 0 {
		return agent.Ok(toolName, "No sub-agents in this session.")
	}
	return agent.Ok(toolName, "").MarshalOutput(records).
		WithAction("%d sub-agent(s)", len(records))
}

func (t *Tool) status(ctx context.Context, tc *agent.ToolContext, args map[string]any) *agent.ToolResult {
	agentID := strings.TrimSpace(agent.StringArg(args, "agent_id"))
	if agentID == "" {
		return agent.Fail(toolName, agent.ToolErrorInvalidInput, "status requires an 'agent_id'")
	}
	record, logTail, err := tc.Agents.Status(ctx, agentID)
	if err != nil {
		return agent.Fail(toolName, agent.ToolErrorNotFound, "status %s: %v", agentID, err)
	}
	out := map[string]any{
		"agent_id": record.AgentID,
		"status":   record.Status,
		"mode":     record.Mode,
		"task":     record.Task,
		"pid":      record.PID,
		"uptime":   time.Since(record.StartedAt).Round(time.Second).String(),
		"log_tail": logTail,
	}
	return agent.Ok(toolName, "").MarshalOutput(out).WithAction("status %s", agentID)
}

func (t *Tool) kill(ctx context.Context, tc *agent.ToolContext, args map[string]any) *agent.ToolResult {
	agentID := strings.TrimSpace(agent.StringArg(args, "agent_id"))
	if agentID == "" {
		return agent.Fail(toolName, agent.ToolErrorInvalidInput, "kill requires an 'agent_id'")
	}
	if err := tc.Agents.Kill(ctx, agentID); err != nil {
		return agent.Fail(toolName, agent.ToolErrorNotFound, "kill %s: %v", agentID, err)
	}
	return agent.Ok(toolName, fmt.Sprintf("Killed agent %s.", agentID)).
		WithAction("killed %s", agentID)
}

func (t *Tool) killAll(ctx context.Context, tc *agent.ToolContext) *agent.ToolResult {
	n, err := tc.Agents.KillAll(ctx)
	if err != nil {
		return agent.Fail(toolName, agent.ToolErrorExecution, "killall: %v", err)
	}
	return agent.Ok(toolName, fmt.Sprintf("Killed %d agent(s).", n)).
		WithAction("killed %d agent(s)", n)
}

// inbox is non-destructive: messages stay queued until acknowledged.
func (t *Tool) inbox(ctx context.Context, tc *agent.ToolContext) *agent.ToolResult {
	messages, err := tc.Broker.PollInbox(ctx)
	if err != nil {
		return agent.Fail(toolName, agent.ToolErrorBrokerUnavailable, "poll inbox: %v", err)
	}
	if len(messages) == 0 {
		return agent.Ok(toolName, "Inbox is empty.")
	}
	return agent.Ok(toolName, "").MarshalOutput(messages).
		WithAction("%d message(s) queued", len(messages))
}

func (t *Tool) acknowledge(ctx context.Context, tc *agent.ToolContext, args map[string]any) *agent.ToolResult {
	var ids []int64
	if raw, ok := args["message_ids"].([]any); ok {
		for _, v := range raw {
			if f, ok := v.(float64); ok {
				ids = append(ids, int64(f))
			}
		}
	}
	if len(ids) == 0 {
		// Acknowledge everything currently queued.
		messages, err := tc.Broker.PollInbox(ctx)
		if err != nil {
			return agent.Fail(toolName, agent.ToolErrorBrokerUnavailable, "poll inbox: %v", err)
		}
		for _, msg := range messages {
			ids = append(ids, msg.ID)
		}
	}
	if len(ids) == 0 {
		return agent.Ok(toolName, "Nothing to acknowledge.")
	}
	n, err := tc.Broker.Acknowledge(ctx, ids)
	if err != nil {
		return agent.Fail(toolName, agent.ToolErrorBrokerUnavailable, "acknowledge: %v", err)
	}
	return agent.Ok(toolName, fmt.Sprintf("Acknowledged %d message(s).", n))
}

func (t *Tool) history(ctx context.Context, tc *agent.ToolContext) *agent.ToolResult {
	messages, err := tc.Broker.MessageHistory(ctx)
	if err != nil {
		return agent.Fail(toolName, agent.ToolErrorBrokerUnavailable, "history: %v", err)
	}
	if len(messages) == 0 {
		return agent.Ok(toolName, "No messages this session.")
	}
	return agent.Ok(toolName, "").MarshalOutput(messages).
		WithAction("%d message(s) in history", len(messages))
}

func (t *Tool) send(ctx context.Context, tc *agent.ToolContext, args map[string]any) *agent.ToolResult {
	agentID := strings.TrimSpace(agent.StringArg(args, "agent_id"))
	message := strings.TrimSpace(agent.StringArg(args, "message"))
	if agentID == "" || message == "" {
		return agent.Fail(toolName, agent.ToolErrorInvalidInput, "send requires 'agent_id' and 'message'")
	}
	id, err := tc.Broker.SendMessage(ctx, agentID, models.MsgTask, message)
	if err != nil {
		return agent.Fail(toolName, agent.ToolErrorBrokerUnavailable, "send to %s: %v", agentID, err)
	}
	return agent.Ok(toolName, fmt.Sprintf("Sent message %d to %s.", id, agentID)).
		WithAction("message to %s", agentID)
}

func (t *Tool) broadcast(ctx context.Context, tc *agent.ToolContext, args map[string]any) *agent.ToolResult {
	message := strings.TrimSpace(agent.StringArg(args, "message"))
	if message == "" {
		return agent.Fail(toolName, agent.ToolErrorInvalidInput, "broadcast requires a 'message'")
	}
	id, err := tc.Broker.SendMessage(ctx, "all", models.MsgBroadcast, message)
	if err != nil {
		return agent.Fail(toolName, agent.ToolErrorBrokerUnavailable, "broadcast: %v", err)
	}
	return agent.Ok(toolName, fmt.Sprintf("Broadcast message %d to all agents.", id)).
		WithAction("broadcast to all agents")
}
