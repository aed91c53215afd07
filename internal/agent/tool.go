// Package agent implements the workflow orchestrator: the turn loop that
// drives an LLM provider, dispatches the tool calls it emits, and appends
// the results back into the session until the model produces a final
// assistant message.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/haasonsaas/anvil/internal/config"
	"github.com/haasonsaas/anvil/internal/memory"
	"github.com/haasonsaas/anvil/internal/observability"
	"github.com/haasonsaas/anvil/internal/results"
	"github.com/haasonsaas/anvil/internal/sessions"
	"github.com/haasonsaas/anvil/internal/ui"
	"github.com/haasonsaas/anvil/pkg/models"
)

// Tool is the contract every capability implements.
//
// A tool with more than one operation declares them via Operations; the
// executor guarantees the "operation" argument is present and supported
// before Execute runs, so handlers may trust it.
type Tool interface {
	// Name returns the tool name for LLM function calling.
	Name() string

	// Description returns a natural language description of the tool.
	Description() string

	// Operations lists the supported operation names. A single-operation
	// tool may return just that one name.
	Operations() []string

	// Schema returns the JSON Schema for the tool's parameters as a plain
	// data structure. Multi-operation tools carry a required "operation"
	// enum.
	Schema() map[string]any

	// Execute runs one operation. Args are the parsed (and repaired)
	// arguments. Failures the model should see are returned as an error
	// ToolResult, not as a Go error; a Go error means the tool itself is
	// broken.
	Execute(ctx context.Context, tc *ToolContext, args map[string]any) (*ToolResult, error)
}

// ToolFlags carries execution-control declarations.
type ToolFlags struct {
	// Blocking tools prevent any later tool in the same assistant message
	// from starting until they return.
	Blocking bool

	// Serial tools take a global mutex against other serial tools.
	Serial bool

	// Interactive tools talk to the user directly.
	Interactive bool
}

// Flagged is implemented by tools that declare execution-control flags.
// Tools without it get zero flags.
type Flagged interface {
	Flags() ToolFlags
}

// FlagsOf returns a tool's declared flags, or the zero value.
func FlagsOf(t Tool) ToolFlags {
	if f, ok := t.(Flagged); ok {
		return f.Flags()
	}
	return ToolFlags{}
}

// ToolResult is the uniform result record every tool returns.
type ToolResult struct {
	// Success reports whether the operation succeeded.
	Success bool `json:"success"`

	// Output is the payload handed back to the model. For oversized
	// outputs the executor replaces it with a stored-result marker.
	Output string `json:"output,omitempty"`

	// Error is the failure message when Success is false.
	Error string `json:"error,omitempty"`

	// ErrorType categorizes the failure for retry policy.
	ErrorType ToolErrorType `json:"error_type,omitempty"`

	// Tool is the name of the tool that produced this result.
	Tool string `json:"tool_name,omitempty"`

	// ActionDescription is a one-line human description of what the tool
	// did, handed to the UI sink. Never shown to the model.
	ActionDescription string `json:"-"`

	// Metadata carries tool-specific extras (counts, paths, exit codes).
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Ok builds a success result.
func Ok(tool, output string) *ToolResult {
	return &ToolResult{Success: true, Tool: tool, Output: output}
}

// Fail builds an error result of the given type.
func Fail(tool string, t ToolErrorType, format string, args ...any) *ToolResult {
	return &ToolResult{
		Success:   false,
		Tool:      tool,
		Error:     fmt.Sprintf(format, args...),
		ErrorType: t,
	}
}

// WithAction attaches the UI action description.
func (r *ToolResult) WithAction(format string, args ...any) *ToolResult {
	r.ActionDescription = fmt.Sprintf(format, args...)
	return r
}

// WithMeta attaches one metadata key.
func (r *ToolResult) WithMeta(key string, value any) *ToolResult {
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	r.Metadata[key] = value
	return r
}

// Wire renders the result as the tool-message content fed to the model.
// Success results pass Output through unchanged (the executor may have
// substituted a stored-result marker); failures are prefixed so the model
// can distinguish them.
func (r *ToolResult) Wire() string {
	if r.Success {
		return r.Output
	}
	if r.ErrorType != "" {
		return fmt.Sprintf("Error (%s): %s", r.ErrorType, r.Error)
	}
	return "Error: " + r.Error
}

// MarshalOutput JSON-encodes v into Output, marking the result failed on
// encode errors.
func (r *ToolResult) MarshalOutput(v any) *ToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		r.Success = false
		r.Error = fmt.Sprintf("encode result: %v", err)
		r.ErrorType = ToolErrorExecution
		return r
	}
	r.Output = string(data)
	return r
}

// BrokerClient is the slice of the coordination client tools depend on.
// Defined here so tool packages need not import the broker package; nil
// means no coordination (broker absent).
type BrokerClient interface {
	AgentID() string
	RequestFileLock(ctx context.Context, paths []string) error
	ReleaseFileLock(ctx context.Context, paths []string) error
	RequestGitLock(ctx context.Context) error
	ReleaseGitLock(ctx context.Context) error
	SendMessage(ctx context.Context, to string, typ models.BrokerMessageType, content string) (int64, error)
	PollInbox(ctx context.Context) ([]models.BrokerMessage, error)
	Acknowledge(ctx context.Context, ids []int64) (int, error)
	MessageHistory(ctx context.Context) ([]models.BrokerMessage, error)
	SendDiscovery(ctx context.Context, content string) error
	SendWarning(ctx context.Context, content string) error
	Discoveries(ctx context.Context) ([]models.BrokerMessage, error)
	Warnings(ctx context.Context) ([]models.BrokerMessage, error)
}

// SubAgentManager is the slice of the sub-agent manager the subagent tool
// depends on.
type SubAgentManager interface {
	Spawn(ctx context.Context, task, model string, persistent bool) (*models.AgentRecord, error)
	List(ctx context.Context) ([]models.AgentRecord, error)
	Status(ctx context.Context, agentID string) (*models.AgentRecord, string, error)
	Kill(ctx context.Context, agentID string) error
	KillAll(ctx context.Context) (int, error)
}

// MCPBridge routes mcp_-prefixed calls to external MCP servers.
type MCPBridge interface {
	// CallTool invokes a prefixed tool name ("mcp_<server>_<tool>").
	CallTool(ctx context.Context, name string, args map[string]any) (string, bool, error)
	// ToolDefinitions lists discovered tools in registry-export shape.
	ToolDefinitions() []map[string]any
}

// ToolContext is the narrow capability record passed into every tool call.
// Only the fields a tool needs are populated; everything else is nil.
type ToolContext struct {
	Session  *models.Session
	Config   *config.Config
	Paths    config.Paths
	UI       ui.Sink
	Broker   BrokerClient // nil when no broker is reachable
	Results  *results.Store
	Sessions *sessions.Store
	Memory   *memory.Store
	LTM      *memory.LTMStore
	Agents   SubAgentManager
	MCP      MCPBridge
	Logger   *observability.Logger
	Metrics  *observability.Metrics

	// AgentID identifies this process to the broker. Empty for the
	// top-level interactive agent.
	AgentID string

	// IsSubAgent marks a spawned worker; collaboration routes through the
	// broker and the autonomy preamble is added to the system prompt.
	IsSubAgent bool

	// Interrupts delivers user escape signals between tool calls.
	Interrupts *InterruptSource
}

// WorkDir returns the session working directory.
func (tc *ToolContext) WorkDir() string {
	if tc.Session != nil {
		return tc.Session.WorkingDirectory
	}
	return ""
}

// Describe hands the action description to the UI sink, if any.
func (tc *ToolContext) Describe(desc string) {
	if tc.UI != nil && desc != "" {
		tc.UI.Action(desc)
	}
}

// StringArg extracts a string argument.
func StringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

// IntArg extracts an integer argument, tolerating JSON's float64 numbers.
func IntArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		var n int
		if _, err := fmt.Sscanf(strings.TrimSpace(v), "%d", &n); err == nil {
			return n
		}
	}
	return def
}

// BoolArg extracts a boolean argument.
func BoolArg(args map[string]any, key string, def bool) bool {
	switch v := args[key].(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "yes", "1":
			return true
		case "false", "no", "0":
			return false
		}
	}
	return def
}

// UnknownOperation builds the helpful error result for a missing or
// unsupported operation: it enumerates valid operations and shows an
// example call.
func UnknownOperation(tool Tool, got string) *ToolResult {
	ops := append([]string(nil), tool.Operations()...)
	sort.Strings(ops)
	example := fmt.Sprintf(`{"operation": %q, ...}`, ops[0])
	if got == "" {
		return Fail(tool.Name(), ToolErrorInvalidInput,
			"missing required argument 'operation'; valid operations: %s; example: %s",
			strings.Join(ops, ", "), example)
	}
	return Fail(tool.Name(), ToolErrorInvalidInput,
		"unsupported operation %q; valid operations: %s; example: %s",
		got, strings.Join(ops, ", "), example)
}

// RequireOperation validates the operation argument against the tool's
// declared set. Returns the operation and nil, or a ready error result.
func RequireOperation(tool Tool, args map[string]any) (string, *ToolResult) {
	op := StringArg(args, "operation")
	if op == "" {
		if len(tool.Operations()) == 1 {
			return tool.Operations()[0], nil
		}
		return "", UnknownOperation(tool, "")
	}
	for _, known := range tool.Operations() {
		if op == known {
			return op, nil
		}
	}
	return "", UnknownOperation(tool, op)
}
