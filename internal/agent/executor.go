package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/anvil/pkg/models"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// mcpPrefix routes tool names to the MCP bridge.
const mcpPrefix = "mcp_"

// remoteToolName is the tool blocked wholesale in sandbox mode.
const remoteToolName = "remote_execution"

// pathArgKeys are the argument names checked against the sandbox root.
var pathArgKeys = []string{
	"path", "base", "file_path", "directory", "working_directory",
	"source", "destination", "old_path", "new_path",
}

// Executor dispatches one model-emitted tool call: alias resolution,
// argument repair and validation, sandbox enforcement, MCP routing,
// timeout and panic containment, result-store overflow, and UI display.
type Executor struct {
	registry *Registry

	// serialMu is the global mutex requires_serial tools take.
	serialMu sync.Mutex

	// compiled caches per-tool argument schemas.
	compiledMu sync.Mutex
	compiled   map[string]*jsonschema.Schema
}

// NewExecutor creates an executor over the registry.
func NewExecutor(registry *Registry) *Executor {
	return &Executor{
		registry: registry,
		compiled: map[string]*jsonschema.Schema{},
	}
}

// Execute runs one tool call end to end and returns the tool message to
// append to history. It never returns an error: every failure becomes an
// error tool result so the tool-call/tool-message pairing stays intact.
func (e *Executor) Execute(ctx context.Context, tc *ToolContext, call models.ToolCall) models.Message {
	start := time.Now()
	result := e.run(ctx, tc, call)
	elapsed := time.Since(start)

	if tc.Metrics != nil {
		status := "ok"
		if !result.Success {
			status = "error"
		}
		op := ""
		if result.Metadata != nil {
			op, _ = result.Metadata["operation"].(string)
		}
		tc.Metrics.RecordToolExecution(call.Name, op, status, elapsed)
	}
	if tc.Logger != nil {
		tc.Logger.Debug(ctx, "tool executed",
			"tool", call.Name, "tool_call_id", call.ID,
			"success", result.Success, "elapsed_ms", elapsed.Milliseconds())
	}
	tc.Describe(result.ActionDescription)
	if !result.Success && tc.UI != nil {
		tc.UI.ErrorMsg(fmt.Sprintf("%s: %s", call.Name, result.Error))
	}

	content := result.Wire()
	if result.Success && tc.Results != nil && tc.Session != nil {
		processed, err := tc.Results.ProcessToolResult(call.ID, tc.Session.ID, content)
		if err != nil {
			if tc.Logger != nil {
				tc.Logger.Warn(ctx, "result store failed, returning inline",
					"tool_call_id", call.ID, "error", err)
			}
		} else {
			content = processed
		}
	}
	return models.NewToolMessage(call.ID, content)
}

// run produces the uniform result for one call.
func (e *Executor) run(ctx context.Context, tc *ToolContext, call models.ToolCall) *ToolResult {
	args, err := ParseArguments(call.Arguments)
	if err != nil {
		return Fail(call.Name, ToolErrorInvalidInput,
			"could not parse tool arguments: %v", err)
	}

	// MCP-bridged tools bypass the registry.
	if strings.HasPrefix(call.Name, mcpPrefix) {
		return e.runMCP(ctx, tc, call.Name, args)
	}

	tool, aliasOp, ok := e.registry.Resolve(call.Name)
	if !ok {
		return Fail(call.Name, ToolErrorNotFound,
			"unknown tool %q; available tools: %s",
			call.Name, strings.Join(e.registry.Names(), ", "))
	}
	if aliasOp != "" {
		// The model called an operation directly; host it.
		if _, exists := args["operation"]; !exists {
			args["operation"] = aliasOp
		}
	}

	if failure := e.enforceSandbox(tc, tool, args); failure != nil {
		return failure
	}

	if failure := e.validateArgs(tool, args); failure != nil {
		return failure
	}

	flags := FlagsOf(tool)
	if flags.Serial {
		e.serialMu.Lock()
		defer e.serialMu.Unlock()
	}

	timeout := time.Duration(IntArg(args, "timeout", 0)) * time.Second
	return e.dispatch(ctx, tc, tool, call, args, timeout)
}

// dispatch invokes the tool with panic containment and an optional
// per-call timeout.
func (e *Executor) dispatch(ctx context.Context, tc *ToolContext, tool Tool, call models.ToolCall, args map[string]any, timeout time.Duration) (result *ToolResult) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			if tc.Logger != nil {
				tc.Logger.Error(ctx, "tool panicked",
					"tool", tool.Name(), "panic", fmt.Sprint(r), "stack", string(stack))
			}
			result = Fail(tool.Name(), ToolErrorPanic, "tool panicked: %v", r)
		}
	}()

	res, err := tool.Execute(ctx, tc, args)
	if err != nil {
		te := NewToolError(tool.Name(), err).WithToolCallID(call.ID)
		return Fail(tool.Name(), te.Type, "%s", te.Message)
	}
	if res == nil {
		return Fail(tool.Name(), ToolErrorExecution, "tool returned no result")
	}
	if res.Tool == "" {
		res.Tool = tool.Name()
	}
	if op := StringArg(args, "operation"); op != "" {
		res.WithMeta("operation", op)
	}
	return res
}

// runMCP routes a prefixed call to the external MCP manager and maps its
// result into the uniform shape.
func (e *Executor) runMCP(ctx context.Context, tc *ToolContext, name string, args map[string]any) *ToolResult {
	if tc.MCP == nil {
		return Fail(name, ToolErrorNotFound, "no MCP servers are configured")
	}
	if tc.Config != nil && tc.Config.Sandbox {
		// External servers are outside the sandbox boundary.
		return Fail(name, ToolErrorInvalidInput, "MCP tools are disabled in sandbox mode")
	}
	output, isErr, err := tc.MCP.CallTool(ctx, name, args)
	if err != nil {
		te := NewToolError(name, err)
		return Fail(name, te.Type, "%s", te.Message)
	}
	if isErr {
		return Fail(name, ToolErrorExecution, "%s", output)
	}
	return Ok(name, output).WithAction("mcp %s", name)
}

// enforceSandbox rejects remote operations and out-of-workspace paths
// when sandbox mode is on. Paths are tilde-expanded and symlink-resolved
// before the containment check.
func (e *Executor) enforceSandbox(tc *ToolContext, tool Tool, args map[string]any) *ToolResult {
	if tc.Config == nil || !tc.Config.Sandbox {
		return nil
	}
	if tool.Name() == remoteToolName {
		return Fail(tool.Name(), ToolErrorInvalidInput,
			"remote execution is disabled in sandbox mode")
	}

	root := tc.WorkDir()
	if root == "" {
		return nil
	}
	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		resolvedRoot = filepath.Clean(root)
	}
	for _, key := range pathArgKeys {
		raw := StringArg(args, key)
		if raw == "" {
			continue
		}
		resolved, err := resolveSandboxPath(root, raw)
		if err != nil {
			return Fail(tool.Name(), ToolErrorInvalidInput,
				"cannot resolve %s %q: %v", key, raw, err)
		}
		if resolved != resolvedRoot && !strings.HasPrefix(resolved, resolvedRoot+string(filepath.Separator)) {
			return Fail(tool.Name(), ToolErrorInvalidInput,
				"sandbox: %s %q resolves outside the working directory", key, raw)
		}
	}
	return nil
}

// resolveSandboxPath expands ~, absolutizes against root, and resolves
// symlinks. A path whose leaf does not exist yet resolves its parent.
func resolveSandboxPath(root, p string) (string, error) {
	if strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		p = filepath.Join(home, p[2:])
	} else if p == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		p = home
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	p = filepath.Clean(p)

	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		return resolved, nil
	}
	// Leaf may not exist yet (write_file targets); resolve the parent.
	parent, err := filepath.EvalSymlinks(filepath.Dir(p))
	if err != nil {
		return p, nil
	}
	return filepath.Join(parent, filepath.Base(p)), nil
}

// validateArgs checks parsed arguments against the tool's JSON Schema.
// Schema compilation is cached per tool.
func (e *Executor) validateArgs(tool Tool, args map[string]any) *ToolResult {
	schema, err := e.schemaFor(tool)
	if err != nil || schema == nil {
		// An uncompilable schema is a tool bug; don't block the call.
		return nil
	}
	// jsonschema validates decoded JSON values; round-trip to normalize
	// Go types (ints vs float64).
	payload, err := json.Marshal(args)
	if err != nil {
		return nil
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil
	}
	if err := schema.Validate(doc); err != nil {
		return Fail(tool.Name(), ToolErrorInvalidInput,
			"arguments do not match the tool schema: %v", err)
	}
	return nil
}

func (e *Executor) schemaFor(tool Tool) (*jsonschema.Schema, error) {
	e.compiledMu.Lock()
	defer e.compiledMu.Unlock()
	if s, ok := e.compiled[tool.Name()]; ok {
		return s, nil
	}
	raw, err := json.Marshal(tool.Schema())
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	url := "inline://" + tool.Name() + ".json"
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, err
	}
	e.compiled[tool.Name()] = schema
	return schema, nil
}
