// Package terminal implements the terminal tool: shell command execution
// in capture or passthrough mode, plus a dangerous-command validator.
package terminal

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/haasonsaas/anvil/internal/agent"
)

const (
	toolName = "terminal"

	// defaultTimeout bounds a capture-mode command when the call names
	// no timeout of its own.
	defaultTimeout = 120 * time.Second

	// maxOutputBytes caps captured output before the result store sees
	// it; the store applies its own inline threshold afterwards.
	maxOutputBytes = 512 * 1024
)

var operations = []string{"execute", "validate"}

// Tool is the terminal implementation.
type Tool struct{}

// New returns the terminal tool.
func New() *Tool { return &Tool{} }

func (t *Tool) Name() string { return toolName }

func (t *Tool) Description() string {
	return "Run shell commands. Capture mode (default) returns output and exit " +
		"code; passthrough mode hands interactive programs a real terminal. " +
		"The validate operation screens a command against the dangerous-" +
		"command blacklist without running it."
}

func (t *Tool) Operations() []string { return operations }

// Flags marks the terminal serial: two shells mutating one workspace at
// once is never what the model meant.
func (t *Tool) Flags() agent.ToolFlags { return agent.ToolFlags{Serial: true} }

func (t *Tool) Schema() map[string]any {
	return agent.OperationSchema(operations, map[string]any{
		"command":           map[string]any{"type": "string", "description": "Shell command line"},
		"timeout":           map[string]any{"type": "integer", "description": "Seconds before the command is killed (capture mode)"},
		"working_directory": map[string]any{"type": "string", "description": "Directory to run in, default session workdir"},
		"passthrough":       map[string]any{"type": "boolean", "description": "Force passthrough (real TTY) mode"},
	}, "command")
}

func (t *Tool) Execute(ctx context.Context, tc *agent.ToolContext, args map[string]any) (*agent.ToolResult, error) {
	op, fail := agent.RequireOperation(t, args)
	if fail != nil {
		return fail, nil
	}
	command := strings.TrimSpace(agent.StringArg(args, "command"))
	if command == "" {
		return agent.Fail(toolName, agent.ToolErrorInvalidInput, "missing required argument 'command'"), nil
	}

	switch op {
	case "validate":
		return t.validate(command), nil
	case "execute":
		return t.execute(ctx, tc, command, args), nil
	}
	return agent.UnknownOperation(t, op), nil
}

func (t *Tool) execute(ctx context.Context, tc *agent.ToolContext, command string, args map[string]any) *agent.ToolResult {
	if verdict := t.validate(command); !verdict.Success {
		return verdict
	}

	workdir := agent.StringArg(args, "working_directory")
	if workdir == "" {
		workdir = tc.WorkDir()
	}

	if t.passthroughMode(tc, command, args) {
		return t.runPassthrough(ctx, tc, command, workdir)
	}

	timeout := defaultTimeout
	if secs := agent.IntArg(args, "timeout", 0); secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}
	return t.runCapture(ctx, command, workdir, timeout)
}

// passthroughMode applies the selection priority: per-call flag, then
// config, then the interactive-command heuristics, then capture.
func (t *Tool) passthroughMode(tc *agent.ToolContext, command string, args map[string]any) bool {
	if v, ok := args["passthrough"].(bool); ok {
		return v
	}
	if tc.Config != nil {
		if tc.Config.TerminalPassthrough {
			return true
		}
		if !tc.Config.AutodetectEnabled() {
			return false
		}
	}
	return looksInteractive(command)
}

func (t *Tool) runCapture(ctx context.Context, command, workdir string, timeout time.Duration) *agent.ToolResult {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = workdir
	out, err := cmd.CombinedOutput()
	output := StripANSI(string(out))
	if len(output) > maxOutputBytes {
		output = output[:maxOutputBytes] + "\n[output truncated]"
	}

	if ctx.Err() == context.DeadlineExceeded {
		return agent.Fail(toolName, agent.ToolErrorTimeout,
			"command timed out after %s:\n%s", timeout, output)
	}

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return agent.Fail(toolName, agent.ToolErrorExecution, "run command: %v", err)
		}
	}

	result := agent.Ok(toolName, "").MarshalOutput(map[string]any{
		"output":    output,
		"exit_code": exitCode,
	})
	result.WithAction("$ %s", firstLine(command)).WithMeta("exit_code", exitCode)
	if exitCode != 0 {
		// Still a successful tool call; the model sees the exit code.
		result.WithMeta("failed", true)
	}
	return result
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	if len(s) > 100 {
		return s[:97] + "..."
	}
	return s
}
