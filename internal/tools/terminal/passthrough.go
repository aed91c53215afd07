package terminal

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
	"golang.org/x/term"

	"github.com/haasonsaas/anvil/internal/agent"
)

// runPassthrough gives the command a real pseudo-terminal wired to the
// user's terminal, while teeing everything the program writes so the
// model still sees the output. The local terminal is put in raw mode
// for the duration and always restored.
func (t *Tool) runPassthrough(ctx context.Context, tc *agent.ToolContext, command, workdir string) *agent.ToolResult {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = workdir

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return agent.Fail(toolName, agent.ToolErrorExecution, "allocate pty: %v", err)
	}
	defer ptmx.Close()

	// Propagate window size changes is out of scope; set the initial
	// size from the controlling terminal when there is one.
	stdinFd := int(os.Stdin.Fd())
	if term.IsTerminal(stdinFd) {
		if w, h, err := term.GetSize(stdinFd); err == nil {
			_ = pty.Setsize(ptmx, &pty.Winsize{Cols: uint16(w), Rows: uint16(h)})
		}
	}

	var oldState *term.State
	if term.IsTerminal(stdinFd) {
		if oldState, err = term.MakeRaw(stdinFd); err != nil {
			oldState = nil
		}
	}
	restore := func() {
		if oldState != nil {
			_ = term.Restore(stdinFd, oldState)
		}
	}
	defer restore()

	// User keystrokes flow into the pty; program output flows to the
	// user's screen and into the capture buffer.
	var captured bytes.Buffer
	var mu sync.Mutex

	stdinDone := make(chan struct{})
	go func() {
		defer close(stdinDone)
		_, _ = io.Copy(ptmx, os.Stdin)
	}()
	_, _ = io.Copy(io.MultiWriter(os.Stdout, lockedWriter{&mu, &captured}), ptmx)

	err = cmd.Wait()
	restore()

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return agent.Fail(toolName, agent.ToolErrorExecution, "passthrough run: %v", err)
		}
	}

	mu.Lock()
	output := StripANSI(captured.String())
	mu.Unlock()
	if len(output) > maxOutputBytes {
		output = output[:maxOutputBytes] + "\n[output truncated]"
	}

	result := agent.Ok(toolName, "").MarshalOutput(map[string]any{
		"output":    output,
		"exit_code": exitCode,
		"mode":      "passthrough",
	})
	return result.WithAction("$ %s (interactive)", firstLine(command)).
		WithMeta("exit_code", exitCode)
}

// lockedWriter serializes writes into the capture buffer.
type lockedWriter struct {
	mu  *sync.Mutex
	buf *bytes.Buffer
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}
