// Package remote runs agent tasks on other machines over SSH. Commands
// are always built as argv arrays and handed to os/exec; nothing is
// interpolated through a local shell. Credentials travel only inside
// staged files, never on command lines.
package remote

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
)

// execResult captures one finished command.
type execResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner abstracts process execution so tests can script ssh and
// rsync without a network.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (*execResult, error)
}

// osRunner executes for real via os/exec.
type osRunner struct{}

func (osRunner) Run(ctx context.Context, name string, args ...string) (*execResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &execResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		err = nil
	default:
		return nil, err
	}
	return res, nil
}

// shellQuote wraps s in single quotes for the remote side of an ssh
// invocation. The local process still passes it as one argv element;
// only the remote login shell sees the quoting.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
