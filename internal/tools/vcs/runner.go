package vcs

import (
	"bytes"
	"context"
	"os"
	"os/exec"
)

// execResult carries the captured output of one git invocation.
type execResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// gitRunner runs git with an argv array; no shell is involved.
type gitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (*execResult, error)
}

type osGitRunner struct{}

func (osGitRunner) Run(ctx context.Context, dir string, args ...string) (*execResult, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	// Git must never block on a prompt or spawn an editor here.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "GIT_EDITOR=true")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	res := &execResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, err
	}
	return res, nil
}
