// Package vcs implements the git tool: read operations over a
// repository plus commit/push/pull with broker-serialized commits.
package vcs

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/anvil/internal/agent"
)

const (
	toolName = "git"

	// gitLockTimeout bounds how long a commit waits on the broker's
	// singleton git lock before degrading to best-effort.
	gitLockTimeout = 30 * time.Second
)

var operations = []string{
	"status", "log", "diff", "branch", "commit",
	"push", "pull", "blame", "stash", "tag",
}

// interactiveFlags are git options that open an editor or a prompt
// loop. None of them can work under a captured executor.
var interactiveFlags = map[string]bool{
	"-i":            true,
	"--interactive": true,
	"-p":            true,
	"--patch":       true,
	"-e":            true,
	"--edit":        true,
}

// Tool is the git implementation.
type Tool struct {
	runner gitRunner
}

// New returns the git tool.
func New() *Tool { return &Tool{runner: osGitRunner{}} }

func (t *Tool) Name() string { return toolName }

func (t *Tool) Description() string {
	return "Git operations: status, log, diff, branch, commit, push, pull, " +
		"blame, stash, tag. Commits are serialized across sibling agents " +
		"through the coordination broker's git lock."
}

func (t *Tool) Operations() []string { return operations }

func (t *Tool) Schema() map[string]any {
	return agent.OperationSchema(operations, map[string]any{
		"message":    map[string]any{"type": "string", "description": "Commit, stash, or annotated-tag message"},
		"files":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Paths to stage for commit; default stages everything"},
		"path":       map[string]any{"type": "string", "description": "Limit diff/log/blame to this path"},
		"staged":     map[string]any{"type": "boolean", "description": "Diff the index instead of the worktree"},
		"max_count":  map[string]any{"type": "integer", "description": "Number of log entries, default 10"},
		"author":     map[string]any{"type": "string", "description": "Filter log by author"},
		"since":      map[string]any{"type": "string", "description": "Filter log by date, e.g. '2 weeks ago'"},
		"name":       map[string]any{"type": "string", "description": "Branch or tag name"},
		"create":     map[string]any{"type": "boolean", "description": "Create and switch to the named branch"},
		"delete":     map[string]any{"type": "boolean", "description": "Delete the named branch or tag"},
		"remote":     map[string]any{"type": "string", "description": "Remote for push/pull, default origin"},
		"start_line": map[string]any{"type": "integer", "description": "First line for blame"},
		"end_line":   map[string]any{"type": "integer", "description": "Last line for blame"},
		"action":     map[string]any{"type": "string", "description": "Stash action: push, pop, list, drop"},
	})
}

func (t *Tool) Execute(ctx context.Context, tc *agent.ToolContext, args map[string]any) (*agent.ToolResult, error) {
	op, fail := agent.RequireOperation(t, args)
	if fail != nil {
		return fail, nil
	}
	if flag := firstInteractiveFlag(args); flag != "" {
		return agent.Fail(toolName, agent.ToolErrorInvalidInput,
			"interactive git flag %q is not supported; this tool runs without a terminal", flag), nil
	}

	dir := tc.WorkDir()
	switch op {
	case "status":
		return t.run(ctx, dir, "status view", "status", "--short", "--branch")
	case "log":
		return t.log(ctx, dir, args)
	case "diff":
		return t.diff(ctx, dir, args)
	case "branch":
		return t.branch(ctx, dir, args)
	case "commit":
		return t.commit(ctx, tc, dir, args)
	case "push":
		return t.pushPull(ctx, dir, "push", args)
	case "pull":
		return t.pushPull(ctx, dir, "pull", args)
	case "blame":
		return t.blame(ctx, dir, args)
	case "stash":
		return t.stash(ctx, dir, args)
	case "tag":
		return t.tag(ctx, dir, args)
	}
	return agent.UnknownOperation(t, op), nil
}

func (t *Tool) log(ctx context.Context, dir string, args map[string]any) (*agent.ToolResult, error) {
	n := agent.IntArg(args, "max_count", 10)
	gitArgs := []string{"log", "-n", strconv.Itoa(n), "--date=iso", "--pretty=format:%h %ad %an%n  %s"}
	if author := agent.StringArg(args, "author"); author != "" {
		gitArgs = append(gitArgs, "--author="+author)
	}
	if since := agent.StringArg(args, "since"); since != "" {
		gitArgs = append(gitArgs, "--since="+since)
	}
	if path := agent.StringArg(args, "path"); path != "" {
		gitArgs = append(gitArgs, "--", path)
	}
	return t.run(ctx, dir, fmt.Sprintf("last %d commits", n), gitArgs...)
}

func (t *Tool) diff(ctx context.Context, dir string, args map[string]any) (*agent.ToolResult, error) {
	gitArgs := []string{"diff"}
	if agent.BoolArg(args, "staged", false) {
		gitArgs = append(gitArgs, "--staged")
	}
	if path := agent.StringArg(args, "path"); path != "" {
		gitArgs = append(gitArgs, "--", path)
	}
	return t.run(ctx, dir, "diff", gitArgs...)
}

func (t *Tool) branch(ctx context.Context, dir string, args map[string]any) (*agent.ToolResult, error) {
	name := agent.StringArg(args, "name")
	switch {
	case name == "":
		return t.run(ctx, dir, "branch list", "branch", "--verbose")
	case agent.BoolArg(args, "delete", false):
		return t.run(ctx, dir, "delete branch "+name, "branch", "-D", name)
	case agent.BoolArg(args, "create", false):
		return t.run(ctx, dir, "create branch "+name, "checkout", "-b", name)
	default:
		return t.run(ctx, dir, "switch to "+name, "checkout", name)
	}
}

// commit stages and commits inside the broker's git-lock critical
// section so sibling agents never interleave stage/commit pairs. A
// denied or unreachable lock degrades to best-effort with a warning.
func (t *Tool) commit(ctx context.Context, tc *agent.ToolContext, dir string, args map[string]any) (*agent.ToolResult, error) {
	message := strings.TrimSpace(agent.StringArg(args, "message"))
	if message == "" {
		return agent.Fail(toolName, agent.ToolErrorInvalidInput, "commit requires a 'message'"), nil
	}

	var lockWarning string
	if tc.Broker != nil {
		lockCtx, cancel := context.WithTimeout(ctx, gitLockTimeout)
		err := tc.Broker.RequestGitLock(lockCtx)
		cancel()
		if err == nil {
			defer func() {
				if rerr := tc.Broker.ReleaseGitLock(context.WithoutCancel(ctx)); rerr != nil && tc.Logger != nil {
					tc.Logger.Warn(ctx, "release git lock", "error", rerr)
				}
			}()
		} else {
			lockWarning = fmt.Sprintf("git lock unavailable (%v); committing best-effort", err)
			if tc.Logger != nil {
				tc.Logger.Warn(ctx, "git lock degraded", "error", err)
			}
		}
	}

	addArgs := []string{"add"}
	if files := stringSliceArg(args, "files"); len(files) > 0 {
		addArgs = append(addArgs, "--")
		addArgs = append(addArgs, files...)
	} else {
		addArgs = append(addArgs, "-A")
	}
	if out, err := t.runner.Run(ctx, dir, addArgs...); err != nil || out.ExitCode != 0 {
		return gitFailure("stage files", out, err), nil
	}

	out, err := t.runner.Run(ctx, dir, "commit", "-m", message)
	if err != nil || out.ExitCode != 0 {
		return gitFailure("commit", out, err), nil
	}

	hash := ""
	if rev, rerr := t.runner.Run(ctx, dir, "rev-parse", "--short", "HEAD"); rerr == nil && rev.ExitCode == 0 {
		hash = strings.TrimSpace(rev.Stdout)
	}

	output := strings.TrimSpace(out.Stdout)
	if lockWarning != "" {
		output = "WARNING: " + lockWarning + "\n" + output
	}
	result := agent.Ok(toolName, output).WithAction("git commit %s", hash)
	if hash != "" {
		result.WithMeta("commit", hash)
	}
	if lockWarning != "" {
		result.WithMeta("lock_degraded", true)
	}
	return result, nil
}

func (t *Tool) pushPull(ctx context.Context, dir, verb string, args map[string]any) (*agent.ToolResult, error) {
	gitArgs := []string{verb}
	remote := agent.StringArg(args, "remote")
	branch := agent.StringArg(args, "name")
	if remote == "" && branch != "" {
		remote = "origin"
	}
	if remote != "" {
		gitArgs = append(gitArgs, remote)
	}
	if branch != "" {
		gitArgs = append(gitArgs, branch)
	}
	return t.run(ctx, dir, "git "+verb, gitArgs...)
}

func (t *Tool) blame(ctx context.Context, dir string, args map[string]any) (*agent.ToolResult, error) {
	path := agent.StringArg(args, "path")
	if path == "" {
		return agent.Fail(toolName, agent.ToolErrorInvalidInput, "blame requires a 'path'"), nil
	}
	gitArgs := []string{"blame", "--date=short"}
	start := agent.IntArg(args, "start_line", 0)
	end := agent.IntArg(args, "end_line", 0)
	if start > 0 {
		if end < start {
			end = start
		}
		gitArgs = append(gitArgs, "-L", fmt.Sprintf("%d,%d", start, end))
	}
	gitArgs = append(gitArgs, "--", path)
	return t.run(ctx, dir, "blame "+path, gitArgs...)
}

func (t *Tool) stash(ctx context.Context, dir string, args map[string]any) (*agent.ToolResult, error) {
	action := agent.StringArg(args, "action")
	if action == "" {
		action = "push"
	}
	switch action {
	case "push":
		gitArgs := []string{"stash", "push"}
		if msg := agent.StringArg(args, "message"); msg != "" {
			gitArgs = append(gitArgs, "-m", msg)
		}
		return t.run(ctx, dir, "stash push", gitArgs...)
	case "pop", "list", "drop":
		return t.run(ctx, dir, "stash "+action, "stash", action)
	}
	return agent.Fail(toolName, agent.ToolErrorInvalidInput,
		"unknown stash action %q; valid: push, pop, list, drop", action), nil
}

func (t *Tool) tag(ctx context.Context, dir string, args map[string]any) (*agent.ToolResult, error) {
	name := agent.StringArg(args, "name")
	switch {
	case name == "":
		return t.run(ctx, dir, "tag list", "tag", "--list", "-n1")
	case agent.BoolArg(args, "delete", false):
		return t.run(ctx, dir, "delete tag "+name, "tag", "-d", name)
	default:
		gitArgs := []string{"tag"}
		if msg := agent.StringArg(args, "message"); msg != "" {
			gitArgs = append(gitArgs, "-a", name, "-m", msg)
		} else {
			gitArgs = append(gitArgs, name)
		}
		return t.run(ctx, dir, "create tag "+name, gitArgs...)
	}
}

// run executes one git command and shapes the result.
func (t *Tool) run(ctx context.Context, dir, action string, gitArgs ...string) (*agent.ToolResult, error) {
	out, err := t.runner.Run(ctx, dir, gitArgs...)
	if err != nil || out.ExitCode != 0 {
		return gitFailure(strings.Join(gitArgs, " "), out, err), nil
	}
	output := strings.TrimSpace(out.Stdout)
	if output == "" {
		output = "(no output)"
	}
	return agent.Ok(toolName, output).WithAction("git %s", action), nil
}

func gitFailure(what string, out *execResult, err error) *agent.ToolResult {
	if err != nil {
		return agent.Fail(toolName, agent.ToolErrorExecution, "git %s: %v", what, err)
	}
	detail := strings.TrimSpace(out.Stderr)
	if detail == "" {
		detail = strings.TrimSpace(out.Stdout)
	}
	errType := agent.ToolErrorExecution
	if strings.Contains(detail, "not a git repository") {
		errType = agent.ToolErrorNotFound
	}
	return agent.Fail(toolName, errType, "git %s failed (exit %d): %s", what, out.ExitCode, detail)
}

// freeTextArgs carry prose, not argv tokens, and are exempt from the
// interactive-flag scan so a commit message may mention "-p" safely.
var freeTextArgs = map[string]bool{"message": true, "since": true, "author": true}

// firstInteractiveFlag scans argv-bearing string arguments for git
// options that would open an editor or prompt loop.
func firstInteractiveFlag(args map[string]any) string {
	for key, v := range args {
		if freeTextArgs[key] {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		for _, field := range strings.Fields(s) {
			if interactiveFlags[field] {
				return field
			}
		}
	}
	return ""
}

func stringSliceArg(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
