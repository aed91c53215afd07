package vcs

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/haasonsaas/anvil/internal/agent"
	"github.com/haasonsaas/anvil/pkg/models"
)

// fakeRunner replays scripted results and records every argv it sees,
// optionally into a shared event log for ordering assertions.
type fakeRunner struct {
	results map[string]*execResult // keyed by first argv token
	calls   [][]string
	events  *[]string
}

func (f *fakeRunner) Run(_ context.Context, _ string, args ...string) (*execResult, error) {
	f.calls = append(f.calls, args)
	if f.events != nil {
		*f.events = append(*f.events, "git "+args[0])
	}
	if res, ok := f.results[args[0]]; ok {
		return res, nil
	}
	return &execResult{Stdout: "ok\n"}, nil
}

// fakeBroker records lock traffic; only the git-lock methods matter here.
type fakeBroker struct {
	lockErr error
	events  *[]string
}

func (f *fakeBroker) AgentID() string { return "user" }
func (f *fakeBroker) RequestGitLock(context.Context) error {
	if f.lockErr != nil {
		return f.lockErr
	}
	if f.events != nil {
		*f.events = append(*f.events, "acquire")
	}
	return nil
}
func (f *fakeBroker) ReleaseGitLock(context.Context) error {
	if f.events != nil {
		*f.events = append(*f.events, "release")
	}
	return nil
}
func (f *fakeBroker) RequestFileLock(context.Context, []string) error { return nil }
func (f *fakeBroker) ReleaseFileLock(context.Context, []string) error { return nil }
func (f *fakeBroker) SendMessage(context.Context, string, models.BrokerMessageType, string) (int64, error) {
	return 0, nil
}
func (f *fakeBroker) PollInbox(context.Context) ([]models.BrokerMessage, error)      { return nil, nil }
func (f *fakeBroker) Acknowledge(context.Context, []int64) (int, error)              { return 0, nil }
func (f *fakeBroker) MessageHistory(context.Context) ([]models.BrokerMessage, error) { return nil, nil }
func (f *fakeBroker) SendDiscovery(context.Context, string) error                    { return nil }
func (f *fakeBroker) SendWarning(context.Context, string) error                      { return nil }
func (f *fakeBroker) Discoveries(context.Context) ([]models.BrokerMessage, error)    { return nil, nil }
func (f *fakeBroker) Warnings(context.Context) ([]models.BrokerMessage, error)       { return nil, nil }

func newTestTool(runner *fakeRunner) (*Tool, *agent.ToolContext) {
	tool := &Tool{runner: runner}
	tc := &agent.ToolContext{
		Session: &models.Session{WorkingDirectory: "/work/repo"},
	}
	return tool, tc
}

func execute(t *testing.T, tool *Tool, tc *agent.ToolContext, args map[string]any) *agent.ToolResult {
	t.Helper()
	res, err := tool.Execute(context.Background(), tc, args)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	return res
}

func TestStatus(t *testing.T) {
	runner := &fakeRunner{results: map[string]*execResult{
		"status": {Stdout: "## main\n M internal/agent/loop.go\n"},
	}}
	tool, tc := newTestTool(runner)

	res := execute(t, tool, tc, map[string]any{"operation": "status"})
	if !res.Success {
		t.Fatalf("status failed: %s", res.Error)
	}
	if !strings.Contains(res.Output, "loop.go") {
		t.Errorf("output = %q", res.Output)
	}
	want := []string{"status", "--short", "--branch"}
	if got := runner.calls[0]; strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("argv = %v, want %v", got, want)
	}
}

func TestLogBuildsFilters(t *testing.T) {
	runner := &fakeRunner{}
	tool, tc := newTestTool(runner)

	execute(t, tool, tc, map[string]any{
		"operation": "log",
		"max_count": 5,
		"author":    "jonathan",
		"since":     "2 weeks ago",
		"path":      "internal/broker",
	})
	argv := strings.Join(runner.calls[0], " ")
	for _, want := range []string{"-n 5", "--author=jonathan", "--since=2 weeks ago", "-- internal/broker"} {
		if !strings.Contains(argv, want) {
			t.Errorf("argv %q missing %q", argv, want)
		}
	}
}

func TestDiffStaged(t *testing.T) {
	runner := &fakeRunner{}
	tool, tc := newTestTool(runner)

	execute(t, tool, tc, map[string]any{"operation": "diff", "staged": true, "path": "go.mod"})
	if argv := strings.Join(runner.calls[0], " "); argv != "diff --staged -- go.mod" {
		t.Errorf("argv = %q", argv)
	}
}

func TestCommitHoldsGitLockAroundCriticalSection(t *testing.T) {
	var events []string
	runner := &fakeRunner{
		events:  &events,
		results: map[string]*execResult{"rev-parse": {Stdout: "abc1234\n"}},
	}
	tool, tc := newTestTool(runner)
	tc.Broker = &fakeBroker{events: &events}

	res := execute(t, tool, tc, map[string]any{"operation": "commit", "message": "fix watcher race"})
	if !res.Success {
		t.Fatalf("commit failed: %s", res.Error)
	}
	if got := res.Metadata["commit"]; got != "abc1234" {
		t.Errorf("commit meta = %v", got)
	}

	want := []string{"acquire", "git add", "git commit", "git rev-parse", "release"}
	if strings.Join(events, ",") != strings.Join(want, ",") {
		t.Errorf("event order = %v, want %v", events, want)
	}
}

func TestCommitStagesNamedFiles(t *testing.T) {
	runner := &fakeRunner{}
	tool, tc := newTestTool(runner)

	execute(t, tool, tc, map[string]any{
		"operation": "commit",
		"message":   "split broker protocol",
		"files":     []any{"internal/broker/protocol.go", "internal/broker/server.go"},
	})
	if argv := strings.Join(runner.calls[0], " "); argv != "add -- internal/broker/protocol.go internal/broker/server.go" {
		t.Errorf("stage argv = %q", argv)
	}
}

func TestCommitDegradesWhenLockDenied(t *testing.T) {
	var events []string
	runner := &fakeRunner{events: &events}
	tool, tc := newTestTool(runner)
	tc.Broker = &fakeBroker{lockErr: errors.New("lock denied: held by agent-7"), events: &events}

	res := execute(t, tool, tc, map[string]any{"operation": "commit", "message": "best effort"})
	if !res.Success {
		t.Fatalf("degraded commit failed: %s", res.Error)
	}
	if got := res.Metadata["lock_degraded"]; got != true {
		t.Errorf("lock_degraded = %v", got)
	}
	if !strings.Contains(res.Output, "WARNING") {
		t.Errorf("output lacks warning: %q", res.Output)
	}
	for _, e := range events {
		if e == "release" {
			t.Error("released a lock that was never acquired")
		}
	}
}

func TestCommitWithoutBrokerIsPlain(t *testing.T) {
	runner := &fakeRunner{}
	tool, tc := newTestTool(runner)

	res := execute(t, tool, tc, map[string]any{"operation": "commit", "message": "solo"})
	if !res.Success {
		t.Fatalf("commit failed: %s", res.Error)
	}
	if _, degraded := res.Metadata["lock_degraded"]; degraded {
		t.Error("no-broker commit flagged as degraded")
	}
}

func TestCommitRequiresMessage(t *testing.T) {
	tool, tc := newTestTool(&fakeRunner{})
	res := execute(t, tool, tc, map[string]any{"operation": "commit"})
	if res.Success || res.ErrorType != agent.ToolErrorInvalidInput {
		t.Errorf("got success=%v type=%s", res.Success, res.ErrorType)
	}
}

func TestBlameRange(t *testing.T) {
	runner := &fakeRunner{}
	tool, tc := newTestTool(runner)

	execute(t, tool, tc, map[string]any{
		"operation": "blame", "path": "main.go", "start_line": 4, "end_line": 9,
	})
	if argv := strings.Join(runner.calls[0], " "); !strings.Contains(argv, "-L 4,9 -- main.go") {
		t.Errorf("argv = %q", argv)
	}
}

func TestInteractiveFlagsRejected(t *testing.T) {
	tool, tc := newTestTool(&fakeRunner{})

	res := execute(t, tool, tc, map[string]any{"operation": "diff", "path": "--patch"})
	if res.Success || res.ErrorType != agent.ToolErrorInvalidInput {
		t.Fatalf("interactive flag accepted: success=%v type=%s", res.Success, res.ErrorType)
	}

	// Prose fields are exempt: mentioning -p in a message is fine.
	res = execute(t, tool, tc, map[string]any{
		"operation": "commit", "message": "drop the -p alias from the CLI",
	})
	if !res.Success {
		t.Errorf("commit message mentioning a flag rejected: %s", res.Error)
	}
}

func TestStashRejectsUnknownAction(t *testing.T) {
	tool, tc := newTestTool(&fakeRunner{})
	res := execute(t, tool, tc, map[string]any{"operation": "stash", "action": "explode"})
	if res.Success || res.ErrorType != agent.ToolErrorInvalidInput {
		t.Errorf("got success=%v type=%s", res.Success, res.ErrorType)
	}
}

func TestTagAnnotated(t *testing.T) {
	runner := &fakeRunner{}
	tool, tc := newTestTool(runner)

	execute(t, tool, tc, map[string]any{
		"operation": "tag", "name": "v1.2.0", "message": "release v1.2.0",
	})
	if argv := strings.Join(runner.calls[0], " "); argv != "tag -a v1.2.0 -m release v1.2.0" {
		t.Errorf("argv = %q", argv)
	}
}

func TestMissingRepoMapsToNotFound(t *testing.T) {
	runner := &fakeRunner{results: map[string]*execResult{
		"status": {Stderr: "fatal: not a git repository (or any of the parent directories): .git", ExitCode: 128},
	}}
	tool, tc := newTestTool(runner)

	res := execute(t, tool, tc, map[string]any{"operation": "status"})
	if res.Success || res.ErrorType != agent.ToolErrorNotFound {
		t.Errorf("got success=%v type=%s", res.Success, res.ErrorType)
	}
}
