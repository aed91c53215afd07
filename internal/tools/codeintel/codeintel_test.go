package codeintel

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/anvil/internal/agent"
	"github.com/haasonsaas/anvil/pkg/models"
)

type fakeRunner struct {
	out   *execResult
	calls [][]string
}

func (f *fakeRunner) Run(_ context.Context, _ string, args ...string) (*execResult, error) {
	f.calls = append(f.calls, args)
	if f.out != nil {
		return f.out, nil
	}
	return &execResult{}, nil
}

func newTestTool(runner *fakeRunner, workdir string) (*Tool, *agent.ToolContext) {
	return &Tool{runner: runner},
		&agent.ToolContext{Session: &models.Session{WorkingDirectory: workdir}}
}

func execute(t *testing.T, tool *Tool, tc *agent.ToolContext, args map[string]any) *agent.ToolResult {
	t.Helper()
	res, err := tool.Execute(context.Background(), tc, args)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	return res
}

func TestListUsagesGitGrepInsideRepo(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}
	runner := &fakeRunner{out: &execResult{
		Stdout: "internal/agent/loop.go:42:\tresult := runTurn(ctx)\ninternal/agent/loop_test.go:9:\trunTurn(ctx)\n",
	}}
	tool, tc := newTestTool(runner, dir)

	res := execute(t, tool, tc, map[string]any{"operation": "list_usages", "symbol": "runTurn"})
	if !res.Success {
		t.Fatalf("list_usages failed: %s", res.Error)
	}
	if !strings.Contains(res.Output, "loop.go") || !strings.Contains(res.Output, `"line": 42`) {
		t.Errorf("output = %s", res.Output)
	}
	argv := strings.Join(runner.calls[0], " ")
	if !strings.HasPrefix(argv, "grep -n --no-color -w") || !strings.Contains(argv, "-e runTurn") {
		t.Errorf("argv = %q", argv)
	}
}

func TestListUsagesPassesContextAndPaths(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}
	runner := &fakeRunner{}
	tool, tc := newTestTool(runner, dir)

	execute(t, tool, tc, map[string]any{
		"operation": "list_usages", "symbol": "Store",
		"context_lines": 2, "paths": []any{"internal/results"},
	})
	argv := strings.Join(runner.calls[0], " ")
	if !strings.Contains(argv, "-C 2") || !strings.Contains(argv, "-- internal/results") {
		t.Errorf("argv = %q", argv)
	}
}

func TestListUsagesTreeWalkOutsideRepo(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "a.go"), "package a\n\nfunc Target() {}\n")
	mustWrite(t, filepath.Join(dir, "sub/b.go"), "package b\n\n// Target is called here\nvar _ = Target\n")
	mustWrite(t, filepath.Join(dir, "node_modules/dep.js"), "Target()\n")
	tool, tc := newTestTool(&fakeRunner{}, dir)

	res := execute(t, tool, tc, map[string]any{"operation": "list_usages", "symbol": "Target"})
	if !res.Success {
		t.Fatalf("walk failed: %s", res.Error)
	}
	if !strings.Contains(res.Output, "a.go") || !strings.Contains(res.Output, filepath.Join("sub", "b.go")) {
		t.Errorf("output = %s", res.Output)
	}
	if strings.Contains(res.Output, "node_modules") {
		t.Error("walk descended into node_modules")
	}
	// TargetFoo must not match a word-bounded search for Target.
	mustWrite(t, filepath.Join(dir, "c.go"), "var TargetFoo int\n")
	res = execute(t, tool, tc, map[string]any{"operation": "list_usages", "symbol": "Target"})
	if strings.Contains(res.Output, "c.go") {
		t.Error("word boundary not respected")
	}
}

func TestListUsagesNoMatches(t *testing.T) {
	dir := t.TempDir()
	tool, tc := newTestTool(&fakeRunner{}, dir)

	res := execute(t, tool, tc, map[string]any{"operation": "list_usages", "symbol": "Nonexistent"})
	if !res.Success || !strings.Contains(res.Output, "No usages") {
		t.Errorf("output = %q", res.Output)
	}
}

func logRecord(hash, author, date, subject, body string) string {
	return hash + fieldSeparator + author + fieldSeparator + date + fieldSeparator +
		subject + fieldSeparator + body + recordSeparator + "\n"
}

func TestSearchHistoryScoring(t *testing.T) {
	raw := logRecord("aaa", "ann", "2026-08-01T10:00:00Z", "fix broker lock contention", "the lock table leaked entries") +
		logRecord("bbb", "bob", "2026-08-10T10:00:00Z", "add device registry", "sqlite backed, nothing about locks") +
		logRecord("ccc", "cay", "2026-08-20T10:00:00Z", "update readme", "documents the broker lock protocol")

	runner := &fakeRunner{out: &execResult{Stdout: raw}}
	tool, tc := newTestTool(runner, t.TempDir())

	res := execute(t, tool, tc, map[string]any{"operation": "search_history", "query": "broker lock"})
	if !res.Success {
		t.Fatalf("search failed: %s", res.Error)
	}
	// aaa: both keywords in subject (6) + lock in body (1) + multi (2) +
	// coverage (3) = 12. ccc: both in body (2) + multi (2) + coverage (3)
	// = 7. bbb trails with a single body hit.
	first := strings.Index(res.Output, "aaa")
	second := strings.Index(res.Output, "ccc")
	if first < 0 || second < 0 || first > second {
		t.Errorf("ranking wrong:\n%s", res.Output)
	}
}

func TestScoreCommitsTiebreakNewerFirst(t *testing.T) {
	raw := logRecord("old", "a", "2026-01-01T00:00:00Z", "tune cache", "") +
		logRecord("new", "b", "2026-06-01T00:00:00Z", "tune cache", "")

	matches := scoreCommits(raw, []string{"cache"})
	if len(matches) != 2 {
		t.Fatalf("matches = %d", len(matches))
	}
	if matches[0].Hash != "new" {
		t.Errorf("tiebreak order = %v", []string{matches[0].Hash, matches[1].Hash})
	}
	if matches[0].Score != matches[1].Score {
		t.Errorf("scores differ: %d vs %d", matches[0].Score, matches[1].Score)
	}
	if !matches[0].Date.Equal(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("date = %v", matches[0].Date)
	}
}

func TestScoreCommitsWeights(t *testing.T) {
	raw := logRecord("s", "a", "2026-01-01T00:00:00Z", "retry logic", "") +
		logRecord("b", "a", "2026-01-01T00:00:00Z", "cleanup", "simplify the retry path")

	matches := scoreCommits(raw, []string{"retry"})
	if len(matches) != 2 {
		t.Fatalf("matches = %d", len(matches))
	}
	// One keyword, full coverage: subject hit = 3+3, body hit = 1+3.
	if matches[0].Hash != "s" || matches[0].Score != 6 || matches[1].Score != 4 {
		t.Errorf("scores = %+v", matches)
	}
}

func TestSearchHistoryFilters(t *testing.T) {
	runner := &fakeRunner{out: &execResult{Stdout: ""}}
	tool, tc := newTestTool(runner, t.TempDir())

	execute(t, tool, tc, map[string]any{
		"operation": "search_history", "query": "refactor",
		"since": "2026-01-01", "author": "ann",
	})
	argv := strings.Join(runner.calls[0], " ")
	if !strings.Contains(argv, "--since=2026-01-01") || !strings.Contains(argv, "--author=ann") {
		t.Errorf("argv = %q", argv)
	}
}

func TestSearchHistoryRequiresQuery(t *testing.T) {
	tool, tc := newTestTool(&fakeRunner{}, t.TempDir())
	res := execute(t, tool, tc, map[string]any{"operation": "search_history"})
	if res.Success || res.ErrorType != agent.ToolErrorInvalidInput {
		t.Errorf("success=%v type=%s", res.Success, res.ErrorType)
	}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
