package terminal

import (
	"context"
	"strings"
	"testing"

	"github.com/haasonsaas/anvil/internal/agent"
	"github.com/haasonsaas/anvil/internal/config"
)

func testContext(t *testing.T) *agent.ToolContext {
	t.Helper()
	cfg := config.Default()
	return &agent.ToolContext{Config: cfg, Session: nil}
}

func run(t *testing.T, tool *Tool, args map[string]any) *agent.ToolResult {
	t.Helper()
	res, err := tool.Execute(context.Background(), testContext(t), args)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	return res
}

func TestValidateBlacklist(t *testing.T) {
	tests := []struct {
		name    string
		command string
		blocked bool
	}{
		{"rm recursive force", "rm -rf /tmp/foo", true},
		{"rm rf home", "rm -rf ~", true},
		{"mkfs", "mkfs.ext4 /dev/sda1", true},
		{"dd to device", "dd if=/dev/zero of=/dev/sda", true},
		{"shutdown", "sudo shutdown -h now", true},
		{"fork bomb", ":(){ :|:& };:", true},
		{"write to block device", "cat image.iso > /dev/sda", true},
		{"chmod 777 root", "chmod -R 777 /", true},
		{"plain ls", "ls -la", false},
		{"rm single file", "rm notes.txt", false},
		{"grep mentioning reboot", "grep reboot docs/runbook.md", false},
		{"reboot after chain", "make build && reboot", true},
		{"reboot after semicolon", "true; reboot", true},
		{"echo mentioning rm -rf", "echo rm -rf is destructive", false},
		{"halt in a path", "cat docs/halt.md", false},
	}
	tool := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := tool.validate(tt.command)
			if tt.blocked && res.Success {
				t.Errorf("validate(%q) passed, want blocked", tt.command)
			}
			if !tt.blocked && !res.Success {
				t.Errorf("validate(%q) blocked: %s", tt.command, res.Error)
			}
			if tt.blocked && res.ErrorType != agent.ToolErrorInvalidInput {
				t.Errorf("error type = %s, want %s", res.ErrorType, agent.ToolErrorInvalidInput)
			}
		})
	}
}

func TestValidateJudgesGitBySubcommand(t *testing.T) {
	tool := New()

	// A commit message mentioning rm -rf is not a dangerous command.
	res := tool.validate(`git commit -m "remove the rm -rf fallback"`)
	if !res.Success {
		t.Fatalf("git commit blocked: %s", res.Error)
	}
	if got := res.Metadata["git_subcommand"]; got != "commit" {
		t.Errorf("git_subcommand = %v, want commit", got)
	}

	res = tool.validate("git -C /srv/repo -c user.name=ci log --oneline")
	if !res.Success {
		t.Fatalf("git log blocked: %s", res.Error)
	}
	if got := res.Metadata["git_subcommand"]; got != "log" {
		t.Errorf("git_subcommand = %v, want log", got)
	}

	res = tool.validate("git filter-branch --tree-filter 'rm secrets' HEAD")
	if res.Success {
		t.Error("git filter-branch passed validation")
	}
}

func TestGitSubcommand(t *testing.T) {
	tests := []struct {
		command string
		sub     string
		isGit   bool
	}{
		{"git status", "status", true},
		{"git -C /tmp status", "status", true},
		{"git -c core.pager=cat diff", "diff", true},
		{"git --no-pager log", "log", true},
		{"git", "", true},
		{"ls -la", "", false},
	}
	for _, tt := range tests {
		sub, isGit := gitSubcommand(tt.command)
		if isGit != tt.isGit || sub != tt.sub {
			t.Errorf("gitSubcommand(%q) = (%q, %v), want (%q, %v)",
				tt.command, sub, isGit, tt.sub, tt.isGit)
		}
	}
}

func TestLooksInteractive(t *testing.T) {
	tests := []struct {
		command string
		want    bool
	}{
		{"vim main.go", true},
		{"nano /etc/hosts", true},
		{"less README.md", true},
		{"python3", true},
		{"node", true},
		{"bash", true},
		{"sudo vim /etc/fstab", true},
		{"htop", true},
		{"ls -la", false},
		{"python3 script.py", false},
		{"node server.js &", false},
		{"echo vim", false},
		{"bash -c 'echo hi'", false},
	}
	for _, tt := range tests {
		if got := looksInteractive(tt.command); got != tt.want {
			t.Errorf("looksInteractive(%q) = %v, want %v", tt.command, got, tt.want)
		}
	}
}

func TestStripANSI(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"colors", "\x1b[31mred\x1b[0m plain", "red plain"},
		{"osc title", "\x1b]0;window title\x07done", "done"},
		{"cursor moves", "a\x1b[2Kb\x1b[1;1Hc", "abc"},
		{"crlf", "line one\r\nline two\r\n", "line one\nline two\n"},
		{"progress overwrite", "downloading 10%\rdownloading 50%\rdownloading done\n", "downloading done\n"},
		{"clean passthrough", "nothing to strip\n", "nothing to strip\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripANSI(tt.in); got != tt.want {
				t.Errorf("StripANSI(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestExecuteCapturesOutputAndExitCode(t *testing.T) {
	tool := New()
	dir := t.TempDir()

	res := run(t, tool, map[string]any{
		"operation":         "execute",
		"command":           "echo hello from capture",
		"working_directory": dir,
	})
	if !res.Success {
		t.Fatalf("execute failed: %s", res.Error)
	}
	if !strings.Contains(res.Output, "hello from capture") {
		t.Errorf("output missing command text: %s", res.Output)
	}
	if !strings.Contains(res.Output, `"exit_code": 0`) {
		t.Errorf("output missing exit code: %s", res.Output)
	}
}

func TestExecuteReportsNonZeroExit(t *testing.T) {
	tool := New()

	res := run(t, tool, map[string]any{
		"operation":         "execute",
		"command":           "exit 3",
		"working_directory": t.TempDir(),
	})
	// Non-zero exit is information for the model, not a tool failure.
	if !res.Success {
		t.Fatalf("non-zero exit reported as tool failure: %s", res.Error)
	}
	if got := res.Metadata["exit_code"]; got != 3 {
		t.Errorf("exit_code meta = %v, want 3", got)
	}
	if got := res.Metadata["failed"]; got != true {
		t.Errorf("failed meta = %v, want true", got)
	}
}

func TestExecuteRunsInWorkingDirectory(t *testing.T) {
	tool := New()
	dir := t.TempDir()

	res := run(t, tool, map[string]any{
		"operation":         "execute",
		"command":           "pwd",
		"working_directory": dir,
	})
	if !res.Success {
		t.Fatalf("execute failed: %s", res.Error)
	}
	if !strings.Contains(res.Output, dir) {
		t.Errorf("pwd output %q does not mention %q", res.Output, dir)
	}
}

func TestExecuteTimesOut(t *testing.T) {
	tool := New()

	res := run(t, tool, map[string]any{
		"operation":         "execute",
		"command":           "sleep 5",
		"timeout":           1,
		"working_directory": t.TempDir(),
	})
	if res.Success {
		t.Fatal("command survived past its timeout")
	}
	if res.ErrorType != agent.ToolErrorTimeout {
		t.Errorf("error type = %s, want %s", res.ErrorType, agent.ToolErrorTimeout)
	}
}

func TestExecuteRefusesDangerousCommand(t *testing.T) {
	tool := New()

	res := run(t, tool, map[string]any{
		"operation":         "execute",
		"command":           "rm -rf /",
		"working_directory": t.TempDir(),
	})
	if res.Success {
		t.Fatal("dangerous command executed")
	}
	if res.ErrorType != agent.ToolErrorInvalidInput {
		t.Errorf("error type = %s, want %s", res.ErrorType, agent.ToolErrorInvalidInput)
	}
}

func TestPassthroughModePriority(t *testing.T) {
	tool := New()
	off := false

	// Per-call flag wins over everything.
	cfg := &config.Config{TerminalPassthrough: true}
	tc := &agent.ToolContext{Config: cfg}
	if tool.passthroughMode(tc, "ls", map[string]any{"passthrough": false}) {
		t.Error("per-call passthrough=false overridden by config")
	}

	// Config forces passthrough for non-interactive commands.
	if !tool.passthroughMode(tc, "ls", map[string]any{}) {
		t.Error("TerminalPassthrough=true ignored")
	}

	// Autodetect disabled pins capture mode even for editors.
	tc = &agent.ToolContext{Config: &config.Config{TerminalAutodetect: &off}}
	if tool.passthroughMode(tc, "vim main.go", map[string]any{}) {
		t.Error("autodetect disabled but interactive command went passthrough")
	}

	// Default: heuristics decide.
	tc = &agent.ToolContext{Config: config.Default()}
	if !tool.passthroughMode(tc, "vim main.go", map[string]any{}) {
		t.Error("interactive command not autodetected")
	}
	if tool.passthroughMode(tc, "go test ./...", map[string]any{}) {
		t.Error("batch command autodetected as interactive")
	}
}

func TestFirstLine(t *testing.T) {
	if got := firstLine("make build\nmake test"); got != "make build ..." {
		t.Errorf("firstLine = %q", got)
	}
	long := strings.Repeat("x", 120)
	if got := firstLine(long); len(got) != 100 || !strings.HasSuffix(got, "...") {
		t.Errorf("firstLine long = %q (len %d)", got, len(got))
	}
}
