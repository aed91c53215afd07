package remote

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/anvil/internal/devices"
	"github.com/haasonsaas/anvil/internal/observability"
)

// scriptedRunner answers commands by matching substrings against the
// joined argv, in registration order.
type scriptedRunner struct {
	mu    sync.Mutex
	rules []scriptRule
	calls [][]string
}

type scriptRule struct {
	match  string
	result *execResult
	err    error
}

func (r *scriptedRunner) on(match string, result *execResult, err error) {
	r.rules = append(r.rules, scriptRule{match, result, err})
}

func (r *scriptedRunner) Run(ctx context.Context, name string, args ...string) (*execResult, error) {
	argv := append([]string{name}, args...)
	r.mu.Lock()
	r.calls = append(r.calls, argv)
	r.mu.Unlock()

	joined := strings.Join(argv, " ")
	for _, rule := range r.rules {
		if strings.Contains(joined, rule.match) {
			return rule.result, rule.err
		}
	}
	// Anything unscripted succeeds silently.
	return &execResult{}, nil
}

func (r *scriptedRunner) commandLines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	lines := make([]string, len(r.calls))
	for i, argv := range r.calls {
		lines[i] = strings.Join(argv, " ")
	}
	return lines
}

func testDevice() devices.Device {
	return devices.Device{Name: "pi", Host: "10.0.0.5", User: "pi", Port: 22}
}

func newTestExecutor(t *testing.T, runner *scriptedRunner, reg *devices.Registry) *Executor {
	t.Helper()
	t.Setenv("SSH_AUTH_SOCK", "/tmp/fake-agent.sock")
	e, err := NewExecutor(Options{
		Registry:   reg,
		Logger:     observability.Nop(),
		BinDir:     t.TempDir(),
		EntryPoint: "anvil",
	})
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	e.runner = runner
	return e
}

func TestValidateSSHSuccess(t *testing.T) {
	runner := &scriptedRunner{}
	e := newTestExecutor(t, runner, nil)

	if err := e.ValidateSSH(context.Background(), testDevice()); err != nil {
		t.Fatalf("ValidateSSH: %v", err)
	}
	lines := runner.commandLines()
	if len(lines) != 1 {
		t.Fatalf("len(calls) = %d, want 1", len(lines))
	}
	for _, want := range []string{"ssh", "BatchMode=yes", "pi@10.0.0.5", "exit"} {
		if !strings.Contains(lines[0], want) {
			t.Errorf("probe argv %q missing %q", lines[0], want)
		}
	}
}

func TestValidateSSHClassifiesFailures(t *testing.T) {
	tests := []struct {
		name   string
		stderr string
		want   SSHFailure
	}{
		{"permission denied", "pi@10.0.0.5: Permission denied (publickey).", FailurePermissionDenied},
		{"refused", "ssh: connect to host 10.0.0.5 port 22: Connection refused", FailureRefused},
		{"dns", "ssh: Could not resolve hostname pi.local", FailureUnreachable},
		{"timeout", "ssh: connect to host 10.0.0.5 port 22: Operation timed out", FailureUnreachable},
		{"other", "something strange", FailureUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &scriptedRunner{}
			runner.on("exit", &execResult{ExitCode: 255, Stderr: tt.stderr}, nil)
			e := newTestExecutor(t, runner, nil)

			err := e.ValidateSSH(context.Background(), testDevice())
			ge, ok := err.(*GuidanceError)
			if !ok {
				t.Fatalf("error type %T, want *GuidanceError", err)
			}
			if ge.Failure != tt.want {
				t.Errorf("Failure = %s, want %s", ge.Failure, tt.want)
			}
			if ge.Guidance == "" {
				t.Error("Guidance is empty")
			}
		})
	}
}

func TestValidateSSHNoAuthSource(t *testing.T) {
	runner := &scriptedRunner{}
	e := newTestExecutor(t, runner, nil)
	t.Setenv("SSH_AUTH_SOCK", "")
	t.Setenv("HOME", t.TempDir())

	err := e.ValidateSSH(context.Background(), testDevice())
	ge, ok := err.(*GuidanceError)
	if !ok {
		t.Fatalf("error type %T, want *GuidanceError", err)
	}
	if ge.Failure != FailureNoAuth {
		t.Errorf("Failure = %s, want %s", ge.Failure, FailureNoAuth)
	}
	if len(runner.calls) != 0 {
		t.Error("ssh should not run without an auth source")
	}
}

func TestCheckRemote(t *testing.T) {
	runner := &scriptedRunner{}
	runner.on("command -v sh", &execResult{Stdout: "/bin/sh\n"}, nil)
	runner.on("command -v curl", &execResult{Stdout: "/usr/bin/curl\n"}, nil)
	runner.on("df -k /tmp", &execResult{Stdout: "tmpfs 1000000 100000 900000 10% /tmp\n"}, nil)
	e := newTestExecutor(t, runner, nil)

	report, err := e.CheckRemote(context.Background(), testDevice())
	if err != nil {
		t.Fatalf("CheckRemote: %v", err)
	}
	if !report.Ok() {
		t.Errorf("report not ok: %+v", report)
	}
	if report.Downloader != "curl" {
		t.Errorf("Downloader = %q, want curl", report.Downloader)
	}
	if report.TmpFreeKB != 900000 {
		t.Errorf("TmpFreeKB = %d, want 900000", report.TmpFreeKB)
	}
}

func TestCheckRemoteLowDisk(t *testing.T) {
	runner := &scriptedRunner{}
	runner.on("command -v sh", &execResult{Stdout: "/bin/sh\n"}, nil)
	runner.on("command -v curl", &execResult{Stdout: "/usr/bin/wget\n"}, nil)
	runner.on("df -k /tmp", &execResult{Stdout: "tmpfs 1000000 999000 1000 99% /tmp\n"}, nil)
	e := newTestExecutor(t, runner, nil)

	report, err := e.CheckRemote(context.Background(), testDevice())
	if err != nil {
		t.Fatalf("CheckRemote: %v", err)
	}
	if report.EnoughTmpFree {
		t.Error("1000 KB free should fail the 50 MB floor")
	}
	if report.Ok() {
		t.Error("report should not be ok")
	}
}

func TestExecuteRemotePipeline(t *testing.T) {
	runner := &scriptedRunner{}
	runner.on("command -v sh", &execResult{Stdout: "/bin/sh\n"}, nil)
	runner.on("command -v curl", &execResult{Stdout: "/usr/bin/curl\n"}, nil)
	runner.on("df -k /tmp", &execResult{Stdout: "tmpfs 1000000 100000 900000 10% /tmp\n"}, nil)
	runner.on("--input", &execResult{Stdout: "task output"}, nil)
	e := newTestExecutor(t, runner, nil)

	res, err := e.ExecuteRemote(context.Background(), "pi@10.0.0.5", RunOptions{
		Task:        "run the test suite",
		Model:       "claude-sonnet-4",
		Credentials: Credentials{Provider: "anthropic", APIKey: "sk-secret-key", Model: "claude-sonnet-4"},
	})
	if err != nil {
		t.Fatalf("ExecuteRemote: %v", err)
	}
	if res.Output != "task output" {
		t.Errorf("Output = %q", res.Output)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d", res.ExitCode)
	}
	if res.Device != "pi@10.0.0.5" {
		t.Errorf("Device = %q", res.Device)
	}

	lines := runner.commandLines()

	// The API key must never appear in any argv.
	for _, line := range lines {
		if strings.Contains(line, "sk-secret-key") {
			t.Fatalf("api key leaked into argv: %s", line)
		}
	}

	// Pipeline order: probe, env checks, mkdir, rsync tree, chmod,
	// rsync creds, run, cleanup.
	var stages []string
	for _, line := range lines {
		switch {
		case strings.Contains(line, "mkdir -p"):
			stages = append(stages, "mkdir")
		case strings.HasPrefix(line, "rsync"):
			stages = append(stages, "rsync")
		case strings.Contains(line, "chmod +x"):
			stages = append(stages, "chmod")
		case strings.Contains(line, "--input"):
			stages = append(stages, "run")
		case strings.Contains(line, "rm -rf"):
			stages = append(stages, "cleanup")
		}
	}
	want := []string{"mkdir", "rsync", "chmod", "rsync", "run", "cleanup"}
	if fmt.Sprint(stages) != fmt.Sprint(want) {
		t.Errorf("stages = %v, want %v", stages, want)
	}
}

func TestExecuteRemoteSkipCleanup(t *testing.T) {
	runner := &scriptedRunner{}
	runner.on("command -v sh", &execResult{Stdout: "/bin/sh\n"}, nil)
	runner.on("command -v curl", &execResult{Stdout: "/usr/bin/curl\n"}, nil)
	runner.on("df -k /tmp", &execResult{Stdout: "tmpfs 1000000 100000 900000 10% /tmp\n"}, nil)
	e := newTestExecutor(t, runner, nil)

	_, err := e.ExecuteRemote(context.Background(), "pi@10.0.0.5", RunOptions{
		Task:        "noop",
		SkipCleanup: true,
	})
	if err != nil {
		t.Fatalf("ExecuteRemote: %v", err)
	}
	for _, line := range runner.commandLines() {
		if strings.Contains(line, "rm -rf") {
			t.Error("cleanup ran despite SkipCleanup")
		}
	}
}

func TestCleanupRefusesNonStagingPath(t *testing.T) {
	runner := &scriptedRunner{}
	e := newTestExecutor(t, runner, nil)

	err := e.Cleanup(context.Background(), testDevice(), "/home/pi")
	if err == nil || !strings.Contains(err.Error(), "refusing") {
		t.Fatalf("err = %v, want refusal", err)
	}
	if len(runner.calls) != 0 {
		t.Error("no command should run for a refused cleanup")
	}
}

func TestExecuteParallelOrderAndCounts(t *testing.T) {
	reg, err := devices.Open(filepath.Join(t.TempDir(), "devices.db"))
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	defer reg.Close()
	ctx := context.Background()
	for _, d := range []devices.Device{
		{Name: "alpha", Host: "10.0.0.1", User: "a"},
		{Name: "beta", Host: "10.0.0.2", User: "b"},
		{Name: "gamma", Host: "10.0.0.3", User: "c"},
	} {
		if err := reg.Add(ctx, d); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	runner := &scriptedRunner{}
	runner.on("command -v sh", &execResult{Stdout: "/bin/sh\n"}, nil)
	runner.on("command -v curl", &execResult{Stdout: "/usr/bin/curl\n"}, nil)
	runner.on("df -k /tmp", &execResult{Stdout: "tmpfs 1000000 100000 900000 10% /tmp\n"}, nil)
	// beta's run fails, the others succeed.
	runner.on("b@10.0.0.2 cd", &execResult{Stdout: "boom", ExitCode: 1}, nil)
	runner.on("--input", &execResult{Stdout: "done"}, nil)
	e := newTestExecutor(t, runner, reg)

	agg, err := e.ExecuteParallel(ctx, []string{"all"}, ParallelOptions{
		RunOptions:     RunOptions{Task: "noop"},
		DeviceDeadline: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("ExecuteParallel: %v", err)
	}
	if len(agg.Results) != 3 {
		t.Fatalf("len(Results) = %d, want 3", len(agg.Results))
	}
	// Input order (registry lists by name): alpha, beta, gamma.
	wantDevices := []string{"a@10.0.0.1", "b@10.0.0.2", "c@10.0.0.3"}
	for i, want := range wantDevices {
		if agg.Results[i].Device != want {
			t.Errorf("Results[%d].Device = %q, want %q", i, agg.Results[i].Device, want)
		}
	}
	if agg.SuccessCount != 2 {
		t.Errorf("SuccessCount = %d, want 2", agg.SuccessCount)
	}
	if agg.Results[1].ExitCode != 1 {
		t.Errorf("beta ExitCode = %d, want 1", agg.Results[1].ExitCode)
	}
}

func TestExecuteParallelBadTargetFailsFast(t *testing.T) {
	runner := &scriptedRunner{}
	e := newTestExecutor(t, runner, nil)

	_, err := e.ExecuteParallel(context.Background(), []string{"no-registry-name"}, ParallelOptions{
		RunOptions: RunOptions{Task: "noop"},
	})
	if err == nil {
		t.Fatal("expected resolution error")
	}
	if len(runner.calls) != 0 {
		t.Error("no command should run when resolution fails")
	}
}
