package remotetool

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/anvil/internal/agent"
	"github.com/haasonsaas/anvil/internal/config"
	"github.com/haasonsaas/anvil/internal/devices"
	"github.com/haasonsaas/anvil/internal/remote"
)

func openTestRegistry(t *testing.T) *devices.Registry {
	t.Helper()
	reg, err := devices.Open(filepath.Join(t.TempDir(), "devices.db"))
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func newTestTool(t *testing.T, reg *devices.Registry) *Tool {
	t.Helper()
	exec, err := remote.NewExecutor(remote.Options{
		Registry:   reg,
		BinDir:     t.TempDir(),
		EntryPoint: "anvil",
	})
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	return New(exec, reg)
}

func run(t *testing.T, tool *Tool, args map[string]any) *agent.ToolResult {
	t.Helper()
	res, err := tool.Execute(context.Background(), &agent.ToolContext{}, args)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	return res
}

func TestExecuteRemoteRequiresTargetAndTask(t *testing.T) {
	tool := newTestTool(t, openTestRegistry(t))

	res := run(t, tool, map[string]any{"operation": "execute_remote", "target": "pi"})
	if res.Success || res.ErrorType != agent.ToolErrorInvalidInput {
		t.Fatalf("missing task: got %+v", res)
	}
	res = run(t, tool, map[string]any{"operation": "execute_remote", "task": "build it"})
	if res.Success || res.ErrorType != agent.ToolErrorInvalidInput {
		t.Fatalf("missing target: got %+v", res)
	}
}

func TestExecuteParallelRequiresTargets(t *testing.T) {
	tool := newTestTool(t, openTestRegistry(t))

	res := run(t, tool, map[string]any{"operation": "execute_parallel", "task": "build it"})
	if res.Success || res.ErrorType != agent.ToolErrorInvalidInput {
		t.Fatalf("missing targets: got %+v", res)
	}
}

func TestResolveUnknownDeviceIsNotFound(t *testing.T) {
	tool := newTestTool(t, openTestRegistry(t))

	res := run(t, tool, map[string]any{"operation": "check_remote", "target": "ghost"})
	if res.Success || res.ErrorType != agent.ToolErrorNotFound {
		t.Fatalf("unknown device: got %+v", res)
	}
	if !strings.Contains(res.Error, "ghost") {
		t.Fatalf("error should name the target: %q", res.Error)
	}
}

func TestCleanupRequiresStaging(t *testing.T) {
	reg := openTestRegistry(t)
	if err := reg.Add(context.Background(), devices.Device{Name: "pi", Host: "10.0.0.5", User: "pi"}); err != nil {
		t.Fatalf("add device: %v", err)
	}
	tool := newTestTool(t, reg)

	res := run(t, tool, map[string]any{"operation": "cleanup_remote", "target": "pi"})
	if res.Success || res.ErrorType != agent.ToolErrorInvalidInput {
		t.Fatalf("missing staging: got %+v", res)
	}
}

func TestListDevicesRendersGroups(t *testing.T) {
	reg := openTestRegistry(t)
	ctx := context.Background()
	for _, d := range []devices.Device{
		{Name: "pi", Host: "10.0.0.5", User: "pi"},
		{Name: "nas", Host: "10.0.0.9", User: "admin", Port: 2222},
	} {
		if err := reg.Add(ctx, d); err != nil {
			t.Fatalf("add %s: %v", d.Name, err)
		}
	}
	if err := reg.AddToGroup(ctx, "lab", "pi"); err != nil {
		t.Fatalf("group: %v", err)
	}
	tool := newTestTool(t, reg)

	res := run(t, tool, map[string]any{"operation": "list_devices"})
	if !res.Success {
		t.Fatalf("list failed: %+v", res)
	}
	if !strings.Contains(res.Output, "pi@10.0.0.5") {
		t.Errorf("missing pi addr in %q", res.Output)
	}
	if !strings.Contains(res.Output, "admin@10.0.0.9 (port 2222)") {
		t.Errorf("missing non-default port in %q", res.Output)
	}
	if !strings.Contains(res.Output, "[lab]") {
		t.Errorf("missing group membership in %q", res.Output)
	}
	if res.Metadata["count"] != 2 {
		t.Errorf("count = %v, want 2", res.Metadata["count"])
	}
}

func TestListDevicesEmptyRegistry(t *testing.T) {
	tool := newTestTool(t, openTestRegistry(t))

	res := run(t, tool, map[string]any{"operation": "list_devices"})
	if !res.Success || !strings.Contains(res.Output, "No devices") {
		t.Fatalf("empty registry: got %+v", res)
	}
}

func TestListDevicesWithoutRegistry(t *testing.T) {
	exec, err := remote.NewExecutor(remote.Options{BinDir: t.TempDir(), EntryPoint: "anvil"})
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	tool := New(exec, nil)

	res := run(t, tool, map[string]any{"operation": "list_devices"})
	if res.Success || res.ErrorType != agent.ToolErrorNotFound {
		t.Fatalf("no registry: got %+v", res)
	}
}

func TestUnconfiguredExecutorFailsCleanly(t *testing.T) {
	tool := New(nil, nil)

	res := run(t, tool, map[string]any{"operation": "execute_remote", "target": "pi", "task": "x"})
	if res.Success || res.ErrorType != agent.ToolErrorExecution {
		t.Fatalf("nil executor: got %+v", res)
	}
}

func TestUnknownOperation(t *testing.T) {
	tool := newTestTool(t, openTestRegistry(t))

	res := run(t, tool, map[string]any{"operation": "teleport"})
	if res.Success || res.ErrorType != agent.ToolErrorInvalidInput {
		t.Fatalf("unknown op: got %+v", res)
	}
}

func TestRemoteFailureMapping(t *testing.T) {
	ge := &remote.GuidanceError{
		Device:   "pi@10.0.0.5",
		Failure:  "auth",
		Guidance: "set up an SSH key or start ssh-agent",
		Detail:   "Permission denied (publickey)",
	}
	res := remoteFailure(ge)
	if res.ErrorType != agent.ToolErrorNetwork {
		t.Fatalf("guidance error type = %s", res.ErrorType)
	}
	if !strings.Contains(res.Error, "ssh-agent") || !strings.Contains(res.Error, "publickey") {
		t.Errorf("guidance and detail should survive: %q", res.Error)
	}

	res = remoteFailure(context.DeadlineExceeded)
	if res.ErrorType != agent.ToolErrorTimeout {
		t.Errorf("deadline type = %s", res.ErrorType)
	}

	res = remoteFailure(errors.New(`target "lab" names 3 devices, want exactly one`))
	if res.ErrorType != agent.ToolErrorInvalidInput {
		t.Errorf("multi-device type = %s", res.ErrorType)
	}

	res = remoteFailure(errors.New("rsync to pi@10.0.0.5: connection reset"))
	if res.ErrorType != agent.ToolErrorExecution {
		t.Errorf("generic type = %s", res.ErrorType)
	}
}

func TestCredentialsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Provider = "anthropic"
	cfg.APIKey = "sk-test"
	cfg.Model = "claude-sonnet-4"

	creds := credentialsFrom(&agent.ToolContext{Config: cfg})
	if creds.Provider != "anthropic" || creds.APIKey != "sk-test" || creds.Model != "claude-sonnet-4" {
		t.Fatalf("creds = %+v", creds)
	}
	if got := credentialsFrom(&agent.ToolContext{}); got != (remote.Credentials{}) {
		t.Fatalf("nil config should yield zero creds, got %+v", got)
	}
}

func TestStringSliceArg(t *testing.T) {
	args := map[string]any{"files": []any{"a.txt", "  ", "b/c.log", 7}}
	got := stringSliceArg(args, "files")
	if len(got) != 2 || got[0] != "a.txt" || got[1] != "b/c.log" {
		t.Fatalf("got %v", got)
	}
	if stringSliceArg(args, "missing") != nil {
		t.Fatal("missing key should be nil")
	}
}
