// Package remotetool exposes remote SSH execution as a tool: staging,
// running, and harvesting agent tasks on registered devices.
package remotetool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/anvil/internal/agent"
	"github.com/haasonsaas/anvil/internal/devices"
	"github.com/haasonsaas/anvil/internal/remote"
)

const toolName = "remote_execution"

var operations = []string{
	"execute_remote", "execute_parallel", "prepare_remote", "cleanup_remote",
	"check_remote", "transfer_files", "retrieve_files", "list_devices",
}

// Tool runs agent tasks on remote devices over SSH.
type Tool struct {
	exec     *remote.Executor
	registry *devices.Registry
}

// New returns the remote execution tool. registry may be nil, in which
// case only user@host literals are accepted as targets.
func New(exec *remote.Executor, registry *devices.Registry) *Tool {
	return &Tool{exec: exec, registry: registry}
}

func (t *Tool) Name() string { return toolName }

func (t *Tool) Description() string {
	return "Execute agent tasks on remote devices over SSH: stage the agent, " +
		"run a task, retrieve results, and clean up. Targets are registered " +
		"device names, group names, 'all', or user@host literals."
}

func (t *Tool) Operations() []string { return operations }

// Flags: remote runs hold SSH sessions open for minutes; nothing else
// should run alongside them.
func (t *Tool) Flags() agent.ToolFlags {
	return agent.ToolFlags{Blocking: true}
}

func (t *Tool) Schema() map[string]any {
	return agent.OperationSchema(operations, map[string]any{
		"target": map[string]any{
			"type":        "string",
			"description": "Device name, group, 'all', or user@host",
		},
		"targets": map[string]any{
			"type":        "array",
			"items":       map[string]any{"type": "string"},
			"description": "Targets for execute_parallel",
		},
		"task": map[string]any{
			"type":        "string",
			"description": "Task prompt for the staged agent",
		},
		"model": map[string]any{
			"type":        "string",
			"description": "Model override for the remote run",
		},
		"staging": map[string]any{
			"type":        "string",
			"description": "Staging dir returned by prepare_remote",
		},
		"files": map[string]any{
			"type":        "array",
			"items":       map[string]any{"type": "string"},
			"description": "Paths to transfer or retrieve",
		},
		"skip_cleanup": map[string]any{
			"type":        "boolean",
			"description": "Leave the staging dir in place after the run",
		},
		"timeout": map[string]any{
			"type":        "integer",
			"description": "Per-device deadline in seconds for execute_parallel",
		},
	})
}

func (t *Tool) Execute(ctx context.Context, tc *agent.ToolContext, args map[string]any) (*agent.ToolResult, error) {
	op, fail := agent.RequireOperation(t, args)
	if fail != nil {
		return fail, nil
	}
	if t.exec == nil {
		return agent.Fail(toolName, agent.ToolErrorExecution, "remote execution is not configured"), nil
	}

	switch op {
	case "execute_remote":
		return t.executeRemote(ctx, tc, args), nil
	case "execute_parallel":
		return t.executeParallel(ctx, tc, args), nil
	case "prepare_remote":
		return t.prepareRemote(ctx, tc, args), nil
	case "cleanup_remote":
		return t.cleanupRemote(ctx, args), nil
	case "check_remote":
		return t.checkRemote(ctx, args), nil
	case "transfer_files":
		return t.transferFiles(ctx, args), nil
	case "retrieve_files":
		return t.retrieveFiles(ctx, args), nil
	case "list_devices":
		return t.listDevices(ctx), nil
	default:
		return agent.UnknownOperation(t, op), nil
	}
}

func (t *Tool) executeRemote(ctx context.Context, tc *agent.ToolContext, args map[string]any) *agent.ToolResult {
	target := strings.TrimSpace(agent.StringArg(args, "target"))
	task := strings.TrimSpace(agent.StringArg(args, "task"))
	if target == "" || task == "" {
		return agent.Fail(toolName, agent.ToolErrorInvalidInput, "execute_remote requires 'target' and 'task'")
	}

	res, err := t.exec.ExecuteRemote(ctx, target, remote.RunOptions{
		Task:          task,
		Model:         agent.StringArg(args, "model"),
		Credentials:   credentialsFrom(tc),
		RetrievePaths: stringSliceArg(args, "files"),
		SkipCleanup:   agent.BoolArg(args, "skip_cleanup", false),
	})
	if err != nil {
		return remoteFailure(err)
	}
	return agent.Ok(toolName, "").MarshalOutput(res).
		WithAction("Ran task on %s (exit %d, %s)", res.Device, res.ExitCode, res.ExecutionTime.Round(time.Second)).
		WithMeta("device", res.Device).
		WithMeta("exit_code", res.ExitCode)
}

func (t *Tool) executeParallel(ctx context.Context, tc *agent.ToolContext, args map[string]any) *agent.ToolResult {
	targets := stringSliceArg(args, "targets")
	if len(targets) == 0 {
		if target := strings.TrimSpace(agent.StringArg(args, "target")); target != "" {
			targets = []string{target}
		}
	}
	task := strings.TrimSpace(agent.StringArg(args, "task"))
	if len(targets) == 0 || task == "" {
		return agent.Fail(toolName, agent.ToolErrorInvalidInput, "execute_parallel requires 'targets' and 'task'")
	}

	opts := remote.ParallelOptions{RunOptions: remote.RunOptions{
		Task:          task,
		Model:         agent.StringArg(args, "model"),
		Credentials:   credentialsFrom(tc),
		RetrievePaths: stringSliceArg(args, "files"),
		SkipCleanup:   agent.BoolArg(args, "skip_cleanup", false),
	}}
	if secs := agent.IntArg(args, "timeout", 0); secs > 0 {
		opts.DeviceDeadline = time.Duration(secs) * time.Second
	}

	agg, err := t.exec.ExecuteParallel(ctx, targets, opts)
	if err != nil {
		return remoteFailure(err)
	}
	return agent.Ok(toolName, "").MarshalOutput(agg).
		WithAction("Ran task on %d device(s), %d succeeded", len(agg.Results), agg.SuccessCount).
		WithMeta("success_count", agg.SuccessCount).
		WithMeta("device_count", len(agg.Results))
}

func (t *Tool) prepareRemote(ctx context.Context, tc *agent.ToolContext, args map[string]any) *agent.ToolResult {
	d, fail := t.resolveOne(ctx, args)
	if fail != nil {
		return fail
	}
	staging, err := t.exec.Prepare(ctx, d, credentialsFrom(tc))
	if err != nil {
		return remoteFailure(err)
	}
	return agent.Ok(toolName, staging).
		WithAction("Staged agent on %s", d.Addr()).
		WithMeta("staging", staging).
		WithMeta("device", d.Addr())
}

func (t *Tool) cleanupRemote(ctx context.Context, args map[string]any) *agent.ToolResult {
	d, fail := t.resolveOne(ctx, args)
	if fail != nil {
		return fail
	}
	staging := strings.TrimSpace(agent.StringArg(args, "staging"))
	if staging == "" {
		return agent.Fail(toolName, agent.ToolErrorInvalidInput, "cleanup_remote requires 'staging'")
	}
	if err := t.exec.Cleanup(ctx, d, staging); err != nil {
		return remoteFailure(err)
	}
	return agent.Ok(toolName, fmt.Sprintf("Removed %s on %s", staging, d.Addr())).
		WithAction("Cleaned up staging on %s", d.Addr())
}

func (t *Tool) checkRemote(ctx context.Context, args map[string]any) *agent.ToolResult {
	d, fail := t.resolveOne(ctx, args)
	if fail != nil {
		return fail
	}
	report, err := t.exec.CheckRemote(ctx, d)
	if err != nil {
		return remoteFailure(err)
	}
	res := agent.Ok(toolName, "").MarshalOutput(report).
		WithMeta("device", d.Addr()).
		WithMeta("ok", report.Ok())
	if report.Ok() {
		res.WithAction("Checked %s: ready", d.Addr())
	} else {
		res.WithAction("Checked %s: not ready", d.Addr())
	}
	return res
}

func (t *Tool) transferFiles(ctx context.Context, args map[string]any) *agent.ToolResult {
	d, fail := t.resolveOne(ctx, args)
	if fail != nil {
		return fail
	}
	staging := strings.TrimSpace(agent.StringArg(args, "staging"))
	files := stringSliceArg(args, "files")
	if staging == "" || len(files) == 0 {
		return agent.Fail(toolName, agent.ToolErrorInvalidInput, "transfer_files requires 'staging' and 'files'")
	}
	if err := t.exec.TransferFiles(ctx, d, staging, files); err != nil {
		return remoteFailure(err)
	}
	return agent.Ok(toolName, fmt.Sprintf("Transferred %d file(s) to %s:%s", len(files), d.Addr(), staging)).
		WithAction("Transferred %d file(s) to %s", len(files), d.Addr())
}

func (t *Tool) retrieveFiles(ctx context.Context, args map[string]any) *agent.ToolResult {
	d, fail := t.resolveOne(ctx, args)
	if fail != nil {
		return fail
	}
	staging := strings.TrimSpace(agent.StringArg(args, "staging"))
	files := stringSliceArg(args, "files")
	if staging == "" || len(files) == 0 {
		return agent.Fail(toolName, agent.ToolErrorInvalidInput, "retrieve_files requires 'staging' and 'files'")
	}
	local, err := t.exec.Retrieve(ctx, d, staging, files)
	if err != nil {
		return remoteFailure(err)
	}
	return agent.Ok(toolName, strings.Join(local, "\n")).
		WithAction("Retrieved %d file(s) from %s", len(local), d.Addr()).
		WithMeta("retrieved", local)
}

func (t *Tool) listDevices(ctx context.Context) *agent.ToolResult {
	if t.registry == nil {
		return agent.Fail(toolName, agent.ToolErrorNotFound, "no device registry configured; use user@host targets")
	}
	devs, err := t.registry.List(ctx)
	if err != nil {
		return agent.Fail(toolName, agent.ToolErrorExecution, "list devices: %v", err)
	}
	groups, err := t.registry.Groups(ctx)
	if err != nil {
		return agent.Fail(toolName, agent.ToolErrorExecution, "list groups: %v", err)
	}
	if len(devs) == 0 {
		return agent.Ok(toolName, "No devices registered.")
	}

	memberOf := map[string][]string{}
	for group, members := range groups {
		for _, name := range members {
			memberOf[name] = append(memberOf[name], group)
		}
	}
	var b strings.Builder
	for _, d := range devs {
		fmt.Fprintf(&b, "%s\t%s", d.Name, d.Addr())
		if d.Port != 22 {
			fmt.Fprintf(&b, " (port %d)", d.Port)
		}
		if gs := memberOf[d.Name]; len(gs) > 0 {
			sort.Strings(gs)
			fmt.Fprintf(&b, "\t[%s]", strings.Join(gs, ", "))
		}
		b.WriteByte('\n')
	}
	return agent.Ok(toolName, strings.TrimRight(b.String(), "\n")).
		WithMeta("count", len(devs))
}

// resolveOne maps the 'target' arg to exactly one device, or returns a
// failure result.
func (t *Tool) resolveOne(ctx context.Context, args map[string]any) (devices.Device, *agent.ToolResult) {
	target := strings.TrimSpace(agent.StringArg(args, "target"))
	if target == "" {
		return devices.Device{}, agent.Fail(toolName, agent.ToolErrorInvalidInput, "a 'target' is required")
	}
	d, err := t.exec.ResolveDevice(ctx, target)
	if err != nil {
		return devices.Device{}, agent.Fail(toolName, agent.ToolErrorNotFound, "resolve %q: %v", target, err)
	}
	return d, nil
}

// credentialsFrom derives remote credentials from the session config so
// the staged agent talks to the same provider as the local one.
func credentialsFrom(tc *agent.ToolContext) remote.Credentials {
	if tc == nil || tc.Config == nil {
		return remote.Credentials{}
	}
	return remote.Credentials{
		Provider: tc.Config.Provider,
		APIKey:   tc.Config.APIKey,
		Model:    tc.Config.Model,
	}
}

// remoteFailure maps executor errors onto tool error types. SSH
// validation failures carry their guidance block through verbatim.
func remoteFailure(err error) *agent.ToolResult {
	var ge *remote.GuidanceError
	if errors.As(err, &ge) {
		msg := ge.Error()
		if ge.Detail != "" {
			msg += "\n" + ge.Detail
		}
		return agent.Fail(toolName, agent.ToolErrorNetwork, "%s", msg)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return agent.Fail(toolName, agent.ToolErrorTimeout, "remote operation timed out: %v", err)
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "not found") || strings.Contains(msg, "no device"):
		return agent.Fail(toolName, agent.ToolErrorNotFound, "%s", msg)
	case strings.Contains(msg, "required") || strings.Contains(msg, "want exactly one"):
		return agent.Fail(toolName, agent.ToolErrorInvalidInput, "%s", msg)
	default:
		return agent.Fail(toolName, agent.ToolErrorExecution, "%s", msg)
	}
}

func stringSliceArg(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out
}
