package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/anvil/internal/devices"
	"github.com/haasonsaas/anvil/internal/observability"
)

const stagingPrefix = "/tmp/anvil-remote-"

// replicationExcludes keeps VCS innards, scratch state, and logs out of
// the staged tree.
var replicationExcludes = []string{
	".git", ".hg", ".svn", ".anvil", "node_modules", "*.log", "tmp",
}

// Credentials is what gets materialized on the remote so the staged
// agent can talk to its provider. The key lives only in staged files.
type Credentials struct {
	Provider string
	APIKey   string
	Model    string
}

// Executor stages and runs agent tasks on remote devices.
type Executor struct {
	runner   commandRunner
	registry *devices.Registry
	logger   *observability.Logger

	// binDir is the local tree replicated to the remote; entryPoint is
	// the executable inside it.
	binDir     string
	entryPoint string
}

// Options configures an Executor. Registry may be nil, in which case
// only user@host literals resolve.
type Options struct {
	Registry   *devices.Registry
	Logger     *observability.Logger
	BinDir     string
	EntryPoint string
}

// NewExecutor builds an Executor. BinDir defaults to the directory of
// the current executable, EntryPoint to its basename.
func NewExecutor(opts Options) (*Executor, error) {
	binDir, entry := opts.BinDir, opts.EntryPoint
	if binDir == "" || entry == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		if binDir == "" {
			binDir = filepath.Dir(self)
		}
		if entry == "" {
			entry = filepath.Base(self)
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.Nop()
	}
	return &Executor{
		runner:     osRunner{},
		registry:   opts.Registry,
		logger:     logger.WithFields("component", "remote"),
		binDir:     binDir,
		entryPoint: entry,
	}, nil
}

// ResolveDevice maps a target to a single device via the registry, or
// parses a user@host literal when no registry entry matches.
func (e *Executor) ResolveDevice(ctx context.Context, target string) (devices.Device, error) {
	if e.registry != nil {
		resolved, err := e.registry.Resolve(ctx, target)
		if err == nil {
			if len(resolved) != 1 {
				return devices.Device{}, fmt.Errorf("target %q names %d devices, want exactly one", target, len(resolved))
			}
			return resolved[0], nil
		}
		if !strings.Contains(target, "@") {
			return devices.Device{}, err
		}
	}
	return devices.ParseTarget(target)
}

// Prepare replicates the agent tree to a fresh staging dir on the
// device and stages credentials. Returns the staging path.
func (e *Executor) Prepare(ctx context.Context, d devices.Device, creds Credentials) (string, error) {
	staging := stagingPrefix + uuid.NewString()

	res, err := e.runner.Run(ctx, "ssh", sshArgs(d, "mkdir -p "+shellQuote(staging))...)
	if err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("create staging dir: %s", strings.TrimSpace(res.Stderr))
	}

	if err := e.replicate(ctx, d, e.binDir, staging); err != nil {
		return "", err
	}

	chmod := fmt.Sprintf("chmod +x %s", shellQuote(staging+"/"+e.entryPoint))
	if res, err := e.runner.Run(ctx, "ssh", sshArgs(d, chmod)...); err != nil {
		return "", fmt.Errorf("chmod entry point: %w", err)
	} else if res.ExitCode != 0 {
		return "", fmt.Errorf("chmod entry point: %s", strings.TrimSpace(res.Stderr))
	}

	if err := e.stageCredentials(ctx, d, staging, creds); err != nil {
		return "", err
	}
	e.logger.Info(ctx, "remote staging ready", "device", d.Addr(), "staging", staging)
	return staging, nil
}

// replicate rsyncs a local tree into the remote staging dir.
func (e *Executor) replicate(ctx context.Context, d devices.Device, src, dst string) error {
	args := []string{"-az", "-e", rsyncTransport(d)}
	for _, pattern := range replicationExcludes {
		args = append(args, "--exclude="+pattern)
	}
	args = append(args, src+"/", d.Addr()+":"+dst+"/")

	res, err := e.runner.Run(ctx, "rsync", args...)
	if err != nil {
		return fmt.Errorf("rsync to %s: %w", d.Addr(), err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("rsync to %s: %s", d.Addr(), strings.TrimSpace(res.Stderr))
	}
	return nil
}

// rsyncTransport is the -e value; rsync splits it itself, no local shell
// is involved.
func rsyncTransport(d devices.Device) string {
	return fmt.Sprintf("ssh -o BatchMode=yes -o ConnectTimeout=%d -p %d", sshConnectTimeout, d.Port)
}

// stageCredentials writes the minimal config JSON plus the provider
// token file into a local 0700 temp dir, pushes both at 0600, and
// removes the local copies. The key never appears in any argv.
func (e *Executor) stageCredentials(ctx context.Context, d devices.Device, staging string, creds Credentials) error {
	local, err := os.MkdirTemp("", "anvil-stage-*")
	if err != nil {
		return fmt.Errorf("create local staging: %w", err)
	}
	defer os.RemoveAll(local)

	cfg := map[string]any{
		"provider":   creds.Provider,
		"model":      creds.Model,
		"token_file": staging + "/token",
	}
	cfgBytes, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode remote config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(local, "config.json"), cfgBytes, 0o600); err != nil {
		return fmt.Errorf("write remote config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(local, "token"), []byte(creds.APIKey), 0o600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}

	// -p preserves the 0600 modes.
	args := []string{"-az", "-p", "-e", rsyncTransport(d),
		local + "/", d.Addr() + ":" + staging + "/"}
	res, err := e.runner.Run(ctx, "rsync", args...)
	if err != nil {
		return fmt.Errorf("stage credentials: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("stage credentials: %s", strings.TrimSpace(res.Stderr))
	}
	return nil
}

// Execute runs the staged entry point non-interactively with the task
// and model, returning stdout, the exit code, and elapsed time.
func (e *Executor) Execute(ctx context.Context, d devices.Device, staging, task, model string) (string, int, time.Duration, error) {
	remoteCmd := fmt.Sprintf("cd %s && ./%s --config %s --input %s --exit",
		shellQuote(staging), e.entryPoint,
		shellQuote(staging+"/config.json"), shellQuote(task))
	if model != "" {
		remoteCmd += " --model " + shellQuote(model)
	}

	start := time.Now()
	res, err := e.runner.Run(ctx, "ssh", sshArgs(d, remoteCmd)...)
	elapsed := time.Since(start)
	if err != nil {
		return "", -1, elapsed, fmt.Errorf("remote run on %s: %w", d.Addr(), err)
	}
	return res.Stdout, res.ExitCode, elapsed, nil
}

// TransferFiles pushes extra local files into the staging dir.
func (e *Executor) TransferFiles(ctx context.Context, d devices.Device, staging string, paths []string) error {
	for _, p := range paths {
		args := []string{"-az", "-e", rsyncTransport(d), p, d.Addr() + ":" + staging + "/"}
		res, err := e.runner.Run(ctx, "rsync", args...)
		if err != nil {
			return fmt.Errorf("transfer %s: %w", p, err)
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("transfer %s: %s", p, strings.TrimSpace(res.Stderr))
		}
	}
	return nil
}

// Retrieve copies remote files (paths relative to staging, or absolute)
// into a fresh local temp dir and returns the local paths.
func (e *Executor) Retrieve(ctx context.Context, d devices.Device, staging string, paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	local, err := os.MkdirTemp("", "anvil-retrieved-*")
	if err != nil {
		return nil, fmt.Errorf("create retrieval dir: %w", err)
	}

	retrieved := make([]string, 0, len(paths))
	for _, p := range paths {
		remote := p
		if !strings.HasPrefix(p, "/") {
			remote = staging + "/" + p
		}
		dst := filepath.Join(local, filepath.Base(p))
		args := []string{"-az", "-e", rsyncTransport(d), d.Addr() + ":" + remote, dst}
		res, err := e.runner.Run(ctx, "rsync", args...)
		if err != nil {
			return retrieved, fmt.Errorf("retrieve %s: %w", p, err)
		}
		if res.ExitCode != 0 {
			return retrieved, fmt.Errorf("retrieve %s: %s", p, strings.TrimSpace(res.Stderr))
		}
		retrieved = append(retrieved, dst)
	}
	return retrieved, nil
}

// Cleanup removes the remote staging dir. Refuses paths outside the
// staging prefix.
func (e *Executor) Cleanup(ctx context.Context, d devices.Device, staging string) error {
	if !strings.HasPrefix(staging, stagingPrefix) {
		return fmt.Errorf("refusing to remove %q: not a staging dir", staging)
	}
	res, err := e.runner.Run(ctx, "ssh", sshArgs(d, "rm -rf "+shellQuote(staging))...)
	if err != nil {
		return fmt.Errorf("cleanup %s: %w", staging, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("cleanup %s: %s", staging, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// Result is the outcome of one remote run.
type Result struct {
	Device         string        `json:"device"`
	Output         string        `json:"output"`
	ExitCode       int           `json:"exit_code"`
	ExecutionTime  time.Duration `json:"execution_time"`
	RetrievedFiles []string      `json:"retrieved_files,omitempty"`

	// Error carries a per-device failure in parallel aggregation.
	Error string `json:"error,omitempty"`
}

// RunOptions parameterizes one ExecuteRemote call.
type RunOptions struct {
	Task          string
	Model         string
	Credentials   Credentials
	RetrievePaths []string
	SkipCleanup   bool
}

// ExecuteRemote runs the full pipeline against one device: validate,
// probe, stage, run, retrieve, cleanup.
func (e *Executor) ExecuteRemote(ctx context.Context, target string, opts RunOptions) (*Result, error) {
	if strings.TrimSpace(opts.Task) == "" {
		return nil, fmt.Errorf("task is required")
	}
	d, err := e.ResolveDevice(ctx, target)
	if err != nil {
		return nil, err
	}

	report, err := e.CheckRemote(ctx, d)
	if err != nil {
		return nil, err
	}
	if !report.Ok() {
		return nil, fmt.Errorf("device %s failed environment check: interpreter=%v downloader=%q tmp_free_kb=%d",
			d.Addr(), report.Interpreter, report.Downloader, report.TmpFreeKB)
	}

	staging, err := e.Prepare(ctx, d, opts.Credentials)
	if err != nil {
		return nil, err
	}
	if !opts.SkipCleanup {
		defer func() {
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := e.Cleanup(cleanupCtx, d, staging); err != nil {
				e.logger.Warn(cleanupCtx, "staging cleanup failed", "device", d.Addr(), "error", err)
			}
		}()
	}

	output, exitCode, elapsed, err := e.Execute(ctx, d, staging, opts.Task, opts.Model)
	if err != nil {
		return nil, err
	}

	retrieved, err := e.Retrieve(ctx, d, staging, opts.RetrievePaths)
	if err != nil {
		e.logger.Warn(ctx, "retrieval incomplete", "device", d.Addr(), "error", err)
	}

	return &Result{
		Device:         d.Addr(),
		Output:         output,
		ExitCode:       exitCode,
		ExecutionTime:  elapsed,
		RetrievedFiles: retrieved,
	}, nil
}
