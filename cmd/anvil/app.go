package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/anvil/internal/agent"
	"github.com/haasonsaas/anvil/internal/agent/providers"
	"github.com/haasonsaas/anvil/internal/broker"
	"github.com/haasonsaas/anvil/internal/config"
	"github.com/haasonsaas/anvil/internal/devices"
	"github.com/haasonsaas/anvil/internal/mcp"
	"github.com/haasonsaas/anvil/internal/memory"
	"github.com/haasonsaas/anvil/internal/observability"
	"github.com/haasonsaas/anvil/internal/remote"
	"github.com/haasonsaas/anvil/internal/results"
	"github.com/haasonsaas/anvil/internal/sessions"
	"github.com/haasonsaas/anvil/internal/subagent"
	"github.com/haasonsaas/anvil/internal/tools/codeintel"
	"github.com/haasonsaas/anvil/internal/tools/collab"
	"github.com/haasonsaas/anvil/internal/tools/fileops"
	"github.com/haasonsaas/anvil/internal/tools/memtool"
	"github.com/haasonsaas/anvil/internal/tools/patch"
	"github.com/haasonsaas/anvil/internal/tools/remotetool"
	"github.com/haasonsaas/anvil/internal/tools/subagents"
	"github.com/haasonsaas/anvil/internal/tools/terminal"
	"github.com/haasonsaas/anvil/internal/tools/todo"
	"github.com/haasonsaas/anvil/internal/tools/vcs"
	"github.com/haasonsaas/anvil/internal/tools/web"
	"github.com/haasonsaas/anvil/internal/ui"
	"github.com/haasonsaas/anvil/pkg/models"
)

// replOptions carries the root command's flags.
type replOptions struct {
	resume     string
	input      string
	oneShot    bool
	configPath string
	model      string
	workDir    string
}

// runtime is the assembled application: configuration, state stores, the
// provider, and the orchestrator, ready to run turns.
type runtime struct {
	cfg     *config.Config
	paths   config.Paths
	workDir string
	model   string

	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	store    *sessions.Store
	mem      *memory.Store
	ltm      *memory.LTMStore
	results  *results.Store
	registry *devices.Registry

	mcp        *mcp.Manager
	manager    *subagent.Manager
	brokerCli  *broker.Client
	orch       *agent.Orchestrator
	interrupts *agent.InterruptSource

	cron          *cron.Cron
	traceShutdown func(context.Context) error
	logClose      func() error
}

// newRuntime loads configuration and wires every component except the
// session-scoped ones; call attachSession once the session id is known.
func newRuntime(ctx context.Context, opts replOptions) (*runtime, error) {
	workDir := opts.workDir
	if workDir == "" {
		var err error
		if workDir, err = os.Getwd(); err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
	}

	configPath := opts.configPath
	if configPath == "" {
		configPath = config.ConfigPath(workDir)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	paths := config.ResolvePaths(workDir, cfg)
	if err := os.MkdirAll(paths.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	rt := &runtime{cfg: cfg, paths: paths, workDir: workDir}
	rt.model = opts.model
	if rt.model == "" {
		rt.model = cfg.Model
	}

	logCfg := observability.LogConfig{Level: cfg.Log.Level, Format: cfg.Log.Format}
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		logCfg.Output = f
		rt.logClose = f.Close
	}
	rt.logger = observability.NewLogger(logCfg)
	rt.metrics = observability.NewMetrics()

	tracer, shutdown, err := observability.NewTracer(ctx, observability.TraceConfig{
		ServiceName:    "anvil",
		ServiceVersion: version,
		Endpoint:       traceEndpoint(cfg),
		SamplingRate:   cfg.Tracing.SampleRate,
		Insecure:       cfg.Tracing.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	rt.tracer = tracer
	rt.traceShutdown = shutdown

	rt.store = sessions.NewStore(paths.Sessions)
	rt.mem = memory.NewStore(paths.Memory)
	rt.ltm = memory.NewLTMStore(paths.LTMFile, cfg.LTM.MaxPerKind, cfg.LTM.MaxAgeDays)
	rt.results = results.NewStore(paths.Results, rt.logger)

	if !cfg.Sandbox {
		reg, err := devices.Open(paths.Devices)
		if err != nil {
			rt.logger.Warn(ctx, "device registry unavailable", "error", err)
		} else {
			rt.registry = reg
		}
	}

	provider, err := buildProvider(ctx, cfg, rt.model)
	if err != nil {
		rt.close(ctx)
		return nil, err
	}

	if len(cfg.MCP.Servers) > 0 {
		rt.mcp = mcp.NewManager(mcpConfig(cfg), rt.logger)
		if err := rt.mcp.Start(ctx); err != nil {
			rt.logger.Warn(ctx, "mcp startup incomplete", "error", err)
		}
	}

	registry := agent.NewRegistry()
	registry.Register(terminal.New())
	registry.Register(fileops.New())
	registry.Register(vcs.New())
	registry.Register(patch.New())
	registry.Register(memtool.New())
	registry.Register(todo.New())
	registry.Register(codeintel.New())
	registry.Register(web.New())
	registry.Register(collab.New())
	registry.Register(subagents.New())
	if !cfg.Sandbox {
		exec, err := remote.NewExecutor(remote.Options{
			Registry: rt.registry,
			Logger:   rt.logger,
		})
		if err != nil {
			rt.logger.Warn(ctx, "remote execution unavailable", "error", err)
		} else {
			registry.Register(remotetool.New(exec, rt.registry))
		}
	}

	rt.interrupts = agent.NewInterruptSource()
	rt.orch, err = agent.New(agent.Options{
		Provider:      provider,
		Registry:      registry,
		Store:         rt.store,
		Logger:        rt.logger,
		Metrics:       rt.metrics,
		Tracer:        rt.tracer,
		Model:         rt.model,
		MaxIterations: cfg.MaxIterations,
	})
	if err != nil {
		rt.close(ctx)
		return nil, err
	}

	rt.startJobs(ctx)
	rt.serveMetrics(ctx)
	return rt, nil
}

// attachSession wires the session-scoped coordination pieces: the broker
// client and, for the top-level agent, the sub-agent manager. workerID is
// non-empty only in spawned agent-worker processes.
func (rt *runtime) attachSession(sessionID, workerID string) error {
	agentID := workerID
	if agentID == "" {
		agentID = "user"
	}
	rt.brokerCli = broker.NewClient(sessionID, agentID)

	if workerID == "" {
		manager, err := subagent.NewManager(sessionID, rt.workDir, rt.brokerCli, rt.logger)
		if err != nil {
			return fmt.Errorf("init sub-agent manager: %w", err)
		}
		rt.manager = manager
	}
	return nil
}

// toolContext builds the capability record for one session. The broker
// client is only handed to tools once a broker is actually reachable.
func (rt *runtime) toolContext(session *models.Session, sink ui.Sink, workerID string) *agent.ToolContext {
	tc := &agent.ToolContext{
		Session:    session,
		Config:     rt.cfg,
		Paths:      rt.paths,
		UI:         sink,
		Results:    rt.results,
		Sessions:   rt.store,
		Memory:     rt.mem,
		LTM:        rt.ltm,
		Logger:     rt.logger,
		Metrics:    rt.metrics,
		AgentID:    workerID,
		IsSubAgent: workerID != "",
		Interrupts: rt.interrupts,
	}
	if rt.manager != nil {
		tc.Agents = rt.manager
	}
	if rt.mcp != nil {
		tc.MCP = rt.mcp
	}
	if rt.brokerCli != nil && rt.brokerCli.Available() {
		tc.Broker = rt.brokerCli
	}
	return tc
}

// startJobs schedules the hourly maintenance pass: stale tool-result
// cleanup and LTM pruning.
func (rt *runtime) startJobs(ctx context.Context) {
	rt.cron = cron.New()
	_, err := rt.cron.AddFunc("@hourly", func() {
		if report, err := rt.results.CleanupAll(results.DefaultMaxAgeHours); err != nil {
			rt.logger.Warn(ctx, "result cleanup failed", "error", err)
		} else if report.DeletedCount > 0 {
			rt.logger.Info(ctx, "result cleanup",
				"deleted", report.DeletedCount, "reclaimed_bytes", report.ReclaimedBytes)
		}
		if report, err := rt.ltm.Prune(); err != nil {
			rt.logger.Warn(ctx, "ltm prune failed", "error", err)
		} else if report.Removed > 0 {
			rt.logger.Info(ctx, "ltm pruned", "removed", report.Removed, "remaining", report.Remaining)
		}
	})
	if err != nil {
		rt.logger.Warn(ctx, "schedule maintenance", "error", err)
		return
	}
	rt.cron.Start()
}

// serveMetrics exposes the Prometheus endpoint when configured.
func (rt *runtime) serveMetrics(ctx context.Context) {
	addr := rt.cfg.Metrics.ListenAddr
	if addr == "" {
		return
	}
	go func() {
		if err := observability.ServeMetrics(addr); err != nil {
			rt.logger.Warn(ctx, "metrics listener stopped", "addr", addr, "error", err)
		}
	}()
}

// close releases everything the runtime holds. Safe on a partially
// assembled runtime.
func (rt *runtime) close(ctx context.Context) {
	if rt.cron != nil {
		rt.cron.Stop()
	}
	if rt.manager != nil {
		if n, err := rt.manager.KillAll(ctx); err == nil && n > 0 {
			rt.logger.Info(ctx, "stopped workers on exit", "count", n)
		}
	}
	if rt.mcp != nil {
		if err := rt.mcp.Stop(); err != nil {
			rt.logger.Warn(ctx, "mcp shutdown", "error", err)
		}
	}
	if rt.registry != nil {
		rt.registry.Close()
	}
	if rt.traceShutdown != nil {
		if err := rt.traceShutdown(ctx); err != nil {
			rt.logger.Warn(ctx, "trace flush", "error", err)
		}
	}
	if rt.logClose != nil {
		rt.logClose()
	}
}

// buildProvider selects and constructs the provider adapter: explicit
// config first, model-id prefix otherwise, anthropic as the default.
func buildProvider(ctx context.Context, cfg *config.Config, model string) (providers.Provider, error) {
	name := cfg.Provider
	if name == "" {
		name = providerForModel(model)
	}
	switch name {
	case "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       cfg.APIKey,
			DefaultModel: model,
		})
	case "openai":
		return providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:       cfg.APIKey,
			DefaultModel: model,
		})
	case "google":
		return providers.NewGoogleProvider(ctx, providers.GoogleConfig{
			APIKey:       cfg.APIKey,
			DefaultModel: model,
		})
	case "bedrock":
		return providers.NewBedrockProvider(ctx, providers.BedrockConfig{
			DefaultModel: strings.TrimPrefix(model, "bedrock/"),
		})
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

// providerForModel maps a model id to its provider by prefix.
func providerForModel(model string) string {
	switch {
	case model == "":
		return "anthropic"
	case strings.HasPrefix(model, "claude"):
		return "anthropic"
	case strings.HasPrefix(model, "gpt") || strings.HasPrefix(model, "o"):
		return "openai"
	case strings.HasPrefix(model, "gemini"):
		return "google"
	case strings.HasPrefix(model, "bedrock/"):
		return "bedrock"
	default:
		return "anthropic"
	}
}

// traceEndpoint returns the OTLP endpoint, empty when tracing is off.
func traceEndpoint(cfg *config.Config) string {
	if !cfg.Tracing.Enabled {
		return ""
	}
	return cfg.Tracing.Endpoint
}

// mcpConfig converts the runtime configuration's MCP section to the
// bridge's shape.
func mcpConfig(cfg *config.Config) *mcp.Config {
	out := &mcp.Config{Enabled: true}
	for name, sc := range cfg.MCP.Servers {
		out.Servers = append(out.Servers, &mcp.ServerConfig{
			Name:      name,
			Transport: mcp.TransportType(sc.Transport),
			Command:   sc.Command,
			Args:      sc.Args,
			Env:       sc.Env,
			URL:       sc.URL,
			AutoStart: true,
		})
	}
	return out
}
