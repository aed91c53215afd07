// Package config loads and validates the runtime configuration.
//
// Configuration lives in the project-local state directory
// (.anvil/config.json5 by default) and may be written as JSON5, JSON, or
// YAML. Files may pull in fragments with $include; environment variables
// are expanded before parsing.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// AppDirName is the project-local state directory.
const AppDirName = ".anvil"

// Config is the full runtime configuration.
type Config struct {
	// Sandbox restricts path arguments to the session working directory
	// and blocks all remote-execution operations.
	Sandbox bool `yaml:"sandbox,omitempty" json:"sandbox,omitempty"`

	// Provider forces a provider ("anthropic", "openai", "google",
	// "bedrock"). Empty selects by model id prefix.
	Provider string `yaml:"provider,omitempty" json:"provider,omitempty"`

	// Model is the provider model id.
	Model string `yaml:"model,omitempty" json:"model,omitempty"`

	// APIKey is the provider credential. Provider-specific environment
	// variables are consulted when empty.
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty"`

	// MaxIterations bounds the turn loop. Default 25.
	MaxIterations int `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty"`

	// TerminalPassthrough forces passthrough mode for every terminal
	// execute call.
	TerminalPassthrough bool `yaml:"terminal_passthrough,omitempty" json:"terminal_passthrough,omitempty"`

	// TerminalAutodetect enables the interactive-command heuristics.
	// Defaults to true.
	TerminalAutodetect *bool `yaml:"terminal_autodetect,omitempty" json:"terminal_autodetect,omitempty"`

	// CollaborationTimeoutSeconds bounds request_input waits. Default 300.
	CollaborationTimeoutSeconds int `yaml:"collaboration_timeout_seconds,omitempty" json:"collaboration_timeout_seconds,omitempty"`

	// SessionDir, MemoryDir, and ResultsDir override the state layout.
	SessionDir string `yaml:"session_dir,omitempty" json:"session_dir,omitempty"`
	MemoryDir  string `yaml:"memory_dir,omitempty" json:"memory_dir,omitempty"`
	ResultsDir string `yaml:"results_dir,omitempty" json:"results_dir,omitempty"`

	LTM     LTMConfig     `yaml:"ltm,omitempty" json:"ltm,omitempty"`
	Log     LogConfig     `yaml:"log,omitempty" json:"log,omitempty"`
	Metrics MetricsConfig `yaml:"metrics,omitempty" json:"metrics,omitempty"`
	Tracing TracingConfig `yaml:"tracing,omitempty" json:"tracing,omitempty"`
	MCP     MCPConfig     `yaml:"mcp,omitempty" json:"mcp,omitempty"`
	Devices DevicesConfig `yaml:"devices,omitempty" json:"devices,omitempty"`
	Remote  RemoteConfig  `yaml:"remote,omitempty" json:"remote,omitempty"`
}

// LTMConfig bounds the long-term memory store.
type LTMConfig struct {
	// MaxPerKind caps entries per kind before pruning. Default 100.
	MaxPerKind int `yaml:"max_per_kind,omitempty" json:"max_per_kind,omitempty"`
	// MaxAgeDays drops unused entries older than this. Default 180.
	MaxAgeDays int `yaml:"max_age_days,omitempty" json:"max_age_days,omitempty"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level,omitempty" json:"level,omitempty"`
	Format string `yaml:"format,omitempty" json:"format,omitempty"`
	File   string `yaml:"file,omitempty" json:"file,omitempty"`
}

// MetricsConfig enables the Prometheus endpoint when ListenAddr is set.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr,omitempty" json:"listen_addr,omitempty"`
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Endpoint   string  `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	SampleRate float64 `yaml:"sample_rate,omitempty" json:"sample_rate,omitempty"`
	Insecure   bool    `yaml:"insecure,omitempty" json:"insecure,omitempty"`
}

// MCPConfig declares external Model Context Protocol servers.
type MCPConfig struct {
	Servers map[string]MCPServerConfig `yaml:"servers,omitempty" json:"servers,omitempty"`
}

// MCPServerConfig describes one MCP server connection.
type MCPServerConfig struct {
	// Transport is "stdio" or "http".
	Transport string            `yaml:"transport,omitempty" json:"transport,omitempty"`
	Command   string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty" json:"args,omitempty"`
	URL       string            `yaml:"url,omitempty" json:"url,omitempty"`
	Env       map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
}

// DevicesConfig locates the device registry database.
type DevicesConfig struct {
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
}

// RemoteConfig holds remote-execution defaults.
type RemoteConfig struct {
	// StagingDir on the remote host. Default "/tmp/anvil-remote".
	StagingDir string `yaml:"staging_dir,omitempty" json:"staging_dir,omitempty"`
	// RsyncExcludes extend the built-in VCS/scratch/log exclusions.
	RsyncExcludes []string `yaml:"rsync_excludes,omitempty" json:"rsync_excludes,omitempty"`
	// Cleanup removes the staging dir after a run. Defaults to true.
	Cleanup *bool `yaml:"cleanup,omitempty" json:"cleanup,omitempty"`
	// TimeoutSeconds is the default per-command and per-device bound.
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		MaxIterations:               25,
		CollaborationTimeoutSeconds: 300,
		LTM:                         LTMConfig{MaxPerKind: 100, MaxAgeDays: 180},
		Log:                         LogConfig{Level: "info", Format: "json"},
		Remote:                      RemoteConfig{StagingDir: "/tmp/anvil-remote", TimeoutSeconds: 300},
	}
}

// Load reads, validates, and decodes the configuration at path. A missing
// file yields defaults; a malformed or invalid file is an error.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		cfg.applyEnv()
		return cfg, nil
	}

	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := ValidateRaw(raw); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	cfg, err := decodeRaw(raw)
	if err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	cfg.fillDefaults()
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) fillDefaults() {
	def := Default()
	if c.MaxIterations <= 0 {
		c.MaxIterations = def.MaxIterations
	}
	if c.CollaborationTimeoutSeconds <= 0 {
		c.CollaborationTimeoutSeconds = def.CollaborationTimeoutSeconds
	}
	if c.LTM.MaxPerKind <= 0 {
		c.LTM.MaxPerKind = def.LTM.MaxPerKind
	}
	if c.LTM.MaxAgeDays <= 0 {
		c.LTM.MaxAgeDays = def.LTM.MaxAgeDays
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
	if c.Remote.StagingDir == "" {
		c.Remote.StagingDir = def.Remote.StagingDir
	}
	if c.Remote.TimeoutSeconds <= 0 {
		c.Remote.TimeoutSeconds = def.Remote.TimeoutSeconds
	}
}

// applyEnv applies the opt-in environment overrides.
func (c *Config) applyEnv() {
	if os.Getenv("ANVIL_DEBUG") != "" {
		c.Log.Level = "debug"
	}
	if dir := os.Getenv("ANVIL_SESSION_DIR"); dir != "" {
		c.SessionDir = dir
	}
}

// AutodetectEnabled reports whether terminal autodetection is on
// (default true).
func (c *Config) AutodetectEnabled() bool {
	return c.TerminalAutodetect == nil || *c.TerminalAutodetect
}

// RemoteCleanupEnabled reports whether remote staging dirs are removed
// after a run (default true).
func (c *Config) RemoteCleanupEnabled() bool {
	return c.Remote.Cleanup == nil || *c.Remote.Cleanup
}

// Paths resolves the state directory layout for a working directory,
// honoring any configured overrides.
type Paths struct {
	Root     string // .anvil
	Config   string
	Sessions string
	Memory   string
	Results  string
	LTMFile  string
	Agents   string
	Devices  string
}

// ResolvePaths computes the state layout rooted at workdir.
func ResolvePaths(workdir string, cfg *Config) Paths {
	root := filepath.Join(workdir, AppDirName)
	p := Paths{
		Root:     root,
		Config:   filepath.Join(root, "config.json5"),
		Sessions: filepath.Join(root, "sessions"),
		Memory:   filepath.Join(root, "memory"),
		Results:  filepath.Join(root, "tool_results"),
		LTMFile:  filepath.Join(root, "ltm.json"),
		Agents:   filepath.Join(root, "agents"),
		Devices:  filepath.Join(root, "devices.db"),
	}
	if cfg == nil {
		return p
	}
	if cfg.SessionDir != "" {
		p.Sessions = expandHome(cfg.SessionDir)
	}
	if cfg.MemoryDir != "" {
		p.Memory = expandHome(cfg.MemoryDir)
	}
	if cfg.ResultsDir != "" {
		p.Results = expandHome(cfg.ResultsDir)
	}
	if cfg.Devices.Path != "" {
		p.Devices = expandHome(cfg.Devices.Path)
	}
	return p
}

// ConfigPath returns the config file location for workdir, honoring
// ANVIL_CONFIG.
func ConfigPath(workdir string) string {
	if p := os.Getenv("ANVIL_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(workdir, AppDirName, "config.json5")
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
