package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MaxIterations != 25 {
		t.Errorf("MaxIterations = %d, want 25", cfg.MaxIterations)
	}
	if cfg.CollaborationTimeoutSeconds != 300 {
		t.Errorf("CollaborationTimeoutSeconds = %d, want 300", cfg.CollaborationTimeoutSeconds)
	}
	if !cfg.AutodetectEnabled() {
		t.Error("AutodetectEnabled() = false, want true by default")
	}
	if !cfg.RemoteCleanupEnabled() {
		t.Error("RemoteCleanupEnabled() = false, want true by default")
	}
}

func TestLoadJSON5(t *testing.T) {
	path := writeConfig(t, "config.json5", `
{
  // project defaults
  model: "claude-sonnet-4-5",
  max_iterations: 10,
  sandbox: true,
  log: { level: "debug" },
}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Model != "claude-sonnet-4-5" {
		t.Errorf("Model = %q", cfg.Model)
	}
	if cfg.MaxIterations != 10 {
		t.Errorf("MaxIterations = %d, want 10", cfg.MaxIterations)
	}
	if !cfg.Sandbox {
		t.Error("Sandbox = false, want true")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
model: gpt-5
remote:
  staging_dir: /srv/stage
  timeout_seconds: 60
mcp:
  servers:
    files:
      transport: stdio
      command: mcp-files
      args: ["--root", "/data"]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Remote.StagingDir != "/srv/stage" {
		t.Errorf("Remote.StagingDir = %q", cfg.Remote.StagingDir)
	}
	if cfg.Remote.TimeoutSeconds != 60 {
		t.Errorf("Remote.TimeoutSeconds = %d", cfg.Remote.TimeoutSeconds)
	}
	srv, ok := cfg.MCP.Servers["files"]
	if !ok {
		t.Fatal("missing mcp server 'files'")
	}
	if srv.Transport != "stdio" || srv.Command != "mcp-files" {
		t.Errorf("mcp server = %+v", srv)
	}
	if len(srv.Args) != 2 || srv.Args[1] != "/data" {
		t.Errorf("mcp args = %v", srv.Args)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
model: claude-sonnet-4-5
max_iters: 10
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadRejectsWrongType(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
max_iterations: lots
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "max_iterations") {
		t.Fatalf("expected max_iterations in error, got %v", err)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("ANVIL_TEST_MODEL", "gemini-2.5-pro")
	path := writeConfig(t, "config.json5", `{ model: "${ANVIL_TEST_MODEL}" }`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Model != "gemini-2.5-pro" {
		t.Errorf("Model = %q, want expanded env value", cfg.Model)
	}
}

func TestLoadInclude(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.yaml")
	if err := os.WriteFile(base, []byte("model: gpt-5\nmax_iterations: 5\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	main := filepath.Join(dir, "config.yaml")
	body := "$include: base.yaml\nmax_iterations: 12\n"
	if err := os.WriteFile(main, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := Load(main)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Model != "gpt-5" {
		t.Errorf("Model = %q, want inherited gpt-5", cfg.Model)
	}
	if cfg.MaxIterations != 12 {
		t.Errorf("MaxIterations = %d, want includer override 12", cfg.MaxIterations)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.yaml")
	if err := os.WriteFile(a, []byte("$include: b.yaml\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := os.WriteFile(b, []byte("$include: a.yaml\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	_, err := Load(a)
	if err == nil {
		t.Fatal("expected include cycle error")
	}
	if !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ANVIL_DEBUG", "1")
	t.Setenv("ANVIL_SESSION_DIR", "/elsewhere/sessions")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json5"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug from ANVIL_DEBUG", cfg.Log.Level)
	}
	if cfg.SessionDir != "/elsewhere/sessions" {
		t.Errorf("SessionDir = %q", cfg.SessionDir)
	}
}

func TestMergeMapsDeep(t *testing.T) {
	base := map[string]any{
		"log":   map[string]any{"level": "info", "format": "json"},
		"model": "a",
	}
	override := map[string]any{
		"log":   map[string]any{"level": "debug"},
		"model": "b",
	}

	out := mergeMaps(base, override)
	logMap := out["log"].(map[string]any)
	if logMap["level"] != "debug" {
		t.Errorf("level = %v, want override", logMap["level"])
	}
	if logMap["format"] != "json" {
		t.Errorf("format = %v, want preserved base", logMap["format"])
	}
	if out["model"] != "b" {
		t.Errorf("model = %v", out["model"])
	}
}

func TestResolvePathsOverrides(t *testing.T) {
	cfg := &Config{SessionDir: "/tmp/s", ResultsDir: "/tmp/r"}
	p := ResolvePaths("/work", cfg)
	if p.Sessions != "/tmp/s" {
		t.Errorf("Sessions = %q", p.Sessions)
	}
	if p.Results != "/tmp/r" {
		t.Errorf("Results = %q", p.Results)
	}
	if p.Memory != filepath.Join("/work", AppDirName, "memory") {
		t.Errorf("Memory = %q, want default under workdir", p.Memory)
	}
	if p.Devices != filepath.Join("/work", AppDirName, "devices.db") {
		t.Errorf("Devices = %q", p.Devices)
	}
}

func TestSchemaGenerates(t *testing.T) {
	data, err := Schema()
	if err != nil {
		t.Fatalf("Schema() error = %v", err)
	}
	if !strings.Contains(string(data), "max_iterations") {
		t.Error("schema missing max_iterations")
	}
}

func writeConfig(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}
