package main

import (
	"errors"
	"testing"

	"github.com/haasonsaas/anvil/internal/config"
	"github.com/haasonsaas/anvil/internal/sessions"
	"github.com/haasonsaas/anvil/pkg/models"
)

func TestProviderForModel(t *testing.T) {
	cases := []struct {
		model string
		want  string
	}{
		{"claude-sonnet-4-5", "anthropic"},
		{"claude-haiku-4", "anthropic"},
		{"gpt-4.1", "openai"},
		{"o3-mini", "openai"},
		{"gemini-2.5-pro", "google"},
		{"bedrock/anthropic.claude-3", "bedrock"},
		{"", "anthropic"},
		{"mystery-model", "anthropic"},
	}
	for _, tc := range cases {
		if got := providerForModel(tc.model); got != tc.want {
			t.Errorf("providerForModel(%q) = %q, want %q", tc.model, got, tc.want)
		}
	}
}

func TestBuildProviderRejectsUnknown(t *testing.T) {
	cfg := config.Default()
	cfg.Provider = "acme"
	if _, err := buildProvider(t.Context(), cfg, ""); err == nil {
		t.Fatal("unknown provider should fail")
	}
}

func TestMCPConfigConversion(t *testing.T) {
	cfg := config.Default()
	cfg.MCP.Servers = map[string]config.MCPServerConfig{
		"docs": {Transport: "http", URL: "https://docs.test/mcp"},
	}
	out := mcpConfig(cfg)
	if !out.Enabled || len(out.Servers) != 1 {
		t.Fatalf("conversion: %+v", out)
	}
	sc := out.Servers[0]
	if sc.Name != "docs" || string(sc.Transport) != "http" || !sc.AutoStart {
		t.Fatalf("server: %+v", sc)
	}
}

func TestTraceEndpointGatedByEnabled(t *testing.T) {
	cfg := config.Default()
	cfg.Tracing.Endpoint = "localhost:4317"
	if got := traceEndpoint(cfg); got != "" {
		t.Fatalf("disabled tracing should yield no endpoint, got %q", got)
	}
	cfg.Tracing.Enabled = true
	if got := traceEndpoint(cfg); got != "localhost:4317" {
		t.Fatalf("endpoint = %q", got)
	}
}

func TestResolveSessionCreateAndResume(t *testing.T) {
	dir := t.TempDir()
	rt := &runtime{store: sessions.NewStore(dir), workDir: dir}

	created, err := resolveSession(rt, replOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.WorkingDirectory != dir {
		t.Fatalf("workdir = %q", created.WorkingDirectory)
	}

	resumed, err := resolveSession(rt, replOptions{resume: created.ID})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.ID != created.ID {
		t.Fatalf("resumed %s, want %s", resumed.ID, created.ID)
	}

	latest, err := resolveSession(rt, replOptions{resume: "latest"})
	if err != nil {
		t.Fatalf("resume latest: %v", err)
	}
	if latest.ID != created.ID {
		t.Fatalf("latest = %s, want %s", latest.ID, created.ID)
	}
}

func TestResolveSessionUnknownIDIsUsageError(t *testing.T) {
	dir := t.TempDir()
	rt := &runtime{store: sessions.NewStore(dir), workDir: dir}

	_, err := resolveSession(rt, replOptions{resume: "no-such-session"})
	var ue *usageError
	if !errors.As(err, &ue) {
		t.Fatalf("want usage error, got %v", err)
	}
}

func TestResumePreservesHistoryExactly(t *testing.T) {
	dir := t.TempDir()
	rt := &runtime{store: sessions.NewStore(dir), workDir: dir}

	session, err := rt.store.Create(dir)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	session.Append(models.NewUserMessage("fix the build"))
	session.Append(models.Message{Role: models.RoleAssistant, Content: "done, see ci.log"})
	if err := rt.store.Save(session); err != nil {
		t.Fatalf("save: %v", err)
	}

	resumed, err := resolveSession(rt, replOptions{resume: session.ID})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if len(resumed.History) != 2 {
		t.Fatalf("history length = %d", len(resumed.History))
	}
	if resumed.History[0].Content != "fix the build" || resumed.History[1].Content != "done, see ci.log" {
		t.Fatalf("history mutated: %+v", resumed.History)
	}
}

func TestFirstLine(t *testing.T) {
	if got := firstLine("one\ntwo"); got != "one" {
		t.Errorf("got %q", got)
	}
	if got := firstLine("solo"); got != "solo" {
		t.Errorf("got %q", got)
	}
}

func TestRootCmdRejectsPositionalArgs(t *testing.T) {
	cmd := buildRootCmd()
	cmd.SetArgs([]string{"stray"})
	err := cmd.Execute()
	var ue *usageError
	if !errors.As(err, &ue) {
		t.Fatalf("want usage error, got %v", err)
	}
}
