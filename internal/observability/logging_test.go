package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestLoggerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})

	ctx := context.Background()
	logger.Info(ctx, "loaded credentials",
		"key", "sk-ant-REDACTED",
		"note", "api_key = sk-proj-abcdefghijklmnop",
	)

	out := buf.String()
	if strings.Contains(out, "sk-ant-api03") {
		t.Errorf("anthropic key leaked into log output: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Errorf("expected redaction marker in output: %s", out)
	}
}

func TestLoggerRedactsErrors(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Output: &buf})

	err := errors.New("auth failed: bearer eyJabc.eyJdef.sig-not-really but token: abcdefghijklmnopqrstuvwxyz")
	logger.Error(context.Background(), "provider call failed", "error", err)

	if strings.Contains(buf.String(), "abcdefghijklmnopqrstuvwxyz") {
		t.Errorf("token leaked into log output: %s", buf.String())
	}
}

func TestLoggerContextFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})

	ctx := WithSessionID(context.Background(), "sess-9")
	ctx = WithAgentID(ctx, "agent-3")
	ctx = WithToolName(ctx, "file_operations")
	logger.Debug(ctx, "dispatching")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("log output is not json: %v: %s", err, buf.String())
	}
	if record["session_id"] != "sess-9" {
		t.Errorf("session_id = %v, want sess-9", record["session_id"])
	}
	if record["agent_id"] != "agent-3" {
		t.Errorf("agent_id = %v, want agent-3", record["agent_id"])
	}
	if record["tool"] != "file_operations" {
		t.Errorf("tool = %v, want file_operations", record["tool"])
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Output: &buf})

	logger.Info(context.Background(), "should not appear")
	if buf.Len() != 0 {
		t.Errorf("info record emitted at warn level: %s", buf.String())
	}

	logger.Warn(context.Background(), "should appear")
	if buf.Len() == 0 {
		t.Error("warn record missing at warn level")
	}
}

func TestLoggerRedactsMapKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})

	logger.Info(context.Background(), "staged config",
		"config", map[string]any{"model": "m-1", "api_key": "super-secret-value"},
	)

	if strings.Contains(buf.String(), "super-secret-value") {
		t.Errorf("api_key value leaked: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "m-1") {
		t.Errorf("benign value dropped: %s", buf.String())
	}
}
