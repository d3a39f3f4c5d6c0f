package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestLoggerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})

	logger.Info(context.Background(), "provider call",
		"key", "sk-abcdefghijklmnopqrstuvwx",
		"header", "Bearer abcdefghijklmnop1234")

	out := buf.String()
	if strings.Contains(out, "sk-abcdefghijklmnopqrstuvwx") {
		t.Errorf("api key leaked: %s", out)
	}
	if strings.Contains(out, "abcdefghijklmnop1234") {
		t.Errorf("bearer token leaked: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Errorf("expected redaction marker: %s", out)
	}
}

func TestLoggerRedactsMapKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf})

	logger.Info(context.Background(), "config loaded", "config", map[string]any{
		"api_key": "supersecretvalue",
		"model":   "gpt-4o",
	})

	out := buf.String()
	if strings.Contains(out, "supersecretvalue") {
		t.Errorf("map secret leaked: %s", out)
	}
	if !strings.Contains(out, "gpt-4o") {
		t.Errorf("non-secret value dropped: %s", out)
	}
}

func TestLoggerExtractsContextFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Format: "json", Output: &buf})

	ctx := WithRunID(context.Background(), "run-42")
	ctx = WithAgentID(ctx, "agent-7")
	logger.Info(ctx, "step started")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("log output is not JSON: %v: %s", err, buf.String())
	}
	if record["run_id"] != "run-42" {
		t.Errorf("run_id = %v", record["run_id"])
	}
	if record["agent_id"] != "agent-7" {
		t.Errorf("agent_id = %v", record["agent_id"])
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Output: &buf})

	logger.Info(context.Background(), "hidden")
	if buf.Len() != 0 {
		t.Errorf("info should be filtered at warn level: %s", buf.String())
	}
	logger.Warn(context.Background(), "visible")
	if buf.Len() == 0 {
		t.Error("warn should pass at warn level")
	}
}

func TestLogLevelFromString(t *testing.T) {
	tests := map[string]string{
		"debug":   "DEBUG",
		"info":    "INFO",
		"":        "INFO",
		"warning": "WARN",
		"error":   "ERROR",
		"bogus":   "INFO",
	}
	for in, want := range tests {
		if got := LogLevelFromString(in).String(); got != want {
			t.Errorf("LogLevelFromString(%q) = %s, want %s", in, got, want)
		}
	}
}
