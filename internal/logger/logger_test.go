package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestSetup_ReturnsJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	l := Setup(&buf, slog.LevelInfo)

	l.Info("login succeeded", slog.String("user_id", "u-123"), slog.Int("status", 200))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected valid JSON log output, got error: %v\nraw output: %s", err, buf.String())
	}

	if entry["msg"] != "login succeeded" {
		t.Errorf("msg = %q, want %q", entry["msg"], "login succeeded")
	}
	if entry["user_id"] != "u-123" {
		t.Errorf("user_id = %q, want %q", entry["user_id"], "u-123")
	}
	if entry["status"] != float64(200) {
		t.Errorf("status = %v, want 200", entry["status"])
	}
	if _, ok := entry["time"]; !ok {
		t.Error("expected 'time' field in JSON log output")
	}
	if entry["level"] != "INFO" {
		t.Errorf("level = %q, want INFO", entry["level"])
	}
}

func TestSetup_FiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	l := Setup(&buf, slog.LevelWarn)

	l.Info("dropped")
	l.Warn("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Errorf("info log should be filtered: %s", out)
	}
	if !strings.Contains(out, "kept") {
		t.Errorf("warn log should be written: %s", out)
	}
}

func TestSetup_NilLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	l := Setup(&buf, nil)

	l.Debug("debug")
	l.Info("info")

	if strings.Contains(buf.String(), `"debug"`) {
		t.Errorf("debug log should be filtered: %s", buf.String())
	}
	if !strings.Contains(buf.String(), `"info"`) {
		t.Errorf("info log should be written: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{" warn ", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSetupDefault_SetsGlobalLoggerWithAdjustableLevel(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	_, level := SetupDefault(&buf)

	slog.Default().Debug("hidden")
	level.Set(slog.LevelDebug)
	slog.Default().Debug("visible", slog.String("test_key", "test_val"))

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug log before level change should be filtered: %s", out)
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &entry); err != nil {
		t.Fatalf("failed to parse JSON: %v\nraw: %s", err, out)
	}
	if entry["msg"] != "visible" || entry["test_key"] != "test_val" {
		t.Errorf("entry = %v", entry)
	}
}
