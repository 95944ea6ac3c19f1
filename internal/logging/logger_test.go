package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLogger_JSONFormat(t *testing.T) {
	logger, closer := NewLogger("info", "json", "")
	defer closer.Close()
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestNewLogger_TextFormat(t *testing.T) {
	logger, closer := NewLogger("debug", "text", "")
	defer closer.Close()
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestNewLogger_DefaultFormat(t *testing.T) {
	// Formato desconhecido deve cair no default (JSON)
	logger, closer := NewLogger("info", "unknown", "")
	defer closer.Close()
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestNewLogger_AllLevels(t *testing.T) {
	levels := []string{"debug", "info", "warn", "warning", "error", "unknown"}
	for _, level := range levels {
		logger, closer := NewLogger(level, "json", "")
		if logger == nil {
			t.Errorf("expected non-nil logger for level %q", level)
		}
		closer.Close()
	}
}

func TestNewLogger_WritesToFile(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "nrouter.log")

	logger, closer := NewLogger("info", "json", logPath)
	logger.Info("file sink smoke test", "key", "value")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "file sink smoke test") {
		t.Errorf("log file missing record, got: %s", data)
	}
}

func TestNewLogger_BadFilePathFallsBackToStdout(t *testing.T) {
	// Diretório inexistente: NewLogger não pode falhar, apenas degradar.
	logger, closer := NewLogger("info", "json", "/nonexistent-dir/nrouter.log")
	defer closer.Close()
	if logger == nil {
		t.Fatal("expected non-nil logger even with bad file path")
	}
	logger.Info("still alive")
}

func TestLevelFromString(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, c := range cases {
		if got := levelFromString(c.in); got != c.want {
			t.Errorf("levelFromString(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}
