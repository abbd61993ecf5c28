package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestDefaultIsNop(t *testing.T) {
	if L() == nil {
		t.Fatal("L() returned nil before Init")
	}
	Info("dropped before init", "k", "v")
}

func TestSetLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"bogus", zapcore.DebugLevel},
	}
	for _, tt := range tests {
		SetLevel(tt.in)
		if got := level.Level(); got != tt.want {
			t.Errorf("SetLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestInitWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "threadline.log")
	if err := Init("info", path); err != nil {
		t.Fatalf("Init: %v", err)
	}
	Info("hello from test", "thread_id", "t-1")
	Debug("filtered out")
	Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, "hello from test") || !strings.Contains(out, "t-1") {
		t.Errorf("log file missing entry: %q", out)
	}
	if strings.Contains(out, "filtered out") {
		t.Errorf("debug entry written at info level: %q", out)
	}
}
