package logging

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chat-gateway-go/internal/config"
)

func TestLevel(t *testing.T) {
	tests := []struct {
		name  string
		debug bool
		want  slog.Level
	}{
		{"debug", true, slog.LevelDebug},
		{"debug", false, slog.LevelInfo},
		{"DEBUG", true, slog.LevelDebug},
		{"info", false, slog.LevelInfo},
		{"warn", false, slog.LevelWarn},
		{"error", true, slog.LevelError},
		{"", false, slog.LevelInfo},
		{"verbose", true, slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Level(tt.name, tt.debug); got != tt.want {
				t.Errorf("Level(%q, %v) = %v, want %v", tt.name, tt.debug, got, tt.want)
			}
		})
	}
}

func TestNew_FunctionModeConsoleOnly(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		Mode: config.ModeFunction,
		Log:  config.LogConfig{Level: "info", Format: "json", Dir: filepath.Join(dir, "logs")},
	}
	var console bytes.Buffer
	logger, sink, err := New(cfg, &console)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = sink.Close() }()

	logger.Info("hello", "k", "v")

	var line map[string]any
	if err := json.Unmarshal(console.Bytes(), &line); err != nil {
		t.Fatalf("console output is not JSON: %q", console.String())
	}
	if line["msg"] != "hello" || line["k"] != "v" {
		t.Errorf("line = %v", line)
	}
	if sink.Dir() != "" {
		t.Errorf("Dir() = %q, want no file", sink.Dir())
	}
	if _, err := os.Stat(filepath.Join(dir, "logs")); !os.IsNotExist(err) {
		t.Error("function mode created the log directory")
	}
}

func TestNew_ServerModeMirrorsToFile(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		Mode: config.ModeServer,
		Log:  config.LogConfig{Level: "debug", Format: "text", Dir: dir, WriteIntervalMS: 10},
	}
	var console bytes.Buffer
	logger, sink, err := New(cfg, &console)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	logger.Debug("dropped without system debug")
	logger.Info("kept", "component", "test")
	if err := sink.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if strings.Contains(console.String(), "dropped") {
		t.Error("debug line written while system debug is off")
	}
	if !strings.Contains(console.String(), "msg=kept") {
		t.Errorf("console = %q", console.String())
	}

	data, err := os.ReadFile(filepath.Join(dir, time.Now().Format(time.DateOnly)+".log"))
	if err != nil {
		t.Fatal(err)
	}
	got := string(data)
	for _, want := range []string{"LOG START", "msg=kept", "LOG END"} {
		if !strings.Contains(got, want) {
			t.Errorf("log file missing %q:\n%s", want, got)
		}
	}
	if strings.Index(got, "LOG START") > strings.Index(got, "msg=kept") ||
		strings.Index(got, "msg=kept") > strings.Index(got, "LOG END") {
		t.Errorf("log file out of order:\n%s", got)
	}
}

func TestSink_WriteAfterClose(t *testing.T) {
	fw, err := OpenFile(t.TempDir(), time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	sink := &Sink{console: io.Discard, file: fw}
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := sink.Write([]byte("late\n")); err != nil {
		t.Errorf("Write() after Close error = %v, want console-only write", err)
	}
	if err := sink.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
