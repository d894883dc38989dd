// Package logging builds the process logger and its sink. The sink is picked
// once from the runtime mode: the persistent server mirrors every line into a
// buffered daily log file, a single invocation writes to the console only.
package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"chat-gateway-go/internal/config"
)

// Sink is the destination of every log line.
type Sink struct {
	console io.Writer
	file    *FileWriter
}

// Console returns the console stream for mode. A single invocation owns
// stdout for its HTTP reply, so its logs go to stderr.
func Console(mode config.Mode) io.Writer {
	if mode == config.ModeFunction {
		return os.Stderr
	}
	return os.Stdout
}

// New builds the logger described by cfg, writing to console and, in server
// mode, to the daily file under cfg.Log.Dir.
func New(cfg *config.Config, console io.Writer) (*slog.Logger, *Sink, error) {
	sink := &Sink{console: console}
	if cfg.Mode != config.ModeFunction && cfg.Log.Dir != "" {
		fw, err := OpenFile(cfg.Log.Dir, time.Duration(cfg.Log.WriteIntervalMS)*time.Millisecond)
		if err != nil {
			return nil, nil, err
		}
		sink.file = fw
	}

	opts := &slog.HandlerOptions{Level: Level(cfg.Log.Level, cfg.System.Debug)}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(sink, opts)
	default:
		h = slog.NewJSONHandler(sink, opts)
	}

	return slog.New(h), sink, nil
}

// Level maps a configured level name to a slog level. Debug output needs
// the system debug switch as well; without it the floor is info.
func Level(name string, debug bool) slog.Level {
	level := slog.LevelInfo
	switch strings.ToLower(name) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if level < slog.LevelInfo && !debug {
		level = slog.LevelInfo
	}
	return level
}

// Write sends p to the console and queues it for the log file.
func (s *Sink) Write(p []byte) (int, error) {
	n, err := s.console.Write(p)
	if err != nil {
		return n, err
	}
	if s.file != nil {
		if _, err := s.file.Write(p); err != nil && !errors.Is(err, ErrClosed) {
			return n, fmt.Errorf("log file: %w", err)
		}
	}
	return n, nil
}

// Flush writes queued lines to the log file.
func (s *Sink) Flush() error {
	if s.file == nil {
		return nil
	}
	return s.file.Flush()
}

// Close flushes and closes the log file. The console stays usable.
func (s *Sink) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

// Dir returns the log directory, empty when no file is written.
func (s *Sink) Dir() string {
	if s.file == nil {
		return ""
	}
	return s.file.dir
}
