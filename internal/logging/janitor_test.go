package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"chat-gateway-go/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func touch(t *testing.T, path string, mod time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mod, mod); err != nil {
		t.Fatal(err)
	}
}

func TestJanitor_Prune(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	touch(t, filepath.Join(dir, "2024-04-01.log"), now.Add(-60*24*time.Hour))
	touch(t, filepath.Join(dir, "2024-05-30.log"), now.Add(-2*24*time.Hour))
	touch(t, filepath.Join(dir, "notes.txt"), now.Add(-90*24*time.Hour))
	if err := os.Mkdir(filepath.Join(dir, "old.log"), 0o755); err != nil {
		t.Fatal(err)
	}

	j := NewJanitor(config.LogConfig{Dir: dir, FileExpiresHours: 730}, discardLogger())
	j.now = func() time.Time { return now }

	deleted, err := j.Prune()
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	for name, want := range map[string]bool{
		"2024-04-01.log": false,
		"2024-05-30.log": true,
		"notes.txt":      true,
		"old.log":        true,
	} {
		_, err := os.Stat(filepath.Join(dir, name))
		if exists := err == nil; exists != want {
			t.Errorf("%s exists = %v, want %v", name, exists, want)
		}
	}
}

func TestJanitor_PruneMissingDir(t *testing.T) {
	j := NewJanitor(config.LogConfig{Dir: filepath.Join(t.TempDir(), "absent"), FileExpiresHours: 1}, discardLogger())
	if n, err := j.Prune(); err != nil || n != 0 {
		t.Errorf("Prune() = %d, %v; want 0, nil", n, err)
	}
}

func TestJanitor_StartStop(t *testing.T) {
	tests := []struct {
		name     string
		schedule string
		wantErr  bool
		wantRun  bool
	}{
		{"hourly", "@hourly", false, true},
		{"cron", "0 3 * * *", false, true},
		{"empty", "", false, false},
		{"invalid", "every hour", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := NewJanitor(config.LogConfig{
				Dir:              t.TempDir(),
				FileExpiresHours: 730,
				PruneSchedule:    tt.schedule,
			}, discardLogger())

			err := j.Start()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Start() error = %v, wantErr %v", err, tt.wantErr)
			}
			defer j.Stop()

			if got := j.NextRun() != nil; got != tt.wantRun {
				t.Errorf("NextRun() set = %v, want %v", got, tt.wantRun)
			}
		})
	}
}
