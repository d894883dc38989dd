package logging

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"chat-gateway-go/internal/config"
)

// Janitor deletes daily log files older than the configured expiry on a
// cron schedule.
type Janitor struct {
	dir      string
	maxAge   time.Duration
	schedule string

	cron    *cron.Cron
	logger  *slog.Logger
	now     func() time.Time
	mu      sync.Mutex
	running bool
}

// NewJanitor creates a Janitor for the log directory in cfg.
func NewJanitor(cfg config.LogConfig, logger *slog.Logger) *Janitor {
	return &Janitor{
		dir:      cfg.Dir,
		maxAge:   time.Duration(cfg.FileExpiresHours) * time.Hour,
		schedule: cfg.PruneSchedule,
		cron:     cron.New(),
		logger:   logger.With("component", "log_janitor"),
		now:      time.Now,
	}
}

// Start validates the schedule and begins pruning. An empty schedule or
// directory leaves the janitor idle.
func (j *Janitor) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.schedule == "" || j.dir == "" || j.maxAge <= 0 {
		j.logger.Info("log pruning not configured, skipping janitor")
		return nil
	}

	if _, err := cron.ParseStandard(j.schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", j.schedule, err)
	}

	if _, err := j.cron.AddFunc(j.schedule, j.run); err != nil {
		return fmt.Errorf("failed to schedule log pruning: %w", err)
	}

	j.cron.Start()
	j.running = true

	j.logger.Info("log janitor started",
		"schedule", j.schedule,
		"dir", j.dir,
		"max_age", j.maxAge.String(),
	)
	return nil
}

func (j *Janitor) run() {
	deleted, err := j.Prune()
	if err != nil {
		j.logger.Error("log pruning failed", "err", err)
		return
	}
	if deleted > 0 {
		j.logger.Info("log pruning completed", "deleted_count", deleted)
	} else {
		j.logger.Debug("log pruning completed, nothing expired")
	}
}

// Prune removes *.log files in the directory last modified before the
// expiry. It returns how many files were deleted.
func (j *Janitor) Prune() (int, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read log dir: %w", err)
	}

	cutoff := j.now().Add(-j.maxAge)
	deleted := 0
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(j.dir, e.Name())); err != nil {
			j.logger.Warn("failed to delete expired log file", "file", e.Name(), "err", err)
			continue
		}
		deleted++
	}
	return deleted, nil
}

// Stop halts the schedule and waits for a running prune to finish.
func (j *Janitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.running {
		<-j.cron.Stop().Done()
		j.running = false
		j.logger.Info("log janitor stopped")
	}
}

// NextRun returns the next scheduled prune, nil when idle.
func (j *Janitor) NextRun() *time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()

	entries := j.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
