package server

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"syscall"
)

var transientErrnos = []error{
	syscall.ECONNRESET,
	syscall.ECONNABORTED,
	syscall.EPIPE,
	syscall.ECANCELED,
}

// transientText matches the same conditions in the plain text that
// http.Server writes to its error log.
var transientText = []string{
	"connection reset by peer",
	"software caused connection abort",
	"broken pipe",
	"operation canceled",
	"context canceled",
}

// IsTransient reports whether err is a client-side disconnect that should
// not be reported as a server failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	for _, e := range transientErrnos {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}

// errorLogWriter routes http.Server's error log into slog, dropping
// transient connection errors.
type errorLogWriter struct {
	logger *slog.Logger
}

func (w *errorLogWriter) Write(p []byte) (int, error) {
	line := strings.TrimSpace(string(p))
	for _, t := range transientText {
		if strings.Contains(line, t) {
			w.logger.Debug("http server", "line", line)
			return len(p), nil
		}
	}
	w.logger.Warn("http server", "line", line)
	return len(p), nil
}
