package logging

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrClosed is returned by writes to a closed FileWriter.
var ErrClosed = errors.New("logging: file writer closed")

const (
	bannerTime         = "2006-01-02 15:04:05.000"
	defaultFlushPeriod = 200 * time.Millisecond
)

// FileWriter buffers log lines in memory and appends them to
// <dir>/<YYYY-MM-DD>.log on a fixed period. The file name follows the date
// of each flush, so a long-running process rolls over at midnight.
type FileWriter struct {
	dir      string
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool

	stop chan struct{}
	done chan struct{}
}

// OpenFile creates dir if needed, writes the start banner and starts the
// periodic flush.
func OpenFile(dir string, interval time.Duration) (*FileWriter, error) {
	if interval <= 0 {
		interval = defaultFlushPeriod
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	w := &FileWriter{
		dir:      dir,
		interval: interval,
		now:      time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if err := w.appendFile(banner("LOG START", w.now())); err != nil {
		return nil, err
	}
	go w.loop()
	return w, nil
}

func banner(label string, t time.Time) []byte {
	return []byte(fmt.Sprintf("\n\n===================== %s %s =====================\n\n", label, t.Format(bannerTime)))
}

// Path returns the file the next flush appends to.
func (w *FileWriter) Path() string {
	return filepath.Join(w.dir, w.now().Format(time.DateOnly)+".log")
}

// Write queues p. It never touches the disk.
func (w *FileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrClosed
	}
	return w.buf.Write(p)
}

// Flush appends everything queued so far.
func (w *FileWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *FileWriter) flushLocked() error {
	if w.buf.Len() == 0 {
		return nil
	}
	data := bytes.Clone(w.buf.Bytes())
	w.buf.Reset()
	return w.appendFile(data)
}

// Close stops the periodic flush, writes what is queued and the end banner.
// Calling Close twice is a no-op.
func (w *FileWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.stop)
	<-w.done

	w.mu.Lock()
	defer w.mu.Unlock()
	err := w.flushLocked()
	return errors.Join(err, w.appendFile(banner("LOG END", w.now())))
}

func (w *FileWriter) loop() {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			if err := w.Flush(); err != nil {
				fmt.Fprintf(os.Stderr, "log write error: %v\n", err)
			}
		}
	}
}

func (w *FileWriter) appendFile(data []byte) error {
	f, err := os.OpenFile(w.Path(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write log file: %w", err)
	}
	return f.Close()
}
