package chatlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	filePrefix  = "chat_logs_"
	fileSuffix  = ".json"
	monthLayout = "2006-01"
)

// FileName returns the log file name for the month containing t.
func FileName(t time.Time) string {
	return filePrefix + t.Format(monthLayout) + fileSuffix
}

// monthlyWriter is a zapcore.WriteSyncer that appends to one file per
// calendar month, switching files on the first write of a new month.
type monthlyWriter struct {
	dir string
	now func() time.Time

	mu    sync.Mutex
	month string
	file  *os.File
}

func newMonthlyWriter(dir string, now func() time.Time) (*monthlyWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create chat log dir: %w", err)
	}
	return &monthlyWriter{dir: dir, now: now}, nil
}

func (w *monthlyWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rotate(w.now()); err != nil {
		return 0, err
	}
	return w.file.Write(p)
}

func (w *monthlyWriter) rotate(now time.Time) error {
	month := now.Format(monthLayout)
	if w.file != nil && month == w.month {
		return nil
	}
	f, err := os.OpenFile(filepath.Join(w.dir, FileName(now)), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open chat log: %w", err)
	}
	if w.file != nil {
		_ = w.file.Close()
	}
	w.file, w.month = f, month
	return nil
}

func (w *monthlyWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	return w.file.Sync()
}

func (w *monthlyWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
