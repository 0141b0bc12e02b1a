// Package chatlog appends inbound and outbound chat messages to monthly
// JSON-lines files and prunes files past a retention window.
package chatlog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Defaults for Config.
const (
	DefaultDir             = "logs"
	DefaultRetention       = 60 * 24 * time.Hour
	DefaultCleanupSchedule = "@daily"
	outboundPreviewRunes   = 10
)

// Direction marks whether a message was received or sent.
type Direction string

// Message directions, stored as their first letter.
const (
	Incoming Direction = "incoming"
	Outgoing Direction = "outgoing"
)

// Entry is one logged message.
type Entry struct {
	UserID    string
	MessageID string
	ChatID    string
	Text      string
	Direction Direction
}

// Config configures a Log.
type Config struct {
	Dir       string
	Retention time.Duration
	// CleanupSchedule is a cron spec for periodic pruning. "-" disables it.
	CleanupSchedule string
	// Now overrides the clock for entry timestamps and file rotation.
	Now    func() time.Time
	Logger *zap.Logger
}

// Log writes message entries through a dedicated zap core.
type Log struct {
	dir       string
	retention time.Duration
	now       func() time.Time
	writer    *monthlyWriter
	entries   *zap.Logger
	logger    *zap.Logger
	cron      *cron.Cron
	cleaned   chan struct{}
}

// New opens the log directory, starts a background cleanup of expired files
// and schedules periodic cleanups.
func New(cfg Config) (*Log, error) {
	if cfg.Dir == "" {
		cfg.Dir = DefaultDir
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.CleanupSchedule == "" {
		cfg.CleanupSchedule = DefaultCleanupSchedule
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	writer, err := newMonthlyWriter(cfg.Dir, cfg.Now)
	if err != nil {
		return nil, err
	}

	encCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), writer, zapcore.DebugLevel)
	l := &Log{
		dir:       cfg.Dir,
		retention: cfg.Retention,
		now:       cfg.Now,
		writer:    writer,
		entries:   zap.New(core, zap.WithClock(clock{now: cfg.Now})),
		logger:    cfg.Logger.Named("chatlog"),
		cleaned:   make(chan struct{}),
	}

	if cfg.CleanupSchedule != "-" {
		l.cron = cron.New()
		if _, err := l.cron.AddFunc(cfg.CleanupSchedule, l.cleanup); err != nil {
			_ = writer.Close()
			return nil, fmt.Errorf("schedule chat log cleanup: %w", err)
		}
		l.cron.Start()
	}
	go func() {
		defer close(l.cleaned)
		l.cleanup()
	}()
	return l, nil
}

// Record appends e. Outgoing text is shortened to its first 10 characters
// followed by "..." when longer.
func (l *Log) Record(e Entry) {
	if l == nil {
		return
	}
	text := e.Text
	if e.Direction != Incoming {
		text = Preview(text)
	}
	dir := string(e.Direction)
	if dir == "" {
		dir = string(Outgoing)
	}
	l.entries.Info("",
		zap.String("uid", e.UserID),
		zap.String("mid", e.MessageID),
		zap.String("cid", e.ChatID),
		zap.String("dir", dir[:1]),
		zap.String("msg", text),
	)
}

// Preview shortens outbound text for storage.
func Preview(text string) string {
	if utf8.RuneCountInString(text) <= outboundPreviewRunes {
		return text
	}
	return string([]rune(text)[:outboundPreviewRunes]) + "..."
}

// Cleanup deletes log files last modified before now minus the retention
// window and returns how many were removed.
func (l *Log) Cleanup() (int, error) {
	cutoff := l.now().Add(-l.retention)
	matches, err := filepath.Glob(filepath.Join(l.dir, filePrefix+"*"+fileSuffix))
	if err != nil {
		return 0, fmt.Errorf("list chat logs: %w", err)
	}
	removed := 0
	var errs []error
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
		l.logger.Info("deleted old chat log", zap.String("file", filepath.Base(path)))
	}
	return removed, errors.Join(errs...)
}

func (l *Log) cleanup() {
	if _, err := l.Cleanup(); err != nil {
		l.logger.Warn("chat log cleanup failed", zap.Error(err))
	}
}

// Close stops scheduled cleanups, waits for a running one up to ctx, then
// flushes and closes the current file.
func (l *Log) Close(ctx context.Context) error {
	if l == nil {
		return nil
	}
	if l.cron != nil {
		select {
		case <-l.cron.Stop().Done():
		case <-ctx.Done():
		}
	}
	select {
	case <-l.cleaned:
	case <-ctx.Done():
	}
	if err := l.entries.Sync(); err != nil {
		_ = l.writer.Close()
		return fmt.Errorf("sync chat log: %w", err)
	}
	if err := l.writer.Close(); err != nil {
		return fmt.Errorf("close chat log: %w", err)
	}
	return nil
}

type clock struct {
	now func() time.Time
}

func (c clock) Now() time.Time { return c.now() }

func (clock) NewTicker(d time.Duration) *time.Ticker { return time.NewTicker(d) }
