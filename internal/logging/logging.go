// Package logging provides the daemon's structured, rotating logger: an
// slog.Logger over a lumberjack-rotated file, exposed through the Logf
// shape shared by internal/watch, internal/rpc and internal/embed so one
// logger instance can be handed to every daemon subsystem.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultMaxSizeMB  = 10
	defaultMaxBackups = 5
	defaultMaxAgeDays = 30
)

// Logger wraps an slog.Logger with the Logf(format, args...) shape used
// throughout this tree, matching the teacher's daemonLogger call pattern.
type Logger struct {
	logger *slog.Logger
}

// Options configures where and how the log rotates.
type Options struct {
	// Path is the log file path. Empty means log to stderr only, with no
	// rotation (used by foreground/CLI runs).
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Debug      bool
}

// New builds a Logger per opts. When opts.Path is set, output is written
// to a lumberjack-rotated file; otherwise it goes to stderr.
func New(opts Options) *Logger {
	var w io.Writer = os.Stderr
	if opts.Path != "" {
		maxSize := opts.MaxSizeMB
		if maxSize <= 0 {
			maxSize = defaultMaxSizeMB
		}
		maxBackups := opts.MaxBackups
		if maxBackups <= 0 {
			maxBackups = defaultMaxBackups
		}
		maxAge := opts.MaxAgeDays
		if maxAge <= 0 {
			maxAge = defaultMaxAgeDays
		}
		w = &lumberjack.Logger{
			Filename:   opts.Path,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
			MaxAge:     maxAge,
			Compress:   true,
		}
	}

	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return &Logger{logger: slog.New(handler)}
}

// Discard returns a Logger that drops everything, for tests.
func Discard() *Logger {
	return &Logger{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// Logf logs a printf-style message at info level.
func (l *Logger) Logf(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

// Errorf logs a printf-style message at error level.
func (l *Logger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

// Debugf logs a printf-style message at debug level.
func (l *Logger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
