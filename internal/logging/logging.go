// Package logging provides structured logging via log/slog. A process-wide
// structured logger is initialized once; subsystems obtain child loggers
// tagged with a service attribute through ForService. The audio hot path
// never logs.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	structuredLogger *slog.Logger
	loggerMu         sync.RWMutex

	currentLogLevel = new(slog.LevelVar)
	initOnce        sync.Once
)

// defaultReplaceAttr formats time to second precision and truncates float
// attributes to two decimals so per-block telemetry stays readable.
func defaultReplaceAttr(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey && a.Value.Kind() == slog.KindTime {
		a.Value = slog.StringValue(a.Value.Time().Format("2006-01-02T15:04:05Z07:00"))
	}
	if a.Value.Kind() == slog.KindFloat64 {
		a.Value = slog.Float64Value(math.Trunc(a.Value.Float64()*100) / 100.0)
	}
	return a
}

// Init initializes the global structured logger writing text to stderr at
// info level. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		currentLogLevel.Set(slog.LevelInfo)
		InitWithWriter(os.Stderr)
	})
}

// InitWithWriter installs a structured logger writing to w. Used by Init and
// by tests that want to capture output.
func InitWithWriter(w io.Writer) {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       currentLogLevel,
		ReplaceAttr: defaultReplaceAttr,
	})
	loggerMu.Lock()
	structuredLogger = slog.New(handler)
	loggerMu.Unlock()
}

// SetLevel adjusts the level of all loggers handed out by this package.
func SetLevel(level slog.Level) {
	currentLogLevel.Set(level)
}

// ForService returns a child logger tagged with the service name, or nil if
// logging has not been initialized. Callers fall back to slog.Default when
// nil is returned.
func ForService(serviceName string) *slog.Logger {
	loggerMu.RLock()
	logger := structuredLogger
	loggerMu.RUnlock()

	if logger == nil {
		return nil
	}
	return logger.With("service", serviceName)
}

// NewFileLogger creates a JSON logger writing to filePath with size-based
// rotation, tagged with a service attribute. It returns the logger and a
// close function for the underlying writer.
func NewFileLogger(filePath, serviceName string, levelVar *slog.LevelVar) (*slog.Logger, func() error, error) {
	logDir := filepath.Dir(filePath)
	if logDir != "." {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory %s: %w", logDir, err)
		}
	}

	lj := &lumberjack.Logger{
		Filename:   filePath,
		MaxSize:    100, // MB
		MaxBackups: 3,
		MaxAge:     28, // days
	}

	handler := slog.NewJSONHandler(lj, &slog.HandlerOptions{
		Level:       levelVar,
		ReplaceAttr: defaultReplaceAttr,
	})
	logger := slog.New(handler).With("service", serviceName)

	return logger, lj.Close, nil
}
