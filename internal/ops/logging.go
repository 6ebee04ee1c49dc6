package ops

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sandwichfarm/strand/internal/config"
)

// Logger is a structured logger wrapper
type Logger struct {
	*slog.Logger
	level  slog.Level
	format string
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a new structured logger based on config
func NewLogger(cfg *config.Logging) *Logger {
	level := parseLevel(cfg.Level)

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format(time.RFC3339))
				}
			}
			return a
		},
	}

	return newLogger(cfg.Format, level, os.Stdout, opts)
}

// NewLoggerWithWriter creates a logger with a custom writer
func NewLoggerWithWriter(cfg *config.Logging, w io.Writer) *Logger {
	level := parseLevel(cfg.Level)
	return newLogger(cfg.Format, level, w, &slog.HandlerOptions{Level: level})
}

func newLogger(format string, level slog.Level, w io.Writer, opts *slog.HandlerOptions) *Logger {
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
		level:  level,
		format: format,
	}
}

// Discard returns a logger that drops everything, for tests and optional components
func Discard() *Logger {
	return &Logger{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		level:  slog.LevelError,
		format: "text",
	}
}

// WithComponent adds a component field to all log messages
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", component),
		level:  l.level,
		format: l.format,
	}
}

// WithFields adds custom fields to the logger
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(fields...),
		level:  l.level,
		format: l.format,
	}
}

// IsDebugEnabled returns true if debug logging is enabled
func (l *Logger) IsDebugEnabled() bool {
	return l.level <= slog.LevelDebug
}

// Component-specific logger helpers

// LogStorageOperation logs a storage operation
func (l *Logger) LogStorageOperation(op string, duration time.Duration, err error) {
	if err != nil {
		l.Error("storage operation failed",
			"operation", op,
			"duration_ms", duration.Milliseconds(),
			"error", err)
	} else {
		l.Debug("storage operation completed",
			"operation", op,
			"duration_ms", duration.Milliseconds())
	}
}

// LogRelayConnection logs a relay connection event
func (l *Logger) LogRelayConnection(relay string, connected bool, err error) {
	if err != nil {
		l.Warn("relay connection failed",
			"relay", relay,
			"error", err)
	} else if connected {
		l.Info("relay connected",
			"relay", relay)
	} else {
		l.Info("relay disconnected",
			"relay", relay)
	}
}

// LogBatch logs the dispatch of one relay batch
func (l *Logger) LogBatch(filterID string, received, delivered int) {
	l.Debug("batch dispatched",
		"filter", filterID,
		"received", received,
		"delivered", delivered)
}

// LogIngestionRejected logs an inbound event that was dropped
func (l *Logger) LogIngestionRejected(eventID string, kind int, reason error) {
	l.Debug("event rejected",
		"event_id", eventID,
		"kind", kind,
		"reason", reason)
}

// LogMiningResult logs the outcome of a proof-of-work search
func (l *Logger) LogMiningResult(difficulty int, nonce uint64, duration time.Duration, err error) {
	if err != nil {
		l.Warn("mining stopped",
			"difficulty", difficulty,
			"duration_ms", duration.Milliseconds(),
			"error", err)
	} else {
		l.Info("mining completed",
			"difficulty", difficulty,
			"nonce", nonce,
			"duration_ms", duration.Milliseconds())
	}
}

// LogPublish logs an outgoing event
func (l *Logger) LogPublish(eventID string, kind int, err error) {
	if err != nil {
		l.Error("publish failed",
			"event_id", eventID,
			"kind", kind,
			"error", err)
	} else {
		l.Info("event published",
			"event_id", eventID,
			"kind", kind)
	}
}

// LogBackupOperation logs a backup or restore step
func (l *Logger) LogBackupOperation(op, path string, size int64, err error) {
	if err != nil {
		l.Error("backup operation failed",
			"operation", op,
			"path", path,
			"error", err)
	} else {
		l.Info("backup operation completed",
			"operation", op,
			"path", path,
			"size_bytes", size)
	}
}

// LogStartup logs application startup information
func (l *Logger) LogStartup(version, commit string, config map[string]interface{}) {
	l.Info("strand starting",
		"version", version,
		"commit", commit,
		"config", config)
}

// LogShutdown logs application shutdown
func (l *Logger) LogShutdown(reason string) {
	l.Info("strand shutting down",
		"reason", reason)
}

// LogPanic logs a panic with stack trace
func (l *Logger) LogPanic(recovered interface{}, stack string) {
	l.Error("panic recovered",
		"panic", fmt.Sprintf("%v", recovered),
		"stack", stack)
}

// Default logger configuration
var defaultLogger *Logger

func init() {
	// Create a default logger for early startup
	defaultLogger = NewLogger(&config.Logging{
		Level:  "info",
		Format: "text",
	})
}

// Default returns the default logger
func Default() *Logger {
	return defaultLogger
}

// SetDefault sets the default logger
func SetDefault(l *Logger) {
	defaultLogger = l
}

// Helper functions for common logging patterns

// Info logs an info message
func Info(msg string, fields ...any) {
	defaultLogger.Info(msg, fields...)
}

// Debug logs a debug message
func Debug(msg string, fields ...any) {
	defaultLogger.Debug(msg, fields...)
}

// Warn logs a warning message
func Warn(msg string, fields ...any) {
	defaultLogger.Warn(msg, fields...)
}

// Error logs an error message
func Error(msg string, fields ...any) {
	defaultLogger.Error(msg, fields...)
}
