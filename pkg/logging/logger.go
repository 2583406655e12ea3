package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"dnsgate/pkg/config"
)

// Logger wraps slog.Logger with a level that can be changed at runtime.
type Logger struct {
	*slog.Logger
	level  *slog.LevelVar
	closer io.Closer
	cfg    *config.LoggingConfig
}

// New creates a new logger from configuration
func New(cfg *config.LoggingConfig) (*Logger, error) {
	var (
		output io.Writer
		closer io.Closer
	)
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "file":
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = f
		closer = f
	default:
		output = os.Stdout
	}

	l := NewWithWriter(output, cfg)
	l.closer = closer
	return l, nil
}

// NewWithWriter builds a logger that writes to w using the format and level in cfg.
func NewWithWriter(w io.Writer, cfg *config.LoggingConfig) *Logger {
	level := new(slog.LevelVar)
	level.Set(parseLevel(cfg.Level))

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
		level:  level,
		cfg:    cfg,
	}
}

// NewDefault creates a logger with sensible defaults (info level, text format, stdout)
func NewDefault() *Logger {
	return NewWithWriter(os.Stdout, &config.LoggingConfig{
		Level:  "info",
		Format: "text",
		Output: "stdout",
	})
}

// SetLevel changes the minimum level of this logger and every logger derived from it.
func (l *Logger) SetLevel(level string) {
	l.level.Set(parseLevel(level))
}

// Level returns the current minimum level.
func (l *Logger) Level() slog.Level {
	return l.level.Level()
}

// Close releases the log file, if any.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// Component returns a child logger tagged with a component name.
func (l *Logger) Component(name string) *Logger {
	return l.WithField("component", name)
}

// WithFields creates a new logger with additional fields
func (l *Logger) WithFields(fields map[string]any) *Logger {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &Logger{
		Logger: l.Logger.With(args...),
		level:  l.level,
		cfg:    l.cfg,
	}
}

// WithField creates a new logger with an additional field
func (l *Logger) WithField(key string, value any) *Logger {
	return &Logger{
		Logger: l.Logger.With(key, value),
		level:  l.level,
		cfg:    l.cfg,
	}
}

func parseLevel(level string) slog.Level {
	switch level {
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

var global = NewDefault()

// SetGlobal sets the global logger
func SetGlobal(logger *Logger) {
	global = logger
	slog.SetDefault(logger.Logger)
}

// Global returns the global logger
func Global() *Logger {
	return global
}

// Info logs an info message on the global logger
func Info(msg string, args ...any) {
	global.Info(msg, args...)
}

// Error logs an error message on the global logger
func Error(msg string, args ...any) {
	global.Error(msg, args...)
}

// ErrorContext logs an error message with context on the global logger
func ErrorContext(ctx context.Context, msg string, args ...any) {
	global.ErrorContext(ctx, msg, args...)
}
