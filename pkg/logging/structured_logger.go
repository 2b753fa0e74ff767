package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// LogLevel represents the severity level of a log entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// StructuredLogger provides structured logging for the control plane.
// Every subsystem (mesh, monitor, admin API) logs through a component-scoped
// instance of this logger.
type StructuredLogger struct {
	*slog.Logger
	serviceName string
	component   string
}

// Config holds configuration for the structured logger
type Config struct {
	Level       LogLevel `yaml:"level" json:"level"`
	Format      string   `yaml:"format" json:"format"` // "json" or "text"
	ServiceName string   `yaml:"service_name" json:"service_name"`
	Component   string   `yaml:"component" json:"component"`
	AddSource   bool     `yaml:"add_source" json:"add_source"`
}

// NewStructuredLogger creates a new structured logger instance
func NewStructuredLogger(config Config) *StructuredLogger {
	opts := &slog.HandlerOptions{
		Level:     parseLevel(config.Level),
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	switch strings.ToLower(config.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	if config.ServiceName != "" {
		logger = logger.With("service", config.ServiceName)
	}

	return &StructuredLogger{
		Logger:      logger,
		serviceName: config.ServiceName,
		component:   config.Component,
	}
}

// NewNopLogger returns a logger that discards everything. Intended for tests.
func NewNopLogger() *StructuredLogger {
	return &StructuredLogger{
		Logger: slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError + 4})),
	}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// WithComponent creates a logger scoped to a specific component
func (sl *StructuredLogger) WithComponent(component string) *StructuredLogger {
	return &StructuredLogger{
		Logger:      sl.Logger.With("component", component),
		serviceName: sl.serviceName,
		component:   component,
	}
}

// Component returns the component this logger is scoped to
func (sl *StructuredLogger) Component() string {
	return sl.component
}

// Debug logs a debug message with structured attributes
func (sl *StructuredLogger) Debug(ctx context.Context, msg string, args ...any) {
	sl.Logger.DebugContext(ctx, msg, args...)
}

// Info logs an info message with structured attributes
func (sl *StructuredLogger) Info(ctx context.Context, msg string, args ...any) {
	sl.Logger.InfoContext(ctx, msg, args...)
}

// Warn logs a warning message with structured attributes
func (sl *StructuredLogger) Warn(ctx context.Context, msg string, args ...any) {
	sl.Logger.WarnContext(ctx, msg, args...)
}

// Error logs an error message with structured attributes
func (sl *StructuredLogger) Error(ctx context.Context, msg string, args ...any) {
	sl.Logger.ErrorContext(ctx, msg, args...)
}

func parseLevel(level LogLevel) slog.Level {
	switch level {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
