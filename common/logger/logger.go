package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	"github.com/lmittmann/tint"
)

// Logger wraps slog.Logger with contextual fields
type Logger struct {
	*slog.Logger
}

// New creates a new logger writing to stdout
func New(level, format string) *Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter creates a logger writing to w
func NewWithWriter(w io.Writer, level, format string) *Logger {
	var handler slog.Handler

	logLevel := parseLevel(level)

	switch format {
	case "json":
		opts := &slog.HandlerOptions{
			Level: logLevel,
		}
		handler = slog.NewJSONHandler(w, opts)
	default:
		// Use tint for beautiful colored console output
		handler = tint.NewHandler(w, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.TimeOnly, // HH:MM:SS
			AddSource:  false,          // Don't show source file by default
		})
	}

	return &Logger{
		Logger: slog.New(handler),
	}
}

type contextKey string

// RequestIDKey is the context key carrying the inbound request id
const RequestIDKey contextKey = "request_id"

// ContextWithRequestID stores a request id for WithContext
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithContext returns a logger with request_id from context
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok && requestID != "" {
		return &Logger{
			Logger: l.With("request_id", requestID),
		}
	}
	return l
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields map[string]any) *Logger {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &Logger{
		Logger: l.With(args...),
	}
}

// WithChangeID adds change_id to logger context
func (l *Logger) WithChangeID(changeID string) *Logger {
	return &Logger{
		Logger: l.With("change_id", changeID),
	}
}

// WithActor adds the acting user and role to logger context
func (l *Logger) WithActor(actorID, role string) *Logger {
	return &Logger{
		Logger: l.With("actor_id", actorID, "role", role),
	}
}

// Nop returns a logger that discards output, used in tests
func Nop() *Logger {
	return NewWithWriter(io.Discard, "error", "json")
}

// Error logs an error with stack trace
func (l *Logger) Error(msg string, args ...any) {
	// Add stack trace to args
	stack := string(debug.Stack())
	args = append(args, "stack", stack)
	l.Logger.Error(msg, args...)
}

// ErrorContext logs an error with context and stack trace
func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	// Add stack trace to args
	stack := string(debug.Stack())
	args = append(args, "stack", stack)
	l.Logger.ErrorContext(ctx, msg, args...)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
