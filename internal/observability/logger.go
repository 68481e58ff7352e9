// Package observability provides structured logging, request id propagation,
// and OpenTelemetry tracing for the routing substrate.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
)

// secretPattern matches bearer tokens and api-key shaped values so they
// never reach the log sink.
var secretPattern = regexp.MustCompile(`(?i)(bearer\s+|sk-|api[_-]?key[=:\s]+)[\w\-.]+`)

// Redact replaces credential-shaped substrings with a placeholder.
func Redact(s string) string {
	return secretPattern.ReplaceAllString(s, "[REDACTED]")
}

// LoggerConfig contains configuration for the logger.
type LoggerConfig struct {
	Level      slog.Level
	Output     io.Writer
	AddSource  bool
	JSONFormat bool
}

// Logger wraps slog.Logger with request-id and redaction support.
type Logger struct {
	*slog.Logger
}

// NewLogger builds a logger from the config. A nil output defaults to stderr.
func NewLogger(cfg LoggerConfig) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	if cfg.JSONFormat {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	} else {
		handler = slog.NewTextHandler(cfg.Output, opts)
	}
	return &Logger{Logger: slog.New(handler)}
}

// ParseLevel maps a config level name onto a slog.Level.
func ParseLevel(name string) slog.Level {
	switch name {
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

// WithRequestID returns a logger carrying the request id from the context.
func (l *Logger) WithRequestID(ctx context.Context) *Logger {
	id := RequestIDFromContext(ctx)
	if id == "" {
		return l
	}
	return &Logger{Logger: l.Logger.With("request_id", id)}
}

// RedactedError logs at ERROR level with credential redaction applied to
// string and error arguments.
func (l *Logger) RedactedError(msg string, args ...any) {
	l.Logger.Error(Redact(msg), redactArgs(args)...)
}

// RedactedWarn logs at WARN level with credential redaction.
func (l *Logger) RedactedWarn(msg string, args ...any) {
	l.Logger.Warn(Redact(msg), redactArgs(args)...)
}

func redactArgs(args []any) []any {
	out := make([]any, len(args))
	for i, arg := range args {
		switch v := arg.(type) {
		case string:
			out[i] = Redact(v)
		case error:
			out[i] = Redact(v.Error())
		default:
			out[i] = arg
		}
	}
	return out
}

// Slog returns the underlying slog.Logger.
func (l *Logger) Slog() *slog.Logger {
	return l.Logger
}
