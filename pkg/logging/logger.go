package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config selects the level and output format of the process logger.
type Config struct {
	Level  string // "DEBUG", "INFO", "WARN" or "ERROR"
	Format string // "json" or "text"
}

// ParseLevel maps a level name to a slog level. Unknown names fall back to INFO.
func ParseLevel(name string) (slog.Level, bool) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return slog.LevelDebug, true
	case "INFO", "":
		return slog.LevelInfo, true
	case "WARN", "WARNING":
		return slog.LevelWarn, true
	case "ERROR":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// InitLogger initializes the global logger with the specified configuration.
func InitLogger(cfg Config) *slog.Logger {
	logger := NewLogger(os.Stdout, cfg)
	slog.SetDefault(logger)
	if _, ok := ParseLevel(cfg.Level); !ok {
		logger.Warn("invalid log level specified, defaulting to INFO", "specified_level", cfg.Level)
	}
	return logger
}

// NewLogger builds a logger writing to w without touching the global default.
func NewLogger(w io.Writer, cfg Config) *slog.Logger {
	level, _ := ParseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		opts.AddSource = true
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// NewComponentLogger creates a component-specific logger with context.
// It adds the component name to all log messages for better traceability.
func NewComponentLogger(base *slog.Logger, component string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With(
		slog.String("component", component),
	)
}

// NewSessionLogger scopes a component logger to one client session.
func NewSessionLogger(base *slog.Logger, sessionID string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With(slog.String("session_id", sessionID))
}
