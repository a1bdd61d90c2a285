package internal

import (
	"io"
	"log/slog"
	"strings"
)

// ServiceName is attached to every log line.
const ServiceName = "academy-billing"

// ParseLogLevel maps a configured level name onto slog. Unknown names fall
// back to info.
func ParseLogLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return slog.LevelInfo
	}
	return l
}

// NewLogger writes text in development and JSON elsewhere. Records carry
// the service name and environment.
func NewLogger(w io.Writer, env string, level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: ParseLogLevel(level),
	}

	var handler slog.Handler
	if env == "development" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler).With("service", ServiceName, "env", env)
}
