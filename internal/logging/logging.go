// Package logging builds the structured loggers used across rolloutz.
//
// Loggers carry a "service" attribute, and subsystems derive children with
// [Component]. The server logs JSON; rolloutctl defaults to text on stderr.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

const serviceName = "rolloutz"

// Output formats accepted by [NewFormatted].
const (
	FormatJSON = "json"
	FormatText = "text"
)

// New returns a JSON logger on stderr at level.
func New(level string) *slog.Logger {
	return NewFormatted(os.Stderr, level, FormatJSON)
}

// NewWithWriter returns a JSON logger on w at level.
func NewWithWriter(level string, w io.Writer) *slog.Logger {
	return NewFormatted(w, level, FormatJSON)
}

// NewFormatted returns a logger on w using format, which is "json" or "text".
// Anything else falls back to JSON.
func NewFormatted(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), FormatText) {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler).With(slog.String("service", serviceName))
}

// Component tags logger with a subsystem name. nil means [slog.Default].
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(slog.String("component", name))
}

// ParseLevel maps "debug", "info", "warn"/"warning" and "error" to a
// [slog.Level], ignoring case and surrounding space. Anything else is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
