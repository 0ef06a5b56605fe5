// Package logging builds the structured loggers shared by every component.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options configures a logger.
type Options struct {
	Level     string
	Writer    io.Writer
	Component string
}

// New returns a JSON slog logger tagged with the component name.
func New(opts Options) *slog.Logger {
	writer := opts.Writer
	if writer == nil {
		writer = os.Stderr
	}
	h := slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: ParseLevel(opts.Level)})
	lg := slog.New(h)
	if c := strings.TrimSpace(opts.Component); c != "" {
		lg = lg.With("component", c)
	}
	return lg
}

// Discard returns a logger that drops everything. Used as the nil default.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// OrDiscard returns lg, or a discarding logger when lg is nil.
func OrDiscard(lg *slog.Logger) *slog.Logger {
	if lg == nil {
		return Discard()
	}
	return lg
}

// ParseLevel maps a config string onto a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
