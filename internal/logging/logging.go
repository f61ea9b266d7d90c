// Package logging configures colored structured logging with tint.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// Setup configures logging at the given level name, falling back to the
// LOG_LEVEL env var and then INFO
func Setup(level string) {
	if strings.TrimSpace(level) == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	SetupWithLevel(os.Stderr, ParseLevel(level))
}

// SetupWithLevel configures colored logging to w at the given level
func SetupWithLevel(w io.Writer, level slog.Level) {
	slog.SetDefault(slog.New(NewHandler(w, level)))
}

// NewHandler returns the tint handler used by Setup
func NewHandler(w io.Writer, level slog.Level) slog.Handler {
	return tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
		AddSource:  level == slog.LevelDebug,
	})
}

// ParseLevel maps debug, info, warn and error to slog levels (default: info)
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
