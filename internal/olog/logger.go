// Package olog builds oceand's structured logger: JSON lines to both stdout
// and a file under the daemon's home directory that is appended to across
// restarts.
package olog

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// New opens homeDir/logs/oceand.jsonl and returns a logger writing to both
// it and stdout at the given level, plus the slog.LevelVar backing it so
// callers can raise or lower verbosity (cmd/oceand's watchConfig does this
// on a config.yaml log_level change) without restarting the process. The
// returned io.Closer must be closed on shutdown.
func New(homeDir, level string) (*slog.Logger, *slog.LevelVar, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, nil, err
	}

	file, err := os.OpenFile(filepath.Join(logDir, "oceand.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, nil, err
	}

	levelVar := &slog.LevelVar{}
	levelVar.Set(ParseLevel(level))

	handler := slog.NewJSONHandler(io.MultiWriter(os.Stdout, file), &slog.HandlerOptions{
		Level: levelVar,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "timestamp"
			}
			return a
		},
	})
	return slog.New(handler).With("component", "oceand"), levelVar, file, nil
}

// ParseLevel maps a config log_level string ("debug", "info", "warn",
// "error") onto its slog.Level, defaulting to Info for anything else.
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
