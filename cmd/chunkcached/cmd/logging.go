package cmd

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/javi11/chunkcached/internal/config"
)

// setupLogger builds the slog.Logger used for the lifetime of the
// process: text to stderr when no log file is configured, JSON rotated
// through lumberjack when one is.
func setupLogger(cfg *config.Config) *slog.Logger {
	level := parseLevel(cfg.LogLevel)

	var w io.Writer = os.Stderr
	var handler slog.Handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})

	if cfg.LogFile != "" {
		w = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     28,
			Compress:   true,
		}
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}

	return slog.New(handler)
}

func parseLevel(s string) slog.Level {
	switch s {
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
