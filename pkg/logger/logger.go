// Package logger wires up the process-wide slog logger.
package logger

import (
	"log/slog"
	"os"
)

// Setup installs the default logger for the environment and returns it.
// Production gets JSON at info level; everywhere else gets text at debug
// level so local output stays readable.
func Setup(env string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}

	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	log := slog.New(handler)
	slog.SetDefault(log)
	return log
}
