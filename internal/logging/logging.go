// Package logging builds the per-component zerolog loggers used across
// the master, workers, and the HTTP response pipeline.
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"waitr/internal/config"
)

// New builds the base logger for this process according to the
// configured level and format. A level string that doesn't parse falls
// back to info; any format other than "json" gives a console logger.
func New(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}

	var w zerolog.ConsoleWriter
	var logger zerolog.Logger
	if strings.EqualFold(cfg.Format, "json") {
		logger = zerolog.New(os.Stderr)
	} else {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		logger = zerolog.New(w)
	}

	return logger.Level(level).With().Timestamp().Logger()
}

// Component returns a logger scoped to one named component, e.g.
// "master", "worker", "static", "proxy".
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}

// ForWorker returns a logger additionally tagged with the worker's pid.
func ForWorker(base zerolog.Logger, pid int) zerolog.Logger {
	return Component(base, "worker").With().Int("pid", pid).Logger()
}
