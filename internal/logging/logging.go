// Package logging builds the structured loggers handed to portal components.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/jrsteele09/go-portal-auth/internal/config"
	"github.com/rs/zerolog"
)

// New creates a zerolog logger from the logging configuration. A nil writer
// means stderr. The global zerolog settings are never modified.
func New(cfg config.LoggingConfig, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	if cfg.GetLogFormat() == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(cfg.GetLogLevel())
	if err != nil {
		level = zerolog.InfoLevel
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// Component returns a child logger tagged with the component name.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}
