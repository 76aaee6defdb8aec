// Package logging builds the process-wide zerolog logger: JSON by default,
// a console writer in development, both timestamped.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds a *zerolog.Logger for the given level ("debug", "info", ...)
// and format ("json" or "console").
func New(level, format string) *zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var logger zerolog.Logger
	if format == "console" {
		out := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		logger = zerolog.New(out).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	return &logger
}
