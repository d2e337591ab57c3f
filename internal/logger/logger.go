// Package logger builds the zerolog.Logger used by the grantry CLI.
package logger

import (
	"io"
	"strings"

	"github.com/rs/zerolog"
)

// New returns a logger writing to out. In development it uses a
// human-friendly console writer and defaults to debug; otherwise it writes
// JSON and defaults to warn, so check output on stdout stays clean. A
// non-empty level overrides the default. Unknown levels fall back to the
// default.
func New(env, level string, out io.Writer) zerolog.Logger {
	env = strings.ToLower(strings.TrimSpace(env))
	isDev := env == "development" || env == "dev"

	lvl := zerolog.WarnLevel
	if isDev {
		lvl = zerolog.DebugLevel
	}
	if level = strings.TrimSpace(level); level != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(level)); err == nil && parsed != zerolog.NoLevel {
			lvl = parsed
		}
	}

	if isDev {
		cw := zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
			w.Out = out
			w.TimeFormat = "2006-01-02 15:04:05"
		})
		return zerolog.New(cw).Level(lvl).With().Timestamp().Logger()
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// Nop returns a disabled logger, useful for tests.
func Nop() zerolog.Logger {
	return zerolog.New(io.Discard)
}
