// Package logging builds the zerolog logger used across the module.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// IsDevelopment reports whether env names a development environment.
func IsDevelopment(env string) bool {
	switch strings.ToUpper(env) {
	case "", "DEV", "DEVELOPMENT", "LOCAL":
		return true
	}
	return false
}

// New returns a logger for env. Development gets a console writer at debug
// level so infrastructure failures are visible; other environments log JSON
// at warn level unless level overrides it.
func New(env, level string, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}

	lvl := zerolog.WarnLevel
	if IsDevelopment(env) {
		lvl = zerolog.DebugLevel
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	if level != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(level)); err == nil {
			lvl = parsed
		}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}
