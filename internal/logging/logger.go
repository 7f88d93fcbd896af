package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds the process logger. Development gets a console writer, every
// other environment gets JSON lines with timestamps.
func New(env, level string) zerolog.Logger {
	return NewWithWriter(env, level, os.Stdout)
}

func NewWithWriter(env, level string, out io.Writer) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	if env == "dev" || env == "development" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// Bootstrap is the logger used before configuration is loaded.
func Bootstrap() *zerolog.Logger {
	l := NewWithWriter("", "info", os.Stderr)
	return &l
}
