package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger returns a logger tagged with the component name. Output is JSON
// on stdout unless PERP_LOG_FORMAT=console; the level comes from
// PERP_LOG_LEVEL (default info).
func NewLogger(component string) zerolog.Logger {
	return newLogger(logOutput(os.Getenv("PERP_LOG_FORMAT")), component, parseLogLevel(os.Getenv("PERP_LOG_LEVEL")))
}

// NewNopLogger discards everything; tests hand it to engines
func NewNopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func newLogger(w io.Writer, component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

func logOutput(format string) io.Writer {
	if strings.EqualFold(format, "console") {
		return zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return os.Stdout
}

func parseLogLevel(s string) zerolog.Level {
	if s == "" {
		return zerolog.InfoLevel
	}
	level, err := zerolog.ParseLevel(strings.ToLower(s))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
