// Package logging builds the gateway's zerolog loggers.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const consoleTimeFormat = "02-01-2006 15:04:05"

// Formats accepted by New.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// New constructs a logger. The console format prints human readable lines;
// anything else emits JSON. Output goes to writers when given, otherwise to
// stdout.
func New(format, level string, writers ...io.Writer) (zerolog.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return zerolog.Nop(), err
	}
	zerolog.DurationFieldUnit = time.Millisecond

	var output io.Writer = os.Stdout
	if len(writers) > 0 {
		output = io.MultiWriter(writers...)
	}

	if strings.EqualFold(format, FormatConsole) {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: consoleTimeFormat, NoColor: len(writers) > 0}
	}

	return zerolog.New(output).With().Timestamp().Str("service", "mailgate").Logger().Level(lvl), nil
}

func parseLevel(level string) (zerolog.Level, error) {
	level = strings.TrimSpace(level)
	if level == "" {
		level = zerolog.InfoLevel.String()
	}
	return zerolog.ParseLevel(strings.ToLower(level))
}
