// Package log configures the global zerolog logger and reports search progress.
package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

// Output formats
const (
	FormatAuto    = "auto"
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Config selects level and output format
type Config struct {
	Level  string `yaml:"level" json:"level" default:"info" validate:"oneof=trace debug info warn error"`
	Format string `yaml:"format" json:"format" default:"auto" validate:"oneof=auto json console"`
}

// Setup configures the global logger. Auto format writes to the console
// when stderr is a terminal and JSON otherwise.
func Setup(cfg Config) {
	SetupWriter(cfg, os.Stderr, term.IsTerminal(int(os.Stderr.Fd())))
}

// SetupWriter is Setup with an explicit destination
func SetupWriter(cfg Config, w io.Writer, tty bool) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))

	console := cfg.Format == FormatConsole || (cfg.Format != FormatJSON && tty)
	if console {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
		return
	}
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
}

// ParseLevel maps a level name to zerolog, defaulting to info
func ParseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || s == "" {
		return zerolog.InfoLevel
	}
	return lvl
}
