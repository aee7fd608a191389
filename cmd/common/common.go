// Package common holds configuration and logging setup shared by the aemfs
// binaries.
package common

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/journal"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const version = "0.2.0"

var commit string

// Version returns the current version string.
func Version() string {
	clen := 0
	if len(commit) > 7 {
		clen = 8
	}
	return fmt.Sprintf("v%s %s", version, commit[:clen])
}

// LogLevels returns the available logging levels.
func LogLevels() []string {
	return []string{"trace", "debug", "info", "warn", "error", "fatal"}
}

// StringToLevel converts a string to a zerolog level.
func StringToLevel(input string) zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(input))
	if err != nil {
		log.Error().Err(err).Msg("Could not parse log level, defaulting to \"info\".")
		return zerolog.InfoLevel
	}
	return level
}

// journalWriter forwards log lines to the systemd journal.
type journalWriter struct{}

func (journalWriter) Write(p []byte) (int, error) {
	if err := journal.Send(strings.TrimRight(string(p), "\n"), journal.PriInfo, nil); err != nil {
		return 0, err
	}
	return len(p), nil
}

// SetupLogger configures the global zerolog output. output can be STDOUT,
// STDERR, JOURNAL, or a file path. When stderr is already connected to
// journald, logs go there directly instead of being double-wrapped.
func SetupLogger(level string, output string) {
	zerolog.SetGlobalLevel(StringToLevel(level))

	var writer io.Writer
	switch strings.ToUpper(output) {
	case "", "STDERR":
		if ok, _ := journal.StderrIsJournalStream(); ok && journal.Enabled() {
			writer = journalWriter{}
		} else {
			writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		}
	case "STDOUT":
		writer = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	case "JOURNAL":
		writer = journalWriter{}
	default:
		fd, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
			log.Logger = log.Output(writer)
			log.Error().Err(err).Str("path", output).
				Msg("Could not open log file, using stderr.")
			return
		}
		writer = fd
	}
	log.Logger = log.Output(writer)
}
