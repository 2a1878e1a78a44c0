// Package log holds the process-wide zerolog loggers of forkwallet, one
// per component.
//
// Logs go to stderr so that command output on stdout stays parseable.
package log

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Logger is the root logger. Component loggers derive from it.
var Logger zerolog.Logger

var (
	Protocol zerolog.Logger
	Balance  zerolog.Logger
	Signer   zerolog.Logger
	History  zerolog.Logger
	Storage  zerolog.Logger
	Session  zerolog.Logger
)

const timeFormat = "15:04:05"

func init() {
	setRoot(New(os.Stderr, "warn", false))
}

// Init replaces the root logger. With a file, entries are also appended
// there as JSON whatever jsonOutput says.
func Init(level string, jsonOutput bool, file string) error {
	var out io.Writer = os.Stderr
	if !jsonOutput {
		out = console(os.Stderr)
	}
	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return err
		}
		out = zerolog.MultiLevelWriter(out, f)
	}
	setRoot(zerolog.New(out).Level(parseLevel(level)).With().Timestamp().Logger())
	return nil
}

// New returns a logger writing to w, as JSON or colored text.
func New(w io.Writer, level string, jsonOutput bool) zerolog.Logger {
	if !jsonOutput {
		w = console(w)
	}
	return zerolog.New(w).Level(parseLevel(level)).With().Timestamp().Logger()
}

func console(w io.Writer) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: timeFormat}
}

// parseLevel accepts zerolog level names case-insensitively. Anything it
// does not know is info.
func parseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func setRoot(l zerolog.Logger) {
	Logger = l
	component := func(name string) zerolog.Logger {
		return Logger.With().Str("component", name).Logger()
	}
	Protocol = component("protocol")
	Balance = component("balance")
	Signer = component("signer")
	History = component("history")
	Storage = component("storage")
	Session = component("session")
}
