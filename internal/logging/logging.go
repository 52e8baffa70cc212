// Package logging builds the structured loggers used across the harness.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Options configures a harness logger.
type Options struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string
	// Output is the writer for log output (default: os.Stderr).
	Output io.Writer
	// Prefix is the component name prefix, usually the environment run ID.
	Prefix string
	// ReportTimestamp adds timestamps to log entries.
	ReportTimestamp bool
}

// ParseLevel converts a string level to log.Level. Unknown levels map to info.
func ParseLevel(level string) log.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	case "fatal":
		return log.FatalLevel
	default:
		return log.InfoLevel
	}
}

// New creates a logger with the given options.
func New(opts Options) *log.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	return log.NewWithOptions(out, log.Options{
		Level:           ParseLevel(opts.Level),
		Prefix:          opts.Prefix,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: opts.ReportTimestamp,
	})
}

// Discard returns a logger that drops everything.
func Discard() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{Level: log.FatalLevel})
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l *log.Logger) *log.Logger {
	if l == nil {
		return Discard()
	}
	return l
}

// PrependLines prefixes every non-empty line of text with pre.
func PrependLines(pre, text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		out = append(out, pre+line)
	}
	return strings.Join(out, "\n")
}
