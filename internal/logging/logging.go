// Package logging builds the structured loggers used across flowcheck.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// EnvLevel overrides the configured level when set.
const EnvLevel = "FLOWCHECK_LOG_LEVEL"

// Options configures the logger.
type Options struct {
	// Level is the minimum log level (debug, info, warn, error)
	Level  string
	Output io.Writer
	Prefix string
	// ReportTimestamp adds timestamps to log entries
	ReportTimestamp bool
}

// DefaultOptions logs info and above to stderr.
func DefaultOptions() Options {
	return Options{
		Level:           "info",
		Output:          os.Stderr,
		ReportTimestamp: true,
	}
}

// ParseLevel converts a level name to log.Level, defaulting to info.
func ParseLevel(level string) log.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// New creates a logger. FLOWCHECK_LOG_LEVEL wins over opts.Level.
func New(opts Options) *log.Logger {
	if env := os.Getenv(EnvLevel); env != "" {
		opts.Level = env
	}
	if opts.Output == nil {
		opts.Output = os.Stderr
	}
	return log.NewWithOptions(opts.Output, log.Options{
		Level:           ParseLevel(opts.Level),
		Prefix:          opts.Prefix,
		TimeFormat:      time.TimeOnly,
		ReportTimestamp: opts.ReportTimestamp,
	})
}

// Discard returns a logger that drops everything.
func Discard() *log.Logger {
	return log.New(io.Discard)
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l *log.Logger) *log.Logger {
	if l == nil {
		return Discard()
	}
	return l
}
