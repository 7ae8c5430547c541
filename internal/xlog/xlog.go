// Package xlog is a minimal leveled logger for rank-0 diagnostic output.
//
// No repository in the reference corpus pulls in a structured logging
// library (zap, zerolog, logrus) for this kind of narrow, opt-in diagnostic
// printing; the closest available pattern is a small hand-rolled leveled
// Printf over stderr, so that is what this package provides.
package xlog

import (
	"fmt"
	"os"
)

// Level controls which messages Printf emits.
type Level int

const (
	Error Level = iota
	Warn
	Info
	Debug
)

func (l Level) String() string {
	switch l {
	case Error:
		return "ERROR"
	case Warn:
		return "WARN"
	case Info:
		return "INFO"
	case Debug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// Logger gates diagnostic output behind a rank check and a verbose flag, the
// way the cadence controller's print0 does: only rank 0 ever prints, and only
// when verbose is enabled.
type Logger struct {
	Rank    int
	Verbose bool
	Level   Level
}

// New returns a Logger for the given rank; it only ever prints from rank 0.
func New(rank int, verbose bool) *Logger {
	return &Logger{Rank: rank, Verbose: verbose, Level: Info}
}

// Printf logs a message at the given level if verbose is set, this is rank 0,
// and level is no more detailed than l.Level (Info for a Logger from New, so
// Debug messages are dropped).
func (l *Logger) Printf(level Level, format string, args ...any) {
	if l == nil || !l.Verbose || l.Rank != 0 || level > l.Level {
		return
	}
	fmt.Fprintf(os.Stderr, "[%s] %s\n", level, fmt.Sprintf(format, args...))
}
