// Package vmlog is the structured-logging facade shared by every subsystem
// of the execution core. It wraps github.com/joeycumines/logiface so that
// an embedder can swap the backend (stumpy, zerolog, slog, ...) without any
// of the core's call sites changing; see the teacher's logiface-zerolog and
// logiface-slog packages for the shape such a swap takes.
package vmlog

import (
	"io"
	"os"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the logger type used throughout the core.
type Logger = logiface.Logger[*stumpy.Event]

// Builder is a single log-line builder, returned by a Logger's level methods
// (Debug, Info, Warn, Err, ...).
type Builder = logiface.Builder[*stumpy.Event]

// New constructs a Logger writing newline-delimited JSON to w at level.
func New(level logiface.Level, w io.Writer) *Logger {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(level),
	)
}

// Nop returns a Logger with logging disabled, for tests and components that
// don't want to pay for a real sink.
func Nop() *Logger {
	return New(logiface.LevelDisabled, io.Discard)
}

// Default returns a Logger writing to os.Stderr at LevelInformational, the
// level the teacher's own packages default new loggers to.
func Default() *Logger {
	return New(logiface.LevelInformational, os.Stderr)
}

// ParseLevel maps the syslog-style names accepted by COREVM_LOG_LEVEL
// (spec §6) to a logiface.Level, falling back to LevelInformational for
// anything unrecognized rather than erroring — a bad env var should not
// by itself prevent the VM from starting.
func ParseLevel(name string) logiface.Level {
	switch name {
	case "disabled":
		return logiface.LevelDisabled
	case "emerg", "emergency":
		return logiface.LevelEmergency
	case "alert":
		return logiface.LevelAlert
	case "crit", "critical":
		return logiface.LevelCritical
	case "err", "error":
		return logiface.LevelError
	case "warn", "warning":
		return logiface.LevelWarning
	case "notice":
		return logiface.LevelNotice
	case "info", "informational":
		return logiface.LevelInformational
	case "debug":
		return logiface.LevelDebug
	case "trace":
		return logiface.LevelTrace
	default:
		return logiface.LevelInformational
	}
}
