// Package obslog provides the structured logging surface shared by every
// component of shardfq. It wraps github.com/joeycumines/logiface the same
// way the eventloop package wires structured logging: components accept a
// *Logger and tag entries with a component/category field rather than
// inventing their own logging abstraction.
package obslog

import (
	"io"
	"os"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the concrete logger type used across shardfq. The one returned
// by Disabled drops everything cheaply.
type Logger = logiface.Logger[*stumpy.Event]

// Builder is the fluent per-event handle returned by the leveled methods on
// Logger (Info, Debug, Err, ...).
type Builder = logiface.Builder[*stumpy.Event]

// New builds a Logger writing newline-delimited JSON to w (os.Stderr if nil)
// at the given minimum level. Pass LevelDisabled to silence all output
// without the caller needing a separate no-op type.
func New(w io.Writer, level logiface.Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return stumpy.L.New(
		stumpy.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(level),
	)
}

// Disabled returns a Logger that never writes, for components that weren't
// given an explicit Logger.
func Disabled() *Logger {
	return New(io.Discard, logiface.LevelDisabled)
}

// Component tags every event built from the returned Logger with a
// "component" field, e.g. obslog.Component(l, "fairqueue").
func Component(l *Logger, name string) *Logger {
	return l.Clone().Str("component", name).Logger()
}
