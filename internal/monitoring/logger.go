// Package monitoring holds the process-level logger of the fusion binaries
// and maps a verbosity level onto the ops/diag/trace streams exposed by the
// fusion packages.
package monitoring

import (
	"fmt"
	"io"
	"log"
	"strings"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Level selects how many of the three package log streams are enabled.
type Level int

const (
	// LevelQuiet disables all package streams.
	LevelQuiet Level = iota
	// LevelOps enables rejected data and range errors.
	LevelOps
	// LevelDiag adds resampling and alignment decisions.
	LevelDiag
	// LevelTrace adds per-measurement telemetry.
	LevelTrace
)

var levelNames = []string{"quiet", "ops", "diag", "trace"}

// ParseLevel accepts quiet, ops, diag and trace.
func ParseLevel(s string) (Level, error) {
	for i, name := range levelNames {
		if strings.EqualFold(s, name) {
			return Level(i), nil
		}
	}
	return LevelQuiet, fmt.Errorf("unknown log level %q (want one of %s)", s, strings.Join(levelNames, ", "))
}

func (l Level) String() string {
	if l < 0 || int(l) >= len(levelNames) {
		return fmt.Sprintf("Level(%d)", int(l))
	}
	return levelNames[l]
}

// Writers returns the ops, diag and trace writers for level l. Streams above
// the level are nil, which the fusion packages treat as disabled.
func Writers(w io.Writer, l Level) (ops, diag, trace io.Writer) {
	if l >= LevelOps {
		ops = w
	}
	if l >= LevelDiag {
		diag = w
	}
	if l >= LevelTrace {
		trace = w
	}
	return ops, diag, trace
}
