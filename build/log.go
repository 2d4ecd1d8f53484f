// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package build

import (
	"os"

	"github.com/btcsuite/btclog"
)

// LogType is the logging output selected by build tags.
type LogType byte

const (
	// LogTypeNone disables logging.
	LogTypeNone LogType = iota

	// LogTypeStdOut writes every subsystem straight to stdout. Unit tests
	// use it.
	LogTypeStdOut

	// LogTypeDefault hands out loggers of the daemon's backend.
	LogTypeDefault
)

// String returns a human readable identifier for the logging type.
func (t LogType) String() string {
	switch t {
	case LogTypeNone:
		return "none"
	case LogTypeStdOut:
		return "stdout"
	case LogTypeDefault:
		return "default"
	default:
		return "unknown"
	}
}

// NewSubLogger returns the logger of a subsystem. Production builds and
// development builds with default logging take it from genSubLogger.
// Development builds tagged stdlog write to stdout at LogLevel. In every
// other case, including a nil genSubLogger, logging is disabled.
func NewSubLogger(subsystem string,
	genSubLogger func(string) btclog.Logger) btclog.Logger {

	fromBackend := Deployment == Production ||
		LoggingType == LogTypeDefault

	switch {
	case fromBackend && genSubLogger != nil:
		return genSubLogger(subsystem)

	case Deployment == Development && LoggingType == LogTypeStdOut:
		logger := btclog.NewBackend(os.Stdout).Logger(subsystem)
		level, _ := btclog.LevelFromString(LogLevel)
		logger.SetLevel(level)
		return logger

	default:
		return btclog.Disabled
	}
}
