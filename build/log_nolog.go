//go:build nolog
// +build nolog

package build

// LogLevel is unused when logging is disabled.
var LogLevel = "none"

// LoggingType disables every subsystem logger.
const LoggingType = LogTypeNone
