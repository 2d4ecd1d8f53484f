//go:build !nolog && (debug || trace)
// +build !nolog
// +build debug trace

package build

// LogLevel specifies a verbose log level for debug builds.
var LogLevel = "debug"
