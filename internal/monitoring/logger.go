// Package monitoring provides the diagnostic logging hooks shared by all
// monitor nodes. Output goes to the collector's console in production; tests
// and embedding programs may redirect or mute it.
package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf but
// may be replaced by SetLogger. Tests or production code can redirect or mute
// it.
var Logf func(format string, v ...interface{}) = log.Printf

// Warnf logs a message with the monitor's user-visible warning prefix.
func Warnf(format string, v ...interface{}) {
	Logf("OM Warning: "+format, v...)
}

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}
