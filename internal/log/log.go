// Package log provides the logging interface used across scriptnerd.
//
// Components accept any implementation of Logger and default to Noop when
// none is configured, so packages stay silent unless the caller wires a
// real backend (see the logrus subpackage).
package log

// Kv is a helper type for structured logging key-value pairs.
type Kv = map[string]interface{}

// Logger is the interface all scriptnerd components log through.
type Logger interface {
	Infof(format string, args ...interface{})
	Warningf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Debugf(format string, args ...interface{})

	// WithValues returns a new Logger with the given key-values attached to
	// every subsequent line.
	WithValues(values Kv) Logger
}

// Noop discards all log output. It is the default logger everywhere.
var Noop Logger = noop{}

type noop struct{}

func (noop) Infof(format string, args ...interface{})    {}
func (noop) Warningf(format string, args ...interface{}) {}
func (noop) Errorf(format string, args ...interface{})   {}
func (noop) Debugf(format string, args ...interface{})   {}
func (noop) WithValues(values Kv) Logger                 { return Noop }
