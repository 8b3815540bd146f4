package logger

import "codeberg.org/mutker/orinwatch/internal/errors"

// Logger is the logging surface handed to components that do not use the
// package-level functions directly.
type Logger interface {
	Debug() *LogEvent
	Info() *LogEvent
	Warn() *LogEvent
	Error() *LogEvent
	ErrorWithCode(err errors.Error) *LogEvent
	ErrorWithContext(err errors.Error, component, operation string) *LogEvent
	// WithComponent returns a Logger that tags every event with a
	// "component" field.
	WithComponent(name string) Logger
}
