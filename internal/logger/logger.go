package logger

import (
	"io"
	"os"
	"strings"
	"syscall"
	"time"

	"codeberg.org/mutker/orinwatch/internal/errors"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

var log zerolog.Logger

type LogLevel int8

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

const (
	defaultMaxSizeMB  = 10
	defaultMaxBackups = 3
)

type LogEvent struct {
	*zerolog.Event
}

func (e *LogEvent) Msg(msg string) {
	e.Event.Msg(msg)
}

func (e *LogEvent) Send() {
	e.Event.Send()
}

type options struct {
	console    io.Writer
	file       string
	maxSizeMB  int
	maxBackups int
}

// Option configures Init.
type Option func(*options)

// WithFile additionally writes JSON log lines to path, rotated by size.
func WithFile(path string, maxSizeMB, maxBackups int) Option {
	return func(o *options) {
		o.file = path
		if maxSizeMB > 0 {
			o.maxSizeMB = maxSizeMB
		}
		if maxBackups >= 0 {
			o.maxBackups = maxBackups
		}
	}
}

// WithConsole replaces stdout as the console destination.
func WithConsole(w io.Writer) Option {
	return func(o *options) {
		o.console = w
	}
}

// Init initializes the logger based on the given configuration
func Init(level LogLevel, isService bool, opts ...Option) io.Closer {
	o := options{
		console:    os.Stdout,
		maxSizeMB:  defaultMaxSizeMB,
		maxBackups: defaultMaxBackups,
	}
	for _, opt := range opts {
		opt(&o)
	}

	console := zerolog.ConsoleWriter{
		Out:        o.console,
		TimeFormat: time.RFC3339,
	}

	if isService {
		console.NoColor = true
		console.TimeFormat = ""
		console.FormatTimestamp = func(_ interface{}) string {
			return ""
		}
	}

	var (
		output io.Writer = console
		closer io.Closer = nopCloser{}
	)

	if o.file != "" {
		rotator := &lumberjack.Logger{
			Filename:   o.file,
			MaxSize:    o.maxSizeMB,
			MaxBackups: o.maxBackups,
		}
		output = zerolog.MultiLevelWriter(console, rotator)
		closer = rotator
	}

	log = zerolog.New(output).With().Timestamp().Logger()

	SetLogLevel(level)

	return closer
}

// ParseLevel maps a configured level name to a LogLevel.
func ParseLevel(name string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return DebugLevel, nil
	case "info":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	case "fatal":
		return FatalLevel, nil
	}

	return WarnLevel, errors.New().WithData(errors.ErrInvalidLogLevel, name)
}

// SetLogLevel sets the global log level
func SetLogLevel(level LogLevel) {
	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// IsService checks if the application is running as a service
func IsService() bool {
	if _, err := os.Stdin.Stat(); err != nil {
		return true
	}
	if os.Getenv("SERVICE_NAME") != "" || os.Getenv("INVOCATION_ID") != "" {
		return true
	}
	if os.Getppid() == 1 {
		return true
	}

	return syscall.Getpgrp() == syscall.Getpid()
}

// Debug logs a debug message
func Debug() *LogEvent {
	return &LogEvent{log.Debug()}
}

// Info logs an info message
func Info() *LogEvent {
	return &LogEvent{log.Info()}
}

// Warn logs a warning message
func Warn() *LogEvent {
	return &LogEvent{log.Warn()}
}

// Error logs an error message
func Error() *LogEvent {
	return &LogEvent{log.Error()}
}

// ErrorWithCode logs an error message with a specific error code
func ErrorWithCode(err errors.Error) *LogEvent {
	return &LogEvent{log.Error().
		Str("error_code", string(err.Code())).
		Err(err)}
}

// ErrorWithContext logs an error along with where it happened
func ErrorWithContext(err errors.Error, component, operation string) *LogEvent {
	return &LogEvent{log.Error().
		Str("error_code", string(err.Code())).
		Str("component", component).
		Str("operation", operation).
		Err(err)}
}

// Fatal logs a fatal message and exits the program
func Fatal() *LogEvent {
	return &LogEvent{log.Fatal()}
}

type packageLogger struct {
	component string
}

// Get returns a Logger backed by the package-level logger.
func Get() Logger {
	return packageLogger{}
}

// Component is shorthand for Get().WithComponent(name).
func Component(name string) Logger {
	return packageLogger{component: name}
}

func (l packageLogger) tag(e *LogEvent) *LogEvent {
	if l.component != "" {
		e.Event = e.Str("component", l.component)
	}
	return e
}

func (l packageLogger) Debug() *LogEvent { return l.tag(Debug()) }
func (l packageLogger) Info() *LogEvent  { return l.tag(Info()) }
func (l packageLogger) Warn() *LogEvent  { return l.tag(Warn()) }
func (l packageLogger) Error() *LogEvent { return l.tag(Error()) }

func (l packageLogger) ErrorWithCode(err errors.Error) *LogEvent {
	return l.tag(ErrorWithCode(err))
}

// ErrorWithContext falls back to the logger's own component when component
// is empty.
func (l packageLogger) ErrorWithContext(err errors.Error, component, operation string) *LogEvent {
	if component == "" {
		component = l.component
	}
	return ErrorWithContext(err, component, operation)
}

func (packageLogger) WithComponent(name string) Logger {
	return packageLogger{component: name}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
