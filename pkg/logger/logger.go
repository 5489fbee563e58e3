// Package logger defines the logging contract shared by every hyperforge component.
package logger

import (
	"fmt"
	"strings"
)

type Level int8

const (
	Disabled   Level = -1   // Disabled is used for disabled logging.
	TraceLevel Level = iota // TraceLevel is used for detailed debugging information.
	DebugLevel              // DebugLevel is used for debugging information.
	InfoLevel               // InfoLevel is used for informational messages.
	WarnLevel               // WarnLevel is used for warning messages.
	ErrorLevel              // ErrorLevel is used for error messages.
	NoLevel                 // NoLevel is used for no logging level.
)

// ParseLevel converts a textual level ("debug", "info", ...) into a Level.
func ParseLevel(level string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return TraceLevel, nil
	case "debug":
		return DebugLevel, nil
	case "", "info":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	case "disabled", "off":
		return Disabled, nil
	}
	return NoLevel, fmt.Errorf("unknown log level %q", level)
}

type Logger interface {
	// Returns a logger based off the root logger and decorates it with the given context and arguments.
	WithField(key string, value any) Logger  // WithField returns a logger with the given key-value pair.
	WithFields(fields map[string]any) Logger // WithFields returns a logger with the given fields.
	WithError(err error) Logger              // WithError returns a logger with the given error.

	Debug(args ...any) // Debug logs the message with the debug level.
	Info(args ...any)  // Info logs the message with the info level.
	Warn(args ...any)  // Warn logs the message with the warning level.
	Error(args ...any) // Error logs the message with the error level.

	Debugf(format string, args ...any) // Debugf formats and logs the message with the debug level.
	Infof(format string, args ...any)  // Infof formats and logs the message with the info level.
	Warnf(format string, args ...any)  // Warnf formats and logs the message with the warning level.
	Errorf(format string, args ...any) // Errorf formats and logs the message with the error level.

	SetLevel(level Level) // SetLevel sets the logging level for the logger.
	GetLevel() Level      // GetLevel returns the logging level for the logger.
}

// Nop returns a Logger that discards everything. Used as the default when a
// component is built without a logger.
func Nop() Logger { return nop{} }

type nop struct{}

func (n nop) WithField(string, any) Logger     { return n }
func (n nop) WithFields(map[string]any) Logger { return n }
func (n nop) WithError(error) Logger           { return n }
func (nop) Debug(...any)                       {}
func (nop) Info(...any)                        {}
func (nop) Warn(...any)                        {}
func (nop) Error(...any)                       {}
func (nop) Debugf(string, ...any)              {}
func (nop) Infof(string, ...any)               {}
func (nop) Warnf(string, ...any)               {}
func (nop) Errorf(string, ...any)              {}
func (nop) SetLevel(Level)                     {}
func (nop) GetLevel() Level                    { return Disabled }
