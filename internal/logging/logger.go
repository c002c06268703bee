// Package logging defines the logger used by every engine component.
//
// The engine never configures process-wide logging. Callers hand a Logger to
// Open through Options.Logger; components prefix their messages with a
// namespace so output can be filtered per subsystem:
//
//	2026/01/04 10:12:44 INFO [flush] memtable 7 flushed to table 000012 (1.2 MiB)
//
// Fatalf does not exit the process. The DB wraps its logger with
// WithFatalHandler so that a fatal message stops further writes.
package logging

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"reflect"
)

// ErrFatal is wrapped by errors that stem from a Fatalf.
var ErrFatal = errors.New("fatal error")

// FatalHandler is invoked after Fatalf with the formatted message.
// It must be safe for concurrent use and must not call Fatalf.
type FatalHandler func(msg string)

// Level is the verbosity of a DefaultLogger.
type Level int

const (
	// LevelError logs only errors.
	LevelError Level = iota
	// LevelWarn logs warnings and errors.
	LevelWarn
	// LevelInfo logs info, warnings, and errors.
	LevelInfo
	// LevelDebug logs everything.
	LevelDebug
)

func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a level name, as Level.String writes it or in lower
// case, to a Level. The empty string is LevelWarn.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "error", "ERROR":
		return LevelError, nil
	case "warn", "WARN", "":
		return LevelWarn, nil
	case "info", "INFO":
		return LevelInfo, nil
	case "debug", "DEBUG":
		return LevelDebug, nil
	}
	return LevelWarn, fmt.Errorf("logging: unknown level %q", s)
}

// Logger is the logging interface consumed by the engine.
// Implementations must be safe for concurrent use.
type Logger interface {
	Errorf(format string, args ...any)
	Warnf(format string, args ...any)
	Infof(format string, args ...any)
	Debugf(format string, args ...any)

	// Fatalf reports an unrecoverable condition. It must not exit the
	// process.
	Fatalf(format string, args ...any)
}

// DefaultLogger writes leveled lines through a standard library log.Logger.
type DefaultLogger struct {
	logger *log.Logger
	level  Level
}

// NewDefaultLogger returns a logger writing to stderr.
func NewDefaultLogger(level Level) *DefaultLogger {
	return NewLogger(os.Stderr, level)
}

// NewLogger returns a logger writing to w.
func NewLogger(w io.Writer, level Level) *DefaultLogger {
	return &DefaultLogger{
		logger: log.New(w, "", log.LstdFlags),
		level:  level,
	}
}

// Level returns the configured level.
func (l *DefaultLogger) Level() Level {
	return l.level
}

func (l *DefaultLogger) Errorf(format string, args ...any) {
	l.output(LevelError, format, args...)
}

func (l *DefaultLogger) Warnf(format string, args ...any) {
	l.output(LevelWarn, format, args...)
}

func (l *DefaultLogger) Infof(format string, args ...any) {
	l.output(LevelInfo, format, args...)
}

func (l *DefaultLogger) Debugf(format string, args ...any) {
	l.output(LevelDebug, format, args...)
}

// Fatalf is never filtered by level.
func (l *DefaultLogger) Fatalf(format string, args ...any) {
	_ = l.logger.Output(2, "FATAL "+fmt.Sprintf(format, args...))
}

type fatalLogger struct {
	Logger
	handler FatalHandler
}

func (l fatalLogger) Fatalf(format string, args ...any) {
	l.Logger.Fatalf(format, args...)
	l.handler(fmt.Sprintf(format, args...))
}

// WithFatalHandler returns a Logger that forwards every message to l and
// calls h after each Fatalf.
func WithFatalHandler(l Logger, h FatalHandler) Logger {
	return fatalLogger{Logger: OrDefault(l), handler: h}
}

func (l *DefaultLogger) output(level Level, format string, args ...any) {
	if l.level < level {
		return
	}
	_ = l.logger.Output(3, level.String()+" "+fmt.Sprintf(format, args...))
}

// Namespace prefixes, one per engine subsystem.
const (
	NSFlush    = "[flush] "
	NSCompact  = "[compact] "
	NSWAL      = "[wal] "
	NSManifest = "[manifest] "
	NSRecovery = "[recovery] "
	NSDB       = "[db] "
	NSTxn      = "[txn] "
	NSTable    = "[table] "
)

// IsNil reports whether l is nil or a typed-nil pointer.
func IsNil(l Logger) bool {
	if l == nil {
		return true
	}
	v := reflect.ValueOf(l)
	return v.Kind() == reflect.Ptr && v.IsNil()
}

// OrDefault returns l, or a WARN-level stderr logger when l is unusable.
func OrDefault(l Logger) Logger {
	if IsNil(l) {
		return NewDefaultLogger(LevelWarn)
	}
	return l
}
