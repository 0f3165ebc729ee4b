// Package logging provides the logging interface and default implementation
// for TidesDB.
//
// Design: five-level interface (Error, Warn, Info, Debug, Fatal). Users can
// wrap their own structured loggers (slog, zap) behind the Logger interface.
//
// Fatalf logs at FATAL level and calls the configured FatalHandler. The
// default FatalHandler is a no-op; DB wires it to move the handle into a
// stopped state (writes rejected, reads may continue). Fatalf does NOT call
// os.Exit.
//
// Log format: YYYY/MM/DD HH:MM:SS LEVEL [component] message
//
// Component namespace prefixes are used for filtering:
//   - [flush]    — memtable flush operations
//   - [compact]  — compaction operations
//   - [wal]      — write-ahead log operations
//   - [recovery] — startup replay
//   - [txn]      — transaction lifecycle
//   - [db]       — general database operations
package logging

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"reflect"
	"sync/atomic"
)

// ErrFatal is the sentinel error wrapped by fatal conditions.
// Use errors.Is(err, ErrFatal) to detect fatal errors.
var ErrFatal = errors.New("fatal error")

// FatalHandler is called when Fatalf is invoked. The handler receives the
// formatted message and should transition the system to a stopped state.
//
// Contract: FatalHandler must be safe for concurrent use and must not call
// Fatalf (avoid infinite recursion).
type FatalHandler func(msg string)

// Level represents the logging level.
type Level int

const (
	// LevelNone disables all logging.
	LevelNone Level = iota - 1
	// LevelError logs only errors.
	LevelError
	// LevelWarn logs warnings and errors.
	LevelWarn
	// LevelInfo logs info, warnings, and errors.
	LevelInfo
	// LevelDebug logs everything including debug messages.
	LevelDebug
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelNone:
		return "NONE"
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

// Logger defines the interface for database logging.
//
// Concurrency: DefaultLogger and Discard are safe for concurrent use.
// User-provided implementations MUST be safe for concurrent use, as logging
// occurs from foreground and background goroutines simultaneously.
type Logger interface {
	// Errorf logs a formatted error message.
	Errorf(format string, args ...any)

	// Warnf logs a formatted warning message.
	Warnf(format string, args ...any)

	// Infof logs a formatted informational message.
	Infof(format string, args ...any)

	// Debugf logs a formatted debug message.
	Debugf(format string, args ...any)

	// Fatalf logs a fatal error and triggers the fatal handler.
	// After Fatalf the DB transitions to a stopped state.
	Fatalf(format string, args ...any)
}

// DefaultLogger is the default logger writing to a given io.Writer.
// It is safe for concurrent use (log.Logger is thread-safe). Level is
// read-only after construction.
type DefaultLogger struct {
	logger       *log.Logger
	level        Level
	fatalHandler atomic.Pointer[FatalHandler]
}

// NewDefaultLogger creates a logger writing to stderr at the given level.
func NewDefaultLogger(level Level) *DefaultLogger {
	return &DefaultLogger{
		logger: log.New(os.Stderr, "", log.LstdFlags),
		level:  level,
	}
}

// NewLogger creates a logger with the specified output and level.
func NewLogger(w io.Writer, level Level) *DefaultLogger {
	return &DefaultLogger{
		logger: log.New(w, "", log.LstdFlags),
		level:  level,
	}
}

// SetFatalHandler sets the handler called when Fatalf is invoked.
// Typically wired by DB to set its background error.
func (l *DefaultLogger) SetFatalHandler(h FatalHandler) {
	l.fatalHandler.Store(&h)
}

// Level returns the logging level.
func (l *DefaultLogger) Level() Level {
	return l.level
}

// Errorf logs a formatted error message.
func (l *DefaultLogger) Errorf(format string, args ...any) {
	if l.level >= LevelError {
		_ = l.logger.Output(2, "ERROR "+fmt.Sprintf(format, args...))
	}
}

// Warnf logs a formatted warning message.
func (l *DefaultLogger) Warnf(format string, args ...any) {
	if l.level >= LevelWarn {
		_ = l.logger.Output(2, "WARN "+fmt.Sprintf(format, args...))
	}
}

// Infof logs a formatted informational message.
func (l *DefaultLogger) Infof(format string, args ...any) {
	if l.level >= LevelInfo {
		_ = l.logger.Output(2, "INFO "+fmt.Sprintf(format, args...))
	}
}

// Debugf logs a formatted debug message.
func (l *DefaultLogger) Debugf(format string, args ...any) {
	if l.level >= LevelDebug {
		_ = l.logger.Output(2, "DEBUG "+fmt.Sprintf(format, args...))
	}
}

// Fatalf logs a fatal error and triggers the fatal handler.
func (l *DefaultLogger) Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if l.level > LevelNone {
		_ = l.logger.Output(2, "FATAL "+msg)
	}
	if h := l.fatalHandler.Load(); h != nil {
		(*h)(msg)
	}
}

// Namespace prefixes for log messages.
const (
	// NSFlush is the namespace for flush operations.
	NSFlush = "[flush] "
	// NSCompact is the namespace for compaction operations.
	NSCompact = "[compact] "
	// NSWAL is the namespace for WAL operations.
	NSWAL = "[wal] "
	// NSRecovery is the namespace for recovery operations.
	NSRecovery = "[recovery] "
	// NSTxn is the namespace for transaction operations.
	NSTxn = "[txn] "
	// NSDB is the namespace for general database operations.
	NSDB = "[db] "
)

// IsNil returns true if the logger is nil or a typed-nil.
// A typed-nil occurs when a nil pointer is assigned to an interface;
// calling methods on it panics, so both cases are detected.
func IsNil(l Logger) bool {
	if l == nil {
		return true
	}
	v := reflect.ValueOf(l)
	return v.Kind() == reflect.Ptr && v.IsNil()
}

// OrDefault returns the provided logger if valid, otherwise a default
// WARN-level logger. Ensures db.logger is never nil after Open().
func OrDefault(l Logger) Logger {
	if IsNil(l) {
		return NewDefaultLogger(LevelWarn)
	}
	return l
}
