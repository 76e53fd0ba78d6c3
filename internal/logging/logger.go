// Package logging provides the minimal printf-style logging contract shared
// by every component in the process, plus a leveled default implementation
// that prefixes messages with their component name.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"reflect"
	"strings"
	"sync"
	"time"
)

// Logger defines a minimal, printf-style logging contract.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	default:
		return "ERROR"
	}
}

// ParseLevel maps a config string to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or wraps a nil pointer receiver.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

var (
	defaultMu    sync.RWMutex
	defaultLevel = LevelInfo
	defaultOut   io.Writer = os.Stderr
)

// SetDefaultLevel sets the minimum level for loggers created by
// NewComponentLogger. Intended to be called once at startup.
func SetDefaultLevel(level Level) {
	defaultMu.Lock()
	defaultLevel = level
	defaultMu.Unlock()
}

// SetDefaultOutput redirects the default logger output. Tests use this to
// capture log lines.
func SetDefaultOutput(w io.Writer) {
	defaultMu.Lock()
	if w == nil {
		w = io.Discard
	}
	defaultOut = w
	defaultMu.Unlock()
}

// componentLogger writes leveled, component-prefixed lines via the stdlib
// logger. It is safe for concurrent use.
type componentLogger struct {
	component string
}

// NewComponentLogger returns the default process logger scoped to a component.
func NewComponentLogger(component string) Logger {
	return &componentLogger{component: component}
}

func (l *componentLogger) emit(level Level, format string, args ...any) {
	defaultMu.RLock()
	minLevel := defaultLevel
	out := defaultOut
	defaultMu.RUnlock()
	if level < minLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	ts := time.Now().Format("2006-01-02 15:04:05.000")
	if l.component != "" {
		fmt.Fprintf(out, "[%s] [%s] [%s] %s\n", ts, level, l.component, msg)
		return
	}
	fmt.Fprintf(out, "[%s] [%s] %s\n", ts, level, msg)
}

func (l *componentLogger) Debug(format string, args ...any) {
	l.emit(LevelDebug, format, args...)
}

func (l *componentLogger) Info(format string, args ...any) {
	l.emit(LevelInfo, format, args...)
}

func (l *componentLogger) Warn(format string, args ...any) {
	l.emit(LevelWarn, format, args...)
}

func (l *componentLogger) Error(format string, args ...any) {
	l.emit(LevelError, format, args...)
}

// StdLogger adapts a Logger to the stdlib *log.Logger for libraries that
// require one (e.g. http.Server.ErrorLog).
func StdLogger(logger Logger) *log.Logger {
	return log.New(&stdWriter{logger: OrNop(logger)}, "", 0)
}

type stdWriter struct {
	logger Logger
}

func (w *stdWriter) Write(p []byte) (int, error) {
	w.logger.Error("%s", strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
