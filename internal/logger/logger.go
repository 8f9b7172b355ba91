// Package logger provides leveled logging for biaswatch with debug, info, warn
// and error levels. It wraps the standard log package; subsystems obtain a
// component-scoped Logger with For so their lines carry a stable prefix.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// Level represents a logging level
type Level int

const (
	// DebugLevel logs are typically voluminous, and are usually disabled in production.
	DebugLevel Level = iota
	// InfoLevel is the default logging priority.
	InfoLevel
	// WarnLevel logs are more important than Info, but don't need individual human review.
	WarnLevel
	// ErrorLevel logs are high-priority.
	ErrorLevel
)

var levelNames = map[Level]string{
	DebugLevel: "DEBUG",
	InfoLevel:  "INFO",
	WarnLevel:  "WARN",
	ErrorLevel: "ERROR",
}

// ParseLevel maps a config string onto a Level, defaulting to InfoLevel.
func ParseLevel(level string) Level {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel
	case "warn":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

type sink struct {
	mu     sync.RWMutex
	level  Level
	logger *log.Logger
}

var std = &sink{level: InfoLevel, logger: log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)}

// Init configures the process-wide sink with the specified level and format.
func Init(level string, format string) {
	InitWriter(os.Stderr, level, format)
}

// InitWriter is Init with an explicit destination.
func InitWriter(w io.Writer, level string, format string) {
	flags := log.LstdFlags | log.Lmicroseconds
	if strings.ToLower(format) == "text" {
		flags |= log.Lshortfile
	}

	std.mu.Lock()
	defer std.mu.Unlock()
	std.level = ParseLevel(level)
	std.logger = log.New(w, "", flags)
}

func output(l Level, component, format string, args ...interface{}) {
	std.mu.RLock()
	defer std.mu.RUnlock()
	if l < std.level {
		return
	}
	prefix := "[" + levelNames[l] + "] "
	if component != "" {
		prefix += component + ": "
	}
	_ = std.logger.Output(3, prefix+fmt.Sprintf(format, args...))
}

// Logger is a component-scoped view of the process-wide sink.
type Logger struct {
	component string
}

// For returns a Logger that prefixes every line with component.
func For(component string) *Logger {
	return &Logger{component: component}
}

// Debug logs a message at DebugLevel with the component prefix
func (l *Logger) Debug(format string, args ...interface{}) {
	output(DebugLevel, l.component, format, args...)
}

// Info logs a message at InfoLevel with the component prefix
func (l *Logger) Info(format string, args ...interface{}) {
	output(InfoLevel, l.component, format, args...)
}

// Warn logs a message at WarnLevel with the component prefix
func (l *Logger) Warn(format string, args ...interface{}) {
	output(WarnLevel, l.component, format, args...)
}

// Error logs a message at ErrorLevel with the component prefix
func (l *Logger) Error(format string, args ...interface{}) {
	output(ErrorLevel, l.component, format, args...)
}

// Debug logs a message at DebugLevel
func Debug(format string, args ...interface{}) {
	output(DebugLevel, "", format, args...)
}

// Info logs a message at InfoLevel
func Info(format string, args ...interface{}) {
	output(InfoLevel, "", format, args...)
}

// Warn logs a message at WarnLevel
func Warn(format string, args ...interface{}) {
	output(WarnLevel, "", format, args...)
}

// Error logs a message at ErrorLevel
func Error(format string, args ...interface{}) {
	output(ErrorLevel, "", format, args...)
}

// Fatal logs a message and exits
func Fatal(format string, args ...interface{}) {
	std.mu.RLock()
	_ = std.logger.Output(2, fmt.Sprintf("[FATAL] "+format, args...))
	std.mu.RUnlock()
	os.Exit(1)
}
