package logger

import (
	"fmt"
	"log"
	"strings"
	"sync"
)

// LogLevel orders log severities from most to least verbose.
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

// String returns the upper-case name used in log output.
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Sink receives every emitted line after level filtering. The admin API
// installs one to mirror recent log lines into its ring buffer.
type Sink func(level LogLevel, message string)

var (
	defaultLogger *Logger
	once          sync.Once
)

// Logger is a leveled logger instance. Output goes through the standard log
// package so timestamps and flags follow log.SetFlags.
type Logger struct {
	level LogLevel
	sink  Sink
	mu    sync.RWMutex
}

// New creates a Logger at the given level name.
func New(level string) *Logger {
	return &Logger{level: ParseLogLevel(level)}
}

func getDefaultLogger() *Logger {
	once.Do(func() {
		defaultLogger = &Logger{level: INFO}
	})
	return defaultLogger
}

// Default returns the process-wide logger used by the package-level helpers.
func Default() *Logger {
	return getDefaultLogger()
}

// ParseLogLevel converts a level name to a LogLevel. Unknown names map to INFO.
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG", "TRACE":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// SetLogLevel sets the level of the default logger.
func SetLogLevel(level string) {
	getDefaultLogger().SetLevel(level)
}

// GetLogLevel returns the default logger's level name.
func GetLogLevel() string {
	return getDefaultLogger().GetLevel()
}

// SetSink installs (or clears, with nil) the sink on the default logger.
func SetSink(s Sink) {
	getDefaultLogger().SetSink(s)
}

func (l *Logger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = ParseLogLevel(level)
}

func (l *Logger) GetLevel() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level.String()
}

func (l *Logger) SetSink(s Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sink = s
}

// Enabled reports whether messages at level would be emitted.
func (l *Logger) Enabled(level LogLevel) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return level >= l.level
}

// logf filters, formats and emits one line, then hands it to the sink.
func (l *Logger) logf(level LogLevel, format string, v ...interface{}) {
	l.mu.RLock()
	enabled := level >= l.level
	sink := l.sink
	l.mu.RUnlock()

	if !enabled {
		return
	}

	message := fmt.Sprintf(format, v...)
	log.Printf("[%s] %s", level, message)

	if sink != nil {
		sink(level, message)
	}
}

func (l *Logger) Debug(format string, v ...interface{}) { l.logf(DEBUG, format, v...) }
func (l *Logger) Info(format string, v ...interface{})  { l.logf(INFO, format, v...) }
func (l *Logger) Warn(format string, v ...interface{})  { l.logf(WARN, format, v...) }
func (l *Logger) Error(format string, v ...interface{}) { l.logf(ERROR, format, v...) }

// Package-level helpers, used as logger.Info("{pkg/file - Func} ...").

func Debug(format string, v ...interface{}) { getDefaultLogger().logf(DEBUG, format, v...) }
func Info(format string, v ...interface{})  { getDefaultLogger().logf(INFO, format, v...) }
func Warn(format string, v ...interface{})  { getDefaultLogger().logf(WARN, format, v...) }
func Error(format string, v ...interface{}) { getDefaultLogger().logf(ERROR, format, v...) }
