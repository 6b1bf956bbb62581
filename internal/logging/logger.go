package logging

import (
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// LogLevel represents different logging levels
type LogLevel int

const (
	// LevelError only logs errors
	LevelError LogLevel = iota
	// LevelWarn logs warnings and errors
	LevelWarn
	// LevelInfo logs general information, warnings and errors
	LevelInfo
	// LevelDebug logs detailed debug information and all above
	LevelDebug
	// LevelTrace logs very detailed trace information and all above
	LevelTrace
)

var levelNames = map[LogLevel]string{
	LevelError: "ERROR",
	LevelWarn:  "WARN",
	LevelInfo:  "INFO",
	LevelDebug: "DEBUG",
	LevelTrace: "TRACE",
}

var logrusLevels = map[LogLevel]logrus.Level{
	LevelError: logrus.ErrorLevel,
	LevelWarn:  logrus.WarnLevel,
	LevelInfo:  logrus.InfoLevel,
	LevelDebug: logrus.DebugLevel,
	LevelTrace: logrus.TraceLevel,
}

// String returns the upper-case name of the level.
func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// ParseLevel converts a level name such as "DEBUG" into a LogLevel.
func ParseLevel(name string) (LogLevel, bool) {
	for level, n := range levelNames {
		if n == name {
			return level, true
		}
	}
	return LevelInfo, false
}

// Logger provides leveled, component-prefixed logging. All loggers derived
// from the same root share one logrus backend, so SetLevel on any of them
// applies to the whole tree.
type Logger struct {
	prefix string
	base   *logrus.Logger
	entry  *logrus.Entry
	mu     *sync.RWMutex
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// GetLogger returns the default logger instance
func GetLogger() *Logger {
	once.Do(func() {
		defaultLogger = NewLogger("DEVFS")

		// Set initial log level from environment
		if name := os.Getenv("LOG_LEVEL"); name != "" {
			if level, ok := ParseLevel(name); ok {
				defaultLogger.SetLevel(level)
			}
		}

		if os.Getenv("FUSE_DEBUG") != "" {
			defaultLogger.SetLevel(LevelDebug)
		}
	})
	return defaultLogger
}

// NewLogger creates a new logger with the given prefix writing to stderr.
func NewLogger(prefix string) *Logger {
	base := logrus.New()
	base.SetOutput(os.Stderr)
	base.SetLevel(logrus.InfoLevel)
	base.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000000Z07:00",
	})
	if os.Getenv("LOG_CALLER") != "" {
		base.SetReportCaller(true)
	}

	return &Logger{
		prefix: prefix,
		base:   base,
		entry:  base.WithField("component", prefix),
		mu:     &sync.RWMutex{},
	}
}

// SetLevel sets the logging level
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lv, ok := logrusLevels[level]; ok {
		l.base.SetLevel(lv)
	}
}

// Level reports the current logging level.
func (l *Logger) Level() LogLevel {
	l.mu.RLock()
	defer l.mu.RUnlock()
	current := l.base.GetLevel()
	for level, lv := range logrusLevels {
		if lv == current {
			return level
		}
	}
	return LevelInfo
}

// Backend exposes the underlying logrus logger, for tests that need to
// redirect output.
func (l *Logger) Backend() *logrus.Logger {
	return l.base
}

func (l *Logger) log(level LogLevel, format string, args ...interface{}) {
	lv := logrusLevels[level]
	if !l.base.IsLevelEnabled(lv) {
		return
	}
	l.entry.Logf(lv, format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(LevelError, format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(LevelWarn, format, args...)
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(LevelInfo, format, args...)
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(LevelDebug, format, args...)
}

// Trace logs a trace message
func (l *Logger) Trace(format string, args ...interface{}) {
	l.log(LevelTrace, format, args...)
}

// WithPrefix creates a new logger for a sub-component. It shares the level
// and output of its parent.
func (l *Logger) WithPrefix(prefix string) *Logger {
	return &Logger{
		prefix: prefix,
		base:   l.base,
		entry:  l.base.WithField("component", prefix),
		mu:     l.mu,
	}
}
