package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level represents a logging level
type Level int

const (
	// LevelDebug is the most verbose logging level
	LevelDebug Level = iota
	// LevelInfo logs informational messages
	LevelInfo
	// LevelWarn logs warnings
	LevelWarn
	// LevelError logs errors
	LevelError
	// LevelNone disables all logging
	LevelNone
)

var levelLabels = [...]string{"DEBUG", "INFO", "WARN", "ERROR", "NONE"}

var levelNames = map[string]Level{
	"debug":   LevelDebug,
	"info":    LevelInfo,
	"warn":    LevelWarn,
	"warning": LevelWarn,
	"error":   LevelError,
	"none":    LevelNone,
	"off":     LevelNone,
}

// String returns the upper-case label used in log lines
func (l Level) String() string {
	if l < LevelDebug || int(l) >= len(levelLabels) {
		return "UNKNOWN"
	}
	return levelLabels[l]
}

// ParseLevel maps a level name to a Level, ignoring case. Unknown names
// yield LevelInfo.
func ParseLevel(s string) Level {
	if l, ok := levelNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return l
	}
	return LevelInfo
}

// ValidLevel reports whether s names a level.
func ValidLevel(s string) bool {
	_, ok := levelNames[strings.ToLower(strings.TrimSpace(s))]
	return ok
}

// sink is shared by a logger and every logger derived from it with
// WithPrefix, so SetLevel on the root applies to all of them.
type sink struct {
	mu     sync.RWMutex
	level  Level
	out    *log.Logger
	file   *os.File
	closed bool
}

// Logger provides leveled, prefixed logging
type Logger struct {
	sink   *sink
	prefix string
}

var (
	globalLogger *Logger
	globalMu     sync.Mutex
	once         sync.Once
)

// Init initializes the global logger
func Init(level Level, logPath string) error {
	var err error
	once.Do(func() {
		var l *Logger
		l, err = New(level, logPath, "")
		if err != nil {
			return
		}
		globalMu.Lock()
		globalLogger = l
		globalMu.Unlock()
	})
	return err
}

// New creates a new Logger instance. An empty logPath logs to stderr,
// LevelNone discards everything.
func New(level Level, logPath string, prefix string) (*Logger, error) {
	s := &sink{level: level}

	switch {
	case level == LevelNone:
		s.out = log.New(io.Discard, "", 0)
	case logPath == "" || logPath == "-":
		s.out = log.New(os.Stderr, "", 0)
	default:
		logDir := filepath.Dir(logPath)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		s.file = file
		s.out = log.New(file, "", 0)
	}

	return &Logger{sink: s, prefix: prefix}, nil
}

// NewWriter creates a logger that writes to w. Used by tests and by
// callers that manage their own output.
func NewWriter(level Level, w io.Writer, prefix string) *Logger {
	return &Logger{
		sink:   &sink{level: level, out: log.New(w, "", 0)},
		prefix: prefix,
	}
}

// Global returns the global logger instance
func Global() *Logger {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalLogger == nil {
		// Not initialized yet: warnings and errors still reach stderr.
		globalLogger = NewWriter(LevelWarn, os.Stderr, "")
	}
	return globalLogger
}

// WithPrefix creates a new logger with an additional prefix
func (l *Logger) WithPrefix(prefix string) *Logger {
	newPrefix := prefix
	if l.prefix != "" {
		newPrefix = l.prefix + ":" + prefix
	}

	return &Logger{
		sink:   l.sink,
		prefix: newPrefix,
	}
}

// Prefix returns the logger prefix
func (l *Logger) Prefix() string {
	return l.prefix
}

// SetLevel sets the logging level
func (l *Logger) SetLevel(level Level) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.level = level
}

// GetLevel returns the current logging level
func (l *Logger) GetLevel() Level {
	l.sink.mu.RLock()
	defer l.sink.mu.RUnlock()
	return l.sink.level
}

func (l *Logger) log(level Level, format string, args ...any) {
	l.sink.mu.RLock()
	defer l.sink.mu.RUnlock()

	if l.sink.closed || level < l.sink.level {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	msg := fmt.Sprintf(format, args...)

	prefix := l.prefix
	if prefix != "" {
		prefix = "[" + prefix + "] "
	}

	l.sink.out.Println(fmt.Sprintf("%s [%s] %s%s", timestamp, level.String(), prefix, msg))
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...any) {
	l.log(LevelDebug, format, args...)
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...any) {
	l.log(LevelInfo, format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...any) {
	l.log(LevelWarn, format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...any) {
	l.log(LevelError, format, args...)
}

// Close closes the logger and its underlying file
func (l *Logger) Close() error {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()

	if l.sink.closed {
		return nil
	}
	l.sink.closed = true
	if l.sink.file != nil {
		return l.sink.file.Close()
	}
	return nil
}

// Debug logs a debug message using the global logger
func Debug(format string, args ...any) {
	Global().Debug(format, args...)
}

// Info logs an informational message using the global logger
func Info(format string, args ...any) {
	Global().Info(format, args...)
}

// Warn logs a warning message using the global logger
func Warn(format string, args ...any) {
	Global().Warn(format, args...)
}

// Error logs an error message using the global logger
func Error(format string, args ...any) {
	Global().Error(format, args...)
}
