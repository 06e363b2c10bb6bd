// Package logging provides the process-wide leveled logger, backed by logrus.
package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/rcarmo/go-rdp-mitm/internal/config"
)

// Level represents log severity levels
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = map[Level]string{
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
}

var logrusLevels = map[Level]logrus.Level{
	LevelDebug: logrus.DebugLevel,
	LevelInfo:  logrus.InfoLevel,
	LevelWarn:  logrus.WarnLevel,
	LevelError: logrus.ErrorLevel,
}

// Logger provides leveled logging
type Logger struct {
	mu     sync.RWMutex
	level  Level
	logger *logrus.Logger
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Default returns the default logger instance
func Default() *Logger {
	once.Do(func() {
		defaultLogger = New(os.Stderr)
	})
	return defaultLogger
}

// New returns an info-level text logger writing to w.
func New(w io.Writer) *Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05.000"})
	l.SetLevel(logrus.InfoLevel)

	return &Logger{level: LevelInfo, logger: l}
}

// Logrus exposes the backend for entries with fields.
func (l *Logger) Logrus() *logrus.Logger {
	return l.logger
}

// SetLevel sets the minimum log level
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
	l.logger.SetLevel(logrusLevels[level])
}

// ParseLevel maps a level name to a Level, defaulting to info.
func ParseLevel(levelStr string) Level {
	switch strings.ToLower(levelStr) {
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

// SetLevelFromString sets the log level from a string
func (l *Logger) SetLevelFromString(levelStr string) {
	l.SetLevel(ParseLevel(levelStr))
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() Level {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level
}

// GetLevelString returns the current log level as a string
func (l *Logger) GetLevelString() string {
	return levelNames[l.GetLevel()]
}

// GetLevelString returns the default logger's level as a string
func GetLevelString() string {
	return Default().GetLevelString()
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}

// Info logs an info message
func (l *Logger) Info(format string, args ...interface{}) {
	l.logger.Infof(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.logger.Warnf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.logger.Errorf(format, args...)
}

// WithFields returns an entry carrying fields.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.logger.WithFields(fields)
}

// Setup configures the logger from cfg: level, text or JSON format, caller
// reporting, an optional log file and an optional JSON mirror file. Close the
// returned closer on shutdown to flush the files.
func (l *Logger) Setup(cfg config.LoggingConfig) (io.Closer, error) {
	l.SetLevelFromString(cfg.Level)
	l.logger.SetReportCaller(cfg.EnableCaller)

	switch cfg.Format {
	case "json":
		l.logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05.000"})
	}

	var files closers

	if cfg.File != "" {
		f, err := openAppend(cfg.File)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
		l.logger.SetOutput(io.MultiWriter(os.Stderr, f))
	}

	if cfg.JSONFile != "" {
		f, err := openAppend(cfg.JSONFile)
		if err != nil {
			_ = files.Close()
			return nil, err
		}
		files = append(files, f)
		l.logger.AddHook(&jsonHook{w: f, formatter: &logrus.JSONFormatter{}})
	}

	return files, nil
}

func openAppend(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

type closers []io.Closer

func (c closers) Close() error {
	var errs []error
	for _, cl := range c {
		errs = append(errs, cl.Close())
	}
	return errors.Join(errs...)
}

// jsonHook mirrors every entry as one JSON line.
type jsonHook struct {
	mu        sync.Mutex
	w         io.Writer
	formatter logrus.Formatter
}

func (h *jsonHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *jsonHook) Fire(entry *logrus.Entry) error {
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.w.Write(line)
	return err
}

// Package-level convenience functions

// Setup configures the default logger.
func Setup(cfg config.LoggingConfig) (io.Closer, error) {
	return Default().Setup(cfg)
}

// SetLevel sets the default logger's level
func SetLevel(level Level) {
	Default().SetLevel(level)
}

// SetLevelFromString sets the default logger's level from a string
func SetLevelFromString(levelStr string) {
	Default().SetLevelFromString(levelStr)
}

// WithFields returns an entry of the default logger.
func WithFields(fields logrus.Fields) *logrus.Entry {
	return Default().WithFields(fields)
}

// WithSession returns an entry tagged with a session id.
func WithSession(id string) *logrus.Entry {
	return Default().WithFields(logrus.Fields{"session": id})
}

// Debug logs a debug message to the default logger
func Debug(format string, args ...interface{}) {
	Default().Debug(format, args...)
}

// Info logs an info message to the default logger
func Info(format string, args ...interface{}) {
	Default().Info(format, args...)
}

// Warn logs a warning message to the default logger
func Warn(format string, args ...interface{}) {
	Default().Warn(format, args...)
}

// Error logs an error message to the default logger
func Error(format string, args ...interface{}) {
	Default().Error(format, args...)
}
