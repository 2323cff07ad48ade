// Package logx provides leveled, component-tagged logging for the engine
// process. The active level and an optional file sink can be reconfigured at
// runtime, which is how the controller's logCfg request takes effect.
package logx

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

// Level is a log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the tag written into each log line.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// ParseLevel maps a level name onto a Level. Unknown names default to info so
// a malformed logCfg request never silences the engine.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "info", "":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Global sink configuration, shared by every Logger in the process.
//
//nolint:gochecknoglobals // Single process-wide log destination by design.
var (
	mu       sync.RWMutex
	minLevel = LevelInfo
	out      io.Writer = os.Stderr
	logFile  *os.File
)

func init() { //nolint:gochecknoinits // Env var initialization before any logging.
	if debug := os.Getenv("DEBUG"); debug == "1" || strings.EqualFold(debug, "true") {
		minLevel = LevelDebug
	}
	if dir := os.Getenv("ENGINE_LOG_DIR"); dir != "" {
		_ = SetLogFile(dir)
	}
}

// SetLevel sets the minimum severity that is written out.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	minLevel = l
}

// CurrentLevel returns the active minimum severity.
func CurrentLevel() Level {
	mu.RLock()
	defer mu.RUnlock()
	return minLevel
}

// SetLogFile redirects output to a timestamped file under dir, in addition to
// nothing else: the controller captures stderr itself, so file logging
// replaces the stderr sink rather than teeing it.
func SetLogFile(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	name := fmt.Sprintf("engine-%s.log", time.Now().UTC().Format("2006-01-02T15-04-05"))
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		_ = logFile.Close()
	}
	logFile = f
	out = f
	return nil
}

// CloseLogFile closes the file sink, if any, and reverts to stderr.
func CloseLogFile() error {
	mu.Lock()
	defer mu.Unlock()
	out = os.Stderr
	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile = nil
	if err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	return nil
}

// Logger writes component-tagged lines through the shared sink.
type Logger struct {
	component string
	logger    *log.Logger
}

// NewLogger creates a logger for the named engine component.
func NewLogger(component string) *Logger {
	return &Logger{
		component: component,
		logger:    log.New(writerFunc(write), "", 0),
	}
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

func write(p []byte) (int, error) {
	mu.RLock()
	defer mu.RUnlock()
	return out.Write(p)
}

func (l *Logger) log(level Level, format string, args ...any) {
	if level < CurrentLevel() {
		return
	}
	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	l.logger.Printf("[%s] [%s] %s: %s", timestamp, l.component, level, fmt.Sprintf(format, args...))
}

func (l *Logger) Debug(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *Logger) Info(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *Logger) Warn(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *Logger) Error(format string, args ...any) { l.log(LevelError, format, args...) }

// Component returns the component tag this logger writes under.
func (l *Logger) Component() string {
	return l.component
}

// Default logger for code without a component of its own.
//
//nolint:gochecknoglobals // Convenience logger, same sink as all others.
var defaultLogger = NewLogger("engine")

func Debugf(format string, args ...any) { defaultLogger.Debug(format, args...) }
func Infof(format string, args ...any)  { defaultLogger.Info(format, args...) }
func Warnf(format string, args ...any)  { defaultLogger.Warn(format, args...) }

// Errorf logs and returns the formatted error.
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	defaultLogger.Error("%s", err.Error())
	return err
}

// Wrap logs msg + ": " + err.Error() and returns the wrapped error.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s: %w", msg, err)
	defaultLogger.Error("%s", wrapped.Error())
	return wrapped
}
