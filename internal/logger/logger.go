// Package logger is the leveled, component-prefixed logger used across nullterm.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level is a logging severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	// LevelNone disables output entirely.
	LevelNone
)

var levelNames = map[Level]string{
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
	LevelNone:  "NONE",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseLevel maps a level name to a Level. Unknown names map to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "none", "off":
		return LevelNone
	default:
		return LevelInfo
	}
}

const timeLayout = "2006-01-02 15:04:05.000"

// sink is shared by a root logger and every component logger derived from it.
type sink struct {
	mu     sync.Mutex
	level  Level
	out    io.Writer
	closer io.Closer
	now    func() time.Time
}

// Logger writes lines of the form
//
//	2006-01-02 15:04:05.000 [LEVEL] [component] message
type Logger struct {
	sink      *sink
	component string
}

// Options configures a root logger.
type Options struct {
	Level Level
	// Path is a file path, "stderr", or empty for discard.
	Path string
}

// New opens a root logger. The caller owns Close.
func New(opts Options) (*Logger, error) {
	s := &sink{level: opts.Level, out: io.Discard, now: time.Now}

	switch {
	case opts.Level == LevelNone || opts.Path == "":
	case opts.Path == "stderr":
		s.out = os.Stderr
	default:
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		s.out = f
		s.closer = f
	}

	return &Logger{sink: s}, nil
}

// NewWriter builds a logger over an arbitrary writer, mostly for tests.
func NewWriter(w io.Writer, level Level) *Logger {
	return &Logger{sink: &sink{level: level, out: w, now: time.Now}}
}

// Nop returns a logger that drops everything.
func Nop() *Logger {
	return NewWriter(io.Discard, LevelNone)
}

var (
	globalMu sync.RWMutex
	global   = Nop()
	initOnce sync.Once
)

// Init installs the process-wide logger once. Later calls are no-ops.
func Init(opts Options) error {
	var err error
	initOnce.Do(func() {
		var l *Logger
		l, err = New(opts)
		if err != nil {
			return
		}
		globalMu.Lock()
		global = l
		globalMu.Unlock()
	})
	return err
}

// Global returns the process-wide logger, a no-op logger before Init.
func Global() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return global
}

// Named returns a logger whose lines carry the given component name,
// nested under any component this logger already has.
func (l *Logger) Named(component string) *Logger {
	if l == nil {
		return Nop().Named(component)
	}
	name := component
	if l.component != "" {
		name = l.component + ":" + component
	}
	return &Logger{sink: l.sink, component: name}
}

func (l *Logger) SetLevel(level Level) {
	l.sink.mu.Lock()
	l.sink.level = level
	l.sink.mu.Unlock()
}

func (l *Logger) Level() Level {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	return l.sink.level
}

// Enabled reports whether a message at level would be written.
func (l *Logger) Enabled(level Level) bool {
	if l == nil {
		return false
	}
	return level != LevelNone && level >= l.Level()
}

func (l *Logger) write(level Level, format string, args ...any) {
	if !l.Enabled(level) {
		return
	}

	var b strings.Builder
	s := l.sink
	s.mu.Lock()
	defer s.mu.Unlock()

	b.WriteString(s.now().Format(timeLayout))
	b.WriteString(" [")
	b.WriteString(level.String())
	b.WriteString("] ")
	if l.component != "" {
		b.WriteString("[")
		b.WriteString(l.component)
		b.WriteString("] ")
	}
	fmt.Fprintf(&b, format, args...)
	b.WriteByte('\n')
	_, _ = io.WriteString(s.out, b.String())
}

func (l *Logger) Debug(format string, args ...any) { l.write(LevelDebug, format, args...) }
func (l *Logger) Info(format string, args ...any)  { l.write(LevelInfo, format, args...) }
func (l *Logger) Warn(format string, args ...any)  { l.write(LevelWarn, format, args...) }
func (l *Logger) Error(format string, args ...any) { l.write(LevelError, format, args...) }

// Close releases the log file, if any.
func (l *Logger) Close() error {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	if l.sink.closer == nil {
		return nil
	}
	err := l.sink.closer.Close()
	l.sink.closer = nil
	l.sink.out = io.Discard
	return err
}

func Debug(format string, args ...any) { Global().Debug(format, args...) }
func Info(format string, args ...any)  { Global().Info(format, args...) }
func Warn(format string, args ...any)  { Global().Warn(format, args...) }
func Error(format string, args ...any) { Global().Error(format, args...) }
