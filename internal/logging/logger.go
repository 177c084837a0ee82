// Package logging is the printf-style logger shared by every statesave
// component. Records are encoded by zap console cores so the terminal and
// the mirror log file use one layout.
package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap/zapcore"
	"golang.org/x/term"

	"github.com/tis24dev/statesave/internal/types"
)

const timeLayout = "2006-01-02 15:04:05"

// sink is the state shared by a logger and its named children.
type sink struct {
	mu       sync.Mutex
	level    types.LogLevel
	color    bool
	console  zapcore.Core
	file     zapcore.Core
	logFile  *os.File
	warnings int64
	errors   int64
	now      func() time.Time
}

// Logger writes leveled records. The zero value is not usable; a nil
// *Logger discards everything.
type Logger struct {
	sink *sink
	name string
}

// New returns a logger writing to stdout.
func New(level types.LogLevel, useColor bool) *Logger {
	s := &sink{level: level, color: useColor, now: time.Now}
	s.console = newCore(os.Stdout)
	return &Logger{sink: s}
}

// ColorSupported reports whether w is a terminal able to render ANSI colours.
func ColorSupported(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok || os.Getenv("NO_COLOR") != "" {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

func newCore(w io.Writer) zapcore.Core {
	enc := zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		TimeKey:          "ts",
		MessageKey:       "msg",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeTime:       zapcore.TimeEncoderOfLayout("[" + timeLayout + "]"),
		ConsoleSeparator: " ",
	})
	return zapcore.NewCore(enc, zapcore.AddSync(w), zapcore.DebugLevel)
}

// Named returns a child that prefixes its messages with [name]. Children
// share output, level and issue counters with their parent.
func (l *Logger) Named(name string) *Logger {
	if l == nil {
		return nil
	}
	if l.name != "" {
		name = l.name + "/" + name
	}
	return &Logger{sink: l.sink, name: name}
}

// SetOutput redirects console records to w (stdout when nil).
func (l *Logger) SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.console = newCore(w)
}

// SetLevel changes the threshold for the logger and all its children.
func (l *Logger) SetLevel(level types.LogLevel) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.level = level
}

// Level returns the current threshold.
func (l *Logger) Level() types.LogLevel {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	return l.sink.level
}

// OpenLogFile mirrors every record, without colours, to logPath.
func (l *Logger) OpenLogFile(logPath string) error {
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_SYNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	if l.sink.logFile != nil {
		l.sink.logFile.Close()
	}
	l.sink.logFile = file
	l.sink.file = newCore(file)
	return nil
}

// CloseLogFile stops mirroring and closes the file.
func (l *Logger) CloseLogFile() error {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	if l.sink.logFile == nil {
		return nil
	}
	err := l.sink.logFile.Close()
	l.sink.logFile = nil
	l.sink.file = nil
	return err
}

// Counts returns how many warnings and errors were logged so far. Records
// filtered out by the level are not counted.
func (l *Logger) Counts() (warnings, errors int64) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	return l.sink.warnings, l.sink.errors
}

func zapLevel(level types.LogLevel) zapcore.Level {
	switch level {
	case types.LogLevelDebug:
		return zapcore.DebugLevel
	case types.LogLevelWarning:
		return zapcore.WarnLevel
	case types.LogLevelError, types.LogLevelCritical:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func levelColor(level types.LogLevel) string {
	switch level {
	case types.LogLevelDebug:
		return "\033[36m"
	case types.LogLevelInfo:
		return "\033[32m"
	case types.LogLevelWarning:
		return "\033[33m"
	default:
		return "\033[31m"
	}
}

func (l *Logger) write(level types.LogLevel, label, color, format string, args ...interface{}) {
	if l == nil {
		return
	}
	s := l.sink
	s.mu.Lock()
	defer s.mu.Unlock()
	if level > s.level {
		return
	}
	switch level {
	case types.LogLevelWarning:
		s.warnings++
	case types.LogLevelError, types.LogLevelCritical:
		s.errors++
	}

	if label == "" {
		label = level.String()
	}
	message := fmt.Sprintf(format, args...)
	if l.name != "" {
		message = "[" + l.name + "] " + message
	}
	plain := fmt.Sprintf("%-8s %s", label, message)
	entry := zapcore.Entry{Level: zapLevel(level), Time: s.now()}

	entry.Message = plain
	if s.color {
		if color == "" {
			color = levelColor(level)
		}
		entry.Message = fmt.Sprintf("%s%-8s\033[0m %s", color, label, message)
	}
	_ = s.console.Write(entry, nil)

	if s.file != nil {
		entry.Message = plain
		_ = s.file.Write(entry, nil)
	}
}

// Debug writes a debug record.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.write(types.LogLevelDebug, "", "", format, args...)
}

// Info writes an informational record.
func (l *Logger) Info(format string, args ...interface{}) {
	l.write(types.LogLevelInfo, "", "", format, args...)
}

// Step writes an informational record labelled STEP for workflow progress.
func (l *Logger) Step(format string, args ...interface{}) {
	l.write(types.LogLevelInfo, "STEP", "\033[34m", format, args...)
}

// Warning writes a warning record.
func (l *Logger) Warning(format string, args ...interface{}) {
	l.write(types.LogLevelWarning, "", "", format, args...)
}

// Error writes an error record.
func (l *Logger) Error(format string, args ...interface{}) {
	l.write(types.LogLevelError, "", "", format, args...)
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = New(types.LogLevelInfo, ColorSupported(os.Stdout))
)

// SetDefaultLogger replaces the logger used when a component is given nil.
func SetDefaultLogger(logger *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = logger
}

// GetDefaultLogger returns the process-wide logger.
func GetDefaultLogger() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}
