// Package logger provides the leveled debug logger used by the heaps.
package logger

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/corazawaf/coraza/v3/loggers"
	"github.com/mattn/go-colorable"
)

type debugLogger struct {
	mu     sync.Mutex
	level  loggers.LogLevel
	prefix string
	out    io.Writer
	closer io.Closer
}

var _ loggers.DebugLogger = (*debugLogger)(nil)

// New creates a logger writing to a colorable stderr at the given level.
func New(prefix string, level loggers.LogLevel) loggers.DebugLogger {
	return &debugLogger{
		level:  level,
		prefix: prefix,
		out:    colorable.NewColorableStderr(),
	}
}

// NewWithWriter creates a logger writing to w.
func NewWithWriter(prefix string, level loggers.LogLevel, w io.Writer) loggers.DebugLogger {
	return &debugLogger{
		level:  level,
		prefix: prefix,
		out:    w,
	}
}

// Nop returns a logger that drops every message.
func Nop() loggers.DebugLogger {
	return &debugLogger{level: loggers.LogLevelNoLog, out: io.Discard}
}

// ParseLevel converts a level name ("error", "warn", "info", "debug",
// "trace", "off") to a level.
func ParseLevel(name string) (loggers.LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "off", "none", "nolog":
		return loggers.LogLevelNoLog, nil
	case "error":
		return loggers.LogLevelError, nil
	case "warn", "warning":
		return loggers.LogLevelWarn, nil
	case "info":
		return loggers.LogLevelInfo, nil
	case "debug":
		return loggers.LogLevelDebug, nil
	case "trace":
		return loggers.LogLevelTrace, nil
	}
	return loggers.LogLevelUnknown, fmt.Errorf("unknown log level %q", name)
}

func (l *debugLogger) Info(message string, args ...interface{}) {
	l.log(loggers.LogLevelInfo, "INFO", message, args)
}

func (l *debugLogger) Warn(message string, args ...interface{}) {
	l.log(loggers.LogLevelWarn, "WARN", message, args)
}

func (l *debugLogger) Error(message string, args ...interface{}) {
	l.log(loggers.LogLevelError, "ERROR", message, args)
}

func (l *debugLogger) Debug(message string, args ...interface{}) {
	l.log(loggers.LogLevelDebug, "DEBUG", message, args)
}

func (l *debugLogger) Trace(message string, args ...interface{}) {
	l.log(loggers.LogLevelTrace, "TRACE", message, args)
}

func (l *debugLogger) SetLevel(level loggers.LogLevel) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

func (l *debugLogger) SetOutput(w io.WriteCloser) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closer != nil {
		l.closer.Close()
	}
	l.out = w
	l.closer = w
}

func (l *debugLogger) log(level loggers.LogLevel, tag, message string, args []interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.level < level {
		return
	}
	msg := message
	if len(args) > 0 {
		msg = fmt.Sprintf(message, args...)
	}
	if l.prefix != "" {
		fmt.Fprintf(l.out, "[%s] %s: %s\n", tag, l.prefix, msg)
		return
	}
	fmt.Fprintf(l.out, "[%s] %s\n", tag, msg)
}
