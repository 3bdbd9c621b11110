package logger

import (
	"bytes"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// LogFields carries structured key/value context attached to a log entry.
type LogFields map[string]interface{}

// Level is the minimum severity a Logger will emit.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a config-file level string to a Level. Unknown strings
// default to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "INFO":
		return LevelInfo
	case "WARNING", "WARN":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) zerologLevel() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Logger is the structured logger handed to every connection-layer
// component. It is safe for concurrent use.
type Logger struct {
	zl zerolog.Logger
}

// NewLogger creates a Logger writing JSON lines to w at the given level.
func NewLogger(w io.Writer, level Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	zl := zerolog.New(w).Level(level.zerologLevel()).With().Timestamp().Logger()
	return &Logger{zl: zl}
}

// NewNopLogger returns a Logger that discards everything. Library callers
// that do not supply a logger get this instead of nil checks sprinkled
// through the connection code.
func NewNopLogger() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// testBuffer is a concurrency-safe writer for NewTestLogger output.
type testBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *testBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *testBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// NewTestLogger returns a debug-level Logger plus an accessor for the
// captured output, for use in tests.
func NewTestLogger() (*Logger, func() string) {
	tb := &testBuffer{}
	lg := NewLogger(tb, LevelDebug)
	return lg, tb.String
}

// Debug logs at debug level with optional structured fields.
func (l *Logger) Debug(msg string, fields LogFields) {
	l.emit(l.zl.Debug(), msg, fields)
}

// Info logs at info level with optional structured fields.
func (l *Logger) Info(msg string, fields LogFields) {
	l.emit(l.zl.Info(), msg, fields)
}

// Warn logs at warning level with optional structured fields.
func (l *Logger) Warn(msg string, fields LogFields) {
	l.emit(l.zl.Warn(), msg, fields)
}

// Error logs at error level with optional structured fields.
func (l *Logger) Error(msg string, fields LogFields) {
	l.emit(l.zl.Error(), msg, fields)
}

func (l *Logger) emit(ev *zerolog.Event, msg string, fields LogFields) {
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}
