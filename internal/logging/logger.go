package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/austindbirch/harbor_relay/internal/tracing"
)

// LogLevel is the severity written to the "level" field.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

func (lv LogLevel) rank() int {
	switch lv {
	case LevelDebug:
		return 0
	case LevelInfo:
		return 1
	case LevelWarn:
		return 2
	case LevelError:
		return 3
	case LevelFatal:
		return 4
	}
	return 1
}

// ParseLevel maps a LOG_LEVEL style string onto a LogLevel. Unknown values
// fall back to info.
func ParseLevel(s string) LogLevel {
	switch lv := LogLevel(strings.ToLower(strings.TrimSpace(s))); lv {
	case LevelDebug, LevelInfo, LevelWarn, LevelError, LevelFatal:
		return lv
	case "warning":
		return LevelWarn
	}
	return LevelInfo
}

// LogEntry is one JSON line. Entries are built fluently and written by
// one of the level methods.
type LogEntry struct {
	Time      time.Time      `json:"time"`
	Level     LogLevel       `json:"level"`
	Message   string         `json:"msg"`
	Service   string         `json:"service,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	Kind      string         `json:"kind,omitempty"`
	PayloadID string         `json:"payload_id,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`

	logger *Logger
}

// Logger writes LogEntry lines for one relay process.
type Logger struct {
	mu       sync.Mutex
	service  string
	minLevel LogLevel
	out      io.Writer
}

// New returns a logger tagged with service. The minimum level comes from
// LOG_LEVEL.
func New(service string) *Logger {
	return &Logger{
		service:  service,
		minLevel: ParseLevel(os.Getenv("LOG_LEVEL")),
		out:      os.Stdout,
	}
}

// SetOutput redirects the logger, mostly for tests
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out = w
}

// SetLevel drops entries below lv.
func (l *Logger) SetLevel(lv LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minLevel = lv
}

func (l *Logger) newEntry(fields map[string]any) *LogEntry {
	return &LogEntry{
		Time:    time.Now().UTC(),
		Service: l.service,
		Fields:  fields,
		logger:  l,
	}
}

// WithContext starts an entry carrying the trace ID of the span in ctx.
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	e := l.newEntry(nil)
	e.TraceID = tracing.GetTraceID(ctx)
	return e
}

// WithFields starts an entry with a copy of fields.
func (l *Logger) WithFields(fields map[string]any) *LogEntry {
	return l.newEntry(nil).WithFields(fields)
}

// Plain starts an empty entry.
func (l *Logger) Plain() *LogEntry {
	return l.newEntry(nil)
}

func (e *LogEntry) WithTraceID(traceID string) *LogEntry {
	e.TraceID = traceID
	return e
}

// WithKind sets the payload kind (report, session)
func (e *LogEntry) WithKind(kind string) *LogEntry {
	e.Kind = kind
	return e
}

func (e *LogEntry) WithPayload(payloadID string) *LogEntry {
	e.PayloadID = payloadID
	return e
}

func (e *LogEntry) WithField(key string, value any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	for k, v := range fields {
		e.WithField(k, v)
	}
	return e
}

// WithError records err under "error". A nil error is ignored.
func (e *LogEntry) WithError(err error) *LogEntry {
	if err == nil {
		return e
	}
	return e.WithField("error", err.Error())
}

// deliveryFailure is satisfied by *payload.Failure.
type deliveryFailure interface {
	error
	Reason() string
	Retryable() bool
}

// WithFailure records a failed delivery attempt: the error text, its
// metric reason and whether it will be retried.
func (e *LogEntry) WithFailure(f deliveryFailure) *LogEntry {
	if f == nil {
		return e
	}
	return e.WithFields(map[string]any{
		"error":     f.Error(),
		"reason":    f.Reason(),
		"retryable": f.Retryable(),
	})
}

func (e *LogEntry) Debug(message string) { e.write(LevelDebug, message) }

func (e *LogEntry) Debugf(format string, args ...any) {
	e.write(LevelDebug, fmt.Sprintf(format, args...))
}

func (e *LogEntry) Info(message string) { e.write(LevelInfo, message) }

func (e *LogEntry) Infof(format string, args ...any) {
	e.write(LevelInfo, fmt.Sprintf(format, args...))
}

func (e *LogEntry) Warn(message string) { e.write(LevelWarn, message) }

func (e *LogEntry) Warnf(format string, args ...any) {
	e.write(LevelWarn, fmt.Sprintf(format, args...))
}

func (e *LogEntry) Error(message string) { e.write(LevelError, message) }

func (e *LogEntry) Errorf(format string, args ...any) {
	e.write(LevelError, fmt.Sprintf(format, args...))
}

// Fatal writes the entry and exits the process.
func (e *LogEntry) Fatal(message string) {
	e.write(LevelFatal, message)
	os.Exit(1)
}

func (e *LogEntry) Fatalf(format string, args ...any) {
	e.Fatal(fmt.Sprintf(format, args...))
}

// write emits the entry as a single JSON line unless its level is below
// the logger's threshold.
func (e *LogEntry) write(level LogLevel, message string) {
	l := e.logger
	if l == nil {
		l = defaultLogger
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if level.rank() < l.minLevel.rank() {
		return
	}
	e.Level = level
	e.Message = message
	if len(e.Fields) == 0 {
		e.Fields = nil
	}

	data, err := json.Marshal(e)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging error: %v\n", err)
		fmt.Fprintf(l.out, "%s [%s] %s\n", e.Time.Format(time.RFC3339), e.Level, e.Message)
		return
	}
	data = append(data, '\n')
	_, _ = l.out.Write(data)
}

var defaultLogger = New("harborrelay")

// Default returns the package-level logger.
func Default() *Logger {
	return defaultLogger
}

func WithContext(ctx context.Context) *LogEntry {
	return defaultLogger.WithContext(ctx)
}

func WithFields(fields map[string]any) *LogEntry {
	return defaultLogger.WithFields(fields)
}

func Plain() *LogEntry {
	return defaultLogger.Plain()
}

// SetDefaultService renames the package-level logger's service.
func SetDefaultService(service string) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.service = service
}
