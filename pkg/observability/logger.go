package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

func (l LogLevel) String() string {
	return []string{"DEBUG", "INFO", "WARN", "ERROR"}[l]
}

// Logger emits structured JSON log lines. Loggers are immutable: WithField
// and friends return tagged copies, so a request- or build-scoped logger can
// be threaded through the synchronizer, builder and resolver without the
// callers interfering with each other. Entries carry the ids of the active
// trace span when the logger was derived from a traced context, so log
// lines can be joined with the spans the catalog layer records.
type Logger struct {
	level   LogLevel
	output  io.Writer
	fields  map[string]interface{}
	traceID string
	spanID  string
}

// NewLogger creates a new structured logger writing to output (stdout when
// nil).
func NewLogger(level LogLevel, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}
	return &Logger{
		level:  level,
		output: output,
		fields: make(map[string]interface{}),
	}
}

type logEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	TraceID   string                 `json:"trace_id,omitempty"`
	SpanID    string                 `json:"span_id,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

func (l *Logger) clone() *Logger {
	fields := make(map[string]interface{}, len(l.fields)+1)
	for k, v := range l.fields {
		fields[k] = v
	}
	return &Logger{
		level:   l.level,
		output:  l.output,
		fields:  fields,
		traceID: l.traceID,
		spanID:  l.spanID,
	}
}

// WithField returns a logger carrying an additional field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	logger := l.clone()
	logger.fields[key] = value
	return logger
}

// WithError attaches an error to the logger context.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithField("error", err.Error())
}

// WithSpan tags the logger with the trace and span ids of the context's
// active span. A context without a valid span context returns the logger
// unchanged.
func (l *Logger) WithSpan(ctx context.Context) *Logger {
	span := trace.SpanContextFromContext(ctx)
	if !span.IsValid() {
		return l
	}
	logger := l.clone()
	logger.traceID = span.TraceID().String()
	logger.spanID = span.SpanID().String()
	return logger
}

func (l *Logger) Debug(message string) { l.log(DebugLevel, message) }
func (l *Logger) Info(message string)  { l.log(InfoLevel, message) }
func (l *Logger) Warn(message string)  { l.log(WarnLevel, message) }
func (l *Logger) Error(message string) { l.log(ErrorLevel, message) }

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.log(DebugLevel, fmt.Sprintf(format, args...))
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.log(InfoLevel, fmt.Sprintf(format, args...))
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.log(WarnLevel, fmt.Sprintf(format, args...))
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log(ErrorLevel, fmt.Sprintf(format, args...))
}

func (l *Logger) log(level LogLevel, message string) {
	if level < l.level {
		return
	}
	entry := logEntry{
		Timestamp: time.Now().UTC(),
		Level:     level.String(),
		Message:   message,
		TraceID:   l.traceID,
		SpanID:    l.spanID,
	}
	if len(l.fields) > 0 {
		entry.Fields = l.fields
	}
	data, err := json.Marshal(entry)
	if err != nil {
		// A field value defeated the JSON encoder; emit a minimal entry by
		// hand so the line stays machine-parseable.
		fmt.Fprintf(l.output, "{\"timestamp\":%q,\"level\":%q,\"message\":%q}\n",
			entry.Timestamp.Format(time.RFC3339Nano), entry.Level, message)
		return
	}
	l.output.Write(data)
	l.output.Write([]byte("\n"))
}

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	loggerKey    contextKey = "logger"
)

// WithRequestID stores a request id in the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID retrieves the request id from context, or "".
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(requestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the context's logger (or a default one), tagged with
// the request id and the active span when present.
func FromContext(ctx context.Context) *Logger {
	logger, ok := ctx.Value(loggerKey).(*Logger)
	if !ok {
		logger = NewLogger(InfoLevel, os.Stdout)
	}
	if requestID := GetRequestID(ctx); requestID != "" {
		logger = logger.WithField("request_id", requestID)
	}
	return logger.WithSpan(ctx)
}
