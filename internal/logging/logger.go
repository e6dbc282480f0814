package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/onsitelogistics/handheld/internal/tracing"
)

// LogFileName is the file written inside log_dir.
const LogFileName = "handheld.log"

// Options controls where and how much the logger writes.
type Options struct {
	Level  string    // debug, info, warn, error; empty means info
	Dir    string    // when set, logs are also appended to Dir/handheld.log
	Stdout io.Writer // defaults to os.Stdout
}

// Logger provides structured logging with trace correlation
type Logger struct {
	service string
	z       *zap.Logger
	closers []io.Closer
}

// LogEntry accumulates fields for a single log line
type LogEntry struct {
	logger   *Logger
	Time     time.Time
	Service  string
	TraceID  string
	QueueID  int64
	URL      string
	DeviceID string
	Fields   map[string]any
}

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "time"
	cfg.MessageKey = "msg"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg
}

// New creates a JSON logger on stdout at info level for the given service
func New(service string) *Logger {
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), zapcore.AddSync(os.Stdout), zapcore.InfoLevel)
	return NewWithCore(service, core)
}

// NewWithCore wraps an existing zap core. Tests pass an observer core.
func NewWithCore(service string, core zapcore.Core) *Logger {
	return &Logger{service: service, z: zap.New(core)}
}

// Setup builds the process logger from options: stdout always, plus an
// append-only file under opts.Dir when configured.
func Setup(service string, opts Options) (*Logger, error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		lvl, err := zapcore.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("logging: invalid level %q: %w", opts.Level, err)
		}
		level = lvl
	}

	out := opts.Stdout
	if out == nil {
		out = os.Stdout
	}
	enc := zapcore.NewJSONEncoder(encoderConfig())
	cores := []zapcore.Core{zapcore.NewCore(enc, zapcore.AddSync(out), level)}

	var closers []io.Closer
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("logging: create log dir: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(opts.Dir, LogFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("logging: open log file: %w", err)
		}
		cores = append(cores, zapcore.NewCore(enc.Clone(), zapcore.AddSync(f), level))
		closers = append(closers, f)
	}

	l := NewWithCore(service, zapcore.NewTee(cores...))
	l.closers = closers
	return l, nil
}

// Close flushes buffered entries and closes any log file.
func (l *Logger) Close() error {
	_ = l.z.Sync()
	var firstErr error
	for _, c := range l.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	l.closers = nil
	return firstErr
}

// Service returns the service name stamped on every entry.
func (l *Logger) Service() string {
	return l.service
}

// WithContext creates a log entry with trace correlation from context
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	entry := l.Plain()
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		entry.TraceID = traceID
	}
	return entry
}

// WithFields creates a log entry with arbitrary key-value pairs
func (l *Logger) WithFields(fields map[string]any) *LogEntry {
	entry := l.Plain()
	for k, v := range fields {
		entry.Fields[k] = v
	}
	return entry
}

// Plain creates a basic log entry without context
func (l *Logger) Plain() *LogEntry {
	return &LogEntry{
		logger:  l,
		Time:    time.Now().UTC(),
		Service: l.service,
		Fields:  make(map[string]any),
	}
}

// WithTraceID sets the trace ID for the log entry
func (e *LogEntry) WithTraceID(traceID string) *LogEntry {
	e.TraceID = traceID
	return e
}

// WithQueueID tags the entry with an outbox row id
func (e *LogEntry) WithQueueID(id int64) *LogEntry {
	e.QueueID = id
	return e
}

// WithURL tags the entry with the destination endpoint
func (e *LogEntry) WithURL(url string) *LogEntry {
	e.URL = url
	return e
}

// WithDevice tags the entry with the device id
func (e *LogEntry) WithDevice(deviceID string) *LogEntry {
	e.DeviceID = deviceID
	return e
}

// WithField adds a single field to the log entry
func (e *LogEntry) WithField(key string, value any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	if err != nil {
		e.WithField("error", err.Error())
	}
	return e
}

// Debug logs at debug level
func (e *LogEntry) Debug(message string) {
	e.logger.z.Debug(message, e.zapFields()...)
}

// Debugf logs at debug level with formatting
func (e *LogEntry) Debugf(format string, args ...any) {
	e.Debug(fmt.Sprintf(format, args...))
}

// Info logs at info level
func (e *LogEntry) Info(message string) {
	e.logger.z.Info(message, e.zapFields()...)
}

// Infof logs at info level with formatting
func (e *LogEntry) Infof(format string, args ...any) {
	e.Info(fmt.Sprintf(format, args...))
}

// Warn logs at warn level
func (e *LogEntry) Warn(message string) {
	e.logger.z.Warn(message, e.zapFields()...)
}

// Warnf logs at warn level with formatting
func (e *LogEntry) Warnf(format string, args ...any) {
	e.Warn(fmt.Sprintf(format, args...))
}

// Error logs at error level
func (e *LogEntry) Error(message string) {
	e.logger.z.Error(message, e.zapFields()...)
}

// Errorf logs at error level with formatting
func (e *LogEntry) Errorf(format string, args ...any) {
	e.Error(fmt.Sprintf(format, args...))
}

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(message string) {
	e.logger.z.Fatal(message, e.zapFields()...)
}

// zapFields flattens the entry. Free-form fields are sorted so output is
// stable.
func (e *LogEntry) zapFields() []zap.Field {
	fields := make([]zap.Field, 0, 5+len(e.Fields))
	if e.Service != "" {
		fields = append(fields, zap.String("service", e.Service))
	}
	if e.TraceID != "" {
		fields = append(fields, zap.String("trace_id", e.TraceID))
	}
	if e.QueueID != 0 {
		fields = append(fields, zap.Int64("queue_id", e.QueueID))
	}
	if e.URL != "" {
		fields = append(fields, zap.String("url", e.URL))
	}
	if e.DeviceID != "" {
		fields = append(fields, zap.String("device_id", e.DeviceID))
	}

	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, zap.Any(k, e.Fields[k]))
	}
	return fields
}

// Global convenience functions

var defaultLogger = New("handheld")

// Default returns the process-wide logger.
func Default() *Logger {
	return defaultLogger
}

// SetDefault replaces the process-wide logger.
func SetDefault(l *Logger) {
	if l != nil {
		defaultLogger = l
	}
}

// WithContext creates a log entry with trace correlation from context using the default logger
func WithContext(ctx context.Context) *LogEntry {
	return defaultLogger.WithContext(ctx)
}

// WithFields creates a log entry with fields using the default logger
func WithFields(fields map[string]any) *LogEntry {
	return defaultLogger.WithFields(fields)
}

// Plain creates a basic log entry using the default logger
func Plain() *LogEntry {
	return defaultLogger.Plain()
}
