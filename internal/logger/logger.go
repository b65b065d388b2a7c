package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

// Logger is the structured logging interface used across the kernel.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)

	WithContext(ctx context.Context) Logger
	WithFields(fields ...Field) Logger
	WithError(err error) Logger
}

// Field is one structured logging field.
type Field struct {
	Key   string
	Value interface{}
}

// Config controls the process-wide logger.
type Config struct {
	Level      string `json:"level" yaml:"level"`
	Format     string `json:"format" yaml:"format"`
	Output     string `json:"output" yaml:"output"`
	TimeFormat string `json:"time_format" yaml:"time_format"`
	Caller     bool   `json:"caller" yaml:"caller"`
}

type zeroLogger struct {
	logger zerolog.Logger
	fields []Field
}

var (
	globalLogger *zeroLogger
	once         sync.Once
)

// Initialize configures the global logger. Only the first call takes effect.
func Initialize(cfg Config) {
	once.Do(func() {
		var output io.Writer
		switch cfg.Output {
		case "", "stderr":
			output = os.Stderr
		case "stdout":
			output = os.Stdout
		default:
			file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
			if err != nil {
				output = os.Stderr
			} else {
				output = file
			}
		}

		if cfg.Format == "console" {
			tf := cfg.TimeFormat
			if tf == "" {
				tf = time.RFC3339
			}
			output = zerolog.ConsoleWriter{Out: output, TimeFormat: tf}
		}

		zerolog.SetGlobalLevel(parseLevel(cfg.Level))

		builder := zerolog.New(output).With().Timestamp()
		if cfg.Caller {
			builder = builder.Caller()
		}

		globalLogger = &zeroLogger{logger: builder.Logger()}
		log.Logger = globalLogger.logger
	})
}

// Get returns the global logger, initializing defaults on first use.
func Get() Logger {
	if globalLogger == nil {
		Initialize(Config{Level: "info", Format: "json", Output: "stderr"})
	}
	return globalLogger
}

// New returns a logger tagged with a component name.
func New(component string) Logger {
	return Get().WithFields(String("component", component))
}

// NewWithWriter returns a standalone logger writing to w, used by tests to
// capture output.
func NewWithWriter(component string, w io.Writer) Logger {
	l := &zeroLogger{logger: zerolog.New(w).With().Timestamp().Logger()}
	return l.WithFields(String("component", component))
}

// NewNop returns a logger that discards everything.
func NewNop() Logger {
	return &zeroLogger{logger: zerolog.Nop()}
}

// WithContext returns a logger that carries the active trace id, when the
// context holds a recording span.
func (l *zeroLogger) WithContext(ctx context.Context) Logger {
	out := &zeroLogger{
		logger: l.logger,
		fields: append([]Field{}, l.fields...),
	}
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		out.fields = append(out.fields, String("trace_id", span.SpanContext().TraceID().String()))
	}
	return out
}

// WithFields returns a logger with the fields attached to every message.
func (l *zeroLogger) WithFields(fields ...Field) Logger {
	return &zeroLogger{
		logger: l.logger,
		fields: append(append([]Field{}, l.fields...), fields...),
	}
}

// WithError attaches an error to every message.
func (l *zeroLogger) WithError(err error) Logger {
	if err == nil {
		return l
	}
	return l.WithFields(Err(err))
}

func (l *zeroLogger) Debug(msg string, fields ...Field) { l.emit(l.logger.Debug(), msg, fields) }
func (l *zeroLogger) Info(msg string, fields ...Field)  { l.emit(l.logger.Info(), msg, fields) }
func (l *zeroLogger) Warn(msg string, fields ...Field)  { l.emit(l.logger.Warn(), msg, fields) }
func (l *zeroLogger) Error(msg string, fields ...Field) { l.emit(l.logger.Error(), msg, fields) }
func (l *zeroLogger) Fatal(msg string, fields ...Field) { l.emit(l.logger.Fatal(), msg, fields) }

func (l *zeroLogger) emit(event *zerolog.Event, msg string, fields []Field) {
	for _, f := range l.fields {
		event = addField(event, f)
	}
	for _, f := range fields {
		event = addField(event, f)
	}
	event.Msg(msg)
}

func addField(event *zerolog.Event, field Field) *zerolog.Event {
	switch v := field.Value.(type) {
	case string:
		return event.Str(field.Key, v)
	case int:
		return event.Int(field.Key, v)
	case int64:
		return event.Int64(field.Key, v)
	case float64:
		return event.Float64(field.Key, v)
	case bool:
		return event.Bool(field.Key, v)
	case time.Time:
		return event.Time(field.Key, v)
	case time.Duration:
		return event.Dur(field.Key, v)
	case error:
		return event.AnErr(field.Key, v)
	default:
		return event.Interface(field.Key, v)
	}
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Field constructors.

func String(key, value string) Field               { return Field{Key: key, Value: value} }
func Int(key string, value int) Field              { return Field{Key: key, Value: value} }
func Int64(key string, value int64) Field          { return Field{Key: key, Value: value} }
func Float64(key string, value float64) Field      { return Field{Key: key, Value: value} }
func Bool(key string, value bool) Field            { return Field{Key: key, Value: value} }
func Time(key string, value time.Time) Field       { return Field{Key: key, Value: value} }
func Duration(key string, value time.Duration) Field { return Field{Key: key, Value: value} }
func Err(err error) Field                          { return Field{Key: "error", Value: err} }
func Any(key string, value interface{}) Field      { return Field{Key: key, Value: value} }
