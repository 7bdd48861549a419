package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/bakeplan/pkg/engine"
)

// Logger wraps zerolog.Logger with scheduling-specific fields.
type Logger struct {
	zlog   zerolog.Logger
	config LoggingConfig
}

// loggerContextKey is the context key for logger instances.
type loggerContextKey struct{}

// NewLogger opens cfg.Output ("stdout", "stderr" or a file path appended
// to) and builds the logger on it.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	out, err := openOutput(cfg.Output)
	if err != nil {
		return nil, fmt.Errorf("failed to open log output: %w", err)
	}
	return newLogger(out, cfg), nil
}

// NewLoggerTo builds a logger on an arbitrary writer.
func NewLoggerTo(w io.Writer, cfg LoggingConfig) *Logger {
	return newLogger(w, cfg)
}

func openOutput(output string) (io.Writer, error) {
	switch output {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	}
	return os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// timeFieldFormats maps LoggingConfig.TimeFormat to zerolog's field format.
var timeFieldFormats = map[string]string{
	"unix":   zerolog.TimeFormatUnix,
	"unixms": zerolog.TimeFormatUnixMs,
}

func newLogger(w io.Writer, cfg LoggingConfig) *Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	if f, ok := timeFieldFormats[cfg.TimeFormat]; ok {
		zerolog.TimeFieldFormat = f
	}
	if cfg.Format == "console" {
		layout := time.RFC3339
		if cfg.TimeFormat == "kitchen" {
			layout = time.Kitchen
		}
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: layout}
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	zctx := zerolog.New(w).Level(level).With().Timestamp()
	if cfg.EnableCaller {
		zctx = zctx.Caller()
	}
	zlog := zctx.Logger()

	if cfg.EnableSampling {
		zlog = zlog.Sample(&zerolog.BurstSampler{
			Burst:       uint32(cfg.SamplingInitial),
			Period:      time.Second,
			NextSampler: &zerolog.BasicSampler{N: uint32(cfg.SamplingThereafter)},
		})
	}

	return &Logger{zlog: zlog, config: cfg}
}

// Zerolog returns the underlying logger for components that take a
// zerolog.Logger directly, such as the engine.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

// NewComponentLogger creates a child logger for a specific component.
func (l *Logger) NewComponentLogger(component string) *Logger {
	return l.derive(l.zlog.With().Str("component", component).Logger())
}

// WithContext adds the logger to the context.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, l)
}

// FromContext retrieves the logger from the context.
// If no logger is found, it returns a stderr logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(*Logger); ok {
		return l
	}
	return &Logger{
		zlog: zerolog.New(os.Stderr).With().Timestamp().Logger(),
	}
}

// WithFields returns a logger with additional fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	ctx := l.zlog.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return l.derive(ctx.Logger())
}

// WithField returns a logger with a single additional field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.derive(l.zlog.With().Interface(key, value).Logger())
}

// WithActivity adds the activity key fields.
func (l *Logger) WithActivity(key engine.ActivityKey) *Logger {
	return l.derive(l.zlog.With().
		Int("order_id", key.OrderID).
		Int("request_id", key.RequestID).
		Int("activity_id", key.ActivityID).
		Logger())
}

// WithScheduleRun adds a schedule_run_id field.
func (l *Logger) WithScheduleRun(runID string) *Logger {
	return l.WithField("schedule_run_id", runID)
}

// WithError adds err to the logger. Allocation errors also contribute an
// error_kind field.
func (l *Logger) WithError(err error) *Logger {
	ctx := l.zlog.With().Err(err)
	if kind := engine.KindOf(err); kind != "" {
		ctx = ctx.Str("error_kind", string(kind))
	}
	return l.derive(ctx.Logger())
}

func (l *Logger) derive(z zerolog.Logger) *Logger {
	return &Logger{zlog: z, config: l.config}
}

// Debug logs a debug-level message.
func (l *Logger) Debug(msg string) {
	l.zlog.Debug().Msg(msg)
}

// Info logs an info-level message.
func (l *Logger) Info(msg string) {
	l.zlog.Info().Msg(msg)
}

// Warn logs a warning-level message.
func (l *Logger) Warn(msg string) {
	l.zlog.Warn().Msg(msg)
}
