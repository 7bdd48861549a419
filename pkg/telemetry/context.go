package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/bakeplan/pkg/engine"
)

// Telemetry bundles the logger, tracer, metrics and event publisher of one
// bakeplan process.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// WithContext stores the telemetry instance and its logger in ctx.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext returns the instance stored by WithContext, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	t, _ := ctx.Value(telemetryContextKey{}).(*Telemetry)
	return t
}

// Shutdown stops the event publisher, the metrics server and the tracer,
// in that order, and returns every error encountered.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Metrics.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
	)
}

// StartMetricsServer starts the metrics HTTP server if metrics are enabled.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer()
}

// Operation is one traced and logged unit of work, typically a CLI command.
// Ctx carries the span and the operation logger; pass it to the scheduler
// so its spans nest under the operation.
type Operation struct {
	Ctx    context.Context
	Logger *Logger
	span   trace.Span
	start  time.Time
}

// StartOperation starts an operation on the telemetry stored in ctx. Without
// one, the operation only carries the context logger.
func StartOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) *Operation {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &Operation{Ctx: ctx, Logger: FromContext(ctx), start: time.Now()}
	}

	spanCtx, span := tel.Tracer.StartSpan(ctx, name, attrs...)
	logger := tel.Logger.WithField("operation", name)
	if sc := span.SpanContext(); sc.IsValid() {
		logger = logger.WithField("trace_id", sc.TraceID().String())
	}

	return &Operation{
		Ctx:    logger.WithContext(spanCtx),
		Logger: logger,
		span:   span,
		start:  time.Now(),
	}
}

// End closes the span with err's status and logs the outcome.
func (op *Operation) End(err error) {
	elapsed := time.Since(op.start)
	if op.span != nil {
		EndSpan(op.span, err)
	}
	if err != nil {
		op.Logger.WithError(err).zlog.Debug().Dur("elapsed", elapsed).Msg("Operation failed")
		return
	}
	op.Logger.zlog.Debug().Dur("elapsed", elapsed).Msg("Operation finished")
}

// SchedulerOptions returns the engine options that route scheduler logs
// and spans through this telemetry instance.
func (t *Telemetry) SchedulerOptions() []engine.SchedulerOption {
	return []engine.SchedulerOption{
		engine.WithLogger(t.Logger.Zerolog()),
		engine.WithTracer(t.Tracer.Tracer()),
	}
}

// Observe attaches a SchedulerObserver to pool and returns it.
func (t *Telemetry) Observe(pool *engine.ResourcePool) *SchedulerObserver {
	obs := NewSchedulerObserver(t.Metrics, t.Events, t.Logger.NewComponentLogger("observer"))
	pool.SetObserver(obs)
	return obs
}
