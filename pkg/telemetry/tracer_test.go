package telemetry

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNewTracer(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Config)
		provider bool
		wantErr  bool
	}{
		{name: "disabled", mutate: func(c *Config) {}},
		{name: "no exporter", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.ResourceAttributes["site"] = "north-bakery"
		}, provider: true},
		{name: "unknown exporter", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "zipkin"
		}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			tr, err := NewTracer(cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewTracer() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if (tr.provider != nil) != tt.provider {
				t.Errorf("provider set = %v, want %v", tr.provider != nil, tt.provider)
			}
			if tr.Tracer() == nil {
				t.Error("Tracer() returned nil")
			}
			if err := tr.Shutdown(context.Background()); err != nil {
				t.Errorf("Shutdown() error: %v", err)
			}
		})
	}
}

func TestEndSpan(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	tr := &Tracer{provider: tp, tracer: tp.Tracer("test")}

	_, ok := tr.StartSpan(context.Background(), "ok", AttrFleet.String("fleet.yaml"))
	EndSpan(ok, nil)
	_, failed := tr.StartSpan(context.Background(), "failed")
	EndSpan(failed, errors.New("oven offline"))

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(spans))
	}
	if spans[0].Status().Code != codes.Ok {
		t.Errorf("ok span status = %v", spans[0].Status().Code)
	}
	if spans[1].Status().Code != codes.Error || spans[1].Status().Description != "oven offline" {
		t.Errorf("failed span status = %+v", spans[1].Status())
	}
	if len(spans[1].Events()) != 1 {
		t.Errorf("expected the error to be recorded as an event")
	}
}
