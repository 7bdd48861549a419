package telemetry_test

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/openfroyo/bakeplan/pkg/engine"
	"github.com/openfroyo/bakeplan/pkg/telemetry"
)

// Example_schedulerWiring routes scheduler logs, spans, metrics and events
// through one telemetry instance.
func Example_schedulerWiring() {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = "error"
	cfg.Events.EnableAsync = false

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	tel.Events.Subscribe(func(e telemetry.Event) {
		fmt.Println(e.Type, e.UnitID)
	}, nil)

	pool, _ := engine.NewResourcePool(engine.UnitSpec{
		ID:       "spiral-1",
		Category: engine.CategoryMixer,
		Capacity: engine.Range{Max: 50000},
	})
	tel.Observe(pool)

	deadline := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	scheduler := engine.NewBackwardScheduler(pool, tel.SchedulerOptions()...)
	_, err = scheduler.Schedule(context.Background(), &engine.Activity{
		ID:            1,
		ItemID:        1001,
		Quantity:      20000,
		Duration:      20 * time.Minute,
		EarliestStart: deadline.Add(-time.Hour),
		Deadline:      deadline,
	})
	if err != nil {
		panic(err)
	}
	// Output:
	// unit.reserved spiral-1
	// schedule.allocated
}

// Example_eventFiltering subscribes to warnings and above only.
func Example_eventFiltering() {
	cfg := telemetry.DefaultConfig()
	cfg.Events.EnableAsync = false

	events, _ := telemetry.NewEventPublisher(cfg.Events)
	events.Subscribe(func(e telemetry.Event) {
		fmt.Println(e.Level, e.Type)
	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))

	_ = events.PublishReleased("order", 3)
	_ = events.PublishPolicyDenied("1/1/1", "oven-2", "unit is under maintenance")
	_ = events.PublishScheduleFailed("1/1/2", "ABOVE_MAXIMUM_QUANTITY", "too much dough", true)
	// Output:
	// warning policy.denied
	// error schedule.rejected
}

// Example_instrumentedOperation wraps a unit of CLI work in a span.
func Example_instrumentedOperation() {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = "error"

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())
	op := telemetry.StartOperation(ctx, "config.load",
		attribute.String("config.path", "fleet.yaml"),
	)
	op.Logger.Debug("loading fleet")
	op.End(nil)

	fmt.Println("done")
	// Output: done
}

// Example_productionConfiguration validates an OTLP setup.
func Example_productionConfiguration() {
	cfg := telemetry.ProductionConfig()
	cfg.ServiceVersion = "1.2.3"
	cfg.Tracing.Endpoint = "otel-collector.monitoring.svc:4317"

	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	fmt.Println(cfg.Tracing.Exporter, cfg.Metrics.Namespace)
	// Output: otlp bakeplan
}
