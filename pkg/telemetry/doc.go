// Package telemetry provides observability for the bakeplan scheduler.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry), Prometheus metrics and an in-process event publisher
// behind one Telemetry value.
//
// # Usage
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	pool, _ := engine.NewResourcePool(specs...)
//	tel.Observe(pool)
//	scheduler := engine.NewBackwardScheduler(pool, tel.SchedulerOptions()...)
//
// Observe installs a SchedulerObserver on the pool. The observer counts
// schedule outcomes, reservations and releases, and publishes one event
// per notification. SchedulerOptions hands the scheduler a zerolog logger
// and the configured OpenTelemetry tracer, so every Schedule call produces
// an "engine.schedule" span.
//
// # Exporters
//
//   - "otlp": OTLP over gRPC to Tracing.Endpoint
//   - "stdout": pretty-printed spans, for development
//   - "none": spans are created but not exported
//
// # Metrics
//
// All metrics live on a private registry served by Metrics.Handler:
//
//   - bakeplan_schedules_total{state,algorithm}
//   - bakeplan_schedule_duration_seconds{state}
//   - bakeplan_search_iterations
//   - bakeplan_viability_early_exits_total
//   - bakeplan_temporal_rejections_total
//   - bakeplan_iteration_cap_hits_total
//   - bakeplan_reservations_total{unit}
//   - bakeplan_reserved_quantity_total{unit}
//   - bakeplan_released_records_total{scope}
//   - bakeplan_ledger_records{unit}
//   - bakeplan_unit_utilisation_ratio{unit}
//   - bakeplan_errors_total{class,kind}
//   - bakeplan_admission_denials_total{unit}
//
// # Events
//
// EventPublisher delivers events to subscribers either inline or, with
// EnableAsync, from a buffered channel flushed in batches. Subscribers
// always see events in publish order.
package telemetry
