package telemetry

import (
	"errors"
	"time"

	"github.com/openfroyo/bakeplan/pkg/engine"
)

// SchedulerObserver turns scheduler and pool notifications into metrics
// and events. It implements engine.Observer.
type SchedulerObserver struct {
	metrics *Metrics
	events  *EventPublisher
	logger  *Logger
}

var _ engine.Observer = (*SchedulerObserver)(nil)

// NewSchedulerObserver creates an observer. Any argument may be nil.
func NewSchedulerObserver(metrics *Metrics, events *EventPublisher, logger *Logger) *SchedulerObserver {
	if metrics == nil {
		metrics = &Metrics{}
	}
	if events == nil {
		events = &EventPublisher{}
	}
	if logger == nil {
		logger = NewLoggerTo(nil, LoggingConfig{Level: "fatal"})
	}
	return &SchedulerObserver{metrics: metrics, events: events, logger: logger}
}

// ScheduleCompleted records the outcome of one Schedule call.
func (o *SchedulerObserver) ScheduleCompleted(act *engine.Activity, res *engine.Result, err error, elapsed time.Duration) {
	var (
		state = string(engine.StateExhausted)
		diag  engine.Diagnostics
		alg   string
	)
	if res != nil {
		state = string(res.State)
		diag = res.Diagnostics
		alg = string(res.Algorithm)
	}
	o.metrics.RecordSchedule(state, alg, elapsed, diag.Iterations, diag.EarlyExits, diag.TemporalRejections, diag.IterationCapHit)

	key := ""
	if act != nil {
		key = act.Key().String()
	}

	if err != nil {
		class, kind := "unknown", "unknown"
		var ae *engine.AllocationError
		if errors.As(err, &ae) {
			class, kind = string(ae.Class), string(ae.Kind)
		}
		o.metrics.RecordError(class, kind)
		if perr := o.events.PublishScheduleFailed(key, kind, err.Error(), engine.IsStructural(err)); perr != nil {
			o.logger.WithError(perr).Warn("failed to publish schedule event")
		}
		return
	}

	units := make([]string, 0, len(res.Allocations))
	for _, id := range res.Units() {
		units = append(units, string(id))
	}
	if perr := o.events.PublishScheduleAllocated(key, units, alg, diag.Iterations); perr != nil {
		o.logger.WithError(perr).Warn("failed to publish schedule event")
	}
}

// Reserved records one unit's allocation.
func (o *SchedulerObserver) Reserved(act *engine.Activity, alloc engine.Allocation) {
	o.metrics.RecordReservation(string(alloc.Unit), alloc.Quantity)
	key := ""
	if act != nil {
		key = act.Key().String()
	}
	if err := o.events.PublishReserved(key, string(alloc.Unit), alloc.Quantity, alloc.Start, alloc.End); err != nil {
		o.logger.WithError(err).Warn("failed to publish reservation event")
	}
}

// Released records a release that removed records.
func (o *SchedulerObserver) Released(scope string, count int) {
	o.metrics.RecordRelease(scope, count)
	if err := o.events.PublishReleased(scope, count); err != nil {
		o.logger.WithError(err).Warn("failed to publish release event")
	}
}

// Denied records a unit excluded by admission policy. It matches the
// policy engine's denial hook.
func (o *SchedulerObserver) Denied(act *engine.Activity, unit engine.UnitID, reason string) {
	o.metrics.RecordAdmissionDenial(string(unit))
	key := ""
	if act != nil {
		key = act.Key().String()
	}
	if err := o.events.PublishPolicyDenied(key, string(unit), reason); err != nil {
		o.logger.WithError(err).Warn("failed to publish policy event")
	}
}

// ReportLedgers publishes record counts and utilisation over
// [start, end) for every unit in pool.
func (o *SchedulerObserver) ReportLedgers(pool *engine.ResourcePool, start, end time.Time) {
	for _, u := range pool.Units() {
		o.metrics.SetLedgerState(string(u.ID()), len(u.Records()), u.Utilisation(start, end))
	}
}
