package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SearchStep is the fixed backward retreat between candidate windows.
const SearchStep = time.Minute

// SchedulerConfig tunes the backward scheduler.
type SchedulerConfig struct {
	// MaxIterations caps the number of windows tried. Zero means the search
	// runs until the window reaches the earliest start.
	MaxIterations int `json:"max_iterations"`

	// Planner tunes multi-unit distribution.
	Planner PlannerConfig `json:"planner"`
}

// DefaultSchedulerConfig returns the default tuning.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{Planner: DefaultPlannerConfig()}
}

// BackwardScheduler searches for the latest feasible window of an activity,
// stepping back one minute at a time from the deadline.
type BackwardScheduler struct {
	pool      *ResourcePool
	cfg       SchedulerConfig
	validator *CompatibilityValidator
	allocator *UnitAllocator
	planner   *DistributionPlanner
	admission AdmissionPolicy
	tracer    trace.Tracer
	logger    zerolog.Logger

	// mu serializes Schedule calls so a search sees a stable pool.
	mu sync.Mutex
}

// SchedulerOption configures a BackwardScheduler.
type SchedulerOption func(*BackwardScheduler)

// WithLogger sets the scheduler logger.
func WithLogger(logger zerolog.Logger) SchedulerOption {
	return func(s *BackwardScheduler) { s.logger = logger }
}

// WithConfig sets the scheduler tuning.
func WithConfig(cfg SchedulerConfig) SchedulerOption {
	return func(s *BackwardScheduler) { s.cfg = cfg }
}

// WithAdmissionPolicy installs a policy consulted once per candidate unit.
func WithAdmissionPolicy(policy AdmissionPolicy) SchedulerOption {
	return func(s *BackwardScheduler) { s.admission = policy }
}

// WithTracer sets the tracer used for schedule spans.
func WithTracer(tracer trace.Tracer) SchedulerOption {
	return func(s *BackwardScheduler) { s.tracer = tracer }
}

// NewBackwardScheduler creates a scheduler over pool.
func NewBackwardScheduler(pool *ResourcePool, opts ...SchedulerOption) *BackwardScheduler {
	s := &BackwardScheduler{
		pool:   pool,
		cfg:    DefaultSchedulerConfig(),
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer("github.com/openfroyo/bakeplan/pkg/engine")
	}
	s.logger = s.logger.With().Str("component", "scheduler").Logger()
	s.validator = NewCompatibilityValidator()
	s.allocator = NewUnitAllocator(s.validator, s.logger)
	s.planner = NewDistributionPlanner(s.cfg.Planner, s.validator, s.logger)
	return s
}

// Pool returns the pool the scheduler allocates from.
func (s *BackwardScheduler) Pool() *ResourcePool {
	return s.pool
}

// Schedule searches backward from the deadline and reserves the first
// feasible window. The returned Result is never nil; its state is
// ALLOCATED on success and EXHAUSTED otherwise.
func (s *BackwardScheduler) Schedule(ctx context.Context, act *Activity) (*Result, error) {
	if act == nil {
		return &Result{State: StateExhausted}, NewError(KindInvalidRequest, "activity is nil", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "engine.schedule", trace.WithAttributes(
		attribute.Int("activity.id", act.ID),
		attribute.Int("activity.order_id", act.OrderID),
		attribute.Int("activity.request_id", act.RequestID),
		attribute.Int("activity.item_id", act.ItemID),
		attribute.Float64("activity.quantity", act.Quantity),
	))
	defer span.End()

	started := time.Now()
	res := &Result{Activity: act.Key(), State: StateSearching}
	err := s.search(ctx, act, res)
	res.Diagnostics.Elapsed = time.Since(started)
	if err != nil {
		res.State = StateExhausted
	}

	span.SetAttributes(
		attribute.String("schedule.state", string(res.State)),
		attribute.Int("schedule.iterations", res.Diagnostics.Iterations),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.String("schedule.algorithm", string(res.Algorithm)))
		for _, a := range res.Allocations {
			span.AddEvent("reserved", trace.WithAttributes(
				attribute.String("unit.id", string(a.Unit)),
				attribute.Float64("unit.quantity", a.Quantity),
				attribute.Int("unit.records", len(a.Records)),
			))
		}
		span.SetStatus(codes.Ok, "allocated")
	}

	observer := s.pool.notifier()
	if err == nil {
		for _, a := range res.Allocations {
			observer.Reserved(act, a)
		}
	}
	observer.ScheduleCompleted(act, res, err, res.Diagnostics.Elapsed)
	return res, err
}

func (s *BackwardScheduler) search(ctx context.Context, act *Activity, res *Result) error {
	diag := &res.Diagnostics
	log := s.logger.With().Str("activity", act.Key().String()).Int("item", act.ItemID).Logger()

	if err := act.Validate(); err != nil {
		return err
	}

	candidates, err := s.pool.Candidates(act)
	if err != nil {
		return err
	}
	eligible, rejected := s.eligible(ctx, act, candidates)
	if len(eligible) == 0 {
		return NewError(KindUnitNotFound, "no eligible units for activity", nil).
			WithOperation("schedule").
			WithDetail("rejected", rejected)
	}

	// Structural quantity errors end the request before any window is tried.
	if err := CheckViability(act, eligible); err != nil {
		diag.EarlyExits++
		log.Warn().Err(err).Float64("quantity", act.Quantity).Msg("structural quantity rejection")
		return err
	}

	ranked := OrderByPriority(eligible, act.Priorities)
	latest := act.Deadline.Add(act.Slack)

	for end := latest; !end.Add(-act.Duration).Before(act.EarliestStart); end = end.Add(-SearchStep) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.cfg.MaxIterations > 0 && diag.Iterations >= s.cfg.MaxIterations {
			diag.IterationCapHit = true
			log.Warn().Int("iterations", diag.Iterations).Msg("iteration cap reached")
			return NewError(KindWindowExhausted,
				fmt.Sprintf("iteration cap %d reached before a feasible window", s.cfg.MaxIterations), nil).
				WithOperation("schedule").
				WithDetail("iteration_cap", s.cfg.MaxIterations)
		}
		diag.Iterations++
		start := end.Add(-act.Duration)

		diag.SingleAttempts++
		alloc, err := s.allocator.TryAllocate(act, ranked, start, end)
		if err == nil {
			s.finish(res, AlgorithmSingle, []Allocation{*alloc}, start, end)
			log.Info().
				Str("unit", string(alloc.Unit)).
				Time("start", start).
				Time("end", end).
				Int("iterations", diag.Iterations).
				Msg("allocated on single unit")
			return nil
		}

		if len(ranked) > 1 {
			allocs, algo, derr := s.distribute(act, ranked, start, end, diag)
			if derr == nil {
				s.finish(res, algo, allocs, start, end)
				log.Info().
					Str("algorithm", string(algo)).
					Int("units", len(allocs)).
					Time("start", start).
					Time("end", end).
					Int("iterations", diag.Iterations).
					Msg("allocated across units")
				return nil
			}
			if IsStructural(derr) {
				return derr
			}
			err = derr
		}

		log.Trace().Time("end", end).Err(err).Msg("window rejected, retreating")
	}

	return NewError(KindWindowExhausted, "no feasible window between earliest start and deadline", nil).
		WithOperation("schedule").
		WithDetail("iterations", diag.Iterations)
}

func (s *BackwardScheduler) distribute(act *Activity, units []*ResourceUnit, start, end time.Time, diag *Diagnostics) ([]Allocation, Algorithm, error) {
	diag.DistributionAttempts++
	plan, err := s.planner.Plan(act, units, start, end)
	if err != nil {
		switch {
		case IsStructural(err):
			diag.EarlyExits++
		case isTemporalRejection(err):
			diag.TemporalRejections++
		}
		return nil, "", err
	}
	allocs, err := s.planner.Apply(act, plan, units, start, end)
	if err != nil {
		return nil, "", err
	}
	return allocs, plan.Algorithm, nil
}

func (s *BackwardScheduler) finish(res *Result, algo Algorithm, allocs []Allocation, start, end time.Time) {
	res.State = StateAllocated
	res.Algorithm = algo
	res.Diagnostics.Algorithm = algo
	res.Allocations = allocs
	res.Start = start
	res.End = end
}

// eligible applies the admission policy and the technical configuration
// check to every candidate once. Policy errors are logged and the unit is
// kept.
func (s *BackwardScheduler) eligible(ctx context.Context, act *Activity, candidates []*ResourceUnit) ([]*ResourceUnit, map[UnitID]string) {
	out := make([]*ResourceUnit, 0, len(candidates))
	rejected := make(map[UnitID]string)
	for _, unit := range candidates {
		if s.admission != nil {
			ok, reason, err := s.admission.Admit(ctx, act, unit.Spec())
			if err != nil {
				s.logger.Error().Err(err).Str("unit", string(unit.ID())).Msg("admission policy failed, admitting unit")
			} else if !ok {
				rejected[unit.ID()] = reason
				s.logger.Debug().Str("unit", string(unit.ID())).Str("reason", reason).Msg("unit denied by admission policy")
				continue
			}
		}
		if err := CheckConfig(act, unit); err != nil {
			rejected[unit.ID()] = err.Error()
			continue
		}
		out = append(out, unit)
	}
	return out, rejected
}

func isTemporalRejection(err error) bool {
	var e *AllocationError
	return errors.As(err, &e) && e.Operation == "availability"
}
