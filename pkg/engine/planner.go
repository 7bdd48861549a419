package engine

import (
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/rs/zerolog"
)

// PlannerConfig tunes the distribution planner.
type PlannerConfig struct {
	// Tolerance is the minimum allocated/target ratio a proportional plan
	// must reach before the top-up pass.
	Tolerance float64 `json:"tolerance"`

	// QuantityEpsilon is the largest accepted gap between a plan's total and
	// the requested quantity.
	QuantityEpsilon float64 `json:"quantity_epsilon"`
}

// DefaultPlannerConfig returns the default planner tuning.
func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		Tolerance:       0.95,
		QuantityEpsilon: 1.0,
	}
}

// DistributionPlanner splits one activity across several units when no
// single unit can take it in a window.
type DistributionPlanner struct {
	cfg       PlannerConfig
	validator *CompatibilityValidator
	logger    zerolog.Logger
}

// NewDistributionPlanner creates a planner. Zero config values fall back to defaults.
func NewDistributionPlanner(cfg PlannerConfig, validator *CompatibilityValidator, logger zerolog.Logger) *DistributionPlanner {
	def := DefaultPlannerConfig()
	if cfg.Tolerance <= 0 || cfg.Tolerance > 1 {
		cfg.Tolerance = def.Tolerance
	}
	if cfg.QuantityEpsilon <= 0 {
		cfg.QuantityEpsilon = def.QuantityEpsilon
	}
	if validator == nil {
		validator = NewCompatibilityValidator()
	}
	return &DistributionPlanner{
		cfg:       cfg,
		validator: validator,
		logger:    logger.With().Str("component", "planner").Logger(),
	}
}

// Config returns the effective tuning.
func (p *DistributionPlanner) Config() PlannerConfig {
	return p.cfg
}

// CheckViability rejects quantities that no combination of units could ever
// hold. It reads static capacity only and never touches a ledger.
func CheckViability(act *Activity, units []*ResourceUnit) error {
	if len(units) == 0 {
		return NewError(KindUnitNotFound, "no eligible units", nil).WithOperation("viability")
	}

	qc := quantityContext(act, units)
	switch {
	case act.Quantity > qc.TotalSystemCapacity+capacityEpsilon:
		qc.Excess = act.Quantity - qc.TotalSystemCapacity
		qc.Suggestions = []string{
			fmt.Sprintf("split the request into batches of at most %g", qc.TotalSystemCapacity),
			fmt.Sprintf("reduce the quantity by %g", qc.Excess),
		}
		return NewError(KindAboveMaximumQuantity,
			fmt.Sprintf("quantity %g exceeds total system capacity %g", act.Quantity, qc.TotalSystemCapacity), nil).
			WithOperation("viability").
			WithDetail("quantity", qc)
	case act.Quantity < qc.Minimum-capacityEpsilon:
		qc.Deficit = qc.Minimum - act.Quantity
		qc.Suggestions = []string{
			fmt.Sprintf("increase the quantity to at least %g", qc.Minimum),
			"combine the request with other orders for the same item",
		}
		return NewError(KindBelowMinimumQuantity,
			fmt.Sprintf("quantity %g below the smallest unit minimum %g", act.Quantity, qc.Minimum), nil).
			WithOperation("viability").
			WithDetail("quantity", qc)
	}
	return nil
}

func quantityContext(act *Activity, units []*ResourceUnit) *QuantityContext {
	qc := &QuantityContext{
		Category:      act.Category,
		Requested:     act.Quantity,
		Minimum:       math.Inf(1),
		Capacities:    make(map[UnitID]float64, len(units)),
		EligibleUnits: make([]UnitID, 0, len(units)),
	}
	for _, u := range units {
		qc.Capacities[u.ID()] = u.MaxQuantity()
		qc.TotalSystemCapacity += u.MaxQuantity()
		qc.Minimum = math.Min(qc.Minimum, u.MinQuantity())
		qc.EligibleUnits = append(qc.EligibleUnits, u.ID())
	}
	return qc
}

// unitCapacity is a unit's usable capacity in one window.
type unitCapacity struct {
	unit     *ResourceUnit
	avail    Availability
	capacity float64
	min      float64
}

// Plan computes the better of the proportional and first-fit-decreasing
// distributions for [start, end). It does not reserve anything.
func (p *DistributionPlanner) Plan(act *Activity, units []*ResourceUnit, start, end time.Time) (*DistributionPlan, error) {
	if err := CheckViability(act, units); err != nil {
		return nil, err
	}

	caps := p.capacities(act, units, start, end)
	var total float64
	for _, c := range caps {
		total += c.capacity
	}
	if total < act.Quantity-capacityEpsilon {
		return nil, NewError(KindCapacityExceeded,
			fmt.Sprintf("summed availability %g below requested %g", total, act.Quantity), nil).
			WithOperation("availability").
			WithDetail("available", total)
	}

	slices.SortStableFunc(caps, func(a, b unitCapacity) int {
		switch {
		case a.capacity > b.capacity:
			return -1
		case a.capacity < b.capacity:
			return 1
		default:
			return 0
		}
	})

	var best *DistributionPlan
	for _, candidate := range []*DistributionPlan{
		p.proportional(act.Quantity, caps),
		p.firstFitDecreasing(act.Quantity, caps),
	} {
		if candidate == nil {
			continue
		}
		if err := p.validate(candidate, act.Quantity, caps); err != nil {
			p.logger.Debug().Str("algorithm", string(candidate.Algorithm)).Err(err).Msg("discarding plan")
			continue
		}
		best = preferPlan(best, candidate)
	}
	if best == nil {
		return nil, NewError(KindCapacityExceeded, "no distribution places the full quantity", nil).
			WithOperation("distribute")
	}
	return best, nil
}

// capacities returns the units usable for act in the window, skipping those
// whose configuration or parameters rule them out.
func (p *DistributionPlanner) capacities(act *Activity, units []*ResourceUnit, start, end time.Time) []unitCapacity {
	caps := make([]unitCapacity, 0, len(units))
	for _, u := range units {
		if CheckConfig(act, u) != nil {
			continue
		}
		if p.validator.Validate(u, act.ItemID, act.TechnicalConfig[u.ID()], start, end) != nil {
			continue
		}
		av := u.Available(act.ItemID, start, end)
		c := unitCapacity{
			unit:     u,
			avail:    av,
			capacity: u.quantize(math.Min(av.Capacity, u.MaxQuantity())),
			min:      u.MinQuantity(),
		}
		if c.capacity < c.min-capacityEpsilon {
			continue
		}
		caps = append(caps, c)
	}
	return caps
}

// proportional splits the target in proportion to available capacity, the
// last unit taking the remainder. Plans under the tolerance are discarded;
// the rest are topped up from units with headroom.
func (p *DistributionPlanner) proportional(target float64, caps []unitCapacity) *DistributionPlan {
	var totalAvail float64
	for _, c := range caps {
		totalAvail += c.capacity
	}
	if totalAvail <= 0 {
		return nil
	}

	quantities := make([]float64, len(caps))
	remaining := target
	for i, c := range caps {
		if remaining <= capacityEpsilon {
			break
		}
		q := target * c.capacity / totalAvail
		if i == len(caps)-1 {
			q = remaining
		}
		q = c.unit.quantize(math.Min(math.Max(q, c.min), c.capacity))
		q = math.Min(q, c.unit.quantize(remaining))
		if q < c.min-capacityEpsilon {
			continue
		}
		quantities[i] = q
		remaining -= q
	}

	if target-remaining < target*p.cfg.Tolerance {
		return nil
	}

	for i, c := range caps {
		if remaining <= capacityEpsilon {
			break
		}
		headroom := c.capacity - quantities[i]
		if headroom <= capacityEpsilon {
			continue
		}
		add := c.unit.quantize(math.Min(headroom, remaining))
		if quantities[i] == 0 && add < c.min-capacityEpsilon {
			continue
		}
		quantities[i] += add
		remaining -= add
	}
	return buildPlan(AlgorithmProportional, caps, quantities)
}

// firstFitDecreasing fills units largest first, holding back enough of the
// remainder for the next units' minimums.
func (p *DistributionPlanner) firstFitDecreasing(target float64, caps []unitCapacity) *DistributionPlan {
	quantities := make([]float64, len(caps))
	remaining := target
	for i, c := range caps {
		if remaining <= capacityEpsilon {
			break
		}
		q := c.unit.quantize(math.Min(c.capacity, remaining))
		if left := remaining - q; left > capacityEpsilon {
			if floor, ok := smallestMinimum(caps[i+1:]); ok && left < floor {
				q = c.unit.quantize(remaining - floor)
			}
		}
		if q < c.min-capacityEpsilon {
			continue
		}
		quantities[i] = q
		remaining -= q
	}
	if remaining > p.cfg.QuantityEpsilon {
		return nil
	}
	return buildPlan(AlgorithmFFD, caps, quantities)
}

func smallestMinimum(caps []unitCapacity) (float64, bool) {
	if len(caps) == 0 {
		return 0, false
	}
	m := caps[0].min
	for _, c := range caps[1:] {
		m = math.Min(m, c.min)
	}
	return m, true
}

func buildPlan(algo Algorithm, caps []unitCapacity, quantities []float64) *DistributionPlan {
	plan := &DistributionPlan{Algorithm: algo}
	for i, c := range caps {
		if quantities[i] <= 0 {
			continue
		}
		plan.Shares = append(plan.Shares, PlanShare{
			Unit:      c.unit.ID(),
			Quantity:  quantities[i],
			Available: c.capacity,
			Minimum:   c.min,
		})
	}
	if len(plan.Shares) == 0 {
		return nil
	}
	return plan
}

// preferPlan returns the plan using fewer units, then the more balanced one.
// a wins exact ties.
func preferPlan(a, b *DistributionPlan) *DistributionPlan {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case len(b.Shares) < len(a.Shares):
		return b
	case len(b.Shares) > len(a.Shares):
		return a
	case b.Variance() < a.Variance():
		return b
	default:
		return a
	}
}

// validate checks a plan sums to target, lists no unit twice, and gives
// every unit a share it can hold: within its minimum and available
// capacity and, on slotted units, splittable over the free slots.
func (p *DistributionPlanner) validate(plan *DistributionPlan, target float64, caps []unitCapacity) error {
	if math.Abs(plan.Total()-target) > p.cfg.QuantityEpsilon {
		return fmt.Errorf("plan total %g differs from requested %g", plan.Total(), target)
	}
	byID := make(map[UnitID]unitCapacity, len(caps))
	for _, c := range caps {
		byID[c.unit.ID()] = c
	}
	seen := make(map[UnitID]bool, len(plan.Shares))
	for _, s := range plan.Shares {
		if seen[s.Unit] {
			return fmt.Errorf("unit %s appears twice", s.Unit)
		}
		seen[s.Unit] = true
		if s.Quantity < s.Minimum-capacityEpsilon || s.Quantity > s.Available+capacityEpsilon {
			return fmt.Errorf("unit %s share %g outside [%g, %g]", s.Unit, s.Quantity, s.Minimum, s.Available)
		}
		c, ok := byID[s.Unit]
		if !ok {
			return fmt.Errorf("unit %s is not a candidate", s.Unit)
		}
		if !c.unit.fits(s.Quantity, c.avail) {
			return fmt.Errorf("unit %s cannot hold share %g in its free slots", s.Unit, s.Quantity)
		}
	}
	return nil
}

// Apply reserves every share of plan. If any reservation fails, the ones
// already made are released and the error is returned.
func (p *DistributionPlanner) Apply(act *Activity, plan *DistributionPlan, units []*ResourceUnit, start, end time.Time) ([]Allocation, error) {
	byID := make(map[UnitID]*ResourceUnit, len(units))
	for _, u := range units {
		byID[u.ID()] = u
	}

	allocs := make([]Allocation, 0, len(plan.Shares))
	rollback := func() {
		for _, a := range allocs {
			n := byID[a.Unit].releaseRecords(a.Records)
			p.logger.Warn().
				Str("unit", string(a.Unit)).
				Str("activity", act.Key().String()).
				Int("released", n).
				Msg("rolled back partial distribution")
		}
	}

	for _, share := range plan.Shares {
		unit, ok := byID[share.Unit]
		if !ok {
			rollback()
			return nil, NewError(KindUnitNotFound, fmt.Sprintf("unit %s not in candidate set", share.Unit), nil).
				WithOperation("apply")
		}
		records, err := unit.Reserve(ReserveRequest{
			OrderID:    act.OrderID,
			RequestID:  act.RequestID,
			ActivityID: act.ID,
			ItemID:     act.ItemID,
			Quantity:   share.Quantity,
			Start:      start,
			End:        end,
			Params:     act.TechnicalConfig[unit.ID()],
		})
		if err != nil {
			rollback()
			return nil, err
		}
		allocs = append(allocs, *allocationFrom(unit, share.Quantity, start, end, records))
	}
	return allocs, nil
}
