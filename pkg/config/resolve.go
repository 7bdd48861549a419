package config

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/openfroyo/bakeplan/pkg/engine"
)

// Resolve turns documents into engine values. Unit references in
// activities (ids or display names) are resolved here, once, into typed
// unit ids. activities may be nil when only the fleet is needed.
func (l *Loader) Resolve(ctx context.Context, fleet *FleetDocument, activities *ActivitiesDocument) (*Resolution, error) {
	if fleet == nil {
		return nil, fmt.Errorf("fleet document is required")
	}

	specs := make([]engine.UnitSpec, 0, len(fleet.Units))
	for _, u := range fleet.Units {
		specs = append(specs, u.ToSpec())
	}

	pool, err := engine.NewResourcePool(specs...)
	if err != nil {
		return nil, fmt.Errorf("failed to build resource pool: %w", err)
	}

	res := &Resolution{
		Pool:      pool,
		Scheduler: fleet.Scheduler.ToConfig(),
	}
	for _, u := range pool.Units() {
		res.Units = append(res.Units, u.Spec())
	}

	if activities == nil {
		return res, nil
	}

	index := newUnitIndex(res.Units)
	seen := make(map[engine.ActivityKey]int, len(activities.Activities))
	for i := range activities.Activities {
		act, err := l.resolveActivity(ctx, &activities.Activities[i], pool, index)
		if err != nil {
			return nil, fmt.Errorf("activities[%d]: %w", i, err)
		}
		if j, ok := seen[act.Key()]; ok {
			return nil, fmt.Errorf("activities[%d]: activity %s already defined at activities[%d]", i, act.Key(), j)
		}
		seen[act.Key()] = i
		res.Activities = append(res.Activities, act)
	}

	l.logger.Debug().
		Int("units", len(res.Units)).
		Int("activities", len(res.Activities)).
		Msg("Configuration resolved")

	return res, nil
}

func (l *Loader) resolveActivity(ctx context.Context, doc *ActivityDocument, pool *engine.ResourcePool, index *unitIndex) (*engine.Activity, error) {
	duration, err := time.ParseDuration(doc.Duration)
	if err != nil {
		return nil, fmt.Errorf("invalid duration: %w", err)
	}
	earliest, err := time.Parse(time.RFC3339, doc.EarliestStart)
	if err != nil {
		return nil, fmt.Errorf("invalid earliest_start: %w", err)
	}
	deadline, err := time.Parse(time.RFC3339, doc.Deadline)
	if err != nil {
		return nil, fmt.Errorf("invalid deadline: %w", err)
	}
	var slack time.Duration
	if doc.Slack != "" {
		if slack, err = time.ParseDuration(doc.Slack); err != nil {
			return nil, fmt.Errorf("invalid slack: %w", err)
		}
	}

	act := &engine.Activity{
		ID:            doc.ID,
		OrderID:       doc.OrderID,
		RequestID:     doc.RequestID,
		ItemID:        doc.ItemID,
		Name:          doc.Name,
		Category:      engine.Category(doc.Category),
		Quantity:      doc.Quantity,
		Duration:      duration,
		EarliestStart: earliest,
		Deadline:      deadline,
		Slack:         slack,
	}

	for _, ref := range doc.Units {
		id, err := index.resolve(ref)
		if err != nil {
			return nil, err
		}
		act.Units = append(act.Units, id)
	}

	priorities := make(map[engine.UnitID]int)
	if doc.PriorityScript != "" {
		candidates, err := pool.Candidates(act)
		if err != nil {
			return nil, err
		}
		scripted, err := l.starlark.EvaluatePriorities(ctx, doc.PriorityScript, act, candidates)
		if err != nil {
			return nil, fmt.Errorf("priority script: %w", err)
		}
		for ref, p := range scripted {
			id, err := index.resolve(ref)
			if err != nil {
				return nil, fmt.Errorf("priority script: %w", err)
			}
			priorities[id] = p
		}
	}
	for ref, p := range doc.Priorities {
		id, err := index.resolve(ref)
		if err != nil {
			return nil, err
		}
		priorities[id] = p
	}
	if len(priorities) > 0 {
		act.Priorities = priorities
	}

	if len(doc.Config) > 0 {
		act.TechnicalConfig = make(map[engine.UnitID]engine.TechnicalParams, len(doc.Config))
		for ref, params := range doc.Config {
			id, err := index.resolve(ref)
			if err != nil {
				return nil, err
			}
			act.TechnicalConfig[id] = params.ToParams()
		}
	}

	if err := act.Validate(); err != nil {
		return nil, err
	}
	return act, nil
}

// unitIndex maps unit references to ids. Ids match exactly; ids and names
// also match after folding case and accents.
type unitIndex struct {
	exact  map[string]engine.UnitID
	folded map[string]engine.UnitID
	clash  map[string]bool
}

func newUnitIndex(specs []engine.UnitSpec) *unitIndex {
	idx := &unitIndex{
		exact:  make(map[string]engine.UnitID, len(specs)),
		folded: make(map[string]engine.UnitID, len(specs)*2),
		clash:  make(map[string]bool),
	}
	for _, s := range specs {
		idx.exact[string(s.ID)] = s.ID
	}
	for _, s := range specs {
		for _, ref := range []string{string(s.ID), s.Name} {
			key := foldName(ref)
			if key == "" {
				continue
			}
			if prev, ok := idx.folded[key]; ok && prev != s.ID {
				idx.clash[key] = true
				continue
			}
			idx.folded[key] = s.ID
		}
	}
	return idx
}

func (idx *unitIndex) resolve(ref string) (engine.UnitID, error) {
	if id, ok := idx.exact[ref]; ok {
		return id, nil
	}
	key := foldName(ref)
	if idx.clash[key] {
		return "", engine.NewError(engine.KindInvalidRequest, fmt.Sprintf("unit reference %q is ambiguous", ref), nil)
	}
	if id, ok := idx.folded[key]; ok {
		return id, nil
	}
	return "", engine.NewError(engine.KindUnitNotFound, fmt.Sprintf("unit %q not found", ref), nil)
}

// foldName lower-cases s and strips accents and surrounding space.
func foldName(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(strings.TrimSpace(out))
}

// ToSpec converts the document into an engine unit spec.
func (d UnitDocument) ToSpec() engine.UnitSpec {
	spec := engine.UnitSpec{
		ID:        engine.UnitID(d.ID),
		Name:      d.Name,
		Category:  engine.Category(d.Category),
		Ledger:    engine.LedgerKind(d.Ledger),
		Policy:    engine.SharingPolicy(d.Policy),
		SlotCount: d.SlotCount,
		Labels:    d.Labels,
	}
	if d.Capacity != nil {
		spec.Capacity = engine.Range{Min: d.Capacity.Min, Max: d.Capacity.Max}
	}
	if d.SlotCapacity != nil {
		spec.SlotCapacity = engine.Range{Min: d.SlotCapacity.Min, Max: d.SlotCapacity.Max}
	}
	if d.Params != nil {
		spec.Params = d.Params.ToSpec()
	}
	return spec
}

// ToSpec converts the document into an engine parameter spec.
func (d ParamSpecDocument) ToSpec() engine.ParamSpec {
	return engine.ParamSpec{
		TemperatureRange: d.Temperature.toRange(),
		VelocityRange:    d.Velocity.toRange(),
		SteamRange:       d.Steam.toRange(),
		Speeds:           d.Speeds,
		MixtureTypes:     d.MixtureTypes,
		Flames:           d.Flames,
		Pressures:        d.Pressures,
	}
}

func (d *IntRangeDocument) toRange() *engine.IntRange {
	if d == nil {
		return nil
	}
	return &engine.IntRange{Min: d.Min, Max: d.Max}
}

// ToParams converts the document into engine technical parameters.
func (d TechnicalParamsDocument) ToParams() engine.TechnicalParams {
	return engine.TechnicalParams{
		Temperature: d.Temperature,
		Velocity:    d.Velocity,
		Steam:       d.Steam,
		Speeds:      d.Speeds,
		MixtureType: d.MixtureType,
		Flame:       d.Flame,
		Pressures:   d.Pressures,
	}
}

// ToConfig applies the document over the default scheduler tuning. A nil
// document yields the defaults.
func (d *SchedulerDocument) ToConfig() engine.SchedulerConfig {
	cfg := engine.DefaultSchedulerConfig()
	if d == nil {
		return cfg
	}
	cfg.MaxIterations = d.MaxIterations
	if d.Tolerance > 0 {
		cfg.Planner.Tolerance = d.Tolerance
	}
	if d.QuantityEpsilon > 0 {
		cfg.Planner.QuantityEpsilon = d.QuantityEpsilon
	}
	return cfg
}
