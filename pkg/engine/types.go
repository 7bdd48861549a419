package engine

import (
	"fmt"
	"time"
)

// UnitID identifies a resource unit in a pool.
type UnitID string

// Category is the equipment family a unit belongs to.
type Category string

const (
	CategoryMixer    Category = "mixer"
	CategoryBeater   Category = "beater"
	CategoryHotMixer Category = "hot_mixer"
	CategoryStove    Category = "stove"
	CategoryOven     Category = "oven"
	CategoryProofer  Category = "proofer"
	CategoryFryer    Category = "fryer"
	CategoryDivider  Category = "divider"
	CategoryBench    Category = "bench"
	CategoryColdRoom Category = "cold_room"
	CategoryFreezer  Category = "freezer"
	CategoryScale    Category = "scale"
	CategoryPacker   Category = "packer"
	CategoryShaper   Category = "shaper"
)

// Categories lists every known category.
func Categories() []Category {
	return []Category{
		CategoryMixer, CategoryBeater, CategoryHotMixer, CategoryStove,
		CategoryOven, CategoryProofer, CategoryFryer, CategoryDivider,
		CategoryBench, CategoryColdRoom, CategoryFreezer, CategoryScale,
		CategoryPacker, CategoryShaper,
	}
}

// Validate checks that the category is known.
func (c Category) Validate() error {
	for _, known := range Categories() {
		if c == known {
			return nil
		}
	}
	return fmt.Errorf("invalid category: %s", c)
}

// LedgerKind selects how a unit tracks occupation.
type LedgerKind string

const (
	// LedgerContinuous tracks a single weight-like quantity.
	LedgerContinuous LedgerKind = "continuous"

	// LedgerSlotted tracks N independent fractions, levels or boxes.
	LedgerSlotted LedgerKind = "slotted"
)

// SharingPolicy governs whether same-item records may coexist on a unit.
type SharingPolicy string

const (
	// PolicyFlexibleOverlap lets same-item records overlap freely while the
	// simultaneous quantity stays within capacity.
	PolicyFlexibleOverlap SharingPolicy = "flexible_overlap"

	// PolicyExactWindow lets same-item records share only an identical
	// [start,end) window with identical technical parameters.
	PolicyExactWindow SharingPolicy = "exact_window"
)

// DefaultSharingPolicy returns the policy a category uses when none is configured.
func DefaultSharingPolicy(c Category) SharingPolicy {
	if c == CategoryBeater {
		return PolicyExactWindow
	}
	return PolicyFlexibleOverlap
}

// Range is a closed numeric interval.
type Range struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// Contains reports whether v lies in [Min, Max].
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// IsZero reports whether the range was left unset.
func (r Range) IsZero() bool {
	return r.Min == 0 && r.Max == 0
}

// UnitSpec is the static configuration of a resource unit.
type UnitSpec struct {
	ID       UnitID        `json:"id"`
	Name     string        `json:"name"`
	Category Category      `json:"category"`
	Ledger   LedgerKind    `json:"ledger"`
	Policy   SharingPolicy `json:"policy"`

	// Capacity is the operating range of a continuous ledger.
	Capacity Range `json:"capacity"`

	// SlotCount is the number of slots of a slotted ledger.
	SlotCount int `json:"slot_count,omitempty"`

	// SlotCapacity is the per-slot operating range. A zero Max means each
	// slot holds exactly one fraction.
	SlotCapacity Range `json:"slot_capacity,omitempty"`

	Params ParamSpec         `json:"params"`
	Labels map[string]string `json:"labels,omitempty"`
}

// Validate checks the static configuration.
func (s UnitSpec) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("unit id is required")
	}
	if err := s.Category.Validate(); err != nil {
		return fmt.Errorf("unit %s: %w", s.ID, err)
	}
	switch s.Policy {
	case PolicyFlexibleOverlap, PolicyExactWindow:
	default:
		return fmt.Errorf("unit %s: invalid sharing policy: %s", s.ID, s.Policy)
	}
	switch s.Ledger {
	case LedgerContinuous:
		if s.Capacity.Max <= 0 {
			return fmt.Errorf("unit %s: capacity max must be positive", s.ID)
		}
		if s.Capacity.Min < 0 || s.Capacity.Min > s.Capacity.Max {
			return fmt.Errorf("unit %s: capacity min must be within [0, %g]", s.ID, s.Capacity.Max)
		}
	case LedgerSlotted:
		if s.SlotCount <= 0 {
			return fmt.Errorf("unit %s: slot count must be positive", s.ID)
		}
		if s.SlotCapacity.Min < 0 || (s.SlotCapacity.Max > 0 && s.SlotCapacity.Min > s.SlotCapacity.Max) {
			return fmt.Errorf("unit %s: invalid slot capacity [%g, %g]", s.ID, s.SlotCapacity.Min, s.SlotCapacity.Max)
		}
	default:
		return fmt.Errorf("unit %s: invalid ledger kind: %s", s.ID, s.Ledger)
	}
	return s.Params.Validate()
}

// withDefaults fills the sharing policy and ledger kind when unset.
func (s UnitSpec) withDefaults() UnitSpec {
	if s.Policy == "" {
		s.Policy = DefaultSharingPolicy(s.Category)
	}
	if s.Ledger == "" {
		if s.SlotCount > 0 {
			s.Ledger = LedgerSlotted
		} else {
			s.Ledger = LedgerContinuous
		}
	}
	if s.Name == "" {
		s.Name = string(s.ID)
	}
	return s
}

// ActivityKey identifies the activity that owns a record.
type ActivityKey struct {
	OrderID    int `json:"order_id"`
	RequestID  int `json:"request_id"`
	ActivityID int `json:"activity_id"`
}

// String returns a compact representation for logs.
func (k ActivityKey) String() string {
	return fmt.Sprintf("%d/%d/%d", k.OrderID, k.RequestID, k.ActivityID)
}

// OccupationRecord is one time-bound reservation on a unit. Records are
// never modified after creation.
type OccupationRecord struct {
	ID         string          `json:"id"`
	OrderID    int             `json:"order_id"`
	RequestID  int             `json:"request_id"`
	ActivityID int             `json:"activity_id"`
	ItemID     int             `json:"item_id"`
	Quantity   float64         `json:"quantity"`
	Slot       int             `json:"slot"`
	Start      time.Time       `json:"start"`
	End        time.Time       `json:"end"`
	Params     TechnicalParams `json:"params"`
}

// NoSlot marks records of continuous ledgers.
const NoSlot = -1

// Key returns the owning activity key.
func (r OccupationRecord) Key() ActivityKey {
	return ActivityKey{OrderID: r.OrderID, RequestID: r.RequestID, ActivityID: r.ActivityID}
}

// Overlaps reports whether the record intersects [start, end).
func (r OccupationRecord) Overlaps(start, end time.Time) bool {
	return r.Start.Before(end) && start.Before(r.End)
}

// ActiveAt reports whether the record covers instant t.
func (r OccupationRecord) ActiveAt(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

// SameWindow reports whether the record spans exactly [start, end).
func (r OccupationRecord) SameWindow(start, end time.Time) bool {
	return r.Start.Equal(start) && r.End.Equal(end)
}

// Activity is a scheduling request submitted by the planning layer.
type Activity struct {
	ID        int    `json:"id"`
	OrderID   int    `json:"order_id"`
	RequestID int    `json:"request_id"`
	ItemID    int    `json:"item_id"`
	Name      string `json:"name,omitempty"`

	// Category restricts candidates to one equipment family when set.
	Category Category `json:"category,omitempty"`

	// Units restricts candidates to an explicit list when set.
	Units []UnitID `json:"units,omitempty"`

	Quantity      float64       `json:"quantity"`
	Duration      time.Duration `json:"duration"`
	EarliestStart time.Time     `json:"earliest_start"`
	Deadline      time.Time     `json:"deadline"`

	// Slack allows the allocation to end up to Slack after the deadline.
	Slack time.Duration `json:"slack,omitempty"`

	// Priorities ranks candidate units; lower is preferred.
	Priorities map[UnitID]int `json:"priorities,omitempty"`

	// TechnicalConfig holds the parameters the activity requires on each unit.
	TechnicalConfig map[UnitID]TechnicalParams `json:"technical_config,omitempty"`
}

// Key returns the activity key used by records and releases.
func (a *Activity) Key() ActivityKey {
	return ActivityKey{OrderID: a.OrderID, RequestID: a.RequestID, ActivityID: a.ID}
}

// Validate checks the request before any search.
func (a *Activity) Validate() error {
	switch {
	case a.Quantity <= 0:
		return NewError(KindInvalidRequest, fmt.Sprintf("quantity must be positive, got %g", a.Quantity), nil)
	case a.Duration <= 0:
		return NewError(KindInvalidRequest, fmt.Sprintf("duration must be positive, got %s", a.Duration), nil)
	case a.Slack < 0:
		return NewError(KindInvalidRequest, "slack must not be negative", nil)
	case a.Deadline.IsZero() || a.EarliestStart.IsZero():
		return NewError(KindInvalidRequest, "earliest start and deadline are required", nil)
	case a.Deadline.Before(a.EarliestStart):
		return NewError(KindInvalidRequest, "deadline is before earliest start", nil)
	}
	if a.Category != "" {
		if err := a.Category.Validate(); err != nil {
			return NewError(KindInvalidRequest, err.Error(), nil)
		}
	}
	return nil
}

// Allocation is one unit's share of a successful schedule.
type Allocation struct {
	Unit     UnitID    `json:"unit_id"`
	Quantity float64   `json:"quantity"`
	Slots    []int     `json:"slots,omitempty"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Records  []string  `json:"records,omitempty"`
}

// PlanShare is one unit's planned quantity in a distribution plan.
type PlanShare struct {
	Unit      UnitID  `json:"unit_id"`
	Quantity  float64 `json:"quantity"`
	Available float64 `json:"available"`
	Minimum   float64 `json:"minimum"`
}

// DistributionPlan splits one activity's quantity across several units.
type DistributionPlan struct {
	Algorithm Algorithm   `json:"algorithm"`
	Shares    []PlanShare `json:"shares"`
}

// Total returns the planned quantity.
func (p *DistributionPlan) Total() float64 {
	var total float64
	for _, s := range p.Shares {
		total += s.Quantity
	}
	return total
}

// Variance returns the population variance of the per-unit quantities.
func (p *DistributionPlan) Variance() float64 {
	if len(p.Shares) == 0 {
		return 0
	}
	mean := p.Total() / float64(len(p.Shares))
	var sum float64
	for _, s := range p.Shares {
		d := s.Quantity - mean
		sum += d * d
	}
	return sum / float64(len(p.Shares))
}
