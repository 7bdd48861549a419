package engine

import (
	"math"
	"sync"

	"github.com/google/uuid"
)

// capacityEpsilon absorbs floating point noise in capacity comparisons.
const capacityEpsilon = 1e-9

// ResourceUnit is one physical piece of equipment and its occupancy ledger.
// All ledger access goes through the unit's mutex.
type ResourceUnit struct {
	spec UnitSpec

	mu      sync.Mutex
	records []OccupationRecord
	windows []AttributeWindow

	newID func() string
}

// NewResourceUnit creates a unit from its static configuration.
func NewResourceUnit(spec UnitSpec) (*ResourceUnit, error) {
	spec = spec.withDefaults()
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &ResourceUnit{
		spec:    spec,
		records: make([]OccupationRecord, 0),
		windows: make([]AttributeWindow, 0),
		newID:   uuid.NewString,
	}, nil
}

// ID returns the unit identity.
func (u *ResourceUnit) ID() UnitID { return u.spec.ID }

// Spec returns the static configuration.
func (u *ResourceUnit) Spec() UnitSpec { return u.spec }

// Category returns the equipment family.
func (u *ResourceUnit) Category() Category { return u.spec.Category }

// Policy returns the sharing policy.
func (u *ResourceUnit) Policy() SharingPolicy { return u.spec.Policy }

// IsSlotted reports whether the ledger is made of independent slots.
func (u *ResourceUnit) IsSlotted() bool { return u.spec.Ledger == LedgerSlotted }

// fractional reports whether slots hold whole fractions rather than a quantity range.
func (u *ResourceUnit) fractional() bool {
	return u.IsSlotted() && u.spec.SlotCapacity.Max <= 0
}

// MaxQuantity returns the theoretical capacity of the unit, ignoring the ledger.
func (u *ResourceUnit) MaxQuantity() float64 {
	if !u.IsSlotted() {
		return u.spec.Capacity.Max
	}
	if u.fractional() {
		return float64(u.spec.SlotCount)
	}
	return float64(u.spec.SlotCount) * u.spec.SlotCapacity.Max
}

// MinQuantity returns the smallest quantity the unit can operate with.
func (u *ResourceUnit) MinQuantity() float64 {
	if !u.IsSlotted() {
		return u.spec.Capacity.Min
	}
	if u.fractional() {
		return 1
	}
	return u.spec.SlotCapacity.Min
}

// slotLimit returns the capacity of a single slot.
func (u *ResourceUnit) slotLimit() float64 {
	if u.fractional() {
		return 1
	}
	return u.spec.SlotCapacity.Max
}

// SlotsNeeded returns how many slots quantity q occupies.
func (u *ResourceUnit) SlotsNeeded(q float64) int {
	if !u.IsSlotted() {
		return 0
	}
	if u.fractional() {
		return int(math.Ceil(q - capacityEpsilon))
	}
	return int(math.Ceil(q/u.spec.SlotCapacity.Max - capacityEpsilon))
}

// quantize rounds a planned quantity to what the unit can hold.
func (u *ResourceUnit) quantize(q float64) float64 {
	if u.fractional() {
		return math.Floor(q + capacityEpsilon)
	}
	return q
}

// splitSlots spreads q over n slots within the per-slot range. Earlier
// slots take as much as possible while leaving the minimum for the rest and
// the last slot absorbs the remainder. It returns nil when no split exists.
func (u *ResourceUnit) splitSlots(q float64, n int) []float64 {
	if n <= 0 {
		return nil
	}
	if u.fractional() {
		if math.Abs(q-float64(n)) > capacityEpsilon {
			return nil
		}
		out := make([]float64, n)
		for i := range out {
			out[i] = 1
		}
		return out
	}

	lo, hi := u.spec.SlotCapacity.Min, u.spec.SlotCapacity.Max
	if q < float64(n)*lo-capacityEpsilon || q > float64(n)*hi+capacityEpsilon {
		return nil
	}

	out := make([]float64, 0, n)
	remaining := q
	for i := 0; i < n; i++ {
		left := n - i
		share := remaining
		if left > 1 {
			share = math.Min(hi, remaining-float64(left-1)*lo)
		}
		if share < lo-capacityEpsilon || share > hi+capacityEpsilon {
			return nil
		}
		out = append(out, share)
		remaining -= share
	}
	return out
}

// fits reports whether q can be placed given the unit's current availability.
func (u *ResourceUnit) fits(q float64, avail Availability) bool {
	if q < u.MinQuantity()-capacityEpsilon || q > avail.Capacity+capacityEpsilon {
		return false
	}
	if !u.IsSlotted() {
		return true
	}
	n := u.SlotsNeeded(q)
	return n <= len(avail.FreeSlots) && u.splitSlots(q, n) != nil
}
