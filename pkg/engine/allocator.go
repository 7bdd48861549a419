package engine

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// UnitAllocator places a whole activity on one unit for a fixed window.
type UnitAllocator struct {
	validator *CompatibilityValidator
	logger    zerolog.Logger
}

// NewUnitAllocator creates a single-unit allocator.
func NewUnitAllocator(validator *CompatibilityValidator, logger zerolog.Logger) *UnitAllocator {
	if validator == nil {
		validator = NewCompatibilityValidator()
	}
	return &UnitAllocator{
		validator: validator,
		logger:    logger.With().Str("component", "allocator").Logger(),
	}
}

// CheckConfig verifies the activity's technical configuration for unit
// exists when required and lies within the unit's supported ranges.
func CheckConfig(act *Activity, unit *ResourceUnit) error {
	params, present := act.TechnicalConfig[unit.ID()]
	if err := unit.Spec().Params.Check(params, present); err != nil {
		return NewError(KindParameterIncompatible, err.Error(), nil).
			WithUnit(unit.ID()).WithOperation("check_config")
	}
	return nil
}

// TryAllocate tries units in order and reserves the first that accepts the
// full quantity in [start, end). Nothing is reserved on failure; the last
// unit's error is returned.
func (a *UnitAllocator) TryAllocate(act *Activity, units []*ResourceUnit, start, end time.Time) (*Allocation, error) {
	var lastErr error
	for _, unit := range units {
		alloc, err := a.allocateOn(act, unit, start, end)
		if err == nil {
			return alloc, nil
		}
		a.logger.Trace().
			Str("unit", string(unit.ID())).
			Str("activity", act.Key().String()).
			Time("start", start).
			Err(err).
			Msg("unit rejected window")
		lastErr = err
	}
	if lastErr == nil {
		lastErr = NewError(KindCapacityExceeded, "no candidate units", nil)
	}
	return nil, lastErr
}

func (a *UnitAllocator) allocateOn(act *Activity, unit *ResourceUnit, start, end time.Time) (*Allocation, error) {
	if err := CheckConfig(act, unit); err != nil {
		return nil, err
	}
	if act.Quantity < unit.MinQuantity()-capacityEpsilon {
		return nil, NewError(KindBelowMinimumQuantity,
			fmt.Sprintf("quantity %g below unit minimum %g", act.Quantity, unit.MinQuantity()), nil).
			WithUnit(unit.ID())
	}
	if act.Quantity > unit.MaxQuantity()+capacityEpsilon {
		return nil, NewError(KindAboveMaximumQuantity,
			fmt.Sprintf("quantity %g above unit maximum %g", act.Quantity, unit.MaxQuantity()), nil).
			WithUnit(unit.ID())
	}

	avail := unit.Available(act.ItemID, start, end)
	if !unit.fits(act.Quantity, avail) {
		kind := KindCapacityExceeded
		if unit.IsSlotted() && unit.SlotsNeeded(act.Quantity) > len(avail.FreeSlots) {
			kind = KindSlotUnavailable
		}
		return nil, NewError(kind,
			fmt.Sprintf("requested %g, available %g", act.Quantity, avail.Capacity), nil).
			WithUnit(unit.ID()).
			WithDetail("available", avail.Capacity)
	}

	params := act.TechnicalConfig[unit.ID()]
	if err := a.validator.Validate(unit, act.ItemID, params, start, end); err != nil {
		return nil, err
	}

	records, err := unit.Reserve(ReserveRequest{
		OrderID:    act.OrderID,
		RequestID:  act.RequestID,
		ActivityID: act.ID,
		ItemID:     act.ItemID,
		Quantity:   act.Quantity,
		Start:      start,
		End:        end,
		Params:     params,
	})
	if err != nil {
		return nil, err
	}
	return allocationFrom(unit, act.Quantity, start, end, records), nil
}

func allocationFrom(unit *ResourceUnit, quantity float64, start, end time.Time, records []OccupationRecord) *Allocation {
	alloc := &Allocation{
		Unit:     unit.ID(),
		Quantity: quantity,
		Start:    start,
		End:      end,
		Records:  make([]string, 0, len(records)),
	}
	for _, r := range records {
		alloc.Records = append(alloc.Records, r.ID)
		if r.Slot != NoSlot {
			alloc.Slots = append(alloc.Slots, r.Slot)
		}
	}
	return alloc
}
