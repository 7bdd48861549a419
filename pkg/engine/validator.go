package engine

import (
	"fmt"
	"time"
)

// CompatibilityValidator checks technical parameter agreement between a
// candidate reservation and the records already in force on a unit.
// Different-item overlap is left to the ledger.
type CompatibilityValidator struct{}

// NewCompatibilityValidator creates a validator.
func NewCompatibilityValidator() *CompatibilityValidator {
	return &CompatibilityValidator{}
}

// Validate returns a ParameterIncompatible error when params cannot run on
// unit for item during [start, end).
func (v *CompatibilityValidator) Validate(unit *ResourceUnit, item int, params TechnicalParams, start, end time.Time) error {
	unit.mu.Lock()
	defer unit.mu.Unlock()
	if err := checkCompatibility(unit.spec.Policy, unit.records, unit.windows, item, params, start, end); err != nil {
		return err.WithUnit(unit.ID()).WithOperation("validate")
	}
	return nil
}

// Compatible is the boolean form of Validate.
func (v *CompatibilityValidator) Compatible(unit *ResourceUnit, item int, params TechnicalParams, start, end time.Time) bool {
	return v.Validate(unit, item, params, start, end) == nil
}

// checkCompatibility is shared by the validator and Reserve. Callers hold
// the unit lock.
func checkCompatibility(policy SharingPolicy, records []OccupationRecord, windows []AttributeWindow,
	item int, params TechnicalParams, start, end time.Time) *AllocationError {
	if params.Temperature != nil {
		for _, w := range windows {
			if w.overlaps(start, end) && w.Temperature != *params.Temperature {
				return NewError(KindParameterIncompatible,
					fmt.Sprintf("temperature %d conflicts with window set to %d", *params.Temperature, w.Temperature), nil)
			}
		}
	}

	for _, r := range records {
		if !r.Overlaps(start, end) {
			continue
		}
		if policy == PolicyExactWindow && r.ItemID == item && r.SameWindow(start, end) && !r.Params.Equal(params) {
			return NewError(KindParameterIncompatible,
				"parameters differ from a record sharing the same window", nil).
				WithDetail("record", r.ID)
		}
		if c := params.sharedConflict(r.Params); c != "" {
			return NewError(KindParameterIncompatible, c, nil).WithDetail("record", r.ID)
		}
	}
	return nil
}
