package engine

import (
	"fmt"
	"slices"
	"time"
)

// AttributeWindow is a unit-wide setting held for an interval.
type AttributeWindow struct {
	Temperature int       `json:"temperature"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
}

func (w AttributeWindow) overlaps(start, end time.Time) bool {
	return w.Start.Before(end) && start.Before(w.End)
}

// SetTemperature fixes the unit temperature for [start, end). It fails
// without mutation when the value is outside the supported range or
// disagrees with a window or record already in force.
func (u *ResourceUnit) SetTemperature(temp int, start, end time.Time) error {
	if !start.Before(end) {
		return NewError(KindInvalidRequest, "attribute window is empty", nil).
			WithUnit(u.ID()).WithOperation("set_temperature")
	}
	tr := u.spec.Params.TemperatureRange
	if tr == nil {
		return NewError(KindParameterIncompatible, "unit does not support temperature control", nil).
			WithUnit(u.ID()).WithOperation("set_temperature")
	}
	if !tr.Contains(temp) {
		return NewError(KindParameterIncompatible,
			fmt.Sprintf("temperature %d outside [%d, %d]", temp, tr.Min, tr.Max), nil).
			WithUnit(u.ID()).WithOperation("set_temperature")
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	for _, w := range u.windows {
		if w.overlaps(start, end) && w.Temperature != temp {
			return NewError(KindParameterIncompatible,
				fmt.Sprintf("temperature %d already set for an overlapping window", w.Temperature), nil).
				WithUnit(u.ID()).WithOperation("set_temperature")
		}
	}
	for _, r := range u.records {
		if r.Overlaps(start, end) && r.Params.Temperature != nil && *r.Params.Temperature != temp {
			return NewError(KindParameterIncompatible,
				fmt.Sprintf("active record %s runs at %d", r.ID, *r.Params.Temperature), nil).
				WithUnit(u.ID()).WithOperation("set_temperature")
		}
	}

	w := AttributeWindow{Temperature: temp, Start: start, End: end}
	if !slices.Contains(u.windows, w) {
		u.windows = append(u.windows, w)
	}
	return nil
}

// TemperatureIn returns the temperature set for any window overlapping [start, end).
func (u *ResourceUnit) TemperatureIn(start, end time.Time) (int, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, w := range u.windows {
		if w.overlaps(start, end) {
			return w.Temperature, true
		}
	}
	return 0, false
}

// Windows returns a copy of the attribute windows.
func (u *ResourceUnit) Windows() []AttributeWindow {
	u.mu.Lock()
	defer u.mu.Unlock()
	return slices.Clone(u.windows)
}
