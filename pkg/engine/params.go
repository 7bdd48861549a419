package engine

import (
	"fmt"
	"slices"
)

// IntRange is a closed integer interval.
type IntRange struct {
	Min int `json:"min" yaml:"min"`
	Max int `json:"max" yaml:"max"`
}

// Contains reports whether v lies in [Min, Max].
func (r IntRange) Contains(v int) bool {
	return v >= r.Min && v <= r.Max
}

// ParamSpec declares the technical parameters a unit supports.
type ParamSpec struct {
	TemperatureRange *IntRange `json:"temperature_range,omitempty"`
	VelocityRange    *IntRange `json:"velocity_range,omitempty"`
	SteamRange       *IntRange `json:"steam_range,omitempty"`
	Speeds           []string  `json:"speeds,omitempty"`
	MixtureTypes     []string  `json:"mixture_types,omitempty"`
	Flames           []string  `json:"flames,omitempty"`
	Pressures        []string  `json:"pressures,omitempty"`
}

// IsEmpty reports whether the unit declares no technical parameters.
func (p ParamSpec) IsEmpty() bool {
	return p.TemperatureRange == nil && p.VelocityRange == nil && p.SteamRange == nil &&
		len(p.Speeds) == 0 && len(p.MixtureTypes) == 0 && len(p.Flames) == 0 && len(p.Pressures) == 0
}

// Validate checks the ranges are well formed.
func (p ParamSpec) Validate() error {
	for name, r := range map[string]*IntRange{
		"temperature": p.TemperatureRange,
		"velocity":    p.VelocityRange,
		"steam":       p.SteamRange,
	} {
		if r != nil && r.Min > r.Max {
			return fmt.Errorf("invalid %s range [%d, %d]", name, r.Min, r.Max)
		}
	}
	return nil
}

// Check verifies that params are supported by the unit. A unit that
// declares parameters requires a configuration to be present.
func (p ParamSpec) Check(params TechnicalParams, present bool) error {
	if !present {
		if p.IsEmpty() {
			return nil
		}
		return fmt.Errorf("no technical configuration defined for unit")
	}

	if params.Temperature != nil {
		if p.TemperatureRange == nil {
			return fmt.Errorf("unit does not support temperature control")
		}
		if !p.TemperatureRange.Contains(*params.Temperature) {
			return fmt.Errorf("temperature %d outside [%d, %d]", *params.Temperature, p.TemperatureRange.Min, p.TemperatureRange.Max)
		}
	}
	if params.Velocity != nil {
		if p.VelocityRange == nil {
			return fmt.Errorf("unit does not support velocity control")
		}
		if !p.VelocityRange.Contains(*params.Velocity) {
			return fmt.Errorf("velocity %d outside [%d, %d]", *params.Velocity, p.VelocityRange.Min, p.VelocityRange.Max)
		}
	}
	if params.Steam != nil {
		if p.SteamRange == nil {
			return fmt.Errorf("unit does not support steam")
		}
		if !p.SteamRange.Contains(*params.Steam) {
			return fmt.Errorf("steam %d outside [%d, %d]", *params.Steam, p.SteamRange.Min, p.SteamRange.Max)
		}
	}
	for _, s := range params.Speeds {
		if !slices.Contains(p.Speeds, s) {
			return fmt.Errorf("speed %q not supported", s)
		}
	}
	if params.MixtureType != "" && !slices.Contains(p.MixtureTypes, params.MixtureType) {
		return fmt.Errorf("mixture type %q not supported", params.MixtureType)
	}
	if params.Flame != "" && !slices.Contains(p.Flames, params.Flame) {
		return fmt.Errorf("flame %q not supported", params.Flame)
	}
	for _, pr := range params.Pressures {
		if !slices.Contains(p.Pressures, pr) {
			return fmt.Errorf("pressure %q not supported", pr)
		}
	}
	return nil
}

// TechnicalParams are the settings an activity requires on a unit.
type TechnicalParams struct {
	Temperature *int     `json:"temperature,omitempty"`
	Velocity    *int     `json:"velocity,omitempty"`
	Steam       *int     `json:"steam,omitempty"`
	Speeds      []string `json:"speeds,omitempty"`
	MixtureType string   `json:"mixture_type,omitempty"`
	Flame       string   `json:"flame,omitempty"`
	Pressures   []string `json:"pressures,omitempty"`
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int {
	return &v
}

// Equal reports whether both parameter sets are identical.
func (p TechnicalParams) Equal(o TechnicalParams) bool {
	return intPtrEqual(p.Temperature, o.Temperature) &&
		intPtrEqual(p.Velocity, o.Velocity) &&
		intPtrEqual(p.Steam, o.Steam) &&
		slices.Equal(p.Speeds, o.Speeds) &&
		p.MixtureType == o.MixtureType &&
		p.Flame == o.Flame &&
		slices.Equal(p.Pressures, o.Pressures)
}

// sharedConflict returns a description of the first unit-wide attribute on
// which p and o disagree, or "" if they can run side by side.
func (p TechnicalParams) sharedConflict(o TechnicalParams) string {
	if p.Temperature != nil && o.Temperature != nil && *p.Temperature != *o.Temperature {
		return fmt.Sprintf("temperature %d conflicts with %d in force", *p.Temperature, *o.Temperature)
	}
	if p.Velocity != nil && o.Velocity != nil && *p.Velocity != *o.Velocity {
		return fmt.Sprintf("velocity %d conflicts with %d in force", *p.Velocity, *o.Velocity)
	}
	if p.Steam != nil && o.Steam != nil && *p.Steam != *o.Steam {
		return fmt.Sprintf("steam %d conflicts with %d in force", *p.Steam, *o.Steam)
	}
	return ""
}

func intPtrEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
