package config

import (
	"fmt"
	"time"

	"github.com/openfroyo/bakeplan/pkg/engine"
)

// FleetDocument describes the equipment of a bakery and the scheduler tuning.
type FleetDocument struct {
	// Version is the document format version.
	Version string `json:"version,omitempty" yaml:"version,omitempty"`

	// Scheduler overrides the default search and planner tuning.
	Scheduler *SchedulerDocument `json:"scheduler,omitempty" yaml:"scheduler,omitempty"`

	// Units lists every resource unit of the fleet.
	Units []UnitDocument `json:"units" yaml:"units" validate:"required,min=1,dive"`
}

// SchedulerDocument tunes the backward scheduler.
type SchedulerDocument struct {
	MaxIterations   int     `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty" validate:"gte=0"`
	Tolerance       float64 `json:"tolerance,omitempty" yaml:"tolerance,omitempty" validate:"gte=0,lte=1"`
	QuantityEpsilon float64 `json:"quantity_epsilon,omitempty" yaml:"quantity_epsilon,omitempty" validate:"gte=0"`
}

// UnitDocument is the configuration of one resource unit.
type UnitDocument struct {
	// ID is the unit identifier used by activities and records.
	ID string `json:"id" yaml:"id" validate:"required"`

	// Name is the display name. Activities may refer to a unit by name.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Category is the equipment family.
	Category string `json:"category" yaml:"category" validate:"required,oneof=mixer beater hot_mixer stove oven proofer fryer divider bench cold_room freezer scale packer shaper"`

	// Ledger is "continuous" or "slotted". It defaults from SlotCount.
	Ledger string `json:"ledger,omitempty" yaml:"ledger,omitempty" validate:"omitempty,oneof=continuous slotted"`

	// Policy is the same-item sharing policy. It defaults from Category.
	Policy string `json:"policy,omitempty" yaml:"policy,omitempty" validate:"omitempty,oneof=flexible_overlap exact_window"`

	Capacity     *RangeDocument `json:"capacity,omitempty" yaml:"capacity,omitempty"`
	SlotCount    int            `json:"slot_count,omitempty" yaml:"slot_count,omitempty" validate:"gte=0"`
	SlotCapacity *RangeDocument `json:"slot_capacity,omitempty" yaml:"slot_capacity,omitempty"`

	Params *ParamSpecDocument `json:"params,omitempty" yaml:"params,omitempty"`
	Labels map[string]string  `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// RangeDocument is a quantity range.
type RangeDocument struct {
	Min float64 `json:"min,omitempty" yaml:"min,omitempty" validate:"gte=0"`
	Max float64 `json:"max,omitempty" yaml:"max,omitempty" validate:"gte=0,gtefield=Min"`
}

// IntRangeDocument is a range of an integer technical parameter.
type IntRangeDocument struct {
	Min int `json:"min" yaml:"min"`
	Max int `json:"max" yaml:"max" validate:"gtefield=Min"`
}

// ParamSpecDocument declares the technical parameters a unit supports.
type ParamSpecDocument struct {
	Temperature  *IntRangeDocument `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	Velocity     *IntRangeDocument `json:"velocity,omitempty" yaml:"velocity,omitempty"`
	Steam        *IntRangeDocument `json:"steam,omitempty" yaml:"steam,omitempty"`
	Speeds       []string          `json:"speeds,omitempty" yaml:"speeds,omitempty" validate:"dive,required"`
	MixtureTypes []string          `json:"mixture_types,omitempty" yaml:"mixture_types,omitempty" validate:"dive,required"`
	Flames       []string          `json:"flames,omitempty" yaml:"flames,omitempty" validate:"dive,required"`
	Pressures    []string          `json:"pressures,omitempty" yaml:"pressures,omitempty" validate:"dive,required"`
}

// ActivitiesDocument lists the activities to schedule, in submission order.
type ActivitiesDocument struct {
	Version    string             `json:"version,omitempty" yaml:"version,omitempty"`
	Activities []ActivityDocument `json:"activities" yaml:"activities" validate:"required,min=1,dive"`
}

// ActivityDocument is one scheduling request.
type ActivityDocument struct {
	ID        int    `json:"id" yaml:"id" validate:"gte=0"`
	OrderID   int    `json:"order_id" yaml:"order_id" validate:"gte=0"`
	RequestID int    `json:"request_id" yaml:"request_id" validate:"gte=0"`
	ItemID    int    `json:"item_id" yaml:"item_id" validate:"gte=0"`
	Name      string `json:"name,omitempty" yaml:"name,omitempty"`

	// Category restricts candidates to one equipment family.
	Category string `json:"category,omitempty" yaml:"category,omitempty" validate:"omitempty,oneof=mixer beater hot_mixer stove oven proofer fryer divider bench cold_room freezer scale packer shaper"`

	// Units restricts candidates to the listed unit ids or names.
	Units []string `json:"units,omitempty" yaml:"units,omitempty" validate:"dive,required"`

	Quantity float64 `json:"quantity" yaml:"quantity" validate:"gt=0"`

	// Duration, EarliestStart, Deadline and Slack use Go duration syntax
	// and RFC 3339 timestamps.
	Duration      string `json:"duration" yaml:"duration" validate:"required"`
	EarliestStart string `json:"earliest_start" yaml:"earliest_start" validate:"required"`
	Deadline      string `json:"deadline" yaml:"deadline" validate:"required"`
	Slack         string `json:"slack,omitempty" yaml:"slack,omitempty"`

	// Priorities ranks units by id or name; lower is preferred.
	Priorities map[string]int `json:"priorities,omitempty" yaml:"priorities,omitempty"`

	// PriorityScript is a Starlark program defining a priorities dict.
	// Entries in Priorities override the script's output.
	PriorityScript string `json:"priority_script,omitempty" yaml:"priority_script,omitempty"`

	// Config holds the technical parameters required on each unit.
	Config map[string]TechnicalParamsDocument `json:"config,omitempty" yaml:"config,omitempty"`
}

// TechnicalParamsDocument holds the settings an activity needs on a unit.
type TechnicalParamsDocument struct {
	Temperature *int     `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	Velocity    *int     `json:"velocity,omitempty" yaml:"velocity,omitempty"`
	Steam       *int     `json:"steam,omitempty" yaml:"steam,omitempty"`
	Speeds      []string `json:"speeds,omitempty" yaml:"speeds,omitempty"`
	MixtureType string   `json:"mixture_type,omitempty" yaml:"mixture_type,omitempty"`
	Flame       string   `json:"flame,omitempty" yaml:"flame,omitempty"`
	Pressures   []string `json:"pressures,omitempty" yaml:"pressures,omitempty"`
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the document path of the error (e.g., "units[2].capacity").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	loc := e.File
	if e.Line > 0 {
		loc = fmt.Sprintf("%s:%d:%d", loc, e.Line, e.Column)
	}
	switch {
	case loc != "" && e.Path != "":
		return fmt.Sprintf("%s: %s: %s", loc, e.Path, e.Message)
	case loc != "":
		return fmt.Sprintf("%s: %s", loc, e.Message)
	case e.Path != "":
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors collects every problem found in a document.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (v ValidationErrors) Error() string {
	switch len(v) {
	case 0:
		return "no validation errors"
	case 1:
		return v[0].Error()
	}
	return fmt.Sprintf("%s (and %d more)", v[0].Error(), len(v)-1)
}

// StarlarkResult represents the result of Starlark execution.
type StarlarkResult struct {
	// Output holds the script's exported globals.
	Output map[string]interface{} `json:"output,omitempty"`

	// ExecutionTime is how long the script took to execute.
	ExecutionTime time.Duration `json:"execution_time"`

	// Error is any error that occurred.
	Error string `json:"error,omitempty"`
}

// Resolution is the outcome of resolving documents into engine values.
type Resolution struct {
	Units      []engine.UnitSpec
	Pool       *engine.ResourcePool
	Scheduler  engine.SchedulerConfig
	Activities []*engine.Activity
}
