package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

// SearchState is the state of a backward search.
type SearchState string

const (
	// StateSearching is the initial state while windows are being tried.
	StateSearching SearchState = "SEARCHING"

	// StateAllocated indicates a window and unit set were found.
	StateAllocated SearchState = "ALLOCATED"

	// StateExhausted indicates no window within bounds was feasible.
	StateExhausted SearchState = "EXHAUSTED"
)

// IsTerminal returns true if the search has finished.
func (s SearchState) IsTerminal() bool {
	return s == StateAllocated || s == StateExhausted
}

// Validate checks if the state is valid.
func (s SearchState) Validate() error {
	switch s {
	case StateSearching, StateAllocated, StateExhausted:
		return nil
	default:
		return fmt.Errorf("invalid search state: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s SearchState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *SearchState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = SearchState(str)
	return s.Validate()
}

// Algorithm names how an allocation was produced.
type Algorithm string

const (
	AlgorithmSingle       Algorithm = "single"
	AlgorithmProportional Algorithm = "proportional"
	AlgorithmFFD          Algorithm = "ffd"
)

// Diagnostics counts the work done by one search.
type Diagnostics struct {
	Iterations           int `json:"iterations"`
	SingleAttempts       int `json:"single_attempts"`
	DistributionAttempts int `json:"distribution_attempts"`

	// EarlyExits counts windows rejected by the static viability check.
	EarlyExits int `json:"early_exits"`

	// TemporalRejections counts windows where summed availability fell short.
	TemporalRejections int `json:"temporal_rejections"`

	IterationCapHit bool          `json:"iteration_cap_hit"`
	Algorithm       Algorithm     `json:"algorithm,omitempty"`
	Elapsed         time.Duration `json:"elapsed"`
}

// Result is the outcome of scheduling one activity.
type Result struct {
	Activity    ActivityKey  `json:"activity"`
	State       SearchState  `json:"state"`
	Algorithm   Algorithm    `json:"algorithm,omitempty"`
	Allocations []Allocation `json:"allocations,omitempty"`
	Start       time.Time    `json:"start,omitempty"`
	End         time.Time    `json:"end,omitempty"`
	Diagnostics Diagnostics  `json:"diagnostics"`
}

// Allocated reports whether the search succeeded.
func (r *Result) Allocated() bool {
	return r != nil && r.State == StateAllocated
}

// Total returns the allocated quantity.
func (r *Result) Total() float64 {
	var total float64
	for _, a := range r.Allocations {
		total += a.Quantity
	}
	return total
}

// Units returns the ids of the allocated units in allocation order.
func (r *Result) Units() []UnitID {
	ids := make([]UnitID, 0, len(r.Allocations))
	for _, a := range r.Allocations {
		ids = append(ids, a.Unit)
	}
	return ids
}
