package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates a ledger conflict in one window.
	// The backward scheduler retries in an earlier window.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: quantity outside system bounds, exhausted search window.
	ErrorClassPermanent ErrorClass = "permanent"
)

// ErrorKind identifies the allocation failure.
type ErrorKind string

const (
	KindCapacityExceeded      ErrorKind = "CAPACITY_EXCEEDED"
	KindSlotUnavailable       ErrorKind = "SLOT_UNAVAILABLE"
	KindItemConflict          ErrorKind = "ITEM_CONFLICT"
	KindParameterIncompatible ErrorKind = "PARAMETER_INCOMPATIBLE"
	KindBelowMinimumQuantity  ErrorKind = "BELOW_MINIMUM_QUANTITY"
	KindAboveMaximumQuantity  ErrorKind = "ABOVE_MAXIMUM_QUANTITY"
	KindWindowExhausted       ErrorKind = "WINDOW_EXHAUSTED"
	KindInvalidRequest        ErrorKind = "INVALID_REQUEST"
	KindUnitNotFound          ErrorKind = "UNIT_NOT_FOUND"
)

// classOf maps each kind to its retry class.
func classOf(kind ErrorKind) ErrorClass {
	switch kind {
	case KindCapacityExceeded, KindSlotUnavailable, KindItemConflict, KindParameterIncompatible:
		return ErrorClassConflict
	default:
		return ErrorClassPermanent
	}
}

// AllocationError represents a classified allocation error with context.
type AllocationError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Kind is the taxonomy entry.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Unit is the resource unit involved, if any.
	Unit UnitID `json:"unit,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AllocationError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.Unit != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (unit=%s, operation=%s)", msg, e.Unit, e.Operation)
	} else if e.Unit != "" {
		msg = fmt.Sprintf("%s (unit=%s)", msg, e.Unit)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *AllocationError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *AllocationError) Is(target error) bool {
	t, ok := target.(*AllocationError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Kind == t.Kind
}

// NewError creates an error of the given kind; the class is derived from the kind.
func NewError(kind ErrorKind, message string, err error) *AllocationError {
	return &AllocationError{
		Class:   classOf(kind),
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// Sentinel values usable with errors.Is.
var (
	ErrCapacityExceeded      = &AllocationError{Class: ErrorClassConflict, Kind: KindCapacityExceeded}
	ErrSlotUnavailable       = &AllocationError{Class: ErrorClassConflict, Kind: KindSlotUnavailable}
	ErrItemConflict          = &AllocationError{Class: ErrorClassConflict, Kind: KindItemConflict}
	ErrParameterIncompatible = &AllocationError{Class: ErrorClassConflict, Kind: KindParameterIncompatible}
	ErrBelowMinimumQuantity  = &AllocationError{Class: ErrorClassPermanent, Kind: KindBelowMinimumQuantity}
	ErrAboveMaximumQuantity  = &AllocationError{Class: ErrorClassPermanent, Kind: KindAboveMaximumQuantity}
	ErrWindowExhausted       = &AllocationError{Class: ErrorClassPermanent, Kind: KindWindowExhausted}
	ErrInvalidRequest        = &AllocationError{Class: ErrorClassPermanent, Kind: KindInvalidRequest}
	ErrUnitNotFound          = &AllocationError{Class: ErrorClassPermanent, Kind: KindUnitNotFound}
)

// WithUnit adds unit context to an error.
func (e *AllocationError) WithUnit(id UnitID) *AllocationError {
	e.Unit = id
	return e
}

// WithOperation adds operation context to an error.
func (e *AllocationError) WithOperation(operation string) *AllocationError {
	e.Operation = operation
	return e
}

// WithDetail adds a detail field to the error context.
func (e *AllocationError) WithDetail(key string, value interface{}) *AllocationError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// KindOf returns the kind of err, or "" when err is not an AllocationError.
func KindOf(err error) ErrorKind {
	var e *AllocationError
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind returns true if err is an AllocationError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// IsStructural returns true for quantity errors detected from static capacity alone.
func IsStructural(err error) bool {
	return IsKind(err, KindBelowMinimumQuantity) || IsKind(err, KindAboveMaximumQuantity)
}

// IsRetryable returns true if the error may clear in another window.
func IsRetryable(err error) bool {
	var e *AllocationError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict || e.Class == ErrorClassTransient
	}
	return false
}

// QuantityContext describes system capacity for structural quantity errors.
type QuantityContext struct {
	Category            Category           `json:"category,omitempty"`
	Requested           float64            `json:"requested"`
	Minimum             float64            `json:"minimum,omitempty"`
	TotalSystemCapacity float64            `json:"total_system_capacity"`
	Capacities          map[UnitID]float64 `json:"capacities"`
	Deficit             float64            `json:"deficit,omitempty"`
	Excess              float64            `json:"excess,omitempty"`
	EligibleUnits       []UnitID           `json:"eligible_units"`
	Suggestions         []string           `json:"suggestions,omitempty"`
}

// QuantityContextOf extracts the structural context from err.
func QuantityContextOf(err error) (*QuantityContext, bool) {
	var e *AllocationError
	if !errors.As(err, &e) || e.Details == nil {
		return nil, false
	}
	qc, ok := e.Details["quantity"].(*QuantityContext)
	return qc, ok
}
