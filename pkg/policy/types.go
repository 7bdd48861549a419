package policy

import (
	"time"

	"github.com/openfroyo/bakeplan/pkg/engine"
)

// Severity grades a violation. Info and warning violations are reported;
// error and critical ones remove the unit from the activity's candidates.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity denies admission.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is one admission rule. Its Rego module must define a `deny` set;
// each element is either a message string or an object with "message" and
// an optional "severity" overriding Severity.
type Policy struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Rego        string   `json:"rego"`
	Severity    Severity `json:"severity"`
	Enabled     bool     `json:"enabled"`
	Builtin     bool     `json:"builtin,omitempty"`
	Tags        []string `json:"tags,omitempty"`

	// Metadata records where the policy came from ("source", "bundle").
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PolicyViolation is one `deny` element raised for a unit.
type PolicyViolation struct {
	Policy     string        `json:"policy"`
	Unit       engine.UnitID `json:"unit,omitempty"`
	Message    string        `json:"message"`
	Severity   Severity      `json:"severity"`
	DetectedAt time.Time     `json:"detected_at"`
}

// PolicyResult is the verdict of every enabled policy on one activity and
// unit. Only blocking violations deny admission; the rest are Warnings.
type PolicyResult struct {
	Allowed           bool              `json:"allowed"`
	Violations        []PolicyViolation `json:"violations,omitempty"`
	Warnings          []PolicyViolation `json:"warnings,omitempty"`
	EvaluatedPolicies []string          `json:"evaluated_policies"`
	EvaluatedAt       time.Time         `json:"evaluated_at"`
	Duration          time.Duration     `json:"duration"`
}

// Reason joins the blocking violation messages.
func (r *PolicyResult) Reason() string {
	if len(r.Violations) == 0 {
		return ""
	}
	reason := r.Violations[0].Message
	for _, v := range r.Violations[1:] {
		reason += "; " + v.Message
	}
	return reason
}

// PolicyInput is the document policies see as `input`.
type PolicyInput struct {
	Activity ActivityInput  `json:"activity"`
	Unit     UnitInput      `json:"unit"`
	Context  *PolicyContext `json:"context"`
}

// ActivityInput is the activity as seen by policies.
type ActivityInput struct {
	ID              int     `json:"id"`
	OrderID         int     `json:"order_id"`
	RequestID       int     `json:"request_id"`
	ItemID          int     `json:"item_id"`
	Name            string  `json:"name,omitempty"`
	Category        string  `json:"category,omitempty"`
	Quantity        float64 `json:"quantity"`
	DurationMinutes float64 `json:"duration_minutes"`
	EarliestStart   string  `json:"earliest_start"`
	Deadline        string  `json:"deadline"`
}

// UnitInput is the unit as seen by policies.
type UnitInput struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Category    string            `json:"category"`
	Ledger      string            `json:"ledger"`
	Policy      string            `json:"policy"`
	MaxQuantity float64           `json:"max_quantity"`
	SlotCount   int               `json:"slot_count"`
	Labels      map[string]string `json:"labels"`
}

// PolicyContext is `input.context`. Operation is "admit" for scheduler
// admission checks.
type PolicyContext struct {
	Timestamp time.Time `json:"timestamp"`
	Operation string    `json:"operation,omitempty"`
	DryRun    bool      `json:"dry_run"`
}

// PolicyBundle is a versioned set of policies loaded from one file.
type PolicyBundle struct {
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Description string    `json:"description"`
	Policies    []Policy  `json:"policies"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewPolicyInput builds the policy input for an activity and unit.
func NewPolicyInput(act *engine.Activity, unit engine.UnitSpec) *PolicyInput {
	labels := unit.Labels
	if labels == nil {
		labels = map[string]string{}
	}

	maxQty := unit.Capacity.Max
	if unit.Ledger == engine.LedgerSlotted {
		maxQty = float64(unit.SlotCount)
		if unit.SlotCapacity.Max > 0 {
			maxQty *= unit.SlotCapacity.Max
		}
	}

	return &PolicyInput{
		Activity: ActivityInput{
			ID:              act.ID,
			OrderID:         act.OrderID,
			RequestID:       act.RequestID,
			ItemID:          act.ItemID,
			Name:            act.Name,
			Category:        string(act.Category),
			Quantity:        act.Quantity,
			DurationMinutes: act.Duration.Minutes(),
			EarliestStart:   act.EarliestStart.UTC().Format(time.RFC3339),
			Deadline:        act.Deadline.UTC().Format(time.RFC3339),
		},
		Unit: UnitInput{
			ID:          string(unit.ID),
			Name:        unit.Name,
			Category:    string(unit.Category),
			Ledger:      string(unit.Ledger),
			Policy:      string(unit.Policy),
			MaxQuantity: maxQty,
			SlotCount:   unit.SlotCount,
			Labels:      labels,
		},
		Context: &PolicyContext{
			Timestamp: time.Now().UTC(),
			Operation: "admit",
		},
	}
}
