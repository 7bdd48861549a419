package policy

import (
	"time"
)

// Built-in admission rules. Each one reads unit labels from the fleet file,
// so operators steer them without writing Rego.
const (
	maintenanceRego = `package bakeplan.policies.maintenance

import rego.v1

deny contains sprintf("unit %s is under maintenance", [input.unit.id]) if {
	lower(input.unit.labels.maintenance) == "true"
}

deny contains sprintf("unit %s is under maintenance until %s", [input.unit.id, until]) if {
	until := input.unit.labels.maintenance_until
	time.parse_rfc3339_ns(input.activity.deadline) <= time.parse_rfc3339_ns(until)
}
`

	itemsRego = `package bakeplan.policies.items

import rego.v1

item_set(csv) := {to_number(trim_space(s)) | some s in split(csv, ","); trim_space(s) != ""}

deny contains sprintf("item %d is not allowed on unit %s", [input.activity.item_id, input.unit.id]) if {
	csv := input.unit.labels.allowed_items
	not input.activity.item_id in item_set(csv)
}

deny contains sprintf("item %d is blocked on unit %s", [input.activity.item_id, input.unit.id]) if {
	input.activity.item_id in item_set(input.unit.labels.blocked_items)
}
`

	categoryRego = `package bakeplan.policies.category

import rego.v1

deny contains msg if {
	want := input.activity.category
	want != ""
	input.unit.category != want
	msg := sprintf("unit %s is a %s, activity needs a %s", [input.unit.id, input.unit.category, want])
}
`

	capacityRego = `package bakeplan.policies.capacity

import rego.v1

deny contains msg if {
	limit := input.unit.max_quantity
	limit > 0
	input.activity.quantity > limit
	msg := sprintf("quantity %v exceeds unit %s maximum %v; a distribution is required", [input.activity.quantity, input.unit.id, limit])
}
`
)

// GetBuiltinPolicies returns the policies every engine starts with.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		builtin("unit-maintenance", SeverityError, maintenanceRego,
			"Excludes units labelled maintenance=true, or under maintenance until after the activity's deadline",
			"availability"),
		builtin("item-restrictions", SeverityError, itemsRego,
			"Honours the allowed_items and blocked_items unit labels (comma separated item ids)",
			"items", "hygiene"),
		builtin("category-guard", SeverityError, categoryRego,
			"Rejects units whose category differs from the activity's category",
			"categories"),
		builtin("capacity-advisory", SeverityWarning, capacityRego,
			"Warns when the activity quantity exceeds what the unit can hold alone",
			"capacity"),
	}
}

func builtin(name string, severity Severity, rego, description string, tags ...string) Policy {
	now := time.Now()
	return Policy{
		Name:        name,
		Description: description,
		Rego:        rego,
		Severity:    severity,
		Enabled:     true,
		Builtin:     true,
		Tags:        tags,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
