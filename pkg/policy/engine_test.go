package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/bakeplan/pkg/engine"
)

var testDeadline = time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.New(nil).Level(zerolog.Disabled))
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func testActivity() *engine.Activity {
	return &engine.Activity{
		ID:            1,
		OrderID:       10,
		RequestID:     100,
		ItemID:        2002,
		Name:          "Amasado",
		Category:      engine.CategoryMixer,
		Quantity:      40000,
		Duration:      20 * time.Minute,
		EarliestStart: testDeadline.Add(-4 * time.Hour),
		Deadline:      testDeadline,
	}
}

func testMixer(labels map[string]string) engine.UnitSpec {
	return engine.UnitSpec{
		ID:       "spiral-1",
		Name:     "Amasadora Espiral",
		Category: engine.CategoryMixer,
		Ledger:   engine.LedgerContinuous,
		Capacity: engine.Range{Min: 5000, Max: 80000},
		Labels:   labels,
	}
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	want := []string{"capacity-advisory", "category-guard", "item-restrictions", "unit-maintenance"}
	if len(policies) != len(want) {
		t.Fatalf("Expected %d built-in policies, got %d", len(want), len(policies))
	}
	for i, p := range policies {
		if p.Name != want[i] {
			t.Errorf("policy %d: expected %s, got %s", i, want[i], p.Name)
		}
		if !p.Builtin || !p.Enabled {
			t.Errorf("policy %s should be an enabled built-in", p.Name)
		}
	}
}

func TestEvaluate_BuiltinPolicies(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name        string
		mutate      func(act *engine.Activity)
		labels      map[string]string
		wantAllowed bool
		wantPolicy  string
	}{
		{
			name:        "plain unit",
			wantAllowed: true,
		},
		{
			name:        "under maintenance",
			labels:      map[string]string{"maintenance": "TRUE"},
			wantAllowed: false,
			wantPolicy:  "unit-maintenance",
		},
		{
			name:        "maintenance ends after deadline",
			labels:      map[string]string{"maintenance_until": "2025-03-10T09:00:00Z"},
			wantAllowed: false,
			wantPolicy:  "unit-maintenance",
		},
		{
			name:        "maintenance ends before deadline",
			labels:      map[string]string{"maintenance_until": "2025-03-10T02:00:00Z"},
			wantAllowed: true,
		},
		{
			name:        "item in allow list",
			labels:      map[string]string{"allowed_items": "1001, 2002"},
			wantAllowed: true,
		},
		{
			name:        "item missing from allow list",
			labels:      map[string]string{"allowed_items": "1001,3003"},
			wantAllowed: false,
			wantPolicy:  "item-restrictions",
		},
		{
			name:        "item blocked",
			labels:      map[string]string{"blocked_items": "2002"},
			wantAllowed: false,
			wantPolicy:  "item-restrictions",
		},
		{
			name:        "wrong category",
			mutate:      func(act *engine.Activity) { act.Category = engine.CategoryOven },
			wantAllowed: false,
			wantPolicy:  "category-guard",
		},
		{
			name:        "no activity category",
			mutate:      func(act *engine.Activity) { act.Category = "" },
			wantAllowed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			act := testActivity()
			if tt.mutate != nil {
				tt.mutate(act)
			}

			result, err := eng.Evaluate(context.Background(), act, testMixer(tt.labels))
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}

			if result.Allowed != tt.wantAllowed {
				t.Errorf("Expected allowed=%v, got %v (violations: %+v)", tt.wantAllowed, result.Allowed, result.Violations)
			}
			if tt.wantPolicy != "" {
				if len(result.Violations) == 0 || result.Violations[0].Policy != tt.wantPolicy {
					t.Errorf("Expected a violation of %s, got %+v", tt.wantPolicy, result.Violations)
				} else if result.Violations[0].Unit != "spiral-1" {
					t.Errorf("Expected violation for spiral-1, got %s", result.Violations[0].Unit)
				}
			}
			if len(result.EvaluatedPolicies) != 4 {
				t.Errorf("Expected 4 evaluated policies, got %v", result.EvaluatedPolicies)
			}
		})
	}
}

func TestEvaluate_CapacityWarning(t *testing.T) {
	eng := newTestEngine(t)

	act := testActivity()
	act.Quantity = 120000

	result, err := eng.Evaluate(context.Background(), act, testMixer(nil))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	if !result.Allowed {
		t.Errorf("Warnings must not block admission: %+v", result.Violations)
	}
	if len(result.Warnings) != 1 || result.Warnings[0].Policy != "capacity-advisory" {
		t.Fatalf("Expected one capacity warning, got %+v", result.Warnings)
	}
	if result.Warnings[0].Severity != SeverityWarning {
		t.Errorf("Expected warning severity, got %s", result.Warnings[0].Severity)
	}
}

func TestAdmit(t *testing.T) {
	eng := newTestEngine(t)

	type denial struct {
		unit   engine.UnitID
		reason string
	}
	var denials []denial
	eng.OnDeny(func(act *engine.Activity, unit engine.UnitID, reason string) {
		denials = append(denials, denial{unit: unit, reason: reason})
	})

	ok, reason, err := eng.Admit(context.Background(), testActivity(), testMixer(nil))
	if err != nil || !ok || reason != "" {
		t.Fatalf("Expected admission, got ok=%v reason=%q err=%v", ok, reason, err)
	}

	labels := map[string]string{"maintenance": "true", "blocked_items": "2002"}
	ok, reason, err = eng.Admit(context.Background(), testActivity(), testMixer(labels))
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if ok {
		t.Fatal("Expected denial")
	}
	if !strings.Contains(reason, "blocked") || !strings.Contains(reason, "maintenance") {
		t.Errorf("Expected both violations in reason, got %q", reason)
	}

	if len(denials) != 1 || denials[0].unit != "spiral-1" || denials[0].reason != reason {
		t.Errorf("Expected one deny hook call for spiral-1, got %+v", denials)
	}
}

func TestAdmit_CancelledContext(t *testing.T) {
	eng := newTestEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ok, _, err := eng.Admit(ctx, testActivity(), testMixer(nil))
	if err == nil {
		t.Fatal("Expected context error")
	}
	if !ok {
		t.Error("An evaluation error must keep the unit")
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	labels := map[string]string{"maintenance": "true"}

	if err := eng.DisablePolicy("unit-maintenance"); err != nil {
		t.Fatalf("Failed to disable policy: %v", err)
	}

	result, err := eng.Evaluate(context.Background(), testActivity(), testMixer(labels))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !result.Allowed {
		t.Error("Disabled policy should not deny")
	}
	for _, name := range result.EvaluatedPolicies {
		if name == "unit-maintenance" {
			t.Error("Disabled policy should not be evaluated")
		}
	}

	if err := eng.EnablePolicy("unit-maintenance"); err != nil {
		t.Fatalf("Failed to enable policy: %v", err)
	}
	result, err = eng.Evaluate(context.Background(), testActivity(), testMixer(labels))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if result.Allowed {
		t.Error("Re-enabled policy should deny")
	}

	if err := eng.EnablePolicy("missing"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

func TestAddPolicy(t *testing.T) {
	eng := newTestEngine(t)

	err := eng.AddPolicy(context.Background(), Policy{
		Name:    "night-shift",
		Enabled: true,
		Rego: `package custom.nightshift

import rego.v1

deny contains msg if {
	input.unit.labels.shift == "night"
	input.activity.quantity > 10000
	msg := "night shift handles small batches only"
}
`,
	})
	if err != nil {
		t.Fatalf("AddPolicy failed: %v", err)
	}

	p, err := eng.GetPolicy("night-shift")
	if err != nil {
		t.Fatalf("GetPolicy failed: %v", err)
	}
	if p.Severity != SeverityError {
		t.Errorf("Expected default severity error, got %s", p.Severity)
	}

	result, err := eng.Evaluate(context.Background(), testActivity(), testMixer(map[string]string{"shift": "night"}))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if result.Allowed || result.Reason() != "night shift handles small batches only" {
		t.Errorf("Expected string violation, got %+v", result)
	}

	if err := eng.RemovePolicy("night-shift"); err != nil {
		t.Fatalf("RemovePolicy failed: %v", err)
	}
	if err := eng.RemovePolicy("night-shift"); err == nil {
		t.Error("Expected error removing a missing policy")
	}
}

func TestAddPolicy_Invalid(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name   string
		policy Policy
	}{
		{name: "no name", policy: Policy{Rego: "package x\n"}},
		{name: "syntax error", policy: Policy{Name: "broken", Rego: "package x\n\ndeny contains msg if {"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := eng.AddPolicy(context.Background(), tt.policy); err == nil {
				t.Error("Expected compile error")
			}
		})
	}
}

func TestLoadPolicies(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()

	write := func(name, content string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("Failed to write %s: %v", name, err)
		}
	}

	write("first.rego", `package custom.first

import rego.v1

deny contains "first" if false
`)
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}
	if _, err := eng.GetPolicy("first"); err != nil {
		t.Errorf("Expected custom policy to be loaded: %v", err)
	}

	if err := os.Remove(filepath.Join(dir, "first.rego")); err != nil {
		t.Fatal(err)
	}
	write("second.rego", `# severity: warning
package custom.second

import rego.v1

deny contains "second" if true
`)
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}

	if _, err := eng.GetPolicy("first"); err == nil {
		t.Error("Expected first policy to be replaced")
	}
	result, err := eng.Evaluate(context.Background(), testActivity(), testMixer(nil))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !result.Allowed || len(result.Warnings) != 1 || result.Warnings[0].Policy != "second" {
		t.Errorf("Expected a warning from second, got %+v", result)
	}
	if len(eng.ListPolicies()) != 5 {
		t.Errorf("Expected built-ins to survive, got %d policies", len(eng.ListPolicies()))
	}

	write("broken.rego", "package custom.broken\n\ndeny contains msg if {")
	write("unit-maintenance.rego", "package custom.shadow\n")
	if err := eng.LoadPolicies(context.Background(), []string{filepath.Join(dir, "broken.rego")}); err == nil {
		t.Error("Expected compile error for broken policy")
	}
	if err := eng.LoadPolicies(context.Background(), []string{filepath.Join(dir, "unit-maintenance.rego")}); err == nil {
		t.Error("Expected error for a policy shadowing a built-in")
	}
	if _, err := eng.GetPolicy("second"); err != nil {
		t.Error("A failed load must leave loaded policies untouched")
	}
}

func TestReloadPolicies(t *testing.T) {
	eng := newTestEngine(t)

	err := eng.AddPolicy(context.Background(), Policy{
		Name:    "custom",
		Enabled: true,
		Rego:    "package custom\n\nimport rego.v1\n\ndeny contains \"x\" if false\n",
	})
	if err != nil {
		t.Fatalf("AddPolicy failed: %v", err)
	}
	if err := eng.DisablePolicy("category-guard"); err != nil {
		t.Fatal(err)
	}

	if err := eng.ReloadPolicies(context.Background()); err != nil {
		t.Fatalf("ReloadPolicies failed: %v", err)
	}

	if _, err := eng.GetPolicy("custom"); err == nil {
		t.Error("Custom policy should be dropped on reload")
	}
	p, err := eng.GetPolicy("category-guard")
	if err != nil || !p.Enabled {
		t.Errorf("Built-in policy should be restored enabled, got %+v, %v", p, err)
	}
}

func TestNewPolicyInput(t *testing.T) {
	proofer := engine.UnitSpec{
		ID:           "proofer-1",
		Category:     engine.CategoryProofer,
		Ledger:       engine.LedgerSlotted,
		SlotCount:    4,
		SlotCapacity: engine.Range{Max: 12},
	}

	input := NewPolicyInput(testActivity(), proofer)

	if input.Unit.MaxQuantity != 48 {
		t.Errorf("Expected slotted max quantity 48, got %g", input.Unit.MaxQuantity)
	}
	if input.Unit.Labels == nil {
		t.Error("Labels should never be nil")
	}
	if input.Activity.Deadline != "2025-03-10T08:00:00Z" {
		t.Errorf("Unexpected deadline %s", input.Activity.Deadline)
	}
	if input.Activity.DurationMinutes != 20 {
		t.Errorf("Expected 20 minutes, got %g", input.Activity.DurationMinutes)
	}
	if input.Context.Operation != "admit" {
		t.Errorf("Expected admit operation, got %s", input.Context.Operation)
	}
}
