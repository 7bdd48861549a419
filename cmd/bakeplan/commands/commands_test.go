package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/bakeplan/pkg/engine"
)

// execute runs the CLI with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand("test", "none", "today")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func mustExecute(t *testing.T, args ...string) string {
	t.Helper()
	out, err := execute(t, args...)
	if err != nil {
		t.Fatalf("bakeplan %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

type testWorkspace struct {
	dir        string
	db         string
	fleet      string
	activities string
	policies   string
}

func initWorkspace(t *testing.T) testWorkspace {
	t.Helper()
	dir := t.TempDir()
	ws := testWorkspace{
		dir:        dir,
		db:         filepath.Join(dir, "data", "bakeplan.db"),
		fleet:      filepath.Join(dir, "fleet.yaml"),
		activities: filepath.Join(dir, "activities.yaml"),
		policies:   filepath.Join(dir, "policies"),
	}

	out := mustExecute(t, "init", "--dir", dir)
	for _, path := range []string{ws.fleet, ws.activities, filepath.Join(ws.policies, "cleaning.rego"), ws.db} {
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("init did not create %s: %v\n%s", path, err, out)
		}
	}
	return ws
}

type planLine struct {
	Activity engine.Activity `json:"activity"`
	Result   engine.Result   `json:"result"`
	Error    string          `json:"error"`
}

func TestInit_KeepsExistingFiles(t *testing.T) {
	ws := initWorkspace(t)

	if err := os.WriteFile(ws.fleet, []byte("custom"), 0o644); err != nil {
		t.Fatal(err)
	}
	out := mustExecute(t, "init", "--dir", ws.dir)
	if !strings.Contains(out, "Kept existing") {
		t.Errorf("expected existing files to be kept, got:\n%s", out)
	}
	data, err := os.ReadFile(ws.fleet)
	if err != nil || string(data) != "custom" {
		t.Errorf("fleet.yaml was overwritten without --force")
	}
}

func TestValidate(t *testing.T) {
	ws := initWorkspace(t)

	out := mustExecute(t, "validate", "-p", ws.policies, ws.fleet, ws.activities)
	if !strings.Contains(out, "4 units") || !strings.Contains(out, "3 activities") {
		t.Errorf("unexpected validate output:\n%s", out)
	}
	if !strings.Contains(out, "5 admission policies") {
		t.Errorf("expected built-in and custom policies, got:\n%s", out)
	}

	broken := filepath.Join(ws.dir, "broken.yaml")
	if err := os.WriteFile(broken, []byte("units:\n  - id: x\n    category: toaster\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "validate", broken); err == nil {
		t.Error("expected validation error for unknown category")
	}
}

func TestPlan_JSON(t *testing.T) {
	ws := initWorkspace(t)

	out := mustExecute(t, "plan", "--json", "-p", ws.policies, ws.fleet, ws.activities)

	var lines []planLine
	if err := json.Unmarshal([]byte(out), &lines); err != nil {
		t.Fatalf("plan output is not JSON: %v\n%s", err, out)
	}
	if len(lines) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(lines))
	}
	for _, l := range lines {
		if l.Result.State != engine.StateAllocated {
			t.Errorf("activity %d: expected ALLOCATED, got %s (%s)", l.Activity.ID, l.Result.State, l.Error)
		}
	}
	if units := lines[0].Result.Units(); len(units) != 1 || units[0] != "spiral-2" {
		t.Errorf("expected the priority script to prefer spiral-2, got %v", units)
	}
}

func TestScheduleReleaseBackupRestore(t *testing.T) {
	ws := initWorkspace(t)
	db := "--db=" + ws.db

	out := mustExecute(t, "schedule", db, ws.fleet, ws.activities)
	if strings.Count(out, string(engine.StateAllocated)) != 3 {
		t.Errorf("expected 3 allocations, got:\n%s", out)
	}

	out = mustExecute(t, "agenda", db, "--json")
	var ledgers []engine.UnitLedger
	if err := json.Unmarshal([]byte(out), &ledgers); err != nil {
		t.Fatalf("agenda output is not JSON: %v\n%s", err, out)
	}
	records := 0
	for _, l := range ledgers {
		records += len(l.Records)
	}
	// One mixer record, 8 proofer slots and 3 oven decks.
	if records != 12 {
		t.Errorf("expected 12 persisted records, got %d", records)
	}

	out = mustExecute(t, "agenda", db, "--runs")
	if strings.Count(out, "100/1/") != 3 {
		t.Errorf("expected 3 schedule runs, got:\n%s", out)
	}

	out = mustExecute(t, "agenda", db, "--usage", "--day", "2025-03-10", ws.fleet)
	for _, unit := range []string{"spiral-2", "proofer-1", "deck-1"} {
		if !strings.Contains(out, unit) {
			t.Errorf("usage report misses %s:\n%s", unit, out)
		}
	}
	if _, err := execute(t, "agenda", db, "--usage", ws.fleet); err == nil {
		t.Error("expected --usage without --day to fail")
	}

	backup := filepath.Join(ws.dir, "ledgers.json.gz")
	mustExecute(t, "backup", db, "--out", backup)

	out = mustExecute(t, "release", db, "--activity", "100/1/3", ws.fleet)
	if !strings.Contains(out, "Released 3 records") {
		t.Errorf("expected the oven records to be released, got:\n%s", out)
	}
	out = mustExecute(t, "release", db, "--all", ws.fleet)
	if !strings.Contains(out, "Released 9 records") {
		t.Errorf("expected the remaining records to be released, got:\n%s", out)
	}

	out = mustExecute(t, "agenda", db, "--audit")
	if !strings.Contains(out, "release.activity") || !strings.Contains(out, "release.all") {
		t.Errorf("expected both releases in the audit trail, got:\n%s", out)
	}

	out = mustExecute(t, "restore", db, "--from", backup, ws.fleet)
	if !strings.Contains(out, "Restored 12 records") {
		t.Errorf("unexpected restore output:\n%s", out)
	}
	if _, err := execute(t, "restore", db, "--from", backup, ws.fleet); err == nil {
		t.Error("expected restore over existing records to need --force")
	}
	mustExecute(t, "restore", db, "--from", backup, "--force", ws.fleet)
}

func TestPolicyCheck(t *testing.T) {
	ws := initWorkspace(t)

	fleet, err := os.ReadFile(ws.fleet)
	if err != nil {
		t.Fatal(err)
	}
	fleet = bytes.Replace(fleet, []byte("blocked_items: \"3100\""), []byte("blocked_items: \"2002\""), 1)
	if err := os.WriteFile(ws.fleet, fleet, 0o644); err != nil {
		t.Fatal(err)
	}

	out := mustExecute(t, "policy", "check", ws.fleet, ws.activities)
	if !strings.Contains(out, "denied") {
		t.Errorf("expected spiral-2 to be denied, got:\n%s", out)
	}
	if !strings.Contains(out, "item 2002 is blocked on unit spiral-2") {
		t.Errorf("expected the item restriction reason, got:\n%s", out)
	}

	out = mustExecute(t, "policy", "list", "-p", ws.policies)
	if !strings.Contains(out, "cleaning") || !strings.Contains(out, "unit-maintenance") {
		t.Errorf("expected custom and built-in policies, got:\n%s", out)
	}
}

func TestReleaseFlags_Scope(t *testing.T) {
	tests := []struct {
		name    string
		flags   releaseFlags
		changed []string
		want    string
		wantErr bool
	}{
		{name: "nothing", wantErr: true},
		{name: "activity", flags: releaseFlags{activity: "1/2/3"}, want: "activity"},
		{name: "bad activity", flags: releaseFlags{activity: "1/2"}, wantErr: true},
		{name: "order", flags: releaseFlags{order: 7}, changed: []string{"order"}, want: "order"},
		{name: "request", flags: releaseFlags{order: 7, request: 2}, changed: []string{"order", "request"}, want: "request"},
		{name: "request without order", flags: releaseFlags{request: 2}, changed: []string{"request"}, wantErr: true},
		{name: "item zero", changed: []string{"item"}, want: "item"},
		{name: "older than", flags: releaseFlags{olderThan: "2025-03-01T00:00:00Z"}, want: "older_than"},
		{name: "interval", flags: releaseFlags{from: "2025-03-10T04:00:00Z", to: "2025-03-10T06:00:00Z"}, want: "interval"},
		{name: "reversed interval", flags: releaseFlags{from: "2025-03-10T06:00:00Z", to: "2025-03-10T04:00:00Z"}, wantErr: true},
		{name: "two selectors", flags: releaseFlags{all: true, activity: "1/2/3"}, wantErr: true},
		{name: "all", flags: releaseFlags{all: true}, want: "all"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			changed := func(name string) bool {
				for _, c := range tt.changed {
					if c == name {
						return true
					}
				}
				return false
			}
			scope, err := tt.flags.scope(changed)
			if (err != nil) != tt.wantErr {
				t.Fatalf("scope() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && scope.name != tt.want {
				t.Errorf("scope() = %s, want %s", scope.name, tt.want)
			}
		})
	}
}

func TestParseActivityKey(t *testing.T) {
	key, err := parseActivityKey("100/ 1/3")
	if err != nil {
		t.Fatalf("parseActivityKey() error: %v", err)
	}
	if key != (engine.ActivityKey{OrderID: 100, RequestID: 1, ActivityID: 3}) {
		t.Errorf("unexpected key %+v", key)
	}
	if _, err := parseActivityKey("a/b/c"); err == nil {
		t.Error("expected error for non-numeric ids")
	}
}
