package stores

import (
	"context"
	"database/sql"
	"time"

	"github.com/openfroyo/bakeplan/pkg/engine"
)

// UnitRow is the persisted configuration of a resource unit.
type UnitRow struct {
	ID        engine.UnitID   `json:"id"`
	Category  engine.Category `json:"category"`
	Spec      string          `json:"spec"` // JSON blob of engine.UnitSpec
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ScheduleRun is the audit record of one Schedule call.
type ScheduleRun struct {
	ID          string             `json:"id"`
	OrderID     int                `json:"order_id"`
	RequestID   int                `json:"request_id"`
	ActivityID  int                `json:"activity_id"`
	ItemID      int                `json:"item_id"`
	Quantity    float64            `json:"quantity"`
	State       engine.SearchState `json:"state"`
	Algorithm   engine.Algorithm   `json:"algorithm,omitempty"`
	Units       string             `json:"units"` // JSON array of unit ids
	WindowStart *time.Time         `json:"window_start,omitempty"`
	WindowEnd   *time.Time         `json:"window_end,omitempty"`
	ErrorKind   *string            `json:"error_kind,omitempty"`
	Error       *string            `json:"error,omitempty"`
	Diagnostics string             `json:"diagnostics"` // JSON blob of engine.Diagnostics
	CreatedAt   time.Time          `json:"created_at"`
}

// RunFilter narrows ListScheduleRuns. Nil fields match everything.
type RunFilter struct {
	OrderID *int
	State   *engine.SearchState
	Limit   int
	Offset  int
}

// AuditEntry represents an audit trail entry for ledger mutations made
// outside the scheduler, such as releases and restores.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"` // e.g. "release.order", "snapshot.restore"
	Actor     string    `json:"actor"`
	Target    *string   `json:"target,omitempty"`
	Details   *string   `json:"details,omitempty"` // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// Store defines the interface for the persistence layer
type Store interface {
	engine.Store

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// Unit operations
	UpsertUnit(ctx context.Context, spec engine.UnitSpec) error
	ListUnits(ctx context.Context) ([]*UnitRow, error)

	// Ledger operations
	SaveUnitLedger(ctx context.Context, ledger engine.UnitLedger) error
	SaveAttributeWindows(ctx context.Context, unit engine.UnitID, windows []engine.AttributeWindow) error
	LoadLedgers(ctx context.Context) ([]engine.UnitLedger, error)

	// Schedule run operations
	RecordScheduleRun(ctx context.Context, run *ScheduleRun) error
	GetScheduleRun(ctx context.Context, id string) (*ScheduleRun, error)
	ListScheduleRuns(ctx context.Context, filter RunFilter) ([]*ScheduleRun, error)

	// Audit operations
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, limit, offset int) ([]*AuditEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
