package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/bakeplan/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens a separate database.
	if isMemory(cfg.Path) {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// Init opens the database and applies connection pragmas.
func (s *SQLiteStore) Init(ctx context.Context) error {
	sep := "?"
	if strings.Contains(s.cfg.Path, "?") {
		sep = "&"
	}
	dsn := s.cfg.Path + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
	if !isMemory(s.cfg.Path) {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs the embedded schema migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// withTx runs fn in a transaction and commits when it returns nil.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// UpsertUnit stores a unit's configuration.
func (s *SQLiteStore) UpsertUnit(ctx context.Context, spec engine.UnitSpec) error {
	blob, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("failed to encode unit spec: %w", err)
	}

	query := `
		INSERT INTO units (id, category, spec, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			category = excluded.category,
			spec = excluded.spec,
			updated_at = excluded.updated_at
	`

	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, query, string(spec.ID), string(spec.Category), string(blob), now, now); err != nil {
		return fmt.Errorf("failed to upsert unit: %w", err)
	}
	return nil
}

// ListUnits returns every stored unit ordered by id.
func (s *SQLiteStore) ListUnits(ctx context.Context) ([]*UnitRow, error) {
	query := `
		SELECT id, category, spec, created_at, updated_at
		FROM units
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list units: %w", err)
	}
	defer rows.Close()

	units := []*UnitRow{}
	for rows.Next() {
		u := &UnitRow{}
		if err := rows.Scan(&u.ID, &u.Category, &u.Spec, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan unit: %w", err)
		}
		units = append(units, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating units: %w", err)
	}

	return units, nil
}

// ensureUnit inserts a placeholder row so ledger rows satisfy the foreign key.
func ensureUnit(ctx context.Context, tx *sql.Tx, id engine.UnitID) error {
	now := time.Now().UTC()
	_, err := tx.ExecContext(ctx,
		`INSERT INTO units (id, created_at, updated_at) VALUES (?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		string(id), now, now)
	if err != nil {
		return fmt.Errorf("failed to register unit %s: %w", id, err)
	}
	return nil
}

// SaveUnitLedger replaces the persisted records and windows of one unit.
func (s *SQLiteStore) SaveUnitLedger(ctx context.Context, ledger engine.UnitLedger) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return saveLedger(ctx, tx, ledger)
	})
}

func saveLedger(ctx context.Context, tx *sql.Tx, ledger engine.UnitLedger) error {
	if err := ensureUnit(ctx, tx, ledger.Unit); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM occupations WHERE unit_id = ?`, string(ledger.Unit)); err != nil {
		return fmt.Errorf("failed to clear occupations: %w", err)
	}

	insert := `
		INSERT INTO occupations (
			id, unit_id, order_id, request_id, activity_id, item_id,
			quantity, slot, start_at, end_at, params
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	for _, r := range ledger.Records {
		params, err := json.Marshal(r.Params)
		if err != nil {
			return fmt.Errorf("failed to encode params of record %s: %w", r.ID, err)
		}
		_, err = tx.ExecContext(ctx, insert,
			r.ID,
			string(ledger.Unit),
			r.OrderID,
			r.RequestID,
			r.ActivityID,
			r.ItemID,
			r.Quantity,
			r.Slot,
			r.Start.UTC(),
			r.End.UTC(),
			string(params),
		)
		if err != nil {
			return fmt.Errorf("failed to insert record %s: %w", r.ID, err)
		}
	}

	return saveWindows(ctx, tx, ledger.Unit, ledger.Windows)
}

// SaveAttributeWindows replaces the persisted attribute windows of one unit.
func (s *SQLiteStore) SaveAttributeWindows(ctx context.Context, unit engine.UnitID, windows []engine.AttributeWindow) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureUnit(ctx, tx, unit); err != nil {
			return err
		}
		return saveWindows(ctx, tx, unit, windows)
	})
}

func saveWindows(ctx context.Context, tx *sql.Tx, unit engine.UnitID, windows []engine.AttributeWindow) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM attribute_windows WHERE unit_id = ?`, string(unit)); err != nil {
		return fmt.Errorf("failed to clear attribute windows: %w", err)
	}
	for _, w := range windows {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO attribute_windows (unit_id, temperature, start_at, end_at) VALUES (?, ?, ?, ?)`,
			string(unit), w.Temperature, w.Start.UTC(), w.End.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert attribute window: %w", err)
		}
	}
	return nil
}

// LoadLedgers returns the persisted ledgers of every unit that holds at
// least one record or window, ordered by unit id. Records are ordered by
// start time and slot.
func (s *SQLiteStore) LoadLedgers(ctx context.Context) ([]engine.UnitLedger, error) {
	byUnit := map[engine.UnitID]*engine.UnitLedger{}
	var order []engine.UnitID
	ledgerFor := func(id engine.UnitID) *engine.UnitLedger {
		l, ok := byUnit[id]
		if !ok {
			l = &engine.UnitLedger{Unit: id, Records: []engine.OccupationRecord{}}
			byUnit[id] = l
			order = append(order, id)
		}
		return l
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT unit_id, id, order_id, request_id, activity_id, item_id,
			   quantity, slot, start_at, end_at, params
		FROM occupations
		ORDER BY unit_id ASC, start_at ASC, slot ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load occupations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			unit   engine.UnitID
			r      engine.OccupationRecord
			params string
		)
		err := rows.Scan(&unit, &r.ID, &r.OrderID, &r.RequestID, &r.ActivityID, &r.ItemID,
			&r.Quantity, &r.Slot, &r.Start, &r.End, &params)
		if err != nil {
			return nil, fmt.Errorf("failed to scan occupation: %w", err)
		}
		if err := json.Unmarshal([]byte(params), &r.Params); err != nil {
			return nil, fmt.Errorf("failed to decode params of record %s: %w", r.ID, err)
		}
		r.Start, r.End = r.Start.UTC(), r.End.UTC()
		l := ledgerFor(unit)
		l.Records = append(l.Records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating occupations: %w", err)
	}

	wrows, err := s.db.QueryContext(ctx, `
		SELECT unit_id, temperature, start_at, end_at
		FROM attribute_windows
		ORDER BY unit_id ASC, start_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load attribute windows: %w", err)
	}
	defer wrows.Close()

	for wrows.Next() {
		var (
			unit engine.UnitID
			w    engine.AttributeWindow
		)
		if err := wrows.Scan(&unit, &w.Temperature, &w.Start, &w.End); err != nil {
			return nil, fmt.Errorf("failed to scan attribute window: %w", err)
		}
		w.Start, w.End = w.Start.UTC(), w.End.UTC()
		l := ledgerFor(unit)
		l.Windows = append(l.Windows, w)
	}
	if err := wrows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attribute windows: %w", err)
	}

	ledgers := make([]engine.UnitLedger, 0, len(order))
	slices.Sort(order)
	for _, id := range order {
		ledgers = append(ledgers, *byUnit[id])
	}
	return ledgers, nil
}

// SaveSnapshot replaces every persisted ledger with snap in one transaction.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap *engine.Snapshot) error {
	if snap == nil {
		return fmt.Errorf("snapshot is nil")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM occupations`); err != nil {
			return fmt.Errorf("failed to clear occupations: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM attribute_windows`); err != nil {
			return fmt.Errorf("failed to clear attribute windows: %w", err)
		}
		for _, l := range snap.Units {
			if err := saveLedger(ctx, tx, l); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadSnapshot reads every persisted ledger.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context) (*engine.Snapshot, error) {
	ledgers, err := s.LoadLedgers(ctx)
	if err != nil {
		return nil, err
	}
	return &engine.Snapshot{TakenAt: time.Now().UTC(), Units: ledgers}, nil
}

// RecordScheduleRun stores the outcome of one Schedule call.
func (s *SQLiteStore) RecordScheduleRun(ctx context.Context, run *ScheduleRun) error {
	query := `
		INSERT INTO schedule_runs (
			id, order_id, request_id, activity_id, item_id, quantity,
			state, algorithm, units, window_start, window_end,
			error_kind, error, diagnostics, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	if run.Units == "" {
		run.Units = "[]"
	}
	if run.Diagnostics == "" {
		run.Diagnostics = "{}"
	}

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.OrderID,
		run.RequestID,
		run.ActivityID,
		run.ItemID,
		run.Quantity,
		string(run.State),
		string(run.Algorithm),
		run.Units,
		utcPtr(run.WindowStart),
		utcPtr(run.WindowEnd),
		run.ErrorKind,
		run.Error,
		run.Diagnostics,
		run.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record schedule run: %w", err)
	}
	return nil
}

const scheduleRunColumns = `
	id, order_id, request_id, activity_id, item_id, quantity,
	state, algorithm, units, window_start, window_end,
	error_kind, error, diagnostics, created_at
`

type scanner interface {
	Scan(dest ...any) error
}

func scanScheduleRun(row scanner) (*ScheduleRun, error) {
	run := &ScheduleRun{}
	err := row.Scan(
		&run.ID,
		&run.OrderID,
		&run.RequestID,
		&run.ActivityID,
		&run.ItemID,
		&run.Quantity,
		&run.State,
		&run.Algorithm,
		&run.Units,
		&run.WindowStart,
		&run.WindowEnd,
		&run.ErrorKind,
		&run.Error,
		&run.Diagnostics,
		&run.CreatedAt,
	)
	return run, err
}

// GetScheduleRun retrieves a schedule run by ID
func (s *SQLiteStore) GetScheduleRun(ctx context.Context, id string) (*ScheduleRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleRunColumns+` FROM schedule_runs WHERE id = ?`, id)
	run, err := scanScheduleRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("schedule run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule run: %w", err)
	}
	return run, nil
}

// ListScheduleRuns lists schedule runs, newest first.
func (s *SQLiteStore) ListScheduleRuns(ctx context.Context, filter RunFilter) ([]*ScheduleRun, error) {
	query := `SELECT ` + scheduleRunColumns + `
		FROM schedule_runs
		WHERE (? IS NULL OR order_id = ?)
		  AND (? IS NULL OR state = ?)
		ORDER BY created_at DESC, id ASC
		LIMIT ? OFFSET ?
	`

	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	var state *string
	if filter.State != nil {
		v := string(*filter.State)
		state = &v
	}

	rows, err := s.db.QueryContext(ctx, query,
		filter.OrderID, filter.OrderID, state, state, limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedule runs: %w", err)
	}
	defer rows.Close()

	runs := []*ScheduleRun{}
	for rows.Next() {
		run, err := scanScheduleRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating schedule runs: %w", err)
	}

	return runs, nil
}

// CreateAuditEntry creates a new audit trail entry
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO audit (action, actor, target, details, timestamp) VALUES (?, ?, ?, ?, ?)`,
		entry.Action, entry.Actor, entry.Target, entry.Details, entry.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}

	entry.ID = id
	return nil
}

// ListAuditEntries lists audit entries, newest first.
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, action *string, limit, offset int) ([]*AuditEntry, error) {
	query := `
		SELECT id, action, actor, target, details, timestamp
		FROM audit
		WHERE (? IS NULL OR action = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`

	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, query, action, action, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		err := rows.Scan(&entry.ID, &entry.Action, &entry.Actor, &entry.Target, &entry.Details, &entry.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
