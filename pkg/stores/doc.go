// Package stores persists scheduler ledgers in SQLite.
//
// SQLiteStore keeps occupation records, attribute windows, unit
// configuration, schedule-run history and an audit trail. The schema is
// embedded and applied with golang-migrate. SQLiteStore implements
// engine.Store, so a ResourcePool snapshot can be saved and restored in
// one transaction.
package stores
