package engine

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// UnitLedger is the persisted form of one unit's ledger.
type UnitLedger struct {
	Unit    UnitID             `json:"unit_id"`
	Records []OccupationRecord `json:"records"`
	Windows []AttributeWindow  `json:"windows,omitempty"`
}

// Snapshot is a point-in-time copy of every ledger in a pool.
type Snapshot struct {
	TakenAt time.Time    `json:"taken_at"`
	Units   []UnitLedger `json:"units"`
}

// Ledger returns the entry for unit id.
func (s *Snapshot) Ledger(id UnitID) (*UnitLedger, bool) {
	for i := range s.Units {
		if s.Units[i].Unit == id {
			return &s.Units[i], true
		}
	}
	return nil, false
}

// RecordCount returns the number of records across all units.
func (s *Snapshot) RecordCount() int {
	n := 0
	for _, l := range s.Units {
		n += len(l.Records)
	}
	return n
}

// WriteSnapshot encodes snap as indented JSON.
func WriteSnapshot(w io.Writer, snap *Snapshot) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return nil
}

// ReadSnapshot decodes a snapshot written by WriteSnapshot.
func ReadSnapshot(r io.Reader) (*Snapshot, error) {
	var snap Snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, nil
}
