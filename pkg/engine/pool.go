package engine

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

// ResourcePool owns the fleet of units. It is built once at startup and
// passed to the scheduler.
type ResourcePool struct {
	mu       sync.RWMutex
	units    map[UnitID]*ResourceUnit
	order    []UnitID
	observer Observer
}

// NewResourcePool creates a pool from unit specs, in the given order.
func NewResourcePool(specs ...UnitSpec) (*ResourcePool, error) {
	p := &ResourcePool{
		units:    make(map[UnitID]*ResourceUnit, len(specs)),
		order:    make([]UnitID, 0, len(specs)),
		observer: nopObserver{},
	}
	for _, spec := range specs {
		if _, err := p.Add(spec); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Add registers a new unit.
func (p *ResourcePool) Add(spec UnitSpec) (*ResourceUnit, error) {
	unit, err := NewResourceUnit(spec)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.units[unit.ID()]; exists {
		return nil, fmt.Errorf("duplicate unit id: %s", unit.ID())
	}
	p.units[unit.ID()] = unit
	p.order = append(p.order, unit.ID())
	return unit, nil
}

// SetObserver installs o. A nil observer disables notifications.
func (p *ResourcePool) SetObserver(o Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if o == nil {
		o = nopObserver{}
	}
	p.observer = o
}

func (p *ResourcePool) notifier() Observer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.observer
}

// Unit returns the unit with the given id.
func (p *ResourcePool) Unit(id UnitID) (*ResourceUnit, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	unit, ok := p.units[id]
	if !ok {
		return nil, NewError(KindUnitNotFound, fmt.Sprintf("unit %s not found", id), nil).WithUnit(id)
	}
	return unit, nil
}

// Units returns every unit in registration order.
func (p *ResourcePool) Units() []*ResourceUnit {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*ResourceUnit, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.units[id])
	}
	return out
}

// Len returns the number of units.
func (p *ResourcePool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.order)
}

// Candidates returns the units an activity may use, in pool order. An
// explicit unit list wins, then the category, then the priority map keys.
// With none of these set every unit is a candidate.
//
// When the priority map is the only selector it defines the candidate set,
// so units absent from it are not considered. With a unit list or a
// category, units absent from the map stay candidates and OrderByPriority
// ranks them at LowestPriority.
func (p *ResourcePool) Candidates(act *Activity) ([]*ResourceUnit, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, id := range act.Units {
		if _, ok := p.units[id]; !ok {
			return nil, NewError(KindUnitNotFound, fmt.Sprintf("unit %s not found", id), nil).WithUnit(id)
		}
	}

	out := make([]*ResourceUnit, 0, len(p.order))
	for _, id := range p.order {
		unit := p.units[id]
		switch {
		case len(act.Units) > 0:
			if !slices.Contains(act.Units, id) {
				continue
			}
		case act.Category != "":
			if unit.Category() != act.Category {
				continue
			}
		case len(act.Priorities) > 0:
			if _, ok := act.Priorities[id]; !ok {
				continue
			}
		}
		out = append(out, unit)
	}
	return out, nil
}

func (p *ResourcePool) releaseEach(scope string, fn func(*ResourceUnit) int) int {
	total := 0
	for _, unit := range p.Units() {
		total += fn(unit)
	}
	if total > 0 {
		p.notifier().Released(scope, total)
	}
	return total
}

// ReleaseByActivity removes the activity's records from every unit.
func (p *ResourcePool) ReleaseByActivity(key ActivityKey) int {
	return p.releaseEach("activity", func(u *ResourceUnit) int { return u.ReleaseByActivity(key) })
}

// ReleaseByOrder removes the order's records from every unit.
func (p *ResourcePool) ReleaseByOrder(orderID int) int {
	return p.releaseEach("order", func(u *ResourceUnit) int { return u.ReleaseByOrder(orderID) })
}

// ReleaseByRequest removes the request's records from every unit.
func (p *ResourcePool) ReleaseByRequest(orderID, requestID int) int {
	return p.releaseEach("request", func(u *ResourceUnit) int { return u.ReleaseByRequest(orderID, requestID) })
}

// ReleaseByItem removes the item's records from every unit.
func (p *ResourcePool) ReleaseByItem(itemID int) int {
	return p.releaseEach("item", func(u *ResourceUnit) int { return u.ReleaseByItem(itemID) })
}

// ReleaseOlderThan removes records that ended at or before t.
func (p *ResourcePool) ReleaseOlderThan(t time.Time) int {
	return p.releaseEach("older_than", func(u *ResourceUnit) int { return u.ReleaseOlderThan(t) })
}

// ReleaseInterval removes records overlapping [start, end).
func (p *ResourcePool) ReleaseInterval(start, end time.Time) int {
	return p.releaseEach("interval", func(u *ResourceUnit) int { return u.ReleaseInterval(start, end) })
}

// ReleaseAll clears every ledger.
func (p *ResourcePool) ReleaseAll() int {
	return p.releaseEach("all", func(u *ResourceUnit) int { return u.ReleaseAll() })
}

// Snapshot copies every ledger.
func (p *ResourcePool) Snapshot() *Snapshot {
	units := p.Units()
	snap := &Snapshot{
		TakenAt: time.Now().UTC(),
		Units:   make([]UnitLedger, 0, len(units)),
	}
	for _, u := range units {
		snap.Units = append(snap.Units, UnitLedger{
			Unit:    u.ID(),
			Records: u.Agenda(),
			Windows: u.Windows(),
		})
	}
	return snap
}

// Restore replaces the ledgers named in snap. Every entry is validated
// before any ledger changes; units absent from snap are left untouched.
func (p *ResourcePool) Restore(snap *Snapshot) error {
	if snap == nil {
		return fmt.Errorf("snapshot is nil")
	}
	targets := make([]*ResourceUnit, len(snap.Units))
	for i, l := range snap.Units {
		unit, err := p.Unit(l.Unit)
		if err != nil {
			return fmt.Errorf("failed to restore ledger: %w", err)
		}
		if err := unit.checkRestore(l.Records, l.Windows); err != nil {
			return fmt.Errorf("failed to restore unit %s: %w", l.Unit, err)
		}
		targets[i] = unit
	}
	for i, l := range snap.Units {
		if err := targets[i].restore(l.Records, l.Windows); err != nil {
			return fmt.Errorf("failed to restore unit %s: %w", l.Unit, err)
		}
	}
	return nil
}
