package engine

import (
	"fmt"
	"math"
	"slices"
	"time"
)

// Availability describes what a unit can still accept for one item in one window.
type Availability struct {
	// Capacity is the free quantity. For slotted ledgers it is the number of
	// free slots times the per-slot capacity.
	Capacity float64 `json:"capacity"`

	// FreeSlots lists slots with no overlapping record. Slotted ledgers only.
	FreeSlots []int `json:"free_slots,omitempty"`
}

// SlotShare assigns part of a reservation to one slot.
type SlotShare struct {
	Slot     int     `json:"slot"`
	Quantity float64 `json:"quantity"`
}

// ReserveRequest describes a reservation on a single unit.
type ReserveRequest struct {
	OrderID    int
	RequestID  int
	ActivityID int
	ItemID     int
	Quantity   float64
	Start      time.Time
	End        time.Time
	Params     TechnicalParams

	// Slots pins the reservation to explicit slots. When empty on a slotted
	// ledger, free slots are chosen in index order.
	Slots []SlotShare
}

// Available returns the free capacity for item over [start, end).
func (u *ResourceUnit) Available(item int, start, end time.Time) Availability {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.availableLocked(item, start, end)
}

func (u *ResourceUnit) availableLocked(item int, start, end time.Time) Availability {
	if u.IsSlotted() {
		free := u.freeSlotsLocked(start, end)
		return Availability{
			Capacity:  float64(len(free)) * u.slotLimit(),
			FreeSlots: free,
		}
	}

	var used float64
	switch u.spec.Policy {
	case PolicyExactWindow:
		for _, r := range u.records {
			if !r.Overlaps(start, end) {
				continue
			}
			if r.ItemID != item || !r.SameWindow(start, end) {
				return Availability{}
			}
			used += r.Quantity
		}
	default:
		for _, r := range u.records {
			if r.ItemID != item && r.Overlaps(start, end) {
				return Availability{}
			}
		}
		used = sweepPeak(u.records, start, end, func(r OccupationRecord) bool {
			return r.ItemID == item
		})
	}
	return Availability{Capacity: math.Max(0, u.spec.Capacity.Max-used)}
}

// freeSlotsLocked lists slots with no record overlapping [start, end).
func (u *ResourceUnit) freeSlotsLocked(start, end time.Time) []int {
	busy := make([]bool, u.spec.SlotCount)
	for _, r := range u.records {
		if r.Slot >= 0 && r.Slot < len(busy) && r.Overlaps(start, end) {
			busy[r.Slot] = true
		}
	}
	free := make([]int, 0, len(busy))
	for i, b := range busy {
		if !b {
			free = append(free, i)
		}
	}
	return free
}

// sweepPeak returns the largest simultaneous quantity of matching records
// inside [start, end). Breakpoints are the window bounds plus every record
// bound inside the window; each sub-interval is sampled at its midpoint.
func sweepPeak(records []OccupationRecord, start, end time.Time, match func(OccupationRecord) bool) float64 {
	points := []time.Time{start, end}
	active := make([]OccupationRecord, 0)
	for _, r := range records {
		if !match(r) || !r.Overlaps(start, end) {
			continue
		}
		active = append(active, r)
		if r.Start.After(start) && r.Start.Before(end) {
			points = append(points, r.Start)
		}
		if r.End.After(start) && r.End.Before(end) {
			points = append(points, r.End)
		}
	}
	if len(active) == 0 {
		return 0
	}

	slices.SortFunc(points, func(a, b time.Time) int { return a.Compare(b) })
	points = slices.CompactFunc(points, func(a, b time.Time) bool { return a.Equal(b) })

	var peak float64
	for i := 0; i+1 < len(points); i++ {
		mid := points[i].Add(points[i+1].Sub(points[i]) / 2)
		var sum float64
		for _, r := range active {
			if r.ActiveAt(mid) {
				sum += r.Quantity
			}
		}
		peak = math.Max(peak, sum)
	}
	return peak
}

// Reserve validates and appends the records for req. Nothing is written
// unless every check passes.
func (u *ResourceUnit) Reserve(req ReserveRequest) ([]OccupationRecord, error) {
	if !req.Start.Before(req.End) {
		return nil, NewError(KindInvalidRequest, "reservation window is empty", nil).
			WithUnit(u.ID()).WithOperation("reserve")
	}
	if req.Quantity <= 0 {
		return nil, NewError(KindInvalidRequest, fmt.Sprintf("quantity must be positive, got %g", req.Quantity), nil).
			WithUnit(u.ID()).WithOperation("reserve")
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	var pending []OccupationRecord
	if u.IsSlotted() {
		shares := req.Slots
		if len(shares) == 0 {
			picked, err := u.pickSlotsLocked(req)
			if err != nil {
				return nil, err.WithUnit(u.ID()).WithOperation("reserve")
			}
			shares = picked
		}
		if err := u.validateSlotsLocked(req, shares); err != nil {
			return nil, err.WithUnit(u.ID()).WithOperation("reserve")
		}
		for _, s := range shares {
			pending = append(pending, u.newRecord(req, s.Slot, s.Quantity))
		}
	} else {
		if err := u.validateContinuousLocked(req); err != nil {
			return nil, err.WithUnit(u.ID()).WithOperation("reserve")
		}
		pending = append(pending, u.newRecord(req, NoSlot, req.Quantity))
	}

	if err := checkCompatibility(u.spec.Policy, u.records, u.windows, req.ItemID, req.Params, req.Start, req.End); err != nil {
		return nil, err.WithUnit(u.ID()).WithOperation("reserve")
	}

	u.records = append(u.records, pending...)
	return slices.Clone(pending), nil
}

func (u *ResourceUnit) newRecord(req ReserveRequest, slot int, quantity float64) OccupationRecord {
	return OccupationRecord{
		ID:         u.newID(),
		OrderID:    req.OrderID,
		RequestID:  req.RequestID,
		ActivityID: req.ActivityID,
		ItemID:     req.ItemID,
		Quantity:   quantity,
		Slot:       slot,
		Start:      req.Start,
		End:        req.End,
		Params:     req.Params,
	}
}

func (u *ResourceUnit) validateContinuousLocked(req ReserveRequest) *AllocationError {
	capacity := u.spec.Capacity
	if req.Quantity < capacity.Min-capacityEpsilon {
		return NewError(KindBelowMinimumQuantity,
			fmt.Sprintf("quantity %g below unit minimum %g", req.Quantity, capacity.Min), nil)
	}
	if req.Quantity > capacity.Max+capacityEpsilon {
		return NewError(KindCapacityExceeded,
			fmt.Sprintf("quantity %g above unit maximum %g", req.Quantity, capacity.Max), nil)
	}

	var used float64
	for _, r := range u.records {
		if !r.Overlaps(req.Start, req.End) {
			continue
		}
		if r.ItemID != req.ItemID {
			return NewError(KindItemConflict,
				fmt.Sprintf("item %d already occupies the unit in this window", r.ItemID), nil).
				WithDetail("record", r.ID)
		}
		if u.spec.Policy == PolicyExactWindow {
			if !r.SameWindow(req.Start, req.End) {
				return NewError(KindItemConflict, "same item may only share an identical window", nil).
					WithDetail("record", r.ID)
			}
			used += r.Quantity
		}
	}
	if u.spec.Policy != PolicyExactWindow {
		used = sweepPeak(u.records, req.Start, req.End, func(r OccupationRecord) bool {
			return r.ItemID == req.ItemID
		})
	}

	if used+req.Quantity > capacity.Max+capacityEpsilon {
		return NewError(KindCapacityExceeded,
			fmt.Sprintf("peak %g plus %g exceeds maximum %g", used, req.Quantity, capacity.Max), nil).
			WithDetail("peak", used).
			WithDetail("max", capacity.Max)
	}
	return nil
}

// pickSlotsLocked chooses free slots and splits the quantity across them.
func (u *ResourceUnit) pickSlotsLocked(req ReserveRequest) ([]SlotShare, *AllocationError) {
	if req.Quantity > u.MaxQuantity()+capacityEpsilon {
		return nil, NewError(KindCapacityExceeded,
			fmt.Sprintf("quantity %g above unit maximum %g", req.Quantity, u.MaxQuantity()), nil)
	}
	need := u.SlotsNeeded(req.Quantity)
	free := u.freeSlotsLocked(req.Start, req.End)
	if len(free) < need {
		return nil, NewError(KindSlotUnavailable,
			fmt.Sprintf("%d slots needed, %d free", need, len(free)), nil).
			WithDetail("needed", need).
			WithDetail("free", len(free))
	}
	split := u.splitSlots(req.Quantity, need)
	if split == nil {
		kind := KindCapacityExceeded
		if req.Quantity < float64(need)*u.spec.SlotCapacity.Min-capacityEpsilon {
			kind = KindBelowMinimumQuantity
		}
		return nil, NewError(kind,
			fmt.Sprintf("quantity %g cannot be split over %d slots", req.Quantity, need), nil).
			WithDetail("slots", need)
	}
	shares := make([]SlotShare, need)
	for i := range shares {
		shares[i] = SlotShare{Slot: free[i], Quantity: split[i]}
	}
	return shares, nil
}

func (u *ResourceUnit) validateSlotsLocked(req ReserveRequest, shares []SlotShare) *AllocationError {
	var total float64
	seen := make(map[int]bool, len(shares))
	limit := u.slotLimit()

	for _, s := range shares {
		if s.Slot < 0 || s.Slot >= u.spec.SlotCount {
			return NewError(KindSlotUnavailable, fmt.Sprintf("slot %d does not exist", s.Slot), nil)
		}
		if seen[s.Slot] {
			return NewError(KindInvalidRequest, fmt.Sprintf("slot %d listed twice", s.Slot), nil)
		}
		seen[s.Slot] = true
		total += s.Quantity

		if u.fractional() {
			if math.Abs(s.Quantity-1) > capacityEpsilon {
				return NewError(KindInvalidRequest, "fractional slots hold exactly one fraction", nil)
			}
		} else {
			if s.Quantity < u.spec.SlotCapacity.Min-capacityEpsilon {
				return NewError(KindBelowMinimumQuantity,
					fmt.Sprintf("slot %d quantity %g below minimum %g", s.Slot, s.Quantity, u.spec.SlotCapacity.Min), nil)
			}
			if s.Quantity > limit+capacityEpsilon {
				return NewError(KindCapacityExceeded,
					fmt.Sprintf("slot %d quantity %g above maximum %g", s.Slot, s.Quantity, limit), nil)
			}
		}

		var used float64
		for _, r := range u.records {
			if r.Slot != s.Slot || !r.Overlaps(req.Start, req.End) {
				continue
			}
			if r.ItemID != req.ItemID {
				return NewError(KindSlotUnavailable,
					fmt.Sprintf("slot %d occupied by item %d", s.Slot, r.ItemID), nil).
					WithDetail("record", r.ID)
			}
			if u.spec.Policy == PolicyExactWindow {
				if !r.SameWindow(req.Start, req.End) {
					return NewError(KindSlotUnavailable,
						fmt.Sprintf("slot %d shared only within an identical window", s.Slot), nil).
						WithDetail("record", r.ID)
				}
				used += r.Quantity
			}
		}
		if u.spec.Policy != PolicyExactWindow {
			slot := s.Slot
			used = sweepPeak(u.records, req.Start, req.End, func(r OccupationRecord) bool {
				return r.Slot == slot && r.ItemID == req.ItemID
			})
		}
		if used+s.Quantity > limit+capacityEpsilon {
			return NewError(KindCapacityExceeded,
				fmt.Sprintf("slot %d peak %g plus %g exceeds %g", s.Slot, used, s.Quantity, limit), nil)
		}
	}

	if math.Abs(total-req.Quantity) > capacityEpsilon {
		return NewError(KindInvalidRequest,
			fmt.Sprintf("slot shares total %g, requested %g", total, req.Quantity), nil)
	}
	return nil
}

// removeLocked deletes matching records and returns how many were removed.
// The slice is left untouched when nothing matches.
func (u *ResourceUnit) removeLocked(match func(OccupationRecord) bool) int {
	n := 0
	for _, r := range u.records {
		if match(r) {
			n++
		}
	}
	if n == 0 {
		return 0
	}
	kept := make([]OccupationRecord, 0, len(u.records)-n)
	for _, r := range u.records {
		if !match(r) {
			kept = append(kept, r)
		}
	}
	u.records = kept
	return n
}

func (u *ResourceUnit) releaseWhere(match func(OccupationRecord) bool) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.removeLocked(match)
}

// ReleaseByActivity removes every record of one activity.
func (u *ResourceUnit) ReleaseByActivity(key ActivityKey) int {
	return u.releaseWhere(func(r OccupationRecord) bool { return r.Key() == key })
}

// ReleaseByOrder removes every record of one order.
func (u *ResourceUnit) ReleaseByOrder(orderID int) int {
	return u.releaseWhere(func(r OccupationRecord) bool { return r.OrderID == orderID })
}

// ReleaseByRequest removes every record of one request within an order.
func (u *ResourceUnit) ReleaseByRequest(orderID, requestID int) int {
	return u.releaseWhere(func(r OccupationRecord) bool {
		return r.OrderID == orderID && r.RequestID == requestID
	})
}

// ReleaseByItem removes every record of one item.
func (u *ResourceUnit) ReleaseByItem(itemID int) int {
	return u.releaseWhere(func(r OccupationRecord) bool { return r.ItemID == itemID })
}

// ReleaseOlderThan removes records that finished at or before t, along with
// attribute windows that ended by then.
func (u *ResourceUnit) ReleaseOlderThan(t time.Time) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.windows = slices.DeleteFunc(u.windows, func(w AttributeWindow) bool { return !w.End.After(t) })
	return u.removeLocked(func(r OccupationRecord) bool { return !r.End.After(t) })
}

// ReleaseInterval removes records and attribute windows overlapping [start, end).
func (u *ResourceUnit) ReleaseInterval(start, end time.Time) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.windows = slices.DeleteFunc(u.windows, func(w AttributeWindow) bool { return w.overlaps(start, end) })
	return u.removeLocked(func(r OccupationRecord) bool { return r.Overlaps(start, end) })
}

// ReleaseAll clears the ledger.
func (u *ResourceUnit) ReleaseAll() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	n := len(u.records)
	if n > 0 {
		u.records = make([]OccupationRecord, 0)
	}
	if len(u.windows) > 0 {
		u.windows = make([]AttributeWindow, 0)
	}
	return n
}

// releaseRecords removes records by id. Used to roll back a partial plan.
func (u *ResourceUnit) releaseRecords(ids []string) int {
	return u.releaseWhere(func(r OccupationRecord) bool { return slices.Contains(ids, r.ID) })
}

// Records returns a copy of the ledger in insertion order.
func (u *ResourceUnit) Records() []OccupationRecord {
	u.mu.Lock()
	defer u.mu.Unlock()
	return slices.Clone(u.records)
}

// Agenda returns a copy of the ledger sorted by start time and slot.
func (u *ResourceUnit) Agenda() []OccupationRecord {
	out := u.Records()
	slices.SortStableFunc(out, func(a, b OccupationRecord) int {
		if c := a.Start.Compare(b.Start); c != 0 {
			return c
		}
		return a.Slot - b.Slot
	})
	return out
}

// PeakUsage returns the largest simultaneous quantity of item in [start, end),
// summed across slots.
func (u *ResourceUnit) PeakUsage(item int, start, end time.Time) float64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return sweepPeak(u.records, start, end, func(r OccupationRecord) bool { return r.ItemID == item })
}

// UsageByItem returns the peak quantity of every item present in [start, end).
func (u *ResourceUnit) UsageByItem(start, end time.Time) map[int]float64 {
	u.mu.Lock()
	defer u.mu.Unlock()

	usage := make(map[int]float64)
	for _, r := range u.records {
		if !r.Overlaps(start, end) {
			continue
		}
		if _, done := usage[r.ItemID]; done {
			continue
		}
		item := r.ItemID
		usage[item] = sweepPeak(u.records, start, end, func(o OccupationRecord) bool { return o.ItemID == item })
	}
	return usage
}

// Utilisation returns the busy fraction of [start, end), averaged over slots.
func (u *ResourceUnit) Utilisation(start, end time.Time) float64 {
	if !start.Before(end) {
		return 0
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	lanes := []int{NoSlot}
	if u.IsSlotted() {
		lanes = make([]int, u.spec.SlotCount)
		for i := range lanes {
			lanes[i] = i
		}
	}

	var busy time.Duration
	for _, lane := range lanes {
		busy += coverage(u.records, lane, start, end)
	}
	return float64(busy) / float64(end.Sub(start)*time.Duration(len(lanes)))
}

// coverage returns how much of [start, end) is covered by records in one lane.
func coverage(records []OccupationRecord, lane int, start, end time.Time) time.Duration {
	type span struct{ from, to time.Time }
	spans := make([]span, 0)
	for _, r := range records {
		if r.Slot != lane || !r.Overlaps(start, end) {
			continue
		}
		from, to := r.Start, r.End
		if from.Before(start) {
			from = start
		}
		if to.After(end) {
			to = end
		}
		spans = append(spans, span{from, to})
	}
	slices.SortFunc(spans, func(a, b span) int { return a.from.Compare(b.from) })

	var total time.Duration
	var cur span
	for i, s := range spans {
		switch {
		case i == 0:
			cur = s
		case s.from.After(cur.to):
			total += cur.to.Sub(cur.from)
			cur = s
		case s.to.After(cur.to):
			cur.to = s.to
		}
	}
	if len(spans) > 0 {
		total += cur.to.Sub(cur.from)
	}
	return total
}

// checkRestore validates persisted records against the unit bounds.
func (u *ResourceUnit) checkRestore(records []OccupationRecord, windows []AttributeWindow) error {
	for _, r := range records {
		if !r.Start.Before(r.End) {
			return fmt.Errorf("record %s has an empty window", r.ID)
		}
		if r.Quantity <= 0 || r.Quantity > u.MaxQuantity()+capacityEpsilon {
			return fmt.Errorf("record %s quantity %g outside unit bounds", r.ID, r.Quantity)
		}
		if u.IsSlotted() {
			if r.Slot < 0 || r.Slot >= u.spec.SlotCount {
				return fmt.Errorf("record %s slot %d outside [0, %d)", r.ID, r.Slot, u.spec.SlotCount)
			}
		} else if r.Slot != NoSlot {
			return fmt.Errorf("record %s has slot %d on a continuous ledger", r.ID, r.Slot)
		}
	}
	for _, w := range windows {
		if !w.Start.Before(w.End) {
			return fmt.Errorf("attribute window has an empty interval")
		}
	}
	return nil
}

// restore replaces the ledger after checkRestore accepted it.
func (u *ResourceUnit) restore(records []OccupationRecord, windows []AttributeWindow) error {
	if err := u.checkRestore(records, windows); err != nil {
		return err
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	u.records = slices.Clone(records)
	if u.records == nil {
		u.records = make([]OccupationRecord, 0)
	}
	u.windows = slices.Clone(windows)
	if u.windows == nil {
		u.windows = make([]AttributeWindow, 0)
	}
	return nil
}
