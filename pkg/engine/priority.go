package engine

import (
	"math"
	"slices"
)

// LowestPriority is assigned to units missing from a priority map.
const LowestPriority = math.MaxInt

// PriorityOf returns the priority of id in priorities.
func PriorityOf(priorities map[UnitID]int, id UnitID) int {
	if p, ok := priorities[id]; ok {
		return p
	}
	return LowestPriority
}

// OrderByPriority returns units sorted by ascending priority. Ties keep
// their input order.
func OrderByPriority(units []*ResourceUnit, priorities map[UnitID]int) []*ResourceUnit {
	ranked := slices.Clone(units)
	slices.SortStableFunc(ranked, func(a, b *ResourceUnit) int {
		pa, pb := PriorityOf(priorities, a.ID()), PriorityOf(priorities, b.ID())
		switch {
		case pa < pb:
			return -1
		case pa > pb:
			return 1
		default:
			return 0
		}
	})
	return ranked
}
