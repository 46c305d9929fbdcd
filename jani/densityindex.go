package jani

import (
	"sort"

	"golang.org/x/exp/constraints"
)

// densityEntry is one (key, slot) pair held by a densityIndex.
type densityEntry[K constraints.Ordered] struct {
	key  K
	slot workerSlotRef
}

// densityIndex keeps worker slots ordered by an arbitrary comparable key —
// (entity_count, worker_id) for the World Controller's per-layer density
// ordering (spec.md §3, §4.1) — supporting O(log n) lookup of the
// least-loaded worker via binary search, and O(n) re-key on the (typically
// small, tens-of-workers) slice when a worker's load changes. This
// generalizes the original engine's ordered std::multimap to any orderable
// key.
type densityIndex[K constraints.Ordered] struct {
	entries []densityEntry[K]
}

func newDensityIndex[K constraints.Ordered]() *densityIndex[K] {
	return &densityIndex[K]{}
}

func (d *densityIndex[K]) Len() int { return len(d.entries) }

// Insert adds (key, slot) keeping entries sorted ascending by key.
func (d *densityIndex[K]) Insert(key K, slot workerSlotRef) {
	i := sort.Search(len(d.entries), func(i int) bool { return d.entries[i].key >= key })
	d.entries = append(d.entries, densityEntry[K]{})
	copy(d.entries[i+1:], d.entries[i:])
	d.entries[i] = densityEntry[K]{key, slot}
}

// Remove deletes the first entry matching (key, slot) exactly.
func (d *densityIndex[K]) Remove(key K, slot workerSlotRef) bool {
	i := sort.Search(len(d.entries), func(i int) bool { return d.entries[i].key >= key })
	for ; i < len(d.entries) && d.entries[i].key == key; i++ {
		if d.entries[i].slot == slot {
			d.entries = append(d.entries[:i], d.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Rekey removes (oldKey, slot) and reinserts (newKey, slot) — the operation
// the rebalancer performs every time a worker's entity_count changes
// (spec.md §4.1).
func (d *densityIndex[K]) Rekey(oldKey K, newKey K, slot workerSlotRef) {
	d.Remove(oldKey, slot)
	d.Insert(newKey, slot)
}

// Front returns the least-loaded (key, slot) pair, if any.
func (d *densityIndex[K]) Front() (K, workerSlotRef, bool) {
	if len(d.entries) == 0 {
		var zero K
		return zero, noOwner, false
	}
	return d.entries[0].key, d.entries[0].slot, true
}

// Ascending calls fn for every entry in ascending key order, stopping early
// if fn returns false. Used by the rebalancer's target scan (spec.md
// §4.1's step 2a).
func (d *densityIndex[K]) Ascending(fn func(key K, slot workerSlotRef) bool) {
	for _, e := range d.entries {
		if !fn(e.key, e.slot) {
			return
		}
	}
}

// densityKey packs (entityCount, slotID) into one ascending-comparable
// uint64: entity count dominates, worker slot id breaks ties
// deterministically so Ascending() iterates in a stable order across ticks.
func densityKey(entityCount uint32, slot workerSlotRef) uint64 {
	return uint64(entityCount)<<32 | uint64(uint32(slot))
}
