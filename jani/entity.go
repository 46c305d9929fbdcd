package jani

import (
	"errors"
	"sync"

	"github.com/brentp/intintmap"
)

var (
	ErrEntityExists     = errors.New("jani: entity already exists")
	ErrEntityNotFound   = errors.New("jani: entity not found")
	ErrComponentExists  = errors.New("jani: component already present")
	ErrComponentMissing = errors.New("jani: component not present")
	ErrInvalidCount     = errors.New("jani: reservation count must be positive")
)

// Entity is the authoritative record for one simulated entity (spec.md §3).
// CellRef is a stable index into the WorldController's cell slab rather than
// a pointer, breaking the raw-pointer cycle the original engine has between
// cells, workers and entities (spec.md §9).
type Entity struct {
	ID       EntityId
	Mask     ComponentMask
	Payloads [MaxComponents][]byte
	Queries  [MaxComponents][]ComponentQuery
	// QueryVersion increments whenever Queries[i] changes or the entity is
	// removed, invalidating any query-engine bucket entry still pointing at
	// the old version (spec.md §4.3).
	QueryVersion [MaxComponents]uint64

	Position       Position
	CellRef        CellID
	PositionWorker WorkerId

	removed bool
}

// HasComponent reports whether component id is present.
func (e *Entity) HasComponent(id ComponentId) bool {
	return e.Mask.Has(id)
}

// reservedRange is a half-open [Begin, End) range of entity ids handed out
// by one ReserveIDs call. EntityStore keeps a free-list of ranges handed
// back through ReclaimRange (nothing in the Runtime calls it on a worker
// disconnect, so the list is filled only by explicit ReclaimRange calls)
// (original_source/jani/runtime/JaniRuntimeDatabase.cpp), a strict
// superset of the non-overlap invariant spec.md §4.2 requires.
type reservedRange struct {
	begin, end EntityId
}

// EntityStore is the authoritative map EntityId -> Entity (spec.md §3, C3).
// Per the concurrency model (spec.md §5) it is mutated only from the
// orchestrator's main thread; the interest-query worker pool reads it
// concurrently during the parallel query phase and must not mutate it.
type EntityStore struct {
	mu sync.RWMutex

	index     *intintmap.Map // EntityId -> slab slot
	slab      []*Entity
	freeSlots []int

	nextID   EntityId
	freeList []reservedRange
}

// NewEntityStore returns an empty store. firstID is the lowest id the store
// will ever hand out (0 by default).
func NewEntityStore(firstID EntityId) *EntityStore {
	return &EntityStore{
		index:  intintmap.New(1024, 0.75),
		nextID: firstID,
	}
}

// ReserveIDs returns a half-open range [begin, begin+n) that no other
// reservation returns (spec.md §4.2).
func (s *EntityStore) ReserveIDs(n uint32) (begin, end EntityId, err error) {
	if n == 0 {
		return 0, 0, ErrInvalidCount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, r := range s.freeList {
		if uint64(r.end-r.begin) >= uint64(n) {
			begin = r.begin
			end = begin + EntityId(n)
			if end == r.end {
				s.freeList = append(s.freeList[:i], s.freeList[i+1:]...)
			} else {
				s.freeList[i].begin = end
			}
			return begin, end, nil
		}
	}
	begin = s.nextID
	end = begin + EntityId(n)
	s.nextID = end
	return begin, end, nil
}

// ReclaimRange returns an unused tail of a reservation to the free-list,
// e.g. when a worker disconnects before using the whole range it reserved.
func (s *EntityStore) ReclaimRange(begin, end EntityId) {
	if begin >= end {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.freeList = append(s.freeList, reservedRange{begin, end})
}

func (s *EntityStore) slotFor(id EntityId) (*Entity, bool) {
	slot, ok := s.index.Get(int64(id))
	if !ok {
		return nil, false
	}
	e := s.slab[slot]
	if e == nil || e.removed {
		return nil, false
	}
	return e, true
}

// Get returns the entity with id, if present and not removed. Safe for
// concurrent use by the query-engine worker pool as long as no concurrent
// write is in flight (spec.md §5).
func (s *EntityStore) Get(id EntityId) (*Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.slotFor(id)
}

// AddEntity creates a new entity with every component named in payload
// (spec.md §4.2). Fails if id already exists.
func (s *EntityStore) AddEntity(id EntityId, pos Position, components []ComponentPayload) (*Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.slotFor(id); ok {
		return nil, ErrEntityExists
	}
	e := &Entity{ID: id, Position: pos, CellRef: InvalidCellID}
	for _, c := range components {
		e.Mask = e.Mask.Set(c.ID)
		e.Payloads[c.ID] = c.Payload
	}
	var slot int
	if n := len(s.freeSlots); n > 0 {
		slot = s.freeSlots[n-1]
		s.freeSlots = s.freeSlots[:n-1]
		s.slab[slot] = e
	} else {
		slot = len(s.slab)
		s.slab = append(s.slab, e)
	}
	s.index.Put(int64(id), int64(slot))
	return e, nil
}

// RemoveEntity marks id removed, freeing its slab slot. Cell membership and
// per-layer counts are the World Controller's responsibility to decrement
// before or after calling this (the orchestrator sequences the two).
func (s *EntityStore) RemoveEntity(id EntityId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.index.Get(int64(id))
	if !ok {
		return ErrEntityNotFound
	}
	e := s.slab[slot]
	if e == nil || e.removed {
		return ErrEntityNotFound
	}
	e.removed = true
	for i := range e.QueryVersion {
		e.QueryVersion[i]++
	}
	s.slab[slot] = nil
	s.index.Del(int64(id))
	s.freeSlots = append(s.freeSlots, int(slot))
	return nil
}

// AddComponent sets mask[cid] and stores payload (spec.md §4.2).
func (s *EntityStore) AddComponent(id EntityId, cid ComponentId, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.slotFor(id)
	if !ok {
		return ErrEntityNotFound
	}
	if e.Mask.Has(cid) {
		return ErrComponentExists
	}
	e.Mask = e.Mask.Set(cid)
	e.Payloads[cid] = payload
	return nil
}

// RemoveComponent clears mask[cid] and its payload (spec.md §4.2).
func (s *EntityStore) RemoveComponent(id EntityId, cid ComponentId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.slotFor(id)
	if !ok {
		return ErrEntityNotFound
	}
	if !e.Mask.Has(cid) {
		return ErrComponentMissing
	}
	e.Mask = e.Mask.Clear(cid)
	e.Payloads[cid] = nil
	e.QueryVersion[cid]++
	e.Queries[cid] = nil
	return nil
}

// UpdateComponent replaces a component's payload and, if pos is non-nil,
// updates the entity's last known position, recording reporter as the
// worker that most recently reported it (spec.md §4.2, §3's
// position_worker). The caller is responsible for the authority check
// against the World Controller before calling this (spec.md §4.2's "stale
// updates are silently dropped" rule lives at the orchestrator/handler
// layer, which has the layer_owner view this store intentionally does not
// depend on).
func (s *EntityStore) UpdateComponent(reporter WorkerId, id EntityId, cid ComponentId, payload []byte, pos *Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.slotFor(id)
	if !ok {
		return ErrEntityNotFound
	}
	if !e.Mask.Has(cid) {
		return ErrComponentMissing
	}
	e.Payloads[cid] = payload
	if pos != nil {
		e.Position = *pos
		e.PositionWorker = reporter
	}
	return nil
}

// InstallQueries replaces the query list installed on (id, cid) and bumps
// its version, invalidating any stale query-engine bucket entry (spec.md
// §4.3).
func (s *EntityStore) InstallQueries(id EntityId, cid ComponentId, queries []ComponentQuery) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.slotFor(id)
	if !ok {
		return 0, ErrEntityNotFound
	}
	e.Queries[cid] = queries
	e.QueryVersion[cid]++
	return e.QueryVersion[cid], nil
}

// QueryVersionOf returns the current version for (id, cid), used by the query
// engine to detect a stale bucket entry without holding a lock across the
// whole evaluation (spec.md §4.3, §5).
func (s *EntityStore) QueryVersionOf(id EntityId, cid ComponentId) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.slotFor(id)
	if !ok {
		return 0, false
	}
	return e.QueryVersion[cid], true
}

// SetCellRef records the cell the World Controller has placed id into. The
// orchestrator calls this right after World.InsertEntity/PositionChanged;
// the store itself never computes cell membership (spec.md §9 — the
// cell/entity relationship is owned by the World Controller, referenced
// here only as a stable id).
func (s *EntityStore) SetCellRef(id EntityId, cellRef CellID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.slotFor(id)
	if !ok {
		return ErrEntityNotFound
	}
	e.CellRef = cellRef
	return nil
}

// Range calls fn for every live entity under a read lock, stopping early if
// fn returns false. Used by the interest-query engine's evaluation pass
// (spec.md §4.3); fn must not mutate the store.
func (s *EntityStore) Range(fn func(*Entity) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.slab {
		if e == nil || e.removed {
			continue
		}
		if !fn(e) {
			return
		}
	}
}

// Count returns the number of live entities.
func (s *EntityStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.Size()
}

// Snapshot returns a copy of every live entity's EntityInfo, for inspector
// responses.
func (s *EntityStore) Snapshot() []EntityInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]EntityInfo, 0, s.index.Size())
	for _, e := range s.slab {
		if e == nil || e.removed {
			continue
		}
		out = append(out, EntityInfo{EntityID: e.ID, Mask: e.Mask, Position: e.Position})
	}
	return out
}
