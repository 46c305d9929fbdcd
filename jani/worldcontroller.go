package jani

import (
	"log/slog"
	"math/rand/v2"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/jani-run/jani/internal/slab"
)

// hysteresisRatio is the factor controlling whether a position update
// crosses a cell boundary (spec.md §4.1, GLOSSARY). The boundary-behavior
// test in spec.md §8 requires strict inequality: a ratio exactly equal to
// this value does NOT change cells.
const hysteresisRatio = 0.7

// rebalanceTargetGuard is the 70% guard preventing a target worker from
// immediately becoming overloaded by an accepted handoff (spec.md §4.1 step
// 2a).
const rebalanceTargetGuard = 0.7

// rebalanceSkipChance is the "small random skip" that discourages
// thundering handoff (spec.md §4.1 step 1): some fraction of ticks, a layer
// that does have an over-limit worker is left alone anyway.
const rebalanceSkipChance = 0.1

// EventKind distinguishes the two messages the World Controller asks the
// orchestrator to deliver after a cell ownership change (spec.md §4.1,
// §9's "message passing instead of callbacks" redesign note).
type EventKind uint8

const (
	EventAuthorityLost EventKind = iota
	EventAuthorityGain
)

// OwnershipEvent is queued by the World Controller and drained by the
// orchestrator once per tick, which turns it into the corresponding
// transport message(s) (spec.md §4.1, §9).
type OwnershipEvent struct {
	Kind     EventKind
	EntityID EntityId
	LayerID  LayerId
	WorkerID WorkerId
}

// WorkerSlot is the per-worker bookkeeping for one layer (spec.md §3's
// WorkerCellsInfo), referenced by a stable slot index rather than a
// pointer (spec.md §9).
type WorkerSlot struct {
	WorkerID    WorkerId
	EntityCount uint32

	cellsOwned []CellCoordinates
	cellIndex  map[CellCoordinates]int
}

func newWorkerSlot(id WorkerId) *WorkerSlot {
	return &WorkerSlot{WorkerID: id, cellIndex: make(map[CellCoordinates]int)}
}

func (w *WorkerSlot) addCell(c CellCoordinates) {
	if _, ok := w.cellIndex[c]; ok {
		return
	}
	w.cellIndex[c] = len(w.cellsOwned)
	w.cellsOwned = append(w.cellsOwned, c)
}

func (w *WorkerSlot) removeCell(c CellCoordinates) {
	i, ok := w.cellIndex[c]
	if !ok {
		return
	}
	last := len(w.cellsOwned) - 1
	w.cellsOwned[i] = w.cellsOwned[last]
	w.cellIndex[w.cellsOwned[i]] = i
	w.cellsOwned = w.cellsOwned[:last]
	delete(w.cellIndex, c)
}

// CellsOwned returns a snapshot of the cells currently owned.
func (w *WorkerSlot) CellsOwned() []CellCoordinates {
	out := make([]CellCoordinates, len(w.cellsOwned))
	copy(out, w.cellsOwned)
	return out
}

// layerState is the World Controller's runtime view of one Layer: its
// connected workers and their density ordering (spec.md §3's Layer type).
type layerState struct {
	cfg     LayerConfig
	ordinal int

	workers map[WorkerId]workerSlotRef
	slots   *slab.Slab[*WorkerSlot, workerSlotRef]
	density *densityIndex[uint64]
}

func newLayerState(cfg LayerConfig, ordinal int) *layerState {
	return &layerState{
		cfg:     cfg,
		ordinal: ordinal,
		workers: make(map[WorkerId]workerSlotRef),
		slots:   slab.New[*WorkerSlot, workerSlotRef](),
		density: newDensityIndex[uint64](),
	}
}

func (ls *layerState) slot(ref workerSlotRef) *WorkerSlot {
	if ref == noOwner {
		return nil
	}
	return ls.slots.Get(ref)
}

// World is the World Controller (spec.md §4.1, C4): the sparse grid of
// cells plus the per-layer worker assignment and rebalancer.
type World struct {
	log        *slog.Logger
	deployment Deployment

	grid   *grid
	layers []*layerState
	byID   map[LayerId]int

	events        []OwnershipEvent
	spawnRequests []LayerId
}

// NewWorld constructs a World Controller for the given configuration.
func NewWorld(cfg Config) *World {
	w := &World{
		log:        cfg.Logger(),
		deployment: cfg.Deployment,
		grid:       newGrid(),
		byID:       make(map[LayerId]int),
	}
	for i, l := range cfg.Layers {
		w.layers = append(w.layers, newLayerState(l, i))
		w.byID[l.ID] = i
	}
	return w
}

func (w *World) numLayers() int { return len(w.layers) }

func (w *World) layerByID(id LayerId) (*layerState, bool) {
	i, ok := w.byID[id]
	if !ok {
		return nil, false
	}
	return w.layers[i], true
}

// --- Coordinate mapping (spec.md §4.1) ---

// ToCell maps a world position to the cell containing it, clamping to
// [0, W] post-centering first.
func (w *World) ToCell(pos Position) CellCoordinates {
	x, y := pos.X, pos.Y
	c := int32(w.deployment.WorkerLength)
	half := int32(w.deployment.MaxWorldLength / 2)
	if w.deployment.CentralizedWorldOrigin {
		x += half
		y += half
	}
	maxW := int32(w.deployment.MaxWorldLength)
	x = clamp32(x, 0, maxW)
	y = clamp32(y, 0, maxW)
	return CellCoordinates{X: x / c, Y: y / c}
}

// ToWorld maps a cell back to the world coordinate of its low corner.
func (w *World) ToWorld(c CellCoordinates) Position {
	side := int32(w.deployment.WorkerLength)
	x, y := c.X*side, c.Y*side
	if w.deployment.CentralizedWorldOrigin {
		half := int32(w.deployment.MaxWorldLength / 2)
		x -= half
		y -= half
	}
	return Position{x, y}
}

// CellCenter returns the world-space center of cell c.
func (w *World) CellCenter(c CellCoordinates) mgl64.Vec2 {
	corner := w.ToWorld(c)
	half := float64(w.deployment.WorkerLength) / 2
	return mgl64.Vec2{float64(corner.X) + half, float64(corner.Y) + half}
}

func clamp32(v, lo, hi int32) int32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// --- Worker lifecycle ---

// AddWorker registers a newly authenticated worker into a layer, inserting
// it into the density index at entity_count 0 (spec.md §4.6).
func (w *World) AddWorker(layerID LayerId, workerID WorkerId) {
	ls, ok := w.layerByID(layerID)
	if !ok {
		return
	}
	if _, exists := ls.workers[workerID]; exists {
		return
	}
	ref := ls.slots.Alloc(newWorkerSlot(workerID))
	ls.workers[workerID] = ref
	ls.density.Insert(densityKey(0, ref), ref)
}

// RemoveWorker handles a worker disconnect (spec.md §4.1 "Failure — worker
// disconnect", §7's Peer timeout kind): every cell it owned in this layer
// reverts to the null owner, logged as a warning. No message is emitted —
// the worker is already gone, and a new owner is picked lazily, on the
// cell's next reference by ensureCell (an entity inserted into or moving
// into it). RebalanceTick does not reassign ownerless cells: it only walks
// cells owned by an over-limit worker.
func (w *World) RemoveWorker(layerID LayerId, workerID WorkerId) {
	ls, ok := w.layerByID(layerID)
	if !ok {
		return
	}
	ref, ok := ls.workers[workerID]
	if !ok {
		return
	}
	slot := ls.slot(ref)
	for _, coord := range slot.CellsOwned() {
		cell, ok := w.grid.Lookup(coord)
		if !ok {
			continue
		}
		cell.LayerOwner[ls.ordinal] = noOwner
	}
	ls.density.Remove(densityKey(slot.EntityCount, ref), ref)
	delete(ls.workers, workerID)
	ls.slots.Free(ref)
	if w.log != nil {
		w.log.Warn("worker disconnected, cells reverted to null owner", "worker", workerID, "layer", ls.cfg.Name, "cells", len(slot.cellsOwned))
	}
}

// --- Cell ownership ---

// ensureCell creates cell coordinates c if needed, assigning the
// least-loaded worker as owner for every spatial layer that has at least
// one worker and no owner for the cell yet (spec.md §4.1 "Cell
// initialization"). An existing ownerless cell's entities are counted
// toward the new owner and queue an AuthorityGain each.
func (w *World) ensureCell(c CellCoordinates) *WorldCell {
	cell, _ := w.grid.EnsureCell(c, w.numLayers())
	for _, ls := range w.layers {
		if !ls.cfg.UseSpatial || cell.LayerOwner[ls.ordinal] != noOwner {
			continue
		}
		_, ref, ok := ls.density.Front()
		if !ok {
			continue
		}
		cell.LayerOwner[ls.ordinal] = ref
		ls.slot(ref).addCell(c)
		w.adjustCount(ls, ref, len(cell.Entities))
		for _, id := range cell.Entities {
			w.emitGain(id, ls, ref)
		}
	}
	return cell
}

// Owner returns the worker id owning cell c for layer, if any.
func (w *World) Owner(c CellCoordinates, layerID LayerId) (WorkerId, bool) {
	ls, ok := w.layerByID(layerID)
	if !ok {
		return 0, false
	}
	cell, ok := w.grid.Lookup(c)
	if !ok {
		return 0, false
	}
	ref := cell.LayerOwner[ls.ordinal]
	if ref == noOwner {
		return 0, false
	}
	return ls.slot(ref).WorkerID, true
}

func (w *World) emitLost(entity EntityId, ls *layerState, ref workerSlotRef) {
	if ref == noOwner {
		return
	}
	slot := ls.slot(ref)
	w.events = append(w.events, OwnershipEvent{EventAuthorityLost, entity, ls.cfg.ID, slot.WorkerID})
}

func (w *World) emitGain(entity EntityId, ls *layerState, ref workerSlotRef) {
	if ref == noOwner {
		return
	}
	slot := ls.slot(ref)
	w.events = append(w.events, OwnershipEvent{EventAuthorityGain, entity, ls.cfg.ID, slot.WorkerID})
}

func (w *World) adjustCount(ls *layerState, ref workerSlotRef, delta int) {
	if ref == noOwner {
		return
	}
	slot := ls.slot(ref)
	oldKey := densityKey(slot.EntityCount, ref)
	if delta < 0 {
		slot.EntityCount -= uint32(-delta)
	} else {
		slot.EntityCount += uint32(delta)
	}
	ls.density.Rekey(oldKey, densityKey(slot.EntityCount, ref), ref)
}

// InsertEntity places a newly-created entity into the cell containing pos,
// creating the cell if needed, incrementing entity_count on every spatial
// layer's current owner of that cell, and queuing an AuthorityGain event
// per spatial layer with an owner (spec.md §4.1 "Entity placement").
func (w *World) InsertEntity(id EntityId, pos Position) CellID {
	c := w.ToCell(pos)
	cell := w.ensureCell(c)
	cell.Entities = append(cell.Entities, id)
	for _, ls := range w.layers {
		if !ls.cfg.UseSpatial {
			continue
		}
		ref := cell.LayerOwner[ls.ordinal]
		if ref == noOwner {
			continue
		}
		w.adjustCount(ls, ref, 1)
		w.emitGain(id, ls, ref)
	}
	return cell.ID
}

// RemoveEntity removes an entity from its current cell, decrementing
// entity_count on every spatial layer's owner (spec.md §4.2
// remove_entity). Per the Open Question in spec.md §9, no AuthorityLost
// message is sent to the worker — the entity is gone, so there is nothing
// left to have authority over, and the original engine does not notify
// either; it is the worker's job to time out its own local mirror if it
// relied on one.
func (w *World) RemoveEntity(id EntityId, cellRef CellID) {
	cell := w.grid.Cell(cellRef)
	if cell == nil {
		return
	}
	cell.removeEntity(id)
	for _, ls := range w.layers {
		if !ls.cfg.UseSpatial {
			continue
		}
		ref := cell.LayerOwner[ls.ordinal]
		w.adjustCount(ls, ref, -1)
	}
}

// PositionChanged applies the hysteresis rule (spec.md §4.1 "Position
// change") to a reported new position, moving the entity between cells (and
// queuing Authority{Lost,Gain} events per spatial layer whose owner
// differs) only if the distance ratio is strictly below hysteresisRatio.
// It returns the entity's (possibly unchanged) cell id.
func (w *World) PositionChanged(id EntityId, currentCell CellID, newPos Position) CellID {
	oldCell := w.grid.Cell(currentCell)
	if oldCell == nil {
		return w.InsertEntity(id, newPos)
	}
	newCoord := w.ToCell(newPos)
	if newCoord == oldCell.Coordinates {
		return currentCell
	}

	newPt := mgl64.Vec2{float64(newPos.X), float64(newPos.Y)}
	distCurrent := newPt.Sub(w.CellCenter(oldCell.Coordinates)).Len()
	distCandidate := newPt.Sub(w.CellCenter(newCoord)).Len()
	if distCurrent == 0 {
		// Already exactly centered on the (degenerate) old cell; any
		// candidate is "infinitely" worse, so never move.
		return currentCell
	}
	ratio := distCandidate / distCurrent
	if !(ratio < hysteresisRatio) {
		return currentCell
	}

	newCell := w.ensureCell(newCoord)
	oldCell.removeEntity(id)
	newCell.Entities = append(newCell.Entities, id)

	for _, ls := range w.layers {
		if !ls.cfg.UseSpatial {
			continue
		}
		oldRef := oldCell.LayerOwner[ls.ordinal]
		newRef := newCell.LayerOwner[ls.ordinal]
		if oldRef == newRef {
			continue
		}
		if oldRef != noOwner {
			w.adjustCount(ls, oldRef, -1)
			w.emitLost(id, ls, oldRef)
		}
		if newRef != noOwner {
			w.adjustCount(ls, newRef, 1)
			w.emitGain(id, ls, newRef)
		}
	}
	return newCell.ID
}

// DrainEvents returns and clears every ownership event queued since the
// last call (spec.md §9's message-passing redesign note: the controller
// never talks to the transport directly).
func (w *World) DrainEvents() []OwnershipEvent {
	out := w.events
	w.events = nil
	return out
}

// DrainSpawnRequests returns and clears every layer that asked for an
// additional worker this tick (spec.md §4.1 step 3, §4.8).
func (w *World) DrainSpawnRequests() []LayerId {
	out := w.spawnRequests
	w.spawnRequests = nil
	return out
}

// RebalanceTick runs one pass of the spatial rebalancing loop (spec.md
// §4.1) over every spatial layer with at least two workers, reporting how
// many cell handoffs it performed.
func (w *World) RebalanceTick() int {
	moves := 0
	for _, ls := range w.layers {
		if !ls.cfg.UseSpatial || ls.cfg.MaxEntities <= 0 || len(ls.workers) < 2 {
			continue
		}
		if w.rebalanceLayer(ls) {
			moves++
		}
	}
	return moves
}

func (w *World) rebalanceLayer(ls *layerState) bool {
	limit := uint32(ls.cfg.MaxEntities)

	var overLimit []workerSlotRef
	for _, ref := range ls.workers {
		if ls.slot(ref).EntityCount >= limit {
			overLimit = append(overLimit, ref)
		}
	}
	if len(overLimit) == 0 {
		return false
	}
	if rand.Float64() < rebalanceSkipChance {
		return false
	}
	wRef := overLimit[rand.IntN(len(overLimit))]
	wSlot := ls.slot(wRef)

	handed := false
	for _, coord := range wSlot.CellsOwned() {
		cell, ok := w.grid.Lookup(coord)
		if !ok {
			continue
		}
		if uint32(len(cell.Entities)) >= limit {
			if w.log != nil {
				w.log.Debug("rebalance: cell at capacity, cannot split", "layer", ls.cfg.Name, "cell", coord, "reason", "not_enough_space")
			}
			continue
		}
		var target workerSlotRef = noOwner
		ls.density.Ascending(func(_ uint64, ref workerSlotRef) bool {
			if ref == wRef {
				return true
			}
			tSlot := ls.slot(ref)
			if float64(tSlot.EntityCount)+float64(len(cell.Entities)) < rebalanceTargetGuard*float64(limit) {
				target = ref
				return false
			}
			return true
		})
		if target == noOwner {
			continue
		}

		moved := uint32(len(cell.Entities))
		oldKeyW := densityKey(wSlot.EntityCount, wRef)
		oldKeyT := densityKey(ls.slot(target).EntityCount, target)
		wSlot.EntityCount -= moved
		ls.slot(target).EntityCount += moved
		ls.density.Rekey(oldKeyW, densityKey(wSlot.EntityCount, wRef), wRef)
		ls.density.Rekey(oldKeyT, densityKey(ls.slot(target).EntityCount, target), target)

		wSlot.removeCell(coord)
		ls.slot(target).addCell(coord)
		cell.LayerOwner[ls.ordinal] = target
		for _, entity := range cell.Entities {
			w.emitLost(entity, ls, wRef)
			w.emitGain(entity, ls, target)
		}
		handed = true
		break
	}

	if wSlot.EntityCount >= limit {
		if !handed && w.log != nil {
			w.log.Warn("rebalance: no eligible target for over-limit worker", "layer", ls.cfg.Name, "worker", wSlot.WorkerID, "reason", "not_enough_space")
		}
		w.requestWorker(ls.cfg.ID)
	}
	return handed
}

func (w *World) requestWorker(layerID LayerId) {
	w.spawnRequests = append(w.spawnRequests, layerID)
}

// TotalCells reports how many world cells have ever been created.
func (w *World) TotalCells() int { return w.grid.TotalCells() }

// EntitiesInRect returns the ids of every entity whose cell falls inside
// the world-space rectangle [min, max] (spec.md §4.1's range query, used
// by the interest-query engine to seed candidate sets).
func (w *World) EntitiesInRect(min, max Position) []EntityId {
	var out []EntityId
	for _, cell := range w.grid.InsideRect(w.ToCell(min), w.ToCell(max)) {
		out = append(out, cell.Entities...)
	}
	return out
}

// EntitiesInRadius returns the ids of every entity in a cell within radius
// world units of center. The cell-level test is coarse — bounding square
// plus squared-distance reject, with slack so boundary cells survive
// (spec.md §4.1) — and callers refine to precise distance.
func (w *World) EntitiesInRadius(center Position, radius int32) []EntityId {
	cellRadius := radius/int32(w.deployment.WorkerLength) + 2
	var out []EntityId
	for _, cell := range w.grid.InsideRadius(w.ToCell(center), cellRadius) {
		out = append(out, cell.Entities...)
	}
	return out
}

// SnapshotCells returns every cell's inspector-facing info, with the cell's
// owner for every configured layer; layerID does not filter the result.
func (w *World) SnapshotCells(layerID LayerId) []CellInfo {
	out := make([]CellInfo, 0, w.grid.TotalCells())
	for _, cell := range w.grid.cells {
		owners := make([]LayerOwnerInfo, 0, len(w.layers))
		for _, ls := range w.layers {
			ref := cell.LayerOwner[ls.ordinal]
			info := LayerOwnerInfo{LayerID: ls.cfg.ID}
			if ref != noOwner {
				info.HasOwner = true
				info.WorkerID = ls.slot(ref).WorkerID
			}
			owners = append(owners, info)
		}
		out = append(out, CellInfo{
			Coordinates: cell.Coordinates,
			EntityCount: uint32(len(cell.Entities)),
			LayerOwners: owners,
		})
	}
	return out
}

// SnapshotWorkers returns every worker's inspector-facing info for layerID.
func (w *World) SnapshotWorkers(layerID LayerId) []WorkerInfo {
	ls, ok := w.layerByID(layerID)
	if !ok {
		return nil
	}
	out := make([]WorkerInfo, 0, len(ls.workers))
	for id, ref := range ls.workers {
		out = append(out, WorkerInfo{WorkerID: id, LayerID: layerID, EntityCount: ls.slot(ref).EntityCount})
	}
	return out
}
