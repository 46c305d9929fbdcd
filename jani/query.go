package jani

import (
	"errors"
	"fmt"
)

// ErrUnsupportedOr is returned by ValidateQuery when a predicate tree uses
// the "or" combinator, reserved but unimplemented per spec.md §4.3's
// explicit "or not supported" note.
var ErrUnsupportedOr = errors.New("jani: \"or\" query combinator is reserved, not supported")

// ErrInvalidFrequency is returned by ValidateQuery for any frequency not in
// the seven supported buckets.
var ErrInvalidFrequency = errors.New("jani: unsupported query frequency")

// ValidateQuery rejects a query at installation time rather than silently
// misbehaving at evaluation time (spec.md §4.3).
func ValidateQuery(q ComponentQuery) error {
	if !ValidFrequency(q.FrequencyHz) {
		return ErrInvalidFrequency
	}
	return validateInstruction(q.Root)
}

func validateInstruction(n *QueryInstruction) error {
	if n == nil {
		return nil
	}
	if n.Kind == InstrOr {
		return ErrUnsupportedOr
	}
	if n.Kind == InstrAnd {
		if err := validateInstruction(n.Left); err != nil {
			return err
		}
		return validateInstruction(n.Right)
	}
	return nil
}

// InstructionKind identifies which predicate a QueryInstruction node carries.
// Each node carries exactly one predicate (spec.md §4.3).
type InstructionKind uint8

const (
	InstrComponentsRequired InstructionKind = iota
	InstrBox
	InstrArea
	InstrRadius
	InstrAnd
	InstrOr
)

// Rect is an axis-aligned box in world coordinates.
type Rect struct {
	MinX, MinY, MaxX, MaxY int32
}

// QueryInstruction is one node of a ComponentQuery predicate tree. Only the
// fields relevant to Kind are meaningful; the rest are zero.
type QueryInstruction struct {
	Kind InstructionKind

	ComponentsRequired ComponentMask
	Box                Rect
	AreaWidth          int32
	AreaHeight         int32
	Radius             int32

	Left  *QueryInstruction
	Right *QueryInstruction
}

func (q *QueryInstruction) Marshal(w *Writer) {
	if q == nil {
		w.Uint8(0xFF) // absent marker, only ever used for optional and/or children
		return
	}
	w.Uint8(uint8(q.Kind))
	switch q.Kind {
	case InstrComponentsRequired:
		w.Uint64(uint64(q.ComponentsRequired))
	case InstrBox:
		w.Int32(q.Box.MinX)
		w.Int32(q.Box.MinY)
		w.Int32(q.Box.MaxX)
		w.Int32(q.Box.MaxY)
	case InstrArea:
		w.Int32(q.AreaWidth)
		w.Int32(q.AreaHeight)
	case InstrRadius:
		w.Int32(q.Radius)
	case InstrAnd, InstrOr:
		q.Left.Marshal(w)
		q.Right.Marshal(w)
	}
}

func unmarshalInstruction(r *Reader) (*QueryInstruction, error) {
	kind, err := r.Uint8()
	if err != nil {
		return nil, err
	}
	if kind == 0xFF {
		return nil, nil
	}
	q := &QueryInstruction{Kind: InstructionKind(kind)}
	switch q.Kind {
	case InstrComponentsRequired:
		m, err := r.Uint64()
		if err != nil {
			return nil, err
		}
		q.ComponentsRequired = ComponentMask(m)
	case InstrBox:
		var vals [4]int32
		for i := range vals {
			v, err := r.Int32()
			if err != nil {
				return nil, err
			}
			vals[i] = v
		}
		q.Box = Rect{vals[0], vals[1], vals[2], vals[3]}
	case InstrArea:
		w, err := r.Int32()
		if err != nil {
			return nil, err
		}
		h, err := r.Int32()
		if err != nil {
			return nil, err
		}
		q.AreaWidth, q.AreaHeight = w, h
	case InstrRadius:
		rad, err := r.Int32()
		if err != nil {
			return nil, err
		}
		q.Radius = rad
	case InstrAnd, InstrOr:
		left, err := unmarshalInstruction(r)
		if err != nil {
			return nil, err
		}
		right, err := unmarshalInstruction(r)
		if err != nil {
			return nil, err
		}
		q.Left, q.Right = left, right
	default:
		return nil, fmt.Errorf("jani: unknown query instruction kind %d", kind)
	}
	return q, nil
}

// ComponentQuery is a standing predicate installed by a worker on one of its
// authoritative entities (spec.md §4.3). Root may be nil, meaning no
// predicate (degenerate but legal): with no spatial node there is no grid
// seed, so every entity in the store that carries at least one component in
// ComponentMask matches.
type ComponentQuery struct {
	Root          *QueryInstruction
	ComponentMask ComponentMask
	FrequencyHz   int
	Version       uint64
}

// ValidFrequency reports whether hz is one of the seven supported buckets
// (spec.md §3).
func ValidFrequency(hz int) bool {
	switch hz {
	case 50, 40, 30, 20, 10, 5, 1:
		return true
	}
	return false
}

func (q ComponentQuery) Marshal(w *Writer) {
	q.Root.Marshal(w)
	w.Uint64(uint64(q.ComponentMask))
	w.Int32(int32(q.FrequencyHz))
	w.Uint64(q.Version)
}

func (q *ComponentQuery) Unmarshal(r *Reader) error {
	root, err := unmarshalInstruction(r)
	if err != nil {
		return err
	}
	mask, err := r.Uint64()
	if err != nil {
		return err
	}
	hz, err := r.Int32()
	if err != nil {
		return err
	}
	ver, err := r.Uint64()
	if err != nil {
		return err
	}
	q.Root = root
	q.ComponentMask = ComponentMask(mask)
	q.FrequencyHz = int(hz)
	q.Version = ver
	return nil
}

func marshalQueries(w *Writer, qs []ComponentQuery) {
	w.Uint32(uint32(len(qs)))
	for _, q := range qs {
		q.Marshal(w)
	}
}

func unmarshalQueries(r *Reader) ([]ComponentQuery, error) {
	n, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	out := make([]ComponentQuery, n)
	for i := range out {
		if err := out[i].Unmarshal(r); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// RuntimeComponentInterestQueryUpdate installs or replaces the set of
// queries a worker holds on one of its authoritative (entity, component)
// pairs (spec.md §4.3). Fire and forget.
type RuntimeComponentInterestQueryUpdate struct {
	EntityID    EntityId
	ComponentID ComponentId
	Queries     []ComponentQuery
}

func (m RuntimeComponentInterestQueryUpdate) Marshal(w *Writer) {
	w.Uint64(uint64(m.EntityID))
	w.Uint8(uint8(m.ComponentID))
	marshalQueries(w, m.Queries)
}

func (m *RuntimeComponentInterestQueryUpdate) Unmarshal(r *Reader) error {
	id, err := r.Uint64()
	if err != nil {
		return err
	}
	cid, err := r.Uint8()
	if err != nil {
		return err
	}
	qs, err := unmarshalQueries(r)
	if err != nil {
		return err
	}
	m.EntityID, m.ComponentID, m.Queries = EntityId(id), ComponentId(cid), qs
	return nil
}

// EntityComponentsPayload is one matched entity's selected components,
// shipped back to a subscribing worker (spec.md §4.3).
type EntityComponentsPayload struct {
	EntityID   EntityId
	Components []ComponentPayload
}

func (m EntityComponentsPayload) Marshal(w *Writer) {
	w.Uint64(uint64(m.EntityID))
	marshalComponentPayloads(w, m.Components)
}

func (m *EntityComponentsPayload) Unmarshal(r *Reader) error {
	id, err := r.Uint64()
	if err != nil {
		return err
	}
	comps, err := unmarshalComponentPayloads(r)
	if err != nil {
		return err
	}
	m.EntityID, m.Components = EntityId(id), comps
	return nil
}

// RuntimeComponentInterestQueryResult is the periodic fan-out datagram
// produced by the interest-query engine (spec.md §4.3). Fire and forget;
// addressed to the worker currently owning QueryingEntity's layer.
type RuntimeComponentInterestQueryResult struct {
	QueryingEntity    EntityId
	QueryingComponent ComponentId
	Matches           []EntityComponentsPayload
}

func (m RuntimeComponentInterestQueryResult) Marshal(w *Writer) {
	w.Uint64(uint64(m.QueryingEntity))
	w.Uint8(uint8(m.QueryingComponent))
	w.Uint32(uint32(len(m.Matches)))
	for _, e := range m.Matches {
		e.Marshal(w)
	}
}

func (m *RuntimeComponentInterestQueryResult) Unmarshal(r *Reader) error {
	id, err := r.Uint64()
	if err != nil {
		return err
	}
	cid, err := r.Uint8()
	if err != nil {
		return err
	}
	n, err := r.Uint32()
	if err != nil {
		return err
	}
	out := make([]EntityComponentsPayload, n)
	for i := range out {
		if err := out[i].Unmarshal(r); err != nil {
			return err
		}
	}
	m.QueryingEntity, m.QueryingComponent, m.Matches = EntityId(id), ComponentId(cid), out
	return nil
}

// EntityInfo is a snapshot of one entity, used by inspector responses.
type EntityInfo struct {
	EntityID EntityId
	Mask     ComponentMask
	Position Position
}

func (m EntityInfo) Marshal(w *Writer) {
	w.Uint64(uint64(m.EntityID))
	w.Uint64(uint64(m.Mask))
	w.Int32(m.Position.X)
	w.Int32(m.Position.Y)
}

func (m *EntityInfo) Unmarshal(r *Reader) error {
	id, err := r.Uint64()
	if err != nil {
		return err
	}
	mask, err := r.Uint64()
	if err != nil {
		return err
	}
	x, err := r.Int32()
	if err != nil {
		return err
	}
	y, err := r.Int32()
	if err != nil {
		return err
	}
	m.EntityID, m.Mask, m.Position = EntityId(id), ComponentMask(mask), Position{x, y}
	return nil
}

// LayerOwnerInfo names the worker owning a cell for one layer, if any.
type LayerOwnerInfo struct {
	LayerID  LayerId
	HasOwner bool
	WorkerID WorkerId
}

// CellInfo is a snapshot of one world cell.
type CellInfo struct {
	Coordinates CellCoordinates
	EntityCount uint32
	LayerOwners []LayerOwnerInfo
}

// WorkerInfo is a snapshot of one connected worker.
type WorkerInfo struct {
	WorkerID    WorkerId
	LayerID     LayerId
	EntityCount uint32
}

// CellsInfosResponse answers RuntimeGetCellsInfos.
type CellsInfosResponse struct {
	Cells []CellInfo
}

func (m CellsInfosResponse) Marshal(w *Writer) {
	w.Uint32(uint32(len(m.Cells)))
	for _, c := range m.Cells {
		w.Int32(c.Coordinates.X)
		w.Int32(c.Coordinates.Y)
		w.Uint32(c.EntityCount)
		w.Uint32(uint32(len(c.LayerOwners)))
		for _, lo := range c.LayerOwners {
			w.Uint64(uint64(lo.LayerID))
			w.Bool(lo.HasOwner)
			w.Uint64(uint64(lo.WorkerID))
		}
	}
}

func (m *CellsInfosResponse) Unmarshal(r *Reader) error {
	n, err := r.Uint32()
	if err != nil {
		return err
	}
	cells := make([]CellInfo, n)
	for i := range cells {
		x, err := r.Int32()
		if err != nil {
			return err
		}
		y, err := r.Int32()
		if err != nil {
			return err
		}
		count, err := r.Uint32()
		if err != nil {
			return err
		}
		numOwners, err := r.Uint32()
		if err != nil {
			return err
		}
		owners := make([]LayerOwnerInfo, numOwners)
		for j := range owners {
			lid, err := r.Uint64()
			if err != nil {
				return err
			}
			hasOwner, err := r.Bool()
			if err != nil {
				return err
			}
			wid, err := r.Uint64()
			if err != nil {
				return err
			}
			owners[j] = LayerOwnerInfo{LayerId(lid), hasOwner, WorkerId(wid)}
		}
		cells[i] = CellInfo{CellCoordinates{x, y}, count, owners}
	}
	m.Cells = cells
	return nil
}

// RuntimeGetEntitiesInfo requests a snapshot of every entity (inspector).
type RuntimeGetEntitiesInfo struct{}

func (RuntimeGetEntitiesInfo) Marshal(*Writer)            {}
func (*RuntimeGetEntitiesInfo) Unmarshal(*Reader) error { return nil }

// EntitiesInfoResponse answers RuntimeGetEntitiesInfo.
type EntitiesInfoResponse struct {
	Entities []EntityInfo
}

func (m EntitiesInfoResponse) Marshal(w *Writer) {
	w.Uint32(uint32(len(m.Entities)))
	for _, e := range m.Entities {
		e.Marshal(w)
	}
}

func (m *EntitiesInfoResponse) Unmarshal(r *Reader) error {
	n, err := r.Uint32()
	if err != nil {
		return err
	}
	out := make([]EntityInfo, n)
	for i := range out {
		if err := out[i].Unmarshal(r); err != nil {
			return err
		}
	}
	m.Entities = out
	return nil
}

// RuntimeGetCellsInfos requests a snapshot of every cell of one layer
// (inspector).
type RuntimeGetCellsInfos struct {
	LayerID LayerId
}

func (m RuntimeGetCellsInfos) Marshal(w *Writer) { w.Uint64(uint64(m.LayerID)) }
func (m *RuntimeGetCellsInfos) Unmarshal(r *Reader) error {
	id, err := r.Uint64()
	m.LayerID = LayerId(id)
	return err
}

// RuntimeGetWorkersInfos requests a snapshot of every worker of one layer
// (inspector).
type RuntimeGetWorkersInfos struct {
	LayerID LayerId
}

func (m RuntimeGetWorkersInfos) Marshal(w *Writer) { w.Uint64(uint64(m.LayerID)) }
func (m *RuntimeGetWorkersInfos) Unmarshal(r *Reader) error {
	id, err := r.Uint64()
	m.LayerID = LayerId(id)
	return err
}

// WorkersInfosResponse answers RuntimeGetWorkersInfos.
type WorkersInfosResponse struct {
	Workers []WorkerInfo
}

func (m WorkersInfosResponse) Marshal(w *Writer) {
	w.Uint32(uint32(len(m.Workers)))
	for _, wi := range m.Workers {
		w.Uint64(uint64(wi.WorkerID))
		w.Uint64(uint64(wi.LayerID))
		w.Uint32(wi.EntityCount)
	}
}

func (m *WorkersInfosResponse) Unmarshal(r *Reader) error {
	n, err := r.Uint32()
	if err != nil {
		return err
	}
	out := make([]WorkerInfo, n)
	for i := range out {
		wid, err := r.Uint64()
		if err != nil {
			return err
		}
		lid, err := r.Uint64()
		if err != nil {
			return err
		}
		count, err := r.Uint32()
		if err != nil {
			return err
		}
		out[i] = WorkerInfo{WorkerId(wid), LayerId(lid), count}
	}
	m.Workers = out
	return nil
}

// RuntimeInspectorQuery runs an ad-hoc ComponentQuery for an inspector and
// returns matches directly in the response, rather than via the periodic
// fan-out path.
type RuntimeInspectorQuery struct {
	Query ComponentQuery
}

func (m RuntimeInspectorQuery) Marshal(w *Writer) { m.Query.Marshal(w) }
func (m *RuntimeInspectorQuery) Unmarshal(r *Reader) error { return m.Query.Unmarshal(r) }

// InspectorQueryResponse answers RuntimeInspectorQuery.
type InspectorQueryResponse struct {
	Matches []EntityComponentsPayload
}

func (m InspectorQueryResponse) Marshal(w *Writer) {
	w.Uint32(uint32(len(m.Matches)))
	for _, e := range m.Matches {
		e.Marshal(w)
	}
}

func (m *InspectorQueryResponse) Unmarshal(r *Reader) error {
	n, err := r.Uint32()
	if err != nil {
		return err
	}
	out := make([]EntityComponentsPayload, n)
	for i := range out {
		if err := out[i].Unmarshal(r); err != nil {
			return err
		}
	}
	m.Matches = out
	return nil
}
