package jani

// RequestType tags every message's header (spec.md §6). Values are grouped by
// origin: worker->runtime, runtime->worker, inspector<->runtime, spawner.
type RequestType uint16

const (
	// Worker -> Runtime
	TypeRuntimeAuthentication RequestType = iota + 1
	TypeRuntimeClientAuthentication
	TypeRuntimeLogMessage
	TypeRuntimeReserveEntityIdRange
	TypeRuntimeAddEntity
	TypeRuntimeRemoveEntity
	TypeRuntimeAddComponent
	TypeRuntimeRemoveComponent
	TypeRuntimeComponentUpdate
	TypeRuntimeComponentInterestQueryUpdate
	TypeRuntimeWorkerReportAcknowledge

	// Runtime -> Worker
	TypeWorkerAddComponent
	TypeWorkerRemoveComponent
	TypeWorkerLayerAuthorityGain
	TypeWorkerLayerAuthorityLost
	// TypeWorkerLayerAuthorityGainImminent and TypeWorkerLayerAuthorityLostImminent
	// are reserved: declared in the original protocol but never emitted (spec.md §6).

	// Runtime -> Worker, fire and forget fan-out of interest-query results.
	TypeRuntimeComponentInterestQueryResult

	// Inspector <-> Runtime
	TypeRuntimeGetEntitiesInfo
	TypeRuntimeGetCellsInfos
	TypeRuntimeGetWorkersInfos
	TypeRuntimeInspectorQuery

	// Spawner <-> Runtime
	TypeSpawnWorkerForLayer

	// Generic succeed/fail envelope used by request types that don't carry a
	// richer response body of their own.
	TypeStatusResponse
)

// Header precedes every message body on the wire (spec.md §6).
type Header struct {
	Type         RequestType
	RequestIndex uint64
	IsRequest    bool
}

func (h Header) Marshal(w *Writer) {
	w.Uint32(uint32(h.Type))
	w.Uint64(h.RequestIndex)
	w.Bool(h.IsRequest)
}

func (h *Header) Unmarshal(r *Reader) error {
	t, err := r.Uint32()
	if err != nil {
		return err
	}
	idx, err := r.Uint64()
	if err != nil {
		return err
	}
	isReq, err := r.Bool()
	if err != nil {
		return err
	}
	h.Type = RequestType(t)
	h.RequestIndex = idx
	h.IsRequest = isReq
	return nil
}

// FireAndForget reports whether messages of this type never expect a
// response and so the router must not register a pending-callback entry nor
// synthesize a timeout for them (spec.md §4.5).
func (t RequestType) FireAndForget() bool {
	switch t {
	case TypeRuntimeLogMessage, TypeRuntimeComponentInterestQueryUpdate,
		TypeRuntimeComponentInterestQueryResult, TypeRuntimeWorkerReportAcknowledge:
		return true
	}
	return false
}

// StatusResponse is the generic succeed/fail envelope (spec.md §7).
type StatusResponse struct {
	Succeed bool
	Reason  string
}

func (m StatusResponse) Marshal(w *Writer) {
	w.Bool(m.Succeed)
	w.String(m.Reason)
}

func (m *StatusResponse) Unmarshal(r *Reader) error {
	ok, err := r.Bool()
	if err != nil {
		return err
	}
	reason, err := r.String()
	if err != nil {
		return err
	}
	m.Succeed = ok
	m.Reason = reason
	return nil
}

// ComponentPayload pairs a component id with its opaque payload bytes.
type ComponentPayload struct {
	ID      ComponentId
	Payload []byte
}

func (c ComponentPayload) Marshal(w *Writer) {
	w.Uint8(uint8(c.ID))
	w.ByteSlice(c.Payload)
}

func (c *ComponentPayload) Unmarshal(r *Reader) error {
	id, err := r.Uint8()
	if err != nil {
		return err
	}
	payload, err := r.ByteSlice()
	if err != nil {
		return err
	}
	c.ID = ComponentId(id)
	c.Payload = payload
	return nil
}

func marshalComponentPayloads(w *Writer, cs []ComponentPayload) {
	w.Uint32(uint32(len(cs)))
	for _, c := range cs {
		c.Marshal(w)
	}
}

func unmarshalComponentPayloads(r *Reader) ([]ComponentPayload, error) {
	n, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	out := make([]ComponentPayload, n)
	for i := range out {
		if err := out[i].Unmarshal(r); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// RuntimeAuthentication authenticates a Server-role worker into a layer
// (spec.md §4.6). ClientToken is an opaque identity string the worker
// process picks (its build id, host name, whatever distinguishes it); the
// orchestrator hashes it into the WorkerReference's client_hash rather than
// trusting a hash computed on the other end.
type RuntimeAuthentication struct {
	LayerID     LayerId
	ClientToken string
}

func (m RuntimeAuthentication) Marshal(w *Writer) {
	w.Uint64(uint64(m.LayerID))
	w.String(m.ClientToken)
}

func (m *RuntimeAuthentication) Unmarshal(r *Reader) error {
	l, err := r.Uint64()
	if err != nil {
		return err
	}
	tok, err := r.String()
	if err != nil {
		return err
	}
	m.LayerID, m.ClientToken = LayerId(l), tok
	return nil
}

// RuntimeClientAuthentication authenticates a Client-role (read-only)
// worker into a layer.
type RuntimeClientAuthentication struct {
	LayerID     LayerId
	ClientToken string
}

func (m RuntimeClientAuthentication) Marshal(w *Writer) {
	w.Uint64(uint64(m.LayerID))
	w.String(m.ClientToken)
}

func (m *RuntimeClientAuthentication) Unmarshal(r *Reader) error {
	l, err := r.Uint64()
	if err != nil {
		return err
	}
	tok, err := r.String()
	if err != nil {
		return err
	}
	m.LayerID, m.ClientToken = LayerId(l), tok
	return nil
}

// AuthenticationResponse answers either authentication request.
type AuthenticationResponse struct {
	Succeed  bool
	WorkerID WorkerId
}

func (m AuthenticationResponse) Marshal(w *Writer) {
	w.Bool(m.Succeed)
	w.Uint64(uint64(m.WorkerID))
}

func (m *AuthenticationResponse) Unmarshal(r *Reader) error {
	ok, err := r.Bool()
	if err != nil {
		return err
	}
	id, err := r.Uint64()
	if err != nil {
		return err
	}
	m.Succeed, m.WorkerID = ok, WorkerId(id)
	return nil
}

// RuntimeLogMessage forwards a worker-side log line (supplemented feature,
// original_source/jani/core/JaniWorker.h). Fire and forget.
type RuntimeLogMessage struct {
	Level   uint8
	Message string
}

func (m RuntimeLogMessage) Marshal(w *Writer) {
	w.Uint8(m.Level)
	w.String(m.Message)
}

func (m *RuntimeLogMessage) Unmarshal(r *Reader) error {
	lvl, err := r.Uint8()
	if err != nil {
		return err
	}
	msg, err := r.String()
	if err != nil {
		return err
	}
	m.Level, m.Message = lvl, msg
	return nil
}

// RuntimeReserveEntityIdRange requests a contiguous, non-overlapping range
// of entity ids (spec.md §4.2).
type RuntimeReserveEntityIdRange struct {
	Count uint32
}

func (m RuntimeReserveEntityIdRange) Marshal(w *Writer) { w.Uint32(m.Count) }
func (m *RuntimeReserveEntityIdRange) Unmarshal(r *Reader) error {
	n, err := r.Uint32()
	m.Count = n
	return err
}

// ReserveEntityIdRangeResponse answers RuntimeReserveEntityIdRange.
type ReserveEntityIdRangeResponse struct {
	Succeed bool
	Begin   EntityId
	End     EntityId
}

func (m ReserveEntityIdRangeResponse) Marshal(w *Writer) {
	w.Bool(m.Succeed)
	w.Uint64(uint64(m.Begin))
	w.Uint64(uint64(m.End))
}

func (m *ReserveEntityIdRangeResponse) Unmarshal(r *Reader) error {
	ok, err := r.Bool()
	if err != nil {
		return err
	}
	begin, err := r.Uint64()
	if err != nil {
		return err
	}
	end, err := r.Uint64()
	if err != nil {
		return err
	}
	m.Succeed, m.Begin, m.End = ok, EntityId(begin), EntityId(end)
	return nil
}

// RuntimeAddEntity creates a new entity with an initial set of components
// (spec.md §4.2).
type RuntimeAddEntity struct {
	EntityID   EntityId
	Position   Position
	Components []ComponentPayload
}

func (m RuntimeAddEntity) Marshal(w *Writer) {
	w.Uint64(uint64(m.EntityID))
	w.Int32(m.Position.X)
	w.Int32(m.Position.Y)
	marshalComponentPayloads(w, m.Components)
}

func (m *RuntimeAddEntity) Unmarshal(r *Reader) error {
	id, err := r.Uint64()
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
	comps, err := unmarshalComponentPayloads(r)
	if err != nil {
		return err
	}
	m.EntityID = EntityId(id)
	m.Position = Position{x, y}
	m.Components = comps
	return nil
}

// RuntimeRemoveEntity removes an entity entirely (spec.md §4.2).
type RuntimeRemoveEntity struct {
	EntityID EntityId
}

func (m RuntimeRemoveEntity) Marshal(w *Writer) { w.Uint64(uint64(m.EntityID)) }
func (m *RuntimeRemoveEntity) Unmarshal(r *Reader) error {
	id, err := r.Uint64()
	m.EntityID = EntityId(id)
	return err
}

// RuntimeAddComponent adds one component to an existing entity.
type RuntimeAddComponent struct {
	EntityID    EntityId
	ComponentID ComponentId
	Payload     []byte
}

func (m RuntimeAddComponent) Marshal(w *Writer) {
	w.Uint64(uint64(m.EntityID))
	w.Uint8(uint8(m.ComponentID))
	w.ByteSlice(m.Payload)
}

func (m *RuntimeAddComponent) Unmarshal(r *Reader) error {
	id, err := r.Uint64()
	if err != nil {
		return err
	}
	cid, err := r.Uint8()
	if err != nil {
		return err
	}
	payload, err := r.ByteSlice()
	if err != nil {
		return err
	}
	m.EntityID, m.ComponentID, m.Payload = EntityId(id), ComponentId(cid), payload
	return nil
}

// RuntimeRemoveComponent removes one component from an existing entity.
type RuntimeRemoveComponent struct {
	EntityID    EntityId
	ComponentID ComponentId
}

func (m RuntimeRemoveComponent) Marshal(w *Writer) {
	w.Uint64(uint64(m.EntityID))
	w.Uint8(uint8(m.ComponentID))
}

func (m *RuntimeRemoveComponent) Unmarshal(r *Reader) error {
	id, err := r.Uint64()
	if err != nil {
		return err
	}
	cid, err := r.Uint8()
	if err != nil {
		return err
	}
	m.EntityID, m.ComponentID = EntityId(id), ComponentId(cid)
	return nil
}

// RuntimeComponentUpdate replaces a component's payload, optionally
// reporting a new world position (spec.md §4.2).
type RuntimeComponentUpdate struct {
	EntityID    EntityId
	ComponentID ComponentId
	Payload     []byte
	HasPosition bool
	Position    Position
}

func (m RuntimeComponentUpdate) Marshal(w *Writer) {
	w.Uint64(uint64(m.EntityID))
	w.Uint8(uint8(m.ComponentID))
	w.ByteSlice(m.Payload)
	w.Bool(m.HasPosition)
	w.Int32(m.Position.X)
	w.Int32(m.Position.Y)
}

func (m *RuntimeComponentUpdate) Unmarshal(r *Reader) error {
	id, err := r.Uint64()
	if err != nil {
		return err
	}
	cid, err := r.Uint8()
	if err != nil {
		return err
	}
	payload, err := r.ByteSlice()
	if err != nil {
		return err
	}
	hasPos, err := r.Bool()
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
	m.EntityID, m.ComponentID, m.Payload = EntityId(id), ComponentId(cid), payload
	m.HasPosition, m.Position = hasPos, Position{x, y}
	return nil
}

// RuntimeWorkerReportAcknowledge is a worker's periodic self-report of its
// perceived load (supplemented feature, original_source/jani/core/JaniWorker.cpp).
// Fire and forget; the runtime folds it into WorkerReference bookkeeping.
type RuntimeWorkerReportAcknowledge struct {
	TickRate         float32
	LocalEntityCount uint32
}

func (m RuntimeWorkerReportAcknowledge) Marshal(w *Writer) {
	w.Float32(m.TickRate)
	w.Uint32(m.LocalEntityCount)
}

func (m *RuntimeWorkerReportAcknowledge) Unmarshal(r *Reader) error {
	rate, err := r.Float32()
	if err != nil {
		return err
	}
	count, err := r.Uint32()
	if err != nil {
		return err
	}
	m.TickRate, m.LocalEntityCount = rate, count
	return nil
}

// WorkerAddComponent is pushed by the runtime when a foreign component must
// be mirrored onto a worker (spec.md §4.1 authority handoff).
type WorkerAddComponent struct {
	EntityID    EntityId
	ComponentID ComponentId
	Payload     []byte
}

func (m WorkerAddComponent) Marshal(w *Writer) {
	w.Uint64(uint64(m.EntityID))
	w.Uint8(uint8(m.ComponentID))
	w.ByteSlice(m.Payload)
}

func (m *WorkerAddComponent) Unmarshal(r *Reader) error {
	id, err := r.Uint64()
	if err != nil {
		return err
	}
	cid, err := r.Uint8()
	if err != nil {
		return err
	}
	payload, err := r.ByteSlice()
	if err != nil {
		return err
	}
	m.EntityID, m.ComponentID, m.Payload = EntityId(id), ComponentId(cid), payload
	return nil
}

// WorkerRemoveComponent mirrors a component removal to a worker.
type WorkerRemoveComponent struct {
	EntityID    EntityId
	ComponentID ComponentId
}

func (m WorkerRemoveComponent) Marshal(w *Writer) {
	w.Uint64(uint64(m.EntityID))
	w.Uint8(uint8(m.ComponentID))
}

func (m *WorkerRemoveComponent) Unmarshal(r *Reader) error {
	id, err := r.Uint64()
	if err != nil {
		return err
	}
	cid, err := r.Uint8()
	if err != nil {
		return err
	}
	m.EntityID, m.ComponentID = EntityId(id), ComponentId(cid)
	return nil
}

// WorkerLayerAuthorityGain notifies a worker it now owns an entity's
// components for the given layer (spec.md §4.1).
type WorkerLayerAuthorityGain struct {
	EntityID EntityId
	LayerID  LayerId
}

func (m WorkerLayerAuthorityGain) Marshal(w *Writer) {
	w.Uint64(uint64(m.EntityID))
	w.Uint64(uint64(m.LayerID))
}

func (m *WorkerLayerAuthorityGain) Unmarshal(r *Reader) error {
	id, err := r.Uint64()
	if err != nil {
		return err
	}
	l, err := r.Uint64()
	if err != nil {
		return err
	}
	m.EntityID, m.LayerID = EntityId(id), LayerId(l)
	return nil
}

// WorkerLayerAuthorityLost notifies a worker it no longer owns an entity's
// components for the given layer (spec.md §4.1).
type WorkerLayerAuthorityLost struct {
	EntityID EntityId
	LayerID  LayerId
}

func (m WorkerLayerAuthorityLost) Marshal(w *Writer) {
	w.Uint64(uint64(m.EntityID))
	w.Uint64(uint64(m.LayerID))
}

func (m *WorkerLayerAuthorityLost) Unmarshal(r *Reader) error {
	id, err := r.Uint64()
	if err != nil {
		return err
	}
	l, err := r.Uint64()
	if err != nil {
		return err
	}
	m.EntityID, m.LayerID = EntityId(id), LayerId(l)
	return nil
}

// SpawnWorkerForLayer is issued by the runtime to an external spawner
// process (spec.md §4.8).
type SpawnWorkerForLayer struct {
	LayerID LayerId
	Token   [16]byte
}

func (m SpawnWorkerForLayer) Marshal(w *Writer) {
	w.Uint64(uint64(m.LayerID))
	for _, b := range m.Token {
		w.Uint8(b)
	}
}

func (m *SpawnWorkerForLayer) Unmarshal(r *Reader) error {
	l, err := r.Uint64()
	if err != nil {
		return err
	}
	for i := range m.Token {
		b, err := r.Uint8()
		if err != nil {
			return err
		}
		m.Token[i] = b
	}
	m.LayerID = LayerId(l)
	return nil
}

// SpawnWorkerForLayerResponse answers SpawnWorkerForLayer.
type SpawnWorkerForLayerResponse struct {
	Accepted bool
}

func (m SpawnWorkerForLayerResponse) Marshal(w *Writer) { w.Bool(m.Accepted) }
func (m *SpawnWorkerForLayerResponse) Unmarshal(r *Reader) error {
	ok, err := r.Bool()
	m.Accepted = ok
	return err
}
