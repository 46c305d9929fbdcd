package orchestrator

import (
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/jani-run/jani/jani"
)

// registerHandlers wires every RequestType named in spec.md §6 to its
// handler on the router matching its origin (server-worker types on the
// server router; client authentication, log forwarding and interest-query
// updates on the client router; inspector types on the inspector router).
func (o *Orchestrator) registerHandlers() {
	o.serverRouter.Handle(jani.TypeRuntimeAuthentication, o.handleServerAuthentication)
	o.serverRouter.Handle(jani.TypeRuntimeLogMessage, o.handleLogMessage)
	o.serverRouter.Handle(jani.TypeRuntimeReserveEntityIdRange, o.handleReserveEntityIdRange)
	o.serverRouter.Handle(jani.TypeRuntimeAddEntity, o.handleAddEntity)
	o.serverRouter.Handle(jani.TypeRuntimeRemoveEntity, o.handleRemoveEntity)
	o.serverRouter.Handle(jani.TypeRuntimeAddComponent, o.handleAddComponent)
	o.serverRouter.Handle(jani.TypeRuntimeRemoveComponent, o.handleRemoveComponent)
	o.serverRouter.Handle(jani.TypeRuntimeComponentUpdate, o.handleComponentUpdate)
	o.serverRouter.Handle(jani.TypeRuntimeComponentInterestQueryUpdate, o.handleInterestQueryUpdate)
	o.serverRouter.Handle(jani.TypeRuntimeWorkerReportAcknowledge, o.handleWorkerReport)

	o.clientRouter.Handle(jani.TypeRuntimeClientAuthentication, o.handleClientAuthentication)
	o.clientRouter.Handle(jani.TypeRuntimeLogMessage, o.handleLogMessage)
	o.clientRouter.Handle(jani.TypeRuntimeComponentInterestQueryUpdate, o.handleInterestQueryUpdate)

	o.inspectorRouter.Handle(jani.TypeRuntimeGetEntitiesInfo, o.handleGetEntitiesInfo)
	o.inspectorRouter.Handle(jani.TypeRuntimeGetCellsInfos, o.handleGetCellsInfos)
	o.inspectorRouter.Handle(jani.TypeRuntimeGetWorkersInfos, o.handleGetWorkersInfos)
	o.inspectorRouter.Handle(jani.TypeRuntimeInspectorQuery, o.handleInspectorQuery)
}

func decode[T any, PT interface {
	*T
	jani.Message
}](body []byte) (PT, error) {
	var v T
	p := PT(&v)
	if err := jani.ReadMessage(body, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (o *Orchestrator) handleServerAuthentication(peerKey string, _ jani.Header, body []byte) (jani.Message, error) {
	req, err := decode[jani.RuntimeAuthentication](body)
	if err != nil {
		o.log.Warn("malformed RuntimeAuthentication", "peer", peerKey, "err", err)
		return nil, err
	}
	layer, ok := o.cfg.LayerByID(req.LayerID)
	if !ok {
		return &jani.AuthenticationResponse{Succeed: false}, nil
	}
	id := jani.WorkerId(o.nextWorkerID.Add(1))
	o.bridges.Layer(req.LayerID).Add(&jani.WorkerReference{
		ID: id, LayerID: req.LayerID, Kind: jani.WorkerServer, ClientHash: xxhash.Sum64String(req.ClientToken), ConnectedAt: time.Now(),
	})
	o.world.AddWorker(req.LayerID, id)
	o.peers.registerServer(id, peerKey, o.serverRouter, req.LayerID)
	o.spawner.AcknowledgeWorkerSpawn(req.LayerID)
	o.log.Info("server worker authenticated", "worker", id, "layer", layer.Name, "peer", peerKey)
	return &jani.AuthenticationResponse{Succeed: true, WorkerID: id}, nil
}

func (o *Orchestrator) handleClientAuthentication(peerKey string, _ jani.Header, body []byte) (jani.Message, error) {
	req, err := decode[jani.RuntimeClientAuthentication](body)
	if err != nil {
		o.log.Warn("malformed RuntimeClientAuthentication", "peer", peerKey, "err", err)
		return nil, err
	}
	layer, ok := o.cfg.LayerByID(req.LayerID)
	if !ok {
		return &jani.AuthenticationResponse{Succeed: false}, nil
	}
	id := jani.WorkerId(o.nextWorkerID.Add(1))
	o.bridges.Layer(req.LayerID).Add(&jani.WorkerReference{
		ID: id, LayerID: req.LayerID, Kind: jani.WorkerClient, ClientHash: xxhash.Sum64String(req.ClientToken), ConnectedAt: time.Now(),
	})
	o.peers.registerClient(id, peerKey, o.clientRouter, req.LayerID)
	o.log.Info("client worker authenticated", "worker", id, "layer", layer.Name, "peer", peerKey)
	return &jani.AuthenticationResponse{Succeed: true, WorkerID: id}, nil
}

// handleLogMessage forwards a worker's log line through the orchestrator's
// own logger (SUPPLEMENTED FEATURES, original_source/jani/core/JaniWorker.h).
// Fire and forget: no response is ever sent.
func (o *Orchestrator) handleLogMessage(peerKey string, _ jani.Header, body []byte) (jani.Message, error) {
	msg, err := decode[jani.RuntimeLogMessage](body)
	if err != nil {
		return nil, err
	}
	o.log.Info("worker log", "peer", peerKey, "level", msg.Level, "message", msg.Message)
	return nil, nil
}

func (o *Orchestrator) handleReserveEntityIdRange(peerKey string, _ jani.Header, body []byte) (jani.Message, error) {
	req, err := decode[jani.RuntimeReserveEntityIdRange](body)
	if err != nil {
		return nil, err
	}
	begin, end, err := o.store.ReserveIDs(req.Count)
	if err != nil {
		return &jani.ReserveEntityIdRangeResponse{Succeed: false}, nil
	}
	return &jani.ReserveEntityIdRangeResponse{Succeed: true, Begin: begin, End: end}, nil
}

func (o *Orchestrator) handleAddEntity(peerKey string, _ jani.Header, body []byte) (jani.Message, error) {
	req, err := decode[jani.RuntimeAddEntity](body)
	if err != nil {
		return nil, err
	}
	if _, err := o.store.AddEntity(req.EntityID, req.Position, req.Components); err != nil {
		return &jani.StatusResponse{Succeed: false, Reason: err.Error()}, nil
	}
	cellRef := o.world.InsertEntity(req.EntityID, req.Position)
	_ = o.store.SetCellRef(req.EntityID, cellRef)
	return &jani.StatusResponse{Succeed: true}, nil
}

func (o *Orchestrator) handleRemoveEntity(peerKey string, _ jani.Header, body []byte) (jani.Message, error) {
	req, err := decode[jani.RuntimeRemoveEntity](body)
	if err != nil {
		return nil, err
	}
	entity, ok := o.store.Get(req.EntityID)
	if !ok {
		return &jani.StatusResponse{Succeed: false, Reason: jani.ErrEntityNotFound.Error()}, nil
	}
	o.world.RemoveEntity(req.EntityID, entity.CellRef)
	if err := o.store.RemoveEntity(req.EntityID); err != nil {
		return &jani.StatusResponse{Succeed: false, Reason: err.Error()}, nil
	}
	return &jani.StatusResponse{Succeed: true}, nil
}

// authorized returns peerKey's authenticated worker id if that worker
// currently owns the cell containing entity for componentID's layer
// (spec.md §4.2's authority check, §7's Authority violation kind). A
// negative result means the caller must silently drop the mutation rather
// than respond.
func (o *Orchestrator) authorized(peerKey string, entity *jani.Entity, componentID jani.ComponentId) (jani.WorkerId, bool) {
	workerID, ok := o.peers.serverWorkerFor(peerKey)
	if !ok {
		return 0, false
	}
	layer, ok := o.cfg.LayerOfComponent(componentID)
	if !ok {
		return 0, false
	}
	owner, ok := o.world.Owner(o.world.ToCell(entity.Position), layer.ID)
	if !ok || owner != workerID {
		return 0, false
	}
	return workerID, true
}

func (o *Orchestrator) handleAddComponent(peerKey string, _ jani.Header, body []byte) (jani.Message, error) {
	req, err := decode[jani.RuntimeAddComponent](body)
	if err != nil {
		return nil, err
	}
	entity, ok := o.store.Get(req.EntityID)
	if !ok {
		return &jani.StatusResponse{Succeed: false, Reason: jani.ErrEntityNotFound.Error()}, nil
	}
	if _, ok := o.authorized(peerKey, entity, req.ComponentID); !ok {
		return nil, nil
	}
	if err := o.store.AddComponent(req.EntityID, req.ComponentID, req.Payload); err != nil {
		return &jani.StatusResponse{Succeed: false, Reason: err.Error()}, nil
	}
	return &jani.StatusResponse{Succeed: true}, nil
}

func (o *Orchestrator) handleRemoveComponent(peerKey string, _ jani.Header, body []byte) (jani.Message, error) {
	req, err := decode[jani.RuntimeRemoveComponent](body)
	if err != nil {
		return nil, err
	}
	entity, ok := o.store.Get(req.EntityID)
	if !ok {
		return &jani.StatusResponse{Succeed: false, Reason: jani.ErrEntityNotFound.Error()}, nil
	}
	if _, ok := o.authorized(peerKey, entity, req.ComponentID); !ok {
		return nil, nil
	}
	if err := o.store.RemoveComponent(req.EntityID, req.ComponentID); err != nil {
		return &jani.StatusResponse{Succeed: false, Reason: err.Error()}, nil
	}
	return &jani.StatusResponse{Succeed: true}, nil
}

func (o *Orchestrator) handleComponentUpdate(peerKey string, _ jani.Header, body []byte) (jani.Message, error) {
	req, err := decode[jani.RuntimeComponentUpdate](body)
	if err != nil {
		return nil, err
	}
	entity, ok := o.store.Get(req.EntityID)
	if !ok {
		return &jani.StatusResponse{Succeed: false, Reason: jani.ErrEntityNotFound.Error()}, nil
	}
	workerID, ok := o.authorized(peerKey, entity, req.ComponentID)
	if !ok {
		return nil, nil
	}
	var pos *jani.Position
	if req.HasPosition {
		pos = &req.Position
	}
	if err := o.store.UpdateComponent(workerID, req.EntityID, req.ComponentID, req.Payload, pos); err != nil {
		return &jani.StatusResponse{Succeed: false, Reason: err.Error()}, nil
	}
	if req.HasPosition {
		newCell := o.world.PositionChanged(req.EntityID, entity.CellRef, req.Position)
		if newCell != entity.CellRef {
			_ = o.store.SetCellRef(req.EntityID, newCell)
		}
	}
	return &jani.StatusResponse{Succeed: true}, nil
}

// handleInterestQueryUpdate installs queries for (entity, component). Fire
// and forget: malformed queries are rejected individually inside
// Engine.Install and logged, never surfaced back to the sender (spec.md
// §4.3).
func (o *Orchestrator) handleInterestQueryUpdate(peerKey string, _ jani.Header, body []byte) (jani.Message, error) {
	req, err := decode[jani.RuntimeComponentInterestQueryUpdate](body)
	if err != nil {
		return nil, err
	}
	version, err := o.store.InstallQueries(req.EntityID, req.ComponentID, req.Queries)
	if err != nil {
		return nil, nil
	}
	o.engine.Install(req.EntityID, req.ComponentID, req.Queries, version)
	return nil, nil
}

// handleWorkerReport folds a worker's self-reported load into its
// WorkerReference (SUPPLEMENTED FEATURES, original_source/jani/core/JaniWorker.cpp).
// Fire and forget.
func (o *Orchestrator) handleWorkerReport(peerKey string, _ jani.Header, body []byte) (jani.Message, error) {
	req, err := decode[jani.RuntimeWorkerReportAcknowledge](body)
	if err != nil {
		return nil, err
	}
	workerID, ok := o.peers.serverWorkerFor(peerKey)
	if !ok {
		return nil, nil
	}
	handle, ok := o.peers.lookup(workerID)
	if !ok {
		return nil, nil
	}
	b, ok := o.bridges.LayerIfPresent(handle.layerID)
	if !ok {
		return nil, nil
	}
	ref, ok := b.Get(workerID)
	if !ok {
		return nil, nil
	}
	ref.Load = jani.ReportedLoad{TickRateHz: float64(req.TickRate), LocalEntityCount: req.LocalEntityCount, ReceivedAt: time.Now()}
	return nil, nil
}

func (o *Orchestrator) handleGetEntitiesInfo(peerKey string, _ jani.Header, body []byte) (jani.Message, error) {
	const key = "entities"
	if cached, ok := o.inspectorCache.get(key); ok {
		return cached, nil
	}
	resp := &jani.EntitiesInfoResponse{Entities: o.store.Snapshot()}
	o.inspectorCache.set(key, resp)
	return resp, nil
}

func (o *Orchestrator) handleGetCellsInfos(peerKey string, _ jani.Header, body []byte) (jani.Message, error) {
	req, err := decode[jani.RuntimeGetCellsInfos](body)
	if err != nil {
		return nil, err
	}
	key := "cells:" + fmt.Sprint(req.LayerID)
	if cached, ok := o.inspectorCache.get(key); ok {
		return cached, nil
	}
	resp := &jani.CellsInfosResponse{Cells: o.world.SnapshotCells(req.LayerID)}
	o.inspectorCache.set(key, resp)
	return resp, nil
}

func (o *Orchestrator) handleGetWorkersInfos(peerKey string, _ jani.Header, body []byte) (jani.Message, error) {
	req, err := decode[jani.RuntimeGetWorkersInfos](body)
	if err != nil {
		return nil, err
	}
	key := "workers:" + fmt.Sprint(req.LayerID)
	if cached, ok := o.inspectorCache.get(key); ok {
		return cached, nil
	}
	resp := &jani.WorkersInfosResponse{Workers: o.world.SnapshotWorkers(req.LayerID)}
	o.inspectorCache.set(key, resp)
	return resp, nil
}

// handleInspectorQuery runs an ad-hoc ComponentQuery through
// Engine.EvaluateAdHoc, for the inspector's one-shot lookups rather than the
// periodic subscription path (spec.md §4.3's evaluation logic, reused here
// with the world origin as the "querying" reference point since an
// inspector query has no subscribing entity of its own).
func (o *Orchestrator) handleInspectorQuery(peerKey string, _ jani.Header, body []byte) (jani.Message, error) {
	req, err := decode[jani.RuntimeInspectorQuery](body)
	if err != nil {
		return nil, err
	}
	if err := jani.ValidateQuery(req.Query); err != nil {
		return &jani.InspectorQueryResponse{}, nil
	}
	matches := o.engine.EvaluateAdHoc(req.Query)
	return &jani.InspectorQueryResponse{Matches: matches}, nil
}
