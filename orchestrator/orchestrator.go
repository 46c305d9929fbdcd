// Package orchestrator wires the entity store, world controller,
// interest-query engine, transports and request routers into the single
// tick() loop described by spec.md §4.7 (C9): the Runtime Orchestrator.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jani-run/jani/internal/arena"
	"github.com/jani-run/jani/jani"
	"github.com/jani-run/jani/metrics"
	"github.com/jani-run/jani/router"
	"github.com/jani-run/jani/transport"
)

// slotQueryResult is the arena slot backing the scratch buffer used to
// estimate each interest-query match's encoded size while chunking outbound
// results (spec.md §4.7 step 8, §9's per-frame-arena redesign note).
const slotQueryResult = 0

// spawnRequestTimeout bounds how long a SpawnWorkerForLayer request stays
// in flight before the spawner client lets the next pass retry (spec.md
// §4.8).
const spawnRequestTimeout = 5 * time.Second

// Orchestrator owns every runtime subsystem and drives them from one main
// loop (spec.md §4.7). Construct with New and call Run.
type Orchestrator struct {
	cfg jani.Config
	log *slog.Logger

	store   *jani.EntityStore
	world   *jani.World
	engine  *jani.Engine
	bridges *jani.BridgeSet
	spawner *jani.SpawnerClient
	arena   *arena.Pool
	metrics *metrics.Metrics

	inspectorCache *inspectorCache

	clientTransport    *transport.Transport
	serverTransport    *transport.Transport
	inspectorTransport *transport.Transport

	clientRouter    *router.Router
	serverRouter    *router.Router
	inspectorRouter *router.Router

	spawnerTransports map[string]*transport.Transport
	spawnerRouters    map[string]*router.Router

	peers *peerRegistry

	nextWorkerID atomic.Uint64

	closeOnce sync.Once
}

// New builds every transport, router and subsystem from cfg and wires their
// handlers, but does not start the tick loop — call Run for that.
func New(cfg jani.Config, m *metrics.Metrics) (*Orchestrator, error) {
	if err := cfg.Deployment.Validate(); err != nil {
		return nil, err
	}
	log := cfg.Logger()

	o := &Orchestrator{
		cfg:               cfg,
		log:               log,
		store:             jani.NewEntityStore(1),
		bridges:           jani.NewBridgeSet(),
		arena:             arena.New(),
		metrics:           m,
		inspectorCache:    newInspectorCache(),
		spawnerTransports: make(map[string]*transport.Transport),
		spawnerRouters:    make(map[string]*router.Router),
		peers:             newPeerRegistry(),
	}
	o.world = jani.NewWorld(cfg)
	o.engine = jani.NewEngine(cfg, o.store, o.world)
	o.spawner = jani.NewSpawnerClient(cfg, o.sendSpawnRequest)

	var err error
	o.clientTransport, o.clientRouter, err = o.listenRole("client-worker", cfg.Deployment.ClientWorkerListenPort, o.onClientTimeout)
	if err != nil {
		return nil, err
	}
	o.serverTransport, o.serverRouter, err = o.listenRole("server-worker", cfg.Deployment.ServerWorkerListenPort, o.onServerTimeout)
	if err != nil {
		return nil, err
	}
	o.inspectorTransport, o.inspectorRouter, err = o.listenRole("inspector", cfg.Deployment.InspectorListenPort, nil)
	if err != nil {
		return nil, err
	}

	for _, s := range cfg.Spawners {
		if err := o.dialSpawner(s); err != nil {
			return nil, err
		}
	}

	o.registerHandlers()
	return o, nil
}

// listenRole opens a server-role transport on port, builds its router, and
// wires OnReceive to dispatch through that router (the transport must exist
// before the router, and the router before OnReceive can reference it, so
// OnReceive closes over a not-yet-assigned variable the way dragonfly's
// listener bootstrap does for its packet handler).
func (o *Orchestrator) listenRole(name string, port int, onTimeout func(peerKey string)) (*transport.Transport, *router.Router, error) {
	var r *router.Router
	tcfg := transport.Config{
		Log: o.log,
		OnReceive: func(peerKey string, payload []byte) {
			if err := r.Dispatch(peerKey, payload); err != nil {
				o.log.Warn("dispatch failed", "role", name, "peer", peerKey, "err", err)
			}
		},
	}
	if onTimeout != nil {
		tcfg.OnTimeout = onTimeout
	}
	if o.cfg.HeartbeatWindow > 0 {
		tcfg.HeartbeatWindow = o.cfg.HeartbeatWindow
	}
	if o.cfg.TimeoutMillis > 0 {
		tcfg.Timeout = time.Duration(o.cfg.TimeoutMillis) * time.Millisecond
	}
	if o.cfg.TimeoutGraceMultiplier > 0 {
		tcfg.TimeoutGraceMultiplier = o.cfg.TimeoutGraceMultiplier
	}
	t, err := transport.Listen(port, tcfg)
	if err != nil {
		return nil, nil, fmt.Errorf("orchestrator: %s listen: %w", name, err)
	}
	r = router.New(t, o.log.With("role", name))
	r.SetTrafficObserver(
		func(peerKey string, bytes int) { o.accountWorkerTraffic(peerKey, bytes, 0) },
		func(peerKey string, bytes int) { o.accountWorkerTraffic(peerKey, 0, bytes) },
	)
	return t, r, nil
}

// accountWorkerTraffic folds one datagram's size into the traffic counters
// of the worker authenticated at peerKey, if any (spec.md §4.6). Inspector
// and not-yet-authenticated peers have no WorkerReference to account
// against and are skipped.
func (o *Orchestrator) accountWorkerTraffic(peerKey string, sent, received int) {
	workerID, ok := o.peers.workerFor(peerKey)
	if !ok {
		return
	}
	handle, ok := o.peers.lookup(workerID)
	if !ok {
		return
	}
	b, ok := o.bridges.LayerIfPresent(handle.layerID)
	if !ok {
		return
	}
	ref, ok := b.Get(workerID)
	if !ok {
		return
	}
	if sent > 0 {
		ref.Traffic.AccountSent(uint64(sent))
	}
	if received > 0 {
		ref.Traffic.AccountReceived(uint64(received))
	}
}

func (o *Orchestrator) dialSpawner(s jani.SpawnerConfig) error {
	addr := s.Addr()
	var r *router.Router
	tcfg := transport.Config{
		Log: o.log,
		OnReceive: func(peerKey string, payload []byte) {
			if err := r.Dispatch(peerKey, payload); err != nil {
				o.log.Warn("dispatch failed", "role", "spawner", "peer", peerKey, "err", err)
			}
		},
	}
	t, err := transport.Dial(0, s.IP, s.Port, tcfg)
	if err != nil {
		return fmt.Errorf("orchestrator: dial spawner %s: %w", addr, err)
	}
	r = router.New(t, o.log.With("role", "spawner", "addr", addr))
	o.spawnerTransports[addr] = t
	o.spawnerRouters[addr] = r
	return nil
}

func (o *Orchestrator) sendSpawnRequest(addr string, req jani.SpawnWorkerForLayer) error {
	r, ok := o.spawnerRouters[addr]
	if !ok {
		return fmt.Errorf("orchestrator: no spawner dialed for %s", addr)
	}
	t := o.spawnerTransports[addr]
	if o.metrics != nil {
		o.metrics.IncSpawnRequest(fmt.Sprint(req.LayerID))
	}
	_, err := r.SendRequestWithTimeout(t.DialPeerKey(), jani.TypeSpawnWorkerForLayer, &req, func(body []byte) error {
		var resp jani.SpawnWorkerForLayerResponse
		if err := jani.ReadMessage(body, &resp); err != nil {
			return err
		}
		if !resp.Accepted {
			o.log.Warn("spawn request rejected", "layer", req.LayerID, "addr", addr)
		}
		return nil
	}, func() {
		o.log.Warn("spawn request timed out waiting for response", "layer", req.LayerID, "addr", addr)
	})
	return err
}

// Close releases every transport socket. Safe to call more than once.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		o.clientTransport.Close()
		o.serverTransport.Close()
		o.inspectorTransport.Close()
		for _, t := range o.spawnerTransports {
			t.Close()
		}
	})
}

// Run drives the tick loop until ctx is cancelled, sleeping between ticks to
// hold cfg.TickInterval (default 50ms / 20Hz).
func (o *Orchestrator) Run(ctx context.Context) error {
	interval := o.cfg.TickInterval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	o.engine.Start(time.Now())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			o.tick(ctx, now)
		}
	}
}

// tick runs the eight steps of spec.md §4.7 once.
func (o *Orchestrator) tick(ctx context.Context, now time.Time) {
	start := time.Now()

	// 1 & 2: drive every transport's update pass. The server-worker
	// transport is the most expensive (its peers carry the bulk of query
	// re-evaluation traffic) so it runs alongside the others rather than
	// after them.
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); o.clientTransport.Update(now) }()
	go func() { defer wg.Done(); o.inspectorTransport.Update(now) }()
	go func() { defer wg.Done(); o.serverTransport.Update(now) }()
	wg.Wait()

	// 3: world controller rebalance pass.
	moves := o.world.RebalanceTick()

	// 4: interest-query engine against the worker pool.
	deliveries := o.engine.Tick(ctx, now)
	o.deliverQueryResults(deliveries)

	// 5: dispatch is driven inline by each transport's OnReceive as
	// datagrams arrive, so nothing further to drain here; ownership events
	// queued during steps 3-4 still need turning into datagrams.
	o.deliverOwnershipEvents()

	// 6: timeouts are delivered by the transports' own OnTimeout callbacks
	// during step 1/2's Update calls; nothing further here.

	// 7: spawner client retry/expiry pass.
	for _, layerID := range o.spawner.PollTimeouts(now) {
		o.log.Warn("spawn request timed out, will retry on next rebalance", "layer", layerID)
	}
	for _, layerID := range o.world.DrainSpawnRequests() {
		layer, ok := o.cfg.LayerByID(layerID)
		if !ok {
			continue
		}
		if err := o.spawner.RequestWorker(layerID, spawnRequestTimeout); err != nil {
			o.log.Warn("spawn request failed", "layer", layer.Name, "err", err)
		}
	}

	// 8: reset per-frame scratch buffers.
	o.arena.Reset()

	if o.metrics != nil {
		o.metrics.ObserveTick(time.Since(start).Seconds())
		o.metrics.SetEntityCount(o.store.Count())
		o.metrics.SetCellCount(o.world.TotalCells())
		o.metrics.AddRebalanceMoves(moves)
		for _, l := range o.cfg.Layers {
			o.metrics.SetWorkerCount(l.Name, len(o.world.SnapshotWorkers(l.ID)))
		}
		for role, t := range map[string]*transport.Transport{
			"client-worker": o.clientTransport,
			"server-worker": o.serverTransport,
			"inspector":     o.inspectorTransport,
		} {
			sent, received := t.TakeTraffic()
			o.metrics.AddBytesSent(role, sent)
			o.metrics.AddBytesReceived(role, received)
		}
	}
}

// deliverOwnershipEvents turns the World Controller's queued
// Authority{Gain,Lost} events into datagrams (spec.md §4.1, §9's
// message-passing redesign note). A gain also mirrors every component of
// that layer currently present on the entity, so the new owner starts with
// a correct local copy (spec.md §4.1 "authority handoff").
func (o *Orchestrator) deliverOwnershipEvents() {
	for _, ev := range o.world.DrainEvents() {
		handle, ok := o.peers.lookup(ev.WorkerID)
		if !ok {
			continue
		}
		switch ev.Kind {
		case jani.EventAuthorityGain:
			o.sendFireAndForget(handle, jani.TypeWorkerLayerAuthorityGain, &jani.WorkerLayerAuthorityGain{EntityID: ev.EntityID, LayerID: ev.LayerID})
			o.mirrorLayerComponents(handle, ev.EntityID, ev.LayerID)
		case jani.EventAuthorityLost:
			o.sendFireAndForget(handle, jani.TypeWorkerLayerAuthorityLost, &jani.WorkerLayerAuthorityLost{EntityID: ev.EntityID, LayerID: ev.LayerID})
		}
	}
}

func (o *Orchestrator) mirrorLayerComponents(handle peerHandle, entityID jani.EntityId, layerID jani.LayerId) {
	layer, ok := o.cfg.LayerByID(layerID)
	if !ok {
		return
	}
	entity, ok := o.store.Get(entityID)
	if !ok {
		return
	}
	for _, comp := range layer.Components {
		if !entity.Mask.Has(comp.ID) {
			continue
		}
		o.sendFireAndForget(handle, jani.TypeWorkerAddComponent, &jani.WorkerAddComponent{
			EntityID: entityID, ComponentID: comp.ID, Payload: entity.Payloads[comp.ID],
		})
	}
}

// deliverQueryResults fans interest-query matches out to their subscribing
// worker (spec.md §4.3). Oversized result sets are split at 500 bytes
// (spec.md §6's chunking rule).
func (o *Orchestrator) deliverQueryResults(deliveries []jani.Delivery) {
	if len(deliveries) == 0 {
		return
	}
	for _, d := range deliveries {
		handle, ok := o.peers.lookup(d.WorkerID)
		if !ok {
			continue
		}
		for _, chunk := range chunkQueryResult(o.arena, d.Result, maxChunkBytes) {
			chunk := chunk
			o.sendFireAndForget(handle, jani.TypeRuntimeComponentInterestQueryResult, &chunk)
		}
	}
	if o.metrics != nil {
		o.metrics.AddQueryDeliveries(len(deliveries))
	}
}

// sendFireAndForget delivers msg to handle without registering a pending
// response (every type passed here is in jani.RequestType.FireAndForget, or
// is a runtime->worker push that never gets one).
func (o *Orchestrator) sendFireAndForget(handle peerHandle, t jani.RequestType, msg jani.Message) {
	if _, err := handle.router.SendRequest(handle.peerKey, t, msg, nil); err != nil {
		o.log.Warn("push to worker failed", "type", t, "peer", handle.peerKey, "err", err)
	}
}

func (o *Orchestrator) onClientTimeout(peerKey string) {
	handle, ok := o.peers.dropClientPeer(peerKey)
	if !ok {
		return
	}
	o.clientRouter.DropPeer(peerKey)
	if b, ok := o.bridges.LayerIfPresent(handle.layerID); ok {
		b.Remove(handle.workerID)
	}
	if o.metrics != nil {
		o.metrics.IncWorkerTimeout(fmt.Sprint(handle.layerID))
	}
	o.log.Warn("client worker timed out", "peer", peerKey, "layer", handle.layerID, "worker", handle.workerID)
}

// Layers returns the configured layers, for console/tooling listings.
func (o *Orchestrator) Layers() []jani.LayerConfig { return o.cfg.Layers }

// Workers returns a snapshot of every worker connected to layerID.
func (o *Orchestrator) Workers(layerID jani.LayerId) []jani.WorkerInfo {
	return o.world.SnapshotWorkers(layerID)
}

// Cells returns a snapshot of every world cell, annotated with layerID's
// ownership (as well as every other layer's, since WorldCell tracks one
// owner slot per layer regardless of which layer the caller asked about).
func (o *Orchestrator) Cells(layerID jani.LayerId) []jani.CellInfo {
	return o.world.SnapshotCells(layerID)
}

// EntityCount returns the number of live entities in the authoritative
// store.
func (o *Orchestrator) EntityCount() int { return o.store.Count() }

// RequestSpawn asks the configured spawner(s) for an additional worker on
// layerID, the same call the rebalancer makes automatically (console
// "spawn" command, spec.md §4.8).
func (o *Orchestrator) RequestSpawn(layerID jani.LayerId, timeout time.Duration) error {
	return o.spawner.RequestWorker(layerID, timeout)
}

func (o *Orchestrator) onServerTimeout(peerKey string) {
	handle, ok := o.peers.dropServerPeer(peerKey)
	if !ok {
		return
	}
	o.serverRouter.DropPeer(peerKey)
	if b, ok := o.bridges.LayerIfPresent(handle.layerID); ok {
		b.Remove(handle.workerID)
	}
	o.world.RemoveWorker(handle.layerID, handle.workerID)
	if o.metrics != nil {
		o.metrics.IncWorkerTimeout(fmt.Sprint(handle.layerID))
	}
	o.log.Warn("server worker timed out, cells reverted to null owner", "peer", peerKey, "layer", handle.layerID, "worker", handle.workerID)

	// A replacement is requested right away if the layer allows one
	// (spec.md §7's Peer timeout kind: "invokes spawner if configured").
	if layer, ok := o.cfg.LayerByID(handle.layerID); ok && layer.MaxWorkers > 0 {
		if err := o.spawner.RequestWorker(handle.layerID, spawnRequestTimeout); err != nil && err != jani.ErrNoSpawners {
			o.log.Warn("spawn request after worker timeout failed", "layer", layer.Name, "err", err)
		}
	}
}
