package orchestrator

import (
	"sync"

	"github.com/jani-run/jani/jani"
	"github.com/jani-run/jani/router"
)

// peerHandle is everything the orchestrator needs to push an unsolicited
// message at a worker it already authenticated (spec.md §4.1's authority
// handoff, §4.3's query-result fan-out) — the router to send it through
// plus the peer key that router's transport knows the worker by.
type peerHandle struct {
	router   *router.Router
	peerKey  string
	kind     jani.WorkerKind
	layerID  jani.LayerId
	workerID jani.WorkerId
}

// peerRegistry tracks every authenticated worker's routing handle plus the
// reverse peerKey -> WorkerId lookups the disconnect handlers need, kept
// separate per transport since a peer key is only unique within the
// transport that produced it.
type peerRegistry struct {
	mu sync.Mutex

	byWorker       map[jani.WorkerId]peerHandle
	serverPeerToID map[string]jani.WorkerId
	clientPeerToID map[string]jani.WorkerId
}

func newPeerRegistry() *peerRegistry {
	return &peerRegistry{
		byWorker:       make(map[jani.WorkerId]peerHandle),
		serverPeerToID: make(map[string]jani.WorkerId),
		clientPeerToID: make(map[string]jani.WorkerId),
	}
}

func (p *peerRegistry) registerServer(id jani.WorkerId, peerKey string, r *router.Router, layerID jani.LayerId) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byWorker[id] = peerHandle{router: r, peerKey: peerKey, kind: jani.WorkerServer, layerID: layerID, workerID: id}
	p.serverPeerToID[peerKey] = id
}

func (p *peerRegistry) registerClient(id jani.WorkerId, peerKey string, r *router.Router, layerID jani.LayerId) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byWorker[id] = peerHandle{router: r, peerKey: peerKey, kind: jani.WorkerClient, layerID: layerID, workerID: id}
	p.clientPeerToID[peerKey] = id
}

func (p *peerRegistry) lookup(id jani.WorkerId) (peerHandle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.byWorker[id]
	return h, ok
}

// workerFor resolves a peer key from either worker transport to its
// authenticated worker id.
func (p *peerRegistry) workerFor(peerKey string) (jani.WorkerId, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id, ok := p.serverPeerToID[peerKey]; ok {
		return id, true
	}
	id, ok := p.clientPeerToID[peerKey]
	return id, ok
}

func (p *peerRegistry) serverWorkerFor(peerKey string) (jani.WorkerId, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.serverPeerToID[peerKey]
	return id, ok
}

func (p *peerRegistry) dropServerPeer(peerKey string) (peerHandle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.serverPeerToID[peerKey]
	if !ok {
		return peerHandle{}, false
	}
	delete(p.serverPeerToID, peerKey)
	h := p.byWorker[id]
	delete(p.byWorker, id)
	return h, true
}

func (p *peerRegistry) dropClientPeer(peerKey string) (peerHandle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.clientPeerToID[peerKey]
	if !ok {
		return peerHandle{}, false
	}
	delete(p.clientPeerToID, peerKey)
	h := p.byWorker[id]
	delete(p.byWorker, id)
	return h, true
}
