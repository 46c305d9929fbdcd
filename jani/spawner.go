package jani

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNoSpawners is returned by RequestWorker when no spawner address is
// configured (spec.md §6's Spawners list is empty).
var ErrNoSpawners = errors.New("jani: no spawner configured")

// SpawnRequestSender delivers a SpawnWorkerForLayer request to addr. The
// orchestrator supplies this, backed by the router/transport packages; the
// Spawner Client itself has no notion of sockets (spec.md §4.8).
type SpawnRequestSender func(addr string, req SpawnWorkerForLayer) error

type pendingSpawn struct {
	token   uuid.UUID
	sentAt  time.Time
	timeout time.Duration
}

// SpawnerClient asks an external spawner process to start a new worker for
// a layer (spec.md §4.8, C8). It dedupes by keeping at most one in-flight
// request per layer — the only cooldown mechanism this runtime implements,
// per the Open Question in spec.md §9: no additional timer-based cooldown
// is layered on top.
type SpawnerClient struct {
	log  *slog.Logger
	send SpawnRequestSender

	addrs []string
	next  int

	mu      sync.Mutex
	pending map[LayerId]pendingSpawn
}

// NewSpawnerClient builds a client round-robining over the configured
// spawner addresses.
func NewSpawnerClient(cfg Config, send SpawnRequestSender) *SpawnerClient {
	addrs := make([]string, 0, len(cfg.Spawners))
	for _, s := range cfg.Spawners {
		addrs = append(addrs, s.Addr())
	}
	return &SpawnerClient{
		log:     cfg.Logger(),
		send:    send,
		addrs:   addrs,
		pending: make(map[LayerId]pendingSpawn),
	}
}

// RequestWorker asks for an additional worker on layerID, unless one is
// already in flight for that layer. It is safe — and expected — to call
// this every tick the rebalancer decides a layer is short a worker; the
// in-flight guard makes repeat calls a no-op.
func (c *SpawnerClient) RequestWorker(layerID LayerId, timeout time.Duration) error {
	c.mu.Lock()
	if _, inFlight := c.pending[layerID]; inFlight {
		c.mu.Unlock()
		return nil
	}
	if len(c.addrs) == 0 {
		c.mu.Unlock()
		return ErrNoSpawners
	}
	addr := c.addrs[c.next]
	c.next = (c.next + 1) % len(c.addrs)
	c.mu.Unlock()

	token := uuid.New()
	if err := c.send(addr, SpawnWorkerForLayer{LayerID: layerID, Token: [16]byte(token)}); err != nil {
		if c.log != nil {
			c.log.Warn("spawn request failed", "layer", layerID, "addr", addr, "err", err)
		}
		return err
	}

	c.mu.Lock()
	c.pending[layerID] = pendingSpawn{token: token, sentAt: time.Now(), timeout: timeout}
	c.mu.Unlock()
	return nil
}

// Acknowledge clears the in-flight guard for layerID if token matches the
// outstanding request, reporting whether it did (a mismatched or unknown
// token is ignored rather than treated as an error, since a slow spawner
// reply can race a timeout that already cleared the entry).
func (c *SpawnerClient) Acknowledge(layerID LayerId, token uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[layerID]
	if !ok || p.token != token {
		return false
	}
	delete(c.pending, layerID)
	return true
}

// AcknowledgeWorkerSpawn clears the pending state for layerID unconditionally,
// matching original_source/jani's acknowledge_worker_spawn(layer_id): it is
// called on successful authentication of any new worker for that layer,
// regardless of whether that worker is the one the spawner actually started
// (spec.md §4.8).
func (c *SpawnerClient) AcknowledgeWorkerSpawn(layerID LayerId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, layerID)
}

// PollTimeouts clears and returns every layer whose in-flight request has
// exceeded its timeout without an acknowledgement, letting the next
// rebalance pass try again (spec.md §4.8, polled once per tick by the
// orchestrator).
func (c *SpawnerClient) PollTimeouts(now time.Time) []LayerId {
	c.mu.Lock()
	defer c.mu.Unlock()
	var expired []LayerId
	for layerID, p := range c.pending {
		if now.Sub(p.sentAt) >= p.timeout {
			expired = append(expired, layerID)
			delete(c.pending, layerID)
		}
	}
	return expired
}

// InFlight reports whether layerID currently has an outstanding spawn
// request (used by the console/inspector to show pending spawns).
func (c *SpawnerClient) InFlight(layerID LayerId) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[layerID]
	return ok
}
