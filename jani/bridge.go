package jani

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
)

// Bridge is the live set of WorkerReferences for one layer (spec.md §4.6,
// C6). It is read far more often than written — every inbound worker
// message looks its sender up here — so it is backed by a lock-light
// concurrent map instead of a mutex-guarded Go map, the same tradeoff
// xsync makes for read-heavy routing tables.
type Bridge struct {
	LayerID LayerId
	workers *xsync.Map[WorkerId, *WorkerReference]
}

func newBridge(layerID LayerId) *Bridge {
	return &Bridge{LayerID: layerID, workers: xsync.NewMap[WorkerId, *WorkerReference]()}
}

// Add registers ref, replacing any existing entry for the same worker id.
func (b *Bridge) Add(ref *WorkerReference) {
	b.workers.Store(ref.ID, ref)
}

// Get returns the worker reference for id, if connected.
func (b *Bridge) Get(id WorkerId) (*WorkerReference, bool) {
	return b.workers.Load(id)
}

// Remove drops the worker reference for id.
func (b *Bridge) Remove(id WorkerId) {
	b.workers.Delete(id)
}

// Len reports how many workers are currently connected to this layer.
func (b *Bridge) Len() int {
	return b.workers.Size()
}

// Range calls fn for every connected worker, stopping early if fn returns
// false.
func (b *Bridge) Range(fn func(*WorkerReference) bool) {
	b.workers.Range(func(_ WorkerId, ref *WorkerReference) bool {
		return fn(ref)
	})
}

// BridgeSet owns one Bridge per layer, created lazily on the first
// successful authentication against that layer (spec.md §4.6).
type BridgeSet struct {
	mu      sync.Mutex
	byLayer map[LayerId]*Bridge
}

// NewBridgeSet returns an empty BridgeSet.
func NewBridgeSet() *BridgeSet {
	return &BridgeSet{byLayer: make(map[LayerId]*Bridge)}
}

// Layer returns the Bridge for id, creating it if this is the first worker
// ever seen for that layer.
func (bs *BridgeSet) Layer(id LayerId) *Bridge {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	b, ok := bs.byLayer[id]
	if !ok {
		b = newBridge(id)
		bs.byLayer[id] = b
	}
	return b
}

// LayerIfPresent returns the Bridge for id only if it has already been
// created (i.e. without creating one as a side effect of a pure lookup).
func (bs *BridgeSet) LayerIfPresent(id LayerId) (*Bridge, bool) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	b, ok := bs.byLayer[id]
	return b, ok
}

// Find looks a worker up across every layer's bridge. Worker ids are
// globally unique (spec.md §3), so at most one bridge holds it.
func (bs *BridgeSet) Find(id WorkerId) (*WorkerReference, bool) {
	bs.mu.Lock()
	layers := make([]*Bridge, 0, len(bs.byLayer))
	for _, b := range bs.byLayer {
		layers = append(layers, b)
	}
	bs.mu.Unlock()
	for _, b := range layers {
		if ref, ok := b.Get(id); ok {
			return ref, true
		}
	}
	return nil, false
}
