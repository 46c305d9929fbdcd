package orchestrator

import (
	"time"

	"github.com/maypok86/otter"

	"github.com/jani-run/jani/jani"
)

// inspectorSnapshotTTL bounds how long a GetEntitiesInfo/GetCellsInfos/
// GetWorkersInfos response is reused for a repeat poll, so a burst of
// inspector requests inside one tick window doesn't re-walk the store or
// the world controller for each one (spec.md §6's inspector surface).
const inspectorSnapshotTTL = 40 * time.Millisecond

// inspectorCache memoizes inspector snapshot responses by request key
// ("entities", "cells:<layer>", "workers:<layer>").
type inspectorCache struct {
	cache otter.Cache[string, jani.Message]
}

func newInspectorCache() *inspectorCache {
	cache, err := otter.MustBuilder[string, jani.Message](256).
		Cost(func(_ string, _ jani.Message) uint32 { return 1 }).
		WithTTL(inspectorSnapshotTTL).
		Build()
	if err != nil {
		panic("orchestrator: failed to build inspector cache: " + err.Error())
	}
	return &inspectorCache{cache: cache}
}

func (c *inspectorCache) get(key string) (jani.Message, bool) {
	return c.cache.Get(key)
}

func (c *inspectorCache) set(key string, msg jani.Message) {
	c.cache.Set(key, msg)
}
