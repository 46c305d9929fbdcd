package jani

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/zeebo/xxh3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// frequencyHz lists the seven supported bucket rates, highest first
// (spec.md §3).
var frequencyHz = [7]int{50, 40, 30, 20, 10, 5, 1}

type bucketKey struct {
	entity    EntityId
	component ComponentId
}

// bucketEntry is one (entity, component)'s installed query list, placed in
// the bucket of the maximum frequency among its queries (spec.md §4.3
// Scheduling); when the bucket fires, all of them re-evaluate. version pins
// the entry to the query-list version it was installed under; a mismatch at
// evaluation time means the entry is stale (the list was replaced since)
// and gets reaped instead of evaluated.
type bucketEntry struct {
	key      bucketKey
	queries  []ComponentQuery
	version  uint64
	lastHash uint64
}

type frequencyBucket struct {
	hz        int
	period    time.Duration
	lastFired int64
	entries   *xsync.Map[bucketKey, *bucketEntry]
}

// Delivery is one interest-query result addressed to the worker currently
// owning its querying entity's layer (spec.md §4.3).
type Delivery struct {
	WorkerID WorkerId
	Result   RuntimeComponentInterestQueryResult
}

// Engine is the Interest-Query Engine (spec.md §4.3, C7): it evaluates
// every installed ComponentQuery against its frequency bucket's tick
// schedule and reports matches back to the subscribing worker.
type Engine struct {
	log   *slog.Logger
	cfg   Config
	store *EntityStore
	world *World

	buckets   map[int]*frequencyBucket
	sem       *semaphore.Weighted
	startedAt time.Time
}

// NewEngine builds the evaluation pool described by cfg.Deployment's
// ThreadPoolSize (spec.md §6): non-positive means "use every core",
// matching the teacher's worker-pool sizing convention.
func NewEngine(cfg Config, store *EntityStore, world *World) *Engine {
	size := cfg.Deployment.ThreadPoolSize
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	buckets := make(map[int]*frequencyBucket, len(frequencyHz))
	for _, hz := range frequencyHz {
		buckets[hz] = &frequencyBucket{
			hz:      hz,
			period:  time.Second / time.Duration(hz),
			entries: xsync.NewMap[bucketKey, *bucketEntry](),
		}
	}
	return &Engine{
		log:     cfg.Logger(),
		cfg:     cfg,
		store:   store,
		world:   world,
		buckets: buckets,
		sem:     semaphore.NewWeighted(int64(size)),
	}
}

// Start records the epoch Tick's elapsed-time bucket math is relative to.
// Must be called once before the first Tick.
func (e *Engine) Start(now time.Time) {
	e.startedAt = now
}

// Install registers the queries a worker installed on (entityID,
// componentID) as one bucket entry at the maximum frequency among them
// (spec.md §4.3 Scheduling), discarding any that fail ValidateQuery (the
// fire-and-forget RuntimeComponentInterestQueryUpdate handler passes the
// wire's queries through unvalidated, so this is where malformed ones are
// rejected). A stale entry from a previous install may sit in a
// different bucket; it is reaped lazily at its next scheduled fire (see
// bucketEntry.version).
func (e *Engine) Install(entityID EntityId, componentID ComponentId, queries []ComponentQuery, version uint64) {
	valid := make([]ComponentQuery, 0, len(queries))
	maxHz := 0
	for _, q := range queries {
		if err := ValidateQuery(q); err != nil {
			if e.log != nil {
				e.log.Warn("rejected interest query at installation", "entity", entityID, "component", componentID, "err", err)
			}
			continue
		}
		valid = append(valid, q)
		if q.FrequencyHz > maxHz {
			maxHz = q.FrequencyHz
		}
	}
	if len(valid) == 0 {
		return
	}
	key := bucketKey{entityID, componentID}
	e.buckets[maxHz].entries.Store(key, &bucketEntry{key: key, queries: valid, version: version})
}

// Tick advances every frequency bucket whose scheduled period has elapsed
// since the last call (floor(elapsed/period) comparison, spec.md §4.3) and
// evaluates their entries concurrently across the bounded worker pool.
func (e *Engine) Tick(ctx context.Context, now time.Time) []Delivery {
	elapsed := now.Sub(e.startedAt)

	var firing []*frequencyBucket
	for _, hz := range frequencyHz {
		b := e.buckets[hz]
		cur := int64(elapsed / b.period)
		if cur > b.lastFired {
			b.lastFired = cur
			firing = append(firing, b)
		}
	}
	if len(firing) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	var out []Delivery

	for _, b := range firing {
		b := b
		b.entries.Range(func(key bucketKey, entry *bucketEntry) bool {
			if err := e.sem.Acquire(gctx, 1); err != nil {
				return false
			}
			g.Go(func() error {
				defer e.sem.Release(1)
				d, keep, ok := e.evaluate(entry)
				if !keep {
					b.entries.Delete(key)
				}
				if ok {
					mu.Lock()
					out = append(out, d)
					mu.Unlock()
				}
				return nil
			})
			return true
		})
	}
	_ = g.Wait()
	return out
}

// evaluate runs one bucket entry's query list. keep reports whether the
// entry is still current (false means it was reaped as stale and should be
// removed from its bucket); ok reports whether a Delivery was produced.
func (e *Engine) evaluate(entry *bucketEntry) (d Delivery, keep, ok bool) {
	version, present := e.store.QueryVersionOf(entry.key.entity, entry.key.component)
	if !present || version != entry.version {
		return Delivery{}, false, false
	}
	querying, present := e.store.Get(entry.key.entity)
	if !present {
		return Delivery{}, false, false
	}

	layer, present := e.cfg.LayerOfComponent(entry.key.component)
	if !present {
		return Delivery{}, true, false
	}
	workerID, present := e.world.Owner(e.world.ToCell(querying.Position), layer.ID)
	if !present {
		return Delivery{}, true, false
	}

	// All queries of the entry re-evaluate together; an entity matched by
	// more than one contributes the union of their selected components.
	var matches []EntityComponentsPayload
	seen := make(map[EntityId]int)
	for _, q := range entry.queries {
		for _, m := range e.matchEntities(q, querying, workerID) {
			i, dup := seen[m.EntityID]
			if !dup {
				seen[m.EntityID] = len(matches)
				matches = append(matches, m)
				continue
			}
			matches[i].Components = mergeComponents(matches[i].Components, m.Components)
		}
	}
	if len(matches) == 0 {
		return Delivery{}, true, false
	}

	hash := hashMatches(matches)
	if hash == entry.lastHash {
		return Delivery{}, true, false
	}
	entry.lastHash = hash

	return Delivery{
		WorkerID: workerID,
		Result: RuntimeComponentInterestQueryResult{
			QueryingEntity:    entry.key.entity,
			QueryingComponent: entry.key.component,
			Matches:           matches,
		},
	}, true, true
}

// EvaluateAdHoc runs q once through matchEntities, for the inspector's
// one-shot query lookups, which have no subscribing entity of their own to
// center Area/Radius predicates on (spec.md §4.3's predicate evaluation,
// reused here with the world origin standing in for the "querying" entity's
// position). A query with a spatial node is seeded from the world grid
// around that origin, so only entities placed in the grid are considered;
// one without a spatial node is run against every entity in the store.
func (e *Engine) EvaluateAdHoc(q ComponentQuery) []EntityComponentsPayload {
	if err := ValidateQuery(q); err != nil {
		return nil
	}
	origin := &Entity{Position: Position{}}
	return e.matchEntities(q, origin, 0)
}

// matchEntities collects every live entity matching q's predicate tree,
// packing the component subset named in q.ComponentMask. The first spatial
// constraint in the tree seeds the candidate set from the world grid
// (spec.md §4.3); a query with no spatial constraint falls back to the
// full store. A component whose owning worker for the candidate's current
// cell is destWorker is left out of the payload — the destination already
// holds the authoritative copy, so echoing it back would be redundant
// (spec.md §4.3 "no self-echo"). destWorker 0 (used for ad-hoc inspector
// queries, which have no destination worker) never matches a real
// WorkerId, so nothing is excluded.
func (e *Engine) matchEntities(q ComponentQuery, querying *Entity, destWorker WorkerId) []EntityComponentsPayload {
	var out []EntityComponentsPayload
	consider := func(cand *Entity) bool {
		if !cand.Mask.Intersects(q.ComponentMask) {
			return true
		}
		if !evalPredicate(q.Root, cand, querying) {
			return true
		}
		var comps []ComponentPayload
		for cid := 0; cid < MaxComponents; cid++ {
			c := ComponentId(cid)
			if !q.ComponentMask.Has(c) || !cand.Mask.Has(c) {
				continue
			}
			if layer, present := e.cfg.LayerOfComponent(c); present {
				if owner, ok := e.world.Owner(e.world.ToCell(cand.Position), layer.ID); ok && owner == destWorker {
					continue
				}
			}
			comps = append(comps, ComponentPayload{ID: c, Payload: cand.Payloads[c]})
		}
		if len(comps) == 0 {
			return true
		}
		out = append(out, EntityComponentsPayload{EntityID: cand.ID, Components: comps})
		return true
	}

	if seed := firstSpatial(q.Root); seed != nil {
		for _, id := range e.spatialCandidates(seed, querying) {
			if cand, ok := e.store.Get(id); ok {
				consider(cand)
			}
		}
		return out
	}
	e.store.Range(consider)
	return out
}

// firstSpatial returns the first box/area/radius node in evaluation order,
// the one that seeds the candidate set from the world grid (spec.md §4.3).
func firstSpatial(n *QueryInstruction) *QueryInstruction {
	if n == nil {
		return nil
	}
	switch n.Kind {
	case InstrBox, InstrArea, InstrRadius:
		return n
	case InstrAnd:
		if s := firstSpatial(n.Left); s != nil {
			return s
		}
		return firstSpatial(n.Right)
	}
	return nil
}

// spatialCandidates seeds the candidate set for the query's first spatial
// constraint via the world grid's range queries. The cell-level selection
// is coarse; the full predicate tree still runs over every candidate,
// which is where §4.1's "callers refine to precise distance" happens.
func (e *Engine) spatialCandidates(seed *QueryInstruction, querying *Entity) []EntityId {
	switch seed.Kind {
	case InstrBox:
		return e.world.EntitiesInRect(
			Position{X: seed.Box.MinX, Y: seed.Box.MinY},
			Position{X: seed.Box.MaxX, Y: seed.Box.MaxY},
		)
	case InstrArea:
		p := querying.Position
		halfW, halfH := seed.AreaWidth/2, seed.AreaHeight/2
		return e.world.EntitiesInRect(
			Position{X: p.X - halfW, Y: p.Y - halfH},
			Position{X: p.X + halfW, Y: p.Y + halfH},
		)
	case InstrRadius:
		return e.world.EntitiesInRadius(querying.Position, seed.Radius)
	}
	return nil
}

// mergeComponents appends the components of extra not already present in
// base, preserving base's order.
func mergeComponents(base, extra []ComponentPayload) []ComponentPayload {
	var have ComponentMask
	for _, c := range base {
		have = have.Set(c.ID)
	}
	for _, c := range extra {
		if !have.Has(c.ID) {
			base = append(base, c)
		}
	}
	return base
}

// evalPredicate walks a query's predicate tree against cand, with box/area
// predicates in world coordinates and area/radius centered on the querying
// entity's own position (spec.md §4.3). A nil node matches everything.
func evalPredicate(n *QueryInstruction, cand, querying *Entity) bool {
	if n == nil {
		return true
	}
	switch n.Kind {
	case InstrComponentsRequired:
		return cand.Mask.Contains(n.ComponentsRequired)
	case InstrBox:
		p := cand.Position
		return p.X >= n.Box.MinX && p.X <= n.Box.MaxX && p.Y >= n.Box.MinY && p.Y <= n.Box.MaxY
	case InstrArea:
		dx := int64(cand.Position.X - querying.Position.X)
		dy := int64(cand.Position.Y - querying.Position.Y)
		return abs64(dx) <= int64(n.AreaWidth)/2 && abs64(dy) <= int64(n.AreaHeight)/2
	case InstrRadius:
		dx := int64(cand.Position.X - querying.Position.X)
		dy := int64(cand.Position.Y - querying.Position.Y)
		r := int64(n.Radius)
		return dx*dx+dy*dy <= r*r
	case InstrAnd:
		return evalPredicate(n.Left, cand, querying) && evalPredicate(n.Right, cand, querying)
	case InstrOr:
		// Reserved, rejected at installation by ValidateQuery; reached only
		// if a query installed before validation existed bypassed it.
		return false
	default:
		return false
	}
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// hashMatches hashes a result set's wire encoding so the engine can skip
// re-sending an unchanged result to the same subscriber (spec.md §4.3).
func hashMatches(matches []EntityComponentsPayload) uint64 {
	w := NewWriter(128)
	w.Uint32(uint32(len(matches)))
	for _, m := range matches {
		m.Marshal(w)
	}
	return xxh3.Hash(w.Bytes())
}
