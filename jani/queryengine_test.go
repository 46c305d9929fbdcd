package jani

import (
	"context"
	"testing"
	"time"
)

func testEngineCfg(layers ...LayerConfig) Config {
	return Config{Deployment: testDeployment(), Layers: layers}
}

func TestEngineMatchEntitiesRadiusAndMask(t *testing.T) {
	store := NewEntityStore(0)
	store.AddEntity(1, Position{X: 0, Y: 0}, []ComponentPayload{{ID: 5, Payload: []byte("center")}})
	store.AddEntity(2, Position{X: 10, Y: 0}, []ComponentPayload{{ID: 5, Payload: []byte("near")}})
	store.AddEntity(3, Position{X: 450, Y: 450}, []ComponentPayload{{ID: 5, Payload: []byte("far")}})

	world := NewWorld(testEngineCfg())
	for _, id := range []EntityId{1, 2, 3} {
		e, _ := store.Get(id)
		world.InsertEntity(id, e.Position)
	}

	eng := NewEngine(testEngineCfg(), store, world)

	querying, _ := store.Get(1)
	q := ComponentQuery{
		ComponentMask: ComponentMask(0).Set(5),
		Root:          &QueryInstruction{Kind: InstrRadius, Radius: 50},
	}
	matches := eng.matchEntities(q, querying, 0)

	if len(matches) != 2 {
		t.Fatalf("matchEntities returned %d matches, want 2 (entities 1 and 2)", len(matches))
	}
	ids := map[EntityId]bool{}
	for _, m := range matches {
		ids[m.EntityID] = true
	}
	if !ids[1] || !ids[2] || ids[3] {
		t.Fatalf("matched ids = %v, want {1,2}", ids)
	}
}

func TestEngineSpatialQuerySeedsFromGridCells(t *testing.T) {
	store := NewEntityStore(0)
	store.AddEntity(1, Position{X: 0, Y: 0}, []ComponentPayload{{ID: 5, Payload: []byte("placed")}})
	store.AddEntity(2, Position{X: 5, Y: 5}, []ComponentPayload{{ID: 5, Payload: []byte("unplaced")}})

	world := NewWorld(testEngineCfg())
	// Only entity 1 is placed into the world grid; entity 2 exists in the
	// store but in no cell, so a grid-seeded spatial query cannot see it.
	world.InsertEntity(1, Position{X: 0, Y: 0})

	eng := NewEngine(testEngineCfg(), store, world)
	querying, _ := store.Get(1)

	spatial := ComponentQuery{
		ComponentMask: ComponentMask(0).Set(5),
		Root:          &QueryInstruction{Kind: InstrBox, Box: Rect{MinX: -50, MinY: -50, MaxX: 50, MaxY: 50}},
	}
	matches := eng.matchEntities(spatial, querying, 0)
	if len(matches) != 1 || matches[0].EntityID != 1 {
		t.Fatalf("grid-seeded matches = %+v, want only the placed entity 1", matches)
	}

	// A mask-only query has no spatial seed and scans the full store.
	maskOnly := ComponentQuery{ComponentMask: ComponentMask(0).Set(5)}
	if matches := eng.matchEntities(maskOnly, querying, 0); len(matches) != 2 {
		t.Fatalf("store-scan matches = %+v, want both entities", matches)
	}
}

func TestEngineAreaQuerySeedsAroundQueryingEntity(t *testing.T) {
	store := NewEntityStore(0)
	store.AddEntity(1, Position{X: 200, Y: 200}, []ComponentPayload{{ID: 5, Payload: []byte("q")}})
	store.AddEntity(2, Position{X: 210, Y: 190}, []ComponentPayload{{ID: 5, Payload: []byte("in")}})
	store.AddEntity(3, Position{X: 400, Y: 400}, []ComponentPayload{{ID: 5, Payload: []byte("out")}})

	world := NewWorld(testEngineCfg())
	for _, id := range []EntityId{1, 2, 3} {
		e, _ := store.Get(id)
		world.InsertEntity(id, e.Position)
	}

	eng := NewEngine(testEngineCfg(), store, world)
	querying, _ := store.Get(1)

	q := ComponentQuery{
		ComponentMask: ComponentMask(0).Set(5),
		Root:          &QueryInstruction{Kind: InstrArea, AreaWidth: 60, AreaHeight: 60},
	}
	matches := eng.matchEntities(q, querying, 0)
	ids := map[EntityId]bool{}
	for _, m := range matches {
		ids[m.EntityID] = true
	}
	if !ids[1] || !ids[2] || ids[3] {
		t.Fatalf("matched ids = %v, want {1,2} (area centered on the querying entity)", ids)
	}
}

func TestEngineMatchEntitiesNoSelfEcho(t *testing.T) {
	layer := LayerConfig{Name: "l", ID: 1, UseSpatial: true, Components: []ComponentConfig{{ID: 5}}}
	cfg := testEngineCfg(layer)
	store := NewEntityStore(0)
	store.AddEntity(1, Position{X: 0, Y: 0}, []ComponentPayload{{ID: 5, Payload: []byte("a")}})

	world := NewWorld(cfg)
	world.AddWorker(1, 42)
	world.InsertEntity(1, Position{X: 0, Y: 0})
	world.DrainEvents()

	eng := NewEngine(cfg, store, world)
	querying, _ := store.Get(1)
	q := ComponentQuery{ComponentMask: ComponentMask(0).Set(5)}

	matchesForOwner := eng.matchEntities(q, querying, 42)
	if len(matchesForOwner) != 0 {
		t.Fatalf("matchEntities echoed component 5 back to its own authoritative owner: %+v", matchesForOwner)
	}

	matchesForOther := eng.matchEntities(q, querying, 999)
	if len(matchesForOther) != 1 || len(matchesForOther[0].Components) != 1 {
		t.Fatalf("matchEntities withheld component 5 from a non-owning destination: %+v", matchesForOther)
	}
}

func TestEngineMatchEntitiesComponentsRequiredPredicate(t *testing.T) {
	store := NewEntityStore(0)
	store.AddEntity(1, Position{}, []ComponentPayload{{ID: 1, Payload: []byte("a")}})
	store.AddEntity(2, Position{}, []ComponentPayload{{ID: 1, Payload: []byte("b")}, {ID: 2, Payload: []byte("c")}})

	world := NewWorld(testEngineCfg())
	eng := NewEngine(testEngineCfg(), store, world)
	querying, _ := store.Get(1)

	q := ComponentQuery{
		ComponentMask: ComponentMask(0).Set(1),
		Root:          &QueryInstruction{Kind: InstrComponentsRequired, ComponentsRequired: ComponentMask(0).Set(2)},
	}
	matches := eng.matchEntities(q, querying, 0)
	if len(matches) != 1 || matches[0].EntityID != 2 {
		t.Fatalf("matchEntities = %+v, want only entity 2 (the one with component 2)", matches)
	}
}

func TestEngineEvaluateAdHocRejectsInvalidQuery(t *testing.T) {
	store := NewEntityStore(0)
	world := NewWorld(testEngineCfg())
	eng := NewEngine(testEngineCfg(), store, world)

	out := eng.EvaluateAdHoc(ComponentQuery{FrequencyHz: 7}) // not one of the seven buckets
	if out != nil {
		t.Fatalf("EvaluateAdHoc on an invalid query returned %v, want nil", out)
	}
}

func TestEngineEvaluateAdHocMatchesEveryEntity(t *testing.T) {
	store := NewEntityStore(0)
	store.AddEntity(1, Position{X: 5, Y: 5}, []ComponentPayload{{ID: 0, Payload: []byte("x")}})
	world := NewWorld(testEngineCfg())
	eng := NewEngine(testEngineCfg(), store, world)

	out := eng.EvaluateAdHoc(ComponentQuery{FrequencyHz: 10, ComponentMask: ComponentMask(0).Set(0)})
	if len(out) != 1 || out[0].EntityID != 1 {
		t.Fatalf("EvaluateAdHoc = %+v, want one match for entity 1", out)
	}
}

func TestEngineInstallDiscardsInvalidQueries(t *testing.T) {
	store := NewEntityStore(0)
	store.AddEntity(1, Position{}, nil)
	world := NewWorld(testEngineCfg())
	eng := NewEngine(testEngineCfg(), store, world)

	eng.Install(1, 0, []ComponentQuery{{FrequencyHz: 999}}, 1)
	for _, hz := range frequencyHz {
		if eng.buckets[hz].entries.Size() != 0 {
			t.Fatalf("bucket %dHz has entries after installing only an invalid query", hz)
		}
	}
}

func TestEngineTickDeliversForeignComponentsAtBucketRate(t *testing.T) {
	layer := LayerConfig{Name: "l", ID: 1, UseSpatial: true, Components: []ComponentConfig{{ID: 0}}}
	cfg := testEngineCfg(layer)
	store := NewEntityStore(0)
	world := NewWorld(cfg)
	world.AddWorker(1, 42)
	world.AddWorker(1, 43)

	// Entity 7 (the subscriber) lands in a cell owned by worker 42; entity 8
	// lands in a second cell, which cell initialization hands to the then
	// least-loaded worker 43.
	store.AddEntity(7, Position{X: 0, Y: 0}, []ComponentPayload{{ID: 0, Payload: []byte("self")}})
	store.AddEntity(8, Position{X: 150, Y: 0}, []ComponentPayload{{ID: 0, Payload: []byte("other")}})
	world.InsertEntity(7, Position{X: 0, Y: 0})
	world.InsertEntity(8, Position{X: 150, Y: 0})
	world.DrainEvents()

	eng := NewEngine(cfg, store, world)
	queries := []ComponentQuery{{
		ComponentMask: ComponentMask(0).Set(0),
		FrequencyHz:   10,
		Root:          &QueryInstruction{Kind: InstrRadius, Radius: 200},
	}}
	version, err := store.InstallQueries(7, 0, queries)
	if err != nil {
		t.Fatalf("InstallQueries: %v", err)
	}
	eng.Install(7, 0, queries, version)

	start := time.Now()
	eng.Start(start)

	// Before the 10Hz period has elapsed, nothing fires.
	if out := eng.Tick(context.Background(), start.Add(50*time.Millisecond)); len(out) != 0 {
		t.Fatalf("bucket fired before its period elapsed: %+v", out)
	}

	out := eng.Tick(context.Background(), start.Add(150*time.Millisecond))
	if len(out) != 1 {
		t.Fatalf("Tick produced %d deliveries, want 1", len(out))
	}
	d := out[0]
	if d.WorkerID != 42 {
		t.Fatalf("delivery addressed to worker %d, want the subscriber's owner 42", d.WorkerID)
	}
	if d.Result.QueryingEntity != 7 || d.Result.QueryingComponent != 0 {
		t.Fatalf("delivery subscription identity = %+v", d.Result)
	}
	// Entity 7's own component is owned by the destination worker and must
	// not echo back; only entity 8's foreign payload ships.
	if len(d.Result.Matches) != 1 || d.Result.Matches[0].EntityID != 8 {
		t.Fatalf("matches = %+v, want only entity 8", d.Result.Matches)
	}

	// The result set is unchanged on the next firing, so the content-hash
	// dedup suppresses a repeat delivery.
	if out := eng.Tick(context.Background(), start.Add(250*time.Millisecond)); len(out) != 0 {
		t.Fatalf("unchanged result was re-delivered: %+v", out)
	}
}

func TestEngineTickReapsStaleEntries(t *testing.T) {
	store := NewEntityStore(0)
	store.AddEntity(1, Position{}, []ComponentPayload{{ID: 0, Payload: []byte("x")}})
	world := NewWorld(testEngineCfg())
	eng := NewEngine(testEngineCfg(), store, world)

	queries := []ComponentQuery{{ComponentMask: ComponentMask(0).Set(0), FrequencyHz: 50}}
	version, _ := store.InstallQueries(1, 0, queries)
	eng.Install(1, 0, queries, version)

	// Replacing the query list bumps the version, making the old bucket
	// entry stale; the next firing reaps it instead of evaluating it.
	if _, err := store.InstallQueries(1, 0, nil); err != nil {
		t.Fatalf("InstallQueries: %v", err)
	}

	start := time.Now()
	eng.Start(start)
	eng.Tick(context.Background(), start.Add(time.Second))
	if n := eng.buckets[50].entries.Size(); n != 0 {
		t.Fatalf("stale entry survived its bucket firing: %d entries left", n)
	}
}

func TestEngineInstallPlacesQueryInCorrectBucket(t *testing.T) {
	store := NewEntityStore(0)
	store.AddEntity(1, Position{}, nil)
	world := NewWorld(testEngineCfg())
	eng := NewEngine(testEngineCfg(), store, world)

	eng.Install(1, 0, []ComponentQuery{{FrequencyHz: 10}}, 1)
	if eng.buckets[10].entries.Size() != 1 {
		t.Fatalf("bucket 10Hz has %d entries, want 1", eng.buckets[10].entries.Size())
	}
	if eng.buckets[50].entries.Size() != 0 {
		t.Fatalf("bucket 50Hz has %d entries, want 0", eng.buckets[50].entries.Size())
	}
}

func TestEngineInstallUsesMaximumFrequencyForMixedList(t *testing.T) {
	store := NewEntityStore(0)
	store.AddEntity(1, Position{}, nil)
	world := NewWorld(testEngineCfg())
	eng := NewEngine(testEngineCfg(), store, world)

	// One entry for the whole list, in the 50Hz bucket (the maximum among
	// the installed queries), never one per query.
	eng.Install(1, 0, []ComponentQuery{{FrequencyHz: 10}, {FrequencyHz: 50}, {FrequencyHz: 1}}, 1)
	if n := eng.buckets[50].entries.Size(); n != 1 {
		t.Fatalf("bucket 50Hz has %d entries, want 1", n)
	}
	for _, hz := range []int{40, 30, 20, 10, 5, 1} {
		if n := eng.buckets[hz].entries.Size(); n != 0 {
			t.Fatalf("bucket %dHz has %d entries, want 0", hz, n)
		}
	}
	entry, ok := eng.buckets[50].entries.Load(bucketKey{1, 0})
	if !ok || len(entry.queries) != 3 {
		t.Fatalf("50Hz entry = (%+v, %v), want all three queries held together", entry, ok)
	}
}
