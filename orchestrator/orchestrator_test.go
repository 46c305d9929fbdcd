package orchestrator

import (
	"testing"

	"github.com/jani-run/jani/jani"
)

func testConfig() jani.Config {
	return jani.Config{
		Deployment: jani.Deployment{
			MaxWorldLength:         1024,
			WorkerLength:           64,
			CentralizedWorldOrigin: true,
			// Port 0 everywhere: the kernel picks free ports, so tests never
			// collide with each other or a running instance.
		},
		Layers: []jani.LayerConfig{{
			Name:        "spatial",
			ID:          1,
			UseSpatial:  true,
			MaxEntities: 1000,
			MaxWorkers:  4,
			Components:  []jani.ComponentConfig{{Name: "pos", ID: 0, LayerName: "spatial"}, {Name: "vel", ID: 1, LayerName: "spatial"}},
		}},
	}
}

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	o, err := New(testConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(o.Close)
	return o
}

// authenticate runs the server-worker authentication handler directly for
// peerKey and returns the assigned worker id.
func authenticate(t *testing.T, o *Orchestrator, peerKey string) jani.WorkerId {
	t.Helper()
	body := jani.WriteMessage(&jani.RuntimeAuthentication{LayerID: 1, ClientToken: peerKey})
	resp, err := o.handleServerAuthentication(peerKey, jani.Header{}, body)
	if err != nil {
		t.Fatalf("handleServerAuthentication: %v", err)
	}
	auth, ok := resp.(*jani.AuthenticationResponse)
	if !ok || !auth.Succeed {
		t.Fatalf("authentication response = %+v, want Succeed", resp)
	}
	return auth.WorkerID
}

func addEntity(t *testing.T, o *Orchestrator, peerKey string, id jani.EntityId, pos jani.Position) {
	t.Helper()
	body := jani.WriteMessage(&jani.RuntimeAddEntity{
		EntityID:   id,
		Position:   pos,
		Components: []jani.ComponentPayload{{ID: 0, Payload: []byte("p")}},
	})
	resp, err := o.handleAddEntity(peerKey, jani.Header{}, body)
	if err != nil {
		t.Fatalf("handleAddEntity: %v", err)
	}
	if status := resp.(*jani.StatusResponse); !status.Succeed {
		t.Fatalf("AddEntity failed: %s", status.Reason)
	}
}

func TestHandlerAuthenticationUnknownLayerFails(t *testing.T) {
	o := newTestOrchestrator(t)
	body := jani.WriteMessage(&jani.RuntimeAuthentication{LayerID: 99, ClientToken: "x"})
	resp, err := o.handleServerAuthentication("peerX", jani.Header{}, body)
	if err != nil {
		t.Fatalf("handleServerAuthentication: %v", err)
	}
	if auth := resp.(*jani.AuthenticationResponse); auth.Succeed {
		t.Fatalf("authentication into an unconfigured layer succeeded")
	}
}

func TestHandlerAddEntityPlacesAndGrantsAuthority(t *testing.T) {
	o := newTestOrchestrator(t)
	workerID := authenticate(t, o, "peerA")

	addEntity(t, o, "peerA", 1, jani.Position{X: 0, Y: 0})

	if o.store.Count() != 1 {
		t.Fatalf("store holds %d entities, want 1", o.store.Count())
	}
	events := o.world.DrainEvents()
	if len(events) != 1 || events[0].Kind != jani.EventAuthorityGain || events[0].WorkerID != workerID {
		t.Fatalf("events = %+v, want one AuthorityGain for worker %d", events, workerID)
	}

	// Duplicate id must fail without disturbing the stored entity.
	body := jani.WriteMessage(&jani.RuntimeAddEntity{EntityID: 1})
	resp, _ := o.handleAddEntity("peerA", jani.Header{}, body)
	if status := resp.(*jani.StatusResponse); status.Succeed {
		t.Fatalf("duplicate AddEntity succeeded")
	}
}

func TestHandlerComponentUpdateAuthority(t *testing.T) {
	o := newTestOrchestrator(t)
	workerID := authenticate(t, o, "peerA")
	addEntity(t, o, "peerA", 1, jani.Position{X: 0, Y: 0})
	o.world.DrainEvents()

	update := jani.WriteMessage(&jani.RuntimeComponentUpdate{
		EntityID: 1, ComponentID: 0, Payload: []byte("q"),
		HasPosition: true, Position: jani.Position{X: 3, Y: 4},
	})

	// A peer that never authenticated is an authority violation: silently
	// dropped, no response at all (spec.md §7).
	resp, err := o.handleComponentUpdate("stranger", jani.Header{}, update)
	if err != nil || resp != nil {
		t.Fatalf("unauthorized update returned (%v, %v), want silent drop", resp, err)
	}

	resp, err = o.handleComponentUpdate("peerA", jani.Header{}, update)
	if err != nil {
		t.Fatalf("handleComponentUpdate: %v", err)
	}
	if status := resp.(*jani.StatusResponse); !status.Succeed {
		t.Fatalf("authorized update failed: %s", status.Reason)
	}

	e, _ := o.store.Get(1)
	if e.Position != (jani.Position{X: 3, Y: 4}) {
		t.Fatalf("Position = %+v, want (3,4)", e.Position)
	}
	if e.PositionWorker != workerID {
		t.Fatalf("PositionWorker = %d, want %d", e.PositionWorker, workerID)
	}
	if string(e.Payloads[0]) != "q" {
		t.Fatalf("payload = %q, want q", e.Payloads[0])
	}
}

func TestHandlerReserveEntityIdRange(t *testing.T) {
	o := newTestOrchestrator(t)

	body := jani.WriteMessage(&jani.RuntimeReserveEntityIdRange{Count: 16})
	resp, err := o.handleReserveEntityIdRange("peerA", jani.Header{}, body)
	if err != nil {
		t.Fatalf("handleReserveEntityIdRange: %v", err)
	}
	first := resp.(*jani.ReserveEntityIdRangeResponse)
	if !first.Succeed || first.End-first.Begin != 16 {
		t.Fatalf("first reservation = %+v, want a 16-wide range", first)
	}

	resp, _ = o.handleReserveEntityIdRange("peerB", jani.Header{}, body)
	second := resp.(*jani.ReserveEntityIdRangeResponse)
	if second.Begin < first.End {
		t.Fatalf("reservations overlap: [%d,%d) then [%d,%d)", first.Begin, first.End, second.Begin, second.End)
	}

	resp, _ = o.handleReserveEntityIdRange("peerA", jani.Header{}, jani.WriteMessage(&jani.RuntimeReserveEntityIdRange{Count: 0}))
	if zero := resp.(*jani.ReserveEntityIdRangeResponse); zero.Succeed {
		t.Fatalf("zero-count reservation succeeded")
	}
}

func TestHandlerRemoveEntityDecrementsWorldCounts(t *testing.T) {
	o := newTestOrchestrator(t)
	authenticate(t, o, "peerA")
	addEntity(t, o, "peerA", 1, jani.Position{X: 0, Y: 0})
	o.world.DrainEvents()

	resp, err := o.handleRemoveEntity("peerA", jani.Header{}, jani.WriteMessage(&jani.RuntimeRemoveEntity{EntityID: 1}))
	if err != nil {
		t.Fatalf("handleRemoveEntity: %v", err)
	}
	if status := resp.(*jani.StatusResponse); !status.Succeed {
		t.Fatalf("RemoveEntity failed: %s", status.Reason)
	}
	if o.store.Count() != 0 {
		t.Fatalf("store still holds %d entities", o.store.Count())
	}
	workers := o.world.SnapshotWorkers(1)
	if len(workers) != 1 || workers[0].EntityCount != 0 {
		t.Fatalf("worker entity counts after removal = %+v, want one worker at 0", workers)
	}
}

func TestHandlerInterestQueryUpdateInstalls(t *testing.T) {
	o := newTestOrchestrator(t)
	authenticate(t, o, "peerA")
	addEntity(t, o, "peerA", 1, jani.Position{X: 0, Y: 0})

	body := jani.WriteMessage(&jani.RuntimeComponentInterestQueryUpdate{
		EntityID:    1,
		ComponentID: 0,
		Queries: []jani.ComponentQuery{{
			ComponentMask: jani.ComponentMask(0).Set(0),
			FrequencyHz:   10,
			Root:          &jani.QueryInstruction{Kind: jani.InstrRadius, Radius: 100},
		}},
	})
	resp, err := o.handleInterestQueryUpdate("peerA", jani.Header{}, body)
	if err != nil || resp != nil {
		t.Fatalf("handleInterestQueryUpdate = (%v, %v), want fire-and-forget nil", resp, err)
	}

	e, _ := o.store.Get(1)
	if len(e.Queries[0]) != 1 {
		t.Fatalf("entity holds %d installed queries on component 0, want 1", len(e.Queries[0]))
	}
}

func TestHandlerInspectorSnapshotsAreCachedBriefly(t *testing.T) {
	o := newTestOrchestrator(t)
	authenticate(t, o, "peerA")
	addEntity(t, o, "peerA", 1, jani.Position{X: 0, Y: 0})

	first, err := o.handleGetEntitiesInfo("inspector", jani.Header{}, nil)
	if err != nil {
		t.Fatalf("handleGetEntitiesInfo: %v", err)
	}
	second, err := o.handleGetEntitiesInfo("inspector", jani.Header{}, nil)
	if err != nil {
		t.Fatalf("handleGetEntitiesInfo: %v", err)
	}
	if first != second {
		t.Fatalf("back-to-back snapshot polls were not served from the cache")
	}
	if resp := first.(*jani.EntitiesInfoResponse); len(resp.Entities) != 1 {
		t.Fatalf("snapshot holds %d entities, want 1", len(resp.Entities))
	}
}

func TestHandlerInspectorQueryAdHoc(t *testing.T) {
	o := newTestOrchestrator(t)
	authenticate(t, o, "peerA")
	addEntity(t, o, "peerA", 1, jani.Position{X: 0, Y: 0})

	body := jani.WriteMessage(&jani.RuntimeInspectorQuery{Query: jani.ComponentQuery{
		ComponentMask: jani.ComponentMask(0).Set(0),
		FrequencyHz:   1,
	}})
	resp, err := o.handleInspectorQuery("inspector", jani.Header{}, body)
	if err != nil {
		t.Fatalf("handleInspectorQuery: %v", err)
	}
	if out := resp.(*jani.InspectorQueryResponse); len(out.Matches) != 1 || out.Matches[0].EntityID != 1 {
		t.Fatalf("inspector query matches = %+v, want entity 1", resp)
	}
}

func TestServerTimeoutRevertsCellsAndDropsWorker(t *testing.T) {
	o := newTestOrchestrator(t)
	authenticate(t, o, "peerA")
	addEntity(t, o, "peerA", 1, jani.Position{X: 0, Y: 0})
	o.world.DrainEvents()

	coord := o.world.ToCell(jani.Position{X: 0, Y: 0})
	if _, ok := o.world.Owner(coord, 1); !ok {
		t.Fatalf("test setup: cell has no owner before the timeout")
	}

	o.onServerTimeout("peerA")

	if _, ok := o.world.Owner(coord, 1); ok {
		t.Fatalf("cell still has an owner after its worker timed out")
	}
	if workers := o.world.SnapshotWorkers(1); len(workers) != 0 {
		t.Fatalf("layer still lists %d workers after the timeout", len(workers))
	}
	// A second timeout for the same peer is a no-op, not a double-removal.
	o.onServerTimeout("peerA")
}

func TestWorkerReportFoldsIntoReference(t *testing.T) {
	o := newTestOrchestrator(t)
	workerID := authenticate(t, o, "peerA")

	body := jani.WriteMessage(&jani.RuntimeWorkerReportAcknowledge{TickRate: 30, LocalEntityCount: 12})
	resp, err := o.handleWorkerReport("peerA", jani.Header{}, body)
	if err != nil || resp != nil {
		t.Fatalf("handleWorkerReport = (%v, %v), want fire-and-forget nil", resp, err)
	}

	b, ok := o.bridges.LayerIfPresent(1)
	if !ok {
		t.Fatalf("no bridge for layer 1 after authentication")
	}
	ref, ok := b.Get(workerID)
	if !ok {
		t.Fatalf("bridge lost worker %d", workerID)
	}
	if ref.Load.TickRateHz != 30 || ref.Load.LocalEntityCount != 12 {
		t.Fatalf("reported load = %+v, want 30Hz / 12 entities", ref.Load)
	}
}
