package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape returned HTTP %d", rec.Code)
	}
	body, err := io.ReadAll(rec.Result().Body)
	if err != nil {
		t.Fatalf("read scrape body: %v", err)
	}
	return string(body)
}

func TestMetricsExposesUpdatedCollectors(t *testing.T) {
	m := New()
	m.ObserveTick(0.005)
	m.SetEntityCount(3)
	m.SetCellCount(2)
	m.SetWorkerCount("spatial", 1)
	m.AddBytesSent("server-worker", 100)
	m.AddBytesReceived("server-worker", 50)
	m.IncSpawnRequest("1")
	m.AddQueryDeliveries(4)
	m.AddRebalanceMoves(1)
	m.IncWorkerTimeout("1")

	body := scrape(t, m.Handler())
	for _, want := range []string{
		"jani_runtime_tick_duration_seconds",
		"jani_store_entities 3",
		"jani_world_cells 2",
		`jani_world_workers{layer="spatial"} 1`,
		`jani_transport_bytes_sent_total{role="server-worker"} 100`,
		`jani_transport_bytes_received_total{role="server-worker"} 50`,
		`jani_spawner_requests_total{layer="1"} 1`,
		"jani_query_deliveries_total 4",
		"jani_world_rebalance_moves_total 1",
		`jani_transport_worker_timeouts_total{layer="1"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("scrape output missing %q", want)
		}
	}
}

func TestMetricsNilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveTick(1)
	m.SetEntityCount(1)
	m.SetCellCount(1)
	m.SetWorkerCount("l", 1)
	m.AddBytesSent("r", 1)
	m.AddBytesReceived("r", 1)
	m.IncSpawnRequest("l")
	m.AddQueryDeliveries(1)
	m.AddRebalanceMoves(1)
	m.IncWorkerTimeout("l")
	if m.Handler() == nil {
		t.Fatalf("nil Metrics Handler returned nil")
	}
}

func TestMetricsSeparateRegistriesDoNotCollide(t *testing.T) {
	a := New()
	b := New()
	a.SetEntityCount(1)
	b.SetEntityCount(2)
	if !strings.Contains(scrape(t, a.Handler()), "jani_store_entities 1") {
		t.Fatalf("registry a lost its own gauge value")
	}
	if !strings.Contains(scrape(t, b.Handler()), "jani_store_entities 2") {
		t.Fatalf("registry b lost its own gauge value")
	}
}
