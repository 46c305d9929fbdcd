package jani

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestSpawnerClientRequestWorkerNoSpawners(t *testing.T) {
	c := NewSpawnerClient(Config{}, func(addr string, req SpawnWorkerForLayer) error { return nil })
	if err := c.RequestWorker(1, time.Second); err != ErrNoSpawners {
		t.Fatalf("RequestWorker with no spawners = %v, want ErrNoSpawners", err)
	}
}

func TestSpawnerClientDedupesInFlightRequests(t *testing.T) {
	var sent int
	cfg := Config{Spawners: []SpawnerConfig{{IP: "127.0.0.1", Port: 9000}}}
	c := NewSpawnerClient(cfg, func(addr string, req SpawnWorkerForLayer) error {
		sent++
		return nil
	})

	if err := c.RequestWorker(1, time.Second); err != nil {
		t.Fatalf("first RequestWorker: %v", err)
	}
	if !c.InFlight(1) {
		t.Fatalf("InFlight(1) = false right after a successful request")
	}
	if err := c.RequestWorker(1, time.Second); err != nil {
		t.Fatalf("second (deduped) RequestWorker: %v", err)
	}
	if sent != 1 {
		t.Fatalf("send called %d times, want 1 (second call should be deduped)", sent)
	}
}

func TestSpawnerClientAcknowledgeClearsInFlight(t *testing.T) {
	var capturedToken uuid.UUID
	cfg := Config{Spawners: []SpawnerConfig{{IP: "127.0.0.1", Port: 9000}}}
	c := NewSpawnerClient(cfg, func(addr string, req SpawnWorkerForLayer) error {
		capturedToken = uuid.UUID(req.Token)
		return nil
	})

	if err := c.RequestWorker(1, time.Second); err != nil {
		t.Fatalf("RequestWorker: %v", err)
	}
	if c.Acknowledge(1, uuid.New()) {
		t.Fatalf("Acknowledge with a mismatched token returned true")
	}
	if !c.Acknowledge(1, capturedToken) {
		t.Fatalf("Acknowledge with the correct token returned false")
	}
	if c.InFlight(1) {
		t.Fatalf("InFlight(1) = true after a matching Acknowledge")
	}
}

func TestSpawnerClientAcknowledgeWorkerSpawnUnconditional(t *testing.T) {
	cfg := Config{Spawners: []SpawnerConfig{{IP: "127.0.0.1", Port: 9000}}}
	c := NewSpawnerClient(cfg, func(addr string, req SpawnWorkerForLayer) error { return nil })

	if err := c.RequestWorker(1, time.Second); err != nil {
		t.Fatalf("RequestWorker: %v", err)
	}
	c.AcknowledgeWorkerSpawn(1)
	if c.InFlight(1) {
		t.Fatalf("InFlight(1) = true after AcknowledgeWorkerSpawn")
	}
}

func TestSpawnerClientPollTimeouts(t *testing.T) {
	cfg := Config{Spawners: []SpawnerConfig{{IP: "127.0.0.1", Port: 9000}}}
	c := NewSpawnerClient(cfg, func(addr string, req SpawnWorkerForLayer) error { return nil })

	if err := c.RequestWorker(1, 10*time.Millisecond); err != nil {
		t.Fatalf("RequestWorker: %v", err)
	}

	if expired := c.PollTimeouts(time.Now()); len(expired) != 0 {
		t.Fatalf("PollTimeouts before the deadline returned %v, want none", expired)
	}

	expired := c.PollTimeouts(time.Now().Add(20 * time.Millisecond))
	if len(expired) != 1 || expired[0] != 1 {
		t.Fatalf("PollTimeouts after the deadline = %v, want [1]", expired)
	}
	if c.InFlight(1) {
		t.Fatalf("InFlight(1) = true after PollTimeouts expired it")
	}
}

func TestSpawnerClientSendErrorDoesNotLatchPending(t *testing.T) {
	cfg := Config{Spawners: []SpawnerConfig{{IP: "127.0.0.1", Port: 9000}}}
	boom := errors.New("boom")
	c := NewSpawnerClient(cfg, func(addr string, req SpawnWorkerForLayer) error { return boom })

	if err := c.RequestWorker(1, time.Second); err != boom {
		t.Fatalf("RequestWorker = %v, want %v", err, boom)
	}
	if c.InFlight(1) {
		t.Fatalf("InFlight(1) = true after a failed send")
	}
}

func TestSpawnerClientRoundRobinsAddresses(t *testing.T) {
	var addrs []string
	cfg := Config{Spawners: []SpawnerConfig{
		{IP: "10.0.0.1", Port: 9000},
		{IP: "10.0.0.2", Port: 9000},
	}}
	c := NewSpawnerClient(cfg, func(addr string, req SpawnWorkerForLayer) error {
		addrs = append(addrs, addr)
		return nil
	})

	if err := c.RequestWorker(1, time.Second); err != nil {
		t.Fatalf("RequestWorker(1): %v", err)
	}
	if err := c.RequestWorker(2, time.Second); err != nil {
		t.Fatalf("RequestWorker(2): %v", err)
	}
	if len(addrs) != 2 || addrs[0] == addrs[1] {
		t.Fatalf("addrs = %v, want two distinct addresses (round robin)", addrs)
	}
}
