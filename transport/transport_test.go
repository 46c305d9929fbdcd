package transport

import (
	"sync"
	"testing"
	"time"
)

// collector gathers OnReceive payloads across goroutines.
type collector struct {
	mu       sync.Mutex
	payloads []string
}

func (c *collector) receive(_ string, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, string(payload))
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.payloads...)
}

func waitFor(t *testing.T, deadline time.Duration, cond func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", deadline)
}

func TestTransportLoopbackDelivery(t *testing.T) {
	var serverGot collector
	server, err := Listen(0, Config{OnReceive: serverGot.receive})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer server.Close()

	client, err := Dial(0, "127.0.0.1", server.Addr().Port, Config{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	if err := client.Send(client.DialPeerKey(), []byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := client.Send(client.DialPeerKey(), []byte("world")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return len(serverGot.snapshot()) == 2 })
	got := serverGot.snapshot()
	if got[0] != "hello" || got[1] != "world" {
		t.Fatalf("delivered payloads = %v, want [hello world] in order", got)
	}
}

func TestTransportFragmentsAndReassemblesOversizedMessages(t *testing.T) {
	var serverGot collector
	server, err := Listen(0, Config{OnReceive: serverGot.receive})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer server.Close()

	client, err := Dial(0, "127.0.0.1", server.Addr().Port, Config{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	// Three fragments at the default MTU.
	payload := make([]byte, 5000)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := client.Send(client.DialPeerKey(), payload); err != nil {
		t.Fatalf("Send: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return len(serverGot.snapshot()) == 1 })
	got := serverGot.snapshot()[0]
	if len(got) != len(payload) {
		t.Fatalf("reassembled message is %d bytes, want %d", len(got), len(payload))
	}
	if got != string(payload) {
		t.Fatalf("reassembled message does not match the sent payload")
	}
}

func TestTransportTrafficAccounting(t *testing.T) {
	var serverGot collector
	server, err := Listen(0, Config{OnReceive: serverGot.receive})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer server.Close()

	client, err := Dial(0, "127.0.0.1", server.Addr().Port, Config{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	if err := client.Send(client.DialPeerKey(), []byte("payload")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return len(serverGot.snapshot()) == 1 })

	sent, _ := client.TakeTraffic()
	if sent == 0 {
		t.Fatalf("client sent-byte counter is zero after a Send")
	}
	_, received := server.TakeTraffic()
	if received == 0 {
		t.Fatalf("server received-byte counter is zero after a delivery")
	}

	// Counters reset on read.
	if sent, received := client.TakeTraffic(); sent != 0 || received != 0 {
		t.Fatalf("TakeTraffic did not reset: sent=%d received=%d", sent, received)
	}
}

func TestTransportPingNotSurfacedToUpperLayer(t *testing.T) {
	var serverGot collector
	server, err := Listen(0, Config{OnReceive: serverGot.receive})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer server.Close()

	// HeartbeatWindow of 1ns makes the client ping on its first Update.
	client, err := Dial(0, "127.0.0.1", server.Addr().Port, Config{HeartbeatWindow: time.Nanosecond})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	client.Update(time.Now().Add(time.Millisecond))

	waitFor(t, 2*time.Second, func() bool {
		_, received := server.TakeTraffic()
		return received > 0
	})
	if got := serverGot.snapshot(); len(got) != 0 {
		t.Fatalf("heartbeat datagram surfaced to OnReceive: %v", got)
	}
}

func TestTransportTimeoutCallbackAtTimeoutChannelReleasedAfterGrace(t *testing.T) {
	const timeout = 50 * time.Millisecond
	var timeouts []string
	var mu sync.Mutex
	var serverGot collector
	server, err := Listen(0, Config{
		Timeout:                timeout,
		TimeoutGraceMultiplier: 4,
		OnReceive:              serverGot.receive,
		OnTimeout: func(peerKey string) {
			mu.Lock()
			timeouts = append(timeouts, peerKey)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer server.Close()

	client, err := Dial(0, "127.0.0.1", server.Addr().Port, Config{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()
	if err := client.Send(client.DialPeerKey(), []byte("hi")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return len(serverGot.snapshot()) == 1 })

	// Just past 1x timeout but well inside the grace window: the peer is
	// declared timed out (one callback) while the channel stays open.
	server.Update(time.Now().Add(2 * timeout))
	mu.Lock()
	if len(timeouts) != 1 {
		mu.Unlock()
		t.Fatalf("OnTimeout fired %d times at 1x timeout, want exactly once", len(timeouts))
	}
	peerKey := timeouts[0]
	mu.Unlock()
	if err := server.Send(peerKey, []byte("still open")); err != nil {
		t.Fatalf("channel released before the grace window elapsed: %v", err)
	}

	// A second pass inside the grace window must not repeat the callback.
	server.Update(time.Now().Add(3 * timeout))

	// Past timeout * grace the channel is released; the callback does not
	// fire again.
	server.Update(time.Now().Add(time.Second))
	if err := server.Send(peerKey, []byte("gone")); err == nil {
		t.Fatalf("channel still open after the grace window elapsed")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(timeouts) != 1 {
		t.Fatalf("OnTimeout fired %d times in total, want exactly once", len(timeouts))
	}
}
