package transport

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Defaults mirror original_source/jani/core/JaniConnection.h's constructor
// defaults (spec.md §4.4).
const (
	DefaultHeartbeatWindow        = 100 * time.Millisecond
	DefaultTimeout                = 500 * time.Millisecond
	DefaultTimeoutGraceMultiplier = 8
	DefaultRetransmitTick         = 10 * time.Millisecond
	// DefaultMTU bounds one UDP datagram; larger messages are fragmented and
	// reassembled by the reliable layer (spec.md §4.4).
	DefaultMTU = 2048
)

// Config configures a Transport. Zero values fall back to the defaults
// above.
type Config struct {
	Log *slog.Logger

	HeartbeatWindow        time.Duration
	Timeout                time.Duration
	TimeoutGraceMultiplier int
	RetransmitTick         time.Duration
	MTU                    int

	// OnReceive is called once per fully-ordered inbound payload, with the
	// sender's address string as the peer key.
	OnReceive func(peerKey string, payload []byte)
	// OnTimeout is called once when a peer exceeds Timeout without any
	// inbound traffic. The channel itself is retained for another
	// TimeoutGraceMultiplier*Timeout before being released.
	OnTimeout func(peerKey string)
}

func (c *Config) setDefaults() {
	if c.HeartbeatWindow == 0 {
		c.HeartbeatWindow = DefaultHeartbeatWindow
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.TimeoutGraceMultiplier == 0 {
		c.TimeoutGraceMultiplier = DefaultTimeoutGraceMultiplier
	}
	if c.RetransmitTick == 0 {
		c.RetransmitTick = DefaultRetransmitTick
	}
	if c.MTU <= dataOverhead {
		c.MTU = DefaultMTU
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
}

// Transport is one reliable, ordered, per-peer UDP channel endpoint
// (spec.md §4.4, C1). A server-role Transport tracks many peers, keyed by
// remote address; a client-role Transport tracks exactly one.
type Transport struct {
	cfg      Config
	conn     *net.UDPConn
	isServer bool
	// dstKey is the only valid peer key in client mode.
	dstKey string

	mu    sync.RWMutex
	peers map[string]*peer

	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	closed chan struct{}
}

// Listen opens a server-role Transport bound to localPort, accepting
// datagrams from any peer.
func Listen(localPort int, cfg Config) (*Transport, error) {
	cfg.setDefaults()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: localPort})
	if err != nil {
		return nil, fmt.Errorf("transport: listen: %w", err)
	}
	t := &Transport{cfg: cfg, conn: conn, isServer: true, peers: make(map[string]*peer), closed: make(chan struct{})}
	go t.readLoop()
	return t, nil
}

// Dial opens a client-role Transport bound to localPort, exchanging
// datagrams only with dstAddr:dstPort.
func Dial(localPort int, dstAddr string, dstPort int, cfg Config) (*Transport, error) {
	cfg.setDefaults()
	remote, err := net.ResolveUDPAddr("udp", net.JoinHostPort(dstAddr, fmt.Sprint(dstPort)))
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %s:%d: %w", dstAddr, dstPort, err)
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: localPort})
	if err != nil {
		return nil, fmt.Errorf("transport: listen: %w", err)
	}
	t := &Transport{cfg: cfg, conn: conn, isServer: false, dstKey: remote.String(), peers: make(map[string]*peer), closed: make(chan struct{})}
	t.peers[remote.String()] = newPeer(remote, time.Now())
	go t.readLoop()
	return t, nil
}

func (t *Transport) getOrCreatePeer(addr *net.UDPAddr, now time.Time) *peer {
	key := addr.String()
	t.mu.RLock()
	p, ok := t.peers[key]
	t.mu.RUnlock()
	if ok {
		return p
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok = t.peers[key]; ok {
		return p
	}
	p = newPeer(addr, now)
	t.peers[key] = p
	return p
}

// Send reliably delivers payload to peerKey (the remote address string
// previously observed via OnReceive, or the sole peer of a client-role
// Transport). Payloads larger than the MTU are fragmented; the receiving
// reliable layer reassembles them before surfacing the message (spec.md
// §4.4).
func (t *Transport) Send(peerKey string, payload []byte) error {
	t.mu.RLock()
	p, ok := t.peers[peerKey]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("transport: unknown peer %q", peerKey)
	}
	maxChunk := t.cfg.MTU - dataOverhead
	for off := 0; ; {
		end := off + maxChunk
		if end > len(payload) {
			end = len(payload)
		}
		more := end < len(payload)
		_, framed := p.queueSend(payload[off:end], more)
		if _, err := t.write(framed, p.addr); err != nil {
			return err
		}
		if !more {
			return nil
		}
		off = end
	}
}

// DialPeerKey returns the single peer key a client-role Transport talks to.
func (t *Transport) DialPeerKey() string { return t.dstKey }

// Addr returns the local address the underlying socket is bound to, so a
// caller that listened on port 0 can learn the port it actually got.
func (t *Transport) Addr() *net.UDPAddr {
	return t.conn.LocalAddr().(*net.UDPAddr)
}

// write sends buf to addr, accounting the bytes (spec.md §4.4's traffic
// accounting — retransmits, acks and pings all count).
func (t *Transport) write(buf []byte, addr *net.UDPAddr) (int, error) {
	n, err := t.conn.WriteToUDP(buf, addr)
	t.bytesSent.Add(uint64(n))
	return n, err
}

// TakeTraffic returns and resets the byte counters accumulated since the
// previous call; the orchestrator drains this once per tick into its
// metrics (spec.md §4.4 "Traffic accounting").
func (t *Transport) TakeTraffic() (sent, received uint64) {
	return t.bytesSent.Swap(0), t.bytesReceived.Swap(0)
}

func (t *Transport) readLoop() {
	buf := make([]byte, 65536)
	for {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
			}
			if t.cfg.Log != nil {
				t.cfg.Log.Warn("transport: read error", "err", err)
			}
			continue
		}
		t.bytesReceived.Add(uint64(n))
		t.handleDatagram(addr, append([]byte(nil), buf[:n]...))
	}
}

func (t *Transport) handleDatagram(addr *net.UDPAddr, buf []byte) {
	now := time.Now()
	p := t.getOrCreatePeer(addr, now)
	p.touch(now)

	if isPingDatagram(buf) {
		return
	}
	k, seq, ok := decodeHeader(buf)
	if !ok {
		return
	}
	switch k {
	case kindAck:
		p.ack(seq)
	case kindData:
		if len(buf) < dataOverhead {
			return
		}
		if _, err := t.write(frameAck(seq), addr); err != nil && t.cfg.Log != nil {
			t.cfg.Log.Warn("transport: ack send failed", "err", err)
		}
		more := buf[headerSize] == fragMore
		for _, payload := range p.receiveData(seq, more, buf[dataOverhead:]) {
			if t.cfg.OnReceive != nil {
				t.cfg.OnReceive(addr.String(), payload)
			}
		}
	}
}

// Update runs one retransmission/heartbeat/timeout pass over every peer
// (spec.md §4.4); the orchestrator calls this once per tick, so resends are
// checked at the tick interval, not every RetransmitTick.
func (t *Transport) Update(now time.Time) {
	t.mu.RLock()
	peers := make(map[string]*peer, len(t.peers))
	for k, v := range t.peers {
		peers[k] = v
	}
	t.mu.RUnlock()

	for key, p := range peers {
		for _, framed := range p.dueForResend(now, t.cfg.RetransmitTick) {
			if _, err := t.write(framed, p.addr); err != nil && t.cfg.Log != nil {
				t.cfg.Log.Warn("transport: resend failed", "peer", key, "err", err)
			}
		}

		if !t.isServer {
			t.maybePing(p, now)
		}

		// A peer is declared timed out at timeout_ms of silence and the
		// upper layer told exactly once; the channel itself is retained for
		// another graceMultiplier window before being released (spec.md
		// §4.4).
		idle := p.idleFor(now)
		if idle > t.cfg.Timeout && p.markTimedOut() {
			if t.cfg.Log != nil {
				t.cfg.Log.Warn("transport: peer timed out", "peer", key, "idle", idle)
			}
			if t.cfg.OnTimeout != nil {
				t.cfg.OnTimeout(key)
			}
		}
		if idle > time.Duration(t.cfg.TimeoutGraceMultiplier)*t.cfg.Timeout {
			t.dropPeer(key)
		}
	}
}

// maybePing sends a heartbeat datagram if this client hasn't heard from the
// peer within the configured ping window — it is the client's job to ping
// the server, never the other way around (original_source/jani/core/JaniConnection.h).
func (t *Transport) maybePing(p *peer, now time.Time) {
	p.mu.Lock()
	due := !p.waitingForPing && now.Sub(p.lastReceiveAt) > t.cfg.HeartbeatWindow
	if due {
		p.waitingForPing = true
		p.lastPingSentAt = now
	}
	p.mu.Unlock()
	if due {
		if _, err := t.write(pingDatagram[:], p.addr); err != nil && t.cfg.Log != nil {
			t.cfg.Log.Warn("transport: ping send failed", "err", err)
		}
	}
}

func (t *Transport) dropPeer(key string) {
	t.mu.Lock()
	delete(t.peers, key)
	t.mu.Unlock()
}

// Close releases the underlying socket.
func (t *Transport) Close() error {
	close(t.closed)
	return t.conn.Close()
}
