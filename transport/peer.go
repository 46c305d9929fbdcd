package transport

import (
	"net"
	"sync"
	"time"
)

type pendingPacket struct {
	payload    []byte
	lastSentAt time.Time
	resends    int
}

// inboundFragment is one sequenced data packet awaiting in-order delivery.
type inboundFragment struct {
	more bool
	data []byte
}

// peer is the per-remote-address reliability state: outbound sequencing and
// retransmission, inbound reordering, and liveness tracking
// (original_source/jani/core/JaniConnection.h's ClientInfo).
type peer struct {
	addr *net.UDPAddr

	mu sync.Mutex

	nextSeq uint32
	pending map[uint32]*pendingPacket

	recvNext  uint32
	recvAhead map[uint32]inboundFragment
	delivered bool // true once at least one in-order packet has been delivered
	// assembly accumulates in-order fragments of a message still missing its
	// final fragment.
	assembly []byte

	lastReceiveAt  time.Time
	lastPingSentAt time.Time
	waitingForPing bool
	timedOut       bool
}

func newPeer(addr *net.UDPAddr, now time.Time) *peer {
	return &peer{
		addr:          addr,
		pending:       make(map[uint32]*pendingPacket),
		recvAhead:     make(map[uint32]inboundFragment),
		lastReceiveAt: now,
	}
}

func (p *peer) queueSend(chunk []byte, more bool) (seq uint32, framed []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	seq = p.nextSeq
	p.nextSeq++
	framed = frameData(seq, more, chunk)
	p.pending[seq] = &pendingPacket{payload: framed, lastSentAt: time.Time{}}
	return seq, framed
}

func (p *peer) ack(seq uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pending, seq)
}

// dueForResend returns every pending packet whose last send is at least two
// retransmission ticks old (the "two-ack" retransmit rule, spec.md §4.4):
// a packet gets one full window to be acked before it is considered lost.
func (p *peer) dueForResend(now time.Time, tick time.Duration) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out [][]byte
	for _, pp := range p.pending {
		if pp.lastSentAt.IsZero() || now.Sub(pp.lastSentAt) >= 2*tick {
			pp.lastSentAt = now
			pp.resends++
			out = append(out, pp.payload)
		}
	}
	return out
}

// receiveData applies spec.md §4.4's ordered-delivery rule to an inbound
// data packet: consume it (and any subsequently-buffered packets it
// unblocks) in order, drop duplicates, buffer out-of-order arrivals.
// Fragments of an oversized message are reassembled here — only complete
// messages are returned.
func (p *peer) receiveData(seq uint32, more bool, chunk []byte) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.delivered {
		// First datagram from this peer establishes the starting sequence.
		p.recvNext = seq
		p.delivered = true
	}
	switch {
	case seq < p.recvNext:
		return nil // duplicate of an already-delivered packet
	case seq > p.recvNext:
		if _, ok := p.recvAhead[seq]; !ok {
			p.recvAhead[seq] = inboundFragment{more: more, data: chunk}
		}
		return nil
	}

	var out [][]byte
	out = p.consume(out, inboundFragment{more: more, data: chunk})
	p.recvNext++
	for {
		next, ok := p.recvAhead[p.recvNext]
		if !ok {
			break
		}
		delete(p.recvAhead, p.recvNext)
		out = p.consume(out, next)
		p.recvNext++
	}
	return out
}

// consume folds one in-order fragment into the assembly buffer, appending
// the completed message to out when the final fragment lands. Callers hold
// p.mu.
func (p *peer) consume(out [][]byte, f inboundFragment) [][]byte {
	if f.more {
		p.assembly = append(p.assembly, f.data...)
		return out
	}
	if p.assembly == nil {
		return append(out, f.data)
	}
	msg := append(p.assembly, f.data...)
	p.assembly = nil
	return append(out, msg)
}

func (p *peer) touch(now time.Time) {
	p.mu.Lock()
	p.lastReceiveAt = now
	p.waitingForPing = false
	p.mu.Unlock()
}

func (p *peer) idleFor(now time.Time) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return now.Sub(p.lastReceiveAt)
}

// markTimedOut latches the peer's timed-out state, reporting whether this
// call was the transition. The latch keeps the upper layer's timeout
// callback single per peer (spec.md §4.4).
func (p *peer) markTimedOut() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timedOut {
		return false
	}
	p.timedOut = true
	return true
}
