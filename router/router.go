// Package router implements the Request Router (spec.md §4.5, C2): binary
// framing of a Header in front of every message body, per-peer monotonic
// request indices, and a pending-response callback table matching a
// response datagram back to the call that sent its request.
package router

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jani-run/jani/jani"
)

// Sender delivers a framed datagram to a peer. transport.Transport
// satisfies this.
type Sender interface {
	Send(peerKey string, payload []byte) error
}

// Handler answers an inbound request or notification. For a
// fire-and-forget RequestType (jani.RequestType.FireAndForget), any
// returned response is discarded — there is nothing to correlate it with.
type Handler func(peerKey string, header jani.Header, body []byte) (jani.Message, error)

type pendingCall struct {
	onResponse func(body []byte) error
	onTimeout  func()
	sentAt     time.Time
}

// Router dispatches inbound datagrams to registered handlers and matches
// inbound responses back to outstanding SendRequest calls.
type Router struct {
	log  *slog.Logger
	send Sender

	mu        sync.Mutex
	nextIndex map[string]uint64
	pending   map[string]map[uint64]*pendingCall
	handlers  map[jani.RequestType]Handler

	onSend    func(peerKey string, bytes int)
	onReceive func(peerKey string, bytes int)
}

// New builds a Router that writes framed datagrams through send.
func New(send Sender, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		log:       log,
		send:      send,
		nextIndex: make(map[string]uint64),
		pending:   make(map[string]map[uint64]*pendingCall),
		handlers:  make(map[jani.RequestType]Handler),
	}
}

// SetTrafficObserver installs callbacks invoked with the framed size of
// every datagram delivered to (onSend) or dispatched from (onReceive) a
// peer. The orchestrator uses these to keep per-worker traffic counters
// (spec.md §4.6's WorkerReference traffic stats). Must be set before the
// router starts carrying traffic; either callback may be nil.
func (r *Router) SetTrafficObserver(onSend, onReceive func(peerKey string, bytes int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onSend = onSend
	r.onReceive = onReceive
}

// Handle registers the handler invoked for every inbound datagram of type
// t, whether it arrives as a request or as a fire-and-forget notification.
func (r *Router) Handle(t jani.RequestType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

// SendRequest frames header+msg and delivers it to peerKey, assigning the
// next monotonic request index for that peer. onResponse is invoked with
// the response body once the matching reply arrives; it is ignored
// entirely for fire-and-forget types, which never receive a reply.
func (r *Router) SendRequest(peerKey string, reqType jani.RequestType, msg jani.Message, onResponse func(body []byte) error) (uint64, error) {
	return r.SendRequestWithTimeout(peerKey, reqType, msg, onResponse, nil)
}

// SendRequestWithTimeout is SendRequest plus an onTimeout callback invoked if
// the peer is dropped (DropPeer) before a response ever arrives — the
// "overall peer timeout" half of spec.md §4.5's pending-response contract.
func (r *Router) SendRequestWithTimeout(peerKey string, reqType jani.RequestType, msg jani.Message, onResponse func(body []byte) error, onTimeout func()) (uint64, error) {
	r.mu.Lock()
	idx := r.nextIndex[peerKey] + 1
	r.nextIndex[peerKey] = idx
	if !reqType.FireAndForget() && onResponse != nil {
		if r.pending[peerKey] == nil {
			r.pending[peerKey] = make(map[uint64]*pendingCall)
		}
		r.pending[peerKey][idx] = &pendingCall{onResponse: onResponse, onTimeout: onTimeout, sentAt: time.Now()}
	}
	r.mu.Unlock()

	return idx, r.deliver(peerKey, jani.Header{Type: reqType, RequestIndex: idx, IsRequest: true}, msg)
}

// DropPeer discards every pending-response entry for peerKey, invoking each
// entry's onTimeout callback (if any), and forgets its request-index
// counter. The orchestrator calls this from its transport timeout handler
// (spec.md §4.4, §7's Peer timeout kind).
func (r *Router) DropPeer(peerKey string) {
	r.mu.Lock()
	byIndex := r.pending[peerKey]
	delete(r.pending, peerKey)
	delete(r.nextIndex, peerKey)
	r.mu.Unlock()
	for _, call := range byIndex {
		if call.onTimeout != nil {
			call.onTimeout()
		}
	}
}

// SendResponse replies to a previously received request, echoing its
// header with IsRequest cleared.
func (r *Router) SendResponse(peerKey string, reqType jani.RequestType, requestIndex uint64, msg jani.Message) error {
	return r.deliver(peerKey, jani.Header{Type: reqType, RequestIndex: requestIndex, IsRequest: false}, msg)
}

func (r *Router) deliver(peerKey string, header jani.Header, msg jani.Message) error {
	w := jani.NewWriter(64)
	header.Marshal(w)
	if msg != nil {
		msg.Marshal(w)
	}
	if err := r.send.Send(peerKey, w.Bytes()); err != nil {
		return err
	}
	if r.onSend != nil {
		r.onSend(peerKey, w.Len())
	}
	return nil
}

// Dispatch decodes an inbound datagram's Header and routes its body to
// either a pending-response waiter or the registered Handler for its type.
func (r *Router) Dispatch(peerKey string, raw []byte) error {
	reader := jani.NewReader(raw)
	var header jani.Header
	if err := header.Unmarshal(reader); err != nil {
		return fmt.Errorf("router: decode header from %s: %w", peerKey, err)
	}
	body := raw[len(raw)-reader.Remaining():]
	if r.onReceive != nil {
		r.onReceive(peerKey, len(raw))
	}

	if !header.IsRequest {
		return r.resolvePending(peerKey, header, body)
	}

	r.mu.Lock()
	h, ok := r.handlers[header.Type]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("router: no handler registered for type %d", header.Type)
	}
	resp, err := h(peerKey, header, body)
	if err != nil {
		r.log.Warn("router: handler error", "peer", peerKey, "type", header.Type, "err", err)
		return err
	}
	if header.Type.FireAndForget() {
		if resp != nil {
			r.log.Warn("router: handler returned a response for a fire-and-forget request", "type", header.Type)
		}
		return nil
	}
	if resp == nil {
		return nil
	}
	return r.SendResponse(peerKey, header.Type, header.RequestIndex, resp)
}

func (r *Router) resolvePending(peerKey string, header jani.Header, body []byte) error {
	r.mu.Lock()
	byIndex := r.pending[peerKey]
	var call *pendingCall
	if byIndex != nil {
		call = byIndex[header.RequestIndex]
		delete(byIndex, header.RequestIndex)
	}
	r.mu.Unlock()
	if call == nil {
		return fmt.Errorf("router: response from %s for unknown request index %d", peerKey, header.RequestIndex)
	}
	return call.onResponse(body)
}
