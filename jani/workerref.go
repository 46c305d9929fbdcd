package jani

import (
	"sync/atomic"
	"time"
)

// WorkerKind distinguishes the two kinds of peer that authenticate against
// a layer (spec.md §3's WorkerReference, §4.6).
type WorkerKind uint8

const (
	WorkerServer WorkerKind = iota
	WorkerClient
)

// TrafficCounters tracks the byte/message volume exchanged with one worker
// (spec.md §4.6). Counts are bumped from the transport's receive goroutine
// while the orchestrator's tick thread sends, so they are atomics rather
// than plain fields.
type TrafficCounters struct {
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
	messagesSent  atomic.Uint64
	messagesRecv  atomic.Uint64
}

// AccountSent records one outbound datagram of n bytes.
func (t *TrafficCounters) AccountSent(n uint64) {
	t.bytesSent.Add(n)
	t.messagesSent.Add(1)
}

// AccountReceived records one inbound datagram of n bytes.
func (t *TrafficCounters) AccountReceived(n uint64) {
	t.bytesReceived.Add(n)
	t.messagesRecv.Add(1)
}

// Snapshot returns the accumulated totals.
func (t *TrafficCounters) Snapshot() (bytesSent, bytesReceived, messagesSent, messagesRecv uint64) {
	return t.bytesSent.Load(), t.bytesReceived.Load(), t.messagesSent.Load(), t.messagesRecv.Load()
}

// ReportedLoad is the last self-reported load a worker sent via
// RuntimeWorkerReportAcknowledge (original_source/jani/core/JaniWorker.cpp).
type ReportedLoad struct {
	TickRateHz       float64
	LocalEntityCount uint32
	ReceivedAt       time.Time
}

// WorkerReference is the Runtime's record of one connected worker process
// (spec.md §3, §4.6). It is created on successful authentication and
// destroyed on timeout or explicit disconnect.
type WorkerReference struct {
	ID         WorkerId
	LayerID    LayerId
	Kind       WorkerKind
	ClientHash uint64

	Traffic TrafficCounters
	Load    ReportedLoad

	ConnectedAt time.Time
}
