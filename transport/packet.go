// Package transport implements the Runtime's reliable, ordered datagram
// channel over raw UDP (spec.md §4.4, C1). The original engine leans on
// ikcp (a C KCP port) for this; no idiomatic Go port of it exists in the
// retrieval pack, so this is a from-scratch sequence/ack/retransmit layer
// built directly on net.UDPConn, matching the original's wire-level
// heartbeat behavior byte for byte (original_source/jani/core/JaniConnection.h).
package transport

import "encoding/binary"

// kind identifies what a received non-heartbeat datagram carries.
type kind uint8

const (
	kindData kind = iota
	kindAck
)

// headerSize is the fixed framing prefix: 1 kind byte + 4 little-endian
// sequence bytes.
const headerSize = 5

// Data packets carry one flag byte after the header: fragMore marks a
// fragment of a message too large for the MTU, with more fragments of the
// same message still to come; the reliable layer reassembles them in
// sequence order before surfacing the message (spec.md §4.4).
const (
	fragFinal byte = 0
	fragMore  byte = 1
)

// dataOverhead is the framing cost of one data packet: header + flag byte.
const dataOverhead = headerSize + 1

// pingDatagram is sent verbatim, with no header, exactly as the original
// engine's GetPingDatagram/IsPingDatagram pair defines it
// (original_source/jani/core/JaniConnection.h). A receiver recognizes it by
// exact byte match before attempting to parse a header.
var pingDatagram = [5]byte{4, 28, 36, 19, 111}

func isPingDatagram(buf []byte) bool {
	return len(buf) == len(pingDatagram) && [5]byte(buf) == pingDatagram
}

func encodeHeader(k kind, seq uint32) []byte {
	b := make([]byte, headerSize)
	b[0] = byte(k)
	binary.LittleEndian.PutUint32(b[1:], seq)
	return b
}

func decodeHeader(buf []byte) (k kind, seq uint32, ok bool) {
	if len(buf) < headerSize {
		return 0, 0, false
	}
	return kind(buf[0]), binary.LittleEndian.Uint32(buf[1:headerSize]), true
}

func frameData(seq uint32, more bool, chunk []byte) []byte {
	out := encodeHeader(kindData, seq)
	flag := fragFinal
	if more {
		flag = fragMore
	}
	out = append(out, flag)
	return append(out, chunk...)
}

func frameAck(seq uint32) []byte {
	return encodeHeader(kindAck, seq)
}
