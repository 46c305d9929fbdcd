package jani

import (
	"encoding/binary"
	"errors"
	"math"
)

// ErrTruncated is returned by Reader methods when the buffer runs out before
// a value can be fully decoded.
var ErrTruncated = errors.New("jani: truncated message")

// Writer serializes a message body as little-endian binary with
// length-prefixed strings and vectors (spec.md §6). It never returns an
// error itself; encoding errors are caller bugs (encoding a too-large slice
// length) rather than a property of the data.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer with capacity hinted by size.
func NewWriter(size int) *Writer {
	return &Writer{buf: make([]byte, 0, size)}
}

// NewWriterFrom returns a Writer that appends onto buf's existing backing
// array (buf is typically sliced to zero length by the caller first), so a
// reused scratch buffer never needs NewWriter's fresh allocation.
func NewWriterFrom(buf []byte) *Writer {
	return &Writer{buf: buf}
}

// Bytes returns the accumulated buffer.
func (w *Writer) Bytes() []byte { return w.buf }

// Len reports the number of bytes written so far.
func (w *Writer) Len() int { return len(w.buf) }

func (w *Writer) Uint8(v uint8)   { w.buf = append(w.buf, v) }
func (w *Writer) Bool(v bool) {
	if v {
		w.Uint8(1)
	} else {
		w.Uint8(0)
	}
}

func (w *Writer) Uint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) Int32(v int32) { w.Uint32(uint32(v)) }

func (w *Writer) Uint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) Int64(v int64) { w.Uint64(uint64(v)) }

func (w *Writer) Float32(v float32) { w.Uint32(math.Float32bits(v)) }
func (w *Writer) Float64(v float64) { w.Uint64(math.Float64bits(v)) }

// ByteSlice writes a u32-length-prefixed byte vector.
func (w *Writer) ByteSlice(v []byte) {
	w.Uint32(uint32(len(v)))
	w.buf = append(w.buf, v...)
}

// String writes a u32-length-prefixed UTF-8 string.
func (w *Writer) String(v string) {
	w.Uint32(uint32(len(v)))
	w.buf = append(w.buf, v...)
}

// Reader deserializes a message body produced by Writer.
type Reader struct {
	buf []byte
	off int
}

func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Remaining reports how many bytes are left unread.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

func (r *Reader) need(n int) error {
	if r.Remaining() < n {
		return ErrTruncated
	}
	return nil
}

func (r *Reader) Uint8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

func (r *Reader) Bool() (bool, error) {
	v, err := r.Uint8()
	return v != 0, err
}

func (r *Reader) Uint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *Reader) Int32() (int32, error) {
	v, err := r.Uint32()
	return int32(v), err
}

func (r *Reader) Uint64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

func (r *Reader) Int64() (int64, error) {
	v, err := r.Uint64()
	return int64(v), err
}

func (r *Reader) Float32() (float32, error) {
	v, err := r.Uint32()
	return math.Float32frombits(v), err
}

func (r *Reader) Float64() (float64, error) {
	v, err := r.Uint64()
	return math.Float64frombits(v), err
}

func (r *Reader) ByteSlice() ([]byte, error) {
	n, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	if err := r.need(int(n)); err != nil {
		return nil, err
	}
	v := make([]byte, n)
	copy(v, r.buf[r.off:r.off+int(n)])
	r.off += int(n)
	return v, nil
}

func (r *Reader) String() (string, error) {
	b, err := r.ByteSlice()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Message is implemented by every request/response body so the router can
// encode/decode it without reflection.
type Message interface {
	Marshal(w *Writer)
	Unmarshal(r *Reader) error
}

// WriteMessage encodes m into a freshly allocated buffer.
func WriteMessage(m Message) []byte {
	w := NewWriter(64)
	m.Marshal(w)
	return w.Bytes()
}

// ReadMessage decodes buf into m.
func ReadMessage(buf []byte, m Message) error {
	r := NewReader(buf)
	return m.Unmarshal(r)
}
