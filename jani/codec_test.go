package jani

import "testing"

func TestWriterReaderRoundTripPrimitives(t *testing.T) {
	w := NewWriter(0)
	w.Uint8(0xAB)
	w.Bool(true)
	w.Bool(false)
	w.Uint32(0xDEADBEEF)
	w.Int32(-42)
	w.Uint64(0x0123456789ABCDEF)
	w.Int64(-1)
	w.Float32(3.5)
	w.Float64(-2.25)
	w.ByteSlice([]byte{1, 2, 3})
	w.String("hello")

	r := NewReader(w.Bytes())

	if v, err := r.Uint8(); err != nil || v != 0xAB {
		t.Fatalf("Uint8 = (%v, %v), want (0xAB, nil)", v, err)
	}
	if v, err := r.Bool(); err != nil || v != true {
		t.Fatalf("Bool = (%v, %v), want (true, nil)", v, err)
	}
	if v, err := r.Bool(); err != nil || v != false {
		t.Fatalf("Bool = (%v, %v), want (false, nil)", v, err)
	}
	if v, err := r.Uint32(); err != nil || v != 0xDEADBEEF {
		t.Fatalf("Uint32 = (%v, %v), want (0xDEADBEEF, nil)", v, err)
	}
	if v, err := r.Int32(); err != nil || v != -42 {
		t.Fatalf("Int32 = (%v, %v), want (-42, nil)", v, err)
	}
	if v, err := r.Uint64(); err != nil || v != 0x0123456789ABCDEF {
		t.Fatalf("Uint64 = (%v, %v), want (0x0123456789ABCDEF, nil)", v, err)
	}
	if v, err := r.Int64(); err != nil || v != -1 {
		t.Fatalf("Int64 = (%v, %v), want (-1, nil)", v, err)
	}
	if v, err := r.Float32(); err != nil || v != 3.5 {
		t.Fatalf("Float32 = (%v, %v), want (3.5, nil)", v, err)
	}
	if v, err := r.Float64(); err != nil || v != -2.25 {
		t.Fatalf("Float64 = (%v, %v), want (-2.25, nil)", v, err)
	}
	if v, err := r.ByteSlice(); err != nil || string(v) != "\x01\x02\x03" {
		t.Fatalf("ByteSlice = (%v, %v), want ([1 2 3], nil)", v, err)
	}
	if v, err := r.String(); err != nil || v != "hello" {
		t.Fatalf("String = (%v, %v), want (\"hello\", nil)", v, err)
	}
	if r.Remaining() != 0 {
		t.Fatalf("Remaining() = %d, want 0 after consuming every field", r.Remaining())
	}
}

func TestReaderTruncatedErrors(t *testing.T) {
	r := NewReader([]byte{1, 2})
	if _, err := r.Uint32(); err != ErrTruncated {
		t.Fatalf("Uint32 on a 2-byte buffer = %v, want ErrTruncated", err)
	}
}

func TestReaderByteSliceTruncatedLength(t *testing.T) {
	w := NewWriter(0)
	w.Uint32(10) // claims 10 bytes but none follow
	r := NewReader(w.Bytes())
	if _, err := r.ByteSlice(); err != ErrTruncated {
		t.Fatalf("ByteSlice with an over-claimed length = %v, want ErrTruncated", err)
	}
}

func TestNewWriterFromAppendsOntoExistingBacking(t *testing.T) {
	scratch := make([]byte, 0, 64)
	w := NewWriterFrom(scratch)
	w.Uint32(123)
	if w.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", w.Len())
	}
	r := NewReader(w.Bytes())
	if v, err := r.Uint32(); err != nil || v != 123 {
		t.Fatalf("round trip through NewWriterFrom failed: (%v, %v)", v, err)
	}
}

func TestWriteMessageReadMessageRoundTrip(t *testing.T) {
	orig := &RuntimeReserveEntityIdRange{Count: 99}
	buf := WriteMessage(orig)

	var decoded RuntimeReserveEntityIdRange
	if err := ReadMessage(buf, &decoded); err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if decoded.Count != orig.Count {
		t.Fatalf("Count = %d, want %d", decoded.Count, orig.Count)
	}
}
