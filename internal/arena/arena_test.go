package arena

import "testing"

func TestPoolGetGrowsSlots(t *testing.T) {
	p := New()
	if p.Slots() != 0 {
		t.Fatalf("fresh pool has %d slots, want 0", p.Slots())
	}
	p.Get(2)
	if p.Slots() != 3 {
		t.Fatalf("Slots after Get(2) = %d, want 3", p.Slots())
	}
}

func TestPoolPutPreservesCapacityAcrossGets(t *testing.T) {
	p := New()
	buf := p.Get(0)
	buf = append(buf, make([]byte, 512)...)
	p.Put(0, buf)

	again := p.Get(0)
	if len(again) != 0 {
		t.Fatalf("Get returned a non-truncated buffer of len %d", len(again))
	}
	if cap(again) < 512 {
		t.Fatalf("Get lost the accumulated capacity: cap = %d, want >= 512", cap(again))
	}
}

func TestPoolResetTruncatesEverySlot(t *testing.T) {
	p := New()
	for slot := 0; slot < 3; slot++ {
		buf := append(p.Get(slot), "scratch"...)
		p.Put(slot, buf)
	}
	p.Reset()
	for slot := 0; slot < 3; slot++ {
		if buf := p.Get(slot); len(buf) != 0 {
			t.Fatalf("slot %d still holds %d bytes after Reset", slot, len(buf))
		}
	}
}
