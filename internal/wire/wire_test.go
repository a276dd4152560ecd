package wire

import "testing"

func TestRoundTripPrimitives(t *testing.T) {
	b := NewBuilder(0)
	b.U8(7).U16(1000).U32(1 << 20).U64(1 << 40).String("hello")

	r := NewReader(b.Bytes())
	if v, err := r.U8(); err != nil || v != 7 {
		t.Fatalf("U8 = %v, %v", v, err)
	}
	if v, err := r.U16(); err != nil || v != 1000 {
		t.Fatalf("U16 = %v, %v", v, err)
	}
	if v, err := r.U32(); err != nil || v != 1<<20 {
		t.Fatalf("U32 = %v, %v", v, err)
	}
	if v, err := r.U64(); err != nil || v != 1<<40 {
		t.Fatalf("U64 = %v, %v", v, err)
	}
	if v, err := r.String(5); err != nil || v != "hello" {
		t.Fatalf("String = %q, %v", v, err)
	}
	if r.Len() != 0 {
		t.Fatalf("Len = %d, want 0", r.Len())
	}
}

func TestShortReadFails(t *testing.T) {
	r := NewReader([]byte{1, 2, 3})
	if _, err := r.U64(); err == nil {
		t.Fatal("expected short-read error")
	}
}

func TestNegativeLengthRejected(t *testing.T) {
	r := NewReader([]byte{1, 2, 3, 4})
	if _, err := r.Bytes(-1); err == nil {
		t.Fatal("expected error for negative length")
	}
}
