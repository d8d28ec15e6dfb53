package buffer

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestRingWrapAround(t *testing.T) {
	r := NewRing(5)
	if n := r.Write([]byte("abcdefg")); n != 5 {
		t.Fatalf("Write into empty ring = %d, want 5", n)
	}
	if r.Free() != 0 || r.Len() != 5 {
		t.Fatalf("Len, Free = %d, %d, want 5, 0", r.Len(), r.Free())
	}

	b := make([]byte, 3)
	if n := r.Read(b); n != 3 || string(b) != "abc" {
		t.Fatalf("Read = %d %q, want 3 %q", n, b[:n], "abc")
	}
	// Wraps past the end of the backing view.
	if n := r.Write([]byte("xyz")); n != 3 {
		t.Fatalf("Write = %d, want 3", n)
	}

	b = make([]byte, 10)
	if n := r.Read(b); n != 5 || string(b[:n]) != "dexyz" {
		t.Fatalf("Read = %d %q, want 5 %q", n, b[:n], "dexyz")
	}
	if r.Len() != 0 || r.Free() != r.Cap() {
		t.Fatalf("ring not empty after draining: Len %d Free %d", r.Len(), r.Free())
	}
	if n := r.Read(b); n != 0 {
		t.Fatalf("Read from empty ring = %d", n)
	}
}

func TestRingMatchesQueue(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	r := NewRing(11)
	var want bytes.Buffer
	for i := 0; i < 2000; i++ {
		if rnd.Intn(2) == 0 {
			b := make([]byte, rnd.Intn(9))
			rnd.Read(b)
			n := r.Write(b)
			if exp := min(len(b), r.Cap()-want.Len()); n != exp {
				t.Fatalf("step %d: Write(%d bytes) = %d, want %d", i, len(b), n, exp)
			}
			want.Write(b[:n])
		} else {
			b := make([]byte, rnd.Intn(9))
			n := r.Read(b)
			exp := make([]byte, len(b))
			m, _ := want.Read(exp)
			if !bytes.Equal(b[:n], exp[:m]) {
				t.Fatalf("step %d: Read = %q, want %q", i, b[:n], exp[:m])
			}
		}
		if r.Len() != want.Len() {
			t.Fatalf("step %d: Len() = %d, want %d", i, r.Len(), want.Len())
		}
	}
}
