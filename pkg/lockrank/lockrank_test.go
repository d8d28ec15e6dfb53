package lockrank

import (
	"bytes"
	"strings"
	"testing"

	"github.com/qxcheng/ksched/pkg/tmutex"
)

const (
	rankOuter Rank = iota
	rankMiddle
	rankInner
)

var testNames = []string{"outer", "middle", "inner"}

func newTestOrder(t *testing.T) *Order {
	t.Helper()
	o, err := NewOrder(testNames, map[Rank][]Rank{
		rankMiddle: {rankOuter},
		rankInner:  {rankMiddle},
	})
	if err != nil {
		t.Fatalf("NewOrder: %v", err)
	}
	o.SetEnabled(true)
	return o
}

func TestAllowedIsTransitive(t *testing.T) {
	o := newTestOrder(t)
	for _, tc := range []struct {
		held, next Rank
		want       bool
	}{
		{rankOuter, rankMiddle, true},
		{rankMiddle, rankInner, true},
		{rankOuter, rankInner, true},
		{rankInner, rankOuter, false},
		{rankMiddle, rankOuter, false},
		{rankInner, rankInner, false},
	} {
		if got := o.Allowed(tc.held, tc.next); got != tc.want {
			t.Errorf("Allowed(%s, %s) = %v, want %v", testNames[tc.held], testNames[tc.next], got, tc.want)
		}
	}
}

func TestCyclicOrderRejected(t *testing.T) {
	_, err := NewOrder(testNames, map[Rank][]Rank{
		rankMiddle: {rankOuter},
		rankInner:  {rankMiddle},
		rankOuter:  {rankInner},
	})
	if err == nil {
		t.Fatal("NewOrder accepted a cyclic order")
	}
	ce, ok := err.(*CycleError)
	if !ok {
		t.Fatalf("error %T, want *CycleError", err)
	}
	if len(ce.Cycles) != 1 || len(ce.Cycles[0]) != 3 {
		t.Fatalf("cycles = %v, want one cycle of three classes", ce.Cycles)
	}
}

func TestSelfLoopRejected(t *testing.T) {
	_, err := NewOrder(testNames, map[Rank][]Rank{
		rankInner: {rankInner},
	})
	if err == nil {
		t.Fatal("NewOrder accepted a class nested in itself")
	}
}

func TestHeldInOrder(t *testing.T) {
	o := newTestOrder(t)
	var a, b, c tmutex.Mutex

	h := o.Held()
	h.Lock(&a, rankOuter)
	h.Lock(&b, rankMiddle)
	h.Lock(&c, rankInner)
	if h.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", h.Len())
	}
	// Releasing out of order is fine.
	h.Unlock(&b)
	h.Unlock(&a)
	h.Unlock(&c)
	if a.Locked() || b.Locked() || c.Locked() {
		t.Fatal("lock still held after Unlock")
	}
}

func TestHeldViolationPanics(t *testing.T) {
	o := newTestOrder(t)
	var a, b tmutex.Mutex

	h := o.Held()
	h.Lock(&a, rankInner)
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("acquiring outer under inner did not panic")
		}
		if !strings.Contains(r.(string), "violates lock order") {
			t.Fatalf("unexpected panic %v", r)
		}
		if b.Locked() {
			t.Fatal("violating lock was acquired")
		}
		h.Unlock(&a)
	}()
	h.Lock(&b, rankOuter)
}

func TestDisabledOrderDoesNotCheck(t *testing.T) {
	o := newTestOrder(t)
	o.SetEnabled(false)
	var a, b tmutex.Mutex

	h := o.Held()
	h.Lock(&a, rankInner)
	h.Lock(&b, rankOuter)
	h.Unlock(&b)
	h.Unlock(&a)
}

func TestReleaseReacquire(t *testing.T) {
	o := newTestOrder(t)
	var ranked tmutex.Mutex
	var plain tmutex.Mutex

	h := o.Held()
	h.Lock(&ranked, rankOuter)
	r, tracked := h.Release(&ranked)
	if !tracked || r != rankOuter {
		t.Fatalf("Release = %v, %v; want %v, true", r, tracked, rankOuter)
	}
	if ranked.Locked() || h.Len() != 0 {
		t.Fatal("Release left the lock held")
	}
	h.Reacquire(&ranked, r, tracked)
	h.Unlock(&ranked)

	plain.Lock()
	if _, tracked := h.Release(&plain); tracked {
		t.Fatal("untracked lock reported as tracked")
	}
	if plain.Locked() {
		t.Fatal("Release did not unlock the untracked lock")
	}
}

func TestWriteDot(t *testing.T) {
	o := newTestOrder(t)
	var buf bytes.Buffer
	o.WriteDot(&buf)
	out := buf.String()
	for _, name := range testNames {
		if !strings.Contains(out, name) {
			t.Errorf("dot output missing %q:\n%s", name, out)
		}
	}
}
