package kernel

import (
	"fmt"
	"io"

	"github.com/qxcheng/ksched/pkg/ilist"
	"github.com/qxcheng/ksched/pkg/lockrank"
	"github.com/qxcheng/ksched/pkg/tmutex"
)

// RoundRobin is the ready list of one processor. Threads run in the order
// they became ready.
type RoundRobin struct {
	mu    tmutex.Mutex
	ready ilist.List
	n     int
}

// AddTask appends t to the tail of the ready list.
func (rr *RoundRobin) AddTask(t *Thread) {
	h := lockOrder.Held()
	rr.addTask(&h, t)
}

func (rr *RoundRobin) addTask(h *lockrank.Held, t *Thread) {
	h.Lock(&rr.mu, rankSched)
	defer h.Unlock(&rr.mu)

	if t.onReady {
		panic(fmt.Sprintf("thread %v: already on the ready list", t))
	}
	t.onReady = true
	rr.ready.PushBack(t)
	rr.n++
}

// RemoveTask unlinks t from the ready list and reports whether it was there.
func (rr *RoundRobin) RemoveTask(t *Thread) bool {
	h := lockOrder.Held()
	h.Lock(&rr.mu, rankSched)
	defer h.Unlock(&rr.mu)

	if !t.onReady {
		return false
	}
	rr.ready.Remove(t)
	t.onReady = false
	rr.n--
	return true
}

// PickNext removes and returns the first runnable thread, or nil if there is
// none. Threads that are not runnable are skipped and left in place.
func (rr *RoundRobin) PickNext() *Thread {
	h := lockOrder.Held()
	h.Lock(&rr.mu, rankSched)
	defer h.Unlock(&rr.mu)

	for e := rr.ready.Front(); e != nil; e = e.Next() {
		t := e.(*Thread)
		h.Lock(&t.mu, rankThread)
		s := t.state
		h.Unlock(&t.mu)
		if s != Runnable {
			continue
		}
		rr.ready.Remove(t)
		t.onReady = false
		rr.n--
		return t
	}
	return nil
}

// Len returns the number of threads on the ready list.
func (rr *RoundRobin) Len() int {
	h := lockOrder.Held()
	h.Lock(&rr.mu, rankSched)
	defer h.Unlock(&rr.mu)
	return rr.n
}

// Dump writes the ready list, front first.
func (rr *RoundRobin) Dump(w io.Writer) {
	h := lockOrder.Held()
	h.Lock(&rr.mu, rankSched)
	defer h.Unlock(&rr.mu)

	fmt.Fprintf(w, "  ready (%d):", rr.n)
	for e := rr.ready.Front(); e != nil; e = e.Next() {
		t := e.(*Thread)
		h.Lock(&t.mu, rankThread)
		fmt.Fprintf(w, " %v[%s]", t, t.state)
		h.Unlock(&t.mu)
	}
	fmt.Fprintln(w)
}
