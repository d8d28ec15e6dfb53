// Package lockrank implements static lock ranking for short-held locks.
//
// An Order names a set of lock classes (ranks) and the partial order between
// them: an arc A -> B means a lock of class B may be acquired while a lock of
// class A is held. Cycles in the order represent the potential for deadlock,
// so NewOrder rejects them.
//
// A Held records the locks acquired by one operation. When the order is
// enabled, every acquisition is checked against all locks still held, and a
// violation is fatal.
package lockrank

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/aclements/go-moremath/graph"
	"github.com/aclements/go-moremath/graph/graphalg"
	"github.com/aclements/go-moremath/graph/graphout"

	"github.com/qxcheng/ksched/pkg/tmutex"
)

// Rank identifies a lock class within an Order.
type Rank int

// maxHeld bounds how deep a single operation may nest locks.
const maxHeld = 8

// Order is a partial order of lock classes. It satisfies graph.Graph: node i
// is Rank(i), and each edge goes from a held class to a class that may be
// acquired under it.
type Order struct {
	names []string
	out   [][]int
	reach [][]bool

	enabled atomic.Bool
}

var _ graph.Graph = (*Order)(nil)

// CycleError is returned by NewOrder when the declared order is cyclic.
type CycleError struct {
	Cycles [][]string
}

// Error implements error.
func (e *CycleError) Error() string {
	parts := make([]string, 0, len(e.Cycles))
	for _, c := range e.Cycles {
		parts = append(parts, strings.Join(c, " <-> "))
	}
	return "lock order has cycles: " + strings.Join(parts, "; ")
}

// NewOrder builds an order over the named classes. arcs[r] lists the classes
// that may be held when a lock of class r is acquired. Reachability is
// transitive: if A may be held under B and B under C, A may be held under C.
func NewOrder(names []string, arcs map[Rank][]Rank) (*Order, error) {
	o := &Order{
		names: append([]string(nil), names...),
		out:   make([][]int, len(names)),
	}
	for acquired, held := range arcs {
		if int(acquired) < 0 || int(acquired) >= len(names) {
			return nil, fmt.Errorf("lockrank: rank %d out of range", acquired)
		}
		for _, h := range held {
			if int(h) < 0 || int(h) >= len(names) {
				return nil, fmt.Errorf("lockrank: rank %d out of range", h)
			}
			o.out[h] = append(o.out[h], int(acquired))
		}
	}

	if cycles := Cycles(o); len(cycles) != 0 {
		err := &CycleError{}
		for _, c := range cycles {
			labels := make([]string, len(c))
			for i, n := range c {
				labels[i] = o.Label(n)
			}
			err.Cycles = append(err.Cycles, labels)
		}
		return nil, err
	}

	o.reach = make([][]bool, len(names))
	for i := range o.reach {
		o.reach[i] = make([]bool, len(names))
		o.walk(i, i)
	}
	return o, nil
}

// MustNewOrder is like NewOrder but panics if the order is invalid. It is
// meant for package-level lock tables.
func MustNewOrder(names []string, arcs map[Rank][]Rank) *Order {
	o, err := NewOrder(names, arcs)
	if err != nil {
		panic(err)
	}
	return o
}

func (o *Order) walk(from, n int) {
	for _, succ := range o.out[n] {
		if !o.reach[from][succ] {
			o.reach[from][succ] = true
			o.walk(from, succ)
		}
	}
}

// NumNodes implements graph.Graph.
func (o *Order) NumNodes() int {
	return len(o.names)
}

// Out implements graph.Graph.
func (o *Order) Out(i int) []int {
	return o.out[i]
}

// Label returns the class name of node i.
func (o *Order) Label(i int) string {
	if i < 0 || i >= len(o.names) {
		return fmt.Sprintf("rank(%d)", i)
	}
	return o.names[i]
}

// Allowed reports whether a lock of class next may be acquired while a lock
// of class held is held.
func (o *Order) Allowed(held, next Rank) bool {
	return o.reach[held][next]
}

// SetEnabled turns acquisition checking on or off and returns the previous
// setting.
func (o *Order) SetEnabled(v bool) bool {
	return o.enabled.Swap(v)
}

// Enabled reports whether acquisitions are checked.
func (o *Order) Enabled() bool {
	return o.enabled.Load()
}

// WriteDot writes the order as a graphviz digraph.
func (o *Order) WriteDot(w io.Writer) {
	graphout.Dot{Label: o.Label}.Fprint(w, o)
}

// Held returns an empty held-lock record checked against o.
func (o *Order) Held() Held {
	return Held{order: o}
}

// Cycles returns the nodes of g grouped by the cycles they take part in.
// Nodes involved in cycles are those in non-trivial strongly connected
// components, plus nodes with an edge to themselves.
func Cycles(g graph.Graph) [][]int {
	var cycles [][]int
	scc := graphalg.SCC(g, 0)
	for cid := 0; cid < scc.NumNodes(); cid++ {
		nids := scc.Subnodes(cid)
		if len(nids) > 1 {
			cycles = append(cycles, append([]int(nil), nids...))
			continue
		}
		for _, succ := range g.Out(nids[0]) {
			if succ == nids[0] {
				cycles = append(cycles, []int{nids[0]})
				break
			}
		}
	}
	return cycles
}

type heldLock struct {
	m    *tmutex.Mutex
	rank Rank
}

// Held is the stack of ranked locks acquired by one operation. It lives on
// the caller's stack and is passed down to helpers that take further locks.
// The zero value tracks locks without checking them.
type Held struct {
	order *Order
	locks [maxHeld]heldLock
	n     int
}

// Lock acquires m as a lock of class r.
func (h *Held) Lock(m *tmutex.Mutex, r Rank) {
	h.check(r)
	m.Lock()
	h.push(m, r)
}

// TryLock tries to acquire m as a lock of class r.
func (h *Held) TryLock(m *tmutex.Mutex, r Rank) bool {
	h.check(r)
	if !m.TryLock() {
		return false
	}
	h.push(m, r)
	return true
}

// Unlock releases m, which must have been acquired through h.
func (h *Held) Unlock(m *tmutex.Mutex) {
	for i := h.n - 1; i >= 0; i-- {
		if h.locks[i].m != m {
			continue
		}
		copy(h.locks[i:h.n-1], h.locks[i+1:h.n])
		h.n--
		h.locks[h.n] = heldLock{}
		m.Unlock()
		return
	}
	panic("lockrank: unlock of lock not held")
}

// Release unlocks a caller-supplied lock. If l is a ranked lock acquired
// through h, its rank is returned so Reacquire can restore it.
func (h *Held) Release(l sync.Locker) (Rank, bool) {
	if m, ok := l.(*tmutex.Mutex); ok {
		for i := h.n - 1; i >= 0; i-- {
			if h.locks[i].m == m {
				r := h.locks[i].rank
				h.Unlock(m)
				return r, true
			}
		}
	}
	l.Unlock()
	return 0, false
}

// Reacquire locks l again after Release.
func (h *Held) Reacquire(l sync.Locker, r Rank, tracked bool) {
	if tracked {
		h.Lock(l.(*tmutex.Mutex), r)
		return
	}
	l.Lock()
}

// Len returns the number of locks currently held.
func (h *Held) Len() int {
	return h.n
}

func (h *Held) push(m *tmutex.Mutex, r Rank) {
	if h.n == maxHeld {
		panic("lockrank: too many locks held concurrently")
	}
	h.locks[h.n] = heldLock{m: m, rank: r}
	h.n++
}

func (h *Held) check(r Rank) {
	o := h.order
	if o == nil || !o.Enabled() {
		return
	}
	for i := 0; i < h.n; i++ {
		if held := h.locks[i].rank; !o.Allowed(held, r) {
			panic(fmt.Sprintf("lockrank: acquiring %s while holding %s violates lock order",
				o.Label(int(r)), o.Label(int(held))))
		}
	}
}
