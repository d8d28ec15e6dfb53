package kernel

import (
	"fmt"
	"io"
	"time"

	"github.com/qxcheng/ksched/pkg/ilist"
	"github.com/qxcheng/ksched/pkg/lockrank"
	"github.com/qxcheng/ksched/pkg/tmutex"
)

// sleepBlocker is one entry of a sleep timer set. A sleeping thread parks on
// the blocker's private queue; a timed wait instead names the waiter to
// cancel when the deadline passes.
type sleepBlocker struct {
	ilist.Entry
	deadline int64
	linked   bool

	q WaitQueue

	target *WaitQueue
	t      *Thread
	w      *Waiter
	gen    uint64
}

// SleepTimerSet holds the threads of one processor that are blocked until a
// deadline. It is drained by the processor's tick. The list is only mutated
// with the processor's interrupts disabled.
type SleepTimerSet struct {
	p *Processor

	mu   tmutex.Mutex
	list ilist.List
	n    int
}

// Sleep parks t for at least d. A non-positive d yields instead. If t is
// interrupted first, its entry is removed before ErrInterrupted is returned.
func (s *SleepTimerSet) Sleep(t *Thread, d time.Duration) error {
	if d <= 0 {
		t.Yield()
		return nil
	}
	t.proc.mustBeCurrent(t)

	b := &sleepBlocker{deadline: s.p.clock.NowMonotonic() + int64(d)}
	h := lockOrder.Held()
	s.insert(&h, b)

	// A tick that expires b before t parks banks a missed wakeup on b.q.
	err := b.q.wait(&h, t, 0, nil, waitOpts{state: Sleeping, interruptible: true})
	if err != nil {
		s.remove(&h, b)
	}
	return err
}

func (s *SleepTimerSet) insert(h *lockrank.Held, b *sleepBlocker) {
	s.p.DisableInterrupts()
	h.Lock(&s.mu, rankSleepers)
	s.list.PushFront(b)
	b.linked = true
	s.n++
	h.Unlock(&s.mu)
	s.p.RestoreInterrupts()
}

func (s *SleepTimerSet) remove(h *lockrank.Held, b *sleepBlocker) {
	s.p.DisableInterrupts()
	h.Lock(&s.mu, rankSleepers)
	if b.linked {
		s.list.Remove(b)
		b.linked = false
		s.n--
	}
	h.Unlock(&s.mu)
	s.p.RestoreInterrupts()
}

// armTimeout schedules the cancellation of w, just linked on q, at deadline.
// A deadline already in the past cancels the wait right away. It returns the
// entry to disarm once the wait is over, or nil.
func (s *SleepTimerSet) armTimeout(h *lockrank.Held, t *Thread, q *WaitQueue, w *Waiter, gen uint64, deadline int64) *sleepBlocker {
	if s.p.clock.NowMonotonic() >= deadline {
		q.cancel(h, t, w, gen, ErrTimedOut)
		return nil
	}
	b := &sleepBlocker{deadline: deadline, target: q, t: t, w: w, gen: gen}
	s.insert(h, b)
	return b
}

func (s *SleepTimerSet) disarm(h *lockrank.Held, b *sleepBlocker) {
	s.remove(h, b)
}

// CheckWakeups wakes every entry whose deadline is at or before now and
// returns how many expired. It is called by the tick with interrupts
// disabled.
func (s *SleepTimerSet) CheckWakeups(now int64) int {
	h := lockOrder.Held()
	h.Lock(&s.mu, rankSleepers)
	defer h.Unlock(&s.mu)

	n := 0
	for e := s.list.Front(); e != nil; {
		b := e.(*sleepBlocker)
		e = e.Next()
		if b.deadline > now {
			continue
		}
		s.list.Remove(b)
		b.linked = false
		s.n--
		n++

		if b.target != nil {
			b.target.cancel(&h, b.t, b.w, b.gen, ErrTimedOut)
		} else {
			b.q.notify(&h, 0, true, true)
		}
	}
	return n
}

// Len returns the number of entries in the set.
func (s *SleepTimerSet) Len() int {
	h := lockOrder.Held()
	h.Lock(&s.mu, rankSleepers)
	defer h.Unlock(&s.mu)
	return s.n
}

// Dump writes the pending deadlines.
func (s *SleepTimerSet) Dump(w io.Writer) {
	h := lockOrder.Held()
	h.Lock(&s.mu, rankSleepers)
	defer h.Unlock(&s.mu)

	for e := s.list.Front(); e != nil; e = e.Next() {
		b := e.(*sleepBlocker)
		if b.target != nil {
			fmt.Fprintf(w, "  timeout %d thread %v\n", b.deadline, b.t)
		} else {
			fmt.Fprintf(w, "  sleep   %d\n", b.deadline)
		}
	}
}
