package kernel

import (
	"sync"
	"time"

	"github.com/qxcheng/ksched/pkg/lockrank"
	"github.com/qxcheng/ksched/pkg/tmutex"
)

// Cond is a condition variable for kernel threads.
//
// It keeps four counters under its own lock: main counts waits started,
// wakeup counts wakeups granted, woken counts wakeups consumed, and bcast is
// bumped by every Broadcast. A waiter remembers wakeup when it starts and
// leaves once wakeup has moved past that value and there is a granted wakeup
// nobody has consumed, or once a broadcast happened. The waiter is linked on
// the backing queue before the internal lock is dropped, so a signal issued
// after its predicate check always finds it.
//
// The zero value is ready to use.
type Cond struct {
	mu      tmutex.Mutex
	main    uint64
	wakeup  uint64
	woken   uint64
	bcast   uint64
	waiters int

	q WaitQueue
}

// Wait atomically releases l and parks t until Signal or Broadcast wakes it,
// then reacquires l. As with any condition variable, callers recheck their
// predicate in a loop. If interruptible and t receives a signal, Wait returns
// ErrInterrupted with l held and the predicate unchecked.
func (c *Cond) Wait(t *Thread, l sync.Locker, interruptible bool) error {
	h := lockOrder.Held()
	return c.wait(&h, t, l, interruptible, false, 0)
}

// WaitTimeout is like Wait but gives up with ErrTimedOut after d.
func (c *Cond) WaitTimeout(t *Thread, l sync.Locker, d time.Duration, interruptible bool) error {
	h := lockOrder.Held()
	return c.wait(&h, t, l, interruptible, true, t.proc.clock.NowMonotonic()+int64(d))
}

func (c *Cond) wait(h *lockrank.Held, t *Thread, l sync.Locker, interruptible, timed bool, deadline int64) error {
	h.Lock(&c.mu, rankCond)
	rank, tracked := h.Release(l)

	c.waiters++
	c.main++
	seq := c.wakeup
	bc := c.bcast

	var err error
	for {
		err = c.q.wait(h, t, 0, nil, waitOpts{
			state:         Blocked,
			interruptible: interruptible,
			timed:         timed,
			deadline:      deadline,
			locker:        &c.mu,
		})
		if err != nil {
			break
		}
		if c.bcast != bc {
			break
		}
		if v := c.wakeup; v != seq && c.woken != v {
			c.woken++
			break
		}
	}

	if err != nil {
		c.cleanup(h, bc)
	}
	c.waiters--
	h.Unlock(&c.mu)
	h.Reacquire(l, rank, tracked)
	return err
}

// cleanup accounts for a waiter that left without a wakeup. It may have
// been popped by a Signal meant for someone else, so the remaining waiters
// are all woken to recheck. c.mu must be held.
func (c *Cond) cleanup(h *lockrank.Held, bc uint64) {
	if c.bcast != bc {
		return
	}
	if c.wakeup < c.main {
		c.wakeup++
	}
	c.woken++
	c.q.notify(h, 0, true, false)
}

// Signal wakes one thread waiting on c, if there is one.
func (c *Cond) Signal() {
	h := lockOrder.Held()
	c.signal(&h)
}

func (c *Cond) signal(h *lockrank.Held) {
	h.Lock(&c.mu, rankCond)
	if c.main > c.wakeup {
		c.wakeup++
		c.q.notify(h, 0, false, true)
	}
	h.Unlock(&c.mu)
}

// Broadcast wakes all threads waiting on c.
func (c *Cond) Broadcast() {
	h := lockOrder.Held()
	h.Lock(&c.mu, rankCond)
	if c.main > c.wakeup {
		c.wakeup = c.main
		c.woken = c.main
		c.bcast++
		c.q.notify(&h, 0, true, true)
	}
	h.Unlock(&c.mu)
}

// Waiters returns the number of threads inside Wait.
func (c *Cond) Waiters() int {
	h := lockOrder.Held()
	h.Lock(&c.mu, rankCond)
	n := c.waiters
	h.Unlock(&c.mu)
	return n
}
