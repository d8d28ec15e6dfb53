package kernel

import (
	"sync"
	"sync/atomic"

	"github.com/qxcheng/ksched/pkg/ilist"
	"github.com/qxcheng/ksched/pkg/lockrank"
	"github.com/qxcheng/ksched/pkg/tmutex"
)

// WaiterFlags modify how a waiter is treated by NotifyAll.
type WaiterFlags uint32

const (
	// WaiterExclusive makes NotifyAll stop after waking this waiter.
	WaiterExclusive WaiterFlags = 1 << iota
)

// NotifyFlags modify a notification.
type NotifyFlags uint32

const (
	// NotifyRude wakes interruptible waiters with ErrInterrupted instead of
	// a normal wakeup. Non-interruptible waiters see a normal wakeup.
	NotifyRude NotifyFlags = 1 << iota
)

// waitGen numbers every enqueue, so that a late cancel can tell whether the
// waiter it found still belongs to the wait it was aimed at.
var waitGen atomic.Uint64

// Waiter links a thread to the queue it is parked on. A caller may supply its
// own Waiter to carry flags or be reused across waits; the queue only links
// it while the wait is pending.
type Waiter struct {
	ilist.Entry

	thread        *Thread
	flags         WaiterFlags
	waitingOn     int
	interruptible bool

	// Protected by the owning queue's lock while the wait is pending.
	gen    uint64
	linked bool
	result error
}

// NewWaiter returns a waiter with the given flags.
func NewWaiter(flags WaiterFlags) *Waiter {
	return &Waiter{flags: flags}
}

// Thread returns the thread the waiter last parked.
func (w *Waiter) Thread() *Thread {
	return w.thread
}

// WaitingOn returns the amount the waiter is waiting for.
func (w *Waiter) WaitingOn() int {
	return w.waitingOn
}

// WaitQueue is the basic blocking primitive: a FIFO of parked waiters plus a
// count of notifications that found nobody to wake. The zero value is an
// empty queue.
type WaitQueue struct {
	mu      tmutex.Mutex
	waiters ilist.List
	missed  int
}

type waitOpts struct {
	state         State
	interruptible bool
	timed         bool
	deadline      int64

	// locker, if set, is released once the waiter is linked and reacquired
	// before the wait returns.
	locker sync.Locker
}

// testHookPark, if set, runs on the waiting thread after its waiter is
// linked and the caller's lock is released, just before it gives up the
// processor.
var testHookPark func(q *WaitQueue, t *Thread)

// Wait parks t until the queue is notified. amount is recorded as the
// waiter's waiting-on quantity for ShouldNotify. w may be nil. If a
// notification is banked in the missed count, Wait consumes it and returns
// immediately. Wait returns false if the wait was interrupted by a signal or
// a rude notification.
func (q *WaitQueue) Wait(t *Thread, amount int, w *Waiter) bool {
	h := lockOrder.Held()
	return q.wait(&h, t, amount, w, waitOpts{state: Blocked, interruptible: true}) == nil
}

// WaitNoInt is like Wait, but signals do not end the wait early.
func (q *WaitQueue) WaitNoInt(t *Thread, amount int, w *Waiter) {
	h := lockOrder.Held()
	q.wait(&h, t, amount, w, waitOpts{state: Blocked})
}

// WaitLocked is like Wait, except that l, which the caller holds, is released
// only after the waiter has been linked, and is held again when WaitLocked
// returns. A notifier that checks its condition under l therefore cannot
// slip in between the caller's check and the park.
func (q *WaitQueue) WaitLocked(t *Thread, amount int, w *Waiter, l sync.Locker) bool {
	h := lockOrder.Held()
	return q.wait(&h, t, amount, w, waitOpts{state: Blocked, interruptible: true, locker: l}) == nil
}

// WaitDeadline parks t until the queue is notified or the processor clock
// reaches deadline, in which case it returns ErrTimedOut. The deadline is
// checked by the tick, so a timed out wait ends within one tick after it.
func (q *WaitQueue) WaitDeadline(t *Thread, amount int, w *Waiter, deadline int64, interruptible bool) error {
	h := lockOrder.Held()
	return q.wait(&h, t, amount, w, waitOpts{
		state:         Blocked,
		interruptible: interruptible,
		timed:         true,
		deadline:      deadline,
	})
}

func (q *WaitQueue) wait(h *lockrank.Held, t *Thread, amount int, w *Waiter, o waitOpts) error {
	t.proc.mustBeCurrent(t)
	if w == nil {
		w = NewWaiter(0)
	}

	blocked, err := q.enqueue(h, t, amount, w, o.state, o.interruptible)

	var (
		rank    lockrank.Rank
		tracked bool
	)
	if o.locker != nil {
		rank, tracked = h.Release(o.locker)
	}

	if blocked {
		if testHookPark != nil {
			testHookPark(q, t)
		}
		var tm *sleepBlocker
		if o.timed {
			tm = t.proc.sleepers.armTimeout(h, t, q, w, w.gen, o.deadline)
		}
		t.block()
		if tm != nil {
			t.proc.sleepers.disarm(h, tm)
		}
		err = w.result
	}

	if o.locker != nil {
		h.Reacquire(o.locker, rank, tracked)
	}
	return err
}

// enqueue links w for t and reports whether t must give up the processor.
// A banked missed notification or a pending signal end the wait before it
// starts.
func (q *WaitQueue) enqueue(h *lockrank.Held, t *Thread, amount int, w *Waiter, state State, interruptible bool) (bool, error) {
	h.Lock(&q.mu, rankWaitQueue)
	defer h.Unlock(&q.mu)

	if q.missed > 0 {
		q.missed--
		return false, nil
	}
	if w.linked {
		panic("kernel: waiter is already linked on a queue")
	}

	w.thread = t
	w.waitingOn = amount
	w.interruptible = interruptible
	w.result = nil
	w.gen = waitGen.Add(1)
	if err := t.prepareWait(h, q, w, state, interruptible); err != nil {
		return false, err
	}
	w.linked = true
	q.waiters.PushBack(w)
	return true, nil
}

// Notify wakes the longest waiting thread, or banks the notification in the
// missed count if nobody is waiting.
func (q *WaitQueue) Notify(flags NotifyFlags) {
	h := lockOrder.Held()
	q.notify(&h, flags, false, true)
}

// NotifyAll wakes every waiting thread in FIFO order, stopping early after an
// exclusive waiter. If nobody is waiting it banks a single missed
// notification.
func (q *WaitQueue) NotifyAll(flags NotifyFlags) {
	h := lockOrder.Held()
	q.notify(&h, flags, true, true)
}

// notify pops and wakes waiters. Every popped waiter is still parked, because
// interrupts and timeouts only unlink under q.mu, so each pop is a wakeup
// delivered. It returns the number of threads woken.
func (q *WaitQueue) notify(h *lockrank.Held, flags NotifyFlags, all, bank bool) int {
	h.Lock(&q.mu, rankWaitQueue)
	defer h.Unlock(&q.mu)

	if q.waiters.Empty() {
		if bank {
			q.missed++
		}
		return 0
	}

	n := 0
	for !q.waiters.Empty() {
		w := q.waiters.Front().(*Waiter)
		q.waiters.Remove(w)
		w.linked = false
		if flags&NotifyRude != 0 && w.interruptible {
			w.result = ErrInterrupted
		}
		// Once woken the thread may reuse w, so nothing of w is read after.
		t, excl := w.thread, w.flags&WaiterExclusive != 0
		t.wake(h, false)
		t.stats().Wait.Wakeups.Increment()
		n++

		if !all || excl {
			break
		}
	}
	return n
}

// cancel unlinks w and wakes t with reason, provided t is still parked on q
// through w for the wait numbered gen. It reports whether it did. The check
// goes through the thread, whose wait fields change only under both q.mu
// and t.mu, because w itself may already be reused on another queue.
func (q *WaitQueue) cancel(h *lockrank.Held, t *Thread, w *Waiter, gen uint64, reason error) bool {
	h.Lock(&q.mu, rankWaitQueue)
	defer h.Unlock(&q.mu)

	h.Lock(&t.mu, rankThread)
	parked := t.waiter == w && t.waitq == q && t.waitGen == gen
	h.Unlock(&t.mu)
	if !parked {
		return false
	}
	q.waiters.Remove(w)
	w.linked = false
	w.result = reason
	t.wake(h, reason == ErrInterrupted)
	switch reason {
	case ErrInterrupted:
		t.stats().Wait.Interrupted.Increment()
	case ErrTimedOut:
		t.stats().Wait.TimedOut.Increment()
	}
	return true
}

// ShouldNotify reports whether the head waiter would be satisfied by value,
// that is, whether a waiter exists and its waiting-on quantity is at most
// value.
func (q *WaitQueue) ShouldNotify(value int) bool {
	h := lockOrder.Held()
	h.Lock(&q.mu, rankWaitQueue)
	defer h.Unlock(&q.mu)

	if q.waiters.Empty() {
		return false
	}
	return q.waiters.Front().(*Waiter).waitingOn <= value
}

// Len returns the number of parked waiters.
func (q *WaitQueue) Len() int {
	h := lockOrder.Held()
	h.Lock(&q.mu, rankWaitQueue)
	defer h.Unlock(&q.mu)
	return q.waiters.Len()
}

// Missed returns the number of banked notifications.
func (q *WaitQueue) Missed() int {
	h := lockOrder.Held()
	h.Lock(&q.mu, rankWaitQueue)
	defer h.Unlock(&q.mu)
	return q.missed
}
