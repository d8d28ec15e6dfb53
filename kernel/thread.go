package kernel

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/qxcheng/ksched/pkg/ilist"
	"github.com/qxcheng/ksched/pkg/lockrank"
	"github.com/qxcheng/ksched/pkg/tmutex"
)

// State is the scheduling state of a thread.
type State int

const (
	Unused State = iota
	Embryo
	Sleeping
	Blocked
	Runnable
	Running
	Zombie
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Unused:
		return "unused"
	case Embryo:
		return "embryo"
	case Sleeping:
		return "sleeping"
	case Blocked:
		return "blocked"
	case Runnable:
		return "runnable"
	case Running:
		return "running"
	case Zombie:
		return "zombie"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// TID is a thread identifier, unique within a Kernel.
type TID int32

// Thread is one schedulable unit of execution. Its body runs on its own
// goroutine, but only while its processor has dispatched it; it gives the
// processor back when it blocks, yields or exits.
//
// A thread is in at most one of its processor's ready list, a wait queue, or
// a sleep timer set at any instant, and its state agrees with that
// membership.
type Thread struct {
	// ready_link, owned by the processor's scheduler.
	ilist.Entry
	onReady bool

	id   TID
	name string
	proc *Processor
	fn   func(*Thread)

	// mu protects the fields below. It is a leaf lock.
	mu            tmutex.Mutex
	state         State
	waiter        *Waiter
	waitq         *WaitQueue
	waitGen       uint64
	interruptible bool
	sigPending    bool

	// resched is set by the tick when the time slice is used up.
	resched atomic.Bool

	// switches counts voluntary context switches.
	switches atomic.Uint64

	run    chan struct{}
	exited chan struct{}
}

func newThread(p *Processor, id TID, name string, fn func(*Thread)) *Thread {
	return &Thread{
		id:     id,
		name:   name,
		proc:   p,
		fn:     fn,
		state:  Embryo,
		run:    make(chan struct{}, 1),
		exited: make(chan struct{}),
	}
}

// ID returns the thread id.
func (t *Thread) ID() TID {
	return t.id
}

// Name returns the name the thread was spawned with.
func (t *Thread) Name() string {
	return t.name
}

func (t *Thread) stats() *Stats {
	return &t.proc.k.stats
}

// Processor returns the processor the thread is bound to.
func (t *Thread) Processor() *Processor {
	return t.proc
}

// String implements fmt.Stringer.
func (t *Thread) String() string {
	return fmt.Sprintf("%d(%s)", t.id, t.name)
}

// State returns a snapshot of the thread state.
func (t *Thread) State() State {
	t.mu.Lock()
	s := t.state
	t.mu.Unlock()
	return s
}

// Switches returns the number of times the thread gave up its processor.
func (t *Thread) Switches() uint64 {
	return t.switches.Load()
}

// SignalPending reports whether a signal is waiting to interrupt the thread.
func (t *Thread) SignalPending() bool {
	t.mu.Lock()
	p := t.sigPending
	t.mu.Unlock()
	return p
}

// setStateLocked validates and applies a state transition. t.mu must be
// held. An illegal transition means the linkage is corrupt and is fatal.
func (t *Thread) setStateLocked(ns State) {
	ok := false
	switch t.state {
	case Unused:
		ok = ns == Embryo
	case Embryo:
		ok = ns == Runnable
	case Runnable:
		ok = ns == Running
	case Running:
		ok = ns == Runnable || ns == Blocked || ns == Sleeping || ns == Zombie
	case Blocked, Sleeping:
		ok = ns == Runnable
	case Zombie:
		ok = ns == Unused
	}
	if !ok {
		panic(fmt.Sprintf("thread %v: invalid state transition from %s to %s", t, t.state, ns))
	}
	t.state = ns
}

// start is the body of the thread goroutine.
func (t *Thread) start() {
	<-t.run
	t.fn(t)
	t.exit()
}

// exit turns the thread into a zombie and hands the processor back for good.
func (t *Thread) exit() {
	t.mu.Lock()
	t.setStateLocked(Zombie)
	t.mu.Unlock()
	close(t.exited)
	t.proc.release(t)
}

// Join waits for the thread to exit and reaps it.
func (t *Thread) Join() {
	<-t.exited
	t.mu.Lock()
	t.setStateLocked(Unused)
	t.mu.Unlock()
}

// Done returns a channel that is closed once the thread has exited.
func (t *Thread) Done() <-chan struct{} {
	return t.exited
}

// Yield puts the calling thread at the back of its processor's ready list and
// lets the processor pick the next thread.
func (t *Thread) Yield() {
	t.proc.mustBeCurrent(t)
	t.resched.Store(false)

	h := lockOrder.Held()
	h.Lock(&t.mu, rankThread)
	t.setStateLocked(Runnable)
	h.Unlock(&t.mu)

	t.proc.ready(&h, t)
	t.proc.switchOut(t)
}

// MaybeYield is a preemption point: it yields if the tick has marked the
// thread's time slice as used up, and reports whether it did.
func (t *Thread) MaybeYield() bool {
	if !t.resched.Load() {
		return false
	}
	t.Yield()
	return true
}

// Sleep blocks the calling thread for at least d. It returns ErrInterrupted
// if the thread received a signal first.
func (t *Thread) Sleep(d time.Duration) error {
	return t.proc.sleepers.Sleep(t, d)
}

// Interrupt delivers a signal to the thread. If the thread is parked in an
// interruptible wait it is removed from the queue and woken with
// ErrInterrupted; otherwise the signal stays pending and the next
// interruptible wait returns ErrInterrupted without blocking. Interrupt may be
// called from any context.
func (t *Thread) Interrupt() {
	h := lockOrder.Held()
	h.Lock(&t.mu, rankThread)
	t.sigPending = true
	w, q, gen := t.waiter, t.waitq, t.waitGen
	intr := t.interruptible
	h.Unlock(&t.mu)

	if w != nil && intr {
		q.cancel(&h, t, w, gen, ErrInterrupted)
	}
}

// prepareWait moves the running thread into a blocked state on q. It returns
// ErrInterrupted instead if a signal is pending and the wait is
// interruptible; the pending signal is consumed.
func (t *Thread) prepareWait(h *lockrank.Held, q *WaitQueue, w *Waiter, state State, interruptible bool) error {
	h.Lock(&t.mu, rankThread)
	defer h.Unlock(&t.mu)

	if interruptible && t.sigPending {
		t.sigPending = false
		return ErrInterrupted
	}
	if t.waiter != nil {
		panic(fmt.Sprintf("thread %v: waiting on two queues at once", t))
	}
	if t.state != Running {
		panic(fmt.Sprintf("thread %v: wait from state %s", t, t.state))
	}
	t.setStateLocked(state)
	t.waiter = w
	t.waitq = q
	t.waitGen = w.gen
	t.interruptible = interruptible
	return nil
}

// wake makes a parked thread runnable and queues it on its processor. The
// caller must have just unlinked the thread's waiter. consumeSignal is set
// when the wakeup is the delivery of a pending signal.
func (t *Thread) wake(h *lockrank.Held, consumeSignal bool) {
	h.Lock(&t.mu, rankThread)
	if t.state != Blocked && t.state != Sleeping {
		panic(fmt.Sprintf("thread %v: woken in state %s", t, t.state))
	}
	t.setStateLocked(Runnable)
	t.waiter = nil
	t.waitq = nil
	t.interruptible = false
	if consumeSignal {
		t.sigPending = false
	}
	h.Unlock(&t.mu)

	t.proc.ready(h, t)
}

// block gives up the processor after prepareWait and returns once the thread
// has been woken and dispatched again.
func (t *Thread) block() {
	t.proc.switchOut(t)
}
