package kernel

import (
	"fmt"
	"io"
	"sync/atomic"

	"golang.org/x/sys/cpu"

	"github.com/qxcheng/ksched/pkg/lockrank"
	"github.com/qxcheng/ksched/pkg/sleep"
	"github.com/qxcheng/ksched/pkg/tmutex"
)

const (
	wakerWork = iota
	wakerTick
	wakerStop
)

// Processor is the per-processor context: a ready list, a sleep timer set,
// an interrupt gate and the dispatcher that runs one thread at a time.
//
// The dispatcher hands the processor to a thread by sending on the thread's
// run channel and takes it back when the thread sends on handback.
type Processor struct {
	id        int
	k         *Kernel
	clock     Clock
	timeSlice uint64

	sched    RoundRobin
	sleepers SleepTimerSet

	// gate is held while local interrupts are disabled. A tick that finds
	// it held is latched in pending and delivered when it is released.
	gate    tmutex.Mutex
	pending atomic.Bool

	ticks      atomic.Uint64
	sliceStart atomic.Uint64

	current  atomic.Pointer[Thread]
	handback chan struct{}
	stopping atomic.Bool

	// Dispatcher wakeups.
	workWaker sleep.Waker
	stopWaker sleep.Waker

	// Interrupt line wakeups.
	tickWaker sleep.Waker
	lineStop  sleep.Waker
	timer     tickTimer

	_ cpu.CacheLinePad
}

func newProcessor(k *Kernel, id int) *Processor {
	p := &Processor{
		id:        id,
		k:         k,
		clock:     k.clock,
		timeSlice: uint64(k.opts.TimeSlice),
		handback:  make(chan struct{}),
	}
	p.sleepers.p = p
	return p
}

// ID returns the processor number.
func (p *Processor) ID() int {
	return p.id
}

// Scheduler returns the processor's ready list.
func (p *Processor) Scheduler() *RoundRobin {
	return &p.sched
}

// Sleepers returns the processor's sleep timer set.
func (p *Processor) Sleepers() *SleepTimerSet {
	return &p.sleepers
}

// Current returns the thread running on p, or nil if p is idle.
func (p *Processor) Current() *Thread {
	return p.current.Load()
}

// Ticks returns the number of ticks p has handled.
func (p *Processor) Ticks() uint64 {
	return p.ticks.Load()
}

// Spawn creates a thread bound to p that runs fn and makes it runnable.
func (p *Processor) Spawn(name string, fn func(*Thread)) (*Thread, error) {
	if p.k.stopped.Load() {
		return nil, ErrStopped
	}
	t := newThread(p, TID(p.k.nextTID.Add(1)), name, fn)
	go t.start()

	h := lockOrder.Held()
	h.Lock(&t.mu, rankThread)
	t.setStateLocked(Runnable)
	h.Unlock(&t.mu)
	p.ready(&h, t)
	return t, nil
}

// ready queues a runnable thread and kicks the dispatcher if it is idle.
func (p *Processor) ready(h *lockrank.Held, t *Thread) {
	p.sched.addTask(h, t)
	p.workWaker.Assert()
}

func (p *Processor) mustBeCurrent(t *Thread) {
	if p.current.Load() != t {
		panic(fmt.Sprintf("thread %v: not running on cpu %d", t, p.id))
	}
}

// loop is the dispatcher. It runs until the processor is stopped; a thread
// that never gives the processor back keeps it from stopping.
func (p *Processor) loop() {
	defer p.k.wg.Done()

	var s sleep.Sleeper
	s.AddWaker(&p.workWaker, wakerWork)
	s.AddWaker(&p.stopWaker, wakerStop)
	defer s.Done()

	for !p.stopping.Load() {
		t := p.sched.PickNext()
		if t == nil {
			// 空闲，等待新的就绪线程或停止信号
			s.Fetch(true)
			continue
		}
		p.dispatch(t)
	}
}

func (p *Processor) dispatch(t *Thread) {
	h := lockOrder.Held()
	h.Lock(&t.mu, rankThread)
	t.setStateLocked(Running)
	h.Unlock(&t.mu)

	t.resched.Store(false)
	p.k.stats.Dispatches.Increment()
	p.sliceStart.Store(p.ticks.Load())
	p.current.Store(t)

	t.run <- struct{}{}
	<-p.handback

	p.current.Store(nil)
}

// switchOut hands the processor back to the dispatcher and waits to be
// dispatched again.
func (p *Processor) switchOut(t *Thread) {
	p.mustBeCurrent(t)
	t.switches.Add(1)
	p.handback <- struct{}{}
	<-t.run
}

// release hands the processor back for the last time.
func (p *Processor) release(t *Thread) {
	p.mustBeCurrent(t)
	p.handback <- struct{}{}
}

// DisableInterrupts masks ticks on p until RestoreInterrupts. It does not
// nest.
func (p *Processor) DisableInterrupts() {
	p.gate.Lock()
}

// RestoreInterrupts unmasks ticks and delivers one that arrived while they
// were masked.
func (p *Processor) RestoreInterrupts() {
	p.gate.Unlock()
	p.deliver()
}

// Tick raises a timer interrupt on p. It may be called from any goroutine.
// If interrupts are disabled the tick is latched; ticks latched together are
// delivered once.
func (p *Processor) Tick() {
	p.pending.Store(true)
	p.deliver()
}

func (p *Processor) deliver() {
	for p.pending.Load() && p.gate.TryLock() {
		if p.pending.Swap(false) {
			p.handleTick()
		}
		p.gate.Unlock()
	}
}

// handleTick runs with the gate held.
func (p *Processor) handleTick() {
	n := p.ticks.Add(1)
	p.k.stats.Ticks.Increment()
	if e := p.sleepers.CheckWakeups(p.clock.NowMonotonic()); e > 0 {
		p.k.stats.SleepExpirations.IncrementBy(uint64(e))
	}
	if t := p.current.Load(); t != nil && n-p.sliceStart.Load() >= p.timeSlice {
		if !t.resched.Swap(true) {
			p.k.stats.Preemptions.Increment()
		}
	}
}

// interruptLine raises a tick every period until the processor is stopped.
func (p *Processor) interruptLine() {
	defer p.k.wg.Done()

	var s sleep.Sleeper
	s.AddWaker(&p.tickWaker, wakerTick)
	s.AddWaker(&p.lineStop, wakerStop)
	defer s.Done()

	p.timer.init(&p.tickWaker)
	defer p.timer.cleanup()
	p.timer.enable(p.k.opts.TickPeriod)

	for {
		switch id, _ := s.Fetch(true); id {
		case wakerTick:
			if p.timer.checkExpiration() {
				p.Tick()
			}
		case wakerStop:
			p.timer.disable()
			return
		}
	}
}

func (p *Processor) stop() {
	p.stopping.Store(true)
	p.stopWaker.Assert()
	p.lineStop.Assert()
}

// Dump writes the processor state.
func (p *Processor) Dump(w io.Writer) {
	fmt.Fprintf(w, "cpu %d: ticks=%d current=%v overruns=%d\n", p.id, p.ticks.Load(), p.current.Load(), p.timer.overruns.Load())
	p.sched.Dump(w)
	fmt.Fprintf(w, "  sleepers (%d):\n", p.sleepers.Len())
	p.sleepers.Dump(w)
}
