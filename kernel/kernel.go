// Package kernel implements the thread scheduling and blocking
// synchronization core: per-processor round-robin dispatch, wait queues,
// condition variables, counting semaphores and timed sleep.
//
// Each processor is a dispatcher goroutine that runs at most one thread at a
// time. A thread is a goroutine that only executes while its processor has
// dispatched it, and gives the processor back whenever it blocks, yields or
// exits. Goroutines that are not dispatched threads act as interrupt context:
// they may notify queues, post semaphores, interrupt threads and raise ticks,
// but never block in the core.
package kernel

import (
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultTimeSlice is the number of ticks a thread may run before the
	// tick asks it to yield.
	DefaultTimeSlice = 10
)

// Options contains optional kernel configuration.
type Options struct {
	// NumProcessors is the number of processors. Zero means one.
	NumProcessors int

	// TickPeriod is the period of each processor's timer interrupt. Zero
	// disables the timer; ticks are then only raised by Kernel.Tick or
	// Processor.Tick.
	TickPeriod time.Duration

	// TimeSlice is the number of ticks in a time slice. Zero means
	// DefaultTimeSlice.
	TimeSlice int

	// Clock is the time source for sleep and wait deadlines.
	//
	// If no Clock is specified, a StdClock started at New is used.
	Clock Clock

	// LockCheck enables lock order checking in the whole process.
	LockCheck bool

	// Logger receives lifecycle messages. Nil discards them.
	Logger *log.Logger

	// Stats are optional statistic counters.
	Stats Stats
}

// Kernel owns the processors, hands out thread ids and holds the clock.
type Kernel struct {
	opts  Options
	clock Clock
	log   *log.Logger
	stats Stats

	procs   []*Processor
	nextTID atomic.Int32

	mu      sync.Mutex
	started bool
	stopped atomic.Bool
	wg      sync.WaitGroup
}

// New creates a kernel. Its processors do not dispatch until Start.
func New(opts Options) *Kernel {
	if opts.NumProcessors <= 0 {
		opts.NumProcessors = 1
	}
	if opts.TimeSlice <= 0 {
		opts.TimeSlice = DefaultTimeSlice
	}
	clock := opts.Clock
	if clock == nil {
		clock = NewStdClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if opts.LockCheck {
		SetLockCheck(true)
	}

	k := &Kernel{
		opts:  opts,
		clock: clock,
		log:   logger,
		stats: opts.Stats.FillIn(),
	}
	k.procs = make([]*Processor, opts.NumProcessors)
	for i := range k.procs {
		k.procs[i] = newProcessor(k, i)
	}
	return k
}

// Start launches the dispatcher of every processor, and their interrupt
// lines if a tick period is configured.
func (k *Kernel) Start() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.started || k.stopped.Load() {
		return
	}
	k.started = true

	for _, p := range k.procs {
		k.wg.Add(1)
		go p.loop()
		if k.opts.TickPeriod > 0 {
			k.wg.Add(1)
			go p.interruptLine()
		}
		k.log.Printf("cpu %d started", p.id)
	}
}

// Stop stops every processor and waits for the dispatchers to exit. A
// processor stops once its running thread, if any, gives it back. Threads
// that are still parked or runnable are abandoned.
func (k *Kernel) Stop() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.stopped.Swap(true) {
		return
	}
	for _, p := range k.procs {
		p.stop()
	}
	k.wg.Wait()
	for _, p := range k.procs {
		k.log.Printf("cpu %d stopped after %d ticks", p.id, p.ticks.Load())
	}
}

// NumProcessors returns the number of processors.
func (k *Kernel) NumProcessors() int {
	return len(k.procs)
}

// Processor returns processor i.
func (k *Kernel) Processor(i int) (*Processor, error) {
	if i < 0 || i >= len(k.procs) {
		return nil, ErrBadProcessor
	}
	return k.procs[i], nil
}

// Spawn creates a thread on processor cpu running fn.
func (k *Kernel) Spawn(cpu int, name string, fn func(*Thread)) (*Thread, error) {
	p, err := k.Processor(cpu)
	if err != nil {
		return nil, err
	}
	return p.Spawn(name, fn)
}

// Tick raises a timer interrupt on every processor.
func (k *Kernel) Tick() {
	for _, p := range k.procs {
		p.Tick()
	}
}

// Now returns the kernel clock's monotonic time.
func (k *Kernel) Now() int64 {
	return k.clock.NowMonotonic()
}

// Clock returns the kernel clock.
func (k *Kernel) Clock() Clock {
	return k.clock
}

// Stats returns the kernel's statistic counters.
func (k *Kernel) Stats() *Stats {
	return &k.stats
}

// Dump writes the state of every processor.
func (k *Kernel) Dump(w io.Writer) {
	for _, p := range k.procs {
		p.Dump(w)
	}
	fmt.Fprintf(w, "dispatches=%d ticks=%d preemptions=%d wakeups=%d interrupted=%d timedout=%d\n",
		k.stats.Dispatches.Value(), k.stats.Ticks.Value(), k.stats.Preemptions.Value(),
		k.stats.Wait.Wakeups.Value(), k.stats.Wait.Interrupted.Value(), k.stats.Wait.TimedOut.Value())
}

// WriteLockGraph writes the lock order of the scheduling core as a graphviz
// digraph.
func (k *Kernel) WriteLockGraph(w io.Writer) {
	WriteLockGraph(w)
}
