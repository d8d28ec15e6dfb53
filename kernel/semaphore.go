package kernel

import (
	"time"

	"github.com/qxcheng/ksched/pkg/tmutex"
)

// Semaphore is a counting semaphore for kernel threads. The permit count
// never goes below zero; excess waiters queue on the condition variable.
type Semaphore struct {
	mu      tmutex.Mutex
	permits int
	cond    Cond
}

// NewSemaphore returns a semaphore holding the given number of permits.
func NewSemaphore(permits int) *Semaphore {
	if permits < 0 {
		panic("kernel: negative semaphore permits")
	}
	return &Semaphore{permits: permits}
}

// Wait takes a permit, parking t until one is available. An interruptible
// wait may return ErrInterrupted, in which case no permit was taken.
func (s *Semaphore) Wait(t *Thread, interruptible bool) error {
	return s.wait(t, interruptible, false, 0)
}

// WaitTimeout is like an interruptible Wait that gives up with ErrTimedOut
// after d.
func (s *Semaphore) WaitTimeout(t *Thread, d time.Duration) error {
	return s.wait(t, true, true, t.proc.clock.NowMonotonic()+int64(d))
}

func (s *Semaphore) wait(t *Thread, interruptible, timed bool, deadline int64) error {
	h := lockOrder.Held()
	h.Lock(&s.mu, rankSemaphore)
	for s.permits <= 0 {
		if err := s.cond.wait(&h, t, &s.mu, interruptible, timed, deadline); err != nil {
			h.Unlock(&s.mu)
			return err
		}
	}
	s.permits--
	h.Unlock(&s.mu)
	return nil
}

// TryWait takes a permit if one is available without blocking.
func (s *Semaphore) TryWait() bool {
	h := lockOrder.Held()
	h.Lock(&s.mu, rankSemaphore)
	defer h.Unlock(&s.mu)
	if s.permits <= 0 {
		return false
	}
	s.permits--
	return true
}

// Post returns a permit and wakes one waiter. It may be called from
// interrupt context.
func (s *Semaphore) Post() {
	h := lockOrder.Held()
	h.Lock(&s.mu, rankSemaphore)
	s.permits++
	s.cond.signal(&h)
	h.Unlock(&s.mu)
}

// Permits returns the number of available permits.
func (s *Semaphore) Permits() int {
	h := lockOrder.Held()
	h.Lock(&s.mu, rankSemaphore)
	defer h.Unlock(&s.mu)
	return s.permits
}
