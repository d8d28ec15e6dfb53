package kernel

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestSemaphorePostReleasesWaiter(t *testing.T) {
	k := newTestKernel(t, Options{NumProcessors: 2})
	s := NewSemaphore(0)
	out := make(chan error, 1)

	a := spawn(t, k, 0, "a", func(th *Thread) {
		out <- s.Wait(th, true)
	})
	waitFor(t, "a to block", func() bool { return s.cond.Waiters() == 1 })
	if got := a.State(); got != Blocked {
		t.Fatalf("a is %s, want %s", got, Blocked)
	}

	b := spawn(t, k, 1, "b", func(th *Thread) {
		s.Post()
	})
	if err := <-out; err != nil {
		t.Fatalf("Wait: %v", err)
	}
	joinWithin(t, a)
	joinWithin(t, b)
	if got := s.Permits(); got != 0 {
		t.Fatalf("Permits() = %d, want 0", got)
	}
}

func TestSemaphoreNeverOvercommits(t *testing.T) {
	k := newTestKernel(t, Options{NumProcessors: 2})
	const (
		initial = 1
		waiters = 8
		posts   = 5
	)
	s := NewSemaphore(initial)
	var completed atomic.Int32

	for i := 0; i < waiters; i++ {
		spawn(t, k, i%2, "w", func(th *Thread) {
			if err := s.Wait(th, true); err == nil {
				completed.Add(1)
			}
		})
	}
	waitFor(t, "all but the initial permit holder to block", func() bool {
		return s.cond.Waiters() == waiters-initial
	})
	if got := completed.Load(); got != initial {
		t.Fatalf("completed = %d with no posts, want %d", got, initial)
	}

	for i := 1; i <= posts; i++ {
		s.Post()
		if got := completed.Load(); got > int32(initial+i) {
			t.Fatalf("completed = %d after %d posts, exceeds %d", got, i, initial+i)
		}
	}
	waitFor(t, "posted permits to be taken", func() bool {
		return completed.Load() == initial+posts
	})
	if got := s.Permits(); got != 0 {
		t.Fatalf("Permits() = %d, want 0", got)
	}
	// Give stragglers a chance to misbehave.
	time.Sleep(10 * time.Millisecond)
	if got := completed.Load(); got != initial+posts {
		t.Fatalf("completed = %d, want %d", got, initial+posts)
	}
	if got := s.cond.Waiters(); got != waiters-initial-posts {
		t.Fatalf("Waiters() = %d, want %d", got, waiters-initial-posts)
	}
}

func TestSemaphoreTryWait(t *testing.T) {
	s := NewSemaphore(1)
	if !s.TryWait() {
		t.Fatal("TryWait with one permit failed")
	}
	if s.TryWait() {
		t.Fatal("TryWait with no permits succeeded")
	}
	s.Post()
	if got := s.Permits(); got != 1 {
		t.Fatalf("Permits() = %d, want 1", got)
	}
}

func TestSemaphoreNegativePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("NewSemaphore(-1) did not panic")
		}
	}()
	NewSemaphore(-1)
}

func TestSemaphoreWaitInterrupted(t *testing.T) {
	k := newTestKernel(t, Options{})
	s := NewSemaphore(0)
	out := make(chan error, 1)
	th := spawn(t, k, 0, "w", func(th *Thread) {
		out <- s.Wait(th, true)
	})
	waitFor(t, "w to block", func() bool { return s.cond.Waiters() == 1 })

	th.Interrupt()
	if err := <-out; err != ErrInterrupted {
		t.Fatalf("Wait = %v, want %v", err, ErrInterrupted)
	}
	joinWithin(t, th)

	// The permit posted afterwards is still there for the next taker.
	s.Post()
	if got := s.Permits(); got != 1 {
		t.Fatalf("Permits() = %d, want 1", got)
	}
}

func TestSemaphoreWaitTimeout(t *testing.T) {
	clock := &ManualClock{}
	k := newTestKernel(t, Options{Clock: clock})
	s := NewSemaphore(0)
	out := make(chan error, 1)
	th := spawn(t, k, 0, "w", func(th *Thread) {
		out <- s.WaitTimeout(th, time.Millisecond)
	})
	waitFor(t, "w to block", func() bool { return s.cond.Waiters() == 1 })

	clock.Advance(time.Millisecond)
	k.Tick()
	if err := <-out; err != ErrTimedOut {
		t.Fatalf("WaitTimeout = %v, want %v", err, ErrTimedOut)
	}
	joinWithin(t, th)
	if got := s.Permits(); got != 0 {
		t.Fatalf("Permits() = %d, want 0", got)
	}
}
