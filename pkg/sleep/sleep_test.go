package sleep

import (
	"sync"
	"testing"
	"time"
)

// TestNoWakers checks that Fetch(false) returns false when there are no
// asserted wakers.
func TestNoWakers(t *testing.T) {
	var s Sleeper
	var w Waker
	s.AddWaker(&w, 0)
	if id, ok := s.Fetch(false); ok {
		t.Fatalf("Fetch(false) = %d, true; want false", id)
	}
	s.Done()
}

// TestAssertedBeforeAdd checks that a waker asserted before being added is
// reported by the first Fetch.
func TestAssertedBeforeAdd(t *testing.T) {
	var s Sleeper
	var w Waker
	w.Assert()
	s.AddWaker(&w, 7)
	id, ok := s.Fetch(false)
	if !ok || id != 7 {
		t.Fatalf("Fetch(false) = %d, %v; want 7, true", id, ok)
	}
	if w.IsAsserted() {
		t.Fatal("waker still asserted after being fetched")
	}
	s.Done()
}

// TestClearedWaker checks that a waker cleared after being asserted is not
// returned by Fetch.
func TestClearedWaker(t *testing.T) {
	var s Sleeper
	var w Waker
	s.AddWaker(&w, 0)
	w.Assert()
	if !w.Clear() {
		t.Fatal("Clear() = false on asserted waker")
	}
	if _, ok := s.Fetch(false); ok {
		t.Fatal("Fetch returned a cleared waker")
	}
	s.Done()
}

// TestBlockingFetch checks that a blocked Fetch is woken by an Assert from
// another goroutine and reports the right id.
func TestBlockingFetch(t *testing.T) {
	var s Sleeper
	var w [3]Waker
	for i := range w {
		s.AddWaker(&w[i], i)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		w[2].Assert()
	}()

	id, ok := s.Fetch(true)
	if !ok || id != 2 {
		t.Fatalf("Fetch(true) = %d, %v; want 2, true", id, ok)
	}
	s.Done()
}

// TestNoLostAsserts hammers a sleeper with asserts from many goroutines and
// checks that every round of asserts is observed.
func TestNoLostAsserts(t *testing.T) {
	const (
		wakers = 4
		rounds = 500
	)

	var s Sleeper
	w := make([]Waker, wakers)
	for i := range w {
		s.AddWaker(&w[i], i)
	}

	acks := make([]chan struct{}, wakers)
	var wg sync.WaitGroup
	for i := range w {
		acks[i] = make(chan struct{})
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				w[i].Assert()
				<-acks[i]
			}
		}(i)
	}

	for n := 0; n < wakers*rounds; n++ {
		id, ok := s.Fetch(true)
		if !ok {
			t.Fatal("blocking Fetch returned !ok")
		}
		acks[id] <- struct{}{}
	}
	wg.Wait()
	s.Done()
}
