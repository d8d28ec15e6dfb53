// Package tmutex provides the short-held lock used by the scheduling core.
//
// It is a test-and-set spin lock with TryLock. Critical sections guarded by it
// must be a handful of list and counter updates: it is never held across a
// thread suspension, and waiting for it burns the calling goroutine.
package tmutex

import (
	"runtime"
	"sync/atomic"
)

// activeSpin is the number of busy iterations before the waiter starts
// yielding its goroutine.
const activeSpin = 64

// Mutex is a mutual exclusion primitive that implements TryLock in addition
// to Lock and Unlock. The zero value is an unlocked mutex.
type Mutex struct {
	v int32
}

// Lock acquires the mutex, spinning until it is available.
func (m *Mutex) Lock() {
	if atomic.CompareAndSwapInt32(&m.v, 0, 1) {
		return
	}
	m.lockSlow()
}

func (m *Mutex) lockSlow() {
	for i := 0; ; i++ {
		// 先读后CAS，避免无谓的缓存行争用
		if atomic.LoadInt32(&m.v) == 0 && atomic.CompareAndSwapInt32(&m.v, 0, 1) {
			return
		}
		if i >= activeSpin {
			runtime.Gosched()
		}
	}
}

// TryLock tries to acquire the mutex. It returns true if it succeeds and false
// otherwise. TryLock does not block.
func (m *Mutex) TryLock() bool {
	if atomic.LoadInt32(&m.v) != 0 {
		return false
	}
	return atomic.CompareAndSwapInt32(&m.v, 0, 1)
}

// Unlock releases the mutex. Unlocking a mutex that is not held is fatal.
func (m *Mutex) Unlock() {
	if atomic.SwapInt32(&m.v, 0) == 0 {
		panic("tmutex: unlock of unlocked mutex")
	}
}

// Locked reports whether the mutex is currently held by someone. It is only
// meaningful for diagnostics and assertions.
func (m *Mutex) Locked() bool {
	return atomic.LoadInt32(&m.v) != 0
}
