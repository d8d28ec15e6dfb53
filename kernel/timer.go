package kernel

import (
	"sync/atomic"
	"time"

	"github.com/qxcheng/ksched/pkg/sleep"
)

type timerState int

const (
	timerStateDisabled timerState = iota
	timerStateEnabled
	timerStateOrphaned
)

// tickTimer is the periodic timer behind a processor's interrupt line. The
// runtime timer only asserts a waker; the line goroutine then calls
// checkExpiration to tell a real period boundary from a stale firing.
type tickTimer struct {
	// state is the current state of the timer:
	//     disabled - no ticks are wanted.
	//     orphaned - no ticks are wanted, but the runtime timer may still
	//                fire once; that firing is swallowed.
	//     enabled  - a tick is due at target.
	state timerState

	// period is the tick period while enabled.
	period time.Duration

	// target is the time of the next tick. It advances by whole periods so
	// that a late wakeup does not shift the tick grid.
	target time.Time

	// overruns counts periods that elapsed without being delivered.
	overruns atomic.Uint64

	timer *time.Timer
}

// 初始化 timer, 到期时执行waker.Assert()
func (t *tickTimer) init(w *sleep.Waker) {
	t.state = timerStateDisabled
	t.timer = time.AfterFunc(time.Hour, func() {
		w.Assert()
	})
	t.timer.Stop()
}

func (t *tickTimer) cleanup() {
	t.timer.Stop()
}

// enable starts ticking every period, the first tick one period from now.
func (t *tickTimer) enable(period time.Duration) {
	t.period = period
	t.target = time.Now().Add(period)
	t.state = timerStateEnabled
	t.timer.Reset(period)
}

// disable stops the ticks, leaving the timer orphaned if it was running.
func (t *tickTimer) disable() {
	if t.state != timerStateDisabled {
		t.state = timerStateOrphaned
	}
}

// checkExpiration is called each time the waker fires. It reports whether a
// tick is due and, if so, programs the runtime timer for the next one.
func (t *tickTimer) checkExpiration() bool {
	if t.state == timerStateOrphaned {
		t.state = timerStateDisabled
		return false
	}
	if t.state != timerStateEnabled {
		return false
	}

	now := time.Now()
	if now.Before(t.target) {
		// Early wakeup, sleep out the rest of the period.
		t.timer.Reset(t.target.Sub(now))
		return false
	}

	t.target = t.target.Add(t.period)
	for !now.Before(t.target) {
		t.target = t.target.Add(t.period)
		t.overruns.Add(1)
	}
	t.timer.Reset(t.target.Sub(now))
	return true
}
