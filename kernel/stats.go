package kernel

import (
	"reflect"
	"sync/atomic"
)

// StatCounter is a counter that can be updated concurrently.
type StatCounter struct {
	count atomic.Uint64
}

// Increment adds one to the counter.
func (s *StatCounter) Increment() {
	s.IncrementBy(1)
}

// IncrementBy adds v to the counter.
func (s *StatCounter) IncrementBy(v uint64) {
	s.count.Add(v)
}

// Value returns the current value of the counter.
func (s *StatCounter) Value() uint64 {
	return s.count.Load()
}

// WaitStats counts how parked threads came back.
type WaitStats struct {
	// Wakeups is the number of threads woken by a notification.
	Wakeups *StatCounter

	// Interrupted is the number of waits ended by a signal.
	Interrupted *StatCounter

	// TimedOut is the number of waits ended by their deadline.
	TimedOut *StatCounter
}

// Stats 调度核心的统计数据，所有字段都是可选的
type Stats struct {
	// Dispatches is the number of times a processor handed itself to a
	// thread.
	Dispatches *StatCounter

	// Ticks is the number of timer interrupts handled on all processors.
	Ticks *StatCounter

	// Preemptions is the number of times a tick found the running thread's
	// time slice used up.
	Preemptions *StatCounter

	// SleepExpirations is the number of sleep timer entries that expired.
	SleepExpirations *StatCounter

	// Wait breaks out wakeup causes.
	Wait WaitStats
}

// FillIn returns a copy of s with nil fields initialized to new StatCounters.
func (s Stats) FillIn() Stats {
	fillIn(reflect.ValueOf(&s).Elem())
	return s
}

func fillIn(v reflect.Value) {
	for i := 0; i < v.NumField(); i++ {
		v := v.Field(i)
		switch v.Kind() {
		case reflect.Ptr:
			if s, ok := v.Addr().Interface().(**StatCounter); ok {
				if *s == nil {
					*s = &StatCounter{}
				}
			}
		case reflect.Struct:
			fillIn(v)
		}
	}
}
