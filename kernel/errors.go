package kernel

// Error 内核调度核心的错误类型
type Error struct {
	msg string
}

// Error implements error.
func (e *Error) Error() string {
	return e.msg
}

// String implements fmt.Stringer.
func (e *Error) String() string {
	return e.msg
}

var (
	// ErrInterrupted is returned by an interruptible wait that ended because
	// the thread received a signal or a rude wakeup. The caller must not
	// assume the awaited condition holds.
	ErrInterrupted = &Error{msg: "interrupted system call"}

	// ErrTimedOut is returned by a time-bounded wait whose deadline passed
	// before it was notified.
	ErrTimedOut = &Error{msg: "operation timed out"}

	ErrBadProcessor = &Error{msg: "no such processor"}
	ErrStopped      = &Error{msg: "kernel is stopped"}
)
