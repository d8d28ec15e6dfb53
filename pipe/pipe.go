// Package pipe implements a bounded byte pipe between kernel threads.
//
// Readers and writers park on wait queues with the number of bytes (or free
// bytes) they need as their waiting-on quantity, and the other side wakes the
// head waiter only once that quantity is available.
package pipe

import (
	"errors"
	"io"

	"github.com/qxcheng/ksched/kernel"
	"github.com/qxcheng/ksched/pkg/buffer"
	"github.com/qxcheng/ksched/pkg/tmutex"
)

// ErrClosed is returned by Write on a closed pipe.
var ErrClosed = errors.New("write on closed pipe")

// Pipe is a bounded FIFO of bytes. A Read returns once its whole buffer is
// filled, but the bytes taken by concurrent readers may interleave.
type Pipe struct {
	capacity int

	// mu protects the fields below. It is held across the enqueue of a
	// waiter, so a notifier checking ShouldNotify under mu cannot miss it.
	mu      tmutex.Mutex
	buf     *buffer.Ring
	closed  bool
	readers kernel.WaitQueue
	writers kernel.WaitQueue
}

// New returns an empty pipe that buffers at most capacity bytes.
func New(capacity int) *Pipe {
	if capacity <= 0 {
		panic("pipe: capacity must be positive")
	}
	return &Pipe{capacity: capacity, buf: buffer.NewRing(capacity)}
}

// Cap returns the pipe capacity.
func (p *Pipe) Cap() int {
	return p.capacity
}

// Len returns the number of buffered bytes.
func (p *Pipe) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.Len()
}

// Write copies b into the pipe, blocking t while the pipe is full. It
// returns early with the bytes written so far if the pipe is closed
// (ErrClosed) or t is interrupted (kernel.ErrInterrupted).
func (p *Pipe) Write(t *kernel.Thread, b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for {
		if p.closed {
			return n, ErrClosed
		}
		if c := p.buf.Write(b[n:]); c > 0 {
			n += c
			p.wakeReaders()
		}
		if n == len(b) {
			// Pass on whatever space this write left behind.
			p.wakeWriters()
			return n, nil
		}
		if !p.writers.WaitLocked(t, min(len(b)-n, p.capacity), nil, &p.mu) {
			return n, kernel.ErrInterrupted
		}
	}
}

// Read fills b from the pipe, blocking t until len(b) bytes have been read.
// Once the pipe is closed and drained it returns io.EOF if nothing was read,
// or io.ErrUnexpectedEOF after a partial read. An interrupted Read returns
// the bytes read so far with kernel.ErrInterrupted.
func (p *Pipe) Read(t *kernel.Thread, b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for {
		if p.buf.Len() > 0 {
			n += p.buf.Read(b[n:])
			p.wakeWriters()
			// Pass on whatever this read left behind.
			p.wakeReaders()
		}
		if n == len(b) {
			return n, nil
		}
		if p.closed {
			if n == 0 {
				return 0, io.EOF
			}
			return n, io.ErrUnexpectedEOF
		}
		if !p.readers.WaitLocked(t, min(len(b)-n, p.capacity), nil, &p.mu) {
			return n, kernel.ErrInterrupted
		}
	}
}

// Close wakes every parked reader and writer. Buffered bytes can still be
// read; further writes fail with ErrClosed.
func (p *Pipe) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.readers.NotifyAll(0)
	p.writers.NotifyAll(0)
}

// wakeReaders wakes the head reader if the buffered bytes satisfy it.
// p.mu must be held.
func (p *Pipe) wakeReaders() {
	if p.readers.ShouldNotify(p.buf.Len()) {
		p.readers.Notify(0)
	}
}

// wakeWriters wakes the head writer if the free space satisfies it.
// p.mu must be held.
func (p *Pipe) wakeWriters() {
	if p.writers.ShouldNotify(p.buf.Free()) {
		p.writers.Notify(0)
	}
}
