package pipe

import (
	"bytes"
	"io"
	"math/rand"
	"testing"
	"time"

	"github.com/qxcheng/ksched/kernel"
)

type result struct {
	n    int
	err  error
	data []byte
}

func newTestKernel(t *testing.T, cpus int) *kernel.Kernel {
	t.Helper()
	k := kernel.New(kernel.Options{NumProcessors: cpus, LockCheck: true})
	k.Start()
	t.Cleanup(k.Stop)
	return k
}

func spawn(t *testing.T, k *kernel.Kernel, cpu int, name string, fn func(*kernel.Thread)) *kernel.Thread {
	t.Helper()
	th, err := k.Spawn(cpu, name, fn)
	if err != nil {
		t.Fatalf("Spawn(%d, %q): %v", cpu, name, err)
	}
	return th
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(100 * time.Microsecond)
	}
}

func joinWithin(t *testing.T, th *kernel.Thread) {
	t.Helper()
	select {
	case <-th.Done():
		th.Join()
	case <-time.After(5 * time.Second):
		t.Fatalf("thread %v did not exit", th)
	}
}

func reader(t *testing.T, k *kernel.Kernel, p *Pipe, size int) (*kernel.Thread, <-chan result) {
	t.Helper()
	ch := make(chan result, 1)
	th := spawn(t, k, 0, "reader", func(th *kernel.Thread) {
		b := make([]byte, size)
		n, err := p.Read(th, b)
		ch <- result{n: n, err: err, data: b[:n]}
	})
	return th, ch
}

func write(t *testing.T, k *kernel.Kernel, p *Pipe, s string) {
	t.Helper()
	th := spawn(t, k, 0, "writer", func(th *kernel.Thread) {
		if n, err := p.Write(th, []byte(s)); n != len(s) || err != nil {
			t.Errorf("Write(%q) = %d, %v", s, n, err)
		}
	})
	joinWithin(t, th)
}

func TestReaderWakesOnlyWhenEnoughBytes(t *testing.T) {
	k := newTestKernel(t, 1)
	p := New(16)
	rd, ch := reader(t, k, p, 8)
	waitFor(t, "reader to park", func() bool { return rd.State() == kernel.Blocked })

	write(t, k, p, "abc")
	if got := rd.State(); got != kernel.Blocked {
		t.Fatalf("reader state after 3 of 8 bytes = %s, want %s", got, kernel.Blocked)
	}
	if got := p.Len(); got != 3 {
		t.Fatalf("Len() = %d, want 3", got)
	}

	write(t, k, p, "defgh")
	r := <-ch
	if r.err != nil || string(r.data) != "abcdefgh" {
		t.Fatalf("Read = %q, %v, want %q", r.data, r.err, "abcdefgh")
	}
	joinWithin(t, rd)
}

func TestWriterBlocksWhenFull(t *testing.T) {
	k := newTestKernel(t, 1)
	p := New(4)
	done := make(chan result, 1)
	wr := spawn(t, k, 0, "writer", func(th *kernel.Thread) {
		n, err := p.Write(th, []byte("abcdefgh"))
		done <- result{n: n, err: err}
	})
	waitFor(t, "writer to park", func() bool { return wr.State() == kernel.Blocked })
	if got := p.Len(); got != 4 {
		t.Fatalf("Len() = %d, want the pipe full at 4", got)
	}

	rd, ch := reader(t, k, p, 8)
	r := <-ch
	if r.err != nil || string(r.data) != "abcdefgh" {
		t.Fatalf("Read = %q, %v, want %q", r.data, r.err, "abcdefgh")
	}
	if w := <-done; w.n != 8 || w.err != nil {
		t.Fatalf("Write = %d, %v, want 8, nil", w.n, w.err)
	}
	joinWithin(t, rd)
	joinWithin(t, wr)
}

func TestCloseWakesReaders(t *testing.T) {
	k := newTestKernel(t, 1)
	p := New(8)
	rd, ch := reader(t, k, p, 4)
	waitFor(t, "reader to park", func() bool { return rd.State() == kernel.Blocked })

	p.Close()
	if r := <-ch; r.n != 0 || r.err != io.EOF {
		t.Fatalf("Read after Close = %d, %v, want 0, EOF", r.n, r.err)
	}
	joinWithin(t, rd)

	wr := spawn(t, k, 0, "late writer", func(th *kernel.Thread) {
		if _, err := p.Write(th, []byte("x")); err != ErrClosed {
			t.Errorf("Write after Close: %v, want %v", err, ErrClosed)
		}
	})
	joinWithin(t, wr)
	p.Close()
}

func TestReadDrainsAfterClose(t *testing.T) {
	k := newTestKernel(t, 1)
	p := New(8)
	write(t, k, p, "ab")
	p.Close()

	rd, ch := reader(t, k, p, 4)
	if r := <-ch; r.n != 2 || r.err != io.ErrUnexpectedEOF || string(r.data) != "ab" {
		t.Fatalf("Read = %q, %v, want %q, ErrUnexpectedEOF", r.data, r.err, "ab")
	}
	joinWithin(t, rd)
}

func TestReadInterrupted(t *testing.T) {
	k := newTestKernel(t, 1)
	p := New(8)
	rd, ch := reader(t, k, p, 4)
	waitFor(t, "reader to park", func() bool { return rd.State() == kernel.Blocked })

	rd.Interrupt()
	if r := <-ch; r.n != 0 || r.err != kernel.ErrInterrupted {
		t.Fatalf("Read = %d, %v, want 0, %v", r.n, r.err, kernel.ErrInterrupted)
	}
	joinWithin(t, rd)

	// The pipe still works for the next reader.
	write(t, k, p, "wxyz")
	rd, ch = reader(t, k, p, 4)
	if r := <-ch; r.err != nil || string(r.data) != "wxyz" {
		t.Fatalf("Read = %q, %v", r.data, r.err)
	}
	joinWithin(t, rd)
}

func TestStream(t *testing.T) {
	k := newTestKernel(t, 2)
	p := New(7)
	rnd := rand.New(rand.NewSource(1))
	src := make([]byte, 4096)
	rnd.Read(src)

	var chunks []int
	for left := len(src); left > 0; {
		c := min(1+rnd.Intn(20), left)
		chunks = append(chunks, c)
		left -= c
	}

	wr := spawn(t, k, 0, "producer", func(th *kernel.Thread) {
		off := 0
		for _, c := range chunks {
			if _, err := p.Write(th, src[off:off+c]); err != nil {
				t.Errorf("Write: %v", err)
				return
			}
			off += c
		}
		p.Close()
	})

	var got bytes.Buffer
	rd := spawn(t, k, 1, "consumer", func(th *kernel.Thread) {
		b := make([]byte, 13)
		for {
			n, err := p.Read(th, b)
			got.Write(b[:n])
			if err != nil {
				if err != io.EOF && err != io.ErrUnexpectedEOF {
					t.Errorf("Read: %v", err)
				}
				return
			}
		}
	})
	joinWithin(t, wr)
	joinWithin(t, rd)

	if !bytes.Equal(got.Bytes(), src) {
		t.Fatalf("consumer got %d bytes, want the %d written in order", got.Len(), len(src))
	}
}

func TestNewPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("New(0) did not panic")
		}
	}()
	New(0)
}
