// Package buffer provides the byte storage used by blocking byte streams.
package buffer

// View is a slice of a buffer.
type View []byte

// NewView allocates a zeroed view of size bytes.
func NewView(size int) View {
	return make(View, size)
}

// Ring is a fixed-capacity FIFO of bytes backed by a single View. It is not
// safe for concurrent use.
type Ring struct {
	buf  View
	head int // 第一个未读字节的索引
	size int // 已缓存的字节数
}

// NewRing returns an empty ring that holds at most capacity bytes.
func NewRing(capacity int) *Ring {
	return &Ring{buf: NewView(capacity)}
}

// Cap returns the ring capacity.
func (r *Ring) Cap() int {
	return len(r.buf)
}

// Len returns the number of buffered bytes.
func (r *Ring) Len() int {
	return r.size
}

// Free returns the number of bytes that can be written without reading.
func (r *Ring) Free() int {
	return len(r.buf) - r.size
}

// Write appends as much of b as fits and returns the number of bytes
// appended.
func (r *Ring) Write(b []byte) int {
	n := 0
	for n < len(b) && r.size < len(r.buf) {
		tail := (r.head + r.size) % len(r.buf)
		end := len(r.buf)
		if tail < r.head {
			end = r.head
		}
		c := copy(r.buf[tail:end], b[n:])
		n += c
		r.size += c
	}
	return n
}

// Read moves up to len(b) bytes from the front of the ring into b and
// returns how many were moved.
func (r *Ring) Read(b []byte) int {
	n := 0
	for n < len(b) && r.size > 0 {
		end := min(r.head+r.size, len(r.buf))
		c := copy(b[n:], r.buf[r.head:end])
		n += c
		r.size -= c
		r.head = (r.head + c) % len(r.buf)
	}
	if r.size == 0 {
		// 清空后从头开始，减少回绕
		r.head = 0
	}
	return n
}
