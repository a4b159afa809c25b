// File: internal/transport/iobuffer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

// IOBuffer is a resizable byte buffer used as the source and destination of
// socket I/O. Len is the usable length; Bytes exposes exactly that window.
type IOBuffer struct {
	data []byte
}

// NewIOBuffer returns a zeroed buffer of size bytes.
func NewIOBuffer(size int) *IOBuffer {
	if size < 0 {
		size = 0
	}
	return &IOBuffer{data: make([]byte, size)}
}

// IOBufferFrom copies b into a new buffer.
func IOBufferFrom(b []byte) *IOBuffer {
	return &IOBuffer{data: append([]byte(nil), b...)}
}

// IOBufferString returns a buffer holding s.
func IOBufferString(s string) *IOBuffer {
	return &IOBuffer{data: []byte(s)}
}

// Bytes returns the backing store.
func (b *IOBuffer) Bytes() []byte { return b.data }

// Len returns the buffer length.
func (b *IOBuffer) Len() int { return len(b.data) }

// Cap returns the capacity of the backing store.
func (b *IOBuffer) Cap() int { return cap(b.data) }

// Resize grows or shrinks the buffer to n bytes, preserving the common prefix.
func (b *IOBuffer) Resize(n int) {
	if n < 0 {
		n = 0
	}
	if n <= cap(b.data) {
		old := len(b.data)
		b.data = b.data[:n]
		if n > old {
			clear(b.data[old:])
		}
		return
	}
	grown := make([]byte, n)
	copy(grown, b.data)
	b.data = grown
}

// Write appends p, growing the buffer as needed. It never fails.
func (b *IOBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

// Advance drops the first n bytes, e.g. after a partial write.
func (b *IOBuffer) Advance(n int) {
	if n >= len(b.data) {
		b.data = b.data[:0]
		return
	}
	if n > 0 {
		b.data = b.data[n:]
	}
}

// Reset shrinks the buffer to zero length, keeping its storage.
func (b *IOBuffer) Reset() { b.data = b.data[:0] }

func (b *IOBuffer) String() string { return string(b.data) }
