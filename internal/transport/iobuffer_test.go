package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIOBufferResizePreservesPrefix(t *testing.T) {
	b := IOBufferString("hello world")
	b.Resize(5)
	assert.Equal(t, "hello", b.String())

	b.Resize(8)
	assert.Equal(t, []byte("hello\x00\x00\x00"), b.Bytes())

	b.Resize(4096)
	assert.Equal(t, 4096, b.Len())
	assert.Equal(t, "hello", string(b.Bytes()[:5]))

	b.Reset()
	assert.Zero(t, b.Len())
	assert.GreaterOrEqual(t, b.Cap(), 4096)
}

func TestIOBufferFromCopies(t *testing.T) {
	src := []byte("abc")
	b := IOBufferFrom(src)
	src[0] = 'x'
	assert.Equal(t, "abc", b.String())
	assert.Equal(t, 16, NewIOBuffer(16).Len())
	assert.Zero(t, NewIOBuffer(-1).Len())
}

func TestIOBufferPoolSizes(t *testing.T) {
	p := NewIOBufferPool()
	for _, size := range []int{0, 1, 512, 513, 4096, 1 << 20} {
		b := p.Get(size)
		assert.Equal(t, size, b.Len(), "size %d", size)
		p.Put(b)
	}

	big := p.Get(1<<20 + 1)
	assert.Equal(t, 1<<20+1, big.Len())
	p.Put(big)
	p.Put(nil)
}

func TestIOBufferPoolReuseIsZeroed(t *testing.T) {
	p := NewIOBufferPool()
	b := p.Get(600)
	copy(b.Bytes(), "dirty")
	p.Put(b)

	again := p.Get(600)
	assert.Equal(t, make([]byte, 600), again.Bytes())
}

func TestIOBufferWriteAndAdvance(t *testing.T) {
	b := NewIOBuffer(0)
	_, _ = b.Write([]byte("HTTP/1.1 200 OK\r\n"))
	_, _ = b.Write([]byte("\r\n"))
	assert.Equal(t, 19, b.Len())

	b.Advance(9)
	assert.Equal(t, "200 OK\r\n\r\n", b.String())
	b.Advance(100)
	assert.Zero(t, b.Len())
}
