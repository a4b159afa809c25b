// File: internal/transport/pool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"math/bits"
	"sync"
)

const (
	minPoolClass = 9  // 512 B
	maxPoolClass = 20 // 1 MiB
)

// IOBufferPool recycles IOBuffers in power-of-two size classes. Requests
// above the largest class are allocated directly and never pooled.
type IOBufferPool struct {
	classes [maxPoolClass - minPoolClass + 1]sync.Pool
}

// NewIOBufferPool returns an empty pool.
func NewIOBufferPool() *IOBufferPool {
	p := &IOBufferPool{}
	for i := range p.classes {
		size := 1 << (minPoolClass + i)
		p.classes[i].New = func() any { return &IOBuffer{data: make([]byte, 0, size)} }
	}
	return p
}

func classOf(size int) int {
	if size <= 1<<minPoolClass {
		return 0
	}
	return bits.Len(uint(size-1)) - minPoolClass
}

// Get returns a buffer of exactly size bytes.
func (p *IOBufferPool) Get(size int) *IOBuffer {
	c := classOf(size)
	if c >= len(p.classes) {
		return NewIOBuffer(size)
	}
	b := p.classes[c].Get().(*IOBuffer)
	b.Resize(size)
	return b
}

// Put returns b to the pool. The caller must not use b afterwards.
func (p *IOBufferPool) Put(b *IOBuffer) {
	if b == nil {
		return
	}
	c := cap(b.data)
	if c < 1<<minPoolClass || c&(c-1) != 0 {
		return
	}
	idx := bits.Len(uint(c)) - 1 - minPoolClass
	if idx >= len(p.classes) {
		return
	}
	b.Reset()
	p.classes[idx].Put(b)
}
