package pool

import (
	"math/bits"
	"sync"
)

const maxPooledBufSize = 4 << 20

// Buffer is a pooled byte slice.
type Buffer struct {
	b []byte
	p *sync.Pool
}

// Bytes returns the buffer. Its length is the size passed to GetBuf.
func (b *Buffer) Bytes() []byte {
	return b.b
}

// Release puts b back to the pool. b must not be used afterwards.
func (b *Buffer) Release() {
	if b.p != nil {
		b.b = b.b[:cap(b.b)]
		b.p.Put(b)
	}
}

var bufPools [bits.UintSize]sync.Pool

// GetBuf returns a *Buffer whose Bytes() has length size.
// Buffers larger than 4MiB are not pooled.
func GetBuf(size int) *Buffer {
	if size <= 0 {
		return &Buffer{}
	}
	if size > maxPooledBufSize {
		return &Buffer{b: make([]byte, size)}
	}
	i := bits.Len(uint(size - 1))
	p := &bufPools[i]
	if b, ok := p.Get().(*Buffer); ok {
		b.b = b.b[:size]
		return b
	}
	return &Buffer{b: make([]byte, size, 1<<i), p: p}
}
