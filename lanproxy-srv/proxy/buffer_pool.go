package proxy

import (
	"sync"
)

// defaultChunkSize is used when tunnel.buffer-bytes is not positive
const defaultChunkSize = 32 * 1024

// chunkPool hands out tunnel pump buffers of one size. Every pump holds
// one buffer for the lifetime of its direction.
type chunkPool struct {
	size int
	pool sync.Pool
}

func newChunkPool(size int) *chunkPool {
	if size <= 0 {
		size = defaultChunkSize
	}
	p := &chunkPool{size: size}
	p.pool.New = func() any {
		buf := make([]byte, size)
		return &buf
	}
	return p
}

// get returns a buffer of exactly p.size bytes
func (p *chunkPool) get() *[]byte {
	return p.pool.Get().(*[]byte)
}

// put returns buf to the pool. Buffers of another size are dropped.
func (p *chunkPool) put(buf *[]byte) {
	if buf == nil || len(*buf) != p.size {
		return
	}
	p.pool.Put(buf)
}
