package util

import "sync"

// BufferPool hands out fixed-size byte buffers for chunked uploads so
// concurrent scans do not allocate a fresh chunk buffer per call.
type BufferPool struct {
	size int
	pool sync.Pool
}

// NewBufferPool returns a pool of buffers of exactly size bytes.
func NewBufferPool(size int) *BufferPool {
	p := &BufferPool{size: size}
	p.pool.New = func() interface{} {
		buf := make([]byte, size)
		return &buf
	}
	return p
}

// Size is the length of every buffer the pool returns.
func (p *BufferPool) Size() int { return p.size }

// Get retrieves a buffer from the pool.  Callers must return it with
// [BufferPool.Put] when finished.
func (p *BufferPool) Get() *[]byte {
	return p.pool.Get().(*[]byte)
}

// Put returns a buffer to the pool for reuse.  Buffers of the wrong
// size are dropped.
func (p *BufferPool) Put(buf *[]byte) {
	if buf == nil || len(*buf) != p.size {
		return
	}
	p.pool.Put(buf)
}
