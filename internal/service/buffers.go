package service

import "sync"

// bufferPool hands out copy buffers of the configured chunk size. Bodies with
// a known, smaller length get an exact-size buffer that is not pooled.
type bufferPool struct {
	size int
	pool sync.Pool
}

func newBufferPool(size int) *bufferPool {
	if size <= 0 {
		size = 32 * 1024
	}
	p := &bufferPool{size: size}
	p.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return p
}

func (p *bufferPool) get(contentLength int64) *[]byte {
	if contentLength > 0 && contentLength < int64(p.size) {
		b := make([]byte, contentLength)
		return &b
	}
	return p.pool.Get().(*[]byte)
}

func (p *bufferPool) put(b *[]byte) {
	if len(*b) != p.size {
		return
	}
	p.pool.Put(b)
}
