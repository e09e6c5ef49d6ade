// Package bufpool recycles fixed-size byte buffers. Chunked transfers
// churn through large buffers at a high rate; pooling them keeps the
// allocator and GC out of the hot path.
package bufpool

import "sync"

// Pool hands out buffers of exactly one size.
type Pool struct {
	size int
	pool sync.Pool
}

// New creates a pool of size-byte buffers.
func New(size int) *Pool {
	if size <= 0 {
		panic("bufpool: size must be positive")
	}
	p := &Pool{size: size}
	p.pool.New = func() any {
		buf := make([]byte, size)
		return &buf
	}
	return p
}

// Get returns a buffer of exactly the pool size.
func (p *Pool) Get() []byte {
	buf := *p.pool.Get().(*[]byte)
	return buf[:p.size]
}

// Put recycles a buffer obtained from Get. Buffers of the wrong capacity
// are dropped.
func (p *Pool) Put(buf []byte) {
	if cap(buf) < p.size {
		return
	}
	buf = buf[:cap(buf)]
	p.pool.Put(&buf)
}

// Size returns the buffer size this pool hands out.
func (p *Pool) Size() int {
	return p.size
}
