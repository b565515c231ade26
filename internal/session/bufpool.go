package session

import "sync"

// maxPooledCap stops rare giant frames from pinning their buffers in the
// pool forever; anything larger is left to the GC.
const maxPooledCap = 64 << 10

// BytePool recycles outbound frame buffers to keep GC pressure off the
// per-connection write hot path. Buffers are handed out at the requested
// length and zeroed, since a frame may be shorter than the recycled
// buffer that backs it.
type BytePool struct {
	pool sync.Pool
}

// NewBytePool creates a pool whose fresh allocations start at defaultCap.
func NewBytePool(defaultCap int) *BytePool {
	if defaultCap <= 0 || defaultCap > maxPooledCap {
		defaultCap = 4096
	}
	return &BytePool{pool: sync.Pool{
		New: func() any { return make([]byte, 0, defaultCap) },
	}}
}

// Get returns a zeroed slice of length size, recycled when a buffer of
// sufficient capacity is available.
func (p *BytePool) Get(size int) []byte {
	b := p.pool.Get().([]byte)
	if cap(b) < size {
		// Too small for this frame; put it back for a smaller one and
		// allocate fresh.
		p.pool.Put(b) //nolint:staticcheck
		return make([]byte, size)
	}
	b = b[:size]
	clear(b)
	return b
}

// Put returns b to the pool. Oversized and nil buffers are dropped.
func (p *BytePool) Put(b []byte) {
	if b == nil || cap(b) > maxPooledCap {
		return
	}
	p.pool.Put(b[:0]) //nolint:staticcheck
}
