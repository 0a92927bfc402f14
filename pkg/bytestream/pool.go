package bytestream

import "sync"

// Predefined buffer pool sizes. Most AMF payloads are small command or
// shared-object bodies, so the tiers top out at 64KB; anything larger is
// allocated directly.
const (
	Size32  = 1 << 5  // 32B - scalars, headers
	Size512 = 1 << 9  // 512B - small command payloads
	Size4K  = 1 << 12 // 4KB - typical object graphs
	Size16K = 1 << 14 // 16KB - large shared objects
	Size64K = 1 << 16 // 64KB - byte arrays, long strings
)

// Buffer pools for different size tiers.
// Each pool manages buffers of a fixed capacity to reduce heap allocations
// for frequently-allocated sizes.
var (
	pool32  = sync.Pool{New: func() any { return make([]byte, Size32) }}
	pool512 = sync.Pool{New: func() any { return make([]byte, Size512) }}
	pool4K  = sync.Pool{New: func() any { return make([]byte, Size4K) }}
	pool16K = sync.Pool{New: func() any { return make([]byte, Size16K) }}
	pool64K = sync.Pool{New: func() any { return make([]byte, Size64K) }}
)

// alloc returns a buffer from pool based on size.
// If size exceeds the largest pool, allocates directly.
func alloc(size int) []byte {
	switch {
	case size <= Size32:
		return pool32.Get().([]byte)[:size]
	case size <= Size512:
		return pool512.Get().([]byte)[:size]
	case size <= Size4K:
		return pool4K.Get().([]byte)[:size]
	case size <= Size16K:
		return pool16K.Get().([]byte)[:size]
	case size <= Size64K:
		return pool64K.Get().([]byte)[:size]
	default:
		return make([]byte, size)
	}
}

// free returns a buffer to the appropriate pool based on capacity.
func free(buf []byte) {
	if buf == nil {
		return
	}

	switch cap(buf) {
	case Size32:
		pool32.Put(buf[:cap(buf)])
	case Size512:
		pool512.Put(buf[:cap(buf)])
	case Size4K:
		pool4K.Put(buf[:cap(buf)])
	case Size16K:
		pool16K.Put(buf[:cap(buf)])
	case Size64K:
		pool64K.Put(buf[:cap(buf)])
	default:
		// Not from pool or oversized, let GC handle it
	}
}
