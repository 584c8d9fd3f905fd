package pools

import (
	"sync"
	"sync/atomic"
)

// Read buffer tiers used by the engine
var defaultSizes = []int{
	2048,  // Small requests
	8192,  // Default connection read buffer
	32768, // Large headers
}

// BytePool is a multi-tiered byte slice pool for connection buffers
type BytePool struct {
	pools []*sync.Pool
	sizes []int

	gets      atomic.Uint64
	puts      atomic.Uint64
	oversized atomic.Uint64
}

// NewBytePool creates a new byte pool with standard size tiers
func NewBytePool() *BytePool {
	return NewBytePoolWithSizes(defaultSizes)
}

// NewBytePoolWithSizes creates a byte pool with custom size tiers (ascending)
func NewBytePoolWithSizes(sizes []int) *BytePool {
	bp := &BytePool{
		pools: make([]*sync.Pool, len(sizes)),
		sizes: sizes,
	}

	for i, size := range sizes {
		bp.pools[i] = &sync.Pool{
			New: func() any {
				buf := make([]byte, size)
				return &buf
			},
		}
	}

	return bp
}

// Get returns a byte slice of exactly the requested length
func (bp *BytePool) Get(size int) []byte {
	bp.gets.Add(1)

	for i, poolSize := range bp.sizes {
		if size <= poolSize {
			buf := *bp.pools[i].Get().(*[]byte)
			return buf[:size]
		}
	}

	// Size too large, allocate directly
	bp.oversized.Add(1)
	return make([]byte, size)
}

// Put returns a byte slice to the pool; slices not obtained from a tier are dropped
func (bp *BytePool) Put(buf []byte) {
	capacity := cap(buf)

	for i, poolSize := range bp.sizes {
		if capacity == poolSize {
			bp.puts.Add(1)
			buf = buf[:capacity]
			bp.pools[i].Put(&buf)
			return
		}
	}
}

// Stats returns pool statistics
func (bp *BytePool) Stats() BytePoolStats {
	return BytePoolStats{
		Gets:      bp.gets.Load(),
		Puts:      bp.puts.Load(),
		Oversized: bp.oversized.Load(),
	}
}

// BytePoolStats contains byte pool statistics
type BytePoolStats struct {
	Gets      uint64 `json:"gets"`
	Puts      uint64 `json:"puts"`
	Oversized uint64 `json:"oversized"`
}
