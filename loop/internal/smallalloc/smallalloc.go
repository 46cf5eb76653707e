// Package smallalloc implements a pool-owned small-object allocator:
// fixed-size buckets covering the most frequent interior allocations (task
// state, modification entries, list nodes), falling through to the system
// allocator for anything larger than the biggest bucket. It follows the
// same bucketed sync.Pool pattern used elsewhere in this codebase for
// recycling fixed-size buffers, but sized for small fixed-layout structs
// rather than I/O buffers.
package smallalloc

import "sync"

// defaultBuckets covers the per-task and per-modification allocation sizes
// a cooperative scheduler churns through: state blocks, modification
// entries, and small linked-list nodes.
var defaultBuckets = []int{32, 64, 128, 256, 512}

// Allocator is a fixed tuple of size-class buckets, each backed by a
// sync.Pool, assuming single-threaded access (the pool that owns an
// Allocator is itself single-threaded).
type Allocator struct {
	buckets []bucket
}

type bucket struct {
	size int
	pool *sync.Pool
}

// New returns an Allocator with the default bucket sizes.
func New() *Allocator {
	return NewWithBuckets(defaultBuckets)
}

// NewWithBuckets returns an Allocator with custom bucket sizes, which must
// be given in increasing order.
func NewWithBuckets(sizes []int) *Allocator {
	a := &Allocator{buckets: make([]bucket, len(sizes))}
	for i, sz := range sizes {
		sz := sz
		a.buckets[i] = bucket{
			size: sz,
			pool: &sync.Pool{New: func() any {
				b := make([]byte, sz)
				return &b
			}},
		}
	}
	return a
}

// Allocate returns a byte slice of at least n bytes, drawn from the
// smallest bucket that fits, or a freshly made slice if n exceeds every
// bucket.
func (a *Allocator) Allocate(n int) []byte {
	for _, b := range a.buckets {
		if n <= b.size {
			buf := *(b.pool.Get().(*[]byte))
			return buf[:n]
		}
	}
	return make([]byte, n)
}

// Deallocate returns buf to the bucket whose size matches its capacity, or
// discards it if it came from the system-allocator fallback.
func (a *Allocator) Deallocate(buf []byte) {
	cap := cap(buf)
	for _, b := range a.buckets {
		if cap == b.size {
			full := buf[:b.size]
			b.pool.Put(&full)
			return
		}
	}
}
