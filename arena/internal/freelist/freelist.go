// Package freelist implements a segregated free-list engine: per-log2-bucket
// doubly linked free lists backed by a 64-bit occupancy summary, with
// split-on-allocate and coalesce-on-free.
//
// Every exported function is stateless with respect to the Go process: the
// region byte slice is the only state, so the engine works identically
// whether that slice backs a plain heap buffer or an mmap'd, persisted
// region (arena/persist supplies the Dirtier and GrowFunc in that case).
package freelist

import (
	"errors"
	"fmt"

	"github.com/arcoro/arcoro/arena/internal/chunk"
)

// GrowthQuantum is the minimum unit the region grows by: 16 pages of 4KiB.
const GrowthQuantum = 16 * 4096

// ErrOutOfMemory is returned (and translated to offset 0 by Alloc) when no
// chunk can satisfy a request and growth is unavailable or insufficient.
var ErrOutOfMemory = errors.New("freelist: out of memory")

// ErrDoubleFree is reported when Free is called on a chunk already marked free.
var ErrDoubleFree = errors.New("freelist: double free")

// ErrCorrupt signals a region invariant violation (bad magic, broken link).
var ErrCorrupt = errors.New("freelist: region corrupt")

// GrowFunc extends the region's backing storage so it can hold at least
// newTotalSize logical bytes, returning the (possibly reallocated) region
// slice. The caller (arena.Context) owns replacing its stored slice with
// the return value; the freelist engine always works on a caller-supplied
// slice, never one it cached itself.
type GrowFunc func(newTotalSize uint64) ([]byte, error)

// Init lays out a fresh region of size bytes: header, one large free chunk,
// and the terminal sentinel. size must already be 16-byte aligned and large
// enough for the header plus two boundary records; callers enforce that
// (see arena.New).
func Init(region []byte, size uint64, regionID uint64, d chunk.Dirtier) error {
	chunk.SetMagic(region, chunk.Magic, d)
	chunk.SetRegionID(region, regionID, d)
	chunk.SetSize(region, size, d)
	chunk.SetUserSlot(region, 0, d)
	chunk.SetFreeBitmap(region, 0, d)
	for i := 0; i < chunk.NumBuckets; i++ {
		chunk.SetFreeListHead(region, i, 0, d)
	}

	first := chunk.FirstBorderOffset()
	sentinel := size - chunk.BorderSize
	firstPayload := sentinel - chunk.UserOffset(first)

	chunk.WriteBorder(region, first, chunk.Border{PrevSize: 0, PayloadSize: firstPayload}, d)
	chunk.WriteBorder(region, sentinel, chunk.Border{PrevSize: firstPayload, PayloadSize: 0}, d)

	addToFreeList(region, first, d)
	return nil
}

// bucketFor returns the free-list bucket a chunk of the given payload size
// is stored in when freed: floor(log2(size)).
func bucketFor(size uint64) int {
	return Log2Floor(size)
}

func addToFreeList(region []byte, cbOff uint64, d chunk.Dirtier) {
	b := chunk.ReadBorder(region, cbOff)
	l2 := bucketFor(b.PayloadSize)
	head := chunk.GetFreeListHead(region, l2)
	if head != 0 {
		hb := chunk.ReadBorder(region, head)
		hb.PrevFree = cbOff
		chunk.WriteBorder(region, head, hb, d)
	}
	b.Free = true
	b.NextFree = head
	b.PrevFree = 0
	chunk.WriteBorder(region, cbOff, b, d)
	chunk.SetFreeListHead(region, l2, cbOff, d)
	chunk.BucketSetBit(region, l2, d)
}

// removeFromFreeList unlinks the chunk at cbOff from its bucket. The
// occupancy bit is re-checked against the bucket head after unlinking
// rather than only when cbOff itself was the head; a non-head removal
// can't empty a correctly-linked bucket, but re-checking unconditionally
// costs nothing extra.
func removeFromFreeList(region []byte, cbOff uint64, d chunk.Dirtier) {
	b := chunk.ReadBorder(region, cbOff)
	l2 := bucketFor(b.PayloadSize)

	if b.PrevFree != 0 {
		pb := chunk.ReadBorder(region, b.PrevFree)
		pb.NextFree = b.NextFree
		chunk.WriteBorder(region, b.PrevFree, pb, d)
	}
	if b.NextFree != 0 {
		nb := chunk.ReadBorder(region, b.NextFree)
		nb.PrevFree = b.PrevFree
		chunk.WriteBorder(region, b.NextFree, nb, d)
	}
	if chunk.GetFreeListHead(region, l2) == cbOff {
		chunk.SetFreeListHead(region, l2, b.NextFree, d)
	}

	b.Free = false
	chunk.WriteBorder(region, cbOff, b, d)

	if chunk.GetFreeListHead(region, l2) == 0 {
		chunk.BucketClearBit(region, l2, d)
	}
}

func isSentinel(region []byte, cbOff uint64) bool {
	b := chunk.ReadBorder(region, cbOff)
	return b.PayloadSize == 0
}

func lastBorderOffset(region []byte) uint64 {
	return chunk.GetSize(region) - chunk.BorderSize
}

// splitChunk splits the chunk at cbOff so the low part holds splitPayload
// bytes of payload and the remainder becomes a new, unlinked chunk. Returns
// the offset of the new high chunk's border.
func splitChunk(region []byte, cbOff uint64, splitPayload uint64, d chunk.Dirtier) uint64 {
	b := chunk.ReadBorder(region, cbOff)
	newCBOff := chunk.UserOffset(cbOff) + splitPayload
	newPayload := b.PayloadSize - splitPayload - chunk.BorderSize

	nextOff := chunk.NextBorderOffset(region, cbOff)

	b.PayloadSize = splitPayload
	chunk.WriteBorder(region, cbOff, b, d)

	chunk.WriteBorder(region, newCBOff, chunk.Border{PrevSize: splitPayload, PayloadSize: newPayload}, d)
	chunk.SetPrevSize(region, nextOff, newPayload, d)

	return newCBOff
}

// mergeChunks merges the free chunk at bOff into the free chunk at aOff;
// both must already be unlinked from their buckets. Returns aOff, whose
// payload now spans both chunks.
func mergeChunks(region []byte, aOff, bOff uint64, d chunk.Dirtier) uint64 {
	a := chunk.ReadBorder(region, aOff)
	bNextOff := chunk.NextBorderOffset(region, bOff)
	newPayload := a.PayloadSize + chunk.BorderSize + chunk.ReadBorder(region, bOff).PayloadSize
	a.PayloadSize = newPayload
	chunk.WriteBorder(region, aOff, a, d)
	chunk.SetPrevSize(region, bNextOff, newPayload, d)
	return aOff
}

// tryAllocInFree searches the free lists for a chunk of at least n bytes,
// splitting it if the remainder is large enough to stand on its own.
// Returns 0 if no chunk is available.
func tryAllocInFree(region []byte, n uint64, d chunk.Dirtier) uint64 {
	l2 := bucketFor(n)
	curr := chunk.GetFreeListHead(region, l2)
	for curr != 0 {
		b := chunk.ReadBorder(region, curr)
		if b.PayloadSize >= n {
			break
		}
		curr = b.NextFree
	}

	if curr == 0 {
		// Nothing in the exact bucket; consult the occupancy bitmap for the
		// next non-empty bucket guaranteed to hold chunks >= n.
		l2 = Log2Floor(NextPow2(n))
		bmap := chunk.GetFreeBitmap(region) >> uint(l2)
		for bmap != 0 && bmap&1 == 0 {
			bmap >>= 1
			l2++
		}
		if bmap != 0 {
			curr = chunk.GetFreeListHead(region, l2)
		}
	}

	if curr == 0 {
		return 0
	}

	// The chosen chunk must actually satisfy the request before it is
	// returned, rather than trusting the bucket-derived candidate
	// unconditionally.
	b := chunk.ReadBorder(region, curr)
	if b.PayloadSize < n {
		return 0
	}

	if b.PayloadSize >= n+chunk.BorderSize+chunk.MinPayload {
		removeFromFreeList(region, curr, d)
		newOff := splitChunk(region, curr, n, d)
		if !isSentinel(region, chunk.NextBorderOffset(region, newOff)) {
			nb := chunk.NextBorderOffset(region, newOff)
			if chunk.ReadBorder(region, nb).Free {
				removeFromFreeList(region, nb, d)
				newOff = mergeChunks(region, newOff, nb, d)
			}
		}
		addToFreeList(region, newOff, d)
		return curr
	}

	removeFromFreeList(region, curr, d)
	return curr
}

// Alloc reserves n bytes of payload, growing the region via grow if
// necessary, and returns the user offset of the new allocation (0 on
// failure). If the region is reallocated, *region is updated to the new
// slice.
func Alloc(region *[]byte, n uint64, d chunk.Dirtier, grow GrowFunc) (uint64, error) {
	if n == 0 {
		return 0, nil
	}
	n = chunk.AlignUp(n)

	if cb := tryAllocInFree(*region, n, d); cb != 0 {
		return chunk.UserOffset(cb), nil
	}

	if grow == nil {
		return 0, nil
	}
	if err := growRegion(region, n, d, grow); err != nil {
		if errors.Is(err, ErrOutOfMemory) {
			return 0, nil
		}
		return 0, err
	}
	if cb := tryAllocInFree(*region, n, d); cb != 0 {
		return chunk.UserOffset(cb), nil
	}
	return 0, nil
}

// growRegion grows the region to satisfy an allocation that didn't fit: the
// region is extended by ceil((needed+BorderSize)/GrowthQuantum)*GrowthQuantum
// bytes, and the caller's GrowFunc is passed the resulting new total size;
// the old terminal sentinel becomes a new free chunk spanning the added
// space, and a fresh sentinel is written at the new end.
func growRegion(region *[]byte, needed uint64, d chunk.Dirtier, grow GrowFunc) error {
	ask := needed + chunk.BorderSize
	if rem := ask % GrowthQuantum; rem != 0 {
		ask += GrowthQuantum - rem
	}

	oldSize := chunk.GetSize(*region)
	newSize := oldSize + ask

	grown, err := grow(newSize)
	if err != nil {
		return fmt.Errorf("freelist: grow callback failed: %w", err)
	}
	if uint64(len(grown)) < newSize {
		return ErrOutOfMemory
	}
	*region = grown
	r := *region

	oldSentinel := oldSize - chunk.BorderSize
	chunk.SetSize(r, newSize, d)

	addedPayload := ask - chunk.BorderSize
	oldSentinelBorder := chunk.ReadBorder(r, oldSentinel)
	chunk.WriteBorder(r, oldSentinel, chunk.Border{PrevSize: oldSentinelBorder.PrevSize, PayloadSize: addedPayload}, d)

	newSentinel := newSize - chunk.BorderSize
	chunk.WriteBorder(r, newSentinel, chunk.Border{PrevSize: addedPayload, PayloadSize: 0}, d)

	newFree := oldSentinel
	if oldSentinel != chunk.FirstBorderOffset() {
		prevOff := chunk.PrevBorderOffset(r, oldSentinel)
		if chunk.ReadBorder(r, prevOff).Free {
			removeFromFreeList(r, prevOff, d)
			newFree = mergeChunks(r, prevOff, oldSentinel, d)
		}
	}
	addToFreeList(r, newFree, d)
	return nil
}

// Free releases the payload at userOff, coalescing with free neighbors.
// Freeing offset 0 is a no-op; freeing an already-free chunk reports
// ErrDoubleFree without modifying the region.
func Free(region []byte, userOff uint64, d chunk.Dirtier) error {
	if userOff == 0 {
		return nil
	}
	cbOff := chunk.BorderOffset(userOff)
	b := chunk.ReadBorder(region, cbOff)
	if b.Free {
		return ErrDoubleFree
	}

	if !isSentinel(region, cbOff) {
		nextOff := chunk.NextBorderOffset(region, cbOff)
		if !isSentinel(region, nextOff) && chunk.ReadBorder(region, nextOff).Free {
			removeFromFreeList(region, nextOff, d)
			mergeChunks(region, cbOff, nextOff, d)
		}
	}
	if cbOff != chunk.FirstBorderOffset() {
		prevOff := chunk.PrevBorderOffset(region, cbOff)
		if chunk.ReadBorder(region, prevOff).Free {
			removeFromFreeList(region, prevOff, d)
			cbOff = mergeChunks(region, prevOff, cbOff, d)
		}
	}
	addToFreeList(region, cbOff, d)
	return nil
}

// ChunkInfo is a read-only snapshot of one chunk, used by Walk.
type ChunkInfo struct {
	BorderOffset uint64
	UserOffset   uint64
	PayloadSize  uint64
	Free         bool
}

// Walk returns every chunk in offset order, including the terminal
// sentinel, as a first-class consistency-checking API.
func Walk(region []byte) ([]ChunkInfo, error) {
	if chunk.GetMagic(region) != chunk.Magic {
		return nil, ErrCorrupt
	}
	var out []ChunkInfo
	cb := chunk.FirstBorderOffset()
	last := lastBorderOffset(region)
	for {
		b := chunk.ReadBorder(region, cb)
		out = append(out, ChunkInfo{BorderOffset: cb, UserOffset: chunk.UserOffset(cb), PayloadSize: b.PayloadSize, Free: b.Free})
		if cb == last {
			break
		}
		cb = chunk.NextBorderOffset(region, cb)
	}
	return out, nil
}

// CheckInvariants verifies the region's structural invariants: prev-size
// linkage, no two adjacent free chunks, and that each bucket's head offset
// is non-zero exactly when its occupancy bit is set. It does not walk the
// bucket lists, so it does not check that every free chunk is linked into
// the bucket matching its size.
func CheckInvariants(region []byte) error {
	infos, err := Walk(region)
	if err != nil {
		return err
	}
	prevFree := false
	for i, ci := range infos {
		if i > 0 {
			prevB := chunk.ReadBorder(region, infos[i-1].BorderOffset)
			gotPrevSize := chunk.ReadBorder(region, ci.BorderOffset).PrevSize
			if gotPrevSize != prevB.PayloadSize {
				return fmt.Errorf("%w: chunk at %d has prev_sz=%d, want %d", ErrCorrupt, ci.BorderOffset, gotPrevSize, prevB.PayloadSize)
			}
		}
		if ci.Free && prevFree {
			return fmt.Errorf("%w: adjacent free chunks at %d", ErrCorrupt, ci.BorderOffset)
		}
		prevFree = ci.Free && ci.PayloadSize != 0
	}

	for l2 := 0; l2 < chunk.NumBuckets; l2++ {
		head := chunk.GetFreeListHead(region, l2)
		set := chunk.BucketIsSet(region, l2)
		if (head != 0) != set {
			return fmt.Errorf("%w: bucket %d head=%d but bit set=%v", ErrCorrupt, l2, head, set)
		}
	}
	return nil
}
