// Package chunk provides the in-band boundary-record layout that brackets
// every allocatable range inside an arena region. All offsets are relative
// to the region's base byte (offset 0 is the null offset); no pointer ever
// crosses the package boundary.
package chunk

import "encoding/binary"

const (
	// Alignment is the required alignment, in bytes, for every payload.
	Alignment = 16

	// BorderSize is the size of the always-present part of a boundary
	// record: the previous chunk's payload size plus the packed size word.
	BorderSize = 16

	// LinkSize is the size of the free-list link fields (prev/next free
	// offsets). They are stored in the first LinkSize bytes of a free
	// chunk's payload, so the minimum payload a chunk can have is LinkSize.
	LinkSize = 16

	// MinPayload is the smallest payload a chunk may hold; it must be able
	// to carry the free-list links when the chunk is free.
	MinPayload = LinkSize
)

// size-word bit layout: bit0=free, bit1=node (reserved for an AVL index,
// unused here), bit2=small-bin (reserved, unused here), remaining bits hold
// the payload size. Because every payload size is a multiple of Alignment
// (16), its low 4 bits are always zero, so the 3 flag bits can be OR'd
// directly into the size word without any shift and recovered with a mask.
const (
	flagFree     uint64 = 1 << 0
	flagNode     uint64 = 1 << 1
	flagSmallBin uint64 = 1 << 2
	flagMask     uint64 = flagFree | flagNode | flagSmallBin
)

// Dirtier is notified of every byte range a chunk mutation touches. The
// persistence layer (arena/persist) implements it to maintain its
// page-granular dirty bitmap; callers that don't persist use NoopDirtier.
type Dirtier interface {
	MarkDirty(off, length uint64)
}

// NoopDirtier discards dirty notifications.
type NoopDirtier struct{}

// MarkDirty implements Dirtier.
func (NoopDirtier) MarkDirty(uint64, uint64) {}

// Border is the decoded form of a chunk's boundary record.
type Border struct {
	PrevSize    uint64
	PayloadSize uint64
	Free        bool
	Node        bool
	SmallBin    bool
	PrevFree    uint64 // meaningful only when Free
	NextFree    uint64 // meaningful only when Free
}

// UserOffset returns the offset of the first payload byte for the border at cbOff.
func UserOffset(cbOff uint64) uint64 { return cbOff + BorderSize }

// BorderOffset returns the offset of the border owning the payload at userOff.
func BorderOffset(userOff uint64) uint64 { return userOff - BorderSize }

// ReadBorder decodes the boundary record at cbOff.
func ReadBorder(region []byte, cbOff uint64) Border {
	prevSize := binary.LittleEndian.Uint64(region[cbOff : cbOff+8])
	sizeWord := binary.LittleEndian.Uint64(region[cbOff+8 : cbOff+16])
	b := Border{
		PrevSize:    prevSize,
		PayloadSize: sizeWord &^ flagMask,
		Free:        sizeWord&flagFree != 0,
		Node:        sizeWord&flagNode != 0,
		SmallBin:    sizeWord&flagSmallBin != 0,
	}
	if b.Free {
		u := UserOffset(cbOff)
		b.PrevFree = binary.LittleEndian.Uint64(region[u : u+8])
		b.NextFree = binary.LittleEndian.Uint64(region[u+8 : u+16])
	}
	return b
}

// WriteBorder encodes b at cbOff. The free-list link fields are only
// written when b.Free is set, so allocating a chunk never disturbs the
// user payload that now occupies those bytes.
func WriteBorder(region []byte, cbOff uint64, b Border, d Dirtier) {
	sizeWord := b.PayloadSize &^ flagMask
	if b.Free {
		sizeWord |= flagFree
	}
	if b.Node {
		sizeWord |= flagNode
	}
	if b.SmallBin {
		sizeWord |= flagSmallBin
	}
	binary.LittleEndian.PutUint64(region[cbOff:cbOff+8], b.PrevSize)
	binary.LittleEndian.PutUint64(region[cbOff+8:cbOff+16], sizeWord)
	d.MarkDirty(cbOff, BorderSize)
	if b.Free {
		u := UserOffset(cbOff)
		binary.LittleEndian.PutUint64(region[u:u+8], b.PrevFree)
		binary.LittleEndian.PutUint64(region[u+8:u+16], b.NextFree)
		d.MarkDirty(u, LinkSize)
	}
}

// SetFree flips only the free bit and, when turning free on, the link
// fields; it avoids rewriting PrevSize/PayloadSize for the common
// free/unfree toggle paths.
func SetFree(region []byte, cbOff uint64, free bool, prevFree, nextFree uint64, d Dirtier) {
	b := ReadBorder(region, cbOff)
	b.Free = free
	b.PrevFree = prevFree
	b.NextFree = nextFree
	WriteBorder(region, cbOff, b, d)
}

// SetPrevSize rewrites only the prev-size field of the border at cbOff,
// used when a neighboring chunk's payload size changes after a split or
// coalesce.
func SetPrevSize(region []byte, cbOff uint64, prevSize uint64, d Dirtier) {
	binary.LittleEndian.PutUint64(region[cbOff:cbOff+8], prevSize)
	d.MarkDirty(cbOff, 8)
}

// NextBorderOffset returns the offset of the boundary record immediately
// following the chunk at cbOff.
func NextBorderOffset(region []byte, cbOff uint64) uint64 {
	b := ReadBorder(region, cbOff)
	return UserOffset(cbOff) + b.PayloadSize
}

// PrevBorderOffset returns the offset of the boundary record immediately
// preceding the chunk at cbOff, using its recorded prev-size.
func PrevBorderOffset(region []byte, cbOff uint64) uint64 {
	b := ReadBorder(region, cbOff)
	return cbOff - b.PrevSize - BorderSize
}

// AlignUp rounds n up to the next multiple of Alignment.
func AlignUp(n uint64) uint64 {
	if r := n % Alignment; r != 0 {
		return n + (Alignment - r)
	}
	return n
}
