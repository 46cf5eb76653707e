package chunk

import "encoding/binary"

// Magic is the constant that marks an initialized region.
const Magic uint64 = 0xd0caffe

// NumBuckets is the number of segregated free-list buckets, one per
// possible value of floor(log2(payload size)) in a 64-bit size.
const NumBuckets = 64

// Header field byte offsets within the region: magic, region id, current
// size, user slot, free-list occupancy bitmap, then the 64 free-list head
// offsets.
const (
	offMagic      = 0
	offRegionID   = 8
	offSize       = 16
	offUserSlot   = 24
	offFreeBitmap = 32
	offFreeLists  = 40

	// HeaderSize is the total size, in bytes, of the region header.
	HeaderSize = offFreeLists + NumBuckets*8
)

// FirstBorderOffset returns the offset of the first chunk boundary record,
// chosen so its payload begins on a 16-byte-aligned offset.
func FirstBorderOffset() uint64 {
	return AlignUp(HeaderSize+BorderSize) - BorderSize
}

func GetMagic(region []byte) uint64 { return binary.LittleEndian.Uint64(region[offMagic : offMagic+8]) }

func SetMagic(region []byte, v uint64, d Dirtier) {
	binary.LittleEndian.PutUint64(region[offMagic:offMagic+8], v)
	d.MarkDirty(offMagic, 8)
}

func GetRegionID(region []byte) uint64 {
	return binary.LittleEndian.Uint64(region[offRegionID : offRegionID+8])
}

func SetRegionID(region []byte, v uint64, d Dirtier) {
	binary.LittleEndian.PutUint64(region[offRegionID:offRegionID+8], v)
	d.MarkDirty(offRegionID, 8)
}

func GetSize(region []byte) uint64 { return binary.LittleEndian.Uint64(region[offSize : offSize+8]) }

func SetSize(region []byte, v uint64, d Dirtier) {
	binary.LittleEndian.PutUint64(region[offSize:offSize+8], v)
	d.MarkDirty(offSize, 8)
}

func GetUserSlot(region []byte) uint64 {
	return binary.LittleEndian.Uint64(region[offUserSlot : offUserSlot+8])
}

func SetUserSlot(region []byte, v uint64, d Dirtier) {
	binary.LittleEndian.PutUint64(region[offUserSlot:offUserSlot+8], v)
	d.MarkDirty(offUserSlot, 8)
}

func GetFreeBitmap(region []byte) uint64 {
	return binary.LittleEndian.Uint64(region[offFreeBitmap : offFreeBitmap+8])
}

func SetFreeBitmap(region []byte, v uint64, d Dirtier) {
	binary.LittleEndian.PutUint64(region[offFreeBitmap:offFreeBitmap+8], v)
	d.MarkDirty(offFreeBitmap, 8)
}

// GetFreeListHead returns the offset of the first free chunk in bucket l2,
// or 0 if the bucket is empty.
func GetFreeListHead(region []byte, l2 int) uint64 {
	off := offFreeLists + uint64(l2)*8
	return binary.LittleEndian.Uint64(region[off : off+8])
}

func SetFreeListHead(region []byte, l2 int, v uint64, d Dirtier) {
	off := offFreeLists + uint64(l2)*8
	binary.LittleEndian.PutUint64(region[off:off+8], v)
	d.MarkDirty(off, 8)
}

// BucketSetBit sets bit l2 of the occupancy bitmap. It uses a uint64(1)
// shift base rather than an untyped/32-bit literal so buckets up to 63 are
// represented correctly (a plain `1 << l2` truncated to 32 bits would lose
// the top half of the bucket range).
func BucketSetBit(region []byte, l2 int, d Dirtier) {
	SetFreeBitmap(region, GetFreeBitmap(region)|(uint64(1)<<uint(l2)), d)
}

// BucketClearBit clears bit l2 of the occupancy bitmap.
func BucketClearBit(region []byte, l2 int, d Dirtier) {
	SetFreeBitmap(region, GetFreeBitmap(region)&^(uint64(1)<<uint(l2)), d)
}

// BucketIsSet reports whether bucket l2 is marked non-empty.
func BucketIsSet(region []byte, l2 int) bool {
	return GetFreeBitmap(region)&(uint64(1)<<uint(l2)) != 0
}
