package freelist

import (
	"math/bits"

	"golang.org/x/exp/constraints"
)

// Log2Floor returns floor(log2(v)) for v > 0, and 0 for v == 0. Generic
// over any unsigned integer so both bucket indices (int) and raw sizes
// (uint64) can share one implementation.
func Log2Floor[T constraints.Unsigned](v T) int {
	if v == 0 {
		return 0
	}
	return bits.Len64(uint64(v)) - 1
}

// NextPow2 returns the smallest power of two >= v (v itself if already a
// power of two, 1 if v == 0).
func NextPow2[T constraints.Unsigned](v T) T {
	if v <= 1 {
		return 1
	}
	return T(1) << uint(bits.Len64(uint64(v)-1))
}
