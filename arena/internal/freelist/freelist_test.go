package freelist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcoro/arcoro/arena/internal/chunk"
)

const testRegionSize = 64 * 1024

func newTestRegion(t *testing.T) []byte {
	t.Helper()
	region := make([]byte, testRegionSize)
	require.NoError(t, Init(region, testRegionSize, 1, chunk.NoopDirtier{}))
	return region
}

func TestInitProducesOneFreeChunk(t *testing.T) {
	region := newTestRegion(t)
	require.NoError(t, CheckInvariants(region))

	infos, err := Walk(region)
	require.NoError(t, err)
	require.Len(t, infos, 2) // one free chunk + sentinel
	assert.True(t, infos[0].Free)
	assert.False(t, infos[1].Free)
	assert.Zero(t, infos[1].PayloadSize)
}

func TestAllocFreeRoundTrip(t *testing.T) {
	region := newTestRegion(t)
	d := chunk.NoopDirtier{}

	off, err := Alloc(&region, 128, d, nil)
	require.NoError(t, err)
	require.NotZero(t, off)
	require.NoError(t, CheckInvariants(region))

	require.NoError(t, Free(region, off, d))
	require.NoError(t, CheckInvariants(region))

	infos, err := Walk(region)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.True(t, infos[0].Free)
}

func TestAllocSplitsLargeChunk(t *testing.T) {
	region := newTestRegion(t)
	d := chunk.NoopDirtier{}

	off, err := Alloc(&region, 64, d, nil)
	require.NoError(t, err)
	require.NotZero(t, off)

	infos, err := Walk(region)
	require.NoError(t, err)
	require.Len(t, infos, 3) // allocated + remainder free + sentinel
	assert.False(t, infos[0].Free)
	assert.True(t, infos[1].Free)
}

func TestFreeCoalescesNeighbors(t *testing.T) {
	region := newTestRegion(t)
	d := chunk.NoopDirtier{}

	a, err := Alloc(&region, 64, d, nil)
	require.NoError(t, err)
	b, err := Alloc(&region, 64, d, nil)
	require.NoError(t, err)
	c, err := Alloc(&region, 64, d, nil)
	require.NoError(t, err)

	require.NoError(t, Free(region, a, d))
	require.NoError(t, Free(region, c, d))
	require.NoError(t, Free(region, b, d))

	require.NoError(t, CheckInvariants(region))
	infos, err := Walk(region)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.True(t, infos[0].Free)
}

func TestDoubleFreeReported(t *testing.T) {
	region := newTestRegion(t)
	d := chunk.NoopDirtier{}

	off, err := Alloc(&region, 64, d, nil)
	require.NoError(t, err)
	require.NoError(t, Free(region, off, d))
	assert.ErrorIs(t, Free(region, off, d), ErrDoubleFree)
}

func TestAllocExhaustionWithoutGrow(t *testing.T) {
	region := newTestRegion(t)
	d := chunk.NoopDirtier{}

	off, err := Alloc(&region, testRegionSize*2, d, nil)
	require.NoError(t, err)
	assert.Zero(t, off)
}

func TestAllocGrowsRegion(t *testing.T) {
	region := newTestRegion(t)
	d := chunk.NoopDirtier{}

	grow := func(newSize uint64) ([]byte, error) {
		grown := make([]byte, newSize)
		copy(grown, region)
		return grown, nil
	}

	off, err := Alloc(&region, testRegionSize, d, grow)
	require.NoError(t, err)
	require.NotZero(t, off)
	require.NoError(t, CheckInvariants(region))
	assert.Greater(t, chunk.GetSize(region), uint64(testRegionSize))
}

func TestBucketBitClearedWhenLastChunkRemoved(t *testing.T) {
	region := newTestRegion(t)
	d := chunk.NoopDirtier{}

	payload := chunk.GetSize(region) - chunk.FirstBorderOffset() - chunk.BorderSize
	l2 := Log2Floor(payload)
	assert.True(t, chunk.BucketIsSet(region, l2))

	off, err := Alloc(&region, payload, d, nil)
	require.NoError(t, err)
	require.NotZero(t, off)

	assert.False(t, chunk.BucketIsSet(region, l2))
}

func TestLog2FloorAndNextPow2(t *testing.T) {
	assert.Equal(t, 0, Log2Floor(uint64(0)))
	assert.Equal(t, 0, Log2Floor(uint64(1)))
	assert.Equal(t, 6, Log2Floor(uint64(127)))
	assert.Equal(t, 7, Log2Floor(uint64(128)))
	assert.Equal(t, 63, Log2Floor(uint64(1)<<63))

	assert.Equal(t, uint64(1), NextPow2(uint64(0)))
	assert.Equal(t, uint64(1), NextPow2(uint64(1)))
	assert.Equal(t, uint64(128), NextPow2(uint64(127)))
	assert.Equal(t, uint64(128), NextPow2(uint64(128)))
}
