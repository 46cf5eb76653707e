package persist

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcoro/arcoro/arena/internal/chunk"
	"github.com/arcoro/arcoro/arena/internal/freelist"
)

func ctrlPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "region.ctrl")
}

func TestOpenFreshStoreNeedsInit(t *testing.T) {
	s, err := Open(ctrlPath(t), nil)
	require.NoError(t, err)
	defer s.Close()

	assert.True(t, s.IsNew())
	assert.Len(t, s.Region(), MinStorageSize)
}

func TestFinalizeInitThenCommitThenReopen(t *testing.T) {
	path := ctrlPath(t)

	s, err := Open(path, nil)
	require.NoError(t, err)

	region := s.Region()
	require.NoError(t, freelist.Init(region, MinStorageSize, 1, s))
	require.NoError(t, s.FinalizeInit())

	off, err := freelist.Alloc(&region, 64, s, s.Grow)
	require.NoError(t, err)
	require.NotZero(t, off)
	copy(region[off:off+5], []byte("hello"))
	s.MarkDirty(off, 5)

	require.NoError(t, s.Commit())
	require.NoError(t, s.Close())

	s2, err := Open(path, nil)
	require.NoError(t, err)
	defer s2.Close()

	assert.False(t, s2.IsNew())
	region2 := s2.Region()
	assert.Equal(t, "hello", string(region2[off:off+5]))
	require.NoError(t, freelist.CheckInvariants(region2))
}

func TestCloseWithoutCommitDiscardsChanges(t *testing.T) {
	path := ctrlPath(t)

	s, err := Open(path, nil)
	require.NoError(t, err)

	region := s.Region()
	require.NoError(t, freelist.Init(region, MinStorageSize, 1, s))
	require.NoError(t, s.FinalizeInit())
	require.NoError(t, s.Commit())

	off, err := freelist.Alloc(&region, 64, s, s.Grow)
	require.NoError(t, err)
	copy(region[off:off+5], []byte("dirty"))
	s.MarkDirty(off, 5)

	// No Commit: Close must rewind to the last committed state.
	require.NoError(t, s.Close())

	s2, err := Open(path, nil)
	require.NoError(t, err)
	defer s2.Close()

	region2 := s2.Region()
	assert.NotEqual(t, "dirty", string(region2[off:off+5]))
}

func TestGrowExtendsRegionAndPreservesData(t *testing.T) {
	path := ctrlPath(t)

	s, err := Open(path, nil)
	require.NoError(t, err)
	defer s.Close()

	region := s.Region()
	require.NoError(t, freelist.Init(region, MinStorageSize, 1, s))
	require.NoError(t, s.FinalizeInit())

	off, err := freelist.Alloc(&region, MinStorageSize, s, s.Grow)
	require.NoError(t, err)
	require.NotZero(t, off)

	grownRegion := s.Region()
	assert.Greater(t, len(grownRegion), MinStorageSize)
	require.NoError(t, freelist.CheckInvariants(grownRegion))
}

func TestGrowAfterCommitPreservesLiveWrites(t *testing.T) {
	path := ctrlPath(t)

	s, err := Open(path, nil)
	require.NoError(t, err)
	defer s.Close()

	region := s.Region()
	require.NoError(t, freelist.Init(region, MinStorageSize, 1, s))
	require.NoError(t, s.FinalizeInit())

	committedOff, err := freelist.Alloc(&region, 64, s, s.Grow)
	require.NoError(t, err)
	copy(region[committedOff:committedOff+9], []byte("committed"))
	s.MarkDirty(committedOff, 9)
	require.NoError(t, s.Commit())

	// A write after Commit but before Grow: only ever flushed to whichever
	// physical file actually backs the live mmap, never mirrored into the
	// backup file until the next Commit. If Grow picks the wrong file to
	// remap onto, this write vanishes.
	liveOff, err := freelist.Alloc(&region, 64, s, s.Grow)
	require.NoError(t, err)
	copy(region[liveOff:liveOff+8], []byte("uncommit"))
	s.MarkDirty(liveOff, 8)

	grown, err := freelist.Alloc(&region, MinStorageSize, s, s.Grow)
	require.NoError(t, err)
	require.NotZero(t, grown)

	grownRegion := s.Region()
	assert.Greater(t, len(grownRegion), MinStorageSize)
	assert.Equal(t, "committed", string(grownRegion[committedOff:committedOff+9]))
	assert.Equal(t, "uncommit", string(grownRegion[liveOff:liveOff+8]),
		"Grow must remap onto the physical file actually backing the live region, not the last-committed backup")
	require.NoError(t, freelist.CheckInvariants(grownRegion))
}

var _ chunk.Dirtier = (*Store)(nil)
