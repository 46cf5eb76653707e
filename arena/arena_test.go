package arena

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcoro/arcoro/arena/internal/registry"
)

func newIsolatedContext(t *testing.T, size uint64) *Context {
	t.Helper()
	c, err := New(size, WithRegistry(registry.New()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNewProducesUsableRegion(t *testing.T) {
	c := newIsolatedContext(t, 64*1024)
	require.NoError(t, c.CheckInvariants())
}

func TestAllocFreeAndPtr(t *testing.T) {
	c := newIsolatedContext(t, 64*1024)

	off, err := c.Alloc(64)
	require.NoError(t, err)
	require.NotZero(t, off)

	p, err := c.Ptr(off)
	require.NoError(t, err)
	copy(p, []byte("payload!"))

	got, err := c.Ptr(off)
	require.NoError(t, err)
	assert.Equal(t, byte('p'), got[0])

	resolved, err := c.Off(p[:4])
	require.NoError(t, err)
	assert.Equal(t, off, resolved)

	require.NoError(t, c.Free(off))
	_, err = c.Ptr(off)
	assert.Error(t, err)
}

func TestSetGetUser(t *testing.T) {
	c := newIsolatedContext(t, 64*1024)
	c.SetUser(12345)
	assert.Equal(t, uint64(12345), c.GetUser())
}

func TestGetCtxResolvesByRegionID(t *testing.T) {
	// GetCtx consults the process-wide default registry, so this context is
	// registered there rather than in an isolated one.
	c, err := New(64 * 1024)
	require.NoError(t, err)
	defer c.Close()

	got, err := GetCtx(c.RegionID())
	require.NoError(t, err)
	assert.Same(t, c, got)
}

func TestAllocGrowsRegionAutomatically(t *testing.T) {
	c := newIsolatedContext(t, 4096)

	off, err := c.Alloc(8192)
	require.NoError(t, err)
	require.NotZero(t, off)
	require.NoError(t, c.CheckInvariants())
}

func TestDoubleFreeReturnsError(t *testing.T) {
	c := newIsolatedContext(t, 64*1024)
	off, err := c.Alloc(64)
	require.NoError(t, err)
	require.NoError(t, c.Free(off))
	assert.Error(t, c.Free(off))
}

func TestOpenCreatesPersistentRegionAndSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "region.ctrl")
	r := registry.New()

	c, err := Open(path, WithRegistry(r))
	require.NoError(t, err)

	off, err := c.Alloc(32)
	require.NoError(t, err)
	p, err := c.Ptr(off)
	require.NoError(t, err)
	copy(p, []byte("persisted"))
	require.NoError(t, c.Commit())
	require.NoError(t, c.Close())

	c2, err := Open(path, WithRegistry(r))
	require.NoError(t, err)
	defer c2.Close()

	p2, err := c2.Ptr(off)
	require.NoError(t, err)
	assert.Equal(t, "persisted", string(p2[:9]))
	require.NoError(t, c2.CheckInvariants())
	assert.Equal(t, c.RegionID(), c2.RegionID(), "reopen must reuse the region's embedded id")
	assert.NotZero(t, c2.RegionID()&(uint64(1)<<63), "machine-generated region ids must have the top bit set")
}
