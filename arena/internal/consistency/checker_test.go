package consistency

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcoro/arcoro/arena/internal/chunk"
	"github.com/arcoro/arcoro/arena/internal/freelist"
)

const regionSize = 64 * 1024

func TestCheckOnFreshRegion(t *testing.T) {
	region := make([]byte, regionSize)
	require.NoError(t, freelist.Init(region, regionSize, 1, chunk.NoopDirtier{}))

	count, err := Check(region)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestCheckAfterAllocAndFree(t *testing.T) {
	region := make([]byte, regionSize)
	d := chunk.NoopDirtier{}
	require.NoError(t, freelist.Init(region, regionSize, 1, d))

	a, err := freelist.Alloc(&region, 128, d, nil)
	require.NoError(t, err)
	b, err := freelist.Alloc(&region, 256, d, nil)
	require.NoError(t, err)

	_, err = Check(region)
	require.NoError(t, err)

	require.NoError(t, freelist.Free(region, a, d))
	_, err = Check(region)
	require.NoError(t, err)

	require.NoError(t, freelist.Free(region, b, d))
	count, err := Check(region)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
