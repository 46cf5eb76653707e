package persist

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDirtyBitmapSetAndNext(t *testing.T) {
	b := newDirtyBitmap(200)
	b.set(5)
	b.set(64)
	b.set(199)

	page, ok := b.nextSet(0)
	assert.True(t, ok)
	assert.EqualValues(t, 5, page)

	page, ok = b.nextSet(6)
	assert.True(t, ok)
	assert.EqualValues(t, 64, page)

	page, ok = b.nextSet(65)
	assert.True(t, ok)
	assert.EqualValues(t, 199, page)

	_, ok = b.nextSet(200)
	assert.False(t, ok)
}

func TestDirtyBitmapClear(t *testing.T) {
	b := newDirtyBitmap(64)
	b.set(10)
	b.clear()
	_, ok := b.nextSet(0)
	assert.False(t, ok)
}

func TestDirtyBitmapMarkRangeSpansPages(t *testing.T) {
	b := newDirtyBitmap(4)
	b.markRange(PageSize-4, 8) // touches page 0 and page 1

	p0, ok := b.nextSet(0)
	assert.True(t, ok)
	assert.EqualValues(t, 0, p0)
	p1, ok := b.nextSet(1)
	assert.True(t, ok)
	assert.EqualValues(t, 1, p1)
}

func TestDirtyBitmapResizeGrows(t *testing.T) {
	b := newDirtyBitmap(10)
	b.set(9)
	b.resize(200)
	page, ok := b.nextSet(0)
	assert.True(t, ok)
	assert.EqualValues(t, 9, page)
	b.set(199)
	page, ok = b.nextSet(10)
	assert.True(t, ok)
	assert.EqualValues(t, 199, page)
}
