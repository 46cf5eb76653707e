// Package consistency implements an independent, ordered-index cross-check
// of a region's chunk layout, separate from freelist.CheckInvariants'
// linear walk. It rebuilds the chunk list into a github.com/google/btree
// ordered index keyed by border offset and checks that the index covers
// the region with no gap or overlap, which is a different failure mode
// than the prev-size/adjacency checks freelist performs inline.
package consistency

import (
	"fmt"

	"github.com/google/btree"

	"github.com/arcoro/arcoro/arena/internal/chunk"
	"github.com/arcoro/arcoro/arena/internal/freelist"
)

type span struct {
	start, end uint64 // [start, end) byte range covered by one chunk, border included
	free       bool
}

func (s span) Less(other span) bool { return s.start < other.start }

// Check rebuilds the chunk layout of region into an ordered btree.BTreeG
// index and verifies it tiles [firstBorder, lastBorder] with no gaps or
// overlaps. It returns the number of chunks indexed.
func Check(region []byte) (int, error) {
	infos, err := freelist.Walk(region)
	if err != nil {
		return 0, err
	}

	tree := btree.NewG[span](32, span.Less)
	for _, ci := range infos {
		end := ci.BorderOffset + chunk.BorderSize + ci.PayloadSize
		s := span{start: ci.BorderOffset, end: end, free: ci.Free}
		if dup, exists := tree.ReplaceOrInsert(s); exists {
			return 0, fmt.Errorf("consistency: duplicate chunk at offset %d (previously %v)", ci.BorderOffset, dup)
		}
	}

	count := 0
	var prevEnd uint64
	first := true
	var walkErr error
	tree.Ascend(func(s span) bool {
		count++
		if !first && s.start != prevEnd {
			walkErr = fmt.Errorf("consistency: gap or overlap between offset %d and %d", prevEnd, s.start)
			return false
		}
		first = false
		prevEnd = s.end
		return true
	})
	if walkErr != nil {
		return 0, walkErr
	}
	return count, nil
}
