package disk

import (
	"sync"

	"github.com/downfa11-org/seglog/pkg/types"
	"github.com/google/btree"
)

const defaultPositionCacheSize = 8

// PositionCache remembers where some entries of a segment start so a reader
// can begin scanning from the closest checkpoint instead of the file start.
// The oldest checkpoint is evicted when the cache is full.
type PositionCache struct {
	mu       sync.Mutex
	capacity int
	tree     *btree.BTreeG[types.LogPosition]
	order    []int64
}

func NewPositionCache(capacity int) *PositionCache {
	if capacity <= 0 {
		capacity = defaultPositionCacheSize
	}
	return &PositionCache{
		capacity: capacity,
		tree: btree.NewG[types.LogPosition](4, func(a, b types.LogPosition) bool {
			return a.LogIndex < b.LogIndex
		}),
	}
}

// Put records a checkpoint.
func (c *PositionCache) Put(pos types.LogPosition) {
	if pos.LogIndex <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, replaced := c.tree.ReplaceOrInsert(pos); replaced {
		return
	}
	c.order = append(c.order, pos.LogIndex)
	for c.tree.Len() > c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		c.tree.Delete(types.LogPosition{LogIndex: oldest})
	}
}

// Lookup returns the checkpoint with the greatest LogIndex <= offsetIndex,
// or the segment start if none is cached.
func (c *PositionCache) Lookup(offsetIndex int64) types.LogPosition {
	c.mu.Lock()
	defer c.mu.Unlock()

	pos := types.StartPosition
	c.tree.DescendLessOrEqual(types.LogPosition{LogIndex: offsetIndex}, func(p types.LogPosition) bool {
		pos = p
		return false
	})
	return pos
}

func (c *PositionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tree.Len()
}
