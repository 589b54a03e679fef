// Package treecache holds the materialized window of a lazily loaded tree.
//
// A Cache covers one level of the hierarchy: the declared number of children
// of one parent item, the subset of those children that has been fetched, and
// one child Cache per expanded index. The RootCache is the level-0 Cache and
// additionally indexes every materialized item by identity so that positions
// can be translated between the tree of caches and the flattened,
// depth-first sequence the client renders.
//
// Materialized and expanded positions are kept in roaring bitmaps so that
// iteration always happens in index order without a sorted-map dependency.
package treecache

import (
	"errors"
	"fmt"

	"github.com/RoaringBitmap/roaring"
)

// ErrIndexOutOfBounds is returned by NormalizeIndex and the path lookups.
var ErrIndexOutOfBounds = errors.New("index out of bounds")

// Cache is one level of materialized tree data.
type Cache[K comparable, T any] struct {
	root        *RootCache[K, T]
	parentCache *Cache[K, T]
	parentItem  T
	parentIndex int
	hasParent   bool
	size        int

	itemIDToItem  map[K]T
	itemIndexes   *roaring.Bitmap // materialized indices
	indexToItemID map[uint32]K

	cacheIndexes *roaring.Bitmap // expanded indices
	indexToCache map[uint32]*Cache[K, T]
}

func newCache[K comparable, T any](root *RootCache[K, T], parent *Cache[K, T], parentIndex int, parentItem T, hasParent bool, size int) *Cache[K, T] {
	return &Cache[K, T]{
		root:          root,
		parentCache:   parent,
		parentItem:    parentItem,
		parentIndex:   parentIndex,
		hasParent:     hasParent,
		size:          size,
		itemIDToItem:  make(map[K]T),
		itemIndexes:   roaring.New(),
		indexToItemID: make(map[uint32]K),
		cacheIndexes:  roaring.New(),
		indexToCache:  make(map[uint32]*Cache[K, T]),
	}
}

// Size returns the declared number of items at this level, materialized or not.
func (c *Cache[K, T]) Size() int { return c.size }

// FlatSize returns the number of rows this level occupies in the flattened
// view: its own items plus the flat size of every expanded descendant level.
func (c *Cache[K, T]) FlatSize() int {
	flat := c.size
	c.forEachSubCache(func(_ int, sub *Cache[K, T]) bool {
		flat += sub.FlatSize()
		return true
	})
	return flat
}

// Depth is 0 for the root level.
func (c *Cache[K, T]) Depth() int {
	depth := 0
	for p := c.parentCache; p != nil; p = p.parentCache {
		depth++
	}
	return depth
}

// ParentItem returns the item owning this level. The root level has none.
func (c *Cache[K, T]) ParentItem() (T, bool) { return c.parentItem, c.hasParent }

// ParentIndex returns the index of the parent item within ParentCache, or -1.
func (c *Cache[K, T]) ParentIndex() int {
	if !c.hasParent {
		return -1
	}
	return c.parentIndex
}

func (c *Cache[K, T]) ParentCache() *Cache[K, T] { return c.parentCache }

// MaterializedCount returns how many items of this level are loaded.
func (c *Cache[K, T]) MaterializedCount() int { return int(c.itemIndexes.GetCardinality()) }

func (c *Cache[K, T]) HasItem(index int) bool {
	return index >= 0 && c.itemIndexes.Contains(uint32(index))
}

// Item returns the materialized item at index.
func (c *Cache[K, T]) Item(index int) (T, bool) {
	var zero T
	if index < 0 {
		return zero, false
	}
	id, ok := c.indexToItemID[uint32(index)]
	if !ok {
		return zero, false
	}
	item, ok := c.itemIDToItem[id]
	return item, ok
}

// SetItems materializes items as a contiguous block starting at start and
// registers each one with the root index. Bounds are the caller's concern.
func (c *Cache[K, T]) SetItems(start int, items []T) {
	for i, item := range items {
		index := start + i
		slot := uint32(index)
		id := c.root.idOf(item)

		if oldID, ok := c.indexToItemID[slot]; ok && oldID != id {
			delete(c.itemIDToItem, oldID)
			c.root.removeContext(oldID, c, index)
		}
		// An identity lives in one place only; drop a stale position.
		if ctx, ok := c.root.itemIDToContext[id]; ok && (ctx.Cache != c || ctx.Index != index) {
			ctx.Cache.evict(ctx.Index)
		}

		c.itemIDToItem[id] = item
		c.itemIndexes.Add(slot)
		c.indexToItemID[slot] = id
		c.root.itemIDToContext[id] = ItemContext[K, T]{Cache: c, Index: index}
	}
}

// evict forgets the item at index without touching the root index.
func (c *Cache[K, T]) evict(index int) {
	slot := uint32(index)
	id, ok := c.indexToItemID[slot]
	if !ok {
		return
	}
	delete(c.indexToItemID, slot)
	delete(c.itemIDToItem, id)
	c.itemIndexes.Remove(slot)
}

// RemoveItem evicts one materialized item and its root index entry.
func (c *Cache[K, T]) RemoveItem(index int) {
	if index < 0 {
		return
	}
	id, ok := c.indexToItemID[uint32(index)]
	if !ok {
		return
	}
	c.evict(index)
	c.root.removeContext(id, c, index)
}

// RefreshItem swaps in a new instance for an identity this level already
// holds. It reports whether the identity was found.
func (c *Cache[K, T]) RefreshItem(item T) bool {
	id := c.root.idOf(item)
	if _, ok := c.itemIDToItem[id]; !ok {
		return false
	}
	c.itemIDToItem[id] = item
	return true
}

func (c *Cache[K, T]) HasSubCache(index int) bool {
	return index >= 0 && c.cacheIndexes.Contains(uint32(index))
}

// SubCache returns the child level at index, or nil.
func (c *Cache[K, T]) SubCache(index int) *Cache[K, T] {
	if index < 0 {
		return nil
	}
	return c.indexToCache[uint32(index)]
}

// EnsureSubCache returns the child level at index, creating it when missing.
// sizeSupplier runs only on creation.
func (c *Cache[K, T]) EnsureSubCache(index int, item T, sizeSupplier func() (int, error)) (*Cache[K, T], error) {
	if sub := c.SubCache(index); sub != nil {
		return sub, nil
	}
	if index < 0 || index >= c.size {
		return nil, fmt.Errorf("sub cache at %d of %d: %w", index, c.size, ErrIndexOutOfBounds)
	}
	size, err := sizeSupplier()
	if err != nil {
		return nil, err
	}
	sub := newCache(c.root, c, index, item, true, size)
	c.cacheIndexes.Add(uint32(index))
	c.indexToCache[uint32(index)] = sub
	return sub, nil
}

// RemoveSubCache clears and detaches the child level at index.
func (c *Cache[K, T]) RemoveSubCache(index int) {
	sub := c.SubCache(index)
	if sub == nil {
		return
	}
	sub.Clear()
	c.cacheIndexes.Remove(uint32(index))
	delete(c.indexToCache, uint32(index))
}

// RemoveDescendantCacheIf walks every descendant level and removes the ones
// matching pred, together with their own descendants.
func (c *Cache[K, T]) RemoveDescendantCacheIf(pred func(*Cache[K, T]) bool) {
	var doomed []int
	c.forEachSubCache(func(index int, sub *Cache[K, T]) bool {
		if pred(sub) {
			doomed = append(doomed, index)
		} else {
			sub.RemoveDescendantCacheIf(pred)
		}
		return true
	})
	for _, index := range doomed {
		c.RemoveSubCache(index)
	}
}

// NormalizeIndex resolves negative indices from the end (-1 is the last
// item) and rejects anything outside [-Size, Size).
func (c *Cache[K, T]) NormalizeIndex(index int) (int, error) {
	n := index
	if n < 0 {
		n += c.size
	}
	if n < 0 || n >= c.size {
		return -1, fmt.Errorf("index %d for size %d: %w", index, c.size, ErrIndexOutOfBounds)
	}
	return n, nil
}

// Clear drops every descendant level first, then this level's items.
func (c *Cache[K, T]) Clear() {
	c.forEachSubCache(func(_ int, sub *Cache[K, T]) bool {
		sub.Clear()
		return true
	})
	c.cacheIndexes.Clear()
	clear(c.indexToCache)

	for slot, id := range c.indexToItemID {
		c.root.removeContext(id, c, int(slot))
	}
	c.itemIndexes.Clear()
	clear(c.indexToItemID)
	clear(c.itemIDToItem)
}

// flatOffset is the flattened position of index relative to the first row
// of this level.
func (c *Cache[K, T]) flatOffset(index int) int {
	offset := index
	c.forEachSubCache(func(subIndex int, sub *Cache[K, T]) bool {
		if subIndex >= index {
			return false
		}
		offset += sub.FlatSize()
		return true
	})
	return offset
}

// forEachSubCache visits child levels in index order until fn returns false.
func (c *Cache[K, T]) forEachSubCache(fn func(index int, sub *Cache[K, T]) bool) {
	it := c.cacheIndexes.Iterator()
	for it.HasNext() {
		slot := it.Next()
		if !fn(int(slot), c.indexToCache[slot]) {
			return
		}
	}
}
