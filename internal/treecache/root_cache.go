package treecache

import (
	"errors"
	"fmt"
)

var errEmptyPath = errors.New("empty index path")

// ItemContext locates a materialized item: the level holding it and its
// index within that level.
type ItemContext[K comparable, T any] struct {
	Cache *Cache[K, T]
	Index int
}

// RootCache is the level-0 Cache. It owns the identity index shared by all
// levels and translates between flat indices and tree positions.
type RootCache[K comparable, T any] struct {
	*Cache[K, T]

	idOf            func(T) K
	itemIDToContext map[K]ItemContext[K, T]
}

// NewRootCache creates an empty root level of the given size. idOf must
// return a stable identity usable as a map key.
func NewRootCache[K comparable, T any](size int, idOf func(T) K) *RootCache[K, T] {
	rc := &RootCache[K, T]{
		idOf:            idOf,
		itemIDToContext: make(map[K]ItemContext[K, T]),
	}
	var zero T
	rc.Cache = newCache(rc, nil, -1, zero, false, size)
	return rc
}

// ContextByItem finds where an item with the same identity is materialized.
func (rc *RootCache[K, T]) ContextByItem(item T) (ItemContext[K, T], bool) {
	return rc.ContextByID(rc.idOf(item))
}

func (rc *RootCache[K, T]) ContextByID(id K) (ItemContext[K, T], bool) {
	ctx, ok := rc.itemIDToContext[id]
	return ctx, ok
}

// Len returns the number of materialized items across all levels.
func (rc *RootCache[K, T]) Len() int { return len(rc.itemIDToContext) }

func (rc *RootCache[K, T]) removeContext(id K, c *Cache[K, T], index int) {
	if ctx, ok := rc.itemIDToContext[id]; ok && ctx.Cache == c && ctx.Index == index {
		delete(rc.itemIDToContext, id)
	}
}

// FlatIndexContext maps a position of the flattened view to the level and
// local index that hold it, descending into every expanded level whose rows
// cover the position.
func (rc *RootCache[K, T]) FlatIndexContext(flatIndex int) (ItemContext[K, T], bool) {
	if flatIndex < 0 || flatIndex >= rc.FlatSize() {
		return ItemContext[K, T]{}, false
	}
	cache := rc.Cache
	index := flatIndex
	for {
		descended := false
		cache.forEachSubCache(func(subIndex int, sub *Cache[K, T]) bool {
			if index <= subIndex {
				return false
			}
			subFlat := sub.FlatSize()
			if index <= subIndex+subFlat {
				cache = sub
				index = index - subIndex - 1
				descended = true
				return false
			}
			index -= subFlat
			return true
		})
		if !descended {
			return ItemContext[K, T]{Cache: cache, Index: index}, true
		}
	}
}

// FlatIndexByPath converts a path of local indices, one per level starting
// at the root, into a flat index. Each step may be negative to count from the
// end of its level; every level but the last must be expanded.
func (rc *RootCache[K, T]) FlatIndexByPath(path ...int) (int, error) {
	if len(path) == 0 {
		return -1, errEmptyPath
	}
	cache := rc.Cache
	flat := 0
	for i, step := range path {
		index, err := cache.NormalizeIndex(step)
		if err != nil {
			return -1, fmt.Errorf("path step %d: %w", i, err)
		}
		flat += cache.flatOffset(index)
		if i == len(path)-1 {
			break
		}
		sub := cache.SubCache(index)
		if sub == nil {
			return -1, fmt.Errorf("path step %d: index %d is not expanded: %w", i, index, ErrIndexOutOfBounds)
		}
		flat++
		cache = sub
	}
	return flat, nil
}

// FlatIndexOf returns the flat index of a context, or -1 when the context
// does not belong to this tree.
func (rc *RootCache[K, T]) FlatIndexOf(ctx ItemContext[K, T]) int {
	if ctx.Cache == nil || ctx.Cache.root != rc {
		return -1
	}
	flat := ctx.Cache.flatOffset(ctx.Index)
	for c := ctx.Cache; c.parentCache != nil; c = c.parentCache {
		flat += 1 + c.parentCache.flatOffset(c.parentIndex)
	}
	return flat
}

// FlatIndexOfItem returns the flat index of a materialized item, or -1.
func (rc *RootCache[K, T]) FlatIndexOfItem(item T) int {
	ctx, ok := rc.ContextByItem(item)
	if !ok {
		return -1
	}
	return rc.FlatIndexOf(ctx)
}
