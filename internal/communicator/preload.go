package communicator

import (
	"context"
	"fmt"
	"time"

	"github.com/agentic-research/treesync/internal/provider"
	"github.com/agentic-research/treesync/internal/ranges"
	"github.com/agentic-research/treesync/internal/treecache"
)

func (c *HierarchicalDataCommunicator[K, T, F]) query(parent *T) provider.HierarchicalQuery[K, T, F] {
	q := provider.NewQuery[K, T, F](parent).
		WithFilterRef(c.filter).
		WithSortOrders(c.backEndSorting...).
		WithInMemorySorting(c.inMemorySorting)
	if c.flattened() {
		q = q.WithExpandedItemIDs(c.expanded)
	}
	return q
}

func (c *HierarchicalDataCommunicator[K, T, F]) parentLabel(parent *T) string {
	if parent == nil {
		return ""
	}
	return fmt.Sprint(c.source.ID(*parent))
}

func (c *HierarchicalDataCommunicator[K, T, F]) count(ctx context.Context, parent *T) (int, error) {
	q := c.query(parent)
	start := time.Now()
	n, err := provider.ChildCount(ctx, c.source, q)
	d := time.Since(start)
	c.log.LogFetch("count", c.parentLabel(parent), q.Offset(), q.Limit(), n, d, err)
	c.metrics.RecordBackendCall("count", d, err)
	return n, err
}

func (c *HierarchicalDataCommunicator[K, T, F]) fetch(ctx context.Context, parent *T, r ranges.Range) ([]T, error) {
	q := c.query(parent).WithRange(r.Start, r.Len())
	start := time.Now()
	items, err := provider.FetchChildren(ctx, c.source, q)
	d := time.Since(start)
	c.log.LogFetch("fetch", c.parentLabel(parent), q.Offset(), q.Limit(), len(items), d, err)
	c.metrics.RecordBackendCall("fetch", d, err)
	if err != nil {
		return nil, err
	}
	if len(items) > r.Len() {
		items = items[:r.Len()]
	}
	return items, nil
}

// sizeOf returns the size supplier of the child level of parent.
func (c *HierarchicalDataCommunicator[K, T, F]) sizeOf(ctx context.Context, parent *T) func() (int, error) {
	return func() (int, error) { return c.count(ctx, parent) }
}

func (c *HierarchicalDataCommunicator[K, T, F]) ensureRootCache(ctx context.Context) error {
	if c.rootCache != nil {
		return nil
	}
	size, err := c.count(ctx, nil)
	if err != nil {
		return err
	}
	c.rootCache = treecache.NewRootCache[K, T](size, c.source.ID)
	return nil
}

// loadItem returns the item at index of cache. A missing item is fetched
// together with up to want-1 neighbours in the walking direction.
func (c *HierarchicalDataCommunicator[K, T, F]) loadItem(ctx context.Context, cache *treecache.Cache[K, T], index, want int, forward bool) (T, error) {
	if item, ok := cache.Item(index); ok {
		return item, nil
	}
	var zero T
	var r ranges.Range
	if forward {
		r = ranges.Between(index, min(cache.Size(), index+want))
	} else {
		r = ranges.Between(max(0, index-want+1), index+1)
	}
	var parent *T
	if p, ok := cache.ParentItem(); ok {
		parent = &p
	}
	items, err := c.fetch(ctx, parent, r)
	if err != nil {
		return zero, err
	}
	cache.SetItems(r.Start, items)
	item, ok := cache.Item(index)
	if !ok {
		return zero, fmt.Errorf("fetch %s of parent %q returned %d items, index %d is missing: %w",
			r, c.parentLabel(parent), len(items), index, provider.ErrIllegalState)
	}
	return item, nil
}

// needsSubCache reports whether item at ictx is expanded but its child
// level was not created yet.
func (c *HierarchicalDataCommunicator[K, T, F]) needsSubCache(ictx treecache.ItemContext[K, T], item T) bool {
	return !c.flattened() && c.IsExpanded(item) && !ictx.Cache.HasSubCache(ictx.Index)
}

// PreloadFlatRangeForward materializes and returns up to length rows
// starting at flat index start. Expanded items met on the way get their
// child level, which may grow the flat size while walking.
func (c *HierarchicalDataCommunicator[K, T, F]) PreloadFlatRangeForward(ctx context.Context, start, length int) ([]T, error) {
	if err := c.ensureRootCache(ctx); err != nil {
		return nil, err
	}
	var result []T
	for i := start; len(result) < length && i < c.rootCache.FlatSize(); i++ {
		ictx, _ := c.rootCache.FlatIndexContext(i)
		item, err := c.loadItem(ctx, ictx.Cache, ictx.Index, length-len(result), true)
		if err != nil {
			return result, err
		}
		if c.needsSubCache(ictx, item) {
			if _, err := ictx.Cache.EnsureSubCache(ictx.Index, item, c.sizeOf(ctx, &item)); err != nil {
				return result, err
			}
		}
		result = append(result, item)
	}
	return result, nil
}

// PreloadFlatRangeBackward is the mirror of PreloadFlatRangeForward: it walks
// up from flat index end-1 and returns the rows in flat order. The row at
// end-1 never gets a child level here since its children would land past
// end. Any other expanded row does, and the walk continues inside it.
func (c *HierarchicalDataCommunicator[K, T, F]) PreloadFlatRangeBackward(ctx context.Context, end, length int) ([]T, error) {
	if err := c.ensureRootCache(ctx); err != nil {
		return nil, err
	}
	var reversed []T
	for i := min(end, c.rootCache.FlatSize()) - 1; len(reversed) < length && i >= 0; {
		ictx, _ := c.rootCache.FlatIndexContext(i)
		item, err := c.loadItem(ctx, ictx.Cache, ictx.Index, length-len(reversed), false)
		if err != nil {
			return flip(reversed), err
		}
		if len(reversed) > 0 && c.needsSubCache(ictx, item) {
			sub, err := ictx.Cache.EnsureSubCache(ictx.Index, item, c.sizeOf(ctx, &item))
			if err != nil {
				return flip(reversed), err
			}
			i += sub.FlatSize()
			continue
		}
		reversed = append(reversed, item)
		i--
	}
	return flip(reversed), nil
}

func flip[T any](s []T) []T {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
	return s
}
