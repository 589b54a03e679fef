// Package communicator keeps a remote renderer in sync with a lazily loaded
// hierarchical data source.
//
// The communicator materializes only what the viewport needs into a
// treecache.RootCache, tracks which items are expanded, and on every flush
// sends the visible window of the depth-first flattened tree through a
// wire.ArrayUpdater under a fresh update id. Keys that leave the window stay
// resolvable until the client confirms the update that dropped them.
//
// A communicator is bound to a state node. Flushes run as before-response
// callbacks of that node, so all calls must happen under the session lock.
package communicator

import (
	"context"
	"errors"
	"fmt"

	"github.com/RoaringBitmap/roaring"

	"github.com/agentic-research/treesync/internal/keymap"
	"github.com/agentic-research/treesync/internal/logger"
	"github.com/agentic-research/treesync/internal/metrics"
	"github.com/agentic-research/treesync/internal/provider"
	"github.com/agentic-research/treesync/internal/statetree"
	"github.com/agentic-research/treesync/internal/treecache"
	"github.com/agentic-research/treesync/internal/wire"
)

type options struct {
	log     *logger.Logger
	metrics *metrics.Metrics
}

// Option configures New.
type Option func(*options)

// WithLogger sets the logger. Default is a no-op logger.
func WithLogger(l *logger.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithMetrics records backend calls and flushes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// HierarchicalDataCommunicator synchronizes one source with one client.
type HierarchicalDataCommunicator[K comparable, T any, F any] struct {
	source  provider.HierarchicalDataSource[K, T, F]
	tree    *statetree.StateTree
	node    *statetree.StateNode
	updater wire.ArrayUpdater
	log     *logger.Logger
	metrics *metrics.Metrics

	generators  wire.CompositeGenerator[T]
	keys        *keymap.KeyMapper[K, T]
	passivation *keymap.Passivation
	activeKeys  *roaring.Bitmap

	rootCache *treecache.RootCache[K, T]
	expanded  map[K]struct{}

	filter          *F
	inMemorySorting provider.Comparator[T]
	backEndSorting  []provider.QuerySortOrder

	viewportStart  int
	viewportLength int

	flushRequested   bool
	releaseRequested bool
	nextUpdateID     int

	unsubscribe func()
}

// New binds a communicator for source to node. Updates go to updater.
func New[K comparable, T any, F any](
	source provider.HierarchicalDataSource[K, T, F],
	tree *statetree.StateTree,
	node *statetree.StateNode,
	updater wire.ArrayUpdater,
	opts ...Option,
) *HierarchicalDataCommunicator[K, T, F] {
	o := options{log: logger.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	c := &HierarchicalDataCommunicator[K, T, F]{
		source:      source,
		tree:        tree,
		node:        node,
		updater:     updater,
		log:         o.log.Component("communicator"),
		metrics:     o.metrics,
		keys:        keymap.New(source.ID),
		passivation: keymap.NewPassivation(),
		activeKeys:  roaring.New(),
		expanded:    make(map[K]struct{}),
	}
	c.unsubscribe = source.Subscribe(c.onDataChange)
	return c
}

// Close stops listening to the source.
func (c *HierarchicalDataCommunicator[K, T, F]) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
}

func (c *HierarchicalDataCommunicator[K, T, F]) onDataChange(e provider.DataChangeEvent) {
	var err error
	switch e := e.(type) {
	case provider.RefreshAll:
		err = c.Reset()
	case provider.RefreshItem[T]:
		err = c.Refresh(context.Background(), e.Item, e.RefreshChildren)
	}
	if err != nil {
		c.log.Error("handling data change failed").Err(err).Send()
	}
}

// KeyMapper exposes the item keys the client sees.
func (c *HierarchicalDataCommunicator[K, T, F]) KeyMapper() *keymap.KeyMapper[K, T] { return c.keys }

// AddDataGenerator adds fields to every generated record.
func (c *HierarchicalDataCommunicator[K, T, F]) AddDataGenerator(g wire.DataGenerator[T]) (remove func()) {
	return c.generators.Add(g)
}

func (c *HierarchicalDataCommunicator[K, T, F]) flattened() bool {
	return c.source.HierarchyFormat() == provider.Flattened
}

// IsExpanded reports whether item's identity is in the expanded set.
func (c *HierarchicalDataCommunicator[K, T, F]) IsExpanded(item T) bool {
	return c.isExpandedID(c.source.ID(item))
}

func (c *HierarchicalDataCommunicator[K, T, F]) isExpandedID(id K) bool {
	_, ok := c.expanded[id]
	return ok
}

// Expand marks items as expanded and returns the ones that were not yet
// expanded and have children. Child levels load on the next access.
func (c *HierarchicalDataCommunicator[K, T, F]) Expand(ctx context.Context, items ...T) ([]T, error) {
	var changed []T
	for _, item := range items {
		id := c.source.ID(item)
		if c.isExpandedID(id) {
			continue
		}
		has, err := c.source.HasChildren(ctx, item)
		if err != nil {
			return changed, fmt.Errorf("expand %v: %w", id, err)
		}
		if !has {
			continue
		}
		c.expanded[id] = struct{}{}
		changed = append(changed, item)
	}
	if len(changed) == 0 {
		return nil, nil
	}
	if c.flattened() {
		c.resetRootCache()
	}
	c.metrics.SetExpandedItems(len(c.expanded))
	return changed, c.RequestFlush()
}

// Collapse removes items from the expanded set and returns the ones that
// were expanded. Child levels whose parent is no longer expanded are dropped
// in one sweep.
func (c *HierarchicalDataCommunicator[K, T, F]) Collapse(items ...T) ([]T, error) {
	var changed []T
	for _, item := range items {
		id := c.source.ID(item)
		if !c.isExpandedID(id) {
			continue
		}
		delete(c.expanded, id)
		changed = append(changed, item)
	}
	if len(changed) == 0 {
		return nil, nil
	}
	switch {
	case c.flattened():
		c.resetRootCache()
	case c.rootCache != nil:
		c.rootCache.RemoveDescendantCacheIf(func(sub *treecache.Cache[K, T]) bool {
			parent, ok := sub.ParentItem()
			return ok && !c.IsExpanded(parent)
		})
	}
	c.metrics.SetExpandedItems(len(c.expanded))
	return changed, c.RequestFlush()
}

// Refresh swaps in a new instance of item. With refreshChildren its child
// level is dropped and re-sized with a count query; children are fetched
// lazily again.
func (c *HierarchicalDataCommunicator[K, T, F]) Refresh(ctx context.Context, item T, refreshChildren bool) error {
	if refreshChildren && c.flattened() {
		return fmt.Errorf("refresh children of a %s source: %w", c.source.HierarchyFormat(), provider.ErrUnsupported)
	}
	c.keys.Refresh(item)
	c.generators.Refresh(item)
	if c.rootCache == nil {
		return c.RequestFlush()
	}
	ictx, ok := c.rootCache.ContextByItem(item)
	if !ok {
		return c.RequestFlush()
	}
	ictx.Cache.RefreshItem(item)
	if refreshChildren && ictx.Cache.HasSubCache(ictx.Index) {
		ictx.Cache.RemoveSubCache(ictx.Index)
		if c.IsExpanded(item) {
			if _, err := ictx.Cache.EnsureSubCache(ictx.Index, item, c.sizeOf(ctx, &item)); err != nil {
				return err
			}
		}
	}
	return c.RequestFlush()
}

// Reset drops the whole cache together with every key and generated data.
// Expanded identities are kept but their loaded levels are gone, so the
// item at a given flat index may change.
func (c *HierarchicalDataCommunicator[K, T, F]) Reset() error {
	c.resetRootCache()
	c.keys.RemoveAll()
	c.passivation.Reset()
	c.activeKeys.Clear()
	c.generators.DestroyAll()
	return c.RequestFlush()
}

func (c *HierarchicalDataCommunicator[K, T, F]) resetRootCache() {
	if c.rootCache != nil {
		c.rootCache.Clear()
		c.rootCache = nil
	}
}

// SetFilter replaces the query filter (nil removes it) and reloads.
func (c *HierarchicalDataCommunicator[K, T, F]) SetFilter(filter *F) error {
	if filter == nil {
		c.filter = nil
	} else {
		f := *filter
		c.filter = &f
	}
	c.resetRootCache()
	return c.RequestFlush()
}

// SetInMemorySorting replaces the query comparator and reloads.
func (c *HierarchicalDataCommunicator[K, T, F]) SetInMemorySorting(cmp provider.Comparator[T]) error {
	c.inMemorySorting = cmp
	c.resetRootCache()
	return c.RequestFlush()
}

// SetBackEndSorting replaces the backend sort orders and reloads.
func (c *HierarchicalDataCommunicator[K, T, F]) SetBackEndSorting(orders ...provider.QuerySortOrder) error {
	c.backEndSorting = append([]provider.QuerySortOrder(nil), orders...)
	c.resetRootCache()
	return c.RequestFlush()
}

// FlatSize is the number of rows currently known, 0 before the first load.
func (c *HierarchicalDataCommunicator[K, T, F]) FlatSize() int {
	if c.rootCache == nil {
		return 0
	}
	return c.rootCache.FlatSize()
}

// Depth of a materialized item, or -1.
func (c *HierarchicalDataCommunicator[K, T, F]) Depth(item T) int {
	if c.flattened() {
		d, err := c.source.Depth(item)
		if err != nil {
			return -1
		}
		return d
	}
	if c.rootCache == nil {
		return -1
	}
	ictx, ok := c.rootCache.ContextByItem(item)
	if !ok {
		return -1
	}
	return ictx.Cache.Depth()
}

// Item returns the item at a flat index, loading it when needed.
func (c *HierarchicalDataCommunicator[K, T, F]) Item(ctx context.Context, flatIndex int) (T, error) {
	var zero T
	if err := c.ensureRootCache(ctx); err != nil {
		return zero, err
	}
	if flatIndex < 0 || flatIndex >= c.rootCache.FlatSize() {
		return zero, fmt.Errorf("flat index %d of %d: %w", flatIndex, c.rootCache.FlatSize(), treecache.ErrIndexOutOfBounds)
	}
	items, err := c.PreloadFlatRangeForward(ctx, flatIndex, 1)
	if err != nil {
		return zero, err
	}
	return items[0], nil
}

// ResolveIndexPath loads and expands the items along path, a list of local
// indices starting at the root level, and returns the flat index of the
// last one. Negative steps count from the end of their level.
func (c *HierarchicalDataCommunicator[K, T, F]) ResolveIndexPath(ctx context.Context, path ...int) (int, error) {
	if c.flattened() {
		return -1, fmt.Errorf("index paths on a %s source: %w", c.source.HierarchyFormat(), provider.ErrUnsupported)
	}
	if err := c.ensureRootCache(ctx); err != nil {
		return -1, err
	}
	cache := c.rootCache.Cache
	expandedAny := false
	for i, step := range path {
		index, err := cache.NormalizeIndex(step)
		if err != nil {
			return -1, fmt.Errorf("path step %d: %w", i, err)
		}
		item, err := c.loadItem(ctx, cache, index, 1, true)
		if err != nil {
			return -1, err
		}
		if i == len(path)-1 {
			break
		}
		if !c.IsExpanded(item) {
			changed, err := c.Expand(ctx, item)
			if err != nil {
				return -1, err
			}
			if len(changed) == 0 {
				return -1, fmt.Errorf("path step %d: item has no children: %w", i, provider.ErrIllegalArgument)
			}
			expandedAny = true
		}
		sub, err := cache.EnsureSubCache(index, item, c.sizeOf(ctx, &item))
		if err != nil {
			return -1, err
		}
		cache = sub
	}
	flat, err := c.rootCache.FlatIndexByPath(path...)
	if err != nil {
		return -1, err
	}
	if !expandedAny {
		err = c.RequestFlush()
	}
	return flat, err
}

// SetItemCountEstimate is not supported; the communicator needs exact sizes.
func (c *HierarchicalDataCommunicator[K, T, F]) SetItemCountEstimate(int) error {
	return fmt.Errorf("item count estimate: %w", provider.ErrUnsupported)
}

// SetItemCountEstimateIncrease is not supported.
func (c *HierarchicalDataCommunicator[K, T, F]) SetItemCountEstimateIncrease(int) error {
	return fmt.Errorf("item count estimate increase: %w", provider.ErrUnsupported)
}

// SetDefinedSize accepts only true.
func (c *HierarchicalDataCommunicator[K, T, F]) SetDefinedSize(defined bool) error {
	if defined {
		return nil
	}
	return errors.Join(errors.New("undefined size"), provider.ErrUnsupported)
}
