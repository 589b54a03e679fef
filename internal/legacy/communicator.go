package legacy

import (
	"context"
	"fmt"
	"slices"

	"github.com/RoaringBitmap/roaring"

	"github.com/agentic-research/treesync/internal/keymap"
	"github.com/agentic-research/treesync/internal/logger"
	"github.com/agentic-research/treesync/internal/metrics"
	"github.com/agentic-research/treesync/internal/provider"
	"github.com/agentic-research/treesync/internal/ranges"
	"github.com/agentic-research/treesync/internal/statetree"
	"github.com/agentic-research/treesync/internal/wire"
)

type options struct {
	log     *logger.Logger
	metrics *metrics.Metrics
}

// Option configures NewCommunicator.
type Option func(*options)

func WithLogger(l *logger.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// Communicator runs one Controller per parent key the client asked for.
type Communicator[K comparable, T any, F any] struct {
	mapper     *HierarchyMapper[K, T, F]
	keys       *keymap.KeyMapper[K, T]
	generators wire.CompositeGenerator[T]
	updater    wire.HierarchicalArrayUpdater
	tree       *statetree.StateTree
	node       *statetree.StateNode
	log        *logger.Logger
	metrics    *metrics.Metrics

	controllers    map[string]*Controller[K, T, F]
	dirty          map[string]struct{}
	flushRequested bool
	unsubscribe    func()
}

func NewCommunicator[K comparable, T any, F any](
	source provider.HierarchicalDataSource[K, T, F],
	tree *statetree.StateTree,
	node *statetree.StateNode,
	updater wire.HierarchicalArrayUpdater,
	opts ...Option,
) *Communicator[K, T, F] {
	o := options{log: logger.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	c := &Communicator[K, T, F]{
		mapper:      NewHierarchyMapper(source),
		keys:        keymap.New(source.ID),
		updater:     updater,
		tree:        tree,
		node:        node,
		log:         o.log.Component("legacy"),
		metrics:     o.metrics,
		controllers: make(map[string]*Controller[K, T, F]),
		dirty:       make(map[string]struct{}),
	}
	c.unsubscribe = source.Subscribe(func(e provider.DataChangeEvent) {
		var err error
		switch e := e.(type) {
		case provider.RefreshAll:
			err = c.Reset()
		case provider.RefreshItem[T]:
			err = c.Refresh(e.Item)
		}
		if err != nil {
			c.log.Error("handling data change failed").Err(err).Send()
		}
	})
	return c
}

func (c *Communicator[K, T, F]) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
}

func (c *Communicator[K, T, F]) Mapper() *HierarchyMapper[K, T, F] { return c.mapper }

func (c *Communicator[K, T, F]) KeyMapper() *keymap.KeyMapper[K, T] { return c.keys }

func (c *Communicator[K, T, F]) AddDataGenerator(g wire.DataGenerator[T]) (remove func()) {
	return c.generators.Add(g)
}

// Controller returns the controller of parentKey, if the client asked for
// that level.
func (c *Communicator[K, T, F]) Controller(parentKey string) (*Controller[K, T, F], bool) {
	ctl, ok := c.controllers[parentKey]
	return ctl, ok
}

func (c *Communicator[K, T, F]) controller(parentKey string) *Controller[K, T, F] {
	if ctl, ok := c.controllers[parentKey]; ok {
		return ctl
	}
	ctl := newController(parentKey, c.mapper, c.keys, &c.generators, c.updater.StartUpdate, c.activate, c.log, c.metrics)
	c.controllers[parentKey] = ctl
	return ctl
}

// activate marks slot as in use again in every level, so no level releases
// a key another one just started showing.
func (c *Communicator[K, T, F]) activate(slot uint32) {
	for _, ctl := range c.controllers {
		ctl.reactivate(slot)
	}
}

// SetRequestedRange sets the requested rows of the root level.
func (c *Communicator[K, T, F]) SetRequestedRange(start, length int) error {
	if start < 0 || length < 0 {
		return fmt.Errorf("requested range [%d,+%d): %w", start, length, provider.ErrIllegalArgument)
	}
	c.controller("").SetRequestedRange(ranges.WithLength(start, length))
	return c.requestFlush("")
}

// SetParentRequestedRange sets the requested rows of the children of the
// item with parentKey. Unknown keys are ignored.
func (c *Communicator[K, T, F]) SetParentRequestedRange(start, length int, parentKey string) error {
	if start < 0 || length < 0 {
		return fmt.Errorf("requested range [%d,+%d): %w", start, length, provider.ErrIllegalArgument)
	}
	if parentKey == "" {
		return c.SetRequestedRange(start, length)
	}
	if !c.keys.ContainsKey(parentKey) {
		c.log.Debug("range requested for unknown parent key").Str("parent_key", parentKey).Send()
		return nil
	}
	c.controller(parentKey).SetRequestedRange(ranges.WithLength(start, length))
	return c.requestFlush(parentKey)
}

// ConfirmUpdate forwards a client confirmation to the controller of
// parentKey.
func (c *Communicator[K, T, F]) ConfirmUpdate(updateID int, parentKey string) error {
	ctl, ok := c.controllers[parentKey]
	if !ok {
		return fmt.Errorf("confirm update %d for parent key %q: %w", updateID, parentKey, provider.ErrIllegalArgument)
	}
	ctl.ConfirmUpdate(updateID)
	return c.requestFlush(parentKey)
}

// Expand expands items and resends their rows.
func (c *Communicator[K, T, F]) Expand(ctx context.Context, items ...T) ([]T, error) {
	var changed []T
	for _, item := range items {
		ok, err := c.mapper.Expand(ctx, item)
		if err != nil {
			return changed, err
		}
		if ok {
			changed = append(changed, item)
		}
	}
	return changed, c.refreshRows(changed)
}

// Collapse collapses items, drops the controllers of their descendants and
// resends their rows. Keys of the dropped levels are released once the client
// confirms the update that shows the collapsed row.
func (c *Communicator[K, T, F]) Collapse(items ...T) ([]T, error) {
	var changed []T
	for _, item := range items {
		if !c.mapper.Collapse(item) {
			continue
		}
		if orphans := c.dropControllersBelow(item); !orphans.IsEmpty() {
			c.owner(item).adopt(orphans)
		}
		c.mapper.DestroyData(item)
		changed = append(changed, item)
	}
	return changed, c.refreshRows(changed)
}

// dropControllersBelow removes the levels under item and returns the keys
// they held.
func (c *Communicator[K, T, F]) dropControllersBelow(item T) *roaring.Bitmap {
	orphans := roaring.New()
	id := c.mapper.Source().ID(item)
	for key, ctl := range c.controllers {
		if key == "" {
			continue
		}
		parent, ok := c.keys.Get(key)
		if !ok {
			continue
		}
		pid := c.mapper.Source().ID(parent)
		if pid == id || c.mapper.isDescendant(pid, id) {
			orphans.Or(ctl.detach())
			delete(c.controllers, key)
			delete(c.dirty, key)
		}
	}
	return orphans
}

// owner returns the level showing item, the root level when none does.
func (c *Communicator[K, T, F]) owner(item T) *Controller[K, T, F] {
	if key, ok := c.keys.ExistingKey(item); ok {
		for _, ctl := range c.controllers {
			if slices.Contains(ctl.activeKeyOrder, key) {
				return ctl
			}
		}
	}
	return c.controller("")
}

// Refresh resends item wherever it is active.
func (c *Communicator[K, T, F]) Refresh(item T) error {
	c.keys.Refresh(item)
	c.generators.Refresh(item)
	return c.refreshRows([]T{item})
}

func (c *Communicator[K, T, F]) refreshRows(items []T) error {
	if len(items) == 0 {
		return nil
	}
	for key, ctl := range c.controllers {
		for _, item := range items {
			ctl.Refresh(item)
		}
		if err := c.requestFlush(key); err != nil {
			return err
		}
	}
	return nil
}

// Reset drops every child level and resends the root level from scratch.
func (c *Communicator[K, T, F]) Reset() error {
	for key, ctl := range c.controllers {
		if key == "" {
			continue
		}
		ctl.destroy()
		delete(c.controllers, key)
		delete(c.dirty, key)
	}
	c.mapper.DestroyAllData()
	root := c.controller("")
	root.SetResendEntireRange()
	return c.requestFlush("")
}

func (c *Communicator[K, T, F]) requestFlush(parentKey string) error {
	c.dirty[parentKey] = struct{}{}
	if c.flushRequested {
		return nil
	}
	_, err := c.tree.BeforeClientResponse(c.node, func(ec statetree.ExecutionContext) error {
		c.flushRequested = false
		ctx := ec.Context
		if ctx == nil {
			ctx = context.Background()
		}
		if !ec.ClientSideInitialized {
			c.updater.Initialize()
		}
		return c.Flush(ctx)
	})
	if err != nil {
		return err
	}
	c.flushRequested = true
	return nil
}

// Flush flushes every controller with pending work, root level first.
func (c *Communicator[K, T, F]) Flush(ctx context.Context) error {
	keys := make([]string, 0, len(c.dirty))
	for k := range c.dirty {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	clear(c.dirty)
	for _, key := range keys {
		ctl, ok := c.controllers[key]
		if !ok {
			continue
		}
		if _, err := ctl.Flush(ctx); err != nil {
			return fmt.Errorf("flush parent key %q: %w", key, err)
		}
	}
	return nil
}
