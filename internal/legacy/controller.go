package legacy

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/RoaringBitmap/roaring"

	"github.com/agentic-research/treesync/internal/keymap"
	"github.com/agentic-research/treesync/internal/logger"
	"github.com/agentic-research/treesync/internal/metrics"
	"github.com/agentic-research/treesync/internal/provider"
	"github.com/agentic-research/treesync/internal/ranges"
	"github.com/agentic-research/treesync/internal/wire"
)

// Controller syncs the children of one parent key. The root level uses the
// empty key.
type Controller[K comparable, T any, F any] struct {
	parentKey   string
	mapper      *HierarchyMapper[K, T, F]
	keys        *keymap.KeyMapper[K, T]
	generators  *wire.CompositeGenerator[T]
	startUpdate func(size int) wire.HierarchicalUpdate
	passivation *keymap.Passivation
	activate    func(slot uint32)
	log         *logger.Logger
	metrics     *metrics.Metrics

	assumedSize       int
	requested         ranges.Range
	activeStart       int
	activeKeyOrder    []string
	resendEntireRange bool
	updated           map[string]struct{}
	nextUpdateID      int

	// keys of collapsed child levels, passivated with the next update
	orphans *roaring.Bitmap
}

func newController[K comparable, T any, F any](
	parentKey string,
	mapper *HierarchyMapper[K, T, F],
	keys *keymap.KeyMapper[K, T],
	generators *wire.CompositeGenerator[T],
	startUpdate func(size int) wire.HierarchicalUpdate,
	activate func(slot uint32),
	log *logger.Logger,
	m *metrics.Metrics,
) *Controller[K, T, F] {
	return &Controller[K, T, F]{
		parentKey:         parentKey,
		mapper:            mapper,
		keys:              keys,
		generators:        generators,
		startUpdate:       startUpdate,
		passivation:       keymap.NewPassivation(),
		activate:          activate,
		log:               log.WithFields(map[string]any{"parent_key": parentKey}),
		metrics:           m,
		resendEntireRange: true,
		updated:           make(map[string]struct{}),
		orphans:           roaring.New(),
	}
}

func (c *Controller[K, T, F]) ParentKey() string { return c.parentKey }

// SetRequestedRange sets the rows of this level the client wants.
func (c *Controller[K, T, F]) SetRequestedRange(r ranges.Range) { c.requested = r }

func (c *Controller[K, T, F]) RequestedRange() ranges.Range { return c.requested }

// ActiveKeys returns the keys the client holds for this level, in row order.
func (c *Controller[K, T, F]) ActiveKeys() []string { return slices.Clone(c.activeKeyOrder) }

// SetResendEntireRange makes the next flush clear and resend every row.
func (c *Controller[K, T, F]) SetResendEntireRange() { c.resendEntireRange = true }

// Refresh resends item on the next flush when it is active here.
func (c *Controller[K, T, F]) Refresh(item T) {
	key, ok := c.keys.ExistingKey(item)
	if ok && slices.Contains(c.activeKeyOrder, key) {
		c.updated[key] = struct{}{}
	}
}

// ConfirmUpdate queues updateID for release.
func (c *Controller[K, T, F]) ConfirmUpdate(updateID int) { c.passivation.Confirm(updateID) }

// UnregisterPassivatedKeys frees the keys dropped by confirmed updates.
func (c *Controller[K, T, F]) UnregisterPassivatedKeys() int {
	released := c.passivation.Release()
	n := 0
	it := released.Iterator()
	for it.HasNext() {
		item, ok := c.keys.RemoveSlot(it.Next())
		if !ok {
			continue
		}
		c.generators.Destroy(item)
		n++
	}
	if n > 0 {
		c.metrics.RecordReleased(n)
	}
	return n
}

// reactivate takes slot out of this level's pending releases.
func (c *Controller[K, T, F]) reactivate(slot uint32) {
	c.passivation.Activate(slot)
	c.orphans.Remove(slot)
}

// adopt takes over keys of a dropped child level. They stay registered until
// the client confirms this level's next update.
func (c *Controller[K, T, F]) adopt(slots *roaring.Bitmap) { c.orphans.Or(slots) }

// detach empties the level and returns every key it still held, active or
// waiting for a confirmation.
func (c *Controller[K, T, F]) detach() *roaring.Bitmap {
	out := keySlots(c.activeKeyOrder)
	out.Or(c.passivation.Pending())
	out.Or(c.orphans)
	c.activeKeyOrder = nil
	c.passivation.Reset()
	c.orphans.Clear()
	return out
}

// destroy frees every key this level holds right away.
func (c *Controller[K, T, F]) destroy() {
	it := c.detach().Iterator()
	for it.HasNext() {
		if item, ok := c.keys.RemoveSlot(it.Next()); ok {
			c.generators.Destroy(item)
		}
	}
}

func (c *Controller[K, T, F]) parentItem() (*T, bool) {
	if c.parentKey == "" {
		return nil, true
	}
	p, ok := c.keys.Get(c.parentKey)
	if !ok {
		return nil, false
	}
	return &p, true
}

// Flush sends what changed in this level since the last flush and commits
// it under the controller's next update id. It reports whether anything was
// sent.
func (c *Controller[K, T, F]) Flush(ctx context.Context) (bool, error) {
	begin := time.Now()
	c.UnregisterPassivatedKeys()

	parent, ok := c.parentItem()
	if !ok {
		return false, nil
	}
	size, err := c.mapper.CountChildItems(ctx, parent)
	if err != nil {
		return false, err
	}
	previousSize := c.assumedSize
	sizeChanged := size != previousSize
	c.assumedSize = size

	previous := ranges.WithLength(c.activeStart, len(c.activeKeyOrder))
	effective := c.requested.RestrictTo(ranges.WithLength(0, size))
	if !previous.Intersects(effective) && !(previous.IsEmpty() && effective.IsEmpty()) {
		c.resendEntireRange = true
	}

	newKeys, err := c.collectKeys(ctx, parent, previous, effective)
	if err != nil {
		c.assumedSize = previousSize
		return false, err
	}
	oldKeys, oldStart := c.activeKeyOrder, c.activeStart
	c.activeKeyOrder = newKeys
	c.activeStart = effective.Start

	update := c.startUpdate(size)
	sent, err := c.collectChanges(ctx, previous, effective, update)
	if err != nil {
		// the client still holds the previous rows
		c.activeKeyOrder, c.activeStart = oldKeys, oldStart
		c.assumedSize = previousSize
		return false, err
	}
	sent = sent || sizeChanged || c.resendEntireRange
	c.resendEntireRange = false
	clear(c.updated)
	if !sent {
		return false, nil
	}

	updateID := c.nextUpdateID
	c.nextUpdateID++
	if c.parentKey == "" {
		update.Commit(updateID)
	} else {
		update.CommitForParent(updateID, c.parentKey, size)
	}

	dropped := keySlots(oldKeys)
	dropped.Or(c.orphans)
	dropped.AndNot(keySlots(newKeys))
	c.orphans.Clear()
	c.passivation.Passivate(updateID, dropped)
	passivated := int(dropped.GetCardinality())

	d := time.Since(begin)
	c.log.LogFlush(updateID, effective.Start, effective.Len(), size, passivated, d, nil)
	c.metrics.RecordFlush(d, nil)
	c.metrics.RecordPassivated(passivated)
	return true, nil
}

func keySlots(keys []string) *roaring.Bitmap {
	bm := roaring.New()
	for _, k := range keys {
		if slot, ok := keymap.ParseKey(k); ok {
			bm.Add(slot)
		}
	}
	return bm
}

// collectKeys returns the key order of the new active range. Rows the
// client already holds keep their keys; only the new edges are fetched.
func (c *Controller[K, T, F]) collectKeys(ctx context.Context, parent *T, previous, effective ranges.Range) ([]string, error) {
	fetch := func(r ranges.Range) ([]string, error) {
		if r.IsEmpty() {
			return nil, nil
		}
		items, err := c.mapper.FetchChildItems(ctx, parent, r)
		if err != nil {
			return nil, err
		}
		if len(items) != r.Len() {
			return nil, fmt.Errorf("fetch %s of parent key %q returned %d items: %w",
				r, c.parentKey, len(items), provider.ErrIllegalState)
		}
		keys := make([]string, len(items))
		for i, item := range items {
			slot := c.keys.Slot(item)
			c.activate(slot)
			keys[i] = keymap.KeyForSlot(slot)
		}
		return keys, nil
	}

	if c.resendEntireRange {
		return fetch(effective)
	}

	parts := effective.PartitionWith(previous)
	left, err := fetch(parts[0])
	if err != nil {
		return nil, err
	}
	var kept []string
	if !parts[1].IsEmpty() {
		middle := parts[1].OffsetBy(-previous.Start)
		kept = slices.Clone(c.activeKeyOrder[middle.Start:middle.End])
	}
	right, err := fetch(parts[2])
	if err != nil {
		return nil, err
	}
	return slices.Concat(left, kept, right), nil
}

// collectChanges writes the clears and sets of this flush into update.
func (c *Controller[K, T, F]) collectChanges(ctx context.Context, previous, effective ranges.Range, update wire.HierarchicalUpdate) (bool, error) {
	sent := false
	set := func(r ranges.Range) error {
		if r.IsEmpty() {
			return nil
		}
		records, err := c.records(ctx, r)
		if err != nil {
			return err
		}
		c.set(update, r.Start, records)
		sent = true
		return nil
	}

	if c.resendEntireRange {
		if !previous.IsEmpty() {
			c.clear(update, previous)
		}
		if err := set(effective); err != nil {
			return false, err
		}
		return true, nil
	}

	for _, r := range previous.Without(effective) {
		if !r.IsEmpty() {
			c.clear(update, r)
			sent = true
		}
	}
	for _, r := range effective.Without(previous) {
		if err := set(r); err != nil {
			return false, err
		}
	}
	// refreshed rows that were kept
	for i, key := range c.activeKeyOrder {
		if _, ok := c.updated[key]; !ok {
			continue
		}
		row := c.activeStart + i
		if previous.Contains(row) && effective.Contains(row) {
			if err := set(ranges.WithLength(row, 1)); err != nil {
				return false, err
			}
		}
	}
	return sent, nil
}

func (c *Controller[K, T, F]) set(update wire.HierarchicalUpdate, start int, records []wire.Record) {
	if c.parentKey == "" {
		update.Set(start, records)
		return
	}
	update.SetForParent(start, records, c.parentKey)
}

func (c *Controller[K, T, F]) clear(update wire.HierarchicalUpdate, r ranges.Range) {
	if c.parentKey == "" {
		update.Clear(r.Start, r.Len())
		return
	}
	update.ClearForParent(r.Start, r.Len(), c.parentKey)
}

// records generates the rows r of the active range.
func (c *Controller[K, T, F]) records(ctx context.Context, r ranges.Range) ([]wire.Record, error) {
	out := make([]wire.Record, 0, r.Len())
	for row := r.Start; row < r.End; row++ {
		key := c.activeKeyOrder[row-c.activeStart]
		item, ok := c.keys.Get(key)
		if !ok {
			continue
		}
		hasChildren, err := c.mapper.HasChildren(ctx, item)
		if err != nil {
			return nil, err
		}
		rec := wire.Record{}
		c.generators.Generate(item, rec)
		rec[wire.FieldKey] = key
		rec[wire.FieldLevel] = c.mapper.Depth(item)
		rec[wire.FieldExpanded] = c.mapper.IsExpanded(&item)
		rec[wire.FieldHasChildren] = hasChildren
		if c.parentKey != "" {
			rec[wire.FieldParentKey] = c.parentKey
		}
		out = append(out, rec)
	}
	return out, nil
}
