package communicator

import (
	"context"
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring"

	"github.com/agentic-research/treesync/internal/keymap"
	"github.com/agentic-research/treesync/internal/provider"
	"github.com/agentic-research/treesync/internal/statetree"
	"github.com/agentic-research/treesync/internal/wire"
)

// Viewport returns the requested flat range as last clamped by a flush.
func (c *HierarchicalDataCommunicator[K, T, F]) Viewport() (start, length int) {
	return c.viewportStart, c.viewportLength
}

// SetViewportRange sets the flat range the client displays.
func (c *HierarchicalDataCommunicator[K, T, F]) SetViewportRange(start, length int) error {
	if start < 0 || length < 0 {
		return fmt.Errorf("viewport [%d,+%d): %w", start, length, provider.ErrIllegalArgument)
	}
	c.viewportStart, c.viewportLength = start, length
	return c.RequestFlush()
}

// RequestFlush schedules a flush before the next response. Repeated requests
// before that collapse into one.
func (c *HierarchicalDataCommunicator[K, T, F]) RequestFlush() error {
	if c.flushRequested {
		return nil
	}
	_, err := c.tree.BeforeClientResponse(c.node, func(ec statetree.ExecutionContext) error {
		c.flushRequested = false
		return c.flush(ec)
	})
	if err != nil {
		return err
	}
	c.flushRequested = true
	return nil
}

// FlushPending reports whether a flush is scheduled.
func (c *HierarchicalDataCommunicator[K, T, F]) FlushPending() bool { return c.flushRequested }

// ConfirmUpdate records that the client applied updateID. Keys dropped by
// that update and all older ones are released before the next response.
func (c *HierarchicalDataCommunicator[K, T, F]) ConfirmUpdate(updateID int) error {
	if updateID < 0 || updateID >= c.nextUpdateID {
		return fmt.Errorf("confirm update %d, next is %d: %w", updateID, c.nextUpdateID, provider.ErrIllegalArgument)
	}
	c.passivation.Confirm(updateID)
	if c.releaseRequested {
		return nil
	}
	_, err := c.tree.BeforeClientResponse(c.node, func(statetree.ExecutionContext) error {
		c.releaseRequested = false
		c.UnregisterPassivatedKeys()
		return nil
	})
	if err != nil {
		return err
	}
	c.releaseRequested = true
	return nil
}

// UnregisterPassivatedKeys drops the keys of confirmed updates, together
// with their generated data. It returns how many keys went away.
func (c *HierarchicalDataCommunicator[K, T, F]) UnregisterPassivatedKeys() int {
	released := c.passivation.Release()
	n := 0
	it := released.Iterator()
	for it.HasNext() {
		slot := it.Next()
		if c.activeKeys.Contains(slot) {
			continue
		}
		item, ok := c.keys.RemoveSlot(slot)
		if !ok {
			continue
		}
		c.generators.Destroy(item)
		n++
	}
	if n > 0 {
		c.metrics.RecordReleased(n)
		c.log.Debug("passivated keys released").Int("count", n).Send()
	}
	return n
}

// LastUpdateID is the id of the most recent flush, or -1.
func (c *HierarchicalDataCommunicator[K, T, F]) LastUpdateID() int { return c.nextUpdateID - 1 }

// PendingUpdates lists update ids whose dropped keys wait for confirmation.
func (c *HierarchicalDataCommunicator[K, T, F]) PendingUpdates() []int {
	return c.passivation.PendingUpdates()
}

func (c *HierarchicalDataCommunicator[K, T, F]) flush(ec statetree.ExecutionContext) error {
	begin := time.Now()
	ctx := ec.Context
	if ctx == nil {
		ctx = context.Background()
	}
	if !ec.ClientSideInitialized {
		c.updater.Initialize()
	}

	updateID := c.nextUpdateID
	start, n, flatSize, passivated, err := c.sendViewport(ctx, updateID)
	d := time.Since(begin)
	c.log.LogFlush(updateID, start, n, flatSize, passivated, d, err)
	c.metrics.RecordFlush(d, err)
	return err
}

func (c *HierarchicalDataCommunicator[K, T, F]) sendViewport(ctx context.Context, updateID int) (start, n, flatSize, passivated int, err error) {
	if err = c.ensureRootCache(ctx); err != nil {
		return 0, 0, 0, 0, err
	}

	start, length := c.viewportStart, c.viewportLength
	if size := c.rootCache.FlatSize(); start+length > size {
		start = max(0, size-length)
		c.viewportStart = start
	}
	items, err := c.PreloadFlatRangeForward(ctx, start, length)
	if err != nil {
		return start, 0, c.rootCache.FlatSize(), 0, err
	}

	records := make([]wire.Record, len(items))
	active := roaring.New()
	for i, item := range items {
		rec, slot, err := c.generate(ctx, item)
		if err != nil {
			return start, 0, c.rootCache.FlatSize(), 0, err
		}
		records[i] = rec
		active.Add(slot)
	}

	flatSize = c.rootCache.FlatSize()
	end := start + len(items)
	update := c.updater.StartUpdate(flatSize)
	update.Clear(0, start)
	update.Set(start, records)
	update.Clear(end, flatSize-end)
	update.Commit(updateID)
	c.nextUpdateID++

	dropped := roaring.AndNot(c.activeKeys, active)
	c.passivation.Passivate(updateID, dropped)
	reused := roaring.AndNot(active, c.activeKeys)
	it := reused.Iterator()
	for it.HasNext() {
		c.passivation.Activate(it.Next())
	}
	c.activeKeys = active

	passivated = int(dropped.GetCardinality())
	c.metrics.RecordPassivated(passivated)
	c.metrics.SetActiveKeys(int(active.GetCardinality()))
	return start, len(items), flatSize, passivated, nil
}

// generate builds the wire record of item and returns the key slot used.
func (c *HierarchicalDataCommunicator[K, T, F]) generate(ctx context.Context, item T) (wire.Record, uint32, error) {
	hasChildren, err := c.source.HasChildren(ctx, item)
	if err != nil {
		return nil, 0, err
	}
	slot := c.keys.Slot(item)
	rec := wire.Record{}
	c.generators.Generate(item, rec)
	rec[wire.FieldKey] = keymap.KeyForSlot(slot)
	rec[wire.FieldLevel] = c.Depth(item)
	rec[wire.FieldExpanded] = c.IsExpanded(item)
	rec[wire.FieldHasChildren] = hasChildren
	return rec, slot, nil
}
