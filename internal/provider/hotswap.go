package provider

import (
	"context"
	"sync"
)

// HotSwap is a thread-safe wrapper that allows swapping the underlying source.
// Subscribers stay attached across swaps and receive a RefreshAll for each one.
type HotSwap[K comparable, T any, F any] struct {
	mu      sync.RWMutex
	current HierarchicalDataSource[K, T, F]
	forward func() // cancels the subscription on current
	events  EventBus
}

func NewHotSwap[K comparable, T any, F any](initial HierarchicalDataSource[K, T, F]) *HotSwap[K, T, F] {
	h := &HotSwap[K, T, F]{current: initial}
	h.forward = initial.Subscribe(h.events.Fire)
	return h
}

// Swap atomically replaces the current source and announces a full refresh.
func (h *HotSwap[K, T, F]) Swap(next HierarchicalDataSource[K, T, F]) {
	h.mu.Lock()
	h.forward()
	h.current = next
	h.forward = next.Subscribe(h.events.Fire)
	h.mu.Unlock()
	h.events.Fire(RefreshAll{})
}

// Current returns the source queries are delegated to.
func (h *HotSwap[K, T, F]) Current() HierarchicalDataSource[K, T, F] {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// ID delegates to current source.
func (h *HotSwap[K, T, F]) ID(item T) K { return h.Current().ID(item) }

// HierarchyFormat delegates to current source.
func (h *HotSwap[K, T, F]) HierarchyFormat() HierarchyFormat { return h.Current().HierarchyFormat() }

// ChildCount delegates to current source.
func (h *HotSwap[K, T, F]) ChildCount(ctx context.Context, q HierarchicalQuery[K, T, F]) (int, error) {
	return h.Current().ChildCount(ctx, q)
}

// FetchChildren delegates to current source.
func (h *HotSwap[K, T, F]) FetchChildren(ctx context.Context, q HierarchicalQuery[K, T, F]) ([]T, error) {
	return h.Current().FetchChildren(ctx, q)
}

// HasChildren delegates to current source.
func (h *HotSwap[K, T, F]) HasChildren(ctx context.Context, item T) (bool, error) {
	return h.Current().HasChildren(ctx, item)
}

// Depth delegates to current source.
func (h *HotSwap[K, T, F]) Depth(item T) (int, error) { return h.Current().Depth(item) }

// IsInMemory delegates to current source.
func (h *HotSwap[K, T, F]) IsInMemory() bool { return h.Current().IsInMemory() }

func (h *HotSwap[K, T, F]) Subscribe(l DataChangeListener) func() {
	return h.events.Subscribe(l)
}
