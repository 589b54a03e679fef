// Package provider defines the backend contract for hierarchical data and
// ships the in-memory and SQLite implementations.
package provider

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
)

var (
	// ErrIllegalState reports a backend that broke its contract, such as a
	// nil item in a fetch result or a negative child count.
	ErrIllegalState = errors.New("illegal state")
	// ErrIllegalArgument reports a query the backend cannot answer, such as
	// the children of an item it does not know.
	ErrIllegalArgument = errors.New("illegal argument")
	// ErrUnsupported reports a capability the receiver does not offer.
	ErrUnsupported = errors.New("unsupported operation")
)

// HierarchyFormat tells consumers how FetchChildren shapes its result.
type HierarchyFormat int

const (
	// Nested sources return direct children only, one parent per query.
	Nested HierarchyFormat = iota
	// Flattened sources return the whole expanded subtree of the parent in
	// depth-first order and must implement Depth.
	Flattened
)

func (f HierarchyFormat) String() string {
	switch f {
	case Nested:
		return "nested"
	case Flattened:
		return "flattened"
	default:
		return fmt.Sprintf("HierarchyFormat(%d)", int(f))
	}
}

// HierarchicalDataSource is the single capability a tree backend offers.
//
// ChildCount and FetchChildren must agree for the same parent and filter,
// FetchChildren must never yield a nil item, and ID must return a stable
// identity usable as a map key.
type HierarchicalDataSource[K comparable, T any, F any] interface {
	ID(item T) K
	HierarchyFormat() HierarchyFormat
	ChildCount(ctx context.Context, q HierarchicalQuery[K, T, F]) (int, error)
	FetchChildren(ctx context.Context, q HierarchicalQuery[K, T, F]) ([]T, error)
	HasChildren(ctx context.Context, item T) (bool, error)
	// Depth is only meaningful for Flattened sources.
	Depth(item T) (int, error)
	IsInMemory() bool
	Subscribe(l DataChangeListener) (cancel func())
}

// DataChangeEvent is RefreshAll or RefreshItem.
type DataChangeEvent interface {
	dataChange()
}

// RefreshAll announces that any cached data may be stale.
type RefreshAll struct{}

// RefreshItem announces a new instance for a known identity.
type RefreshItem[T any] struct {
	Item            T
	RefreshChildren bool
}

func (RefreshAll) dataChange()     {}
func (RefreshItem[T]) dataChange() {}

// DataChangeListener receives refresh events.
type DataChangeListener func(DataChangeEvent)

// EventBus fans refresh events out to listeners in subscription order.
type EventBus struct {
	mu        sync.Mutex
	nextID    int
	listeners []listenerEntry
}

type listenerEntry struct {
	id int
	fn DataChangeListener
}

// Subscribe registers l and returns a function that removes it again.
func (b *EventBus) Subscribe(l DataChangeListener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, listenerEntry{id: id, fn: l})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, e := range b.listeners {
			if e.id == id {
				b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
				return
			}
		}
	}
}

// Fire delivers e to a snapshot of the current listeners.
func (b *EventBus) Fire(e DataChangeEvent) {
	b.mu.Lock()
	snapshot := make([]listenerEntry, len(b.listeners))
	copy(snapshot, b.listeners)
	b.mu.Unlock()
	for _, l := range snapshot {
		l.fn(e)
	}
}

// FetchChildren calls src.FetchChildren and rejects results that carry a
// nil item, before any of them can be cached.
func FetchChildren[K comparable, T any, F any](ctx context.Context, src HierarchicalDataSource[K, T, F], q HierarchicalQuery[K, T, F]) ([]T, error) {
	items, err := src.FetchChildren(ctx, q)
	if err != nil {
		return nil, err
	}
	for i, item := range items {
		if isNil(item) {
			return nil, fmt.Errorf("fetch children returned a nil item at position %d (offset %d): %w", i, q.Offset(), ErrIllegalState)
		}
	}
	return items, nil
}

// ChildCount calls src.ChildCount and rejects negative counts.
func ChildCount[K comparable, T any, F any](ctx context.Context, src HierarchicalDataSource[K, T, F], q HierarchicalQuery[K, T, F]) (int, error) {
	n, err := src.ChildCount(ctx, q)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("child count returned %d: %w", n, ErrIllegalState)
	}
	return n, nil
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
