package provider

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// TreeDataProvider serves a TreeData. Its filter type is Predicate[T].
//
// Filtering keeps an item when it or any of its descendants matches, so the
// ancestors of a match stay visible. The provider's own filter is ANDed with
// the query filter. Sorting applies the query's in-memory comparator first and
// the provider comparator as a tie-break.
type TreeDataProvider[K comparable, T any] struct {
	data   *TreeData[K, T]
	format HierarchyFormat
	events EventBus

	mu         sync.RWMutex
	filter     Predicate[T]
	comparator Comparator[T]
}

var _ HierarchicalDataSource[string, string, Predicate[string]] = (*TreeDataProvider[string, string])(nil)

// NewTreeDataProvider serves data in the given format.
func NewTreeDataProvider[K comparable, T any](data *TreeData[K, T], format HierarchyFormat) *TreeDataProvider[K, T] {
	return &TreeDataProvider[K, T]{data: data, format: format}
}

func (p *TreeDataProvider[K, T]) TreeData() *TreeData[K, T] { return p.data }

func (p *TreeDataProvider[K, T]) ID(item T) K { return p.data.idOf(item) }

func (p *TreeDataProvider[K, T]) HierarchyFormat() HierarchyFormat { return p.format }

func (p *TreeDataProvider[K, T]) IsInMemory() bool { return true }

func (p *TreeDataProvider[K, T]) Subscribe(l DataChangeListener) func() {
	return p.events.Subscribe(l)
}

// SetFilter replaces the provider filter (nil removes it) and announces a
// full refresh.
func (p *TreeDataProvider[K, T]) SetFilter(filter Predicate[T]) {
	p.mu.Lock()
	p.filter = filter
	p.mu.Unlock()
	p.RefreshAll()
}

// AddFilter ANDs filter with the current provider filter.
func (p *TreeDataProvider[K, T]) AddFilter(filter Predicate[T]) {
	p.mu.Lock()
	p.filter = and(p.filter, filter)
	p.mu.Unlock()
	p.RefreshAll()
}

// SetSortComparator replaces the provider comparator (nil removes it).
func (p *TreeDataProvider[K, T]) SetSortComparator(cmp Comparator[T]) {
	p.mu.Lock()
	p.comparator = cmp
	p.mu.Unlock()
	p.RefreshAll()
}

// RefreshAll tells subscribers that everything may have changed.
func (p *TreeDataProvider[K, T]) RefreshAll() { p.events.Fire(RefreshAll{}) }

// RefreshItem tells subscribers item has a new instance.
func (p *TreeDataProvider[K, T]) RefreshItem(item T, refreshChildren bool) {
	p.events.Fire(RefreshItem[T]{Item: item, RefreshChildren: refreshChildren})
}

func (p *TreeDataProvider[K, T]) ChildCount(ctx context.Context, q HierarchicalQuery[K, T, Predicate[T]]) (int, error) {
	items, err := p.FetchChildren(ctx, q)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

func (p *TreeDataProvider[K, T]) FetchChildren(_ context.Context, q HierarchicalQuery[K, T, Predicate[T]]) ([]T, error) {
	parent := q.ParentRef()
	if parent != nil && !p.data.Contains(*parent) {
		return nil, fmt.Errorf("the queried item %v could not be found in the backing TreeData; "+
			"did you forget to refresh this data provider after item removal? %w", p.data.idOf(*parent), ErrIllegalArgument)
	}

	p.mu.RLock()
	filter := p.filter
	cmp := p.comparator
	p.mu.RUnlock()

	if qf, ok := q.Filter(); ok {
		filter = and(filter, qf)
	}
	if qc := q.InMemorySorting(); qc != nil {
		cmp = thenComparing(qc, cmp)
	}

	var (
		items []T
		err   error
	)
	if p.format == Flattened {
		items, err = p.flatten(parent, q, filter, cmp)
	} else {
		items, err = p.filteredSortedChildren(parent, filter, cmp)
	}
	if err != nil {
		return nil, err
	}
	return window(items, q.Offset(), q.Limit()), nil
}

func (p *TreeDataProvider[K, T]) HasChildren(_ context.Context, item T) (bool, error) {
	if !p.data.Contains(item) {
		return false, nil
	}
	children, err := p.data.Children(&item)
	if err != nil {
		return false, err
	}
	return len(children) > 0, nil
}

// Depth counts the ancestors of item. Only Flattened providers report depth.
func (p *TreeDataProvider[K, T]) Depth(item T) (int, error) {
	if p.format != Flattened {
		return -1, fmt.Errorf("depth of a %s tree data provider: %w", p.format, ErrUnsupported)
	}
	return p.data.Depth(item)
}

func (p *TreeDataProvider[K, T]) filteredSortedChildren(parent *T, filter Predicate[T], cmp Comparator[T]) ([]T, error) {
	children, err := p.data.Children(parent)
	if err != nil {
		return nil, err
	}
	if filter != nil {
		kept := children[:0]
		for _, child := range children {
			ok, err := p.subtreeMatches(child, filter)
			if err != nil {
				return nil, err
			}
			if ok {
				kept = append(kept, child)
			}
		}
		children = kept
	}
	if cmp != nil {
		slices.SortStableFunc(children, cmp)
	}
	return children, nil
}

// flatten walks depth first, descending only into expanded items.
func (p *TreeDataProvider[K, T]) flatten(parent *T, q HierarchicalQuery[K, T, Predicate[T]], filter Predicate[T], cmp Comparator[T]) ([]T, error) {
	children, err := p.filteredSortedChildren(parent, filter, cmp)
	if err != nil {
		return nil, err
	}
	var out []T
	for _, child := range children {
		out = append(out, child)
		if q.IsExpanded(p.data.idOf(child)) {
			sub, err := p.flatten(&child, q, filter, cmp)
			if err != nil {
				return nil, err
			}
			out = append(out, sub...)
		}
	}
	return out, nil
}

func (p *TreeDataProvider[K, T]) subtreeMatches(item T, filter Predicate[T]) (bool, error) {
	if filter(item) {
		return true, nil
	}
	children, err := p.data.Children(&item)
	if err != nil {
		return false, err
	}
	for _, child := range children {
		ok, err := p.subtreeMatches(child, filter)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

func and[T any](a, b Predicate[T]) Predicate[T] {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	return func(item T) bool { return a(item) && b(item) }
}

func thenComparing[T any](first, second Comparator[T]) Comparator[T] {
	if second == nil {
		return first
	}
	return func(a, b T) int {
		if c := first(a, b); c != 0 {
			return c
		}
		return second(a, b)
	}
}
