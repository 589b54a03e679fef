package provider

import (
	"maps"
	"math"
)

// Unlimited is the limit of a query that wants every remaining child.
const Unlimited = math.MaxInt32

// SortDirection orders a backend sort property.
type SortDirection int

const (
	Ascending SortDirection = iota
	Descending
)

// QuerySortOrder is one backend sort criterion.
type QuerySortOrder struct {
	Property  string
	Direction SortDirection
}

// Comparator returns a negative, zero or positive number like cmp.Compare.
type Comparator[T any] func(a, b T) int

// Predicate is the filter type of the in-memory provider.
type Predicate[T any] func(T) bool

// HierarchicalQuery asks for a window of the children of one parent.
// The zero parent (HasParent false) means the root level. Values are
// immutable; the With methods return modified copies.
type HierarchicalQuery[K comparable, T any, F any] struct {
	offset          int
	limit           int
	sortOrders      []QuerySortOrder
	inMemorySorting Comparator[T]
	filter          *F
	parent          *T
	expandedItemIDs map[K]struct{}
}

// NewQuery returns an unlimited query for the children of parent, or of
// the root when parent is nil.
func NewQuery[K comparable, T any, F any](parent *T) HierarchicalQuery[K, T, F] {
	q := HierarchicalQuery[K, T, F]{limit: Unlimited}
	if parent != nil {
		p := *parent
		q.parent = &p
	}
	return q
}

func (q HierarchicalQuery[K, T, F]) Offset() int { return q.offset }

func (q HierarchicalQuery[K, T, F]) Limit() int { return q.limit }

// Parent returns the queried parent; ok is false for the root level.
func (q HierarchicalQuery[K, T, F]) Parent() (T, bool) {
	if q.parent == nil {
		var zero T
		return zero, false
	}
	return *q.parent, true
}

// ParentRef returns the parent as a pointer, nil for the root level.
func (q HierarchicalQuery[K, T, F]) ParentRef() *T { return q.parent }

func (q HierarchicalQuery[K, T, F]) Filter() (F, bool) {
	if q.filter == nil {
		var zero F
		return zero, false
	}
	return *q.filter, true
}

func (q HierarchicalQuery[K, T, F]) SortOrders() []QuerySortOrder {
	return append([]QuerySortOrder(nil), q.sortOrders...)
}

func (q HierarchicalQuery[K, T, F]) InMemorySorting() Comparator[T] { return q.inMemorySorting }

// IsExpanded reports whether id is in the query's expanded set.
func (q HierarchicalQuery[K, T, F]) IsExpanded(id K) bool {
	_, ok := q.expandedItemIDs[id]
	return ok
}

// ExpandedItemIDs returns a copy of the expanded set.
func (q HierarchicalQuery[K, T, F]) ExpandedItemIDs() map[K]struct{} {
	return maps.Clone(q.expandedItemIDs)
}

// WithRange sets offset and limit.
func (q HierarchicalQuery[K, T, F]) WithRange(offset, limit int) HierarchicalQuery[K, T, F] {
	q.offset = offset
	q.limit = limit
	return q
}

func (q HierarchicalQuery[K, T, F]) WithFilter(f F) HierarchicalQuery[K, T, F] {
	q.filter = &f
	return q
}

// WithFilterRef sets the filter from a pointer; nil removes it.
func (q HierarchicalQuery[K, T, F]) WithFilterRef(f *F) HierarchicalQuery[K, T, F] {
	if f == nil {
		q.filter = nil
		return q
	}
	return q.WithFilter(*f)
}

func (q HierarchicalQuery[K, T, F]) WithSortOrders(orders ...QuerySortOrder) HierarchicalQuery[K, T, F] {
	q.sortOrders = append([]QuerySortOrder(nil), orders...)
	return q
}

func (q HierarchicalQuery[K, T, F]) WithInMemorySorting(cmp Comparator[T]) HierarchicalQuery[K, T, F] {
	q.inMemorySorting = cmp
	return q
}

func (q HierarchicalQuery[K, T, F]) WithExpandedItemIDs(ids map[K]struct{}) HierarchicalQuery[K, T, F] {
	q.expandedItemIDs = maps.Clone(ids)
	return q
}

// convertQuery rebuilds q for a source with another filter type.
func convertQuery[K comparable, T any, Q any, C any](q HierarchicalQuery[K, T, Q], filter *C) HierarchicalQuery[K, T, C] {
	return HierarchicalQuery[K, T, C]{
		offset:          q.offset,
		limit:           q.limit,
		sortOrders:      q.sortOrders,
		inMemorySorting: q.inMemorySorting,
		filter:          filter,
		parent:          q.parent,
		expandedItemIDs: q.expandedItemIDs,
	}
}

// window applies offset and limit to an in-memory result.
func window[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[max(offset, 0):]
	if limit >= 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
