// Package legacy is the key-diff synchronization path: a HierarchyMapper that
// flattens the tree by walking expanded items, and per-parent-key
// controllers that resend only the rows that entered or left a level's
// requested range.
//
// New code should use package communicator. This package stays for
// renderers that address each level by its parent key.
package legacy

import (
	"context"
	"fmt"

	"github.com/agentic-research/treesync/internal/provider"
	"github.com/agentic-research/treesync/internal/ranges"
)

// HierarchyMapper keeps the expand state and the parent/child relations it
// has seen while fetching.
type HierarchyMapper[K comparable, T any, F any] struct {
	source provider.HierarchicalDataSource[K, T, F]

	expanded  map[K]struct{}
	items     map[K]T
	parentIDs map[K]K
	childIDs  map[K]map[K]struct{}

	filter          *F
	inMemorySorting provider.Comparator[T]
	backEndSorting  []provider.QuerySortOrder
}

func NewHierarchyMapper[K comparable, T any, F any](source provider.HierarchicalDataSource[K, T, F]) *HierarchyMapper[K, T, F] {
	return &HierarchyMapper[K, T, F]{
		source:    source,
		expanded:  make(map[K]struct{}),
		items:     make(map[K]T),
		parentIDs: make(map[K]K),
		childIDs:  make(map[K]map[K]struct{}),
	}
}

func (m *HierarchyMapper[K, T, F]) Source() provider.HierarchicalDataSource[K, T, F] { return m.source }

func (m *HierarchyMapper[K, T, F]) SetFilter(filter *F) { m.filter = filter }

func (m *HierarchyMapper[K, T, F]) SetInMemorySorting(cmp provider.Comparator[T]) {
	m.inMemorySorting = cmp
}

func (m *HierarchyMapper[K, T, F]) SetBackEndSorting(orders ...provider.QuerySortOrder) {
	m.backEndSorting = append([]provider.QuerySortOrder(nil), orders...)
}

func (m *HierarchyMapper[K, T, F]) query(parent *T, r ranges.Range) provider.HierarchicalQuery[K, T, F] {
	q := provider.NewQuery[K, T, F](parent).
		WithFilterRef(m.filter).
		WithSortOrders(m.backEndSorting...).
		WithInMemorySorting(m.inMemorySorting)
	if r.Start != 0 || r.End != provider.Unlimited {
		q = q.WithRange(r.Start, r.Len())
	}
	return q
}

func everything() ranges.Range { return ranges.Between(0, provider.Unlimited) }

// IsExpanded reports whether item is expanded. The root (nil) always is.
func (m *HierarchyMapper[K, T, F]) IsExpanded(item *T) bool {
	if item == nil {
		return true
	}
	_, ok := m.expanded[m.source.ID(*item)]
	return ok
}

// Expand marks item as expanded. It reports false when the item already was
// or has no children.
func (m *HierarchyMapper[K, T, F]) Expand(ctx context.Context, item T) (bool, error) {
	id := m.source.ID(item)
	if _, ok := m.expanded[id]; ok {
		return false, nil
	}
	has, err := m.source.HasChildren(ctx, item)
	if err != nil || !has {
		return false, err
	}
	m.expanded[id] = struct{}{}
	return true, nil
}

// Collapse reports whether item was expanded.
func (m *HierarchyMapper[K, T, F]) Collapse(item T) bool {
	id := m.source.ID(item)
	if _, ok := m.expanded[id]; !ok {
		return false
	}
	delete(m.expanded, id)
	return true
}

func (m *HierarchyMapper[K, T, F]) HasChildren(ctx context.Context, item T) (bool, error) {
	return m.source.HasChildren(ctx, item)
}

// RootSize counts the root items.
func (m *HierarchyMapper[K, T, F]) RootSize(ctx context.Context) (int, error) {
	return m.CountChildItems(ctx, nil)
}

// CountChildItems counts the direct children of parent (nil is the root).
func (m *HierarchyMapper[K, T, F]) CountChildItems(ctx context.Context, parent *T) (int, error) {
	return provider.ChildCount(ctx, m.source, m.query(parent, everything()))
}

// FetchChildItems returns a window of the direct children of parent.
func (m *HierarchyMapper[K, T, F]) FetchChildItems(ctx context.Context, parent *T, r ranges.Range) ([]T, error) {
	items, err := provider.FetchChildren(ctx, m.source, m.query(parent, r))
	if err != nil {
		return nil, err
	}
	m.registerChildren(parent, items)
	return items, nil
}

// TreeSize is the number of rows of the whole flattened tree.
func (m *HierarchyMapper[K, T, F]) TreeSize(ctx context.Context) (int, error) {
	items, err := m.flatten(ctx, nil)
	return len(items), err
}

// FetchHierarchyItems returns a window of the flattened descendants of
// parent, depth first through expanded items.
func (m *HierarchyMapper[K, T, F]) FetchHierarchyItems(ctx context.Context, parent *T, r ranges.Range) ([]T, error) {
	items, err := m.flatten(ctx, parent)
	if err != nil {
		return nil, err
	}
	start := min(max(r.Start, 0), len(items))
	end := min(max(r.End, start), len(items))
	return items[start:end], nil
}

func (m *HierarchyMapper[K, T, F]) flatten(ctx context.Context, parent *T) ([]T, error) {
	if !m.IsExpanded(parent) {
		return nil, nil
	}
	children, err := provider.FetchChildren(ctx, m.source, m.query(parent, everything()))
	if err != nil {
		return nil, err
	}
	if len(children) == 0 {
		if parent != nil {
			m.removeChildren(m.source.ID(*parent))
		}
		return nil, nil
	}
	m.registerChildren(parent, children)
	var out []T
	for _, child := range children {
		out = append(out, child)
		sub, err := m.flatten(ctx, &child)
		if err != nil {
			return nil, err
		}
		out = append(out, sub...)
	}
	return out, nil
}

func (m *HierarchyMapper[K, T, F]) registerChildren(parent *T, children []T) {
	var set map[K]struct{}
	var parentID K
	if parent != nil {
		parentID = m.source.ID(*parent)
		m.items[parentID] = *parent
		set = m.childIDs[parentID]
		if set == nil {
			set = make(map[K]struct{})
			m.childIDs[parentID] = set
		}
	}
	for _, child := range children {
		id := m.source.ID(child)
		m.items[id] = child
		if parent == nil {
			delete(m.parentIDs, id)
			continue
		}
		set[id] = struct{}{}
		m.parentIDs[id] = parentID
	}
}

func (m *HierarchyMapper[K, T, F]) removeChildren(id K) {
	for child := range m.childIDs[id] {
		m.removeChildren(child)
		delete(m.parentIDs, child)
		delete(m.items, child)
	}
	delete(m.childIDs, id)
}

// ParentOf returns the parent of item as last seen while fetching. Root
// items and unknown items have none.
func (m *HierarchyMapper[K, T, F]) ParentOf(item T) (T, bool) {
	var zero T
	pid, ok := m.parentIDs[m.source.ID(item)]
	if !ok {
		return zero, false
	}
	p, ok := m.items[pid]
	return p, ok
}

// ParentIndex returns the flat index of the parent of item, or -1 for a
// root item.
func (m *HierarchyMapper[K, T, F]) ParentIndex(ctx context.Context, item T) (int, error) {
	parent, ok := m.ParentOf(item)
	if !ok {
		return -1, nil
	}
	all, err := m.flatten(ctx, nil)
	if err != nil {
		return -1, err
	}
	pid := m.source.ID(parent)
	for i, it := range all {
		if m.source.ID(it) == pid {
			return i, nil
		}
	}
	return -1, fmt.Errorf("parent %v is not visible: %w", pid, provider.ErrIllegalState)
}

// Depth counts the known ancestors of item.
func (m *HierarchyMapper[K, T, F]) Depth(item T) int {
	depth := 0
	id := m.source.ID(item)
	for {
		pid, ok := m.parentIDs[id]
		if !ok {
			return depth
		}
		depth++
		id = pid
	}
}

// isDescendant reports whether id sits below ancestor.
func (m *HierarchyMapper[K, T, F]) isDescendant(id, ancestor K) bool {
	for {
		pid, ok := m.parentIDs[id]
		if !ok {
			return false
		}
		if pid == ancestor {
			return true
		}
		id = pid
	}
}

// DestroyData forgets everything known below item. The item keeps its own
// place under its parent.
func (m *HierarchyMapper[K, T, F]) DestroyData(item T) {
	m.removeChildren(m.source.ID(item))
}

// DestroyAllData forgets every relation. Expand state is kept.
func (m *HierarchyMapper[K, T, F]) DestroyAllData() {
	clear(m.items)
	clear(m.parentIDs)
	clear(m.childIDs)
}
