package provider

import (
	"fmt"
	"slices"
	"sync"
)

// TreeData is an in-memory hierarchy keyed by item identity.
// Children keep insertion order. Safe for concurrent use.
type TreeData[K comparable, T any] struct {
	mu       sync.RWMutex
	idOf     func(T) K
	roots    []K
	wrappers map[K]*hierarchyWrapper[K, T]
}

type hierarchyWrapper[K comparable, T any] struct {
	item      T
	parent    K
	hasParent bool
	children  []K
}

// NewTreeData returns an empty hierarchy. idOf must be stable.
func NewTreeData[K comparable, T any](idOf func(T) K) *TreeData[K, T] {
	return &TreeData[K, T]{
		idOf:     idOf,
		wrappers: make(map[K]*hierarchyWrapper[K, T]),
	}
}

func (d *TreeData[K, T]) ID(item T) K { return d.idOf(item) }

// AddRootItems appends items to the root level.
func (d *TreeData[K, T]) AddRootItems(items ...T) error {
	return d.AddItems(nil, items...)
}

// AddItem appends item under parent, or to the root level when parent is nil.
func (d *TreeData[K, T]) AddItem(parent *T, item T) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addItem(parent, item)
}

// AddItems appends items under parent in order.
func (d *TreeData[K, T]) AddItems(parent *T, items ...T) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, item := range items {
		if err := d.addItem(parent, item); err != nil {
			return err
		}
	}
	return nil
}

// AddItemsRecursive adds items under parent and then, depth first, whatever
// childrenOf returns for each of them.
func (d *TreeData[K, T]) AddItemsRecursive(parent *T, items []T, childrenOf func(T) []T) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addRecursive(parent, items, childrenOf)
}

func (d *TreeData[K, T]) addRecursive(parent *T, items []T, childrenOf func(T) []T) error {
	for _, item := range items {
		if err := d.addItem(parent, item); err != nil {
			return err
		}
		if err := d.addRecursive(&item, childrenOf(item), childrenOf); err != nil {
			return err
		}
	}
	return nil
}

func (d *TreeData[K, T]) addItem(parent *T, item T) error {
	id := d.idOf(item)
	if _, exists := d.wrappers[id]; exists {
		return fmt.Errorf("item %v is already in the hierarchy: %w", id, ErrIllegalArgument)
	}
	w := &hierarchyWrapper[K, T]{item: item}
	if parent == nil {
		d.roots = append(d.roots, id)
	} else {
		pid := d.idOf(*parent)
		pw, ok := d.wrappers[pid]
		if !ok {
			return fmt.Errorf("parent %v is not in the hierarchy: %w", pid, ErrIllegalArgument)
		}
		pw.children = append(pw.children, id)
		w.parent = pid
		w.hasParent = true
	}
	d.wrappers[id] = w
	return nil
}

// RemoveItem removes item and all its descendants.
func (d *TreeData[K, T]) RemoveItem(item T) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.idOf(item)
	w, ok := d.wrappers[id]
	if !ok {
		return fmt.Errorf("item %v is not in the hierarchy: %w", id, ErrIllegalArgument)
	}
	d.detach(id, w)
	d.removeSubtree(id)
	return nil
}

func (d *TreeData[K, T]) removeSubtree(id K) {
	w := d.wrappers[id]
	for _, child := range w.children {
		d.removeSubtree(child)
	}
	delete(d.wrappers, id)
}

// detach unlinks id from its parent's child list (or the root list).
func (d *TreeData[K, T]) detach(id K, w *hierarchyWrapper[K, T]) {
	if w.hasParent {
		pw := d.wrappers[w.parent]
		pw.children = slices.DeleteFunc(pw.children, func(c K) bool { return c == id })
	} else {
		d.roots = slices.DeleteFunc(d.roots, func(c K) bool { return c == id })
	}
}

// Clear empties the hierarchy.
func (d *TreeData[K, T]) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.roots = nil
	clear(d.wrappers)
}

func (d *TreeData[K, T]) RootItems() []T {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.itemsOf(d.roots)
}

// Children returns the children of parent, or the root items for nil.
func (d *TreeData[K, T]) Children(parent *T) ([]T, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if parent == nil {
		return d.itemsOf(d.roots), nil
	}
	id := d.idOf(*parent)
	w, ok := d.wrappers[id]
	if !ok {
		return nil, fmt.Errorf("item %v is not in the hierarchy: %w", id, ErrIllegalArgument)
	}
	return d.itemsOf(w.children), nil
}

func (d *TreeData[K, T]) itemsOf(ids []K) []T {
	out := make([]T, len(ids))
	for i, id := range ids {
		out[i] = d.wrappers[id].item
	}
	return out
}

// Parent returns the parent of item; ok is false for root items and
// unknown items.
func (d *TreeData[K, T]) Parent(item T) (T, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var zero T
	w, ok := d.wrappers[d.idOf(item)]
	if !ok || !w.hasParent {
		return zero, false
	}
	return d.wrappers[w.parent].item, true
}

func (d *TreeData[K, T]) Contains(item T) bool {
	return d.ContainsID(d.idOf(item))
}

func (d *TreeData[K, T]) ContainsID(id K) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.wrappers[id]
	return ok
}

// Item returns the stored instance for id.
func (d *TreeData[K, T]) Item(id K) (T, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	w, ok := d.wrappers[id]
	if !ok {
		var zero T
		return zero, false
	}
	return w.item, true
}

// Update replaces the stored instance of a known identity.
func (d *TreeData[K, T]) Update(item T) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.idOf(item)
	w, ok := d.wrappers[id]
	if !ok {
		return fmt.Errorf("item %v is not in the hierarchy: %w", id, ErrIllegalArgument)
	}
	w.item = item
	return nil
}

// Depth is 0 for root items.
func (d *TreeData[K, T]) Depth(item T) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id := d.idOf(item)
	w, ok := d.wrappers[id]
	if !ok {
		return -1, fmt.Errorf("item %v is not in the hierarchy: %w", id, ErrIllegalArgument)
	}
	depth := 0
	for w.hasParent {
		depth++
		w = d.wrappers[w.parent]
	}
	return depth, nil
}

// SetParent moves item (with its subtree) to the end of parent's children,
// or of the root level when parent is nil.
func (d *TreeData[K, T]) SetParent(item T, parent *T) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.idOf(item)
	w, ok := d.wrappers[id]
	if !ok {
		return fmt.Errorf("item %v is not in the hierarchy: %w", id, ErrIllegalArgument)
	}
	if parent == nil {
		d.detach(id, w)
		w.hasParent = false
		d.roots = append(d.roots, id)
		return nil
	}
	pid := d.idOf(*parent)
	pw, ok := d.wrappers[pid]
	if !ok {
		return fmt.Errorf("parent %v is not in the hierarchy: %w", pid, ErrIllegalArgument)
	}
	for cur, has := pid, true; has; {
		if cur == id {
			return fmt.Errorf("item %v cannot become a descendant of itself: %w", id, ErrIllegalArgument)
		}
		cw := d.wrappers[cur]
		cur, has = cw.parent, cw.hasParent
	}
	d.detach(id, w)
	w.parent = pid
	w.hasParent = true
	pw.children = append(pw.children, id)
	return nil
}

// MoveAfterSibling reorders item to directly follow sibling, or to the
// first position when sibling is nil. Both must share a parent.
func (d *TreeData[K, T]) MoveAfterSibling(item T, sibling *T) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.idOf(item)
	w, ok := d.wrappers[id]
	if !ok {
		return fmt.Errorf("item %v is not in the hierarchy: %w", id, ErrIllegalArgument)
	}
	list := &d.roots
	if w.hasParent {
		list = &d.wrappers[w.parent].children
	}
	if sibling != nil {
		if sid := d.idOf(*sibling); sid == id || !slices.Contains(*list, sid) {
			return fmt.Errorf("item %v is not a sibling of %v: %w", sid, id, ErrIllegalArgument)
		}
	}
	*list = slices.DeleteFunc(*list, func(c K) bool { return c == id })
	if sibling == nil {
		*list = slices.Insert(*list, 0, id)
		return nil
	}
	pos := slices.Index(*list, d.idOf(*sibling))
	*list = slices.Insert(*list, pos+1, id)
	return nil
}
