package statetree

import (
	"errors"
	"fmt"
	"slices"
)

// ErrIndexOutOfRange is returned by NodeList operations on a bad index.
var ErrIndexOutOfRange = errors.New("list index out of range")

type feature interface {
	forEachChild(fn func(*StateNode))
	collectChanges(emit func(NodeChange))
	// markAllChanged makes the next collection send the full content, as
	// after an attach.
	markAllChanged()
}

// NodeMap is a property map. NodeRef values adopt their node as a child.
type NodeMap struct {
	node   *StateNode
	name   string
	values map[string]Value
	keys   []string

	changed    []string
	changedSet map[string]struct{}
}

func newNodeMap(node *StateNode, name string) *NodeMap {
	return &NodeMap{
		node:       node,
		name:       name,
		values:     make(map[string]Value),
		changedSet: make(map[string]struct{}),
	}
}

func (m *NodeMap) Name() string { return m.name }

func (m *NodeMap) Get(key string) (Value, bool) {
	v, ok := m.values[key]
	return v, ok
}

func (m *NodeMap) Has(key string) bool {
	_, ok := m.values[key]
	return ok
}

// Keys returns the keys in insertion order.
func (m *NodeMap) Keys() []string { return slices.Clone(m.keys) }

func (m *NodeMap) Len() int { return len(m.keys) }

// Put stores v under key.
func (m *NodeMap) Put(key string, v Value) error {
	if err := m.node.MarkAsDirty(); err != nil {
		return err
	}
	old, had := m.values[key]
	oldChild := childOf(old)
	newChild := childOf(v)

	if newChild != nil && newChild != oldChild {
		if err := newChild.setParent(m.node); err != nil {
			return err
		}
		newChild.unlink = func() error {
			if childOf(m.values[key]) == newChild {
				return m.Remove(key)
			}
			return nil
		}
	}
	if oldChild != nil && oldChild != newChild {
		oldChild.unlink = nil
		if err := oldChild.setParent(nil); err != nil {
			return err
		}
	}

	if !had {
		m.keys = append(m.keys, key)
	}
	m.values[key] = v
	m.markChanged(key)
	return nil
}

// Remove deletes key; a held child node is detached.
func (m *NodeMap) Remove(key string) error {
	old, had := m.values[key]
	if !had {
		return nil
	}
	if err := m.node.MarkAsDirty(); err != nil {
		return err
	}
	delete(m.values, key)
	m.keys = slices.DeleteFunc(m.keys, func(k string) bool { return k == key })
	m.markChanged(key)
	if child := childOf(old); child != nil {
		child.unlink = nil
		return child.setParent(nil)
	}
	return nil
}

func (m *NodeMap) markChanged(key string) {
	if _, ok := m.changedSet[key]; ok {
		return
	}
	m.changedSet[key] = struct{}{}
	m.changed = append(m.changed, key)
}

func childOf(v Value) *StateNode {
	if ref, ok := v.(NodeRef); ok {
		return ref.Node
	}
	return nil
}

func (m *NodeMap) forEachChild(fn func(*StateNode)) {
	for _, k := range m.keys {
		if child := childOf(m.values[k]); child != nil {
			fn(child)
		}
	}
}

func (m *NodeMap) collectChanges(emit func(NodeChange)) {
	for _, key := range m.changed {
		if v, ok := m.values[key]; ok {
			emit(MapPutChange{Node: m.node.id, Feature: m.name, Key: key, Value: v})
		} else {
			emit(MapRemoveChange{Node: m.node.id, Feature: m.name, Key: key})
		}
	}
	m.changed = nil
	clear(m.changedSet)
}

func (m *NodeMap) markAllChanged() {
	m.changed = slices.Clone(m.keys)
	clear(m.changedSet)
	for _, k := range m.keys {
		m.changedSet[k] = struct{}{}
	}
}

// NodeList is an ordered list of child nodes.
type NodeList struct {
	node    *StateNode
	name    string
	items   []*StateNode
	splices []pendingSplice
}

type pendingSplice struct {
	index  int
	remove int
	add    []*StateNode
}

func newNodeList(node *StateNode, name string) *NodeList {
	return &NodeList{node: node, name: name}
}

func (l *NodeList) Name() string { return l.name }

func (l *NodeList) Size() int { return len(l.items) }

func (l *NodeList) Get(index int) (*StateNode, error) {
	if index < 0 || index >= len(l.items) {
		return nil, fmt.Errorf("get %d of %d: %w", index, len(l.items), ErrIndexOutOfRange)
	}
	return l.items[index], nil
}

// Items returns a copy of the children.
func (l *NodeList) Items() []*StateNode { return slices.Clone(l.items) }

func (l *NodeList) IndexOf(child *StateNode) int { return slices.Index(l.items, child) }

// Add inserts child at index.
func (l *NodeList) Add(index int, child *StateNode) error {
	if index < 0 || index > len(l.items) {
		return fmt.Errorf("add at %d of %d: %w", index, len(l.items), ErrIndexOutOfRange)
	}
	if err := l.node.MarkAsDirty(); err != nil {
		return err
	}
	if err := child.setParent(l.node); err != nil {
		return err
	}
	child.unlink = func() error {
		if i := l.IndexOf(child); i >= 0 {
			return l.Remove(i)
		}
		return nil
	}
	l.items = slices.Insert(l.items, index, child)
	l.splices = append(l.splices, pendingSplice{index: index, add: []*StateNode{child}})
	return nil
}

// Append adds child at the end.
func (l *NodeList) Append(child *StateNode) error { return l.Add(len(l.items), child) }

// Remove detaches the child at index.
func (l *NodeList) Remove(index int) error {
	if index < 0 || index >= len(l.items) {
		return fmt.Errorf("remove %d of %d: %w", index, len(l.items), ErrIndexOutOfRange)
	}
	if err := l.node.MarkAsDirty(); err != nil {
		return err
	}
	child := l.items[index]
	l.items = slices.Delete(l.items, index, index+1)
	l.splices = append(l.splices, pendingSplice{index: index, remove: 1})
	child.unlink = nil
	return child.setParent(nil)
}

// Clear detaches every child.
func (l *NodeList) Clear() error {
	if len(l.items) == 0 {
		return nil
	}
	if err := l.node.MarkAsDirty(); err != nil {
		return err
	}
	removed := l.items
	l.items = nil
	l.splices = append(l.splices, pendingSplice{remove: len(removed)})
	var errs []error
	for _, child := range removed {
		child.unlink = nil
		errs = append(errs, child.setParent(nil))
	}
	return errors.Join(errs...)
}

func (l *NodeList) forEachChild(fn func(*StateNode)) {
	for _, c := range l.items {
		fn(c)
	}
}

func (l *NodeList) collectChanges(emit func(NodeChange)) {
	for _, s := range l.splices {
		ids := make([]int, len(s.add))
		for i, c := range s.add {
			ids[i] = c.id
		}
		emit(ListSpliceChange{Node: l.node.id, Feature: l.name, Index: s.index, Remove: s.remove, Add: ids})
	}
	l.splices = nil
}

func (l *NodeList) markAllChanged() {
	l.splices = nil
	if len(l.items) > 0 {
		l.splices = []pendingSplice{{add: slices.Clone(l.items)}}
	}
}
