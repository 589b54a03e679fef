// Package statetree is a dirty-tracking tree of server-side state nodes.
//
// Nodes carry named features (property maps and child lists). Attaching a
// node below an attached parent registers the whole subtree with the owning
// StateTree, which hands out ids and collects the changes the client has not
// seen yet. The tree also runs callbacks right before a response is sent.
package statetree

import (
	"errors"
	"fmt"
)

var (
	// ErrLockNotHeld is returned by tree mutations made without the session lock.
	ErrLockNotHeld = errors.New("session lock not held")
	// ErrOtherTree is returned when a node registered in one tree is
	// attached to another.
	ErrOtherTree = errors.New("node belongs to another state tree")
	// ErrHasParent is returned when adopting a node that already has a parent.
	ErrHasParent = errors.New("node already has a parent")
)

// NodeOwner is the tree a node is registered with. Unattached nodes have a
// no-op owner.
type NodeOwner interface {
	Register(n *StateNode) (int, error)
	Unregister(n *StateNode)
	MarkAsDirty(n *StateNode) error
	HasNode(n *StateNode) bool
}

type nullOwner struct{}

func (nullOwner) Register(*StateNode) (int, error) { return -1, nil }
func (nullOwner) Unregister(*StateNode)            {}
func (nullOwner) MarkAsDirty(*StateNode) error     { return nil }
func (nullOwner) HasNode(*StateNode) bool          { return false }

// StateNode is one node of server-side state.
type StateNode struct {
	owner  NodeOwner
	id     int
	parent *StateNode
	isRoot bool

	// unlink removes the node from the parent feature holding it.
	unlink func() error

	features     map[string]feature
	featureOrder []string

	hasBeenAttached bool
	hasBeenDetached bool
	// wasAttached is the attach state last reported to the client.
	wasAttached           bool
	clientSideInitialized bool

	inactive         bool
	reportedInactive bool
	nextListenerID   int
	attachListeners  []nodeListener
	detachListeners  []nodeListener
}

type nodeListener struct {
	id int
	fn func()
}

// NewStateNode returns an unattached node without features.
func NewStateNode() *StateNode {
	return &StateNode{
		owner:    nullOwner{},
		id:       -1,
		features: make(map[string]feature),
	}
}

// ID is -1 until the node is first attached.
func (n *StateNode) ID() int { return n.id }

func (n *StateNode) Owner() NodeOwner { return n.owner }

func (n *StateNode) Parent() *StateNode { return n.parent }

// IsAttached reports whether the node is connected to a tree root.
func (n *StateNode) IsAttached() bool {
	if n.isRoot {
		return true
	}
	return n.parent != nil && n.parent.IsAttached()
}

// IsInactive reports whether the node or an ancestor is inactive. Inactive
// nodes hold back their feature changes.
func (n *StateNode) IsInactive() bool {
	for c := n; c != nil; c = c.parent {
		if c.inactive {
			return true
		}
	}
	return false
}

// SetInactive changes the node's own inactive flag.
func (n *StateNode) SetInactive(inactive bool) error {
	if n.inactive == inactive {
		return nil
	}
	n.inactive = inactive
	return n.MarkAsDirty()
}

// MarkAsDirty asks the owner to collect this node's changes.
func (n *StateNode) MarkAsDirty() error {
	return n.owner.MarkAsDirty(n)
}

// Map returns the property map feature called name, creating it on first use.
func (n *StateNode) Map(name string) *NodeMap {
	if f, ok := n.features[name]; ok {
		if m, ok := f.(*NodeMap); ok {
			return m
		}
		panic(fmt.Sprintf("statetree: feature %q is not a map", name))
	}
	m := newNodeMap(n, name)
	n.addFeature(name, m)
	return m
}

// List returns the child list feature called name, creating it on first use.
func (n *StateNode) List(name string) *NodeList {
	if f, ok := n.features[name]; ok {
		if l, ok := f.(*NodeList); ok {
			return l
		}
		panic(fmt.Sprintf("statetree: feature %q is not a list", name))
	}
	l := newNodeList(n, name)
	n.addFeature(name, l)
	return l
}

func (n *StateNode) addFeature(name string, f feature) {
	n.features[name] = f
	n.featureOrder = append(n.featureOrder, name)
}

// HasFeature reports whether the feature exists.
func (n *StateNode) HasFeature(name string) bool {
	_, ok := n.features[name]
	return ok
}

// AddAttachListener runs fn whenever the node becomes attached for the first
// time or again after a detach.
func (n *StateNode) AddAttachListener(fn func()) (remove func()) {
	return n.addListener(&n.attachListeners, fn)
}

// AddDetachListener runs fn whenever the node is detached.
func (n *StateNode) AddDetachListener(fn func()) (remove func()) {
	return n.addListener(&n.detachListeners, fn)
}

func (n *StateNode) addListener(list *[]nodeListener, fn func()) func() {
	n.nextListenerID++
	id := n.nextListenerID
	*list = append(*list, nodeListener{id: id, fn: fn})
	return func() {
		for i, l := range *list {
			if l.id == id {
				*list = append((*list)[:i:i], (*list)[i+1:]...)
				return
			}
		}
	}
}

func fire(listeners []nodeListener) {
	for _, l := range append([]nodeListener(nil), listeners...) {
		l.fn()
	}
}

// ForEachChild visits the direct children held by the node's features.
func (n *StateNode) ForEachChild(fn func(*StateNode)) {
	for _, name := range n.featureOrder {
		n.features[name].forEachChild(fn)
	}
}

// visitBottomUp visits the subtree children first.
func (n *StateNode) visitBottomUp(fn func(*StateNode) error) error {
	var err error
	n.ForEachChild(func(c *StateNode) {
		if err == nil {
			err = c.visitBottomUp(fn)
		}
	})
	if err != nil {
		return err
	}
	return fn(n)
}

// visitTopDown visits the subtree parents first.
func (n *StateNode) visitTopDown(fn func(*StateNode)) {
	fn(n)
	n.ForEachChild(func(c *StateNode) { c.visitTopDown(fn) })
}

// setParent links n below parent (nil unlinks) and runs attach or detach
// handling when the attach state changes.
func (n *StateNode) setParent(parent *StateNode) error {
	wasAttached := n.IsAttached()
	if parent != nil {
		if n.parent != nil {
			return ErrHasParent
		}
		if _, ok := parent.owner.(nullOwner); !ok {
			if _, ok := n.owner.(nullOwner); !ok && n.owner != parent.owner {
				return ErrOtherTree
			}
		}
	}
	n.parent = parent
	switch attached := n.IsAttached(); {
	case attached && !wasAttached:
		if err := n.onAttach(); err != nil {
			n.parent = nil
			return err
		}
		return nil
	case !attached && wasAttached:
		return n.onDetach()
	}
	return nil
}

func (n *StateNode) onAttach() error {
	owner := n.parent.owner
	type registration struct {
		node  *StateNode
		owner NodeOwner
		id    int
	}
	var attached []*StateNode
	var undo []registration
	err := n.visitBottomUp(func(c *StateNode) error {
		if _, ok := c.owner.(nullOwner); !ok && c.owner != owner {
			return ErrOtherTree
		}
		prev := registration{node: c, owner: c.owner, id: c.id}
		c.owner = owner
		id, err := owner.Register(c)
		if err != nil {
			c.owner = prev.owner
			return err
		}
		c.id = id
		attached = append(attached, c)
		undo = append(undo, prev)
		return nil
	})
	if err != nil {
		// a subtree joins a tree whole or not at all
		for _, r := range undo {
			owner.Unregister(r.node)
			r.node.owner, r.node.id = r.owner, r.id
		}
		return err
	}
	for _, c := range attached {
		for _, name := range c.featureOrder {
			c.features[name].markAllChanged()
		}
		if err := c.MarkAsDirty(); err != nil {
			return err
		}
	}

	n.visitTopDown(func(c *StateNode) {
		if !c.hasBeenAttached || c.hasBeenDetached {
			c.hasBeenAttached = true
			c.hasBeenDetached = false
			fire(c.attachListeners)
		}
	})
	return nil
}

func (n *StateNode) onDetach() error {
	var detached []*StateNode
	_ = n.visitBottomUp(func(c *StateNode) error {
		detached = append(detached, c)
		return nil
	})
	for _, c := range detached {
		if err := c.MarkAsDirty(); err != nil {
			return err
		}
		c.owner.Unregister(c)
		c.hasBeenDetached = true
	}
	for _, c := range detached {
		fire(c.detachListeners)
	}
	return nil
}

// RemoveFromTree detaches the node from its parent and forgets the ids of
// the whole subtree, so it may later join any tree.
func (n *StateNode) RemoveFromTree() error {
	if n.unlink != nil {
		if err := n.unlink(); err != nil {
			return err
		}
	}
	_ = n.visitBottomUp(func(c *StateNode) error {
		if c.owner.HasNode(c) {
			c.owner.Unregister(c)
		}
		c.owner = nullOwner{}
		c.id = -1
		c.wasAttached = false
		c.clientSideInitialized = false
		c.hasBeenAttached = false
		c.hasBeenDetached = false
		return nil
	})
	return nil
}

// IsClientSideInitialized reports whether the client has been told about
// the node's attachment.
func (n *StateNode) IsClientSideInitialized() bool { return n.clientSideInitialized }

// collectChanges emits the node's pending changes. It returns the children
// whose active state may have flipped and that must be collected as well.
func (n *StateNode) collectChanges(emit func(NodeChange)) []*StateNode {
	attached := n.IsAttached()
	if attached != n.wasAttached {
		if attached {
			emit(AttachChange{Node: n.id})
		} else {
			emit(DetachChange{Node: n.id})
			n.clientSideInitialized = false
		}
		n.wasAttached = attached
	}
	if !attached {
		return nil
	}
	n.clientSideInitialized = true

	inactive := n.IsInactive()
	var flipped []*StateNode
	if inactive != n.reportedInactive {
		n.reportedInactive = inactive
		n.ForEachChild(func(c *StateNode) { flipped = append(flipped, c) })
	}
	if inactive {
		return flipped
	}
	for _, name := range n.featureOrder {
		n.features[name].collectChanges(emit)
	}
	return flipped
}
