package statetree

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// LockChecker reports whether the caller holds the session lock.
type LockChecker interface {
	HasLock() bool
}

// ExecutionContext is handed to before-client-response callbacks.
type ExecutionContext struct {
	context.Context
	Tree *StateTree
	// ClientSideInitialized is true when the client already knew the node
	// before this response.
	ClientSideInitialized bool
}

// StateTree owns the attached nodes of one session.
type StateTree struct {
	lock LockChecker
	root *StateNode

	nextID   int
	idToNode map[int]*StateNode

	dirty      []*StateNode
	dirtyIndex map[*StateNode]struct{}

	nextSeq int
	pending []*pendingExecution
}

type pendingExecution struct {
	seq     int
	node    *StateNode
	fn      func(ExecutionContext) error
	removed bool
}

// ExecutionRegistration cancels a queued callback.
type ExecutionRegistration struct {
	entry *pendingExecution
}

// Remove drops the callback if it has not run yet.
func (r *ExecutionRegistration) Remove() { r.entry.removed = true }

var _ NodeOwner = (*StateTree)(nil)

// New creates a tree whose root node has id 1.
func New(lock LockChecker) *StateTree {
	t := &StateTree{
		lock:       lock,
		idToNode:   make(map[int]*StateNode),
		dirtyIndex: make(map[*StateNode]struct{}),
	}
	root := NewStateNode()
	root.isRoot = true
	root.owner = t
	root.id, _ = t.Register(root)
	root.hasBeenAttached = true
	t.addDirty(root)
	t.root = root
	return t
}

func (t *StateTree) RootNode() *StateNode { return t.root }

// Register assigns n an id, keeping the id n already had in this tree.
func (t *StateTree) Register(n *StateNode) (int, error) {
	if n.id > 0 {
		if existing, ok := t.idToNode[n.id]; ok && existing != n {
			return -1, fmt.Errorf("node id %d is taken by another node: %w", n.id, ErrOtherTree)
		}
		t.idToNode[n.id] = n
		return n.id, nil
	}
	t.nextID++
	t.idToNode[t.nextID] = n
	return t.nextID, nil
}

// Unregister forgets n; its id stays assigned.
func (t *StateTree) Unregister(n *StateNode) {
	if t.idToNode[n.id] == n {
		delete(t.idToNode, n.id)
	}
}

func (t *StateTree) HasNode(n *StateNode) bool {
	return n != nil && n.id > 0 && t.idToNode[n.id] == n
}

// NodeByID returns the attached node with id.
func (t *StateTree) NodeByID(id int) (*StateNode, bool) {
	n, ok := t.idToNode[id]
	return n, ok
}

func (t *StateTree) checkHasLock() error {
	if t.lock != nil && !t.lock.HasLock() {
		return ErrLockNotHeld
	}
	return nil
}

// MarkAsDirty queues n for the next CollectChanges.
func (t *StateTree) MarkAsDirty(n *StateNode) error {
	if err := t.checkHasLock(); err != nil {
		return err
	}
	t.addDirty(n)
	return nil
}

func (t *StateTree) addDirty(n *StateNode) {
	if _, ok := t.dirtyIndex[n]; ok {
		return
	}
	t.dirtyIndex[n] = struct{}{}
	t.dirty = append(t.dirty, n)
}

// HasDirtyNodes reports whether CollectChanges would do anything.
func (t *StateTree) HasDirtyNodes() bool { return len(t.dirty) > 0 }

// DirtyNodes returns the queued nodes in the order they were marked.
func (t *StateTree) DirtyNodes() []*StateNode { return slices.Clone(t.dirty) }

// CollectChanges drains the dirty set until no more nodes become dirty and
// returns the changes in collection order.
func (t *StateTree) CollectChanges() []NodeChange {
	var changes []NodeChange
	emit := func(c NodeChange) { changes = append(changes, c) }
	for len(t.dirty) > 0 {
		batch := t.dirty
		t.dirty = nil
		clear(t.dirtyIndex)
		for _, n := range batch {
			for _, flipped := range n.collectChanges(emit) {
				t.addDirty(flipped)
			}
		}
	}
	return changes
}

// BeforeClientResponse queues fn to run before the next response while node
// is attached. Callbacks run in submission order across the whole tree.
func (t *StateTree) BeforeClientResponse(node *StateNode, fn func(ExecutionContext) error) (*ExecutionRegistration, error) {
	if err := t.checkHasLock(); err != nil {
		return nil, err
	}
	t.nextSeq++
	e := &pendingExecution{seq: t.nextSeq, node: node, fn: fn}
	t.pending = append(t.pending, e)
	return &ExecutionRegistration{entry: e}, nil
}

// HasPendingExecutions reports whether callbacks are queued.
func (t *StateTree) HasPendingExecutions() bool {
	for _, e := range t.pending {
		if !e.removed {
			return true
		}
	}
	return false
}

// RunExecutionsBeforeClientResponse runs queued callbacks of attached nodes
// in sequence order, again and again while callbacks queue new ones.
// Callbacks of detached nodes stay queued. Callback errors are joined.
func (t *StateTree) RunExecutionsBeforeClientResponse(ctx context.Context) error {
	var errs []error
	for {
		var ready, waiting []*pendingExecution
		for _, e := range t.pending {
			switch {
			case e.removed:
			case e.node.IsAttached():
				ready = append(ready, e)
			default:
				waiting = append(waiting, e)
			}
		}
		t.pending = waiting
		if len(ready) == 0 {
			return errors.Join(errs...)
		}
		slices.SortFunc(ready, func(a, b *pendingExecution) int { return a.seq - b.seq })
		for _, e := range ready {
			if err := ctx.Err(); err != nil {
				t.pending = append(t.pending, e)
				continue
			}
			if e.removed {
				continue
			}
			ec := ExecutionContext{Context: ctx, Tree: t, ClientSideInitialized: e.node.IsClientSideInitialized()}
			if err := e.fn(ec); err != nil {
				errs = append(errs, err)
			}
		}
		if ctx.Err() != nil {
			slices.SortFunc(t.pending, func(a, b *pendingExecution) int { return a.seq - b.seq })
			return errors.Join(append(errs, ctx.Err())...)
		}
	}
}
