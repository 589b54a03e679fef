package statetree

import (
	"fmt"

	"github.com/ohler55/ojg/oj"
)

// Value is a property value: NodeRef, Array, ReturnChannelRef or Primitive.
type Value interface {
	value()
}

// NodeRef points at a child node. Putting a NodeRef into a map adopts the
// node.
type NodeRef struct{ Node *StateNode }

type Array []Value

// ReturnChannelRef addresses a server-side callback the client may invoke.
type ReturnChannelRef struct {
	NodeID    int
	ChannelID int
}

// Primitive holds a string, bool, number or nil.
type Primitive struct{ V any }

func (NodeRef) value()          {}
func (Array) value()            {}
func (ReturnChannelRef) value() {}
func (Primitive) value()        {}

// NodeChange is one of AttachChange, DetachChange, MapPutChange,
// MapRemoveChange or ListSpliceChange.
type NodeChange interface {
	NodeID() int
	change()
}

type AttachChange struct{ Node int }

type DetachChange struct{ Node int }

type MapPutChange struct {
	Node    int
	Feature string
	Key     string
	Value   Value
}

type MapRemoveChange struct {
	Node    int
	Feature string
	Key     string
}

// ListSpliceChange removes Remove items at Index and inserts Add there.
type ListSpliceChange struct {
	Node    int
	Feature string
	Index   int
	Remove  int
	Add     []int
}

func (c AttachChange) NodeID() int     { return c.Node }
func (c DetachChange) NodeID() int     { return c.Node }
func (c MapPutChange) NodeID() int     { return c.Node }
func (c MapRemoveChange) NodeID() int  { return c.Node }
func (c ListSpliceChange) NodeID() int { return c.Node }

func (AttachChange) change()     {}
func (DetachChange) change()     {}
func (MapPutChange) change()     {}
func (MapRemoveChange) change()  {}
func (ListSpliceChange) change() {}

// EncodeValue converts v to generic JSON data.
func EncodeValue(v Value) any {
	switch v := v.(type) {
	case nil:
		return nil
	case NodeRef:
		if v.Node == nil {
			return nil
		}
		return map[string]any{"@v-node": v.Node.ID()}
	case Array:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = EncodeValue(item)
		}
		return out
	case ReturnChannelRef:
		return map[string]any{"@v-return": []any{v.NodeID, v.ChannelID}}
	case Primitive:
		return v.V
	default:
		panic(fmt.Sprintf("statetree: unknown value %T", v))
	}
}

// EncodeChange converts c to generic JSON data.
func EncodeChange(c NodeChange) map[string]any {
	switch c := c.(type) {
	case AttachChange:
		return map[string]any{"node": c.Node, "type": "attach"}
	case DetachChange:
		return map[string]any{"node": c.Node, "type": "detach"}
	case MapPutChange:
		return map[string]any{"node": c.Node, "type": "put", "feat": c.Feature, "key": c.Key, "value": EncodeValue(c.Value)}
	case MapRemoveChange:
		return map[string]any{"node": c.Node, "type": "remove", "feat": c.Feature, "key": c.Key}
	case ListSpliceChange:
		add := make([]any, len(c.Add))
		for i, id := range c.Add {
			add[i] = id
		}
		return map[string]any{"node": c.Node, "type": "splice", "feat": c.Feature, "index": c.Index, "remove": c.Remove, "add": add}
	default:
		panic(fmt.Sprintf("statetree: unknown change %T", c))
	}
}

// EncodeChanges renders changes as a JSON array with sorted keys.
func EncodeChanges(changes []NodeChange) string {
	out := make([]any, len(changes))
	for i, c := range changes {
		out[i] = EncodeChange(c)
	}
	return oj.JSON(out, &oj.Options{Sort: true})
}
