// Package wire is the boundary between the synchronization engine and the
// remote renderer. The engine describes each update as a sequence of set and
// clear operations followed by a commit under an update id; how those reach
// the client is up to the ArrayUpdater implementation.
package wire

import (
	"fmt"

	"github.com/ohler55/ojg/oj"
)

// Record is the generated wire form of one item.
type Record map[string]any

// Well-known record fields.
const (
	FieldKey         = "key"
	FieldLevel       = "level"
	FieldExpanded    = "expanded"
	FieldHasChildren = "hasChildren"
	FieldParentKey   = "parentKey"
)

// Update collects the operations of one flat update.
type Update interface {
	Set(start int, records []Record)
	Clear(start, length int)
	Commit(updateID int)
}

// ArrayUpdater starts flat updates. size is the client array length after
// the update.
type ArrayUpdater interface {
	StartUpdate(size int) Update
	Initialize()
}

// HierarchicalUpdate adds operations scoped to the children of one parent
// key. The root level uses the plain Update methods.
type HierarchicalUpdate interface {
	Update
	SetForParent(start int, records []Record, parentKey string)
	ClearForParent(start, length int, parentKey string)
	CommitForParent(updateID int, parentKey string, levelSize int)
}

// HierarchicalArrayUpdater starts per-parent updates.
type HierarchicalArrayUpdater interface {
	StartUpdate(size int) HierarchicalUpdate
	Initialize()
}

// Command is SetCommand, ClearCommand or CommitCommand.
type Command interface {
	command()
}

type SetCommand struct {
	ParentKey string
	Start     int
	Records   []Record
}

type ClearCommand struct {
	ParentKey string
	Start     int
	Length    int
}

type CommitCommand struct {
	ParentKey string
	UpdateID  int
	Size      int
}

func (SetCommand) command()    {}
func (ClearCommand) command()  {}
func (CommitCommand) command() {}

// Batch is one started update and everything sent under it.
type Batch struct {
	Size     int
	Commands []Command
}

// CommandValue converts a command to generic JSON data.
func CommandValue(c Command) map[string]any {
	switch c := c.(type) {
	case SetCommand:
		records := make([]any, len(c.Records))
		for i, r := range c.Records {
			records[i] = map[string]any(r)
		}
		return withParent(map[string]any{"op": "set", "start": c.Start, "records": records}, c.ParentKey)
	case ClearCommand:
		return withParent(map[string]any{"op": "clear", "start": c.Start, "length": c.Length}, c.ParentKey)
	case CommitCommand:
		return withParent(map[string]any{"op": "commit", "updateId": c.UpdateID, "size": c.Size}, c.ParentKey)
	default:
		panic(fmt.Sprintf("wire: unknown command %T", c))
	}
}

func withParent(m map[string]any, parentKey string) map[string]any {
	if parentKey != "" {
		m[FieldParentKey] = parentKey
	}
	return m
}

// EncodeBatch renders a batch as JSON with sorted keys.
func EncodeBatch(b Batch) string {
	cmds := make([]any, len(b.Commands))
	for i, c := range b.Commands {
		cmds[i] = CommandValue(c)
	}
	return oj.JSON(map[string]any{"size": b.Size, "commands": cmds}, &oj.Options{Sort: true})
}

// EncodeRecord renders one record as JSON with sorted keys.
func EncodeRecord(r Record) string {
	return oj.JSON(map[string]any(r), &oj.Options{Sort: true})
}
