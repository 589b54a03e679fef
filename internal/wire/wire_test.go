package wire

import (
	"testing"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(key string) Record { return Record{FieldKey: key} }

func TestRecorder_AppliesFlatUpdates(t *testing.T) {
	r := NewRecorder()

	u := r.StartUpdate(4)
	u.Set(0, []Record{rec("1"), rec("2"), rec("3")})
	u.Commit(0)
	assert.Equal(t, []string{"1", "2", "3", ""}, r.Keys(""))

	u = r.StartUpdate(3)
	u.Clear(0, 1)
	u.Set(2, []Record{rec("9")})
	u.Commit(1)
	assert.Equal(t, []string{"", "2", "9"}, r.Keys(""))

	id, ok := r.LastUpdateID()
	assert.True(t, ok)
	assert.Equal(t, 1, id)
	require.Len(t, r.Batches(), 2)
	assert.Equal(t, CommitCommand{UpdateID: 1, Size: 3}, r.Batches()[1].Commands[2])
}

func TestRecorder_EmptyOperationsAreDropped(t *testing.T) {
	r := NewRecorder()
	u := r.StartUpdate(0)
	u.Set(0, nil)
	u.Clear(0, 0)
	u.Commit(7)

	batches := r.Batches()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0].Commands, 1)
}

func TestHierarchicalRecorder_PerParentLevels(t *testing.T) {
	r := NewHierarchicalRecorder()
	var committed []int
	r.OnCommit = func(b Batch) { committed = append(committed, len(b.Commands)) }

	root := r.StartUpdate(2)
	root.Set(0, []Record{rec("1"), rec("2")})
	root.Commit(0)

	child := r.StartUpdate(2)
	child.SetForParent(0, []Record{rec("3"), rec("4")}, "1")
	child.CommitForParent(0, "1", 2)

	assert.Equal(t, []string{"1", "2"}, r.Keys(""))
	assert.Equal(t, []string{"3", "4"}, r.Keys("1"))
	assert.Equal(t, []int{2, 2}, committed)
	assert.Equal(t, []string{"", "1"}, r.Levels())

	r.DropLevel("1")
	assert.Empty(t, r.Rows("1"))
	assert.Equal(t, []string{""}, r.Levels())
}

func TestEncodeBatch(t *testing.T) {
	b := Batch{Size: 2, Commands: []Command{
		ClearCommand{Start: 0, Length: 1},
		SetCommand{ParentKey: "5", Start: 1, Records: []Record{{FieldKey: "7", FieldLevel: 1}}},
		CommitCommand{UpdateID: 3, Size: 2},
	}}

	v, err := oj.ParseString(EncodeBatch(b))
	require.NoError(t, err)

	ops := jp.MustParseString("$.commands[*].op").Get(v)
	assert.Equal(t, []any{"clear", "set", "commit"}, ops)
	assert.Equal(t, []any{"5"}, jp.MustParseString("$.commands[1].parentKey").Get(v))
	assert.Equal(t, []any{"7"}, jp.MustParseString("$.commands[1].records[0].key").Get(v))
	assert.Equal(t, []any{int64(3)}, jp.MustParseString("$.commands[2].updateId").Get(v))
}

func TestEncodeRecord_SortedKeys(t *testing.T) {
	assert.Equal(t, `{"expanded":true,"key":"1"}`, EncodeRecord(Record{FieldKey: "1", FieldExpanded: true}))
}

type countingGenerator struct {
	generated, destroyed, all int
}

func (g *countingGenerator) Generate(_ string, rec Record) { g.generated++; rec["n"] = g.generated }
func (g *countingGenerator) Refresh(string)                {}
func (g *countingGenerator) Destroy(string)                { g.destroyed++ }
func (g *countingGenerator) DestroyAll()                   { g.all++ }

func TestCompositeGenerator(t *testing.T) {
	var c CompositeGenerator[string]
	counter := &countingGenerator{}
	remove := c.Add(counter)
	c.Add(GeneratorFunc[string](func(item string, rec Record) { rec["name"] = item }))

	r := Record{}
	c.Generate("a", r)
	assert.Equal(t, Record{"n": 1, "name": "a"}, r)

	c.Destroy("a")
	assert.Equal(t, 1, counter.destroyed)

	remove()
	assert.Equal(t, 1, counter.all)
	c.Generate("b", Record{})
	assert.Equal(t, 1, counter.generated)
}
