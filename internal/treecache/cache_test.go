package treecache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	id   string
	name string
}

func idOf(i item) string { return i.id }

func items(ids ...string) []item {
	out := make([]item, len(ids))
	for i, id := range ids {
		out[i] = item{id: id, name: id}
	}
	return out
}

func fixedSize(n int) func() (int, error) {
	return func() (int, error) { return n, nil }
}

// buildTree materializes:
//
//	A
//	  A1
//	    A1a
//	  A2
//	B
func buildTree(t *testing.T) *RootCache[string, item] {
	t.Helper()
	rc := NewRootCache[string, item](2, idOf)
	rc.SetItems(0, items("A", "B"))

	a, _ := rc.Item(0)
	subA, err := rc.EnsureSubCache(0, a, fixedSize(2))
	require.NoError(t, err)
	subA.SetItems(0, items("A1", "A2"))

	a1, _ := subA.Item(0)
	subA1, err := subA.EnsureSubCache(0, a1, fixedSize(1))
	require.NoError(t, err)
	subA1.SetItems(0, items("A1a"))
	return rc
}

func TestCache_SetItemsRegistersContext(t *testing.T) {
	rc := NewRootCache[string, item](3, idOf)
	rc.SetItems(0, items("a", "b", "c"))

	ctx, ok := rc.ContextByItem(item{id: "b"})
	require.True(t, ok)
	assert.Same(t, rc.Cache, ctx.Cache)
	assert.Equal(t, 1, ctx.Index)

	got, ok := ctx.Cache.Item(ctx.Index)
	require.True(t, ok)
	assert.Equal(t, "b", got.id)
	assert.Equal(t, 3, rc.Len())
	assert.Equal(t, 3, rc.MaterializedCount())
}

func TestCache_SetItemsMovesIdentity(t *testing.T) {
	rc := NewRootCache[string, item](3, idOf)
	rc.SetItems(0, items("a"))
	rc.SetItems(2, items("a"))

	assert.False(t, rc.HasItem(0))
	assert.True(t, rc.HasItem(2))
	ctx, ok := rc.ContextByID("a")
	require.True(t, ok)
	assert.Equal(t, 2, ctx.Index)
	assert.Equal(t, 1, rc.Len())
}

func TestCache_SetItemsOverwritesIndex(t *testing.T) {
	rc := NewRootCache[string, item](2, idOf)
	rc.SetItems(0, items("a", "b"))
	rc.SetItems(0, items("c"))

	_, ok := rc.ContextByID("a")
	assert.False(t, ok)
	got, ok := rc.Item(0)
	require.True(t, ok)
	assert.Equal(t, "c", got.id)
}

func TestCache_RemoveItem(t *testing.T) {
	rc := NewRootCache[string, item](2, idOf)
	rc.SetItems(0, items("a", "b"))
	rc.RemoveItem(1)
	rc.RemoveItem(7)

	assert.False(t, rc.HasItem(1))
	_, ok := rc.ContextByID("b")
	assert.False(t, ok)
	assert.Equal(t, 1, rc.Len())
}

func TestCache_RefreshItem(t *testing.T) {
	rc := NewRootCache[string, item](1, idOf)
	rc.SetItems(0, items("a"))

	assert.True(t, rc.RefreshItem(item{id: "a", name: "renamed"}))
	got, _ := rc.Item(0)
	assert.Equal(t, "renamed", got.name)

	assert.False(t, rc.RefreshItem(item{id: "zzz"}))
}

func TestCache_EnsureSubCacheIsIdempotent(t *testing.T) {
	rc := NewRootCache[string, item](1, idOf)
	rc.SetItems(0, items("a"))
	a, _ := rc.Item(0)

	calls := 0
	supplier := func() (int, error) {
		calls++
		return 4, nil
	}
	first, err := rc.EnsureSubCache(0, a, supplier)
	require.NoError(t, err)
	second, err := rc.EnsureSubCache(0, a, supplier)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 4, first.Size())
	assert.Equal(t, 1, first.Depth())
	parent, ok := first.ParentItem()
	require.True(t, ok)
	assert.Equal(t, "a", parent.id)
	assert.Equal(t, 0, first.ParentIndex())

	_, err = rc.EnsureSubCache(3, a, supplier)
	assert.ErrorIs(t, err, ErrIndexOutOfBounds)
}

func TestCache_FlatSizeConsistency(t *testing.T) {
	rc := buildTree(t)
	assert.Equal(t, 5, rc.FlatSize())

	subA := rc.SubCache(0)
	descendants := subA.FlatSize()
	before := rc.FlatSize()
	rc.RemoveSubCache(0)

	assert.Equal(t, before-descendants, rc.FlatSize())
	assert.Equal(t, 2, rc.FlatSize())
	_, ok := rc.ContextByID("A1a")
	assert.False(t, ok, "descendant contexts are dropped with their level")
	_, ok = rc.ContextByID("A1")
	assert.False(t, ok)
}

func TestRootCache_FlatIndexContext(t *testing.T) {
	rc := buildTree(t)
	want := []string{"A", "A1", "A1a", "A2", "B"}

	for flat, id := range want {
		ctx, ok := rc.FlatIndexContext(flat)
		require.True(t, ok, "flat index %d", flat)
		got, ok := ctx.Cache.Item(ctx.Index)
		require.True(t, ok, "flat index %d", flat)
		assert.Equal(t, id, got.id, "flat index %d", flat)
		assert.Equal(t, flat, rc.FlatIndexOf(ctx))
		assert.Equal(t, flat, rc.FlatIndexOfItem(got))
	}

	_, ok := rc.FlatIndexContext(5)
	assert.False(t, ok)
	_, ok = rc.FlatIndexContext(-1)
	assert.False(t, ok)
	assert.Equal(t, -1, rc.FlatIndexOfItem(item{id: "nope"}))
}

func TestRootCache_FlatIndexByPath(t *testing.T) {
	rc := buildTree(t)

	cases := []struct {
		path []int
		want int
	}{
		{[]int{0}, 0},
		{[]int{0, 0}, 1},
		{[]int{0, 0, 0}, 2},
		{[]int{0, 1}, 3},
		{[]int{0, -1}, 3},
		{[]int{1}, 4},
		{[]int{-1}, 4},
	}
	for _, tc := range cases {
		got, err := rc.FlatIndexByPath(tc.path...)
		require.NoError(t, err, "path %v", tc.path)
		assert.Equal(t, tc.want, got, "path %v", tc.path)
	}

	_, err := rc.FlatIndexByPath(1, 0)
	assert.ErrorIs(t, err, ErrIndexOutOfBounds)
	_, err = rc.FlatIndexByPath(2)
	assert.ErrorIs(t, err, ErrIndexOutOfBounds)
	_, err = rc.FlatIndexByPath()
	assert.Error(t, err)
}

func TestCache_NormalizeIndex(t *testing.T) {
	rc := NewRootCache[string, item](4, idOf)

	last, err := rc.NormalizeIndex(-1)
	require.NoError(t, err)
	same, err := rc.NormalizeIndex(3)
	require.NoError(t, err)
	assert.Equal(t, same, last)

	first, err := rc.NormalizeIndex(-4)
	require.NoError(t, err)
	assert.Equal(t, 0, first)

	for _, bad := range []int{4, 5, -5, -100} {
		_, err := rc.NormalizeIndex(bad)
		assert.ErrorIs(t, err, ErrIndexOutOfBounds, "index %d", bad)
	}
}

func TestCache_RemoveDescendantCacheIf(t *testing.T) {
	rc := buildTree(t)

	rc.RemoveDescendantCacheIf(func(c *Cache[string, item]) bool {
		parent, _ := c.ParentItem()
		return parent.id == "A1"
	})

	assert.True(t, rc.HasSubCache(0))
	assert.False(t, rc.SubCache(0).HasSubCache(0))
	assert.Equal(t, 4, rc.FlatSize())
	_, ok := rc.ContextByID("A1a")
	assert.False(t, ok)
}

func TestCache_Clear(t *testing.T) {
	rc := buildTree(t)
	rc.Clear()

	assert.Equal(t, 0, rc.Len())
	assert.False(t, rc.HasSubCache(0))
	assert.Equal(t, 2, rc.FlatSize())
	assert.Equal(t, 0, rc.MaterializedCount())
}
