package provider

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithConvertedFilter(t *testing.T) {
	ctx := context.Background()
	p := NewTreeDataProvider(sampleTree(t), Nested)
	src := WithConvertedFilter[string, string, string, Predicate[string]](p, func(prefix string) Predicate[string] {
		return func(s string) bool { return strings.HasPrefix(s, prefix) }
	})

	items, err := src.FetchChildren(ctx, NewQuery[string, string, string](nil).WithFilter("c"))
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, items)

	n, err := src.ChildCount(ctx, NewQuery[string, string, string](nil))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestConfigurableFilterSource(t *testing.T) {
	ctx := context.Background()
	p := NewTreeDataProvider(sampleTree(t), Nested)
	src := NewConfigurableFilterSource[string, string, Predicate[string]](p, func(query, configured Predicate[string]) Predicate[string] {
		return func(s string) bool { return query(s) && configured(s) }
	})

	var events int
	cancel := src.Subscribe(func(DataChangeEvent) { events++ })
	defer cancel()

	notB := Predicate[string](func(s string) bool { return s != "b" })
	src.SetFilter(&notB)
	assert.Equal(t, 1, events)

	items, err := src.FetchChildren(ctx, NewQuery[string, string, Predicate[string]](nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, items, "configured filter alone")

	q := NewQuery[string, string, Predicate[string]](nil).WithFilter(func(s string) bool { return !strings.HasPrefix(s, "a") })
	items, err = src.FetchChildren(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, items, "merged filters")

	p.RefreshAll()
	assert.Equal(t, 2, events, "delegate events are forwarded")

	src.SetFilter(nil)
	items, err = src.FetchChildren(ctx, NewQuery[string, string, Predicate[string]](nil))
	require.NoError(t, err)
	assert.Len(t, items, 3)
}

func TestConfigurableFilterSource_NilCombinePrefersConfigured(t *testing.T) {
	ctx := context.Background()
	p := NewTreeDataProvider(sampleTree(t), Nested)
	src := NewConfigurableFilterSource[string, string, Predicate[string]](p, nil)
	onlyA := Predicate[string](func(s string) bool { return s == "a" })
	src.SetFilter(&onlyA)

	q := NewQuery[string, string, Predicate[string]](nil).WithFilter(func(s string) bool { return s == "b" })
	items, err := src.FetchChildren(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, items)
}

func TestHotSwap(t *testing.T) {
	ctx := context.Background()
	first := NewTreeDataProvider(sampleTree(t), Nested)
	other := NewTreeData(identity)
	require.NoError(t, other.AddRootItems("x", "y"))
	second := NewTreeDataProvider(other, Nested)

	h := NewHotSwap[string, string, Predicate[string]](first)
	var events []DataChangeEvent
	h.Subscribe(func(e DataChangeEvent) { events = append(events, e) })

	first.RefreshItem("a", false)
	require.Len(t, events, 1)

	h.Swap(second)
	require.Len(t, events, 2)
	assert.Equal(t, RefreshAll{}, events[1])

	items, err := h.FetchChildren(ctx, NewQuery[string, string, Predicate[string]](nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, items)

	first.RefreshAll()
	assert.Len(t, events, 2, "old source is no longer forwarded")
	second.RefreshAll()
	assert.Len(t, events, 3)
}
