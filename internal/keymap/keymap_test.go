package keymap

import (
	"testing"

	"github.com/RoaringBitmap/roaring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	id   string
	name string
}

func newMapper() *KeyMapper[string, item] {
	return New(func(i item) string { return i.id })
}

func TestKeyMapper_StableKeys(t *testing.T) {
	m := newMapper()
	a := m.Key(item{"a", "A"})
	b := m.Key(item{"b", "B"})

	assert.Equal(t, "1", a)
	assert.Equal(t, "2", b)
	assert.Equal(t, a, m.Key(item{"a", "A again"}))

	got, ok := m.Get(a)
	require.True(t, ok)
	assert.Equal(t, "A again", got.name, "Key refreshes the stored instance")
	assert.Equal(t, 2, m.Len())
}

func TestKeyMapper_RemovedSlotsAreNotReused(t *testing.T) {
	m := newMapper()
	a := m.Key(item{id: "a"})
	m.Remove(item{id: "a"})

	assert.False(t, m.ContainsKey(a))
	_, ok := m.Get(a)
	assert.False(t, ok)

	assert.Equal(t, "2", m.Key(item{id: "a"}))
}

func TestKeyMapper_ExistingKeyAndRefresh(t *testing.T) {
	m := newMapper()
	_, ok := m.ExistingKey(item{id: "x"})
	assert.False(t, ok)
	assert.False(t, m.Has(item{id: "x"}))
	assert.False(t, m.Refresh(item{id: "x"}))

	key := m.Key(item{"x", "old"})
	assert.True(t, m.Refresh(item{"x", "new"}))
	got, _ := m.Get(key)
	assert.Equal(t, "new", got.name)

	existing, ok := m.ExistingKey(item{id: "x"})
	assert.True(t, ok)
	assert.Equal(t, key, existing)
}

func TestKeyMapper_RemoveAll(t *testing.T) {
	m := newMapper()
	m.Key(item{id: "a"})
	m.Key(item{id: "b"})
	m.RemoveAll()
	assert.Zero(t, m.Len())
	assert.True(t, m.Live().IsEmpty())
}

func TestParseKey(t *testing.T) {
	slot, ok := ParseKey("42")
	assert.True(t, ok)
	assert.EqualValues(t, 42, slot)

	for _, bad := range []string{"", "0", "-1", "abc", "99999999999"} {
		_, ok := ParseKey(bad)
		assert.False(t, ok, bad)
	}
}

func TestPassivation_ConfirmReleasesOlderUpdates(t *testing.T) {
	p := NewPassivation()
	p.Passivate(1, roaring.BitmapOf(10, 11))
	p.Passivate(2, roaring.BitmapOf(12))
	p.Passivate(3, roaring.BitmapOf(13))

	assert.True(t, p.Release().IsEmpty(), "nothing confirmed yet")

	p.Confirm(2)
	released := p.Release()
	assert.Equal(t, []uint32{10, 11, 12}, released.ToArray())
	assert.Equal(t, []int{3}, p.PendingUpdates())
	assert.True(t, p.IsPassivated(13))
}

func TestPassivation_ActivateWinsOverPending(t *testing.T) {
	p := NewPassivation()
	p.Passivate(1, roaring.BitmapOf(5, 6))
	p.Passivate(2, roaring.BitmapOf(6))

	p.Activate(6)
	assert.False(t, p.IsPassivated(6))

	p.Confirm(2)
	assert.Equal(t, []uint32{5}, p.Release().ToArray())
	assert.Empty(t, p.PendingUpdates())
}

func TestPassivation_Reset(t *testing.T) {
	p := NewPassivation()
	p.Passivate(1, roaring.BitmapOf(1))
	p.Confirm(1)
	p.Reset()
	assert.True(t, p.Release().IsEmpty())
	assert.Empty(t, p.PendingUpdates())
}

func TestPassivation_Pending(t *testing.T) {
	p := NewPassivation()
	assert.True(t, p.Pending().IsEmpty())
	p.Passivate(1, roaring.BitmapOf(3))
	p.Passivate(4, roaring.BitmapOf(5, 6))
	p.Activate(6)
	assert.Equal(t, []uint32{3, 5}, p.Pending().ToArray())
}
