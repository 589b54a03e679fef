// Package keymap assigns client-visible keys to items and tracks the keys
// that were dropped from the client but not yet confirmed as gone.
//
// Keys are decimal slot numbers starting at 1. A slot is never handed out
// twice during the mapper's lifetime, so a stale key from the client can
// only miss, never resolve to a different item.
package keymap

import (
	"strconv"

	"github.com/RoaringBitmap/roaring"
)

// KeyMapper maps item identities to client keys and back.
type KeyMapper[K comparable, T any] struct {
	idOf func(T) K

	next       uint32
	live       *roaring.Bitmap
	idToSlot   map[K]uint32
	slotToItem map[uint32]T
}

func New[K comparable, T any](idOf func(T) K) *KeyMapper[K, T] {
	return &KeyMapper[K, T]{
		idOf:       idOf,
		live:       roaring.New(),
		idToSlot:   make(map[K]uint32),
		slotToItem: make(map[uint32]T),
	}
}

// Key returns the key of item, registering it first when needed.
func (m *KeyMapper[K, T]) Key(item T) string {
	return KeyForSlot(m.Slot(item))
}

// Slot is like Key but returns the raw slot.
func (m *KeyMapper[K, T]) Slot(item T) uint32 {
	id := m.idOf(item)
	if slot, ok := m.idToSlot[id]; ok {
		m.slotToItem[slot] = item
		return slot
	}
	m.next++
	slot := m.next
	m.idToSlot[id] = slot
	m.slotToItem[slot] = item
	m.live.Add(slot)
	return slot
}

// Has reports whether item's identity currently has a key.
func (m *KeyMapper[K, T]) Has(item T) bool {
	_, ok := m.idToSlot[m.idOf(item)]
	return ok
}

// ContainsKey reports whether key resolves.
func (m *KeyMapper[K, T]) ContainsKey(key string) bool {
	slot, ok := ParseKey(key)
	return ok && m.live.Contains(slot)
}

// Get resolves key to the last registered instance.
func (m *KeyMapper[K, T]) Get(key string) (T, bool) {
	slot, ok := ParseKey(key)
	if !ok {
		var zero T
		return zero, false
	}
	return m.ItemAt(slot)
}

func (m *KeyMapper[K, T]) ItemAt(slot uint32) (T, bool) {
	item, ok := m.slotToItem[slot]
	return item, ok
}

// ExistingKey returns item's key without registering it.
func (m *KeyMapper[K, T]) ExistingKey(item T) (string, bool) {
	slot, ok := m.idToSlot[m.idOf(item)]
	if !ok {
		return "", false
	}
	return KeyForSlot(slot), true
}

// Refresh swaps in a new instance for a registered identity.
func (m *KeyMapper[K, T]) Refresh(item T) bool {
	slot, ok := m.idToSlot[m.idOf(item)]
	if !ok {
		return false
	}
	m.slotToItem[slot] = item
	return true
}

// Remove drops the key of item. The slot is not reused.
func (m *KeyMapper[K, T]) Remove(item T) {
	id := m.idOf(item)
	slot, ok := m.idToSlot[id]
	if !ok {
		return
	}
	delete(m.idToSlot, id)
	delete(m.slotToItem, slot)
	m.live.Remove(slot)
}

// RemoveSlot drops whatever item holds slot.
func (m *KeyMapper[K, T]) RemoveSlot(slot uint32) (T, bool) {
	item, ok := m.slotToItem[slot]
	if ok {
		m.Remove(item)
	}
	return item, ok
}

// RemoveAll forgets every key.
func (m *KeyMapper[K, T]) RemoveAll() {
	clear(m.idToSlot)
	clear(m.slotToItem)
	m.live.Clear()
}

// Len is the number of live keys.
func (m *KeyMapper[K, T]) Len() int { return int(m.live.GetCardinality()) }

// Live returns a copy of the live slot set.
func (m *KeyMapper[K, T]) Live() *roaring.Bitmap { return m.live.Clone() }

func KeyForSlot(slot uint32) string { return strconv.FormatUint(uint64(slot), 10) }

// ParseKey returns the slot encoded in key.
func ParseKey(key string) (uint32, bool) {
	n, err := strconv.ParseUint(key, 10, 32)
	if err != nil || n == 0 {
		return 0, false
	}
	return uint32(n), true
}
