package keymap

import (
	"slices"

	"github.com/RoaringBitmap/roaring"
)

// Passivation holds keys dropped from the client per update id until the
// client confirms that update. A confirmed id releases its own keys and the
// keys of every older update, which covers updates the client skipped.
type Passivation struct {
	pending      map[int]*roaring.Bitmap
	confirmed    bool
	maxConfirmed int
}

func NewPassivation() *Passivation {
	return &Passivation{pending: make(map[int]*roaring.Bitmap)}
}

// Passivate records slots as dropped by updateID.
func (p *Passivation) Passivate(updateID int, slots *roaring.Bitmap) {
	if slots == nil || slots.IsEmpty() {
		return
	}
	if bm, ok := p.pending[updateID]; ok {
		bm.Or(slots)
		return
	}
	p.pending[updateID] = slots.Clone()
}

// Activate takes slot out of every pending update; it is in use again.
func (p *Passivation) Activate(slot uint32) {
	for id, bm := range p.pending {
		bm.Remove(slot)
		if bm.IsEmpty() {
			delete(p.pending, id)
		}
	}
}

// IsPassivated reports whether slot waits for a confirmation.
func (p *Passivation) IsPassivated(slot uint32) bool {
	for _, bm := range p.pending {
		if bm.Contains(slot) {
			return true
		}
	}
	return false
}

// Pending returns every slot that waits for a confirmation.
func (p *Passivation) Pending() *roaring.Bitmap {
	out := roaring.New()
	for _, bm := range p.pending {
		out.Or(bm)
	}
	return out
}

// Confirm queues updateID for release.
func (p *Passivation) Confirm(updateID int) {
	if !p.confirmed || updateID > p.maxConfirmed {
		p.maxConfirmed = updateID
	}
	p.confirmed = true
}

// Release removes and returns the slots of all confirmed updates.
func (p *Passivation) Release() *roaring.Bitmap {
	out := roaring.New()
	if !p.confirmed {
		return out
	}
	for id, bm := range p.pending {
		if id <= p.maxConfirmed {
			out.Or(bm)
			delete(p.pending, id)
		}
	}
	p.confirmed = false
	return out
}

// PendingUpdates lists update ids that still hold keys, ascending.
func (p *Passivation) PendingUpdates() []int {
	ids := make([]int, 0, len(p.pending))
	for id := range p.pending {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Reset drops all pending and confirmed state.
func (p *Passivation) Reset() {
	clear(p.pending)
	p.confirmed = false
	p.maxConfirmed = 0
}
