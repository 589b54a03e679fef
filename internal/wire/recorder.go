package wire

import (
	"slices"
	"sync"
)

// Mirror replays committed updates into a client-side picture of the data:
// one row array per parent key, with the root level under "". It also keeps
// every committed batch.
type Mirror struct {
	mu           sync.Mutex
	levels       map[string][]Record
	batches      []Batch
	lastUpdateID int
	committed    bool
	initialized  int

	// OnCommit, when set, runs after each batch is applied.
	OnCommit func(Batch)
}

func newMirror() *Mirror {
	return &Mirror{levels: make(map[string][]Record)}
}

// Initialize counts renderer (re)initializations.
func (m *Mirror) Initialize() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialized++
}

func (m *Mirror) Initialized() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized
}

// Rows returns a copy of the level under parentKey. Rows the client holds
// no data for are nil.
func (m *Mirror) Rows(parentKey string) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.levels[parentKey])
}

// Keys returns the key field of each row of a level, "" for empty rows.
func (m *Mirror) Keys(parentKey string) []string {
	rows := m.Rows(parentKey)
	keys := make([]string, len(rows))
	for i, r := range rows {
		if k, ok := r[FieldKey].(string); ok {
			keys[i] = k
		}
	}
	return keys
}

// Batches returns every committed batch in commit order.
func (m *Mirror) Batches() []Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.batches)
}

// LastUpdateID returns the id of the most recent commit.
func (m *Mirror) LastUpdateID() (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastUpdateID, m.committed
}

// Levels returns the parent keys the mirror holds rows for, root first.
func (m *Mirror) Levels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.levels))
	for k := range m.levels {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// DropLevel forgets the rows of parentKey, as a client does on collapse.
func (m *Mirror) DropLevel(parentKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.levels, parentKey)
}

func (m *Mirror) apply(b Batch, parentKey string, size, updateID int) {
	m.mu.Lock()
	rows := resize(m.levels[parentKey], size)
	for _, c := range b.Commands {
		switch c := c.(type) {
		case SetCommand:
			if c.ParentKey != parentKey {
				continue
			}
			for i, r := range c.Records {
				if at := c.Start + i; at >= 0 && at < len(rows) {
					rows[at] = r
				}
			}
		case ClearCommand:
			if c.ParentKey != parentKey {
				continue
			}
			for at := max(c.Start, 0); at < min(c.Start+c.Length, len(rows)); at++ {
				rows[at] = nil
			}
		}
	}
	m.levels[parentKey] = rows
	b.Commands = append(b.Commands, CommitCommand{ParentKey: parentKey, UpdateID: updateID, Size: size})
	m.batches = append(m.batches, b)
	m.lastUpdateID = updateID
	m.committed = true
	onCommit := m.OnCommit
	m.mu.Unlock()

	if onCommit != nil {
		onCommit(b)
	}
}

func resize(rows []Record, size int) []Record {
	if size <= len(rows) {
		return rows[:size:size]
	}
	return append(rows, make([]Record, size-len(rows))...)
}

// recordedUpdate is the Update and HierarchicalUpdate handed out by the
// recorders. Commands accumulate until the single commit of the update.
type recordedUpdate struct {
	m     *Mirror
	batch Batch
}

func (u *recordedUpdate) Set(start int, records []Record) {
	u.SetForParent(start, records, "")
}

func (u *recordedUpdate) Clear(start, length int) {
	u.ClearForParent(start, length, "")
}

func (u *recordedUpdate) Commit(updateID int) {
	u.m.apply(u.batch, "", u.batch.Size, updateID)
}

func (u *recordedUpdate) SetForParent(start int, records []Record, parentKey string) {
	if len(records) == 0 {
		return
	}
	u.batch.Commands = append(u.batch.Commands, SetCommand{ParentKey: parentKey, Start: start, Records: slices.Clone(records)})
}

func (u *recordedUpdate) ClearForParent(start, length int, parentKey string) {
	if length <= 0 {
		return
	}
	u.batch.Commands = append(u.batch.Commands, ClearCommand{ParentKey: parentKey, Start: start, Length: length})
}

func (u *recordedUpdate) CommitForParent(updateID int, parentKey string, levelSize int) {
	u.m.apply(u.batch, parentKey, levelSize, updateID)
}

// Recorder is an in-process flat ArrayUpdater backed by a Mirror.
type Recorder struct {
	*Mirror
}

var _ ArrayUpdater = (*Recorder)(nil)

func NewRecorder() *Recorder { return &Recorder{Mirror: newMirror()} }

func (r *Recorder) StartUpdate(size int) Update {
	return &recordedUpdate{m: r.Mirror, batch: Batch{Size: size}}
}

// HierarchicalRecorder is the per-parent-key counterpart of Recorder.
type HierarchicalRecorder struct {
	*Mirror
}

var _ HierarchicalArrayUpdater = (*HierarchicalRecorder)(nil)

func NewHierarchicalRecorder() *HierarchicalRecorder {
	return &HierarchicalRecorder{Mirror: newMirror()}
}

func (r *HierarchicalRecorder) StartUpdate(size int) HierarchicalUpdate {
	return &recordedUpdate{m: r.Mirror, batch: Batch{Size: size}}
}
