package communicator

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/treesync/internal/provider"
	"github.com/agentic-research/treesync/internal/session"
	"github.com/agentic-research/treesync/internal/statetree"
	"github.com/agentic-research/treesync/internal/treecache"
	"github.com/agentic-research/treesync/internal/wire"
)

type stringSource = provider.HierarchicalDataSource[string, string, provider.Predicate[string]]

type testComm = HierarchicalDataCommunicator[string, string, provider.Predicate[string]]

func identity(s string) string { return s }

func ptr[T any](v T) *T { return &v }

// abTree builds A(A1, A2), B.
func abTree(t *testing.T) *provider.TreeData[string, string] {
	t.Helper()
	d := provider.NewTreeData(identity)
	require.NoError(t, d.AddRootItems("A", "B"))
	require.NoError(t, d.AddItems(ptr("A"), "A1", "A2"))
	return d
}

type harness struct {
	t    *testing.T
	sess *session.Session
	rec  *wire.Recorder
	comm *testComm
}

func newHarness(t *testing.T, src stringSource) *harness {
	t.Helper()
	h := &harness{t: t, sess: session.New(), rec: wire.NewRecorder()}
	node := statetree.NewStateNode()
	h.comm = New(src, h.sess.Tree(), node, h.rec)
	t.Cleanup(h.comm.Close)
	// attach and render an empty viewport as update 0
	h.access(func() error {
		if err := h.sess.Tree().RootNode().List("children").Append(node); err != nil {
			return err
		}
		return h.comm.RequestFlush()
	})
	return h
}

func (h *harness) access(fn func() error) {
	h.t.Helper()
	require.NoError(h.t, h.try(fn))
}

func (h *harness) try(fn func() error) error {
	_, err := h.sess.Access(context.Background(), func(*statetree.StateTree) error { return fn() })
	return err
}

// rows maps the client rows back to items; empty rows are "".
func (h *harness) rows() []string {
	var out []string
	for _, key := range h.rec.Keys("") {
		if key == "" {
			out = append(out, "")
			continue
		}
		item, ok := h.comm.KeyMapper().Get(key)
		require.True(h.t, ok, "key %s resolves", key)
		out = append(out, item)
	}
	return out
}

func TestCommunicator_ExpandCollapse(t *testing.T) {
	src := provider.NewTreeDataProvider(abTree(t), provider.Nested)
	h := newHarness(t, src)

	h.access(func() error { return h.comm.SetViewportRange(0, 3) })
	assert.Equal(t, []string{"A", "B"}, h.rows())
	assert.Equal(t, 2, h.comm.FlatSize())

	h.access(func() error {
		changed, err := h.comm.Expand(context.Background(), "A")
		assert.Equal(t, []string{"A"}, changed)
		return err
	})
	assert.Equal(t, []string{"A", "A1", "A2", ""}, h.rows())
	assert.Equal(t, 4, h.comm.FlatSize())

	rows := h.rec.Rows("")
	assert.Equal(t, 0, rows[0][wire.FieldLevel])
	assert.Equal(t, true, rows[0][wire.FieldExpanded])
	assert.Equal(t, true, rows[0][wire.FieldHasChildren])
	assert.Equal(t, 1, rows[1][wire.FieldLevel])
	assert.Equal(t, false, rows[1][wire.FieldHasChildren])

	h.access(func() error {
		changed, err := h.comm.Collapse("A")
		assert.Equal(t, []string{"A"}, changed)
		return err
	})
	assert.Equal(t, []string{"A", "B"}, h.rows())
	assert.Equal(t, 2, h.comm.FlatSize())
	assert.False(t, h.comm.IsExpanded("A"))
}

func TestCommunicator_ExpandCollapseAreIdempotent(t *testing.T) {
	src := provider.NewTreeDataProvider(abTree(t), provider.Nested)
	h := newHarness(t, src)
	ctx := context.Background()

	h.access(func() error {
		changed, err := h.comm.Expand(ctx, "A", "B")
		require.NoError(t, err)
		assert.Equal(t, []string{"A"}, changed, "leaves are not expandable")

		changed, err = h.comm.Expand(ctx, "A")
		require.NoError(t, err)
		assert.Empty(t, changed)

		changed, err = h.comm.Collapse("B")
		require.NoError(t, err)
		assert.Empty(t, changed)
		return nil
	})
}

func TestCommunicator_InitializesRendererOnce(t *testing.T) {
	src := provider.NewTreeDataProvider(abTree(t), provider.Nested)
	h := newHarness(t, src)

	h.access(func() error { return h.comm.SetViewportRange(0, 2) })
	h.access(func() error { return h.comm.SetViewportRange(0, 1) })
	assert.Equal(t, 1, h.rec.Initialized())
	assert.Len(t, h.rec.Batches(), 3)
	assert.Equal(t, 2, h.comm.LastUpdateID())
}

func TestCommunicator_FlushesCoalesce(t *testing.T) {
	src := provider.NewTreeDataProvider(abTree(t), provider.Nested)
	h := newHarness(t, src)

	h.access(func() error {
		require.NoError(t, h.comm.SetViewportRange(0, 1))
		require.NoError(t, h.comm.SetViewportRange(0, 2))
		assert.True(t, h.comm.FlushPending())
		return h.comm.RequestFlush()
	})
	assert.Len(t, h.rec.Batches(), 2)
	assert.False(t, h.comm.FlushPending())
	assert.Equal(t, []string{"A", "B"}, h.rows())
}

func TestCommunicator_ViewportClampsToFlatSize(t *testing.T) {
	src := provider.NewTreeDataProvider(abTree(t), provider.Nested)
	h := newHarness(t, src)

	h.access(func() error { return h.comm.SetViewportRange(5, 3) })
	start, length := h.comm.Viewport()
	assert.Equal(t, 0, start)
	assert.Equal(t, 3, length)
	assert.Equal(t, []string{"A", "B"}, h.rows())

	assert.ErrorIs(t, h.try(func() error { return h.comm.SetViewportRange(-1, 3) }), provider.ErrIllegalArgument)
}

// wideTree builds R0..R4 with three children each.
func wideTree(t *testing.T) *provider.TreeData[string, string] {
	t.Helper()
	d := provider.NewTreeData(identity)
	for _, r := range []string{"R0", "R1", "R2", "R3", "R4"} {
		require.NoError(t, d.AddRootItems(r))
		require.NoError(t, d.AddItems(ptr(r), r+"-0", r+"-1", r+"-2"))
	}
	return d
}

func TestCommunicator_PreloadForwardBackwardSymmetry(t *testing.T) {
	ctx := context.Background()
	src := provider.NewTreeDataProvider(wideTree(t), provider.Nested)
	h := newHarness(t, src)
	h.access(func() error {
		_, err := h.comm.Expand(ctx, "R1", "R3")
		return err
	})

	h.access(func() error {
		backward, err := h.comm.PreloadFlatRangeBackward(ctx, 5, 5)
		require.NoError(t, err)
		assert.Equal(t, []string{"R3", "R3-0", "R3-1", "R3-2", "R4"}, backward)

		start := h.comm.rootCache.FlatIndexOfItem("R3")
		forward, err := h.comm.PreloadFlatRangeForward(ctx, start, 5)
		require.NoError(t, err)
		assert.Equal(t, backward, forward)

		all, err := h.comm.PreloadFlatRangeForward(ctx, 0, 100)
		require.NoError(t, err)
		assert.Len(t, all, 11)
		again, err := h.comm.PreloadFlatRangeBackward(ctx, 11, 11)
		require.NoError(t, err)
		assert.Equal(t, all, again)
		return nil
	})
}

func TestCommunicator_PreloadBackwardNeverExpandsFirstRow(t *testing.T) {
	ctx := context.Background()
	src := provider.NewTreeDataProvider(wideTree(t), provider.Nested)
	h := newHarness(t, src)

	h.access(func() error {
		_, err := h.comm.Expand(ctx, "R3")
		require.NoError(t, err)

		items, err := h.comm.PreloadFlatRangeBackward(ctx, 4, 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"R3"}, items)
		assert.Equal(t, 5, h.comm.FlatSize(), "R3 children are not loaded")

		items, err = h.comm.PreloadFlatRangeForward(ctx, 3, 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"R3"}, items)
		assert.Equal(t, 8, h.comm.FlatSize())
		return nil
	})
}

func TestCommunicator_DroppedKeysSurviveUntilConfirmed(t *testing.T) {
	d := provider.NewTreeData(identity)
	require.NoError(t, d.AddRootItems("A", "B", "C", "D"))
	h := newHarness(t, provider.NewTreeDataProvider(d, provider.Nested))
	keys := h.comm.KeyMapper()

	h.access(func() error { return h.comm.SetViewportRange(0, 2) })
	keyA, ok := keys.ExistingKey("A")
	require.True(t, ok)

	h.access(func() error { return h.comm.SetViewportRange(2, 2) })
	assert.Equal(t, []string{"", "", "C", "D"}, h.rows())
	assert.Equal(t, []int{2}, h.comm.PendingUpdates())

	// the client may still send events for rows of update 1
	h.access(func() error { return h.comm.ConfirmUpdate(1) })
	item, ok := keys.Get(keyA)
	assert.True(t, ok)
	assert.Equal(t, "A", item)

	h.access(func() error { return h.comm.ConfirmUpdate(2) })
	assert.False(t, keys.ContainsKey(keyA))
	assert.Empty(t, h.comm.PendingUpdates())
	assert.True(t, keys.Has("C"))
}

func TestCommunicator_ReturningKeysAreReactivated(t *testing.T) {
	d := provider.NewTreeData(identity)
	require.NoError(t, d.AddRootItems("A", "B", "C", "D"))
	h := newHarness(t, provider.NewTreeDataProvider(d, provider.Nested))
	keys := h.comm.KeyMapper()

	h.access(func() error { return h.comm.SetViewportRange(0, 2) })
	keyA, _ := keys.ExistingKey("A")
	h.access(func() error { return h.comm.SetViewportRange(2, 2) })
	h.access(func() error { return h.comm.SetViewportRange(0, 2) })

	h.access(func() error { return h.comm.ConfirmUpdate(3) })
	again, ok := keys.ExistingKey("A")
	assert.True(t, ok, "A is visible again")
	assert.Equal(t, keyA, again)
	assert.False(t, keys.Has("C"), "dropped by update 3")
}

func TestCommunicator_ConfirmUnknownUpdate(t *testing.T) {
	h := newHarness(t, provider.NewTreeDataProvider(abTree(t), provider.Nested))
	err := h.try(func() error { return h.comm.ConfirmUpdate(5) })
	assert.ErrorIs(t, err, provider.ErrIllegalArgument)
}

// shortSource answers counts honestly but drops the last item of every
// fetch.
type shortSource struct {
	stringSource
}

func (s shortSource) FetchChildren(ctx context.Context, q provider.HierarchicalQuery[string, string, provider.Predicate[string]]) ([]string, error) {
	items, err := s.stringSource.FetchChildren(ctx, q)
	if err != nil || len(items) == 0 {
		return items, err
	}
	return items[:len(items)-1], nil
}

func TestCommunicator_ShortFetchIsIllegalState(t *testing.T) {
	src := shortSource{provider.NewTreeDataProvider(abTree(t), provider.Nested)}
	h := newHarness(t, src)

	err := h.try(func() error { return h.comm.SetViewportRange(0, 2) })
	assert.ErrorIs(t, err, provider.ErrIllegalState)
}

func TestCommunicator_RefreshChildrenResizes(t *testing.T) {
	data := abTree(t)
	src := provider.NewTreeDataProvider(data, provider.Nested)
	h := newHarness(t, src)
	h.access(func() error {
		if _, err := h.comm.Expand(context.Background(), "A"); err != nil {
			return err
		}
		return h.comm.SetViewportRange(0, 10)
	})
	assert.Equal(t, []string{"A", "A1", "A2", "B"}, h.rows())

	require.NoError(t, data.AddItem(ptr("A"), "A3"))
	h.access(func() error {
		src.RefreshItem("A", true)
		return nil
	})
	assert.Equal(t, []string{"A", "A1", "A2", "A3", "B"}, h.rows())
}

func TestCommunicator_RefreshAllResetsKeys(t *testing.T) {
	src := provider.NewTreeDataProvider(abTree(t), provider.Nested)
	h := newHarness(t, src)
	h.access(func() error { return h.comm.SetViewportRange(0, 2) })
	before, _ := h.comm.KeyMapper().ExistingKey("A")

	h.access(func() error {
		src.RefreshAll()
		return nil
	})
	after, ok := h.comm.KeyMapper().ExistingKey("A")
	require.True(t, ok)
	assert.NotEqual(t, before, after)
	assert.Equal(t, []string{"A", "B"}, h.rows())
}

func TestCommunicator_Filter(t *testing.T) {
	src := provider.NewTreeDataProvider(abTree(t), provider.Nested)
	h := newHarness(t, src)
	notB := provider.Predicate[string](func(s string) bool { return s != "B" })

	h.access(func() error {
		require.NoError(t, h.comm.SetViewportRange(0, 5))
		return h.comm.SetFilter(&notB)
	})
	assert.Equal(t, []string{"A"}, h.rows())

	h.access(func() error { return h.comm.SetFilter(nil) })
	assert.Equal(t, []string{"A", "B"}, h.rows())
}

func TestCommunicator_InMemorySorting(t *testing.T) {
	src := provider.NewTreeDataProvider(abTree(t), provider.Nested)
	h := newHarness(t, src)
	h.access(func() error {
		require.NoError(t, h.comm.SetViewportRange(0, 5))
		return h.comm.SetInMemorySorting(func(a, b string) int { return -strings.Compare(a, b) })
	})
	assert.Equal(t, []string{"B", "A"}, h.rows())
}

func TestCommunicator_ResolveIndexPath(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, provider.NewTreeDataProvider(abTree(t), provider.Nested))

	h.access(func() error {
		flat, err := h.comm.ResolveIndexPath(ctx, 0, 1)
		require.NoError(t, err)
		assert.Equal(t, 2, flat)
		assert.True(t, h.comm.IsExpanded("A"))

		flat, err = h.comm.ResolveIndexPath(ctx, -1)
		require.NoError(t, err)
		assert.Equal(t, 3, flat)

		_, err = h.comm.ResolveIndexPath(ctx, 1, 0)
		assert.ErrorIs(t, err, provider.ErrIllegalArgument)

		_, err = h.comm.ResolveIndexPath(ctx, 7)
		assert.ErrorIs(t, err, treecache.ErrIndexOutOfBounds)
		return nil
	})
}

func TestCommunicator_Item(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, provider.NewTreeDataProvider(abTree(t), provider.Nested))

	h.access(func() error {
		_, err := h.comm.Expand(ctx, "A")
		require.NoError(t, err)
		item, err := h.comm.Item(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, "A", item)
		item, err = h.comm.Item(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "A1", item)
		assert.Equal(t, 1, h.comm.Depth("A1"))

		_, err = h.comm.Item(ctx, 99)
		assert.ErrorIs(t, err, treecache.ErrIndexOutOfBounds)
		return nil
	})
}

func TestCommunicator_FlattenedSource(t *testing.T) {
	src := provider.NewTreeDataProvider(abTree(t), provider.Flattened)
	h := newHarness(t, src)

	h.access(func() error { return h.comm.SetViewportRange(0, 10) })
	assert.Equal(t, []string{"A", "B"}, h.rows())

	h.access(func() error {
		_, err := h.comm.Expand(context.Background(), "A")
		return err
	})
	assert.Equal(t, []string{"A", "A1", "A2", "B"}, h.rows())
	rows := h.rec.Rows("")
	assert.Equal(t, []any{0, 1, 1, 0}, []any{
		rows[0][wire.FieldLevel], rows[1][wire.FieldLevel], rows[2][wire.FieldLevel], rows[3][wire.FieldLevel],
	})

	h.access(func() error {
		_, err := h.comm.Collapse("A")
		return err
	})
	assert.Equal(t, []string{"A", "B"}, h.rows())

	h.access(func() error {
		_, err := h.comm.ResolveIndexPath(context.Background(), 0)
		assert.ErrorIs(t, err, provider.ErrUnsupported)
		assert.ErrorIs(t, h.comm.Refresh(context.Background(), "A", true), provider.ErrUnsupported)
		return nil
	})
}

func TestCommunicator_DataGenerators(t *testing.T) {
	h := newHarness(t, provider.NewTreeDataProvider(abTree(t), provider.Nested))
	remove := h.comm.AddDataGenerator(wire.GeneratorFunc[string](func(item string, rec wire.Record) {
		rec["label"] = strings.ToLower(item)
	}))
	h.access(func() error { return h.comm.SetViewportRange(0, 2) })
	assert.Equal(t, "a", h.rec.Rows("")[0]["label"])

	remove()
	h.access(func() error { return h.comm.RequestFlush() })
	assert.NotContains(t, h.rec.Rows("")[0], "label")
}

func TestCommunicator_UnsupportedSizing(t *testing.T) {
	h := newHarness(t, provider.NewTreeDataProvider(abTree(t), provider.Nested))
	assert.ErrorIs(t, h.comm.SetItemCountEstimate(100), provider.ErrUnsupported)
	assert.ErrorIs(t, h.comm.SetItemCountEstimateIncrease(10), provider.ErrUnsupported)
	assert.ErrorIs(t, h.comm.SetDefinedSize(false), provider.ErrUnsupported)
	assert.NoError(t, h.comm.SetDefinedSize(true))
}
