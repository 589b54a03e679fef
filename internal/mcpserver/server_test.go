package mcpserver

import (
	"context"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/treesync/internal/config"
	"github.com/agentic-research/treesync/internal/metrics"
	"github.com/agentic-research/treesync/internal/treefile"
	"github.com/agentic-research/treesync/internal/view"
)

const doc = `[
  {"id": "a", "name": "A", "children": [
    {"id": "a1", "name": "A1"},
    {"id": "a2", "name": "A2"}
  ]},
  {"id": "b", "name": "B"}
]`

func newServer(t *testing.T, viewOpts []view.Option, opts ...Option) *Server {
	t.Helper()
	nodes, err := treefile.Parse([]byte(doc), treefile.DefaultPaths())
	require.NoError(t, err)
	src, resolve, err := view.FromNodes(nodes)
	require.NoError(t, err)
	v := view.New(src, resolve, viewOpts...)
	t.Cleanup(v.Close)
	require.NoError(t, v.Open(context.Background(), 0, 10))
	return New(v, "test", opts...)
}

func call(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.Len(t, res.Content, 1)
	switch c := res.Content[0].(type) {
	case mcp.TextContent:
		return c.Text
	case *mcp.TextContent:
		return c.Text
	}
	t.Fatalf("unexpected content %T", res.Content[0])
	return ""
}

func TestServer_ExpandCollapse(t *testing.T) {
	ctx := context.Background()
	s := newServer(t, nil)

	res, err := s.handleRows(ctx, call(nil))
	require.NoError(t, err)
	assert.Equal(t, "update 0\n+ A [a]\n  B [b]\n", text(t, res))

	res, err = s.handleExpand(ctx, call(map[string]any{"ids": []any{"a"}}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "expanded: a\nupdate 1\n- A [a]\n    A1 [a1]\n    A2 [a2]\n  B [b]\n", text(t, res))

	res, err = s.handleCollapse(ctx, call(map[string]any{"ids": []any{"a"}}))
	require.NoError(t, err)
	assert.Contains(t, text(t, res), "collapsed: a\nupdate 2\n")
}

func TestServer_ViewportAndConfirm(t *testing.T) {
	ctx := context.Background()
	s := newServer(t, nil)

	res, err := s.handleViewport(ctx, call(map[string]any{"start": float64(1), "length": float64(1)}))
	require.NoError(t, err)
	assert.Equal(t, "update 1\n… 1 rows\n  B [b]\n", text(t, res))

	res, err = s.handleConfirm(ctx, call(map[string]any{"update_id": float64(1)}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, text(t, res), "confirmed 1")

	res, err = s.handleConfirm(ctx, call(map[string]any{"update_id": float64(9)}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = s.handleViewport(ctx, call(map[string]any{"start": float64(0)}))
	require.NoError(t, err)
	assert.True(t, res.IsError, "length is required")
}

func TestServer_ToolErrors(t *testing.T) {
	ctx := context.Background()
	s := newServer(t, nil)

	res, err := s.handleExpand(ctx, call(map[string]any{"ids": []any{"missing"}}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "node not found")

	res, err = s.handleLevelRange(ctx, call(map[string]any{"parent_id": "a", "start": float64(0), "length": float64(1)}))
	require.NoError(t, err)
	assert.True(t, res.IsError, "flat views have no levels")

	res, err = s.handleMetrics(ctx, call(nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestServer_LegacyLevels(t *testing.T) {
	ctx := context.Background()
	s := newServer(t, []view.Option{view.WithLegacy(1)}, WithAutoConfirm())

	_, err := s.handleExpand(ctx, call(map[string]any{"ids": []any{"a"}}))
	require.NoError(t, err)
	res, err := s.handleLevelRange(ctx, call(map[string]any{"parent_id": "a", "start": float64(1), "length": float64(1)}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, text(t, res), "- A [a]\n… 1 rows\n    A2 [a2]\n  B [b]\n")
}

func TestServer_FilterUpdatesMetrics(t *testing.T) {
	ctx := context.Background()
	m := metrics.New(nil)
	nodes, err := treefile.Parse([]byte(doc), treefile.DefaultPaths())
	require.NoError(t, err)
	src, resolve, err := view.FromNodes(nodes)
	require.NoError(t, err)
	v := view.New(src, resolve, view.WithMetrics(m))
	t.Cleanup(v.Close)
	require.NoError(t, v.Open(ctx, 0, 10))
	s := New(v, "test", WithMetrics(m))

	res, err := s.handleFilter(ctx, call(map[string]any{"text": "b"}))
	require.NoError(t, err)
	assert.Equal(t, "update 1\n  B [b]\n", text(t, res))

	res, err = s.handleUpdates(ctx, call(map[string]any{"last": float64(2)}))
	require.NoError(t, err)
	out := text(t, res)
	assert.Contains(t, out, `"updateId":0`)
	assert.Contains(t, out, `"updateId":1`)

	res, err = s.handleMetrics(ctx, call(nil))
	require.NoError(t, err)
	assert.Contains(t, text(t, res), "treesync_flushes_total 2")
}

func TestServer_Reload(t *testing.T) {
	ctx := context.Background()
	fs := memfs.New()
	require.NoError(t, util.WriteFile(fs, "tree.json", []byte(doc), 0o644))
	cfg := config.Default().Source
	cfg.Path = "tree.json"
	b, err := view.OpenBackend(fs, cfg, "")
	require.NoError(t, err)
	v := view.New(b.Source(), b.Resolve, view.WithReload(b.Reload))
	t.Cleanup(func() {
		v.Close()
		_ = b.Close()
	})
	require.NoError(t, v.Open(ctx, 0, 10))
	s := New(v, "test", WithAutoConfirm())

	require.NoError(t, util.WriteFile(fs, "tree.json", []byte(`[{"id": "z", "name": "Z"}]`), 0o644))
	res, err := s.handleReload(ctx, call(nil))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "reloaded\nupdate 1\n  Z [z]\n", text(t, res))

	res, err = s.handleExpand(ctx, call(map[string]any{"ids": []any{"a"}}))
	require.NoError(t, err)
	assert.True(t, res.IsError, "old nodes are gone")
}

func TestServer_ReloadUnsupported(t *testing.T) {
	s := newServer(t, nil)
	res, err := s.handleReload(context.Background(), call(nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}
