package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/treesync/internal/config"
	"github.com/agentic-research/treesync/internal/treefile"
)

const treeJSON = `[
  {"id": "a", "name": "A", "children": [
    {"id": "a1", "name": "A1"},
    {"id": "a2", "name": "A2"}
  ]},
  {"id": "b", "name": "B"}
]`

const expandedA = "- A [a]\n    A1 [a1]\n    A2 [a2]\n  B [b]\n"

func writeTree(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "tree.json")
	require.NoError(t, os.WriteFile(p, []byte(treeJSON), 0o644))
	return p
}

func viewConfig(kind, path string, expand ...string) *config.Config {
	cfg := config.Default()
	cfg.Log.Level = "error"
	cfg.Source.Kind = kind
	cfg.Source.Path = path
	cfg.Viewport.Length = 10
	cfg.Expand = expand
	return cfg
}

func TestRunView_JSON(t *testing.T) {
	var out bytes.Buffer
	err := runView(context.Background(), &out, viewConfig(config.SourceJSON, writeTree(t), "a"), false, false)
	require.NoError(t, err)
	assert.Equal(t, expandedA, out.String())
}

func TestRunView_ConfiguredFilter(t *testing.T) {
	cfg := viewConfig(config.SourceJSON, writeTree(t), "a")
	cfg.Filter = "a1"
	var out bytes.Buffer
	require.NoError(t, runView(context.Background(), &out, cfg, false, false))
	assert.Equal(t, "- A [a]\n    A1 [a1]\n", out.String())
}

func TestRunView_WireAndMetrics(t *testing.T) {
	var out bytes.Buffer
	err := runView(context.Background(), &out, viewConfig(config.SourceJSON, writeTree(t)), true, true)
	require.NoError(t, err)
	s := out.String()
	assert.Contains(t, s, "+ A [a]\n  B [b]\n")
	assert.Contains(t, s, `"commands":[`)
	assert.Contains(t, s, "treesync_flushes_total")
}

func TestRunView_Legacy(t *testing.T) {
	cfg := viewConfig(config.SourceJSON, writeTree(t), "a")
	cfg.Communicator = config.CommunicatorLegacy
	var out bytes.Buffer
	require.NoError(t, runView(context.Background(), &out, cfg, false, false))
	assert.Equal(t, expandedA, out.String())
}

func TestRunBuild_ThenViewSQLite(t *testing.T) {
	ctx := context.Background()
	in := writeTree(t)
	db := filepath.Join(t.TempDir(), "tree.db")

	var out bytes.Buffer
	require.NoError(t, runBuild(ctx, &out, in, db, treefile.DefaultPaths()))
	assert.Contains(t, out.String(), "4 nodes")

	// building again replaces the file
	out.Reset()
	require.NoError(t, runBuild(ctx, &out, in, db, treefile.DefaultPaths()))

	out.Reset()
	require.NoError(t, runView(ctx, &out, viewConfig(config.SourceSQLite, db, "a"), false, false))
	assert.Equal(t, expandedA, out.String())
}

func TestRunBuild_MissingInput(t *testing.T) {
	dir := t.TempDir()
	err := runBuild(context.Background(), &bytes.Buffer{}, filepath.Join(dir, "nope.json"), filepath.Join(dir, "x.db"), treefile.DefaultPaths())
	assert.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	hcl := `
communicator = "legacy"
expand = ["a"]

source {
  path = "tree.json"
}

viewport {
  start  = 1
  length = 5
}
`
	p := filepath.Join(dir, "treesync.hcl")
	require.NoError(t, os.WriteFile(p, []byte(hcl), 0o644))

	configPath = p
	t.Cleanup(func() { configPath = "" })

	c := &cobra.Command{Use: "test"}
	addViewFlags(c)
	require.NoError(t, c.ParseFlags([]string{"--length", "7", "--filter", "A"}))

	cfg, err := loadConfig(c, nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "tree.json"), cfg.Source.Path)
	assert.Equal(t, config.SourceJSON, cfg.Source.Kind)
	assert.Equal(t, config.CommunicatorLegacy, cfg.Communicator)
	assert.Equal(t, []string{"a"}, cfg.Expand)
	assert.Equal(t, 1, cfg.Viewport.Start)
	assert.Equal(t, 7, cfg.Viewport.Length)
	assert.Equal(t, "A", cfg.Filter)
}

func TestLoadConfig_ArgPicksKind(t *testing.T) {
	c := &cobra.Command{Use: "test"}
	addViewFlags(c)
	require.NoError(t, c.ParseFlags(nil))

	cfg, err := loadConfig(c, []string{"tree.db"})
	require.NoError(t, err)
	assert.Equal(t, config.SourceSQLite, cfg.Source.Kind)
	assert.Equal(t, "tree.db", cfg.Source.Path)
	assert.Equal(t, config.CommunicatorCache, cfg.Communicator)
}
