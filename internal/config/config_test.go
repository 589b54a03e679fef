package config

import (
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Full(t *testing.T) {
	fs := memfs.New()
	require.NoError(t, util.WriteFile(fs, "etc/treesync.hcl", []byte(`
log {
  level  = "debug"
  pretty = true
}

source {
  kind          = "sqlite"
  path          = "nodes.db"
  name_path     = "$.title"
}

viewport {
  start  = 10
  length = 20
}

communicator = "legacy"
expand       = ["a", "a/b"]
filter       = "go"
`), 0o644))

	c, err := Load(fs, "etc/treesync.hcl")
	require.NoError(t, err)
	assert.Equal(t, "debug", c.Log.Level)
	assert.True(t, c.Log.Pretty)
	assert.Equal(t, SourceSQLite, c.Source.Kind)
	assert.Equal(t, "nodes.db", c.Source.Path)
	assert.Equal(t, "$.title", c.Source.NamePath)
	assert.Equal(t, "$.id", c.Source.IDPath, "defaults fill unset fields")
	assert.Equal(t, 10, c.Viewport.Start)
	assert.Equal(t, 20, c.Viewport.Length)
	assert.Equal(t, CommunicatorLegacy, c.Communicator)
	assert.Equal(t, []string{"a", "a/b"}, c.Expand)
	assert.Equal(t, "go", c.Filter)
}

func TestParse_Defaults(t *testing.T) {
	c, err := Parse("empty.hcl", nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
	assert.Equal(t, "info", c.Log.Level)
	assert.Equal(t, SourceJSON, c.Source.Kind)
	assert.Equal(t, "$.children", c.Source.ChildrenPath)
	assert.Equal(t, 50, c.Viewport.Length)
	assert.Equal(t, CommunicatorCache, c.Communicator)
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse("bad.hcl", []byte(`
source {
  kind = "xml"
}
communicator = "push"
`))
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), `source kind "xml"`)
	assert.Contains(t, err.Error(), `communicator "push"`)

	_, err = Parse("neg.hcl", []byte("viewport {\n  start = -1\n}\n"))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestParse_SyntaxError(t *testing.T) {
	_, err := Parse("broken.hcl", []byte("source {"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalid)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(memfs.New(), "nope.hcl")
	assert.Error(t, err)
}
