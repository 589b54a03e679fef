package logger

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/ohler55/ojg/oj"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lastLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.NotEmpty(t, lines)
	v, err := oj.Parse(lines[len(lines)-1])
	require.NoError(t, err)
	m, ok := v.(map[string]any)
	require.True(t, ok)
	return m
}

func TestLogger_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "warn", Output: &buf})

	l.Info("hidden").Send()
	assert.Zero(t, buf.Len())

	l.Warn("shown").Send()
	entry := lastLine(t, &buf)
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "shown", entry["msg"])
	assert.Equal(t, "treesync", entry["service"])
}

func TestLogger_Component(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "debug", Output: &buf}).Component("communicator")

	l.LogFlush(3, 0, 10, 42, 2, time.Millisecond, nil)
	entry := lastLine(t, &buf)
	assert.Equal(t, "communicator", entry["component"])
	assert.EqualValues(t, 3, entry["update_id"])
	assert.EqualValues(t, 42, entry["flat_size"])
}

func TestLogger_LogFetchError(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "error", Output: &buf})

	l.LogFetch("fetch", "root", 0, 5, 0, time.Millisecond, errors.New("boom"))
	entry := lastLine(t, &buf)
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, "boom", entry["error"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "debug", ParseLevel("debug").String())
	assert.Equal(t, "info", ParseLevel("bogus").String())
}

func TestNop(t *testing.T) {
	assert.NotPanics(t, func() { Nop().Error("nothing").Send() })
}
