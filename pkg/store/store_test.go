package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overlandkit/overland/pkg/logx"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(&Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.NewLogger("error", "test"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSetGet(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Set("key", "value"))

	value, found, err := s.Get("key")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "value", value)
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)

	_, found, err := s.Get("absent")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRemove(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Set("key", "value"))
	require.NoError(t, s.Remove("key"))

	_, found, err := s.Get("key")
	require.NoError(t, err)
	assert.False(t, found)

	// Removing an absent key is a no-op.
	require.NoError(t, s.Remove("key"))
}

func TestJSONRoundTrip(t *testing.T) {
	s := newTestStore(t)

	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	require.NoError(t, s.SetJSON("doc", payload{Name: "camp", Count: 3}))

	var decoded payload
	found, err := s.GetJSON("doc", &decoded)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, payload{Name: "camp", Count: 3}, decoded)

	found, err = s.GetJSON("absent", &decoded)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.db")
	logger := logx.NewLogger("error", "test")

	s, err := New(&Config{Path: path}, logger)
	require.NoError(t, err)
	require.NoError(t, s.Set("key", "survives"))
	require.NoError(t, s.Close())

	reopened, err := New(&Config{Path: path}, logger)
	require.NoError(t, err)
	defer reopened.Close()

	value, found, err := reopened.Get("key")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "survives", value)
}
