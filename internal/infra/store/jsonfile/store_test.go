package jsonfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_LoadMissingFileReturnsNil(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "missing.json"), 0)
	data, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestStore_SaveThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.json")
	s := New(path, 0)

	want := []byte(`[{"ip":"169.202.0.1"}]`)
	require.NoError(t, s.Save(context.Background(), want))

	got, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(got))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
