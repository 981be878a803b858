package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Presence/internal/core"
	"github.com/dkeye/Presence/internal/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) core.Store {
		s, err := New(context.Background(), filepath.Join(t.TempDir(), "presence.db"))
		require.NoError(t, err)
		return s
	})
}

func TestReopenKeepsRows(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "presence.db")

	s, err := New(ctx, path)
	require.NoError(t, err)
	_, created, err := s.GetOrCreateRoom(ctx, "lobby")
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, s.Close())

	s, err = New(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	_, created, err = s.GetOrCreateRoom(ctx, "lobby")
	require.NoError(t, err)
	require.False(t, created)
}

func TestDataSource(t *testing.T) {
	cases := []struct {
		in, file, dsn string
	}{
		{"data/presence.db", "data/presence.db", "data/presence.db?" + connOptions},
		{"file:x.db?cache=shared", "x.db", "file:x.db?cache=shared&" + connOptions},
		{"file:/var/lib/p.db", "/var/lib/p.db", "file:/var/lib/p.db?" + connOptions},
	}
	for _, c := range cases {
		file, dsn := dataSource(c.in)
		assert.Equal(t, c.file, file, c.in)
		assert.Equal(t, c.dsn, dsn, c.in)
	}
}

func TestOpenURIWithQuery(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "presence.db")

	s, err := New(ctx, "file:"+path+"?cache=shared")
	require.NoError(t, err)
	defer s.Close()
	_, created, err := s.GetOrCreateRoom(ctx, "lobby")
	require.NoError(t, err)
	assert.True(t, created)
	assert.FileExists(t, path)
}
