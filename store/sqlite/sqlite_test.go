package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/maxpert/burrow/store"
	"github.com/maxpert/burrow/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T, dir string) store.Adapter {
	t.Helper()
	s, err := Open(filepath.Join(dir, "burrow.db"))
	require.NoError(t, err)
	return s
}

func TestSQLiteStore(t *testing.T) {
	storetest.RunAdapterTests(t, storetest.Harness{
		Open:            openStore,
		Durable:         true,
		ExactCompaction: true,
	})
}

func TestSQLiteStore_RejectsSequenceNotAfterHead(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Commit(ctx, &store.Commit{Entries: []store.Entry{
		{Message: storetest.NewMessage("orders", 1)},
		{Message: storetest.NewMessage("orders", 2)},
	}}))

	err := s.Commit(ctx, &store.Commit{Entries: []store.Entry{
		{Message: storetest.NewMessage("orders", 3)},
		{Message: storetest.NewMessage("orders", 2)},
	}})
	assert.Error(t, err)

	// the whole commit rolled back
	msgs, err := s.ReadFrom(ctx, "orders", 0, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	state, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, state.Destinations, 1)
	assert.Equal(t, uint64(2), state.Destinations[0].Head)
}
