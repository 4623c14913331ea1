package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/parker/internal/archive"
	"github.com/JakeFAU/parker/internal/storage/storetest"
)

func newMemoryStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	return store
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) archive.Store {
		return newMemoryStore(t)
	})
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{})
	require.Error(t, err)
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parker.db")
	ctx := context.Background()
	created := time.Date(2026, 1, 2, 3, 4, 5, 6000, time.UTC)

	store, err := Open(Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, store.CreateCapture(ctx, storetest.NewCapture("cap-1", "https://example.org", created)))
	require.NoError(t, store.CreateSchedule(ctx, &archive.Schedule{
		ID: "sch-1", URL: "https://example.org", IntervalHours: 6, NextRunAt: created, Enabled: true, CreatedAt: created,
	}))
	require.NoError(t, store.Close())

	store, err = Open(Config{Path: path})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, store.Close())
	}()
	got, err := store.GetCapture(ctx, "cap-1")
	require.NoError(t, err)
	assert.True(t, got.CreatedAt.Equal(created))

	ok, err := store.AdvanceSchedule(ctx, "sch-1", created, created.Add(6*time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `100\%\_a\\b`, escapeLike(`100%_a\b`))
}
