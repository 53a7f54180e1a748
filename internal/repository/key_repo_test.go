package repository

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berridl/berridl/internal/database"
	"github.com/berridl/berridl/internal/models"
)

func newTestRepo(t *testing.T) KeyRepository {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "vault.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.AutoMigrate(&models.KeyEntry{}))
	return NewKeyRepository(db.DB)
}

func TestKeyRepo_StoreAndRetrieve(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Store(ctx, "pssh-a", "kid1:key1 kid2:key2", models.DRMWidevine))

	key, ok, err := repo.Retrieve(ctx, "pssh-a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "kid1:key1 kid2:key2", key)

	key, drmType, ok, err := repo.RetrieveWithDRM(ctx, "pssh-a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "kid1:key1 kid2:key2", key)
	assert.Equal(t, models.DRMWidevine, drmType)

	_, ok, err = repo.Retrieve(ctx, "pssh-missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKeyRepo_AssignsRowID(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Store(ctx, "pssh-a", "kid:key", models.DRMWidevine))

	entries, err := repo.ListByDRM(ctx, models.DRMWidevine)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].ID.IsZero())

	// The id survives a string round-trip through its canonical form.
	parsed, err := models.ParseULID(entries[0].ID.String())
	require.NoError(t, err)
	assert.Equal(t, entries[0].ID, parsed)
}

func TestKeyRepo_UpsertReplacesValueKeepsID(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Store(ctx, "pssh-a", "old:key", models.DRMWidevine))
	first, err := repo.ListByDRM(ctx, models.DRMWidevine)
	require.NoError(t, err)
	require.Len(t, first, 1)

	require.NoError(t, repo.Store(ctx, "pssh-a", "new:key", models.DRMRemoteWidevine))

	key, drmType, ok, err := repo.RetrieveWithDRM(ctx, "pssh-a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "new:key", key)
	assert.Equal(t, models.DRMRemoteWidevine, drmType)

	second, err := repo.ListByDRM(ctx, models.DRMRemoteWidevine)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID, "conflict update must not reassign the id")
	assert.False(t, second[0].UpdatedAt.Before(first[0].UpdatedAt))
}

func TestKeyRepo_Contains(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	ok, err := repo.Contains(ctx, "pssh-a")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, repo.Store(ctx, "pssh-a", "kid:key", models.DRMPlayReady))

	ok, err = repo.Contains(ctx, "pssh-a")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestKeyRepo_ListByDRM(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Store(ctx, "pssh-a", "a:1", models.DRMWidevine))
	require.NoError(t, repo.Store(ctx, "pssh-b", "b:2", models.DRMWidevine))
	require.NoError(t, repo.Store(ctx, "pssh-c", "c:3", models.DRMPlayReady))

	wv, err := repo.ListByDRM(ctx, models.DRMWidevine)
	require.NoError(t, err)
	assert.Len(t, wv, 2)

	pr, err := repo.ListByDRM(ctx, models.DRMPlayReady)
	require.NoError(t, err)
	require.Len(t, pr, 1)
	assert.Equal(t, "pssh-c", pr[0].PSSH)
}

func TestKeyRepo_NonStringValues(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Store(ctx, "pssh-n", int64(42), models.DRMWidevine))

	key, ok, err := repo.Retrieve(ctx, "pssh-n")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "42", key, "non-string values come back in serialized form")
}
