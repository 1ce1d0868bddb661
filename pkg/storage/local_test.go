package storage

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArtifactKey(t *testing.T) {
	tests := []struct {
		name       string
		prefix     string
		compressed bool
		want       string
	}{
		{"with prefix compressed", "backups", true, "backups/db-1/job-1.sql.gz"},
		{"with prefix plain", "backups", false, "backups/db-1/job-1.sql"},
		{"no prefix", "", true, "db-1/job-1.sql.gz"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ArtifactKey(tc.prefix, "db-1", "job-1", tc.compressed))
		})
	}
}

func TestArtifactKeyIsDeterministic(t *testing.T) {
	// Retried uploads for the same job must land on the same key.
	a := ArtifactKey("backups", "db-1", "job-1", true)
	b := ArtifactKey("backups", "db-1", "job-1", true)
	assert.Equal(t, a, b)
}

func TestLocalStoreRoundtrip(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	key := "backups/db-1/job-1.sql.gz"
	content := "-- dump content"

	size, err := store.Upload(ctx, key, strings.NewReader(content))
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), size)

	exists, err := store.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, exists)

	rc, err := store.Download(ctx, key)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, content, string(got))
}

func TestLocalStoreList(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.Upload(ctx, "backups/db-1/job-1.sql.gz", strings.NewReader("a"))
	require.NoError(t, err)
	_, err = store.Upload(ctx, "backups/db-1/job-2.sql.gz", strings.NewReader("bb"))
	require.NoError(t, err)
	_, err = store.Upload(ctx, "backups/db-2/job-3.sql.gz", strings.NewReader("ccc"))
	require.NoError(t, err)

	objects, err := store.List(ctx, DatabasePrefix("backups", "db-1"))
	require.NoError(t, err)
	require.Len(t, objects, 2)

	keys := []string{objects[0].Key, objects[1].Key}
	assert.Contains(t, keys, "backups/db-1/job-1.sql.gz")
	assert.Contains(t, keys, "backups/db-1/job-2.sql.gz")
}

func TestLocalStoreDeleteIdempotent(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	key := "backups/db-1/job-1.sql.gz"
	_, err = store.Upload(ctx, key, strings.NewReader("x"))
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, key))

	exists, err := store.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, exists)

	// Second delete of the same key must succeed.
	assert.NoError(t, store.Delete(ctx, key))
}

func TestLocalStoreRejectsTraversal(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.Upload(ctx, "../outside.sql", strings.NewReader("x"))
	assert.Error(t, err)

	_, err = store.Upload(ctx, "/etc/passwd", strings.NewReader("x"))
	assert.Error(t, err)
}

func TestLocalStoreOverwrite(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	key := "backups/db-1/job-1.sql.gz"
	_, err = store.Upload(ctx, key, strings.NewReader("partial"))
	require.NoError(t, err)

	// A retried job overwrites its own artifact under the same key.
	size, err := store.Upload(ctx, key, strings.NewReader("complete dump"))
	require.NoError(t, err)
	assert.Equal(t, int64(len("complete dump")), size)

	rc, err := store.Download(ctx, key)
	require.NoError(t, err)
	got, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "complete dump", string(got))
}

func TestLocalStoreSignedURLUnsupported(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.SignedURL(context.Background(), "backups/db-1/job-1.sql.gz", 0)
	assert.Error(t, err)
}
