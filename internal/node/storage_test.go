package node

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hyperstore/internal/clustererr"
	"hyperstore/internal/metrics"
)

func TestWriteReadDeleteRoundTrip(t *testing.T) {
	store, err := NewChunkStore(t.TempDir(), 0.99, metrics.New())
	require.NoError(t, err)

	data := []byte("hello shard")
	digest := Digest(data)

	require.NoError(t, store.Write("shard-1", data, digest))
	assert.True(t, store.Exists("shard-1"))

	got, err := store.Read("shard-1")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.NoError(t, store.Delete("shard-1"))
	assert.False(t, store.Exists("shard-1"))

	// Idempotent delete.
	require.NoError(t, store.Delete("shard-1"))
}

func TestWriteRejectsDigestMismatch(t *testing.T) {
	store, err := NewChunkStore(t.TempDir(), 0.99, metrics.New())
	require.NoError(t, err)

	err = store.Write("shard-1", []byte("hello"), "not-the-real-digest")
	require.Error(t, err)
	assert.True(t, clustererr.Is(err, clustererr.ErrDigestMismatch))
}

func TestReadMissingShardIsNotFound(t *testing.T) {
	store, err := NewChunkStore(t.TempDir(), 0.99, metrics.New())
	require.NoError(t, err)

	_, err = store.Read("does-not-exist")
	require.Error(t, err)
	assert.True(t, clustererr.Is(err, clustererr.ErrNotFound))
}

func TestShardCountReflectsWrites(t *testing.T) {
	store, err := NewChunkStore(t.TempDir(), 0.99, metrics.New())
	require.NoError(t, err)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.Write(id, []byte(id), Digest([]byte(id))))
	}
	n, err := store.ShardCount()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
