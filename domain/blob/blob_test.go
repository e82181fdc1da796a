package blob

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avesa-io/avesa/pkg/apperror"
)

func TestRawKey(t *testing.T) {
	windowStart := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	key := RawKey("acme", "connectwise", "service/tickets", windowStart, "job-1", "abc123")
	assert.Equal(t, "acme/raw/connectwise/service/tickets/2024/01/02/job-1/abc123.parquet", key)
}

func TestRejectKey(t *testing.T) {
	assert.Equal(t, "acme/rejects/tickets/job-1.jsonl", RejectKey("acme", "tickets", "job-1"))
}

func TestMemory_PutGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	body, size := BytesReader([]byte("hello"))
	require.NoError(t, store.Put(ctx, "a/b/c", body, size, ContentTypeParquet))

	data, err := store.Get(ctx, "a/b/c")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	ok, err := store.Exists(ctx, "a/b/c")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Exists(ctx, "a/b/missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemory_Get_NotFound(t *testing.T) {
	store := NewMemory()
	_, err := store.Get(context.Background(), "nope")
	assert.Equal(t, apperror.KindNotFound, apperror.KindOf(err))
}

func TestMemory_List(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	for _, key := range []string{"t1/raw/b.parquet", "t1/raw/a.parquet", "t2/raw/c.parquet"} {
		body, size := BytesReader([]byte("x"))
		require.NoError(t, store.Put(ctx, key, body, size, ""))
	}

	keys, err := store.List(ctx, "t1/")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1/raw/a.parquet", "t1/raw/b.parquet"}, keys)
}

func TestMemory_Delete(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	body, size := BytesReader([]byte("x"))
	require.NoError(t, store.Put(ctx, "k", body, size, ""))
	require.NoError(t, store.Delete(ctx, "k"))
	require.NoError(t, store.Delete(ctx, "k"), "double delete is fine")
	assert.Equal(t, 0, store.Len())
}
