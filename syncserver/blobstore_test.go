package syncserver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBlobStore_PutGetRoundTrip(t *testing.T) {
	store := NewMemoryBlobStore()
	ctx := context.Background()
	body := []byte("hello snapshot chunk")

	require.NoError(t, store.Put(ctx, "sha256:abc", bytes.NewReader(body), int64(len(body))))

	exists, err := store.Exists(ctx, "sha256:abc")
	require.NoError(t, err)
	assert.True(t, exists)

	got, err := store.Get(ctx, "sha256:abc")
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestMemoryBlobStore_GetStream(t *testing.T) {
	store := NewMemoryBlobStore()
	ctx := context.Background()
	body := []byte("streamed body")
	require.NoError(t, store.Put(ctx, "h1", bytes.NewReader(body), int64(len(body))))

	r, ok, err := store.GetStream(ctx, "h1")
	require.NoError(t, err)
	require.True(t, ok)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestMemoryBlobStore_GetMissing(t *testing.T) {
	store := NewMemoryBlobStore()
	_, err := store.Get(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrBlobNotFound))
}

func TestMemoryBlobStore_PutRejectsTruncatedUpload(t *testing.T) {
	store := NewMemoryBlobStore()
	err := store.Put(context.Background(), "h1", bytes.NewReader([]byte("short")), 100)
	assert.Error(t, err)
}

func TestMemoryBlobStore_Delete(t *testing.T) {
	store := NewMemoryBlobStore()
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "h1", bytes.NewReader([]byte("x")), 1))
	require.NoError(t, store.Delete(ctx, "h1"))

	exists, err := store.Exists(ctx, "h1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemoryBlobStore_GetReturnsDefensiveCopy(t *testing.T) {
	store := NewMemoryBlobStore()
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "h1", bytes.NewReader([]byte("abc")), 3))

	got, err := store.Get(ctx, "h1")
	require.NoError(t, err)
	got[0] = 'z'

	got2, err := store.Get(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, byte('a'), got2[0])
}
