package blobstore_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncular/syncular-sub002/syncserver"
	"github.com/syncular/syncular-sub002/syncserver/blobstore"
)

func TestStore_PutGetRoundTrip(t *testing.T) {
	store, err := blobstore.New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	body := []byte("hello chunk")

	require.NoError(t, store.Put(ctx, "sha256:abc123", bytes.NewReader(body), int64(len(body))))

	exists, err := store.Exists(ctx, "sha256:abc123")
	require.NoError(t, err)
	assert.True(t, exists)

	got, err := store.Get(ctx, "sha256:abc123")
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestStore_GetStream(t *testing.T) {
	store, err := blobstore.New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	body := []byte("streamed")
	require.NoError(t, store.Put(ctx, "sha256:def", bytes.NewReader(body), int64(len(body))))

	r, ok, err := store.GetStream(ctx, "sha256:def")
	require.NoError(t, err)
	require.True(t, ok)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestStore_GetMissing(t *testing.T) {
	store, err := blobstore.New(t.TempDir())
	require.NoError(t, err)
	_, err = store.Get(context.Background(), "sha256:missing")
	assert.True(t, errors.Is(err, syncserver.ErrBlobNotFound))
}

func TestStore_PutRejectsTruncatedUpload(t *testing.T) {
	store, err := blobstore.New(t.TempDir())
	require.NoError(t, err)
	err = store.Put(context.Background(), "sha256:short", bytes.NewReader([]byte("x")), 100)
	assert.Error(t, err)
}

func TestStore_Delete(t *testing.T) {
	store, err := blobstore.New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "sha256:x", bytes.NewReader([]byte("x")), 1))
	require.NoError(t, store.Delete(ctx, "sha256:x"))

	exists, err := store.Exists(ctx, "sha256:x")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestStore_DeleteMissingIsNotAnError(t *testing.T) {
	store, err := blobstore.New(t.TempDir())
	require.NoError(t, err)
	assert.NoError(t, store.Delete(context.Background(), "sha256:never-existed"))
}
