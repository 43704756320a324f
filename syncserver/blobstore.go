package syncserver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
)

// ErrBlobNotFound is returned by Get/GetStream when no body is stored
// under the given hash.
var ErrBlobNotFound = errors.New("syncserver: blob not found")

// BlobStore is the pluggable body store behind the snapshot chunk cache
// (§4.5). Bodies are content-addressed by blobHash; the store itself
// never needs to know about partitions, scopes, or chunk metadata.
type BlobStore interface {
	// Exists reports whether a body is already stored under hash, so the
	// chunk cache can skip a redundant upload.
	Exists(ctx context.Context, hash string) (bool, error)

	// Put streams body to storage under hash. expectedLen, if >= 0, is
	// checked against the number of bytes actually written to protect
	// against a truncated stream.
	Put(ctx context.Context, hash string, body io.Reader, expectedLen int64) error

	// Get returns the full body for hash.
	Get(ctx context.Context, hash string) ([]byte, error)

	// GetStream returns a streaming reader for hash when the store
	// supports it; callers fall back to Get otherwise.
	GetStream(ctx context.Context, hash string) (io.ReadCloser, bool, error)

	// Delete removes the body for hash. Best-effort: callers must
	// tolerate a blob still being referenced by another metadata row, so
	// a missing blob is not an error.
	Delete(ctx context.Context, hash string) error
}

// MemoryBlobStore is an in-process BlobStore backed by a map, used by
// memdialect and by tests of the other dialects.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryBlobStore constructs an empty MemoryBlobStore.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

func (s *MemoryBlobStore) Exists(ctx context.Context, hash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[hash]
	return ok, nil
}

func (s *MemoryBlobStore) Put(ctx context.Context, hash string, body io.Reader, expectedLen int64) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if expectedLen >= 0 && int64(len(data)) != expectedLen {
		return errors.New("syncserver: truncated blob upload")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[hash] = data
	return nil
}

func (s *MemoryBlobStore) Get(ctx context.Context, hash string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[hash]
	if !ok {
		return nil, ErrBlobNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (s *MemoryBlobStore) GetStream(ctx context.Context, hash string) (io.ReadCloser, bool, error) {
	data, err := s.Get(ctx, hash)
	if err != nil {
		return nil, false, err
	}
	return io.NopCloser(bytes.NewReader(data)), true, nil
}

func (s *MemoryBlobStore) Delete(ctx context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, hash)
	return nil
}
