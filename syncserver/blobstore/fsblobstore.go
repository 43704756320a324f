// Package blobstore is a filesystem-backed syncserver.BlobStore: snapshot
// chunk bodies are written as content-addressed files under a root
// directory, sharded by the first two hex characters of the hash to avoid
// one directory holding millions of entries.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/syncular/syncular-sub002/syncserver"
)

// Store is a filesystem-backed syncserver.BlobStore rooted at a directory.
type Store struct {
	root string
}

// New builds a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: create root: %w", err)
	}
	return &Store{root: dir}, nil
}

// path maps a content hash to its on-disk location. hash is expected to be
// "sha256:<hex>" (wire.BlobHash's format); the shard directory is the first
// two characters after the scheme prefix, and ':' becomes '_' in the
// filename so it stays filesystem-safe.
func (s *Store) path(hash string) string {
	clean := strings.ReplaceAll(hash, ":", "_")
	digest := hash[strings.LastIndex(hash, ":")+1:]
	shard := digest
	if len(digest) >= 2 {
		shard = digest[:2]
	}
	return filepath.Join(s.root, shard, clean)
}

func (s *Store) Exists(_ context.Context, hash string) (bool, error) {
	_, err := os.Stat(s.path(hash))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (s *Store) Put(_ context.Context, hash string, body io.Reader, expectedLen int64) error {
	target := s.path(hash)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("blobstore: create shard dir: %w", err)
	}

	// Write to a temp file in the same directory and rename, so a reader
	// racing a concurrent Put never observes a partially written blob.
	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-*")
	if err != nil {
		return fmt.Errorf("blobstore: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	n, err := io.Copy(tmp, body)
	closeErr := tmp.Close()
	if err != nil {
		return fmt.Errorf("blobstore: write blob: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("blobstore: close temp file: %w", closeErr)
	}
	if expectedLen >= 0 && n != expectedLen {
		return fmt.Errorf("blobstore: truncated blob upload: wrote %d, expected %d", n, expectedLen)
	}

	if err := os.Rename(tmpPath, target); err != nil {
		return fmt.Errorf("blobstore: finalize blob: %w", err)
	}
	return nil
}

func (s *Store) Get(_ context.Context, hash string) ([]byte, error) {
	data, err := os.ReadFile(s.path(hash))
	if errors.Is(err, os.ErrNotExist) {
		return nil, syncserver.ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("blobstore: read blob: %w", err)
	}
	return data, nil
}

func (s *Store) GetStream(_ context.Context, hash string) (io.ReadCloser, bool, error) {
	f, err := os.Open(s.path(hash))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, syncserver.ErrBlobNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("blobstore: open blob: %w", err)
	}
	return f, true, nil
}

func (s *Store) Delete(_ context.Context, hash string) error {
	err := os.Remove(s.path(hash))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("blobstore: delete blob: %w", err)
	}
	return nil
}
