package syncserver

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/syncular/syncular-sub002/wire"
)

// storeSnapshotChunk implements the §4.5 store operation: compute the
// blobHash, upload the body if not already present, upsert the metadata
// row, and read back the canonical reference.
func (e *Engine) storeSnapshotChunk(ctx context.Context, tx Tx, key SnapshotChunkKey, body wire.SnapshotChunkBody) (*SnapshotChunkMeta, error) {
	blobHash := wire.BlobHash(key.Encoding, key.Compression, body.SHA256)

	exists, err := e.blobs.Exists(ctx, blobHash)
	if err != nil {
		return nil, fmt.Errorf("syncserver: check blob existence: %w", err)
	}
	if !exists {
		if err := e.blobs.Put(ctx, blobHash, bytes.NewReader(body.Compressed), body.ByteLength); err != nil {
			return nil, fmt.Errorf("syncserver: upload blob: %w", err)
		}
	}

	meta := SnapshotChunkMeta{
		ID:            ulid.Make().String(),
		PartitionID:   key.PartitionID,
		ScopeKey:      key.ScopeKey,
		Scope:         key.Scope,
		AsOfCommitSeq: key.AsOfCommitSeq,
		RowCursor:     key.RowCursor,
		RowLimit:      key.RowLimit,
		Encoding:      key.Encoding,
		Compression:   key.Compression,
		SHA256:        body.SHA256,
		ByteLength:    body.ByteLength,
		BlobHash:      blobHash,
		ExpiresAt:     time.Now().Add(e.opts.SnapshotChunkTTL),
	}
	if err := tx.UpsertSnapshotChunk(ctx, meta); err != nil {
		return nil, fmt.Errorf("syncserver: upsert chunk metadata: %w", err)
	}

	found, err := tx.FindSnapshotChunk(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("syncserver: read back chunk metadata: %w", err)
	}
	if found == nil {
		return &meta, nil
	}
	return found, nil
}

// chunkRef converts chunk metadata into its wire reference (body omitted).
func chunkRef(meta *SnapshotChunkMeta) wire.ChunkRef {
	return wire.ChunkRef{
		ID:          meta.ID,
		SHA256:      meta.SHA256,
		ByteLength:  meta.ByteLength,
		Encoding:    wire.RowFrameEncoding,
		Compression: wire.CompressionGzip,
	}
}

// readSnapshotChunkBody resolves a stored chunk's decompressed row-frame
// body, preferring a streaming read when the blob store supports it.
func (e *Engine) readSnapshotChunkBody(ctx context.Context, meta *SnapshotChunkMeta) ([]byte, error) {
	if r, ok, err := e.blobs.GetStream(ctx, meta.BlobHash); err == nil && ok {
		defer r.Close()
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(r); err != nil {
			return nil, fmt.Errorf("syncserver: stream blob: %w", err)
		}
		return wire.DecompressRowFrame(buf.Bytes())
	}

	raw, err := e.blobs.Get(ctx, meta.BlobHash)
	if err != nil {
		return nil, fmt.Errorf("syncserver: read blob: %w", err)
	}
	return wire.DecompressRowFrame(raw)
}

// FetchChunk resolves a wire.ChunkRef handed to a client back into its
// compressed row-frame body, for the chunk-fetch HTTP endpoint. The blob
// hash is recomputed deterministically from the ref's own fields, so this
// needs no metadata table lookup.
func (e *Engine) FetchChunk(ctx context.Context, ref wire.ChunkRef) ([]byte, error) {
	blobHash := wire.BlobHash(ref.Encoding, ref.Compression, ref.SHA256)
	raw, err := e.blobs.Get(ctx, blobHash)
	if err != nil {
		return nil, fmt.Errorf("syncserver: fetch chunk %s: %w", ref.SHA256, err)
	}
	return raw, nil
}

// CleanupSnapshotChunks deletes expired chunk metadata rows and
// best-effort removes the blobs named in expiredHashes (§4.5 cleanup).
func (e *Engine) CleanupSnapshotChunks(ctx context.Context, partitionID string, expiredHashes []string) error {
	tx, err := e.dialect.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("syncserver: begin cleanup tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.PurgeExpiredSnapshotChunks(ctx, time.Now().Unix()); err != nil {
		return fmt.Errorf("syncserver: purge expired chunk metadata: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("syncserver: commit cleanup tx: %w", err)
	}

	for _, hash := range expiredHashes {
		_ = e.blobs.Delete(ctx, hash) // best-effort; may still be referenced elsewhere
	}
	return nil
}
