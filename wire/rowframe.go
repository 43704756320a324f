package wire

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
)

// RowFrameEncoding names the raw-row encoding used inside a snapshot chunk
// body, before compression. "row-frame-v1" is the only encoding this
// package produces; the name travels on the wire so future encodings can be
// introduced without breaking old clients.
const RowFrameEncoding = "row-frame-v1"

// CompressionGzip names the gzip compression applied to an encoded row-frame body.
const CompressionGzip = "gzip"

// EncodeRowFrame serializes rows as a sequence of 4-byte big-endian
// length-prefixed JSON payloads — "row-frame-v1". Each row is marshaled
// independently so a decoder can stream without holding the whole page in
// memory.
func EncodeRowFrame(rows []any) ([]byte, error) {
	var buf bytes.Buffer
	for i, row := range rows {
		b, err := json.Marshal(row)
		if err != nil {
			return nil, fmt.Errorf("wire: encode row %d: %w", i, err)
		}
		var lenPrefix [4]byte
		binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(b)))
		buf.Write(lenPrefix[:])
		buf.Write(b)
	}
	return buf.Bytes(), nil
}

// DecodeRowFrame splits a row-frame-v1 byte sequence back into its raw JSON
// row payloads, without unmarshaling them into a concrete type.
func DecodeRowFrame(data []byte) ([]json.RawMessage, error) {
	var rows []json.RawMessage
	r := bytes.NewReader(data)
	for r.Len() > 0 {
		var lenPrefix [4]byte
		if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
			return nil, fmt.Errorf("wire: read row length prefix: %w", err)
		}
		n := binary.BigEndian.Uint32(lenPrefix[:])
		row := make([]byte, n)
		if _, err := io.ReadFull(r, row); err != nil {
			return nil, fmt.Errorf("wire: read row body: %w", err)
		}
		rows = append(rows, json.RawMessage(row))
	}
	return rows, nil
}

// SnapshotChunkBody is a compressed row-frame body plus the metadata needed
// to content-address and store it: sha256 of the pre-compression bytes and
// the byte length of the compressed form.
type SnapshotChunkBody struct {
	Compressed []byte
	SHA256     string
	ByteLength int64
}

// CompressRowFrame gzips an already-encoded row-frame body and hashes the
// pre-compression bytes, matching the server's chunk cache key scheme
// (sha256 of the uncompressed frame, not the gzip output).
func CompressRowFrame(frame []byte) (SnapshotChunkBody, error) {
	sum := sha256.Sum256(frame)

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(frame); err != nil {
		return SnapshotChunkBody{}, fmt.Errorf("wire: gzip row frame: %w", err)
	}
	if err := gw.Close(); err != nil {
		return SnapshotChunkBody{}, fmt.Errorf("wire: close gzip writer: %w", err)
	}

	return SnapshotChunkBody{
		Compressed: buf.Bytes(),
		SHA256:     hex.EncodeToString(sum[:]),
		ByteLength: int64(buf.Len()),
	}, nil
}

// DecompressRowFrame reverses CompressRowFrame, returning the original
// row-frame-v1 bytes for DecodeRowFrame.
func DecompressRowFrame(compressed []byte) ([]byte, error) {
	gr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("wire: open gzip reader: %w", err)
	}
	defer gr.Close()

	out, err := io.ReadAll(gr)
	if err != nil {
		return nil, fmt.Errorf("wire: read gzip body: %w", err)
	}
	return out, nil
}

// BlobHash computes the blob-store content address for a chunk body:
// "sha256:" followed by the hex sha256 of "encoding:compression:sha256".
func BlobHash(encoding, compression, sha256Hex string) string {
	sum := sha256.Sum256([]byte(encoding + ":" + compression + ":" + sha256Hex))
	return "sha256:" + hex.EncodeToString(sum[:])
}
