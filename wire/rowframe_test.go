package wire

import (
	"encoding/json"
	"testing"
)

func TestEncodeDecodeRowFrame_RoundTrip(t *testing.T) {
	rows := []any{
		map[string]any{"id": "task-1", "title": "buy milk"},
		map[string]any{"id": "task-2", "title": "walk dog"},
	}

	frame, err := EncodeRowFrame(rows)
	if err != nil {
		t.Fatalf("EncodeRowFrame: %v", err)
	}

	decoded, err := DecodeRowFrame(frame)
	if err != nil {
		t.Fatalf("DecodeRowFrame: %v", err)
	}
	if len(decoded) != len(rows) {
		t.Fatalf("got %d rows, want %d", len(decoded), len(rows))
	}

	var first map[string]any
	if err := json.Unmarshal(decoded[0], &first); err != nil {
		t.Fatalf("unmarshal first row: %v", err)
	}
	if first["id"] != "task-1" {
		t.Fatalf("first row id = %v, want task-1", first["id"])
	}
}

func TestEncodeRowFrame_Empty(t *testing.T) {
	frame, err := EncodeRowFrame(nil)
	if err != nil {
		t.Fatalf("EncodeRowFrame(nil): %v", err)
	}
	decoded, err := DecodeRowFrame(frame)
	if err != nil {
		t.Fatalf("DecodeRowFrame: %v", err)
	}
	if len(decoded) != 0 {
		t.Fatalf("expected no rows, got %d", len(decoded))
	}
}

func TestCompressDecompressRowFrame_RoundTrip(t *testing.T) {
	rows := []any{map[string]any{"id": "r1"}}
	frame, err := EncodeRowFrame(rows)
	if err != nil {
		t.Fatalf("EncodeRowFrame: %v", err)
	}

	chunk, err := CompressRowFrame(frame)
	if err != nil {
		t.Fatalf("CompressRowFrame: %v", err)
	}
	if chunk.SHA256 == "" {
		t.Fatal("expected non-empty sha256")
	}
	if chunk.ByteLength != int64(len(chunk.Compressed)) {
		t.Fatalf("ByteLength = %d, want %d", chunk.ByteLength, len(chunk.Compressed))
	}

	out, err := DecompressRowFrame(chunk.Compressed)
	if err != nil {
		t.Fatalf("DecompressRowFrame: %v", err)
	}
	if string(out) != string(frame) {
		t.Fatal("decompressed bytes do not match original frame")
	}
}

func TestCompressRowFrame_SameInputSameHash(t *testing.T) {
	frame, _ := EncodeRowFrame([]any{map[string]any{"id": "r1"}})

	a, err := CompressRowFrame(frame)
	if err != nil {
		t.Fatalf("CompressRowFrame: %v", err)
	}
	b, err := CompressRowFrame(frame)
	if err != nil {
		t.Fatalf("CompressRowFrame: %v", err)
	}
	if a.SHA256 != b.SHA256 {
		t.Fatal("identical input frames should hash identically")
	}
}

func TestBlobHash_DeterministicAndDistinct(t *testing.T) {
	h1 := BlobHash(RowFrameEncoding, CompressionGzip, "abc123")
	h2 := BlobHash(RowFrameEncoding, CompressionGzip, "abc123")
	if h1 != h2 {
		t.Fatal("BlobHash should be deterministic for identical inputs")
	}
	h3 := BlobHash(RowFrameEncoding, CompressionGzip, "def456")
	if h1 == h3 {
		t.Fatal("BlobHash should differ for distinct sha256 inputs")
	}
}

func TestRetriable(t *testing.T) {
	cases := map[ErrorCode]bool{
		CodeInvalidRequest:      false,
		CodeConstraintViolation: false,
		CodeRowMissing:          false,
		CodeVersionMismatch:     false,
		CodeMissingScopes:       false,
		CodeInvalidScope:        false,
		CodeTemporaryFailure:    true,
		CodeIdempotencyCacheMiss: true,
	}
	for code, want := range cases {
		if got := Retriable(code); got != want {
			t.Errorf("Retriable(%s) = %v, want %v", code, got, want)
		}
	}
}

func TestPushResponse_JSONShape(t *testing.T) {
	seq := int64(5)
	resp := PushResponse{
		OK:     true,
		Status: PushApplied,
		CommitSeq: &seq,
		Results: []OperationResult{
			{OpIndex: 0, Status: ResultApplied, ServerVersion: &seq},
		},
	}
	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var round PushResponse
	if err := json.Unmarshal(b, &round); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if round.Status != PushApplied || round.CommitSeq == nil || *round.CommitSeq != 5 {
		t.Fatalf("round trip mismatch: %+v", round)
	}
}
