package syncserver

import (
	"context"
	"encoding/json"
)

// RowOutcome classifies the result of a dialect-level conditional row
// write, before the engine turns it into an OperationOutcome.
type RowOutcome int

const (
	RowApplied RowOutcome = iota
	RowConflict
	RowMissing
	RowConstraintViolation
)

// ConstraintKind further classifies a RowConstraintViolation outcome,
// mirroring wire.ConstraintSubcode.
type ConstraintKind string

const (
	ConstraintUnique     ConstraintKind = "UNIQUE_CONSTRAINT"
	ConstraintForeignKey ConstraintKind = "FOREIGN_KEY_CONSTRAINT"
	ConstraintNotNull    ConstraintKind = "NOT_NULL_CONSTRAINT"
)

// RowWriteResult is what a dialect's UpsertRow/DeleteRow primitive reports
// back to the generic applyOperation default logic.
type RowWriteResult struct {
	Outcome       RowOutcome
	Version       int64
	Row           json.RawMessage // current server row on Applied/Conflict
	ConstraintKind ConstraintKind
}

// Dialect abstracts the SQL differences between server storage engines:
// transaction/savepoint semantics, row-level optimistic writes, and the
// commit/change log primitives the push and pull engines drive. Concrete
// adapters: sqlitedialect, pgdialect, memdialect.
type Dialect interface {
	// Name identifies the dialect for logging ("sqlite", "postgres", "mem").
	Name() string

	// SupportsSavepoints reports whether BeginTx transactions support
	// nested savepoints; when false, the push engine rolls back the whole
	// transaction on first operation failure instead of a savepoint.
	SupportsSavepoints() bool

	// BeginTx opens a new unit-of-work bound to ctx.
	BeginTx(ctx context.Context) (Tx, error)
}

// Tx is one push or pull request's unit of work. A push uses the mutating
// methods under a single Commit/Rollback; a pull only uses the read paths
// and commits (or doesn't bother, since pull is read-only except for the
// final cursor upsert).
type Tx interface {
	Commit() error
	Rollback() error

	// Savepoint support, no-ops returning nil when !SupportsSavepoints().
	Savepoint(ctx context.Context, name string) error
	RollbackToSavepoint(ctx context.Context, name string) error
	ReleaseSavepoint(ctx context.Context, name string) error

	// Commit-log primitives (§4.1).
	InsertPendingCommit(ctx context.Context, partitionID, actorID, clientID, clientCommitID string) (commitSeq int64, err error)
	LoadCommitByIdempotencyKey(ctx context.Context, partitionID, clientID, clientCommitID string) (*Commit, error)
	DeleteCommit(ctx context.Context, commitSeq int64) error
	FinalizeCommit(ctx context.Context, commitSeq int64, resultJSON json.RawMessage, affectedTables []string, changes []*Change) error

	// Row-level optimistic write primitives, used by the default
	// applyOperation implementation.
	UpsertRow(ctx context.Context, table, rowID string, payload json.RawMessage, baseVersion *int64) (RowWriteResult, error)
	DeleteRow(ctx context.Context, table, rowID string) (preImage json.RawMessage, existed bool, err error)

	// Pull-side read paths (§4.2).
	MaxCommitSeq(ctx context.Context, partitionID string) (int64, error)
	MinRetainedCommitSeq(ctx context.Context, partitionID string) (int64, error)
	CommitSeqsAfter(ctx context.Context, partitionID, table string, afterSeq int64, limit int) ([]int64, error)
	ReadChanges(ctx context.Context, partitionID string, commitSeqs []int64, table string, scopes ScopeValues) ([]*Change, error)
	CommitMeta(ctx context.Context, partitionID string, commitSeqs []int64) (map[int64]CommitHeader, error)

	// External-change bookkeeping (§4.3).
	LatestExternalCommitSeq(ctx context.Context, partitionID string, tables []string) (int64, error)
	RecordExternalCommit(ctx context.Context, partitionID string, affectedTables []string) (commitSeq int64, err error)

	// Client cursor bookkeeping.
	UpsertClientCursor(ctx context.Context, cur ClientCursor) error
	LoadClientCursor(ctx context.Context, partitionID, clientID string) (*ClientCursor, error)

	// Snapshot chunk metadata (§4.5); the blob body itself lives in a
	// BlobStore, not in the dialect.
	FindSnapshotChunk(ctx context.Context, key SnapshotChunkKey) (*SnapshotChunkMeta, error)
	UpsertSnapshotChunk(ctx context.Context, meta SnapshotChunkMeta) error
	EvictSnapshotChunksForTables(ctx context.Context, partitionID string, tables []string) error
	PurgeExpiredSnapshotChunks(ctx context.Context, now int64) error

	// SnapshotRows reads a page of raw rows for bootstrap, scoped by the
	// resolved scope values, ordered and paged by an opaque row cursor.
	SnapshotRows(ctx context.Context, table string, scopes ScopeValues, rowCursor string, limit int) (rows []json.RawMessage, nextRowCursor string, done bool, err error)
}

// CommitHeader is the subset of Commit fields needed to group changes into
// wire.Commit entries during an incremental pull.
type CommitHeader struct {
	CommitSeq int64
	CreatedAt string
	ActorID   string
}

// SnapshotChunkKey is the content-addressing key for a snapshot chunk
// metadata row (§4.5).
type SnapshotChunkKey struct {
	PartitionID   string
	ScopeKey      string
	Scope         string
	AsOfCommitSeq int64
	RowCursor     string
	RowLimit      int
	Encoding      string
	Compression   string
}
