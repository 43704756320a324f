package syncserver

import (
	"encoding/json"
	"time"
)

// Actor identifies the caller a push/pull request acts on behalf of. The
// framework externalizes authentication; callers resolve an Actor before
// invoking the engine (typically from a session or bearer token) and the
// engine never inspects how it was derived.
type Actor struct {
	ID         string
	Attributes map[string]string
}

// ScopeValues is a declared scope key mapped to the value(s) it may take.
// "*" means "any value" when it appears on the allowed side of an
// intersection.
type ScopeValues map[string][]string

// Commit is the append-only server-side commit log row (§3).
type Commit struct {
	CommitSeq      int64
	PartitionID    string
	ActorID        string
	ClientID       string
	ClientCommitID string
	CreatedAt      time.Time
	ResultJSON     json.RawMessage
	ChangeCount    int
	AffectedTables []string
}

// Change is one immutable row mutation belonging to exactly one Commit.
type Change struct {
	ChangeID   int64
	CommitSeq  int64
	Table      string
	RowID      string
	Op         OpKind
	RowJSON    json.RawMessage
	RowVersion int64
	Scopes     ScopeValues
}

// OpKind mirrors wire.Op inside the engine so internal code never imports
// the wire package for control flow, only for (de)serialization at the
// transport boundary.
type OpKind string

const (
	OpUpsert OpKind = "upsert"
	OpDelete OpKind = "delete"
)

// ClientCursor is the server's record of a client's high-water commitSeq
// per partition (§3).
type ClientCursor struct {
	PartitionID     string
	ClientID        string
	ActorID         string
	Cursor          int64
	EffectiveScopes ScopeValues
	UpdatedAt       time.Time
}

// SnapshotChunkMeta is one content-addressed metadata row in the snapshot
// chunk cache (§4.5).
type SnapshotChunkMeta struct {
	ID          string
	PartitionID string
	ScopeKey    string
	Scope       string
	AsOfCommitSeq int64
	RowCursor   string
	RowLimit    int
	Encoding    string
	Compression string
	SHA256      string
	ByteLength  int64
	BlobHash    string
	ExpiresAt   time.Time
}

// OperationOutcome is the sealed sum type an applyOperation call returns —
// exactly one of Applied, NoOp, Conflict, or OpError, selected by its unexported
// marker method per the "tagged variants" design note.
type OperationOutcome interface {
	operationOutcome()
}

// Applied is the outcome of a successfully applied operation.
type Applied struct {
	ServerVersion int64
	ServerRow     json.RawMessage
}

func (Applied) operationOutcome() {}

// Conflict is the outcome of an optimistic-concurrency failure: the
// server's current state is reported so the caller can decide how to
// reconcile.
type Conflict struct {
	ServerVersion int64
	ServerRow     json.RawMessage
}

func (Conflict) operationOutcome() {}

// NoOp is the outcome of a delete operation that found no row to remove;
// it is applied (no error) but emits no change.
type NoOp struct{}

func (NoOp) operationOutcome() {}

// OpError is the outcome of a non-retriable application failure (a
// constraint violation or a missing row on a conditional update).
type OpError struct {
	Code    string
	Message string
}

func (OpError) operationOutcome() {}

// ChangeEmission is the change a successfully applied operation wants
// written to the log, alongside its outcome. Nil means "no change to
// record" (a no-op delete).
type ChangeEmission struct {
	Table   string
	RowID   string
	Op      OpKind
	RowJSON json.RawMessage
	Version int64
	Scopes  ScopeValues
}
