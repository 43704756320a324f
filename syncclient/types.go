// Package syncclient is the client half of Syncular's sync protocol: a
// durable outbox of pending commits, a cooperative sync cycle that talks to
// a syncserver over HTTP or an optional realtime channel, and a local mirror
// of whatever tables the application has subscribed to.
package syncclient

import (
	"context"
	"encoding/json"
	"time"

	"github.com/syncular/syncular-sub002/wire"
)

// OutboxStatus is an OutboxCommit's lifecycle state.
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSending OutboxStatus = "sending"
	OutboxAcked   OutboxStatus = "acked"
	OutboxFailed  OutboxStatus = "failed"
)

// OutboxCommit is one client-originated commit awaiting server
// acknowledgement (§3's OutboxCommit entity).
type OutboxCommit struct {
	ID               string
	ClientCommitID   string
	Status           OutboxStatus
	Operations       []wire.Operation
	SchemaVersion    int
	AttemptCount     int
	AckedCommitSeq   *int64
	LastResponseJSON json.RawMessage
	Error            string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ConflictResolution is how an application resolved a persisted Conflict.
type ConflictResolution string

const (
	ResolutionAccept ConflictResolution = "accept" // take the server's row
	ResolutionReject ConflictResolution = "reject" // discard the local write
	// ResolutionMergePrefix precedes a JSON payload: "merge:<json>".
	ResolutionMergePrefix = "merge:"
)

// Conflict is one rejected operation an application must resolve (§3's
// Conflict entity). It holds a weak reference to its OutboxCommit by id.
type Conflict struct {
	ID            string
	OutboxID      string
	OpIndex       int
	ResultStatus  wire.OperationResultStatus
	Code          string
	Message       string
	ServerVersion *int64
	ServerRowJSON json.RawMessage
	CreatedAt     time.Time
	ResolvedAt    *time.Time
	Resolution    ConflictResolution
}

// SubscriptionStatus mirrors wire.SubscriptionStatus for locally persisted
// subscription state.
type SubscriptionStatus = wire.SubscriptionStatus

// SubscriptionState is the client-persisted half of one subscription (§3).
type SubscriptionState struct {
	SubscriptionID string
	Table          string
	Scopes         map[string]any
	Params         json.RawMessage
	Cursor         int64
	BootstrapState *wire.BootstrapState
	Status         SubscriptionStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Store is the client-side persistence collaborator: a durable outbox,
// conflict log, subscription state, and a generic local mirror of synced
// rows. Query-builder/ORM integration is explicitly out of scope (spec.md
// §1); the mirror below is the minimal generic surface a conformant client
// needs to apply pulled changes.
type Store interface {
	BeginTx(ctx context.Context) (Tx, error)
}

// Tx is one Store transaction. All methods must be called on the same Tx
// and finished with Commit or Rollback.
type Tx interface {
	Commit() error
	Rollback() error

	// Outbox
	EnqueueOutbox(ctx context.Context, commit *OutboxCommit) error
	ClaimNextPending(ctx context.Context) (*OutboxCommit, error)
	CountPendingOutbox(ctx context.Context) (int, error)
	MarkAcked(ctx context.Context, id string, ackedCommitSeq int64, responseJSON json.RawMessage) error
	MarkFailed(ctx context.Context, id string, errMsg string, responseJSON json.RawMessage) error
	IncrementAttempt(ctx context.Context, id string, errMsg string) error
	LoadOutbox(ctx context.Context, id string) (*OutboxCommit, error)

	// Conflicts
	InsertConflict(ctx context.Context, c *Conflict) error
	ResolveConflict(ctx context.Context, id string, resolution ConflictResolution, resolvedAt time.Time) error
	ListUnresolvedConflicts(ctx context.Context) ([]*Conflict, error)

	// Subscription state
	LoadSubscriptionState(ctx context.Context, subscriptionID string) (*SubscriptionState, error)
	UpsertSubscriptionState(ctx context.Context, s *SubscriptionState) error
	ListSubscriptionStates(ctx context.Context) ([]*SubscriptionState, error)

	// Local mirror: a generic (table, rowId) -> row store, applied in
	// changeId/transport order by the sync engine.
	ApplyChange(ctx context.Context, table, rowID string, op wire.Op, rowJSON json.RawMessage, version int64) error
	ApplyRowFrame(ctx context.Context, table string, rows []json.RawMessage) error
}
