// Package wire defines the JSON message shapes exchanged between Syncular
// clients and the server: push/pull requests and responses, and the
// realtime channel's event/command envelopes. Both syncserver and syncclient
// import this package so the two sides can never drift on field names.
package wire

import "encoding/json"

// Op is the kind of mutation a push operation performs.
type Op string

const (
	OpUpsert Op = "upsert"
	OpDelete Op = "delete"
)

// OperationResultStatus is the outcome of applying one push operation.
type OperationResultStatus string

const (
	ResultApplied  OperationResultStatus = "applied"
	ResultConflict OperationResultStatus = "conflict"
	ResultError    OperationResultStatus = "error"
)

// PushStatus is the overall outcome of a push request.
type PushStatus string

const (
	PushApplied  PushStatus = "applied"
	PushCached   PushStatus = "cached"
	PushRejected PushStatus = "rejected"
)

// Operation is one mutation inside a push request's commit.
type Operation struct {
	Table       string          `json:"table"`
	RowID       string          `json:"rowId"`
	Op          Op              `json:"op"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	BaseVersion *int64          `json:"baseVersion,omitempty"`
}

// PushRequest is the push half of the wire protocol (§6).
type PushRequest struct {
	ClientID       string      `json:"clientId"`
	ClientCommitID string      `json:"clientCommitId"`
	SchemaVersion  int         `json:"schemaVersion"`
	Operations     []Operation `json:"operations"`
}

// OperationResult reports the outcome of one operation within a push.
type OperationResult struct {
	OpIndex       int                   `json:"opIndex"`
	Status        OperationResultStatus `json:"status"`
	Error         string                `json:"error,omitempty"`
	Code          string                `json:"code,omitempty"`
	Retriable     bool                  `json:"retriable,omitempty"`
	ServerVersion *int64                `json:"server_version,omitempty"`
	ServerRow     json.RawMessage       `json:"server_row,omitempty"`
}

// PushResponse is the push half's response (§6).
type PushResponse struct {
	OK        bool              `json:"ok"`
	Status    PushStatus        `json:"status"`
	CommitSeq *int64            `json:"commitSeq,omitempty"`
	Results   []OperationResult `json:"results"`

	// Changes is populated in-process only (never serialized): the rows
	// this push's commit emitted, so a caller can inline them onto a
	// realtime wake-up broadcast without a second round-trip through
	// storage. Absent from the wire response and from any cached replay.
	Changes []Change `json:"-"`
}

// SubscriptionRequest is one entry of a pull request's subscriptions list.
type SubscriptionRequest struct {
	ID             string          `json:"id"`
	Table          string          `json:"table"`
	Scopes         map[string]any  `json:"scopes"`
	Params         json.RawMessage `json:"params,omitempty"`
	Cursor         int64           `json:"cursor"`
	BootstrapState *BootstrapState `json:"bootstrapState,omitempty"`
}

// BootstrapState threads a bootstrap snapshot's progress across pull rounds.
type BootstrapState struct {
	AsOfCommitSeq int64    `json:"asOfCommitSeq"`
	Tables        []string `json:"tables"`
	TableIndex    int      `json:"tableIndex"`
	RowCursor     string   `json:"rowCursor,omitempty"`
}

// PullRequest is the pull half of the wire protocol (§6).
type PullRequest struct {
	ClientID          string                `json:"clientId"`
	Subscriptions     []SubscriptionRequest `json:"subscriptions"`
	LimitCommits      int                   `json:"limitCommits,omitempty"`
	LimitSnapshotRows int                   `json:"limitSnapshotRows,omitempty"`
	MaxSnapshotPages  int                   `json:"maxSnapshotPages,omitempty"`
	DedupeRows        bool                  `json:"dedupeRows,omitempty"`
}

// SubscriptionStatus is a pull response subscription's reported status.
type SubscriptionStatus string

const (
	SubscriptionActive  SubscriptionStatus = "active"
	SubscriptionRevoked SubscriptionStatus = "revoked"
)

// Change is one row mutation delivered by a pull (inside a Commit) or inlined
// over realtime.
type Change struct {
	ChangeID  int64           `json:"changeId"`
	Table     string          `json:"table"`
	RowID     string          `json:"rowId"`
	Op        Op              `json:"op"`
	RowJSON   json.RawMessage `json:"rowJson,omitempty"`
	RowVersion int64          `json:"rowVersion"`
	Scopes    map[string]any  `json:"scopes"`
}

// Commit is one batch of changes delivered incrementally by a pull.
type Commit struct {
	CommitSeq int64    `json:"commitSeq"`
	CreatedAt string   `json:"createdAt"`
	ActorID   string   `json:"actorId"`
	Changes   []Change `json:"changes"`
}

// ChunkRef references a stored, content-addressed snapshot chunk body
// without embedding its bytes.
type ChunkRef struct {
	ID          string `json:"id"`
	SHA256      string `json:"sha256"`
	ByteLength  int64  `json:"byteLength"`
	Encoding    string `json:"encoding"`
	Compression string `json:"compression"`
}

// SnapshotPage is one page of a table's bootstrap snapshot.
type SnapshotPage struct {
	Table       string          `json:"table"`
	Chunks      []ChunkRef      `json:"chunks"`
	Rows        json.RawMessage `json:"rows,omitempty"`
	IsFirstPage bool            `json:"isFirstPage"`
	IsLastPage  bool            `json:"isLastPage"`
}

// SubscriptionResponse is one entry of a pull response's subscriptions list.
type SubscriptionResponse struct {
	ID             string             `json:"id"`
	Status         SubscriptionStatus `json:"status"`
	Scopes         map[string]any     `json:"scopes"`
	Bootstrap      bool               `json:"bootstrap"`
	BootstrapState *BootstrapState    `json:"bootstrapState"`
	NextCursor     int64              `json:"nextCursor"`
	Commits        []Commit           `json:"commits,omitempty"`
	Snapshots      []SnapshotPage     `json:"snapshots,omitempty"`
}

// PullResponse is the pull half's response (§6).
type PullResponse struct {
	OK            bool                   `json:"ok"`
	Subscriptions []SubscriptionResponse `json:"subscriptions"`
}

// RealtimeEvent is the server→client realtime message envelope.
type RealtimeEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

const (
	EventSync         = "sync"
	EventHeartbeat    = "heartbeat"
	EventPushResponse = "push-response"
	EventPresence     = "presence"
)

// SyncEventData is the payload of an "sync" realtime event: an inlined wake
// that may carry changes directly, skipping an HTTP pull round-trip.
type SyncEventData struct {
	Cursor    *int64   `json:"cursor,omitempty"`
	ActorID   string   `json:"actorId,omitempty"`
	CreatedAt string   `json:"createdAt,omitempty"`
	Changes   []Change `json:"changes,omitempty"`
	Timestamp int64    `json:"timestamp"`
}

// PushResponseEventData is the payload of a "push-response" realtime event:
// the inline reply to a client's {"type":"push",...} command.
type PushResponseEventData struct {
	RequestID string            `json:"requestId"`
	OK        bool              `json:"ok"`
	Status    PushStatus        `json:"status"`
	CommitSeq *int64            `json:"commitSeq,omitempty"`
	Results   []OperationResult `json:"results"`
	Timestamp int64             `json:"timestamp"`
}

// PresenceEventData is the payload of a "presence" realtime event.
type PresenceEventData struct {
	ScopeKey string         `json:"scopeKey"`
	Action   string         `json:"action"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// RealtimeCommand is the client→server realtime message envelope.
type RealtimeCommand struct {
	Type string `json:"type"`

	// auth
	Token string `json:"token,omitempty"`

	// push
	RequestID      string          `json:"requestId,omitempty"`
	ClientCommitID string          `json:"clientCommitId,omitempty"`
	Operations     []Operation     `json:"operations,omitempty"`
	SchemaVersion  int             `json:"schemaVersion,omitempty"`

	// presence
	Action   string         `json:"action,omitempty"`
	ScopeKey string         `json:"scopeKey,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

const (
	CommandAuth     = "auth"
	CommandPush     = "push"
	CommandPresence = "presence"
)
