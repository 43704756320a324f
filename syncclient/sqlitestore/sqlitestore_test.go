package sqlitestore_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncular/syncular-sub002/syncclient"
	"github.com/syncular/syncular-sub002/syncclient/sqlitestore"
	"github.com/syncular/syncular-sub002/wire"
)

func newTestStore(t *testing.T) *sqlitestore.Store {
	t.Helper()
	s, err := sqlitestore.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_EnqueueOutbox_ClaimAndAck(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	payload, _ := json.Marshal(map[string]any{"id": "t1", "title": "write tests"})
	commit := &syncclient.OutboxCommit{
		ID: "outbox-1", ClientCommitID: "commit-1", Status: syncclient.OutboxPending,
		Operations:    []wire.Operation{{Table: "tasks", RowID: "t1", Op: wire.OpUpsert, Payload: payload}},
		SchemaVersion: 1,
	}
	require.NoError(t, tx.EnqueueOutbox(ctx, commit))

	claimed, err := tx.ClaimNextPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "outbox-1", claimed.ID)
	assert.Equal(t, syncclient.OutboxSending, claimed.Status)

	pending, err := tx.CountPendingOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending) // still counts as in-flight until acked or failed

	require.NoError(t, tx.MarkAcked(ctx, "outbox-1", 42, json.RawMessage(`{"ok":true}`)))

	loaded, err := tx.LoadOutbox(ctx, "outbox-1")
	require.NoError(t, err)
	assert.Equal(t, syncclient.OutboxAcked, loaded.Status)
	require.NotNil(t, loaded.AckedCommitSeq)
	assert.Equal(t, int64(42), *loaded.AckedCommitSeq)

	pending2, err := tx.CountPendingOutbox(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending2)
}

func TestStore_ClaimNextPending_FIFOOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	for _, id := range []string{"c1", "c2", "c3"} {
		require.NoError(t, tx.EnqueueOutbox(ctx, &syncclient.OutboxCommit{
			ID: id, ClientCommitID: id, Status: syncclient.OutboxPending,
			Operations: []wire.Operation{{Table: "tasks", RowID: id, Op: wire.OpUpsert, Payload: json.RawMessage(`{}`)}},
		}))
	}

	first, err := tx.ClaimNextPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c1", first.ID)

	second, err := tx.ClaimNextPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c2", second.ID)
}

func TestStore_IncrementAttempt_ReturnsToPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	require.NoError(t, tx.EnqueueOutbox(ctx, &syncclient.OutboxCommit{
		ID: "outbox-1", ClientCommitID: "commit-1", Status: syncclient.OutboxPending,
		Operations: []wire.Operation{{Table: "tasks", RowID: "t1", Op: wire.OpUpsert, Payload: json.RawMessage(`{}`)}},
	}))
	claimed, err := tx.ClaimNextPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	require.NoError(t, tx.IncrementAttempt(ctx, claimed.ID, "transport unreachable"))

	loaded, err := tx.LoadOutbox(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, syncclient.OutboxPending, loaded.Status)
	assert.Equal(t, 1, loaded.AttemptCount)
	assert.Equal(t, "transport unreachable", loaded.Error)
}

func TestStore_Conflicts_InsertAndResolve(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	serverVersion := int64(3)
	require.NoError(t, tx.InsertConflict(ctx, &syncclient.Conflict{
		ID: "conflict-1", OutboxID: "outbox-1", OpIndex: 0,
		ResultStatus: wire.ResultConflict, Code: "VERSION_MISMATCH", Message: "stale base version",
		ServerVersion: &serverVersion, ServerRowJSON: json.RawMessage(`{"id":"t1"}`),
	}))

	unresolved, err := tx.ListUnresolvedConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, unresolved, 1)
	assert.Equal(t, "VERSION_MISMATCH", unresolved[0].Code)

	require.NoError(t, tx.ResolveConflict(ctx, "conflict-1", syncclient.ResolutionAccept, time.Now()))

	remaining, err := tx.ListUnresolvedConflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestStore_SubscriptionState_UpsertAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	state := &syncclient.SubscriptionState{
		SubscriptionID: "sub-1", Table: "tasks", Scopes: map[string]any{"user": "u1"},
		Cursor: 0, Status: wire.SubscriptionActive,
	}
	require.NoError(t, tx.UpsertSubscriptionState(ctx, state))

	state.Cursor = 7
	state.BootstrapState = &wire.BootstrapState{RowCursor: "t5"}
	require.NoError(t, tx.UpsertSubscriptionState(ctx, state))

	loaded, err := tx.LoadSubscriptionState(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), loaded.Cursor)
	require.NotNil(t, loaded.BootstrapState)
	assert.Equal(t, "t5", loaded.BootstrapState.RowCursor)
	assert.Equal(t, "u1", loaded.Scopes["user"])

	all, err := tx.ListSubscriptionStates(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestStore_ApplyChangeAndRowFrame_MirrorRoundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	row, _ := json.Marshal(map[string]any{"id": "t1", "title": "first"})
	require.NoError(t, tx.ApplyChange(ctx, "tasks", "t1", wire.OpUpsert, row, 1))

	frameRows := []json.RawMessage{
		json.RawMessage(`{"id":"t2","title":"second"}`),
		json.RawMessage(`{"id":"t3","title":"third"}`),
	}
	require.NoError(t, tx.ApplyRowFrame(ctx, "tasks", frameRows))

	require.NoError(t, tx.ApplyChange(ctx, "tasks", "t1", wire.OpDelete, nil, 0))
}
