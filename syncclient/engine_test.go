package syncclient_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncular/syncular-sub002/syncclient"
	"github.com/syncular/syncular-sub002/wire"
)

func newTestEngine(t *testing.T, transport *fakeTransport) (*syncclient.Engine, *memStore) {
	t.Helper()
	store := newMemStore()
	engine := syncclient.NewEngine("client-1", store, transport, syncclient.EngineOptions{})
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(engine.Stop)
	return engine, store
}

func TestEngine_Enqueue_AppliesOptimisticallyAndPushes(t *testing.T) {
	var acked int64 = 7
	transport := &fakeTransport{
		PushFunc: func(_ context.Context, req wire.PushRequest) (*wire.PushResponse, error) {
			return &wire.PushResponse{
				OK: true, Status: wire.PushApplied, CommitSeq: &acked,
				Results: []wire.OperationResult{{OpIndex: 0, Status: wire.ResultApplied}},
			}, nil
		},
	}
	engine, store := newTestEngine(t, transport)

	row, _ := json.Marshal(map[string]any{"id": "t1", "title": "write tests"})
	commit, err := engine.Enqueue(context.Background(), "", 1, []wire.Operation{
		{Table: "tasks", RowID: "t1", Op: wire.OpUpsert, Payload: row},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, commit.ClientCommitID)
	assert.Equal(t, 1, store.rowCount("tasks"))

	require.NoError(t, engine.Sync(context.Background()))

	require.Len(t, transport.PushCalls, 1)
	assert.Equal(t, commit.ClientCommitID, transport.PushCalls[0].ClientCommitID)

	saved, err := func() (*syncclient.OutboxCommit, error) {
		tx, err := store.BeginTx(context.Background())
		require.NoError(t, err)
		defer tx.Rollback()
		return tx.LoadOutbox(context.Background(), commit.ID)
	}()
	require.NoError(t, err)
	assert.Equal(t, syncclient.OutboxAcked, saved.Status)
}

func TestEngine_Enqueue_ConflictIsRecorded(t *testing.T) {
	transport := &fakeTransport{
		PushFunc: func(_ context.Context, req wire.PushRequest) (*wire.PushResponse, error) {
			version := int64(3)
			serverRow, _ := json.Marshal(map[string]any{"id": "t1", "title": "server wins"})
			return &wire.PushResponse{
				OK: true, Status: wire.PushRejected,
				Results: []wire.OperationResult{{
					OpIndex: 0, Status: wire.ResultConflict, Code: "VERSION_MISMATCH",
					ServerVersion: &version, ServerRow: serverRow,
				}},
			}, nil
		},
	}
	engine, _ := newTestEngine(t, transport)

	row, _ := json.Marshal(map[string]any{"id": "t1", "title": "local edit"})
	commit, err := engine.Enqueue(context.Background(), "", 1, []wire.Operation{
		{Table: "tasks", RowID: "t1", Op: wire.OpUpsert, Payload: row, BaseVersion: int64Ptr(1)},
	})
	require.NoError(t, err)
	require.NoError(t, engine.Sync(context.Background()))

	conflicts, err := engine.Conflicts(context.Background())
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, commit.ID, conflicts[0].OutboxID)
	assert.Equal(t, "VERSION_MISMATCH", conflicts[0].Code)

	require.NoError(t, engine.ResolveConflict(context.Background(), conflicts[0].ID, syncclient.ResolutionAccept))

	remaining, err := engine.Conflicts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestEngine_Subscribe_BootstrapsThenIncremental(t *testing.T) {
	firstCall := true
	transport := &fakeTransport{
		PullFunc: func(_ context.Context, req wire.PullRequest) (*wire.PullResponse, error) {
			require.Len(t, req.Subscriptions, 1)
			if firstCall {
				firstCall = false
				return &wire.PullResponse{
					OK: true,
					Subscriptions: []wire.SubscriptionResponse{{
						ID: req.Subscriptions[0].ID, Status: wire.SubscriptionActive, Bootstrap: true,
						BootstrapState: nil, NextCursor: 5,
					}},
				}, nil
			}
			row, _ := json.Marshal(map[string]any{"id": "t2"})
			return &wire.PullResponse{
				OK: true,
				Subscriptions: []wire.SubscriptionResponse{{
					ID: req.Subscriptions[0].ID, Status: wire.SubscriptionActive, NextCursor: 6,
					Commits: []wire.Commit{{
						CommitSeq: 6,
						Changes:   []wire.Change{{ChangeID: 1, Table: "tasks", RowID: "t2", Op: wire.OpUpsert, RowJSON: row, RowVersion: 1}},
					}},
				}},
			}, nil
		},
	}
	engine, store := newTestEngine(t, transport)

	_, err := engine.Subscribe(context.Background(), "tasks", map[string]any{"user": "u1"}, nil)
	require.NoError(t, err)

	require.NoError(t, engine.Sync(context.Background()))
	require.NoError(t, engine.Sync(context.Background()))

	require.Len(t, transport.PullCalls, 2)
	assert.Equal(t, int64(-1), transport.PullCalls[0].Subscriptions[0].Cursor)
	assert.Equal(t, int64(5), transport.PullCalls[1].Subscriptions[0].Cursor)
	assert.Equal(t, 1, store.rowCount("tasks"))
}

func TestEngine_HandleRealtimeEvent_InlineSkipsHTTPWhenNoPendingOutbox(t *testing.T) {
	transport := &fakeTransport{
		PullFunc: func(_ context.Context, _ wire.PullRequest) (*wire.PullResponse, error) {
			t.Fatal("pull should not be called when the realtime event is applied inline")
			return nil, nil
		},
	}
	engine, store := newTestEngine(t, transport)
	require.NoError(t, engine.Sync(context.Background())) // quiesce the startup cycle before listening for events

	events := engine.Events()
	defer engine.CloseEventChannel(events)

	row, _ := json.Marshal(map[string]any{"id": "t3"})
	cursor := int64(9)
	engine.HandleRealtimeEvent(wire.SyncEventData{
		Cursor:  &cursor,
		Changes: []wire.Change{{ChangeID: 9, Table: "tasks", RowID: "t3", Op: wire.OpUpsert, RowJSON: row, RowVersion: 1}},
	})

	select {
	case evt := <-events:
		assert.Equal(t, syncclient.EventDataChange, evt.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for inline data:change event")
	}
	assert.Equal(t, 1, store.rowCount("tasks"))
}

func TestEngine_HandleRealtimeEvent_MissingCursorSkipsInlineApply(t *testing.T) {
	engine, store := newTestEngine(t, &fakeTransport{})
	require.NoError(t, engine.Sync(context.Background())) // quiesce the startup cycle

	row, _ := json.Marshal(map[string]any{"id": "t4"})
	engine.HandleRealtimeEvent(wire.SyncEventData{
		Changes: []wire.Change{{ChangeID: 9, Table: "tasks", RowID: "t4", Op: wire.OpUpsert, RowJSON: row, RowVersion: 1}},
	})

	// No active subscriptions means the forced fallback pull is a no-op,
	// but the row must not have been applied inline without a cursor.
	assert.Equal(t, 0, store.rowCount("tasks"))
}

func int64Ptr(v int64) *int64 { return &v }
