package syncserver_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncular/syncular-sub002/syncserver"
	"github.com/syncular/syncular-sub002/wire"
)

func TestEngine_Push_AppliesUpsert(t *testing.T) {
	e := newTestEngine(t)
	actor := syncserver.Actor{ID: "u1"}

	resp, err := e.Push(context.Background(), "p1", actor, wire.PushRequest{
		ClientID:       "c1",
		ClientCommitID: "commit-1",
		Operations: []wire.Operation{
			{Table: "tasks", RowID: "t1", Op: wire.OpUpsert, Payload: upsertOp("tasks", "t1", "u1", "write tests")},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, wire.PushApplied, resp.Status)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, wire.ResultApplied, resp.Results[0].Status)
	require.NotNil(t, resp.Results[0].ServerVersion)
	assert.Equal(t, int64(1), *resp.Results[0].ServerVersion)
}

func TestEngine_Push_IdempotentReplayReturnsCached(t *testing.T) {
	e := newTestEngine(t)
	actor := syncserver.Actor{ID: "u1"}
	req := wire.PushRequest{
		ClientID:       "c1",
		ClientCommitID: "commit-1",
		Operations: []wire.Operation{
			{Table: "tasks", RowID: "t1", Op: wire.OpUpsert, Payload: upsertOp("tasks", "t1", "u1", "write tests")},
		},
	}

	first, err := e.Push(context.Background(), "p1", actor, req)
	require.NoError(t, err)
	require.Equal(t, wire.PushApplied, first.Status)

	second, err := e.Push(context.Background(), "p1", actor, req)
	require.NoError(t, err)
	assert.Equal(t, wire.PushCached, second.Status)
	assert.Equal(t, first.CommitSeq, second.CommitSeq)
}

func TestEngine_Push_OptimisticConflict(t *testing.T) {
	e := newTestEngine(t)
	actor := syncserver.Actor{ID: "u1"}

	_, err := e.Push(context.Background(), "p1", actor, wire.PushRequest{
		ClientID: "c1", ClientCommitID: "commit-1",
		Operations: []wire.Operation{
			{Table: "tasks", RowID: "t1", Op: wire.OpUpsert, Payload: upsertOp("tasks", "t1", "u1", "v1")},
		},
	})
	require.NoError(t, err)

	stale := int64(0)
	resp, err := e.Push(context.Background(), "p1", actor, wire.PushRequest{
		ClientID: "c1", ClientCommitID: "commit-2",
		Operations: []wire.Operation{
			{Table: "tasks", RowID: "t1", Op: wire.OpUpsert, Payload: upsertOp("tasks", "t1", "u1", "v2"), BaseVersion: &stale},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, wire.PushRejected, resp.Status)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, wire.ResultConflict, resp.Results[0].Status)
	require.NotNil(t, resp.Results[0].ServerVersion)
	assert.Equal(t, int64(1), *resp.Results[0].ServerVersion)
}

func TestEngine_Push_DeleteNoOpWhenRowMissing(t *testing.T) {
	e := newTestEngine(t)
	actor := syncserver.Actor{ID: "u1"}

	resp, err := e.Push(context.Background(), "p1", actor, wire.PushRequest{
		ClientID: "c1", ClientCommitID: "commit-1",
		Operations: []wire.Operation{
			{Table: "tasks", RowID: "ghost", Op: wire.OpDelete},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, wire.PushApplied, resp.Status)
	assert.Equal(t, wire.ResultApplied, resp.Results[0].Status)
}

func TestEngine_Push_UnknownTableRejects(t *testing.T) {
	e := newTestEngine(t)
	actor := syncserver.Actor{ID: "u1"}

	resp, err := e.Push(context.Background(), "p1", actor, wire.PushRequest{
		ClientID: "c1", ClientCommitID: "commit-1",
		Operations: []wire.Operation{
			{Table: "ghosts", RowID: "g1", Op: wire.OpUpsert, Payload: upsertOp("ghosts", "g1", "u1", "x")},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, wire.PushRejected, resp.Status)
	assert.Equal(t, wire.ResultError, resp.Results[0].Status)
}
