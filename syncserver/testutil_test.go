package syncserver_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/syncular/syncular-sub002/syncserver"
	"github.com/syncular/syncular-sub002/syncserver/memdialect"
)

type taskRow struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Title  string `json:"title"`
	Done   bool   `json:"done"`
}

func userScopeFromRow(row json.RawMessage) (syncserver.ScopeValues, error) {
	var r taskRow
	if err := json.Unmarshal(row, &r); err != nil {
		return nil, err
	}
	return syncserver.ScopeValues{"user": {r.UserID}}, nil
}

func allowOwnUser(ctx context.Context, actor syncserver.Actor) (syncserver.ScopeValues, error) {
	return syncserver.ScopeValues{"user": {actor.ID}}, nil
}

// newTestEngine builds an Engine over memdialect with a "projects"/"tasks"
// pair of handlers (tasks depends on projects), both scoped by "user".
func newTestEngine(t *testing.T) *syncserver.Engine {
	t.Helper()

	projects := &syncserver.Handler{
		Table:         "projects",
		ScopePatterns: []string{"user:{user_id}"},
		ResolveScopes: allowOwnUser,
		ScopesForRow:  userScopeFromRow,
	}
	tasks := &syncserver.Handler{
		Table:         "tasks",
		ScopePatterns: []string{"user:{user_id}"},
		DependsOn:     []string{"projects"},
		ResolveScopes: allowOwnUser,
		ScopesForRow:  userScopeFromRow,
	}

	registry, err := syncserver.NewRegistry(projects, tasks)
	require.NoError(t, err)

	dialect := memdialect.New()
	blobs := syncserver.NewMemoryBlobStore()
	return syncserver.NewEngine(dialect, registry, nil, blobs, syncserver.EngineOptions{})
}

func upsertOp(table, rowID, userID, title string) json.RawMessage {
	b, _ := json.Marshal(taskRow{ID: rowID, UserID: userID, Title: title})
	return b
}
