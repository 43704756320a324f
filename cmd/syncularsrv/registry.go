package main

import (
	"context"
	"encoding/json"

	"github.com/syncular/syncular-sub002/syncserver"
)

// projectRow and taskRow are the demo schema this entry point serves: a
// user-scoped "projects"/"tasks" pair, the same shape syncserver's own
// engine tests use. A real deployment registers its own Handlers here in
// place of this pair; wiring table handlers is application code, not
// something a config file can express (ResolveScopes/ScopesForRow are
// arbitrary Go).
type projectRow struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

type taskRow struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	ProjectID string `json:"project_id"`
	Title     string `json:"title"`
	Done      bool   `json:"done"`
}

func allowOwnUser(_ context.Context, actor syncserver.Actor) (syncserver.ScopeValues, error) {
	return syncserver.ScopeValues{"user": {actor.ID}}, nil
}

func projectScopeFromRow(row json.RawMessage) (syncserver.ScopeValues, error) {
	var r projectRow
	if err := json.Unmarshal(row, &r); err != nil {
		return nil, err
	}
	return syncserver.ScopeValues{"user": {r.UserID}}, nil
}

func taskScopeFromRow(row json.RawMessage) (syncserver.ScopeValues, error) {
	var r taskRow
	if err := json.Unmarshal(row, &r); err != nil {
		return nil, err
	}
	return syncserver.ScopeValues{"user": {r.UserID}}, nil
}

func demoRegistry() (*syncserver.Registry, error) {
	projects := &syncserver.Handler{
		Table:         "projects",
		ScopePatterns: []string{"user:{user_id}"},
		ResolveScopes: allowOwnUser,
		ScopesForRow:  projectScopeFromRow,
	}
	tasks := &syncserver.Handler{
		Table:         "tasks",
		ScopePatterns: []string{"user:{user_id}"},
		DependsOn:     []string{"projects"},
		ResolveScopes: allowOwnUser,
		ScopesForRow:  taskScopeFromRow,
	}
	return syncserver.NewRegistry(projects, tasks)
}
