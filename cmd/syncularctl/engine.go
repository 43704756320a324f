package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/oklog/ulid/v2"

	"github.com/syncular/syncular-sub002/syncclient"
	"github.com/syncular/syncular-sub002/syncclient/sqlitestore"
)

// openEngine builds a syncclient.Engine over sqlitestore against cfg's
// server, starts it, and returns a teardown func. Commands call this once,
// run one sync cycle, then stop — syncularctl is a one-shot CLI, not a
// long-lived daemon, so the cooperative background cycle only needs to run
// for the duration of a single command invocation.
func openEngine(ctx context.Context, cfg Config) (*syncclient.Engine, func(), error) {
	if cfg.UserID == "" {
		return nil, nil, fmt.Errorf("missing --user (or SYNCULAR_USER_ID)")
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = ulid.Make().String()
	}

	store, err := sqlitestore.Open(ctx, cfg.StorePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open local store: %w", err)
	}

	transport := syncclient.NewHTTPTransport(cfg.ServerURL, nil, func(r *http.Request) {
		r.Header.Set("X-Syncular-User", cfg.UserID)
	})

	engine := syncclient.NewEngine(clientID, store, transport, syncclient.EngineOptions{})
	if err := engine.Start(ctx); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("start engine: %w", err)
	}

	teardown := func() {
		engine.Stop()
		store.Close()
	}
	return engine, teardown, nil
}
