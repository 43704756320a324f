package syncclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/syncular/syncular-sub002/wire"
)

// Subscribe registers a new subscription to table, scoped by scopes, and
// persists its initial state so it survives a restart. params is opaque to
// the engine and forwarded to the server on every pull (§3).
func (e *Engine) Subscribe(ctx context.Context, table string, scopes map[string]any, params json.RawMessage) (*SubscriptionState, error) {
	now := time.Now()
	state := &SubscriptionState{
		SubscriptionID: ulid.Make().String(),
		Table:          table,
		Scopes:         scopes,
		Params:         params,
		Cursor:         -1,
		Status:         wire.SubscriptionActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("syncclient: begin subscribe tx: %w", err)
	}
	if err := tx.UpsertSubscriptionState(ctx, state); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("syncclient: persist subscription: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("syncclient: commit subscribe tx: %w", err)
	}

	e.wakeSyncLoop()
	return state, nil
}

// Unsubscribe marks a subscription revoked locally; its pull row stops
// being refreshed on the next sync cycle. It does not delete already
// mirrored rows — an application wanting that calls its own cleanup.
func (e *Engine) Unsubscribe(ctx context.Context, subscriptionID string) error {
	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("syncclient: begin unsubscribe tx: %w", err)
	}

	state, err := tx.LoadSubscriptionState(ctx, subscriptionID)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("syncclient: load subscription %q: %w", subscriptionID, err)
	}
	state.Status = wire.SubscriptionRevoked
	state.UpdatedAt = time.Now()

	if err := tx.UpsertSubscriptionState(ctx, state); err != nil {
		tx.Rollback()
		return fmt.Errorf("syncclient: persist unsubscribe: %w", err)
	}
	return tx.Commit()
}

// buildPullRequest assembles a wire.PullRequest from every persisted active
// subscription, the shared client-wide pagination limits.
func buildPullRequest(clientID string, states []*SubscriptionState, limits PullLimits) wire.PullRequest {
	req := wire.PullRequest{
		ClientID:          clientID,
		LimitCommits:      limits.LimitCommits,
		LimitSnapshotRows: limits.LimitSnapshotRows,
		MaxSnapshotPages:  limits.MaxSnapshotPages,
		DedupeRows:        true,
	}
	for _, s := range states {
		if s.Status == wire.SubscriptionRevoked {
			continue
		}
		req.Subscriptions = append(req.Subscriptions, wire.SubscriptionRequest{
			ID:             s.SubscriptionID,
			Table:          s.Table,
			Scopes:         s.Scopes,
			Params:         s.Params,
			Cursor:         s.Cursor,
			BootstrapState: s.BootstrapState,
		})
	}
	return req
}

// applyPullResponse persists every subscription's advanced cursor/bootstrap
// state and writes its delivered commits/snapshot rows into the local
// mirror. Every row of an incremental commit touches the fingerprint so
// subscribers can refresh; snapshot rows are applied without fingerprint
// updates and are reported only through the returned table list.
// Snapshot pages reference their rows as content-addressed chunks (§4.5);
// transport fetches and decodes each one before it reaches the mirror.
func applyPullResponse(ctx context.Context, tx Tx, transport Transport, fp *Fingerprint, resp *wire.PullResponse) ([]string, error) {
	touched := map[string]bool{}
	now := time.Now()

	for _, sub := range resp.Subscriptions {
		state, err := tx.LoadSubscriptionState(ctx, sub.ID)
		if err != nil {
			return nil, fmt.Errorf("syncclient: load subscription %q: %w", sub.ID, err)
		}
		state.Status = sub.Status
		state.Cursor = sub.NextCursor
		state.BootstrapState = sub.BootstrapState
		state.UpdatedAt = now
		if err := tx.UpsertSubscriptionState(ctx, state); err != nil {
			return nil, fmt.Errorf("syncclient: persist subscription %q: %w", sub.ID, err)
		}

		for _, page := range sub.Snapshots {
			var rows []json.RawMessage
			if len(page.Rows) > 0 {
				rows = splitRowFrame(page.Rows)
			}
			for _, chunk := range page.Chunks {
				decoded, err := fetchAndDecodeChunk(ctx, transport, chunk)
				if err != nil {
					return nil, fmt.Errorf("syncclient: fetch snapshot chunk for %q: %w", page.Table, err)
				}
				rows = append(rows, decoded...)
			}
			if len(rows) > 0 {
				if err := tx.ApplyRowFrame(ctx, page.Table, rows); err != nil {
					return nil, fmt.Errorf("syncclient: apply snapshot rows for %q: %w", page.Table, err)
				}
				touched[page.Table] = true
			}
		}

		for _, commit := range sub.Commits {
			for _, change := range commit.Changes {
				if err := tx.ApplyChange(ctx, change.Table, change.RowID, change.Op, change.RowJSON, change.RowVersion); err != nil {
					return nil, fmt.Errorf("syncclient: apply change %d: %w", change.ChangeID, err)
				}
				fp.Apply(change.Table, change.RowID, change.Op == wire.OpDelete, now)
				touched[change.Table] = true
			}
		}
	}

	tables := make([]string, 0, len(touched))
	for t := range touched {
		tables = append(tables, t)
	}
	return tables, nil
}

// fetchAndDecodeChunk downloads one snapshot chunk over transport and
// reverses its row-frame-v1/gzip encoding back into individual row payloads.
func fetchAndDecodeChunk(ctx context.Context, transport Transport, ref wire.ChunkRef) ([]json.RawMessage, error) {
	compressed, err := transport.FetchChunk(ctx, ref)
	if err != nil {
		return nil, err
	}
	frame, err := wire.DecompressRowFrame(compressed)
	if err != nil {
		return nil, fmt.Errorf("syncclient: decompress chunk %s: %w", ref.SHA256, err)
	}
	return wire.DecodeRowFrame(frame)
}

// splitRowFrame decodes a snapshot page's inline row-frame-v1 JSON array
// into individual row messages for ApplyRowFrame.
func splitRowFrame(rows json.RawMessage) []json.RawMessage {
	var out []json.RawMessage
	if err := json.Unmarshal(rows, &out); err != nil {
		return nil
	}
	return out
}
