package syncclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/syncular/syncular-sub002/wire"
)

// Conflicts lists every unresolved Conflict across all outbox commits, for
// an application to surface to the user.
func (e *Engine) Conflicts(ctx context.Context) ([]*Conflict, error) {
	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("syncclient: begin conflicts tx: %w", err)
	}
	defer tx.Rollback()

	return tx.ListUnresolvedConflicts(ctx)
}

// ResolveConflict applies one of three resolutions to a persisted Conflict
// (§3's Conflict entity):
//
//   - accept: take the server's row as-is into the local mirror.
//   - reject: discard the local write, leaving the server's row untouched.
//   - "merge:<json>": apply an application-supplied merged row locally and
//     re-enqueue it as a fresh outbox commit against the server's version.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string, resolution ConflictResolution) error {
	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("syncclient: begin resolve tx: %w", err)
	}

	conflicts, err := tx.ListUnresolvedConflicts(ctx)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("syncclient: list conflicts: %w", err)
	}
	var target *Conflict
	for _, c := range conflicts {
		if c.ID == conflictID {
			target = c
			break
		}
	}
	if target == nil {
		tx.Rollback()
		return fmt.Errorf("syncclient: conflict %q not found or already resolved", conflictID)
	}

	outbox, err := tx.LoadOutbox(ctx, target.OutboxID)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("syncclient: load outbox commit %q: %w", target.OutboxID, err)
	}
	var op *wire.Operation
	if target.OpIndex >= 0 && target.OpIndex < len(outbox.Operations) {
		op = &outbox.Operations[target.OpIndex]
	}

	now := time.Now()
	switch {
	case resolution == ResolutionAccept:
		if op != nil && target.ServerVersion != nil {
			version := *target.ServerVersion
			if err := tx.ApplyChange(ctx, op.Table, op.RowID, opFromPresence(target.ServerRowJSON), target.ServerRowJSON, version); err != nil {
				tx.Rollback()
				return fmt.Errorf("syncclient: apply accepted row: %w", err)
			}
		}

	case resolution == ResolutionReject:
		// no mirror write: the local outbox mutation is simply abandoned.

	case strings.HasPrefix(string(resolution), ResolutionMergePrefix):
		mergedJSON := json.RawMessage(strings.TrimPrefix(string(resolution), ResolutionMergePrefix))
		if op != nil {
			mergedOp := wire.Operation{Table: op.Table, RowID: op.RowID, Op: opFromPresence(mergedJSON), Payload: mergedJSON}
			if target.ServerVersion != nil {
				version := *target.ServerVersion
				mergedOp.BaseVersion = &version
			}
			if err := tx.ApplyChange(ctx, mergedOp.Table, mergedOp.RowID, mergedOp.Op, mergedOp.Payload, 0); err != nil {
				tx.Rollback()
				return fmt.Errorf("syncclient: apply merged row: %w", err)
			}
			if err := tx.EnqueueOutbox(ctx, &OutboxCommit{
				ID:             ulid.Make().String(),
				ClientCommitID: ulid.Make().String(),
				Status:         OutboxPending,
				Operations:     []wire.Operation{mergedOp},
				SchemaVersion:  outbox.SchemaVersion,
				CreatedAt:      now,
				UpdatedAt:      now,
			}); err != nil {
				tx.Rollback()
				return fmt.Errorf("syncclient: re-enqueue merged commit: %w", err)
			}
		}

	default:
		tx.Rollback()
		return fmt.Errorf("syncclient: unrecognized resolution %q", resolution)
	}

	if err := tx.ResolveConflict(ctx, conflictID, resolution, now); err != nil {
		tx.Rollback()
		return fmt.Errorf("syncclient: mark conflict resolved: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("syncclient: commit resolve tx: %w", err)
	}

	if op != nil {
		e.fingerprint.Touch(op.Table, op.RowID, now)
		e.events.emit(Event{Kind: EventDataChange, Source: SourceRemote, Tables: []string{op.Table}})
	}
	if strings.HasPrefix(string(resolution), ResolutionMergePrefix) {
		e.wakeSyncLoop()
	}
	return nil
}

// opFromPresence reports OpDelete for a nil/"null" row payload, OpUpsert
// otherwise — a resolved row carries no explicit Op of its own.
func opFromPresence(rowJSON json.RawMessage) wire.Op {
	if len(rowJSON) == 0 || string(rowJSON) == "null" {
		return wire.OpDelete
	}
	return wire.OpUpsert
}
