package syncclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/syncular/syncular-sub002/wire"
)

// Enqueue durably records a new outbox commit for later sending and touches
// the fingerprint + emits a local data:change for every operation's row, so
// the caller's UI can optimistically reflect the write before the server
// has seen it (§4.4's applyLocalMutation).
func (e *Engine) Enqueue(ctx context.Context, clientCommitID string, schemaVersion int, ops []wire.Operation) (*OutboxCommit, error) {
	if clientCommitID == "" {
		clientCommitID = ulid.Make().String()
	}
	if len(ops) == 0 {
		return nil, fmt.Errorf("syncclient: enqueue requires at least one operation")
	}

	now := time.Now()
	commit := &OutboxCommit{
		ID:             ulid.Make().String(),
		ClientCommitID: clientCommitID,
		Status:         OutboxPending,
		Operations:     ops,
		SchemaVersion:  schemaVersion,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("syncclient: begin enqueue tx: %w", err)
	}
	if err := tx.EnqueueOutbox(ctx, commit); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("syncclient: enqueue outbox: %w", err)
	}

	touched := make(map[string]bool, len(ops))
	for _, op := range ops {
		if err := tx.ApplyChange(ctx, op.Table, op.RowID, op.Op, op.Payload, 0); err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("syncclient: apply local mutation: %w", err)
		}
		touched[op.Table] = true
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("syncclient: commit enqueue tx: %w", err)
	}

	for _, op := range ops {
		e.fingerprint.Apply(op.Table, op.RowID, op.Op == wire.OpDelete, now)
	}

	tables := make([]string, 0, len(touched))
	for t := range touched {
		tables = append(tables, t)
	}
	e.events.emit(Event{Kind: EventDataChange, Source: SourceLocal, Tables: tables})

	e.wakeSyncLoop()
	return commit, nil
}

// applyOutboxResult reconciles one sent OutboxCommit against the server's
// reply: an applied or cached reply marks the commit acked; on a rejected
// reply every conflicted or erroring result becomes a Conflict for the
// application to resolve and the commit is marked failed. A failed commit
// is not claimed again, so it is not retried, and a result's Retriable flag
// does not change this.
func applyOutboxResult(ctx context.Context, tx Tx, commit *OutboxCommit, resp *wire.PushResponse) error {
	raw, _ := json.Marshal(resp)

	switch resp.Status {
	case wire.PushApplied, wire.PushCached:
		var ackedSeq int64
		if resp.CommitSeq != nil {
			ackedSeq = *resp.CommitSeq
		}
		return tx.MarkAcked(ctx, commit.ID, ackedSeq, raw)

	case wire.PushRejected:
		msg := "push rejected"
		for _, r := range resp.Results {
			if r.Status != wire.ResultConflict && r.Status != wire.ResultError {
				continue
			}
			if r.Error != "" {
				msg = r.Error
			}
			if err := recordConflict(ctx, tx, commit, r); err != nil {
				return err
			}
		}
		return tx.MarkFailed(ctx, commit.ID, msg, raw)

	default:
		return tx.MarkFailed(ctx, commit.ID, fmt.Sprintf("unrecognized push status %q", resp.Status), raw)
	}
}

func recordConflict(ctx context.Context, tx Tx, commit *OutboxCommit, r wire.OperationResult) error {
	return tx.InsertConflict(ctx, &Conflict{
		ID:            ulid.Make().String(),
		OutboxID:      commit.ID,
		OpIndex:       r.OpIndex,
		ResultStatus:  r.Status,
		Code:          r.Code,
		Message:       r.Error,
		ServerVersion: r.ServerVersion,
		ServerRowJSON: r.ServerRow,
		CreatedAt:     time.Now(),
	})
}
