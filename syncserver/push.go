package syncserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/syncular/syncular-sub002/wire"
)

const applySavepoint = "sync_apply"

// ErrIdempotencyConflict is returned by Tx.InsertPendingCommit when a row
// already exists for (partitionId, clientId, clientCommitId); the caller
// loads the cached commit via LoadCommitByIdempotencyKey.
var ErrIdempotencyConflict = errors.New("syncserver: idempotency key conflict")

// Push applies a client's push request atomically (§4.1) and returns the
// wire response — freshly computed on first sight of a commit id, or the
// cached response on replay (an "applied" status is rewritten to "cached";
// a "rejected" status is returned as stored).
func (e *Engine) Push(ctx context.Context, partitionID string, actor Actor, req wire.PushRequest) (*wire.PushResponse, error) {
	if req.ClientID == "" || req.ClientCommitID == "" {
		return nil, NewError(wire.CodeInvalidRequest, "clientId and clientCommitId are required", nil)
	}
	if len(req.Operations) == 0 {
		return nil, NewError(wire.CodeInvalidRequest, "operations must be non-empty", nil)
	}

	tx, err := e.dialect.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("syncserver: begin push tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	commitSeq, err := tx.InsertPendingCommit(ctx, partitionID, actor.ID, req.ClientID, req.ClientCommitID)
	if errors.Is(err, ErrIdempotencyConflict) {
		existing, loadErr := tx.LoadCommitByIdempotencyKey(ctx, partitionID, req.ClientID, req.ClientCommitID)
		if loadErr != nil {
			return nil, fmt.Errorf("syncserver: load cached commit: %w", loadErr)
		}
		if existing.ResultJSON == nil {
			// Stale row from a crashed writer; the dialect's isolation
			// wasn't strong enough to prevent this. Delete and retry once.
			if delErr := tx.DeleteCommit(ctx, existing.CommitSeq); delErr != nil {
				return nil, fmt.Errorf("syncserver: delete stale commit: %w", delErr)
			}
			commitSeq, err = tx.InsertPendingCommit(ctx, partitionID, actor.ID, req.ClientID, req.ClientCommitID)
			if err != nil {
				return nil, fmt.Errorf("syncserver: retry insert pending commit: %w", err)
			}
		} else {
			var resp wire.PushResponse
			if err := json.Unmarshal(existing.ResultJSON, &resp); err != nil {
				return nil, fmt.Errorf("syncserver: decode cached result: %w", err)
			}
			if resp.Status == wire.PushApplied {
				resp.Status = wire.PushCached
			}
			return &resp, nil
		}
	} else if err != nil {
		return nil, fmt.Errorf("syncserver: insert pending commit: %w", err)
	}

	// All three shipped dialects report SupportsSavepoints() true; a
	// dialect that doesn't would lose atomicity across a multi-operation
	// commit here, since there'd be nothing to roll back to on a later
	// operation's failure within the same tx.
	savepointOK := e.dialect.SupportsSavepoints()
	if savepointOK {
		if err := tx.Savepoint(ctx, applySavepoint); err != nil {
			return nil, fmt.Errorf("syncserver: open savepoint: %w", err)
		}
	}

	results := make([]wire.OperationResult, 0, len(req.Operations))
	emissions := make([]*ChangeEmission, 0, len(req.Operations))
	affected := map[string]bool{}
	rejected := false

	for i, op := range req.Operations {
		handler, herr := e.registry.Lookup(op.Table)
		if herr != nil {
			results = append(results, wire.OperationResult{OpIndex: i, Status: wire.ResultError, Error: herr.Error(), Code: string(wire.CodeInvalidRequest)})
			rejected = true
			break
		}

		pending := &PendingOperation{Table: op.Table, RowID: op.RowID, Op: OpKind(op.Op), Payload: op.Payload}
		if err := runPlugins(ctx, handler.BeforeApplyOperation, pending); err != nil {
			results = append(results, errorResult(i, err))
			rejected = true
			break
		}

		outcome, emission, err := applyOperationDefault(ctx, tx, handler, op)
		if err != nil {
			results = append(results, errorResult(i, err))
			rejected = true
			break
		}

		if err := runPlugins(ctx, handler.AfterApplyOperation, pending); err != nil {
			results = append(results, errorResult(i, err))
			rejected = true
			break
		}

		result, stop := toOperationResult(i, outcome)
		results = append(results, result)
		if stop {
			rejected = true
			break
		}

		if emission != nil {
			if len(emission.Scopes) == 0 {
				results[len(results)-1] = errorResult(i, NewError(wire.CodeInvalidScope, "emitted change has no scopes", nil))
				rejected = true
				break
			}
			emissions = append(emissions, emission)
			affected[op.Table] = true
		}
	}

	var resp wire.PushResponse
	if rejected {
		if savepointOK {
			if err := tx.RollbackToSavepoint(ctx, applySavepoint); err != nil {
				return nil, fmt.Errorf("syncserver: rollback savepoint: %w", err)
			}
		}
		resp = wire.PushResponse{OK: true, Status: wire.PushRejected, Results: results}
		resultJSON, err := json.Marshal(resp)
		if err != nil {
			return nil, fmt.Errorf("syncserver: marshal rejected response: %w", err)
		}
		if err := tx.FinalizeCommit(ctx, commitSeq, resultJSON, nil, nil); err != nil {
			return nil, fmt.Errorf("syncserver: persist rejected result: %w", err)
		}
	} else {
		if savepointOK {
			if err := tx.ReleaseSavepoint(ctx, applySavepoint); err != nil {
				return nil, fmt.Errorf("syncserver: release savepoint: %w", err)
			}
		}

		changes := make([]*Change, 0, len(emissions))
		for _, em := range emissions {
			changes = append(changes, &Change{
				Table:      em.Table,
				RowID:      em.RowID,
				Op:         em.Op,
				RowJSON:    em.RowJSON,
				RowVersion: em.Version,
				Scopes:     em.Scopes,
			})
		}

		tables := make([]string, 0, len(affected))
		for t := range affected {
			tables = append(tables, t)
		}
		sort.Strings(tables)

		seq := commitSeq
		resp = wire.PushResponse{OK: true, Status: wire.PushApplied, CommitSeq: &seq, Results: results}
		resultJSON, err := json.Marshal(resp)
		if err != nil {
			return nil, fmt.Errorf("syncserver: marshal push response: %w", err)
		}
		if err := tx.FinalizeCommit(ctx, commitSeq, resultJSON, tables, changes); err != nil {
			return nil, fmt.Errorf("syncserver: finalize commit: %w", err)
		}

		// Changes now carry their assigned ChangeID; attach them to the
		// in-process response (never serialized) so handlePush/handleInlinePush
		// can inline them onto a realtime wake-up without a second pull.
		resp.Changes = make([]wire.Change, 0, len(changes))
		for _, c := range changes {
			resp.Changes = append(resp.Changes, wireChange(c))
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("syncserver: commit push tx: %w", err)
	}
	return &resp, nil
}

func runPlugins(ctx context.Context, plugins []Plugin, op *PendingOperation) error {
	for _, p := range sortPlugins(plugins) {
		if err := p.Run(ctx, op); err != nil {
			return err
		}
	}
	return nil
}

func errorResult(i int, err error) wire.OperationResult {
	if se := AsSyncError(err); se != nil {
		return wire.OperationResult{OpIndex: i, Status: wire.ResultError, Error: se.Message, Code: string(se.Code), Retriable: se.Retriable}
	}
	return wire.OperationResult{OpIndex: i, Status: wire.ResultError, Error: err.Error(), Code: string(wire.CodeTemporaryFailure), Retriable: true}
}

// toOperationResult converts a sealed OperationOutcome into its wire shape.
// stop is true when the commit must reject on this result (conflict/error).
func toOperationResult(i int, outcome OperationOutcome) (wire.OperationResult, bool) {
	switch o := outcome.(type) {
	case Applied:
		v := o.ServerVersion
		return wire.OperationResult{OpIndex: i, Status: wire.ResultApplied, ServerVersion: &v, ServerRow: o.ServerRow}, false
	case NoOp:
		return wire.OperationResult{OpIndex: i, Status: wire.ResultApplied}, false
	case Conflict:
		v := o.ServerVersion
		return wire.OperationResult{OpIndex: i, Status: wire.ResultConflict, Code: string(wire.CodeVersionMismatch), ServerVersion: &v, ServerRow: o.ServerRow}, true
	case OpError:
		return wire.OperationResult{OpIndex: i, Status: wire.ResultError, Error: o.Message, Code: o.Code}, true
	default:
		return wire.OperationResult{OpIndex: i, Status: wire.ResultError, Error: "unknown outcome", Code: string(wire.CodeTemporaryFailure), Retriable: true}, true
	}
}

// applyOperationDefault implements the default upsert/delete semantics of
// §4.1, calling the dialect's row-level primitives for optimistic writes.
func applyOperationDefault(ctx context.Context, tx Tx, handler *Handler, op wire.Operation) (OperationOutcome, *ChangeEmission, error) {
	switch OpKind(op.Op) {
	case OpUpsert:
		return applyUpsert(ctx, tx, handler, op)
	case OpDelete:
		return applyDelete(ctx, tx, handler, op)
	default:
		return nil, nil, NewError(wire.CodeInvalidRequest, fmt.Sprintf("unknown op %q", op.Op), nil)
	}
}

func applyUpsert(ctx context.Context, tx Tx, handler *Handler, op wire.Operation) (OperationOutcome, *ChangeEmission, error) {
	result, err := tx.UpsertRow(ctx, op.Table, op.RowID, op.Payload, op.BaseVersion)
	if err != nil {
		return nil, nil, fmt.Errorf("syncserver: upsert row: %w", err)
	}

	switch result.Outcome {
	case RowApplied:
		scopes, err := handler.ScopesForRow(result.Row)
		if err != nil {
			return nil, nil, fmt.Errorf("syncserver: extract scopes: %w", err)
		}
		emission := &ChangeEmission{Table: op.Table, RowID: op.RowID, Op: OpUpsert, RowJSON: result.Row, Version: result.Version, Scopes: scopes}
		return Applied{ServerVersion: result.Version, ServerRow: result.Row}, emission, nil

	case RowConflict:
		return Conflict{ServerVersion: result.Version, ServerRow: result.Row}, nil, nil

	case RowMissing:
		return OpError{Code: string(wire.CodeRowMissing), Message: "row not found for conditional update"}, nil, nil

	case RowConstraintViolation:
		return OpError{Code: string(wire.CodeConstraintViolation), Message: string(result.ConstraintKind)}, nil, nil

	default:
		return nil, nil, fmt.Errorf("syncserver: unknown row outcome %d", result.Outcome)
	}
}

func applyDelete(ctx context.Context, tx Tx, handler *Handler, op wire.Operation) (OperationOutcome, *ChangeEmission, error) {
	preImage, existed, err := tx.DeleteRow(ctx, op.Table, op.RowID)
	if err != nil {
		return nil, nil, fmt.Errorf("syncserver: delete row: %w", err)
	}
	if !existed {
		return NoOp{}, nil, nil
	}

	scopes, err := handler.ScopesForRow(preImage)
	if err != nil {
		return nil, nil, fmt.Errorf("syncserver: extract pre-image scopes: %w", err)
	}
	emission := &ChangeEmission{Table: op.Table, RowID: op.RowID, Op: OpDelete, RowJSON: nil, Version: 0, Scopes: scopes}
	return Applied{}, emission, nil
}
