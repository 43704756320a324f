package syncserver

import (
	"context"
	"fmt"

	"github.com/syncular/syncular-sub002/wire"
)

// ExternalClientID is the distinguished clientId stamped on synthetic
// commits recorded by NotifyExternalDataChange (§4.3). Dialect
// implementations of RecordExternalCommit use this constant so every
// backend agrees on the sentinel value.
const ExternalClientID = "__external__"

// NotifyExternalDataChange records a synthetic commit for data written
// outside the push path (batch jobs, direct SQL). It evicts every cached
// snapshot chunk for the affected tables so the next pull re-bootstraps
// them, and advances the table-commit index so incremental pulls at a
// cursor older than this call see a forced bootstrap (§4.2 step 3).
func (e *Engine) NotifyExternalDataChange(ctx context.Context, partitionID string, tables []string) error {
	if len(tables) == 0 {
		return NewError(wire.CodeInvalidRequest, "tables must be non-empty", nil)
	}

	tx, err := e.dialect.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("syncserver: begin external-change tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.RecordExternalCommit(ctx, partitionID, tables); err != nil {
		return fmt.Errorf("syncserver: record external commit: %w", err)
	}
	if err := tx.EvictSnapshotChunksForTables(ctx, partitionID, tables); err != nil {
		return fmt.Errorf("syncserver: evict snapshot chunks: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("syncserver: commit external-change tx: %w", err)
	}
	return nil
}
