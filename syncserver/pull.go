package syncserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/syncular/syncular-sub002/wire"
)

// maxConcurrentSubscriptions bounds the errgroup worker pool resolving
// independent subscriptions within one pull request (§4.2 Go grounding).
const maxConcurrentSubscriptions = 8

// Pull resolves every subscription in req independently — bootstrap or
// incremental, as the per-subscription state dictates — and merges the
// result into one wire.PullResponse (§4.2).
func (e *Engine) Pull(ctx context.Context, partitionID string, actor Actor, req wire.PullRequest) (*wire.PullResponse, error) {
	if req.ClientID == "" {
		return nil, NewError(wire.CodeInvalidRequest, "clientId is required", nil)
	}

	limitCommits := req.LimitCommits
	if limitCommits <= 0 {
		limitCommits = e.opts.DefaultLimitCommits
	} else {
		limitCommits = clampInt(limitCommits, 1, 500)
	}
	limitSnapshotRows := req.LimitSnapshotRows
	if limitSnapshotRows <= 0 {
		limitSnapshotRows = e.opts.DefaultLimitSnapshotRows
	} else {
		limitSnapshotRows = clampInt(limitSnapshotRows, 1, 5000)
	}
	maxSnapshotPages := req.MaxSnapshotPages
	if maxSnapshotPages <= 0 {
		maxSnapshotPages = e.opts.DefaultMaxSnapshotPages
	} else {
		maxSnapshotPages = clampInt(maxSnapshotPages, 1, 50)
	}

	tx, err := e.dialect.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("syncserver: begin pull tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	e.resolver.ResetLocal()

	maxCommitSeq, err := tx.MaxCommitSeq(ctx, partitionID)
	if err != nil {
		return nil, fmt.Errorf("syncserver: read max commit seq: %w", err)
	}
	minCommitSeq, err := tx.MinRetainedCommitSeq(ctx, partitionID)
	if err != nil {
		return nil, fmt.Errorf("syncserver: read min retained commit seq: %w", err)
	}

	results := make([]wire.SubscriptionResponse, len(req.Subscriptions))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentSubscriptions)
	for i, sub := range req.Subscriptions {
		i, sub := i, sub
		g.Go(func() error {
			resp, err := e.resolveSubscription(gctx, tx, partitionID, actor, sub, maxCommitSeq, minCommitSeq, limitCommits, limitSnapshotRows, maxSnapshotPages, req.DedupeRows)
			if err != nil {
				return err
			}
			results[i] = *resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	watermark := int64(-1)
	haveActive := false
	for _, r := range results {
		if r.Status != wire.SubscriptionActive {
			continue
		}
		if !haveActive || r.NextCursor < watermark {
			watermark = r.NextCursor
		}
		haveActive = true
	}
	if haveActive {
		if err := tx.UpsertClientCursor(ctx, ClientCursor{
			PartitionID: partitionID,
			ClientID:    req.ClientID,
			ActorID:     actor.ID,
			Cursor:      watermark,
		}); err != nil {
			return nil, fmt.Errorf("syncserver: upsert client cursor: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("syncserver: commit pull tx: %w", err)
	}
	return &wire.PullResponse{OK: true, Subscriptions: results}, nil
}

// resolveSubscription implements the per-subscription algorithm of §4.2
// steps 1-5. Scope-resolution failure downgrades the subscription to
// revoked rather than failing the whole pull; every other error (a
// dialect read failure, a blob upload failure) propagates and aborts the
// request.
func (e *Engine) resolveSubscription(
	ctx context.Context,
	tx Tx,
	partitionID string,
	actor Actor,
	sub wire.SubscriptionRequest,
	maxCommitSeq, minCommitSeq int64,
	limitCommits, limitSnapshotRows, maxSnapshotPages int,
	dedupeRows bool,
) (*wire.SubscriptionResponse, error) {
	requested := scopeValuesFromWire(sub.Scopes)

	allowed, err := e.resolver.Resolve(ctx, partitionID, actor, sub.Table)
	if err != nil {
		return revokedResponse(sub), nil
	}

	// IntersectScopes revokes the subscription on any requested key absent
	// from allowed, which has the same practical effect as validating
	// requested against the handler's declared ScopePatterns via
	// Registry.ScopeVars up front — but it isn't that validation; a
	// request with zero overlapping keys still reaches here instead of
	// being rejected at the point the pattern mismatch is known.
	effective, ok := IntersectScopes(requested, allowed)
	if !ok {
		return revokedResponse(sub), nil
	}

	needsBootstrap := sub.BootstrapState != nil ||
		sub.Cursor < 0 ||
		sub.Cursor > maxCommitSeq ||
		sub.Cursor < minCommitSeq-1

	if !needsBootstrap {
		latestExternal, err := tx.LatestExternalCommitSeq(ctx, partitionID, []string{sub.Table})
		if err != nil {
			return nil, fmt.Errorf("syncserver: read latest external commit: %w", err)
		}
		if latestExternal > sub.Cursor {
			needsBootstrap = true
		}
	}

	if needsBootstrap {
		return e.bootstrapSubscription(ctx, tx, partitionID, actor, sub, effective, maxCommitSeq, limitSnapshotRows, maxSnapshotPages)
	}
	return e.incrementalSubscription(ctx, tx, partitionID, sub, effective, limitCommits, dedupeRows)
}

func revokedResponse(sub wire.SubscriptionRequest) *wire.SubscriptionResponse {
	return &wire.SubscriptionResponse{
		ID:         sub.ID,
		Status:     wire.SubscriptionRevoked,
		Scopes:     map[string]any{},
		NextCursor: sub.Cursor,
	}
}

// bootstrapSubscription pages through the dependency-ordered table
// closure for sub.Table, storing each page's rows as a content-addressed
// snapshot chunk (§4.2 step 4). At most maxSnapshotPages dialect reads
// happen per call; progress threads through BootstrapState across pull
// rounds.
func (e *Engine) bootstrapSubscription(
	ctx context.Context,
	tx Tx,
	partitionID string,
	actor Actor,
	sub wire.SubscriptionRequest,
	effective ScopeValues,
	maxCommitSeq int64,
	limitSnapshotRows, maxSnapshotPages int,
) (*wire.SubscriptionResponse, error) {
	var state wire.BootstrapState
	if sub.BootstrapState != nil {
		state = *sub.BootstrapState
	} else {
		tables, err := e.bootstrapTableClosure(sub.Table)
		if err != nil {
			return nil, err
		}
		state = wire.BootstrapState{AsOfCommitSeq: maxCommitSeq, Tables: tables, TableIndex: 0, RowCursor: ""}
	}

	type bundle struct {
		chunks      []wire.ChunkRef
		isFirstPage bool
		isLastPage  bool
	}
	bundles := make(map[string]*bundle)
	var tableOrder []string

	pagesUsed := 0
	for pagesUsed < maxSnapshotPages && state.TableIndex < len(state.Tables) {
		table := state.Tables[state.TableIndex]

		tableScopes := effective
		if table != sub.Table {
			allowed, err := e.resolver.Resolve(ctx, partitionID, actor, table)
			if err == nil {
				if inter, ok := IntersectScopes(effective, allowed); ok {
					tableScopes = inter
				}
			}
		}

		isFirstPageForTable := state.RowCursor == ""
		rows, nextRowCursor, done, err := tx.SnapshotRows(ctx, table, tableScopes, state.RowCursor, limitSnapshotRows)
		if err != nil {
			return nil, fmt.Errorf("syncserver: snapshot rows for %s: %w", table, err)
		}
		pagesUsed++

		frame, err := wire.EncodeRowFrame(toAnySlice(rows))
		if err != nil {
			return nil, fmt.Errorf("syncserver: encode row frame: %w", err)
		}
		body, err := wire.CompressRowFrame(frame)
		if err != nil {
			return nil, fmt.Errorf("syncserver: compress row frame: %w", err)
		}

		key := SnapshotChunkKey{
			PartitionID:   partitionID,
			ScopeKey:      table,
			Scope:         scopeDigest(tableScopes),
			AsOfCommitSeq: state.AsOfCommitSeq,
			RowCursor:     state.RowCursor,
			RowLimit:      limitSnapshotRows,
			Encoding:      wire.RowFrameEncoding,
			Compression:   wire.CompressionGzip,
		}
		meta, err := e.storeSnapshotChunk(ctx, tx, key, body)
		if err != nil {
			return nil, err
		}

		b, ok := bundles[table]
		if !ok {
			b = &bundle{isFirstPage: isFirstPageForTable}
			bundles[table] = b
			tableOrder = append(tableOrder, table)
		}
		b.chunks = append(b.chunks, chunkRef(meta))
		b.isLastPage = done

		if done {
			state.TableIndex++
			state.RowCursor = ""
		} else {
			state.RowCursor = nextRowCursor
		}
	}

	snapshots := make([]wire.SnapshotPage, 0, len(tableOrder))
	for _, table := range tableOrder {
		b := bundles[table]
		snapshots = append(snapshots, wire.SnapshotPage{
			Table:       table,
			Chunks:      b.chunks,
			IsFirstPage: b.isFirstPage,
			IsLastPage:  b.isLastPage,
		})
	}

	drained := state.TableIndex >= len(state.Tables)
	var bootstrapStateOut *wire.BootstrapState
	nextCursor := sub.Cursor
	if drained {
		nextCursor = state.AsOfCommitSeq
	} else {
		bootstrapStateOut = &state
	}

	return &wire.SubscriptionResponse{
		ID:             sub.ID,
		Status:         wire.SubscriptionActive,
		Scopes:         scopeValuesToWire(effective),
		Bootstrap:      true,
		BootstrapState: bootstrapStateOut,
		NextCursor:     nextCursor,
		Snapshots:      snapshots,
	}, nil
}

// bootstrapTableClosure returns the dependency closure of table (table plus
// every transitive DependsOn), ordered per the registry's global
// topological order (dependencies first).
func (e *Engine) bootstrapTableClosure(table string) ([]string, error) {
	closure := map[string]bool{}
	var walk func(t string) error
	walk = func(t string) error {
		if closure[t] {
			return nil
		}
		closure[t] = true
		h, err := e.registry.Lookup(t)
		if err != nil {
			return err
		}
		for _, dep := range h.DependsOn {
			if err := walk(dep); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(table); err != nil {
		return nil, err
	}

	var ordered []string
	for _, t := range e.registry.BootstrapOrder() {
		if closure[t] {
			ordered = append(ordered, t)
		}
	}
	return ordered, nil
}

// incrementalSubscription implements §4.2 step 5.
func (e *Engine) incrementalSubscription(
	ctx context.Context,
	tx Tx,
	partitionID string,
	sub wire.SubscriptionRequest,
	effective ScopeValues,
	limitCommits int,
	dedupeRows bool,
) (*wire.SubscriptionResponse, error) {
	commitSeqs, err := tx.CommitSeqsAfter(ctx, partitionID, sub.Table, sub.Cursor, limitCommits)
	if err != nil {
		return nil, fmt.Errorf("syncserver: read commit seqs after cursor: %w", err)
	}
	if len(commitSeqs) == 0 {
		return &wire.SubscriptionResponse{
			ID:         sub.ID,
			Status:     wire.SubscriptionActive,
			Scopes:     scopeValuesToWire(effective),
			NextCursor: sub.Cursor,
		}, nil
	}

	changes, err := tx.ReadChanges(ctx, partitionID, commitSeqs, sub.Table, effective)
	if err != nil {
		return nil, fmt.Errorf("syncserver: read changes: %w", err)
	}
	if dedupeRows {
		changes = dedupeByRow(changes)
	}

	meta, err := tx.CommitMeta(ctx, partitionID, commitSeqs)
	if err != nil {
		return nil, fmt.Errorf("syncserver: read commit meta: %w", err)
	}

	sorted := append([]int64(nil), commitSeqs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	byCommit := make(map[int64][]wire.Change, len(sorted))
	for _, c := range changes {
		byCommit[c.CommitSeq] = append(byCommit[c.CommitSeq], wireChange(c))
	}

	commits := make([]wire.Commit, 0, len(sorted))
	for _, seq := range sorted {
		cs := byCommit[seq]
		sort.Slice(cs, func(i, j int) bool { return cs[i].ChangeID < cs[j].ChangeID })
		hdr := meta[seq]
		commits = append(commits, wire.Commit{
			CommitSeq: seq,
			CreatedAt: hdr.CreatedAt,
			ActorID:   hdr.ActorID,
			Changes:   cs,
		})
	}

	nextCursor := sorted[len(sorted)-1]

	return &wire.SubscriptionResponse{
		ID:         sub.ID,
		Status:     wire.SubscriptionActive,
		Scopes:     scopeValuesToWire(effective),
		NextCursor: nextCursor,
		Commits:    commits,
	}, nil
}

// dedupeByRow keeps only the latest occurrence of each (table, rowId) in
// changes, preserving the relative order of the kept entries.
func dedupeByRow(changes []*Change) []*Change {
	type key struct {
		table string
		rowID string
	}
	lastIdx := make(map[key]int, len(changes))
	for i, c := range changes {
		lastIdx[key{c.Table, c.RowID}] = i
	}
	out := make([]*Change, 0, len(lastIdx))
	for i, c := range changes {
		if lastIdx[key{c.Table, c.RowID}] == i {
			out = append(out, c)
		}
	}
	return out
}

func wireChange(c *Change) wire.Change {
	return wire.Change{
		ChangeID:   c.ChangeID,
		Table:      c.Table,
		RowID:      c.RowID,
		Op:         wire.Op(c.Op),
		RowJSON:    c.RowJSON,
		RowVersion: c.RowVersion,
		Scopes:     scopeValuesToWire(c.Scopes),
	}
}

func scopeValuesFromWire(m map[string]any) ScopeValues {
	if len(m) == 0 {
		return ScopeValues{}
	}
	out := make(ScopeValues, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case string:
			out[k] = []string{t}
		case []string:
			out[k] = t
		case []any:
			vals := make([]string, 0, len(t))
			for _, e := range t {
				if s, ok := e.(string); ok {
					vals = append(vals, s)
				}
			}
			out[k] = vals
		}
	}
	return out
}

func scopeValuesToWire(sv ScopeValues) map[string]any {
	out := make(map[string]any, len(sv))
	for k, v := range sv {
		vals := make([]any, len(v))
		for i, s := range v {
			vals[i] = s
		}
		out[k] = vals
	}
	return out
}

// scopeDigest builds a deterministic content-addressing fragment for a
// table's resolved scope values, used as the Scope half of a snapshot
// chunk's cache key.
func scopeDigest(sv ScopeValues) string {
	keys := make([]string, 0, len(sv))
	for k := range sv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := ""
	for _, k := range keys {
		vals := append([]string(nil), sv[k]...)
		sort.Strings(vals)
		out += k + "="
		for i, v := range vals {
			if i > 0 {
				out += ","
			}
			out += v
		}
		out += ";"
	}
	return out
}

func toAnySlice(rows []json.RawMessage) []any {
	out := make([]any, len(rows))
	for i, r := range rows {
		out[i] = r
	}
	return out
}
