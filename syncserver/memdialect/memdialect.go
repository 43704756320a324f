// Package memdialect is an in-process syncserver.Dialect with no backing
// SQL engine, used by syncserver's own engine tests (§1A: "in-memory
// dialect and transport fakes... make engine tests deterministic without a
// real database").
//
// It trades full ACID isolation for simplicity: every Tx method locks the
// shared DB's single mutex for the duration of that call rather than
// holding a lock across a transaction's lifetime (which would deadlock the
// pull engine's concurrent per-subscription goroutines, §4.2's Go
// grounding note). Savepoint/RollbackToSavepoint snapshot and restore row
// state; Commit/Rollback themselves are no-ops since every write already
// lands directly in shared state. This is sufficient for deterministic
// control-flow tests and is not a model for sqlitedialect/pgdialect, which
// rely on real database transactions.
package memdialect

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/syncular/syncular-sub002/syncserver"
)

type rowEntry struct {
	version int64
	json    json.RawMessage
}

type commitRow struct {
	commit     syncserver.Commit
	changes    []*syncserver.Change
	isExternal bool
}

type partitionState struct {
	minRetainedCommitSeq int64
	commitOrder          []int64
	tableCommitIndex     map[string][]int64
	idempotency          map[string]int64
	clientCursors        map[string]*syncserver.ClientCursor
	snapshotChunks       map[string]*syncserver.SnapshotChunkMeta
	externalLatestByTable map[string]int64
}

func newPartitionState() *partitionState {
	return &partitionState{
		tableCommitIndex:      map[string][]int64{},
		idempotency:           map[string]int64{},
		clientCursors:         map[string]*syncserver.ClientCursor{},
		snapshotChunks:        map[string]*syncserver.SnapshotChunkMeta{},
		externalLatestByTable: map[string]int64{},
	}
}

// DB is the shared in-memory state behind every Tx a Dialect hands out.
type DB struct {
	mu            sync.Mutex
	nextCommitSeq int64
	nextChangeID  int64
	commitsBySeq  map[int64]*commitRow
	partitions    map[string]*partitionState

	// rows is not partition-scoped: table/row primitives in syncserver.Tx
	// take no partitionID, so a Dialect implementation that wants per-
	// partition row isolation must encode the partition into table naming
	// or row ids itself. memdialect keeps one global row namespace.
	rows map[string]map[string]rowEntry
}

func newDB() *DB {
	return &DB{
		commitsBySeq: map[int64]*commitRow{},
		partitions:   map[string]*partitionState{},
		rows:         map[string]map[string]rowEntry{},
	}
}

func (db *DB) partitionLocked(id string) *partitionState {
	p, ok := db.partitions[id]
	if !ok {
		p = newPartitionState()
		db.partitions[id] = p
	}
	return p
}

// Dialect is the memdialect syncserver.Dialect implementation.
type Dialect struct {
	db *DB
}

// New builds an empty in-memory Dialect.
func New() *Dialect {
	return &Dialect{db: newDB()}
}

func (d *Dialect) Name() string               { return "mem" }
func (d *Dialect) SupportsSavepoints() bool    { return true }
func (d *Dialect) BeginTx(_ context.Context) (syncserver.Tx, error) {
	return &tx{db: d.db, savepoints: map[string]savepointSnapshot{}}, nil
}

type savepointSnapshot struct {
	rows map[string]map[string]rowEntry
}

type tx struct {
	db *DB

	mu         sync.Mutex
	savepoints map[string]savepointSnapshot
}

func (t *tx) Commit() error   { return nil }
func (t *tx) Rollback() error { return nil }

func deepCopyRows(src map[string]map[string]rowEntry) map[string]map[string]rowEntry {
	out := make(map[string]map[string]rowEntry, len(src))
	for table, m := range src {
		m2 := make(map[string]rowEntry, len(m))
		for id, e := range m {
			m2[id] = e
		}
		out[table] = m2
	}
	return out
}

func (t *tx) Savepoint(_ context.Context, name string) error {
	t.db.mu.Lock()
	snap := deepCopyRows(t.db.rows)
	t.db.mu.Unlock()

	t.mu.Lock()
	t.savepoints[name] = savepointSnapshot{rows: snap}
	t.mu.Unlock()
	return nil
}

func (t *tx) RollbackToSavepoint(_ context.Context, name string) error {
	t.mu.Lock()
	snap, ok := t.savepoints[name]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("memdialect: no such savepoint %q", name)
	}

	t.db.mu.Lock()
	t.db.rows = snap.rows
	t.db.mu.Unlock()
	return nil
}

func (t *tx) ReleaseSavepoint(_ context.Context, name string) error {
	t.mu.Lock()
	delete(t.savepoints, name)
	t.mu.Unlock()
	return nil
}

func idempotencyKey(clientID, clientCommitID string) string {
	return clientID + "\x00" + clientCommitID
}

func (t *tx) InsertPendingCommit(_ context.Context, partitionID, actorID, clientID, clientCommitID string) (int64, error) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	p := t.db.partitionLocked(partitionID)
	key := idempotencyKey(clientID, clientCommitID)
	if _, exists := p.idempotency[key]; exists {
		return 0, syncserver.ErrIdempotencyConflict
	}

	t.db.nextCommitSeq++
	seq := t.db.nextCommitSeq
	t.db.commitsBySeq[seq] = &commitRow{commit: syncserver.Commit{
		CommitSeq:      seq,
		PartitionID:    partitionID,
		ActorID:        actorID,
		ClientID:       clientID,
		ClientCommitID: clientCommitID,
		CreatedAt:      time.Now().UTC(),
	}}
	p.commitOrder = append(p.commitOrder, seq)
	p.idempotency[key] = seq
	return seq, nil
}

func (t *tx) LoadCommitByIdempotencyKey(_ context.Context, partitionID, clientID, clientCommitID string) (*syncserver.Commit, error) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	p := t.db.partitionLocked(partitionID)
	seq, ok := p.idempotency[idempotencyKey(clientID, clientCommitID)]
	if !ok {
		return nil, fmt.Errorf("memdialect: no commit for idempotency key")
	}
	c := t.db.commitsBySeq[seq].commit
	return &c, nil
}

func removeInt64(s []int64, v int64) []int64 {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

func (t *tx) DeleteCommit(_ context.Context, commitSeq int64) error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	cr, ok := t.db.commitsBySeq[commitSeq]
	if !ok {
		return nil
	}
	delete(t.db.commitsBySeq, commitSeq)

	p := t.db.partitionLocked(cr.commit.PartitionID)
	p.commitOrder = removeInt64(p.commitOrder, commitSeq)
	key := idempotencyKey(cr.commit.ClientID, cr.commit.ClientCommitID)
	if p.idempotency[key] == commitSeq {
		delete(p.idempotency, key)
	}
	return nil
}

func (t *tx) FinalizeCommit(_ context.Context, commitSeq int64, resultJSON json.RawMessage, affectedTables []string, changes []*syncserver.Change) error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	cr, ok := t.db.commitsBySeq[commitSeq]
	if !ok {
		return fmt.Errorf("memdialect: unknown commit %d", commitSeq)
	}
	cr.commit.ResultJSON = resultJSON
	cr.commit.AffectedTables = affectedTables
	cr.commit.ChangeCount = len(changes)
	if len(changes) == 0 {
		return nil
	}

	p := t.db.partitionLocked(cr.commit.PartitionID)
	out := make([]*syncserver.Change, len(changes))
	for i, ch := range changes {
		t.db.nextChangeID++
		c2 := *ch
		c2.ChangeID = t.db.nextChangeID
		c2.CommitSeq = commitSeq
		out[i] = &c2
	}
	cr.changes = out
	for _, table := range affectedTables {
		p.tableCommitIndex[table] = append(p.tableCommitIndex[table], commitSeq)
	}
	return nil
}

func (t *tx) UpsertRow(_ context.Context, table, rowID string, payload json.RawMessage, baseVersion *int64) (syncserver.RowWriteResult, error) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	tbl, ok := t.db.rows[table]
	if !ok {
		tbl = map[string]rowEntry{}
		t.db.rows[table] = tbl
	}
	existing, exists := tbl[rowID]

	if baseVersion != nil {
		if !exists {
			return syncserver.RowWriteResult{Outcome: syncserver.RowMissing}, nil
		}
		if existing.version != *baseVersion {
			return syncserver.RowWriteResult{Outcome: syncserver.RowConflict, Version: existing.version, Row: existing.json}, nil
		}
	}

	newVersion := int64(1)
	if exists {
		newVersion = existing.version + 1
	}
	row := append(json.RawMessage(nil), payload...)
	tbl[rowID] = rowEntry{version: newVersion, json: row}
	return syncserver.RowWriteResult{Outcome: syncserver.RowApplied, Version: newVersion, Row: row}, nil
}

func (t *tx) DeleteRow(_ context.Context, table, rowID string) (json.RawMessage, bool, error) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	tbl, ok := t.db.rows[table]
	if !ok {
		return nil, false, nil
	}
	existing, exists := tbl[rowID]
	if !exists {
		return nil, false, nil
	}
	delete(tbl, rowID)
	return existing.json, true, nil
}

func (t *tx) MaxCommitSeq(_ context.Context, partitionID string) (int64, error) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	p := t.db.partitionLocked(partitionID)
	if len(p.commitOrder) == 0 {
		return 0, nil
	}
	return p.commitOrder[len(p.commitOrder)-1], nil
}

func (t *tx) MinRetainedCommitSeq(_ context.Context, partitionID string) (int64, error) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	return t.db.partitionLocked(partitionID).minRetainedCommitSeq, nil
}

func (t *tx) CommitSeqsAfter(_ context.Context, partitionID, table string, afterSeq int64, limit int) ([]int64, error) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	idx := t.db.partitionLocked(partitionID).tableCommitIndex[table]
	var out []int64
	for _, seq := range idx {
		if seq > afterSeq {
			out = append(out, seq)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (t *tx) ReadChanges(_ context.Context, _ string, commitSeqs []int64, table string, scopes syncserver.ScopeValues) ([]*syncserver.Change, error) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	var out []*syncserver.Change
	for _, seq := range commitSeqs {
		cr, ok := t.db.commitsBySeq[seq]
		if !ok {
			continue
		}
		for _, ch := range cr.changes {
			if ch.Table != table {
				continue
			}
			if _, ok := syncserver.IntersectScopes(ch.Scopes, scopes); !ok {
				continue
			}
			out = append(out, ch)
		}
	}
	return out, nil
}

func (t *tx) CommitMeta(_ context.Context, _ string, commitSeqs []int64) (map[int64]syncserver.CommitHeader, error) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	out := make(map[int64]syncserver.CommitHeader, len(commitSeqs))
	for _, seq := range commitSeqs {
		cr, ok := t.db.commitsBySeq[seq]
		if !ok {
			continue
		}
		out[seq] = syncserver.CommitHeader{
			CommitSeq: seq,
			CreatedAt: cr.commit.CreatedAt.Format(time.RFC3339Nano),
			ActorID:   cr.commit.ActorID,
		}
	}
	return out, nil
}

func (t *tx) LatestExternalCommitSeq(_ context.Context, partitionID string, tables []string) (int64, error) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	p := t.db.partitionLocked(partitionID)
	var max int64
	for _, table := range tables {
		if seq, ok := p.externalLatestByTable[table]; ok && seq > max {
			max = seq
		}
	}
	return max, nil
}

func (t *tx) RecordExternalCommit(_ context.Context, partitionID string, affectedTables []string) (int64, error) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	p := t.db.partitionLocked(partitionID)
	t.db.nextCommitSeq++
	seq := t.db.nextCommitSeq

	resultJSON, _ := json.Marshal(map[string]any{"ok": true, "external": true})
	t.db.commitsBySeq[seq] = &commitRow{
		isExternal: true,
		commit: syncserver.Commit{
			CommitSeq:      seq,
			PartitionID:    partitionID,
			ClientID:       syncserver.ExternalClientID,
			ClientCommitID: fmt.Sprintf("external-%d", seq),
			CreatedAt:      time.Now().UTC(),
			ResultJSON:     resultJSON,
			AffectedTables: affectedTables,
		},
	}
	p.commitOrder = append(p.commitOrder, seq)
	for _, table := range affectedTables {
		p.tableCommitIndex[table] = append(p.tableCommitIndex[table], seq)
		p.externalLatestByTable[table] = seq
	}
	return seq, nil
}

func (t *tx) UpsertClientCursor(_ context.Context, cur syncserver.ClientCursor) error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	p := t.db.partitionLocked(cur.PartitionID)
	cc := cur
	cc.UpdatedAt = time.Now().UTC()
	p.clientCursors[cur.ClientID] = &cc
	return nil
}

func (t *tx) LoadClientCursor(_ context.Context, partitionID, clientID string) (*syncserver.ClientCursor, error) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	cc, ok := t.db.partitionLocked(partitionID).clientCursors[clientID]
	if !ok {
		return nil, nil
	}
	out := *cc
	return &out, nil
}

func chunkKeyString(key syncserver.SnapshotChunkKey) string {
	return fmt.Sprintf("%s\x00%s\x00%d\x00%s\x00%d\x00%s\x00%s",
		key.ScopeKey, key.Scope, key.AsOfCommitSeq, key.RowCursor, key.RowLimit, key.Encoding, key.Compression)
}

func (t *tx) FindSnapshotChunk(_ context.Context, key syncserver.SnapshotChunkKey) (*syncserver.SnapshotChunkMeta, error) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	meta, ok := t.db.partitionLocked(key.PartitionID).snapshotChunks[chunkKeyString(key)]
	if !ok {
		return nil, nil
	}
	out := *meta
	return &out, nil
}

func (t *tx) UpsertSnapshotChunk(_ context.Context, meta syncserver.SnapshotChunkMeta) error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	key := syncserver.SnapshotChunkKey{
		PartitionID: meta.PartitionID, ScopeKey: meta.ScopeKey, Scope: meta.Scope,
		AsOfCommitSeq: meta.AsOfCommitSeq, RowCursor: meta.RowCursor, RowLimit: meta.RowLimit,
		Encoding: meta.Encoding, Compression: meta.Compression,
	}
	m := meta
	t.db.partitionLocked(meta.PartitionID).snapshotChunks[chunkKeyString(key)] = &m
	return nil
}

func (t *tx) EvictSnapshotChunksForTables(_ context.Context, partitionID string, tables []string) error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	tableSet := make(map[string]bool, len(tables))
	for _, table := range tables {
		tableSet[table] = true
	}
	p := t.db.partitionLocked(partitionID)
	for k, meta := range p.snapshotChunks {
		if tableSet[meta.ScopeKey] {
			delete(p.snapshotChunks, k)
		}
	}
	return nil
}

func (t *tx) PurgeExpiredSnapshotChunks(_ context.Context, now int64) error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	cutoff := time.Unix(now, 0)
	for _, p := range t.db.partitions {
		for k, meta := range p.snapshotChunks {
			if !meta.ExpiresAt.After(cutoff) {
				delete(p.snapshotChunks, k)
			}
		}
	}
	return nil
}

// SnapshotRows pages through table in sorted-rowID order. Scope filtering
// at this layer is intentionally a no-op: syncserver.Tx has no access to
// the registry's scope-column mapping, so a real dialect derives its WHERE
// clause from schema knowledge the mem store doesn't have. Per-row
// visibility is still enforced precisely on the incremental path, where
// ReadChanges filters by the scopes a handler stamped on each Change;
// memdialect's bootstrap path exists to exercise pagination and chunk
// caching control flow, not scope-filtered row content.
func (t *tx) SnapshotRows(_ context.Context, table string, _ syncserver.ScopeValues, rowCursor string, limit int) ([]json.RawMessage, string, bool, error) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	tbl := t.db.rows[table]
	ids := make([]string, 0, len(tbl))
	for id := range tbl {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	start := 0
	if rowCursor != "" {
		idx := sort.SearchStrings(ids, rowCursor)
		if idx < len(ids) && ids[idx] == rowCursor {
			idx++
		}
		start = idx
	}

	var rows []json.RawMessage
	i := start
	for ; i < len(ids) && len(rows) < limit; i++ {
		rows = append(rows, tbl[ids[i]].json)
	}

	done := i >= len(ids)
	nextCursor := ""
	if !done {
		nextCursor = ids[i-1]
	}
	return rows, nextCursor, done, nil
}
