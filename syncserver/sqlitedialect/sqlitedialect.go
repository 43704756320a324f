// Package sqlitedialect is a syncserver.Dialect backed by SQLite, the
// production store for a single-node Syncular deployment or an embedded
// server. It binds to mattn/go-sqlite3 (cgo) for Open; tests construct a
// Dialect directly over an already-opened *sql.DB so they can drive it
// through modernc.org/sqlite instead and stay cgo-free in CI.
package sqlitedialect

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/syncular/syncular-sub002/syncserver"
)

const schema = `
CREATE TABLE IF NOT EXISTS sync_commits (
	commit_seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	partition_id     TEXT NOT NULL,
	actor_id         TEXT NOT NULL,
	client_id        TEXT NOT NULL,
	client_commit_id TEXT NOT NULL,
	created_at       TEXT NOT NULL,
	result_json      TEXT,
	change_count     INTEGER NOT NULL DEFAULT 0,
	affected_tables  TEXT,
	is_external      INTEGER NOT NULL DEFAULT 0,
	UNIQUE (partition_id, client_id, client_commit_id)
);

CREATE TABLE IF NOT EXISTS sync_changes (
	change_id    INTEGER PRIMARY KEY AUTOINCREMENT,
	commit_seq   INTEGER NOT NULL REFERENCES sync_commits(commit_seq),
	partition_id TEXT NOT NULL,
	table_name   TEXT NOT NULL,
	row_id       TEXT NOT NULL,
	op           TEXT NOT NULL,
	row_json     TEXT,
	row_version  INTEGER NOT NULL,
	scopes_json  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS sync_changes_by_table ON sync_changes(partition_id, table_name, commit_seq);

CREATE TABLE IF NOT EXISTS sync_rows (
	table_name TEXT NOT NULL,
	row_id     TEXT NOT NULL,
	version    INTEGER NOT NULL,
	row_json   TEXT NOT NULL,
	PRIMARY KEY (table_name, row_id)
);

CREATE TABLE IF NOT EXISTS sync_client_cursors (
	partition_id TEXT NOT NULL,
	client_id    TEXT NOT NULL,
	actor_id     TEXT NOT NULL,
	cursor       INTEGER NOT NULL,
	updated_at   TEXT NOT NULL,
	PRIMARY KEY (partition_id, client_id)
);

CREATE TABLE IF NOT EXISTS sync_snapshot_chunks (
	id               TEXT NOT NULL,
	partition_id     TEXT NOT NULL,
	scope_key        TEXT NOT NULL,
	scope            TEXT NOT NULL,
	as_of_commit_seq INTEGER NOT NULL,
	row_cursor       TEXT NOT NULL,
	row_limit        INTEGER NOT NULL,
	encoding         TEXT NOT NULL,
	compression      TEXT NOT NULL,
	sha256           TEXT NOT NULL,
	byte_length      INTEGER NOT NULL,
	blob_hash        TEXT NOT NULL,
	expires_at       TEXT NOT NULL,
	PRIMARY KEY (partition_id, scope_key, scope, as_of_commit_seq, row_cursor, row_limit, encoding, compression)
);

CREATE TABLE IF NOT EXISTS sync_external_marks (
	partition_id TEXT NOT NULL,
	table_name   TEXT NOT NULL,
	commit_seq   INTEGER NOT NULL,
	PRIMARY KEY (partition_id, table_name)
);
`

// Dialect is the sqlitedialect syncserver.Dialect implementation.
type Dialect struct {
	db *sql.DB
}

// Open opens the SQLite file at path via mattn/go-sqlite3 and migrates the
// Syncular schema into it.
func Open(ctx context.Context, path string) (*Dialect, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("sqlitedialect: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer; avoid SQLITE_BUSY under our own load

	d := New(db)
	if err := d.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// New wraps an already-opened *sql.DB (any driver producing SQLite-
// compatible SQL — mattn/go-sqlite3 in production, modernc.org/sqlite in
// tests) as a Dialect. Callers must still call Migrate once.
func New(db *sql.DB) *Dialect {
	return &Dialect{db: db}
}

// Migrate creates the Syncular schema if it does not already exist.
func (d *Dialect) Migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlitedialect: migrate: %w", err)
	}
	return nil
}

func (d *Dialect) Close() error { return d.db.Close() }

func (d *Dialect) Name() string            { return "sqlite" }
func (d *Dialect) SupportsSavepoints() bool { return true }

func (d *Dialect) BeginTx(ctx context.Context) (syncserver.Tx, error) {
	sqlTx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlitedialect: begin tx: %w", err)
	}
	return &tx{sqlTx: sqlTx}, nil
}

type tx struct {
	sqlTx *sql.Tx
}

func (t *tx) Commit() error   { return t.sqlTx.Commit() }
func (t *tx) Rollback() error { return t.sqlTx.Rollback() }

func (t *tx) Savepoint(ctx context.Context, name string) error {
	_, err := t.sqlTx.ExecContext(ctx, "SAVEPOINT "+name)
	return err
}

func (t *tx) RollbackToSavepoint(ctx context.Context, name string) error {
	_, err := t.sqlTx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name)
	return err
}

func (t *tx) ReleaseSavepoint(ctx context.Context, name string) error {
	_, err := t.sqlTx.ExecContext(ctx, "RELEASE SAVEPOINT "+name)
	return err
}

func encodeStrings(ss []string) string {
	b, _ := json.Marshal(ss)
	return string(b)
}

func decodeStrings(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

func encodeScopes(sv syncserver.ScopeValues) string {
	b, _ := json.Marshal(sv)
	return string(b)
}

func decodeScopes(s string) syncserver.ScopeValues {
	out := syncserver.ScopeValues{}
	if s == "" {
		return out
	}
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

func (t *tx) InsertPendingCommit(ctx context.Context, partitionID, actorID, clientID, clientCommitID string) (int64, error) {
	res, err := t.sqlTx.ExecContext(ctx, `
		INSERT INTO sync_commits (partition_id, actor_id, client_id, client_commit_id, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		partitionID, actorID, clientID, clientCommitID, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueViolation(err) {
			return 0, syncserver.ErrIdempotencyConflict
		}
		return 0, err
	}
	return res.LastInsertId()
}

// isUniqueViolation recognizes a SQLite UNIQUE constraint failure across
// both the cgo mattn/go-sqlite3 driver and the pure-Go modernc.org/sqlite
// driver used in tests — their error types differ, so this matches on the
// message text both produce rather than asserting a concrete type.
func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed") || strings.Contains(err.Error(), "constraint failed: UNIQUE")
}

func (t *tx) LoadCommitByIdempotencyKey(ctx context.Context, partitionID, clientID, clientCommitID string) (*syncserver.Commit, error) {
	row := t.sqlTx.QueryRowContext(ctx, `
		SELECT commit_seq, partition_id, actor_id, client_id, client_commit_id, created_at, result_json, change_count, affected_tables
		FROM sync_commits WHERE partition_id = ? AND client_id = ? AND client_commit_id = ?`,
		partitionID, clientID, clientCommitID)
	return scanCommit(row)
}

func scanCommit(row *sql.Row) (*syncserver.Commit, error) {
	var (
		c              syncserver.Commit
		createdAt      string
		resultJSON     sql.NullString
		affectedTables sql.NullString
	)
	if err := row.Scan(&c.CommitSeq, &c.PartitionID, &c.ActorID, &c.ClientID, &c.ClientCommitID, &createdAt, &resultJSON, &c.ChangeCount, &affectedTables); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("sqlitedialect: no commit for idempotency key")
		}
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("sqlitedialect: parse created_at: %w", err)
	}
	c.CreatedAt = t
	if resultJSON.Valid {
		c.ResultJSON = json.RawMessage(resultJSON.String)
	}
	if affectedTables.Valid {
		c.AffectedTables = decodeStrings(affectedTables.String)
	}
	return &c, nil
}

func (t *tx) DeleteCommit(ctx context.Context, commitSeq int64) error {
	_, err := t.sqlTx.ExecContext(ctx, `DELETE FROM sync_changes WHERE commit_seq = ?`, commitSeq)
	if err != nil {
		return err
	}
	_, err = t.sqlTx.ExecContext(ctx, `DELETE FROM sync_commits WHERE commit_seq = ?`, commitSeq)
	return err
}

func (t *tx) FinalizeCommit(ctx context.Context, commitSeq int64, resultJSON json.RawMessage, affectedTables []string, changes []*syncserver.Change) error {
	_, err := t.sqlTx.ExecContext(ctx, `
		UPDATE sync_commits SET result_json = ?, affected_tables = ?, change_count = ? WHERE commit_seq = ?`,
		string(resultJSON), encodeStrings(affectedTables), len(changes), commitSeq)
	if err != nil {
		return err
	}
	for _, ch := range changes {
		res, err := t.sqlTx.ExecContext(ctx, `
			INSERT INTO sync_changes (commit_seq, partition_id, table_name, row_id, op, row_json, row_version, scopes_json)
			VALUES (?, (SELECT partition_id FROM sync_commits WHERE commit_seq = ?), ?, ?, ?, ?, ?, ?)`,
			commitSeq, commitSeq, ch.Table, ch.RowID, string(ch.Op), string(ch.RowJSON), ch.RowVersion, encodeScopes(ch.Scopes))
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		ch.ChangeID = id
	}
	return nil
}

func (t *tx) UpsertRow(ctx context.Context, table, rowID string, payload json.RawMessage, baseVersion *int64) (syncserver.RowWriteResult, error) {
	var existingVersion int64
	var existingRow string
	err := t.sqlTx.QueryRowContext(ctx, `SELECT version, row_json FROM sync_rows WHERE table_name = ? AND row_id = ?`, table, rowID).
		Scan(&existingVersion, &existingRow)
	exists := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return syncserver.RowWriteResult{}, err
	}

	if baseVersion != nil {
		if !exists {
			return syncserver.RowWriteResult{Outcome: syncserver.RowMissing}, nil
		}
		if existingVersion != *baseVersion {
			return syncserver.RowWriteResult{Outcome: syncserver.RowConflict, Version: existingVersion, Row: json.RawMessage(existingRow)}, nil
		}
	}

	newVersion := int64(1)
	if exists {
		newVersion = existingVersion + 1
	}
	_, err = t.sqlTx.ExecContext(ctx, `
		INSERT INTO sync_rows (table_name, row_id, version, row_json) VALUES (?, ?, ?, ?)
		ON CONFLICT (table_name, row_id) DO UPDATE SET version = excluded.version, row_json = excluded.row_json`,
		table, rowID, newVersion, string(payload))
	if err != nil {
		return syncserver.RowWriteResult{}, err
	}
	return syncserver.RowWriteResult{Outcome: syncserver.RowApplied, Version: newVersion, Row: payload}, nil
}

func (t *tx) DeleteRow(ctx context.Context, table, rowID string) (json.RawMessage, bool, error) {
	var rowJSON string
	err := t.sqlTx.QueryRowContext(ctx, `SELECT row_json FROM sync_rows WHERE table_name = ? AND row_id = ?`, table, rowID).Scan(&rowJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if _, err := t.sqlTx.ExecContext(ctx, `DELETE FROM sync_rows WHERE table_name = ? AND row_id = ?`, table, rowID); err != nil {
		return nil, false, err
	}
	return json.RawMessage(rowJSON), true, nil
}

func (t *tx) MaxCommitSeq(ctx context.Context, partitionID string) (int64, error) {
	var seq sql.NullInt64
	err := t.sqlTx.QueryRowContext(ctx, `SELECT MAX(commit_seq) FROM sync_commits WHERE partition_id = ?`, partitionID).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return seq.Int64, nil
}

func (t *tx) MinRetainedCommitSeq(ctx context.Context, partitionID string) (int64, error) {
	var seq sql.NullInt64
	err := t.sqlTx.QueryRowContext(ctx, `SELECT MIN(commit_seq) FROM sync_commits WHERE partition_id = ?`, partitionID).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64 - 1, nil
}

func (t *tx) CommitSeqsAfter(ctx context.Context, partitionID, table string, afterSeq int64, limit int) ([]int64, error) {
	rows, err := t.sqlTx.QueryContext(ctx, `
		SELECT DISTINCT c.commit_seq FROM sync_changes c
		WHERE c.partition_id = ? AND c.table_name = ? AND c.commit_seq > ?
		ORDER BY c.commit_seq ASC LIMIT ?`, partitionID, table, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		out = append(out, seq)
	}
	return out, rows.Err()
}

func (t *tx) ReadChanges(ctx context.Context, partitionID string, commitSeqs []int64, table string, scopes syncserver.ScopeValues) ([]*syncserver.Change, error) {
	if len(commitSeqs) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(commitSeqs))
	args := make([]any, 0, len(commitSeqs)+2)
	args = append(args, partitionID, table)
	for i, seq := range commitSeqs {
		placeholders[i] = "?"
		args = append(args, seq)
	}
	query := fmt.Sprintf(`
		SELECT change_id, commit_seq, table_name, row_id, op, row_json, row_version, scopes_json
		FROM sync_changes
		WHERE partition_id = ? AND table_name = ? AND commit_seq IN (%s)
		ORDER BY change_id ASC`, strings.Join(placeholders, ","))

	rows, err := t.sqlTx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*syncserver.Change
	for rows.Next() {
		var (
			c          syncserver.Change
			rowJSON    sql.NullString
			scopesJSON string
			op         string
		)
		if err := rows.Scan(&c.ChangeID, &c.CommitSeq, &c.Table, &c.RowID, &op, &rowJSON, &c.RowVersion, &scopesJSON); err != nil {
			return nil, err
		}
		c.Op = syncserver.OpKind(op)
		if rowJSON.Valid {
			c.RowJSON = json.RawMessage(rowJSON.String)
		}
		c.Scopes = decodeScopes(scopesJSON)
		if _, ok := syncserver.IntersectScopes(c.Scopes, scopes); !ok {
			continue
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (t *tx) CommitMeta(ctx context.Context, partitionID string, commitSeqs []int64) (map[int64]syncserver.CommitHeader, error) {
	out := make(map[int64]syncserver.CommitHeader, len(commitSeqs))
	if len(commitSeqs) == 0 {
		return out, nil
	}
	placeholders := make([]string, len(commitSeqs))
	args := make([]any, 0, len(commitSeqs)+1)
	args = append(args, partitionID)
	for i, seq := range commitSeqs {
		placeholders[i] = "?"
		args = append(args, seq)
	}
	query := fmt.Sprintf(`
		SELECT commit_seq, created_at, actor_id FROM sync_commits
		WHERE partition_id = ? AND commit_seq IN (%s)`, strings.Join(placeholders, ","))

	rows, err := t.sqlTx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var h syncserver.CommitHeader
		if err := rows.Scan(&h.CommitSeq, &h.CreatedAt, &h.ActorID); err != nil {
			return nil, err
		}
		out[h.CommitSeq] = h
	}
	return out, rows.Err()
}

func (t *tx) LatestExternalCommitSeq(ctx context.Context, partitionID string, tables []string) (int64, error) {
	var max int64
	for _, table := range tables {
		var seq sql.NullInt64
		err := t.sqlTx.QueryRowContext(ctx, `SELECT commit_seq FROM sync_external_marks WHERE partition_id = ? AND table_name = ?`, partitionID, table).Scan(&seq)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return 0, err
		}
		if seq.Int64 > max {
			max = seq.Int64
		}
	}
	return max, nil
}

func (t *tx) RecordExternalCommit(ctx context.Context, partitionID string, affectedTables []string) (int64, error) {
	resultJSON, _ := json.Marshal(map[string]any{"ok": true, "external": true})
	res, err := t.sqlTx.ExecContext(ctx, `
		INSERT INTO sync_commits (partition_id, actor_id, client_id, client_commit_id, created_at, result_json, affected_tables, is_external)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1)`,
		partitionID, "", syncserver.ExternalClientID, fmt.Sprintf("external-%d", time.Now().UnixNano()), time.Now().UTC().Format(time.RFC3339Nano), string(resultJSON), encodeStrings(affectedTables))
	if err != nil {
		return 0, err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for _, table := range affectedTables {
		if _, err := t.sqlTx.ExecContext(ctx, `
			INSERT INTO sync_external_marks (partition_id, table_name, commit_seq) VALUES (?, ?, ?)
			ON CONFLICT (partition_id, table_name) DO UPDATE SET commit_seq = excluded.commit_seq`,
			partitionID, table, seq); err != nil {
			return 0, err
		}
	}
	return seq, nil
}

func (t *tx) UpsertClientCursor(ctx context.Context, cur syncserver.ClientCursor) error {
	_, err := t.sqlTx.ExecContext(ctx, `
		INSERT INTO sync_client_cursors (partition_id, client_id, actor_id, cursor, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (partition_id, client_id) DO UPDATE SET actor_id = excluded.actor_id, cursor = excluded.cursor, updated_at = excluded.updated_at`,
		cur.PartitionID, cur.ClientID, cur.ActorID, cur.Cursor, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (t *tx) LoadClientCursor(ctx context.Context, partitionID, clientID string) (*syncserver.ClientCursor, error) {
	var cc syncserver.ClientCursor
	var updatedAt string
	err := t.sqlTx.QueryRowContext(ctx, `
		SELECT partition_id, client_id, actor_id, cursor, updated_at FROM sync_client_cursors
		WHERE partition_id = ? AND client_id = ?`, partitionID, clientID).
		Scan(&cc.PartitionID, &cc.ClientID, &cc.ActorID, &cc.Cursor, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	parsed, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, err
	}
	cc.UpdatedAt = parsed
	return &cc, nil
}

func (t *tx) FindSnapshotChunk(ctx context.Context, key syncserver.SnapshotChunkKey) (*syncserver.SnapshotChunkMeta, error) {
	var (
		m         syncserver.SnapshotChunkMeta
		expiresAt string
	)
	err := t.sqlTx.QueryRowContext(ctx, `
		SELECT id, partition_id, scope_key, scope, as_of_commit_seq, row_cursor, row_limit, encoding, compression, sha256, byte_length, blob_hash, expires_at
		FROM sync_snapshot_chunks
		WHERE partition_id = ? AND scope_key = ? AND scope = ? AND as_of_commit_seq = ? AND row_cursor = ? AND row_limit = ? AND encoding = ? AND compression = ?`,
		key.PartitionID, key.ScopeKey, key.Scope, key.AsOfCommitSeq, key.RowCursor, key.RowLimit, key.Encoding, key.Compression).
		Scan(&m.ID, &m.PartitionID, &m.ScopeKey, &m.Scope, &m.AsOfCommitSeq, &m.RowCursor, &m.RowLimit, &m.Encoding, &m.Compression, &m.SHA256, &m.ByteLength, &m.BlobHash, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	parsed, err := time.Parse(time.RFC3339Nano, expiresAt)
	if err != nil {
		return nil, err
	}
	m.ExpiresAt = parsed
	return &m, nil
}

func (t *tx) UpsertSnapshotChunk(ctx context.Context, meta syncserver.SnapshotChunkMeta) error {
	_, err := t.sqlTx.ExecContext(ctx, `
		INSERT INTO sync_snapshot_chunks (id, partition_id, scope_key, scope, as_of_commit_seq, row_cursor, row_limit, encoding, compression, sha256, byte_length, blob_hash, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (partition_id, scope_key, scope, as_of_commit_seq, row_cursor, row_limit, encoding, compression)
		DO UPDATE SET id = excluded.id, sha256 = excluded.sha256, byte_length = excluded.byte_length, blob_hash = excluded.blob_hash, expires_at = excluded.expires_at`,
		meta.ID, meta.PartitionID, meta.ScopeKey, meta.Scope, meta.AsOfCommitSeq, meta.RowCursor, meta.RowLimit, meta.Encoding, meta.Compression,
		meta.SHA256, meta.ByteLength, meta.BlobHash, meta.ExpiresAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (t *tx) EvictSnapshotChunksForTables(ctx context.Context, partitionID string, tables []string) error {
	for _, table := range tables {
		if _, err := t.sqlTx.ExecContext(ctx, `DELETE FROM sync_snapshot_chunks WHERE partition_id = ? AND scope_key = ?`, partitionID, table); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) PurgeExpiredSnapshotChunks(ctx context.Context, now int64) error {
	_, err := t.sqlTx.ExecContext(ctx, `DELETE FROM sync_snapshot_chunks WHERE expires_at <= ?`, time.Unix(now, 0).UTC().Format(time.RFC3339Nano))
	return err
}

// SnapshotRows does not scope-filter: the generic sync_rows table has no
// per-table knowledge of which JSON field backs a given scope key, so it
// pages unfiltered and relies on the incremental path's ReadChanges (which
// does have each change's stamped Scopes) for precise visibility. A schema
// that wants scope-filtered bootstrap pages would need scope columns
// projected onto sync_rows per table, generated from Registry.ScopeVars.
func (t *tx) SnapshotRows(ctx context.Context, table string, _ syncserver.ScopeValues, rowCursor string, limit int) ([]json.RawMessage, string, bool, error) {
	rows, err := t.sqlTx.QueryContext(ctx, `
		SELECT row_id, row_json FROM sync_rows
		WHERE table_name = ? AND row_id > ?
		ORDER BY row_id ASC LIMIT ?`, table, rowCursor, limit+1)
	if err != nil {
		return nil, "", false, err
	}
	defer rows.Close()

	type pair struct {
		id  string
		row string
	}
	var pairs []pair
	for rows.Next() {
		var p pair
		if err := rows.Scan(&p.id, &p.row); err != nil {
			return nil, "", false, err
		}
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, "", false, err
	}

	done := len(pairs) <= limit
	if !done {
		pairs = pairs[:limit]
	}
	out := make([]json.RawMessage, len(pairs))
	for i, p := range pairs {
		out[i] = json.RawMessage(p.row)
	}
	next := rowCursor
	if len(pairs) > 0 {
		next = pairs[len(pairs)-1].id
	}
	return out, next, done, nil
}
