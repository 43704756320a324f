// Package pgdialect is a syncserver.Dialect backed by PostgreSQL, for
// multi-node Syncular deployments that need a shared server database
// rather than sqlitedialect's single-file store.
package pgdialect

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/syncular/syncular-sub002/syncserver"
)

const schema = `
CREATE TABLE IF NOT EXISTS sync_commits (
	commit_seq       BIGSERIAL PRIMARY KEY,
	partition_id     TEXT NOT NULL,
	actor_id         TEXT NOT NULL,
	client_id        TEXT NOT NULL,
	client_commit_id TEXT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	result_json      JSONB,
	change_count     INTEGER NOT NULL DEFAULT 0,
	affected_tables  JSONB,
	is_external      BOOLEAN NOT NULL DEFAULT FALSE,
	UNIQUE (partition_id, client_id, client_commit_id)
);

CREATE TABLE IF NOT EXISTS sync_changes (
	change_id    BIGSERIAL PRIMARY KEY,
	commit_seq   BIGINT NOT NULL REFERENCES sync_commits(commit_seq),
	partition_id TEXT NOT NULL,
	table_name   TEXT NOT NULL,
	row_id       TEXT NOT NULL,
	op           TEXT NOT NULL,
	row_json     JSONB,
	row_version  BIGINT NOT NULL,
	scopes_json  JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS sync_changes_by_table ON sync_changes(partition_id, table_name, commit_seq);

CREATE TABLE IF NOT EXISTS sync_rows (
	table_name TEXT NOT NULL,
	row_id     TEXT NOT NULL,
	version    BIGINT NOT NULL,
	row_json   JSONB NOT NULL,
	PRIMARY KEY (table_name, row_id)
);

CREATE TABLE IF NOT EXISTS sync_client_cursors (
	partition_id TEXT NOT NULL,
	client_id    TEXT NOT NULL,
	actor_id     TEXT NOT NULL,
	cursor       BIGINT NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (partition_id, client_id)
);

CREATE TABLE IF NOT EXISTS sync_snapshot_chunks (
	id               TEXT NOT NULL,
	partition_id     TEXT NOT NULL,
	scope_key        TEXT NOT NULL,
	scope            TEXT NOT NULL,
	as_of_commit_seq BIGINT NOT NULL,
	row_cursor       TEXT NOT NULL,
	row_limit        INTEGER NOT NULL,
	encoding         TEXT NOT NULL,
	compression      TEXT NOT NULL,
	sha256           TEXT NOT NULL,
	byte_length      BIGINT NOT NULL,
	blob_hash        TEXT NOT NULL,
	expires_at       TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (partition_id, scope_key, scope, as_of_commit_seq, row_cursor, row_limit, encoding, compression)
);

CREATE TABLE IF NOT EXISTS sync_external_marks (
	partition_id TEXT NOT NULL,
	table_name   TEXT NOT NULL,
	commit_seq   BIGINT NOT NULL,
	PRIMARY KEY (partition_id, table_name)
);
`

// Dialect is the pgdialect syncserver.Dialect implementation.
type Dialect struct {
	db *sql.DB
}

// Open connects to dsn via pgx/v5/stdlib and migrates the Syncular schema.
func Open(ctx context.Context, dsn string) (*Dialect, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("pgdialect: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgdialect: ping: %w", err)
	}

	d := New(db)
	if err := d.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// New wraps an already-opened *sql.DB as a Dialect. Callers must still call
// Migrate once.
func New(db *sql.DB) *Dialect {
	return &Dialect{db: db}
}

// Migrate creates the Syncular schema if it does not already exist.
func (d *Dialect) Migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("pgdialect: migrate: %w", err)
	}
	return nil
}

func (d *Dialect) Close() error { return d.db.Close() }

func (d *Dialect) Name() string            { return "postgres" }
func (d *Dialect) SupportsSavepoints() bool { return true }

func (d *Dialect) BeginTx(ctx context.Context) (syncserver.Tx, error) {
	sqlTx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("pgdialect: begin tx: %w", err)
	}
	return &tx{sqlTx: sqlTx}, nil
}

type tx struct {
	sqlTx *sql.Tx
}

func (t *tx) Commit() error   { return t.sqlTx.Commit() }
func (t *tx) Rollback() error { return t.sqlTx.Rollback() }

// Postgres savepoint names can't be parameterized; callers only ever pass
// the fixed applySavepoint constant, so this is safe from injection.
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
	var seq int64
	err := t.sqlTx.QueryRowContext(ctx, `
		INSERT INTO sync_commits (partition_id, actor_id, client_id, client_commit_id, created_at)
		VALUES ($1, $2, $3, $4, $5) RETURNING commit_seq`,
		partitionID, actorID, clientID, clientCommitID, time.Now().UTC()).Scan(&seq)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, syncserver.ErrIdempotencyConflict
		}
		return 0, err
	}
	return seq, nil
}

// isUniqueViolation recognizes Postgres error code 23505 via pgconn.PgError,
// the typed error pgx/v5 surfaces through database/sql.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func (t *tx) LoadCommitByIdempotencyKey(ctx context.Context, partitionID, clientID, clientCommitID string) (*syncserver.Commit, error) {
	row := t.sqlTx.QueryRowContext(ctx, `
		SELECT commit_seq, partition_id, actor_id, client_id, client_commit_id, created_at, result_json, change_count, affected_tables
		FROM sync_commits WHERE partition_id = $1 AND client_id = $2 AND client_commit_id = $3`,
		partitionID, clientID, clientCommitID)
	return scanCommit(row)
}

func scanCommit(row *sql.Row) (*syncserver.Commit, error) {
	var (
		c              syncserver.Commit
		createdAt      time.Time
		resultJSON     sql.NullString
		affectedTables sql.NullString
	)
	if err := row.Scan(&c.CommitSeq, &c.PartitionID, &c.ActorID, &c.ClientID, &c.ClientCommitID, &createdAt, &resultJSON, &c.ChangeCount, &affectedTables); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("pgdialect: no commit for idempotency key")
		}
		return nil, err
	}
	c.CreatedAt = createdAt
	if resultJSON.Valid {
		c.ResultJSON = json.RawMessage(resultJSON.String)
	}
	if affectedTables.Valid {
		c.AffectedTables = decodeStrings(affectedTables.String)
	}
	return &c, nil
}

func (t *tx) DeleteCommit(ctx context.Context, commitSeq int64) error {
	if _, err := t.sqlTx.ExecContext(ctx, `DELETE FROM sync_changes WHERE commit_seq = $1`, commitSeq); err != nil {
		return err
	}
	_, err := t.sqlTx.ExecContext(ctx, `DELETE FROM sync_commits WHERE commit_seq = $1`, commitSeq)
	return err
}

func (t *tx) FinalizeCommit(ctx context.Context, commitSeq int64, resultJSON json.RawMessage, affectedTables []string, changes []*syncserver.Change) error {
	_, err := t.sqlTx.ExecContext(ctx, `
		UPDATE sync_commits SET result_json = $1, affected_tables = $2, change_count = $3 WHERE commit_seq = $4`,
		string(resultJSON), encodeStrings(affectedTables), len(changes), commitSeq)
	if err != nil {
		return err
	}
	for _, ch := range changes {
		var id int64
		err := t.sqlTx.QueryRowContext(ctx, `
			INSERT INTO sync_changes (commit_seq, partition_id, table_name, row_id, op, row_json, row_version, scopes_json)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING change_id`,
			commitSeq, ch.CommitSeq, ch.Table, ch.RowID, string(ch.Op), string(ch.RowJSON), ch.RowVersion, encodeScopes(ch.Scopes)).Scan(&id)
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
	err := t.sqlTx.QueryRowContext(ctx, `SELECT version, row_json FROM sync_rows WHERE table_name = $1 AND row_id = $2`, table, rowID).
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
		INSERT INTO sync_rows (table_name, row_id, version, row_json) VALUES ($1, $2, $3, $4)
		ON CONFLICT (table_name, row_id) DO UPDATE SET version = excluded.version, row_json = excluded.row_json`,
		table, rowID, newVersion, string(payload))
	if err != nil {
		return syncserver.RowWriteResult{}, err
	}
	return syncserver.RowWriteResult{Outcome: syncserver.RowApplied, Version: newVersion, Row: payload}, nil
}

func (t *tx) DeleteRow(ctx context.Context, table, rowID string) (json.RawMessage, bool, error) {
	var rowJSON string
	err := t.sqlTx.QueryRowContext(ctx, `SELECT row_json FROM sync_rows WHERE table_name = $1 AND row_id = $2`, table, rowID).Scan(&rowJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if _, err := t.sqlTx.ExecContext(ctx, `DELETE FROM sync_rows WHERE table_name = $1 AND row_id = $2`, table, rowID); err != nil {
		return nil, false, err
	}
	return json.RawMessage(rowJSON), true, nil
}

func (t *tx) MaxCommitSeq(ctx context.Context, partitionID string) (int64, error) {
	var seq sql.NullInt64
	err := t.sqlTx.QueryRowContext(ctx, `SELECT MAX(commit_seq) FROM sync_commits WHERE partition_id = $1`, partitionID).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return seq.Int64, nil
}

func (t *tx) MinRetainedCommitSeq(ctx context.Context, partitionID string) (int64, error) {
	var seq sql.NullInt64
	err := t.sqlTx.QueryRowContext(ctx, `SELECT MIN(commit_seq) FROM sync_commits WHERE partition_id = $1`, partitionID).Scan(&seq)
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
		WHERE c.partition_id = $1 AND c.table_name = $2 AND c.commit_seq > $3
		ORDER BY c.commit_seq ASC LIMIT $4`, partitionID, table, afterSeq, limit)
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
		placeholders[i] = fmt.Sprintf("$%d", i+3)
		args = append(args, seq)
	}
	query := fmt.Sprintf(`
		SELECT change_id, commit_seq, table_name, row_id, op, row_json, row_version, scopes_json
		FROM sync_changes
		WHERE partition_id = $1 AND table_name = $2 AND commit_seq IN (%s)
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
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		args = append(args, seq)
	}
	query := fmt.Sprintf(`
		SELECT commit_seq, created_at, actor_id FROM sync_commits
		WHERE partition_id = $1 AND commit_seq IN (%s)`, strings.Join(placeholders, ","))

	rows, err := t.sqlTx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			h         syncserver.CommitHeader
			createdAt time.Time
		)
		if err := rows.Scan(&h.CommitSeq, &createdAt, &h.ActorID); err != nil {
			return nil, err
		}
		h.CreatedAt = createdAt.Format(time.RFC3339Nano)
		out[h.CommitSeq] = h
	}
	return out, rows.Err()
}

func (t *tx) LatestExternalCommitSeq(ctx context.Context, partitionID string, tables []string) (int64, error) {
	var max int64
	for _, table := range tables {
		var seq sql.NullInt64
		err := t.sqlTx.QueryRowContext(ctx, `SELECT commit_seq FROM sync_external_marks WHERE partition_id = $1 AND table_name = $2`, partitionID, table).Scan(&seq)
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
	var seq int64
	err := t.sqlTx.QueryRowContext(ctx, `
		INSERT INTO sync_commits (partition_id, actor_id, client_id, client_commit_id, created_at, result_json, affected_tables, is_external)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE) RETURNING commit_seq`,
		partitionID, "", syncserver.ExternalClientID, fmt.Sprintf("external-%d", time.Now().UnixNano()), time.Now().UTC(), string(resultJSON), encodeStrings(affectedTables)).Scan(&seq)
	if err != nil {
		return 0, err
	}
	for _, table := range affectedTables {
		if _, err := t.sqlTx.ExecContext(ctx, `
			INSERT INTO sync_external_marks (partition_id, table_name, commit_seq) VALUES ($1, $2, $3)
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
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (partition_id, client_id) DO UPDATE SET actor_id = excluded.actor_id, cursor = excluded.cursor, updated_at = excluded.updated_at`,
		cur.PartitionID, cur.ClientID, cur.ActorID, cur.Cursor, time.Now().UTC())
	return err
}

func (t *tx) LoadClientCursor(ctx context.Context, partitionID, clientID string) (*syncserver.ClientCursor, error) {
	var (
		cc        syncserver.ClientCursor
		updatedAt time.Time
	)
	err := t.sqlTx.QueryRowContext(ctx, `
		SELECT partition_id, client_id, actor_id, cursor, updated_at FROM sync_client_cursors
		WHERE partition_id = $1 AND client_id = $2`, partitionID, clientID).
		Scan(&cc.PartitionID, &cc.ClientID, &cc.ActorID, &cc.Cursor, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	cc.UpdatedAt = updatedAt
	return &cc, nil
}

func (t *tx) FindSnapshotChunk(ctx context.Context, key syncserver.SnapshotChunkKey) (*syncserver.SnapshotChunkMeta, error) {
	var (
		m         syncserver.SnapshotChunkMeta
		expiresAt time.Time
	)
	err := t.sqlTx.QueryRowContext(ctx, `
		SELECT id, partition_id, scope_key, scope, as_of_commit_seq, row_cursor, row_limit, encoding, compression, sha256, byte_length, blob_hash, expires_at
		FROM sync_snapshot_chunks
		WHERE partition_id = $1 AND scope_key = $2 AND scope = $3 AND as_of_commit_seq = $4 AND row_cursor = $5 AND row_limit = $6 AND encoding = $7 AND compression = $8`,
		key.PartitionID, key.ScopeKey, key.Scope, key.AsOfCommitSeq, key.RowCursor, key.RowLimit, key.Encoding, key.Compression).
		Scan(&m.ID, &m.PartitionID, &m.ScopeKey, &m.Scope, &m.AsOfCommitSeq, &m.RowCursor, &m.RowLimit, &m.Encoding, &m.Compression, &m.SHA256, &m.ByteLength, &m.BlobHash, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.ExpiresAt = expiresAt
	return &m, nil
}

func (t *tx) UpsertSnapshotChunk(ctx context.Context, meta syncserver.SnapshotChunkMeta) error {
	_, err := t.sqlTx.ExecContext(ctx, `
		INSERT INTO sync_snapshot_chunks (id, partition_id, scope_key, scope, as_of_commit_seq, row_cursor, row_limit, encoding, compression, sha256, byte_length, blob_hash, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (partition_id, scope_key, scope, as_of_commit_seq, row_cursor, row_limit, encoding, compression)
		DO UPDATE SET id = excluded.id, sha256 = excluded.sha256, byte_length = excluded.byte_length, blob_hash = excluded.blob_hash, expires_at = excluded.expires_at`,
		meta.ID, meta.PartitionID, meta.ScopeKey, meta.Scope, meta.AsOfCommitSeq, meta.RowCursor, meta.RowLimit, meta.Encoding, meta.Compression,
		meta.SHA256, meta.ByteLength, meta.BlobHash, meta.ExpiresAt.UTC())
	return err
}

func (t *tx) EvictSnapshotChunksForTables(ctx context.Context, partitionID string, tables []string) error {
	for _, table := range tables {
		if _, err := t.sqlTx.ExecContext(ctx, `DELETE FROM sync_snapshot_chunks WHERE partition_id = $1 AND scope_key = $2`, partitionID, table); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) PurgeExpiredSnapshotChunks(ctx context.Context, now int64) error {
	_, err := t.sqlTx.ExecContext(ctx, `DELETE FROM sync_snapshot_chunks WHERE expires_at <= $1`, time.Unix(now, 0).UTC())
	return err
}

// SnapshotRows does not scope-filter; see sqlitedialect's identical note —
// ReadChanges is where per-row scope visibility is actually enforced.
func (t *tx) SnapshotRows(ctx context.Context, table string, _ syncserver.ScopeValues, rowCursor string, limit int) ([]json.RawMessage, string, bool, error) {
	rows, err := t.sqlTx.QueryContext(ctx, `
		SELECT row_id, row_json FROM sync_rows
		WHERE table_name = $1 AND row_id > $2
		ORDER BY row_id ASC LIMIT $3`, table, rowCursor, limit+1)
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
