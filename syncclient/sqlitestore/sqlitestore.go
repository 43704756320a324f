// Package sqlitestore is a syncclient.Store backed by SQLite through
// modernc.org/sqlite, the pure-Go driver: a client binary embeds no cgo
// toolchain, so the local mirror and outbox live in this driver rather than
// mattn/go-sqlite3 (which syncserver/sqlitedialect uses server-side, where
// cgo is an acceptable cost for raw throughput).
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/syncular/syncular-sub002/syncclient"
	"github.com/syncular/syncular-sub002/wire"
)

const schema = `
CREATE TABLE IF NOT EXISTS outbox_commits (
	id                 TEXT PRIMARY KEY,
	client_commit_id   TEXT NOT NULL,
	status             TEXT NOT NULL,
	operations_json    TEXT NOT NULL,
	schema_version     INTEGER NOT NULL,
	attempt_count      INTEGER NOT NULL DEFAULT 0,
	acked_commit_seq   INTEGER,
	last_response_json TEXT,
	error              TEXT,
	created_at         TEXT NOT NULL,
	updated_at         TEXT NOT NULL,
	seq                INTEGER
);
CREATE INDEX IF NOT EXISTS outbox_commits_by_seq ON outbox_commits(seq);

CREATE TABLE IF NOT EXISTS conflicts (
	id              TEXT PRIMARY KEY,
	outbox_id       TEXT NOT NULL,
	op_index        INTEGER NOT NULL,
	result_status   TEXT NOT NULL,
	code            TEXT NOT NULL,
	message         TEXT NOT NULL,
	server_version  INTEGER,
	server_row_json TEXT,
	created_at      TEXT NOT NULL,
	resolved_at     TEXT,
	resolution      TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS subscription_states (
	subscription_id  TEXT PRIMARY KEY,
	table_name       TEXT NOT NULL,
	scopes_json      TEXT,
	params_json      TEXT,
	cursor           INTEGER NOT NULL DEFAULT 0,
	bootstrap_json   TEXT,
	status           TEXT NOT NULL,
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS mirror_rows (
	table_name TEXT NOT NULL,
	row_id     TEXT NOT NULL,
	version    INTEGER NOT NULL DEFAULT 0,
	row_json   TEXT,
	PRIMARY KEY (table_name, row_id)
);
`

// Store is the sqlitestore syncclient.Store implementation.
type Store struct {
	db *sql.DB
}

// Open opens the SQLite file at path via modernc.org/sqlite and migrates
// the client-side schema into it. A path of ":memory:" is valid for tests
// and embedded single-process use.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer; avoid SQLITE_BUSY under the sync engine's own load

	s := New(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already-opened *sql.DB as a Store. Callers must still call
// Migrate once.
func New(db *sql.DB) *Store { return &Store{db: db} }

// Migrate creates the client schema if it does not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlitestore: migrate: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) BeginTx(ctx context.Context) (syncclient.Tx, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: begin tx: %w", err)
	}
	return &tx{sqlTx: sqlTx}, nil
}

type tx struct {
	sqlTx *sql.Tx
}

func (t *tx) Commit() error   { return t.sqlTx.Commit() }
func (t *tx) Rollback() error { return t.sqlTx.Rollback() }

func timestamp(ts time.Time) string { return ts.UTC().Format(time.RFC3339Nano) }

func parseTimestamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func (t *tx) EnqueueOutbox(ctx context.Context, commit *syncclient.OutboxCommit) error {
	opsJSON, err := json.Marshal(commit.Operations)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal operations: %w", err)
	}
	now := time.Now().UTC()
	commit.CreatedAt, commit.UpdatedAt = now, now
	_, err = t.sqlTx.ExecContext(ctx, `
		INSERT INTO outbox_commits (id, client_commit_id, status, operations_json, schema_version, created_at, updated_at, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM outbox_commits))`,
		commit.ID, commit.ClientCommitID, string(commit.Status), string(opsJSON), commit.SchemaVersion, timestamp(now), timestamp(now))
	if err != nil {
		return fmt.Errorf("sqlitestore: enqueue outbox: %w", err)
	}
	return nil
}

func (t *tx) ClaimNextPending(ctx context.Context) (*syncclient.OutboxCommit, error) {
	row := t.sqlTx.QueryRowContext(ctx, `
		SELECT id FROM outbox_commits WHERE status = ? ORDER BY seq ASC LIMIT 1`, string(syncclient.OutboxPending))
	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if _, err := t.sqlTx.ExecContext(ctx, `UPDATE outbox_commits SET status = ?, updated_at = ? WHERE id = ?`,
		string(syncclient.OutboxSending), timestamp(time.Now()), id); err != nil {
		return nil, err
	}
	return t.LoadOutbox(ctx, id)
}

func (t *tx) CountPendingOutbox(ctx context.Context) (int, error) {
	var n int
	err := t.sqlTx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM outbox_commits WHERE status IN (?, ?)`,
		string(syncclient.OutboxPending), string(syncclient.OutboxSending)).Scan(&n)
	return n, err
}

func (t *tx) MarkAcked(ctx context.Context, id string, ackedCommitSeq int64, responseJSON json.RawMessage) error {
	_, err := t.sqlTx.ExecContext(ctx, `
		UPDATE outbox_commits SET status = ?, acked_commit_seq = ?, last_response_json = ?, error = NULL, updated_at = ?
		WHERE id = ?`, string(syncclient.OutboxAcked), ackedCommitSeq, nullableString(string(responseJSON)), timestamp(time.Now()), id)
	return err
}

func (t *tx) MarkFailed(ctx context.Context, id string, errMsg string, responseJSON json.RawMessage) error {
	_, err := t.sqlTx.ExecContext(ctx, `
		UPDATE outbox_commits SET status = ?, error = ?, last_response_json = ?, updated_at = ?
		WHERE id = ?`, string(syncclient.OutboxFailed), errMsg, nullableString(string(responseJSON)), timestamp(time.Now()), id)
	return err
}

func (t *tx) IncrementAttempt(ctx context.Context, id string, errMsg string) error {
	_, err := t.sqlTx.ExecContext(ctx, `
		UPDATE outbox_commits SET status = ?, attempt_count = attempt_count + 1, error = ?, updated_at = ?
		WHERE id = ?`, string(syncclient.OutboxPending), errMsg, timestamp(time.Now()), id)
	return err
}

func (t *tx) LoadOutbox(ctx context.Context, id string) (*syncclient.OutboxCommit, error) {
	row := t.sqlTx.QueryRowContext(ctx, `
		SELECT id, client_commit_id, status, operations_json, schema_version, attempt_count,
		       acked_commit_seq, last_response_json, error, created_at, updated_at
		FROM outbox_commits WHERE id = ?`, id)
	return scanOutbox(row)
}

func scanOutbox(row *sql.Row) (*syncclient.OutboxCommit, error) {
	var (
		c                syncclient.OutboxCommit
		status           string
		opsJSON          string
		ackedCommitSeq   sql.NullInt64
		lastResponse     sql.NullString
		errMsg           sql.NullString
		createdAt        string
		updatedAt        string
	)
	if err := row.Scan(&c.ID, &c.ClientCommitID, &status, &opsJSON, &c.SchemaVersion, &c.AttemptCount,
		&ackedCommitSeq, &lastResponse, &errMsg, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("sqlitestore: outbox commit not found")
		}
		return nil, err
	}
	c.Status = syncclient.OutboxStatus(status)
	if err := json.Unmarshal([]byte(opsJSON), &c.Operations); err != nil {
		return nil, fmt.Errorf("sqlitestore: unmarshal operations: %w", err)
	}
	if ackedCommitSeq.Valid {
		v := ackedCommitSeq.Int64
		c.AckedCommitSeq = &v
	}
	if lastResponse.Valid {
		c.LastResponseJSON = json.RawMessage(lastResponse.String)
	}
	if errMsg.Valid {
		c.Error = errMsg.String
	}
	var err error
	if c.CreatedAt, err = parseTimestamp(createdAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTimestamp(updatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (t *tx) InsertConflict(ctx context.Context, c *syncclient.Conflict) error {
	now := time.Now().UTC()
	c.CreatedAt = now
	_, err := t.sqlTx.ExecContext(ctx, `
		INSERT INTO conflicts (id, outbox_id, op_index, result_status, code, message, server_version, server_row_json, created_at, resolution)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '')`,
		c.ID, c.OutboxID, c.OpIndex, string(c.ResultStatus), c.Code, c.Message,
		nullableInt64(c.ServerVersion), nullableString(string(c.ServerRowJSON)), timestamp(now))
	return err
}

func (t *tx) ResolveConflict(ctx context.Context, id string, resolution syncclient.ConflictResolution, resolvedAt time.Time) error {
	_, err := t.sqlTx.ExecContext(ctx, `
		UPDATE conflicts SET resolution = ?, resolved_at = ? WHERE id = ?`,
		string(resolution), timestamp(resolvedAt), id)
	return err
}

func (t *tx) ListUnresolvedConflicts(ctx context.Context) ([]*syncclient.Conflict, error) {
	rows, err := t.sqlTx.QueryContext(ctx, `
		SELECT id, outbox_id, op_index, result_status, code, message, server_version, server_row_json, created_at
		FROM conflicts WHERE resolved_at IS NULL ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*syncclient.Conflict
	for rows.Next() {
		var (
			c             syncclient.Conflict
			resultStatus  string
			serverVersion sql.NullInt64
			serverRow     sql.NullString
			createdAt     string
		)
		if err := rows.Scan(&c.ID, &c.OutboxID, &c.OpIndex, &resultStatus, &c.Code, &c.Message,
			&serverVersion, &serverRow, &createdAt); err != nil {
			return nil, err
		}
		c.ResultStatus = wire.OperationResultStatus(resultStatus)
		if serverVersion.Valid {
			v := serverVersion.Int64
			c.ServerVersion = &v
		}
		if serverRow.Valid {
			c.ServerRowJSON = json.RawMessage(serverRow.String)
		}
		parsed, err := parseTimestamp(createdAt)
		if err != nil {
			return nil, err
		}
		c.CreatedAt = parsed
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (t *tx) LoadSubscriptionState(ctx context.Context, subscriptionID string) (*syncclient.SubscriptionState, error) {
	row := t.sqlTx.QueryRowContext(ctx, `
		SELECT subscription_id, table_name, scopes_json, params_json, cursor, bootstrap_json, status, created_at, updated_at
		FROM subscription_states WHERE subscription_id = ?`, subscriptionID)
	return scanSubscription(row)
}

func scanSubscription(row *sql.Row) (*syncclient.SubscriptionState, error) {
	var (
		s           syncclient.SubscriptionState
		scopesJSON  sql.NullString
		paramsJSON  sql.NullString
		bootstrap   sql.NullString
		status      string
		createdAt   string
		updatedAt   string
	)
	if err := row.Scan(&s.SubscriptionID, &s.Table, &scopesJSON, &paramsJSON, &s.Cursor, &bootstrap, &status, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("sqlitestore: subscription not found")
		}
		return nil, err
	}
	s.Status = status
	if scopesJSON.Valid && scopesJSON.String != "" {
		if err := json.Unmarshal([]byte(scopesJSON.String), &s.Scopes); err != nil {
			return nil, fmt.Errorf("sqlitestore: unmarshal scopes: %w", err)
		}
	}
	if paramsJSON.Valid {
		s.Params = json.RawMessage(paramsJSON.String)
	}
	if bootstrap.Valid && bootstrap.String != "" {
		s.BootstrapState = &wire.BootstrapState{}
		if err := json.Unmarshal([]byte(bootstrap.String), s.BootstrapState); err != nil {
			return nil, fmt.Errorf("sqlitestore: unmarshal bootstrap state: %w", err)
		}
	}
	var err error
	if s.CreatedAt, err = parseTimestamp(createdAt); err != nil {
		return nil, err
	}
	if s.UpdatedAt, err = parseTimestamp(updatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

func (t *tx) UpsertSubscriptionState(ctx context.Context, s *syncclient.SubscriptionState) error {
	scopesJSON, err := json.Marshal(s.Scopes)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal scopes: %w", err)
	}
	var bootstrapJSON []byte
	if s.BootstrapState != nil {
		if bootstrapJSON, err = json.Marshal(s.BootstrapState); err != nil {
			return fmt.Errorf("sqlitestore: marshal bootstrap state: %w", err)
		}
	}
	now := time.Now().UTC()
	s.UpdatedAt = now
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	_, err = t.sqlTx.ExecContext(ctx, `
		INSERT INTO subscription_states (subscription_id, table_name, scopes_json, params_json, cursor, bootstrap_json, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (subscription_id) DO UPDATE SET
			table_name = excluded.table_name, scopes_json = excluded.scopes_json, params_json = excluded.params_json,
			cursor = excluded.cursor, bootstrap_json = excluded.bootstrap_json, status = excluded.status, updated_at = excluded.updated_at`,
		s.SubscriptionID, s.Table, string(scopesJSON), nullableString(string(s.Params)), s.Cursor,
		nullableString(string(bootstrapJSON)), string(s.Status), timestamp(s.CreatedAt), timestamp(now))
	return err
}

func (t *tx) ListSubscriptionStates(ctx context.Context) ([]*syncclient.SubscriptionState, error) {
	rows, err := t.sqlTx.QueryContext(ctx, `SELECT subscription_id FROM subscription_states ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	out := make([]*syncclient.SubscriptionState, 0, len(ids))
	for _, id := range ids {
		s, err := t.LoadSubscriptionState(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (t *tx) ApplyChange(ctx context.Context, table, rowID string, op wire.Op, rowJSON json.RawMessage, version int64) error {
	if op == wire.OpDelete {
		_, err := t.sqlTx.ExecContext(ctx, `DELETE FROM mirror_rows WHERE table_name = ? AND row_id = ?`, table, rowID)
		return err
	}
	_, err := t.sqlTx.ExecContext(ctx, `
		INSERT INTO mirror_rows (table_name, row_id, version, row_json) VALUES (?, ?, ?, ?)
		ON CONFLICT (table_name, row_id) DO UPDATE SET version = excluded.version, row_json = excluded.row_json`,
		table, rowID, version, string(rowJSON))
	return err
}

// ApplyRowFrame bulk-loads a snapshot page's decoded rows. Each row is
// expected to carry an "id" field identifying it within table; rows lacking
// one are skipped rather than rejected, since a partial snapshot should not
// abort the whole page.
func (t *tx) ApplyRowFrame(ctx context.Context, table string, rows []json.RawMessage) error {
	for _, row := range rows {
		var withID struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(row, &withID); err != nil || withID.ID == "" {
			continue
		}
		if _, err := t.sqlTx.ExecContext(ctx, `
			INSERT INTO mirror_rows (table_name, row_id, version, row_json) VALUES (?, ?, 0, ?)
			ON CONFLICT (table_name, row_id) DO UPDATE SET row_json = excluded.row_json`,
			table, withID.ID, string(row)); err != nil {
			return err
		}
	}
	return nil
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
