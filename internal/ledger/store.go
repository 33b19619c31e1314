// BuildNet is a distributed build orchestration engine.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the persistence backend a Ledger appends to and queries.
// Both the SQLite-backed SQLStore and the in-memory MemStore implement
// it, so tests can run against the same contract without a filesystem.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	Get(ctx context.Context, id string) (Entry, bool, error)
	GetByBuild(ctx context.Context, buildID string) ([]Entry, error)
	GetRecent(ctx context.Context, limit int) ([]Entry, error)
	GetSince(ctx context.Context, entryID string, limit int) ([]Entry, error)
	GetByType(ctx context.Context, entryType EntryType, limit int) ([]Entry, error)
	PruneBefore(ctx context.Context, before time.Time) (int, error)
	LastEntry(ctx context.Context, originNode string) (Entry, bool, error)
	AllHashesInOrder(ctx context.Context) ([]string, error)
	Close() error
}

const schemaVersionKey = "schema_version"

// SQLStore is a SQLite-backed Store, following the same
// WAL/busy-timeout/foreign-keys pragma set and settings-table schema
// migration idiom used by the core's job store.
type SQLStore struct {
	db *sql.DB
}

// OpenSQLStore opens (creating if absent) a SQLite-backed ledger at path.
func OpenSQLStore(ctx context.Context, path string) (*SQLStore, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)",
		path,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open sqlite: %w", err)
	}
	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: ping sqlite: %w", err)
	}

	s := &SQLStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: migrate: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
		if err != nil {
			tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	return fn(tx)
}

func (s *SQLStore) migrate(ctx context.Context) error {
	if err := s.ensureSettingsTable(ctx); err != nil {
		return err
	}
	version, err := s.schemaVersion(ctx)
	if err != nil {
		return err
	}
	if version < 1 {
		if err := s.migrateToV1(ctx); err != nil {
			return err
		}
		if err := s.setSchemaVersion(ctx, 1); err != nil {
			return err
		}
		version = 1
	}
	if version < 2 {
		if err := s.migrateToV2(ctx); err != nil {
			return err
		}
		if err := s.setSchemaVersion(ctx, 2); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) ensureSettingsTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create settings table: %w", err)
	}
	return nil
}

func (s *SQLStore) schemaVersion(ctx context.Context) (int, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, schemaVersionKey).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var version int
	if _, err := fmt.Sscanf(value, "%d", &version); err != nil {
		return 0, fmt.Errorf("parse schema version: %w", err)
	}
	return version, nil
}

func (s *SQLStore) setSchemaVersion(ctx context.Context, version int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, schemaVersionKey, fmt.Sprintf("%d", version))
	if err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

func (s *SQLStore) migrateToV1(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS ledger_entries (
			id TEXT PRIMARY KEY,
			entry_type TEXT NOT NULL,
			origin_node TEXT NOT NULL,
			build_id TEXT NULL,
			timestamp TEXT NOT NULL,
			prev_hash TEXT NOT NULL,
			data TEXT NOT NULL,
			signature BLOB NOT NULL,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);
		CREATE INDEX IF NOT EXISTS idx_ledger_entry_type ON ledger_entries(entry_type);
		CREATE INDEX IF NOT EXISTS idx_ledger_build_id ON ledger_entries(build_id);
		CREATE INDEX IF NOT EXISTS idx_ledger_timestamp ON ledger_entries(timestamp);
		CREATE INDEX IF NOT EXISTS idx_ledger_origin_node ON ledger_entries(origin_node);
	`)
	if err != nil {
		return fmt.Errorf("create ledger_entries: %w", err)
	}
	return nil
}

// migrateToV2 adds the checkpoints table backing
// internal/cluster.CheckpointStore's durable marker list.
func (s *SQLStore) migrateToV2(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS ledger_checkpoints (
			id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			ledger_cursor TEXT NOT NULL,
			cluster_term INTEGER NOT NULL,
			size_bytes INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create ledger_checkpoints: %w", err)
	}
	return nil
}

// CheckpointRecord is a durable row backing a cluster checkpoint marker
// (see internal/cluster.Checkpoint, which this mirrors field-for-field).
type CheckpointRecord struct {
	ID           string
	CreatedAt    time.Time
	LedgerCursor int64
	ClusterTerm  uint64
	SizeBytes    int64
}

// SaveCheckpoint persists a checkpoint marker. internal/cluster's
// CheckpointStore calls this on every Create so the marker survives a
// restart even though the fast-path read list is in-memory.
func (s *SQLStore) SaveCheckpoint(ctx context.Context, rec CheckpointRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_checkpoints (id, created_at, ledger_cursor, cluster_term, size_bytes)
		VALUES (?, ?, ?, ?, ?)
	`, rec.ID, rec.CreatedAt.UTC().Format(time.RFC3339), strconv.FormatInt(rec.LedgerCursor, 10), rec.ClusterTerm, rec.SizeBytes)
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return nil
}

// LatestCheckpoint returns the most recently saved checkpoint, if any.
func (s *SQLStore) LatestCheckpoint(ctx context.Context) (CheckpointRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, ledger_cursor, cluster_term, size_bytes
		FROM ledger_checkpoints ORDER BY created_at DESC LIMIT 1
	`)
	rec, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return CheckpointRecord{}, false, nil
	}
	if err != nil {
		return CheckpointRecord{}, false, fmt.Errorf("latest checkpoint: %w", err)
	}
	return rec, true, nil
}

// AllCheckpoints returns every saved checkpoint, oldest first.
func (s *SQLStore) AllCheckpoints(ctx context.Context) ([]CheckpointRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, ledger_cursor, cluster_term, size_bytes
		FROM ledger_checkpoints ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	var out []CheckpointRecord
	for rows.Next() {
		rec, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return out, nil
}

func scanCheckpoint(row interface{ Scan(dest ...any) error }) (CheckpointRecord, error) {
	var (
		id, createdAtStr, cursorStr string
		term                        uint64
		size                        int64
	)
	if err := row.Scan(&id, &createdAtStr, &cursorStr, &term, &size); err != nil {
		return CheckpointRecord{}, err
	}
	createdAt, err := time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return CheckpointRecord{}, fmt.Errorf("parse checkpoint created_at: %w", err)
	}
	cursor, err := strconv.ParseInt(cursorStr, 10, 64)
	if err != nil {
		return CheckpointRecord{}, fmt.Errorf("parse checkpoint ledger_cursor: %w", err)
	}
	return CheckpointRecord{ID: id, CreatedAt: createdAt, LedgerCursor: cursor, ClusterTerm: term, SizeBytes: size}, nil
}

// Append persists entry. Callers are expected to have already set
// PrevHash and Signature; Append does not compute them.
func (s *SQLStore) Append(ctx context.Context, entry Entry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (id, entry_type, origin_node, build_id, timestamp, prev_hash, data, signature)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			entry.ID, string(entry.Type), entry.OriginNode, nullIfEmpty(entry.BuildID),
			entry.Timestamp.UTC().Format(time.RFC3339), entry.PrevHash, string(entry.Data), entry.Signature,
		)
		if err != nil {
			return fmt.Errorf("insert ledger entry: %w", err)
		}
		return nil
	})
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func fromNullString(v sql.NullString) string {
	if v.Valid {
		return v.String
	}
	return ""
}

const selectColumns = `id, entry_type, origin_node, build_id, timestamp, prev_hash, data, signature`

func scanEntry(row interface{ Scan(dest ...any) error }) (Entry, error) {
	var (
		id, entryType, originNode, timestampStr, prevHash, data string
		buildID                                                 sql.NullString
		signature                                                []byte
	)
	if err := row.Scan(&id, &entryType, &originNode, &buildID, &timestampStr, &prevHash, &data, &signature); err != nil {
		return Entry{}, err
	}
	ts, err := time.Parse(time.RFC3339, timestampStr)
	if err != nil {
		return Entry{}, fmt.Errorf("parse timestamp: %w", err)
	}
	return Entry{
		ID:         id,
		Type:       EntryType(entryType),
		OriginNode: originNode,
		BuildID:    fromNullString(buildID),
		Timestamp:  ts,
		PrevHash:   prevHash,
		Data:       []byte(data),
		Signature:  signature,
	}, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (Entry, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM ledger_entries WHERE id = ?`, id)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("get entry: %w", err)
	}
	return entry, true, nil
}

func (s *SQLStore) GetByBuild(ctx context.Context, buildID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+` FROM ledger_entries WHERE build_id = ? ORDER BY timestamp ASC, rowid ASC
	`, buildID)
	if err != nil {
		return nil, fmt.Errorf("query by build: %w", err)
	}
	defer rows.Close()
	return scanAll(rows)
}

func (s *SQLStore) GetRecent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1 // a negative LIMIT is unbounded in SQLite
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+` FROM ledger_entries ORDER BY timestamp DESC, rowid DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}
	defer rows.Close()
	return scanAll(rows)
}

func (s *SQLStore) GetSince(ctx context.Context, entryID string, limit int) ([]Entry, error) {
	anchor, ok, err := s.Get(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+` FROM ledger_entries
		WHERE timestamp > ? ORDER BY timestamp ASC LIMIT ?
	`, anchor.Timestamp.UTC().Format(time.RFC3339), limit)
	if err != nil {
		return nil, fmt.Errorf("query since: %w", err)
	}
	defer rows.Close()
	return scanAll(rows)
}

func (s *SQLStore) GetByType(ctx context.Context, entryType EntryType, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+` FROM ledger_entries WHERE entry_type = ? ORDER BY timestamp DESC LIMIT ?
	`, string(entryType), limit)
	if err != nil {
		return nil, fmt.Errorf("query by type: %w", err)
	}
	defer rows.Close()
	return scanAll(rows)
}

func (s *SQLStore) PruneBefore(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM ledger_entries WHERE timestamp < ?`, before.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("prune before: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune rows affected: %w", err)
	}
	return int(n), nil
}

func (s *SQLStore) LastEntry(ctx context.Context, originNode string) (Entry, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+selectColumns+` FROM ledger_entries
		WHERE origin_node = ? ORDER BY timestamp DESC, id DESC LIMIT 1
	`, originNode)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("last entry: %w", err)
	}
	return entry, true, nil
}

func (s *SQLStore) AllHashesInOrder(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+` FROM ledger_entries ORDER BY timestamp ASC, rowid ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query all: %w", err)
	}
	defer rows.Close()
	entries, err := scanAll(rows)
	if err != nil {
		return nil, err
	}
	hashes := make([]string, len(entries))
	for i, e := range entries {
		hashes[i] = e.Hash()
	}
	return hashes, nil
}

func scanAll(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return entries, nil
}
