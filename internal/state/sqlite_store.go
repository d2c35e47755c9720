package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"stackmon/internal/config"
	"stackmon/internal/domain"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS alert_instances (
	key        TEXT PRIMARY KEY,
	revision   INTEGER NOT NULL,
	body       TEXT NOT NULL,
	updated_at INTEGER NOT NULL
)`

// SQLiteStore persists alert instance records in a local SQLite file.
// Params: sqlx handle over modernc.org/sqlite driver.
// Returns: restart-safe store for single-instance mode.
type SQLiteStore struct {
	db *sqlx.DB
}

type sqliteRow struct {
	Revision uint64 `db:"revision"`
	Body     string `db:"body"`
}

// NewSQLiteStore opens database file, applies pragmas, and creates schema.
// Params: SQLite settings (path may be ":memory:" for tests).
// Returns: initialized store or setup error.
func NewSQLiteStore(settings config.SQLiteStateConfig) (*SQLiteStore, error) {
	if settings.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(settings.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", settings.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", settings.Path, err)
	}
	// One writer connection keeps CAS updates serialized and ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = " + strconv.Itoa(settings.BusyTimeoutMS),
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("execute %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Get reads one record and its revision.
// Params: instance key.
// Returns: record, revision, or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, key string) (domain.InstanceRecord, uint64, error) {
	var row sqliteRow
	err := s.db.GetContext(ctx, &row, `SELECT revision, body FROM alert_instances WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.InstanceRecord{}, 0, ErrNotFound
	}
	if err != nil {
		return domain.InstanceRecord{}, 0, fmt.Errorf("get record: %w", err)
	}

	var record domain.InstanceRecord
	if err := json.Unmarshal([]byte(row.Body), &record); err != nil {
		return domain.InstanceRecord{}, 0, fmt.Errorf("decode record: %w", err)
	}
	return record, row.Revision, nil
}

// Put upserts record unconditionally.
// Params: instance key and record.
// Returns: new revision.
func (s *SQLiteStore) Put(ctx context.Context, key string, record domain.InstanceRecord) (uint64, error) {
	body, err := json.Marshal(record)
	if err != nil {
		return 0, fmt.Errorf("encode record: %w", err)
	}
	var rev uint64
	err = s.db.GetContext(ctx, &rev, `
		INSERT INTO alert_instances (key, revision, body, updated_at)
		VALUES (?, 1, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			revision = alert_instances.revision + 1,
			body = excluded.body,
			updated_at = excluded.updated_at
		RETURNING revision`,
		key, string(body), time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("put record: %w", err)
	}
	return rev, nil
}

// Update replaces record using expected revision CAS.
// Params: instance key, expected revision, and replacement record.
// Returns: new revision, ErrNotFound, or ErrConflict.
func (s *SQLiteStore) Update(ctx context.Context, key string, expectedRevision uint64, record domain.InstanceRecord) (uint64, error) {
	body, err := json.Marshal(record)
	if err != nil {
		return 0, fmt.Errorf("encode record: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE alert_instances
		SET revision = revision + 1, body = ?, updated_at = ?
		WHERE key = ? AND revision = ?`,
		string(body), time.Now().UnixMilli(), key, expectedRevision,
	)
	if err != nil {
		return 0, fmt.Errorf("update record: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("update record: %w", err)
	}
	if affected == 1 {
		return expectedRevision + 1, nil
	}

	var exists int
	err = s.db.GetContext(ctx, &exists, `SELECT COUNT(1) FROM alert_instances WHERE key = ?`, key)
	if err != nil {
		return 0, fmt.Errorf("update record: %w", err)
	}
	if exists == 0 {
		return 0, ErrNotFound
	}
	return 0, ErrConflict
}

// Delete removes record; absent keys are ignored.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM alert_instances WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// List returns keys with prefix in lexical order.
func (s *SQLiteStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	if err := s.db.SelectContext(ctx, &keys, `SELECT key FROM alert_instances ORDER BY key`); err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return filterSorted(keys, prefix), nil
}

// Close closes database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
