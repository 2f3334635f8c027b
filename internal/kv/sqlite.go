package kv

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens the database file and creates the kv table.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// Shared cache keeps all pooled connections on the same in-memory database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS kv_entries (
			namespace TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (namespace, key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_kv_entries_updated_at ON kv_entries(updated_at)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, namespace, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv_entries WHERE namespace = ? AND key = ?`, namespace, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *SQLiteStore) GetAll(ctx context.Context, namespace string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM kv_entries WHERE namespace = ?`, namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Apply(ctx context.Context, namespace string, batch Batch) error {
	if batch.Empty() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	for k, v := range batch.Set {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO kv_entries (namespace, key, value, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(namespace, key)
			DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			namespace, k, v, now)
		if err != nil {
			return err
		}
	}
	for _, k := range batch.Delete {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM kv_entries WHERE namespace = ? AND key = ?`, namespace, k); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) DeleteNamespace(ctx context.Context, namespace string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE namespace = ?`, namespace)
	return err
}

func (s *SQLiteStore) PurgeBefore(ctx context.Context, prefix string, t time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_entries WHERE substr(namespace, 1, ?) = ? AND updated_at < ?`,
		len(prefix), prefix, t.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
