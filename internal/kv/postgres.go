package kv

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on the kv_entries table created by db.Migrate.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Get(ctx context.Context, namespace, key string) (string, bool, error) {
	var value string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM kv_entries WHERE namespace = $1 AND key = $2`, namespace, key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *PostgresStore) GetAll(ctx context.Context, namespace string) (map[string]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key, value FROM kv_entries WHERE namespace = $1`, namespace)
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

func (s *PostgresStore) Apply(ctx context.Context, namespace string, batch Batch) error {
	if batch.Empty() {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for k, v := range batch.Set {
		_, err := tx.Exec(ctx, `
			INSERT INTO kv_entries (namespace, key, value, updated_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (namespace, key)
			DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
			namespace, k, v)
		if err != nil {
			return err
		}
	}
	if len(batch.Delete) > 0 {
		_, err := tx.Exec(ctx,
			`DELETE FROM kv_entries WHERE namespace = $1 AND key = ANY($2)`, namespace, batch.Delete)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) DeleteNamespace(ctx context.Context, namespace string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM kv_entries WHERE namespace = $1`, namespace)
	return err
}

func (s *PostgresStore) PurgeBefore(ctx context.Context, prefix string, t time.Time) (int64, error) {
	ct, err := s.pool.Exec(ctx, `
		DELETE FROM kv_entries
		WHERE left(namespace, $1) = $2 AND updated_at < $3`, len(prefix), prefix, t)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
