package kv

import (
	"context"
	"fmt"

	"bgbyebye/internal/config"
	"bgbyebye/internal/db"
)

// New creates a Store based on the configured storage driver. Durable drivers are
// wrapped with an in-memory fallback.
func New(ctx context.Context, cfg config.Config) (Store, error) {
	switch cfg.StorageDriver {
	case config.StorageMemory:
		return NewMemory(), nil
	case config.StorageSQLite, "":
		s, err := NewSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return Fallback(s, NewMemory()), nil
	case config.StoragePostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		return Fallback(NewPostgres(pool), NewMemory()), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %q", cfg.StorageDriver)
	}
}
