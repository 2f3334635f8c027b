package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// FallbackStore serves from primary and degrades to secondary whenever primary fails.
// Storage being unavailable is never fatal for entitlement reads and ordinary writes;
// Durable batches fail instead of landing in memory only.
type FallbackStore struct {
	primary   Store
	secondary Store
}

func Fallback(primary, secondary Store) *FallbackStore {
	return &FallbackStore{primary: primary, secondary: secondary}
}

func (f *FallbackStore) degraded(op string, err error) {
	log.Warn().Err(err).Str("op", op).Msg("kv primary unavailable, using in-memory fallback")
}

func (f *FallbackStore) Get(ctx context.Context, namespace, key string) (string, bool, error) {
	v, ok, err := f.primary.Get(ctx, namespace, key)
	if err == nil {
		return v, ok, nil
	}
	f.degraded("get", err)
	return f.secondary.Get(ctx, namespace, key)
}

func (f *FallbackStore) GetAll(ctx context.Context, namespace string) (map[string]string, error) {
	values, err := f.primary.GetAll(ctx, namespace)
	if err == nil {
		return values, nil
	}
	f.degraded("get_all", err)
	return f.secondary.GetAll(ctx, namespace)
}

func (f *FallbackStore) Apply(ctx context.Context, namespace string, batch Batch) error {
	err := f.primary.Apply(ctx, namespace, batch)
	if err == nil {
		return nil
	}
	if batch.Durable {
		log.Error().Err(err).Str("namespace", namespace).Msg("kv primary unavailable, durable write rejected")
		return fmt.Errorf("%w: %w", ErrNotDurable, err)
	}
	f.degraded("apply", err)
	return f.secondary.Apply(ctx, namespace, batch)
}

func (f *FallbackStore) DeleteNamespace(ctx context.Context, namespace string) error {
	err := f.primary.DeleteNamespace(ctx, namespace)
	// The fallback may hold writes made while primary was down.
	if serr := f.secondary.DeleteNamespace(ctx, namespace); err != nil {
		f.degraded("delete_namespace", err)
		return serr
	}
	return nil
}

func (f *FallbackStore) PurgeBefore(ctx context.Context, prefix string, t time.Time) (int64, error) {
	n, err := f.primary.PurgeBefore(ctx, prefix, t)
	m, serr := f.secondary.PurgeBefore(ctx, prefix, t)
	if err != nil {
		f.degraded("purge", err)
		return m, serr
	}
	return n + m, nil
}

func (f *FallbackStore) Close() error {
	_ = f.secondary.Close()
	return f.primary.Close()
}
