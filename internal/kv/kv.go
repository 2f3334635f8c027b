// Package kv holds the string key/value storage behind client entitlement state.
// Every client owns one namespace; values are string encoded and independently readable.
package kv

import (
	"context"
	"errors"
	"time"
)

var (
	ErrClosed = errors.New("kv store closed")
	// ErrNotDurable is returned for a Durable batch that could not reach durable storage.
	ErrNotDurable = errors.New("kv write not durable")
)

// Batch is applied atomically: all Set and Delete entries land together or none do.
// A Durable batch must reach the primary store and is never degraded to the in-memory fallback.
type Batch struct {
	Set     map[string]string
	Delete  []string
	Durable bool
}

func (b Batch) Empty() bool {
	return len(b.Set) == 0 && len(b.Delete) == 0
}

type Store interface {
	Get(ctx context.Context, namespace, key string) (string, bool, error)
	GetAll(ctx context.Context, namespace string) (map[string]string, error)
	Apply(ctx context.Context, namespace string, batch Batch) error
	DeleteNamespace(ctx context.Context, namespace string) error
	// PurgeBefore removes entries of namespaces starting with prefix that were last written before t.
	PurgeBefore(ctx context.Context, prefix string, t time.Time) (int64, error)
	Close() error
}

// Set writes a single key.
func Set(ctx context.Context, s Store, namespace, key, value string) error {
	return s.Apply(ctx, namespace, Batch{Set: map[string]string{key: value}})
}

// Delete removes keys from a namespace.
func Delete(ctx context.Context, s Store, namespace string, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.Apply(ctx, namespace, Batch{Delete: keys})
}
