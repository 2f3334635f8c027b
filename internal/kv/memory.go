package kv

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	updatedAt time.Time
}

// MemoryStore keeps everything in process memory. Used for tests, the "memory"
// driver and as the degraded fallback when the durable store is unavailable.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string]map[string]memoryEntry
	closed bool
	now    func() time.Time
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]map[string]memoryEntry),
		now:  time.Now,
	}
}

func (m *MemoryStore) Get(_ context.Context, namespace, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return "", false, ErrClosed
	}
	entry, ok := m.data[namespace][key]
	return entry.value, ok, nil
}

func (m *MemoryStore) GetAll(_ context.Context, namespace string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make(map[string]string, len(m.data[namespace]))
	for k, e := range m.data[namespace] {
		out[k] = e.value
	}
	return out, nil
}

func (m *MemoryStore) Apply(_ context.Context, namespace string, batch Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	ns := m.data[namespace]
	if ns == nil {
		ns = make(map[string]memoryEntry)
		m.data[namespace] = ns
	}
	now := m.now()
	for k, v := range batch.Set {
		ns[k] = memoryEntry{value: v, updatedAt: now}
	}
	for _, k := range batch.Delete {
		delete(ns, k)
	}
	if len(ns) == 0 {
		delete(m.data, namespace)
	}
	return nil
}

func (m *MemoryStore) DeleteNamespace(_ context.Context, namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.data, namespace)
	return nil
}

func (m *MemoryStore) PurgeBefore(_ context.Context, prefix string, t time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	var removed int64
	for namespace, ns := range m.data {
		if !strings.HasPrefix(namespace, prefix) {
			continue
		}
		for k, e := range ns {
			if e.updatedAt.Before(t) {
				delete(ns, k)
				removed++
			}
		}
		if len(ns) == 0 {
			delete(m.data, namespace)
		}
	}
	return removed, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
