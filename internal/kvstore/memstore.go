package kvstore

import (
	"context"
	"sort"
	"sync"
)

// MemStore is the in-memory KeyValueStore. Values are copied on both
// sides of the API so callers can never alias internal state.
type MemStore struct {
	mu      sync.RWMutex
	buckets map[string]map[string][]byte
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{buckets: make(map[string]map[string][]byte)}
}

var _ KeyValueStore = (*MemStore)(nil)

func (m *MemStore) Put(_ context.Context, bucket, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[bucket]
	if !ok {
		b = make(map[string][]byte)
		m.buckets[bucket] = b
	}
	b[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemStore) Get(_ context.Context, bucket, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.buckets[bucket][key]; ok {
		return append([]byte(nil), v...), nil
	}
	return nil, ErrKeyNotFound
}

func (m *MemStore) Delete(_ context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buckets[bucket], key)
	return nil
}

// List snapshots the bucket under the read lock and then walks it in
// key order, so fn may call back into the store.
func (m *MemStore) List(_ context.Context, bucket string, fn func(key string, value []byte) bool) error {
	m.mu.RLock()
	b := m.buckets[bucket]
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values := make([][]byte, len(keys))
	for i, k := range keys {
		values[i] = append([]byte(nil), b[k]...)
	}
	m.mu.RUnlock()

	for i, k := range keys {
		if !fn(k, values[i]) {
			return nil
		}
	}
	return nil
}

func (m *MemStore) Ping(context.Context) error { return nil }

// Len reports the number of keys in the bucket.
func (m *MemStore) Len(bucket string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.buckets[bucket])
}
