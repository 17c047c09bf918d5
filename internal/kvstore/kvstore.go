// Package kvstore provides the KeyValueStore behind procedural policy
// blobs, critique records, and provenance envelopes: a Postgres
// implementation for deployments and an in-memory map for tests and
// for the fallback when no DATABASE_URL is configured.
package kvstore

import (
	"context"
	"errors"
)

// ErrKeyNotFound reports that the bucket holds no such key.
var ErrKeyNotFound = errors.New("key not found")

// ErrUnavailable reports that the store stayed unreachable through the
// whole retry envelope. The memory modules map it to
// BACKEND_UNAVAILABLE.
var ErrUnavailable = errors.New("key-value store unavailable")

// KeyValueStore is the adapter surface for blob storage. Keys are
// unique per bucket; values are opaque bytes owned by the caller.
type KeyValueStore interface {
	Put(ctx context.Context, bucket, key string, value []byte) error
	// Get returns ErrKeyNotFound when the key is absent.
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	// Delete is idempotent; deleting an absent key succeeds.
	Delete(ctx context.Context, bucket, key string) error
	// List walks the bucket in ascending key order until fn returns
	// false.
	List(ctx context.Context, bucket string, fn func(key string, value []byte) bool) error
	// Ping probes the store for health checks.
	Ping(ctx context.Context) error
}
