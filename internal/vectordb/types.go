// Package vectordb provides the VectorStore used by the episodic and
// procedural modules: a Qdrant REST client for deployments and an
// in-memory store with identical semantics for tests and fallback.
package vectordb

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable reports that the vector store stayed unreachable
// through the whole retry envelope. The memory modules map it to
// BACKEND_UNAVAILABLE.
var ErrUnavailable = errors.New("vector store unavailable")

// ErrNotFound reports that a point id does not exist in a collection.
var ErrNotFound = errors.New("point not found")

// Point is one stored vector with its payload. The payload carries
// everything needed to reconstruct the record without a second hop.
type Point struct {
	ID      string                 `json:"id"`
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload"`
}

// ScoredPoint is a search result: the point and its cosine similarity
// to the query vector.
type ScoredPoint struct {
	Point
	Score float64 `json:"score"`
}

// VectorStore is the adapter surface the memory modules depend on.
// Implementations must publish points atomically: a concurrent reader
// sees either the previous payload or the new one, never a mix.
type VectorStore interface {
	// EnsureCollection creates the collection when absent. Dimension is
	// fixed for the life of the deployment.
	EnsureCollection(ctx context.Context, name string, dim int) error
	// Upsert inserts or replaces points by id.
	Upsert(ctx context.Context, collection string, points []Point) error
	// Search returns up to limit points by descending cosine similarity.
	Search(ctx context.Context, collection string, vector []float32, limit int) ([]ScoredPoint, error)
	// Fetch returns one point by id, ErrNotFound when absent.
	Fetch(ctx context.Context, collection, id string) (*Point, error)
	// SetPayloadFields overwrites the named payload fields of one point.
	SetPayloadFields(ctx context.Context, collection, id string, fields map[string]interface{}) error
	// Scroll visits every point until fn returns false.
	Scroll(ctx context.Context, collection string, fn func(Point) bool) error
	// Delete removes points by id; absent ids are ignored.
	Delete(ctx context.Context, collection string, ids []string) error
	// Ping probes the store for health checks.
	Ping(ctx context.Context) error
}

// Config controls the Qdrant client.
type Config struct {
	// URL is the base REST endpoint, e.g. http://qdrant:6333.
	URL     string
	APIKey  string
	Timeout time.Duration
}
