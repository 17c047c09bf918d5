// Package embeddings turns text into fixed-dimension vectors for the
// episodic and procedural modules. The HTTP service caches aggressively
// (in-process LRU, then Redis) so embedding is deterministic under the
// cache, and retries transient provider failures with exponential
// backoff before reporting the provider unavailable.
package embeddings

import (
	"context"
	"errors"
)

// ErrUnavailable reports that the provider stayed unreachable through
// the whole retry envelope. The API layer maps it to EMBED_UNAVAILABLE.
var ErrUnavailable = errors.New("embedding provider unavailable")

// Embedder produces a vector of a fixed dimension from text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}
