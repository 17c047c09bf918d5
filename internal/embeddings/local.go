package embeddings

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"strings"
)

// Local is a deterministic in-process embedder used when no provider is
// configured. Each token contributes a direction seeded by its hash, so
// texts sharing words land near each other; the result is unit-length.
// It needs no network and never fails, which keeps a single binary fully
// operational for tests and local development.
type Local struct {
	dim int
}

// NewLocal creates a local embedder with the given dimension.
func NewLocal(dimension int) *Local {
	if dimension <= 0 {
		dimension = 1536
	}
	return &Local{dim: dimension}
}

// Dimension returns the configured vector dimension.
func (l *Local) Dimension() int { return l.dim }

// Embed derives a deterministic unit vector from the text.
func (l *Local) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float64, l.dim)
	for _, tok := range tokenize(text) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		rng := rand.New(rand.NewSource(int64(h.Sum64())))
		for i := range vec {
			vec[i] += rng.NormFloat64()
		}
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	out := make([]float32, l.dim)
	if norm == 0 {
		// Empty text gets a fixed axis so it still has a valid vector.
		out[0] = 1
		return out, nil
	}
	norm = math.Sqrt(norm)
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out, nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
}
