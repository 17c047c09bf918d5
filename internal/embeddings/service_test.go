package embeddings

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tessellate-ai/ltm/internal/backoff"
)

func embedServer(t *testing.T, dim int, calls *atomic.Int64, failFirst int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n <= int64(failFirst) {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		out := make([][]float64, len(req.Texts))
		for i := range req.Texts {
			vec := make([]float64, dim)
			for j := range vec {
				vec[j] = float64(len(req.Texts[i])+j) * 0.01
			}
			out[i] = vec
		}
		_ = json.NewEncoder(w).Encode(embedResponse{Embeddings: out, Dimensions: dim, ModelUsed: req.Model})
	}))
}

func testService(url string, dim int) *Service {
	svc := NewService(Config{BaseURL: url, Model: "test-model", Dimension: dim}, NewLocalLRU(16), nil, zap.NewNop())
	svc.retry = backoff.Policy{Initial: time.Millisecond, MaxAttempts: 3}
	return svc
}

func TestEmbedCachesResult(t *testing.T) {
	var calls atomic.Int64
	srv := embedServer(t, 8, &calls, 0)
	defer srv.Close()

	svc := testService(srv.URL, 8)
	ctx := context.Background()

	first, err := svc.Embed(ctx, "hello world")
	require.NoError(t, err)
	assert.Len(t, first, 8)

	second, err := svc.Embed(ctx, "hello world")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), calls.Load(), "second call must come from cache")
}

func TestEmbedRetriesTransientFailure(t *testing.T) {
	var calls atomic.Int64
	srv := embedServer(t, 4, &calls, 2)
	defer srv.Close()

	svc := testService(srv.URL, 4)
	vec, err := svc.Embed(context.Background(), "retry me")
	require.NoError(t, err)
	assert.Len(t, vec, 4)
	assert.Equal(t, int64(3), calls.Load())
}

func TestEmbedExhaustionReportsUnavailable(t *testing.T) {
	var calls atomic.Int64
	srv := embedServer(t, 4, &calls, 100)
	defer srv.Close()

	svc := testService(srv.URL, 4)
	_, err := svc.Embed(context.Background(), "always failing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int64(3), calls.Load())
}

func TestEmbedDoesNotRetryRejection(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad model", http.StatusBadRequest)
	}))
	defer srv.Close()

	svc := testService(srv.URL, 4)
	_, err := svc.Embed(context.Background(), "rejected")
	require.Error(t, err)
	assert.Equal(t, int64(1), calls.Load())
}

func TestEmbedDimensionMismatch(t *testing.T) {
	var calls atomic.Int64
	srv := embedServer(t, 4, &calls, 0)
	defer srv.Close()

	svc := testService(srv.URL, 16)
	_, err := svc.Embed(context.Background(), "wrong dim")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimension")
	assert.Equal(t, int64(1), calls.Load())
}

func TestEmbedRespectsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	svc := testService(srv.URL, 4)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := svc.Embed(ctx, "slow")
	require.Error(t, err)
}

func TestLocalEmbedderDeterministic(t *testing.T) {
	emb := NewLocal(32)
	ctx := context.Background()

	a1, err := emb.Embed(ctx, "define photosynthesis")
	require.NoError(t, err)
	a2, err := emb.Embed(ctx, "define photosynthesis")
	require.NoError(t, err)
	assert.Equal(t, a1, a2)
	assert.Len(t, a1, 32)
	assert.Equal(t, 32, emb.Dimension())
}

func TestLocalEmbedderUnitNorm(t *testing.T) {
	emb := NewLocal(64)
	vec, err := emb.Embed(context.Background(), "some text to embed")
	require.NoError(t, err)

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)
}

func TestLocalEmbedderSharedTokensAreCloser(t *testing.T) {
	emb := NewLocal(64)
	ctx := context.Background()

	base, _ := emb.Embed(ctx, "define photosynthesis")
	near, _ := emb.Embed(ctx, "what is photosynthesis")
	far, _ := emb.Embed(ctx, "paris metro timetable")

	assert.Greater(t, cosine(base, near), cosine(base, far))
}

func TestLocalEmbedderEmptyText(t *testing.T) {
	emb := NewLocal(8)
	vec, err := emb.Embed(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, float32(1), vec[0])
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
