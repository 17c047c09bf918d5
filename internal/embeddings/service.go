package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tessellate-ai/ltm/internal/backoff"
	"github.com/tessellate-ai/ltm/internal/circuitbreaker"
	"github.com/tessellate-ai/ltm/internal/metrics"
	"github.com/tessellate-ai/ltm/internal/tracing"
)

// Config holds provider settings for the HTTP embedder.
type Config struct {
	BaseURL   string
	Model     string
	Dimension int
	CacheTTL  time.Duration
	Timeout   time.Duration
}

// Service is the HTTP-backed Embedder. Lookups go LRU, then the
// second-level cache, then the provider; provider calls ride the
// circuit breaker and the shared retry envelope.
type Service struct {
	cfg    Config
	http   *circuitbreaker.HTTPWrapper
	lru    *LocalLRU
	cache  Cache // optional second level, may be nil
	retry  backoff.Policy
	logger *zap.Logger
}

// NewService builds the HTTP embedder. cache may be nil.
func NewService(cfg Config, lru *LocalLRU, cache Cache, logger *zap.Logger) *Service {
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = time.Hour
	}
	if lru == nil {
		lru = NewLocalLRU(1024)
	}
	return &Service{
		cfg:    cfg,
		http:   circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: cfg.Timeout}, "embedder", logger),
		lru:    lru,
		cache:  cache,
		retry:  backoff.Default(),
		logger: logger,
	}
}

// Dimension returns the configured vector dimension.
func (s *Service) Dimension() int { return s.cfg.Dimension }

// Ping probes the provider's health endpoint through the breaker.
func (s *Service) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("embedding health status %d", resp.StatusCode)
	}
	return nil
}

type embedRequest struct {
	Texts []string `json:"texts"`
	Model string   `json:"model"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	Dimensions int         `json:"dimensions"`
	ModelUsed  string      `json:"model_used"`
}

// Embed returns the vector for one text. Identical texts resolve from
// the caches, so a cached text embeds deterministically.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	key := MakeKey(s.cfg.Model, text)

	if v, ok := s.lru.Get(ctx, key); ok {
		metrics.EmbeddingCacheHits.WithLabelValues("lru").Inc()
		return v, nil
	}
	if s.cache != nil {
		if v, ok := s.cache.Get(ctx, key); ok {
			s.lru.Set(ctx, key, v, s.cfg.CacheTTL)
			metrics.EmbeddingCacheHits.WithLabelValues("redis").Inc()
			return v, nil
		}
	}
	metrics.EmbeddingCacheMisses.Inc()

	var vec []float32
	err := s.retry.Retry(ctx, func(ctx context.Context) error {
		var callErr error
		vec, callErr = s.callProvider(ctx, text)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s.lru.Set(ctx, key, vec, s.cfg.CacheTTL)
	if s.cache != nil {
		s.cache.Set(ctx, key, vec, s.cfg.CacheTTL)
	}
	return vec, nil
}

func (s *Service) callProvider(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	url := fmt.Sprintf("%s/embeddings/", s.cfg.BaseURL)

	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	buf, _ := json.Marshal(embedRequest{Texts: []string{text}, Model: s.cfg.Model})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := s.http.Do(req)
	if err != nil {
		metrics.RecordEmbeddingMetrics(s.cfg.Model, "error", time.Since(start).Seconds())
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		metrics.RecordEmbeddingMetrics(s.cfg.Model, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("embedding provider status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		// 4xx is an unambiguous rejection; retrying cannot help.
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		metrics.RecordEmbeddingMetrics(s.cfg.Model, "rejected", time.Since(start).Seconds())
		return nil, backoff.Permanent(fmt.Errorf("embedding provider status %d: %s", resp.StatusCode, string(body)))
	}

	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		metrics.RecordEmbeddingMetrics(s.cfg.Model, "error", time.Since(start).Seconds())
		return nil, err
	}
	if len(er.Embeddings) == 0 {
		metrics.RecordEmbeddingMetrics(s.cfg.Model, "empty", time.Since(start).Seconds())
		return nil, fmt.Errorf("embedding response carried no vectors")
	}

	out := make([]float32, len(er.Embeddings[0]))
	for i, f := range er.Embeddings[0] {
		out[i] = float32(f)
	}
	if s.cfg.Dimension > 0 && len(out) != s.cfg.Dimension {
		metrics.RecordEmbeddingMetrics(s.cfg.Model, "dimension_mismatch", time.Since(start).Seconds())
		return nil, backoff.Permanent(fmt.Errorf("embedding dimension %d, want %d", len(out), s.cfg.Dimension))
	}

	metrics.RecordEmbeddingMetrics(s.cfg.Model, "ok", time.Since(start).Seconds())
	return out, nil
}
