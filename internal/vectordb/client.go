package vectordb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
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

// Client is a minimal Qdrant HTTP client implementing VectorStore.
// Transient failures (transport errors, 5xx) ride the shared retry
// envelope; an open circuit breaker short-circuits to ErrUnavailable
// without burning the retries.
type Client struct {
	cfg   Config
	base  string
	httpw *circuitbreaker.HTTPWrapper
	retry backoff.Policy
	log   *zap.Logger
}

// NewClient creates a Qdrant client for the given base URL.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}
	return &Client{
		cfg:   cfg,
		base:  cfg.URL,
		httpw: circuitbreaker.NewHTTPWrapper(httpClient, "qdrant", logger),
		retry: backoff.Default(),
		log:   logger,
	}
}

// BreakerState exposes the circuit breaker state for health checks.
func (c *Client) BreakerState() circuitbreaker.State { return c.httpw.State() }

type statusError struct {
	op   string
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("qdrant %s: status %d: %s", e.op, e.code, e.body)
}

// call issues one JSON request through the breaker and classifies the
// response: 2xx succeeds, 4xx is permanent, 5xx stays retriable.
func (c *Client) call(ctx context.Context, op, method, path string, body, out interface{}) error {
	url := c.base + path
	ctx, span := tracing.StartHTTPSpan(ctx, method, url)
	defer span.End()

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return backoff.Permanent(err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return backoff.Permanent(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("api-key", c.cfg.APIKey)
	}
	tracing.InjectTraceparent(ctx, req)

	start := time.Now()
	resp, err := c.httpw.Do(req)
	if err != nil {
		metrics.RecordBackendCall("qdrant", op, "error", time.Since(start).Seconds())
		if circuitbreaker.IsOpen(err) {
			return backoff.Permanent(fmt.Errorf("%w: circuit open", ErrUnavailable))
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		metrics.RecordBackendCall("qdrant", op, "error", time.Since(start).Seconds())
		return &statusError{op: op, code: resp.StatusCode}
	}
	if resp.StatusCode == http.StatusNotFound {
		metrics.RecordBackendCall("qdrant", op, "not_found", time.Since(start).Seconds())
		return backoff.Permanent(ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		metrics.RecordBackendCall("qdrant", op, "rejected", time.Since(start).Seconds())
		return backoff.Permanent(&statusError{op: op, code: resp.StatusCode, body: string(b)})
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			metrics.RecordBackendCall("qdrant", op, "error", time.Since(start).Seconds())
			return backoff.Permanent(fmt.Errorf("qdrant %s: decode: %w", op, err))
		}
	}
	metrics.RecordBackendCall("qdrant", op, "ok", time.Since(start).Seconds())
	return nil
}

// do runs one operation under the retry envelope and folds exhaustion
// into ErrUnavailable.
func (c *Client) do(ctx context.Context, op, method, path string, body, out interface{}) error {
	err := c.retry.Retry(ctx, func(ctx context.Context) error {
		return c.call(ctx, op, method, path, body, out)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrUnavailable):
		return err
	case isRejection(err):
		return err
	case ctx.Err() != nil:
		return fmt.Errorf("qdrant %s: %w", op, err)
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

// isRejection reports an unambiguous 4xx rejection, which propagates
// unretried and unconverted.
func isRejection(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.code < 500
}

// EnsureCollection creates the collection when it does not exist yet.
func (c *Client) EnsureCollection(ctx context.Context, name string, dim int) error {
	err := c.do(ctx, "collection_info", http.MethodGet, "/collections/"+name, nil, nil)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	body := map[string]interface{}{
		"vectors": map[string]interface{}{"size": dim, "distance": "Cosine"},
	}
	if err := c.do(ctx, "create_collection", http.MethodPut, "/collections/"+name, body, nil); err != nil {
		return err
	}
	c.log.Info("Created vector collection", zap.String("collection", name), zap.Int("dimension", dim))
	return nil
}

// Upsert inserts or replaces points, waiting for the write to apply.
func (c *Client) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	items := make([]map[string]interface{}, len(points))
	for i, p := range points {
		items[i] = map[string]interface{}{"id": p.ID, "vector": p.Vector, "payload": p.Payload}
	}
	return c.do(ctx, "upsert", http.MethodPut,
		fmt.Sprintf("/collections/%s/points?wait=true", collection),
		map[string]interface{}{"points": items}, nil)
}

type queryResponse struct {
	Result struct {
		Points []scoredPointWire `json:"points"`
	} `json:"result"`
}

type searchResponse struct {
	Result []scoredPointWire `json:"result"`
}

type scoredPointWire struct {
	ID      interface{}            `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
	Vector  []float32              `json:"vector,omitempty"`
}

func (w scoredPointWire) toScored() ScoredPoint {
	return ScoredPoint{
		Point: Point{ID: fmt.Sprintf("%v", w.ID), Vector: w.Vector, Payload: w.Payload},
		Score: w.Score,
	}
}

// Search returns up to limit points by descending cosine similarity. It
// prefers the modern /points/query endpoint and falls back to
// /points/search for older servers.
func (c *Client) Search(ctx context.Context, collection string, vector []float32, limit int) ([]ScoredPoint, error) {
	var qr queryResponse
	err := c.do(ctx, "query", http.MethodPost,
		fmt.Sprintf("/collections/%s/points/query", collection),
		map[string]interface{}{"query": vector, "limit": limit, "with_payload": true, "with_vector": true},
		&qr)
	if err == nil {
		out := make([]ScoredPoint, 0, len(qr.Result.Points))
		for _, p := range qr.Result.Points {
			out = append(out, p.toScored())
		}
		return out, nil
	}
	if errors.Is(err, ErrUnavailable) || ctx.Err() != nil {
		return nil, err
	}

	var sr searchResponse
	err = c.do(ctx, "search", http.MethodPost,
		fmt.Sprintf("/collections/%s/points/search", collection),
		map[string]interface{}{"vector": vector, "limit": limit, "with_payload": true, "with_vector": true},
		&sr)
	if err != nil {
		return nil, err
	}
	out := make([]ScoredPoint, 0, len(sr.Result))
	for _, p := range sr.Result {
		out = append(out, p.toScored())
	}
	return out, nil
}

// Fetch returns one point by id.
func (c *Client) Fetch(ctx context.Context, collection, id string) (*Point, error) {
	var resp struct {
		Result []struct {
			ID      interface{}            `json:"id"`
			Payload map[string]interface{} `json:"payload"`
			Vector  []float32              `json:"vector"`
		} `json:"result"`
	}
	err := c.do(ctx, "fetch", http.MethodPost,
		fmt.Sprintf("/collections/%s/points", collection),
		map[string]interface{}{"ids": []string{id}, "with_payload": true, "with_vector": true},
		&resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Result) == 0 {
		return nil, ErrNotFound
	}
	r := resp.Result[0]
	return &Point{ID: fmt.Sprintf("%v", r.ID), Vector: r.Vector, Payload: r.Payload}, nil
}

// SetPayloadFields overwrites the named payload fields of one point.
func (c *Client) SetPayloadFields(ctx context.Context, collection, id string, fields map[string]interface{}) error {
	return c.do(ctx, "set_payload", http.MethodPost,
		fmt.Sprintf("/collections/%s/points/payload?wait=true", collection),
		map[string]interface{}{"payload": fields, "points": []string{id}}, nil)
}

// Scroll visits every point in the collection until fn returns false.
func (c *Client) Scroll(ctx context.Context, collection string, fn func(Point) bool) error {
	var offset interface{}
	for {
		body := map[string]interface{}{"limit": 256, "with_payload": true, "with_vector": true}
		if offset != nil {
			body["offset"] = offset
		}
		var resp struct {
			Result struct {
				Points []struct {
					ID      interface{}            `json:"id"`
					Payload map[string]interface{} `json:"payload"`
					Vector  []float32              `json:"vector"`
				} `json:"points"`
				NextPageOffset interface{} `json:"next_page_offset"`
			} `json:"result"`
		}
		err := c.do(ctx, "scroll", http.MethodPost,
			fmt.Sprintf("/collections/%s/points/scroll", collection), body, &resp)
		if err != nil {
			return err
		}
		for _, p := range resp.Result.Points {
			if !fn(Point{ID: fmt.Sprintf("%v", p.ID), Vector: p.Vector, Payload: p.Payload}) {
				return nil
			}
		}
		if resp.Result.NextPageOffset == nil {
			return nil
		}
		offset = resp.Result.NextPageOffset
	}
}

// Delete removes points by id.
func (c *Client) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return c.do(ctx, "delete", http.MethodPost,
		fmt.Sprintf("/collections/%s/points/delete?wait=true", collection),
		map[string]interface{}{"points": ids}, nil)
}

// Ping probes the Qdrant liveness endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpw.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("qdrant healthz status %d", resp.StatusCode)
	}
	return nil
}
