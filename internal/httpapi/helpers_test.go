package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tessellate-ai/ltm/internal/authz"
	"github.com/tessellate-ai/ltm/internal/config"
	"github.com/tessellate-ai/ltm/internal/embeddings"
	"github.com/tessellate-ai/ltm/internal/graphdb"
	"github.com/tessellate-ai/ltm/internal/kvstore"
	"github.com/tessellate-ai/ltm/internal/memory"
	"github.com/tessellate-ai/ltm/internal/vectordb"
)

const testDim = 8

// testEnv wires the full server on in-memory adapters. Tests mutate
// rate to exercise the hot-reloaded limiter.
type testEnv struct {
	handler  http.Handler
	episodic *memory.Episodic
	kv       *kvstore.MemStore
	vectors  *vectordb.MemStore
	graph    *graphdb.MemGraph
	logs     *observer.ObservedLogs
	rate     *config.RateLimitConfig
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)

	vectors := vectordb.NewMemStore(zap.NewNop())
	graph := graphdb.NewMemGraph()
	kv := kvstore.NewMemStore()
	embed := embeddings.NewLocal(testDim)
	prov := memory.NewProvenanceStore(kv)

	episodic := memory.NewEpisodic(vectors, embed, prov, zap.NewNop())
	require.NoError(t, episodic.EnsureCollection(context.Background()))
	procedural := memory.NewProcedural(vectors, kv, embed, prov, zap.NewNop())
	require.NoError(t, procedural.EnsureCollection(context.Background()))
	semantic := memory.NewSemantic(graph, prov, zap.NewNop())
	temporal := memory.NewTemporal(graph, prov, zap.NewNop())
	evaluator := memory.NewEvaluator(kv, prov, zap.NewNop())

	engine, err := authz.New(zap.NewNop())
	require.NoError(t, err)

	rate := &config.RateLimitConfig{}
	srv := New(Config{
		Episodic:   episodic,
		Semantic:   semantic,
		Temporal:   temporal,
		Procedural: procedural,
		Evaluator:  evaluator,
		Provenance: prov,
		Authz:      engine,
		Tunables: func() config.Tunables {
			return config.Tunables{RateLimit: *rate}
		},
		RequestTimeout: 5 * time.Second,
		Logger:         logger,
	})

	return &testEnv{
		handler:  srv.Handler(),
		episodic: episodic,
		kv:       kv,
		vectors:  vectors,
		graph:    graph,
		logs:     logs,
		rate:     rate,
	}
}

// do sends one request. A string body goes through raw; anything else
// is marshaled to JSON.
func (env *testEnv) do(t *testing.T, method, target, role string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	return env.doWithHeaders(t, method, target, role, body, nil)
}

func (env *testEnv) doWithHeaders(t *testing.T, method, target, role string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(buf)
	}

	req := httptest.NewRequest(method, target, rd)
	if role != "" {
		req.Header.Set(roleHeader, role)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

func decodeAs[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

type errorDetail struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Detail  map[string]interface{} `json:"detail"`
}

func readError(t *testing.T, rec *httptest.ResponseRecorder) errorDetail {
	t.Helper()
	var envelope struct {
		Error errorDetail `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope), "body: %s", rec.Body.String())
	require.NotEmpty(t, envelope.Error.Code, "body: %s", rec.Body.String())
	return envelope.Error
}

type idBody struct {
	ID string `json:"id"`
}

type removedBody struct {
	Removed int `json:"removed"`
}

type resultsBody struct {
	Results []map[string]interface{} `json:"results"`
}
