package httpapi

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func postEpisodic(t *testing.T, env *testEnv, record map[string]interface{}) string {
	t.Helper()
	rec := env.do(t, http.MethodPost, "/memory", "editor", map[string]interface{}{
		"record": record,
	})
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	id := decodeAs[idBody](t, rec).ID
	require.NotEmpty(t, id)
	return id
}

func TestEpisodicRoundTripOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	id := postEpisodic(t, env, map[string]interface{}{
		"task_query": "deploy the payment service",
		"outcome":    "success",
		"score":      0.9,
	})

	rec := env.do(t, http.MethodGet, "/memory", "viewer", map[string]interface{}{
		"query": "deploy the payment service",
	})
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	results := decodeAs[resultsBody](t, rec).Results
	require.Len(t, results, 1)

	got := results[0]
	assert.Equal(t, id, got["id"])
	assert.Equal(t, "deploy the payment service", got["task_query"])
	assert.Equal(t, "success", got["outcome"])
	assert.InDelta(t, 0.9, got["score"], 1e-9)
	assert.InDelta(t, 1.0, got["similarity"], 1e-6)
	assert.EqualValues(t, 1, got["access_count"])
}

func TestMemoryWriteRejectsOtherTypes(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		memoryType string
		wantHint   string
	}{
		{"semantic", "POST /semantic_consolidate"},
		{"temporal", "POST /temporal_consolidate"},
		{"procedural", "POST /skill"},
		{"evaluator", "POST /evaluator_memory"},
	}
	for _, tt := range tests {
		t.Run(tt.memoryType, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/memory", "editor", map[string]interface{}{
				"record":      map[string]interface{}{"subject": "x"},
				"memory_type": tt.memoryType,
			})
			require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
			errBody := readError(t, rec)
			assert.Equal(t, "VALIDATION_ERROR", errBody.Code)
			assert.Contains(t, fmt.Sprint(errBody.Detail["memory_type"]), tt.wantHint)
		})
	}

	t.Run("unknown type", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/memory", "editor", map[string]interface{}{
			"record":      map[string]interface{}{},
			"memory_type": "relational",
		})
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Contains(t, readError(t, rec).Detail, "memory_type")
	})
}

func TestMemoryWriteValidation(t *testing.T) {
	env := newTestEnv(t)

	t.Run("missing record", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/memory", "editor", map[string]interface{}{})
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Contains(t, readError(t, rec).Detail, "record")
	})

	t.Run("unknown field in record", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/memory", "editor", map[string]interface{}{
			"record": map[string]interface{}{"task_query": "x", "id": "caller-chosen"},
		})
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Contains(t, readError(t, rec).Detail, "id")
	})

	t.Run("wrong field type", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/memory", "editor", map[string]interface{}{
			"record": map[string]interface{}{"task_query": 5},
		})
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Contains(t, readError(t, rec).Detail, "task_query")
	})

	t.Run("score out of range", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/memory", "editor", map[string]interface{}{
			"record": map[string]interface{}{"task_query": "x", "score": 1.5},
		})
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Contains(t, readError(t, rec).Detail, "record.score")
	})

	t.Run("unknown top-level field", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/memory", "editor", map[string]interface{}{
			"records": []interface{}{},
		})
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Contains(t, readError(t, rec).Detail, "records")
	})

	t.Run("malformed body", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/memory", "editor", "{[")
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Contains(t, readError(t, rec).Detail, "body")
	})
}

func TestRetrieveValidation(t *testing.T) {
	env := newTestEnv(t)

	t.Run("unknown memory type", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/memory?memory_type=graph", "viewer", map[string]interface{}{
			"query": "x",
		})
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Contains(t, readError(t, rec).Detail, "memory_type")
	})

	t.Run("missing query", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/memory", "viewer", nil)
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Contains(t, readError(t, rec).Detail, "query")
	})

	t.Run("limit above maximum", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/memory?limit=51", "viewer", map[string]interface{}{
			"query": "x",
		})
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Contains(t, readError(t, rec).Detail, "limit")
	})

	t.Run("negative limit", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/memory?limit=-1", "viewer", map[string]interface{}{
			"query": "x",
		})
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Contains(t, readError(t, rec).Detail, "limit")
	})

	t.Run("non-numeric limit", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/memory?limit=ten", "viewer", map[string]interface{}{
			"query": "x",
		})
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Contains(t, readError(t, rec).Detail, "limit")
	})

	t.Run("limit of one accepted", func(t *testing.T) {
		postEpisodic(t, env, map[string]interface{}{"task_query": "first", "score": 0.5})
		postEpisodic(t, env, map[string]interface{}{"task_query": "second", "score": 0.5})

		rec := env.do(t, http.MethodGet, "/memory?limit=1", "viewer", map[string]interface{}{
			"query": "first",
		})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, decodeAs[resultsBody](t, rec).Results, 1)
	})
}

func TestTaskContextAlias(t *testing.T) {
	env := newTestEnv(t)
	postEpisodic(t, env, map[string]interface{}{"task_query": "rotate the signing keys", "score": 0.7})

	t.Run("alias alone is honored", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/memory", "viewer", map[string]interface{}{
			"task_context": "rotate the signing keys",
		})
		require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
		assert.NotEmpty(t, decodeAs[resultsBody](t, rec).Results)
	})

	t.Run("query wins over the alias", func(t *testing.T) {
		// The alias carries an invalid vector; if it were consulted the
		// call would fail on dimension.
		rec := env.do(t, http.MethodGet, "/memory", "viewer", map[string]interface{}{
			"query":        "rotate the signing keys",
			"task_context": []float64{1, 2},
		})
		require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
		assert.NotEmpty(t, decodeAs[resultsBody](t, rec).Results)
	})

	t.Run("alias is validated when used", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/memory", "viewer", map[string]interface{}{
			"task_context": []float64{1, 2},
		})
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})
}

func TestTemporalSnapshotOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	post := func(body map[string]interface{}) {
		t.Helper()
		rec := env.do(t, http.MethodPost, "/temporal_consolidate", "editor", body)
		require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	}
	post(map[string]interface{}{
		"subject":    "capital_of_france",
		"predicate":  "is",
		"object":     "versailles",
		"valid_from": 1000,
		"valid_to":   2000,
	})
	post(map[string]interface{}{
		"subject":    "capital_of_france",
		"predicate":  "is",
		"object":     "paris",
		"valid_from": 2000,
	})

	snapshot := func(query map[string]interface{}) []map[string]interface{} {
		t.Helper()
		rec := env.do(t, http.MethodGet, "/memory?memory_type=temporal", "viewer", map[string]interface{}{
			"query": query,
		})
		require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
		return decodeAs[resultsBody](t, rec).Results
	}

	pair := map[string]interface{}{"subject": "capital_of_france", "predicate": "is"}

	during := snapshot(map[string]interface{}{"subject": "capital_of_france", "predicate": "is", "valid_at": 1500})
	require.Len(t, during, 1)
	assert.Equal(t, "versailles", during[0]["object"])

	before := snapshot(map[string]interface{}{"subject": "capital_of_france", "predicate": "is", "valid_at": 500})
	assert.Empty(t, before)

	after := snapshot(map[string]interface{}{"subject": "capital_of_france", "predicate": "is", "valid_at": 2500})
	require.Len(t, after, 1)
	assert.Equal(t, "paris", after[0]["object"])

	// valid_at defaults to now, which the open-ended fact covers.
	current := snapshot(pair)
	require.Len(t, current, 1)
	assert.Equal(t, "paris", current[0]["object"])

	t.Run("snapshot query is required", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/memory?memory_type=temporal", "viewer", nil)
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Contains(t, readError(t, rec).Detail, "query")
	})

	t.Run("unknown snapshot key rejected", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/memory?memory_type=temporal", "viewer", map[string]interface{}{
			"query": map[string]interface{}{"subject": "x", "predicate": "y", "at": 5},
		})
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})
}

func TestForgetOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	id := postEpisodic(t, env, map[string]interface{}{"task_query": "ephemeral task", "score": 0.2})

	rec := env.do(t, http.MethodDelete, "/forget", "editor", map[string]interface{}{
		"ids": []string{id},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decodeAs[removedBody](t, rec).Removed)

	// Idempotent: the same predicate removes nothing further.
	rec = env.do(t, http.MethodDelete, "/forget", "editor", map[string]interface{}{
		"ids": []string{id},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decodeAs[removedBody](t, rec).Removed)

	retr := env.do(t, http.MethodGet, "/memory", "viewer", map[string]interface{}{
		"query": "ephemeral task",
	})
	require.Equal(t, http.StatusOK, retr.Code)
	assert.Empty(t, decodeAs[resultsBody](t, retr).Results)

	t.Run("empty predicate rejected", func(t *testing.T) {
		rec := env.do(t, http.MethodDelete, "/forget", "editor", map[string]interface{}{})
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Contains(t, readError(t, rec).Detail, "predicate")
	})
}

func TestProvenanceOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	t.Run("body source round trip", func(t *testing.T) {
		id := postEpisodic(t, env, map[string]interface{}{
			"task_query": "first write",
			"provenance": map[string]interface{}{"source": "pipeline-12"},
		})
		rec := env.do(t, http.MethodGet, "/provenance/episodic/"+id, "viewer", nil)
		require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
		got := decodeAs[map[string]interface{}](t, rec)
		assert.Equal(t, "pipeline-12", got["source"])
		assert.Greater(t, got["recorded_at"], float64(0))
	})

	t.Run("header source fallback", func(t *testing.T) {
		rec := env.doWithHeaders(t, http.MethodPost, "/memory", "editor", map[string]interface{}{
			"record": map[string]interface{}{"task_query": "second write"},
		}, map[string]string{sourceHeader: "agent-9"})
		require.Equal(t, http.StatusOK, rec.Code)
		id := decodeAs[idBody](t, rec).ID

		look := env.do(t, http.MethodGet, "/provenance/episodic/"+id, "viewer", nil)
		require.Equal(t, http.StatusOK, look.Code)
		assert.Equal(t, "agent-9", decodeAs[map[string]interface{}](t, look)["source"])
	})

	t.Run("body source wins over header", func(t *testing.T) {
		rec := env.doWithHeaders(t, http.MethodPost, "/memory", "editor", map[string]interface{}{
			"record": map[string]interface{}{
				"task_query": "third write",
				"provenance": map[string]interface{}{"source": "body-source"},
			},
		}, map[string]string{sourceHeader: "header-source"})
		require.Equal(t, http.StatusOK, rec.Code)
		id := decodeAs[idBody](t, rec).ID

		look := env.do(t, http.MethodGet, "/provenance/episodic/"+id, "viewer", nil)
		require.Equal(t, http.StatusOK, look.Code)
		assert.Equal(t, "body-source", decodeAs[map[string]interface{}](t, look)["source"])
	})

	t.Run("absent source records unknown", func(t *testing.T) {
		id := postEpisodic(t, env, map[string]interface{}{"task_query": "fourth write"})
		rec := env.do(t, http.MethodGet, "/provenance/episodic/"+id, "viewer", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "unknown", decodeAs[map[string]interface{}](t, rec)["source"])
	})

	t.Run("unknown record", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/provenance/episodic/nonexistent", "viewer", nil)
		require.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "NOT_FOUND", readError(t, rec).Code)
	})

	t.Run("invalid memory type segment", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/provenance/graph/some-id", "viewer", nil)
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Contains(t, readError(t, rec).Detail, "memory_type")
	})
}
