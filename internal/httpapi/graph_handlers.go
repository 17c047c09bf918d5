package httpapi

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/tessellate-ai/ltm/internal/apierrors"
	"github.com/tessellate-ai/ltm/internal/graphdb"
	"github.com/tessellate-ai/ltm/internal/memory"
)

// GraphHandler serves the graph-backed surfaces: semantic consolidation
// and subgraph propagation, temporal consolidation, and spatial
// queries.
type GraphHandler struct {
	semantic *memory.Semantic
	temporal *memory.Temporal
	log      *zap.Logger
}

func NewGraphHandler(semantic *memory.Semantic, temporal *memory.Temporal, log *zap.Logger) *GraphHandler {
	return &GraphHandler{semantic: semantic, temporal: temporal, log: log}
}

type semanticConsolidateRequest struct {
	Payload json.RawMessage `json:"payload"`
	Format  string          `json:"format"`
}

// tripleWrite is the caller-settable subset of a semantic triple.
type tripleWrite struct {
	Subject    string             `json:"subject"`
	Predicate  string             `json:"predicate"`
	Object     string             `json:"object"`
	Confidence *float64           `json:"confidence"`
	Provenance *memory.Provenance `json:"provenance"`
}

// SemanticConsolidate handles POST /semantic_consolidate: jsonld merges
// one triple, cypher runs a raw statement on stores that support it.
func (h *GraphHandler) SemanticConsolidate(w http.ResponseWriter, r *http.Request) {
	var req semanticConsolidateRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, h.log, r, err)
		return
	}

	switch req.Format {
	case "jsonld":
		if !rawPresent(req.Payload) {
			writeError(w, h.log, r, apierrors.Validation("payload required", map[string]interface{}{
				"payload": "expected a triple object",
			}))
			return
		}
		var t tripleWrite
		if err := strictUnmarshal(req.Payload, &t); err != nil {
			writeError(w, h.log, r, err)
			return
		}
		id, err := h.semantic.ConsolidateTriple(r.Context(), memory.SemanticTriple{
			Subject:    t.Subject,
			Predicate:  t.Predicate,
			Object:     t.Object,
			Confidence: t.Confidence,
			Provenance: resolveSource(t.Provenance, r),
		})
		if err != nil {
			writeError(w, h.log, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resultResponse{Result: []string{id}})

	case "cypher":
		stmt, ok := parseAny(req.Payload).(string)
		if !ok || strings.TrimSpace(stmt) == "" {
			writeError(w, h.log, r, apierrors.Validation("cypher payload must be a statement", map[string]interface{}{
				"payload": "expected a non-empty string",
			}))
			return
		}
		rows, err := h.semantic.ConsolidateCypher(r.Context(), stmt)
		if err != nil {
			writeError(w, h.log, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resultResponse{Result: orEmpty(rows)})

	default:
		writeError(w, h.log, r, apierrors.Validation("unknown consolidation format", map[string]interface{}{
			"format": `must be "jsonld" or "cypher"`,
		}))
	}
}

type propagateRequest struct {
	Entities  []graphdb.Entity `json:"entities"`
	Relations []tripleWrite    `json:"relations"`
}

// PropagateSubgraph handles POST /propagate_subgraph. The merge is
// atomic: every relation lands or none do.
func (h *GraphHandler) PropagateSubgraph(w http.ResponseWriter, r *http.Request) {
	var req propagateRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, h.log, r, err)
		return
	}

	relations := make([]memory.SemanticTriple, 0, len(req.Relations))
	for _, t := range req.Relations {
		relations = append(relations, memory.SemanticTriple{
			Subject:    t.Subject,
			Predicate:  t.Predicate,
			Object:     t.Object,
			Confidence: t.Confidence,
			Provenance: resolveSource(t.Provenance, r),
		})
	}

	ids, err := h.semantic.PropagateSubgraph(r.Context(), req.Entities, relations)
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	writeJSON(w, http.StatusOK, idsResponse{IDs: orEmpty(ids)})
}

// temporalWrite is the caller-settable subset of a temporal fact.
type temporalWrite struct {
	Subject    string             `json:"subject"`
	Predicate  string             `json:"predicate"`
	Object     string             `json:"object"`
	Value      *string            `json:"value"`
	Location   *memory.Location   `json:"location"`
	ValidFrom  *float64           `json:"valid_from"`
	ValidTo    *float64           `json:"valid_to"`
	Provenance *memory.Provenance `json:"provenance"`
}

// TemporalConsolidate handles POST /temporal_consolidate.
func (h *GraphHandler) TemporalConsolidate(w http.ResponseWriter, r *http.Request) {
	var req temporalWrite
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, h.log, r, err)
		return
	}
	if req.ValidFrom == nil {
		writeError(w, h.log, r, apierrors.Validation("invalid temporal fact", map[string]interface{}{
			"valid_from": "required",
		}))
		return
	}

	id, err := h.temporal.Consolidate(r.Context(), memory.TemporalFact{
		Subject:    req.Subject,
		Predicate:  req.Predicate,
		Object:     req.Object,
		Value:      req.Value,
		Location:   req.Location,
		ValidFrom:  *req.ValidFrom,
		ValidTo:    req.ValidTo,
		Provenance: resolveSource(req.Provenance, r),
	})
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	writeJSON(w, http.StatusOK, idResponse{ID: id})
}

// SpatialQuery handles GET /spatial_query. The validity window is
// optional; an absent bound is unbounded on that side.
func (h *GraphHandler) SpatialQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	box, err := parseBBox(q.Get("bbox"))
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	validFrom, err := parseWindowBound(q.Get("valid_from"), "valid_from", math.Inf(-1))
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	validTo, err := parseWindowBound(q.Get("valid_to"), "valid_to", math.Inf(1))
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}

	facts, err := h.temporal.SpatialQuery(r.Context(), box, validFrom, validTo)
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resultsResponse{Results: orEmpty(facts)})
}

func parseBBox(raw string) (graphdb.BoundingBox, error) {
	var box graphdb.BoundingBox
	if raw == "" {
		return box, apierrors.Validation("bbox required", map[string]interface{}{
			"bbox": "expected min_lon,min_lat,max_lon,max_lat",
		})
	}
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return box, apierrors.Validation("invalid bbox", map[string]interface{}{
			"bbox": fmt.Sprintf("expected 4 comma-separated numbers, got %d", len(parts)),
		})
	}
	coords := make([]float64, 4)
	for i, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return box, apierrors.Validation("invalid bbox", map[string]interface{}{
				"bbox": fmt.Sprintf("element %d is not a number", i),
			})
		}
		coords[i] = v
	}
	box = graphdb.BoundingBox{MinLon: coords[0], MinLat: coords[1], MaxLon: coords[2], MaxLat: coords[3]}
	return box, nil
}

func parseWindowBound(raw, name string, fallback float64) (float64, error) {
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, apierrors.Validation("invalid validity window", map[string]interface{}{
			name: "must be a unix timestamp in seconds",
		})
	}
	return v, nil
}
