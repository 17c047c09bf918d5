package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/tessellate-ai/ltm/internal/apierrors"
	"github.com/tessellate-ai/ltm/internal/graphdb"
	"github.com/tessellate-ai/ltm/internal/memory"
)

// sourceHeader names the writer when the body carries no provenance
// source.
const sourceHeader = "x-source"

// MemoryHandler serves the shared memory surface: the episodic write
// path, the typed retrieval dispatch, forgetting, and provenance
// lookups.
type MemoryHandler struct {
	episodic   *memory.Episodic
	semantic   *memory.Semantic
	temporal   *memory.Temporal
	procedural *memory.Procedural
	evaluator  *memory.Evaluator
	prov       *memory.ProvenanceStore
	log        *zap.Logger

	now func() time.Time
}

func NewMemoryHandler(
	episodic *memory.Episodic,
	semantic *memory.Semantic,
	temporal *memory.Temporal,
	procedural *memory.Procedural,
	evaluator *memory.Evaluator,
	prov *memory.ProvenanceStore,
	log *zap.Logger,
) *MemoryHandler {
	return &MemoryHandler{
		episodic:   episodic,
		semantic:   semantic,
		temporal:   temporal,
		procedural: procedural,
		evaluator:  evaluator,
		prov:       prov,
		log:        log,
		now:        time.Now,
	}
}

type idResponse struct {
	ID string `json:"id"`
}

type idsResponse struct {
	IDs []string `json:"ids"`
}

type resultsResponse struct {
	Results interface{} `json:"results"`
}

type resultResponse struct {
	Result interface{} `json:"result"`
}

type removedResponse struct {
	Removed int `json:"removed"`
}

// resolveSource fills an absent provenance source from the x-source
// header. The module still assigns recorded_at and the final "unknown"
// fallback.
func resolveSource(p *memory.Provenance, r *http.Request) *memory.Provenance {
	hdr := r.Header.Get(sourceHeader)
	if hdr == "" {
		return p
	}
	if p == nil {
		return &memory.Provenance{Source: hdr}
	}
	if p.Source == "" {
		p.Source = hdr
	}
	return p
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apierrors.Validation("invalid limit", map[string]interface{}{
			"limit": "must be an integer",
		})
	}
	return n, nil
}

// dedicatedWriteEndpoint names where non-episodic records are written.
var dedicatedWriteEndpoint = map[memory.MemoryType]string{
	memory.TypeSemantic:   "POST /semantic_consolidate",
	memory.TypeTemporal:   "POST /temporal_consolidate",
	memory.TypeProcedural: "POST /skill",
	memory.TypeEvaluator:  "POST /evaluator_memory",
}

type consolidateRequest struct {
	Record     json.RawMessage `json:"record"`
	MemoryType string          `json:"memory_type"`
}

// episodicWrite is the caller-settable subset of an episodic record.
type episodicWrite struct {
	TaskQuery  string             `json:"task_query"`
	Outcome    string             `json:"outcome"`
	Plan       interface{}        `json:"plan"`
	Score      float64            `json:"score"`
	Provenance *memory.Provenance `json:"provenance"`
}

// Consolidate handles POST /memory.
func (h *MemoryHandler) Consolidate(w http.ResponseWriter, r *http.Request) {
	var req consolidateRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, h.log, r, err)
		return
	}

	mt := memory.TypeEpisodic
	if req.MemoryType != "" {
		mt = memory.MemoryType(req.MemoryType)
	}
	if mt != memory.TypeEpisodic {
		if endpoint, ok := dedicatedWriteEndpoint[mt]; ok {
			writeError(w, h.log, r, apierrors.Validation("direct writes accept episodic records only", map[string]interface{}{
				"memory_type": fmt.Sprintf("%s records are written via %s", mt, endpoint),
			}))
		} else {
			writeError(w, h.log, r, apierrors.Validation("unknown memory type", map[string]interface{}{
				"memory_type": fmt.Sprintf("%q is not a memory type", req.MemoryType),
			}))
		}
		return
	}
	if !rawPresent(req.Record) {
		writeError(w, h.log, r, apierrors.Validation("record required", map[string]interface{}{
			"record": "expected an episodic record object",
		}))
		return
	}

	var rec episodicWrite
	if err := strictUnmarshal(req.Record, &rec); err != nil {
		writeError(w, h.log, r, err)
		return
	}

	id, err := h.episodic.Consolidate(r.Context(), memory.EpisodicRecord{
		TaskQuery:  rec.TaskQuery,
		Outcome:    rec.Outcome,
		Plan:       rec.Plan,
		Score:      rec.Score,
		Provenance: resolveSource(rec.Provenance, r),
	})
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	writeJSON(w, http.StatusOK, idResponse{ID: id})
}

type retrieveRequest struct {
	Query json.RawMessage `json:"query"`
	// TaskContext is the deprecated alias for Query; Query wins when
	// both are present.
	TaskContext json.RawMessage `json:"task_context"`
}

func (req retrieveRequest) effectiveQuery() json.RawMessage {
	if rawPresent(req.Query) {
		return req.Query
	}
	if rawPresent(req.TaskContext) {
		return req.TaskContext
	}
	return nil
}

// semanticFilterQuery is the retrieval filter for semantic triples;
// absent fields are wildcards.
type semanticFilterQuery struct {
	Subject   string `json:"subject"`
	Predicate string `json:"predicate"`
	Object    string `json:"object"`
}

// temporalSnapshotQuery selects the believed fact for one pair;
// valid_at and tx_at default to now.
type temporalSnapshotQuery struct {
	Subject   string   `json:"subject"`
	Predicate string   `json:"predicate"`
	ValidAt   *float64 `json:"valid_at"`
	TxAt      *float64 `json:"tx_at"`
}

// Retrieve handles GET /memory, dispatching on the memory_type query
// parameter (default episodic).
func (h *MemoryHandler) Retrieve(w http.ResponseWriter, r *http.Request) {
	var req retrieveRequest
	if err := decodeBody(r, &req, true); err != nil {
		writeError(w, h.log, r, err)
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}

	mt := memory.TypeEpisodic
	if raw := r.URL.Query().Get("memory_type"); raw != "" {
		mt = memory.MemoryType(raw)
	}
	if !mt.Valid() {
		writeError(w, h.log, r, apierrors.Validation("unknown memory type", map[string]interface{}{
			"memory_type": "one of episodic, semantic, temporal, procedural, evaluator",
		}))
		return
	}

	raw := req.effectiveQuery()
	ctx := r.Context()

	switch mt {
	case memory.TypeEpisodic:
		q, qErr := memory.ParseQuery(parseAny(raw))
		if qErr != nil {
			writeError(w, h.log, r, qErr)
			return
		}
		recs, rErr := h.episodic.Retrieve(ctx, q, limit)
		if rErr != nil {
			writeError(w, h.log, r, rErr)
			return
		}
		writeJSON(w, http.StatusOK, resultsResponse{Results: orEmpty(recs)})

	case memory.TypeSemantic:
		var filter semanticFilterQuery
		if raw != nil {
			if fErr := strictUnmarshal(raw, &filter); fErr != nil {
				writeError(w, h.log, r, fErr)
				return
			}
		}
		triples, rErr := h.semantic.Retrieve(ctx, graphdb.TripleFilter{
			Subject:   filter.Subject,
			Predicate: filter.Predicate,
			Object:    filter.Object,
		}, limit)
		if rErr != nil {
			writeError(w, h.log, r, rErr)
			return
		}
		writeJSON(w, http.StatusOK, resultsResponse{Results: orEmpty(triples)})

	case memory.TypeTemporal:
		if raw == nil {
			writeError(w, h.log, r, apierrors.Validation("temporal retrieval requires a snapshot query", map[string]interface{}{
				"query": "object with subject, predicate, optional valid_at and tx_at",
			}))
			return
		}
		var q temporalSnapshotQuery
		if fErr := strictUnmarshal(raw, &q); fErr != nil {
			writeError(w, h.log, r, fErr)
			return
		}
		now := unixSeconds(h.now())
		validAt, txAt := now, now
		if q.ValidAt != nil {
			validAt = *q.ValidAt
		}
		if q.TxAt != nil {
			txAt = *q.TxAt
		}
		facts, rErr := h.temporal.Snapshot(ctx, []graphdb.PairFilter{{Subject: q.Subject, Predicate: q.Predicate}}, validAt, txAt)
		if rErr != nil {
			writeError(w, h.log, r, rErr)
			return
		}
		writeJSON(w, http.StatusOK, resultsResponse{Results: orEmpty(facts)})

	case memory.TypeProcedural:
		q, qErr := memory.ParseQuery(parseAny(raw))
		if qErr != nil {
			writeError(w, h.log, r, qErr)
			return
		}
		skills, rErr := h.procedural.VectorQuery(ctx, q, limit)
		if rErr != nil {
			writeError(w, h.log, r, rErr)
			return
		}
		writeJSON(w, http.StatusOK, resultsResponse{Results: orEmpty(skills)})

	case memory.TypeEvaluator:
		critiques, rErr := h.evaluator.Retrieve(ctx, parseAny(raw), limit)
		if rErr != nil {
			writeError(w, h.log, r, rErr)
			return
		}
		writeJSON(w, http.StatusOK, resultsResponse{Results: orEmpty(critiques)})
	}
}

type forgetRequest struct {
	IDs           []string               `json:"ids"`
	OlderThanDays *float64               `json:"older_than_days"`
	Metadata      map[string]interface{} `json:"metadata"`
}

// Forget handles DELETE /forget against the episodic store.
func (h *MemoryHandler) Forget(w http.ResponseWriter, r *http.Request) {
	var req forgetRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, h.log, r, err)
		return
	}

	removed, err := h.episodic.Forget(r.Context(), memory.ForgetPredicate{
		IDs:           req.IDs,
		OlderThanDays: req.OlderThanDays,
		Metadata:      req.Metadata,
	})
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	writeJSON(w, http.StatusOK, removedResponse{Removed: removed})
}

// Provenance handles GET /provenance/{memory_type}/{record_id}.
func (h *MemoryHandler) Provenance(w http.ResponseWriter, r *http.Request) {
	mt := memory.MemoryType(r.PathValue("memory_type"))
	if !mt.Valid() {
		writeError(w, h.log, r, apierrors.Validation("unknown memory type", map[string]interface{}{
			"memory_type": "one of episodic, semantic, temporal, procedural, evaluator",
		}))
		return
	}

	p, err := h.prov.Lookup(r.Context(), mt, r.PathValue("record_id"))
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
