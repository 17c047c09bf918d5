package httpapi

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/tessellate-ai/ltm/internal/memory"
)

// EvaluatorHandler serves critique storage and retrieval.
type EvaluatorHandler struct {
	evaluator *memory.Evaluator
	log       *zap.Logger
}

func NewEvaluatorHandler(evaluator *memory.Evaluator, log *zap.Logger) *EvaluatorHandler {
	return &EvaluatorHandler{evaluator: evaluator, log: log}
}

type critiqueWriteRequest struct {
	Payload json.RawMessage `json:"critique_payload"`
	// QueryContext is fingerprinted; later retrievals with an
	// equivalent context find this critique.
	QueryContext json.RawMessage    `json:"query_context"`
	Provenance   *memory.Provenance `json:"provenance"`
}

// Store handles POST /evaluator_memory.
func (h *EvaluatorHandler) Store(w http.ResponseWriter, r *http.Request) {
	var req critiqueWriteRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, h.log, r, err)
		return
	}

	id, err := h.evaluator.Store(r.Context(), parseAny(req.Payload), parseAny(req.QueryContext), resolveSource(req.Provenance, r))
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	writeJSON(w, http.StatusOK, idResponse{ID: id})
}

// Retrieve handles GET /evaluator_memory.
func (h *EvaluatorHandler) Retrieve(w http.ResponseWriter, r *http.Request) {
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

	critiques, err := h.evaluator.Retrieve(r.Context(), parseAny(req.effectiveQuery()), limit)
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resultsResponse{Results: orEmpty(critiques)})
}

type forgetEvaluatorRequest struct {
	IDs           []string        `json:"ids"`
	Query         json.RawMessage `json:"query"`
	OlderThanDays *float64        `json:"older_than_days"`
}

// Forget handles DELETE /forget_evaluator.
func (h *EvaluatorHandler) Forget(w http.ResponseWriter, r *http.Request) {
	var req forgetEvaluatorRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, h.log, r, err)
		return
	}

	removed, err := h.evaluator.Forget(r.Context(), memory.EvaluatorForgetPredicate{
		IDs:           req.IDs,
		Query:         parseAny(req.Query),
		OlderThanDays: req.OlderThanDays,
	})
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	writeJSON(w, http.StatusOK, removedResponse{Removed: removed})
}
