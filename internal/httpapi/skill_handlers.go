package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/tessellate-ai/ltm/internal/apierrors"
	"github.com/tessellate-ai/ltm/internal/memory"
)

// SkillHandler serves the procedural memory surface.
type SkillHandler struct {
	procedural *memory.Procedural
	log        *zap.Logger
}

func NewSkillHandler(procedural *memory.Procedural, log *zap.Logger) *SkillHandler {
	return &SkillHandler{procedural: procedural, log: log}
}

type skillWriteRequest struct {
	Policy json.RawMessage `json:"skill_policy"`
	// Representation is either the text to embed or a precomputed
	// vector of the embedder's dimension.
	Representation json.RawMessage        `json:"skill_representation"`
	Metadata       map[string]interface{} `json:"skill_metadata"`
	Provenance     *memory.Provenance     `json:"provenance"`
}

// Store handles POST /skill.
func (h *SkillHandler) Store(w http.ResponseWriter, r *http.Request) {
	var req skillWriteRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, h.log, r, err)
		return
	}

	in := memory.SkillInput{
		Policy:     parseAny(req.Policy),
		Metadata:   req.Metadata,
		Provenance: resolveSource(req.Provenance, r),
	}
	if err := parseRepresentation(req.Representation, &in); err != nil {
		writeError(w, h.log, r, err)
		return
	}

	id, err := h.procedural.Store(r.Context(), in)
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	writeJSON(w, http.StatusOK, idResponse{ID: id})
}

// parseRepresentation sniffs the representation shape: a string embeds,
// a numeric array is used directly. Presence checks stay with the
// module.
func parseRepresentation(raw json.RawMessage, in *memory.SkillInput) error {
	if !rawPresent(raw) {
		return nil
	}
	switch rep := parseAny(raw).(type) {
	case string:
		in.Text = rep
	case []interface{}:
		vec := make([]float32, len(rep))
		for i, elem := range rep {
			n, ok := elem.(float64)
			if !ok {
				return apierrors.Validation("invalid skill representation", map[string]interface{}{
					"skill_representation": fmt.Sprintf("element %d is not a number", i),
				})
			}
			vec[i] = float32(n)
		}
		in.Vector = vec
	default:
		return apierrors.Validation("invalid skill representation", map[string]interface{}{
			"skill_representation": "must be a string or a numeric vector",
		})
	}
	return nil
}

type skillQueryRequest struct {
	Query json.RawMessage `json:"query"`
	Limit int             `json:"limit"`
}

// VectorQuery handles POST /skill_vector_query. Metadata queries route
// through the same path the dedicated endpoint uses.
func (h *SkillHandler) VectorQuery(w http.ResponseWriter, r *http.Request) {
	var req skillQueryRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, h.log, r, err)
		return
	}

	q, err := memory.ParseQuery(parseAny(req.Query))
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	skills, err := h.procedural.VectorQuery(r.Context(), q, req.Limit)
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resultsResponse{Results: orEmpty(skills)})
}

type skillMetadataQueryRequest struct {
	Filter map[string]interface{} `json:"filter"`
	Limit  int                    `json:"limit"`
}

// MetadataQuery handles POST /skill_metadata_query.
func (h *SkillHandler) MetadataQuery(w http.ResponseWriter, r *http.Request) {
	var req skillMetadataQueryRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, h.log, r, err)
		return
	}

	skills, err := h.procedural.MetadataQuery(r.Context(), req.Filter, req.Limit)
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resultsResponse{Results: orEmpty(skills)})
}
