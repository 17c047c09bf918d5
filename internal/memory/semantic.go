package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/tessellate-ai/ltm/internal/apierrors"
	"github.com/tessellate-ai/ltm/internal/graphdb"
	"github.com/tessellate-ai/ltm/internal/metrics"
)

// Semantic stores triples in the graph and serves filter retrievals
// over them. MERGE identity makes every write idempotent, so a caller
// may safely retry any failed consolidation.
type Semantic struct {
	graph graphdb.GraphStore
	prov  *ProvenanceStore
	log   *zap.Logger
	now   func() time.Time
}

// NewSemantic wires the semantic module.
func NewSemantic(graph graphdb.GraphStore, prov *ProvenanceStore, logger *zap.Logger) *Semantic {
	return &Semantic{graph: graph, prov: prov, log: logger, now: time.Now}
}

func validateSemanticTriple(t SemanticTriple) map[string]interface{} {
	detail := make(map[string]interface{})
	if t.Subject == "" {
		detail["payload.subject"] = "required"
	}
	if t.Predicate == "" {
		detail["payload.predicate"] = "required"
	}
	if t.Object == "" {
		detail["payload.object"] = "required"
	}
	if t.Confidence != nil && !validScore(*t.Confidence) {
		detail["payload.confidence"] = fmt.Sprintf("must be in [0,1], got %v", *t.Confidence)
	}
	if len(detail) == 0 {
		return nil
	}
	return detail
}

// ConsolidateTriple merges one jsonld triple and returns the relation
// id. There is no compensating delete: MERGE may have matched
// pre-existing graph state, and a retry after a failed provenance write
// re-merges idempotently.
func (m *Semantic) ConsolidateTriple(ctx context.Context, t SemanticTriple) (string, error) {
	if detail := validateSemanticTriple(t); detail != nil {
		return "", apierrors.Validation("invalid semantic triple", detail)
	}
	now := unixSeconds(m.now())
	prov := resolveProvenance(t.Provenance, now)

	id, err := m.graph.MergeTriple(ctx, graphdb.Triple{
		Subject:    t.Subject,
		Predicate:  t.Predicate,
		Object:     t.Object,
		Confidence: t.Confidence,
		Source:     prov.Source,
		RecordedAt: prov.RecordedAt,
	})
	if err != nil {
		metrics.RecordConsolidation(string(TypeSemantic), "error")
		return "", classify("semantic consolidate", err)
	}
	if err := m.prov.Record(ctx, TypeSemantic, id, prov); err != nil {
		metrics.RecordConsolidation(string(TypeSemantic), "error")
		return "", classify("semantic consolidate", err)
	}
	metrics.RecordConsolidation(string(TypeSemantic), "ok")
	return id, nil
}

// ConsolidateCypher executes a raw statement and returns its rows. The
// in-memory fallback rejects this with a validation error rather than
// pretending to be a Cypher engine.
func (m *Semantic) ConsolidateCypher(ctx context.Context, statement string) ([]map[string]interface{}, error) {
	if statement == "" {
		return nil, apierrors.Validation("cypher payload must be a non-empty statement", map[string]interface{}{
			"payload": "empty",
		})
	}
	rows, err := m.graph.Run(ctx, statement, nil)
	if err != nil {
		metrics.RecordConsolidation(string(TypeSemantic), "error")
		return nil, classify("semantic consolidate", err)
	}
	metrics.RecordConsolidation(string(TypeSemantic), "ok")
	if rows == nil {
		rows = []map[string]interface{}{}
	}
	return rows, nil
}

// PropagateSubgraph merges entities and relations in one graph
// transaction: all relations land or none do. Provenance is written
// per relation after the commit; a failure there surfaces, and the
// idempotent re-merge on retry heals the gap.
func (m *Semantic) PropagateSubgraph(ctx context.Context, entities []graphdb.Entity, relations []SemanticTriple) ([]string, error) {
	detail := make(map[string]interface{})
	for i, e := range entities {
		if e.Name == "" {
			detail[fmt.Sprintf("entities[%d].name", i)] = "required"
		}
	}
	for i, t := range relations {
		for field, reason := range validateSemanticTriple(t) {
			detail[fmt.Sprintf("relations[%d].%s", i, field[len("payload."):])] = reason
		}
	}
	if len(detail) > 0 {
		return nil, apierrors.Validation("invalid subgraph", detail)
	}
	if len(relations) == 0 && len(entities) == 0 {
		return nil, apierrors.Validation("subgraph must not be empty", map[string]interface{}{
			"entities":  "empty",
			"relations": "empty",
		})
	}

	now := unixSeconds(m.now())
	triples := make([]graphdb.Triple, 0, len(relations))
	provs := make([]Provenance, 0, len(relations))
	for _, t := range relations {
		prov := resolveProvenance(t.Provenance, now)
		provs = append(provs, prov)
		triples = append(triples, graphdb.Triple{
			Subject:    t.Subject,
			Predicate:  t.Predicate,
			Object:     t.Object,
			Confidence: t.Confidence,
			Source:     prov.Source,
			RecordedAt: prov.RecordedAt,
		})
	}

	ids, err := m.graph.MergeSubgraph(ctx, entities, triples)
	if err != nil {
		metrics.RecordConsolidation(string(TypeSemantic), "error")
		return nil, classify("propagate subgraph", err)
	}
	for i, id := range ids {
		if err := m.prov.Record(ctx, TypeSemantic, id, provs[i]); err != nil {
			metrics.RecordConsolidation(string(TypeSemantic), "error")
			return nil, classify("propagate subgraph", err)
		}
	}
	metrics.RecordConsolidation(string(TypeSemantic), "ok")
	return ids, nil
}

// Retrieve returns triples matching any subset of subject, predicate,
// object; missing fields are wildcards. Order: descending confidence
// (absent = 0), then insertion order.
func (m *Semantic) Retrieve(ctx context.Context, f graphdb.TripleFilter, limit int) ([]SemanticTriple, error) {
	limit, err := NormalizeLimit(limit)
	if err != nil {
		return nil, err
	}
	triples, err := m.graph.QueryTriples(ctx, f)
	if err != nil {
		return nil, classify("semantic retrieve", err)
	}

	sort.SliceStable(triples, func(i, j int) bool {
		ci, cj := confidenceOrZero(triples[i].Confidence), confidenceOrZero(triples[j].Confidence)
		if ci != cj {
			return ci > cj
		}
		return triples[i].Seq < triples[j].Seq
	})
	if len(triples) > limit {
		triples = triples[:limit]
	}

	out := make([]SemanticTriple, 0, len(triples))
	for _, t := range triples {
		out = append(out, SemanticTriple{
			ID:         graphdb.RelationID(t.Subject, t.Predicate, t.Object),
			Subject:    t.Subject,
			Predicate:  t.Predicate,
			Object:     t.Object,
			Confidence: t.Confidence,
		})
	}
	metrics.RecordRetrieval(string(TypeSemantic), len(out))
	return out, nil
}

func confidenceOrZero(c *float64) float64 {
	if c == nil {
		return 0
	}
	return *c
}
