package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tessellate-ai/ltm/internal/apierrors"
	"github.com/tessellate-ai/ltm/internal/embeddings"
	"github.com/tessellate-ai/ltm/internal/kvstore"
	"github.com/tessellate-ai/ltm/internal/metrics"
	"github.com/tessellate-ai/ltm/internal/vectordb"
)

// SkillCollection is the vector collection backing skill
// representations; policies live in the key-value bucket of the same
// name.
const SkillCollection = "skills"

const skillBucket = "skills"

// Procedural stores skills across two stores: the representation
// vector and metadata in the vector store, the policy blob in the
// key-value store.
type Procedural struct {
	vectors vectordb.VectorStore
	kv      kvstore.KeyValueStore
	embed   embeddings.Embedder
	prov    *ProvenanceStore
	log     *zap.Logger
	now     func() time.Time
	newID   func() string
}

// NewProcedural wires the procedural module.
func NewProcedural(vectors vectordb.VectorStore, kv kvstore.KeyValueStore, embed embeddings.Embedder, prov *ProvenanceStore, logger *zap.Logger) *Procedural {
	return &Procedural{
		vectors: vectors,
		kv:      kv,
		embed:   embed,
		prov:    prov,
		log:     logger,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// EnsureCollection creates the backing collection sized to the embedder
// dimension. Called once at startup.
func (m *Procedural) EnsureCollection(ctx context.Context) error {
	return m.vectors.EnsureCollection(ctx, SkillCollection, m.embed.Dimension())
}

func (m *Procedural) validateInput(in SkillInput) map[string]interface{} {
	detail := make(map[string]interface{})
	if in.Policy == nil {
		detail["skill_policy"] = "required"
	}
	hasText := in.Text != ""
	hasVector := len(in.Vector) > 0
	switch {
	case hasText && hasVector:
		detail["skill_representation"] = "exactly one of text or vector, got both"
	case !hasText && !hasVector:
		detail["skill_representation"] = "exactly one of text or vector, got neither"
	case hasVector && len(in.Vector) != m.embed.Dimension():
		detail["skill_representation"] = fmt.Sprintf("vector must have dimension %d, got %d",
			m.embed.Dimension(), len(in.Vector))
	}
	if len(detail) == 0 {
		return nil
	}
	return detail
}

// Store persists one skill. Three writes land in order (vector point,
// policy blob, provenance) and a failure at any later step compensates
// the earlier ones with best-effort deletes, so a failed call leaves no
// orphaned state.
func (m *Procedural) Store(ctx context.Context, in SkillInput) (string, error) {
	if detail := m.validateInput(in); detail != nil {
		return "", apierrors.Validation("invalid skill", detail)
	}

	vec := in.Vector
	if in.Text != "" {
		embedded, err := m.embed.Embed(ctx, in.Text)
		if err != nil {
			metrics.RecordConsolidation(string(TypeProcedural), "error")
			return "", classify("skill store", err)
		}
		vec = embedded
	}

	now := unixSeconds(m.now())
	id := m.newID()
	prov := resolveProvenance(in.Provenance, now)

	policy, err := json.Marshal(in.Policy)
	if err != nil {
		return "", apierrors.Validation("skill_policy is not serializable", map[string]interface{}{
			"skill_policy": err.Error(),
		})
	}

	payload := map[string]interface{}{
		"created_at": now,
	}
	if in.Text != "" {
		payload["skill_representation"] = in.Text
	}
	if len(in.Metadata) > 0 {
		payload["skill_metadata"] = in.Metadata
	}

	point := vectordb.Point{ID: id, Vector: vec, Payload: payload}
	if err := m.vectors.Upsert(ctx, SkillCollection, []vectordb.Point{point}); err != nil {
		metrics.RecordConsolidation(string(TypeProcedural), "error")
		return "", classify("skill store", err)
	}
	if err := m.kv.Put(ctx, skillBucket, id, policy); err != nil {
		m.compensate(ctx, id, false)
		metrics.RecordConsolidation(string(TypeProcedural), "error")
		return "", classify("skill store", err)
	}
	if err := m.prov.Record(ctx, TypeProcedural, id, prov); err != nil {
		m.compensate(ctx, id, true)
		metrics.RecordConsolidation(string(TypeProcedural), "error")
		return "", classify("skill store", err)
	}
	metrics.RecordConsolidation(string(TypeProcedural), "ok")
	return id, nil
}

func (m *Procedural) compensate(ctx context.Context, id string, policyWritten bool) {
	if err := m.vectors.Delete(ctx, SkillCollection, []string{id}); err != nil {
		m.log.Warn("compensating vector delete failed", zap.String("id", id), zap.Error(err))
	}
	if policyWritten {
		if err := m.kv.Delete(ctx, skillBucket, id); err != nil {
			m.log.Warn("compensating policy delete failed", zap.String("id", id), zap.Error(err))
		}
	}
}

// VectorQuery serves text and vector queries by cosine similarity; a
// metadata query routes to MetadataQuery. Ties break by descending
// creation time.
func (m *Procedural) VectorQuery(ctx context.Context, q Query, limit int) ([]Skill, error) {
	limit, err := NormalizeLimit(limit)
	if err != nil {
		return nil, err
	}

	var vec []float32
	switch q.Kind {
	case QueryText:
		vec, err = m.embed.Embed(ctx, q.Text)
		if err != nil {
			return nil, classify("skill query", err)
		}
	case QueryVector:
		if len(q.Vector) != m.embed.Dimension() {
			return nil, apierrors.Validation("query vector has the wrong dimension", map[string]interface{}{
				"query": fmt.Sprintf("expected dimension %d, got %d", m.embed.Dimension(), len(q.Vector)),
			})
		}
		vec = q.Vector
	case QueryMetadata:
		return m.MetadataQuery(ctx, q.Metadata, limit)
	default:
		return nil, apierrors.Validation("unsupported query", map[string]interface{}{
			"query": "must be text, a vector, or a metadata object",
		})
	}

	hits, err := m.vectors.Search(ctx, SkillCollection, vec, limit*3)
	if err != nil {
		return nil, classify("skill query", err)
	}
	skills := make([]Skill, 0, len(hits))
	for _, h := range hits {
		s := skillFromPayload(h.ID, h.Payload)
		s.Similarity = h.Score
		skills = append(skills, s)
	}
	sortSkills(skills)
	if len(skills) > limit {
		skills = skills[:limit]
	}
	if err := m.hydratePolicies(ctx, skills); err != nil {
		return nil, err
	}
	metrics.RecordRetrieval(string(TypeProcedural), len(skills))
	return skills, nil
}

// MetadataQuery returns skills whose metadata contains every filter
// field with an equal value, newest first. Unknown keys match nothing.
func (m *Procedural) MetadataQuery(ctx context.Context, filter map[string]interface{}, limit int) ([]Skill, error) {
	limit, err := NormalizeLimit(limit)
	if err != nil {
		return nil, err
	}
	if len(filter) == 0 {
		return nil, apierrors.Validation("metadata query requires at least one field", map[string]interface{}{
			"filter": "empty",
		})
	}

	var skills []Skill
	err = m.vectors.Scroll(ctx, SkillCollection, func(p vectordb.Point) bool {
		meta, _ := p.Payload["skill_metadata"].(map[string]interface{})
		if meta == nil {
			return true
		}
		if payloadMatches(meta, filter) {
			skills = append(skills, skillFromPayload(p.ID, p.Payload))
		}
		return true
	})
	if err != nil {
		return nil, classify("skill metadata query", err)
	}

	sortSkills(skills)
	if len(skills) > limit {
		skills = skills[:limit]
	}
	if err := m.hydratePolicies(ctx, skills); err != nil {
		return nil, err
	}
	metrics.RecordRetrieval(string(TypeProcedural), len(skills))
	return skills, nil
}

// hydratePolicies attaches the policy blob to each result. A missing
// blob is an interrupted dual write: logged and served without the
// policy rather than failing the whole retrieval.
func (m *Procedural) hydratePolicies(ctx context.Context, skills []Skill) error {
	for i := range skills {
		buf, err := m.kv.Get(ctx, skillBucket, skills[i].ID)
		if err != nil {
			if errors.Is(err, kvstore.ErrKeyNotFound) {
				m.log.Warn("skill has no policy blob", zap.String("id", skills[i].ID))
				continue
			}
			return classify("skill query", err)
		}
		var policy interface{}
		if err := json.Unmarshal(buf, &policy); err != nil {
			m.log.Warn("skill policy blob is not valid JSON", zap.String("id", skills[i].ID), zap.Error(err))
			continue
		}
		skills[i].Policy = policy
	}
	return nil
}

// sortSkills orders by descending similarity, then newest first.
// Metadata results have zero similarity everywhere, so recency becomes
// their primary order.
func sortSkills(skills []Skill) {
	sort.SliceStable(skills, func(i, j int) bool {
		if skills[i].Similarity != skills[j].Similarity {
			return skills[i].Similarity > skills[j].Similarity
		}
		return skills[i].CreatedAt > skills[j].CreatedAt
	})
}

func skillFromPayload(id string, payload map[string]interface{}) Skill {
	meta, _ := payload["skill_metadata"].(map[string]interface{})
	return Skill{
		ID:        id,
		Text:      payloadString(payload, "skill_representation"),
		Metadata:  meta,
		CreatedAt: payloadFloat(payload, "created_at"),
	}
}
