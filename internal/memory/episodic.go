package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tessellate-ai/ltm/internal/apierrors"
	"github.com/tessellate-ai/ltm/internal/embeddings"
	"github.com/tessellate-ai/ltm/internal/metrics"
	"github.com/tessellate-ai/ltm/internal/vectordb"
)

// EpisodicCollection is the vector collection backing task experiences.
const EpisodicCollection = "episodic_records"

// Episodic stores task experiences in the vector store and serves
// similarity, metadata, and forgetting operations over them.
type Episodic struct {
	vectors vectordb.VectorStore
	embed   embeddings.Embedder
	prov    *ProvenanceStore
	log     *zap.Logger

	now   func() time.Time
	newID func() string

	// idLocks serialize the read-modify-write of per-record access
	// stats; reads of whole records never take them.
	idLocks [stripeCount]sync.Mutex
}

// NewEpisodic wires the episodic module.
func NewEpisodic(vectors vectordb.VectorStore, embed embeddings.Embedder, prov *ProvenanceStore, logger *zap.Logger) *Episodic {
	return &Episodic{
		vectors: vectors,
		embed:   embed,
		prov:    prov,
		log:     logger,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// EnsureCollection creates the backing collection sized to the embedder
// dimension. Called once at startup.
func (m *Episodic) EnsureCollection(ctx context.Context) error {
	return m.vectors.EnsureCollection(ctx, EpisodicCollection, m.embed.Dimension())
}

func validateEpisodic(rec EpisodicRecord) map[string]interface{} {
	detail := make(map[string]interface{})
	if rec.TaskQuery == "" {
		detail["record.task_query"] = "required"
	}
	if !validScore(rec.Score) {
		detail["record.score"] = fmt.Sprintf("must be in [0,1], got %v", rec.Score)
	}
	if len(detail) == 0 {
		return nil
	}
	return detail
}

// Consolidate embeds the task query, assigns identity and timestamps,
// and publishes the record. The vector upsert and the provenance write
// are two stores; a failed provenance write triggers a compensating
// delete of the point so a failed call leaves nothing behind.
func (m *Episodic) Consolidate(ctx context.Context, rec EpisodicRecord) (string, error) {
	if detail := validateEpisodic(rec); detail != nil {
		return "", apierrors.Validation("invalid episodic record", detail)
	}
	vec, err := m.embed.Embed(ctx, rec.TaskQuery)
	if err != nil {
		metrics.RecordConsolidation(string(TypeEpisodic), "error")
		return "", classify("episodic consolidate", err)
	}

	now := unixSeconds(m.now())
	rec.ID = m.newID()
	rec.CreatedAt = now
	rec.LastAccessedAt = now
	rec.AccessCount = 0
	prov := resolveProvenance(rec.Provenance, now)

	point := vectordb.Point{ID: rec.ID, Vector: vec, Payload: episodicPayload(rec)}
	if err := m.vectors.Upsert(ctx, EpisodicCollection, []vectordb.Point{point}); err != nil {
		metrics.RecordConsolidation(string(TypeEpisodic), "error")
		return "", classify("episodic consolidate", err)
	}
	if err := m.prov.Record(ctx, TypeEpisodic, rec.ID, prov); err != nil {
		if delErr := m.vectors.Delete(ctx, EpisodicCollection, []string{rec.ID}); delErr != nil {
			m.log.Warn("compensating delete failed after provenance write error",
				zap.String("id", rec.ID), zap.Error(delErr))
		}
		metrics.RecordConsolidation(string(TypeEpisodic), "error")
		return "", classify("episodic consolidate", err)
	}
	metrics.RecordConsolidation(string(TypeEpisodic), "ok")
	return rec.ID, nil
}

// Retrieve serves text, vector, and metadata queries. Every returned
// record has its access stats bumped; the returned snapshots carry the
// post-bump values.
func (m *Episodic) Retrieve(ctx context.Context, q Query, limit int) ([]EpisodicRecord, error) {
	limit, err := NormalizeLimit(limit)
	if err != nil {
		return nil, err
	}

	var recs []EpisodicRecord
	switch q.Kind {
	case QueryText:
		vec, embErr := m.embed.Embed(ctx, q.Text)
		if embErr != nil {
			return nil, classify("episodic retrieve", embErr)
		}
		recs, err = m.bySimilarity(ctx, vec, limit)
	case QueryVector:
		if len(q.Vector) != m.embed.Dimension() {
			return nil, apierrors.Validation("query vector has the wrong dimension", map[string]interface{}{
				"query": fmt.Sprintf("expected dimension %d, got %d", m.embed.Dimension(), len(q.Vector)),
			})
		}
		recs, err = m.bySimilarity(ctx, q.Vector, limit)
	case QueryMetadata:
		recs, err = m.byMetadata(ctx, q.Metadata, limit)
	default:
		return nil, apierrors.Validation("unsupported query", map[string]interface{}{
			"query": "must be text, a vector, or a metadata object",
		})
	}
	if err != nil {
		return nil, classify("episodic retrieve", err)
	}

	metrics.RecordRetrieval(string(TypeEpisodic), len(recs))
	m.touch(ctx, recs)
	return recs, nil
}

// bySimilarity over-fetches so records tied on similarity at the cut
// line are ordered by the documented tie rule before trimming.
func (m *Episodic) bySimilarity(ctx context.Context, vec []float32, limit int) ([]EpisodicRecord, error) {
	hits, err := m.vectors.Search(ctx, EpisodicCollection, vec, limit*3)
	if err != nil {
		return nil, err
	}
	recs := make([]EpisodicRecord, 0, len(hits))
	for _, h := range hits {
		rec := episodicFromPayload(h.ID, h.Payload)
		rec.Similarity = h.Score
		recs = append(recs, rec)
	}
	sortEpisodic(recs)
	if len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

func (m *Episodic) byMetadata(ctx context.Context, filter map[string]interface{}, limit int) ([]EpisodicRecord, error) {
	var recs []EpisodicRecord
	err := m.vectors.Scroll(ctx, EpisodicCollection, func(p vectordb.Point) bool {
		if payloadMatches(p.Payload, filter) {
			recs = append(recs, episodicFromPayload(p.ID, p.Payload))
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	sortEpisodic(recs)
	if len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

// sortEpisodic orders by descending similarity, then descending score,
// then ascending creation time. Metadata results have zero similarity
// everywhere, so the tie rule becomes their primary order.
func sortEpisodic(recs []EpisodicRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].Similarity != recs[j].Similarity {
			return recs[i].Similarity > recs[j].Similarity
		}
		if recs[i].Score != recs[j].Score {
			return recs[i].Score > recs[j].Score
		}
		return recs[i].CreatedAt < recs[j].CreatedAt
	})
}

// touch bumps access stats for every retrieved record. Failures degrade
// to the stored values: retrieval itself already succeeded.
func (m *Episodic) touch(ctx context.Context, recs []EpisodicRecord) {
	now := unixSeconds(m.now())
	for i := range recs {
		count, err := m.bumpAccess(ctx, recs[i].ID, now)
		if err != nil {
			m.log.Warn("access stat update failed",
				zap.String("id", recs[i].ID), zap.Error(err))
			continue
		}
		recs[i].LastAccessedAt = now
		recs[i].AccessCount = count
	}
}

// bumpAccess performs the read-modify-write under the id's stripe lock
// so concurrent retrievals of the same record never lose increments.
func (m *Episodic) bumpAccess(ctx context.Context, id string, now float64) (int64, error) {
	lock := &m.idLocks[stripeFor(id)]
	lock.Lock()
	defer lock.Unlock()

	p, err := m.vectors.Fetch(ctx, EpisodicCollection, id)
	if err != nil {
		return 0, err
	}
	count := payloadInt(p.Payload, "access_count") + 1
	err = m.vectors.SetPayloadFields(ctx, EpisodicCollection, id, map[string]interface{}{
		"access_count":     float64(count),
		"last_accessed_at": now,
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// ForgetPredicate selects episodic records for removal. Supplied
// clauses combine conjunctively; at least one must be present.
type ForgetPredicate struct {
	IDs           []string
	OlderThanDays *float64
	Metadata      map[string]interface{}
}

func (p ForgetPredicate) empty() bool {
	return len(p.IDs) == 0 && p.OlderThanDays == nil && len(p.Metadata) == 0
}

// Forget removes every record matching the predicate and returns how
// many actually existed. Re-running the same predicate removes nothing,
// so the operation is idempotent.
func (m *Episodic) Forget(ctx context.Context, pred ForgetPredicate) (int, error) {
	if pred.empty() {
		return 0, apierrors.Validation("forget requires a predicate", map[string]interface{}{
			"predicate": "at least one of ids, older_than_days, metadata",
		})
	}
	if pred.OlderThanDays != nil && *pred.OlderThanDays < 0 {
		return 0, apierrors.Validation("invalid forget predicate", map[string]interface{}{
			"older_than_days": "must be non-negative",
		})
	}

	victims, err := m.resolveVictims(ctx, pred)
	if err != nil {
		return 0, classify("episodic forget", err)
	}
	return m.ForgetIDs(ctx, victims)
}

func (m *Episodic) resolveVictims(ctx context.Context, pred ForgetPredicate) ([]string, error) {
	// A pure id predicate needs no scan.
	if pred.OlderThanDays == nil && len(pred.Metadata) == 0 {
		var victims []string
		for _, id := range pred.IDs {
			_, err := m.vectors.Fetch(ctx, EpisodicCollection, id)
			switch {
			case err == nil:
				victims = append(victims, id)
			case errors.Is(err, vectordb.ErrNotFound):
			default:
				return nil, err
			}
		}
		return victims, nil
	}

	idSet := make(map[string]bool, len(pred.IDs))
	for _, id := range pred.IDs {
		idSet[id] = true
	}
	var cutoff float64
	if pred.OlderThanDays != nil {
		cutoff = unixSeconds(m.now()) - *pred.OlderThanDays*86400
	}

	var victims []string
	err := m.vectors.Scroll(ctx, EpisodicCollection, func(p vectordb.Point) bool {
		if len(idSet) > 0 && !idSet[p.ID] {
			return true
		}
		if pred.OlderThanDays != nil && payloadFloat(p.Payload, "created_at") > cutoff {
			return true
		}
		if len(pred.Metadata) > 0 && !payloadMatches(p.Payload, pred.Metadata) {
			return true
		}
		victims = append(victims, p.ID)
		return true
	})
	if err != nil {
		return nil, err
	}
	return victims, nil
}

// ForgetIDs removes the given records and their provenance. The caller
// is responsible for the ids being live; the count is what was deleted.
func (m *Episodic) ForgetIDs(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	if err := m.vectors.Delete(ctx, EpisodicCollection, ids); err != nil {
		return 0, classify("episodic forget", err)
	}
	for _, id := range ids {
		if err := m.prov.Remove(ctx, TypeEpisodic, id); err != nil {
			m.log.Debug("provenance cleanup failed", zap.String("id", id), zap.Error(err))
		}
	}
	return len(ids), nil
}

// Each streams every stored record to fn until fn returns false. The
// forgetting engine drives its utility pass through this.
func (m *Episodic) Each(ctx context.Context, fn func(EpisodicRecord) bool) error {
	err := m.vectors.Scroll(ctx, EpisodicCollection, func(p vectordb.Point) bool {
		return fn(episodicFromPayload(p.ID, p.Payload))
	})
	if err != nil {
		return classify("episodic scan", err)
	}
	return nil
}

func episodicPayload(rec EpisodicRecord) map[string]interface{} {
	p := map[string]interface{}{
		"task_query":       rec.TaskQuery,
		"outcome":          rec.Outcome,
		"score":            rec.Score,
		"created_at":       rec.CreatedAt,
		"last_accessed_at": rec.LastAccessedAt,
		"access_count":     float64(rec.AccessCount),
	}
	if rec.Plan != nil {
		p["plan"] = rec.Plan
	}
	return p
}

func episodicFromPayload(id string, payload map[string]interface{}) EpisodicRecord {
	return EpisodicRecord{
		ID:             id,
		TaskQuery:      payloadString(payload, "task_query"),
		Outcome:        payloadString(payload, "outcome"),
		Plan:           payload["plan"],
		Score:          payloadFloat(payload, "score"),
		CreatedAt:      payloadFloat(payload, "created_at"),
		LastAccessedAt: payloadFloat(payload, "last_accessed_at"),
		AccessCount:    payloadInt(payload, "access_count"),
	}
}
