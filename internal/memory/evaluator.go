package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tessellate-ai/ltm/internal/apierrors"
	"github.com/tessellate-ai/ltm/internal/kvstore"
	"github.com/tessellate-ai/ltm/internal/metrics"
)

const critiqueBucket = "critiques"

// Evaluator stores critiques in the key-value store keyed by id and
// serves them back newest-first by the fingerprint of the query context
// they were produced under.
type Evaluator struct {
	kv    kvstore.KeyValueStore
	prov  *ProvenanceStore
	log   *zap.Logger
	now   func() time.Time
	newID func() string
}

// NewEvaluator wires the evaluator module.
func NewEvaluator(kv kvstore.KeyValueStore, prov *ProvenanceStore, logger *zap.Logger) *Evaluator {
	return &Evaluator{
		kv:    kv,
		prov:  prov,
		log:   logger,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// Store persists one critique under a fresh id. The fingerprint is
// derived from the query context, so retrieval never needs the original
// context verbatim. A failed provenance write compensates by deleting
// the critique blob.
func (m *Evaluator) Store(ctx context.Context, payload, queryContext interface{}, provIn *Provenance) (string, error) {
	detail := make(map[string]interface{})
	if payload == nil {
		detail["critique_payload"] = "required"
	}
	if queryContext == nil {
		detail["query"] = "required"
	}
	if len(detail) > 0 {
		return "", apierrors.Validation("invalid critique", detail)
	}

	now := unixSeconds(m.now())
	c := Critique{
		ID:          m.newID(),
		Payload:     payload,
		Fingerprint: Fingerprint(queryContext),
		CreatedAt:   now,
	}
	prov := resolveProvenance(provIn, now)

	buf, err := json.Marshal(c)
	if err != nil {
		return "", apierrors.Validation("critique_payload is not serializable", map[string]interface{}{
			"critique_payload": err.Error(),
		})
	}
	if err := m.kv.Put(ctx, critiqueBucket, c.ID, buf); err != nil {
		metrics.RecordConsolidation(string(TypeEvaluator), "error")
		return "", classify("critique store", err)
	}
	if err := m.prov.Record(ctx, TypeEvaluator, c.ID, prov); err != nil {
		if delErr := m.kv.Delete(ctx, critiqueBucket, c.ID); delErr != nil {
			m.log.Warn("compensating critique delete failed",
				zap.String("id", c.ID), zap.Error(delErr))
		}
		metrics.RecordConsolidation(string(TypeEvaluator), "error")
		return "", classify("critique store", err)
	}
	metrics.RecordConsolidation(string(TypeEvaluator), "ok")
	return c.ID, nil
}

// Retrieve returns up to limit critiques whose fingerprint matches the
// query context's, newest first.
func (m *Evaluator) Retrieve(ctx context.Context, queryContext interface{}, limit int) ([]Critique, error) {
	limit, err := NormalizeLimit(limit)
	if err != nil {
		return nil, err
	}
	if queryContext == nil {
		return nil, apierrors.Validation("query is required", map[string]interface{}{
			"query": "missing",
		})
	}

	want := Fingerprint(queryContext)
	var out []Critique
	err = m.kv.List(ctx, critiqueBucket, func(_ string, value []byte) bool {
		var c Critique
		if err := json.Unmarshal(value, &c); err != nil {
			m.log.Warn("skipping undecodable critique", zap.Error(err))
			return true
		}
		if c.Fingerprint == want {
			out = append(out, c)
		}
		return true
	})
	if err != nil {
		return nil, classify("critique retrieve", err)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	metrics.RecordRetrieval(string(TypeEvaluator), len(out))
	return out, nil
}

// EvaluatorForgetPredicate selects critiques for removal. Clauses
// combine conjunctively; at least one must be present. Query matches by
// fingerprint.
type EvaluatorForgetPredicate struct {
	IDs           []string
	Query         interface{}
	OlderThanDays *float64
}

func (p EvaluatorForgetPredicate) empty() bool {
	return len(p.IDs) == 0 && p.Query == nil && p.OlderThanDays == nil
}

// Forget removes every critique matching the predicate and returns how
// many existed; rerunning the same predicate removes nothing further.
func (m *Evaluator) Forget(ctx context.Context, pred EvaluatorForgetPredicate) (int, error) {
	if pred.empty() {
		return 0, apierrors.Validation("forget requires a predicate", map[string]interface{}{
			"predicate": "at least one of ids, query, older_than_days",
		})
	}
	if pred.OlderThanDays != nil && *pred.OlderThanDays < 0 {
		return 0, apierrors.Validation("invalid forget predicate", map[string]interface{}{
			"older_than_days": fmt.Sprintf("must be non-negative, got %v", *pred.OlderThanDays),
		})
	}

	idSet := make(map[string]bool, len(pred.IDs))
	for _, id := range pred.IDs {
		idSet[id] = true
	}
	var wantFingerprint string
	if pred.Query != nil {
		wantFingerprint = Fingerprint(pred.Query)
	}
	var cutoff float64
	if pred.OlderThanDays != nil {
		cutoff = unixSeconds(m.now()) - *pred.OlderThanDays*86400
	}

	var victims []string
	err := m.kv.List(ctx, critiqueBucket, func(key string, value []byte) bool {
		var c Critique
		if err := json.Unmarshal(value, &c); err != nil {
			return true
		}
		if len(idSet) > 0 && !idSet[c.ID] {
			return true
		}
		if wantFingerprint != "" && c.Fingerprint != wantFingerprint {
			return true
		}
		if pred.OlderThanDays != nil && c.CreatedAt > cutoff {
			return true
		}
		victims = append(victims, c.ID)
		return true
	})
	if err != nil {
		return 0, classify("critique forget", err)
	}

	for _, id := range victims {
		if err := m.kv.Delete(ctx, critiqueBucket, id); err != nil {
			return 0, classify("critique forget", err)
		}
		if err := m.prov.Remove(ctx, TypeEvaluator, id); err != nil {
			m.log.Debug("provenance cleanup failed", zap.String("id", id), zap.Error(err))
		}
	}
	return len(victims), nil
}
