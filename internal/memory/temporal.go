package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tessellate-ai/ltm/internal/apierrors"
	"github.com/tessellate-ai/ltm/internal/graphdb"
	"github.com/tessellate-ai/ltm/internal/metrics"
)

// txTimeStep is the minimum distance between two tx_times of one
// (subject, predicate) pair: 1µs in Unix-seconds terms.
const txTimeStep = 1e-6

// Temporal stores bitemporal facts append-only and answers spatial and
// as-of queries over them.
type Temporal struct {
	graph graphdb.GraphStore
	prov  *ProvenanceStore
	log   *zap.Logger
	now   func() time.Time
	newID func() string

	mu    sync.Mutex
	pairs map[string]*pairLock
}

// pairLock serializes writes to one (subject, predicate) pair and
// remembers the last assigned tx_time so assignments stay strictly
// increasing even when the clock does not move between writes.
type pairLock struct {
	mu   sync.Mutex
	last float64
}

// NewTemporal wires the temporal module.
func NewTemporal(graph graphdb.GraphStore, prov *ProvenanceStore, logger *zap.Logger) *Temporal {
	return &Temporal{
		graph: graph,
		prov:  prov,
		log:   logger,
		now:   time.Now,
		newID: uuid.NewString,
		pairs: make(map[string]*pairLock),
	}
}

func (m *Temporal) pairFor(subject, predicate string) *pairLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := subject + "\x00" + predicate
	pl, ok := m.pairs[key]
	if !ok {
		pl = &pairLock{}
		m.pairs[key] = pl
	}
	return pl
}

func validateTemporalFact(f TemporalFact) map[string]interface{} {
	detail := make(map[string]interface{})
	if f.Subject == "" {
		detail["subject"] = "required"
	}
	if f.Predicate == "" {
		detail["predicate"] = "required"
	}
	if f.ValidTo != nil && *f.ValidTo < f.ValidFrom {
		detail["valid_to"] = fmt.Sprintf("must be >= valid_from (%v), got %v", f.ValidFrom, *f.ValidTo)
	}
	if len(detail) == 0 {
		return nil
	}
	return detail
}

// Consolidate appends one fact version. tx_time is assigned under the
// pair lock as max(now, last+1µs), so versions of one pair are strictly
// ordered. The provenance envelope is written first: appended facts are
// immutable, so the deletable write has to come before the permanent
// one, with a compensating provenance removal when the append fails.
func (m *Temporal) Consolidate(ctx context.Context, fact TemporalFact) (string, error) {
	if detail := validateTemporalFact(fact); detail != nil {
		return "", apierrors.Validation("invalid temporal fact", detail)
	}

	now := unixSeconds(m.now())
	fact.ID = m.newID()
	prov := resolveProvenance(fact.Provenance, now)

	if err := m.prov.Record(ctx, TypeTemporal, fact.ID, prov); err != nil {
		metrics.RecordConsolidation(string(TypeTemporal), "error")
		return "", classify("temporal consolidate", err)
	}

	pl := m.pairFor(fact.Subject, fact.Predicate)
	pl.mu.Lock()
	tx := unixSeconds(m.now())
	if tx <= pl.last {
		tx = pl.last + txTimeStep
	}
	pl.last = tx
	fact.TxTime = tx
	err := m.graph.AppendFact(ctx, toGraphFact(fact, prov))
	pl.mu.Unlock()

	if err != nil {
		if remErr := m.prov.Remove(ctx, TypeTemporal, fact.ID); remErr != nil {
			m.log.Warn("compensating provenance removal failed",
				zap.String("id", fact.ID), zap.Error(remErr))
		}
		metrics.RecordConsolidation(string(TypeTemporal), "error")
		return "", classify("temporal consolidate", err)
	}
	metrics.RecordConsolidation(string(TypeTemporal), "ok")
	return fact.ID, nil
}

// SpatialQuery returns facts located in the closed box whose validity
// intersects [validFrom, validTo], ordered by ascending valid_from then
// ascending tx_time. A zero-area box is a legal point query.
func (m *Temporal) SpatialQuery(ctx context.Context, box graphdb.BoundingBox, validFrom, validTo float64) ([]TemporalFact, error) {
	detail := make(map[string]interface{})
	if box.MinLon > box.MaxLon {
		detail["bbox"] = fmt.Sprintf("min_lon %v exceeds max_lon %v", box.MinLon, box.MaxLon)
	}
	if box.MinLat > box.MaxLat {
		detail["bbox.lat"] = fmt.Sprintf("min_lat %v exceeds max_lat %v", box.MinLat, box.MaxLat)
	}
	if validTo < validFrom {
		detail["valid_to"] = fmt.Sprintf("must be >= valid_from (%v), got %v", validFrom, validTo)
	}
	if len(detail) > 0 {
		return nil, apierrors.Validation("invalid spatial query", detail)
	}

	facts, err := m.graph.FactsInBox(ctx, box, validFrom, validTo)
	if err != nil {
		return nil, classify("spatial query", err)
	}
	sort.SliceStable(facts, func(i, j int) bool {
		if facts[i].ValidFrom != facts[j].ValidFrom {
			return facts[i].ValidFrom < facts[j].ValidFrom
		}
		return facts[i].TxTime < facts[j].TxTime
	})

	out := make([]TemporalFact, 0, len(facts))
	for _, f := range facts {
		out = append(out, fromGraphFact(f))
	}
	metrics.RecordRetrieval(string(TypeTemporal), len(out))
	return out, nil
}

// Snapshot answers "what did the store believe at tx_at about validity
// at valid_at": per pair, the fact with the largest tx_time ≤ tx_at
// whose validity interval contains valid_at. Pairs with no such fact
// contribute nothing; output follows the order of the input pairs.
func (m *Temporal) Snapshot(ctx context.Context, pairs []graphdb.PairFilter, validAt, txAt float64) ([]TemporalFact, error) {
	if len(pairs) == 0 {
		return nil, apierrors.Validation("snapshot requires at least one (subject, predicate) pair", map[string]interface{}{
			"query": "missing subject/predicate",
		})
	}
	for i, p := range pairs {
		if p.Subject == "" || p.Predicate == "" {
			return nil, apierrors.Validation("invalid snapshot pair", map[string]interface{}{
				fmt.Sprintf("query[%d]", i): "subject and predicate are both required",
			})
		}
	}

	versions, err := m.graph.FactVersions(ctx, pairs)
	if err != nil {
		return nil, classify("temporal snapshot", err)
	}

	out := make([]TemporalFact, 0, len(pairs))
	for _, pair := range pairs {
		var best *graphdb.Fact
		for i := range versions {
			f := &versions[i]
			if f.Subject != pair.Subject || f.Predicate != pair.Predicate {
				continue
			}
			if f.TxTime > txAt {
				continue
			}
			if f.ValidFrom > validAt {
				continue
			}
			if f.ValidTo != nil && *f.ValidTo < validAt {
				continue
			}
			if best == nil || f.TxTime > best.TxTime {
				best = f
			}
		}
		if best != nil {
			out = append(out, fromGraphFact(*best))
		}
	}
	metrics.RecordRetrieval(string(TypeTemporal), len(out))
	return out, nil
}

func toGraphFact(f TemporalFact, prov Provenance) graphdb.Fact {
	out := graphdb.Fact{
		ID:         f.ID,
		Subject:    f.Subject,
		Predicate:  f.Predicate,
		Object:     f.Object,
		Value:      f.Value,
		ValidFrom:  f.ValidFrom,
		ValidTo:    f.ValidTo,
		TxTime:     f.TxTime,
		Source:     prov.Source,
		RecordedAt: prov.RecordedAt,
		ParentIDs:  prov.ParentIDs,
	}
	if f.Location != nil {
		lon, lat := f.Location.Lon, f.Location.Lat
		out.Lon, out.Lat = &lon, &lat
	}
	return out
}

func fromGraphFact(f graphdb.Fact) TemporalFact {
	out := TemporalFact{
		ID:        f.ID,
		Subject:   f.Subject,
		Predicate: f.Predicate,
		Object:    f.Object,
		Value:     f.Value,
		ValidFrom: f.ValidFrom,
		ValidTo:   f.ValidTo,
		TxTime:    f.TxTime,
	}
	if f.Lon != nil && f.Lat != nil {
		out.Location = &Location{Lon: *f.Lon, Lat: *f.Lat}
	}
	return out
}
