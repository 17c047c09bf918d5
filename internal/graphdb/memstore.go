package graphdb

import (
	"context"
	"fmt"
	"sync"
)

// MemGraph is the in-memory GraphStore. It mirrors the Neo4j client's
// merge semantics so the modules behave identically against either
// store.
type MemGraph struct {
	mu        sync.RWMutex
	nodes     map[string]*Entity
	relations map[string]*Triple
	facts     []Fact
	nextSeq   int64
}

// NewMemGraph returns an empty in-memory graph store.
func NewMemGraph() *MemGraph {
	return &MemGraph{
		nodes:     make(map[string]*Entity),
		relations: make(map[string]*Triple),
	}
}

var _ GraphStore = (*MemGraph)(nil)

func validateTriple(t Triple) error {
	if t.Subject == "" || t.Predicate == "" || t.Object == "" {
		return fmt.Errorf("triple requires subject, predicate and object")
	}
	return nil
}

// MergeTriple merges subject and object nodes plus the relation.
// Re-merging the same (subject, predicate, object) updates confidence
// and provenance in place and keeps the original insertion sequence.
func (g *MemGraph) MergeTriple(_ context.Context, t Triple) (string, error) {
	if err := validateTriple(t); err != nil {
		return "", err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mergeLocked(t), nil
}

// MergeSubgraph validates everything up front and applies under one
// lock, so a failed call mutates nothing and readers never observe a
// partially merged batch.
func (g *MemGraph) MergeSubgraph(_ context.Context, entities []Entity, relations []Triple) ([]string, error) {
	for _, e := range entities {
		if e.Name == "" {
			return nil, fmt.Errorf("entity requires a name")
		}
	}
	for _, t := range relations {
		if err := validateTriple(t); err != nil {
			return nil, err
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, e := range entities {
		g.mergeNodeLocked(e.Name, e.Properties)
	}
	ids := make([]string, 0, len(relations))
	for _, t := range relations {
		ids = append(ids, g.mergeLocked(t))
	}
	return ids, nil
}

func (g *MemGraph) mergeNodeLocked(name string, props map[string]interface{}) {
	n, ok := g.nodes[name]
	if !ok {
		n = &Entity{Name: name, Properties: make(map[string]interface{})}
		g.nodes[name] = n
	}
	for k, v := range props {
		n.Properties[k] = v
	}
}

func (g *MemGraph) mergeLocked(t Triple) string {
	g.mergeNodeLocked(t.Subject, nil)
	g.mergeNodeLocked(t.Object, nil)
	id := RelationID(t.Subject, t.Predicate, t.Object)
	if existing, ok := g.relations[id]; ok {
		existing.Confidence = t.Confidence
		existing.Source = t.Source
		existing.RecordedAt = t.RecordedAt
		return id
	}
	g.nextSeq++
	t.Seq = g.nextSeq
	g.relations[id] = &t
	return id
}

// QueryTriples returns copies of the matching relations; empty filter
// fields match everything.
func (g *MemGraph) QueryTriples(_ context.Context, f TripleFilter) ([]Triple, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []Triple
	for _, t := range g.relations {
		if f.Subject != "" && t.Subject != f.Subject {
			continue
		}
		if f.Predicate != "" && t.Predicate != f.Predicate {
			continue
		}
		if f.Object != "" && t.Object != f.Object {
			continue
		}
		out = append(out, *t)
	}
	return out, nil
}

// Run is unsupported: the fallback store is not a Cypher engine.
func (g *MemGraph) Run(context.Context, string, map[string]interface{}) ([]map[string]interface{}, error) {
	return nil, ErrCypherUnsupported
}

// AppendFact stores a copy of the fact. Versions are append-only.
func (g *MemGraph) AppendFact(_ context.Context, f Fact) error {
	if f.ID == "" || f.Subject == "" || f.Predicate == "" {
		return fmt.Errorf("fact requires id, subject and predicate")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.facts = append(g.facts, copyFact(f))
	return nil
}

// FactsInBox filters located facts by the closed box and by validity
// overlap with [validFrom, validTo]. Ordering is up to the caller.
func (g *MemGraph) FactsInBox(_ context.Context, box BoundingBox, validFrom, validTo float64) ([]Fact, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []Fact
	for _, f := range g.facts {
		if f.Lon == nil || f.Lat == nil {
			continue
		}
		if *f.Lon < box.MinLon || *f.Lon > box.MaxLon || *f.Lat < box.MinLat || *f.Lat > box.MaxLat {
			continue
		}
		if !validityOverlaps(f, validFrom, validTo) {
			continue
		}
		out = append(out, copyFact(f))
	}
	return out, nil
}

// FactVersions returns every stored version of the given pairs in
// insertion order.
func (g *MemGraph) FactVersions(_ context.Context, pairs []PairFilter) ([]Fact, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []Fact
	for _, f := range g.facts {
		for _, p := range pairs {
			if f.Subject == p.Subject && f.Predicate == p.Predicate {
				out = append(out, copyFact(f))
				break
			}
		}
	}
	return out, nil
}

// Ping always succeeds for the in-memory store.
func (g *MemGraph) Ping(context.Context) error { return nil }

// NodeCount reports the number of merged entities.
func (g *MemGraph) NodeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// RelationCount reports the number of merged relations.
func (g *MemGraph) RelationCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.relations)
}

func validityOverlaps(f Fact, from, to float64) bool {
	if f.ValidFrom > to {
		return false
	}
	if f.ValidTo != nil && *f.ValidTo < from {
		return false
	}
	return true
}

func copyFact(f Fact) Fact {
	out := f
	if f.Value != nil {
		v := *f.Value
		out.Value = &v
	}
	if f.Lon != nil {
		v := *f.Lon
		out.Lon = &v
	}
	if f.Lat != nil {
		v := *f.Lat
		out.Lat = &v
	}
	if f.ValidTo != nil {
		v := *f.ValidTo
		out.ValidTo = &v
	}
	if len(f.ParentIDs) > 0 {
		out.ParentIDs = append([]string(nil), f.ParentIDs...)
	}
	return out
}
