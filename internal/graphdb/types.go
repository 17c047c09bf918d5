// Package graphdb provides the GraphStore used by the semantic and
// temporal modules: a Neo4j HTTP client for deployments and an
// in-memory store with identical MERGE semantics for tests and for the
// fallback when no graph connection is configured.
package graphdb

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
)

// ErrUnavailable reports that the graph store stayed unreachable
// through the whole retry envelope. The memory modules map it to
// BACKEND_UNAVAILABLE.
var ErrUnavailable = errors.New("graph store unavailable")

// ErrCypherUnsupported reports that the active store cannot execute raw
// Cypher (the in-memory fallback is not a Cypher engine).
var ErrCypherUnsupported = errors.New("raw cypher is not supported by the in-memory graph store")

// Entity is one graph node. Identity is the name.
type Entity struct {
	Name       string                 `json:"name"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// Triple is one relation. Identity is (subject, predicate, object);
// repeated merges of the same identity never duplicate it.
type Triple struct {
	Subject    string   `json:"subject"`
	Predicate  string   `json:"predicate"`
	Object     string   `json:"object"`
	Confidence *float64 `json:"confidence,omitempty"`
	Source     string   `json:"source,omitempty"`
	RecordedAt float64  `json:"recorded_at,omitempty"`
	// Seq is assigned by the store at first merge and kept across
	// re-merges; it preserves insertion order for retrieval ties.
	Seq int64 `json:"-"`
}

// TripleFilter selects triples; empty fields act as wildcards.
type TripleFilter struct {
	Subject   string
	Predicate string
	Object    string
}

// Fact is one bitemporal assertion as persisted. Provenance fields are
// flattened into properties so the record reconstructs without a
// second hop.
type Fact struct {
	ID         string   `json:"id"`
	Subject    string   `json:"subject"`
	Predicate  string   `json:"predicate"`
	Object     string   `json:"object"`
	Value      *string  `json:"value,omitempty"`
	Lon        *float64 `json:"lon,omitempty"`
	Lat        *float64 `json:"lat,omitempty"`
	ValidFrom  float64  `json:"valid_from"`
	ValidTo    *float64 `json:"valid_to,omitempty"`
	TxTime     float64  `json:"tx_time"`
	Source     string   `json:"source,omitempty"`
	RecordedAt float64  `json:"recorded_at,omitempty"`
	ParentIDs  []string `json:"parent_ids,omitempty"`
}

// BoundingBox is a closed WGS84 window; min must not exceed max per
// axis.
type BoundingBox struct {
	MinLon float64
	MinLat float64
	MaxLon float64
	MaxLat float64
}

// PairFilter names one (subject, predicate) version group.
type PairFilter struct {
	Subject   string
	Predicate string
}

// GraphStore is the adapter surface the semantic and temporal modules
// depend on. Snapshot selection, spatial ordering, and tie handling are
// module logic; implementations only filter.
type GraphStore interface {
	// MergeTriple merges both entity nodes and the relation, returning
	// the relation identifier.
	MergeTriple(ctx context.Context, t Triple) (string, error)
	// MergeSubgraph merges entities and relations in one transaction:
	// observers see all of its relations or none.
	MergeSubgraph(ctx context.Context, entities []Entity, relations []Triple) ([]string, error)
	// QueryTriples returns triples matching the filter, in no promised
	// order.
	QueryTriples(ctx context.Context, f TripleFilter) ([]Triple, error)
	// Run executes a raw statement and returns its rows.
	Run(ctx context.Context, statement string, params map[string]interface{}) ([]map[string]interface{}, error)
	// AppendFact persists one fact version; it never overwrites.
	AppendFact(ctx context.Context, f Fact) error
	// FactsInBox returns facts located within the closed box whose
	// validity interval intersects [validFrom, validTo].
	FactsInBox(ctx context.Context, box BoundingBox, validFrom, validTo float64) ([]Fact, error)
	// FactVersions returns every version of the given pairs.
	FactVersions(ctx context.Context, pairs []PairFilter) ([]Fact, error)
	// Ping probes the store for health checks.
	Ping(ctx context.Context) error
}

// RelationID derives the deterministic identifier of a relation from
// its identity key, stable across stores and calls.
func RelationID(subject, predicate, object string) string {
	sum := sha1.Sum([]byte(subject + "|" + predicate + "|" + object))
	return hex.EncodeToString(sum[:])
}
