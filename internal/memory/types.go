// Package memory implements the five memory modules (episodic,
// semantic, temporal, procedural, evaluator) on top of the storage
// adapters. Modules own retrieval ordering, consolidation, forgetting
// predicates, and the mapping of adapter sentinels into the error
// taxonomy; adapters only move bytes.
package memory

import (
	"math"
)

// MemoryType names one of the five modules.
type MemoryType string

const (
	TypeEpisodic   MemoryType = "episodic"
	TypeSemantic   MemoryType = "semantic"
	TypeTemporal   MemoryType = "temporal"
	TypeProcedural MemoryType = "procedural"
	TypeEvaluator  MemoryType = "evaluator"
)

// Valid reports whether t is one of the five module names.
func (t MemoryType) Valid() bool {
	switch t {
	case TypeEpisodic, TypeSemantic, TypeTemporal, TypeProcedural, TypeEvaluator:
		return true
	}
	return false
}

// Provenance is the lineage envelope written with every consolidation.
// RecordedAt is always server-assigned.
type Provenance struct {
	Source     string   `json:"source"`
	RecordedAt float64  `json:"recorded_at"`
	ParentIDs  []string `json:"parent_ids,omitempty"`
}

// EpisodicRecord is one task experience. Write calls fill TaskQuery,
// Outcome, Plan, Score, and optionally Provenance; the module assigns
// the rest. Retrieved records are immutable snapshots.
type EpisodicRecord struct {
	ID             string      `json:"id"`
	TaskQuery      string      `json:"task_query"`
	Outcome        string      `json:"outcome,omitempty"`
	Plan           interface{} `json:"plan,omitempty"`
	Score          float64     `json:"score"`
	CreatedAt      float64     `json:"created_at"`
	LastAccessedAt float64     `json:"last_accessed_at"`
	AccessCount    int64       `json:"access_count"`
	// Similarity is the cosine score against the query vector; zero for
	// metadata retrievals.
	Similarity float64     `json:"similarity,omitempty"`
	Provenance *Provenance `json:"provenance,omitempty"`
}

// SemanticTriple is one relation. Identity is (subject, predicate,
// object); the ID is derived from it and stable across re-merges.
type SemanticTriple struct {
	ID         string      `json:"id,omitempty"`
	Subject    string      `json:"subject"`
	Predicate  string      `json:"predicate"`
	Object     string      `json:"object"`
	Confidence *float64    `json:"confidence,omitempty"`
	Provenance *Provenance `json:"provenance,omitempty"`
}

// Location is a WGS84 point.
type Location struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

// TemporalFact is one bitemporal assertion. ValidFrom/ValidTo bound
// real-world validity (nil ValidTo = open-ended); TxTime is assigned by
// the module and strictly increases per (subject, predicate).
type TemporalFact struct {
	ID         string      `json:"id"`
	Subject    string      `json:"subject"`
	Predicate  string      `json:"predicate"`
	Object     string      `json:"object,omitempty"`
	Value      *string     `json:"value,omitempty"`
	Location   *Location   `json:"location,omitempty"`
	ValidFrom  float64     `json:"valid_from"`
	ValidTo    *float64    `json:"valid_to,omitempty"`
	TxTime     float64     `json:"tx_time"`
	Provenance *Provenance `json:"provenance,omitempty"`
}

// Skill is one procedural record. The policy lives in the key-value
// store, the representation vector and metadata in the vector store.
type Skill struct {
	ID         string                 `json:"id"`
	Policy     interface{}            `json:"skill_policy,omitempty"`
	Text       string                 `json:"skill_representation,omitempty"`
	Metadata   map[string]interface{} `json:"skill_metadata,omitempty"`
	CreatedAt  float64                `json:"created_at"`
	Similarity float64                `json:"similarity,omitempty"`
}

// SkillInput is the write shape for one skill: exactly one of Text or
// Vector carries the representation.
type SkillInput struct {
	Policy     interface{}
	Text       string
	Vector     []float32
	Metadata   map[string]interface{}
	Provenance *Provenance
}

// Critique is one evaluator record, retrievable by the fingerprint of
// the query context it was produced under.
type Critique struct {
	ID          string      `json:"id"`
	Payload     interface{} `json:"critique_payload"`
	Fingerprint string      `json:"query_fingerprint"`
	CreatedAt   float64     `json:"created_at"`
	Provenance  *Provenance `json:"provenance,omitempty"`
}

// MaxLimit bounds every retrieval; DefaultLimit applies when the caller
// sends none.
const (
	MaxLimit     = 50
	DefaultLimit = 5
)

func validScore(s float64) bool {
	return !math.IsNaN(s) && s >= 0 && s <= 1
}

// resolveProvenance fills server-assigned fields: recorded_at is always
// now, and an absent source becomes "unknown".
func resolveProvenance(p *Provenance, now float64) Provenance {
	out := Provenance{Source: "unknown", RecordedAt: now}
	if p != nil {
		if p.Source != "" {
			out.Source = p.Source
		}
		if len(p.ParentIDs) > 0 {
			out.ParentIDs = append([]string(nil), p.ParentIDs...)
		}
	}
	return out
}
