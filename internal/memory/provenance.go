package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tessellate-ai/ltm/internal/apierrors"
	"github.com/tessellate-ai/ltm/internal/kvstore"
)

const provenanceBucket = "provenance"

// ProvenanceStore keeps one lineage record per (memory type, id) in the
// key-value store. All five modules share a single instance.
type ProvenanceStore struct {
	kv kvstore.KeyValueStore
}

// NewProvenanceStore wraps the key-value store.
func NewProvenanceStore(kv kvstore.KeyValueStore) *ProvenanceStore {
	return &ProvenanceStore{kv: kv}
}

func provenanceKey(t MemoryType, id string) string {
	return string(t) + "/" + id
}

// Record writes the lineage envelope for one record, replacing any
// previous value under the same key.
func (s *ProvenanceStore) Record(ctx context.Context, t MemoryType, id string, p Provenance) error {
	buf, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode provenance: %w", err)
	}
	return s.kv.Put(ctx, provenanceBucket, provenanceKey(t, id), buf)
}

// Lookup returns the lineage for one record or NOT_FOUND.
func (s *ProvenanceStore) Lookup(ctx context.Context, t MemoryType, id string) (Provenance, error) {
	buf, err := s.kv.Get(ctx, provenanceBucket, provenanceKey(t, id))
	if err != nil {
		if errors.Is(err, kvstore.ErrKeyNotFound) {
			return Provenance{}, apierrors.NotFound(string(t)+" provenance", id)
		}
		return Provenance{}, classify("provenance lookup", err)
	}
	var p Provenance
	if err := json.Unmarshal(buf, &p); err != nil {
		return Provenance{}, classify("provenance lookup", fmt.Errorf("decode provenance %s/%s: %w", t, id, err))
	}
	return p, nil
}

// Remove drops the lineage record; absent keys succeed.
func (s *ProvenanceStore) Remove(ctx context.Context, t MemoryType, id string) error {
	return s.kv.Delete(ctx, provenanceBucket, provenanceKey(t, id))
}
