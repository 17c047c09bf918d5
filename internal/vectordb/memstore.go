package vectordb

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// MemStore is the in-memory VectorStore used by tests and as the
// fallback when no Qdrant URL is configured. Points are copied on write
// and on read, so callers never share mutable state with the store.
type MemStore struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
	log         *zap.Logger
}

type memCollection struct {
	dim    int
	points map[string]memPoint
	order  []string // insertion order for deterministic scans
}

type memPoint struct {
	vector  []float32
	payload map[string]interface{}
	seq     int64
}

// NewMemStore creates an empty in-memory store.
func NewMemStore(logger *zap.Logger) *MemStore {
	return &MemStore{collections: make(map[string]*memCollection), log: logger}
}

func (s *MemStore) EnsureCollection(_ context.Context, name string, dim int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collections[name]; ok {
		if col.dim != dim {
			return fmt.Errorf("collection %s has dimension %d, want %d", name, col.dim, dim)
		}
		return nil
	}
	s.collections[name] = &memCollection{dim: dim, points: make(map[string]memPoint)}
	return nil
}

func (s *MemStore) collection(name string) (*memCollection, error) {
	col, ok := s.collections[name]
	if !ok {
		return nil, fmt.Errorf("collection %s does not exist", name)
	}
	return col, nil
}

func (s *MemStore) Upsert(_ context.Context, collection string, points []Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	col, err := s.collection(collection)
	if err != nil {
		return err
	}
	for _, p := range points {
		if p.ID == "" {
			return fmt.Errorf("point without id")
		}
		if col.dim > 0 && len(p.Vector) != col.dim {
			return fmt.Errorf("vector dimension %d, collection %s wants %d", len(p.Vector), collection, col.dim)
		}
		prev, existed := col.points[p.ID]
		np := memPoint{vector: append([]float32(nil), p.Vector...), payload: copyPayload(p.Payload)}
		if existed {
			np.seq = prev.seq
		} else {
			np.seq = int64(len(col.order))
			col.order = append(col.order, p.ID)
		}
		col.points[p.ID] = np
	}
	return nil
}

func (s *MemStore) Search(_ context.Context, collection string, vector []float32, limit int) ([]ScoredPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	col, err := s.collection(collection)
	if err != nil {
		return nil, err
	}
	scored := make([]ScoredPoint, 0, len(col.points))
	for _, id := range col.order {
		p, ok := col.points[id]
		if !ok {
			continue
		}
		scored = append(scored, ScoredPoint{
			Point: Point{ID: id, Vector: append([]float32(nil), p.vector...), Payload: copyPayload(p.payload)},
			Score: Cosine(vector, p.vector),
		})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

func (s *MemStore) Fetch(_ context.Context, collection, id string) (*Point, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	col, err := s.collection(collection)
	if err != nil {
		return nil, err
	}
	p, ok := col.points[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &Point{ID: id, Vector: append([]float32(nil), p.vector...), Payload: copyPayload(p.payload)}, nil
}

func (s *MemStore) SetPayloadFields(_ context.Context, collection, id string, fields map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	col, err := s.collection(collection)
	if err != nil {
		return err
	}
	p, ok := col.points[id]
	if !ok {
		return ErrNotFound
	}
	// Replace the payload map wholesale so concurrent readers holding
	// the old copy never observe a partial update.
	next := copyPayload(p.payload)
	for k, v := range fields {
		next[k] = v
	}
	p.payload = next
	col.points[id] = p
	return nil
}

func (s *MemStore) Scroll(_ context.Context, collection string, fn func(Point) bool) error {
	s.mu.RLock()
	col, err := s.collection(collection)
	if err != nil {
		s.mu.RUnlock()
		return err
	}
	snapshot := make([]Point, 0, len(col.points))
	for _, id := range col.order {
		if p, ok := col.points[id]; ok {
			snapshot = append(snapshot, Point{ID: id, Vector: append([]float32(nil), p.vector...), Payload: copyPayload(p.payload)})
		}
	}
	s.mu.RUnlock()

	for _, p := range snapshot {
		if !fn(p) {
			return nil
		}
	}
	return nil
}

func (s *MemStore) Delete(_ context.Context, collection string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	col, err := s.collection(collection)
	if err != nil {
		return err
	}
	for _, id := range ids {
		delete(col.points, id)
	}
	return nil
}

func (s *MemStore) Ping(context.Context) error { return nil }

// Count returns the number of points in a collection.
func (s *MemStore) Count(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if col, ok := s.collections[collection]; ok {
		return len(col.points)
	}
	return 0
}

func copyPayload(payload map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	return out
}

// Cosine returns the cosine similarity of two vectors, 0 when either
// has zero norm or the dimensions differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
