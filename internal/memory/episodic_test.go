package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tessellate-ai/ltm/internal/apierrors"
	"github.com/tessellate-ai/ltm/internal/embeddings"
	"github.com/tessellate-ai/ltm/internal/vectordb"
)

const testDim = 8

// testClock hands out a controllable now() for the modules under test.
type testClock struct {
	mu  sync.Mutex
	cur time.Time
}

func newTestClock() *testClock {
	return &testClock{cur: time.Unix(1_700_000_000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(d)
}

func newTestEpisodic(t *testing.T) (*Episodic, *vectordb.MemStore, *testClock) {
	t.Helper()
	store := vectordb.NewMemStore(zap.NewNop())
	prov := NewProvenanceStore(newTestKV())
	clock := newTestClock()
	m := NewEpisodic(store, embeddings.NewLocal(testDim), prov, zap.NewNop())
	m.now = clock.Now
	require.NoError(t, m.EnsureCollection(context.Background()))
	return m, store, clock
}

func TestEpisodicConsolidateAndRetrieveRoundTrip(t *testing.T) {
	m, _, clock := newTestEpisodic(t)
	ctx := context.Background()

	id, err := m.Consolidate(ctx, EpisodicRecord{
		TaskQuery: "define photosynthesis",
		Outcome:   "plants convert light to chemical energy",
		Score:     0.9,
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	clock.Advance(time.Hour)
	got, err := m.Retrieve(ctx, TextQuery("what is photosynthesis"), 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID)
	assert.Equal(t, "define photosynthesis", got[0].TaskQuery)
	assert.Equal(t, 0.9, got[0].Score)
	assert.Equal(t, int64(1), got[0].AccessCount)
	assert.Equal(t, unixSeconds(clock.Now()), got[0].LastAccessedAt)

	// A second retrieval observes the grown access count.
	got, err = m.Retrieve(ctx, TextQuery("photosynthesis"), 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(2), got[0].AccessCount)
}

func TestEpisodicRetrieveValidatesRecord(t *testing.T) {
	m, _, _ := newTestEpisodic(t)

	_, err := m.Consolidate(context.Background(), EpisodicRecord{Score: 1.5})
	require.Error(t, err)
	assert.True(t, apierrors.Is(err, apierrors.CodeValidation))

	var apiErr *apierrors.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Contains(t, apiErr.Detail, "record.task_query")
	assert.Contains(t, apiErr.Detail, "record.score")
}

func TestEpisodicSimilarityTieOrdering(t *testing.T) {
	m, _, clock := newTestEpisodic(t)
	ctx := context.Background()

	// Identical task queries embed identically, forcing a similarity
	// tie that must break by descending score, then ascending age.
	idLow, err := m.Consolidate(ctx, EpisodicRecord{TaskQuery: "same task", Score: 0.2})
	require.NoError(t, err)
	clock.Advance(time.Second)
	idHigh, err := m.Consolidate(ctx, EpisodicRecord{TaskQuery: "same task", Score: 0.8})
	require.NoError(t, err)
	clock.Advance(time.Second)
	idHighLater, err := m.Consolidate(ctx, EpisodicRecord{TaskQuery: "same task", Score: 0.8})
	require.NoError(t, err)

	got, err := m.Retrieve(ctx, TextQuery("same task"), 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, idHigh, got[0].ID, "higher score wins the tie")
	assert.Equal(t, idHighLater, got[1].ID, "equal scores order by ascending created_at")
	assert.Equal(t, idLow, got[2].ID)
}

func TestEpisodicVectorQueryDimensionCheck(t *testing.T) {
	m, _, _ := newTestEpisodic(t)

	_, err := m.Retrieve(context.Background(), VectorQuery(make([]float32, testDim+1)), 5)
	require.Error(t, err)
	assert.True(t, apierrors.Is(err, apierrors.CodeValidation))
}

func TestEpisodicMetadataQuery(t *testing.T) {
	m, _, _ := newTestEpisodic(t)
	ctx := context.Background()

	id, err := m.Consolidate(ctx, EpisodicRecord{TaskQuery: "deploy service", Outcome: "ok", Score: 0.7})
	require.NoError(t, err)
	_, err = m.Consolidate(ctx, EpisodicRecord{TaskQuery: "other task", Outcome: "failed", Score: 0.1})
	require.NoError(t, err)

	got, err := m.Retrieve(ctx, MetadataQuery(map[string]interface{}{"outcome": "ok"}), 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID)

	// Unknown metadata values return empty, never an error.
	got, err = m.Retrieve(ctx, MetadataQuery(map[string]interface{}{"outcome": "unknown"}), 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestEpisodicLimitBounds(t *testing.T) {
	m, _, _ := newTestEpisodic(t)
	ctx := context.Background()

	_, err := m.Retrieve(ctx, TextQuery("anything"), 51)
	require.Error(t, err)
	assert.True(t, apierrors.Is(err, apierrors.CodeValidation))

	_, err = m.Retrieve(ctx, TextQuery("anything"), -1)
	require.Error(t, err)
	assert.True(t, apierrors.Is(err, apierrors.CodeValidation))

	got, err := m.Retrieve(ctx, TextQuery("anything"), 0)
	require.NoError(t, err, "zero limit applies the default")
	assert.Empty(t, got)
}

func TestEpisodicForgetByIDsIsIdempotent(t *testing.T) {
	m, store, _ := newTestEpisodic(t)
	ctx := context.Background()

	id1, err := m.Consolidate(ctx, EpisodicRecord{TaskQuery: "a", Score: 0.5})
	require.NoError(t, err)
	id2, err := m.Consolidate(ctx, EpisodicRecord{TaskQuery: "b", Score: 0.5})
	require.NoError(t, err)

	n, err := m.Forget(ctx, ForgetPredicate{IDs: []string{id1, id2, "missing"}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, store.Count(EpisodicCollection))

	n, err = m.Forget(ctx, ForgetPredicate{IDs: []string{id1, id2}})
	require.NoError(t, err)
	assert.Equal(t, 0, n, "second run removes nothing")
}

func TestEpisodicForgetByAgeAndMetadata(t *testing.T) {
	m, _, clock := newTestEpisodic(t)
	ctx := context.Background()

	oldID, err := m.Consolidate(ctx, EpisodicRecord{TaskQuery: "old", Outcome: "bad", Score: 0.1})
	require.NoError(t, err)
	clock.Advance(10 * 24 * time.Hour)
	freshID, err := m.Consolidate(ctx, EpisodicRecord{TaskQuery: "fresh", Outcome: "bad", Score: 0.1})
	require.NoError(t, err)

	days := 5.0
	n, err := m.Forget(ctx, ForgetPredicate{OlderThanDays: &days, Metadata: map[string]interface{}{"outcome": "bad"}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := m.Retrieve(ctx, MetadataQuery(map[string]interface{}{"outcome": "bad"}), 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, freshID, got[0].ID)
	_ = oldID
}

func TestEpisodicForgetRequiresPredicate(t *testing.T) {
	m, _, _ := newTestEpisodic(t)
	_, err := m.Forget(context.Background(), ForgetPredicate{})
	require.Error(t, err)
	assert.True(t, apierrors.Is(err, apierrors.CodeValidation))
}

func TestEpisodicProvenanceRoundTrip(t *testing.T) {
	m, _, clock := newTestEpisodic(t)
	ctx := context.Background()

	id, err := m.Consolidate(ctx, EpisodicRecord{
		TaskQuery:  "trace me",
		Score:      0.4,
		Provenance: &Provenance{Source: "supervisor", ParentIDs: []string{"parent-1"}},
	})
	require.NoError(t, err)

	p, err := m.prov.Lookup(ctx, TypeEpisodic, id)
	require.NoError(t, err)
	assert.Equal(t, "supervisor", p.Source)
	assert.Equal(t, []string{"parent-1"}, p.ParentIDs)
	assert.Equal(t, unixSeconds(clock.Now()), p.RecordedAt)

	_, err = m.prov.Lookup(ctx, TypeEpisodic, "no-such-id")
	require.Error(t, err)
	assert.True(t, apierrors.Is(err, apierrors.CodeNotFound))
}

func TestEpisodicConcurrentAccessBumpsNeverLoseIncrements(t *testing.T) {
	m, _, _ := newTestEpisodic(t)
	ctx := context.Background()

	id, err := m.Consolidate(ctx, EpisodicRecord{TaskQuery: "contended", Score: 0.5})
	require.NoError(t, err)

	const workers = 16
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			_, retErr := m.Retrieve(ctx, TextQuery("contended"), 1)
			assert.NoError(t, retErr)
		}()
	}
	wg.Wait()

	got, err := m.Retrieve(ctx, TextQuery("contended"), 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID)
	assert.Equal(t, int64(workers+1), got[0].AccessCount)
}

type downEmbedder struct{ dim int }

func (e downEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("%w: connection refused", embeddings.ErrUnavailable)
}

func (e downEmbedder) Dimension() int { return e.dim }

func TestEpisodicEmbedderOutageSurfacesEmbedUnavailable(t *testing.T) {
	store := vectordb.NewMemStore(zap.NewNop())
	prov := NewProvenanceStore(newTestKV())
	m := NewEpisodic(store, downEmbedder{dim: testDim}, prov, zap.NewNop())
	require.NoError(t, store.EnsureCollection(context.Background(), EpisodicCollection, testDim))

	_, err := m.Consolidate(context.Background(), EpisodicRecord{TaskQuery: "x", Score: 0.5})
	require.Error(t, err)
	assert.True(t, apierrors.Is(err, apierrors.CodeEmbedUnavailable))
}

// downVectorStore fails every data operation with the unavailability
// sentinel, as the Qdrant client does after exhausting its retries.
type downVectorStore struct{ vectordb.VectorStore }

func (downVectorStore) Upsert(context.Context, string, []vectordb.Point) error {
	return vectordb.ErrUnavailable
}

func (downVectorStore) Search(context.Context, string, []float32, int) ([]vectordb.ScoredPoint, error) {
	return nil, vectordb.ErrUnavailable
}

func TestEpisodicVectorOutageSurfacesBackendUnavailable(t *testing.T) {
	inner := vectordb.NewMemStore(zap.NewNop())
	prov := NewProvenanceStore(newTestKV())
	m := NewEpisodic(downVectorStore{inner}, embeddings.NewLocal(testDim), prov, zap.NewNop())

	_, err := m.Consolidate(context.Background(), EpisodicRecord{TaskQuery: "x", Score: 0.5})
	require.Error(t, err)
	assert.True(t, apierrors.Is(err, apierrors.CodeBackendUnavailable))

	_, err = m.Retrieve(context.Background(), TextQuery("x"), 5)
	require.Error(t, err)
	assert.True(t, apierrors.Is(err, apierrors.CodeBackendUnavailable))
}
