package embeddings

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLocalLRUBasic(t *testing.T) {
	lru := NewLocalLRU(4)
	ctx := context.Background()

	lru.Set(ctx, "a", []float32{1, 2}, time.Minute)
	got, ok := lru.Get(ctx, "a")
	require.True(t, ok)
	assert.Equal(t, []float32{1, 2}, got)

	_, ok = lru.Get(ctx, "missing")
	assert.False(t, ok)
}

func TestLocalLRUEvictsLeastRecentlyUsed(t *testing.T) {
	lru := NewLocalLRU(2)
	ctx := context.Background()

	lru.Set(ctx, "a", []float32{1}, time.Minute)
	lru.Set(ctx, "b", []float32{2}, time.Minute)

	// Touch "a" so "b" becomes the eviction candidate.
	_, ok := lru.Get(ctx, "a")
	require.True(t, ok)

	lru.Set(ctx, "c", []float32{3}, time.Minute)
	assert.Equal(t, 2, lru.Len())

	_, ok = lru.Get(ctx, "b")
	assert.False(t, ok)
	_, ok = lru.Get(ctx, "a")
	assert.True(t, ok)
	_, ok = lru.Get(ctx, "c")
	assert.True(t, ok)
}

func TestLocalLRUExpiry(t *testing.T) {
	lru := NewLocalLRU(4)
	ctx := context.Background()

	lru.Set(ctx, "a", []float32{1}, 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	_, ok := lru.Get(ctx, "a")
	assert.False(t, ok)
	assert.Equal(t, 0, lru.Len())
}

func TestLocalLRUDefaultCapacity(t *testing.T) {
	lru := NewLocalLRU(0)
	assert.Equal(t, 1024, lru.cap)
}

func TestRedisCacheRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	cache, err := NewRedisCache(mr.Addr(), zap.NewNop())
	require.NoError(t, err)
	defer cache.Close()

	ctx := context.Background()
	vec := []float32{0.25, -1.5, 3.125}
	cache.Set(ctx, MakeKey("m", "hello"), vec, time.Minute)

	got, ok := cache.Get(ctx, MakeKey("m", "hello"))
	require.True(t, ok)
	assert.Equal(t, vec, got)

	_, ok = cache.Get(ctx, MakeKey("m", "other"))
	assert.False(t, ok)
}

func TestRedisCacheURLForm(t *testing.T) {
	mr := miniredis.RunT(t)
	cache, err := NewRedisCache("redis://"+mr.Addr(), zap.NewNop())
	require.NoError(t, err)
	cache.Close()
}

func TestMakeKeyStable(t *testing.T) {
	assert.Equal(t, MakeKey("m", "text"), MakeKey("m", "text"))
	assert.NotEqual(t, MakeKey("m", "text"), MakeKey("m", "other"))
	assert.NotEqual(t, MakeKey("a", "text"), MakeKey("b", "text"))
}
