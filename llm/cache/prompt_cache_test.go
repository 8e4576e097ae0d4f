package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/BaSui01/inferbatch/internal/metrics"
	"github.com/BaSui01/inferbatch/llm/batch"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type toolPayload struct {
	Model string
	Tools []string
}

func TestLRUCache_Basic(t *testing.T) {
	cache := NewLRUCache(3, time.Minute)

	entry := &CacheEntry{Response: &batch.Response{Payload: "hello"}}
	cache.Set("key1", entry)

	got, ok := cache.Get("key1")
	require.True(t, ok, "expected cache hit")
	assert.Equal(t, "hello", got.Response.Payload)
}

func TestLRUCache_Eviction(t *testing.T) {
	cache := NewLRUCache(2, time.Minute)

	cache.Set("key1", &CacheEntry{Response: &batch.Response{Payload: 1}})
	cache.Set("key2", &CacheEntry{Response: &batch.Response{Payload: 2}})
	cache.Set("key3", &CacheEntry{Response: &batch.Response{Payload: 3}}) // 应该驱逐 key1

	_, ok := cache.Get("key1")
	assert.False(t, ok, "key1 should have been evicted")
	_, ok = cache.Get("key2")
	assert.True(t, ok, "key2 should exist")
	_, ok = cache.Get("key3")
	assert.True(t, ok, "key3 should exist")
}

func TestLRUCache_TTL(t *testing.T) {
	cache := NewLRUCache(10, 10*time.Millisecond)

	cache.Set("key1", &CacheEntry{Response: &batch.Response{Payload: 1}})

	_, ok := cache.Get("key1")
	require.True(t, ok, "expected cache hit")

	time.Sleep(20 * time.Millisecond)

	_, ok = cache.Get("key1")
	assert.False(t, ok, "expected cache miss after TTL")
}

func TestMultiLevelCache_Hash(t *testing.T) {
	cache := NewMultiLevelCache(nil, nil, nil, zap.NewNop())
	cache.config.EnableRedis = false

	req1 := batch.NewRequest(&fakePayload{Model: "gpt-4", Prompt: "hello"}, 0)
	req2 := batch.NewRequest(&fakePayload{Model: "gpt-4", Prompt: "hello"}, 0)
	req3 := batch.NewRequest(&fakePayload{Model: "gpt-4", Prompt: "world"}, 0)

	key1, err := cache.Hash(context.Background(), req1)
	require.NoError(t, err)
	key2, err := cache.Hash(context.Background(), req2)
	require.NoError(t, err)
	key3, err := cache.Hash(context.Background(), req3)
	require.NoError(t, err)

	assert.Equal(t, key1, key2, "same payload should have same key")
	assert.NotEqual(t, key1, key3, "different payloads should have different keys")
}

func TestMultiLevelCache_IsCacheable(t *testing.T) {
	cache := NewMultiLevelCache(nil, nil, nil, zap.NewNop())

	assert.True(t, cache.IsCacheable(&toolPayload{Model: "gpt-4"}), "request without tools should be cacheable")
	assert.False(t, cache.IsCacheable(&toolPayload{Model: "gpt-4", Tools: []string{"search"}}), "request with tools should not be cacheable")
}

func TestMultiLevelCache_HashRejectsNonCacheable(t *testing.T) {
	cache := NewMultiLevelCache(nil, nil, nil, zap.NewNop())

	req := batch.NewRequest(&toolPayload{Model: "gpt-4", Tools: []string{"search"}}, 0)
	_, err := cache.Hash(context.Background(), req)
	assert.ErrorIs(t, err, ErrNotCacheable)
}

func setupTestRedisCache(t *testing.T) (*miniredis.Miniredis, *MultiLevelCache) {
	mr, cache, _ := setupTestRedisCacheWithMetrics(t)
	return mr, cache
}

func setupTestRedisCacheWithMetrics(t *testing.T) (*miniredis.Miniredis, *MultiLevelCache, string) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	namespace := fmt.Sprintf("test_cache_%d", time.Now().UnixNano())
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := DefaultCacheConfig()
	collector := metrics.NewCollector(namespace, zap.NewNop())
	cache := NewMultiLevelCache(rdb, cfg, collector, zap.NewNop())

	return mr, cache, namespace
}

func TestMultiLevelCache_LookupMissThenInsertThenHit(t *testing.T) {
	mr, cache := setupTestRedisCache(t)
	defer mr.Close()

	ctx := context.Background()
	req := batch.NewRequest(&fakePayload{Model: "gpt-4", Prompt: "hello"}, 0)
	key, err := cache.Hash(ctx, req)
	require.NoError(t, err)

	_, status, err := cache.Lookup(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, batch.CacheNotFound, status)

	insStatus, err := cache.Insert(ctx, key, &batch.Response{RequestID: req.ID, Payload: "answer", Final: true})
	require.NoError(t, err)
	assert.Equal(t, batch.CacheOK, insStatus)

	resp, status, err := cache.Lookup(ctx, key)
	require.NoError(t, err)
	require.Equal(t, batch.CacheOK, status)
	assert.Equal(t, "answer", resp.Payload)
}

func TestMultiLevelCache_ConcurrentInsertReturnsAlreadyExists(t *testing.T) {
	mr, cache := setupTestRedisCache(t)
	defer mr.Close()

	ctx := context.Background()
	key := "batch:cache:racing-key"

	status1, err := cache.Insert(ctx, key, &batch.Response{Payload: "first", Final: true})
	require.NoError(t, err)
	assert.Equal(t, batch.CacheOK, status1)

	status2, err := cache.Insert(ctx, key, &batch.Response{Payload: "second", Final: true})
	require.NoError(t, err)
	assert.Equal(t, batch.CacheAlreadyExists, status2, "a losing concurrent writer must be told it already exists")
}

// familyValue sums the sample values of the counter/histogram-count family
// named namespace_name across a Gather() snapshot, regardless of label set.
func familyValue(t *testing.T, namespace, name string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	want := namespace + "_" + name
	var total float64
	for _, mf := range families {
		if mf.GetName() != want {
			continue
		}
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetHistogram() != nil:
				total += float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return total
}

func TestMultiLevelCache_RecordsCacheMetrics(t *testing.T) {
	mr, cache, namespace := setupTestRedisCacheWithMetrics(t)
	defer mr.Close()

	ctx := context.Background()
	req := batch.NewRequest(&fakePayload{Model: "gpt-4", Prompt: "metrics"}, 0)
	key, err := cache.Hash(ctx, req)
	require.NoError(t, err)

	_, status, err := cache.Lookup(ctx, key)
	require.NoError(t, err)
	require.Equal(t, batch.CacheNotFound, status)

	_, err = cache.Insert(ctx, key, &batch.Response{RequestID: req.ID, Payload: "answer", Final: true})
	require.NoError(t, err)

	_, status, err = cache.Lookup(ctx, key)
	require.NoError(t, err)
	require.Equal(t, batch.CacheOK, status)

	assert.Equal(t, float64(1), familyValue(t, namespace, "cache_misses_total"), "the first lookup should record one miss")
	assert.Equal(t, float64(1), familyValue(t, namespace, "cache_hits_total"), "the second lookup should record one hit")
	assert.Equal(t, float64(1), familyValue(t, namespace, "cache_insert_duration_seconds"), "Insert should record one duration observation")
	assert.Equal(t, float64(2), familyValue(t, namespace, "cache_lookup_duration_seconds"), "both Lookup calls should record a duration observation")
}
