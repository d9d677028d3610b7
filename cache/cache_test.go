package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/memflow/config"
	"github.com/BaSui01/memflow/types"
)

func newTestRecord(id string, content string) *types.MemoryRecord {
	return &types.MemoryRecord{
		ID:          id,
		TenantID:    "t1",
		Scope:       types.AgentScope("a1"),
		Level:       types.LevelOperational,
		MemoryType:  types.MemoryEpisodic,
		Content:     content,
		ContentHash: types.HashContent(content),
		Importance:  0.5,
		Version:     1,
		CreatedAt:   time.Now().UTC(),
	}
}

func newMiniredisCache(t *testing.T, ttl time.Duration) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewRedisCacheFromClient(client, ttl, nil)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestRedisCacheRoundTrip(t *testing.T) {
	c, _ := newMiniredisCache(t, time.Minute)
	ctx := context.Background()

	rec := newTestRecord("m1", "alpha")
	key := RecordKey(rec.TenantID, rec.ID)

	_, err := c.Get(ctx, key)
	assert.True(t, IsCacheMiss(err))

	require.NoError(t, c.Set(ctx, key, rec, 0))

	got, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "m1", got.ID)
	assert.Equal(t, "alpha", got.Content)
	assert.Equal(t, rec.Scope, got.Scope)

	require.NoError(t, c.Delete(ctx, key))
	_, err = c.Get(ctx, key)
	assert.True(t, IsCacheMiss(err))
}

func TestRedisCacheTTLExpiry(t *testing.T) {
	c, mr := newMiniredisCache(t, time.Minute)
	ctx := context.Background()

	rec := newTestRecord("m1", "alpha")
	key := RecordKey(rec.TenantID, rec.ID)
	require.NoError(t, c.Set(ctx, key, rec, 10*time.Second))

	mr.FastForward(11 * time.Second)

	_, err := c.Get(ctx, key)
	assert.True(t, IsCacheMiss(err))
}

func TestRedisCacheCorruptEntryIsMiss(t *testing.T) {
	c, mr := newMiniredisCache(t, time.Minute)
	ctx := context.Background()

	key := RecordKey("t1", "m1")
	require.NoError(t, mr.Set(key, "{not json"))

	_, err := c.Get(ctx, key)
	assert.True(t, IsCacheMiss(err))
	// The corrupt entry is dropped.
	assert.False(t, mr.Exists(key))
}

func TestRedisCacheTenantIsolation(t *testing.T) {
	c, _ := newMiniredisCache(t, time.Minute)
	ctx := context.Background()

	rec := newTestRecord("m1", "alpha")
	require.NoError(t, c.Set(ctx, RecordKey("t1", rec.ID), rec, 0))

	_, err := c.Get(ctx, RecordKey("t2", rec.ID))
	assert.True(t, IsCacheMiss(err))
}

func TestRedisCacheStats(t *testing.T) {
	c, _ := newMiniredisCache(t, time.Minute)
	ctx := context.Background()

	rec := newTestRecord("m1", "alpha")
	key := RecordKey(rec.TenantID, rec.ID)
	require.NoError(t, c.Set(ctx, key, rec, 0))

	_, _ = c.Get(ctx, key)
	_, _ = c.Get(ctx, "mem:t1:absent")

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Entries)
}

func TestRedisCacheExists(t *testing.T) {
	c, _ := newMiniredisCache(t, time.Minute)
	ctx := context.Background()

	rec := newTestRecord("m1", "alpha")
	key := RecordKey(rec.TenantID, rec.ID)

	exists, err := c.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, c.Set(ctx, key, rec, 0))

	exists, err = c.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, exists)

	// Probing does not count as a hit or a miss.
	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Hits)
	assert.Zero(t, stats.Misses)
}

func TestRedisCacheClearKeepsForeignKeys(t *testing.T) {
	c, mr := newMiniredisCache(t, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("m%d", i)
		require.NoError(t, c.Set(ctx, RecordKey("t1", id), newTestRecord(id, "x"), 0))
	}
	// An unrelated key in a shared database must survive.
	require.NoError(t, mr.Set("session:xyz", "keep"))

	require.NoError(t, c.Clear(ctx))

	for i := 0; i < 5; i++ {
		_, err := c.Get(ctx, RecordKey("t1", fmt.Sprintf("m%d", i)))
		assert.True(t, IsCacheMiss(err))
	}
	assert.True(t, mr.Exists("session:xyz"))
}

func newLocalCache(cfg config.CacheConfig) *LocalCache {
	if cfg.MaxEntries == 0 && cfg.MaxBytes == 0 {
		cfg.MaxEntries = 100
	}
	return NewLocalCache(cfg, nil)
}

func TestLocalCacheRoundTrip(t *testing.T) {
	c := newLocalCache(config.CacheConfig{MaxEntries: 10})
	defer c.Close()
	ctx := context.Background()

	rec := newTestRecord("m1", "alpha")
	key := RecordKey(rec.TenantID, rec.ID)

	_, err := c.Get(ctx, key)
	assert.True(t, IsCacheMiss(err))

	require.NoError(t, c.Set(ctx, key, rec, 0))

	got, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "alpha", got.Content)

	// The cache hands out copies, not aliases.
	got.Content = "mutated"
	again, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "alpha", again.Content)
}

func TestLocalCacheEntryBudgetEvictsLRU(t *testing.T) {
	c := newLocalCache(config.CacheConfig{MaxEntries: 3})
	defer c.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("m%d", i)
		require.NoError(t, c.Set(ctx, RecordKey("t1", id), newTestRecord(id, "x"), 0))
	}

	// Touch m0 so m1 becomes the cold end.
	_, err := c.Get(ctx, RecordKey("t1", "m0"))
	require.NoError(t, err)

	require.NoError(t, c.Set(ctx, RecordKey("t1", "m3"), newTestRecord("m3", "x"), 0))

	_, err = c.Get(ctx, RecordKey("t1", "m1"))
	assert.True(t, IsCacheMiss(err))
	_, err = c.Get(ctx, RecordKey("t1", "m0"))
	assert.NoError(t, err)
}

func TestLocalCacheByteBudget(t *testing.T) {
	c := newLocalCache(config.CacheConfig{MaxBytes: 2048})
	defer c.Close()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("m%d", i)
		require.NoError(t, c.Set(ctx, RecordKey("t1", id), newTestRecord(id, "payload payload payload"), 0))
	}

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, stats.Bytes, int64(2048))
	assert.Less(t, stats.Entries, int64(10))
}

func TestLocalCacheZeroTTLNeverExpires(t *testing.T) {
	c := newLocalCache(config.CacheConfig{MaxEntries: 10, DefaultTTL: 0})
	defer c.Close()
	ctx := context.Background()

	key := RecordKey("t1", "m1")
	require.NoError(t, c.Set(ctx, key, newTestRecord("m1", "alpha"), 0))

	removed := c.sweep(time.Now().Add(24 * time.Hour))
	assert.Zero(t, removed)

	_, err := c.Get(ctx, key)
	assert.NoError(t, err)
}

func TestLocalCacheExists(t *testing.T) {
	c := newLocalCache(config.CacheConfig{MaxEntries: 10})
	defer c.Close()
	ctx := context.Background()

	key := RecordKey("t1", "m1")

	exists, err := c.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, c.Set(ctx, key, newTestRecord("m1", "alpha"), 0))

	exists, err = c.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, exists)

	// Probing does not count as a hit or a miss and does not promote.
	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Hits)
	assert.Zero(t, stats.Misses)

	// An expired entry reports absent.
	require.NoError(t, c.Set(ctx, RecordKey("t1", "m2"), newTestRecord("m2", "beta"), time.Nanosecond))
	time.Sleep(time.Millisecond)
	exists, err = c.Exists(ctx, RecordKey("t1", "m2"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestLocalCacheClear(t *testing.T) {
	c := newLocalCache(config.CacheConfig{MaxEntries: 10})
	defer c.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("m%d", i)
		require.NoError(t, c.Set(ctx, RecordKey("t1", id), newTestRecord(id, "x"), 0))
	}

	require.NoError(t, c.Clear(ctx))

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Entries)
	assert.Zero(t, stats.Bytes)

	// The tier stays usable after a clear.
	require.NoError(t, c.Set(ctx, RecordKey("t1", "m9"), newTestRecord("m9", "x"), 0))
	_, err = c.Get(ctx, RecordKey("t1", "m9"))
	assert.NoError(t, err)
}

func TestLocalCacheSweepRemovesExpired(t *testing.T) {
	c := newLocalCache(config.CacheConfig{MaxEntries: 10})
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, RecordKey("t1", "m1"), newTestRecord("m1", "alpha"), time.Second))
	require.NoError(t, c.Set(ctx, RecordKey("t1", "m2"), newTestRecord("m2", "beta"), 0))

	removed := c.sweep(time.Now().Add(time.Minute))
	assert.Equal(t, 1, removed)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Entries)
}
