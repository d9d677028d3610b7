package storage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/BaSui01/memflow/cache"
	"github.com/BaSui01/memflow/internal/metrics"
	"github.com/BaSui01/memflow/types"
)

// WarmReport summarizes one cache warming pass.
type WarmReport struct {
	Warmed  int `json:"warmed"`
	Skipped int `json:"skipped"`
}

// MigrateReport summarizes one migration run. Cursor is non-empty when the
// run stopped early and can be resumed.
type MigrateReport struct {
	Migrated int      `json:"migrated"`
	Failed   []string `json:"failed,omitempty"`
	Cursor   string   `json:"cursor,omitempty"`
}

// Coordinator fronts the durable store with the cache tiers. Reads go
// through the tiers warmest first and collapse concurrent misses for the
// same key into one store read; writes land in the store first and then
// refresh the tiers best effort, so a cache failure never fails a write.
type Coordinator struct {
	store      RecordStore
	tiers      []cache.RecordCache // ordered warmest first
	defaultTTL time.Duration
	sf         singleflight.Group
	metrics    *metrics.Collector
	logger     *zap.Logger
}

// NewCoordinator builds the hybrid storage front. Tiers are consulted in
// the order given; pass the in-process tier before Redis.
func NewCoordinator(store RecordStore, tiers []cache.RecordCache, defaultTTL time.Duration, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		store:      store,
		tiers:      tiers,
		defaultTTL: defaultTTL,
		logger:     logger.With(zap.String("component", "storage_coordinator")),
	}
}

// WithMetrics enables per-tier hit and miss counters plus durable-call
// timings. A nil collector leaves telemetry off.
func (c *Coordinator) WithMetrics(collector *metrics.Collector) *Coordinator {
	c.metrics = collector
	return c
}

func (c *Coordinator) observeStore(operation string, start time.Time) {
	if c.metrics != nil {
		c.metrics.RecordBackendCall("store", operation, time.Since(start))
	}
}

// Store exposes the underlying durable store for index rebuild and stats.
func (c *Coordinator) Store() RecordStore {
	return c.store
}

// Put writes through: durable store first, then the cache tiers. A tier
// failure is logged and the stale key dropped so readers fall through.
func (c *Coordinator) Put(ctx context.Context, record *types.MemoryRecord) (*types.MemoryRecord, error) {
	start := time.Now()
	stored, err := c.store.Put(ctx, record)
	c.observeStore("put", start)
	if err != nil {
		return nil, err
	}

	key := cache.RecordKey(stored.TenantID, stored.ID)
	for _, tier := range c.tiers {
		if err := tier.Set(ctx, key, stored, c.defaultTTL); err != nil {
			c.logger.Warn("cache fill after write failed, dropping key",
				zap.String("key", key), zap.Error(err))
			_ = tier.Delete(ctx, key)
		}
	}
	return stored, nil
}

// Get reads through the tiers and collapses concurrent misses per key
// into a single durable read. A hit in a colder tier backfills the
// warmer ones.
func (c *Coordinator) Get(ctx context.Context, tenantID, id string) (*types.MemoryRecord, error) {
	key := cache.RecordKey(tenantID, id)

	for i, tier := range c.tiers {
		record, err := tier.Get(ctx, key)
		if err == nil {
			if record.Expired(time.Now().UTC()) {
				// The durable store no longer serves this record, so a
				// lingering cached copy must not either.
				_ = tier.Delete(ctx, key)
				if c.metrics != nil {
					c.metrics.RecordCacheMiss(tier.Name())
				}
				continue
			}
			if c.metrics != nil {
				c.metrics.RecordCacheHit(tier.Name())
			}
			for j := 0; j < i; j++ {
				_ = c.tiers[j].Set(ctx, key, record, c.defaultTTL)
			}
			return record, nil
		}
		if cache.IsCacheMiss(err) {
			if c.metrics != nil {
				c.metrics.RecordCacheMiss(tier.Name())
			}
		} else {
			c.logger.Warn("cache tier read failed, falling through",
				zap.String("key", key), zap.Error(err))
		}
	}

	v, err, _ := c.sf.Do(key, func() (any, error) {
		start := time.Now()
		record, err := c.store.Get(ctx, tenantID, id)
		c.observeStore("get", start)
		if err != nil {
			return nil, err
		}
		for _, tier := range c.tiers {
			_ = tier.Set(ctx, key, record, c.defaultTTL)
		}
		return record, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.MemoryRecord), nil
}

// Delete tombstones in the store, then invalidates the tiers. A failed
// invalidation is retried in the background so a stale entry cannot
// outlive its TTL by much.
func (c *Coordinator) Delete(ctx context.Context, tenantID, id string) (bool, error) {
	start := time.Now()
	deleted, err := c.store.Delete(ctx, tenantID, id)
	c.observeStore("delete", start)
	if err != nil {
		return false, err
	}

	key := cache.RecordKey(tenantID, id)
	for _, tier := range c.tiers {
		if err := tier.Delete(ctx, key); err != nil {
			c.logger.Warn("cache invalidation failed, retrying in background",
				zap.String("key", key), zap.Error(err))
			go c.retryInvalidate(tier, key)
		}
	}
	return deleted, nil
}

func (c *Coordinator) retryInvalidate(tier cache.RecordCache, key string) {
	backoff := 100 * time.Millisecond
	for attempt := 0; attempt < 5; attempt++ {
		time.Sleep(backoff)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := tier.Delete(ctx, key)
		cancel()
		if err == nil {
			return
		}
		backoff *= 2
	}
	c.logger.Error("giving up on cache invalidation", zap.String("key", key))
}

// Touch records an access in the durable store without touching the
// cached copy; access metadata is not part of the cached view's identity.
func (c *Coordinator) Touch(ctx context.Context, tenantID, id string, at time.Time) error {
	start := time.Now()
	err := c.store.Touch(ctx, tenantID, id, at)
	c.observeStore("touch", start)
	return err
}

// Warm bulk-primes the cache tiers by scanning the durable store. Scope
// and level narrow the candidate set; limit caps how many records are
// loaded. Ids already resident in any tier are skipped.
func (c *Coordinator) Warm(ctx context.Context, tenantID string, scope *types.Scope, level *types.MemoryLevel, limit int) (*WarmReport, error) {
	if limit <= 0 {
		limit = 1000
	}
	report := &WarmReport{}

	cursor := ""
	for report.Warmed < limit {
		if err := ctx.Err(); err != nil {
			return report, types.NewError(types.ErrCancelled, "warm cancelled").WithCause(err)
		}

		batch, next, err := c.store.Scan(ctx, cursor, 100)
		if err != nil {
			return report, err
		}
		if len(batch) == 0 {
			break
		}

		for _, record := range batch {
			if report.Warmed >= limit {
				break
			}
			if record.TenantID != tenantID {
				continue
			}
			if scope != nil && record.Scope != *scope {
				continue
			}
			if level != nil && record.Level != *level {
				continue
			}

			key := cache.RecordKey(tenantID, record.ID)
			cached := false
			for _, tier := range c.tiers {
				if _, err := tier.Get(ctx, key); err == nil {
					cached = true
					break
				}
			}
			if cached {
				report.Skipped++
				continue
			}

			for _, tier := range c.tiers {
				_ = tier.Set(ctx, key, record, c.defaultTTL)
			}
			report.Warmed++
		}

		if next == "" {
			break
		}
		cursor = next
	}

	c.logger.Info("cache warm complete",
		zap.Int("warmed", report.Warmed),
		zap.Int("skipped", report.Skipped),
	)
	return report, nil
}

// Migrate copies every live record into the target store in batches,
// verifying each batch with a re-read. On error the report carries the
// cursor of the last complete batch so a rerun resumes there. Individual
// verification mismatches are accumulated, not fatal.
func (c *Coordinator) Migrate(ctx context.Context, target RecordStore, cursor string, batchSize int) (*MigrateReport, error) {
	if target == nil {
		return nil, types.NewError(types.ErrValidation, "migration target is required")
	}
	if batchSize <= 0 {
		batchSize = 100
	}

	report := &MigrateReport{Cursor: cursor}

	for {
		if err := ctx.Err(); err != nil {
			return report, types.NewError(types.ErrCancelled, "migration cancelled").WithCause(err)
		}

		batch, next, err := c.store.Scan(ctx, report.Cursor, batchSize)
		if err != nil {
			return report, err
		}
		if len(batch) == 0 {
			break
		}

		for _, record := range batch {
			if _, err := target.Put(ctx, record.Clone()); err != nil {
				return report, types.NewErrorf(types.ErrBackendUnavailable,
					"migration write failed at %s", record.ID).
					WithSubsystem("migration").WithRetryable(true).WithCause(err)
			}
		}

		// Verify the batch landed before advancing the resume cursor.
		for _, record := range batch {
			got, err := target.Get(ctx, record.TenantID, record.ID)
			if err != nil || got.ContentHash != record.ContentHash {
				c.logger.Warn("migration verification mismatch",
					zap.String("id", record.ID), zap.Error(err))
				report.Failed = append(report.Failed, record.ID)
				continue
			}
			report.Migrated++
		}

		report.Cursor = next
		if next == "" {
			break
		}
	}

	c.logger.Info("migration complete",
		zap.Int("migrated", report.Migrated),
		zap.Int("failed", len(report.Failed)),
	)
	report.Cursor = ""
	return report, nil
}

// CacheStats aggregates per-tier statistics.
func (c *Coordinator) CacheStats(ctx context.Context) ([]*cache.Stats, error) {
	out := make([]*cache.Stats, 0, len(c.tiers))
	for _, tier := range c.tiers {
		s, err := tier.Stats(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Health checks the store and every tier.
func (c *Coordinator) Health(ctx context.Context) map[string]error {
	out := map[string]error{"store": c.store.Health(ctx)}
	for i, tier := range c.tiers {
		out[fmt.Sprintf("cache_tier_%d", i)] = tier.Health(ctx)
	}
	return out
}

// Close shuts down the tiers and the store.
func (c *Coordinator) Close() error {
	var first error
	for _, tier := range c.tiers {
		if err := tier.Close(); err != nil && first == nil {
			first = err
		}
	}
	if err := c.store.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
