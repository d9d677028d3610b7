package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/memflow/config"
	"github.com/BaSui01/memflow/types"
)

// localEntry is one resident record plus its accounting.
type localEntry struct {
	key       string
	record    *types.MemoryRecord
	size      int64
	expiresAt time.Time // zero means no expiry
}

func (e *localEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// LocalCache is the in-process hot tier: an LRU bounded by both entry
// count and byte budget, with lazy expiry on read plus a periodic sweep.
type LocalCache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front is most recently used
	bytes   int64

	maxEntries int
	maxBytes   int64
	defaultTTL time.Duration

	hits   atomic.Uint64
	misses atomic.Uint64

	logger *zap.Logger
	stop   chan struct{}
	once   sync.Once
}

// NewLocalCache builds the hot tier and starts the sweeper when a sweep
// interval is configured.
func NewLocalCache(cfg config.CacheConfig, logger *zap.Logger) *LocalCache {
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &LocalCache{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: cfg.MaxEntries,
		maxBytes:   cfg.MaxBytes,
		defaultTTL: cfg.DefaultTTL,
		logger:     logger.With(zap.String("component", "cache"), zap.String("tier", "local")),
		stop:       make(chan struct{}),
	}

	if cfg.SweepInterval > 0 {
		go c.sweepLoop(cfg.SweepInterval)
	}

	return c
}

// Name identifies the tier in stats and metrics.
func (c *LocalCache) Name() string {
	return "local"
}

// Get fetches a cached record, or ErrCacheMiss. Expired entries are
// removed on the way out.
func (c *LocalCache) Get(_ context.Context, key string) (*types.MemoryRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses.Add(1)
		return nil, ErrCacheMiss
	}

	entry := el.Value.(*localEntry)
	if entry.expired(time.Now()) {
		c.removeLocked(el)
		c.misses.Add(1)
		return nil, ErrCacheMiss
	}

	c.order.MoveToFront(el)
	c.hits.Add(1)
	return entry.record.Clone(), nil
}

// Set stores a record and evicts from the cold end until both budgets
// hold. A zero ttl falls back to the tier default; a zero default means
// no expiry.
func (c *LocalCache) Set(_ context.Context, key string, record *types.MemoryRecord, ttl time.Duration) error {
	if record == nil {
		return nil
	}
	if ttl == 0 {
		ttl = c.defaultTTL
	}

	entry := &localEntry{
		key:    key,
		record: record.Clone(),
		size:   entrySize(key, record),
	}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.bytes -= el.Value.(*localEntry).size
		el.Value = entry
		c.bytes += entry.size
		c.order.MoveToFront(el)
	} else {
		c.entries[key] = c.order.PushFront(entry)
		c.bytes += entry.size
	}

	for c.overBudgetLocked() {
		back := c.order.Back()
		if back == nil || back.Value.(*localEntry).key == key && c.order.Len() == 1 {
			break
		}
		c.removeLocked(back)
	}

	return nil
}

// Exists reports whether a live entry is resident. It does not promote
// the entry and does not touch the hit and miss counters.
func (c *LocalCache) Exists(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return false, nil
	}
	if el.Value.(*localEntry).expired(time.Now()) {
		c.removeLocked(el)
		return false, nil
	}
	return true, nil
}

// Clear drops every entry. Counters and the sweeper keep running.
func (c *LocalCache) Clear(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*list.Element)
	c.order.Init()
	c.bytes = 0
	return nil
}

// Delete removes keys. Absent keys are ignored.
func (c *LocalCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range keys {
		if el, ok := c.entries[key]; ok {
			c.removeLocked(el)
		}
	}
	return nil
}

// Stats reports hit and miss counters plus resident entry accounting.
func (c *LocalCache) Stats(_ context.Context) (*Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return &Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Entries: int64(len(c.entries)),
		Bytes:   c.bytes,
	}, nil
}

// Health always succeeds; the tier is in-process.
func (c *LocalCache) Health(_ context.Context) error {
	return nil
}

// Close stops the sweeper and drops all entries.
func (c *LocalCache) Close() error {
	c.once.Do(func() { close(c.stop) })

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
	c.bytes = 0
	return nil
}

func (c *LocalCache) overBudgetLocked() bool {
	if c.maxEntries > 0 && len(c.entries) > c.maxEntries {
		return true
	}
	if c.maxBytes > 0 && c.bytes > c.maxBytes {
		return true
	}
	return false
}

func (c *LocalCache) removeLocked(el *list.Element) {
	entry := el.Value.(*localEntry)
	c.order.Remove(el)
	delete(c.entries, entry.key)
	c.bytes -= entry.size
}

func (c *LocalCache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			removed := c.sweep(time.Now())
			if removed > 0 {
				c.logger.Debug("swept expired cache entries", zap.Int("removed", removed))
			}
		}
	}
}

func (c *LocalCache) sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if el.Value.(*localEntry).expired(now) {
			c.removeLocked(el)
			removed++
		}
		el = prev
	}
	return removed
}

// entrySize approximates resident bytes for the byte budget. Content and
// embedding dominate; map values are charged a flat overhead.
func entrySize(key string, r *types.MemoryRecord) int64 {
	size := int64(len(key)) + int64(len(r.Content)) + int64(len(r.Embedding))*4
	size += int64(len(r.ID) + len(r.TenantID) + len(r.ContentHash))
	for _, e := range r.Entities {
		size += int64(len(e))
	}
	for _, rel := range r.Relations {
		size += int64(len(rel))
	}
	size += int64(len(r.Metadata)) * 64
	return size + 256
}
