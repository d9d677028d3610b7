// Package cache provides the low-latency record cache tiers: a Redis
// backend and an in-process LRU. Both speak the same interface so the
// storage coordinator can stack or swap them by configuration.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/memflow/types"
)

// ErrCacheMiss is returned when a key is absent. A miss is not a failure;
// callers fall through to the durable store.
var ErrCacheMiss = errors.New("cache miss")

// IsCacheMiss reports whether err is a cache miss.
func IsCacheMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}

// RecordKey builds the cache key for one memory record. The tenant id is
// part of the key so tenants can never observe each other's entries.
func RecordKey(tenantID, id string) string {
	return fmt.Sprintf("mem:%s:%s", tenantID, id)
}

// Stats summarizes cache effectiveness.
type Stats struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Entries int64  `json:"entries"`
	Bytes   int64  `json:"bytes"`
}

// RecordCache is the cache tier contract. A TTL of zero at Set time means
// the backend default; a backend default of zero means no expiry.
//
// Exists reports key presence without moving it in any eviction order
// and without counting toward the hit and miss statistics. Clear drops
// every record entry the tier holds and leaves the tier usable.
type RecordCache interface {
	Name() string
	Get(ctx context.Context, key string) (*types.MemoryRecord, error)
	Set(ctx context.Context, key string, record *types.MemoryRecord, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	Clear(ctx context.Context) error
	Stats(ctx context.Context) (*Stats, error)
	Health(ctx context.Context) error
	Close() error
}
