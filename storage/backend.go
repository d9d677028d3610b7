// Package storage provides the durable record store backends and the
// hybrid storage coordinator that fronts them with the cache tiers.
package storage

import (
	"context"
	"time"

	"github.com/BaSui01/memflow/types"
)

// StoreStats summarizes the durable store contents.
type StoreStats struct {
	CountByLevel map[types.MemoryLevel]int64 `json:"count_by_level"`
	CountByScope map[string]int64            `json:"count_by_scope"`
	TotalBytes   int64                       `json:"total_bytes"`
	TotalRecords int64                       `json:"total_records"`
}

// RecordStore is the durable persistence contract. Backends are
// selected by configuration key at startup; the engine never swaps a
// backend at runtime.
//
// Put is an upsert keyed by id and returns the stored record with the
// server-assigned version; a write whose version is behind the stored one
// fails with a StaleWrite error. Delete is a soft delete; Compact removes
// tombstones and expired rows older than the grace period. Records past
// their ExpiresAt are invisible to every read operation.
type RecordStore interface {
	Init(ctx context.Context) error
	Put(ctx context.Context, record *types.MemoryRecord) (*types.MemoryRecord, error)
	Get(ctx context.Context, tenantID, id string) (*types.MemoryRecord, error)
	Delete(ctx context.Context, tenantID, id string) (bool, error)
	ListByScope(ctx context.Context, tenantID string, scope types.Scope, level *types.MemoryLevel, limit, offset int) ([]*types.MemoryRecord, error)
	ListByLevel(ctx context.Context, tenantID string, level types.MemoryLevel, limit int) ([]*types.MemoryRecord, error)
	ListByTenantAgent(ctx context.Context, tenantID, agentID string, limit, offset int) ([]*types.MemoryRecord, error)
	SearchText(ctx context.Context, tenantID, query string, scope *types.Scope, limit int) ([]string, error)

	// ListByEntity returns ids of live records referencing the given
	// extracted entity; used by query-time graph expansion.
	ListByEntity(ctx context.Context, tenantID, entityID string, limit int) ([]string, error)

	// Scan iterates the whole store in stable id order for index rebuild,
	// warming, and migration. An empty cursor starts from the beginning;
	// the returned cursor resumes after the last record.
	Scan(ctx context.Context, cursor string, batchSize int) ([]*types.MemoryRecord, string, error)

	// Touch records an access without bumping the record version; access
	// metadata is deliberately outside the optimistic-concurrency domain.
	Touch(ctx context.Context, tenantID, id string, at time.Time) error

	Stats(ctx context.Context) (*StoreStats, error)
	Compact(ctx context.Context, grace time.Duration) (int64, error)
	Health(ctx context.Context) error
	Close() error
}
