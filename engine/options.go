package engine

import (
	"time"

	"github.com/BaSui01/memflow/cache"
	"github.com/BaSui01/memflow/internal/pool"
	"github.com/BaSui01/memflow/query"
	"github.com/BaSui01/memflow/storage"
	"github.com/BaSui01/memflow/types"
)

// AddOptions shapes one ingest. Absent ids widen the scope; an ingest
// with no agent_id lands in the Global scope.
type AddOptions struct {
	AgentID   string         `json:"agent_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	// Infer controls fact extraction and conflict handling. Nil means
	// true; set to false to store content verbatim with the default
	// importance.
	Infer      *bool            `json:"infer,omitempty"`
	MemoryType types.MemoryType `json:"memory_type,omitempty"`
	Embedding  []float32        `json:"embedding,omitempty"`
}

func (o AddOptions) infer() bool {
	return o.Infer == nil || *o.Infer
}

// ListOptions narrows and pages a listing.
type ListOptions struct {
	Scope  *types.Scope       `json:"scope,omitempty"`
	Level  *types.MemoryLevel `json:"level,omitempty"`
	Limit  int                `json:"limit,omitempty"`
	Offset int                `json:"offset,omitempty"`
}

// SearchRequest is the public search surface; it maps directly onto the
// planner request.
type SearchRequest struct {
	QueryText   string            `json:"query_text,omitempty"`
	QueryVector []float32         `json:"query_vector,omitempty"`
	Filters     map[string]string `json:"filters,omitempty"`
	Limit       int               `json:"limit,omitempty"`
	Threshold   float32           `json:"threshold,omitempty"`
	Scope       *types.Scope      `json:"scope,omitempty"`
	EntityIDs   []string          `json:"entity_ids,omitempty"`
}

// SearchResult is one ranked hit.
type SearchResult = query.Result

// UpdatePatch carries the mutable fields of an update. Nil fields are
// left untouched.
type UpdatePatch struct {
	Content    *string          `json:"content,omitempty"`
	Metadata   map[string]any   `json:"metadata,omitempty"`
	Importance *float32         `json:"importance,omitempty"`
	MemoryType types.MemoryType `json:"memory_type,omitempty"`
	Embedding  []float32        `json:"embedding,omitempty"`
	ExpiresAt  *time.Time       `json:"expires_at,omitempty"`
}

// WarmOptions narrows a cache warming pass.
type WarmOptions struct {
	TenantID string             `json:"tenant_id"`
	Scope    *types.Scope       `json:"scope,omitempty"`
	Level    *types.MemoryLevel `json:"level,omitempty"`
	Limit    int                `json:"limit,omitempty"`
}

// WarmProgress reports a completed warming pass.
type WarmProgress = storage.WarmReport

// MigrateProgress reports a completed or resumable migration.
type MigrateProgress = storage.MigrateReport

// ShardInfo summarizes the routing state for stats.
type ShardInfo struct {
	Nodes          map[string]int `json:"nodes"` // node id -> primary shards
	NeedsRebalance bool           `json:"needs_rebalance"`
}

// EngineStats aggregates component statistics for the stats operation.
type EngineStats struct {
	Store         *storage.StoreStats `json:"store"`
	Cache         []*cache.Stats      `json:"cache"`
	VectorEntries int                 `json:"vector_entries"`
	GraphEntities int                 `json:"graph_entities"`
	GraphEdges    int                 `json:"graph_edges"`
	Shards        ShardInfo           `json:"shards"`
	Indexer       pool.Stats          `json:"indexer"`
}
