// Package hierarchy provides classification and per-level capacity
// management: scope and level assignment on ingest, decay-scored
// eviction, and the rebuildable scope and level indexes.
package hierarchy

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/memflow/config"
	"github.com/BaSui01/memflow/types"
)

// ScopeFromMetadata derives the record scope from ingest metadata. An
// explicit "global" key wins; otherwise presence of agent_id, then
// user_id, then session_id narrows the scope. No agent_id means Global.
func ScopeFromMetadata(metadata map[string]any) types.Scope {
	if _, ok := metadata["global"]; ok {
		return types.GlobalScope()
	}
	agentID, _ := metadata["agent_id"].(string)
	if agentID == "" {
		return types.GlobalScope()
	}
	userID, _ := metadata["user_id"].(string)
	if userID == "" {
		return types.AgentScope(agentID)
	}
	sessionID, _ := metadata["session_id"].(string)
	if sessionID == "" {
		return types.UserScope(agentID, userID)
	}
	return types.SessionScope(agentID, userID, sessionID)
}

// memberMeta is the eviction bookkeeping for one resident record.
type memberMeta struct {
	id             string
	importance     float32
	lastAccessedAt time.Time
}

// Manager keeps the scope and level indexes and enforces per-bucket
// capacity. A bucket is one (tenant, scope, level) triple. The indexes
// are advisory views over the durable store; on process start Rebuild
// restores them by scanning it.
type Manager struct {
	cfg    config.HierarchyConfig
	logger *zap.Logger

	mu      sync.RWMutex
	buckets map[string]map[string]*memberMeta // bucket key -> id -> meta
	byScope map[string]map[string]bool        // tenant|scope key -> ids
	byLevel map[types.MemoryLevel]map[string]bool
}

// NewManager creates a hierarchy manager.
func NewManager(cfg config.HierarchyConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "hierarchy")),
		buckets: make(map[string]map[string]*memberMeta),
		byScope: make(map[string]map[string]bool),
		byLevel: make(map[types.MemoryLevel]map[string]bool),
	}
}

// Capacity returns the configured bucket capacity for a level; zero means
// unbounded.
func (m *Manager) Capacity(level types.MemoryLevel) int {
	switch level {
	case types.LevelStrategic:
		return m.cfg.StrategicCapacity
	case types.LevelTactical:
		return m.cfg.TacticalCapacity
	case types.LevelOperational:
		return m.cfg.OperationalCapacity
	default:
		return m.cfg.ContextualCapacity
	}
}

// Tau returns the decay constant for a level's eviction score.
func (m *Manager) Tau(level types.MemoryLevel) time.Duration {
	switch level {
	case types.LevelStrategic:
		return m.cfg.StrategicTau
	case types.LevelTactical:
		return m.cfg.TacticalTau
	case types.LevelOperational:
		return m.cfg.OperationalTau
	default:
		return m.cfg.ContextualTau
	}
}

// Admit registers a record in its bucket and returns the ids that must be
// evicted to stay within capacity. The caller owns the actual deletion
// and the cascade to the vector and graph indexes; the ids are already
// removed from the in-process indexes when Admit returns.
func (m *Manager) Admit(ctx context.Context, record *types.MemoryRecord) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.NewError(types.ErrCancelled, "admit cancelled").WithCause(err)
	}
	if record == nil || record.ID == "" {
		return nil, types.NewError(types.ErrValidation, "record id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.insertLocked(record)

	capacity := m.Capacity(record.Level)
	if capacity <= 0 {
		return nil, nil
	}

	key := bucketKey(record.TenantID, record.Scope, record.Level)
	bucket := m.buckets[key]

	var evicted []string
	now := time.Now().UTC()
	tau := m.Tau(record.Level)
	for len(bucket) > capacity {
		victim := lowestScore(bucket, tau, now)
		if victim == "" || victim == record.ID && len(bucket) == 1 {
			break
		}
		m.removeLocked(victim)
		evicted = append(evicted, victim)
	}

	if len(evicted) > 0 {
		m.logger.Debug("bucket over capacity, evicting",
			zap.String("bucket", key),
			zap.Strings("evicted", evicted),
		)
	}
	return evicted, nil
}

// Remove drops a record from the indexes. Unknown ids are ignored.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(id)
}

// Touch refreshes the access time used by the eviction score.
func (m *Manager) Touch(id string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, bucket := range m.buckets {
		if meta, ok := bucket[id]; ok {
			meta.lastAccessedAt = at
			return
		}
	}
}

// IDsByScope lists resident ids in one exact scope, sorted.
func (m *Manager) IDsByScope(tenantID string, scope types.Scope) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedIDs(m.byScope[scopeIndexKey(tenantID, scope)])
}

// IDsByLevel lists resident ids at one level, sorted.
func (m *Manager) IDsByLevel(level types.MemoryLevel) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedIDs(m.byLevel[level])
}

// Scanner is the slice of the record store Rebuild needs.
type Scanner interface {
	Scan(ctx context.Context, cursor string, batchSize int) ([]*types.MemoryRecord, string, error)
}

// Rebuild restores the indexes by scanning the durable store. Existing
// index state is replaced wholesale.
func (m *Manager) Rebuild(ctx context.Context, store Scanner) error {
	buckets := make(map[string]map[string]*memberMeta)
	byScope := make(map[string]map[string]bool)
	byLevel := make(map[types.MemoryLevel]map[string]bool)

	cursor := ""
	count := 0
	for {
		if err := ctx.Err(); err != nil {
			return types.NewError(types.ErrCancelled, "index rebuild cancelled").WithCause(err)
		}
		batch, next, err := store.Scan(ctx, cursor, 500)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			break
		}
		for _, r := range batch {
			key := bucketKey(r.TenantID, r.Scope, r.Level)
			if buckets[key] == nil {
				buckets[key] = make(map[string]*memberMeta)
			}
			buckets[key][r.ID] = &memberMeta{
				id:             r.ID,
				importance:     r.Importance,
				lastAccessedAt: r.LastAccessedAt,
			}
			sk := scopeIndexKey(r.TenantID, r.Scope)
			if byScope[sk] == nil {
				byScope[sk] = make(map[string]bool)
			}
			byScope[sk][r.ID] = true
			if byLevel[r.Level] == nil {
				byLevel[r.Level] = make(map[string]bool)
			}
			byLevel[r.Level][r.ID] = true
			count++
		}
		if next == "" {
			break
		}
		cursor = next
	}

	m.mu.Lock()
	m.buckets = buckets
	m.byScope = byScope
	m.byLevel = byLevel
	m.mu.Unlock()

	m.logger.Info("hierarchy indexes rebuilt", zap.Int("records", count))
	return nil
}

func (m *Manager) insertLocked(r *types.MemoryRecord) {
	key := bucketKey(r.TenantID, r.Scope, r.Level)
	if m.buckets[key] == nil {
		m.buckets[key] = make(map[string]*memberMeta)
	}
	last := r.LastAccessedAt
	if last.IsZero() {
		last = time.Now().UTC()
	}
	m.buckets[key][r.ID] = &memberMeta{
		id:             r.ID,
		importance:     r.Importance,
		lastAccessedAt: last,
	}

	sk := scopeIndexKey(r.TenantID, r.Scope)
	if m.byScope[sk] == nil {
		m.byScope[sk] = make(map[string]bool)
	}
	m.byScope[sk][r.ID] = true

	if m.byLevel[r.Level] == nil {
		m.byLevel[r.Level] = make(map[string]bool)
	}
	m.byLevel[r.Level][r.ID] = true
}

// removeLocked drops an id from every index. Ids are unique across
// tenants, so no tenant qualifier is needed here.
func (m *Manager) removeLocked(id string) {
	for key, bucket := range m.buckets {
		if _, ok := bucket[id]; ok {
			delete(bucket, id)
			if len(bucket) == 0 {
				delete(m.buckets, key)
			}
		}
	}
	for key, ids := range m.byScope {
		if ids[id] {
			delete(ids, id)
			if len(ids) == 0 {
				delete(m.byScope, key)
			}
		}
	}
	for level, ids := range m.byLevel {
		if ids[id] {
			delete(ids, id)
			if len(ids) == 0 {
				delete(m.byLevel, level)
			}
		}
	}
}

// lowestScore picks the eviction victim: minimal importance * exp(-age/tau),
// ties broken by the oldest last access.
func lowestScore(bucket map[string]*memberMeta, tau time.Duration, now time.Time) string {
	members := make([]*memberMeta, 0, len(bucket))
	for _, meta := range bucket {
		members = append(members, meta)
	}
	sort.Slice(members, func(i, j int) bool {
		si := evictionScore(members[i], tau, now)
		sj := evictionScore(members[j], tau, now)
		if si != sj {
			return si < sj
		}
		if !members[i].lastAccessedAt.Equal(members[j].lastAccessedAt) {
			return members[i].lastAccessedAt.Before(members[j].lastAccessedAt)
		}
		return members[i].id < members[j].id
	})
	if len(members) == 0 {
		return ""
	}
	return members[0].id
}

func evictionScore(meta *memberMeta, tau time.Duration, now time.Time) float64 {
	if tau <= 0 {
		return float64(meta.importance)
	}
	age := now.Sub(meta.lastAccessedAt)
	if age < 0 {
		age = 0
	}
	return float64(meta.importance) * math.Exp(-age.Seconds()/tau.Seconds())
}

func bucketKey(tenantID string, scope types.Scope, level types.MemoryLevel) string {
	return fmt.Sprintf("%s|%s|%s", tenantID, scope.Key(), level)
}

func scopeIndexKey(tenantID string, scope types.Scope) string {
	return tenantID + "|" + scope.Key()
}

func sortedIDs(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
