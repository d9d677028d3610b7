package query

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/memflow/config"
	"github.com/BaSui01/memflow/types"
	"github.com/BaSui01/memflow/vector"
)

// recencyTau is the decay constant of the ranking recency term.
const recencyTau = 30 * 24 * time.Hour

// candidateOverfetch widens the candidate pool beyond the requested
// limit so ranking by the combined score has room to reorder.
const candidateOverfetch = 3

// Result is one ranked search hit.
type Result struct {
	Record     *types.MemoryRecord `json:"record"`
	Score      float32             `json:"score"`
	Similarity float32             `json:"similarity"`
}

// VectorSearcher is the slice of the vector index the executor needs.
type VectorSearcher interface {
	Search(ctx context.Context, query []float32, k int, filters *vector.Filters, minSimilarity float32) ([]vector.Match, error)
}

// GraphExpander is the slice of the graph index the executor needs.
type GraphExpander interface {
	Neighbors(ctx context.Context, entityID string, depth int) ([]types.Entity, error)
}

// CandidateStore supplies text and entity candidate lookups.
type CandidateStore interface {
	SearchText(ctx context.Context, tenantID, query string, scope *types.Scope, limit int) ([]string, error)
	ListByEntity(ctx context.Context, tenantID, entityID string, limit int) ([]string, error)
}

// Fetcher resolves candidate ids to records, normally the read-through
// storage coordinator.
type Fetcher interface {
	Get(ctx context.Context, tenantID, id string) (*types.MemoryRecord, error)
}

// Executor plans and runs search requests.
type Executor struct {
	planner *Planner
	cfg     config.QueryConfig

	vectors VectorSearcher
	graph   GraphExpander
	store   CandidateStore
	fetch   Fetcher

	cacheMu sync.Mutex
	cache   map[cacheKey]cachedResult

	logger *zap.Logger
}

// cacheKey scopes cached results to the requesting tenant; two tenants
// issuing the same-shaped request must never share an entry.
type cacheKey struct {
	tenantID string
	request  uint64
}

type cachedResult struct {
	results   []Result
	expiresAt time.Time
}

// NewExecutor wires the executor to its backends.
func NewExecutor(cfg config.QueryConfig, vectors VectorSearcher, graph GraphExpander, store CandidateStore, fetch Fetcher, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		planner: NewPlanner(cfg),
		cfg:     cfg,
		vectors: vectors,
		graph:   graph,
		store:   store,
		fetch:   fetch,
		cache:   make(map[cacheKey]cachedResult),
		logger:  logger.With(zap.String("component", "query")),
	}
}

// Plan exposes plan construction for callers that only want to inspect
// the plan.
func (e *Executor) Plan(req *Request) *Plan {
	return e.planner.Plan(req)
}

// Execute runs one request end to end: candidate gathering, filtering,
// fetch, and ranking. Identical cacheable requests within the plan-cache
// TTL are served from the result cache.
func (e *Executor) Execute(ctx context.Context, tenantID string, req *Request) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.NewError(types.ErrCancelled, "search cancelled").WithCause(err)
	}
	if req.Limit <= 0 {
		req.Limit = 10
	}

	plan := e.planner.Plan(req)
	key := cacheKey{tenantID: tenantID, request: plan.Key}

	if plan.Cache.Mode != CacheNone {
		if results, ok := e.cachedResults(key); ok {
			return results, nil
		}
	}

	// Candidate gathering. The vector and text searches are independent
	// and run concurrently per the plan's parallelizable flags.
	overfetch := req.Limit * candidateOverfetch
	var (
		mu         sync.Mutex
		similarity = make(map[string]float32)
	)
	addCandidate := func(id string, sim float32) {
		mu.Lock()
		if cur, ok := similarity[id]; !ok || sim > cur {
			similarity[id] = sim
		}
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	if hasStep(plan, StepVectorSearch) {
		g.Go(func() error {
			matches, err := e.vectors.Search(gctx, req.QueryVector, overfetch, e.vectorFilters(tenantID, req), req.Threshold)
			if err != nil {
				return err
			}
			for _, m := range matches {
				addCandidate(m.ID, m.Similarity)
			}
			return nil
		})
	}
	if hasStep(plan, StepTextSearch) {
		g.Go(func() error {
			ids, err := e.store.SearchText(gctx, tenantID, req.QueryText, req.Scope, overfetch)
			if err != nil {
				return err
			}
			for _, id := range ids {
				addCandidate(id, 0)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if hasStep(plan, StepGraphExpansion) {
		if err := e.expandEntities(ctx, tenantID, req, overfetch, addCandidate); err != nil {
			return nil, err
		}
	}

	// Fetch and post-filter.
	results := make([]Result, 0, len(similarity))
	now := time.Now().UTC()
	for id, sim := range similarity {
		record, err := e.fetch.Get(ctx, tenantID, id)
		if err != nil {
			if types.IsNotFound(err) {
				continue // candidate deleted since indexing
			}
			return nil, err
		}
		if !e.matchesFilters(record, req) {
			continue
		}
		results = append(results, Result{
			Record:     record,
			Similarity: sim,
			Score:      e.rank(sim, record, now),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Record.ID < results[j].Record.ID
	})
	if len(results) > req.Limit {
		results = results[:req.Limit]
	}

	if plan.Cache.Mode != CacheNone && plan.Cache.TTL > 0 {
		e.storeResults(key, results, plan.Cache.TTL)
	}
	return results, nil
}

// expandEntities turns explicitly named entities plus their one-hop
// neighborhood into additional candidates.
func (e *Executor) expandEntities(ctx context.Context, tenantID string, req *Request, limit int, add func(string, float32)) error {
	entityIDs := make(map[string]bool, len(req.EntityIDs))
	for _, id := range req.EntityIDs {
		entityIDs[id] = true
		neighbors, err := e.graph.Neighbors(ctx, id, 1)
		if err != nil {
			if types.IsNotFound(err) {
				continue
			}
			return err
		}
		for _, n := range neighbors {
			entityIDs[n.ID] = true
		}
	}

	for entityID := range entityIDs {
		ids, err := e.store.ListByEntity(ctx, tenantID, entityID, limit)
		if err != nil {
			return err
		}
		for _, id := range ids {
			add(id, 0)
		}
	}
	return nil
}

func (e *Executor) vectorFilters(tenantID string, req *Request) *vector.Filters {
	f := &vector.Filters{TenantID: tenantID, Scope: req.Scope}
	if level, ok := req.Filters["level"]; ok {
		f.Level = types.MemoryLevel(level)
	}
	if memoryType, ok := req.Filters["memory_type"]; ok {
		f.MemoryType = types.MemoryType(memoryType)
	}
	return f
}

// matchesFilters applies every predicate to the fetched record; the ones
// already pushed below the ANN probe hold trivially.
func (e *Executor) matchesFilters(record *types.MemoryRecord, req *Request) bool {
	if record.TenantID == "" {
		return false
	}
	if req.Scope != nil && record.Scope != *req.Scope {
		return false
	}
	for key, want := range req.Filters {
		switch key {
		case "level":
			if string(record.Level) != want {
				return false
			}
		case "memory_type":
			if string(record.MemoryType) != want {
				return false
			}
		default:
			got, ok := record.Metadata[key]
			if !ok || fmtValue(got) != want {
				return false
			}
		}
	}
	return true
}

// rank is the final score: alpha*similarity + beta*importance +
// gamma*recency.
func (e *Executor) rank(similarity float32, record *types.MemoryRecord, now time.Time) float32 {
	recency := float32(1)
	if !record.LastAccessedAt.IsZero() {
		age := now.Sub(record.LastAccessedAt)
		if age > 0 {
			recency = float32(math.Exp(-age.Seconds() / recencyTau.Seconds()))
		}
	}
	return e.cfg.Alpha*similarity + e.cfg.Beta*record.Importance + e.cfg.Gamma*recency
}

func (e *Executor) cachedResults(key cacheKey) ([]Result, bool) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()

	entry, ok := e.cache[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(e.cache, key)
		return nil, false
	}
	return entry.results, true
}

func (e *Executor) storeResults(key cacheKey, results []Result, ttl time.Duration) {
	e.cacheMu.Lock()
	e.cache[key] = cachedResult{results: results, expiresAt: time.Now().Add(ttl)}
	e.cacheMu.Unlock()
}

func hasStep(plan *Plan, kind StepKind) bool {
	for _, s := range plan.Steps {
		if s.Kind == kind {
			return true
		}
	}
	return false
}

func fmtValue(v any) string {
	return fmt.Sprint(v)
}
