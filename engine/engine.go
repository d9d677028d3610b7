// Package engine wires the storage coordinator, indexes, hierarchy
// manager, ingestion pipeline, query executor, and shard router into the
// public operation surface.
package engine

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/BaSui01/memflow/cache"
	"github.com/BaSui01/memflow/config"
	"github.com/BaSui01/memflow/graph"
	"github.com/BaSui01/memflow/hierarchy"
	"github.com/BaSui01/memflow/internal/metrics"
	"github.com/BaSui01/memflow/pipeline"
	"github.com/BaSui01/memflow/query"
	"github.com/BaSui01/memflow/retry"
	"github.com/BaSui01/memflow/shard"
	"github.com/BaSui01/memflow/storage"
	"github.com/BaSui01/memflow/types"
	"github.com/BaSui01/memflow/vector"
)

// localNodeID is the single ring member of a non-distributed deployment.
const localNodeID = "local"

// recentMapLimit bounds the in-memory content-hash to id mapping used
// for duplicate suppression.
const recentMapLimit = 8192

// Deps are the externally constructed backends the engine runs on.
type Deps struct {
	Coordinator *storage.Coordinator
	Vectors     *vector.Index
	Graph       *graph.Index
	// Collector is optional; nil disables telemetry.
	Collector *metrics.Collector
}

// Engine is the memory engine facade.
type Engine struct {
	cfg    config.Config
	logger *zap.Logger

	coordinator *storage.Coordinator
	vectors     *vector.Index
	graph       *graph.Index
	hier        *hierarchy.Manager
	pipe        *pipeline.Pipeline
	executor    *query.Executor
	router      *shard.Router
	retryer     *retry.Retryer
	indexer     *indexer
	collector   *metrics.Collector

	permits      *semaphore.Weighted
	permitsInUse atomic.Int64
	limiter      *rate.Limiter

	mu     sync.Mutex
	facts  map[string]*types.Fact // record id -> extracted fact
	recent map[string]string      // tenant|scope|hash -> record id
	stores map[string]storage.RecordStore
}

// New assembles the engine from configuration and backends. Call Start
// before serving to restore the in-process indexes from the store.
func New(cfg config.Config, deps Deps, logger *zap.Logger) (*Engine, error) {
	if deps.Coordinator == nil || deps.Vectors == nil || deps.Graph == nil {
		return nil, types.NewError(types.ErrValidation, "coordinator, vector and graph backends are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	permits := cfg.Engine.IngestPermits
	if permits <= 0 {
		permits = 10
	}

	e := &Engine{
		cfg:         cfg,
		logger:      logger.With(zap.String("component", "engine")),
		coordinator: deps.Coordinator,
		vectors:     deps.Vectors,
		graph:       deps.Graph,
		collector:   deps.Collector,
		hier:        hierarchy.NewManager(cfg.Hierarchy, logger),
		pipe:        pipeline.New(cfg.Pipeline, logger).WithMetrics(deps.Collector),
		router:      shard.NewRouter(cfg.Shard, logger),
		retryer:     retry.New(retry.PolicyFromConfig(cfg.Engine), logger),
		permits:     semaphore.NewWeighted(int64(permits)),
		facts:       make(map[string]*types.Fact),
		recent:      make(map[string]string),
		stores:      make(map[string]storage.RecordStore),
	}
	e.executor = query.NewExecutor(cfg.Query, deps.Vectors, deps.Graph, deps.Coordinator.Store(), deps.Coordinator, logger)
	e.indexer = newIndexer(deps.Vectors, deps.Graph, deps.Collector, logger)

	if cfg.Engine.IngestRate > 0 {
		burst := cfg.Engine.IngestBurst
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.Engine.IngestRate), burst)
	}

	if err := e.router.AddNode(localNodeID, 1); err != nil {
		return nil, err
	}
	return e, nil
}

// Open builds the configured store and cache tiers and assembles the
// engine around them.
func Open(cfg config.Config, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var store storage.RecordStore
	var err error
	switch cfg.Storage.Backend {
	case "mongo":
		store, err = storage.NewMongoStore(cfg.Storage, logger)
	default:
		store, err = storage.NewGormStore(cfg.Storage, logger)
	}
	if err != nil {
		return nil, err
	}

	tiers := []cache.RecordCache{cache.NewLocalCache(cfg.Cache, logger)}
	if cfg.Redis.Enabled {
		redisTier, err := cache.NewRedisCache(cfg.Redis, cfg.Cache.DefaultTTL, logger)
		if err != nil {
			return nil, err
		}
		tiers = append(tiers, redisTier)
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(cfg.Metrics.Namespace, logger)
	}

	e, err := New(cfg, Deps{
		Coordinator: storage.NewCoordinator(store, tiers, cfg.Cache.DefaultTTL, logger).WithMetrics(collector),
		Vectors:     vector.NewIndex(cfg.Vector.Dimension, logger),
		Graph:       graph.NewIndex(cfg.Graph.MaxDepth, logger),
		Collector:   collector,
	}, logger)
	if err != nil {
		return nil, err
	}
	e.RegisterStore(cfg.Storage.Backend, store)
	return e, nil
}

// Start initializes the durable store and restores the hierarchy indexes
// by scanning it.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.coordinator.Store().Init(ctx); err != nil {
		return err
	}
	return e.hier.Rebuild(ctx, e.coordinator.Store())
}

// RegisterStore makes a named store available as a migration target.
func (e *Engine) RegisterStore(tag string, store storage.RecordStore) {
	e.mu.Lock()
	e.stores[tag] = store
	e.mu.Unlock()
}

// Add ingests messages as one memory and returns its id. A short-term
// repeat of identical content in the same scope returns the id of the
// record that already holds it.
func (e *Engine) Add(ctx context.Context, tenantID string, messages []string, opts AddOptions) (string, error) {
	start := time.Now()
	id, err := e.add(ctx, tenantID, messages, opts)
	e.observe("add", start, err)
	return id, err
}

func (e *Engine) add(ctx context.Context, tenantID string, messages []string, opts AddOptions) (string, error) {
	if tenantID == "" {
		return "", types.NewError(types.ErrValidation, "tenant id is required")
	}
	if len(messages) == 0 {
		return "", types.NewError(types.ErrValidation, "at least one message is required")
	}
	content := strings.Join(messages, "\n")

	if e.limiter != nil && !e.limiter.Allow() {
		e.recordDrop("rate_limited")
		return "", types.NewError(types.ErrCapacityExceeded, "ingest rate exceeded")
	}
	if err := e.permits.Acquire(ctx, 1); err != nil {
		return "", types.NewError(types.ErrCancelled, "ingest cancelled while waiting for a permit").WithCause(err)
	}
	e.trackPermit(1)
	defer func() {
		e.permits.Release(1)
		e.trackPermit(-1)
	}()

	metadata := mergeScopeMetadata(opts)
	scope := hierarchy.ScopeFromMetadata(metadata)

	if _, _, err := e.router.RouteWrite(tenantID + "|" + scope.Key()); err != nil {
		if e.collector != nil {
			e.collector.RecordShardUnavailable()
		}
		return "", err
	}

	if !opts.infer() {
		return e.addRaw(ctx, tenantID, scope, content, metadata, opts)
	}

	existing, err := e.sameScopeRecords(ctx, tenantID, scope)
	if err != nil {
		return "", err
	}

	input := pipeline.Input{
		TenantID:   tenantID,
		Content:    content,
		Metadata:   metadata,
		Embedding:  opts.Embedding,
		MemoryType: opts.MemoryType,
	}
	result, err := e.pipe.Run(ctx, input, existing, e.factsFor(existing))
	if err != nil {
		return "", err
	}
	if result.Dropped {
		if id := e.recentID(tenantID, scope, result.ContentHash); id != "" {
			e.recordDrop("short_term_repeat")
			return id, nil
		}
		for _, r := range existing {
			if r.ContentHash == result.ContentHash {
				e.recordDrop("short_term_repeat")
				return r.ID, nil
			}
		}
		// The repeat's original is gone (deleted or evicted); clear the
		// session seen-set and ingest as new content.
		e.pipe.ForgetSession(scope)
		result, err = e.pipe.Run(ctx, input, existing, e.factsFor(existing))
		if err != nil {
			return "", err
		}
	}

	stored, err := e.putRecord(ctx, result.Record)
	if err != nil {
		return "", err
	}

	// Apply the resolution: remove superseded records before admitting the
	// new one, so capacity accounting sees the final state.
	if result.Resolution != nil {
		for _, res := range result.Resolution.Resolutions {
			if e.collector != nil {
				e.collector.RecordResolution(string(res.Strategy))
			}
			for _, removeID := range res.RemoveIDs {
				if removeID == stored.ID {
					continue
				}
				e.removeRecord(ctx, tenantID, removeID)
			}
		}
	}
	if e.collector != nil {
		for _, c := range result.Conflicts {
			e.collector.RecordConflict(string(c.Kind))
		}
	}

	if err := e.admit(ctx, stored); err != nil {
		return "", err
	}

	e.rememberFact(stored, result.Fact)
	e.indexer.Publish(stored, result.Fact)
	return stored.ID, nil
}

// addRaw stores content verbatim with the default importance, skipping
// extraction and conflict handling.
func (e *Engine) addRaw(ctx context.Context, tenantID string, scope types.Scope, content string, metadata map[string]any, opts AddOptions) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", types.NewError(types.ErrValidation, "content is empty")
	}
	if len(content) > types.MaxContentBytes {
		return "", types.NewErrorf(types.ErrValidation,
			"content length %d exceeds maximum %d", len(content), types.MaxContentBytes)
	}

	hash := types.HashContent(content)
	if id := e.recentID(tenantID, scope, hash); id != "" {
		e.recordDrop("short_term_repeat")
		return id, nil
	}

	now := time.Now().UTC()
	record := &types.MemoryRecord{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		Scope:          scope,
		MemoryType:     opts.MemoryType,
		Content:        content,
		ContentHash:    hash,
		Embedding:      opts.Embedding,
		Metadata:       metadata,
		Importance:     0.5,
		LastAccessedAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if record.MemoryType == "" {
		record.MemoryType = types.MemoryEpisodic
	}
	record.Level = types.LevelForImportance(record.Importance)

	stored, err := e.putRecord(ctx, record)
	if err != nil {
		return "", err
	}
	if err := e.admit(ctx, stored); err != nil {
		return "", err
	}
	e.rememberFact(stored, nil)
	e.indexer.Publish(stored, nil)
	return stored.ID, nil
}

// Get fetches one record. Access metadata is refreshed write-behind so
// the read path never blocks on the store.
func (e *Engine) Get(ctx context.Context, tenantID, id string) (*types.MemoryRecord, error) {
	start := time.Now()
	record, err := e.get(ctx, tenantID, id)
	e.observe("get", start, err)
	return record, err
}

func (e *Engine) get(ctx context.Context, tenantID, id string) (*types.MemoryRecord, error) {
	if tenantID == "" || id == "" {
		return nil, types.NewError(types.ErrValidation, "tenant id and record id are required")
	}
	opCtx, cancel := e.backendContext(ctx)
	defer cancel()

	record, err := retry.DoWithResult(opCtx, e.retryer, func() (*types.MemoryRecord, error) {
		return e.coordinator.Get(opCtx, tenantID, id)
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	go e.touch(tenantID, id, now)
	return record, nil
}

func (e *Engine) touch(tenantID, id string, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.coordinator.Touch(ctx, tenantID, id, at); err != nil {
		e.logger.Warn("access touch failed", zap.String("id", id), zap.Error(err))
		return
	}
	e.hier.Touch(id, at)
}

// List returns records narrowed by scope and level. Limits are clamped
// at 100 with a default of 50.
func (e *Engine) List(ctx context.Context, tenantID string, opts ListOptions) ([]*types.MemoryRecord, error) {
	start := time.Now()
	records, err := e.list(ctx, tenantID, opts)
	e.observe("list", start, err)
	return records, err
}

func (e *Engine) list(ctx context.Context, tenantID string, opts ListOptions) ([]*types.MemoryRecord, error) {
	if tenantID == "" {
		return nil, types.NewError(types.ErrValidation, "tenant id is required")
	}
	limit := clampLimit(opts.Limit, 50)
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	opCtx, cancel := e.backendContext(ctx)
	defer cancel()
	store := e.coordinator.Store()

	switch {
	case opts.Scope != nil:
		// The level predicate runs in the store query so pages stay full
		// under the combined filter.
		return store.ListByScope(opCtx, tenantID, *opts.Scope, opts.Level, limit, offset)
	case opts.Level != nil:
		records, err := store.ListByLevel(opCtx, tenantID, *opts.Level, limit+offset)
		if err != nil {
			return nil, err
		}
		return page(records, offset, limit), nil
	default:
		return e.listAll(opCtx, store, tenantID, limit, offset)
	}
}

func (e *Engine) listAll(ctx context.Context, store storage.RecordStore, tenantID string, limit, offset int) ([]*types.MemoryRecord, error) {
	var out []*types.MemoryRecord
	cursor := ""
	for len(out) < limit+offset {
		batch, next, err := store.Scan(ctx, cursor, 200)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		for _, r := range batch {
			if r.TenantID == tenantID {
				out = append(out, r)
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}
	return page(out, offset, limit), nil
}

// Search runs one ranked query. Limits are clamped at 100 with a default
// of 10.
func (e *Engine) Search(ctx context.Context, tenantID string, req SearchRequest) ([]SearchResult, error) {
	start := time.Now()
	results, err := e.search(ctx, tenantID, req)
	e.observe("search", start, err)
	return results, err
}

func (e *Engine) search(ctx context.Context, tenantID string, req SearchRequest) ([]SearchResult, error) {
	if tenantID == "" {
		return nil, types.NewError(types.ErrValidation, "tenant id is required")
	}
	if req.QueryText == "" && len(req.QueryVector) == 0 && len(req.EntityIDs) == 0 {
		return nil, types.NewError(types.ErrValidation, "query text, vector, or entity ids are required")
	}

	opCtx, cancel := e.backendContext(ctx)
	defer cancel()

	return e.executor.Execute(opCtx, tenantID, &query.Request{
		QueryText:   req.QueryText,
		QueryVector: req.QueryVector,
		Filters:     req.Filters,
		Limit:       clampLimit(req.Limit, 10),
		Threshold:   req.Threshold,
		Scope:       req.Scope,
		EntityIDs:   req.EntityIDs,
	})
}

// Update applies a version-checked patch and returns the stored record
// with the advanced version.
func (e *Engine) Update(ctx context.Context, tenantID, id string, version uint32, patch UpdatePatch) (*types.MemoryRecord, error) {
	start := time.Now()
	record, err := e.update(ctx, tenantID, id, version, patch)
	e.observe("update", start, err)
	return record, err
}

func (e *Engine) update(ctx context.Context, tenantID, id string, version uint32, patch UpdatePatch) (*types.MemoryRecord, error) {
	if tenantID == "" || id == "" {
		return nil, types.NewError(types.ErrValidation, "tenant id and record id are required")
	}

	opCtx, cancel := e.backendContext(ctx)
	defer cancel()

	current, err := e.coordinator.Get(opCtx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if version != current.Version {
		return nil, types.NewErrorf(types.ErrStaleWrite,
			"version %d behind stored %d", version, current.Version)
	}

	next := current.Clone()
	next.Version = version
	if patch.Content != nil {
		content := strings.TrimSpace(*patch.Content)
		if content == "" {
			return nil, types.NewError(types.ErrValidation, "content is empty")
		}
		if len(content) > types.MaxContentBytes {
			return nil, types.NewErrorf(types.ErrValidation,
				"content length %d exceeds maximum %d", len(content), types.MaxContentBytes)
		}
		next.Content = content
		next.ContentHash = types.HashContent(content)
	}
	if patch.Metadata != nil {
		next.Metadata = patch.Metadata
	}
	if patch.Importance != nil {
		next.Importance = types.ClampImportance(*patch.Importance)
		next.Level = types.LevelForImportance(next.Importance)
	}
	if patch.MemoryType != "" {
		next.MemoryType = patch.MemoryType
	}
	if patch.Embedding != nil {
		next.Embedding = patch.Embedding
	}
	if patch.ExpiresAt != nil {
		next.ExpiresAt = patch.ExpiresAt
	}
	next.UpdatedAt = time.Now().UTC()

	stored, err := e.putRecord(opCtx, next)
	if err != nil {
		return nil, err
	}

	// Importance or level may have moved the record between buckets.
	e.hier.Remove(stored.ID)
	if err := e.admit(ctx, stored); err != nil {
		return nil, err
	}
	if patch.Embedding != nil || patch.Content != nil {
		e.indexer.Publish(stored, nil)
	}
	return stored, nil
}

// Delete tombstones one record and cascades to the in-process indexes.
// Deleting a missing or already deleted record returns false, not an
// error.
func (e *Engine) Delete(ctx context.Context, tenantID, id string) (bool, error) {
	start := time.Now()
	deleted, err := e.delete(ctx, tenantID, id)
	e.observe("delete", start, err)
	return deleted, err
}

func (e *Engine) delete(ctx context.Context, tenantID, id string) (bool, error) {
	if tenantID == "" || id == "" {
		return false, types.NewError(types.ErrValidation, "tenant id and record id are required")
	}
	opCtx, cancel := e.backendContext(ctx)
	defer cancel()

	// The record's entity references are needed for the graph cascade
	// and are gone once the tombstone lands.
	var entityIDs []string
	if current, err := e.coordinator.Get(opCtx, tenantID, id); err == nil {
		entityIDs = current.Entities
	}

	deleted, err := e.coordinator.Delete(opCtx, tenantID, id)
	if err != nil {
		return false, err
	}
	if deleted {
		e.dropIndexState(opCtx, tenantID, id, entityIDs)
	}
	return deleted, nil
}

// WarmCache bulk-primes the cache tiers from the durable store.
func (e *Engine) WarmCache(ctx context.Context, opts WarmOptions) (*WarmProgress, error) {
	start := time.Now()
	if opts.TenantID == "" {
		err := types.NewError(types.ErrValidation, "tenant id is required")
		e.observe("warm_cache", start, err)
		return nil, err
	}
	report, err := e.coordinator.Warm(ctx, opts.TenantID, opts.Scope, opts.Level, opts.Limit)
	e.observe("warm_cache", start, err)
	return report, err
}

// Migrate copies every live record from the active store into the target
// registered under the given tag.
func (e *Engine) Migrate(ctx context.Context, source, target string, batchSize int) (*MigrateProgress, error) {
	start := time.Now()
	report, err := e.migrate(ctx, source, target, batchSize)
	e.observe("migrate", start, err)
	return report, err
}

func (e *Engine) migrate(ctx context.Context, source, target string, batchSize int) (*MigrateProgress, error) {
	e.mu.Lock()
	sourceStore, sourceOK := e.stores[source]
	targetStore, targetOK := e.stores[target]
	e.mu.Unlock()

	if !sourceOK {
		return nil, types.NewErrorf(types.ErrValidation, "unknown migration source %q", source)
	}
	if sourceStore != e.coordinator.Store() {
		return nil, types.NewErrorf(types.ErrValidation, "source %q is not the active backend", source)
	}
	if !targetOK {
		return nil, types.NewErrorf(types.ErrValidation, "unknown migration target %q", target)
	}
	return e.coordinator.Migrate(ctx, targetStore, "", batchSize)
}

// Compact removes tombstoned and expired rows older than the configured
// grace period from the durable store.
func (e *Engine) Compact(ctx context.Context) (int64, error) {
	start := time.Now()
	removed, err := e.coordinator.Store().Compact(ctx, e.cfg.Storage.CompactionGrace)
	e.observe("compact", start, err)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		e.logger.Info("store compaction complete", zap.Int64("removed", removed))
	}
	return removed, nil
}

// Stats aggregates component statistics.
func (e *Engine) Stats(ctx context.Context) (*EngineStats, error) {
	opCtx, cancel := e.backendContext(ctx)
	defer cancel()

	storeStats, err := e.coordinator.Store().Stats(opCtx)
	if err != nil {
		return nil, err
	}
	cacheStats, err := e.coordinator.CacheStats(opCtx)
	if err != nil {
		return nil, err
	}
	vectorCount, _ := e.vectors.Count(opCtx)
	entities, edges := e.graph.Counts(opCtx)

	if e.collector != nil {
		for level, n := range storeStats.CountByLevel {
			e.collector.SetMemories(string(level), int(n))
		}
		e.collector.SetVectorEntries(vectorCount)
		e.collector.SetGraphEntities(entities)
	}

	return &EngineStats{
		Store:         storeStats,
		Cache:         cacheStats,
		VectorEntries: vectorCount,
		GraphEntities: entities,
		GraphEdges:    edges,
		Shards: ShardInfo{
			Nodes:          e.router.Loads(),
			NeedsRebalance: e.router.NeedsRebalance(),
		},
		Indexer: e.indexer.Stats(),
	}, nil
}

// Health reports aggregate liveness: a failed store is unhealthy, failed
// caches or indexes degrade.
func (e *Engine) Health(ctx context.Context) types.HealthStatus {
	components := make(map[string]string)
	state := types.Healthy

	for name, err := range e.coordinator.Health(ctx) {
		if err == nil {
			components[name] = "ok"
			continue
		}
		components[name] = err.Error()
		if name == "store" {
			state = types.Unhealthy
		} else if state != types.Unhealthy {
			state = types.Degraded
		}
	}
	for name, err := range map[string]error{
		"vector_index": e.vectors.Health(ctx),
		"graph_index":  e.graph.Health(ctx),
	} {
		if err == nil {
			components[name] = "ok"
			continue
		}
		components[name] = err.Error()
		if state != types.Unhealthy {
			state = types.Degraded
		}
	}

	return types.HealthStatus{
		State:      state,
		Components: components,
		CheckedAt:  time.Now().UTC(),
	}
}

// Close drains the background indexer and shuts down the backends.
func (e *Engine) Close() error {
	e.indexer.Close()
	return e.coordinator.Close()
}

// putRecord writes through the coordinator under the retry policy and
// backend timeout.
func (e *Engine) putRecord(ctx context.Context, record *types.MemoryRecord) (*types.MemoryRecord, error) {
	opCtx, cancel := e.backendContext(ctx)
	defer cancel()
	return retry.DoWithResult(opCtx, e.retryer, func() (*types.MemoryRecord, error) {
		return e.coordinator.Put(opCtx, record)
	})
}

// admit registers the record with the hierarchy manager and cascades any
// capacity evictions to the store and indexes.
func (e *Engine) admit(ctx context.Context, record *types.MemoryRecord) error {
	evicted, err := e.hier.Admit(ctx, record)
	if err != nil {
		return err
	}
	for _, victim := range evicted {
		if e.collector != nil {
			e.collector.RecordEviction(string(record.Level))
		}
		e.removeRecord(ctx, record.TenantID, victim)
	}
	return nil
}

// removeRecord deletes a record and its index state; failures are logged
// but never fail the operation that triggered the removal.
func (e *Engine) removeRecord(ctx context.Context, tenantID, id string) {
	var entityIDs []string
	if current, err := e.coordinator.Get(ctx, tenantID, id); err == nil {
		entityIDs = current.Entities
	}
	if _, err := e.coordinator.Delete(ctx, tenantID, id); err != nil {
		e.logger.Warn("cascade delete failed", zap.String("id", id), zap.Error(err))
	}
	e.dropIndexState(ctx, tenantID, id, entityIDs)
}

func (e *Engine) dropIndexState(ctx context.Context, tenantID, id string, entityIDs []string) {
	e.hier.Remove(id)
	_ = e.vectors.Delete(ctx, id)
	e.indexer.Forget(id)

	e.mu.Lock()
	if fact, ok := e.facts[id]; ok {
		for _, ent := range fact.Entities {
			entityIDs = append(entityIDs, ent.ID)
		}
	}
	delete(e.facts, id)
	for key, mapped := range e.recent {
		if mapped == id {
			delete(e.recent, key)
		}
	}
	e.mu.Unlock()

	e.pruneEntities(ctx, tenantID, entityIDs)
}

// pruneEntities removes graph entities whose last referencing record is
// gone, together with every edge touching them. Entities still cited by
// a live record stay indexed.
func (e *Engine) pruneEntities(ctx context.Context, tenantID string, entityIDs []string) {
	seen := make(map[string]bool, len(entityIDs))
	for _, entityID := range entityIDs {
		if entityID == "" || seen[entityID] {
			continue
		}
		seen[entityID] = true

		refs, err := e.coordinator.Store().ListByEntity(ctx, tenantID, entityID, 1)
		if err != nil {
			e.logger.Warn("entity reference check failed",
				zap.String("entity", entityID), zap.Error(err))
			continue
		}
		if len(refs) == 0 {
			_ = e.graph.RemoveEntity(ctx, entityID)
		}
	}
}

func (e *Engine) rememberFact(record *types.MemoryRecord, fact *types.Fact) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if fact != nil {
		e.facts[record.ID] = fact
	}
	if len(e.recent) >= recentMapLimit {
		// Duplicate suppression is best effort; dropping the map only
		// costs an extra store round trip on the next repeat.
		e.recent = make(map[string]string)
	}
	e.recent[recentKey(record.TenantID, record.Scope, record.ContentHash)] = record.ID
}

func (e *Engine) recentID(tenantID string, scope types.Scope, hash string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recent[recentKey(tenantID, scope, hash)]
}

func (e *Engine) factsFor(records []*types.MemoryRecord) map[string]*types.Fact {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]*types.Fact, len(records))
	for _, r := range records {
		if fact, ok := e.facts[r.ID]; ok {
			out[r.ID] = fact
		}
	}
	return out
}

func (e *Engine) sameScopeRecords(ctx context.Context, tenantID string, scope types.Scope) ([]*types.MemoryRecord, error) {
	opCtx, cancel := e.backendContext(ctx)
	defer cancel()
	return e.coordinator.Store().ListByScope(opCtx, tenantID, scope, nil, 50, 0)
}

func (e *Engine) backendContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.Engine.BackendTimeout > 0 {
		return context.WithTimeout(ctx, e.cfg.Engine.BackendTimeout)
	}
	return ctx, func() {}
}

func (e *Engine) recordDrop(reason string) {
	if e.collector != nil {
		e.collector.RecordIngestDrop(reason)
	}
}

func (e *Engine) trackPermit(delta int64) {
	held := e.permitsInUse.Add(delta)
	if e.collector != nil {
		e.collector.SetIngestPermitsInUse(int(held))
	}
}

func (e *Engine) observe(operation string, start time.Time, err error) {
	if e.collector == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = string(types.GetErrorCode(err))
		if status == "" {
			status = "error"
		}
	}
	e.collector.RecordOperation(operation, status, time.Since(start))
}

func mergeScopeMetadata(opts AddOptions) map[string]any {
	metadata := make(map[string]any, len(opts.Metadata)+3)
	for k, v := range opts.Metadata {
		metadata[k] = v
	}
	if opts.AgentID != "" {
		metadata["agent_id"] = opts.AgentID
	}
	if opts.UserID != "" {
		metadata["user_id"] = opts.UserID
	}
	if opts.SessionID != "" {
		metadata["session_id"] = opts.SessionID
	}
	return metadata
}

func clampLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > 100 {
		return 100
	}
	return limit
}

func page(records []*types.MemoryRecord, offset, limit int) []*types.MemoryRecord {
	if offset >= len(records) {
		return nil
	}
	records = records[offset:]
	if len(records) > limit {
		records = records[:limit]
	}
	return records
}

func recentKey(tenantID string, scope types.Scope, hash string) string {
	return tenantID + "|" + scope.Key() + "|" + hash
}
