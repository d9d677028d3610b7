package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/memflow/cache"
	"github.com/BaSui01/memflow/config"
	"github.com/BaSui01/memflow/graph"
	"github.com/BaSui01/memflow/internal/metrics"
	"github.com/BaSui01/memflow/storage"
	"github.com/BaSui01/memflow/types"
	"github.com/BaSui01/memflow/vector"
)

func newTestEngine(t *testing.T, mutate func(*config.Config)) *Engine {
	t.Helper()

	cfg := *config.DefaultConfig()
	cfg.Vector.Dimension = 3
	cfg.Metrics.Enabled = false
	cfg.Engine.RetryBaseDelay = time.Millisecond
	cfg.Engine.RetryMaxDelay = 5 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	store := storage.NewGormStoreFromDB(db, nil)

	coordinator := storage.NewCoordinator(
		store,
		[]cache.RecordCache{cache.NewLocalCache(cfg.Cache, nil)},
		cfg.Cache.DefaultTTL,
		nil,
	)

	e, err := New(cfg, Deps{
		Coordinator: coordinator,
		Vectors:     vector.NewIndex(cfg.Vector.Dimension, nil),
		Graph:       graph.NewIndex(cfg.Graph.MaxDepth, nil),
	}, nil)
	require.NoError(t, err)
	e.RegisterStore("sqlite", store)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestAddExtractsFactsAndAssignsScope(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	id, err := e.Add(ctx, "t1", []string{"Alice works at Acme"}, AddOptions{
		AgentID: "a1",
		UserID:  "u1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	record, err := e.Get(ctx, "t1", id)
	require.NoError(t, err)
	assert.Equal(t, types.UserScope("a1", "u1"), record.Scope)
	assert.Equal(t, "Alice works at Acme", record.Content)
	assert.Equal(t, uint32(1), record.Version)
	assert.NotEmpty(t, record.Entities, "Alice and Acme should be extracted")
	assert.NotEmpty(t, record.Relations, "WorksAt should be extracted")
	assert.NotEmpty(t, record.Level)
}

func TestAddScopelessIngestIsGlobal(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	id, err := e.Add(ctx, "t1", []string{"the sky is blue"}, AddOptions{})
	require.NoError(t, err)

	record, err := e.Get(ctx, "t1", id)
	require.NoError(t, err)
	assert.Equal(t, types.GlobalScope(), record.Scope)
}

func TestAddDuplicateReturnsFirstID(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	opts := AddOptions{AgentID: "a1", UserID: "u1"}

	first, err := e.Add(ctx, "t1", []string{"Alice works at Acme"}, opts)
	require.NoError(t, err)
	second, err := e.Add(ctx, "t1", []string{"Alice works at Acme"}, opts)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	scope := types.UserScope("a1", "u1")
	records, err := e.List(ctx, "t1", ListOptions{Scope: &scope})
	require.NoError(t, err)
	assert.Len(t, records, 1, "store count must grow by one, not two")
}

func TestAddValidation(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := e.Add(ctx, "", []string{"x"}, AddOptions{})
	assert.True(t, types.IsCode(err, types.ErrValidation))

	_, err = e.Add(ctx, "t1", nil, AddOptions{})
	assert.True(t, types.IsCode(err, types.ErrValidation))

	_, err = e.Add(ctx, "t1", []string{"   "}, AddOptions{})
	assert.True(t, types.IsCode(err, types.ErrValidation))
}

func TestAddWithoutInference(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	infer := false

	id, err := e.Add(ctx, "t1", []string{"raw verbatim note"}, AddOptions{
		AgentID: "a1",
		Infer:   &infer,
	})
	require.NoError(t, err)

	record, err := e.Get(ctx, "t1", id)
	require.NoError(t, err)
	assert.Equal(t, float32(0.5), record.Importance)
	assert.Equal(t, types.LevelOperational, record.Level)
	assert.Empty(t, record.Entities)
}

func TestGetMissingRecord(t *testing.T) {
	e := newTestEngine(t, nil)

	_, err := e.Get(context.Background(), "t1", "ghost")
	require.Error(t, err)
	assert.True(t, types.IsNotFound(err))
}

func TestListPagingAndLevelFilter(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	scope := types.AgentScope("a1")
	infer := false

	for i := 0; i < 3; i++ {
		_, err := e.Add(ctx, "t1", []string{fmt.Sprintf("note number %d", i)}, AddOptions{
			AgentID: "a1",
			Infer:   &infer,
		})
		require.NoError(t, err)
	}

	all, err := e.List(ctx, "t1", ListOptions{Scope: &scope})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	limited, err := e.List(ctx, "t1", ListOptions{Scope: &scope, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	offset, err := e.List(ctx, "t1", ListOptions{Scope: &scope, Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, offset, 1)

	level := types.LevelOperational
	byLevel, err := e.List(ctx, "t1", ListOptions{Scope: &scope, Level: &level})
	require.NoError(t, err)
	assert.Len(t, byLevel, 3)

	strategic := types.LevelStrategic
	none, err := e.List(ctx, "t1", ListOptions{Scope: &scope, Level: &strategic})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestUpdateVersionDiscipline(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	infer := false

	id, err := e.Add(ctx, "t1", []string{"original text"}, AddOptions{AgentID: "a1", Infer: &infer})
	require.NoError(t, err)

	content := "revised text"
	_, err = e.Update(ctx, "t1", id, 99, UpdatePatch{Content: &content})
	require.Error(t, err)
	assert.True(t, types.IsStaleWrite(err))

	updated, err := e.Update(ctx, "t1", id, 1, UpdatePatch{Content: &content})
	require.NoError(t, err)
	assert.Equal(t, uint32(2), updated.Version)
	assert.Equal(t, "revised text", updated.Content)

	// The stale version no longer applies.
	_, err = e.Update(ctx, "t1", id, 1, UpdatePatch{Content: &content})
	assert.True(t, types.IsStaleWrite(err))
}

func TestUpdateImportanceMovesLevel(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	infer := false

	id, err := e.Add(ctx, "t1", []string{"promotable note"}, AddOptions{AgentID: "a1", Infer: &infer})
	require.NoError(t, err)

	importance := float32(0.9)
	updated, err := e.Update(ctx, "t1", id, 1, UpdatePatch{Importance: &importance})
	require.NoError(t, err)
	assert.Equal(t, types.LevelStrategic, updated.Level)
}

func TestDeleteIsIdempotent(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	infer := false

	id, err := e.Add(ctx, "t1", []string{"short lived"}, AddOptions{AgentID: "a1", Infer: &infer})
	require.NoError(t, err)

	deleted, err := e.Delete(ctx, "t1", id)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = e.Delete(ctx, "t1", id)
	require.NoError(t, err)
	assert.False(t, deleted, "second delete reports false, not an error")

	_, err = e.Get(ctx, "t1", id)
	assert.True(t, types.IsNotFound(err))
}

func TestDeleteCascadesToGraphEntities(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	opts := AddOptions{AgentID: "a1", UserID: "u1"}

	first, err := e.Add(ctx, "t1", []string{"Alice works at Acme"}, opts)
	require.NoError(t, err)
	second, err := e.Add(ctx, "t1", []string{"Bob works at Acme"}, opts)
	require.NoError(t, err)
	require.NotEqual(t, first, second)
	_, err = e.Get(ctx, "t1", first)
	require.NoError(t, err)

	// Index publication is asynchronous.
	require.Eventually(t, func() bool {
		entities, _ := e.graph.Counts(ctx)
		return entities >= 3
	}, 2*time.Second, 10*time.Millisecond)

	deleted, err := e.Delete(ctx, "t1", first)
	require.NoError(t, err)
	require.True(t, deleted)

	// Acme is still cited by the surviving record and stays indexed;
	// Alice leaves with her last reference.
	entities, _ := e.graph.Counts(ctx)
	assert.Equal(t, 2, entities)

	deleted, err = e.Delete(ctx, "t1", second)
	require.NoError(t, err)
	require.True(t, deleted)

	entities, edges := e.graph.Counts(ctx)
	assert.Zero(t, entities)
	assert.Zero(t, edges)
}

func TestExpiredRecordBecomesInvisible(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	infer := false

	id, err := e.Add(ctx, "t1", []string{"ephemeral note"}, AddOptions{AgentID: "a1", Infer: &infer})
	require.NoError(t, err)

	past := time.Now().UTC().Add(-time.Minute)
	_, err = e.Update(ctx, "t1", id, 1, UpdatePatch{ExpiresAt: &past})
	require.NoError(t, err)

	// The update's write-through cached the record; expiry wins anyway.
	_, err = e.Get(ctx, "t1", id)
	assert.True(t, types.IsNotFound(err))

	scope := types.AgentScope("a1")
	records, err := e.List(ctx, "t1", ListOptions{Scope: &scope})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestCompactReclaimsTombstonedRecords(t *testing.T) {
	e := newTestEngine(t, func(cfg *config.Config) {
		cfg.Storage.CompactionGrace = -time.Hour
	})
	ctx := context.Background()
	infer := false

	id, err := e.Add(ctx, "t1", []string{"soon gone"}, AddOptions{AgentID: "a1", Infer: &infer})
	require.NoError(t, err)
	deleted, err := e.Delete(ctx, "t1", id)
	require.NoError(t, err)
	require.True(t, deleted)

	removed, err := e.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	// A second pass finds nothing left to reclaim.
	removed, err = e.Compact(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestIngestDropTelemetry(t *testing.T) {
	e := newTestEngine(t, nil)
	e.collector = metrics.NewCollector("memflow_engine_ingest_test", nil)
	ctx := context.Background()
	opts := AddOptions{AgentID: "a1", UserID: "u1"}

	first, err := e.Add(ctx, "t1", []string{"Alice works at Acme"}, opts)
	require.NoError(t, err)
	second, err := e.Add(ctx, "t1", []string{"Alice works at Acme"}, opts)
	require.NoError(t, err)
	require.Equal(t, first, second)

	drops, err := testutil.GatherAndCount(prometheus.DefaultGatherer,
		"memflow_engine_ingest_test_ingest_drops_total")
	require.NoError(t, err)
	assert.Equal(t, 1, drops)

	// The permits gauge registered and returned to idle.
	permits, err := testutil.GatherAndCount(prometheus.DefaultGatherer,
		"memflow_engine_ingest_test_ingest_permits_in_use")
	require.NoError(t, err)
	assert.Equal(t, 1, permits)
}

func TestSearchRanksBySimilarity(t *testing.T) {
	// Polling repeats the identical request while the async indexer
	// catches up; result caching would pin the first, incomplete answer.
	e := newTestEngine(t, func(cfg *config.Config) {
		cfg.Query.PlanCacheTTL = 0
	})
	ctx := context.Background()
	infer := false

	closeID, err := e.Add(ctx, "t1", []string{"cats are mammals"}, AddOptions{
		AgentID:   "a1",
		Infer:     &infer,
		Embedding: []float32{1, 0, 0},
	})
	require.NoError(t, err)
	farID, err := e.Add(ctx, "t1", []string{"ships cross oceans"}, AddOptions{
		AgentID:   "a1",
		Infer:     &infer,
		Embedding: []float32{0.6, 0.8, 0},
	})
	require.NoError(t, err)

	// Index publication is asynchronous.
	var results []SearchResult
	require.Eventually(t, func() bool {
		var err error
		results, err = e.Search(ctx, "t1", SearchRequest{QueryVector: []float32{1, 0, 0}})
		return err == nil && len(results) == 2
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, closeID, results[0].Record.ID)
	assert.Equal(t, farID, results[1].Record.ID)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestSearchValidation(t *testing.T) {
	e := newTestEngine(t, nil)

	_, err := e.Search(context.Background(), "t1", SearchRequest{})
	assert.True(t, types.IsCode(err, types.ErrValidation))
}

func TestSemanticConflictTombstonesOlder(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	opts := func(embedding []float32) AddOptions {
		return AddOptions{AgentID: "a1", UserID: "u1", Embedding: embedding}
	}

	parisID, err := e.Add(ctx, "t1", []string{"Bob lives in Paris"}, opts([]float32{1, 0, 0}))
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	// Cosine 0.9: above the semantic gate, below the duplicate gate.
	lyonID, err := e.Add(ctx, "t1", []string{"Bob lives in Lyon"}, opts([]float32{0.9, 0.436, 0}))
	require.NoError(t, err)
	require.NotEqual(t, parisID, lyonID)

	_, err = e.Get(ctx, "t1", parisID)
	assert.True(t, types.IsNotFound(err), "the superseded record is tombstoned")

	scope := types.UserScope("a1", "u1")
	records, err := e.List(ctx, "t1", ListOptions{Scope: &scope})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, lyonID, records[0].ID)
}

func TestCapacityEviction(t *testing.T) {
	e := newTestEngine(t, func(cfg *config.Config) {
		cfg.Hierarchy.OperationalCapacity = 3
	})
	ctx := context.Background()
	infer := false

	ids := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		id, err := e.Add(ctx, "t1", []string{fmt.Sprintf("entry %d", i)}, AddOptions{
			AgentID: "a1",
			Infer:   &infer,
		})
		require.NoError(t, err)
		ids = append(ids, id)
		time.Sleep(2 * time.Millisecond)
	}

	// Equal importance: the least recently accessed record loses.
	_, err := e.Get(ctx, "t1", ids[0])
	assert.True(t, types.IsNotFound(err))

	scope := types.AgentScope("a1")
	records, err := e.List(ctx, "t1", ListOptions{Scope: &scope})
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestWarmCache(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	infer := false

	_, err := e.WarmCache(ctx, WarmOptions{})
	assert.True(t, types.IsCode(err, types.ErrValidation))

	_, err = e.Add(ctx, "t1", []string{"warm me"}, AddOptions{AgentID: "a1", Infer: &infer})
	require.NoError(t, err)

	// The write-through already primed the tier, so warming skips it.
	report, err := e.WarmCache(ctx, WarmOptions{TenantID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Warmed)
	assert.Equal(t, 1, report.Skipped)
}

func TestMigrateToRegisteredTarget(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	infer := false

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	target := storage.NewGormStoreFromDB(db, nil)
	require.NoError(t, target.Init(ctx))
	e.RegisterStore("target", target)

	for i := 0; i < 2; i++ {
		_, err := e.Add(ctx, "t1", []string{fmt.Sprintf("portable %d", i)}, AddOptions{
			AgentID: "a1",
			Infer:   &infer,
		})
		require.NoError(t, err)
	}

	report, err := e.Migrate(ctx, "sqlite", "target", 10)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Migrated)
	assert.Empty(t, report.Failed)

	_, err = e.Migrate(ctx, "ghost", "target", 10)
	assert.True(t, types.IsCode(err, types.ErrValidation))
	_, err = e.Migrate(ctx, "sqlite", "ghost", 10)
	assert.True(t, types.IsCode(err, types.ErrValidation))
}

func TestStatsAggregatesComponents(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	infer := false

	_, err := e.Add(ctx, "t1", []string{"counted"}, AddOptions{AgentID: "a1", Infer: &infer})
	require.NoError(t, err)

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Store.TotalRecords)
	assert.NotEmpty(t, stats.Cache)
	assert.Contains(t, stats.Shards.Nodes, "local")
	assert.False(t, stats.Shards.NeedsRebalance)
}

func TestHealthReportsComponents(t *testing.T) {
	e := newTestEngine(t, nil)

	status := e.Health(context.Background())
	assert.Equal(t, types.Healthy, status.State)
	assert.Equal(t, "ok", status.Components["store"])
	assert.Equal(t, "ok", status.Components["vector_index"])
	assert.Equal(t, "ok", status.Components["graph_index"])
	assert.False(t, status.CheckedAt.IsZero())
}

func TestIngestRateLimit(t *testing.T) {
	e := newTestEngine(t, func(cfg *config.Config) {
		cfg.Engine.IngestRate = 1
		cfg.Engine.IngestBurst = 1
	})
	ctx := context.Background()
	infer := false

	_, err := e.Add(ctx, "t1", []string{"first within budget"}, AddOptions{AgentID: "a1", Infer: &infer})
	require.NoError(t, err)

	_, err = e.Add(ctx, "t1", []string{"second over budget"}, AddOptions{AgentID: "a1", Infer: &infer})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCapacityExceeded))
}
