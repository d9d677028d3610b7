// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector registers and records the engine's Prometheus metrics.
type Collector struct {
	// operation surface
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec

	// ingestion pipeline
	stageDuration     *prometheus.HistogramVec
	ingestDropsTotal  *prometheus.CounterVec
	conflictsTotal    *prometheus.CounterVec
	resolutionsTotal  *prometheus.CounterVec
	indexPendingTotal prometheus.Counter

	// storage and caches
	cacheHits    *prometheus.CounterVec
	cacheMisses  *prometheus.CounterVec
	backendCalls *prometheus.HistogramVec

	// hierarchy and indexes
	evictionsTotal *prometheus.CounterVec
	memoriesByTier *prometheus.GaugeVec
	vectorEntries  prometheus.Gauge
	graphEntities  prometheus.Gauge

	// shard routing
	shardUnavailableTotal prometheus.Counter
	ingestPermitsInUse    prometheus.Gauge

	logger *zap.Logger
}

// NewCollector creates a collector registered on the default registry.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Total number of engine operations",
		},
		[]string{"operation", "status"},
	)

	c.operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Engine operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	c.stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_stage_duration_seconds",
			Help:      "Ingestion pipeline stage duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"stage"},
	)

	c.ingestDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_drops_total",
			Help:      "Total number of inputs dropped during ingestion",
		},
		[]string{"reason"},
	)

	c.conflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_detected_total",
			Help:      "Total number of conflicts detected, by kind",
		},
		[]string{"kind"},
	)

	c.resolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_resolved_total",
			Help:      "Total number of conflict resolutions, by strategy",
		},
		[]string{"strategy"},
	)

	c.indexPendingTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_pending_total",
			Help:      "Total number of records parked for index reconciliation",
		},
	)

	c.cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache"},
	)

	c.cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache"},
	)

	c.backendCalls = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_call_duration_seconds",
			Help:      "Storage backend call duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	c.evictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Total number of capacity evictions, by memory level",
		},
		[]string{"level"},
	)

	c.memoriesByTier = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memories",
			Help:      "Current number of memories, by level",
		},
		[]string{"level"},
	)

	c.vectorEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vector_index_entries",
			Help:      "Current number of vectors in the similarity index",
		},
	)

	c.graphEntities = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "graph_entities",
			Help:      "Current number of entities in the graph index",
		},
	)

	c.shardUnavailableTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shard_unavailable_total",
			Help:      "Total number of writes rejected for lack of shard nodes",
		},
	)

	c.ingestPermitsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ingest_permits_in_use",
			Help:      "Currently held ingestion permits",
		},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// RecordOperation records one engine operation with its outcome.
func (c *Collector) RecordOperation(operation, status string, duration time.Duration) {
	c.operationsTotal.WithLabelValues(operation, status).Inc()
	c.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordStage records one ingestion pipeline stage.
func (c *Collector) RecordStage(stage string, duration time.Duration) {
	c.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordIngestDrop records an input dropped before persistence.
func (c *Collector) RecordIngestDrop(reason string) {
	c.ingestDropsTotal.WithLabelValues(reason).Inc()
}

// RecordConflict records a detected conflict.
func (c *Collector) RecordConflict(kind string) {
	c.conflictsTotal.WithLabelValues(kind).Inc()
}

// RecordResolution records an applied resolution strategy.
func (c *Collector) RecordResolution(strategy string) {
	c.resolutionsTotal.WithLabelValues(strategy).Inc()
}

// RecordIndexPending records a record parked for reconciliation after an
// index publish failure.
func (c *Collector) RecordIndexPending() {
	c.indexPendingTotal.Inc()
}

// RecordCacheHit records a cache hit for the named cache tier.
func (c *Collector) RecordCacheHit(cache string) {
	c.cacheHits.WithLabelValues(cache).Inc()
}

// RecordCacheMiss records a cache miss for the named cache tier.
func (c *Collector) RecordCacheMiss(cache string) {
	c.cacheMisses.WithLabelValues(cache).Inc()
}

// RecordBackendCall records one storage backend round trip.
func (c *Collector) RecordBackendCall(backend, operation string, duration time.Duration) {
	c.backendCalls.WithLabelValues(backend, operation).Observe(duration.Seconds())
}

// RecordEviction records a capacity eviction at the given level.
func (c *Collector) RecordEviction(level string) {
	c.evictionsTotal.WithLabelValues(level).Inc()
}

// SetMemories sets the current memory count for a level.
func (c *Collector) SetMemories(level string, count int) {
	c.memoriesByTier.WithLabelValues(level).Set(float64(count))
}

// SetVectorEntries sets the current vector index size.
func (c *Collector) SetVectorEntries(count int) {
	c.vectorEntries.Set(float64(count))
}

// SetGraphEntities sets the current graph entity count.
func (c *Collector) SetGraphEntities(count int) {
	c.graphEntities.Set(float64(count))
}

// RecordShardUnavailable records a write rejected by the shard router.
func (c *Collector) RecordShardUnavailable() {
	c.shardUnavailableTotal.Inc()
}

// SetIngestPermitsInUse sets the currently held permit count.
func (c *Collector) SetIngestPermitsInUse(n int) {
	c.ingestPermitsInUse.Set(float64(n))
}
