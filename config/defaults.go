package config

import "time"

// DefaultConfig returns a configuration that works out of the box: sqlite
// in memory, no Redis tier, 768-dim vectors, default thresholds.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend:            "sqlite",
			Name:               "file::memory:?cache=shared",
			MaxOpenConns:       25,
			MaxIdleConns:       5,
			ConnMaxLifetime:    time.Hour,
			CompactionGrace:    24 * time.Hour,
			CompactionInterval: time.Hour,
		},
		Redis: RedisConfig{
			Enabled:      false,
			Addr:         "localhost:6379",
			DB:           0,
			PoolSize:     10,
			MinIdleConns: 2,
			MaxRetries:   3,
		},
		Cache: CacheConfig{
			DefaultTTL:    15 * time.Minute,
			MaxEntries:    10000,
			MaxBytes:      64 << 20,
			SweepInterval: 5 * time.Minute,
		},
		Vector: VectorConfig{
			Dimension: 768,
		},
		Graph: GraphConfig{
			MaxDepth: 3,
		},
		Hierarchy: HierarchyConfig{
			StrategicCapacity:   1000,
			TacticalCapacity:    5000,
			OperationalCapacity: 20000,
			ContextualCapacity:  50000,
			StrategicTau:        90 * 24 * time.Hour,
			TacticalTau:         30 * 24 * time.Hour,
			OperationalTau:      7 * 24 * time.Hour,
			ContextualTau:       24 * time.Hour,
		},
		Pipeline: PipelineConfig{
			SemanticThreshold:    0.85,
			AutoResolveThreshold: 0.8,
			TemporalWindow:       24 * time.Hour,
			DailyDecay:           0.95,
			SeenSetSize:          256,
			FrequencyWeight:      0.25,
			RecencyWeight:        0.20,
			ComplexityWeight:     0.15,
			EntityWeight:         0.15,
			RelationWeight:       0.15,
			EmotionWeight:        0.05,
			ContextWeight:        0.05,
		},
		Query: QueryConfig{
			VectorLimitCap: 100,
			PlanCacheTTL:   30 * time.Second,
			Alpha:          0.6,
			Beta:           0.3,
			Gamma:          0.1,
		},
		Shard: ShardConfig{
			ShardCount:         256,
			ReplicationFactor:  3,
			VirtualNodes:       100,
			RebalanceThreshold: 0.2,
			RebalancingEnabled: true,
		},
		Engine: EngineConfig{
			IngestPermits:    10,
			IngestRate:       0,
			IngestBurst:      1,
			RetryMaxAttempts: 3,
			RetryBaseDelay:   100 * time.Millisecond,
			RetryMaxDelay:    5 * time.Second,
			BackendTimeout:   10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "memflow",
			Port:      9090,
		},
	}
}
