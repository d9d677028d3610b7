// Package config provides unified configuration loading for memflow.
// Precedence: defaults → YAML file → environment variables.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("memflow.yaml").
//	    WithEnvPrefix("MEMFLOW").
//	    Load()
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete memflow configuration.
type Config struct {
	// Storage configures the durable record store.
	Storage StorageConfig `yaml:"storage" env:"STORAGE"`

	// Redis configures the low-latency cache backend.
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Cache configures the in-process hot tier and coordinator TTLs.
	Cache CacheConfig `yaml:"cache" env:"CACHE"`

	// Vector configures the vector index backend.
	Vector VectorConfig `yaml:"vector" env:"VECTOR"`

	// Graph configures the graph index backend.
	Graph GraphConfig `yaml:"graph" env:"GRAPH"`

	// Hierarchy configures classification and per-level capacity.
	Hierarchy HierarchyConfig `yaml:"hierarchy" env:"HIERARCHY"`

	// Pipeline configures ingestion thresholds and scoring weights.
	Pipeline PipelineConfig `yaml:"pipeline" env:"PIPELINE"`

	// Query configures the query planner.
	Query QueryConfig `yaml:"query" env:"QUERY"`

	// Shard configures the consistent-hash router.
	Shard ShardConfig `yaml:"shard" env:"SHARD"`

	// Engine configures concurrency limits and operation defaults.
	Engine EngineConfig `yaml:"engine" env:"ENGINE"`

	// Log configures zap.
	Log LogConfig `yaml:"log" env:"LOG"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`
}

// StorageConfig selects and configures the record store backend.
type StorageConfig struct {
	// Backend: sqlite, postgres, mysql, mongo.
	Backend string `yaml:"backend" env:"BACKEND"`
	// DSN for SQL backends. sqlite accepts a file path or :memory:.
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	User     string `yaml:"user" env:"USER"`
	Password string `yaml:"password" env:"PASSWORD"`
	Name     string `yaml:"name" env:"NAME"`
	SSLMode  string `yaml:"ssl_mode" env:"SSL_MODE"`
	// MongoURI is used when Backend is mongo.
	MongoURI string `yaml:"mongo_uri" env:"MONGO_URI"`
	// Connection pool tuning.
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	// CompactionGrace is how long tombstones and expired rows survive
	// before compaction removes them.
	CompactionGrace time.Duration `yaml:"compaction_grace" env:"COMPACTION_GRACE"`
	// CompactionInterval is how often the server compacts the store.
	// Zero disables the background loop.
	CompactionInterval time.Duration `yaml:"compaction_interval" env:"COMPACTION_INTERVAL"`
}

// DSN returns the connection string for SQL backends.
func (s *StorageConfig) DSN() string {
	switch s.Backend {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.Host, s.Port, s.User, s.Password, s.Name, s.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			s.User, s.Password, s.Host, s.Port, s.Name,
		)
	case "sqlite":
		return s.Name
	default:
		return ""
	}
}

// RedisConfig configures the cache backend connection.
type RedisConfig struct {
	// Enabled controls whether the Redis tier is wired at all; when false
	// the coordinator runs with the in-process tier only.
	Enabled      bool   `yaml:"enabled" env:"ENABLED"`
	Addr         string `yaml:"addr" env:"ADDR"`
	Password     string `yaml:"password" env:"PASSWORD"`
	DB           int    `yaml:"db" env:"DB"`
	PoolSize     int    `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int    `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	MaxRetries   int    `yaml:"max_retries" env:"MAX_RETRIES"`
}

// CacheConfig configures the in-process tier and coordinator behavior.
type CacheConfig struct {
	// DefaultTTL applies to cache fills on read-through and warm.
	// Zero means entries never expire.
	DefaultTTL time.Duration `yaml:"default_ttl" env:"DEFAULT_TTL"`
	// MaxEntries and MaxBytes bound the in-process LRU; either triggers
	// eviction.
	MaxEntries int   `yaml:"max_entries" env:"MAX_ENTRIES"`
	MaxBytes   int64 `yaml:"max_bytes" env:"MAX_BYTES"`
	// SweepInterval is how often expired entries are proactively removed.
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
}

// VectorConfig configures the vector index.
type VectorConfig struct {
	// Dimension of stored embeddings; upserts with another dimension are
	// rejected as Validation errors.
	Dimension int `yaml:"dimension" env:"DIMENSION"`
}

// GraphConfig configures the graph index.
type GraphConfig struct {
	// MaxDepth bounds neighborhood expansion.
	MaxDepth int `yaml:"max_depth" env:"MAX_DEPTH"`
}

// HierarchyConfig configures per-level capacity and decay.
type HierarchyConfig struct {
	// Capacity per (tenant, scope, level) bucket; zero means unbounded.
	StrategicCapacity   int `yaml:"strategic_capacity" env:"STRATEGIC_CAPACITY"`
	TacticalCapacity    int `yaml:"tactical_capacity" env:"TACTICAL_CAPACITY"`
	OperationalCapacity int `yaml:"operational_capacity" env:"OPERATIONAL_CAPACITY"`
	ContextualCapacity  int `yaml:"contextual_capacity" env:"CONTEXTUAL_CAPACITY"`
	// Per-level decay constants for the eviction score
	// importance * exp(-age/tau).
	StrategicTau   time.Duration `yaml:"strategic_tau" env:"STRATEGIC_TAU"`
	TacticalTau    time.Duration `yaml:"tactical_tau" env:"TACTICAL_TAU"`
	OperationalTau time.Duration `yaml:"operational_tau" env:"OPERATIONAL_TAU"`
	ContextualTau  time.Duration `yaml:"contextual_tau" env:"CONTEXTUAL_TAU"`
}

// PipelineConfig configures ingestion.
type PipelineConfig struct {
	// SemanticThreshold is the similarity gate for semantic conflict
	// candidates.
	SemanticThreshold float32 `yaml:"semantic_threshold" env:"SEMANTIC_THRESHOLD"`
	// AutoResolveThreshold is the confidence gate for automatic resolution.
	AutoResolveThreshold float32 `yaml:"auto_resolve_threshold" env:"AUTO_RESOLVE_THRESHOLD"`
	// TemporalWindow bounds temporal conflict detection.
	TemporalWindow time.Duration `yaml:"temporal_window" env:"TEMPORAL_WINDOW"`
	// DailyDecay is the per-day multiplier applied to importance.
	DailyDecay float32 `yaml:"daily_decay" env:"DAILY_DECAY"`
	// SeenSetSize bounds the per-session dedup probe.
	SeenSetSize int `yaml:"seen_set_size" env:"SEEN_SET_SIZE"`
	// Importance factor weights.
	FrequencyWeight  float32 `yaml:"frequency_weight" env:"FREQUENCY_WEIGHT"`
	RecencyWeight    float32 `yaml:"recency_weight" env:"RECENCY_WEIGHT"`
	ComplexityWeight float32 `yaml:"complexity_weight" env:"COMPLEXITY_WEIGHT"`
	EntityWeight     float32 `yaml:"entity_weight" env:"ENTITY_WEIGHT"`
	RelationWeight   float32 `yaml:"relation_weight" env:"RELATION_WEIGHT"`
	EmotionWeight    float32 `yaml:"emotion_weight" env:"EMOTION_WEIGHT"`
	ContextWeight    float32 `yaml:"context_weight" env:"CONTEXT_WEIGHT"`
}

// QueryConfig configures the planner.
type QueryConfig struct {
	// VectorLimitCap disables ANN for limits above this value.
	VectorLimitCap int `yaml:"vector_limit_cap" env:"VECTOR_LIMIT_CAP"`
	// PlanCacheTTL is the short-term plan result cache TTL.
	PlanCacheTTL time.Duration `yaml:"plan_cache_ttl" env:"PLAN_CACHE_TTL"`
	// Ranking weights: score = alpha*similarity + beta*importance +
	// gamma*recency.
	Alpha float32 `yaml:"alpha" env:"ALPHA"`
	Beta  float32 `yaml:"beta" env:"BETA"`
	Gamma float32 `yaml:"gamma" env:"GAMMA"`
}

// ShardConfig configures the consistent-hash router.
type ShardConfig struct {
	ShardCount          int     `yaml:"shard_count" env:"SHARD_COUNT"`
	ReplicationFactor   int     `yaml:"replication_factor" env:"REPLICATION_FACTOR"`
	VirtualNodes        int     `yaml:"virtual_nodes" env:"VIRTUAL_NODES"`
	RebalanceThreshold  float64 `yaml:"rebalance_threshold" env:"REBALANCE_THRESHOLD"`
	RebalancingEnabled  bool    `yaml:"rebalancing_enabled" env:"REBALANCING_ENABLED"`
}

// EngineConfig configures the public operation surface.
type EngineConfig struct {
	// IngestPermits bounds concurrent ingestion operations.
	IngestPermits int `yaml:"ingest_permits" env:"INGEST_PERMITS"`
	// IngestRate limits accepted ingests per second; zero disables.
	IngestRate  float64 `yaml:"ingest_rate" env:"INGEST_RATE"`
	IngestBurst int     `yaml:"ingest_burst" env:"INGEST_BURST"`
	// Retry policy for transient backend failures.
	RetryMaxAttempts int           `yaml:"retry_max_attempts" env:"RETRY_MAX_ATTEMPTS"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay" env:"RETRY_BASE_DELAY"`
	RetryMaxDelay    time.Duration `yaml:"retry_max_delay" env:"RETRY_MAX_DELAY"`
	// Per-backend call budget.
	BackendTimeout time.Duration `yaml:"backend_timeout" env:"BACKEND_TIMEOUT"`
}

// LogConfig configures zap.
type LogConfig struct {
	// Level: debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json, console.
	Format string `yaml:"format" env:"FORMAT"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ENABLED"`
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
	Port      int    `yaml:"port" env:"PORT"`
}

// Loader loads configuration with builder-style options.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "MEMFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator adds a configuration validator.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load resolves the configuration: defaults → YAML → env → validators.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// MustLoad loads configuration or panics.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []string

	switch c.Storage.Backend {
	case "sqlite", "postgres", "mysql", "mongo":
	default:
		errs = append(errs, fmt.Sprintf("unknown storage backend %q", c.Storage.Backend))
	}
	if c.Vector.Dimension <= 0 {
		errs = append(errs, "vector dimension must be positive")
	}
	if c.Engine.IngestPermits <= 0 {
		errs = append(errs, "ingest_permits must be positive")
	}
	if c.Shard.ShardCount <= 0 {
		errs = append(errs, "shard_count must be positive")
	}
	if c.Pipeline.SemanticThreshold < 0 || c.Pipeline.SemanticThreshold > 1 {
		errs = append(errs, "semantic_threshold must be in [0,1]")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
