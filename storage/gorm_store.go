package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/memflow/config"
	"github.com/BaSui01/memflow/types"
)

// recordRow is the GORM persistence model for one memory record. Variable
// shaped fields (embedding, metadata, entity/relation id lists) are stored
// as JSON blobs so the schema stays portable across sqlite/postgres/mysql.
type recordRow struct {
	ID             string `gorm:"primaryKey;size:64"`
	TenantID       string `gorm:"size:128;not null;index:idx_tenant_scope;index:idx_tenant_agent"`
	ScopeKey       string `gorm:"size:256;not null;index:idx_tenant_scope"`
	AgentID        string `gorm:"size:128;index:idx_tenant_agent"`
	Level          string `gorm:"size:16;index"`
	MemoryType     string `gorm:"size:16"`
	Content        string `gorm:"type:text"`
	ContentHash    string `gorm:"size:32;index"`
	Embedding      []byte
	Importance     float32
	AccessCount    uint64
	LastAccessedAt time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      *time.Time
	Version        uint32
	Metadata       []byte
	Entities       []byte
	Relations      []byte
	IsDeleted      bool `gorm:"index"`
	IndexPending   bool
	TombstonedAt   *time.Time
}

func (recordRow) TableName() string { return "memory_records" }

// GormStore is the SQL record store backend, usable with the sqlite
// (pure Go), postgres and mysql dialectors.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormStore opens the configured SQL backend and tunes its pool.
func NewGormStore(cfg config.StorageConfig, logger *zap.Logger) (*GormStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var dialector gorm.Dialector
	switch cfg.Backend {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN())
	case "postgres":
		dialector = postgres.Open(cfg.DSN())
	case "mysql":
		dialector = mysql.Open(cfg.DSN())
	default:
		return nil, types.NewErrorf(types.ErrValidation, "unsupported sql backend %q", cfg.Backend)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Backend, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	s := &GormStore{
		db:     db,
		logger: logger.With(zap.String("component", "record_store"), zap.String("backend", cfg.Backend)),
	}

	logger.Info("record store opened",
		zap.String("backend", cfg.Backend),
		zap.Int("max_open_conns", cfg.MaxOpenConns),
	)

	return s, nil
}

// NewGormStoreFromDB wraps an existing gorm handle; used by tests.
func NewGormStoreFromDB(db *gorm.DB, logger *zap.Logger) *GormStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{
		db:     db,
		logger: logger.With(zap.String("component", "record_store")),
	}
}

// Init migrates the schema.
func (s *GormStore) Init(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&recordRow{}); err != nil {
		return types.NewError(types.ErrBackendUnavailable, "record store migration failed").
			WithSubsystem("record_store").WithCause(err)
	}
	return nil
}

// Put upserts a record. The write is rejected with StaleWrite when the
// caller's version is behind the stored version; otherwise the stored
// version is advanced by one and the persisted record is returned.
func (s *GormStore) Put(ctx context.Context, record *types.MemoryRecord) (*types.MemoryRecord, error) {
	if record == nil || record.ID == "" {
		return nil, types.NewError(types.ErrValidation, "record id is required")
	}

	out := record.Clone()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur recordRow
		res := tx.Where("id = ? AND tenant_id = ?", record.ID, record.TenantID).
			Limit(1).Find(&cur)
		if res.Error != nil {
			return res.Error
		}

		now := time.Now().UTC()
		if res.RowsAffected > 0 {
			if record.Version < cur.Version {
				return types.NewErrorf(types.ErrStaleWrite,
					"version %d behind stored %d for %s", record.Version, cur.Version, record.ID).
					WithSubsystem("record_store")
			}
			out.Version = cur.Version + 1
			out.CreatedAt = cur.CreatedAt
		} else {
			if out.Version == 0 {
				out.Version = 1
			}
			if out.CreatedAt.IsZero() {
				out.CreatedAt = now
			}
		}
		out.UpdatedAt = now
		if out.LastAccessedAt.IsZero() {
			out.LastAccessedAt = now
		}

		row, err := toRow(out)
		if err != nil {
			return err
		}
		return tx.Save(row).Error
	})
	if err != nil {
		var coreErr *types.Error
		if errors.As(err, &coreErr) {
			return nil, coreErr
		}
		return nil, types.NewError(types.ErrBackendUnavailable, "record store write failed").
			WithSubsystem("record_store").WithRetryable(true).WithCause(err)
	}
	return out, nil
}

// live narrows a query to records that are neither tombstoned nor past
// their TTL. Expired rows stay on disk until compaction but are invisible
// to every read path.
func live(db *gorm.DB) *gorm.DB {
	return db.Where("is_deleted = ?", false).
		Where("expires_at IS NULL OR expires_at > ?", time.Now().UTC())
}

// Get returns a live record, or NotFound for missing, tombstoned and
// expired ids.
func (s *GormStore) Get(ctx context.Context, tenantID, id string) (*types.MemoryRecord, error) {
	var row recordRow
	res := s.db.WithContext(ctx).Scopes(live).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		Limit(1).Find(&row)
	if res.Error != nil {
		return nil, types.NewError(types.ErrBackendUnavailable, "record store read failed").
			WithSubsystem("record_store").WithRetryable(true).WithCause(res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, types.NewErrorf(types.ErrNotFound, "memory %s not found", id)
	}
	return fromRow(&row)
}

// Delete tombstones a record. Returns false when the id is already gone;
// repeated deletes are not errors.
func (s *GormStore) Delete(ctx context.Context, tenantID, id string) (bool, error) {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&recordRow{}).
		Where("id = ? AND tenant_id = ? AND is_deleted = ?", id, tenantID, false).
		Updates(map[string]any{
			"is_deleted":    true,
			"tombstoned_at": now,
			"updated_at":    now,
		})
	if res.Error != nil {
		return false, types.NewError(types.ErrBackendUnavailable, "record store delete failed").
			WithSubsystem("record_store").WithRetryable(true).WithCause(res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ListByScope lists live records in one exact scope, newest first. A
// non-nil level narrows the listing in the query itself so paging stays
// correct under the combined predicate.
func (s *GormStore) ListByScope(ctx context.Context, tenantID string, scope types.Scope, level *types.MemoryLevel, limit, offset int) ([]*types.MemoryRecord, error) {
	var rows []recordRow
	q := s.db.WithContext(ctx).Scopes(live).
		Where("tenant_id = ? AND scope_key = ?", tenantID, scope.Key()).
		Order("created_at DESC, id ASC").
		Offset(offset)
	if level != nil {
		q = q.Where("level = ?", string(*level))
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, types.NewError(types.ErrBackendUnavailable, "record store list failed").
			WithSubsystem("record_store").WithRetryable(true).WithCause(err)
	}
	return fromRows(rows)
}

// ListByLevel lists live records at one hierarchy level, newest first.
func (s *GormStore) ListByLevel(ctx context.Context, tenantID string, level types.MemoryLevel, limit int) ([]*types.MemoryRecord, error) {
	var rows []recordRow
	q := s.db.WithContext(ctx).Scopes(live).
		Where("tenant_id = ? AND level = ?", tenantID, string(level)).
		Order("created_at DESC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, types.NewError(types.ErrBackendUnavailable, "record store list failed").
			WithSubsystem("record_store").WithRetryable(true).WithCause(err)
	}
	return fromRows(rows)
}

// ListByTenantAgent lists live records for one agent across scopes.
func (s *GormStore) ListByTenantAgent(ctx context.Context, tenantID, agentID string, limit, offset int) ([]*types.MemoryRecord, error) {
	var rows []recordRow
	q := s.db.WithContext(ctx).Scopes(live).
		Where("tenant_id = ? AND agent_id = ?", tenantID, agentID).
		Order("created_at DESC, id ASC").
		Offset(offset)
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, types.NewError(types.ErrBackendUnavailable, "record store list failed").
			WithSubsystem("record_store").WithRetryable(true).WithCause(err)
	}
	return fromRows(rows)
}

// SearchText returns candidate ids ranked by importance then recency. The
// signal is a substring match; ANN quality is the vector index's job.
func (s *GormStore) SearchText(ctx context.Context, tenantID, query string, scope *types.Scope, limit int) ([]string, error) {
	q := s.db.WithContext(ctx).Model(&recordRow{}).Scopes(live).
		Where("tenant_id = ?", tenantID).
		Where("content LIKE ?", "%"+query+"%")
	if scope != nil {
		q = q.Where("scope_key = ?", scope.Key())
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var ids []string
	if err := q.Order("importance DESC, created_at DESC, id ASC").Pluck("id", &ids).Error; err != nil {
		return nil, types.NewError(types.ErrBackendUnavailable, "record store search failed").
			WithSubsystem("record_store").WithRetryable(true).WithCause(err)
	}
	return ids, nil
}

// ListByEntity returns ids of live records referencing an entity. The
// entity id list is a JSON blob, so this is a substring probe; entity ids
// are hash-derived and never substrings of one another.
func (s *GormStore) ListByEntity(ctx context.Context, tenantID, entityID string, limit int) ([]string, error) {
	q := s.db.WithContext(ctx).Model(&recordRow{}).Scopes(live).
		Where("tenant_id = ?", tenantID).
		Where("entities LIKE ?", "%"+entityID+"%").
		Order("created_at DESC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var ids []string
	if err := q.Pluck("id", &ids).Error; err != nil {
		return nil, types.NewError(types.ErrBackendUnavailable, "record store entity lookup failed").
			WithSubsystem("record_store").WithRetryable(true).WithCause(err)
	}
	return ids, nil
}

// Scan iterates live records in id order; cursor is the last seen id.
func (s *GormStore) Scan(ctx context.Context, cursor string, batchSize int) ([]*types.MemoryRecord, string, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	var rows []recordRow
	q := s.db.WithContext(ctx).Scopes(live).
		Order("id ASC").
		Limit(batchSize)
	if cursor != "" {
		q = q.Where("id > ?", cursor)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, "", types.NewError(types.ErrBackendUnavailable, "record store scan failed").
			WithSubsystem("record_store").WithRetryable(true).WithCause(err)
	}
	records, err := fromRows(rows)
	if err != nil {
		return nil, "", err
	}
	next := ""
	if len(rows) == batchSize {
		next = rows[len(rows)-1].ID
	}
	return records, next, nil
}

// Touch bumps access metadata without advancing the record version.
func (s *GormStore) Touch(ctx context.Context, tenantID, id string, at time.Time) error {
	err := s.db.WithContext(ctx).Model(&recordRow{}).
		Where("id = ? AND tenant_id = ? AND is_deleted = ?", id, tenantID, false).
		Updates(map[string]any{
			"access_count":     gorm.Expr("access_count + 1"),
			"last_accessed_at": at.UTC(),
		}).Error
	if err != nil {
		return types.NewError(types.ErrBackendUnavailable, "record store touch failed").
			WithSubsystem("record_store").WithRetryable(true).WithCause(err)
	}
	return nil
}

// Stats counts live records per level and scope.
func (s *GormStore) Stats(ctx context.Context) (*StoreStats, error) {
	stats := &StoreStats{
		CountByLevel: make(map[types.MemoryLevel]int64),
		CountByScope: make(map[string]int64),
	}

	type bucket struct {
		Key   string
		Count int64
	}

	var byLevel []bucket
	if err := s.db.WithContext(ctx).Model(&recordRow{}).Scopes(live).
		Select("level AS key, COUNT(*) AS count").
		Group("level").Scan(&byLevel).Error; err != nil {
		return nil, types.NewError(types.ErrBackendUnavailable, "record store stats failed").
			WithSubsystem("record_store").WithRetryable(true).WithCause(err)
	}
	for _, b := range byLevel {
		stats.CountByLevel[types.MemoryLevel(b.Key)] = b.Count
		stats.TotalRecords += b.Count
	}

	var byScope []bucket
	if err := s.db.WithContext(ctx).Model(&recordRow{}).Scopes(live).
		Select("scope_key AS key, COUNT(*) AS count").
		Group("scope_key").Scan(&byScope).Error; err != nil {
		return nil, types.NewError(types.ErrBackendUnavailable, "record store stats failed").
			WithSubsystem("record_store").WithRetryable(true).WithCause(err)
	}
	for _, b := range byScope {
		stats.CountByScope[b.Key] = b.Count
	}

	var totalBytes int64
	if err := s.db.WithContext(ctx).Model(&recordRow{}).Scopes(live).
		Select("COALESCE(SUM(LENGTH(content)), 0)").
		Scan(&totalBytes).Error; err != nil {
		return nil, types.NewError(types.ErrBackendUnavailable, "record store stats failed").
			WithSubsystem("record_store").WithRetryable(true).WithCause(err)
	}
	stats.TotalBytes = totalBytes

	return stats, nil
}

// Compact removes tombstones and expired rows older than the grace
// period.
func (s *GormStore) Compact(ctx context.Context, grace time.Duration) (int64, error) {
	deadline := time.Now().UTC().Add(-grace)
	res := s.db.WithContext(ctx).
		Where("(is_deleted = ? AND tombstoned_at < ?) OR (expires_at IS NOT NULL AND expires_at < ?)",
			true, deadline, deadline).
		Delete(&recordRow{})
	if res.Error != nil {
		return 0, types.NewError(types.ErrBackendUnavailable, "record store compaction failed").
			WithSubsystem("record_store").WithRetryable(true).WithCause(res.Error)
	}
	if res.RowsAffected > 0 {
		s.logger.Info("compaction removed tombstones", zap.Int64("purged", res.RowsAffected))
	}
	return res.RowsAffected, nil
}

// Health pings the underlying connection.
func (s *GormStore) Health(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRow(r *types.MemoryRecord) (*recordRow, error) {
	row := &recordRow{
		ID:             r.ID,
		TenantID:       r.TenantID,
		ScopeKey:       r.Scope.Key(),
		AgentID:        r.Scope.AgentID,
		Level:          string(r.Level),
		MemoryType:     string(r.MemoryType),
		Content:        r.Content,
		ContentHash:    r.ContentHash,
		Importance:     r.Importance,
		AccessCount:    r.AccessCount,
		LastAccessedAt: r.LastAccessedAt,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		ExpiresAt:      r.ExpiresAt,
		Version:        r.Version,
		IsDeleted:      r.IsDeleted,
		IndexPending:   r.IndexPending,
	}

	var err error
	if row.Embedding, err = marshalOrNil(r.Embedding); err != nil {
		return nil, err
	}
	if row.Metadata, err = marshalOrNil(r.Metadata); err != nil {
		return nil, err
	}
	if row.Entities, err = marshalOrNil(r.Entities); err != nil {
		return nil, err
	}
	if row.Relations, err = marshalOrNil(r.Relations); err != nil {
		return nil, err
	}
	return row, nil
}

func fromRow(row *recordRow) (*types.MemoryRecord, error) {
	scope, err := types.ParseScopeKey(row.ScopeKey)
	if err != nil {
		return nil, err
	}
	r := &types.MemoryRecord{
		ID:             row.ID,
		TenantID:       row.TenantID,
		Scope:          scope,
		Level:          types.MemoryLevel(row.Level),
		MemoryType:     types.MemoryType(row.MemoryType),
		Content:        row.Content,
		ContentHash:    row.ContentHash,
		Importance:     row.Importance,
		AccessCount:    row.AccessCount,
		LastAccessedAt: row.LastAccessedAt,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
		ExpiresAt:      row.ExpiresAt,
		Version:        row.Version,
		IsDeleted:      row.IsDeleted,
		IndexPending:   row.IndexPending,
	}
	if err := unmarshalOrNil(row.Embedding, &r.Embedding); err != nil {
		return nil, err
	}
	if err := unmarshalOrNil(row.Metadata, &r.Metadata); err != nil {
		return nil, err
	}
	if err := unmarshalOrNil(row.Entities, &r.Entities); err != nil {
		return nil, err
	}
	if err := unmarshalOrNil(row.Relations, &r.Relations); err != nil {
		return nil, err
	}
	return r, nil
}

func fromRows(rows []recordRow) ([]*types.MemoryRecord, error) {
	out := make([]*types.MemoryRecord, 0, len(rows))
	for i := range rows {
		r, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func marshalOrNil(v any) ([]byte, error) {
	switch x := v.(type) {
	case []float32:
		if x == nil {
			return nil, nil
		}
	case map[string]any:
		if x == nil {
			return nil, nil
		}
	case []string:
		if x == nil {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record field: %w", err)
	}
	return data, nil
}

func unmarshalOrNil(data []byte, dest any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to unmarshal record field: %w", err)
	}
	return nil
}
