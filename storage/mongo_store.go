package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/BaSui01/memflow/config"
	"github.com/BaSui01/memflow/types"
)

// recordDoc is the Mongo persistence model for one memory record.
type recordDoc struct {
	ID             string         `bson:"_id"`
	TenantID       string         `bson:"tenant_id"`
	ScopeKey       string         `bson:"scope_key"`
	AgentID        string         `bson:"agent_id"`
	Level          string         `bson:"level"`
	MemoryType     string         `bson:"memory_type"`
	Content        string         `bson:"content"`
	ContentHash    string         `bson:"content_hash"`
	Embedding      []float32      `bson:"embedding,omitempty"`
	Importance     float32        `bson:"importance"`
	AccessCount    uint64         `bson:"access_count"`
	LastAccessedAt time.Time      `bson:"last_accessed_at"`
	CreatedAt      time.Time      `bson:"created_at"`
	UpdatedAt      time.Time      `bson:"updated_at"`
	ExpiresAt      *time.Time     `bson:"expires_at,omitempty"`
	Version        uint32         `bson:"version"`
	Metadata       map[string]any `bson:"metadata,omitempty"`
	Entities       []string       `bson:"entities,omitempty"`
	Relations      []string       `bson:"relations,omitempty"`
	IsDeleted      bool           `bson:"is_deleted"`
	IndexPending   bool           `bson:"index_pending"`
	TombstonedAt   *time.Time     `bson:"tombstoned_at,omitempty"`
}

// MongoStore is the document record store backend, selected with
// storage.backend: mongo.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
	logger *zap.Logger
}

// NewMongoStore connects to the configured deployment.
func NewMongoStore(cfg config.StorageConfig, logger *zap.Logger) (*MongoStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MongoURI == "" {
		return nil, types.NewError(types.ErrValidation, "mongo backend requires mongo_uri")
	}
	dbName := cfg.Name
	if dbName == "" {
		dbName = "memflow"
	}

	client, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}

	s := &MongoStore{
		client: client,
		coll:   client.Database(dbName).Collection("memory_records"),
		logger: logger.With(zap.String("component", "record_store"), zap.String("backend", "mongo")),
	}

	logger.Info("record store opened", zap.String("backend", "mongo"), zap.String("database", dbName))
	return s, nil
}

// Init creates the secondary indexes.
func (s *MongoStore) Init(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "scope_key", Value: 1}}},
		{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "agent_id", Value: 1}}},
		{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "level", Value: 1}}},
		{Keys: bson.D{{Key: "content_hash", Value: 1}}},
		{Keys: bson.D{{Key: "is_deleted", Value: 1}, {Key: "tombstoned_at", Value: 1}}},
	})
	if err != nil {
		return types.NewError(types.ErrBackendUnavailable, "mongo index creation failed").
			WithSubsystem("record_store").WithCause(err)
	}
	return nil
}

// Put upserts with an optimistic version check: the replace filter pins the
// version observed in the read, so a concurrent writer surfaces as
// StaleWrite rather than a lost update.
func (s *MongoStore) Put(ctx context.Context, record *types.MemoryRecord) (*types.MemoryRecord, error) {
	if record == nil || record.ID == "" {
		return nil, types.NewError(types.ErrValidation, "record id is required")
	}

	out := record.Clone()
	now := time.Now().UTC()

	var cur recordDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": record.ID, "tenant_id": record.TenantID}).Decode(&cur)
	switch {
	case err == nil:
		if record.Version < cur.Version {
			return nil, types.NewErrorf(types.ErrStaleWrite,
				"version %d behind stored %d for %s", record.Version, cur.Version, record.ID).
				WithSubsystem("record_store")
		}
		out.Version = cur.Version + 1
		out.CreatedAt = cur.CreatedAt
		out.UpdatedAt = now
		if out.LastAccessedAt.IsZero() {
			out.LastAccessedAt = now
		}
		res, err := s.coll.ReplaceOne(ctx,
			bson.M{"_id": record.ID, "version": cur.Version},
			toDoc(out))
		if err != nil {
			return nil, s.backendErr("write", err)
		}
		if res.MatchedCount == 0 {
			return nil, types.NewErrorf(types.ErrStaleWrite,
				"concurrent write superseded version %d for %s", cur.Version, record.ID).
				WithSubsystem("record_store")
		}
	case errors.Is(err, mongo.ErrNoDocuments):
		if out.Version == 0 {
			out.Version = 1
		}
		if out.CreatedAt.IsZero() {
			out.CreatedAt = now
		}
		out.UpdatedAt = now
		if out.LastAccessedAt.IsZero() {
			out.LastAccessedAt = now
		}
		if _, err := s.coll.InsertOne(ctx, toDoc(out)); err != nil {
			return nil, s.backendErr("write", err)
		}
	default:
		return nil, s.backendErr("read", err)
	}
	return out, nil
}

// liveFilter matches records that are neither tombstoned nor past their
// TTL. Expired documents stay until compaction but no read path sees
// them.
func liveFilter() bson.M {
	return bson.M{
		"is_deleted": false,
		"$or": []bson.M{
			{"expires_at": nil},
			{"expires_at": bson.M{"$gt": time.Now().UTC()}},
		},
	}
}

// Get returns a live record, or NotFound.
func (s *MongoStore) Get(ctx context.Context, tenantID, id string) (*types.MemoryRecord, error) {
	filter := liveFilter()
	filter["_id"] = id
	filter["tenant_id"] = tenantID

	var doc recordDoc
	err := s.coll.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, types.NewErrorf(types.ErrNotFound, "memory %s not found", id)
	}
	if err != nil {
		return nil, s.backendErr("read", err)
	}
	return fromDoc(&doc)
}

// Delete tombstones a record.
func (s *MongoStore) Delete(ctx context.Context, tenantID, id string) (bool, error) {
	now := time.Now().UTC()
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id, "tenant_id": tenantID, "is_deleted": false},
		bson.M{"$set": bson.M{"is_deleted": true, "tombstoned_at": now, "updated_at": now}})
	if err != nil {
		return false, s.backendErr("delete", err)
	}
	return res.ModifiedCount > 0, nil
}

// ListByScope lists live records in one exact scope, newest first. A
// non-nil level narrows the listing in the query itself so paging stays
// correct under the combined predicate.
func (s *MongoStore) ListByScope(ctx context.Context, tenantID string, scope types.Scope, level *types.MemoryLevel, limit, offset int) ([]*types.MemoryRecord, error) {
	filter := liveFilter()
	filter["tenant_id"] = tenantID
	filter["scope_key"] = scope.Key()
	if level != nil {
		filter["level"] = string(*level)
	}
	return s.list(ctx, filter, limit, offset)
}

// ListByLevel lists live records at one hierarchy level, newest first.
func (s *MongoStore) ListByLevel(ctx context.Context, tenantID string, level types.MemoryLevel, limit int) ([]*types.MemoryRecord, error) {
	filter := liveFilter()
	filter["tenant_id"] = tenantID
	filter["level"] = string(level)
	return s.list(ctx, filter, limit, 0)
}

// ListByTenantAgent lists live records for one agent across scopes.
func (s *MongoStore) ListByTenantAgent(ctx context.Context, tenantID, agentID string, limit, offset int) ([]*types.MemoryRecord, error) {
	filter := liveFilter()
	filter["tenant_id"] = tenantID
	filter["agent_id"] = agentID
	return s.list(ctx, filter, limit, offset)
}

func (s *MongoStore) list(ctx context.Context, filter bson.M, limit, offset int) ([]*types.MemoryRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	if offset > 0 {
		opts = opts.SetSkip(int64(offset))
	}
	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, s.backendErr("list", err)
	}
	defer cursor.Close(ctx)

	var out []*types.MemoryRecord
	for cursor.Next(ctx) {
		var doc recordDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, s.backendErr("list", err)
		}
		r, err := fromDoc(&doc)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := cursor.Err(); err != nil {
		return nil, s.backendErr("list", err)
	}
	return out, nil
}

// SearchText returns candidate ids ranked by importance then recency.
func (s *MongoStore) SearchText(ctx context.Context, tenantID, query string, scope *types.Scope, limit int) ([]string, error) {
	filter := liveFilter()
	filter["tenant_id"] = tenantID
	filter["content"] = bson.M{"$regex": regexQuoteMeta(query)}
	if scope != nil {
		filter["scope_key"] = scope.Key()
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "importance", Value: -1}, {Key: "created_at", Value: -1}, {Key: "_id", Value: 1}}).
		SetProjection(bson.M{"_id": 1})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, s.backendErr("search", err)
	}
	defer cursor.Close(ctx)

	var ids []string
	for cursor.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, s.backendErr("search", err)
		}
		ids = append(ids, doc.ID)
	}
	return ids, cursor.Err()
}

// ListByEntity returns ids of live records referencing an entity.
func (s *MongoStore) ListByEntity(ctx context.Context, tenantID, entityID string, limit int) ([]string, error) {
	filter := liveFilter()
	filter["tenant_id"] = tenantID
	filter["entities"] = entityID
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}}).
		SetProjection(bson.M{"_id": 1})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, s.backendErr("entity lookup", err)
	}
	defer cursor.Close(ctx)

	var ids []string
	for cursor.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, s.backendErr("entity lookup", err)
		}
		ids = append(ids, doc.ID)
	}
	return ids, cursor.Err()
}

// Scan iterates live records in id order.
func (s *MongoStore) Scan(ctx context.Context, cursorID string, batchSize int) ([]*types.MemoryRecord, string, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	filter := liveFilter()
	if cursorID != "" {
		filter["_id"] = bson.M{"$gt": cursorID}
	}
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetLimit(int64(batchSize))
	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, "", s.backendErr("scan", err)
	}
	defer cursor.Close(ctx)

	var out []*types.MemoryRecord
	for cursor.Next(ctx) {
		var doc recordDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, "", s.backendErr("scan", err)
		}
		r, err := fromDoc(&doc)
		if err != nil {
			return nil, "", err
		}
		out = append(out, r)
	}
	next := ""
	if len(out) == batchSize {
		next = out[len(out)-1].ID
	}
	return out, next, cursor.Err()
}

// Touch bumps access metadata without advancing the record version.
func (s *MongoStore) Touch(ctx context.Context, tenantID, id string, at time.Time) error {
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id, "tenant_id": tenantID, "is_deleted": false},
		bson.M{
			"$inc": bson.M{"access_count": 1},
			"$set": bson.M{"last_accessed_at": at.UTC()},
		})
	if err != nil {
		return s.backendErr("touch", err)
	}
	return nil
}

// Stats aggregates live record counts.
func (s *MongoStore) Stats(ctx context.Context) (*StoreStats, error) {
	stats := &StoreStats{
		CountByLevel: make(map[types.MemoryLevel]int64),
		CountByScope: make(map[string]int64),
	}

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: liveFilter()}},
		{{Key: "$group", Value: bson.M{
			"_id":   bson.M{"level": "$level", "scope": "$scope_key"},
			"count": bson.M{"$sum": 1},
			"bytes": bson.M{"$sum": bson.M{"$strLenBytes": "$content"}},
		}}},
	}
	cursor, err := s.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, s.backendErr("stats", err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var row struct {
			ID struct {
				Level string `bson:"level"`
				Scope string `bson:"scope"`
			} `bson:"_id"`
			Count int64 `bson:"count"`
			Bytes int64 `bson:"bytes"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, s.backendErr("stats", err)
		}
		stats.CountByLevel[types.MemoryLevel(row.ID.Level)] += row.Count
		stats.CountByScope[row.ID.Scope] += row.Count
		stats.TotalRecords += row.Count
		stats.TotalBytes += row.Bytes
	}
	return stats, cursor.Err()
}

// Compact removes tombstones and expired documents older than the grace
// period.
func (s *MongoStore) Compact(ctx context.Context, grace time.Duration) (int64, error) {
	deadline := time.Now().UTC().Add(-grace)
	res, err := s.coll.DeleteMany(ctx, bson.M{
		"$or": []bson.M{
			{"is_deleted": true, "tombstoned_at": bson.M{"$lt": deadline}},
			{"expires_at": bson.M{"$ne": nil, "$lt": deadline}},
		},
	})
	if err != nil {
		return 0, s.backendErr("compact", err)
	}
	return res.DeletedCount, nil
}

// Health pings the deployment.
func (s *MongoStore) Health(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects the client.
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) backendErr(op string, err error) *types.Error {
	return types.NewErrorf(types.ErrBackendUnavailable, "record store %s failed", op).
		WithSubsystem("record_store").WithRetryable(true).WithCause(err)
}

func toDoc(r *types.MemoryRecord) *recordDoc {
	return &recordDoc{
		ID:             r.ID,
		TenantID:       r.TenantID,
		ScopeKey:       r.Scope.Key(),
		AgentID:        r.Scope.AgentID,
		Level:          string(r.Level),
		MemoryType:     string(r.MemoryType),
		Content:        r.Content,
		ContentHash:    r.ContentHash,
		Embedding:      r.Embedding,
		Importance:     r.Importance,
		AccessCount:    r.AccessCount,
		LastAccessedAt: r.LastAccessedAt,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		ExpiresAt:      r.ExpiresAt,
		Version:        r.Version,
		Metadata:       r.Metadata,
		Entities:       r.Entities,
		Relations:      r.Relations,
		IsDeleted:      r.IsDeleted,
		IndexPending:   r.IndexPending,
	}
}

func fromDoc(d *recordDoc) (*types.MemoryRecord, error) {
	scope, err := types.ParseScopeKey(d.ScopeKey)
	if err != nil {
		return nil, err
	}
	return &types.MemoryRecord{
		ID:             d.ID,
		TenantID:       d.TenantID,
		Scope:          scope,
		Level:          types.MemoryLevel(d.Level),
		MemoryType:     types.MemoryType(d.MemoryType),
		Content:        d.Content,
		ContentHash:    d.ContentHash,
		Embedding:      d.Embedding,
		Importance:     d.Importance,
		AccessCount:    d.AccessCount,
		LastAccessedAt: d.LastAccessedAt,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
		ExpiresAt:      d.ExpiresAt,
		Version:        d.Version,
		Metadata:       d.Metadata,
		Entities:       d.Entities,
		Relations:      d.Relations,
		IsDeleted:      d.IsDeleted,
		IndexPending:   d.IndexPending,
	}, nil
}

// regexQuoteMeta escapes regex metacharacters in a user query.
func regexQuoteMeta(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '\\', '.', '+', '*', '?', '(', ')', '|', '[', ']', '{', '}', '^', '$':
			out = append(out, '\\')
		}
		out = append(out, c)
	}
	return string(out)
}
