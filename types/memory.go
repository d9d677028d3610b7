// Package types provides the unified data model for the memflow engine.
package types

import (
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
)

// MaxContentBytes is the maximum accepted content length for one record.
const MaxContentBytes = 1 << 20

// MemoryType defines the category of a memory record.
type MemoryType string

const (
	MemoryEpisodic   MemoryType = "episodic"
	MemorySemantic   MemoryType = "semantic"
	MemoryProcedural MemoryType = "procedural"
	MemoryWorking    MemoryType = "working"
	MemoryFactual    MemoryType = "factual"
)

// MemoryLevel is the tier in the hierarchy, derived from importance and
// used for per-level capacity accounting.
type MemoryLevel string

const (
	LevelStrategic   MemoryLevel = "strategic"
	LevelTactical    MemoryLevel = "tactical"
	LevelOperational MemoryLevel = "operational"
	LevelContextual  MemoryLevel = "contextual"
)

// Levels lists all levels from most to least important.
var Levels = []MemoryLevel{LevelStrategic, LevelTactical, LevelOperational, LevelContextual}

// LevelForImportance maps an importance score to a hierarchy level.
func LevelForImportance(importance float32) MemoryLevel {
	switch {
	case importance >= 0.8:
		return LevelStrategic
	case importance >= 0.6:
		return LevelTactical
	case importance >= 0.4:
		return LevelOperational
	default:
		return LevelContextual
	}
}

// MemoryRecord is a single persisted memory.
type MemoryRecord struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	Scope          Scope          `json:"scope"`
	Level          MemoryLevel    `json:"level"`
	MemoryType     MemoryType     `json:"memory_type"`
	Content        string         `json:"content"`
	ContentHash    string         `json:"content_hash"`
	Embedding      []float32      `json:"embedding,omitempty"`
	Importance     float32        `json:"importance"`
	AccessCount    uint64         `json:"access_count"`
	LastAccessedAt time.Time      `json:"last_accessed_at"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
	Version        uint32         `json:"version"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Entities       []string       `json:"entities,omitempty"`
	Relations      []string       `json:"relations,omitempty"`
	IsDeleted      bool           `json:"is_deleted"`
	IndexPending   bool           `json:"index_pending"`
}

// Clone returns a deep copy of the record.
func (r *MemoryRecord) Clone() *MemoryRecord {
	if r == nil {
		return nil
	}
	out := *r
	if r.Embedding != nil {
		out.Embedding = append([]float32(nil), r.Embedding...)
	}
	if r.Metadata != nil {
		out.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	out.Entities = append([]string(nil), r.Entities...)
	out.Relations = append([]string(nil), r.Relations...)
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		out.ExpiresAt = &t
	}
	return &out
}

// ClampImportance keeps the importance score inside [0,1].
func ClampImportance(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Expired reports whether the record's TTL has passed at the given time.
// Records without an ExpiresAt never expire.
func (r *MemoryRecord) Expired(at time.Time) bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.After(at)
}

// HashContent returns the stable content hash used for the dedup probe.
func HashContent(content string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(content))
}

// Entity is a canonicalized extracted entity. Entities with the same
// (type, normalized name) share one id per tenant.
type Entity struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenant_id,omitempty"`
	Type       EntityType     `json:"entity_type"`
	Name       string         `json:"name"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Confidence float32        `json:"confidence"`
	CreatedAt  time.Time      `json:"created_at,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at,omitempty"`
}

// EntityType classifies extracted entities.
type EntityType string

const (
	EntityPerson       EntityType = "Person"
	EntityOrganization EntityType = "Organization"
	EntityLocation     EntityType = "Location"
	EntityEvent        EntityType = "Event"
	EntityConcept      EntityType = "Concept"
	EntityTime         EntityType = "Time"
)

// Relation is a directed edge between two entities.
type Relation struct {
	ID         string       `json:"id"`
	TenantID   string       `json:"tenant_id,omitempty"`
	SourceID   string       `json:"source_entity_id"`
	TargetID   string       `json:"target_entity_id"`
	Type       RelationType `json:"relation_type"`
	Confidence float32      `json:"confidence"`
	ValidFrom  *time.Time   `json:"valid_from,omitempty"`
	ValidUntil *time.Time   `json:"valid_until,omitempty"`
	CreatedAt  time.Time    `json:"created_at,omitempty"`
}

// RelationType classifies directed relations.
type RelationType string

const (
	RelationWorksAt   RelationType = "WorksAt"
	RelationLivesIn   RelationType = "LivesIn"
	RelationKnows     RelationType = "Knows"
	RelationLocatedIn RelationType = "LocatedIn"
	RelationPartOf    RelationType = "PartOf"
	RelationRelatedTo RelationType = "RelatedTo"
)

// Fact is the transient bundle of entities and relations extracted from a
// single ingest. Facts are never persisted as first-class records.
type Fact struct {
	Entities   []Entity   `json:"entities"`
	Relations  []Relation `json:"relations"`
	SourceSpan string     `json:"source_span,omitempty"`
}

// ConflictKind classifies a detected inconsistency between memories.
type ConflictKind string

const (
	ConflictSemantic  ConflictKind = "semantic"
	ConflictTemporal  ConflictKind = "temporal"
	ConflictEntity    ConflictKind = "entity"
	ConflictRelation  ConflictKind = "relation"
	ConflictDuplicate ConflictKind = "duplicate"
)

// ResolutionStrategy names how a conflict should be resolved.
type ResolutionStrategy string

const (
	ResolveKeepLatest            ResolutionStrategy = "keep_latest"
	ResolveKeepHighestConfidence ResolutionStrategy = "keep_highest_confidence"
	ResolveRemoveDuplicates      ResolutionStrategy = "remove_duplicates"
	ResolveMergeAttributes       ResolutionStrategy = "merge_attributes"
	ResolveManualReview          ResolutionStrategy = "manual_review"
)

// Conflict is emitted by the ingestion pipeline and consumed by the
// resolver. It is never persisted.
type Conflict struct {
	ID                  string             `json:"id"`
	Kind                ConflictKind       `json:"kind"`
	InvolvedMemoryIDs   []string           `json:"involved_memory_ids"`
	Severity            float32            `json:"severity"`
	Confidence          float32            `json:"confidence"`
	SuggestedResolution ResolutionStrategy `json:"suggested_resolution"`
}

// HealthState is the aggregate liveness of the engine's backends.
type HealthState string

const (
	Healthy   HealthState = "healthy"
	Degraded  HealthState = "degraded"
	Unhealthy HealthState = "unhealthy"
)

// HealthStatus reports per-component liveness.
type HealthStatus struct {
	State      HealthState       `json:"state"`
	Components map[string]string `json:"components,omitempty"`
	CheckedAt  time.Time         `json:"checked_at"`
}
