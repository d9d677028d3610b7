package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/memflow/config"
	"github.com/BaSui01/memflow/types"
)

func testPipelineConfig() config.PipelineConfig {
	cfg := config.PipelineConfig{
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
	}
	return cfg
}

func conflictRecord(id, content string, embedding []float32, createdAt time.Time) *types.MemoryRecord {
	return &types.MemoryRecord{
		ID:          id,
		TenantID:    "t1",
		Scope:       types.AgentScope("a1"),
		Content:     content,
		ContentHash: types.HashContent(content),
		Embedding:   embedding,
		CreatedAt:   createdAt,
	}
}

func TestDetectDuplicate(t *testing.T) {
	d := NewDetector(testPipelineConfig())
	now := time.Now().UTC()

	incoming := conflictRecord("new", "the launch is approved", []float32{1, 0, 0}, now)
	existing := conflictRecord("old", "the launch is approved!", []float32{1, 0.01, 0}, now.Add(-time.Hour))

	conflicts := d.Detect(incoming, nil, []*types.MemoryRecord{existing}, nil)
	require.Len(t, conflicts, 1)
	assert.Equal(t, types.ConflictDuplicate, conflicts[0].Kind)
	assert.GreaterOrEqual(t, conflicts[0].Confidence, float32(0.95))
	assert.Equal(t, types.ResolveRemoveDuplicates, conflicts[0].SuggestedResolution)
}

func TestDetectDuplicateRequiresLengthRatio(t *testing.T) {
	d := NewDetector(testPipelineConfig())
	now := time.Now().UTC()

	// Same direction embedding, but one content is far longer: not a
	// duplicate, though it is semantically conflicting.
	long := "the launch is approved " + "and there is a great deal of additional commentary attached here"
	incoming := conflictRecord("new", long, []float32{1, 0, 0}, now)
	existing := conflictRecord("old", "the launch is approved", []float32{1, 0, 0}, now)

	conflicts := d.Detect(incoming, nil, []*types.MemoryRecord{existing}, nil)
	for _, c := range conflicts {
		assert.NotEqual(t, types.ConflictDuplicate, c.Kind)
	}
}

func TestDetectSemanticWithNegation(t *testing.T) {
	d := NewDetector(testPipelineConfig())
	now := time.Now().UTC()

	incoming := conflictRecord("new", "Alice does not work at Acme", []float32{1, 0.05, 0}, now)
	existing := conflictRecord("old", "Alice works at Acme", []float32{1, 0, 0}, now.Add(-time.Hour))

	conflicts := d.Detect(incoming, nil, []*types.MemoryRecord{existing}, nil)
	require.Len(t, conflicts, 1)
	assert.Equal(t, types.ConflictSemantic, conflicts[0].Kind)
	// Contradiction cues push severity to the full similarity.
	assert.Greater(t, conflicts[0].Severity, float32(0.9))
}

func TestDetectSemanticBelowThresholdIgnored(t *testing.T) {
	d := NewDetector(testPipelineConfig())
	now := time.Now().UTC()

	incoming := conflictRecord("new", "completely different topic", []float32{1, 0, 0}, now)
	existing := conflictRecord("old", "another subject entirely", []float32{0, 1, 0}, now)

	conflicts := d.Detect(incoming, nil, []*types.MemoryRecord{existing}, nil)
	assert.Empty(t, conflicts)
}

func TestDetectTemporalWithinWindow(t *testing.T) {
	d := NewDetector(testPipelineConfig())
	now := time.Now().UTC()

	incoming := conflictRecord("new", "the meeting moved to tomorrow", []float32{1, 0, 0}, now)
	existing := conflictRecord("old", "the meeting is today", []float32{0, 1, 0}, now.Add(-2*time.Hour))

	conflicts := d.Detect(incoming, nil, []*types.MemoryRecord{existing}, nil)
	require.Len(t, conflicts, 1)
	assert.Equal(t, types.ConflictTemporal, conflicts[0].Kind)
	assert.Equal(t, float32(0.7), conflicts[0].Severity)
	assert.Equal(t, float32(0.8), conflicts[0].Confidence)
}

func TestDetectTemporalOutsideWindowIgnored(t *testing.T) {
	d := NewDetector(testPipelineConfig())
	now := time.Now().UTC()

	incoming := conflictRecord("new", "the meeting moved to tomorrow", []float32{1, 0, 0}, now)
	existing := conflictRecord("old", "the meeting is today", []float32{0, 1, 0}, now.Add(-72*time.Hour))

	conflicts := d.Detect(incoming, nil, []*types.MemoryRecord{existing}, nil)
	assert.Empty(t, conflicts)
}

func TestDetectRelationConflict(t *testing.T) {
	d := NewDetector(testPipelineConfig())
	now := time.Now().UTC()

	incoming := conflictRecord("new", "first topic", []float32{1, 0, 0}, now)
	existing := conflictRecord("old", "second topic", []float32{0, 1, 0}, now)

	rel := types.Relation{ID: "r1", SourceID: "e1", TargetID: "e2", Type: types.RelationWorksAt, Confidence: 0.9}
	relLow := rel
	relLow.Confidence = 0.6

	incomingFact := &types.Fact{Relations: []types.Relation{rel}}
	existingFacts := map[string]*types.Fact{"old": {Relations: []types.Relation{relLow}}}

	conflicts := d.Detect(incoming, incomingFact, []*types.MemoryRecord{existing}, existingFacts)
	require.Len(t, conflicts, 1)
	assert.Equal(t, types.ConflictRelation, conflicts[0].Kind)
	assert.Equal(t, types.ResolveKeepHighestConfidence, conflicts[0].SuggestedResolution)
}

func TestDetectEntityAttributeConflict(t *testing.T) {
	d := NewDetector(testPipelineConfig())
	now := time.Now().UTC()

	incoming := conflictRecord("new", "first topic", []float32{1, 0, 0}, now)
	existing := conflictRecord("old", "second topic", []float32{0, 1, 0}, now)

	incomingFact := &types.Fact{Entities: []types.Entity{
		{ID: "e1", Type: types.EntityPerson, Name: "Alice", Attributes: map[string]any{"role": "manager"}},
	}}
	existingFacts := map[string]*types.Fact{"old": {Entities: []types.Entity{
		{ID: "e1", Type: types.EntityPerson, Name: "Alice", Attributes: map[string]any{"role": "engineer"}},
	}}}

	conflicts := d.Detect(incoming, incomingFact, []*types.MemoryRecord{existing}, existingFacts)
	require.Len(t, conflicts, 1)
	assert.Equal(t, types.ConflictEntity, conflicts[0].Kind)
	assert.Equal(t, types.ResolveMergeAttributes, conflicts[0].SuggestedResolution)
}
