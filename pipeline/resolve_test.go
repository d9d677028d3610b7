package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/memflow/types"
)

func resolverRecords(now time.Time) map[string]*types.MemoryRecord {
	return map[string]*types.MemoryRecord{
		"newer": {ID: "newer", CreatedAt: now, Importance: 0.5},
		"older": {ID: "older", CreatedAt: now.Add(-time.Hour), Importance: 0.9},
	}
}

func TestResolveDuplicateKeepsNewest(t *testing.T) {
	r := NewResolver(testPipelineConfig())
	now := time.Now().UTC()

	report := r.Resolve([]types.Conflict{{
		ID:                "c1",
		Kind:              types.ConflictDuplicate,
		InvolvedMemoryIDs: []string{"older", "newer"},
		Confidence:        0.97,
	}}, resolverRecords(now))

	require.Len(t, report.Resolutions, 1)
	res := report.Resolutions[0]
	assert.Equal(t, types.ResolveRemoveDuplicates, res.Strategy)
	assert.Equal(t, "newer", res.KeepID)
	assert.Equal(t, []string{"older"}, res.RemoveIDs)
	assert.False(t, res.ManualReview)
	assert.Equal(t, 1, report.AutoResolved)
}

func TestResolveDuplicateTieBreaksOnImportance(t *testing.T) {
	r := NewResolver(testPipelineConfig())
	now := time.Now().UTC()

	records := map[string]*types.MemoryRecord{
		"a": {ID: "a", CreatedAt: now, Importance: 0.4},
		"b": {ID: "b", CreatedAt: now, Importance: 0.9},
	}
	report := r.Resolve([]types.Conflict{{
		ID:                "c1",
		Kind:              types.ConflictDuplicate,
		InvolvedMemoryIDs: []string{"a", "b"},
		Confidence:        0.97,
	}}, records)

	assert.Equal(t, "b", report.Resolutions[0].KeepID)
}

func TestResolveTemporalKeepsLatest(t *testing.T) {
	r := NewResolver(testPipelineConfig())
	now := time.Now().UTC()

	report := r.Resolve([]types.Conflict{{
		ID:                "c1",
		Kind:              types.ConflictTemporal,
		InvolvedMemoryIDs: []string{"older", "newer"},
		Confidence:        0.8,
	}}, resolverRecords(now))

	res := report.Resolutions[0]
	assert.Equal(t, types.ResolveKeepLatest, res.Strategy)
	assert.Equal(t, "newer", res.KeepID)
}

func TestResolveSemanticPairKeepsLatest(t *testing.T) {
	r := NewResolver(testPipelineConfig())
	now := time.Now().UTC()

	report := r.Resolve([]types.Conflict{{
		ID:                "c1",
		Kind:              types.ConflictSemantic,
		InvolvedMemoryIDs: []string{"older", "newer"},
		Confidence:        0.9,
	}}, resolverRecords(now))

	res := report.Resolutions[0]
	assert.Equal(t, types.ResolveKeepLatest, res.Strategy)
	assert.Equal(t, "newer", res.KeepID)
	assert.False(t, res.ManualReview)
}

func TestResolveSemanticManyGoesToReview(t *testing.T) {
	r := NewResolver(testPipelineConfig())
	now := time.Now().UTC()

	records := resolverRecords(now)
	records["third"] = &types.MemoryRecord{ID: "third", CreatedAt: now}

	report := r.Resolve([]types.Conflict{{
		ID:                "c1",
		Kind:              types.ConflictSemantic,
		InvolvedMemoryIDs: []string{"older", "newer", "third"},
		Confidence:        0.9,
	}}, records)

	assert.True(t, report.Resolutions[0].ManualReview)
	assert.Equal(t, 1, report.ManualReview)
}

func TestResolveBelowThresholdGoesToReview(t *testing.T) {
	r := NewResolver(testPipelineConfig())
	now := time.Now().UTC()

	report := r.Resolve([]types.Conflict{{
		ID:                "c1",
		Kind:              types.ConflictDuplicate,
		InvolvedMemoryIDs: []string{"older", "newer"},
		Confidence:        0.79,
	}}, resolverRecords(now))

	res := report.Resolutions[0]
	assert.Equal(t, types.ResolveManualReview, res.Strategy)
	assert.True(t, res.ManualReview)
	assert.Empty(t, res.RemoveIDs)
	assert.Equal(t, 1, report.ManualReview)
	assert.Zero(t, report.AutoResolved)
}

func TestResolveEntityAndRelationRemoveNothing(t *testing.T) {
	r := NewResolver(testPipelineConfig())
	now := time.Now().UTC()

	report := r.Resolve([]types.Conflict{
		{ID: "c1", Kind: types.ConflictEntity, InvolvedMemoryIDs: []string{"older", "newer"}, Confidence: 0.9},
		{ID: "c2", Kind: types.ConflictRelation, InvolvedMemoryIDs: []string{"older", "newer"}, Confidence: 0.9},
	}, resolverRecords(now))

	require.Len(t, report.Resolutions, 2)
	assert.Equal(t, types.ResolveMergeAttributes, report.Resolutions[0].Strategy)
	assert.Equal(t, types.ResolveKeepHighestConfidence, report.Resolutions[1].Strategy)
	for _, res := range report.Resolutions {
		assert.Empty(t, res.RemoveIDs)
	}
	assert.Equal(t, 2, report.AutoResolved)
}
