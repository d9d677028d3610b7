package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/memflow/internal/metrics"
	"github.com/BaSui01/memflow/types"
)

func TestPipelineRunProducesScoredRecord(t *testing.T) {
	p := New(testPipelineConfig(), nil)
	ctx := context.Background()

	result, err := p.Run(ctx, Input{
		TenantID: "t1",
		Content:  "  Alice works at Acme  ",
		Metadata: map[string]any{"agent_id": "a1"},
	}, nil, nil)
	require.NoError(t, err)
	require.False(t, result.Dropped)

	rec := result.Record
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "t1", rec.TenantID)
	assert.Equal(t, "Alice works at Acme", rec.Content)
	assert.Equal(t, types.HashContent("Alice works at Acme"), rec.ContentHash)
	assert.Equal(t, types.AgentScope("a1"), rec.Scope)
	assert.Equal(t, types.MemoryEpisodic, rec.MemoryType)
	assert.Equal(t, types.LevelForImportance(rec.Importance), rec.Level)
	assert.NotEmpty(t, rec.Entities)
	assert.NotEmpty(t, rec.Relations)

	require.NotNil(t, result.Fact)
	assert.Len(t, result.Fact.Relations, 1)
}

func TestPipelineRunDropsSessionRepeat(t *testing.T) {
	p := New(testPipelineConfig(), nil)
	ctx := context.Background()

	input := Input{
		TenantID: "t1",
		Content:  "repeated message",
		Metadata: map[string]any{"agent_id": "a1", "user_id": "u1", "session_id": "s1"},
	}

	first, err := p.Run(ctx, input, nil, nil)
	require.NoError(t, err)
	assert.False(t, first.Dropped)

	second, err := p.Run(ctx, input, nil, nil)
	require.NoError(t, err)
	assert.True(t, second.Dropped)
	assert.Nil(t, second.Record)

	// Another session sees the content as fresh.
	other := input
	other.Metadata = map[string]any{"agent_id": "a1", "user_id": "u1", "session_id": "s2"}
	third, err := p.Run(ctx, other, nil, nil)
	require.NoError(t, err)
	assert.False(t, third.Dropped)
}

func TestPipelineRunRejectsOversizeAtNormalize(t *testing.T) {
	p := New(testPipelineConfig(), nil)

	_, err := p.Run(context.Background(), Input{
		TenantID: "t1",
		Content:  string(make([]byte, types.MaxContentBytes+1)),
	}, nil, nil)
	require.Error(t, err)

	var coreErr *types.Error
	require.ErrorAs(t, err, &coreErr)
	assert.Equal(t, types.ErrValidation, coreErr.Code)
	assert.Equal(t, types.StageNormalize, coreErr.Stage)
}

func TestPipelineRunDetectsAndResolvesConflicts(t *testing.T) {
	p := New(testPipelineConfig(), nil)
	ctx := context.Background()

	existing := &types.MemoryRecord{
		ID:          "old",
		TenantID:    "t1",
		Scope:       types.AgentScope("a1"),
		Content:     "Alice works at Acme today",
		ContentHash: types.HashContent("Alice works at Acme today"),
		CreatedAt:   time.Now().UTC().Add(-time.Hour),
	}

	result, err := p.Run(ctx, Input{
		TenantID: "t1",
		Content:  "Alice works at Acme as of today",
		Metadata: map[string]any{"agent_id": "a1"},
	}, []*types.MemoryRecord{existing}, nil)
	require.NoError(t, err)

	require.NotEmpty(t, result.Conflicts)
	require.NotNil(t, result.Resolution)
	assert.Len(t, result.Resolution.Resolutions, len(result.Conflicts))
}

func TestPipelineRunRecordsStageTimings(t *testing.T) {
	collector := metrics.NewCollector("memflow_pipeline_stages_test", nil)
	p := New(testPipelineConfig(), nil).WithMetrics(collector)

	_, err := p.Run(context.Background(), Input{
		TenantID: "t1",
		Content:  "Alice works at Acme",
		Metadata: map[string]any{"agent_id": "a1"},
	}, nil, nil)
	require.NoError(t, err)

	// One histogram series per stage.
	n, err := testutil.GatherAndCount(prometheus.DefaultGatherer,
		"memflow_pipeline_stages_test_ingest_stage_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestPipelineForgetSession(t *testing.T) {
	p := New(testPipelineConfig(), nil)
	ctx := context.Background()

	input := Input{
		TenantID: "t1",
		Content:  "message",
		Metadata: map[string]any{"agent_id": "a1"},
	}
	_, err := p.Run(ctx, input, nil, nil)
	require.NoError(t, err)

	p.ForgetSession(types.AgentScope("a1"))

	result, err := p.Run(ctx, input, nil, nil)
	require.NoError(t, err)
	assert.False(t, result.Dropped)
}
