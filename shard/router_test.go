package shard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/memflow/config"
	"github.com/BaSui01/memflow/types"
)

func testShardConfig() config.ShardConfig {
	return config.ShardConfig{
		ShardCount:         32,
		ReplicationFactor:  3,
		VirtualNodes:       50,
		RebalanceThreshold: 0.2,
	}
}

func newTestRouter(t *testing.T, nodes ...string) *Router {
	t.Helper()
	r := NewRouter(testShardConfig(), nil)
	for _, id := range nodes {
		require.NoError(t, r.AddNode(id, 1))
	}
	return r
}

func TestShardForIsDeterministic(t *testing.T) {
	r := newTestRouter(t, "n1")

	first := r.ShardFor("mem-123")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, r.ShardFor("mem-123"))
	}
	assert.GreaterOrEqual(t, first, 0)
	assert.Less(t, first, 32)
}

func TestEmptyRingFailsFast(t *testing.T) {
	r := NewRouter(testShardConfig(), nil)

	_, _, err := r.RouteWrite("mem-1")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrShardUnavailable))
	assert.False(t, types.IsRetryable(err))
}

func TestReplicasAreDistinctNodes(t *testing.T) {
	r := newTestRouter(t, "n1", "n2", "n3", "n4")

	for shardID := 0; shardID < 32; shardID++ {
		replicas, err := r.ReplicasFor(shardID)
		require.NoError(t, err)
		require.Len(t, replicas, 3)

		seen := make(map[string]bool)
		for _, id := range replicas {
			assert.False(t, seen[id], "shard %d repeats node %s", shardID, id)
			seen[id] = true
		}
	}
}

func TestReplicationCappedByNodeCount(t *testing.T) {
	r := newTestRouter(t, "n1", "n2")

	replicas, err := r.ReplicasFor(0)
	require.NoError(t, err)
	assert.Len(t, replicas, 2)
}

func TestRemoveNodePromotesFirstSurvivingReplica(t *testing.T) {
	r := newTestRouter(t, "n1", "n2", "n3", "n4")

	before := r.Table()
	var victim string
	var shardID int
	for _, entry := range before {
		if len(entry.Replicas) == 3 {
			victim = entry.Replicas[0]
			shardID = entry.ShardID
			break
		}
	}
	require.NotEmpty(t, victim)
	expected := before[shardID].Replicas[1]

	require.NoError(t, r.RemoveNode(victim))

	primary, err := r.PrimaryFor(shardID)
	require.NoError(t, err)
	assert.Equal(t, expected, primary)

	// The shard refills back to full replication from the survivors.
	replicas, err := r.ReplicasFor(shardID)
	require.NoError(t, err)
	assert.Len(t, replicas, 3)
	assert.NotContains(t, replicas, victim)
}

func TestRemoveNodeOnlyDisturbsItsShards(t *testing.T) {
	r := newTestRouter(t, "n1", "n2", "n3", "n4")

	before := r.Table()
	require.NoError(t, r.RemoveNode("n2"))
	after := r.Table()

	for shardID := range before {
		touched := false
		for _, id := range before[shardID].Replicas {
			if id == "n2" {
				touched = true
			}
		}
		if !touched {
			assert.Equal(t, before[shardID].Replicas, after[shardID].Replicas,
				"shard %d moved without carrying the removed node", shardID)
		}
	}
}

func TestRemoveLastNodeMarksShardsUnavailable(t *testing.T) {
	r := newTestRouter(t, "n1")

	require.NoError(t, r.RemoveNode("n1"))

	_, err := r.PrimaryFor(0)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrShardUnavailable))
}

func TestAddNodeRejectsDuplicates(t *testing.T) {
	r := newTestRouter(t, "n1")

	err := r.AddNode("n1", 2)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrValidation))
}

func TestRemoveUnknownNode(t *testing.T) {
	r := newTestRouter(t, "n1")

	err := r.RemoveNode("ghost")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrNotFound))
}

func TestLoadsCoverAllShards(t *testing.T) {
	r := newTestRouter(t, "n1", "n2", "n3")

	total := 0
	for _, n := range r.Loads() {
		total += n
	}
	assert.Equal(t, 32, total)
}

func TestWeightSkewsPlacement(t *testing.T) {
	cfg := testShardConfig()
	cfg.ShardCount = 256
	r := NewRouter(cfg, nil)
	require.NoError(t, r.AddNode("heavy", 4))
	require.NoError(t, r.AddNode("light", 1))

	loads := r.Loads()
	assert.Greater(t, loads["heavy"], loads["light"])
}

func TestNeedsRebalanceAfterSkewedJoin(t *testing.T) {
	cfg := testShardConfig()
	cfg.ShardCount = 256
	r := NewRouter(cfg, nil)
	require.NoError(t, r.AddNode("n1", 1))
	require.NoError(t, r.AddNode("n2", 1))

	// Late joiners only pick up shards freed by departures, so a fresh
	// node starts with zero primaries and trips the imbalance check.
	require.NoError(t, r.AddNode("n3", 1))
	assert.True(t, r.NeedsRebalance())

	moved := r.Rebalance()
	assert.Greater(t, moved, 0)
	assert.False(t, r.NeedsRebalance())
}

func TestAutoRebalanceOnJoinWhenEnabled(t *testing.T) {
	cfg := testShardConfig()
	cfg.ShardCount = 256
	cfg.RebalancingEnabled = true
	r := NewRouter(cfg, nil)
	require.NoError(t, r.AddNode("n1", 1))
	require.NoError(t, r.AddNode("n2", 1))

	// With automatic rebalancing on, the skew a late joiner introduces is
	// corrected in place instead of waiting for an operator.
	require.NoError(t, r.AddNode("n3", 1))
	assert.False(t, r.NeedsRebalance())
	assert.Greater(t, r.Loads()["n3"], 0)
}

func TestRebalanceIsStableWhenRingUnchanged(t *testing.T) {
	r := newTestRouter(t, "n1", "n2", "n3")
	r.Rebalance()

	assert.Equal(t, 0, r.Rebalance())
}

func TestPrimaryForRejectsOutOfRange(t *testing.T) {
	r := newTestRouter(t, "n1")

	_, err := r.PrimaryFor(-1)
	assert.True(t, types.IsCode(err, types.ErrValidation))
	_, err = r.PrimaryFor(32)
	assert.True(t, types.IsCode(err, types.ErrValidation))
}
