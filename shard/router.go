// Package shard implements the consistent-hash shard router: a
// virtual-node ring over xxhash64, a shard table with primary and replica
// placement, and the rebalance check.
package shard

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/BaSui01/memflow/config"
	"github.com/BaSui01/memflow/types"
)

// Node is one storage node on the ring.
type Node struct {
	ID     string `json:"id"`
	Weight int    `json:"weight"`
}

// TableEntry is the placement of one shard. Replicas[0] is the primary;
// an empty list marks the shard unavailable.
type TableEntry struct {
	ShardID  int      `json:"shard_id"`
	Replicas []string `json:"replicas"`
}

type vnode struct {
	hash   uint64
	nodeID string
}

// Router maps keys to shards and shards to nodes. Shard placement is
// recorded in a table, so removing a node disturbs only the shards that
// node carried: the first surviving replica is promoted and the freed
// slots refill from the ring.
type Router struct {
	cfg    config.ShardConfig
	logger *zap.Logger

	mu          sync.RWMutex
	nodes       map[string]*Node
	ring        []vnode
	assignments [][]string // shard id -> replica node ids, primary first
}

// NewRouter creates an empty router; every shard is unavailable until the
// first node joins.
func NewRouter(cfg config.ShardConfig, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 256
	}
	if cfg.ReplicationFactor <= 0 {
		cfg.ReplicationFactor = 3
	}
	if cfg.VirtualNodes <= 0 {
		cfg.VirtualNodes = 100
	}
	return &Router{
		cfg:         cfg,
		logger:      logger.With(zap.String("component", "shard_router")),
		nodes:       make(map[string]*Node),
		assignments: make([][]string, cfg.ShardCount),
	}
}

// ShardFor maps a key to its shard.
func (r *Router) ShardFor(key string) int {
	return int(xxhash.Sum64String(key) % uint64(r.cfg.ShardCount))
}

// AddNode joins a node with the given capacity weight and fills every
// under-replicated shard from the rebuilt ring.
func (r *Router) AddNode(nodeID string, weight int) error {
	if nodeID == "" {
		return types.NewError(types.ErrValidation, "node id is required")
	}
	if weight <= 0 {
		weight = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[nodeID]; ok {
		return types.NewErrorf(types.ErrValidation, "node %s already on the ring", nodeID)
	}
	r.nodes[nodeID] = &Node{ID: nodeID, Weight: weight}
	r.rebuildRingLocked()
	r.fillLocked()
	r.maybeRebalanceLocked()

	r.logger.Info("node joined ring",
		zap.String("node", nodeID),
		zap.Int("weight", weight),
		zap.Int("nodes", len(r.nodes)),
	)
	return nil
}

// RemoveNode drops a node. Shards it carried promote their first
// surviving replica to primary and refill from the ring; shards with no
// survivor become unavailable.
func (r *Router) RemoveNode(nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[nodeID]; !ok {
		return types.NewErrorf(types.ErrNotFound, "node %s not on the ring", nodeID)
	}
	delete(r.nodes, nodeID)
	r.rebuildRingLocked()

	unavailable := 0
	for shardID, replicas := range r.assignments {
		kept := replicas[:0]
		for _, id := range replicas {
			if id != nodeID {
				kept = append(kept, id)
			}
		}
		r.assignments[shardID] = kept
		if len(kept) == 0 {
			unavailable++
		}
	}
	r.fillLocked()
	r.maybeRebalanceLocked()

	r.logger.Info("node left ring",
		zap.String("node", nodeID),
		zap.Int("nodes", len(r.nodes)),
		zap.Int("unavailable_shards", unavailable),
	)
	return nil
}

// PrimaryFor returns the primary node of a shard, or ShardUnavailable
// when no node carries it.
func (r *Router) PrimaryFor(shardID int) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if shardID < 0 || shardID >= r.cfg.ShardCount {
		return "", types.NewErrorf(types.ErrValidation, "shard %d out of range", shardID)
	}
	replicas := r.assignments[shardID]
	if len(replicas) == 0 {
		return "", types.NewErrorf(types.ErrShardUnavailable, "shard %d has no nodes", shardID).
			WithSubsystem("shard_router")
	}
	return replicas[0], nil
}

// ReplicasFor returns the full replica set of a shard, primary first.
func (r *Router) ReplicasFor(shardID int) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if shardID < 0 || shardID >= r.cfg.ShardCount {
		return nil, types.NewErrorf(types.ErrValidation, "shard %d out of range", shardID)
	}
	replicas := r.assignments[shardID]
	if len(replicas) == 0 {
		return nil, types.NewErrorf(types.ErrShardUnavailable, "shard %d has no nodes", shardID).
			WithSubsystem("shard_router")
	}
	return append([]string(nil), replicas...), nil
}

// RouteWrite resolves the primary for a key, failing fast with
// ShardUnavailable when the shard has no nodes.
func (r *Router) RouteWrite(key string) (shardID int, nodeID string, err error) {
	shardID = r.ShardFor(key)
	nodeID, err = r.PrimaryFor(shardID)
	return shardID, nodeID, err
}

// Table snapshots the current shard table.
func (r *Router) Table() []TableEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]TableEntry, r.cfg.ShardCount)
	for shardID, replicas := range r.assignments {
		out[shardID] = TableEntry{
			ShardID:  shardID,
			Replicas: append([]string(nil), replicas...),
		}
	}
	return out
}

// Loads returns the primary shard count per node.
func (r *Router) Loads() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loadsLocked()
}

func (r *Router) loadsLocked() map[string]int {
	loads := make(map[string]int, len(r.nodes))
	for id := range r.nodes {
		loads[id] = 0
	}
	for _, replicas := range r.assignments {
		if len(replicas) > 0 {
			loads[replicas[0]]++
		}
	}
	return loads
}

// NeedsRebalance reports whether the primary load imbalance
// (max - min) / mean exceeds the configured threshold.
func (r *Router) NeedsRebalance() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.needsRebalanceLocked()
}

func (r *Router) needsRebalanceLocked() bool {
	loads := r.loadsLocked()
	if len(loads) < 2 {
		return false
	}

	minLoad, maxLoad, total := -1, 0, 0
	for _, n := range loads {
		if minLoad < 0 || n < minLoad {
			minLoad = n
		}
		if n > maxLoad {
			maxLoad = n
		}
		total += n
	}
	if total == 0 {
		return false
	}
	mean := float64(total) / float64(len(loads))
	return float64(maxLoad-minLoad)/mean > r.cfg.RebalanceThreshold
}

// Rebalance reassigns every shard from scratch on the current ring and
// returns how many shards moved primaries. Invoked by the operator, and
// after membership changes when automatic rebalancing is configured.
func (r *Router) Rebalance() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rebalanceLocked()
}

// maybeRebalanceLocked runs a rebalance after a membership change when
// automatic rebalancing is configured and the imbalance trips the
// threshold.
func (r *Router) maybeRebalanceLocked() {
	if r.cfg.RebalancingEnabled && r.needsRebalanceLocked() {
		r.rebalanceLocked()
	}
}

func (r *Router) rebalanceLocked() int {
	moved := 0
	for shardID := range r.assignments {
		oldPrimary := ""
		if len(r.assignments[shardID]) > 0 {
			oldPrimary = r.assignments[shardID][0]
		}
		r.assignments[shardID] = r.placeLocked(shardID)
		if len(r.assignments[shardID]) > 0 && r.assignments[shardID][0] != oldPrimary {
			moved++
		}
	}
	if moved > 0 {
		r.logger.Info("ring rebalanced", zap.Int("moved_primaries", moved))
	}
	return moved
}

// rebuildRingLocked regenerates the virtual-node ring: weight * cfg
// virtual nodes per physical node.
func (r *Router) rebuildRingLocked() {
	r.ring = r.ring[:0]
	for _, node := range r.nodes {
		count := node.Weight * r.cfg.VirtualNodes
		for i := 0; i < count; i++ {
			h := xxhash.Sum64String(fmt.Sprintf("%s#%d", node.ID, i))
			r.ring = append(r.ring, vnode{hash: h, nodeID: node.ID})
		}
	}
	sort.Slice(r.ring, func(i, j int) bool { return r.ring[i].hash < r.ring[j].hash })
}

// fillLocked tops up every shard's replica list to the replication
// factor, keeping existing placements and walking the ring for new ones.
func (r *Router) fillLocked() {
	rf := r.cfg.ReplicationFactor
	if rf > len(r.nodes) {
		rf = len(r.nodes)
	}
	for shardID, replicas := range r.assignments {
		if len(replicas) >= rf {
			continue
		}
		have := make(map[string]bool, len(replicas))
		for _, id := range replicas {
			have[id] = true
		}
		for _, id := range r.walkLocked(shardID) {
			if len(r.assignments[shardID]) >= rf {
				break
			}
			if !have[id] {
				have[id] = true
				r.assignments[shardID] = append(r.assignments[shardID], id)
			}
		}
	}
}

// placeLocked computes the fresh replica set of a shard from the ring.
func (r *Router) placeLocked(shardID int) []string {
	rf := r.cfg.ReplicationFactor
	if rf > len(r.nodes) {
		rf = len(r.nodes)
	}
	out := make([]string, 0, rf)
	seen := make(map[string]bool, rf)
	for _, id := range r.walkLocked(shardID) {
		if len(out) >= rf {
			break
		}
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// walkLocked yields node ids clockwise from the shard's ring position.
func (r *Router) walkLocked(shardID int) []string {
	if len(r.ring) == 0 {
		return nil
	}
	start := xxhash.Sum64String(fmt.Sprintf("shard-%d", shardID))
	idx := sort.Search(len(r.ring), func(i int) bool { return r.ring[i].hash >= start })

	out := make([]string, 0, len(r.ring))
	for i := 0; i < len(r.ring); i++ {
		out = append(out, r.ring[(idx+i)%len(r.ring)].nodeID)
	}
	return out
}
