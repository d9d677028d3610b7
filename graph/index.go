// Package graph provides the in-process entity and relation index:
// adjacency over extracted entities with bounded BFS neighborhood
// expansion and name search.
package graph

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/memflow/types"
)

// SearchResult is one name-search hit with the relations touching the
// entity. Score is monotonic in match quality: exact > prefix > substring.
type SearchResult struct {
	Entity    types.Entity     `json:"entity"`
	Relations []types.Relation `json:"relations,omitempty"`
	Score     float32          `json:"score"`
}

// Index is the in-process graph store. A relation may only be added once
// both endpoints exist; the edge is stored once and expanded in both
// directions at query time.
type Index struct {
	mu       sync.RWMutex
	entities map[string]*types.Entity
	edges    map[string]*types.Relation
	outgoing map[string][]string // entity id -> relation ids
	incoming map[string][]string

	maxDepth int
	logger   *zap.Logger
}

// NewIndex creates a graph index with the given BFS depth bound.
func NewIndex(maxDepth int, logger *zap.Logger) *Index {
	if maxDepth <= 0 {
		maxDepth = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{
		entities: make(map[string]*types.Entity),
		edges:    make(map[string]*types.Relation),
		outgoing: make(map[string][]string),
		incoming: make(map[string][]string),
		maxDepth: maxDepth,
		logger:   logger.With(zap.String("component", "graph_index")),
	}
}

// AddEntities upserts entities by id.
func (ix *Index) AddEntities(ctx context.Context, entities []types.Entity) error {
	if err := ctx.Err(); err != nil {
		return types.NewError(types.ErrCancelled, "graph write cancelled").WithCause(err)
	}
	for _, e := range entities {
		if e.ID == "" {
			return types.NewError(types.ErrValidation, "entity id is required").
				WithSubsystem("graph_index")
		}
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	for i := range entities {
		e := entities[i]
		if cur, ok := ix.entities[e.ID]; ok {
			merged := mergeEntity(cur, &e)
			ix.entities[e.ID] = merged
		} else {
			ix.entities[e.ID] = &e
		}
	}
	return nil
}

// AddRelations upserts relations by id. Both endpoints must already be
// indexed; a missing endpoint rejects the whole batch as a dangling edge
// before anything is applied.
func (ix *Index) AddRelations(ctx context.Context, relations []types.Relation) error {
	if err := ctx.Err(); err != nil {
		return types.NewError(types.ErrCancelled, "graph write cancelled").WithCause(err)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	for _, r := range relations {
		if r.ID == "" || r.SourceID == "" || r.TargetID == "" {
			return types.NewError(types.ErrValidation, "relation id and endpoints are required").
				WithSubsystem("graph_index")
		}
		if _, ok := ix.entities[r.SourceID]; !ok {
			return types.NewErrorf(types.ErrValidation, "dangling edge: source entity %s not indexed", r.SourceID).
				WithSubsystem("graph_index")
		}
		if _, ok := ix.entities[r.TargetID]; !ok {
			return types.NewErrorf(types.ErrValidation, "dangling edge: target entity %s not indexed", r.TargetID).
				WithSubsystem("graph_index")
		}
	}

	for i := range relations {
		r := relations[i]
		if _, ok := ix.edges[r.ID]; !ok {
			ix.outgoing[r.SourceID] = append(ix.outgoing[r.SourceID], r.ID)
			ix.incoming[r.TargetID] = append(ix.incoming[r.TargetID], r.ID)
		}
		ix.edges[r.ID] = &r
	}
	return nil
}

// Neighbors walks the graph breadth first from the given entity up to
// depth hops, following edges in both directions. The start entity is not
// included; results are de-duplicated and ordered by discovery then id.
func (ix *Index) Neighbors(ctx context.Context, entityID string, depth int) ([]types.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.NewError(types.ErrCancelled, "graph read cancelled").WithCause(err)
	}
	if depth < 1 {
		depth = 1
	}
	if depth > ix.maxDepth {
		depth = ix.maxDepth
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if _, ok := ix.entities[entityID]; !ok {
		return nil, types.NewErrorf(types.ErrNotFound, "entity %s not indexed", entityID).
			WithSubsystem("graph_index")
	}

	visited := map[string]bool{entityID: true}
	frontier := []string{entityID}
	var out []types.Entity

	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var discovered []string
		for _, id := range frontier {
			for _, relID := range ix.outgoing[id] {
				next := ix.edges[relID].TargetID
				if !visited[next] {
					visited[next] = true
					discovered = append(discovered, next)
				}
			}
			for _, relID := range ix.incoming[id] {
				next := ix.edges[relID].SourceID
				if !visited[next] {
					visited[next] = true
					discovered = append(discovered, next)
				}
			}
		}
		sort.Strings(discovered)
		for _, id := range discovered {
			out = append(out, *ix.entities[id])
		}
		frontier = discovered
	}
	return out, nil
}

// Search matches entity names case insensitively. Exact matches score
// 1.0, prefix matches 0.8, substring matches 0.5; results are ordered by
// score descending, then name.
func (ix *Index) Search(ctx context.Context, query string) ([]SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.NewError(types.ErrCancelled, "graph read cancelled").WithCause(err)
	}
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil, nil
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var results []SearchResult
	for id, e := range ix.entities {
		name := strings.ToLower(e.Name)
		var score float32
		switch {
		case name == q:
			score = 1.0
		case strings.HasPrefix(name, q):
			score = 0.8
		case strings.Contains(name, q):
			score = 0.5
		default:
			continue
		}

		r := SearchResult{Entity: *e, Score: score}
		for _, relID := range ix.outgoing[id] {
			r.Relations = append(r.Relations, *ix.edges[relID])
		}
		for _, relID := range ix.incoming[id] {
			r.Relations = append(r.Relations, *ix.edges[relID])
		}
		results = append(results, r)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Entity.Name < results[j].Entity.Name
	})
	return results, nil
}

// Entity returns one indexed entity by id.
func (ix *Index) Entity(_ context.Context, id string) (*types.Entity, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	e, ok := ix.entities[id]
	if !ok {
		return nil, types.NewErrorf(types.ErrNotFound, "entity %s not indexed", id).
			WithSubsystem("graph_index")
	}
	out := *e
	return &out, nil
}

// RemoveEntity drops an entity and every edge touching it. Used by the
// eviction cascade; unknown ids are ignored.
func (ix *Index) RemoveEntity(_ context.Context, id string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if _, ok := ix.entities[id]; !ok {
		return nil
	}
	for _, relID := range ix.outgoing[id] {
		r := ix.edges[relID]
		ix.incoming[r.TargetID] = removeID(ix.incoming[r.TargetID], relID)
		delete(ix.edges, relID)
	}
	for _, relID := range ix.incoming[id] {
		r, ok := ix.edges[relID]
		if !ok {
			continue // self loop already dropped above
		}
		ix.outgoing[r.SourceID] = removeID(ix.outgoing[r.SourceID], relID)
		delete(ix.edges, relID)
	}
	delete(ix.outgoing, id)
	delete(ix.incoming, id)
	delete(ix.entities, id)
	return nil
}

// Counts returns the number of entities and relations.
func (ix *Index) Counts(_ context.Context) (entities, relations int) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entities), len(ix.edges)
}

// Health always succeeds; the index is in-process.
func (ix *Index) Health(_ context.Context) error {
	return nil
}

// Reset drops all entities and relations. Test and admin use only.
func (ix *Index) Reset(_ context.Context) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.entities = make(map[string]*types.Entity)
	ix.edges = make(map[string]*types.Relation)
	ix.outgoing = make(map[string][]string)
	ix.incoming = make(map[string][]string)
	return nil
}

// mergeEntity combines an upsert with the stored entity: attributes merge
// with the newer value winning, confidence keeps the maximum.
func mergeEntity(cur, next *types.Entity) *types.Entity {
	out := *cur
	if next.Name != "" {
		out.Name = next.Name
	}
	if next.Type != "" {
		out.Type = next.Type
	}
	if next.Confidence > out.Confidence {
		out.Confidence = next.Confidence
	}
	if len(next.Attributes) > 0 {
		merged := make(map[string]any, len(cur.Attributes)+len(next.Attributes))
		for k, v := range cur.Attributes {
			merged[k] = v
		}
		for k, v := range next.Attributes {
			merged[k] = v
		}
		out.Attributes = merged
	}
	if !next.UpdatedAt.IsZero() {
		out.UpdatedAt = next.UpdatedAt
	}
	return &out
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, x := range ids {
		if x != id {
			out = append(out, x)
		}
	}
	return out
}
