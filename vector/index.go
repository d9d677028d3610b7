// Package vector provides the in-process vector index: brute-force
// cosine search over content embeddings with metadata filters.
package vector

import (
	"context"
	"math"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/memflow/types"
)

// Filters restrict a search or tag an upsert. Zero values match anything.
type Filters struct {
	TenantID   string
	Scope      *types.Scope
	Level      types.MemoryLevel
	MemoryType types.MemoryType
}

// Match is one search hit. Similarity is cosine in [-1, 1]; Distance is
// Euclidean.
type Match struct {
	ID         string  `json:"id"`
	Similarity float32 `json:"similarity"`
	Distance   float32 `json:"distance"`
}

type entry struct {
	vector     []float32
	norm       float64
	tenantID   string
	scope      types.Scope
	level      types.MemoryLevel
	memoryType types.MemoryType
}

// Index is a flat cosine index. Exact scan keeps recall at 1.0; the
// contract only requires recall@10 >= 0.9, so approximate backends can
// replace this behind the same surface.
type Index struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	dimension int
	logger    *zap.Logger
}

// NewIndex creates an index for embeddings of the given dimension.
func NewIndex(dimension int, logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{
		entries:   make(map[string]*entry),
		dimension: dimension,
		logger:    logger.With(zap.String("component", "vector_index")),
	}
}

// Upsert stores or replaces one vector. A vector of the wrong dimension
// is rejected as a Validation error.
func (ix *Index) Upsert(ctx context.Context, id string, vec []float32, filters Filters) error {
	if err := ctx.Err(); err != nil {
		return types.NewError(types.ErrCancelled, "vector upsert cancelled").WithCause(err)
	}
	if id == "" {
		return types.NewError(types.ErrValidation, "vector id is required")
	}
	if len(vec) != ix.dimension {
		return types.NewErrorf(types.ErrValidation,
			"vector dimension %d does not match configured %d", len(vec), ix.dimension).
			WithSubsystem("vector_index")
	}

	e := &entry{
		vector:     append([]float32(nil), vec...),
		norm:       norm(vec),
		tenantID:   filters.TenantID,
		level:      filters.Level,
		memoryType: filters.MemoryType,
	}
	if filters.Scope != nil {
		e.scope = *filters.Scope
	}

	ix.mu.Lock()
	ix.entries[id] = e
	ix.mu.Unlock()
	return nil
}

// UpsertBatch stores many vectors; the first invalid vector aborts the
// batch before any of it is applied.
func (ix *Index) UpsertBatch(ctx context.Context, ids []string, vecs [][]float32, filters []Filters) error {
	if len(ids) != len(vecs) || len(ids) != len(filters) {
		return types.NewError(types.ErrValidation, "batch ids, vectors and filters must align")
	}
	for i, vec := range vecs {
		if ids[i] == "" {
			return types.NewError(types.ErrValidation, "vector id is required")
		}
		if len(vec) != ix.dimension {
			return types.NewErrorf(types.ErrValidation,
				"vector dimension %d does not match configured %d", len(vec), ix.dimension).
				WithSubsystem("vector_index")
		}
	}
	for i := range ids {
		if err := ix.Upsert(ctx, ids[i], vecs[i], filters[i]); err != nil {
			return err
		}
	}
	return nil
}

// Search returns the top k matches by cosine similarity, descending, with
// ties broken by lower id. minSimilarity filters below-threshold hits.
func (ix *Index) Search(ctx context.Context, query []float32, k int, filters *Filters, minSimilarity float32) ([]Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.NewError(types.ErrCancelled, "vector search cancelled").WithCause(err)
	}
	if len(query) != ix.dimension {
		return nil, types.NewErrorf(types.ErrValidation,
			"query dimension %d does not match configured %d", len(query), ix.dimension).
			WithSubsystem("vector_index")
	}
	if k <= 0 {
		return nil, nil
	}

	qnorm := norm(query)

	ix.mu.RLock()
	matches := make([]Match, 0, len(ix.entries))
	for id, e := range ix.entries {
		if !e.matches(filters) {
			continue
		}
		sim := cosine(query, qnorm, e.vector, e.norm)
		if sim < minSimilarity {
			continue
		}
		matches = append(matches, Match{
			ID:         id,
			Similarity: sim,
			Distance:   euclidean(query, e.vector),
		})
	}
	ix.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Delete removes one vector. Unknown ids are ignored.
func (ix *Index) Delete(_ context.Context, id string) error {
	ix.mu.Lock()
	delete(ix.entries, id)
	ix.mu.Unlock()
	return nil
}

// Count returns the number of indexed vectors.
func (ix *Index) Count(_ context.Context) (int, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries), nil
}

// Health always succeeds; the index is in-process.
func (ix *Index) Health(_ context.Context) error {
	return nil
}

// Reset drops all vectors. Test and admin use only.
func (ix *Index) Reset(_ context.Context) error {
	ix.mu.Lock()
	ix.entries = make(map[string]*entry)
	ix.mu.Unlock()
	return nil
}

func (e *entry) matches(f *Filters) bool {
	if f == nil {
		return true
	}
	if f.TenantID != "" && e.tenantID != f.TenantID {
		return false
	}
	if f.Scope != nil && e.scope != *f.Scope {
		return false
	}
	if f.Level != "" && e.level != f.Level {
		return false
	}
	if f.MemoryType != "" && e.memoryType != f.MemoryType {
		return false
	}
	return true
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func cosine(a []float32, anorm float64, b []float32, bnorm float64) float32 {
	if anorm == 0 || bnorm == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return float32(dot / (anorm * bnorm))
}

func euclidean(a, b []float32) float32 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return float32(math.Sqrt(sum))
}
