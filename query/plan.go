// Package query implements the query planner and executor: plan
// construction from the request shape, a short-term plan-result cache
// keyed by a stable request hash, and deterministic result ranking.
package query

import (
	"encoding/binary"
	"math"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/BaSui01/memflow/config"
	"github.com/BaSui01/memflow/types"
)

// StepKind names one plan step.
type StepKind string

const (
	StepVectorSearch      StepKind = "vector_search"
	StepTextSearch        StepKind = "text_search"
	StepFilterApplication StepKind = "filter_application"
	StepGraphExpansion    StepKind = "graph_expansion"
	StepResultRanking     StepKind = "result_ranking"
	StepFetch             StepKind = "fetch"
)

// Step is one unit of plan execution. Parallelizable steps have no data
// dependency on their neighbors and may run concurrently.
type Step struct {
	Kind           StepKind `json:"kind"`
	Parallelizable bool     `json:"parallelizable"`
	// PreFilter marks a FilterApplication pushed below the candidate
	// search instead of applied to fetched records.
	PreFilter bool `json:"pre_filter,omitempty"`
}

// Complexity buckets a plan by how many backends it touches.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

// CacheMode selects how plan results are cached.
type CacheMode string

const (
	CacheNone      CacheMode = "no_cache"
	CacheShortTerm CacheMode = "short_term"
	CacheLongTerm  CacheMode = "long_term"
	CacheAdaptive  CacheMode = "adaptive"
)

// CacheStrategy pairs a mode with its TTL.
type CacheStrategy struct {
	Mode CacheMode     `json:"mode"`
	TTL  time.Duration `json:"ttl,omitempty"`
}

// Request is one search request against the engine.
type Request struct {
	QueryVector  []float32         `json:"query_vector,omitempty"`
	QueryText    string            `json:"query_text,omitempty"`
	Filters      map[string]string `json:"filters,omitempty"`
	Limit        int               `json:"limit"`
	Threshold    float32           `json:"threshold,omitempty"`
	Scope        *types.Scope      `json:"scope,omitempty"`
	EntityIDs    []string          `json:"entity_ids,omitempty"`
	Aggregations []string          `json:"aggregations,omitempty"`
}

// Plan is the ordered step list for one request.
type Plan struct {
	Steps      []Step        `json:"steps"`
	Complexity Complexity    `json:"complexity"`
	Cache      CacheStrategy `json:"cache"`
	Key        uint64        `json:"-"`
}

// Planner builds plans from request shape and configuration.
type Planner struct {
	cfg config.QueryConfig
}

// NewPlanner creates a planner.
func NewPlanner(cfg config.QueryConfig) *Planner {
	return &Planner{cfg: cfg}
}

// Plan derives the step list. Vector search participates only when a
// vector is supplied and the limit stays under the configured cap; the
// two candidate searches are independent and marked parallelizable.
func (p *Planner) Plan(req *Request) *Plan {
	plan := &Plan{Key: requestKey(req)}
	backends := 0

	useVector := len(req.QueryVector) > 0 && req.Limit <= p.cfg.VectorLimitCap
	if useVector {
		plan.Steps = append(plan.Steps, Step{Kind: StepVectorSearch, Parallelizable: true})
		backends++
	}
	if req.QueryText != "" {
		plan.Steps = append(plan.Steps, Step{Kind: StepTextSearch, Parallelizable: true})
		backends++
	}

	if len(req.Filters) > 0 || req.Scope != nil {
		// Scope, level and type predicates are cheap and selective, so
		// they push below the ANN probe; metadata predicates apply after
		// the fetch.
		plan.Steps = append(plan.Steps, Step{
			Kind:      StepFilterApplication,
			PreFilter: useVector && selectiveFilters(req),
		})
	}

	if len(req.EntityIDs) > 0 {
		plan.Steps = append(plan.Steps, Step{Kind: StepGraphExpansion})
		backends++
	}

	plan.Steps = append(plan.Steps,
		Step{Kind: StepFetch},
		Step{Kind: StepResultRanking},
	)

	switch {
	case len(req.EntityIDs) > 0 || len(req.Aggregations) > 0:
		plan.Complexity = ComplexityComplex
	case backends >= 2:
		plan.Complexity = ComplexityMedium
	default:
		plan.Complexity = ComplexitySimple
	}

	switch plan.Complexity {
	case ComplexityComplex:
		plan.Cache = CacheStrategy{Mode: CacheNone}
	case ComplexityMedium:
		plan.Cache = CacheStrategy{Mode: CacheAdaptive, TTL: p.cfg.PlanCacheTTL}
	default:
		plan.Cache = CacheStrategy{Mode: CacheShortTerm, TTL: p.cfg.PlanCacheTTL}
	}
	return plan
}

// selectiveFilters reports whether every filter key can be evaluated
// below the candidate search.
func selectiveFilters(req *Request) bool {
	for key := range req.Filters {
		switch key {
		case "level", "memory_type":
		default:
			return false
		}
	}
	return true
}

// requestKey is the stable hash identical requests share: query vector
// bytes, limit, threshold, and the sorted filter map.
func requestKey(req *Request) uint64 {
	h := xxhash.New()

	var buf [8]byte
	for _, v := range req.QueryVector {
		binary.LittleEndian.PutUint32(buf[:4], math.Float32bits(v))
		_, _ = h.Write(buf[:4])
	}
	binary.LittleEndian.PutUint64(buf[:], uint64(req.Limit))
	_, _ = h.Write(buf[:])
	binary.LittleEndian.PutUint32(buf[:4], math.Float32bits(req.Threshold))
	_, _ = h.Write(buf[:4])

	_, _ = h.WriteString(req.QueryText)
	if req.Scope != nil {
		_, _ = h.WriteString(req.Scope.Key())
	}

	keys := make([]string, 0, len(req.Filters))
	for k := range req.Filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = h.WriteString(k)
		_, _ = h.WriteString("=")
		_, _ = h.WriteString(req.Filters[k])
		_, _ = h.WriteString(";")
	}

	sortedEntities := append([]string(nil), req.EntityIDs...)
	sort.Strings(sortedEntities)
	for _, id := range sortedEntities {
		_, _ = h.WriteString(id)
	}

	return h.Sum64()
}
