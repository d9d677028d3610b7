package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/memflow/config"
	"github.com/BaSui01/memflow/hierarchy"
	"github.com/BaSui01/memflow/internal/metrics"
	"github.com/BaSui01/memflow/types"
)

// Input is one message entering the pipeline.
type Input struct {
	TenantID   string
	Content    string
	Metadata   map[string]any
	Embedding  []float32
	MemoryType types.MemoryType
}

// Result is the prepared outcome of stages one through five. The caller
// persists Record, applies the resolution (deleting RemoveIDs), and
// publishes Fact to the indexes.
type Result struct {
	Record     *types.MemoryRecord
	Fact       *types.Fact
	Conflicts  []types.Conflict
	Resolution *ResolutionReport
	// Dropped is set when the seen-set identified the content as a
	// short-term repeat; nothing is persisted for dropped inputs.
	// ContentHash is still populated so the caller can map the repeat
	// back to the record that already holds this content.
	Dropped     bool
	ContentHash string
}

// Pipeline runs the ordered ingestion stages. Stages are deterministic
// functions of their inputs; a failure in any stage aborts the run with a
// stage-tagged error and no partial state.
type Pipeline struct {
	normalizer *Normalizer
	extractor  Extractor
	detector   *Detector
	resolver   *Resolver
	scorer     *Scorer
	metrics    *metrics.Collector
	logger     *zap.Logger
}

// New builds a pipeline from configuration with the built-in rule
// extractor.
func New(cfg config.PipelineConfig, logger *zap.Logger) *Pipeline {
	return NewWithExtractor(cfg, NewRuleExtractor(), logger)
}

// NewWithExtractor builds a pipeline around a custom extractor.
func NewWithExtractor(cfg config.PipelineConfig, extractor Extractor, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		normalizer: NewNormalizer(cfg.SeenSetSize),
		extractor:  extractor,
		detector:   NewDetector(cfg),
		resolver:   NewResolver(cfg),
		scorer:     NewScorer(cfg),
		logger:     logger.With(zap.String("component", "pipeline")),
	}
}

// WithMetrics enables per-stage duration histograms. A nil collector
// leaves telemetry off.
func (p *Pipeline) WithMetrics(collector *metrics.Collector) *Pipeline {
	p.metrics = collector
	return p
}

func (p *Pipeline) observeStage(stage string, start time.Time) {
	if p.metrics != nil {
		p.metrics.RecordStage(stage, time.Since(start))
	}
}

// Run executes stages one through five for one input. existing holds the
// same-scope memories conflicts are detected against; existingFacts maps
// their ids to previously extracted facts where available.
func (p *Pipeline) Run(ctx context.Context, input Input, existing []*types.MemoryRecord, existingFacts map[string]*types.Fact) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.NewError(types.ErrCancelled, "ingest cancelled").WithCause(err)
	}

	scope := hierarchy.ScopeFromMetadata(input.Metadata)

	// Stage 1: normalize and probe the per-session seen-set.
	stageStart := time.Now()
	normalized, hash, duplicate, err := p.normalizer.Normalize(scope.Key(), input.Content)
	p.observeStage("normalize", stageStart)
	if err != nil {
		return nil, err
	}
	if duplicate {
		p.logger.Debug("dropping short-term repeat", zap.String("scope", scope.Key()))
		return &Result{Dropped: true, ContentHash: hash}, nil
	}

	now := time.Now().UTC()
	record := &types.MemoryRecord{
		ID:             uuid.NewString(),
		TenantID:       input.TenantID,
		Scope:          scope,
		MemoryType:     input.MemoryType,
		Content:        normalized,
		ContentHash:    hash,
		Embedding:      input.Embedding,
		Metadata:       input.Metadata,
		LastAccessedAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if record.MemoryType == "" {
		record.MemoryType = types.MemoryEpisodic
	}

	// Stage 2: fact extraction.
	stageStart = time.Now()
	fact, err := p.extractor.Extract(input.TenantID, normalized)
	p.observeStage("extract", stageStart)
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "fact extraction failed").
			WithStage(types.StageExtract).WithCause(err)
	}
	for _, e := range fact.Entities {
		record.Entities = append(record.Entities, e.ID)
	}
	for _, r := range fact.Relations {
		record.Relations = append(record.Relations, r.ID)
	}

	// Stage 3: conflict detection within the record's scope.
	stageStart = time.Now()
	conflicts := p.detector.Detect(record, fact, existing, existingFacts)
	p.observeStage("detect", stageStart)

	// Stage 4: resolution.
	stageStart = time.Now()
	byID := make(map[string]*types.MemoryRecord, len(existing)+1)
	byID[record.ID] = record
	for _, r := range existing {
		byID[r.ID] = r
	}
	resolution := p.resolver.Resolve(conflicts, byID)
	p.observeStage("resolve", stageStart)

	// Stage 5: importance scoring and level classification.
	stageStart = time.Now()
	record.Importance = p.scorer.Score(record, fact, existing, now)
	record.Level = types.LevelForImportance(record.Importance)
	p.observeStage("score", stageStart)

	if len(conflicts) > 0 {
		p.logger.Debug("conflicts detected",
			zap.Int("conflicts", len(conflicts)),
			zap.Int("auto_resolved", resolution.AutoResolved),
			zap.Int("manual_review", resolution.ManualReview),
		)
	}

	return &Result{
		Record:     record,
		Fact:       fact,
		Conflicts:  conflicts,
		Resolution: resolution,
	}, nil
}

// ForgetSession clears the seen-set of one scope, typically on session
// end.
func (p *Pipeline) ForgetSession(scope types.Scope) {
	p.normalizer.Forget(scope.Key())
}
