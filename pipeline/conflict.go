package pipeline

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BaSui01/memflow/config"
	"github.com/BaSui01/memflow/types"
)

// Detector finds inconsistencies between an incoming record and the
// existing memories of the same scope.
type Detector struct {
	semanticThreshold float32
	temporalWindow    time.Duration
}

// NewDetector creates a conflict detector with the configured thresholds.
func NewDetector(cfg config.PipelineConfig) *Detector {
	return &Detector{
		semanticThreshold: cfg.SemanticThreshold,
		temporalWindow:    cfg.TemporalWindow,
	}
}

// Detect compares the incoming record against each existing candidate and
// returns every conflict found. Candidates are assumed to be pre-filtered
// to the incoming record's scope.
func (d *Detector) Detect(incoming *types.MemoryRecord, incomingFact *types.Fact, existing []*types.MemoryRecord, existingFacts map[string]*types.Fact) []types.Conflict {
	var conflicts []types.Conflict

	for _, candidate := range existing {
		if candidate.ID == incoming.ID {
			continue
		}

		sim := contentSimilarity(incoming, candidate)

		if c := d.detectDuplicate(incoming, candidate, sim); c != nil {
			conflicts = append(conflicts, *c)
			// A duplicate pair is not also reported as semantic.
			continue
		}
		if c := d.detectSemantic(incoming, candidate, sim); c != nil {
			conflicts = append(conflicts, *c)
		}
		if c := d.detectTemporal(incoming, candidate); c != nil {
			conflicts = append(conflicts, *c)
		}
		if incomingFact != nil && existingFacts != nil {
			conflicts = append(conflicts, detectFactConflicts(incoming, candidate, incomingFact, existingFacts[candidate.ID])...)
		}
	}
	return conflicts
}

// detectSemantic gates candidates on similarity, then asks the comparator
// for a severity; only severity above 0.5 is a conflict.
func (d *Detector) detectSemantic(incoming, candidate *types.MemoryRecord, sim float32) *types.Conflict {
	if sim < d.semanticThreshold {
		return nil
	}
	severity := semanticSeverity(incoming.Content, candidate.Content, sim)
	if severity <= 0.5 {
		return nil
	}
	return &types.Conflict{
		ID:                  uuid.NewString(),
		Kind:                types.ConflictSemantic,
		InvolvedMemoryIDs:   []string{incoming.ID, candidate.ID},
		Severity:            severity,
		Confidence:          sim,
		SuggestedResolution: types.ResolveKeepLatest,
	}
}

func (d *Detector) detectTemporal(incoming, candidate *types.MemoryRecord) *types.Conflict {
	if !hasTemporalExpression(incoming.Content) || !hasTemporalExpression(candidate.Content) {
		return nil
	}
	gap := incoming.CreatedAt.Sub(candidate.CreatedAt)
	if gap < 0 {
		gap = -gap
	}
	if d.temporalWindow > 0 && gap > d.temporalWindow {
		return nil
	}
	return &types.Conflict{
		ID:                  uuid.NewString(),
		Kind:                types.ConflictTemporal,
		InvolvedMemoryIDs:   []string{incoming.ID, candidate.ID},
		Severity:            0.7,
		Confidence:          0.8,
		SuggestedResolution: types.ResolveKeepLatest,
	}
}

func (d *Detector) detectDuplicate(incoming, candidate *types.MemoryRecord, sim float32) *types.Conflict {
	if sim < 0.95 {
		return nil
	}
	ratio := lengthRatio(incoming.Content, candidate.Content)
	if ratio < 0.8 || ratio > 1.2 {
		return nil
	}
	return &types.Conflict{
		ID:                  uuid.NewString(),
		Kind:                types.ConflictDuplicate,
		InvolvedMemoryIDs:   []string{incoming.ID, candidate.ID},
		Severity:            sim,
		Confidence:          sim,
		SuggestedResolution: types.ResolveRemoveDuplicates,
	}
}

// detectFactConflicts flags entities sharing an identity with differing
// attributes, and relations over the same (source, type, target) triple
// with differing confidence.
func detectFactConflicts(incoming, candidate *types.MemoryRecord, a, b *types.Fact) []types.Conflict {
	if b == nil {
		return nil
	}
	var conflicts []types.Conflict

	byID := make(map[string]types.Entity, len(b.Entities))
	for _, e := range b.Entities {
		byID[e.ID] = e
	}
	for _, e := range a.Entities {
		other, ok := byID[e.ID]
		if !ok {
			continue
		}
		if attributesDiffer(e.Attributes, other.Attributes) {
			conflicts = append(conflicts, types.Conflict{
				ID:                  uuid.NewString(),
				Kind:                types.ConflictEntity,
				InvolvedMemoryIDs:   []string{incoming.ID, candidate.ID},
				Severity:            0.6,
				Confidence:          0.9,
				SuggestedResolution: types.ResolveMergeAttributes,
			})
		}
	}

	triples := make(map[string]types.Relation, len(b.Relations))
	for _, r := range b.Relations {
		triples[tripleKey(r)] = r
	}
	for _, r := range a.Relations {
		other, ok := triples[tripleKey(r)]
		if !ok {
			continue
		}
		if r.Confidence != other.Confidence {
			conflicts = append(conflicts, types.Conflict{
				ID:                  uuid.NewString(),
				Kind:                types.ConflictRelation,
				InvolvedMemoryIDs:   []string{incoming.ID, candidate.ID},
				Severity:            0.5,
				Confidence:          0.9,
				SuggestedResolution: types.ResolveKeepHighestConfidence,
			})
		}
	}
	return conflicts
}

// contentSimilarity prefers embedding cosine when both records carry an
// embedding of the same dimension, and falls back to token Jaccard.
func contentSimilarity(a, b *types.MemoryRecord) float32 {
	if len(a.Embedding) > 0 && len(a.Embedding) == len(b.Embedding) {
		return embeddingCosine(a.Embedding, b.Embedding)
	}
	return jaccard(a.Content, b.Content)
}

func embeddingCosine(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

func jaccard(a, b string) float32 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	inter := 0
	for tok := range setA {
		if setB[tok] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float32(inter) / float32(union)
}

func tokenSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		tok = strings.Trim(tok, ".,!?;:\"'()")
		if tok != "" {
			out[tok] = true
		}
	}
	return out
}

// semanticSeverity is the built-in comparator. Contradiction cues on one
// side only push severity to the similarity itself; otherwise near-equal
// statements are weighted down.
func semanticSeverity(a, b string, sim float32) float32 {
	if a == b {
		return 0
	}
	if hasNegation(a) != hasNegation(b) {
		return sim
	}
	return sim * 0.7
}

func hasNegation(s string) bool {
	lower := strings.ToLower(s)
	for _, cue := range negationCues {
		if strings.Contains(lower, cue) {
			return true
		}
	}
	return false
}

func hasTemporalExpression(s string) bool {
	lower := strings.ToLower(s)
	for _, word := range temporalWords {
		if containsWord(lower, word) {
			return true
		}
	}
	return false
}

func lengthRatio(a, b string) float64 {
	if len(b) == 0 {
		return 0
	}
	return float64(len(a)) / float64(len(b))
}

func attributesDiffer(a, b map[string]any) bool {
	for k, v := range a {
		if other, ok := b[k]; ok && fmt.Sprint(v) != fmt.Sprint(other) {
			return true
		}
	}
	return false
}

func tripleKey(r types.Relation) string {
	return r.SourceID + "|" + string(r.Type) + "|" + r.TargetID
}
