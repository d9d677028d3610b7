package pipeline

import (
	"math"
	"strings"
	"time"

	"github.com/BaSui01/memflow/config"
	"github.com/BaSui01/memflow/types"
)

// recencyTau is the decay constant of the recency factor.
const recencyTau = 30 * 24 * time.Hour

// Scorer computes the weighted importance of a record from its access
// pattern, content shape, extracted facts, and context.
type Scorer struct {
	cfg config.PipelineConfig
}

// NewScorer creates an importance scorer with the configured weights.
func NewScorer(cfg config.PipelineConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

// Score computes the importance of a record at the given time. recent
// holds up to ten recent same-scope records for the contextual-relevance
// factor; fewer or none is fine.
func (s *Scorer) Score(record *types.MemoryRecord, fact *types.Fact, recent []*types.MemoryRecord, now time.Time) float32 {
	score := s.cfg.FrequencyWeight*frequencyFactor(record.AccessCount) +
		s.cfg.RecencyWeight*recencyFactor(record.LastAccessedAt, now) +
		s.cfg.ComplexityWeight*complexityFactor(record.Content) +
		s.cfg.EntityWeight*entityFactor(fact) +
		s.cfg.RelationWeight*relationFactor(fact) +
		s.cfg.EmotionWeight*emotionFactor(record.Content) +
		s.cfg.ContextWeight*contextFactor(record, recent)

	score *= dailyDecay(s.cfg.DailyDecay, record.LastAccessedAt, now)
	return types.ClampImportance(score)
}

// frequencyFactor log-scales the access count into [0,1], saturating
// around a thousand accesses.
func frequencyFactor(accessCount uint64) float32 {
	f := math.Log1p(float64(accessCount)) / math.Log1p(1000)
	if f > 1 {
		f = 1
	}
	return float32(f)
}

func recencyFactor(lastAccess time.Time, now time.Time) float32 {
	if lastAccess.IsZero() {
		return 1
	}
	age := now.Sub(lastAccess)
	if age < 0 {
		age = 0
	}
	return float32(math.Exp(-age.Seconds() / recencyTau.Seconds()))
}

// complexityFactor blends length, word count, and mean sentence length.
func complexityFactor(content string) float32 {
	words := strings.Fields(content)
	if len(words) == 0 {
		return 0
	}

	lengthScore := math.Min(float64(len(content))/500, 1)
	wordScore := math.Min(float64(len(words))/100, 1)

	sentences := strings.FieldsFunc(content, func(r rune) bool {
		return r == '.' || r == '!' || r == '?'
	})
	sentenceCount := 0
	for _, s := range sentences {
		if strings.TrimSpace(s) != "" {
			sentenceCount++
		}
	}
	if sentenceCount == 0 {
		sentenceCount = 1
	}
	avgSentence := float64(len(words)) / float64(sentenceCount)
	sentenceScore := math.Min(avgSentence/25, 1)

	return float32((lengthScore + wordScore + sentenceScore) / 3)
}

// entityFactor is the confidence-weighted mean of entity-type priors.
func entityFactor(fact *types.Fact) float32 {
	if fact == nil || len(fact.Entities) == 0 {
		return 0
	}
	var sum, weight float32
	for _, e := range fact.Entities {
		sum += entityPriors[e.Type] * e.Confidence
		weight += e.Confidence
	}
	if weight == 0 {
		return 0
	}
	return sum / weight
}

// relationFactor is the confidence-weighted mean of relation-type priors.
func relationFactor(fact *types.Fact) float32 {
	if fact == nil || len(fact.Relations) == 0 {
		return 0
	}
	var sum, weight float32
	for _, r := range fact.Relations {
		sum += relationPriors[r.Type] * r.Confidence
		weight += r.Confidence
	}
	if weight == 0 {
		return 0
	}
	return sum / weight
}

// emotionFactor is the lexicon match rate over content tokens.
func emotionFactor(content string) float32 {
	tokens := strings.Fields(strings.ToLower(content))
	if len(tokens) == 0 {
		return 0
	}
	matches := 0
	for _, tok := range tokens {
		tok = strings.Trim(tok, ".,!?;:\"'()")
		if emotionWords[tok] {
			matches++
		}
	}
	f := float32(matches) / float32(len(tokens)) * 5 // saturate at 20% density
	if f > 1 {
		f = 1
	}
	return f
}

// contextFactor is the mean similarity against up to ten recent
// same-scope records.
func contextFactor(record *types.MemoryRecord, recent []*types.MemoryRecord) float32 {
	if len(recent) == 0 {
		return 0
	}
	if len(recent) > 10 {
		recent = recent[:10]
	}
	var sum float32
	for _, other := range recent {
		sum += contentSimilarity(record, other)
	}
	return sum / float32(len(recent))
}

func dailyDecay(d float32, lastAccess time.Time, now time.Time) float32 {
	if d <= 0 || d >= 1 || lastAccess.IsZero() {
		return 1
	}
	days := now.Sub(lastAccess).Hours() / 24
	if days <= 0 {
		return 1
	}
	return float32(math.Pow(float64(d), days))
}
