package pipeline

import "github.com/BaSui01/memflow/types"

// temporalWords is the enumerated lexicon the temporal conflict detector
// matches against. Matching is whole-word and case insensitive.
var temporalWords = []string{
	"yesterday", "today", "tomorrow", "tonight",
	"last week", "this week", "next week",
	"last month", "this month", "next month",
	"last year", "this year", "next year",
	"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday",
	"january", "february", "march", "april", "may", "june",
	"july", "august", "september", "october", "november", "december",
	"morning", "afternoon", "evening",
}

// emotionWords drive the emotional-intensity factor: the score is the
// match rate of these words over the content tokens.
var emotionWords = map[string]bool{
	"love": true, "hate": true, "angry": true, "happy": true, "sad": true,
	"excited": true, "afraid": true, "anxious": true, "thrilled": true,
	"furious": true, "delighted": true, "worried": true, "frustrated": true,
	"amazing": true, "terrible": true, "wonderful": true, "awful": true,
	"urgent": true, "critical": true,
}

// entityPriors weight the entity-importance factor by type.
var entityPriors = map[types.EntityType]float32{
	types.EntityPerson:       0.9,
	types.EntityEvent:        0.85,
	types.EntityOrganization: 0.8,
	types.EntityConcept:      0.7,
	types.EntityLocation:     0.6,
	types.EntityTime:         0.4,
}

// relationPriors weight the relation-importance factor by type.
var relationPriors = map[types.RelationType]float32{
	types.RelationWorksAt:   0.8,
	types.RelationLivesIn:   0.7,
	types.RelationKnows:     0.6,
	types.RelationPartOf:    0.6,
	types.RelationLocatedIn: 0.5,
	types.RelationRelatedTo: 0.3,
}

// negationCues mark likely contradictions for the semantic comparator.
var negationCues = []string{
	"not ", "no longer", "never", "n't ", "isn't", "wasn't", "doesn't", "stopped",
}
