package pipeline

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/BaSui01/memflow/types"
)

// Extractor turns normalized content into a structured fact. The contract
// requires idempotence: identical inputs yield identical entities and
// relations, including their ids.
type Extractor interface {
	Extract(tenantID, content string) (*types.Fact, error)
}

// name matches one or two capitalized words, the shape of person, place
// and organization names in agent transcripts.
const namePattern = `([A-Z][a-z]+(?: [A-Z][a-z]+)?)`

var (
	worksAtRe   = regexp.MustCompile(namePattern + `\s+works\s+(?:at|for)\s+` + namePattern)
	livesInRe   = regexp.MustCompile(namePattern + `\s+(?:lives|lived)\s+in\s+` + namePattern)
	knowsRe     = regexp.MustCompile(namePattern + `\s+knows\s+` + namePattern)
	locatedInRe = regexp.MustCompile(namePattern + `\s+is\s+(?:located|based)\s+in\s+` + namePattern)
	partOfRe    = regexp.MustCompile(namePattern + `\s+is\s+part\s+of\s+` + namePattern)
)

// RuleExtractor is the built-in pattern extractor. It recognizes a small
// set of subject-verb-object shapes plus temporal keywords; richer
// extractors plug in behind the Extractor interface.
type RuleExtractor struct{}

// NewRuleExtractor creates the built-in extractor.
func NewRuleExtractor() *RuleExtractor {
	return &RuleExtractor{}
}

// Extract emits entities and relations found in the content. Entity
// identity is (type, normalized name) per tenant, so re-extracting the
// same sentence converges on the same graph nodes.
func (x *RuleExtractor) Extract(tenantID, content string) (*types.Fact, error) {
	fact := &types.Fact{}
	seen := make(map[string]bool)

	addEntity := func(entityType types.EntityType, name string, confidence float32) string {
		id := entityID(tenantID, entityType, name)
		if !seen[id] {
			seen[id] = true
			fact.Entities = append(fact.Entities, types.Entity{
				ID:         id,
				TenantID:   tenantID,
				Type:       entityType,
				Name:       name,
				Confidence: confidence,
			})
		}
		return id
	}

	addRelation := func(sourceID, targetID string, relType types.RelationType, confidence float32) {
		id := relationID(sourceID, relType, targetID)
		if seen[id] {
			return
		}
		seen[id] = true
		fact.Relations = append(fact.Relations, types.Relation{
			ID:         id,
			TenantID:   tenantID,
			SourceID:   sourceID,
			TargetID:   targetID,
			Type:       relType,
			Confidence: confidence,
		})
	}

	for _, m := range worksAtRe.FindAllStringSubmatch(content, -1) {
		src := addEntity(types.EntityPerson, m[1], 0.9)
		dst := addEntity(types.EntityOrganization, m[2], 0.9)
		addRelation(src, dst, types.RelationWorksAt, 0.9)
	}
	for _, m := range livesInRe.FindAllStringSubmatch(content, -1) {
		src := addEntity(types.EntityPerson, m[1], 0.9)
		dst := addEntity(types.EntityLocation, m[2], 0.9)
		addRelation(src, dst, types.RelationLivesIn, 0.9)
	}
	for _, m := range knowsRe.FindAllStringSubmatch(content, -1) {
		src := addEntity(types.EntityPerson, m[1], 0.8)
		dst := addEntity(types.EntityPerson, m[2], 0.8)
		addRelation(src, dst, types.RelationKnows, 0.8)
	}
	for _, m := range locatedInRe.FindAllStringSubmatch(content, -1) {
		src := addEntity(types.EntityOrganization, m[1], 0.7)
		dst := addEntity(types.EntityLocation, m[2], 0.8)
		addRelation(src, dst, types.RelationLocatedIn, 0.8)
	}
	for _, m := range partOfRe.FindAllStringSubmatch(content, -1) {
		src := addEntity(types.EntityConcept, m[1], 0.7)
		dst := addEntity(types.EntityConcept, m[2], 0.7)
		addRelation(src, dst, types.RelationPartOf, 0.7)
	}

	lower := strings.ToLower(content)
	for _, word := range temporalWords {
		if containsWord(lower, word) {
			addEntity(types.EntityTime, word, 0.95)
		}
	}

	return fact, nil
}

// entityID derives a stable id from the tenant and the entity's
// (type, normalized name) identity.
func entityID(tenantID string, entityType types.EntityType, name string) string {
	canonical := fmt.Sprintf("%s|%s|%s", tenantID, entityType, strings.ToLower(strings.TrimSpace(name)))
	return fmt.Sprintf("ent-%016x", xxhash.Sum64String(canonical))
}

// relationID derives a stable id from the (source, type, target) triple.
func relationID(sourceID string, relType types.RelationType, targetID string) string {
	canonical := fmt.Sprintf("%s|%s|%s", sourceID, relType, targetID)
	return fmt.Sprintf("rel-%016x", xxhash.Sum64String(canonical))
}

// containsWord reports a whole-word, case-folded match. The lexicon
// contains multi-word phrases, so a plain substring check with boundary
// inspection is used instead of tokenization.
func containsWord(lower, word string) bool {
	idx := 0
	for {
		i := strings.Index(lower[idx:], word)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(word)
		startOK := start == 0 || !isLetter(lower[start-1])
		endOK := end == len(lower) || !isLetter(lower[end])
		if startOK && endOK {
			return true
		}
		idx = start + 1
		if idx >= len(lower) {
			return false
		}
	}
}

func isLetter(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}
