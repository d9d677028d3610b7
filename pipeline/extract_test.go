package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/memflow/types"
)

func findEntity(fact *types.Fact, entityType types.EntityType, name string) *types.Entity {
	for i := range fact.Entities {
		if fact.Entities[i].Type == entityType && fact.Entities[i].Name == name {
			return &fact.Entities[i]
		}
	}
	return nil
}

func TestExtractWorksAt(t *testing.T) {
	x := NewRuleExtractor()

	fact, err := x.Extract("t1", "Alice works at Acme")
	require.NoError(t, err)

	alice := findEntity(fact, types.EntityPerson, "Alice")
	require.NotNil(t, alice)
	acme := findEntity(fact, types.EntityOrganization, "Acme")
	require.NotNil(t, acme)

	require.Len(t, fact.Relations, 1)
	rel := fact.Relations[0]
	assert.Equal(t, types.RelationWorksAt, rel.Type)
	assert.Equal(t, alice.ID, rel.SourceID)
	assert.Equal(t, acme.ID, rel.TargetID)
}

func TestExtractLivesIn(t *testing.T) {
	x := NewRuleExtractor()

	fact, err := x.Extract("t1", "Bob lives in Paris")
	require.NoError(t, err)

	require.NotNil(t, findEntity(fact, types.EntityPerson, "Bob"))
	require.NotNil(t, findEntity(fact, types.EntityLocation, "Paris"))
	require.Len(t, fact.Relations, 1)
	assert.Equal(t, types.RelationLivesIn, fact.Relations[0].Type)
}

func TestExtractKnows(t *testing.T) {
	x := NewRuleExtractor()

	fact, err := x.Extract("t1", "Alice knows Bob")
	require.NoError(t, err)
	require.Len(t, fact.Relations, 1)
	assert.Equal(t, types.RelationKnows, fact.Relations[0].Type)
}

func TestExtractTemporalEntities(t *testing.T) {
	x := NewRuleExtractor()

	fact, err := x.Extract("t1", "the deadline moved to tomorrow")
	require.NoError(t, err)
	require.NotNil(t, findEntity(fact, types.EntityTime, "tomorrow"))
}

func TestExtractIsIdempotent(t *testing.T) {
	x := NewRuleExtractor()
	content := "Alice works at Acme and Bob lives in Paris"

	first, err := x.Extract("t1", content)
	require.NoError(t, err)
	second, err := x.Extract("t1", content)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestExtractEntityIdentityIsTypeAndName(t *testing.T) {
	x := NewRuleExtractor()

	// The same person mentioned in two shapes converges on one id.
	a, err := x.Extract("t1", "Alice works at Acme")
	require.NoError(t, err)
	b, err := x.Extract("t1", "Alice lives in Paris")
	require.NoError(t, err)

	assert.Equal(t,
		findEntity(a, types.EntityPerson, "Alice").ID,
		findEntity(b, types.EntityPerson, "Alice").ID,
	)

	// Different tenants never share entity ids.
	c, err := x.Extract("t2", "Alice works at Acme")
	require.NoError(t, err)
	assert.NotEqual(t,
		findEntity(a, types.EntityPerson, "Alice").ID,
		findEntity(c, types.EntityPerson, "Alice").ID,
	)
}

func TestExtractMultiWordNames(t *testing.T) {
	x := NewRuleExtractor()

	fact, err := x.Extract("t1", "Mary Jane works at Initech Corp")
	require.NoError(t, err)
	require.NotNil(t, findEntity(fact, types.EntityPerson, "Mary Jane"))
	require.NotNil(t, findEntity(fact, types.EntityOrganization, "Initech Corp"))
}
