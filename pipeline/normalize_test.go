package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/memflow/types"
)

func TestNormalizeTrims(t *testing.T) {
	n := NewNormalizer(8)

	got, hash, duplicate, err := n.Normalize("s1", "  hello world \n")
	require.NoError(t, err)
	assert.Equal(t, "hello world", got)
	assert.Equal(t, types.HashContent("hello world"), hash)
	assert.False(t, duplicate)
}

func TestNormalizeRejectsEmpty(t *testing.T) {
	n := NewNormalizer(8)

	_, _, _, err := n.Normalize("s1", "   \t\n ")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrValidation))

	var coreErr *types.Error
	require.ErrorAs(t, err, &coreErr)
	assert.Equal(t, types.StageNormalize, coreErr.Stage)
}

func TestNormalizeRejectsOversize(t *testing.T) {
	n := NewNormalizer(8)

	_, _, _, err := n.Normalize("s1", strings.Repeat("x", types.MaxContentBytes+1))
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrValidation))
}

func TestNormalizeSeenSetDropsRepeats(t *testing.T) {
	n := NewNormalizer(8)

	_, _, duplicate, err := n.Normalize("s1", "same message")
	require.NoError(t, err)
	assert.False(t, duplicate)

	// Whitespace variants hash identically after trimming.
	_, _, duplicate, err = n.Normalize("s1", "  same message  ")
	require.NoError(t, err)
	assert.True(t, duplicate)

	// Another session has its own seen-set.
	_, _, duplicate, err = n.Normalize("s2", "same message")
	require.NoError(t, err)
	assert.False(t, duplicate)
}

func TestNormalizeSeenSetIsBounded(t *testing.T) {
	n := NewNormalizer(2)

	for _, msg := range []string{"one", "two", "three"} {
		_, _, duplicate, err := n.Normalize("s1", msg)
		require.NoError(t, err)
		assert.False(t, duplicate)
	}

	// "one" was pushed out by the bound, so it reads as fresh again.
	_, _, duplicate, err := n.Normalize("s1", "one")
	require.NoError(t, err)
	assert.False(t, duplicate)

	// "three" is still resident.
	_, _, duplicate, err = n.Normalize("s1", "three")
	require.NoError(t, err)
	assert.True(t, duplicate)
}

func TestNormalizeForget(t *testing.T) {
	n := NewNormalizer(8)

	_, _, _, err := n.Normalize("s1", "message")
	require.NoError(t, err)

	n.Forget("s1")

	_, _, duplicate, err := n.Normalize("s1", "message")
	require.NoError(t, err)
	assert.False(t, duplicate)
}
