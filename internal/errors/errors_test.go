package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilder(t *testing.T) {
	err := Newf("sound input %d is occupied", 3).
		Component("soundgraph").
		Category(CategoryConflict).
		Context("input_id", 3).
		Build()

	assert.Equal(t, "sound input 3 is occupied", err.Error())
	assert.Equal(t, "soundgraph", err.Component)
	assert.Equal(t, CategoryConflict, err.Category)
	assert.Equal(t, 3, err.GetContext()["input_id"])
}

func TestCategoryDefaultsToGeneric(t *testing.T) {
	err := Newf("something").Build()
	assert.Equal(t, CategoryGeneric, err.Category)
}

func TestIsMatchesByCategory(t *testing.T) {
	a := Newf("a").Category(CategoryCycleInSoundGraph).Build()
	b := Newf("b").Category(CategoryCycleInSoundGraph).Build()
	c := Newf("c").Category(CategoryNotFound).Build()

	assert.True(t, Is(a, b))
	assert.False(t, Is(a, c))
}

func TestUnwrap(t *testing.T) {
	inner := fmt.Errorf("inner")
	err := New(inner).Category(CategoryValidation).Build()

	require.ErrorIs(t, err, inner)
	assert.Equal(t, CategoryValidation, CategoryOf(err))
	assert.Equal(t, CategoryGeneric, CategoryOf(inner))
}

func TestContextIsCopied(t *testing.T) {
	err := Newf("x").Context("k", 1).Build()
	ctx := err.GetContext()
	ctx["k"] = 2
	assert.Equal(t, 1, err.GetContext()["k"])
}
