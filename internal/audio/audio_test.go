package audio

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChunkClamp(t *testing.T) {
	var c Chunk
	c.L[0] = 3.5
	c.L[1] = -2
	c.L[2] = float32(math.NaN())
	c.R[0] = float32(math.Inf(1))

	c.Clamp()

	assert.Equal(t, float32(1), c.L[0])
	assert.Equal(t, float32(-1), c.L[1])
	assert.Equal(t, float32(0), c.L[2])
	assert.Equal(t, float32(1), c.R[0])
}

func TestChunkAddFrom(t *testing.T) {
	var a, b Chunk
	Fill(a.L[:], 0.25)
	Fill(b.L[:], 0.5)
	a.AddFrom(&b)
	assert.Equal(t, float32(0.75), a.L[100])
}

func TestLinspace(t *testing.T) {
	s := make([]float32, 4)
	Linspace(s, 0, 1)
	assert.Equal(t, []float32{0, 0.25, 0.5, 0.75}, s)
}

func TestExclusiveScanInplace(t *testing.T) {
	s := []float32{1, 2, 3}
	ExclusiveScanInplace(s, 10)
	assert.Equal(t, []float32{10, 11, 13}, s)
}

func TestAtomicF32(t *testing.T) {
	a := NewAtomicF32(1.5)
	assert.Equal(t, float32(1.5), a.Load())
	a.Store(-0.25)
	assert.Equal(t, float32(-0.25), a.Load())
}
