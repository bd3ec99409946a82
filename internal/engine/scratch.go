package engine

import "github.com/mkarjala/soundmesh/internal/audio"

// ScratchArena lends transient buffers for the duration of one audio block.
// It is owned by the audio thread and reset between blocks; the backing
// memory grows on demand and is only freed when the thread stops.
type ScratchArena struct {
	slabs  [][]float32
	cursor int
	slab   int

	big    [][]float32
	bigOut int

	chunks    []*audio.Chunk
	chunksOut int
}

const scratchSlabSize = 16 * audio.ChunkSize

// NewScratchArena returns an arena with one slab pre-allocated.
func NewScratchArena() *ScratchArena {
	return &ScratchArena{
		slabs: [][]float32{make([]float32, scratchSlabSize)},
	}
}

// Alloc lends a zeroed slice of n floats valid until the next Reset.
func (a *ScratchArena) Alloc(n int) []float32 {
	if n > scratchSlabSize {
		// Oversized requests get dedicated buffers, kept for reuse.
		for ; a.bigOut < len(a.big); a.bigOut++ {
			if cap(a.big[a.bigOut]) >= n {
				s := a.big[a.bigOut][:n]
				a.bigOut++
				audio.Fill(s, 0)
				return s
			}
		}
		s := make([]float32, n)
		a.big = append(a.big, s)
		a.bigOut = len(a.big)
		return s
	}
	if a.cursor+n > len(a.slabs[a.slab]) {
		a.slab++
		a.cursor = 0
		if a.slab >= len(a.slabs) {
			a.slabs = append(a.slabs, make([]float32, scratchSlabSize))
		}
	}
	s := a.slabs[a.slab][a.cursor : a.cursor+n]
	a.cursor += n
	audio.Fill(s, 0)
	return s
}

// AllocChunk lends a silenced stereo chunk valid until the next Reset.
func (a *ScratchArena) AllocChunk() *audio.Chunk {
	var c *audio.Chunk
	if a.chunksOut < len(a.chunks) {
		c = a.chunks[a.chunksOut]
	} else {
		c = &audio.Chunk{}
		a.chunks = append(a.chunks, c)
	}
	a.chunksOut++
	c.Silence()
	return c
}

// Reset reclaims everything lent out since the last Reset.
func (a *ScratchArena) Reset() {
	a.slab = 0
	a.cursor = 0
	a.bigOut = 0
	a.chunksOut = 0
}
