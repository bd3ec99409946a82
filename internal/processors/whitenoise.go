package processors

import (
	"github.com/mkarjala/soundmesh/internal/audio"
	"github.com/mkarjala/soundmesh/internal/engine"
	"github.com/mkarjala/soundmesh/internal/ids"
	"github.com/mkarjala/soundmesh/internal/soundgraph"
)

// WhiteNoise produces uniform noise in [-1, 1].
type WhiteNoise struct {
	id ids.ProcessorID
}

// NewWhiteNoise registers a white noise source on the transaction.
func NewWhiteNoise(tx *soundgraph.Transaction) (*WhiteNoise, error) {
	w := &WhiteNoise{}
	w.id = tx.AddProcessor(w)
	return w, nil
}

// ID returns the processor's ID.
func (w *WhiteNoise) ID() ids.ProcessorID {
	return w.id
}

// Kind implements soundgraph.ProcessorInstance.
func (w *WhiteNoise) Kind() soundgraph.ProcessorKind {
	return soundgraph.Dynamic
}

// Compile implements engine.SoundProcessor.
func (w *WhiteNoise) Compile(pc *engine.ProcessorCompiler) engine.CompiledProcessor {
	return &compiledWhiteNoise{rng: 0x9e3779b97f4a7c15}
}

type compiledWhiteNoise struct {
	rng uint64
}

// next is a xorshift64* step, cheap enough for the hot loop.
func (cn *compiledWhiteNoise) next() float32 {
	cn.rng ^= cn.rng >> 12
	cn.rng ^= cn.rng << 25
	cn.rng ^= cn.rng >> 27
	v := cn.rng * 0x2545f4914f6cdd1d
	return float32(v>>40)/float32(1<<24)*2 - 1
}

func (cn *compiledWhiteNoise) ProcessAudio(dst *audio.Chunk, ctx *engine.Context) audio.StreamStatus {
	for i := 0; i < audio.ChunkSize; i++ {
		dst.L[i] = cn.next()
		dst.R[i] = cn.next()
	}
	return audio.Playing
}

func (cn *compiledWhiteNoise) StartOver() {}
