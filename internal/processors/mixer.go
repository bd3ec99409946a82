package processors

import (
	"github.com/mkarjala/soundmesh/internal/audio"
	"github.com/mkarjala/soundmesh/internal/engine"
	"github.com/mkarjala/soundmesh/internal/ids"
	"github.com/mkarjala/soundmesh/internal/soundgraph"
)

// Mixer sums a fixed set of synchronous inputs.
type Mixer struct {
	id     ids.ProcessorID
	Inputs []ids.SoundInputID
}

// NewMixer registers a mixer with the given number of inputs.
func NewMixer(tx *soundgraph.Transaction, numInputs int) (*Mixer, error) {
	m := &Mixer{}
	m.id = tx.AddProcessor(m)
	for i := 0; i < numInputs; i++ {
		input, err := tx.AddInput(m.id, soundgraph.InputOptions{
			Sync:  soundgraph.Synchronous,
			Chron: soundgraph.Isochronic,
		})
		if err != nil {
			return nil, err
		}
		m.Inputs = append(m.Inputs, input)
	}
	return m, nil
}

// ID returns the processor's ID.
func (m *Mixer) ID() ids.ProcessorID {
	return m.id
}

// Kind implements soundgraph.ProcessorInstance.
func (m *Mixer) Kind() soundgraph.ProcessorKind {
	return soundgraph.Dynamic
}

// Compile implements engine.SoundProcessor.
func (m *Mixer) Compile(pc *engine.ProcessorCompiler) engine.CompiledProcessor {
	cm := &compiledMixer{}
	for _, iid := range m.Inputs {
		cm.inputs = append(cm.inputs, pc.CompileInput(iid))
	}
	return cm
}

type compiledMixer struct {
	inputs []*engine.CompiledInput
}

func (cm *compiledMixer) ProcessAudio(dst *audio.Chunk, ctx *engine.Context) audio.StreamStatus {
	dst.Silence()
	anyPlaying := false
	for _, in := range cm.inputs {
		tmp := ctx.ScratchChunk()
		if in.Step(0, tmp, ctx) == audio.Playing {
			anyPlaying = true
		}
		dst.AddFrom(tmp)
	}
	if len(cm.inputs) > 0 && !anyPlaying {
		return audio.Done
	}
	return audio.Playing
}

func (cm *compiledMixer) StartOver() {
	for _, in := range cm.inputs {
		in.StartOver()
	}
}
