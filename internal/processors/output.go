// Package processors provides the built-in sound processors: the static
// output root, wave generator, ADSR envelope, mixer and white noise. Each
// processor registers its components on the sound graph at construction and
// compiles itself into an executable form through the engine's compiler.
package processors

import (
	"github.com/mkarjala/soundmesh/internal/audio"
	"github.com/mkarjala/soundmesh/internal/engine"
	"github.com/mkarjala/soundmesh/internal/ids"
	"github.com/mkarjala/soundmesh/internal/soundgraph"
)

// Sink receives finished output blocks, e.g. the host playback device or a
// test capture buffer.
type Sink interface {
	PushChunk(c *audio.Chunk)
}

// Output is the static root processor driving the host audio device. It
// pulls one synchronous input per block, masks runtime anomalies at the
// boundary and hands the block to its sink.
type Output struct {
	id    ids.ProcessorID
	Input ids.SoundInputID
	sink  Sink
}

// NewOutput registers an output processor on the transaction.
func NewOutput(tx *soundgraph.Transaction, sink Sink) (*Output, error) {
	o := &Output{sink: sink}
	o.id = tx.AddProcessor(o)
	input, err := tx.AddInput(o.id, soundgraph.InputOptions{
		Sync:  soundgraph.Synchronous,
		Chron: soundgraph.Isochronic,
	})
	if err != nil {
		return nil, err
	}
	o.Input = input
	return o, nil
}

// ID returns the processor's ID.
func (o *Output) ID() ids.ProcessorID {
	return o.id
}

// Kind implements soundgraph.ProcessorInstance.
func (o *Output) Kind() soundgraph.ProcessorKind {
	return soundgraph.Static
}

// Compile implements engine.SoundProcessor.
func (o *Output) Compile(pc *engine.ProcessorCompiler) engine.CompiledProcessor {
	return &compiledOutput{
		input: pc.CompileInput(o.Input),
		sink:  o.sink,
	}
}

type compiledOutput struct {
	input *engine.CompiledInput
	sink  Sink
}

func (co *compiledOutput) ProcessAudio(dst *audio.Chunk, ctx *engine.Context) audio.StreamStatus {
	co.input.Step(0, dst, ctx)
	// Non-finite samples are clamped at the output boundary; NaNs become
	// zero. No runtime error ever propagates past this point.
	dst.Clamp()
	if co.sink != nil {
		co.sink.PushChunk(dst)
	}
	return audio.Playing
}

func (co *compiledOutput) StartOver() {
	co.input.StartOver()
}
