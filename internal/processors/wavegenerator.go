package processors

import (
	"math"

	"github.com/mkarjala/soundmesh/internal/audio"
	"github.com/mkarjala/soundmesh/internal/engine"
	"github.com/mkarjala/soundmesh/internal/ids"
	"github.com/mkarjala/soundmesh/internal/jit"
	"github.com/mkarjala/soundmesh/internal/soundgraph"
)

// WaveGenerator produces a periodic waveform. A frequency expression drives
// a phase accumulator wrapped into [0, 1); an amplitude expression is then
// evaluated with the phase exposed as a local array argument, so the
// waveform shape itself is an expression over phase.
type WaveGenerator struct {
	id ids.ProcessorID

	// Phase is the per-sample phase array argument available to the
	// amplitude expression.
	Phase ids.ArgumentID
	// Amplitude shapes the output from the phase; defaults to silence.
	Amplitude ids.ExpressionID
	// Frequency drives the phase accumulator in Hz.
	Frequency ids.ExpressionID
}

// NewWaveGenerator registers a wave generator on the transaction.
func NewWaveGenerator(tx *soundgraph.Transaction) (*WaveGenerator, error) {
	wg := &WaveGenerator{}
	wg.id = tx.AddProcessor(wg)

	phase, err := tx.AddArgument(wg.id, &soundgraph.ArrayArgument{})
	if err != nil {
		return nil, err
	}
	wg.Phase = phase

	amplitude, err := tx.AddExpression(wg.id, 0.0, soundgraph.WithLocals(phase))
	if err != nil {
		return nil, err
	}
	wg.Amplitude = amplitude

	frequency, err := tx.AddExpression(wg.id, 250.0, soundgraph.WithProcessorState())
	if err != nil {
		return nil, err
	}
	wg.Frequency = frequency
	return wg, nil
}

// ID returns the processor's ID.
func (wg *WaveGenerator) ID() ids.ProcessorID {
	return wg.id
}

// Kind implements soundgraph.ProcessorInstance.
func (wg *WaveGenerator) Kind() soundgraph.ProcessorKind {
	return soundgraph.Dynamic
}

// Compile implements engine.SoundProcessor.
func (wg *WaveGenerator) Compile(pc *engine.ProcessorCompiler) engine.CompiledProcessor {
	return &compiledWaveGenerator{
		proc:      wg,
		frequency: pc.CompileExpression(wg.Frequency),
		amplitude: pc.CompileExpression(wg.Amplitude),
	}
}

type waveGeneratorState struct {
	phase [audio.ChunkSize]float32
	// nextPhase carries the phase into the next block. Accumulated in
	// double precision so rounding doesn't drift audibly over long runs.
	nextPhase float64
}

type compiledWaveGenerator struct {
	proc      *WaveGenerator
	frequency *jit.CompiledExpression
	amplitude *jit.CompiledExpression
	state     waveGeneratorState
	locals    engine.LocalArrays
}

func (cw *compiledWaveGenerator) ProcessAudio(dst *audio.Chunk, ctx *engine.Context) audio.StreamStatus {
	ctx.SetProcessorState(&cw.state)

	tmp := ctx.ScratchSpace(audio.ChunkSize)
	cw.frequency.Eval(tmp, jit.SamplewiseTemporal(), ctx)

	// Accumulate per-sample phase increments and wrap into [0, 1).
	audio.DivScalarInplace(tmp, float32(audio.SampleRate))
	acc := cw.state.nextPhase
	for i := 0; i < audio.ChunkSize; i++ {
		cw.state.phase[i] = float32(acc - math.Floor(acc))
		acc += float64(tmp[i])
	}
	cw.state.nextPhase = acc - math.Floor(acc)

	cw.locals.Reset()
	cw.locals.Add(cw.proc.Phase, cw.state.phase[:])
	ctx.SetLocalArrays(&cw.locals)

	cw.amplitude.Eval(dst.L[:], jit.SamplewiseTemporal(), ctx)
	copy(dst.R[:], dst.L[:])

	return audio.Playing
}

func (cw *compiledWaveGenerator) StartOver() {
	audio.Fill(cw.state.phase[:], 0)
	cw.state.nextPhase = 0
	cw.frequency.StartOver()
	cw.amplitude.StartOver()
}
