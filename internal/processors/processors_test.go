package processors_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkarjala/soundmesh/internal/audio"
	"github.com/mkarjala/soundmesh/internal/engine"
	"github.com/mkarjala/soundmesh/internal/exprgraph"
	"github.com/mkarjala/soundmesh/internal/exprnodes"
	"github.com/mkarjala/soundmesh/internal/ids"
	"github.com/mkarjala/soundmesh/internal/processors"
	"github.com/mkarjala/soundmesh/internal/soundgraph"
)

// captureSink collects every block pushed by the output processor.
type captureSink struct {
	samples []float32
}

func (cs *captureSink) PushChunk(c *audio.Chunk) {
	cs.samples = append(cs.samples, c.L[:]...)
}

func (cs *captureSink) at(i int) float32 {
	return cs.samples[i]
}

// connectConstant wires a constant node into an expression's result.
func connectConstant(tx *soundgraph.Transaction, eid ids.ExpressionID, value float32) error {
	node, err := tx.AddExpressionNode(eid, exprnodes.NewConstant(value))
	if err != nil {
		return err
	}
	return tx.SetExpressionResult(eid, exprgraph.NodeTarget(node))
}

// buildSineGraph wires output <- wavegen with frequency freqHz and
// amplitude sin(2*pi*phase).
func buildSineGraph(t *testing.T, e *engine.Engine, sink *captureSink, freqHz float32) {
	t.Helper()
	require.NoError(t, e.Edit(func(tx *soundgraph.Transaction) error {
		out, err := processors.NewOutput(tx, sink)
		if err != nil {
			return err
		}
		wg, err := processors.NewWaveGenerator(tx)
		if err != nil {
			return err
		}
		if err := tx.SetInputTarget(out.Input, wg.ID()); err != nil {
			return err
		}

		if err := connectConstant(tx, wg.Frequency, freqHz); err != nil {
			return err
		}

		// amplitude = sin(2*pi * phase)
		param, err := tx.AddParameterTarget(wg.Amplitude, soundgraph.ArgumentParamTarget(wg.Phase))
		if err != nil {
			return err
		}
		mul, err := tx.AddExpressionNode(wg.Amplitude, exprnodes.Multiply)
		if err != nil {
			return err
		}
		if err := tx.ConnectExpressionInput(wg.Amplitude, mul, 0, exprgraph.ParameterTarget(param)); err != nil {
			return err
		}
		if err := tx.SetExpressionDefault(wg.Amplitude, mul, 1, 2*math.Pi); err != nil {
			return err
		}
		sin, err := tx.AddExpressionNode(wg.Amplitude, exprnodes.Sin)
		if err != nil {
			return err
		}
		if err := tx.ConnectExpressionInput(wg.Amplitude, sin, 0, exprgraph.NodeTarget(mul)); err != nil {
			return err
		}
		return tx.SetExpressionResult(wg.Amplitude, exprgraph.NodeTarget(sin))
	}))
}

func TestSineWave(t *testing.T) {
	sink := &captureSink{}
	e := engine.New(engine.Config{})
	buildSineGraph(t, e, sink, 1)

	var chunk audio.Chunk
	blocks := (36000 / audio.ChunkSize) + 2
	for i := 0; i < blocks; i++ {
		e.ProcessBlock(&chunk)
	}

	// One hertz at 48 kHz: zero crossings and extrema at quarter periods.
	assert.InDelta(t, 0.0, sink.at(0), 1e-4)
	assert.InDelta(t, 1.0, sink.at(12000), 1e-4)
	assert.InDelta(t, 0.0, sink.at(24000), 1e-4)
	assert.InDelta(t, -1.0, sink.at(36000), 1e-4)
}

func TestADSREnvelope(t *testing.T) {
	sink := &captureSink{}
	e := engine.New(engine.Config{})

	require.NoError(t, e.Edit(func(tx *soundgraph.Transaction) error {
		out, err := processors.NewOutput(tx, sink)
		if err != nil {
			return err
		}
		adsr, err := processors.NewADSR(tx)
		if err != nil {
			return err
		}
		if err := tx.SetInputTarget(out.Input, adsr.ID()); err != nil {
			return err
		}
		src := tx.AddProcessor(&dcOne{})
		if err := tx.SetInputTarget(adsr.Input, src); err != nil {
			return err
		}

		// attack 0.01s, decay 0.2s, sustain 0.5, release 0.25s
		if err := connectConstant(tx, adsr.AttackTime, 0.01); err != nil {
			return err
		}
		if err := connectConstant(tx, adsr.DecayTime, 0.2); err != nil {
			return err
		}
		if err := connectConstant(tx, adsr.SustainLevel, 0.5); err != nil {
			return err
		}
		return connectConstant(tx, adsr.ReleaseTime, 0.25)
	}))

	var chunk audio.Chunk

	// Process up to the block containing sample 48000, then feed the
	// release at its in-block offset.
	releaseBlock := 48000 / audio.ChunkSize
	releaseOffset := 48000 % audio.ChunkSize
	for i := 0; i < releaseBlock; i++ {
		e.ProcessBlock(&chunk)
	}
	e.PendingRelease(releaseOffset)

	releaseSamples := int(math.Ceil(0.25 * audio.SampleRate))
	endSample := 48000 + releaseSamples
	for len(sink.samples) <= endSample+audio.ChunkSize {
		e.ProcessBlock(&chunk)
	}

	// Sustained at 0.5 just before release.
	assert.GreaterOrEqual(t, sink.at(48000), float32(0.49))

	// Strictly decreasing through the release segment.
	for i := 48001; i < endSample-1; i++ {
		require.Less(t, sink.at(i), sink.at(i-1), "sample %d", i)
	}

	// Exactly zero at and after the end of the release.
	for i := endSample; i < endSample+100; i++ {
		require.Equal(t, float32(0), sink.at(i), "sample %d", i)
	}
}

// dcOne emits constant 1 on both channels.
type dcOne struct{}

func (s *dcOne) Kind() soundgraph.ProcessorKind { return soundgraph.Dynamic }

func (s *dcOne) Compile(pc *engine.ProcessorCompiler) engine.CompiledProcessor {
	return &compiledDCOne{}
}

type compiledDCOne struct{}

func (c *compiledDCOne) ProcessAudio(dst *audio.Chunk, ctx *engine.Context) audio.StreamStatus {
	audio.Fill(dst.L[:], 1)
	audio.Fill(dst.R[:], 1)
	return audio.Playing
}

func (c *compiledDCOne) StartOver() {}

func TestOutputClampsAnomalies(t *testing.T) {
	sink := &captureSink{}
	e := engine.New(engine.Config{})

	require.NoError(t, e.Edit(func(tx *soundgraph.Transaction) error {
		out, err := processors.NewOutput(tx, sink)
		if err != nil {
			return err
		}
		src := tx.AddProcessor(&anomalySource{})
		return tx.SetInputTarget(out.Input, src)
	}))

	var chunk audio.Chunk
	e.ProcessBlock(&chunk)

	assert.Equal(t, float32(1), sink.at(0), "overrange clamps to 1")
	assert.Equal(t, float32(-1), sink.at(1), "underrange clamps to -1")
	assert.Equal(t, float32(0), sink.at(2), "NaN becomes zero")
}

type anomalySource struct{}

func (s *anomalySource) Kind() soundgraph.ProcessorKind { return soundgraph.Dynamic }

func (s *anomalySource) Compile(pc *engine.ProcessorCompiler) engine.CompiledProcessor {
	return &compiledAnomalySource{}
}

type compiledAnomalySource struct{}

func (c *compiledAnomalySource) ProcessAudio(dst *audio.Chunk, ctx *engine.Context) audio.StreamStatus {
	dst.Silence()
	dst.L[0] = 7
	dst.L[1] = -7
	dst.L[2] = float32(math.NaN())
	return audio.Playing
}

func (c *compiledAnomalySource) StartOver() {}

func TestMixerSumsInputs(t *testing.T) {
	sink := &captureSink{}
	e := engine.New(engine.Config{})

	require.NoError(t, e.Edit(func(tx *soundgraph.Transaction) error {
		out, err := processors.NewOutput(tx, sink)
		if err != nil {
			return err
		}
		mix, err := processors.NewMixer(tx, 2)
		if err != nil {
			return err
		}
		if err := tx.SetInputTarget(out.Input, mix.ID()); err != nil {
			return err
		}
		a := tx.AddProcessor(&dcValue{value: 0.25})
		b := tx.AddProcessor(&dcValue{value: 0.5})
		if err := tx.SetInputTarget(mix.Inputs[0], a); err != nil {
			return err
		}
		return tx.SetInputTarget(mix.Inputs[1], b)
	}))

	var chunk audio.Chunk
	e.ProcessBlock(&chunk)
	assert.InDelta(t, 0.75, sink.at(100), 1e-6)
}

type dcValue struct {
	value float32
}

func (s *dcValue) Kind() soundgraph.ProcessorKind { return soundgraph.Dynamic }

func (s *dcValue) Compile(pc *engine.ProcessorCompiler) engine.CompiledProcessor {
	return &compiledDCValue{value: s.value}
}

type compiledDCValue struct {
	value float32
}

func (c *compiledDCValue) ProcessAudio(dst *audio.Chunk, ctx *engine.Context) audio.StreamStatus {
	audio.Fill(dst.L[:], c.value)
	audio.Fill(dst.R[:], c.value)
	return audio.Playing
}

func (c *compiledDCValue) StartOver() {}

func TestWhiteNoiseBounded(t *testing.T) {
	sink := &captureSink{}
	e := engine.New(engine.Config{})

	require.NoError(t, e.Edit(func(tx *soundgraph.Transaction) error {
		out, err := processors.NewOutput(tx, sink)
		if err != nil {
			return err
		}
		wn, err := processors.NewWhiteNoise(tx)
		if err != nil {
			return err
		}
		return tx.SetInputTarget(out.Input, wn.ID())
	}))

	var chunk audio.Chunk
	e.ProcessBlock(&chunk)

	varied := false
	for i, v := range sink.samples {
		require.GreaterOrEqual(t, v, float32(-1), "sample %d", i)
		require.LessOrEqual(t, v, float32(1), "sample %d", i)
		if i > 0 && v != sink.samples[i-1] {
			varied = true
		}
	}
	assert.True(t, varied, "noise is not constant")
}
