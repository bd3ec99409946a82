package processors

import (
	"github.com/mkarjala/soundmesh/internal/audio"
	"github.com/mkarjala/soundmesh/internal/engine"
	"github.com/mkarjala/soundmesh/internal/ids"
	"github.com/mkarjala/soundmesh/internal/jit"
	"github.com/mkarjala/soundmesh/internal/soundgraph"
)

// ADSR shapes its input with an attack/decay/sustain/release envelope. The
// four segment parameters are expressions evaluated chunkwise at each phase
// transition; release is triggered by the sample-accurate pending-release
// event delivered through the context.
type ADSR struct {
	id    ids.ProcessorID
	Input ids.SoundInputID

	AttackTime   ids.ExpressionID
	DecayTime    ids.ExpressionID
	SustainLevel ids.ExpressionID
	ReleaseTime  ids.ExpressionID
}

// NewADSR registers an ADSR on the transaction.
func NewADSR(tx *soundgraph.Transaction) (*ADSR, error) {
	a := &ADSR{}
	a.id = tx.AddProcessor(a)

	input, err := tx.AddInput(a.id, soundgraph.InputOptions{
		Sync:  soundgraph.Synchronous,
		Chron: soundgraph.Isochronic,
	})
	if err != nil {
		return nil, err
	}
	a.Input = input

	for _, e := range []struct {
		dst          *ids.ExpressionID
		defaultValue float32
	}{
		{&a.AttackTime, 0.01},
		{&a.DecayTime, 0.2},
		{&a.SustainLevel, 0.5},
		{&a.ReleaseTime, 0.25},
	} {
		eid, err := tx.AddExpression(a.id, e.defaultValue, soundgraph.WithoutProcessorState())
		if err != nil {
			return nil, err
		}
		*e.dst = eid
	}
	return a, nil
}

// ID returns the processor's ID.
func (a *ADSR) ID() ids.ProcessorID {
	return a.id
}

// Kind implements soundgraph.ProcessorInstance.
func (a *ADSR) Kind() soundgraph.ProcessorKind {
	return soundgraph.Dynamic
}

// Compile implements engine.SoundProcessor.
func (a *ADSR) Compile(pc *engine.ProcessorCompiler) engine.CompiledProcessor {
	return &compiledADSR{
		input:        pc.CompileInput(a.Input),
		attackTime:   pc.CompileExpression(a.AttackTime),
		decayTime:    pc.CompileExpression(a.DecayTime),
		sustainLevel: pc.CompileExpression(a.SustainLevel),
		releaseTime:  pc.CompileExpression(a.ReleaseTime),
	}
}

type adsrPhase uint8

const (
	phaseInit adsrPhase = iota
	phaseAttack
	phaseDecay
	phaseSustain
	phaseRelease
)

type compiledADSR struct {
	input        *engine.CompiledInput
	attackTime   *jit.CompiledExpression
	decayTime    *jit.CompiledExpression
	sustainLevel *jit.CompiledExpression
	releaseTime  *jit.CompiledExpression

	phase             adsrPhase
	phaseSamples      int
	phaseSamplesSoFar int
	prevLevel         float32
	nextLevel         float32
	wasReleased       bool
}

// chunkedInterp writes the linear interpolation of the current envelope
// segment into the start of outLevel and returns how many samples it
// covered. samples is the total segment length, samplesSoFar how much of it
// earlier blocks already produced.
func chunkedInterp(outLevel []float32, samples, samplesSoFar int, prevLevel, nextLevel float32) int {
	samplesRemaining := samples - samplesSoFar
	firstValue := prevLevel
	if samples > 0 {
		firstValue = prevLevel + float32(samplesSoFar)/float32(samples)*(nextLevel-prevLevel)
	}
	if samplesRemaining <= len(outLevel) {
		audio.Linspace(outLevel[:samplesRemaining], firstValue, nextLevel)
		return samplesRemaining
	}
	samplesUntilBoundary := len(outLevel)
	lastValue := prevLevel + float32(samplesSoFar+samplesUntilBoundary)/float32(samples)*(nextLevel-prevLevel)
	audio.Linspace(outLevel, firstValue, lastValue)
	return samplesUntilBoundary
}

func (ca *compiledADSR) ProcessAudio(dst *audio.Chunk, ctx *engine.Context) audio.StreamStatus {
	pendingRelease, havePending := ctx.TakePendingRelease()

	if ca.phase == phaseInit {
		ca.phase = phaseAttack
		ca.prevLevel = 0
		ca.nextLevel = 1
		ca.phaseSamples = int(ca.attackTime.EvalScalar(jit.ChunkwiseTemporal(), ctx) * audio.SampleRate)
		ca.phaseSamplesSoFar = 0
	}

	cursor := 0
	level := ctx.ScratchSpace(audio.ChunkSize)
	status := audio.Playing

	if ca.phase == phaseAttack {
		covered := chunkedInterp(level, ca.phaseSamples, ca.phaseSamplesSoFar, ca.prevLevel, ca.nextLevel)
		ca.phaseSamplesSoFar += covered
		cursor += covered

		if cursor < audio.ChunkSize {
			ca.phase = phaseDecay
			ca.phaseSamplesSoFar = 0
			ca.phaseSamples = int(ca.decayTime.EvalScalar(jit.ChunkwiseTemporal(), ctx) * audio.SampleRate)
			ca.prevLevel = 1
			sustain := ca.sustainLevel.EvalScalar(jit.ChunkwiseTemporal(), ctx)
			if sustain < 0 {
				sustain = 0
			} else if sustain > 1 {
				sustain = 1
			}
			ca.nextLevel = sustain
		}
	}

	if ca.phase == phaseDecay {
		covered := chunkedInterp(level[cursor:], ca.phaseSamples, ca.phaseSamplesSoFar, ca.prevLevel, ca.nextLevel)
		ca.phaseSamplesSoFar += covered
		cursor += covered

		if cursor < audio.ChunkSize {
			ca.phase = phaseSustain
			// Sustain holds until a release arrives; nextLevel already holds
			// the sustain level after the decay transition.
			ca.phaseSamples = 0
			ca.phaseSamplesSoFar = 0
		}
	}

	if ca.phase == phaseSustain {
		releaseAt := -1
		switch {
		case ca.wasReleased:
			releaseAt = 0
		case havePending:
			releaseAt = pendingRelease
		}

		if releaseAt >= 0 {
			if releaseAt > cursor {
				audio.Fill(level[cursor:releaseAt], ca.nextLevel)
				cursor = releaseAt
			}
			ca.phase = phaseRelease
			ca.phaseSamples = int(ca.releaseTime.EvalScalar(jit.ChunkwiseTemporal(), ctx) * audio.SampleRate)
			ca.phaseSamplesSoFar = 0
			ca.prevLevel = ca.nextLevel
			ca.nextLevel = 0
		} else {
			audio.Fill(level[cursor:], ca.nextLevel)
			cursor = audio.ChunkSize
		}
	}

	if ca.phase == phaseRelease {
		covered := chunkedInterp(level[cursor:], ca.phaseSamples, ca.phaseSamplesSoFar, ca.prevLevel, 0)
		ca.phaseSamplesSoFar += covered
		cursor += covered

		if cursor < audio.ChunkSize {
			audio.Fill(level[cursor:], 0)
			cursor = audio.ChunkSize
			status = audio.Done
		}
	}

	if havePending {
		ca.wasReleased = true
	}

	ca.input.Step(0, dst, ctx)
	audio.MulInplace(dst.L[:], level)
	audio.MulInplace(dst.R[:], level)

	return status
}

func (ca *compiledADSR) StartOver() {
	ca.phase = phaseInit
	ca.phaseSamples = 0
	ca.phaseSamplesSoFar = 0
	ca.prevLevel = 0
	ca.nextLevel = 0
	ca.wasReleased = false
	ca.attackTime.StartOver()
	ca.decayTime.StartOver()
	ca.sustainLevel.StartOver()
	ca.releaseTime.StartOver()
	ca.input.StartOver()
}
