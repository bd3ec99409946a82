package engine_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkarjala/soundmesh/internal/audio"
	"github.com/mkarjala/soundmesh/internal/engine"
	"github.com/mkarjala/soundmesh/internal/errors"
	"github.com/mkarjala/soundmesh/internal/exprgraph"
	"github.com/mkarjala/soundmesh/internal/exprnodes"
	"github.com/mkarjala/soundmesh/internal/ids"
	"github.com/mkarjala/soundmesh/internal/jit"
	"github.com/mkarjala/soundmesh/internal/soundgraph"
)

// dcSource emits a constant value on both channels.
type dcSource struct {
	value float32
}

func (s *dcSource) Kind() soundgraph.ProcessorKind { return soundgraph.Dynamic }

func (s *dcSource) Compile(pc *engine.ProcessorCompiler) engine.CompiledProcessor {
	return &compiledDCSource{value: s.value}
}

type compiledDCSource struct {
	value float32
}

func (c *compiledDCSource) ProcessAudio(dst *audio.Chunk, ctx *engine.Context) audio.StreamStatus {
	audio.Fill(dst.L[:], c.value)
	audio.Fill(dst.R[:], c.value)
	return audio.Playing
}

func (c *compiledDCSource) StartOver() {}

// rootSink is a static root capturing what its input produces.
type rootSink struct {
	id      ids.ProcessorID
	Input   ids.SoundInputID
	capture bool

	captured [][]float32
}

func newRootSink(tx *soundgraph.Transaction) (*rootSink, error) {
	r := &rootSink{capture: true}
	r.id = tx.AddProcessor(r)
	input, err := tx.AddInput(r.id, soundgraph.InputOptions{
		Sync:  soundgraph.Synchronous,
		Chron: soundgraph.Isochronic,
	})
	if err != nil {
		return nil, err
	}
	r.Input = input
	return r, nil
}

func (r *rootSink) Kind() soundgraph.ProcessorKind { return soundgraph.Static }

func (r *rootSink) Compile(pc *engine.ProcessorCompiler) engine.CompiledProcessor {
	return &compiledRootSink{root: r, input: pc.CompileInput(r.Input)}
}

type compiledRootSink struct {
	root  *rootSink
	input *engine.CompiledInput
}

func (c *compiledRootSink) ProcessAudio(dst *audio.Chunk, ctx *engine.Context) audio.StreamStatus {
	c.input.Step(0, dst, ctx)
	if c.root.capture {
		block := make([]float32, audio.ChunkSize)
		copy(block, dst.L[:])
		c.root.captured = append(c.root.captured, block)
	}
	return audio.Playing
}

func (c *compiledRootSink) StartOver() {
	c.input.StartOver()
}

func TestEditAndProcess(t *testing.T) {
	e := engine.New(engine.Config{})

	var root *rootSink
	require.NoError(t, e.Edit(func(tx *soundgraph.Transaction) error {
		var err error
		root, err = newRootSink(tx)
		if err != nil {
			return err
		}
		src := tx.AddProcessor(&dcSource{value: 0.5})
		return tx.SetInputTarget(root.Input, src)
	}))

	var chunk audio.Chunk
	e.ProcessBlock(&chunk)

	require.Len(t, root.captured, 1)
	for i, v := range root.captured[0] {
		require.Equal(t, float32(0.5), v, "sample %d", i)
	}
}

func TestEditTakesEffectWithinTwoBlocks(t *testing.T) {
	e := engine.New(engine.Config{})

	var root *rootSink
	require.NoError(t, e.Edit(func(tx *soundgraph.Transaction) error {
		var err error
		root, err = newRootSink(tx)
		if err != nil {
			return err
		}
		src := tx.AddProcessor(&dcSource{value: 0.25})
		return tx.SetInputTarget(root.Input, src)
	}))

	var chunk audio.Chunk
	e.ProcessBlock(&chunk)
	assert.Equal(t, float32(0.25), chunk.L[0])

	// Swap the source amplitude via a fresh processor.
	require.NoError(t, e.Edit(func(tx *soundgraph.Transaction) error {
		if err := tx.ClearInputTarget(root.Input); err != nil {
			return err
		}
		src := tx.AddProcessor(&dcSource{value: 0.75})
		return tx.SetInputTarget(root.Input, src)
	}))

	e.ProcessBlock(&chunk)
	e.ProcessBlock(&chunk)
	assert.Equal(t, float32(0.75), chunk.L[0])

	// The replaced snapshot went to the garbage channel.
	e.DrainGarbage()
}

func TestRejectedEditKeepsAudioIdentical(t *testing.T) {
	e := engine.New(engine.Config{})

	var root *rootSink
	require.NoError(t, e.Edit(func(tx *soundgraph.Transaction) error {
		var err error
		root, err = newRootSink(tx)
		if err != nil {
			return err
		}
		src := tx.AddProcessor(&dcSource{value: 0.5})
		return tx.SetInputTarget(root.Input, src)
	}))

	err := e.Edit(func(tx *soundgraph.Transaction) error {
		consumer := tx.AddProcessor(&dcSource{value: 0})
		branched, err := tx.AddInput(consumer, soundgraph.InputOptions{
			Sync:        soundgraph.Synchronous,
			Chron:       soundgraph.Branched,
			BranchCount: 2,
		})
		if err != nil {
			return err
		}
		return tx.SetInputTarget(branched, root.id)
	})
	require.Error(t, err)
	assert.Equal(t, errors.CategoryStaticMultipleStates, errors.CategoryOf(err))

	var chunk audio.Chunk
	e.ProcessBlock(&chunk)
	assert.Equal(t, float32(0.5), chunk.L[0])
}

func TestExpressionDrivenSource(t *testing.T) {
	// A source whose gain is a compiled expression over a variable.
	e := engine.New(engine.Config{})

	gain := exprnodes.NewVariable(0.5)

	var root *rootSink
	var src *exprSource
	require.NoError(t, e.Edit(func(tx *soundgraph.Transaction) error {
		var err error
		root, err = newRootSink(tx)
		if err != nil {
			return err
		}
		src, err = newExprSource(tx, gain)
		if err != nil {
			return err
		}
		return tx.SetInputTarget(root.Input, src.id)
	}))

	var chunk audio.Chunk
	e.ProcessBlock(&chunk)
	assert.InDelta(t, 0.5, chunk.L[17], 1e-6)

	// Control-thread mutation is visible to the compiled expression on the
	// next block via the captured atomic.
	gain.Set(0.9)
	e.ProcessBlock(&chunk)
	assert.InDelta(t, 0.9, chunk.L[17], 1e-6)
}

// exprSource fills its output from one expression.
type exprSource struct {
	id   ids.ProcessorID
	Gain ids.ExpressionID
}

func newExprSource(tx *soundgraph.Transaction, gain *exprnodes.Variable) (*exprSource, error) {
	s := &exprSource{}
	s.id = tx.AddProcessor(s)
	eid, err := tx.AddExpression(s.id, 0, soundgraph.WithProcessorState())
	if err != nil {
		return nil, err
	}
	node, err := tx.AddExpressionNode(eid, gain)
	if err != nil {
		return nil, err
	}
	if err := tx.SetExpressionResult(eid, exprgraph.NodeTarget(node)); err != nil {
		return nil, err
	}
	s.Gain = eid
	return s, nil
}

func (s *exprSource) Kind() soundgraph.ProcessorKind { return soundgraph.Dynamic }

func (s *exprSource) Compile(pc *engine.ProcessorCompiler) engine.CompiledProcessor {
	return &compiledExprSource{gain: pc.CompileExpression(s.Gain)}
}

type compiledExprSource struct {
	gain *jit.CompiledExpression
}

func (c *compiledExprSource) ProcessAudio(dst *audio.Chunk, ctx *engine.Context) audio.StreamStatus {
	c.gain.Eval(dst.L[:], jit.SamplewiseTemporal(), ctx)
	copy(dst.R[:], dst.L[:])
	return audio.Playing
}

func (c *compiledExprSource) StartOver() {
	c.gain.StartOver()
}

// countingSource produces the number of blocks each compiled replica has
// processed, which makes state replication observable.
type countingSource struct{}

func (s *countingSource) Kind() soundgraph.ProcessorKind { return soundgraph.Dynamic }

func (s *countingSource) Compile(pc *engine.ProcessorCompiler) engine.CompiledProcessor {
	return &compiledCountingSource{}
}

type compiledCountingSource struct {
	blocks int
}

func (c *compiledCountingSource) ProcessAudio(dst *audio.Chunk, ctx *engine.Context) audio.StreamStatus {
	c.blocks++
	audio.Fill(dst.L[:], float32(c.blocks))
	audio.Fill(dst.R[:], float32(c.blocks))
	return audio.Playing
}

func (c *compiledCountingSource) StartOver() {
	c.blocks = 0
}

// branchedConsumer owns one branched input and sums its branches.
type branchedConsumer struct {
	id    ids.ProcessorID
	Input ids.SoundInputID
}

func newBranchedConsumer(tx *soundgraph.Transaction, branches int) (*branchedConsumer, error) {
	b := &branchedConsumer{}
	b.id = tx.AddProcessor(b)
	input, err := tx.AddInput(b.id, soundgraph.InputOptions{
		Sync:        soundgraph.Synchronous,
		Chron:       soundgraph.Branched,
		BranchCount: branches,
	})
	if err != nil {
		return nil, err
	}
	b.Input = input
	return b, nil
}

func (b *branchedConsumer) Kind() soundgraph.ProcessorKind { return soundgraph.Dynamic }

func (b *branchedConsumer) Compile(pc *engine.ProcessorCompiler) engine.CompiledProcessor {
	return &compiledBranchedConsumer{input: pc.CompileInput(b.Input)}
}

type compiledBranchedConsumer struct {
	input *engine.CompiledInput
}

func (c *compiledBranchedConsumer) ProcessAudio(dst *audio.Chunk, ctx *engine.Context) audio.StreamStatus {
	dst.Silence()
	for b := 0; b < c.input.NumBranches(); b++ {
		tmp := ctx.ScratchChunk()
		c.input.Step(b, tmp, ctx)
		dst.AddFrom(tmp)
	}
	return audio.Playing
}

func (c *compiledBranchedConsumer) StartOver() {
	c.input.StartOver()
}

func TestBranchedInputReplicatesState(t *testing.T) {
	e := engine.New(engine.Config{})

	var root *rootSink
	var consumer *branchedConsumer
	require.NoError(t, e.Edit(func(tx *soundgraph.Transaction) error {
		var err error
		root, err = newRootSink(tx)
		if err != nil {
			return err
		}
		consumer, err = newBranchedConsumer(tx, 2)
		if err != nil {
			return err
		}
		if err := tx.SetInputTarget(root.Input, consumer.id); err != nil {
			return err
		}
		src := tx.AddProcessor(&countingSource{})
		return tx.SetInputTarget(consumer.Input, src)
	}))

	var chunk audio.Chunk
	e.ProcessBlock(&chunk)
	// Two independent replicas each produced their first block.
	assert.Equal(t, float32(2), chunk.L[0])

	e.ProcessBlock(&chunk)
	assert.Equal(t, float32(4), chunk.L[0])
}

// scheduledConsumer owns one scheduled input and forwards it.
type scheduledConsumer struct {
	id    ids.ProcessorID
	Input ids.SoundInputID
}

func newScheduledConsumer(tx *soundgraph.Transaction) (*scheduledConsumer, error) {
	s := &scheduledConsumer{}
	s.id = tx.AddProcessor(s)
	input, err := tx.AddInput(s.id, soundgraph.InputOptions{
		Sync:  soundgraph.Synchronous,
		Chron: soundgraph.Scheduled,
	})
	if err != nil {
		return nil, err
	}
	s.Input = input
	return s, nil
}

func (s *scheduledConsumer) Kind() soundgraph.ProcessorKind { return soundgraph.Dynamic }

func (s *scheduledConsumer) Compile(pc *engine.ProcessorCompiler) engine.CompiledProcessor {
	return &compiledScheduledConsumer{input: pc.CompileInput(s.Input)}
}

type compiledScheduledConsumer struct {
	input *engine.CompiledInput
}

func (c *compiledScheduledConsumer) ProcessAudio(dst *audio.Chunk, ctx *engine.Context) audio.StreamStatus {
	return c.input.Step(0, dst, ctx)
}

func (c *compiledScheduledConsumer) StartOver() {
	c.input.StartOver()
}

func TestScheduledInputGatesTarget(t *testing.T) {
	e := engine.New(engine.Config{})

	var root *rootSink
	require.NoError(t, e.Edit(func(tx *soundgraph.Transaction) error {
		var err error
		root, err = newRootSink(tx)
		if err != nil {
			return err
		}
		sched, err := newScheduledConsumer(tx)
		if err != nil {
			return err
		}
		if err := tx.SetInputTarget(root.Input, sched.id); err != nil {
			return err
		}
		src := tx.AddProcessor(&dcSource{value: 1})
		if err := tx.SetInputTarget(sched.Input, src); err != nil {
			return err
		}
		// Audible only for samples [100, 300).
		_, err = tx.AddSpan(sched.Input, 100, 200)
		return err
	}))

	var chunk audio.Chunk
	e.ProcessBlock(&chunk)

	assert.Equal(t, float32(0), chunk.L[50], "silent before the span")
	assert.Equal(t, float32(1), chunk.L[100], "audible at span start")
	assert.Equal(t, float32(1), chunk.L[299], "audible through the span")
	assert.Equal(t, float32(0), chunk.L[300], "silent after the span")
}

// reportCollector collects telemetry reports.
type reportCollector struct {
	reports []engine.FiredReport
}

func (rc *reportCollector) ProcessorFired(r engine.FiredReport) {
	rc.reports = append(rc.reports, r)
}

// firingSource emits silence and reports a fire at the top of every block.
type firingSource struct{}

func (s *firingSource) Kind() soundgraph.ProcessorKind { return soundgraph.Dynamic }

func (s *firingSource) Compile(pc *engine.ProcessorCompiler) engine.CompiledProcessor {
	return &compiledFiringSource{}
}

type compiledFiringSource struct{}

func (c *compiledFiringSource) ProcessAudio(dst *audio.Chunk, ctx *engine.Context) audio.StreamStatus {
	dst.Silence()
	ctx.ReportFired(0)
	return audio.Playing
}

func (c *compiledFiringSource) StartOver() {}

func TestTelemetryReports(t *testing.T) {
	rc := &reportCollector{}
	e := engine.New(engine.Config{Reports: rc})

	require.NoError(t, e.Edit(func(tx *soundgraph.Transaction) error {
		root, err := newRootSink(tx)
		if err != nil {
			return err
		}
		root.capture = false
		src := tx.AddProcessor(&firingSource{})
		return tx.SetInputTarget(root.Input, src)
	}))

	var chunk audio.Chunk
	e.ProcessBlock(&chunk)
	e.ProcessBlock(&chunk)

	require.Len(t, rc.reports, 2)
	assert.Equal(t, int64(0), rc.reports[0].AtSample)
	assert.Equal(t, int64(audio.ChunkSize), rc.reports[1].AtSample)
}

func TestGarbageChannel(t *testing.T) {
	gc := engine.NewGarbageChannel(4)

	var disposed atomic.Int32
	d := disposeCounter{&disposed}

	gc.Toss(d)
	gc.Toss(d)
	assert.Equal(t, int32(0), disposed.Load())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = gc.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return disposed.Load() == 2
	}, time.Second, time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, uint64(2), gc.Disposed())
}

func TestGarbageChannelOverflowDisposesInline(t *testing.T) {
	gc := engine.NewGarbageChannel(1)

	var disposed atomic.Int32
	d := disposeCounter{&disposed}

	gc.Toss(d)
	gc.Toss(d) // overflows, disposed inline
	assert.Equal(t, int32(1), disposed.Load())
	assert.Equal(t, uint64(1), gc.Overflowed())
}

type disposeCounter struct {
	n *atomic.Int32
}

func (d disposeCounter) Dispose() { d.n.Add(1) }

func TestScratchArena(t *testing.T) {
	a := engine.NewScratchArena()

	s1 := a.Alloc(100)
	s2 := a.Alloc(200)
	assert.Len(t, s1, 100)
	assert.Len(t, s2, 200)

	s1[0] = 42
	a.Reset()

	s3 := a.Alloc(100)
	assert.Equal(t, float32(0), s3[0], "scratch memory is zeroed on reuse")

	c1 := a.AllocChunk()
	c1.L[0] = 1
	a.Reset()
	c2 := a.AllocChunk()
	assert.Equal(t, float32(0), c2.L[0], "chunks are silenced on reuse")
}

func TestStartStop(t *testing.T) {
	e := engine.New(engine.Config{})

	require.NoError(t, e.Edit(func(tx *soundgraph.Transaction) error {
		root, err := newRootSink(tx)
		if err == nil {
			root.capture = false
		}
		return err
	}))

	require.NoError(t, e.Start(context.Background()))
	assert.Error(t, e.Start(context.Background()), "second start is rejected")
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, e.Stop())
	assert.Error(t, e.Stop(), "second stop is rejected")
}
