package engine

import (
	"github.com/mkarjala/soundmesh/internal/audio"
	"github.com/mkarjala/soundmesh/internal/ids"
	"github.com/mkarjala/soundmesh/internal/soundgraph"
)

// LocalArrays is the set of array arguments a processor pushes for its
// expressions during one block. Reusable across blocks; Reset and re-Add.
type LocalArrays struct {
	args   []ids.ArgumentID
	slices [][]float32
}

// Reset clears all pushed arrays without releasing capacity.
func (la *LocalArrays) Reset() {
	la.args = la.args[:0]
	la.slices = la.slices[:0]
}

// Add pushes one local array for the argument.
func (la *LocalArrays) Add(arg ids.ArgumentID, slice []float32) {
	la.args = append(la.args, arg)
	la.slices = append(la.slices, slice)
}

func (la *LocalArrays) lookup(arg ids.ArgumentID) ([]float32, bool) {
	for i, a := range la.args {
		if a == arg {
			return la.slices[i], true
		}
	}
	return nil, false
}

// frameKind discriminates stack frames.
type frameKind uint8

const (
	processorFrame frameKind = iota
	inputFrame
)

// frame is one element of the execution stack maintained while the compiled
// processor tree is walked depth-first within a block.
type frame struct {
	kind frameKind

	processor   ids.ProcessorID
	input       ids.SoundInputID
	timeSamples int64
	speed       float32

	// processor frames only
	state  any
	locals *LocalArrays
}

// Context is handed down the compiled processor tree during one block. It
// lends scratch memory, carries the sample-accurate pending release offset,
// exposes the current processor-state snapshot to compiled expressions, and
// resolves processor and input timelines. One Context belongs to one audio
// thread; nothing here is safe for concurrent use.
type Context struct {
	graph   *soundgraph.Graph
	scratch *ScratchArena

	stack []frame

	// pendingRelease is the sample offset at which a release was requested,
	// or -1. Taken once by the processor that handles it.
	pendingRelease int

	// reports collects optional per-processor telemetry for this block,
	// bounded so the hot path never reallocates.
	reports []FiredReport
}

// FiredReport records that a processor fired at an absolute sample time.
type FiredReport struct {
	Processor ids.ProcessorID
	AtSample  int64
}

const maxReportsPerBlock = 64

// newContext returns a context for one block.
func newContext(g *soundgraph.Graph, scratch *ScratchArena) *Context {
	return &Context{
		graph:          g,
		scratch:        scratch,
		stack:          make([]frame, 0, 16),
		pendingRelease: -1,
	}
}

// startBlock resets per-block state.
func (ctx *Context) startBlock(pendingRelease int) {
	ctx.stack = ctx.stack[:0]
	ctx.pendingRelease = pendingRelease
	ctx.reports = ctx.reports[:0]
	ctx.scratch.Reset()
}

// ReportFired records best-effort telemetry that the current processor fired
// at the given offset into this block. Reports beyond the per-block bound
// are dropped.
func (ctx *Context) ReportFired(offsetInBlock int) {
	if len(ctx.reports) >= maxReportsPerBlock {
		return
	}
	for i := len(ctx.stack) - 1; i >= 0; i-- {
		f := &ctx.stack[i]
		if f.kind == processorFrame {
			ctx.reports = append(ctx.reports, FiredReport{
				Processor: f.processor,
				AtSample:  f.timeSamples + int64(offsetInBlock),
			})
			return
		}
	}
}

// ScratchSpace lends a zeroed slice for the duration of the block.
func (ctx *Context) ScratchSpace(n int) []float32 {
	return ctx.scratch.Alloc(n)
}

// ScratchChunk lends a silenced stereo chunk for the duration of the block.
func (ctx *Context) ScratchChunk() *audio.Chunk {
	return ctx.scratch.AllocChunk()
}

// TakePendingRelease consumes the pending release offset, if any.
func (ctx *Context) TakePendingRelease() (int, bool) {
	off := ctx.pendingRelease
	if off < 0 {
		return 0, false
	}
	ctx.pendingRelease = -1
	return off, true
}

// Graph returns the committed graph snapshot this block executes against.
func (ctx *Context) Graph() *soundgraph.Graph {
	return ctx.graph
}

// pushProcessorFrame enters a processor's scope. Called by the compiled tree
// around each ProcessAudio.
func (ctx *Context) pushProcessorFrame(pid ids.ProcessorID, timeSamples int64) {
	ctx.stack = append(ctx.stack, frame{
		kind:        processorFrame,
		processor:   pid,
		timeSamples: timeSamples,
		speed:       1,
	})
}

// pushInputFrame enters a sound input's scope while its target is stepped.
func (ctx *Context) pushInputFrame(owner ids.ProcessorID, iid ids.SoundInputID, timeSamples int64, speed float32) {
	ctx.stack = append(ctx.stack, frame{
		kind:        inputFrame,
		processor:   owner,
		input:       iid,
		timeSamples: timeSamples,
		speed:       speed,
	})
}

func (ctx *Context) popFrame() {
	ctx.stack = ctx.stack[:len(ctx.stack)-1]
}

// SetProcessorState exposes the current processor's state snapshot to
// expression argument reads for the rest of the frame.
func (ctx *Context) SetProcessorState(state any) {
	for i := len(ctx.stack) - 1; i >= 0; i-- {
		if ctx.stack[i].kind == processorFrame {
			ctx.stack[i].state = state
			return
		}
	}
}

// SetLocalArrays exposes the current processor's local array arguments.
func (ctx *Context) SetLocalArrays(locals *LocalArrays) {
	for i := len(ctx.stack) - 1; i >= 0; i-- {
		if ctx.stack[i].kind == processorFrame {
			ctx.stack[i].locals = locals
			return
		}
	}
}

func (ctx *Context) findProcessorFrame(pid ids.ProcessorID) *frame {
	for i := len(ctx.stack) - 1; i >= 0; i-- {
		f := &ctx.stack[i]
		if f.kind == processorFrame && f.processor == pid {
			return f
		}
	}
	return nil
}

// ReadArgumentScalar implements jit.RuntimeContext. Scalar arguments are
// captured from the owning processor's state snapshot at call time.
func (ctx *Context) ReadArgumentScalar(loc ids.ArgumentLocation) float32 {
	arg := ctx.graph.Argument(loc.Argument)
	if arg == nil {
		return 0
	}
	reader, ok := arg.Instance.(soundgraph.ScalarReader)
	if !ok {
		return 0
	}
	f := ctx.findProcessorFrame(loc.Processor)
	if f == nil || f.state == nil {
		return 0
	}
	return reader.ReadScalar(f.state)
}

// ReadArgumentArray implements jit.RuntimeContext. Array arguments are local
// slices pushed by the owner for the current block.
func (ctx *Context) ReadArgumentArray(loc ids.ArgumentLocation, n int) []float32 {
	f := ctx.findProcessorFrame(loc.Processor)
	if f == nil || f.locals == nil {
		return nil
	}
	if s, ok := f.locals.lookup(loc.Argument); ok {
		return s
	}
	return nil
}

// ProcessorTime implements jit.RuntimeContext.
func (ctx *Context) ProcessorTime(pid ids.ProcessorID) (elapsed, speed float32) {
	if f := ctx.findProcessorFrame(pid); f != nil {
		return float32(f.timeSamples) / float32(audio.SampleRate), f.speed
	}
	return 0, 1
}

// InputTime implements jit.RuntimeContext.
func (ctx *Context) InputTime(loc ids.InputLocation) (elapsed, speed float32) {
	for i := len(ctx.stack) - 1; i >= 0; i-- {
		f := &ctx.stack[i]
		if f.kind == inputFrame && f.input == loc.Input {
			return float32(f.timeSamples) / float32(audio.SampleRate), f.speed
		}
	}
	return 0, 1
}
