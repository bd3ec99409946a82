package engine

import (
	"github.com/mkarjala/soundmesh/internal/audio"
	"github.com/mkarjala/soundmesh/internal/ids"
	"github.com/mkarjala/soundmesh/internal/jit"
	"github.com/mkarjala/soundmesh/internal/soundgraph"
)

// SoundProcessor is the full capability set of a processor implementation:
// the data-facing instance stored in the graph plus compilation into an
// executable form. Implementations live in the processors package or in
// third-party code.
type SoundProcessor interface {
	soundgraph.ProcessorInstance
	Compile(pc *ProcessorCompiler) CompiledProcessor
}

// CompiledProcessor is the step contract of one compiled processor state.
// ProcessAudio fills one stereo chunk and reports whether the processor will
// keep playing; StartOver resets all persistent state for a new voice.
type CompiledProcessor interface {
	ProcessAudio(dst *audio.Chunk, ctx *Context) audio.StreamStatus
	StartOver()
}

// GraphCompiler translates a validated sound graph into a tree of compiled
// processors wired together for execution, reusing the expression artifact
// cache across recompilations.
type GraphCompiler struct {
	graph *soundgraph.Graph
	cache *jit.Cache

	// Static processors have exactly one state; their compiled nodes are
	// shared between every input that targets them.
	staticNodes map[ids.ProcessorID]*processorNode

	disposables []Disposable
}

// NewGraphCompiler returns a compiler reading from the given graph snapshot.
func NewGraphCompiler(g *soundgraph.Graph, cache *jit.Cache) *GraphCompiler {
	return &GraphCompiler{
		graph:       g,
		cache:       cache,
		staticNodes: make(map[ids.ProcessorID]*processorNode),
	}
}

// Compile builds the executable tree rooted at every static processor.
func (gc *GraphCompiler) Compile() *CompiledGraph {
	cg := &CompiledGraph{revision: gc.graph.Revision(), graph: gc.graph}
	for _, pid := range gc.graph.StaticProcessorIDs() {
		cg.roots = append(cg.roots, gc.compileProcessor(pid))
	}
	cg.disposables = gc.disposables
	return cg
}

// compileProcessor compiles one state of a processor. Dynamic processors get
// a fresh replica per call; static processors are compiled once and shared.
func (gc *GraphCompiler) compileProcessor(pid ids.ProcessorID) *processorNode {
	proc := gc.graph.Processor(pid)
	if proc.Kind() == soundgraph.Static {
		if node, ok := gc.staticNodes[pid]; ok {
			return node
		}
	}
	inst, ok := proc.Instance.(SoundProcessor)
	if !ok {
		panic(&jit.CompileError{Reason: "processor instance is not compilable"})
	}
	node := &processorNode{pid: pid}
	if proc.Kind() == soundgraph.Static {
		// Register before compiling inputs so a diamond of static
		// dependencies resolves to one shared node.
		gc.staticNodes[pid] = node
	}
	node.inst = inst.Compile(&ProcessorCompiler{gc: gc, pid: pid})
	return node
}

// ProcessorCompiler is handed to a processor implementation while it
// compiles; it resolves the processor's own components.
type ProcessorCompiler struct {
	gc  *GraphCompiler
	pid ids.ProcessorID
}

// ProcessorID returns the processor being compiled.
func (pc *ProcessorCompiler) ProcessorID() ids.ProcessorID {
	return pc.pid
}

// Graph returns the graph snapshot being compiled.
func (pc *ProcessorCompiler) Graph() *soundgraph.Graph {
	return pc.gc.graph
}

// CompileExpression compiles one of the processor's expressions in normal
// mode, going through the artifact cache.
func (pc *ProcessorCompiler) CompileExpression(eid ids.ExpressionID) *jit.CompiledExpression {
	artifact := pc.gc.cache.CompileExpression(pc.gc.graph, eid, jit.NormalMode())
	inst := artifact.NewInstance()
	// The cache reference transfers to the instance.
	pc.gc.cache.Release(artifact)
	pc.gc.disposables = append(pc.gc.disposables, disposeFunc(inst.Dispose))
	return inst
}

// CompileInput compiles one of the processor's sound inputs, replicating the
// target per branch.
func (pc *ProcessorCompiler) CompileInput(iid ids.SoundInputID) *CompiledInput {
	si := pc.gc.graph.Input(iid)
	ci := &CompiledInput{
		id:      iid,
		owner:   pc.pid,
		options: si.Options,
		spanIdx: -1,
	}
	if si.Schedule != nil {
		ci.spans = append(ci.spans, si.Schedule.Spans()...)
	}
	n := si.Options.Branches()
	ci.branches = make([]*inputBranch, n)
	for i := 0; i < n; i++ {
		b := &inputBranch{speed: 1}
		if si.Target.IsValid() {
			b.target = pc.gc.compileProcessor(si.Target)
		}
		ci.branches[i] = b
	}
	return ci
}

// processorNode is one compiled state of a processor in the executable tree.
type processorNode struct {
	pid         ids.ProcessorID
	inst        CompiledProcessor
	timeSamples int64
}

// processAudio steps the node for one block inside a processor frame.
func (n *processorNode) processAudio(dst *audio.Chunk, ctx *Context) audio.StreamStatus {
	ctx.pushProcessorFrame(n.pid, n.timeSamples)
	status := n.inst.ProcessAudio(dst, ctx)
	ctx.popFrame()
	n.timeSamples += audio.ChunkSize
	return status
}

func (n *processorNode) startOver() {
	n.timeSamples = 0
	n.inst.StartOver()
}

// inputBranch is one replicated evaluation of a sound input.
type inputBranch struct {
	target      *processorNode
	timeSamples int64
	speed       float32
	status      audio.StreamStatus
}

// CompiledInput is the executable form of a sound input: one branch per
// concurrent evaluation, each owning a replica of the target (dynamic) or
// sharing the singleton (static).
type CompiledInput struct {
	id       ids.SoundInputID
	owner    ids.ProcessorID
	options  soundgraph.InputOptions
	branches []*inputBranch
	spans    []soundgraph.Span
	spanIdx  int
}

// NumBranches returns the branch count.
func (ci *CompiledInput) NumBranches() int {
	return len(ci.branches)
}

// Step evaluates the target of one branch for one block of dst. Synchronous
// inputs step in lockstep with the owner; non-synchronous inputs advance
// their own timeline.
func (ci *CompiledInput) Step(branch int, dst *audio.Chunk, ctx *Context) audio.StreamStatus {
	b := ci.branches[branch]
	if b.target == nil {
		dst.Silence()
		return audio.Playing
	}
	if b.status == audio.Done {
		dst.Silence()
		return audio.Done
	}

	if ci.options.Chron == soundgraph.Scheduled {
		return ci.stepScheduled(b, dst, ctx)
	}

	ctx.pushInputFrame(ci.owner, ci.id, b.timeSamples, b.speed)
	status := b.target.processAudio(dst, ctx)
	ctx.popFrame()
	b.timeSamples += audio.ChunkSize
	b.status = status
	return status
}

// stepScheduled renders only the stretches of the block covered by spans;
// entering a new span starts the target over.
func (ci *CompiledInput) stepScheduled(b *inputBranch, dst *audio.Chunk, ctx *Context) audio.StreamStatus {
	dst.Silence()
	blockStart := b.timeSamples
	blockEnd := blockStart + audio.ChunkSize

	tmp := ctx.ScratchChunk()
	for i := range ci.spans {
		span := ci.spans[i]
		if span.Start >= blockEnd || span.End() <= blockStart {
			continue
		}
		if span.Start >= blockStart && i != ci.spanIdx {
			// A span beginning within this block starts a fresh voice.
			ci.spanIdx = i
			b.target.startOver()
		}
		ctx.pushInputFrame(ci.owner, ci.id, b.timeSamples, b.speed)
		status := b.target.processAudio(tmp, ctx)
		ctx.popFrame()

		from := max64(span.Start, blockStart) - blockStart
		to := min64(span.End(), blockEnd) - blockStart
		for s := from; s < to; s++ {
			dst.L[s] = tmp.L[s]
			dst.R[s] = tmp.R[s]
		}
		_ = status
	}
	b.timeSamples += audio.ChunkSize
	return audio.Playing
}

// StartOver restarts every branch as a new voice.
func (ci *CompiledInput) StartOver() {
	for _, b := range ci.branches {
		b.timeSamples = 0
		b.status = audio.Playing
		if b.target != nil {
			b.target.startOver()
		}
	}
	ci.spanIdx = -1
}

// StartOverBranch restarts one branch, e.g. when a keyed input reallocates a
// key.
func (ci *CompiledInput) StartOverBranch(branch int) {
	b := ci.branches[branch]
	b.timeSamples = 0
	b.status = audio.Playing
	if b.target != nil {
		b.target.startOver()
	}
}

// CompiledGraph is the executable snapshot the audio thread walks each
// block. It owns every compiled expression instance created for it and is
// handed to the garbage channel when replaced.
type CompiledGraph struct {
	graph       *soundgraph.Graph
	roots       []*processorNode
	disposables []Disposable
	revision    uint64
}

// Revision is the graph revision this snapshot was compiled from.
func (cg *CompiledGraph) Revision() uint64 {
	return cg.revision
}

// process runs one block: a deterministic depth-first walk from each static
// root.
func (cg *CompiledGraph) process(dst *audio.Chunk, ctx *Context) {
	for _, root := range cg.roots {
		root.processAudio(dst, ctx)
	}
}

// startOver resets every root.
func (cg *CompiledGraph) startOver() {
	for _, root := range cg.roots {
		root.startOver()
	}
}

// Dispose releases every compiled expression owned by this snapshot. Runs on
// the garbage worker, never on the audio thread.
func (cg *CompiledGraph) Dispose() {
	for _, d := range cg.disposables {
		d.Dispose()
	}
	cg.disposables = nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
