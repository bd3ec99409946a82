package jit

import (
	"sync/atomic"

	"github.com/mkarjala/soundmesh/internal/audio"
)

// Init flag protocol: zero means uninitialised; the compiled function stores
// a non-zero value when it takes the startover path.
const (
	flagNotInitialized uint8 = 0
	flagInitialized    uint8 = 1
)

// Discretization scales the per-sample time step for one evaluation.
type Discretization struct {
	timeStep float32
}

// SamplewiseTemporal advances time by one sample per destination element.
func SamplewiseTemporal() Discretization {
	return Discretization{timeStep: audio.TimeStep}
}

// ChunkwiseTemporal advances time by a whole chunk per destination element,
// used when a scalar is evaluated once per block.
func ChunkwiseTemporal() Discretization {
	return Discretization{timeStep: float32(audio.ChunkSize) / float32(audio.SampleRate)}
}

// Artifact is one compiled expression: the executable program, its state
// layout, and strong references to every captured atomic scalar. Artifacts
// are immutable and shared; per-state mutable storage lives in
// CompiledExpression instances. The reference count tracks cache plus
// instance ownership.
type Artifact struct {
	prog        *program
	atomics     []*audio.AtomicF32
	fingerprint uint64
	numState    int

	refs  atomic.Int32
	cache *Cache
}

// Fingerprint is the content hash of (expression structure, parameter
// mapping, mode) this artifact was compiled from.
func (a *Artifact) Fingerprint() uint64 {
	return a.fingerprint
}

// StateSize is the length of the state array, the sum of per-node state
// sizes as visited during compilation.
func (a *Artifact) StateSize() int {
	return a.numState
}

// CodeSize is the emitted instruction count, observable for tests that
// assert shared subexpressions are emitted once.
func (a *Artifact) CodeSize() int {
	return a.prog.codeSize()
}

// RefCount returns the current number of owners.
func (a *Artifact) RefCount() int {
	return int(a.refs.Load())
}

// acquire adds an owner.
func (a *Artifact) acquire() *Artifact {
	a.refs.Add(1)
	return a
}

// release drops an owner; the last owner removes the artifact from its
// cache.
func (a *Artifact) release() {
	if a.refs.Add(-1) == 0 && a.cache != nil {
		a.cache.evict(a)
	}
}

// NewInstance allocates the per-state storage for running this artifact: a
// state array, the one-byte init flag adjacent to it, and the register file.
// The instance holds a reference on the artifact until Dispose.
func (a *Artifact) NewInstance() *CompiledExpression {
	a.acquire()
	return &CompiledExpression{
		artifact: a,
		es:       a.prog.newExecState(),
		state:    make([]float32, a.numState),
	}
}

// invoke runs the compiled function against dst. This is the stable ABI of
// §4.4: destination, length (implicit in dst), time step, context, init
// flag, state.
func (a *Artifact) invoke(dst []float32, timeStep float32, rt RuntimeContext, initFlag *uint8, state []float32, es *execState) {
	n := len(dst)
	if n == 0 {
		return
	}
	p := a.prog
	copy(es.regs, p.initRegs)
	p.run(SectionEntry, es, dst, timeStep, rt, state, a.atomics, 0, n)
	if *initFlag == flagNotInitialized {
		*initFlag = flagInitialized
		p.run(SectionStartover, es, dst, timeStep, rt, state, a.atomics, 0, n)
	} else {
		p.run(SectionResume, es, dst, timeStep, rt, state, a.atomics, 0, n)
	}
	p.run(SectionPreLoop, es, dst, timeStep, rt, state, a.atomics, 0, n)
	for i := 0; i < n; i++ {
		p.run(SectionLoop, es, dst, timeStep, rt, state, a.atomics, i, n)
	}
	p.run(SectionPostLoop, es, dst, timeStep, rt, state, a.atomics, 0, n)
}

// CompiledExpression is one state's instance of a compiled expression. Not
// safe for concurrent use; each processor state owns its own.
type CompiledExpression struct {
	artifact *Artifact
	es       *execState
	state    []float32
	initFlag uint8
}

// Artifact returns the shared compiled artifact.
func (ce *CompiledExpression) Artifact() *Artifact {
	return ce.artifact
}

// Eval runs the compiled expression, writing one sample per element of dst.
func (ce *CompiledExpression) Eval(dst []float32, d Discretization, rt RuntimeContext) {
	ce.artifact.invoke(dst, d.timeStep, rt, &ce.initFlag, ce.state, ce.es)
}

// EvalScalar evaluates a single sample, used for chunkwise scalar reads such
// as envelope segment durations.
func (ce *CompiledExpression) EvalScalar(d Discretization, rt RuntimeContext) float32 {
	var dst [1]float32
	ce.artifact.invoke(dst[:], d.timeStep, rt, &ce.initFlag, ce.state, ce.es)
	return dst[0]
}

// StartOver resets the init flag so the next evaluation takes the startover
// path and rebuilds per-node state.
func (ce *CompiledExpression) StartOver() {
	ce.initFlag = flagNotInitialized
}

// Initialized reports whether the expression has evaluated since the last
// startover.
func (ce *CompiledExpression) Initialized() bool {
	return ce.initFlag != flagNotInitialized
}

// Dispose releases the instance's reference on the artifact. Call off the
// audio thread; the engine routes disposal through the garbage channel.
func (ce *CompiledExpression) Dispose() {
	if ce.artifact != nil {
		ce.artifact.release()
		ce.artifact = nil
	}
}
