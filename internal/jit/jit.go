// Package jit compiles expression graphs into executable programs that
// write sample buffers. One expression becomes one flat register program
// with the fixed section structure entry / check_startover / startover /
// resume / pre_loop / loop / post_loop / exit; node kernels may emit into
// any section through the Compiler. Compiled artifacts own their state
// layout and captured atomic scalars and are shared through a fingerprint
// cache.
package jit

import (
	"fmt"
	"math"

	"github.com/mkarjala/soundmesh/internal/audio"
	"github.com/mkarjala/soundmesh/internal/exprgraph"
	"github.com/mkarjala/soundmesh/internal/ids"
	"github.com/mkarjala/soundmesh/internal/soundgraph"
)

// Component identifier for compiler errors
const Component = "jit"

// RuntimeContext supplies the values a compiled expression resolves at the
// start of each block: argument reads against the current processor-state
// snapshot and processor/input timelines. The engine's execution context
// implements it; test harnesses provide stubs.
type RuntimeContext interface {
	ReadArgumentScalar(loc ids.ArgumentLocation) float32
	ReadArgumentArray(loc ids.ArgumentLocation, n int) []float32
	ProcessorTime(id ids.ProcessorID) (elapsed, speed float32)
	InputTime(loc ids.InputLocation) (elapsed, speed float32)
}

// CompilableKernel is the compile capability of an expression node kernel.
// Kernels that only describe data stay in exprgraph; anything reaching the
// compiler must also implement this.
type CompilableKernel interface {
	exprgraph.Kernel
	Compile(c *Compiler, inputs []Value, state []Slot) Value
}

// CompilableArgument lets an argument instance provide its own evaluation
// snippet. Arguments without it are compiled from their origin kind.
type CompilableArgument interface {
	CompileEvaluation(c *Compiler, loc ids.ArgumentLocation) Value
}

// CompileError is raised (as a panic) when emission or verification fails.
// Such failures indicate an internal inconsistency, not a recoverable fault.
type CompileError struct {
	Reason string
}

func (e *CompileError) Error() string {
	return "expression compilation failed: " + e.Reason
}

func abortCompile(format string, args ...any) {
	panic(&CompileError{Reason: fmt.Sprintf(format, args...)})
}

func errBadProgram(reason string, sec Section) error {
	return &CompileError{Reason: fmt.Sprintf("%s (section %s)", reason, sec)}
}

// StateOffset records where one node's persistent slots start in the state
// array. Slot ranges are concatenated in visitation order.
type StateOffset struct {
	Node   ids.ExpressionNodeID
	Offset int
}

// Compiler emits one expression into a program. It is handed to node kernels
// and argument instances during compilation; they emit through its methods
// into the section selected with SetSection.
type Compiler struct {
	graph *soundgraph.Graph
	expr  *soundgraph.Expression
	mode  Mode

	cur      Section
	sections [numSections][]instr

	numRegs  int32
	initRegs []float32
	constReg map[uint32]Value

	compiledTargets map[exprgraph.Target]Value

	stateOffsets []StateOffset
	numState     int

	scalarReads []ids.ArgumentLocation
	arrayReads  []ids.ArgumentLocation
	timeRefs    []timeRef
	atomics     []*audio.AtomicF32

	timeStepReg Value
	loopIdxReg  Value
}

func newCompiler(g *soundgraph.Graph, expr *soundgraph.Expression, mode Mode) *Compiler {
	return &Compiler{
		graph:           g,
		expr:            expr,
		mode:            mode,
		cur:             SectionLoop,
		constReg:        make(map[uint32]Value),
		compiledTargets: make(map[exprgraph.Target]Value),
		timeStepReg:     -1,
		loopIdxReg:      -1,
	}
}

// Section returns the current insertion point.
func (c *Compiler) Section() Section {
	return c.cur
}

// SetSection moves the insertion point and returns the previous one.
func (c *Compiler) SetSection(s Section) Section {
	prev := c.cur
	c.cur = s
	return prev
}

func (c *Compiler) emit(in instr) {
	c.sections[c.cur] = append(c.sections[c.cur], in)
}

func (c *Compiler) newReg(seed float32) Value {
	r := Value(c.numRegs)
	c.numRegs++
	c.initRegs = append(c.initRegs, seed)
	return r
}

// Constant returns a register holding v. Constants are materialized in the
// register seed, never re-loaded in the loop, and deduplicated by bit
// pattern.
func (c *Compiler) Constant(v float32) Value {
	bits := math.Float32bits(v)
	if r, ok := c.constReg[bits]; ok {
		return r
	}
	r := c.newReg(v)
	c.constReg[bits] = r
	return r
}

// Add emits dst = a + b in the current section.
func (c *Compiler) Add(a, b Value) Value {
	dst := c.newReg(0)
	c.emit(instr{op: opAdd, dst: int32(dst), a: int32(a), b: int32(b)})
	return dst
}

// Sub emits dst = a - b.
func (c *Compiler) Sub(a, b Value) Value {
	dst := c.newReg(0)
	c.emit(instr{op: opSub, dst: int32(dst), a: int32(a), b: int32(b)})
	return dst
}

// Mul emits dst = a * b.
func (c *Compiler) Mul(a, b Value) Value {
	dst := c.newReg(0)
	c.emit(instr{op: opMul, dst: int32(dst), a: int32(a), b: int32(b)})
	return dst
}

// Div emits dst = a / b.
func (c *Compiler) Div(a, b Value) Value {
	dst := c.newReg(0)
	c.emit(instr{op: opDiv, dst: int32(dst), a: int32(a), b: int32(b)})
	return dst
}

// Neg emits dst = -a.
func (c *Compiler) Neg(a Value) Value {
	dst := c.newReg(0)
	c.emit(instr{op: opNeg, dst: int32(dst), a: int32(a)})
	return dst
}

// Assign emits dst = src, overwriting an existing register. Kernels use it
// to update loop-carried values in place.
func (c *Compiler) Assign(dst, src Value) {
	c.emit(instr{op: opAdd, dst: int32(dst), a: int32(src), b: int32(c.Constant(0))})
}

// UnaryIntrinsic emits a call into the unary intrinsic table. Unknown names
// abort compilation.
func (c *Compiler) UnaryIntrinsic(name string, a Value) Value {
	idx, ok := findUnaryIntrinsic(name)
	if !ok {
		abortCompile("unknown unary intrinsic %q", name)
	}
	dst := c.newReg(0)
	c.emit(instr{op: opUnary, dst: int32(dst), a: int32(a), aux: idx})
	return dst
}

// BinaryIntrinsic emits a call into the binary intrinsic table.
func (c *Compiler) BinaryIntrinsic(name string, a, b Value) Value {
	idx, ok := findBinaryIntrinsic(name)
	if !ok {
		abortCompile("unknown binary intrinsic %q", name)
	}
	dst := c.newReg(0)
	c.emit(instr{op: opBinary, dst: int32(dst), a: int32(a), b: int32(b), aux: idx})
	return dst
}

// Pow emits a**b. A dedicated intrinsic exists; without one this would lower
// to exp(b*log(a)).
func (c *Compiler) Pow(a, b Value) Value {
	return c.BinaryIntrinsic("pow", a, b)
}

// LoadState emits a read of a persistent slot into a register in the current
// section.
func (c *Compiler) LoadState(s Slot) Value {
	dst := c.newReg(0)
	c.emit(instr{op: opLoadState, dst: int32(dst), aux: int32(s)})
	return dst
}

// StoreState emits a write of v into a persistent slot in the current
// section.
func (c *Compiler) StoreState(s Slot, v Value) {
	c.emit(instr{op: opStoreState, a: int32(v), aux: int32(s)})
}

// TimeStep returns the register holding the per-sample time step, resolved
// once in the entry section.
func (c *Compiler) TimeStep() Value {
	if c.timeStepReg >= 0 {
		return c.timeStepReg
	}
	prev := c.SetSection(SectionEntry)
	dst := c.newReg(0)
	c.emit(instr{op: opTimeStep, dst: int32(dst)})
	c.SetSection(prev)
	c.timeStepReg = dst
	return dst
}

// LoopIndexF returns the loop counter as a float, recomputed each iteration
// in the loop section.
func (c *Compiler) LoopIndexF() Value {
	if c.loopIdxReg >= 0 {
		return c.loopIdxReg
	}
	prev := c.SetSection(SectionLoop)
	dst := c.newReg(0)
	c.emit(instr{op: opLoopIndexF, dst: int32(dst)})
	c.SetSection(prev)
	c.loopIdxReg = dst
	return dst
}

// AtomicLoad captures a host-owned atomic scalar. The value is read with
// sequentially consistent ordering once in the entry block, not in the loop,
// and the artifact keeps a strong reference so the captured memory lives as
// long as the compiled code.
func (c *Compiler) AtomicLoad(v *audio.AtomicF32) Value {
	prev := c.SetSection(SectionEntry)
	dst := c.newReg(0)
	c.emit(instr{op: opAtomicLoad, dst: int32(dst), aux: int32(len(c.atomics))})
	c.atomics = append(c.atomics, v)
	c.SetSection(prev)
	return dst
}

// readArgumentScalar resolves a scalar argument once per block in the entry
// section.
func (c *Compiler) readArgumentScalar(loc ids.ArgumentLocation) Value {
	prev := c.SetSection(SectionEntry)
	dst := c.newReg(0)
	c.emit(instr{op: opReadScalar, dst: int32(dst), aux: int32(len(c.scalarReads))})
	c.scalarReads = append(c.scalarReads, loc)
	c.SetSection(prev)
	return dst
}

// readArgumentArray binds an array argument in the entry section and indexes
// it with the loop counter each iteration.
func (c *Compiler) readArgumentArray(loc ids.ArgumentLocation) Value {
	arrayIdx := int32(len(c.arrayReads))
	c.arrayReads = append(c.arrayReads, loc)

	prev := c.SetSection(SectionEntry)
	c.emit(instr{op: opBindArray, dst: arrayIdx, aux: arrayIdx})
	c.SetSection(SectionLoop)
	dst := c.newReg(0)
	c.emit(instr{op: opArrayElem, dst: int32(dst), aux: arrayIdx})
	c.SetSection(prev)
	return dst
}

// timeValue resolves a processor or input timeline: base time and speed are
// fetched in the entry section, the per-sample offset is added in the loop.
func (c *Compiler) timeValue(ref timeRef) Value {
	refIdx := int32(len(c.timeRefs))
	c.timeRefs = append(c.timeRefs, ref)

	prev := c.SetSection(SectionEntry)
	base := c.newReg(0)
	c.emit(instr{op: opTimeBase, dst: int32(base), aux: refIdx})
	speed := c.newReg(0)
	c.emit(instr{op: opTimeSpeed, dst: int32(speed), aux: refIdx})
	adjStep := c.Mul(speed, c.TimeStep())
	c.SetSection(SectionLoop)
	offset := c.Mul(c.LoopIndexF(), adjStep)
	t := c.Add(base, offset)
	c.SetSection(prev)
	return t
}

// linearRamp emits from + (i/len)*(to-from), the test-mode substitution for
// a with-respect-to argument.
func (c *Compiler) linearRamp(from, to float32) Value {
	prev := c.SetSection(SectionEntry)
	scale := c.newReg(0)
	c.emit(instr{op: opScaleByInvLen, dst: int32(scale), a: int32(c.Constant(to - from))})
	c.SetSection(SectionLoop)
	v := c.Add(c.Constant(from), c.Mul(c.LoopIndexF(), scale))
	c.SetSection(prev)
	return v
}

// compileArgument emits the read of one argument in normal mode, deferring
// to the instance's own snippet when it provides one.
func (c *Compiler) compileArgument(id ids.ArgumentID) Value {
	arg := c.graph.Argument(id)
	if arg == nil {
		abortCompile("argument %d does not exist", id)
	}
	loc := c.graph.ArgumentLocation(id)
	if ca, ok := arg.Instance.(CompilableArgument); ok {
		return ca.CompileEvaluation(c, loc)
	}
	switch arg.Instance.Origin() {
	case soundgraph.OriginScalar:
		return c.readArgumentScalar(loc)
	case soundgraph.OriginArray:
		return c.readArgumentArray(loc)
	case soundgraph.OriginTime:
		return c.timeValue(timeRef{processor: loc.Processor})
	}
	abortCompile("argument %d has an unknown origin", id)
	return 0
}

// compileParameter pre-compiles one parameter target into the value cache.
func (c *Compiler) compileParameter(pid ids.ParameterID, target soundgraph.ParamTarget) Value {
	if c.mode.Test {
		switch target.Kind {
		case soundgraph.ParamTargetProcessorTime, soundgraph.ParamTargetInputTime:
			// Temporal parameters are zero under test; discretization is
			// handled outside.
			return c.Constant(0)
		case soundgraph.ParamTargetArgument:
			if wrt := c.mode.WRT; wrt != nil && wrt.Argument == target.Argument {
				return c.linearRamp(wrt.From, wrt.To)
			}
			return c.Constant(0)
		}
	}
	switch target.Kind {
	case soundgraph.ParamTargetArgument:
		return c.compileArgument(target.Argument)
	case soundgraph.ParamTargetProcessorTime:
		return c.timeValue(timeRef{processor: target.Processor})
	case soundgraph.ParamTargetInputTime:
		si := c.graph.Input(target.Input)
		if si == nil {
			abortCompile("sound input %d does not exist", target.Input)
		}
		return c.timeValue(timeRef{
			input:    true,
			inputLoc: ids.InputLocation{Processor: si.Owner, Input: target.Input},
		})
	}
	abortCompile("parameter %d has an unknown target kind", pid)
	return 0
}

// visitInput compiles the value feeding one node input: its target, or its
// default when unconnected.
func (c *Compiler) visitInput(n *exprgraph.Node, idx int) Value {
	in := n.Inputs[idx]
	if in.Target.Kind == exprgraph.TargetNone {
		return c.Constant(in.Default)
	}
	return c.visitTarget(in.Target)
}

// visitTarget walks the result DAG on demand. The first visit to a target
// emits its compute code and caches the value; later visits reuse it, so
// shared subexpressions are emitted exactly once.
func (c *Compiler) visitTarget(target exprgraph.Target) Value {
	if v, ok := c.compiledTargets[target]; ok {
		return v
	}
	switch target.Kind {
	case exprgraph.TargetNode:
		node := c.expr.Graph.Node(target.Node)
		if node == nil {
			abortCompile("expression node %d does not exist", target.Node)
		}
		kernel, ok := node.Kernel.(CompilableKernel)
		if !ok {
			abortCompile("kernel %q of node %d is not compilable", node.Kernel.Name(), target.Node)
		}

		inputs := make([]Value, len(node.Inputs))
		for i := range node.Inputs {
			inputs[i] = c.visitInput(node, i)
		}

		numSlots := kernel.StateSize()
		base := c.numState
		c.stateOffsets = append(c.stateOffsets, StateOffset{Node: target.Node, Offset: base})
		c.numState += numSlots
		slots := make([]Slot, numSlots)
		for i := range slots {
			slots[i] = Slot(base + i)
		}

		c.SetSection(SectionLoop)
		v := kernel.Compile(c, inputs, slots)
		c.SetSection(SectionLoop)
		c.compiledTargets[target] = v
		return v
	case exprgraph.TargetParameter:
		abortCompile("missing pre-compiled value for expression graph parameter %d", target.Parameter)
	}
	abortCompile("unknown expression target kind %d", target.Kind)
	return 0
}

// finish runs the optimization pass, verifies the program and seals it into
// an artifact. Verification failure is a programmer error and aborts.
func (c *Compiler) finish(resultReg Value, fingerprint uint64) *Artifact {
	p := &program{
		sections:    c.sections,
		numRegs:     c.numRegs,
		numState:    c.numState,
		numArrays:   len(c.arrayReads),
		initRegs:    c.initRegs,
		scalarReads: c.scalarReads,
		arrayReads:  c.arrayReads,
		timeRefs:    c.timeRefs,
		resultReg:   resultReg,
	}
	eliminateDeadCode(p)
	if err := p.verify(); err != nil {
		panic(err)
	}
	return &Artifact{
		prog:        p,
		atomics:     c.atomics,
		fingerprint: fingerprint,
		numState:    c.numState,
	}
}

// compileExpression compiles one expression of the sound graph in the given
// mode. Parameters are pre-compiled into the value cache before the result
// DAG walk so each parameter evaluates once per block.
func compileExpression(g *soundgraph.Graph, expr *soundgraph.Expression, mode Mode, fingerprint uint64) *Artifact {
	c := newCompiler(g, expr, mode)

	for _, pid := range expr.Graph.ParameterIDs() {
		target, ok := expr.Mapping[pid]
		if !ok {
			abortCompile("parameter %d of expression %d has no mapping", pid, expr.ID)
		}
		v := c.compileParameter(pid, target)
		c.compiledTargets[exprgraph.ParameterTarget(pid)] = v
	}

	result := expr.Graph.Result()
	var final Value
	if result.Target.Kind == exprgraph.TargetNone {
		final = c.Constant(result.Default)
	} else {
		final = c.visitTarget(result.Target)
	}

	c.SetSection(SectionLoop)
	c.emit(instr{op: opWriteDst, a: int32(final)})

	return c.finish(final, fingerprint)
}

// eliminateDeadCode drops instructions whose destination register is never
// observed. Roots are destination writes, state stores and array bindings
// still in use.
func eliminateDeadCode(p *program) {
	needed := make([]bool, p.numRegs)
	arrayUsed := make([]bool, p.numArrays)

	mark := func(reg int32) {
		if reg >= 0 && int(reg) < len(needed) {
			needed[reg] = true
		}
	}

	for changed := true; changed; {
		changed = false
		for sec := Section(0); sec < numSections; sec++ {
			for _, in := range p.sections[sec] {
				switch in.op {
				case opWriteDst, opStoreState:
					if !needed[in.a] {
						needed[in.a] = true
						changed = true
					}
				case opArrayElem:
					if needed[in.dst] && !arrayUsed[in.aux] {
						arrayUsed[in.aux] = true
						changed = true
					}
				}
				if in.op.hasOperands() && in.dst >= 0 && needed[in.dst] {
					before := needed[in.a] && needed[in.b]
					mark(in.a)
					mark(in.b)
					if !before {
						changed = true
					}
				}
			}
		}
	}

	for sec := Section(0); sec < numSections; sec++ {
		kept := p.sections[sec][:0]
		for _, in := range p.sections[sec] {
			switch in.op {
			case opWriteDst, opStoreState:
				kept = append(kept, in)
			case opBindArray:
				if arrayUsed[in.dst] {
					kept = append(kept, in)
				}
			default:
				if needed[in.dst] {
					kept = append(kept, in)
				}
			}
		}
		p.sections[sec] = kept
	}
}

func (op opcode) hasOperands() bool {
	switch op {
	case opAdd, opSub, opMul, opDiv, opBinary:
		return true
	case opNeg, opUnary, opScaleByInvLen:
		return true
	default:
		return false
	}
}
