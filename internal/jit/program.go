package jit

import (
	"github.com/mkarjala/soundmesh/internal/audio"
	"github.com/mkarjala/soundmesh/internal/ids"
)

// Value is a register holding one float during execution of a compiled
// expression. Kernels receive and return values when emitting code.
type Value int32

// Slot is an index into the persistent state array of a compiled expression.
type Slot int32

// Section names one of the insertion points of the compiled function. Every
// component of every expression node may emit into any section; the hot loop
// is SectionLoop.
type Section uint8

const (
	SectionEntry Section = iota
	SectionStartover
	SectionResume
	SectionPreLoop
	SectionLoop
	SectionPostLoop
	numSections
)

func (s Section) String() string {
	switch s {
	case SectionEntry:
		return "entry"
	case SectionStartover:
		return "startover"
	case SectionResume:
		return "resume"
	case SectionPreLoop:
		return "pre_loop"
	case SectionLoop:
		return "loop"
	case SectionPostLoop:
		return "post_loop"
	default:
		return "invalid"
	}
}

type opcode uint8

const (
	opNop opcode = iota

	// Arithmetic. dst <- a OP b, or dst <- OP a.
	opAdd
	opSub
	opMul
	opDiv
	opNeg

	// Intrinsics. aux indexes the intrinsic tables.
	opUnary
	opBinary

	// State array access. aux is the slot.
	opLoadState
	opStoreState

	// Entry-section resolution of runtime inputs. aux indexes the program's
	// side tables.
	opTimeStep
	opAtomicLoad
	opReadScalar
	opBindArray
	opTimeBase
	opTimeSpeed
	opScaleByInvLen

	// Loop-section per-sample values.
	opLoopIndexF
	opArrayElem
	opWriteDst
)

// instr is one register-machine instruction. The compiled function is a flat
// sequence of these per section, executed by Artifact.invoke.
type instr struct {
	op  opcode
	dst int32
	a   int32
	b   int32
	aux int32
}

// timeRef identifies the processor or input whose timeline an entry-section
// time resolution refers to.
type timeRef struct {
	input     bool
	processor ids.ProcessorID
	inputLoc  ids.InputLocation
}

// program is the executable form of one compiled expression: six instruction
// sections plus the side tables resolved against the runtime context on
// entry.
type program struct {
	sections [numSections][]instr

	numRegs   int32
	numState  int
	numArrays int

	// initRegs seeds the register file; constants are materialized here so
	// the loop never re-loads them.
	initRegs []float32

	scalarReads []ids.ArgumentLocation
	arrayReads  []ids.ArgumentLocation
	timeRefs    []timeRef

	resultReg Value
}

// execState is the per-evaluation mutable storage for one program. It is
// owned by a CompiledExpression so the audio hot path allocates nothing.
type execState struct {
	regs   []float32
	arrays [][]float32
}

func (p *program) newExecState() *execState {
	return &execState{
		regs:   make([]float32, p.numRegs),
		arrays: make([][]float32, p.numArrays),
	}
}

// run executes one section. i is the loop counter (meaningful only in
// SectionLoop), n the destination length.
func (p *program) run(sec Section, es *execState, dst []float32, timeStep float32, rt RuntimeContext, state []float32, atomics []*audio.AtomicF32, i, n int) {
	regs := es.regs
	for _, in := range p.sections[sec] {
		switch in.op {
		case opNop:
		case opAdd:
			regs[in.dst] = regs[in.a] + regs[in.b]
		case opSub:
			regs[in.dst] = regs[in.a] - regs[in.b]
		case opMul:
			regs[in.dst] = regs[in.a] * regs[in.b]
		case opDiv:
			regs[in.dst] = regs[in.a] / regs[in.b]
		case opNeg:
			regs[in.dst] = -regs[in.a]
		case opUnary:
			regs[in.dst] = unaryIntrinsics[in.aux].fn(regs[in.a])
		case opBinary:
			regs[in.dst] = binaryIntrinsics[in.aux].fn(regs[in.a], regs[in.b])
		case opLoadState:
			regs[in.dst] = state[in.aux]
		case opStoreState:
			state[in.aux] = regs[in.a]
		case opTimeStep:
			regs[in.dst] = timeStep
		case opAtomicLoad:
			regs[in.dst] = atomics[in.aux].Load()
		case opReadScalar:
			regs[in.dst] = rt.ReadArgumentScalar(p.scalarReads[in.aux])
		case opBindArray:
			es.arrays[in.dst] = rt.ReadArgumentArray(p.arrayReads[in.aux], n)
		case opTimeBase:
			elapsed, _ := p.resolveTime(in.aux, rt)
			regs[in.dst] = elapsed
		case opTimeSpeed:
			_, speed := p.resolveTime(in.aux, rt)
			regs[in.dst] = speed
		case opScaleByInvLen:
			regs[in.dst] = regs[in.a] / float32(n)
		case opLoopIndexF:
			regs[in.dst] = float32(i)
		case opArrayElem:
			arr := es.arrays[in.aux]
			if i < len(arr) {
				regs[in.dst] = arr[i]
			} else {
				regs[in.dst] = 0
			}
		case opWriteDst:
			dst[i] = regs[in.a]
		}
	}
}

func (p *program) resolveTime(aux int32, rt RuntimeContext) (elapsed, speed float32) {
	ref := p.timeRefs[aux]
	if ref.input {
		return rt.InputTime(ref.inputLoc)
	}
	return rt.ProcessorTime(ref.processor)
}

// codeSize is the total instruction count across all sections. Used as the
// observable size fingerprint: a node referenced by several consumers is
// emitted once, while separate duplicate nodes each add their instructions.
func (p *program) codeSize() int {
	n := 0
	for _, sec := range p.sections {
		n += len(sec)
	}
	return n
}

// verify checks structural well-formedness of the emitted program. A failure
// here is a programmer error in a kernel or in the compiler itself.
func (p *program) verify() error {
	check := func(reg int32) bool { return reg >= 0 && reg < p.numRegs }
	for sec := Section(0); sec < numSections; sec++ {
		for _, in := range p.sections[sec] {
			switch in.op {
			case opStoreState, opLoadState:
				if in.aux < 0 || int(in.aux) >= p.numState {
					return errBadProgram("state slot out of range", sec)
				}
			case opReadScalar:
				if int(in.aux) >= len(p.scalarReads) {
					return errBadProgram("scalar read out of range", sec)
				}
			case opBindArray:
				if int(in.aux) >= len(p.arrayReads) || int(in.dst) >= p.numArrays {
					return errBadProgram("array bind out of range", sec)
				}
			case opArrayElem:
				if int(in.aux) >= p.numArrays {
					return errBadProgram("array index out of range", sec)
				}
			case opTimeBase, opTimeSpeed:
				if int(in.aux) >= len(p.timeRefs) {
					return errBadProgram("time ref out of range", sec)
				}
			case opUnary:
				if int(in.aux) >= len(unaryIntrinsics) {
					return errBadProgram("unary intrinsic out of range", sec)
				}
			case opBinary:
				if int(in.aux) >= len(binaryIntrinsics) {
					return errBadProgram("binary intrinsic out of range", sec)
				}
			}
			switch in.op {
			case opStoreState, opWriteDst, opNeg, opLoadState, opTimeStep, opAtomicLoad,
				opReadScalar, opTimeBase, opTimeSpeed, opScaleByInvLen, opLoopIndexF,
				opArrayElem, opNop, opBindArray:
				// Single-operand forms checked below where applicable.
			default:
				if !check(in.a) || !check(in.b) {
					return errBadProgram("operand register out of range", sec)
				}
			}
			switch in.op {
			case opStoreState, opWriteDst, opNeg, opScaleByInvLen:
				if !check(in.a) {
					return errBadProgram("operand register out of range", sec)
				}
			}
			switch in.op {
			case opWriteDst, opStoreState, opBindArray, opNop:
			default:
				if !check(in.dst) {
					return errBadProgram("destination register out of range", sec)
				}
			}
		}
	}
	if !check(int32(p.resultReg)) {
		return errBadProgram("result register out of range", SectionLoop)
	}
	if int32(len(p.initRegs)) != p.numRegs {
		return errBadProgram("register seed length mismatch", SectionEntry)
	}
	return nil
}
