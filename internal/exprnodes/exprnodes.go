// Package exprnodes provides the built-in expression node kernels: pure
// arithmetic and math functions in the four lexical layouts, a
// control-thread variable captured atomically, and stateful nodes that keep
// persistent slots across blocks.
package exprnodes

import (
	"encoding/binary"
	"math"
	"sync/atomic"

	"github.com/mkarjala/soundmesh/internal/audio"
	"github.com/mkarjala/soundmesh/internal/exprgraph"
	"github.com/mkarjala/soundmesh/internal/jit"
)

// Constant emits a fixed value.
type Constant struct {
	Value float32
}

// NewConstant returns a constant kernel.
func NewConstant(v float32) *Constant {
	return &Constant{Value: v}
}

func (k *Constant) Name() string             { return "constant" }
func (k *Constant) Layout() exprgraph.Layout { return exprgraph.LayoutFunction }
func (k *Constant) InputDefaults() []float32 { return nil }
func (k *Constant) StateSize() int           { return 0 }

// Compile implements jit.CompilableKernel.
func (k *Constant) Compile(c *jit.Compiler, inputs []jit.Value, state []jit.Slot) jit.Value {
	return c.Constant(k.Value)
}

// FingerprintConfig implements jit.KernelFingerprinter: the emitted code
// depends on the constant's value.
func (k *Constant) FingerprintConfig() []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], math.Float32bits(k.Value))
	return b[:]
}

// Variable is a scalar owned by the control thread and read by compiled
// expressions. The capture is loaded once per block with sequentially
// consistent ordering; the artifact keeps the variable alive.
type Variable struct {
	value  *audio.AtomicF32
	serial uint64
}

var variableSerial atomic.Uint64

// NewVariable returns a variable holding v.
func NewVariable(v float32) *Variable {
	return &Variable{
		value:  audio.NewAtomicF32(v),
		serial: variableSerial.Add(1),
	}
}

func (k *Variable) Name() string             { return "variable" }
func (k *Variable) Layout() exprgraph.Layout { return exprgraph.LayoutFunction }
func (k *Variable) InputDefaults() []float32 { return nil }
func (k *Variable) StateSize() int           { return 0 }

// Get reads the current value.
func (k *Variable) Get() float32 {
	return k.value.Load()
}

// Set updates the value; running expressions observe it on their next block.
func (k *Variable) Set(v float32) {
	k.value.Store(v)
}

// Compile implements jit.CompilableKernel.
func (k *Variable) Compile(c *jit.Compiler, inputs []jit.Value, state []jit.Slot) jit.Value {
	return c.AtomicLoad(k.value)
}

// FingerprintConfig implements jit.KernelFingerprinter: two variables are
// never interchangeable, so each captures under its own identity.
func (k *Variable) FingerprintConfig() []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], k.serial)
	return b[:]
}

// infixKernel is a pure binary operator rendered infix.
type infixKernel struct {
	name     string
	defaults [2]float32
	emit     func(c *jit.Compiler, a, b jit.Value) jit.Value
}

func (k *infixKernel) Name() string             { return k.name }
func (k *infixKernel) Layout() exprgraph.Layout { return exprgraph.LayoutInfix }
func (k *infixKernel) InputDefaults() []float32 { return k.defaults[:] }
func (k *infixKernel) StateSize() int           { return 0 }

func (k *infixKernel) Compile(c *jit.Compiler, inputs []jit.Value, state []jit.Slot) jit.Value {
	return k.emit(c, inputs[0], inputs[1])
}

// prefixKernel is a pure unary operator rendered prefix.
type prefixKernel struct {
	name string
	emit func(c *jit.Compiler, a jit.Value) jit.Value
}

func (k *prefixKernel) Name() string             { return k.name }
func (k *prefixKernel) Layout() exprgraph.Layout { return exprgraph.LayoutPrefix }
func (k *prefixKernel) InputDefaults() []float32 { return []float32{0} }
func (k *prefixKernel) StateSize() int           { return 0 }

func (k *prefixKernel) Compile(c *jit.Compiler, inputs []jit.Value, state []jit.Slot) jit.Value {
	return k.emit(c, inputs[0])
}

// postfixKernel is a pure unary operator rendered postfix.
type postfixKernel struct {
	name string
	emit func(c *jit.Compiler, a jit.Value) jit.Value
}

func (k *postfixKernel) Name() string             { return k.name }
func (k *postfixKernel) Layout() exprgraph.Layout { return exprgraph.LayoutPostfix }
func (k *postfixKernel) InputDefaults() []float32 { return []float32{0} }
func (k *postfixKernel) StateSize() int           { return 0 }

func (k *postfixKernel) Compile(c *jit.Compiler, inputs []jit.Value, state []jit.Slot) jit.Value {
	return k.emit(c, inputs[0])
}

// functionKernel is a pure function-layout node backed by an intrinsic.
type functionKernel struct {
	name      string
	intrinsic string
	arity     int
	defaults  []float32
}

func (k *functionKernel) Name() string             { return k.name }
func (k *functionKernel) Layout() exprgraph.Layout { return exprgraph.LayoutFunction }
func (k *functionKernel) InputDefaults() []float32 { return k.defaults }
func (k *functionKernel) StateSize() int           { return 0 }

func (k *functionKernel) Compile(c *jit.Compiler, inputs []jit.Value, state []jit.Slot) jit.Value {
	if k.arity == 1 {
		return c.UnaryIntrinsic(k.intrinsic, inputs[0])
	}
	return c.BinaryIntrinsic(k.intrinsic, inputs[0], inputs[1])
}

func unaryFn(name, intrinsic string) *functionKernel {
	return &functionKernel{name: name, intrinsic: intrinsic, arity: 1, defaults: []float32{0}}
}

func binaryFn(name, intrinsic string, d0, d1 float32) *functionKernel {
	return &functionKernel{name: name, intrinsic: intrinsic, arity: 2, defaults: []float32{d0, d1}}
}

// Pure arithmetic and math kernels. Shared singletons; all are stateless.
var (
	Add = &infixKernel{name: "add", emit: func(c *jit.Compiler, a, b jit.Value) jit.Value {
		return c.Add(a, b)
	}}
	Subtract = &infixKernel{name: "subtract", emit: func(c *jit.Compiler, a, b jit.Value) jit.Value {
		return c.Sub(a, b)
	}}
	Multiply = &infixKernel{name: "multiply", defaults: [2]float32{1, 1}, emit: func(c *jit.Compiler, a, b jit.Value) jit.Value {
		return c.Mul(a, b)
	}}
	Divide = &infixKernel{name: "divide", defaults: [2]float32{0, 1}, emit: func(c *jit.Compiler, a, b jit.Value) jit.Value {
		return c.Div(a, b)
	}}
	Negate = &prefixKernel{name: "negate", emit: func(c *jit.Compiler, a jit.Value) jit.Value {
		return c.Neg(a)
	}}
	Squared = &postfixKernel{name: "squared", emit: func(c *jit.Compiler, a jit.Value) jit.Value {
		return c.Mul(a, a)
	}}

	Sin   = unaryFn("sin", "sin")
	Cos   = unaryFn("cos", "cos")
	Tan   = unaryFn("tan", "tan")
	Tanh  = unaryFn("tanh", "tanh")
	Exp   = unaryFn("exp", "exp")
	Log   = unaryFn("log", "log")
	Sqrt  = unaryFn("sqrt", "sqrt")
	Abs   = unaryFn("abs", "abs")
	Floor = unaryFn("floor", "floor")
	Ceil  = unaryFn("ceil", "ceil")

	Pow = binaryFn("pow", "pow", 0, 1)
	Min = binaryFn("min", "min", 0, 0)
	Max = binaryFn("max", "max", 0, 0)
)
