package exprnodes

import (
	"github.com/mkarjala/soundmesh/internal/exprgraph"
	"github.com/mkarjala/soundmesh/internal/jit"
)

// Stateful kernels keep persistent float slots. Initial values are written
// in the startover section, working registers are loaded before the loop and
// written back after it, so the hot loop touches only registers.

// Integrator accumulates its input over time: state += input * dt per
// sample.
type Integrator struct{}

func (k *Integrator) Name() string             { return "integrator" }
func (k *Integrator) Layout() exprgraph.Layout { return exprgraph.LayoutFunction }
func (k *Integrator) InputDefaults() []float32 { return []float32{0} }
func (k *Integrator) StateSize() int           { return 1 }

// Compile implements jit.CompilableKernel.
func (k *Integrator) Compile(c *jit.Compiler, inputs []jit.Value, state []jit.Slot) jit.Value {
	c.SetSection(jit.SectionStartover)
	c.StoreState(state[0], c.Constant(0))

	c.SetSection(jit.SectionPreLoop)
	acc := c.LoadState(state[0])

	c.SetSection(jit.SectionLoop)
	sum := c.Add(acc, c.Mul(inputs[0], c.TimeStep()))
	c.Assign(acc, sum)

	c.SetSection(jit.SectionPostLoop)
	c.StoreState(state[0], acc)

	c.SetSection(jit.SectionLoop)
	return acc
}

// WrappingIntegrator accumulates like Integrator but wraps into [0, 1),
// which is what a phase accumulator wants.
type WrappingIntegrator struct{}

func (k *WrappingIntegrator) Name() string             { return "wrapping_integrator" }
func (k *WrappingIntegrator) Layout() exprgraph.Layout { return exprgraph.LayoutFunction }
func (k *WrappingIntegrator) InputDefaults() []float32 { return []float32{0} }
func (k *WrappingIntegrator) StateSize() int           { return 1 }

// Compile implements jit.CompilableKernel.
func (k *WrappingIntegrator) Compile(c *jit.Compiler, inputs []jit.Value, state []jit.Slot) jit.Value {
	c.SetSection(jit.SectionStartover)
	c.StoreState(state[0], c.Constant(0))

	c.SetSection(jit.SectionPreLoop)
	acc := c.LoadState(state[0])

	c.SetSection(jit.SectionLoop)
	sum := c.Add(acc, c.Mul(inputs[0], c.TimeStep()))
	wrapped := c.Sub(sum, c.UnaryIntrinsic("floor", sum))
	c.Assign(acc, wrapped)

	c.SetSection(jit.SectionPostLoop)
	c.StoreState(state[0], acc)

	c.SetSection(jit.SectionLoop)
	return acc
}

// LinearSmooth slews towards its input at a bounded rate per second.
// Inputs: value, rate.
type LinearSmooth struct{}

func (k *LinearSmooth) Name() string             { return "linear_smooth" }
func (k *LinearSmooth) Layout() exprgraph.Layout { return exprgraph.LayoutFunction }
func (k *LinearSmooth) InputDefaults() []float32 { return []float32{0, 10} }
func (k *LinearSmooth) StateSize() int           { return 1 }

// Compile implements jit.CompilableKernel.
func (k *LinearSmooth) Compile(c *jit.Compiler, inputs []jit.Value, state []jit.Slot) jit.Value {
	c.SetSection(jit.SectionStartover)
	c.StoreState(state[0], c.Constant(0))

	c.SetSection(jit.SectionPreLoop)
	prev := c.LoadState(state[0])

	c.SetSection(jit.SectionLoop)
	maxStep := c.Mul(inputs[1], c.TimeStep())
	delta := c.Sub(inputs[0], prev)
	delta = c.BinaryIntrinsic("min", delta, maxStep)
	delta = c.BinaryIntrinsic("max", delta, c.Neg(maxStep))
	next := c.Add(prev, delta)
	c.Assign(prev, next)

	c.SetSection(jit.SectionPostLoop)
	c.StoreState(state[0], prev)

	c.SetSection(jit.SectionLoop)
	return prev
}
