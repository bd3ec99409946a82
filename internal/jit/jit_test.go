package jit_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkarjala/soundmesh/internal/audio"
	"github.com/mkarjala/soundmesh/internal/exprgraph"
	"github.com/mkarjala/soundmesh/internal/exprnodes"
	"github.com/mkarjala/soundmesh/internal/ids"
	"github.com/mkarjala/soundmesh/internal/jit"
	"github.com/mkarjala/soundmesh/internal/soundgraph"
)

type fakeProcessor struct {
	kind soundgraph.ProcessorKind
}

func (f *fakeProcessor) Kind() soundgraph.ProcessorKind { return f.kind }

// buildExpression creates a graph with one dynamic processor owning one
// expression and hands the transaction to build.
func buildExpression(t *testing.T, build func(tx *soundgraph.Transaction, pid ids.ProcessorID, eid ids.ExpressionID) error) (*soundgraph.Graph, ids.ExpressionID) {
	t.Helper()
	g := soundgraph.New()
	var eid ids.ExpressionID
	err := g.Edit(func(tx *soundgraph.Transaction) error {
		pid := tx.AddProcessor(&fakeProcessor{kind: soundgraph.Dynamic})
		var err error
		eid, err = tx.AddExpression(pid, 0, soundgraph.WithProcessorState())
		if err != nil {
			return err
		}
		return build(tx, pid, eid)
	})
	require.NoError(t, err)
	return g, eid
}

func TestConstantDC(t *testing.T) {
	// A single node emitting constant 0.25.
	g, eid := buildExpression(t, func(tx *soundgraph.Transaction, pid ids.ProcessorID, eid ids.ExpressionID) error {
		node, err := tx.AddExpressionNode(eid, exprnodes.NewConstant(0.25))
		if err != nil {
			return err
		}
		return tx.SetExpressionResult(eid, exprgraph.NodeTarget(node))
	})

	cache := jit.NewCache()
	artifact := cache.CompileExpression(g, eid, jit.NormalMode())
	assert.Equal(t, 0, artifact.StateSize())

	inst := artifact.NewInstance()
	defer inst.Dispose()
	assert.False(t, inst.Initialized())

	dst := make([]float32, audio.ChunkSize)
	inst.Eval(dst, jit.SamplewiseTemporal(), jit.NullRuntimeContext())
	assert.True(t, inst.Initialized())
	for i, v := range dst {
		require.InDelta(t, 0.25, v, 0, "sample %d", i)
	}

	// The init flag flips exactly once.
	inst.Eval(dst, jit.SamplewiseTemporal(), jit.NullRuntimeContext())
	assert.True(t, inst.Initialized())
}

func TestLinearTestMode(t *testing.T) {
	// Identity on parameter p, swept with respect to an argument.
	var argID ids.ArgumentID
	g, eid := buildExpression(t, func(tx *soundgraph.Transaction, pid ids.ProcessorID, eid ids.ExpressionID) error {
		var err error
		argID, err = tx.AddArgument(pid, &soundgraph.ScalarArgument{
			Read: func(state any) float32 { return 0 },
		})
		if err != nil {
			return err
		}
		param, err := tx.AddParameterTarget(eid, soundgraph.ArgumentParamTarget(argID))
		if err != nil {
			return err
		}
		return tx.SetExpressionResult(eid, exprgraph.ParameterTarget(param))
	})

	dst := make([]float32, 1024)
	mode := jit.TestModeWithRespectTo(argID, 0, 1)
	jit.EvaluateIsolated(g, eid, mode, jit.SamplewiseTemporal(), dst)

	for i, v := range dst {
		require.Equal(t, float32(i)/1024.0, v, "sample %d", i)
	}
}

// buildSquareSum builds (x*x) + (x*x), sharing the multiply node when
// shared is true and duplicating it otherwise.
func buildSquareSum(t *testing.T, x *exprnodes.Variable, shared bool) (*soundgraph.Graph, ids.ExpressionID) {
	t.Helper()
	return buildExpression(t, func(tx *soundgraph.Transaction, pid ids.ProcessorID, eid ids.ExpressionID) error {
		xNode, err := tx.AddExpressionNode(eid, x)
		if err != nil {
			return err
		}
		mul, err := tx.AddExpressionNode(eid, exprnodes.Multiply)
		if err != nil {
			return err
		}
		if err := tx.ConnectExpressionInput(eid, mul, 0, exprgraph.NodeTarget(xNode)); err != nil {
			return err
		}
		if err := tx.ConnectExpressionInput(eid, mul, 1, exprgraph.NodeTarget(xNode)); err != nil {
			return err
		}
		mul2 := mul
		if !shared {
			mul2, err = tx.AddExpressionNode(eid, exprnodes.Multiply)
			if err != nil {
				return err
			}
			if err := tx.ConnectExpressionInput(eid, mul2, 0, exprgraph.NodeTarget(xNode)); err != nil {
				return err
			}
			if err := tx.ConnectExpressionInput(eid, mul2, 1, exprgraph.NodeTarget(xNode)); err != nil {
				return err
			}
		}
		sum, err := tx.AddExpressionNode(eid, exprnodes.Add)
		if err != nil {
			return err
		}
		if err := tx.ConnectExpressionInput(eid, sum, 0, exprgraph.NodeTarget(mul)); err != nil {
			return err
		}
		if err := tx.ConnectExpressionInput(eid, sum, 1, exprgraph.NodeTarget(mul2)); err != nil {
			return err
		}
		return tx.SetExpressionResult(eid, exprgraph.NodeTarget(sum))
	})
}

func TestSharedSubexpressionEmittedOnce(t *testing.T) {
	x := exprnodes.NewVariable(3)

	sharedGraph, sharedExpr := buildSquareSum(t, x, true)
	dupGraph, dupExpr := buildSquareSum(t, x, false)

	cache := jit.NewCache()
	shared := cache.CompileExpression(sharedGraph, sharedExpr, jit.NormalMode())
	dup := cache.CompileExpression(dupGraph, dupExpr, jit.NormalMode())

	// The shared multiply is compiled exactly once: the duplicated variant
	// costs exactly one more multiply instruction.
	assert.Equal(t, shared.CodeSize()+1, dup.CodeSize())

	dst := make([]float32, 16)
	inst := shared.NewInstance()
	defer inst.Dispose()
	inst.Eval(dst, jit.SamplewiseTemporal(), jit.NullRuntimeContext())
	for _, v := range dst {
		require.InDelta(t, 18.0, v, 1e-6) // 2 * 3 * 3
	}
}

func TestCompileDeterminism(t *testing.T) {
	build := func() (*soundgraph.Graph, ids.ExpressionID) {
		return buildExpression(t, func(tx *soundgraph.Transaction, pid ids.ProcessorID, eid ids.ExpressionID) error {
			sin, err := tx.AddExpressionNode(eid, exprnodes.Sin)
			if err != nil {
				return err
			}
			if err := tx.SetExpressionDefault(eid, sin, 0, 0.5); err != nil {
				return err
			}
			return tx.SetExpressionResult(eid, exprgraph.NodeTarget(sin))
		})
	}

	g1, e1 := build()
	g2, e2 := build()

	a1 := jit.NewCache().CompileExpression(g1, e1, jit.NormalMode())
	a2 := jit.NewCache().CompileExpression(g2, e2, jit.NormalMode())

	assert.Equal(t, a1.Fingerprint(), a2.Fingerprint())

	dst1 := make([]float32, audio.ChunkSize)
	dst2 := make([]float32, audio.ChunkSize)
	i1 := a1.NewInstance()
	i2 := a2.NewInstance()
	defer i1.Dispose()
	defer i2.Dispose()
	i1.Eval(dst1, jit.SamplewiseTemporal(), jit.NullRuntimeContext())
	i2.Eval(dst2, jit.SamplewiseTemporal(), jit.NullRuntimeContext())

	for i := range dst1 {
		require.Equal(t, math.Float32bits(dst1[i]), math.Float32bits(dst2[i]), "sample %d", i)
	}
}

func TestCacheIdempotence(t *testing.T) {
	g, eid := buildExpression(t, func(tx *soundgraph.Transaction, pid ids.ProcessorID, eid ids.ExpressionID) error {
		node, err := tx.AddExpressionNode(eid, exprnodes.NewConstant(1))
		if err != nil {
			return err
		}
		return tx.SetExpressionResult(eid, exprgraph.NodeTarget(node))
	})

	cache := jit.NewCache()
	a1 := cache.CompileExpression(g, eid, jit.NormalMode())
	a2 := cache.CompileExpression(g, eid, jit.NormalMode())

	assert.Same(t, a1, a2)
	assert.GreaterOrEqual(t, a1.RefCount(), 2)

	stats := cache.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 1, stats.Entries)

	cache.Release(a1)
	cache.Release(a2)
	assert.Equal(t, 0, cache.Stats().Entries)
}

func TestStartOverIdempotence(t *testing.T) {
	// A stateful integrator over a constant input.
	g, eid := buildExpression(t, func(tx *soundgraph.Transaction, pid ids.ProcessorID, eid ids.ExpressionID) error {
		integ, err := tx.AddExpressionNode(eid, &exprnodes.Integrator{})
		if err != nil {
			return err
		}
		if err := tx.SetExpressionDefault(eid, integ, 0, 2); err != nil {
			return err
		}
		return tx.SetExpressionResult(eid, exprgraph.NodeTarget(integ))
	})

	cache := jit.NewCache()
	artifact := cache.CompileExpression(g, eid, jit.NormalMode())
	assert.Equal(t, 1, artifact.StateSize())
	inst := artifact.NewInstance()
	defer inst.Dispose()

	const blocks = 4
	run := func() [][]float32 {
		inst.StartOver()
		out := make([][]float32, blocks)
		for b := range out {
			out[b] = make([]float32, audio.ChunkSize)
			inst.Eval(out[b], jit.SamplewiseTemporal(), jit.NullRuntimeContext())
		}
		return out
	}

	first := run()
	second := run()
	for b := range first {
		for i := range first[b] {
			require.Equal(t, first[b][i], second[b][i], "block %d sample %d", b, i)
		}
	}
	// The integrator actually integrates.
	assert.Greater(t, first[blocks-1][audio.ChunkSize-1], first[0][0])
}

func TestBlockSizeInvariance(t *testing.T) {
	// Pure expression: no stateful nodes, no time arguments.
	x := exprnodes.NewVariable(0.7)
	g, eid := buildExpression(t, func(tx *soundgraph.Transaction, pid ids.ProcessorID, eid ids.ExpressionID) error {
		xNode, err := tx.AddExpressionNode(eid, x)
		if err != nil {
			return err
		}
		sin, err := tx.AddExpressionNode(eid, exprnodes.Sin)
		if err != nil {
			return err
		}
		if err := tx.ConnectExpressionInput(eid, sin, 0, exprgraph.NodeTarget(xNode)); err != nil {
			return err
		}
		return tx.SetExpressionResult(eid, exprgraph.NodeTarget(sin))
	})

	cache := jit.NewCache()
	artifact := cache.CompileExpression(g, eid, jit.NormalMode())
	inst := artifact.NewInstance()
	defer inst.Dispose()

	const n = 256
	whole := make([]float32, 2*n)
	inst.Eval(whole, jit.SamplewiseTemporal(), jit.NullRuntimeContext())

	inst.StartOver()
	halves := make([]float32, 2*n)
	inst.Eval(halves[:n], jit.SamplewiseTemporal(), jit.NullRuntimeContext())
	inst.Eval(halves[n:], jit.SamplewiseTemporal(), jit.NullRuntimeContext())

	for i := range whole {
		require.Equal(t, whole[i], halves[i], "sample %d", i)
	}
}

func TestVariableCapture(t *testing.T) {
	x := exprnodes.NewVariable(2)
	g, eid := buildExpression(t, func(tx *soundgraph.Transaction, pid ids.ProcessorID, eid ids.ExpressionID) error {
		xNode, err := tx.AddExpressionNode(eid, x)
		if err != nil {
			return err
		}
		return tx.SetExpressionResult(eid, exprgraph.NodeTarget(xNode))
	})

	cache := jit.NewCache()
	inst := cache.CompileExpression(g, eid, jit.NormalMode()).NewInstance()
	defer inst.Dispose()

	dst := make([]float32, 8)
	inst.Eval(dst, jit.SamplewiseTemporal(), jit.NullRuntimeContext())
	assert.Equal(t, float32(2), dst[0])

	// Mutations become visible on the next block.
	x.Set(5)
	inst.Eval(dst, jit.SamplewiseTemporal(), jit.NullRuntimeContext())
	assert.Equal(t, float32(5), dst[0])
}

func TestTemporalParameterZeroInTestMode(t *testing.T) {
	g, eid := buildExpression(t, func(tx *soundgraph.Transaction, pid ids.ProcessorID, eid ids.ExpressionID) error {
		param, err := tx.AddParameterTarget(eid, soundgraph.ProcessorTimeParamTarget(pid))
		if err != nil {
			return err
		}
		return tx.SetExpressionResult(eid, exprgraph.ParameterTarget(param))
	})

	dst := make([]float32, 64)
	audio.Fill(dst, 99)
	jit.EvaluateIsolated(g, eid, jit.TestMode(), jit.SamplewiseTemporal(), dst)
	for i, v := range dst {
		require.Equal(t, float32(0), v, "sample %d", i)
	}
}
