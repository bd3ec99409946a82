package jit

import (
	"github.com/mkarjala/soundmesh/internal/ids"
	"github.com/mkarjala/soundmesh/internal/soundgraph"
)

// nullRuntimeContext backs isolated evaluation: every runtime read resolves
// to zero and time stands still.
type nullRuntimeContext struct{}

func (nullRuntimeContext) ReadArgumentScalar(ids.ArgumentLocation) float32 { return 0 }

func (nullRuntimeContext) ReadArgumentArray(ids.ArgumentLocation, int) []float32 { return nil }

func (nullRuntimeContext) ProcessorTime(ids.ProcessorID) (float32, float32) { return 0, 1 }

func (nullRuntimeContext) InputTime(ids.InputLocation) (float32, float32) { return 0, 1 }

// NullRuntimeContext returns a context for evaluating compiled expressions
// in isolation.
func NullRuntimeContext() RuntimeContext {
	return nullRuntimeContext{}
}

// EvaluateIsolated is the test harness entry point: it compiles one
// expression of the graph in the given mode and evaluates it once over dst
// with no host context. Temporal parameters advance by d per sample in
// normal mode and are zero in test mode.
func EvaluateIsolated(g *soundgraph.Graph, exprID ids.ExpressionID, mode Mode, d Discretization, dst []float32) {
	expr := g.Expression(exprID)
	if expr == nil {
		abortCompile("expression %d does not exist", exprID)
	}
	artifact := compileExpression(g, expr, mode, Fingerprint(expr, mode))
	inst := artifact.NewInstance()
	inst.Eval(dst, d, NullRuntimeContext())
	inst.Dispose()
}
