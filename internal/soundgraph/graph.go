package soundgraph

import (
	"sort"

	"github.com/mkarjala/soundmesh/internal/ids"
)

// Graph is the arena holding every processor, sound input, argument and
// expression record. Reads may happen from any goroutine that holds a
// committed snapshot; writes go through Edit.
type Graph struct {
	procs  map[ids.ProcessorID]*Processor
	inputs map[ids.SoundInputID]*SoundInput
	args   map[ids.ArgumentID]*Argument
	exprs  map[ids.ExpressionID]*Expression

	procGen  *ids.Generator[ids.ProcessorID]
	inputGen *ids.Generator[ids.SoundInputID]
	argGen   *ids.Generator[ids.ArgumentID]
	exprGen  *ids.Generator[ids.ExpressionID]
	paramGen *ids.Generator[ids.ParameterID]

	revision uint64
}

// New returns an empty sound graph.
func New() *Graph {
	return &Graph{
		procs:    make(map[ids.ProcessorID]*Processor),
		inputs:   make(map[ids.SoundInputID]*SoundInput),
		args:     make(map[ids.ArgumentID]*Argument),
		exprs:    make(map[ids.ExpressionID]*Expression),
		procGen:  ids.NewGenerator[ids.ProcessorID](),
		inputGen: ids.NewGenerator[ids.SoundInputID](),
		argGen:   ids.NewGenerator[ids.ArgumentID](),
		exprGen:  ids.NewGenerator[ids.ExpressionID](),
		paramGen: ids.NewGenerator[ids.ParameterID](),
	}
}

// shallowClone copies the maps but shares the per-entity records. Records are
// cloned on first mutation inside a transaction, so a failed edit leaves the
// base graph untouched.
func (g *Graph) shallowClone() *Graph {
	out := &Graph{
		procs:    make(map[ids.ProcessorID]*Processor, len(g.procs)),
		inputs:   make(map[ids.SoundInputID]*SoundInput, len(g.inputs)),
		args:     make(map[ids.ArgumentID]*Argument, len(g.args)),
		exprs:    make(map[ids.ExpressionID]*Expression, len(g.exprs)),
		procGen:  g.procGen,
		inputGen: g.inputGen,
		argGen:   g.argGen,
		exprGen:  g.exprGen,
		paramGen: g.paramGen,
		revision: g.revision,
	}
	for id, p := range g.procs {
		out.procs[id] = p
	}
	for id, si := range g.inputs {
		out.inputs[id] = si
	}
	for id, a := range g.args {
		out.args[id] = a
	}
	for id, e := range g.exprs {
		out.exprs[id] = e
	}
	return out
}

// Snapshot returns a frozen view sharing the current per-entity records.
// Later edits clone records before mutating them, so a snapshot stays
// consistent while the live graph moves on; the engine compiles against
// snapshots and the audio thread reads only what was compiled from them.
func (g *Graph) Snapshot() *Graph {
	return g.shallowClone()
}

// Revision returns the graph revision, bumped on every committed edit.
func (g *Graph) Revision() uint64 {
	return g.revision
}

// Processor returns the processor record, or nil.
func (g *Graph) Processor(id ids.ProcessorID) *Processor {
	return g.procs[id]
}

// Input returns the sound input record, or nil.
func (g *Graph) Input(id ids.SoundInputID) *SoundInput {
	return g.inputs[id]
}

// Argument returns the argument record, or nil.
func (g *Graph) Argument(id ids.ArgumentID) *Argument {
	return g.args[id]
}

// Expression returns the expression record, or nil.
func (g *Graph) Expression(id ids.ExpressionID) *Expression {
	return g.exprs[id]
}

// ProcessorIDs returns all processor IDs in ascending order.
func (g *Graph) ProcessorIDs() []ids.ProcessorID {
	out := make([]ids.ProcessorID, 0, len(g.procs))
	for id := range g.procs {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// InputIDs returns all sound input IDs in ascending order.
func (g *Graph) InputIDs() []ids.SoundInputID {
	out := make([]ids.SoundInputID, 0, len(g.inputs))
	for id := range g.inputs {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ExpressionIDs returns all expression IDs in ascending order.
func (g *Graph) ExpressionIDs() []ids.ExpressionID {
	out := make([]ids.ExpressionID, 0, len(g.exprs))
	for id := range g.exprs {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// StaticProcessorIDs returns the IDs of all static processors in ascending
// order.
func (g *Graph) StaticProcessorIDs() []ids.ProcessorID {
	out := make([]ids.ProcessorID, 0)
	for id, p := range g.procs {
		if p.Kind() == Static {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DestinationInputs returns the IDs of every sound input whose target is the
// given processor, in ascending order.
func (g *Graph) DestinationInputs(id ids.ProcessorID) []ids.SoundInputID {
	out := make([]ids.SoundInputID, 0)
	for iid, si := range g.inputs {
		if si.Target == id {
			out = append(out, iid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ArgumentOwnerProcessor resolves the processor an argument ultimately
// belongs to: its owner, or the owner of its owning input.
func (g *Graph) ArgumentOwnerProcessor(id ids.ArgumentID) ids.ProcessorID {
	a := g.args[id]
	if a == nil {
		return 0
	}
	switch a.Owner.Kind {
	case OwnedByInput:
		if si := g.inputs[a.Owner.Input]; si != nil {
			return si.Owner
		}
		return 0
	default:
		return a.Owner.Processor
	}
}

// ArgumentLocation returns the stable compound address of an argument.
func (g *Graph) ArgumentLocation(id ids.ArgumentID) ids.ArgumentLocation {
	return ids.ArgumentLocation{Processor: g.ArgumentOwnerProcessor(id), Argument: id}
}

// dependsOn reports whether processor p transitively consumes processor
// other through sound inputs (or is other itself).
func (g *Graph) dependsOn(p, other ids.ProcessorID) bool {
	if p == other {
		return true
	}
	proc := g.procs[p]
	if proc == nil {
		return false
	}
	for _, iid := range proc.Inputs {
		si := g.inputs[iid]
		if si == nil || !si.Target.IsValid() {
			continue
		}
		if g.dependsOn(si.Target, other) {
			return true
		}
	}
	return false
}
