package soundgraph

import (
	"github.com/mkarjala/soundmesh/internal/errors"
	"github.com/mkarjala/soundmesh/internal/ids"
)

// Validate runs every analysis on a graph and returns the first violated
// rule, naming the minimal offending entities. It is invoked on every
// committed edit.
func Validate(g *Graph) error {
	if err := checkReferences(g); err != nil {
		return err
	}
	if cycle := findSoundCycle(g); cycle != nil {
		return errors.Newf("sound processors form a cycle through their inputs").
			Component(Component).
			Category(errors.CategoryCycleInSoundGraph).
			Context("cycle", cyclePath(cycle)).
			Build()
	}
	for _, eid := range g.ExpressionIDs() {
		if cycle := g.exprs[eid].Graph.FindCycle(); cycle != nil {
			nodes := make([]int, len(cycle))
			for i, n := range cycle {
				nodes[i] = int(n)
			}
			return errors.Newf("expression %d contains a cycle among its nodes", eid).
				Component(Component).
				Category(errors.CategoryCycleInExpressionGraph).
				Context("expression_id", int(eid)).
				Context("cycle", nodes).
				Build()
		}
	}
	if err := validateConnections(g); err != nil {
		return err
	}
	return validateArgumentScopes(g)
}

// checkReferences verifies that every referenced ID exists and that all
// back-references are reciprocated, and rejects duplicate listings.
func checkReferences(g *Graph) error {
	dangling := func(format string, args ...any) error {
		return errors.Newf(format, args...).
			Component(Component).
			Category(errors.CategoryDanglingReference).
			Build()
	}
	duplicate := func(format string, args ...any) error {
		return errors.Newf(format, args...).
			Component(Component).
			Category(errors.CategoryDuplicateConnection).
			Build()
	}

	for pid, p := range g.procs {
		seenInputs := make(map[ids.SoundInputID]bool, len(p.Inputs))
		for _, iid := range p.Inputs {
			if seenInputs[iid] {
				return duplicate("sound processor %d lists sound input %d twice", pid, iid)
			}
			seenInputs[iid] = true
			si, ok := g.inputs[iid]
			if !ok {
				return dangling("sound processor %d lists sound input %d, but it does not exist", pid, iid)
			}
			if si.Owner != pid {
				return dangling("sound input %d does not list sound processor %d as its owner", iid, pid)
			}
		}
		seenArgs := make(map[ids.ArgumentID]bool, len(p.Args))
		for _, aid := range p.Args {
			if seenArgs[aid] {
				return duplicate("sound processor %d lists argument %d twice", pid, aid)
			}
			seenArgs[aid] = true
			a, ok := g.args[aid]
			if !ok {
				return dangling("sound processor %d lists argument %d, but it does not exist", pid, aid)
			}
			if a.Owner.Kind != OwnedByProcessor || a.Owner.Processor != pid {
				return dangling("argument %d does not list sound processor %d as its owner", aid, pid)
			}
		}
		seenExprs := make(map[ids.ExpressionID]bool, len(p.Exprs))
		for _, eid := range p.Exprs {
			if seenExprs[eid] {
				return duplicate("sound processor %d lists expression %d twice", pid, eid)
			}
			seenExprs[eid] = true
			e, ok := g.exprs[eid]
			if !ok {
				return dangling("sound processor %d lists expression %d, but it does not exist", pid, eid)
			}
			if e.Owner != pid {
				return dangling("expression %d does not list sound processor %d as its owner", eid, pid)
			}
		}
	}

	for iid, si := range g.inputs {
		if si.Target.IsValid() {
			if _, ok := g.procs[si.Target]; !ok {
				return dangling("sound input %d targets sound processor %d, but it does not exist", iid, si.Target)
			}
		}
		owner, ok := g.procs[si.Owner]
		if !ok {
			return dangling("sound input %d lists sound processor %d as its owner, but it does not exist", iid, si.Owner)
		}
		if !containsID(owner.Inputs, iid) {
			return dangling("sound processor %d does not list sound input %d as one of its inputs", si.Owner, iid)
		}
		for _, aid := range si.Args {
			a, ok := g.args[aid]
			if !ok {
				return dangling("sound input %d lists argument %d, but it does not exist", iid, aid)
			}
			if a.Owner.Kind != OwnedByInput || a.Owner.Input != iid {
				return dangling("argument %d does not list sound input %d as its owner", aid, iid)
			}
		}
	}

	for aid, a := range g.args {
		switch a.Owner.Kind {
		case OwnedByProcessor:
			p, ok := g.procs[a.Owner.Processor]
			if !ok {
				return dangling("argument %d lists sound processor %d as its owner, but it does not exist", aid, a.Owner.Processor)
			}
			if !containsID(p.Args, aid) {
				return dangling("sound processor %d does not list argument %d as one of its arguments", a.Owner.Processor, aid)
			}
		case OwnedByInput:
			si, ok := g.inputs[a.Owner.Input]
			if !ok {
				return dangling("argument %d lists sound input %d as its owner, but it does not exist", aid, a.Owner.Input)
			}
			if !containsID(si.Args, aid) {
				return dangling("sound input %d does not list argument %d as one of its arguments", a.Owner.Input, aid)
			}
		}
	}

	for eid, e := range g.exprs {
		p, ok := g.procs[e.Owner]
		if !ok {
			return dangling("expression %d lists sound processor %d as its owner, but it does not exist", eid, e.Owner)
		}
		if !containsID(p.Exprs, eid) {
			return dangling("sound processor %d does not list expression %d as one of its expressions", e.Owner, eid)
		}
		for pid, target := range e.Mapping {
			if !e.Graph.HasParameter(pid) {
				return dangling("expression %d maps parameter %d, but its graph does not declare it", eid, pid)
			}
			switch target.Kind {
			case ParamTargetArgument:
				if _, ok := g.args[target.Argument]; !ok {
					return dangling("expression %d maps a parameter to argument %d, but it does not exist", eid, target.Argument)
				}
			case ParamTargetProcessorTime:
				if _, ok := g.procs[target.Processor]; !ok {
					return dangling("expression %d maps a parameter to the time of processor %d, but it does not exist", eid, target.Processor)
				}
			case ParamTargetInputTime:
				if _, ok := g.inputs[target.Input]; !ok {
					return dangling("expression %d maps a parameter to the time of input %d, but it does not exist", eid, target.Input)
				}
			}
		}
		for _, pid := range e.Graph.ParameterIDs() {
			if _, ok := e.Mapping[pid]; !ok {
				return dangling("expression %d declares parameter %d without a mapping", eid, pid)
			}
		}
		// Locals in the declared scope must be array arguments of the owner.
		for _, aid := range e.Scope.Locals {
			a, ok := g.args[aid]
			if !ok {
				return dangling("expression %d lists argument %d in its scope, but it does not exist", eid, aid)
			}
			if a.Owner.Kind != OwnedByProcessor || a.Owner.Processor != e.Owner {
				return dangling("expression %d lists argument %d in its scope, but it belongs to another processor", eid, aid)
			}
			if a.Instance.Origin() != OriginArray {
				return dangling("expression %d lists argument %d in its scope, but it is not a local array argument", eid, aid)
			}
		}
	}
	return nil
}

// CycleSegment is one hop of a reported sound-graph cycle.
type CycleSegment struct {
	Processor ids.ProcessorID
	Input     ids.SoundInputID
}

// findSoundCycle depth-first-searches sound_input.target -> processor ->
// sound_inputs edges. A repeat visit on the current DFS path is a cycle; the
// returned path is trimmed to the repeating suffix.
func findSoundCycle(g *Graph) []CycleSegment {
	visited := make(map[ids.SoundInputID]bool)
	var path []CycleSegment

	onPath := func(iid ids.SoundInputID) int {
		for i, seg := range path {
			if seg.Input == iid {
				return i
			}
		}
		return -1
	}

	var dfs func(iid ids.SoundInputID) []CycleSegment
	dfs = func(iid ids.SoundInputID) []CycleSegment {
		visited[iid] = true
		if i := onPath(iid); i >= 0 {
			cycle := make([]CycleSegment, len(path)-i)
			copy(cycle, path[i:])
			return cycle
		}
		si := g.inputs[iid]
		if !si.Target.IsValid() {
			return nil
		}
		target := g.procs[si.Target]
		path = append(path, CycleSegment{Processor: si.Target, Input: iid})
		for _, next := range target.Inputs {
			if cycle := dfs(next); cycle != nil {
				return cycle
			}
		}
		path = path[:len(path)-1]
		return nil
	}

	for _, iid := range g.InputIDs() {
		if visited[iid] {
			continue
		}
		path = path[:0]
		if cycle := dfs(iid); cycle != nil {
			return cycle
		}
	}
	return nil
}

func cyclePath(cycle []CycleSegment) []int {
	out := make([]int, 0, len(cycle)*2)
	for _, seg := range cycle {
		out = append(out, int(seg.Input), int(seg.Processor))
	}
	return out
}

// processorAllocation is the result of the allocation / synchrony analysis
// for one processor.
type processorAllocation struct {
	impliedNumStates int
	alwaysSync       bool
}

// computeImpliedAllocations propagates (1 state, sync) from every static
// processor downstream through sound inputs, multiplying states by branch
// counts and AND-ing synchronicity. Processors unreachable from any static
// processor are visited as if they were, to catch setups that would be
// illegal once connected.
func computeImpliedAllocations(g *Graph) map[ids.ProcessorID]*processorAllocation {
	allocations := make(map[ids.ProcessorID]*processorAllocation)

	var visit func(pid ids.ProcessorID, statesToAdd int, isSync bool)
	visit = func(pid ids.ProcessorID, statesToAdd int, isSync bool) {
		proc := g.procs[pid]
		isStatic := proc.Kind() == Static

		if alloc, ok := allocations[pid]; ok {
			alloc.alwaysSync = alloc.alwaysSync && isSync
			if isStatic {
				// A static processor always implies a single state being
				// added via its inputs; it only needs one visit.
				return
			}
			alloc.impliedNumStates += statesToAdd
		} else {
			allocations[pid] = &processorAllocation{
				impliedNumStates: statesToAdd,
				alwaysSync:       isSync,
			}
		}

		processorIsSync := isSync || isStatic
		processorStates := statesToAdd
		if isStatic {
			processorStates = 1
		}

		for _, iid := range proc.Inputs {
			si := g.inputs[iid]
			if !si.Target.IsValid() {
				continue
			}
			states := processorStates * si.Options.Branches()
			inputIsSync := si.Options.IsSynchronous() && processorIsSync
			visit(si.Target, states, isSync && inputIsSync)
		}
	}

	for _, pid := range g.StaticProcessorIDs() {
		visit(pid, 1, true)
	}
	for _, pid := range g.ProcessorIDs() {
		if _, ok := allocations[pid]; !ok {
			visit(pid, 1, true)
		}
	}
	return allocations
}

// validateConnections enforces the static processor rules: always reached
// synchronously, and exactly one state implied through every dependent
// input.
func validateConnections(g *Graph) error {
	allocations := computeImpliedAllocations(g)

	for _, pid := range g.ProcessorIDs() {
		proc := g.procs[pid]
		if proc.Kind() != Static {
			continue
		}
		alloc := allocations[pid]
		if !alloc.alwaysSync {
			return errors.Newf("static processor %d is reached non-synchronously", pid).
				Component(Component).
				Category(errors.CategoryStaticNotSynchronous).
				Context("processor_id", int(pid)).
				Build()
		}
		for _, iid := range g.DestinationInputs(pid) {
			si := g.inputs[iid]
			ownerAlloc := allocations[si.Owner]
			if si.Options.Branches() != 1 || ownerAlloc.impliedNumStates != 1 {
				return errors.Newf("static processor %d would be allocated multiple states", pid).
					Component(Component).
					Category(errors.CategoryStaticMultipleStates).
					Context("processor_id", int(pid)).
					Context("input_id", int(iid)).
					Build()
			}
		}
	}
	return nil
}

// AvailableArguments computes, per expression, the set of arguments the
// expression may reference given its owner's place in the sound graph and
// its declared scope.
func AvailableArguments(g *Graph) map[ids.ExpressionID]map[ids.ArgumentID]bool {
	byProcessor := make(map[ids.ProcessorID]map[ids.ArgumentID]bool)

	// Static processors seed the propagation with their own arguments.
	for _, pid := range g.StaticProcessorIDs() {
		set := make(map[ids.ArgumentID]bool)
		for _, aid := range g.procs[pid].Args {
			set[aid] = true
		}
		byProcessor[pid] = set
	}

	allDestinationsCached := func(pid ids.ProcessorID) bool {
		for _, iid := range g.DestinationInputs(pid) {
			if _, ok := byProcessor[g.inputs[iid].Owner]; !ok {
				return false
			}
		}
		return true
	}

	inputArguments := func(iid ids.SoundInputID) map[ids.ArgumentID]bool {
		si := g.inputs[iid]
		out := make(map[ids.ArgumentID]bool)
		for aid := range byProcessor[si.Owner] {
			out[aid] = true
		}
		for _, aid := range si.Args {
			out[aid] = true
		}
		return out
	}

	// Cache the remaining processors in topological order. Each processor's
	// upstream set is the intersection over all destination inputs that
	// connect into it.
	for {
		var next ids.ProcessorID
		found := false
		for _, pid := range g.ProcessorIDs() {
			if _, ok := byProcessor[pid]; ok {
				continue
			}
			if allDestinationsCached(pid) {
				next = pid
				found = true
				break
			}
		}
		if !found {
			break
		}

		var available map[ids.ArgumentID]bool
		for _, iid := range g.DestinationInputs(next) {
			ia := inputArguments(iid)
			if available == nil {
				available = ia
				continue
			}
			for aid := range available {
				if !ia[aid] {
					delete(available, aid)
				}
			}
		}
		if available == nil {
			available = make(map[ids.ArgumentID]bool)
		}
		for _, aid := range g.procs[next].Args {
			available[aid] = true
		}
		byProcessor[next] = available
	}

	// Each expression's set is the owner's set minus out-of-scope locals and,
	// when the scope says so, processor-state scalars.
	byExpression := make(map[ids.ExpressionID]map[ids.ArgumentID]bool, len(g.exprs))
	for _, eid := range g.ExpressionIDs() {
		e := g.exprs[eid]
		available := make(map[ids.ArgumentID]bool)
		for aid := range byProcessor[e.Owner] {
			available[aid] = true
		}
		for _, aid := range g.procs[e.Owner].Args {
			a := g.args[aid]
			switch a.Instance.Origin() {
			case OriginScalar, OriginTime:
				if !e.Scope.ProcessorStateAvailable {
					delete(available, aid)
				}
			case OriginArray:
				if !e.Scope.hasLocal(aid) {
					delete(available, aid)
				}
			}
		}
		byExpression[eid] = available
	}
	return byExpression
}

// validateArgumentScopes checks that every parameter target of every
// expression is in that expression's available-argument set, and that time
// targets reference the owner or a processor that (transitively) consumes it.
func validateArgumentScopes(g *Graph) error {
	available := AvailableArguments(g)

	outOfScope := func(eid ids.ExpressionID, detail string, id int) error {
		return errors.Newf("expression %d references %s %d outside its scope", eid, detail, id).
			Component(Component).
			Category(errors.CategoryArgumentOutOfScope).
			Context("expression_id", int(eid)).
			Context(detail, id).
			Build()
	}

	for _, eid := range g.ExpressionIDs() {
		e := g.exprs[eid]
		set := available[eid]
		for _, target := range e.Mapping {
			switch target.Kind {
			case ParamTargetArgument:
				if !set[target.Argument] {
					return outOfScope(eid, "argument", int(target.Argument))
				}
			case ParamTargetProcessorTime:
				if !g.dependsOn(target.Processor, e.Owner) {
					return outOfScope(eid, "processor_time", int(target.Processor))
				}
			case ParamTargetInputTime:
				si := g.inputs[target.Input]
				if si == nil || !g.dependsOn(si.Owner, e.Owner) {
					return outOfScope(eid, "input_time", int(target.Input))
				}
			}
		}
	}
	return nil
}

func containsID[T comparable](s []T, id T) bool {
	for _, v := range s {
		if v == id {
			return true
		}
	}
	return false
}
