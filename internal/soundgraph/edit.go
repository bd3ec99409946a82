package soundgraph

import (
	"github.com/mkarjala/soundmesh/internal/errors"
	"github.com/mkarjala/soundmesh/internal/exprgraph"
	"github.com/mkarjala/soundmesh/internal/ids"
)

// Edit runs fn inside a transaction. The graph state is cloned cheaply
// (structural sharing of per-entity records), fn mutates the clone through
// the Transaction, and the result is validated. On success the clone is
// committed and the revision bumped; on any error the edit rolls back and
// the graph is exactly as before.
func (g *Graph) Edit(fn func(tx *Transaction) error) error {
	tx := &Transaction{base: g, work: g.shallowClone()}
	if err := fn(tx); err != nil {
		return err
	}
	if err := Validate(tx.work); err != nil {
		return err
	}
	tx.work.revision++
	*g = *tx.work
	return nil
}

// Transaction is a pending edit of a sound graph. All mutators operate on a
// working copy; nothing is visible outside until the transaction commits.
type Transaction struct {
	base *Graph
	work *Graph
}

// Graph exposes the working copy for reads during the edit.
func (tx *Transaction) Graph() *Graph {
	return tx.work
}

// mutableProcessor returns a record safe to mutate, cloning it on first
// touch.
func (tx *Transaction) mutableProcessor(id ids.ProcessorID) (*Processor, error) {
	p, ok := tx.work.procs[id]
	if !ok {
		return nil, errNotFound("sound processor", int(id))
	}
	if tx.base.procs[id] == p {
		p = p.clone()
		tx.work.procs[id] = p
	}
	return p, nil
}

func (tx *Transaction) mutableInput(id ids.SoundInputID) (*SoundInput, error) {
	si, ok := tx.work.inputs[id]
	if !ok {
		return nil, errNotFound("sound input", int(id))
	}
	if tx.base.inputs[id] == si {
		si = si.clone()
		tx.work.inputs[id] = si
	}
	return si, nil
}

func (tx *Transaction) mutableExpression(id ids.ExpressionID) (*Expression, error) {
	e, ok := tx.work.exprs[id]
	if !ok {
		return nil, errNotFound("expression", int(id))
	}
	if tx.base.exprs[id] == e {
		e = e.clone()
		tx.work.exprs[id] = e
	}
	return e, nil
}

func errNotFound(what string, id int) error {
	return errors.Newf("%s %d does not exist", what, id).
		Component(Component).
		Category(errors.CategoryNotFound).
		Context("entity", what).
		Context("id", id).
		Build()
}

// AddProcessor inserts a processor with the given instance and returns its
// ID.
func (tx *Transaction) AddProcessor(instance ProcessorInstance) ids.ProcessorID {
	id := tx.work.procGen.Next()
	tx.work.procs[id] = &Processor{ID: id, Instance: instance}
	return id
}

// RemoveProcessor deletes a processor together with its inputs, arguments
// and expressions. Inputs of other processors targeting it are disconnected.
func (tx *Transaction) RemoveProcessor(id ids.ProcessorID) error {
	p, ok := tx.work.procs[id]
	if !ok {
		return errNotFound("sound processor", int(id))
	}
	for _, iid := range append([]ids.SoundInputID(nil), p.Inputs...) {
		if err := tx.RemoveInput(iid); err != nil {
			return err
		}
	}
	for _, aid := range append([]ids.ArgumentID(nil), p.Args...) {
		if err := tx.RemoveArgument(aid); err != nil {
			return err
		}
	}
	for _, eid := range append([]ids.ExpressionID(nil), p.Exprs...) {
		if err := tx.RemoveExpression(eid); err != nil {
			return err
		}
	}
	for iid, si := range tx.work.inputs {
		if si.Target == id {
			msi, err := tx.mutableInput(iid)
			if err != nil {
				return err
			}
			msi.Target = 0
		}
	}
	delete(tx.work.procs, id)
	return nil
}

// AddInput adds a sound input to a processor. Scheduled inputs get an empty
// schedule.
func (tx *Transaction) AddInput(owner ids.ProcessorID, options InputOptions) (ids.SoundInputID, error) {
	p, err := tx.mutableProcessor(owner)
	if err != nil {
		return 0, err
	}
	if options.Chron == Branched && options.BranchCount < 0 {
		return 0, errors.Newf("branched input cannot have %d branches", options.BranchCount).
			Component(Component).
			Category(errors.CategoryValidation).
			Context("branches", options.BranchCount).
			Build()
	}
	id := tx.work.inputGen.Next()
	si := &SoundInput{ID: id, Owner: owner, Options: options}
	if options.Chron == Scheduled {
		si.Schedule = NewSchedule()
	}
	tx.work.inputs[id] = si
	p.Inputs = append(p.Inputs, id)
	return id, nil
}

// RemoveInput deletes a sound input and its declared arguments.
func (tx *Transaction) RemoveInput(id ids.SoundInputID) error {
	si, ok := tx.work.inputs[id]
	if !ok {
		return errNotFound("sound input", int(id))
	}
	for _, aid := range append([]ids.ArgumentID(nil), si.Args...) {
		if err := tx.RemoveArgument(aid); err != nil {
			return err
		}
	}
	if p, err := tx.mutableProcessor(si.Owner); err == nil {
		p.Inputs = removeID(p.Inputs, id)
	}
	delete(tx.work.inputs, id)
	return nil
}

// SetInputTarget connects a sound input to a target processor. Connecting an
// already connected input is an error; disconnect first.
func (tx *Transaction) SetInputTarget(input ids.SoundInputID, target ids.ProcessorID) error {
	si, err := tx.mutableInput(input)
	if err != nil {
		return err
	}
	if _, ok := tx.work.procs[target]; !ok {
		return errNotFound("sound processor", int(target))
	}
	if si.Target.IsValid() {
		return errors.Newf("sound input %d is already connected to processor %d", input, si.Target).
			Component(Component).
			Category(errors.CategoryConflict).
			Context("input_id", int(input)).
			Context("target_id", int(si.Target)).
			Build()
	}
	si.Target = target
	return nil
}

// ClearInputTarget disconnects a sound input.
func (tx *Transaction) ClearInputTarget(input ids.SoundInputID) error {
	si, err := tx.mutableInput(input)
	if err != nil {
		return err
	}
	if !si.Target.IsValid() {
		return errors.Newf("sound input %d is not connected", input).
			Component(Component).
			Category(errors.CategoryNotConnected).
			Context("input_id", int(input)).
			Build()
	}
	si.Target = 0
	return nil
}

// AddSpan adds a scheduled span to a scheduled input. The authored span is
// kept and overlapping existing spans are deleted.
func (tx *Transaction) AddSpan(input ids.SoundInputID, start, length int64) (Span, error) {
	si, err := tx.mutableInput(input)
	if err != nil {
		return Span{}, err
	}
	if si.Schedule == nil {
		return Span{}, errors.Newf("sound input %d is not scheduled", input).
			Component(Component).
			Category(errors.CategoryState).
			Context("input_id", int(input)).
			Build()
	}
	span, ok := si.Schedule.AddSpan(start, length)
	if !ok {
		return Span{}, errors.Newf("span length must be positive, got %d", length).
			Component(Component).
			Category(errors.CategoryValidation).
			Context("input_id", int(input)).
			Context("length", length).
			Build()
	}
	return span, nil
}

// RemoveSpan deletes a scheduled span by ID.
func (tx *Transaction) RemoveSpan(input ids.SoundInputID, spanID int) error {
	si, err := tx.mutableInput(input)
	if err != nil {
		return err
	}
	if si.Schedule == nil || !si.Schedule.RemoveSpan(spanID) {
		return errNotFound("scheduled span", spanID)
	}
	return nil
}

// AddArgument adds an argument to a processor and returns its ID.
func (tx *Transaction) AddArgument(owner ids.ProcessorID, instance ArgumentInstance) (ids.ArgumentID, error) {
	p, err := tx.mutableProcessor(owner)
	if err != nil {
		return 0, err
	}
	id := tx.work.argGen.Next()
	tx.work.args[id] = &Argument{ID: id, Owner: ProcessorOwner(owner), Instance: instance}
	p.Args = append(p.Args, id)
	return id, nil
}

// AddInputArgument adds an argument declared by a sound input.
func (tx *Transaction) AddInputArgument(owner ids.SoundInputID, instance ArgumentInstance) (ids.ArgumentID, error) {
	si, err := tx.mutableInput(owner)
	if err != nil {
		return 0, err
	}
	id := tx.work.argGen.Next()
	tx.work.args[id] = &Argument{ID: id, Owner: InputOwner(owner), Instance: instance}
	si.Args = append(si.Args, id)
	return id, nil
}

// RemoveArgument deletes an argument. Parameter targets resolving to it are
// removed from their expressions.
func (tx *Transaction) RemoveArgument(id ids.ArgumentID) error {
	a, ok := tx.work.args[id]
	if !ok {
		return errNotFound("expression argument", int(id))
	}
	switch a.Owner.Kind {
	case OwnedByProcessor:
		if p, err := tx.mutableProcessor(a.Owner.Processor); err == nil {
			p.Args = removeID(p.Args, id)
		}
	case OwnedByInput:
		if si, err := tx.mutableInput(a.Owner.Input); err == nil {
			si.Args = removeID(si.Args, id)
		}
	}
	for eid, e := range tx.work.exprs {
		for pid, target := range e.Mapping {
			if target.Kind == ParamTargetArgument && target.Argument == id {
				if err := tx.RemoveParameterTarget(eid, pid); err != nil {
					return err
				}
			}
		}
	}
	delete(tx.work.args, id)
	return nil
}

// AddExpression adds an expression to a processor. Its graph starts empty
// with the given result default.
func (tx *Transaction) AddExpression(owner ids.ProcessorID, resultDefault float32, scope Scope) (ids.ExpressionID, error) {
	p, err := tx.mutableProcessor(owner)
	if err != nil {
		return 0, err
	}
	id := tx.work.exprGen.Next()
	tx.work.exprs[id] = &Expression{
		ID:      id,
		Owner:   owner,
		Graph:   exprgraph.New(resultDefault),
		Mapping: make(map[ids.ParameterID]ParamTarget),
		Scope:   scope,
	}
	p.Exprs = append(p.Exprs, id)
	return id, nil
}

// RemoveExpression deletes an expression.
func (tx *Transaction) RemoveExpression(id ids.ExpressionID) error {
	e, ok := tx.work.exprs[id]
	if !ok {
		return errNotFound("expression", int(id))
	}
	if p, err := tx.mutableProcessor(e.Owner); err == nil {
		p.Exprs = removeID(p.Exprs, id)
	}
	delete(tx.work.exprs, id)
	return nil
}

// AddExpressionNode adds a node instance of a kernel to an expression's
// graph.
func (tx *Transaction) AddExpressionNode(expr ids.ExpressionID, kernel exprgraph.Kernel) (ids.ExpressionNodeID, error) {
	e, err := tx.mutableExpression(expr)
	if err != nil {
		return 0, err
	}
	return e.Graph.AddNode(kernel), nil
}

// RemoveExpressionNode deletes a node from an expression's graph.
func (tx *Transaction) RemoveExpressionNode(expr ids.ExpressionID, node ids.ExpressionNodeID) error {
	e, err := tx.mutableExpression(expr)
	if err != nil {
		return err
	}
	return e.Graph.RemoveNode(node)
}

// ConnectExpressionInput points an input of a node at a target.
func (tx *Transaction) ConnectExpressionInput(expr ids.ExpressionID, node ids.ExpressionNodeID, idx int, target exprgraph.Target) error {
	e, err := tx.mutableExpression(expr)
	if err != nil {
		return err
	}
	return e.Graph.ConnectInput(node, idx, target)
}

// DisconnectExpressionInput resets an input of a node to its default value.
// A parameter that loses its last use is removed together with its mapping.
func (tx *Transaction) DisconnectExpressionInput(expr ids.ExpressionID, node ids.ExpressionNodeID, idx int) error {
	e, err := tx.mutableExpression(expr)
	if err != nil {
		return err
	}
	n := e.Graph.Node(node)
	var previous exprgraph.Target
	if n != nil && idx >= 0 && idx < len(n.Inputs) {
		previous = n.Inputs[idx].Target
	}
	if err := e.Graph.DisconnectInput(node, idx); err != nil {
		return err
	}
	if previous.Kind == exprgraph.TargetParameter {
		tx.pruneParameter(e, previous.Parameter)
	}
	return nil
}

// SetExpressionDefault changes an input's fallback value.
func (tx *Transaction) SetExpressionDefault(expr ids.ExpressionID, node ids.ExpressionNodeID, idx int, value float32) error {
	e, err := tx.mutableExpression(expr)
	if err != nil {
		return err
	}
	return e.Graph.SetDefault(node, idx, value)
}

// SetExpressionResult points the expression's result at a target.
func (tx *Transaction) SetExpressionResult(expr ids.ExpressionID, target exprgraph.Target) error {
	e, err := tx.mutableExpression(expr)
	if err != nil {
		return err
	}
	n := e.Graph.Result()
	if err := e.Graph.SetResultTarget(target); err != nil {
		return err
	}
	if n.Target.Kind == exprgraph.TargetParameter && n.Target != target {
		tx.pruneParameter(e, n.Target.Parameter)
	}
	return nil
}

// AddParameterTarget maps a parameter of the expression to a target,
// creating the parameter. The mapping is invertible: a target already mapped
// returns its existing parameter.
func (tx *Transaction) AddParameterTarget(expr ids.ExpressionID, target ParamTarget) (ids.ParameterID, error) {
	e, err := tx.mutableExpression(expr)
	if err != nil {
		return 0, err
	}
	if err := tx.checkParamTarget(target); err != nil {
		return 0, err
	}
	if pid, ok := e.ParameterFor(target); ok {
		return pid, nil
	}
	pid := tx.work.paramGen.Next()
	e.Mapping[pid] = target
	e.Graph.InsertParameter(pid)
	return pid, nil
}

// RemoveParameterTarget removes a parameter and its mapping. Inputs
// targeting the parameter fall back to their defaults.
func (tx *Transaction) RemoveParameterTarget(expr ids.ExpressionID, param ids.ParameterID) error {
	e, err := tx.mutableExpression(expr)
	if err != nil {
		return err
	}
	if _, ok := e.Mapping[param]; !ok {
		return errNotFound("parameter", int(param))
	}
	delete(e.Mapping, param)
	return e.Graph.RemoveParameter(param)
}

// pruneParameter drops a parameter whose last use disappeared.
func (tx *Transaction) pruneParameter(e *Expression, param ids.ParameterID) {
	for _, nid := range e.Graph.NodeIDs() {
		for _, in := range e.Graph.Node(nid).Inputs {
			if in.Target.Kind == exprgraph.TargetParameter && in.Target.Parameter == param {
				return
			}
		}
	}
	if r := e.Graph.Result(); r.Target.Kind == exprgraph.TargetParameter && r.Target.Parameter == param {
		return
	}
	delete(e.Mapping, param)
	_ = e.Graph.RemoveParameter(param)
}

func (tx *Transaction) checkParamTarget(target ParamTarget) error {
	switch target.Kind {
	case ParamTargetArgument:
		if _, ok := tx.work.args[target.Argument]; !ok {
			return errNotFound("expression argument", int(target.Argument))
		}
	case ParamTargetProcessorTime:
		if _, ok := tx.work.procs[target.Processor]; !ok {
			return errNotFound("sound processor", int(target.Processor))
		}
	case ParamTargetInputTime:
		if _, ok := tx.work.inputs[target.Input]; !ok {
			return errNotFound("sound input", int(target.Input))
		}
	}
	return nil
}

func removeID[T comparable](s []T, id T) []T {
	for i, v := range s {
		if v == id {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}
