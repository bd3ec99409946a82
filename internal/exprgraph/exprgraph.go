// Package exprgraph models the small numeric DAGs embedded in sound
// processors. A graph holds expression node instances, parameters fed from
// outside the expression, and one result node. Node inputs target another
// node, a parameter, or nothing at all, in which case a per-input scalar
// default applies.
package exprgraph

import (
	"sort"

	"github.com/mkarjala/soundmesh/internal/errors"
	"github.com/mkarjala/soundmesh/internal/ids"
)

// Component identifier for expression graph errors
const Component = "exprgraph"

// Layout describes how a node kernel renders in a lexical editor. The four
// layouts are declared as data rather than behavior.
type Layout uint8

const (
	LayoutFunction Layout = iota
	LayoutPrefix
	LayoutInfix
	LayoutPostfix
)

// Kernel is the data-facing description of an expression node type: its
// name, lexical layout, numeric input defaults, and how many persistent
// float slots one instance of it needs. Compilation is a separate capability
// asserted by the expression compiler.
type Kernel interface {
	Name() string
	Layout() Layout
	InputDefaults() []float32
	StateSize() int
}

// TargetKind discriminates what a node input or result points at.
type TargetKind uint8

const (
	TargetNone TargetKind = iota
	TargetNode
	TargetParameter
)

// Target is a tagged reference to a node, a parameter, or nothing.
type Target struct {
	Kind      TargetKind
	Node      ids.ExpressionNodeID
	Parameter ids.ParameterID
}

// NodeTarget returns a target pointing at a node.
func NodeTarget(id ids.ExpressionNodeID) Target {
	return Target{Kind: TargetNode, Node: id}
}

// ParameterTarget returns a target pointing at a parameter.
func ParameterTarget(id ids.ParameterID) Target {
	return Target{Kind: TargetParameter, Parameter: id}
}

// NodeInput is one numeric input slot on a node.
type NodeInput struct {
	Default float32
	Target  Target
}

// Node is one expression node instance.
type Node struct {
	ID     ids.ExpressionNodeID
	Kernel Kernel
	Inputs []NodeInput
}

func (n *Node) clone() *Node {
	out := &Node{ID: n.ID, Kernel: n.Kernel}
	out.Inputs = make([]NodeInput, len(n.Inputs))
	copy(out.Inputs, n.Inputs)
	return out
}

// Result is the single output of an expression graph. When its target is
// unconnected the default value is produced.
type Result struct {
	Target  Target
	Default float32
}

// Graph is a DAG of expression nodes terminating in one result.
type Graph struct {
	nodes   map[ids.ExpressionNodeID]*Node
	params  map[ids.ParameterID]struct{}
	result  Result
	nodeGen *ids.Generator[ids.ExpressionNodeID]
}

// New returns an empty graph whose result produces resultDefault until
// connected.
func New(resultDefault float32) *Graph {
	return &Graph{
		nodes:   make(map[ids.ExpressionNodeID]*Node),
		params:  make(map[ids.ParameterID]struct{}),
		result:  Result{Default: resultDefault},
		nodeGen: ids.NewGenerator[ids.ExpressionNodeID](),
	}
}

// Clone returns a deep copy. Edits run on a clone so a failed validation can
// roll back without touching the committed graph.
func (g *Graph) Clone() *Graph {
	out := &Graph{
		nodes:   make(map[ids.ExpressionNodeID]*Node, len(g.nodes)),
		params:  make(map[ids.ParameterID]struct{}, len(g.params)),
		result:  g.result,
		nodeGen: g.nodeGen,
	}
	for id, n := range g.nodes {
		out.nodes[id] = n.clone()
	}
	for id := range g.params {
		out.params[id] = struct{}{}
	}
	return out
}

// AddNode inserts a node instance of the given kernel with all inputs
// unconnected at their defaults.
func (g *Graph) AddNode(kernel Kernel) ids.ExpressionNodeID {
	id := g.nodeGen.Next()
	defaults := kernel.InputDefaults()
	inputs := make([]NodeInput, len(defaults))
	for i, d := range defaults {
		inputs[i] = NodeInput{Default: d}
	}
	g.nodes[id] = &Node{ID: id, Kernel: kernel, Inputs: inputs}
	return id
}

// RemoveNode deletes a node. Anything targeting it falls back to its
// default.
func (g *Graph) RemoveNode(id ids.ExpressionNodeID) error {
	if _, ok := g.nodes[id]; !ok {
		return errors.Newf("expression node %d does not exist", id).
			Component(Component).
			Category(errors.CategoryNotFound).
			Context("node_id", int(id)).
			Build()
	}
	delete(g.nodes, id)
	for _, n := range g.nodes {
		for i := range n.Inputs {
			if n.Inputs[i].Target.Kind == TargetNode && n.Inputs[i].Target.Node == id {
				n.Inputs[i].Target = Target{}
			}
		}
	}
	if g.result.Target.Kind == TargetNode && g.result.Target.Node == id {
		g.result.Target = Target{}
	}
	return nil
}

// Node returns the node with the given ID, or nil.
func (g *Graph) Node(id ids.ExpressionNodeID) *Node {
	return g.nodes[id]
}

// NodeIDs returns all node IDs in ascending order.
func (g *Graph) NodeIDs() []ids.ExpressionNodeID {
	out := make([]ids.ExpressionNodeID, 0, len(g.nodes))
	for id := range g.nodes {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// NumNodes returns the node count.
func (g *Graph) NumNodes() int {
	return len(g.nodes)
}

// ConnectInput points input index idx of a node at the given target.
// Connecting an already connected input is rejected; disconnect first.
func (g *Graph) ConnectInput(node ids.ExpressionNodeID, idx int, target Target) error {
	n, err := g.inputSlot(node, idx)
	if err != nil {
		return err
	}
	if n.Inputs[idx].Target.Kind != TargetNone {
		return errors.Newf("input %d of expression node %d is already connected", idx, node).
			Component(Component).
			Category(errors.CategoryConflict).
			Context("node_id", int(node)).
			Context("input_index", idx).
			Build()
	}
	if err := g.checkTarget(target); err != nil {
		return err
	}
	n.Inputs[idx].Target = target
	return nil
}

// DisconnectInput resets input index idx of a node to its default.
func (g *Graph) DisconnectInput(node ids.ExpressionNodeID, idx int) error {
	n, err := g.inputSlot(node, idx)
	if err != nil {
		return err
	}
	if n.Inputs[idx].Target.Kind == TargetNone {
		return errors.Newf("input %d of expression node %d is not connected", idx, node).
			Component(Component).
			Category(errors.CategoryNotConnected).
			Context("node_id", int(node)).
			Context("input_index", idx).
			Build()
	}
	n.Inputs[idx].Target = Target{}
	return nil
}

// SetDefault changes the fallback value of input index idx of a node.
func (g *Graph) SetDefault(node ids.ExpressionNodeID, idx int, value float32) error {
	n, err := g.inputSlot(node, idx)
	if err != nil {
		return err
	}
	n.Inputs[idx].Default = value
	return nil
}

func (g *Graph) inputSlot(node ids.ExpressionNodeID, idx int) (*Node, error) {
	n, ok := g.nodes[node]
	if !ok {
		return nil, errors.Newf("expression node %d does not exist", node).
			Component(Component).
			Category(errors.CategoryNotFound).
			Context("node_id", int(node)).
			Build()
	}
	if idx < 0 || idx >= len(n.Inputs) {
		return nil, errors.Newf("expression node %d has no input %d", node, idx).
			Component(Component).
			Category(errors.CategoryNotFound).
			Context("node_id", int(node)).
			Context("input_index", idx).
			Build()
	}
	return n, nil
}

func (g *Graph) checkTarget(target Target) error {
	switch target.Kind {
	case TargetNone:
		return nil
	case TargetNode:
		if _, ok := g.nodes[target.Node]; !ok {
			return errors.Newf("target expression node %d does not exist", target.Node).
				Component(Component).
				Category(errors.CategoryDanglingReference).
				Context("node_id", int(target.Node)).
				Build()
		}
	case TargetParameter:
		if _, ok := g.params[target.Parameter]; !ok {
			return errors.Newf("target parameter %d does not exist", target.Parameter).
				Component(Component).
				Category(errors.CategoryDanglingReference).
				Context("parameter_id", int(target.Parameter)).
				Build()
		}
	}
	return nil
}

// InsertParameter registers an externally supplied parameter ID. Parameter
// identity is owned by the enclosing expression's parameter mapping, which
// keeps the mapping invertible.
func (g *Graph) InsertParameter(id ids.ParameterID) {
	g.params[id] = struct{}{}
}

// RemoveParameter deletes a parameter; inputs targeting it fall back to
// their defaults.
func (g *Graph) RemoveParameter(id ids.ParameterID) error {
	if _, ok := g.params[id]; !ok {
		return errors.Newf("parameter %d does not exist", id).
			Component(Component).
			Category(errors.CategoryNotFound).
			Context("parameter_id", int(id)).
			Build()
	}
	delete(g.params, id)
	for _, n := range g.nodes {
		for i := range n.Inputs {
			if n.Inputs[i].Target.Kind == TargetParameter && n.Inputs[i].Target.Parameter == id {
				n.Inputs[i].Target = Target{}
			}
		}
	}
	if g.result.Target.Kind == TargetParameter && g.result.Target.Parameter == id {
		g.result.Target = Target{}
	}
	return nil
}

// HasParameter reports whether the parameter is registered.
func (g *Graph) HasParameter(id ids.ParameterID) bool {
	_, ok := g.params[id]
	return ok
}

// ParameterIDs returns all parameter IDs in ascending order.
func (g *Graph) ParameterIDs() []ids.ParameterID {
	out := make([]ids.ParameterID, 0, len(g.params))
	for id := range g.params {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Result returns the result node.
func (g *Graph) Result() Result {
	return g.result
}

// SetResultTarget points the result at a target.
func (g *Graph) SetResultTarget(target Target) error {
	if err := g.checkTarget(target); err != nil {
		return err
	}
	g.result.Target = target
	return nil
}

// SetResultDefault changes the value produced while the result is
// unconnected.
func (g *Graph) SetResultDefault(value float32) {
	g.result.Default = value
}

// FindCycle returns the node IDs of one cycle among expression nodes through
// input targets, or nil when the graph is acyclic.
func (g *Graph) FindCycle() []ids.ExpressionNodeID {
	const (
		unvisited = 0
		onPath    = 1
		finished  = 2
	)
	marks := make(map[ids.ExpressionNodeID]int, len(g.nodes))
	var path []ids.ExpressionNodeID

	var visit func(id ids.ExpressionNodeID) []ids.ExpressionNodeID
	visit = func(id ids.ExpressionNodeID) []ids.ExpressionNodeID {
		switch marks[id] {
		case onPath:
			// Trim the path back to the first visit of this node.
			for i, p := range path {
				if p == id {
					cycle := make([]ids.ExpressionNodeID, len(path)-i)
					copy(cycle, path[i:])
					return cycle
				}
			}
			return path
		case finished:
			return nil
		}
		marks[id] = onPath
		path = append(path, id)
		n := g.nodes[id]
		for _, in := range n.Inputs {
			if in.Target.Kind != TargetNode {
				continue
			}
			if cycle := visit(in.Target.Node); cycle != nil {
				return cycle
			}
		}
		path = path[:len(path)-1]
		marks[id] = finished
		return nil
	}

	for _, id := range g.NodeIDs() {
		if marks[id] == unvisited {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}
