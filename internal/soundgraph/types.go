// Package soundgraph models the directed graph of sound processors, their
// sound inputs, expression arguments and embedded expressions. The graph is
// an arena keyed by typed IDs; all cross-entity references are IDs resolved
// through the arena. Mutation happens through transactional edits which are
// validated before commit and rolled back atomically on failure.
package soundgraph

import (
	"github.com/mkarjala/soundmesh/internal/exprgraph"
	"github.com/mkarjala/soundmesh/internal/ids"
)

// Component identifier for sound graph errors
const Component = "soundgraph"

// ProcessorKind distinguishes the two execution models. The set is closed.
type ProcessorKind uint8

const (
	// Dynamic processors are replicated per upstream state; their implied
	// state count is the product of branch counts along every path from a
	// static source.
	Dynamic ProcessorKind = iota
	// Static processors are singletons with exactly one state, reached only
	// through synchronous single-branch inputs.
	Static
)

func (k ProcessorKind) String() string {
	if k == Static {
		return "static"
	}
	return "dynamic"
}

// Synchronicity says whether an input steps in lockstep with its owner.
type Synchronicity uint8

const (
	Synchronous Synchronicity = iota
	NonSynchronous
)

// Chronicity describes how many concurrent evaluations an input carries and
// how they are laid out in time.
type Chronicity uint8

const (
	// Isochronic inputs evaluate their target once, continuously.
	Isochronic Chronicity = iota
	// Anisochronic inputs evaluate their target once with independent timing.
	Anisochronic
	// Branched inputs evaluate their target once per branch (polyphony).
	Branched
	// Scheduled inputs evaluate their target over an ordered set of
	// non-overlapping time spans.
	Scheduled
)

// InputOptions is the option set of a sound input.
type InputOptions struct {
	Sync        Synchronicity
	Chron       Chronicity
	BranchCount int // used when Chron == Branched
}

// Branches returns the number of concurrent evaluations the input implies.
func (o InputOptions) Branches() int {
	if o.Chron == Branched {
		return o.BranchCount
	}
	return 1
}

// IsSynchronous reports whether the input steps in lockstep with its owner.
func (o InputOptions) IsSynchronous() bool {
	return o.Sync == Synchronous
}

// Span is one scheduled stretch of samples on a scheduled input.
// Invariant: start[i] + length[i] <= start[i+1] and length > 0.
type Span struct {
	ID     int
	Start  int64
	Length int64
}

// End returns the first sample after the span.
func (s Span) End() int64 {
	return s.Start + s.Length
}

func (s Span) overlaps(other Span) bool {
	return s.Start < other.End() && other.Start < s.End()
}

// Schedule is the ordered, disjoint set of spans on a scheduled input.
type Schedule struct {
	spans  []Span
	nextID int
}

// NewSchedule returns an empty schedule.
func NewSchedule() *Schedule {
	return &Schedule{nextID: 1}
}

func (s *Schedule) clone() *Schedule {
	out := &Schedule{nextID: s.nextID}
	out.spans = make([]Span, len(s.spans))
	copy(out.spans, s.spans)
	return out
}

// AddSpan inserts a span of the given start and length. The authored span is
// kept; any existing spans it overlaps are deleted. Spans of non-positive
// length are rejected.
func (s *Schedule) AddSpan(start, length int64) (Span, bool) {
	if length <= 0 {
		return Span{}, false
	}
	span := Span{ID: s.nextID, Start: start, Length: length}
	s.nextID++

	kept := make([]Span, 0, len(s.spans)+1)
	inserted := false
	for _, existing := range s.spans {
		if span.overlaps(existing) {
			continue
		}
		if !inserted && existing.Start >= span.End() {
			kept = append(kept, span)
			inserted = true
		}
		kept = append(kept, existing)
	}
	if !inserted {
		kept = append(kept, span)
	}
	s.spans = kept
	return span, true
}

// RemoveSpan deletes the span with the given ID.
func (s *Schedule) RemoveSpan(id int) bool {
	for i, span := range s.spans {
		if span.ID == id {
			s.spans = append(s.spans[:i], s.spans[i+1:]...)
			return true
		}
	}
	return false
}

// Spans returns the spans in start order. The slice is shared; callers must
// not mutate it.
func (s *Schedule) Spans() []Span {
	return s.spans
}

// ArgumentOrigin says where an argument's data comes from.
type ArgumentOrigin uint8

const (
	// OriginScalar arguments are captured from processor state at call time.
	OriginScalar ArgumentOrigin = iota
	// OriginArray arguments are local slices pushed by the owner each block.
	OriginArray
	// OriginTime is the well-known time argument of the owner.
	OriginTime
)

// ArgumentInstance is the behavior attached to an argument record. Scalar
// arguments additionally implement ScalarReader so the engine can capture
// their value from a processor-state snapshot.
type ArgumentInstance interface {
	Origin() ArgumentOrigin
}

// ScalarReader reads one float from an opaque processor-state snapshot.
type ScalarReader interface {
	ReadScalar(state any) float32
}

// ScalarArgument captures a value out of processor state at call time.
type ScalarArgument struct {
	Read func(state any) float32
}

func (a *ScalarArgument) Origin() ArgumentOrigin { return OriginScalar }

// ReadScalar implements ScalarReader.
func (a *ScalarArgument) ReadScalar(state any) float32 {
	return a.Read(state)
}

// ArrayArgument is a local slice pushed by the owning processor each block.
type ArrayArgument struct{}

func (a *ArrayArgument) Origin() ArgumentOrigin { return OriginArray }

// TimeArgument is the owner's well-known time argument.
type TimeArgument struct{}

func (a *TimeArgument) Origin() ArgumentOrigin { return OriginTime }

// ArgumentOwnerKind discriminates argument owners.
type ArgumentOwnerKind uint8

const (
	OwnedByProcessor ArgumentOwnerKind = iota
	OwnedByInput
)

// ArgumentOwner is the processor or sound input an argument belongs to.
type ArgumentOwner struct {
	Kind      ArgumentOwnerKind
	Processor ids.ProcessorID
	Input     ids.SoundInputID
}

// ProcessorOwner returns an owner tag for a processor.
func ProcessorOwner(id ids.ProcessorID) ArgumentOwner {
	return ArgumentOwner{Kind: OwnedByProcessor, Processor: id}
}

// InputOwner returns an owner tag for a sound input.
func InputOwner(id ids.SoundInputID) ArgumentOwner {
	return ArgumentOwner{Kind: OwnedByInput, Input: id}
}

// ParamTargetKind discriminates parameter targets.
type ParamTargetKind uint8

const (
	// ParamTargetArgument resolves the parameter to an argument location.
	ParamTargetArgument ParamTargetKind = iota
	// ParamTargetProcessorTime resolves to the elapsed time of a processor.
	ParamTargetProcessorTime
	// ParamTargetInputTime resolves to the elapsed time of a sound input.
	ParamTargetInputTime
)

// ParamTarget is what a parameter of an expression resolves to at runtime.
type ParamTarget struct {
	Kind      ParamTargetKind
	Argument  ids.ArgumentID
	Processor ids.ProcessorID
	Input     ids.SoundInputID
}

// ArgumentParamTarget targets an argument.
func ArgumentParamTarget(id ids.ArgumentID) ParamTarget {
	return ParamTarget{Kind: ParamTargetArgument, Argument: id}
}

// ProcessorTimeParamTarget targets a processor's elapsed time.
func ProcessorTimeParamTarget(id ids.ProcessorID) ParamTarget {
	return ParamTarget{Kind: ParamTargetProcessorTime, Processor: id}
}

// InputTimeParamTarget targets a sound input's elapsed time.
func InputTimeParamTarget(id ids.SoundInputID) ParamTarget {
	return ParamTarget{Kind: ParamTargetInputTime, Input: id}
}

// Scope declares which of the owning processor's arguments an expression may
// reference: whether processor-state scalars are available and which local
// array arguments are in scope.
type Scope struct {
	ProcessorStateAvailable bool
	Locals                  []ids.ArgumentID
}

// WithProcessorState returns a scope that exposes processor state and no
// locals.
func WithProcessorState() Scope {
	return Scope{ProcessorStateAvailable: true}
}

// WithoutProcessorState returns a scope that hides processor state.
func WithoutProcessorState() Scope {
	return Scope{}
}

// WithLocals returns a scope exposing processor state and the given local
// array arguments.
func WithLocals(locals ...ids.ArgumentID) Scope {
	return Scope{ProcessorStateAvailable: true, Locals: locals}
}

func (s Scope) clone() Scope {
	out := Scope{ProcessorStateAvailable: s.ProcessorStateAvailable}
	out.Locals = make([]ids.ArgumentID, len(s.Locals))
	copy(out.Locals, s.Locals)
	return out
}

func (s Scope) hasLocal(id ids.ArgumentID) bool {
	for _, l := range s.Locals {
		if l == id {
			return true
		}
	}
	return false
}

// ProcessorInstance is the data-facing contract of a processor
// implementation. Execution capabilities (compile, process audio) live with
// the engine and are asserted from this interface, which keeps the processor
// set open for extension.
type ProcessorInstance interface {
	Kind() ProcessorKind
}

// Processor is one sound processor record in the arena.
type Processor struct {
	ID       ids.ProcessorID
	Instance ProcessorInstance
	Inputs   []ids.SoundInputID
	Args     []ids.ArgumentID
	Exprs    []ids.ExpressionID
}

// Kind returns the processor's execution kind.
func (p *Processor) Kind() ProcessorKind {
	return p.Instance.Kind()
}

func (p *Processor) clone() *Processor {
	out := &Processor{ID: p.ID, Instance: p.Instance}
	out.Inputs = append([]ids.SoundInputID(nil), p.Inputs...)
	out.Args = append([]ids.ArgumentID(nil), p.Args...)
	out.Exprs = append([]ids.ExpressionID(nil), p.Exprs...)
	return out
}

// SoundInput is one sound input record in the arena.
type SoundInput struct {
	ID       ids.SoundInputID
	Owner    ids.ProcessorID
	Options  InputOptions
	Target   ids.ProcessorID // zero when unconnected
	Args     []ids.ArgumentID
	Schedule *Schedule // non-nil only for scheduled inputs
}

func (si *SoundInput) clone() *SoundInput {
	out := &SoundInput{ID: si.ID, Owner: si.Owner, Options: si.Options, Target: si.Target}
	out.Args = append([]ids.ArgumentID(nil), si.Args...)
	if si.Schedule != nil {
		out.Schedule = si.Schedule.clone()
	}
	return out
}

// Argument is one expression argument record in the arena.
type Argument struct {
	ID       ids.ArgumentID
	Owner    ArgumentOwner
	Instance ArgumentInstance
}

func (a *Argument) clone() *Argument {
	out := *a
	return &out
}

// Expression is one embedded expression record in the arena.
type Expression struct {
	ID      ids.ExpressionID
	Owner   ids.ProcessorID
	Graph   *exprgraph.Graph
	Mapping map[ids.ParameterID]ParamTarget
	Scope   Scope
}

func (e *Expression) clone() *Expression {
	out := &Expression{ID: e.ID, Owner: e.Owner, Graph: e.Graph.Clone(), Scope: e.Scope.clone()}
	out.Mapping = make(map[ids.ParameterID]ParamTarget, len(e.Mapping))
	for k, v := range e.Mapping {
		out.Mapping[k] = v
	}
	return out
}

// ParameterFor returns the parameter already mapped to target, if any.
func (e *Expression) ParameterFor(target ParamTarget) (ids.ParameterID, bool) {
	for pid, t := range e.Mapping {
		if t == target {
			return pid, true
		}
	}
	return 0, false
}
