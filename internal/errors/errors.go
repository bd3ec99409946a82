// Package errors provides centralized error handling for the engine.
// Errors carry a component tag, a category for grouping and a typed context
// map, and are built with a fluent builder. Validation and edit failures are
// surfaced as values; compile failures are programmer errors and abort.
package errors

import (
	stderrors "errors"
	"fmt"
	"maps"
	"time"
)

// Category groups errors for reporting.
type Category string

const (
	// Validation categories. Each one names the first violated rule of the
	// sound graph invariants.
	CategoryCycleInSoundGraph      Category = "cycle-in-sound-graph"
	CategoryCycleInExpressionGraph Category = "cycle-in-expression-graph"
	CategoryStaticNotSynchronous   Category = "static-not-synchronous"
	CategoryStaticMultipleStates   Category = "static-multiple-states"
	CategoryArgumentOutOfScope     Category = "argument-out-of-scope"
	CategoryDanglingReference      Category = "dangling-reference"
	CategoryDuplicateConnection    Category = "duplicate-connection"

	// Edit categories.
	CategoryNotFound     Category = "not-found"
	CategoryConflict     Category = "conflict"
	CategoryNotConnected Category = "not-connected"

	// Infrastructure categories.
	CategoryCompile    Category = "compile"
	CategoryState      Category = "state"
	CategoryResource   Category = "resource"
	CategoryValidation Category = "validation"
	CategoryGeneric    Category = "generic"
)

// Error wraps an underlying error with component and category metadata.
type Error struct {
	Err       error
	Component string
	Category  Category
	Context   map[string]any
	Timestamp time.Time
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Category)
	}
	return e.Err.Error()
}

// Unwrap implements error unwrapping.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches two enhanced errors by category, falling back to the wrapped
// error chain.
func (e *Error) Is(target error) bool {
	if other, ok := target.(*Error); ok {
		return e.Category == other.Category
	}
	return stderrors.Is(e.Err, target)
}

// GetContext returns a copy of the context map.
func (e *Error) GetContext() map[string]any {
	if e.Context == nil {
		return nil
	}
	out := make(map[string]any, len(e.Context))
	maps.Copy(out, e.Context)
	return out
}

// Builder assembles an Error fluently.
type Builder struct {
	err       error
	component string
	category  Category
	context   map[string]any
}

// New starts a builder wrapping err.
func New(err error) *Builder {
	return &Builder{err: err}
}

// Newf starts a builder wrapping a formatted error.
func Newf(format string, args ...any) *Builder {
	return New(fmt.Errorf(format, args...))
}

// Component sets the component tag.
func (b *Builder) Component(component string) *Builder {
	b.component = component
	return b
}

// Category sets the category.
func (b *Builder) Category(category Category) *Builder {
	b.category = category
	return b
}

// Context adds one context entry.
func (b *Builder) Context(key string, value any) *Builder {
	if b.context == nil {
		b.context = make(map[string]any)
	}
	b.context[key] = value
	return b
}

// Build finalizes the error.
func (b *Builder) Build() *Error {
	e := &Error{
		Err:       b.err,
		Component: b.component,
		Category:  b.category,
		Context:   b.context,
		Timestamp: time.Now(),
	}
	if e.Category == "" {
		e.Category = CategoryGeneric
	}
	return e
}

// Is re-exports the standard library matcher so callers don't need two error
// packages imported.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As re-exports the standard library matcher.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// CategoryOf extracts the category of err, or CategoryGeneric when err is not
// an enhanced error.
func CategoryOf(err error) Category {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Category
	}
	return CategoryGeneric
}
