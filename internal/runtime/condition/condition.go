// Package condition decides whether a registered handler receives an event.
// Conditions are either compiled Go closures (Func) or expressions evaluated by
// an Evaluator (Expression, backed by embedded Lua by default).
package condition

import (
	"context"

	"github.com/drblury/fanout/internal/runtime/envelope"
)

// Condition is attached to a handler descriptor. A nil Condition always matches.
// Errors are never read as "no match".
type Condition interface {
	Match(ctx context.Context, event envelope.Event, env envelope.Envelope) (bool, error)
	String() string
}

// Evaluator evaluates a textual predicate against an event and its prospective
// envelope. A non-boolean result is an error.
type Evaluator interface {
	Evaluate(ctx context.Context, expression string, event envelope.Event, env envelope.Envelope) (bool, error)
}

// Validator is implemented by conditions that can be checked at registration time.
type Validator interface {
	Validate() error
}

// Func adapts a Go predicate.
type Func func(ctx context.Context, event envelope.Event, env envelope.Envelope) (bool, error)

func (f Func) Match(ctx context.Context, event envelope.Event, env envelope.Envelope) (bool, error) {
	return f(ctx, event, env)
}

func (Func) String() string { return "<func>" }

// Always matches every event. It is what a nil Condition means.
var Always Condition = Func(func(context.Context, envelope.Event, envelope.Envelope) (bool, error) {
	return true, nil
})

// Expression is a predicate in the evaluator's language, for example
// `event.amount > 100`.
type Expression struct {
	Source    string
	Evaluator Evaluator
}

// Expr builds an Expression evaluated by the shared Lua evaluator.
func Expr(source string) Expression {
	return Expression{Source: source, Evaluator: Default()}
}

func (e Expression) Match(ctx context.Context, event envelope.Event, env envelope.Envelope) (bool, error) {
	evaluator := e.Evaluator
	if evaluator == nil {
		evaluator = Default()
	}
	return evaluator.Evaluate(ctx, e.Source, event, env)
}

func (e Expression) String() string { return e.Source }

// Validate compiles the expression when the evaluator supports it.
func (e Expression) Validate() error {
	evaluator := e.Evaluator
	if evaluator == nil {
		evaluator = Default()
	}
	if c, ok := evaluator.(interface{ Compile(string) error }); ok {
		return c.Compile(e.Source)
	}
	return nil
}

// Evaluate runs cond, treating nil as a match.
func Evaluate(ctx context.Context, cond Condition, event envelope.Event, env envelope.Envelope) (bool, error) {
	if cond == nil {
		return true, nil
	}
	return cond.Match(ctx, event, env)
}

// Describe renders cond for logs and error messages.
func Describe(cond Condition) string {
	if cond == nil {
		return ""
	}
	return cond.String()
}
