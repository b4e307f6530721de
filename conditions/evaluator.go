// Package conditions evaluates rule condition lists against a trigger context.
//
// Evaluation is pure: no I/O, no mutation of the context, and no wall-clock
// reads. Relative time literals resolve against Context.Now, so replaying a
// dispatch with the same context always yields the same answer.
package conditions

import (
	"fmt"
	"time"

	"github.com/liamcoop/automations/rules"
)

// Context is the data a rule's conditions are evaluated against
type Context struct {
	// Payload is the event payload or entity snapshot
	Payload map[string]any
	// Now is the dispatch timestamp
	Now time.Time
}

// Evaluator decides whether a rule's conditions hold
type Evaluator interface {
	Evaluate(conditions []rules.Condition, ctx Context) (bool, error)
}

// predicate implements one operator; found reports whether the field path resolved
type predicate func(actual any, found bool, expected any, now time.Time) (bool, error)

var predicates = map[rules.Operator]predicate{
	rules.OpEquals:      equalsPredicate,
	rules.OpNotEquals:   notEqualsPredicate,
	rules.OpLessThan:    lessThanPredicate,
	rules.OpGreaterThan: greaterThanPredicate,
	rules.OpExists:      existsPredicate,
	rules.OpContains:    containsPredicate,
}

// FoldEvaluator folds conditions left to right: the result starts as the first
// predicate and each later predicate joins through the Logic of the condition
// before it. There is no precedence, so [A AND, B OR, C] means (A AND B) OR C.
type FoldEvaluator struct{}

// NewEvaluator returns the default evaluator
func NewEvaluator() FoldEvaluator {
	return FoldEvaluator{}
}

// Evaluate returns true when the condition list is satisfied. An empty list is
// always satisfied. Any malformed condition fails closed: the result is false and
// the error is a *rules.ConditionEvaluationError.
func (FoldEvaluator) Evaluate(conditions []rules.Condition, ctx Context) (bool, error) {
	if len(conditions) == 0 {
		return true, nil
	}

	var result bool
	for i, c := range conditions {
		ok, err := evaluateOne(i, c, ctx)
		if err != nil {
			return false, err
		}

		if i == 0 {
			result = ok
			continue
		}

		switch joinLogic(conditions[i-1].Logic) {
		case rules.LogicAnd:
			result = result && ok
		case rules.LogicOr:
			result = result || ok
		default:
			return false, &rules.ConditionEvaluationError{
				Index:  i - 1,
				Field:  conditions[i-1].Field,
				Reason: fmt.Sprintf("unknown logic %q", conditions[i-1].Logic),
			}
		}
	}

	// The last condition's logic marker has nothing to join, but an unknown value
	// is still a malformed rule.
	last := conditions[len(conditions)-1]
	if l := joinLogic(last.Logic); l != rules.LogicAnd && l != rules.LogicOr {
		return false, &rules.ConditionEvaluationError{
			Index:  len(conditions) - 1,
			Field:  last.Field,
			Reason: fmt.Sprintf("unknown logic %q", last.Logic),
		}
	}

	return result, nil
}

func joinLogic(l rules.Logic) rules.Logic {
	if l == "" {
		return rules.LogicAnd
	}
	return l
}

func evaluateOne(index int, c rules.Condition, ctx Context) (bool, error) {
	fail := func(reason string) error {
		return &rules.ConditionEvaluationError{Index: index, Field: c.Field, Reason: reason}
	}

	pred, known := predicates[c.Operator]
	if !known {
		return false, fail(fmt.Sprintf("unknown operator %q", c.Operator))
	}

	if err := rules.ValidateFieldPath(c.Field); err != nil {
		return false, fail(err.Error())
	}

	actual, found := Lookup(ctx.Payload, c.Field)

	ok, err := pred(actual, found, c.Value, ctx.Now)
	if err != nil {
		return false, fail(err.Error())
	}
	return ok, nil
}
