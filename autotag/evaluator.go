package autotag

import (
	"context"
	"time"
)

// dialectEvaluator is the one capability every rule dialect implements:
// evaluate a rule against a record and either produce a tag value, decline
// to match, or fail. Implementations are stateless per call and safe for
// concurrent use.
type dialectEvaluator interface {
	evaluate(ctx context.Context, rule *Rule, rec *Record, now time.Time) (tag string, matched bool, err *EvalError)
}

// newDialectEvaluators builds the closed dispatch table. Constructing the
// expression and script evaluators is fallible because they own a CEL
// environment and sandbox options respectively.
func newDialectEvaluators(scriptLimits ScriptLimits) (map[Dialect]dialectEvaluator, error) {
	expr, err := newExpressionEvaluator()
	if err != nil {
		return nil, err
	}

	return map[Dialect]dialectEvaluator{
		DialectMapping:     &mappingEvaluator{},
		DialectConditional: &conditionalEvaluator{},
		DialectExpression:  expr,
		DialectScript:      newScriptEvaluator(scriptLimits),
	}, nil
}
