package autotag

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"
)

// expressionConfig is the payload of an expression-dialect rule. Two modes
// exist: a single expression that evaluates to a tag string (or null), or
// an ordered list of boolean conditions where the first true one wins.
// DefaultTag applies when nothing produced a tag. Script is the legacy key
// older catalogs used for the same single-expression payload.
type expressionConfig struct {
	Expression string                `json:"expression,omitempty"`
	Conditions []expressionCondition `json:"conditions,omitempty"`
	DefaultTag string                `json:"default_tag,omitempty"`
	Script     string                `json:"script,omitempty"`
}

type expressionCondition struct {
	Expression string `json:"expression"`
	Tag        string `json:"tag"`
}

// celCostLimit bounds the work a single program may do. CEL has no loop
// constructs, so termination is structural; the cost limit additionally
// caps pathological regex-free blowups like giant string concatenations.
const celCostLimit = 1_000_000

// expressionEvaluator implements the safe-expression dialect on CEL. The
// environment exposes exactly three names: transaction, metadata and now.
// No imports, no mutation, no I/O; the strings extension supplies
// substring on top of the standard startsWith/endsWith/contains/size.
type expressionEvaluator struct {
	env *cel.Env
}

func newExpressionEvaluator() (*expressionEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("transaction", cel.DynType),
		cel.Variable("metadata", cel.DynType),
		cel.Variable("now", cel.StringType),
		ext.Strings(),
	)
	if err != nil {
		return nil, err
	}
	return &expressionEvaluator{env: env}, nil
}

func (e *expressionEvaluator) evaluate(_ context.Context, rule *Rule, rec *Record, now time.Time) (string, bool, *EvalError) {
	var cfg expressionConfig
	if err := json.Unmarshal(rule.Config, &cfg); err != nil {
		return "", false, configErr("expression config: %v", err)
	}

	if cfg.Expression == "" && len(cfg.Conditions) == 0 {
		// Older catalogs stored the expression under "script". Anything
		// that looks like an actual script body is refused here; the
		// script dialect is where those belong.
		if cfg.Script == "" {
			return "", false, configErr("expression rule has neither expression nor conditions")
		}
		if strings.Contains(cfg.Script, "def ") || strings.Contains(cfg.Script, "return") {
			return "", false, configErr("script body in expression rule; use the script dialect")
		}
		cfg.Expression = cfg.Script
	}

	activation := rec.celContext(now)

	if cfg.Expression != "" {
		return e.evalSingle(&cfg, activation)
	}
	return e.evalConditions(&cfg, activation)
}

// evalSingle runs one expression that must yield a string tag or null.
func (e *expressionEvaluator) evalSingle(cfg *expressionConfig, activation map[string]any) (string, bool, *EvalError) {
	out, evalErr := e.run(cfg.Expression, activation)
	if evalErr != nil {
		return "", false, evalErr
	}

	if out == types.NullValue {
		return e.fallback(cfg)
	}

	switch v := out.Value().(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return e.fallback(cfg)
		}
		return v, true, nil
	case bool:
		// false means "no tag"; true without a tag value is an authoring
		// mistake in single-expression mode.
		if !v {
			return e.fallback(cfg)
		}
		return "", false, typeMismatchErr("expression yielded bare true; expected a tag string or null")
	default:
		return "", false, typeMismatchErr("expression must yield string or null, got %T", out.Value())
	}
}

// evalConditions runs the ordered boolean conditions; the first true one
// wins its tag.
func (e *expressionEvaluator) evalConditions(cfg *expressionConfig, activation map[string]any) (string, bool, *EvalError) {
	for i := range cfg.Conditions {
		cond := &cfg.Conditions[i]
		if cond.Expression == "" || cond.Tag == "" {
			return "", false, configErr("condition %d missing expression or tag", i)
		}

		out, evalErr := e.run(cond.Expression, activation)
		if evalErr != nil {
			return "", false, evalErr
		}

		b, ok := out.Value().(bool)
		if !ok {
			return "", false, typeMismatchErr("condition %d must yield bool, got %T", i, out.Value())
		}
		if b {
			return cond.Tag, true, nil
		}
	}

	return e.fallback(cfg)
}

func (e *expressionEvaluator) fallback(cfg *expressionConfig) (string, bool, *EvalError) {
	if cfg.DefaultTag != "" {
		return cfg.DefaultTag, true, nil
	}
	return "", false, nil
}

// run compiles and evaluates one expression under the cost limit.
func (e *expressionEvaluator) run(expression string, activation map[string]any) (ref.Val, *EvalError) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, configErr("compile %q: %v", expression, issues.Err())
	}

	prg, err := e.env.Program(ast,
		cel.EvalOptions(cel.OptTrackState),
		cel.CostLimit(celCostLimit),
	)
	if err != nil {
		return nil, configErr("program %q: %v", expression, err)
	}

	val, _, err := prg.Eval(activation)
	if err != nil {
		return nil, classifyCELError(err)
	}
	return val, nil
}

func classifyCELError(err error) *EvalError {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "cost limit exceeded"):
		return resourceLimitErr("expression exceeded cost limit: %v", err)
	case strings.Contains(msg, "no such overload") || strings.Contains(msg, "unsupported conversion"):
		return typeMismatchErr("%v", err)
	default:
		return evaluationErr("%v", err)
	}
}
