package autotag

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Engine drives one record through an ordered rule set. It owns no rule
// storage and keeps no cross-record state: the rule set is a read-only
// parameter of every call, which is what makes cross-tenant leakage
// impossible by construction. Engines are safe for concurrent use.
type Engine struct {
	evaluators map[Dialect]dialectEvaluator
	collectAll bool
	now        func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithCollectAll makes the engine evaluate every rule instead of stopping
// at the first match. The winning tag is still the highest-priority match;
// the trace records all of them.
func WithCollectAll() Option {
	return func(e *Engine) { e.collectAll = true }
}

// WithScriptLimits overrides the sandbox resource ceilings for the script
// dialect.
func WithScriptLimits(limits ScriptLimits) Option {
	return func(e *Engine) {
		e.evaluators[DialectScript] = newScriptEvaluator(limits)
	}
}

// WithClock fixes the engine's time source. Tests use this to pin the
// "now" binding expressions see and the ProducedAt stamp on tags.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine builds an engine with all four dialect evaluators.
func NewEngine(opts ...Option) (*Engine, error) {
	evaluators, err := newDialectEvaluators(DefaultScriptLimits())
	if err != nil {
		return nil, fmt.Errorf("failed to build dialect evaluators: %w", err)
	}

	e := &Engine{
		evaluators: evaluators,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Evaluate runs the record through the rule set and resolves a tag
// decision. Inactive rules are skipped; active rules run in priority
// order, highest first, ties broken by rule ID ascending so identical
// inputs always produce identical outcomes and traces. A rule that fails
// is recorded in the trace and never stops the remaining rules.
//
// The only error Evaluate itself returns is ErrTenantMismatch: a rule
// belonging to another tenant reaching this engine is a caller bug and
// aborts the evaluation loudly.
func (e *Engine) Evaluate(ctx context.Context, rec *Record, ruleSet []*Rule) (*EvaluationOutcome, error) {
	candidates := make([]*Rule, 0, len(ruleSet))
	for _, r := range ruleSet {
		if r.TenantID != rec.TenantID {
			return nil, fmt.Errorf("%w: rule %s belongs to tenant %q, record to %q",
				ErrTenantMismatch, r.ID, r.TenantID, rec.TenantID)
		}
		if r.Active {
			candidates = append(candidates, r)
		}
	}
	sortRules(candidates)

	now := e.now()
	outcome := &EvaluationOutcome{Trace: make([]TraceEntry, 0, len(candidates))}

	for _, rule := range candidates {
		entry := TraceEntry{RuleID: rule.ID, RuleName: rule.Name}

		ev, ok := e.evaluators[rule.Dialect]
		if !ok {
			entry.Err = configErr("unknown dialect %q", rule.Dialect)
			outcome.Trace = append(outcome.Trace, entry)
			continue
		}

		tag, matched, evalErr := ev.evaluate(ctx, rule, rec, now)
		if evalErr != nil {
			entry.Err = evalErr
			outcome.Trace = append(outcome.Trace, entry)
			continue
		}

		if matched {
			entry.Matched = true
			entry.Tag = tag
			// First match wins the decision because candidates are
			// already in priority order.
			if outcome.Tag == nil {
				outcome.Tag = &Tag{Value: tag, ProducedBy: rule.ID, ProducedAt: now}
			}
			outcome.Trace = append(outcome.Trace, entry)
			if !e.collectAll {
				break
			}
			continue
		}

		outcome.Trace = append(outcome.Trace, entry)
	}

	return outcome, nil
}

// sortRules orders by priority descending then ID ascending. Sorting the
// same set twice is idempotent; callers rely on that determinism.
func sortRules(rules []*Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
}
