package autotag

import (
	"encoding/json"
	"time"
)

// Dialect identifies which rule language a rule is written in. The set is
// closed: the engine dispatches on it and adding a dialect means adding an
// evaluator, not changing callers.
type Dialect string

const (
	DialectMapping     Dialect = "mapping"
	DialectConditional Dialect = "conditional"
	DialectExpression  Dialect = "expression"
	DialectScript      Dialect = "script"
)

// Valid reports whether d names a known dialect.
func (d Dialect) Valid() bool {
	switch d {
	case DialectMapping, DialectConditional, DialectExpression, DialectScript:
		return true
	}
	return false
}

// Rule is an immutable snapshot of one tagging rule. Rules are created and
// updated by the rule-management layer; the engine only ever reads them.
// Higher priority evaluates first; ties break by ID ascending.
type Rule struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenant_id"`
	Name      string          `json:"name"`
	Dialect   Dialect         `json:"dialect"`
	Config    json.RawMessage `json:"config"`
	Priority  int             `json:"priority"`
	Active    bool            `json:"active"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Tag is the classification a rule produced for a record. It is always
// attributable to exactly one rule.
type Tag struct {
	Value      string    `json:"value"`
	ProducedBy string    `json:"produced_by"`
	ProducedAt time.Time `json:"produced_at"`
}

// TraceEntry records one rule attempt during an evaluation.
type TraceEntry struct {
	RuleID   string     `json:"rule_id"`
	RuleName string     `json:"rule_name,omitempty"`
	Matched  bool       `json:"matched"`
	Tag      string     `json:"tag,omitempty"`
	Err      *EvalError `json:"error,omitempty"`
}

// EvaluationOutcome is the result of running one record through a rule
// set: the winning tag (nil when nothing matched) and the ordered trace of
// every rule attempted. It is built once and never mutated afterwards.
type EvaluationOutcome struct {
	Tag   *Tag         `json:"tag,omitempty"`
	Trace []TraceEntry `json:"trace"`
}

// Errored reports whether any attempted rule failed during evaluation.
// A no-tag outcome with Errored()==false means no rule was applicable.
func (o *EvaluationOutcome) Errored() bool {
	for i := range o.Trace {
		if o.Trace[i].Err != nil {
			return true
		}
	}
	return false
}
