package autotag

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func conditionalRule(t *testing.T, config string) *Rule {
	t.Helper()
	return &Rule{
		ID:       "cond-1",
		TenantID: "tenant-1",
		Name:     "conditional rule",
		Dialect:  DialectConditional,
		Config:   json.RawMessage(config),
		Active:   true,
	}
}

func evalConditional(t *testing.T, rec *Record, config string) (string, bool, *EvalError) {
	t.Helper()
	ev := &conditionalEvaluator{}
	return ev.evaluate(context.Background(), conditionalRule(t, config), rec, time.Now())
}

func TestConditionalAndTree(t *testing.T) {
	config := `{
		"tag": "HIGH_VALUE_ONLINE",
		"root": {"op": "and", "children": [
			{"field": "produce_rate", "operator": "gt", "value": 1000},
			{"field": "source", "operator": "eq", "value": "online"}
		]}
	}`

	rec := testRecord() // produce_rate 1500, source online
	tag, matched, err := evalConditional(t, rec, config)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if !matched || tag != "HIGH_VALUE_ONLINE" {
		t.Errorf("got (%q, %v), want (HIGH_VALUE_ONLINE, true)", tag, matched)
	}

	rec.Transaction.Source = "mobile"
	_, matched, err = evalConditional(t, rec, config)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if matched {
		t.Error("AND tree should not match when one child is false")
	}
}

func TestConditionalOperators(t *testing.T) {
	testCases := []struct {
		name string
		leaf string
		want bool
	}{
		{"eq", `{"field": "jurisdiction", "operator": "eq", "value": "us"}`, true},
		{"ne", `{"field": "jurisdiction", "operator": "ne", "value": "uk"}`, true},
		{"gt coerces strings", `{"field": "produce_rate", "operator": "gt", "value": "1000"}`, true},
		{"lt", `{"field": "produce_rate", "operator": "lt", "value": 1000}`, false},
		{"gte boundary", `{"field": "produce_rate", "operator": "gte", "value": 1500}`, true},
		{"lte boundary", `{"field": "produce_rate", "operator": "lte", "value": 1500}`, true},
		{"contains", `{"field": "metadata.category", "operator": "contains", "value": "premium"}`, true},
		{"matches_regex", `{"field": "product_code", "operator": "matches_regex", "value": "^PROD_[A-Z]$"}`, true},
		{"in_list", `{"field": "source", "operator": "in_list", "value": ["pos", "online"]}`, true},
		{"in_list miss", `{"field": "source", "operator": "in_list", "value": ["pos", "bank"]}`, false},
		{"exists present", `{"field": "metadata.customer_tier", "operator": "exists"}`, true},
		{"exists absent", `{"field": "metadata.nothing", "operator": "exists"}`, false},
		{"absent field is non-match", `{"field": "metadata.nothing", "operator": "eq", "value": "x"}`, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			config := `{"tag": "T", "root": ` + tc.leaf + `}`
			_, matched, err := evalConditional(t, testRecord(), config)
			if err != nil {
				t.Fatalf("evaluate failed: %v", err)
			}
			if matched != tc.want {
				t.Errorf("matched = %v, want %v", matched, tc.want)
			}
		})
	}
}

func TestConditionalNotAndNested(t *testing.T) {
	config := `{
		"tag": "DOMESTIC_NON_CASH",
		"root": {"op": "and", "children": [
			{"field": "jurisdiction", "operator": "eq", "value": "us"},
			{"op": "not", "children": [
				{"field": "source", "operator": "eq", "value": "cash"}
			]},
			{"op": "or", "children": [
				{"field": "metadata.customer_tier", "operator": "eq", "value": "gold"},
				{"field": "metadata.amount", "operator": "gt", "value": 10000}
			]}
		]}
	}`

	tag, matched, err := evalConditional(t, testRecord(), config)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if !matched || tag != "DOMESTIC_NON_CASH" {
		t.Errorf("got (%q, %v), want (DOMESTIC_NON_CASH, true)", tag, matched)
	}
}

func TestConditionalShortCircuit(t *testing.T) {
	// The second OR child has a malformed regex; short-circuiting on the
	// first true child means it is never evaluated.
	config := `{
		"tag": "T",
		"root": {"op": "or", "children": [
			{"field": "source", "operator": "eq", "value": "online"},
			{"field": "product_code", "operator": "matches_regex", "value": "([unclosed"}
		]}
	}`

	_, matched, err := evalConditional(t, testRecord(), config)
	if err != nil {
		t.Fatalf("short-circuit should have skipped the bad regex: %v", err)
	}
	if !matched {
		t.Error("expected match from first OR child")
	}
}

func TestConditionalBadRegexIsRuleError(t *testing.T) {
	config := `{
		"tag": "T",
		"root": {"field": "product_code", "operator": "matches_regex", "value": "([unclosed"}
	}`

	_, _, err := evalConditional(t, testRecord(), config)
	if err == nil {
		t.Fatal("malformed pattern should be a rule-level error")
	}
	if err.Kind != ErrKindEvaluation {
		t.Errorf("expected %s error, got %s", ErrKindEvaluation, err.Kind)
	}
}

func TestConditionalUnknownOperatorIsConfigError(t *testing.T) {
	config := `{"tag": "T", "root": {"field": "source", "operator": "approximately", "value": "x"}}`

	_, _, err := evalConditional(t, testRecord(), config)
	if err == nil || err.Kind != ErrKindConfig {
		t.Fatalf("expected config error, got %v", err)
	}
}
