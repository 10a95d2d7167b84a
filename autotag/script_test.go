package autotag

import (
	"context"
	"testing"
	"time"
)

func scriptRule(t *testing.T, script string, helpers ...string) *Rule {
	t.Helper()
	cfg := map[string]any{"script": script}
	if len(helpers) > 0 {
		cfg["helpers"] = helpers
	}
	return &Rule{
		ID:       "script-1",
		TenantID: "tenant-1",
		Name:     "script rule",
		Dialect:  DialectScript,
		Config:   []byte(mustJSONObj(t, cfg)),
		Active:   true,
	}
}

func evalScript(t *testing.T, rec *Record, rule *Rule, limits ScriptLimits) (string, bool, *EvalError) {
	t.Helper()
	ev := newScriptEvaluator(limits)
	return ev.evaluate(context.Background(), rule, rec, time.Now())
}

func TestScriptReturnsTag(t *testing.T) {
	script := `
def get_tag(transaction, metadata):
    tier = metadata.get("customer_tier", "")
    if tier == "gold" and transaction["produce_rate"] > 100:
        return "GOLD_PREMIUM"
    elif tier == "silver" and transaction["produce_rate"] > 50:
        return "SILVER_PREMIUM"
    return None
`
	tag, matched, err := evalScript(t, testRecord(), scriptRule(t, script), ScriptLimits{})
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if !matched || tag != "GOLD_PREMIUM" {
		t.Errorf("got (%q, %v), want (GOLD_PREMIUM, true)", tag, matched)
	}
}

func TestScriptReturnsNone(t *testing.T) {
	script := `
def get_tag(transaction, metadata):
    return None
`
	tag, matched, err := evalScript(t, testRecord(), scriptRule(t, script), ScriptLimits{})
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if matched || tag != "" {
		t.Errorf("None should be a no-match, got (%q, %v)", tag, matched)
	}
}

func TestScriptLoopsAreAllowedButBounded(t *testing.T) {
	script := `
def get_tag(transaction, metadata):
    total = 0.0
    for v in metadata.values():
        if type(v) == "float":
            total += v
    return "BIG" if total > 1000 else "SMALL"
`
	tag, matched, err := evalScript(t, testRecord(), scriptRule(t, script), ScriptLimits{})
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if !matched || tag != "BIG" {
		t.Errorf("got (%q, %v), want (BIG, true)", tag, matched)
	}
}

func TestScriptStepCeiling(t *testing.T) {
	script := `
def get_tag(transaction, metadata):
    n = 0
    while True:
        n += 1
    return "NEVER"
`
	_, _, err := evalScript(t, testRecord(), scriptRule(t, script), ScriptLimits{
		Timeout:  5 * time.Second,
		MaxSteps: 10_000,
	})
	if err == nil {
		t.Fatal("unbounded loop should hit the step ceiling")
	}
	if err.Kind != ErrKindResourceLimit {
		t.Errorf("expected %s error, got %s: %s", ErrKindResourceLimit, err.Kind, err.Message)
	}
}

func TestScriptTimeoutIsBounded(t *testing.T) {
	script := `
def get_tag(transaction, metadata):
    n = 0
    while True:
        n += 1
    return "NEVER"
`
	start := time.Now()
	_, _, err := evalScript(t, testRecord(), scriptRule(t, script), ScriptLimits{
		Timeout:  100 * time.Millisecond,
		MaxSteps: 1 << 40,
	})
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("spinning script should time out")
	}
	if err.Kind != ErrKindResourceLimit {
		t.Errorf("expected %s error, got %s: %s", ErrKindResourceLimit, err.Kind, err.Message)
	}
	if elapsed > 2*time.Second {
		t.Errorf("caller blocked for %v; timeout plus bounded overhead expected", elapsed)
	}
}

func TestScriptCannotMutateRecord(t *testing.T) {
	script := `
def get_tag(transaction, metadata):
    metadata["injected"] = True
    return "MUTATED"
`
	_, _, err := evalScript(t, testRecord(), scriptRule(t, script), ScriptLimits{})
	if err == nil {
		t.Fatal("mutating the frozen record should fail")
	}
	if err.Kind != ErrKindSandboxViolation {
		t.Errorf("expected %s error, got %s: %s", ErrKindSandboxViolation, err.Kind, err.Message)
	}
}

func TestScriptLoadIsUnavailable(t *testing.T) {
	script := `
load("io.star", "read_file")

def get_tag(transaction, metadata):
    return read_file("/etc/passwd")
`
	_, _, err := evalScript(t, testRecord(), scriptRule(t, script), ScriptLimits{})
	if err == nil {
		t.Fatal("load() must not resolve anything")
	}
	if err.Kind != ErrKindSandboxViolation && err.Kind != ErrKindEvaluation {
		t.Errorf("load must fail inside the sandbox, got %s: %s", err.Kind, err.Message)
	}
}

func TestScriptHelpers(t *testing.T) {
	script := `
def get_tag(transaction, metadata):
    rate = parse_number(str(transaction["produce_rate"]))
    if rate == None:
        return None
    return "CLAMPED_" + str(int(clamp(rate, 0, 1000)))
`
	tag, matched, err := evalScript(t, testRecord(), scriptRule(t, script, "parse_number", "clamp"), ScriptLimits{})
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if !matched || tag != "CLAMPED_1000" {
		t.Errorf("got (%q, %v), want (CLAMPED_1000, true)", tag, matched)
	}
}

func TestScriptUnknownHelperIsConfigError(t *testing.T) {
	script := `
def get_tag(transaction, metadata):
    return None
`
	_, _, err := evalScript(t, testRecord(), scriptRule(t, script, "exec_shell"), ScriptLimits{})
	if err == nil || err.Kind != ErrKindConfig {
		t.Fatalf("unknown helper should be a config error, got %v", err)
	}
}

func TestScriptRuntimeErrorIsCaught(t *testing.T) {
	script := `
def get_tag(transaction, metadata):
    return metadata["definitely_missing"]["deeper"]
`
	_, _, err := evalScript(t, testRecord(), scriptRule(t, script), ScriptLimits{})
	if err == nil {
		t.Fatal("script runtime error should surface as an eval error")
	}
	if err.Kind != ErrKindEvaluation {
		t.Errorf("expected %s error, got %s: %s", ErrKindEvaluation, err.Kind, err.Message)
	}
}

func TestScriptNonStringResultIsTypeMismatch(t *testing.T) {
	script := `
def get_tag(transaction, metadata):
    return 42
`
	_, _, err := evalScript(t, testRecord(), scriptRule(t, script), ScriptLimits{})
	if err == nil || err.Kind != ErrKindTypeMismatch {
		t.Fatalf("int result should be a type mismatch, got %v", err)
	}
}
