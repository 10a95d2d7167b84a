package autotag

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// scriptConfig is the payload of a script-dialect rule. The script must
// define get_tag(transaction, metadata) returning a tag string or None.
// Helpers names additional allow-listed builtins the script may call;
// an empty list grants the full allow-list.
type scriptConfig struct {
	Script  string   `json:"script"`
	Helpers []string `json:"helpers,omitempty"`
}

// ScriptLimits are the resource ceilings every script runs under. The
// sandbox owns the timeout timer; exceeding either bound aborts the script
// and surfaces as a resource-limit error, never as an engine fault.
type ScriptLimits struct {
	Timeout  time.Duration
	MaxSteps uint64
}

// DefaultScriptLimits bounds a script to one second of wall clock and half
// a million interpreter steps.
func DefaultScriptLimits() ScriptLimits {
	return ScriptLimits{
		Timeout:  time.Second,
		MaxSteps: 500_000,
	}
}

const scriptEntrypoint = "get_tag"

// scriptEvaluator runs the script dialect inside a Starlark sandbox.
// Scripts see only the frozen record bindings and the allow-listed
// helpers: there is no load mechanism, no ambient name resolution, no
// recursion, and loop constructs are bounded by the step ceiling.
type scriptEvaluator struct {
	limits ScriptLimits
	opts   *syntax.FileOptions
}

func newScriptEvaluator(limits ScriptLimits) *scriptEvaluator {
	if limits.Timeout <= 0 {
		limits.Timeout = DefaultScriptLimits().Timeout
	}
	if limits.MaxSteps == 0 {
		limits.MaxSteps = DefaultScriptLimits().MaxSteps
	}
	return &scriptEvaluator{
		limits: limits,
		opts: &syntax.FileOptions{
			While:           true,
			TopLevelControl: true,
			Set:             true,
			// Recursion stays off: together with the step ceiling this
			// guarantees termination even for adversarial scripts.
			Recursion: false,
		},
	}
}

func (s *scriptEvaluator) evaluate(ctx context.Context, rule *Rule, rec *Record, _ time.Time) (string, bool, *EvalError) {
	var cfg scriptConfig
	if err := json.Unmarshal(rule.Config, &cfg); err != nil {
		return "", false, configErr("script config: %v", err)
	}
	if strings.TrimSpace(cfg.Script) == "" {
		return "", false, configErr("script rule has empty script body")
	}

	predeclared, cfgErr := s.helperBindings(cfg.Helpers)
	if cfgErr != nil {
		return "", false, cfgErr
	}

	thread := &starlark.Thread{
		Name: "autotag-script-" + rule.ID,
		// Scripts have no output channel; print is swallowed.
		Print: func(*starlark.Thread, string) {},
	}
	thread.SetMaxExecutionSteps(s.limits.MaxSteps)

	// The sandbox, not the caller, owns the timer. Cancel preemptively
	// stops the interpreter loop; resources unwind exactly as on the
	// success path.
	timer := time.AfterFunc(s.limits.Timeout, func() {
		thread.Cancel("timeout")
	})
	defer timer.Stop()
	if done := ctx.Done(); done != nil {
		stop := context.AfterFunc(ctx, func() {
			thread.Cancel("caller cancelled")
		})
		defer stop()
	}

	globals, err := starlark.ExecFileOptions(s.opts, thread, rule.ID+".star", cfg.Script, predeclared)
	if err != nil {
		return "", false, classifyScriptError(err)
	}

	fnVal, ok := globals[scriptEntrypoint]
	if !ok {
		return "", false, configErr("script does not define %s(transaction, metadata)", scriptEntrypoint)
	}
	fn, ok := fnVal.(starlark.Callable)
	if !ok {
		return "", false, configErr("%s is not callable", scriptEntrypoint)
	}

	tx, md := recordBindings(rec)
	out, err := starlark.Call(thread, fn, starlark.Tuple{tx, md}, nil)
	if err != nil {
		return "", false, classifyScriptError(err)
	}

	switch v := out.(type) {
	case starlark.NoneType:
		return "", false, nil
	case starlark.String:
		tag := string(v)
		if strings.TrimSpace(tag) == "" {
			return "", false, nil
		}
		return tag, true, nil
	default:
		return "", false, typeMismatchErr("script returned %s; expected string or None", out.Type())
	}
}

// recordBindings converts the record into frozen Starlark dicts. Freezing
// makes any attempted mutation a runtime error inside the sandbox, which
// keeps the record read-only by construction.
func recordBindings(rec *Record) (starlark.Value, starlark.Value) {
	rate, _ := rec.Transaction.ProduceRate.Float64()
	tx := dictOf(map[string]any{
		"product_code": rec.Transaction.ProductCode,
		"produce_rate": rate,
		"ledger_type":  rec.Transaction.LedgerType,
		"source":       rec.Transaction.Source,
		"jurisdiction": rec.Transaction.Jurisdiction,
		"created_at":   rec.Transaction.CreatedAt.Format(time.RFC3339),
	})
	md := dictOf(rec.Metadata)
	tx.Freeze()
	md.Freeze()
	return tx, md
}

func dictOf(m map[string]any) *starlark.Dict {
	d := starlark.NewDict(len(m))
	for k, v := range m {
		// SetKey cannot fail on an unfrozen dict with string keys.
		_ = d.SetKey(starlark.String(k), toStarlark(v))
	}
	return d
}

func toStarlark(v any) starlark.Value {
	switch t := v.(type) {
	case nil:
		return starlark.None
	case string:
		return starlark.String(t)
	case bool:
		return starlark.Bool(t)
	case int:
		return starlark.MakeInt(t)
	case int64:
		return starlark.MakeInt64(t)
	case float64:
		return starlark.Float(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return starlark.MakeInt64(i)
		}
		f, _ := t.Float64()
		return starlark.Float(f)
	case decimal.Decimal:
		f, _ := t.Float64()
		return starlark.Float(f)
	case time.Time:
		return starlark.String(t.Format(time.RFC3339))
	case []any:
		items := make([]starlark.Value, 0, len(t))
		for _, item := range t {
			items = append(items, toStarlark(item))
		}
		return starlark.NewList(items)
	case map[string]any:
		return dictOf(t)
	default:
		return starlark.String(fmt.Sprintf("%v", t))
	}
}

// helperBindings resolves the requested helper names against the
// allow-list. Nothing outside this list is ever predeclared.
func (s *scriptEvaluator) helperBindings(requested []string) (starlark.StringDict, *EvalError) {
	if len(requested) == 0 {
		out := make(starlark.StringDict, len(scriptHelpers))
		for name, fn := range scriptHelpers {
			out[name] = fn
		}
		return out, nil
	}

	out := make(starlark.StringDict, len(requested))
	for _, name := range requested {
		fn, ok := scriptHelpers[name]
		if !ok {
			return nil, configErr("helper %q is not allow-listed", name)
		}
		out[name] = fn
	}
	return out, nil
}

// scriptHelpers is the full helper allow-list. Each helper is pure: no
// I/O, no host state, inputs in and a value out.
var scriptHelpers = map[string]*starlark.Builtin{
	"parse_number": starlark.NewBuiltin("parse_number", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var s string
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &s); err != nil {
			return nil, err
		}
		d, err := decimal.NewFromString(strings.TrimSpace(s))
		if err != nil {
			return starlark.None, nil
		}
		f, _ := d.Float64()
		return starlark.Float(f), nil
	}),
	"round2": starlark.NewBuiltin("round2", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var f float64
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &f); err != nil {
			return nil, err
		}
		return starlark.Float(decimal.NewFromFloat(f).Round(2).InexactFloat64()), nil
	}),
	"clamp": starlark.NewBuiltin("clamp", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var v, lo, hi float64
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 3, &v, &lo, &hi); err != nil {
			return nil, err
		}
		if v < lo {
			v = lo
		}
		if v > hi {
			v = hi
		}
		return starlark.Float(v), nil
	}),
}

// classifyScriptError maps sandbox failures onto the error taxonomy.
// Starlark reports preemptive cancellation and the step ceiling through
// the same cancellation path, distinguished by reason.
func classifyScriptError(err error) *EvalError {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "too many steps"),
		strings.Contains(msg, "cancelled: timeout"),
		strings.Contains(msg, "caller cancelled"):
		return resourceLimitErr("%s", msg)
	case strings.Contains(msg, "load not implemented"),
		strings.Contains(msg, "cannot load"),
		strings.Contains(msg, "cannot insert into frozen"),
		strings.Contains(msg, "cannot assign to frozen"),
		strings.Contains(msg, "frozen"):
		return sandboxViolationErr("%s", msg)
	default:
		return evaluationErr("%s", msg)
	}
}
