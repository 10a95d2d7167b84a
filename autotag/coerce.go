package autotag

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Scalar coercion shared by the mapping and conditional evaluators.
// Comparison is type-tolerant: numbers compare numerically even when one
// side is string-encoded, booleans by identity, everything else as
// strings. Decimals are used for the numeric path so "0.10" equals 0.1
// without float drift.

// asDecimal attempts to view v as a decimal number.
func asDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, true
	case float64:
		return decimal.NewFromFloat(n), true
	case float32:
		return decimal.NewFromFloat32(n), true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(n)
		return d, err == nil
	}
	return decimal.Decimal{}, false
}

// asString renders v the way the rule author sees it in a config file.
func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case decimal.Decimal:
		return s.String()
	case time.Time:
		return s.Format(time.RFC3339)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// looseEqual implements the tolerant equality used by mapping rules and
// the eq/ne operators.
func looseEqual(actual, expected any) bool {
	if actual == nil || expected == nil {
		return actual == nil && expected == nil
	}

	if ab, ok := actual.(bool); ok {
		eb, ok := expected.(bool)
		return ok && ab == eb
	}
	if _, ok := expected.(bool); ok {
		return false
	}

	if ad, aok := asDecimal(actual); aok {
		if ed, eok := asDecimal(expected); eok {
			return ad.Equal(ed)
		}
	}

	return asString(actual) == asString(expected)
}

// compareOrdered returns -1, 0 or 1 for actual vs expected. Both sides
// must coerce to numbers; otherwise the comparison falls back to string
// ordering, matching how the original rules behaved for lexical fields.
// A boolean on either side is a type mismatch.
func compareOrdered(actual, expected any) (int, *EvalError) {
	if _, ok := actual.(bool); ok {
		return 0, typeMismatchErr("cannot order boolean value %v", actual)
	}
	if _, ok := expected.(bool); ok {
		return 0, typeMismatchErr("cannot order against boolean %v", expected)
	}

	if ad, aok := asDecimal(actual); aok {
		if ed, eok := asDecimal(expected); eok {
			return ad.Cmp(ed), nil
		}
	}

	as, es := asString(actual), asString(expected)
	switch {
	case as < es:
		return -1, nil
	case as > es:
		return 1, nil
	default:
		return 0, nil
	}
}
