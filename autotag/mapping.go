package autotag

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// mappingConfig is the payload of a mapping-dialect rule: an ordered list
// of field/value lookups. The first entry whose source field equals its
// match value wins. Normalize lowercases both sides of string comparisons.
type mappingConfig struct {
	Mappings  []mappingEntry `json:"mappings"`
	Normalize bool           `json:"normalize,omitempty"`
}

type mappingEntry struct {
	Source string `json:"source"`
	Match  any    `json:"match"`
	Tag    string `json:"tag"`
}

// mappingEvaluator implements the direct value-to-tag lookup dialect.
type mappingEvaluator struct{}

func (m *mappingEvaluator) evaluate(_ context.Context, rule *Rule, rec *Record, _ time.Time) (string, bool, *EvalError) {
	var cfg mappingConfig
	if err := json.Unmarshal(rule.Config, &cfg); err != nil {
		return "", false, configErr("mapping config: %v", err)
	}

	for i := range cfg.Mappings {
		entry := &cfg.Mappings[i]
		if entry.Source == "" || entry.Tag == "" {
			return "", false, configErr("mapping entry %d missing source or tag", i)
		}

		actual, ok := rec.Field(entry.Source)
		if !ok {
			// Absent field is a non-match, not an error.
			continue
		}

		if m.matches(actual, entry.Match, cfg.Normalize) {
			return entry.Tag, true, nil
		}
	}

	return "", false, nil
}

func (m *mappingEvaluator) matches(actual, expected any, normalize bool) bool {
	if normalize {
		as, aok := actual.(string)
		es, eok := expected.(string)
		if aok && eok {
			return strings.EqualFold(as, es)
		}
	}
	return looseEqual(actual, expected)
}
