package autotag

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"time"
)

// conditionalConfig is the payload of a conditional-dialect rule: one
// boolean expression tree and the tag produced when the root is true.
type conditionalConfig struct {
	Root conditionNode `json:"root"`
	Tag  string        `json:"tag"`
}

// conditionNode is either an internal boolean node (Op + Children) or a
// leaf comparison (Field + Operator + Value). Presence of Children decides
// which, matching how the original nested condition payloads were shaped.
type conditionNode struct {
	Op       string          `json:"op,omitempty"`
	Children []conditionNode `json:"children,omitempty"`

	Field    string `json:"field,omitempty"`
	Operator string `json:"operator,omitempty"`
	Value    any    `json:"value,omitempty"`
}

// conditionalEvaluator implements the structured boolean-tree dialect.
type conditionalEvaluator struct{}

func (c *conditionalEvaluator) evaluate(_ context.Context, rule *Rule, rec *Record, _ time.Time) (string, bool, *EvalError) {
	var cfg conditionalConfig
	if err := json.Unmarshal(rule.Config, &cfg); err != nil {
		return "", false, configErr("conditional config: %v", err)
	}
	if cfg.Tag == "" {
		return "", false, configErr("conditional rule has no tag")
	}

	ok, err := c.eval(rec, &cfg.Root)
	if err != nil {
		return "", false, err
	}
	if ok {
		return cfg.Tag, true, nil
	}
	return "", false, nil
}

// eval walks the tree bottom-up with short-circuit semantics: AND stops at
// the first false child, OR at the first true one.
func (c *conditionalEvaluator) eval(rec *Record, node *conditionNode) (bool, *EvalError) {
	if len(node.Children) > 0 {
		switch node.Op {
		case "and", "":
			for i := range node.Children {
				ok, err := c.eval(rec, &node.Children[i])
				if err != nil {
					return false, err
				}
				if !ok {
					return false, nil
				}
			}
			return true, nil
		case "or":
			for i := range node.Children {
				ok, err := c.eval(rec, &node.Children[i])
				if err != nil {
					return false, err
				}
				if ok {
					return true, nil
				}
			}
			return false, nil
		case "not":
			if len(node.Children) != 1 {
				return false, configErr("not node requires exactly one child, got %d", len(node.Children))
			}
			ok, err := c.eval(rec, &node.Children[0])
			if err != nil {
				return false, err
			}
			return !ok, nil
		default:
			return false, configErr("unknown boolean operator %q", node.Op)
		}
	}

	return c.evalLeaf(rec, node)
}

func (c *conditionalEvaluator) evalLeaf(rec *Record, node *conditionNode) (bool, *EvalError) {
	if node.Field == "" {
		return false, configErr("leaf condition missing field")
	}

	actual, present := rec.Field(node.Field)

	// exists is the one operator that asks about presence itself; every
	// other operator treats an absent field as a plain non-match.
	if node.Operator == "exists" {
		return present, nil
	}
	if !present {
		return false, nil
	}

	switch node.Operator {
	case "eq":
		return looseEqual(actual, node.Value), nil
	case "ne":
		return !looseEqual(actual, node.Value), nil
	case "gt", "lt", "gte", "lte":
		cmp, err := compareOrdered(actual, node.Value)
		if err != nil {
			return false, err
		}
		switch node.Operator {
		case "gt":
			return cmp > 0, nil
		case "lt":
			return cmp < 0, nil
		case "gte":
			return cmp >= 0, nil
		default:
			return cmp <= 0, nil
		}
	case "contains":
		return strings.Contains(asString(actual), asString(node.Value)), nil
	case "matches_regex":
		re, err := regexp.Compile(asString(node.Value))
		if err != nil {
			return false, evaluationErr("invalid pattern %q: %v", asString(node.Value), err)
		}
		return re.MatchString(asString(actual)), nil
	case "in_list":
		list, ok := node.Value.([]any)
		if !ok {
			return false, configErr("in_list value must be a list, got %T", node.Value)
		}
		for _, item := range list {
			if looseEqual(actual, item) {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, configErr("unknown comparison operator %q", node.Operator)
	}
}
