package autotag

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/ext"
	"go.starlark.net/syntax"
)

// Rule validation. The engine assumes structurally well-formed configs;
// this is where that assumption is earned. Validation runs when a rule is
// created or imported, never on the evaluation hot path.

var knownLeafOperators = map[string]bool{
	"eq": true, "ne": true,
	"gt": true, "lt": true, "gte": true, "lte": true,
	"contains": true, "matches_regex": true, "in_list": true, "exists": true,
}

// ValidateRule checks that a rule's dialect payload is structurally sound
// and, for the expression and script dialects, that it compiles.
func ValidateRule(rule *Rule) error {
	if rule.ID == "" {
		return fmt.Errorf("rule has no id")
	}
	if rule.TenantID == "" {
		return fmt.Errorf("rule %s has no tenant", rule.ID)
	}
	if !rule.Dialect.Valid() {
		return fmt.Errorf("rule %s has unknown dialect %q", rule.ID, rule.Dialect)
	}
	if len(rule.Config) == 0 {
		return fmt.Errorf("rule %s has empty config", rule.ID)
	}

	switch rule.Dialect {
	case DialectMapping:
		return validateMappingConfig(rule)
	case DialectConditional:
		return validateConditionalConfig(rule)
	case DialectExpression:
		return validateExpressionConfig(rule)
	case DialectScript:
		return validateScriptConfig(rule)
	}
	return nil
}

func validateMappingConfig(rule *Rule) error {
	var cfg mappingConfig
	if err := json.Unmarshal(rule.Config, &cfg); err != nil {
		return fmt.Errorf("rule %s: invalid mapping config: %w", rule.ID, err)
	}
	for i, entry := range cfg.Mappings {
		if entry.Source == "" {
			return fmt.Errorf("rule %s: mapping entry %d has no source field", rule.ID, i)
		}
		if entry.Tag == "" {
			return fmt.Errorf("rule %s: mapping entry %d has no tag", rule.ID, i)
		}
	}
	return nil
}

func validateConditionalConfig(rule *Rule) error {
	var cfg conditionalConfig
	if err := json.Unmarshal(rule.Config, &cfg); err != nil {
		return fmt.Errorf("rule %s: invalid conditional config: %w", rule.ID, err)
	}
	if cfg.Tag == "" {
		return fmt.Errorf("rule %s: conditional rule has no tag", rule.ID)
	}
	return validateConditionNode(rule.ID, &cfg.Root)
}

func validateConditionNode(ruleID string, node *conditionNode) error {
	if len(node.Children) > 0 {
		switch node.Op {
		case "and", "or", "":
		case "not":
			if len(node.Children) != 1 {
				return fmt.Errorf("rule %s: not node must have exactly one child", ruleID)
			}
		default:
			return fmt.Errorf("rule %s: unknown boolean operator %q", ruleID, node.Op)
		}
		for i := range node.Children {
			if err := validateConditionNode(ruleID, &node.Children[i]); err != nil {
				return err
			}
		}
		return nil
	}

	if node.Field == "" {
		return fmt.Errorf("rule %s: leaf condition has no field", ruleID)
	}
	if !knownLeafOperators[node.Operator] {
		return fmt.Errorf("rule %s: unknown comparison operator %q", ruleID, node.Operator)
	}
	if node.Operator == "matches_regex" {
		if _, err := regexp.Compile(asString(node.Value)); err != nil {
			return fmt.Errorf("rule %s: invalid regex pattern: %w", ruleID, err)
		}
	}
	if node.Operator == "in_list" {
		if _, ok := node.Value.([]any); !ok {
			return fmt.Errorf("rule %s: in_list value must be a list", ruleID)
		}
	}
	return nil
}

func validateExpressionConfig(rule *Rule) error {
	var cfg expressionConfig
	if err := json.Unmarshal(rule.Config, &cfg); err != nil {
		return fmt.Errorf("rule %s: invalid expression config: %w", rule.ID, err)
	}

	env, err := cel.NewEnv(
		cel.Variable("transaction", cel.DynType),
		cel.Variable("metadata", cel.DynType),
		cel.Variable("now", cel.StringType),
		ext.Strings(),
	)
	if err != nil {
		return fmt.Errorf("rule %s: cel environment: %w", rule.ID, err)
	}

	compileOne := func(expression string) error {
		if _, issues := env.Compile(expression); issues != nil && issues.Err() != nil {
			return fmt.Errorf("rule %s: expression %q does not compile: %w", rule.ID, expression, issues.Err())
		}
		return nil
	}

	switch {
	case cfg.Expression != "":
		return compileOne(cfg.Expression)
	case len(cfg.Conditions) > 0:
		for i, cond := range cfg.Conditions {
			if cond.Expression == "" || cond.Tag == "" {
				return fmt.Errorf("rule %s: condition %d missing expression or tag", rule.ID, i)
			}
			if err := compileOne(cond.Expression); err != nil {
				return err
			}
		}
		return nil
	case cfg.Script != "":
		if strings.Contains(cfg.Script, "def ") || strings.Contains(cfg.Script, "return") {
			return fmt.Errorf("rule %s: script body under expression dialect; use the script dialect", rule.ID)
		}
		return compileOne(cfg.Script)
	default:
		return fmt.Errorf("rule %s: expression rule has neither expression nor conditions", rule.ID)
	}
}

func validateScriptConfig(rule *Rule) error {
	var cfg scriptConfig
	if err := json.Unmarshal(rule.Config, &cfg); err != nil {
		return fmt.Errorf("rule %s: invalid script config: %w", rule.ID, err)
	}
	if strings.TrimSpace(cfg.Script) == "" {
		return fmt.Errorf("rule %s: script rule has empty script body", rule.ID)
	}

	for _, name := range cfg.Helpers {
		if _, ok := scriptHelpers[name]; !ok {
			return fmt.Errorf("rule %s: helper %q is not allow-listed", rule.ID, name)
		}
	}

	opts := &syntax.FileOptions{While: true, TopLevelControl: true, Set: true}
	f, err := opts.Parse(rule.ID+".star", cfg.Script, 0)
	if err != nil {
		return fmt.Errorf("rule %s: script does not parse: %w", rule.ID, err)
	}

	for _, stmt := range f.Stmts {
		if def, ok := stmt.(*syntax.DefStmt); ok && def.Name.Name == scriptEntrypoint {
			return nil
		}
	}
	return fmt.Errorf("rule %s: script does not define %s(transaction, metadata)", rule.ID, scriptEntrypoint)
}
