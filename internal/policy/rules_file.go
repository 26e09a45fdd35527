package policy

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadRulesFile reads an ordered rule list from a JSON file.
func LoadRulesFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}

	var rules []Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}

	if err := validateRules(rules); err != nil {
		return nil, err
	}
	return rules, nil
}

func validateRules(rules []Rule) error {
	seen := make(map[string]struct{}, len(rules))
	for i, rule := range rules {
		if rule.Name == "" {
			return fmt.Errorf("rule %d has no name", i)
		}
		if _, dup := seen[rule.Name]; dup {
			return fmt.Errorf("duplicate rule name %q", rule.Name)
		}
		seen[rule.Name] = struct{}{}

		if rule.Deny && rule.RequireApproval {
			return fmt.Errorf("rule %q sets both deny and require_approval", rule.Name)
		}
		if rule.MinAmount != nil && rule.MaxAmount != nil && *rule.MinAmount > *rule.MaxAmount {
			return fmt.Errorf("rule %q has min_amount above max_amount", rule.Name)
		}
	}
	return nil
}
