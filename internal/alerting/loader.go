package alerting

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Rules files are checked with the same rules the blazelog engine applies
// on reload. A rewritten threshold that passes here is one the engine will
// accept, so the updater can refuse to write anything that would disable
// the file.

// LoadRulesFromFile loads and validates blazelog alert rules from a YAML file.
func LoadRulesFromFile(path string) ([]*Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	rules, err := LoadRulesFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rules, nil
}

// LoadRulesFromBytes loads and validates blazelog alert rules from YAML
// bytes, as produced by Document.Encode.
func LoadRulesFromBytes(data []byte) ([]*Rule, error) {
	var config RulesConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parse rules YAML: %w", err)
	}
	return validateRules(config.Rules)
}

// validateRules runs Rule.Validate on each rule and rejects duplicate
// names, since the engine keys its windows and cooldowns by name.
func validateRules(rules []*Rule) ([]*Rule, error) {
	seen := make(map[string]bool, len(rules))
	for i, rule := range rules {
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("invalid rule at index %d: %w", i, err)
		}
		if seen[rule.Name] {
			return nil, fmt.Errorf("duplicate rule name %q at index %d", rule.Name, i)
		}
		seen[rule.Name] = true
	}
	return rules, nil
}
