// Package alerting reads and rewrites the alerting rule documents whose
// trigger counts blazetune tunes.
//
// Two document formats are supported: ElastAlert rule files, where the
// trigger count is a single (possibly nested) field such as num_events,
// and blazelog rules files, where it is condition.threshold of a named
// threshold rule. The blazelog rule schema lives here so an edited
// document can be validated before it is written.
package alerting

import (
	"fmt"
	"regexp"
	"time"
)

// RuleType defines the type of alert rule.
type RuleType string

const (
	// RuleTypePattern triggers on regex pattern match.
	RuleTypePattern RuleType = "pattern"
	// RuleTypeThreshold triggers when count exceeds threshold in window.
	RuleTypeThreshold RuleType = "threshold"
)

// Severity represents the severity level of an alert.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Condition defines the alert trigger condition of a blazelog rule.
type Condition struct {
	// Pattern is the regex pattern for pattern-based rules.
	Pattern string `yaml:"pattern,omitempty"`
	// CaseSensitive controls whether pattern matching is case-sensitive.
	CaseSensitive bool `yaml:"case_sensitive,omitempty"`
	// Field is the log field to check (e.g., "level", "status", "message").
	Field string `yaml:"field,omitempty"`
	// Value is the value to match against for threshold rules.
	Value interface{} `yaml:"value,omitempty"`
	// Operator is the comparison operator (e.g., ">=", "<=", "==", "!=", ">", "<").
	Operator string `yaml:"operator,omitempty"`
	// Threshold is the count that triggers the alert. blazetune rewrites it.
	Threshold int `yaml:"threshold,omitempty"`
	// Window is the time window for threshold counting (e.g., "5m", "1h").
	Window string `yaml:"window,omitempty"`
	// LogType filters by log type (e.g., "nginx", "magento").
	LogType string `yaml:"log_type,omitempty"`

	windowDuration time.Duration
}

// Rule is a single blazelog alert rule.
type Rule struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description,omitempty"`
	Type        RuleType          `yaml:"type"`
	Condition   Condition         `yaml:"condition"`
	Severity    Severity          `yaml:"severity"`
	Notify      []string          `yaml:"notify,omitempty"`
	Cooldown    string            `yaml:"cooldown,omitempty"`
	Labels      map[string]string `yaml:"labels,omitempty"`
	Enabled     *bool             `yaml:"enabled,omitempty"`
}

// IsEnabled returns whether the rule is enabled.
func (r *Rule) IsEnabled() bool {
	if r.Enabled == nil {
		return true
	}
	return *r.Enabled
}

// Validate checks the rule the way the blazelog engine does when it loads
// the file, so a rewritten document is never rejected on reload.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}

	switch r.Type {
	case "":
		return fmt.Errorf("rule type is required for rule %q", r.Name)
	case RuleTypePattern:
		if r.Condition.Pattern == "" {
			return fmt.Errorf("pattern is required for pattern rule %q", r.Name)
		}
		flags := ""
		if !r.Condition.CaseSensitive {
			flags = "(?i)"
		}
		if _, err := regexp.Compile(flags + r.Condition.Pattern); err != nil {
			return fmt.Errorf("invalid pattern %q for rule %q: %w", r.Condition.Pattern, r.Name, err)
		}
	case RuleTypeThreshold:
		if r.Condition.Threshold <= 0 {
			return fmt.Errorf("threshold must be positive for rule %q", r.Name)
		}
		if r.Condition.Window == "" {
			return fmt.Errorf("window is required for threshold rule %q", r.Name)
		}
		windowDur, err := time.ParseDuration(r.Condition.Window)
		if err != nil {
			return fmt.Errorf("invalid window %q for rule %q: %w", r.Condition.Window, r.Name, err)
		}
		r.Condition.windowDuration = windowDur

		switch r.Condition.Operator {
		case "", "==", "!=", ">", ">=", "<", "<=":
		default:
			return fmt.Errorf("invalid operator %q for rule %q", r.Condition.Operator, r.Name)
		}
	default:
		return fmt.Errorf("invalid rule type %q for rule %q", r.Type, r.Name)
	}

	if r.Cooldown != "" {
		if _, err := time.ParseDuration(r.Cooldown); err != nil {
			return fmt.Errorf("invalid cooldown %q for rule %q: %w", r.Cooldown, r.Name, err)
		}
	}

	return nil
}

// GetWindowDuration returns the parsed window duration.
func (r *Rule) GetWindowDuration() time.Duration {
	return r.Condition.windowDuration
}

// RulesConfig represents the top-level YAML of a blazelog rules file.
type RulesConfig struct {
	Rules []*Rule `yaml:"rules"`
}

// FindRule returns the rule with the given name, or nil.
func FindRule(rules []*Rule, name string) *Rule {
	for _, r := range rules {
		if r.Name == name {
			return r
		}
	}
	return nil
}
