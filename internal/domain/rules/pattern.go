package rules

import (
	"fmt"

	"github.com/ahrav/leakscan/internal/domain/shared"
)

// Pattern is the uncompiled form of a rule as it appears in rule files and
// inline configuration.
type Pattern struct {
	Reason      string `json:"reason" toml:"reason" yaml:"reason" mapstructure:"reason"`
	Name        string `json:"name" toml:"name" yaml:"name" mapstructure:"name"`
	Pattern     string `json:"pattern" toml:"pattern" yaml:"pattern" mapstructure:"pattern"`
	PathPattern string `json:"path-pattern" toml:"path-pattern" yaml:"path-pattern" mapstructure:"path-pattern"`
	MatchType   string `json:"match-type" toml:"match-type" yaml:"match-type" mapstructure:"match-type"`
	Scope       string `json:"scope" toml:"scope" yaml:"scope" mapstructure:"scope"`
}

// Label is the rule name: reason when present, otherwise name.
func (p Pattern) Label() string {
	if p.Reason != "" {
		return p.Reason
	}
	return p.Name
}

// Compile validates p and compiles it into a Rule. defaultScope applies when
// p does not set one. Detection rules default to full text and entropy
// exclusions default to the line.
func (p Pattern) Compile(defaultScope Scope) (*Rule, error) {
	if p.Label() == "" {
		return nil, fmt.Errorf("%w: rule pattern %q is missing a reason", shared.ErrConfig, p.Pattern)
	}
	if p.Pattern == "" {
		return nil, fmt.Errorf("%w: rule %q is missing a pattern", shared.ErrConfig, p.Label())
	}

	mt, err := ParseMatchType(p.MatchType)
	if err != nil {
		return nil, fmt.Errorf("rule %q: %w", p.Label(), err)
	}
	scope, err := ParseScope(p.Scope, defaultScope)
	if err != nil {
		return nil, fmt.Errorf("rule %q: %w", p.Label(), err)
	}

	return NewRule(p.Label(), p.Pattern, p.PathPattern, mt, scope)
}

// CompilePatterns compiles each pattern in order into a RuleSet.
func CompilePatterns(patterns []Pattern, defaultScope Scope) (*RuleSet, error) {
	set, _ := NewRuleSet()
	for _, p := range patterns {
		r, err := p.Compile(defaultScope)
		if err != nil {
			return nil, err
		}
		if err := set.Add(r); err != nil {
			return nil, err
		}
	}
	return set, nil
}
