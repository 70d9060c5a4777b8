package rules

import (
	"fmt"

	"github.com/ahrav/leakscan/internal/domain/shared"
)

// RuleSet is an ordered collection of rules in which named rules are unique.
// Unnamed rules may repeat.
type RuleSet struct {
	rules  []*Rule
	byName map[string]*Rule
}

// NewRuleSet builds a RuleSet from rules, failing on the first duplicate
// name.
func NewRuleSet(rules ...*Rule) (*RuleSet, error) {
	s := &RuleSet{byName: make(map[string]*Rule, len(rules))}
	for _, r := range rules {
		if err := s.Add(r); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add appends r. Adding a second rule with an existing name is a
// configuration error.
func (s *RuleSet) Add(r *Rule) error {
	if r.name != "" {
		if _, ok := s.byName[r.name]; ok {
			return fmt.Errorf("%w: rule %q was defined multiple times", shared.ErrConfig, r.name)
		}
		s.byName[r.name] = r
	}
	s.rules = append(s.rules, r)
	return nil
}

// Merge adds every rule of other, stopping at the first duplicate.
func (s *RuleSet) Merge(other *RuleSet) error {
	if other == nil {
		return nil
	}
	for _, r := range other.rules {
		if err := s.Add(r); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the rule registered under name.
func (s *RuleSet) Get(name string) (*Rule, bool) {
	r, ok := s.byName[name]
	return r, ok
}

// Len returns the number of rules.
func (s *RuleSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}

// Rules returns the rules in insertion order.
func (s *RuleSet) Rules() []*Rule {
	if s == nil {
		return nil
	}
	out := make([]*Rule, len(s.rules))
	copy(out, s.rules)
	return out
}
