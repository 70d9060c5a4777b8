// Package rules models the detection rules applied to scanned content: a
// compiled content pattern, an optional path restriction, and the matching
// semantics that decide where in a chunk the pattern is evaluated.
package rules

import (
	"fmt"
	"strings"

	regexp "github.com/wasilibs/go-re2"

	"github.com/ahrav/leakscan/internal/domain/shared"
)

// MatchType selects how a pattern is applied to its scope.
type MatchType int

const (
	// MatchTypeSearch finds the pattern anywhere in the scope.
	MatchTypeSearch MatchType = iota
	// MatchTypeMatch requires the pattern to match at the start of the scope.
	MatchTypeMatch
)

func (m MatchType) String() string {
	switch m {
	case MatchTypeSearch:
		return "search"
	case MatchTypeMatch:
		return "match"
	default:
		return fmt.Sprintf("MatchType(%d)", int(m))
	}
}

// ParseMatchType converts a configuration value into a MatchType. An empty
// value selects MatchTypeSearch.
func ParseMatchType(s string) (MatchType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "search":
		return MatchTypeSearch, nil
	case "match":
		return MatchTypeMatch, nil
	default:
		return MatchTypeSearch, fmt.Errorf("%w: invalid match-type %q", shared.ErrConfig, s)
	}
}

// Scope selects the unit of text a pattern is evaluated against.
type Scope int

const (
	// ScopeFullText evaluates the pattern over the whole chunk.
	ScopeFullText Scope = iota
	// ScopeLine evaluates the pattern against each line independently.
	ScopeLine
	// ScopeWord evaluates the pattern against a single candidate string.
	// Only meaningful for entropy exclusions.
	ScopeWord
)

func (s Scope) String() string {
	switch s {
	case ScopeFullText:
		return "full-text"
	case ScopeLine:
		return "line"
	case ScopeWord:
		return "word"
	default:
		return fmt.Sprintf("Scope(%d)", int(s))
	}
}

// ParseScope converts a configuration value into a Scope, returning def when
// the value is empty.
func ParseScope(s string, def Scope) (Scope, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return def, nil
	case "full-text", "full_text", "fulltext", "full":
		return ScopeFullText, nil
	case "line":
		return ScopeLine, nil
	case "word":
		return ScopeWord, nil
	default:
		return def, fmt.Errorf("%w: invalid scope %q", shared.ErrConfig, s)
	}
}

// Rule is an immutable, compiled detection rule.
type Rule struct {
	name        string
	pattern     *regexp.Regexp
	anchored    *regexp.Regexp
	pathPattern *regexp.Regexp
	pathSearch  *regexp.Regexp
	matchType   MatchType
	scope       Scope
}

// NewRule compiles pattern and the optional pathPattern into a Rule. An empty
// pathPattern means the rule applies to every path.
func NewRule(name, pattern, pathPattern string, matchType MatchType, scope Scope) (*Rule, error) {
	if pattern == "" {
		return nil, fmt.Errorf("%w: rule %q has an empty pattern", shared.ErrConfig, name)
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: rule %q: invalid pattern: %w", shared.ErrConfig, name, err)
	}
	anchored, err := regexp.Compile(anchor(pattern))
	if err != nil {
		return nil, fmt.Errorf("%w: rule %q: invalid pattern: %w", shared.ErrConfig, name, err)
	}

	r := &Rule{
		name:      name,
		pattern:   re,
		anchored:  anchored,
		matchType: matchType,
		scope:     scope,
	}

	if pathPattern != "" {
		if r.pathSearch, err = regexp.Compile(pathPattern); err != nil {
			return nil, fmt.Errorf("%w: rule %q: invalid path pattern: %w", shared.ErrConfig, name, err)
		}
		if r.pathPattern, err = regexp.Compile(anchor(pathPattern)); err != nil {
			return nil, fmt.Errorf("%w: rule %q: invalid path pattern: %w", shared.ErrConfig, name, err)
		}
	}

	return r, nil
}

// MustNewRule is like NewRule but panics on error. Intended for tests and
// package-level defaults.
func MustNewRule(name, pattern, pathPattern string, matchType MatchType, scope Scope) *Rule {
	r, err := NewRule(name, pattern, pathPattern, matchType, scope)
	if err != nil {
		panic(err)
	}
	return r
}

func anchor(pattern string) string { return `^(?:` + pattern + `)` }

func (r *Rule) Name() string         { return r.name }
func (r *Rule) Pattern() string      { return r.pattern.String() }
func (r *Rule) MatchType() MatchType { return r.matchType }
func (r *Rule) Scope() Scope         { return r.scope }

// PathPattern returns the source of the path restriction, or "" when the rule
// applies everywhere.
func (r *Rule) PathPattern() string {
	if r.pathSearch == nil {
		return ""
	}
	return r.pathSearch.String()
}

// MatchesPath reports whether the rule applies to path. The path pattern is
// anchored at the start of the path; a rule without one matches every path.
func (r *Rule) MatchesPath(path string) bool {
	return r.pathPattern == nil || r.pathPattern.MatchString(path)
}

// FindAll returns every distinct match of the rule in contents, in order of
// first appearance. When the pattern has exactly one capture group the
// group's text is reported instead of the whole match.
func (r *Rule) FindAll(contents string) []string {
	var units []string
	switch r.scope {
	case ScopeLine:
		units = strings.Split(contents, "\n")
	default:
		units = []string{contents}
	}

	seen := make(map[string]struct{})
	var found []string
	add := func(s string) {
		if s == "" {
			return
		}
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		found = append(found, s)
	}

	for _, unit := range units {
		if r.matchType == MatchTypeMatch {
			if m := r.anchored.FindStringSubmatch(unit); m != nil {
				add(r.extract(m))
			}
			continue
		}
		for _, m := range r.pattern.FindAllStringSubmatch(unit, -1) {
			add(r.extract(m))
		}
	}
	return found
}

func (r *Rule) extract(m []string) string {
	if len(m) == 2 {
		return m[1]
	}
	return m[0]
}

// Excludes reports whether an entropy finding is suppressed by this rule.
// Word scope tests the candidate string itself, Line scope tests the line it
// was found on. The path restriction follows the rule's match type.
func (r *Rule) Excludes(candidate, line, path string) bool {
	target := line
	if r.scope == ScopeWord {
		target = candidate
	}

	if r.matchType == MatchTypeMatch {
		if !r.anchored.MatchString(target) {
			return false
		}
		return r.pathPattern == nil || r.pathPattern.MatchString(path)
	}

	if !r.pattern.MatchString(target) {
		return false
	}
	return r.pathSearch == nil || r.pathSearch.MatchString(path)
}

func (r *Rule) String() string {
	return fmt.Sprintf("Rule{name=%q pattern=%q path=%q type=%s scope=%s}",
		r.name, r.Pattern(), r.PathPattern(), r.matchType, r.scope)
}
