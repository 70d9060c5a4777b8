package rules

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/ahrav/leakscan/internal/domain/rules"
	"github.com/ahrav/leakscan/internal/domain/shared"
	"github.com/ahrav/leakscan/pkg/common/logger"
)

// tomlRuleFile is the layout of a TOML rules file. Patterns may sit at the
// top level or under the project table of a shared config file.
type tomlRuleFile struct {
	RulePatterns []rules.Pattern `toml:"rule-patterns"`
	Tool         struct {
		Leakscan struct {
			RulePatterns []rules.Pattern `toml:"rule-patterns"`
		} `toml:"leakscan"`
	} `toml:"tool"`
}

// legacyRule is the value form of the deprecated JSON object layout.
type legacyRule struct {
	Pattern     string `json:"pattern"`
	PathPattern string `json:"path_pattern"`
}

// LoadFile reads the rules defined in path. The format is chosen by file
// extension; unknown extensions are read as JSON.
func LoadFile(ctx context.Context, log *logger.Logger, path string) (*rules.RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read rules file %s: %w", shared.ErrConfig, path, err)
	}

	var patterns []rules.Pattern
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		patterns, err = parseTOML(data)
	case ".yaml", ".yml":
		patterns, err = parseYAML(data)
	default:
		patterns, err = parseJSON(ctx, log, path, data)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: error loading rules from file %s: %w", shared.ErrConfig, path, err)
	}

	set, err := rules.CompilePatterns(patterns, rules.ScopeFullText)
	if err != nil {
		return nil, fmt.Errorf("rules file %s: %w", path, err)
	}
	return set, nil
}

func parseTOML(data []byte) ([]rules.Pattern, error) {
	var f tomlRuleFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return append(f.RulePatterns, f.Tool.Leakscan.RulePatterns...), nil
}

func parseYAML(data []byte) ([]rules.Pattern, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, err
	}
	if len(node.Content) == 0 {
		return nil, nil
	}

	root := node.Content[0]
	switch root.Kind {
	case yaml.SequenceNode:
		var patterns []rules.Pattern
		if err := root.Decode(&patterns); err != nil {
			return nil, err
		}
		return patterns, nil
	case yaml.MappingNode:
		var wrapped struct {
			RulePatterns []rules.Pattern `yaml:"rule-patterns"`
		}
		if err := root.Decode(&wrapped); err != nil {
			return nil, err
		}
		return wrapped.RulePatterns, nil
	default:
		return nil, fmt.Errorf("expected a list of rule patterns")
	}
}

func parseJSON(ctx context.Context, log *logger.Logger, path string, data []byte) ([]rules.Pattern, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return parseLegacyJSON(ctx, log, path, trimmed)
	}

	var patterns []rules.Pattern
	if err := json.Unmarshal(trimmed, &patterns); err != nil {
		return nil, err
	}
	return patterns, nil
}

// parseLegacyJSON accepts the deprecated {"name": "regex"} and
// {"name": {"pattern": ..., "path_pattern": ...}} layouts. Each rule read
// this way is reported so it can be migrated.
func parseLegacyJSON(ctx context.Context, log *logger.Logger, path string, data []byte) ([]rules.Pattern, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	slices.Sort(names)

	patterns := make([]rules.Pattern, 0, len(names))
	for _, name := range names {
		var p rules.Pattern
		var pattern string
		if err := json.Unmarshal(raw[name], &pattern); err == nil {
			p = rules.Pattern{Reason: name, Pattern: pattern}
		} else {
			var lr legacyRule
			if err := json.Unmarshal(raw[name], &lr); err != nil {
				return nil, fmt.Errorf("rule %q: %w", name, err)
			}
			p = rules.Pattern{Reason: name, Pattern: lr.Pattern, PathPattern: lr.PathPattern}
		}

		log.Warn(ctx, "rule uses the deprecated JSON object format; convert it to a rule-patterns entry",
			"rule", name,
			"file", path,
		)
		patterns = append(patterns, p)
	}
	return patterns, nil
}
