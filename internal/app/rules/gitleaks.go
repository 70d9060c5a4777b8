package rules

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/spf13/viper"
	"github.com/zricethezav/gitleaks/v8/config"

	"github.com/ahrav/leakscan/internal/domain/rules"
)

// gitleaksPrefix namespaces rules imported from the gitleaks ruleset so they
// cannot collide with user rule names.
const gitleaksPrefix = "gitleaks:"

// loadGitleaksRules converts the embedded gitleaks default configuration into
// rules. Rules without a content regex only constrain paths and are skipped.
func loadGitleaksRules() (*rules.RuleSet, error) {
	v := viper.New()
	v.SetConfigType("toml")
	if err := v.ReadConfig(bytes.NewBufferString(config.DefaultConfig)); err != nil {
		return nil, fmt.Errorf("failed to read embedded gitleaks config: %w", err)
	}

	var vc config.ViperConfig
	if err := v.Unmarshal(&vc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal embedded gitleaks config: %w", err)
	}

	cfg, err := vc.Translate()
	if err != nil {
		return nil, fmt.Errorf("failed to translate gitleaks config: %w", err)
	}

	ids := make([]string, 0, len(cfg.Rules))
	for id := range cfg.Rules {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	set, _ := rules.NewRuleSet()
	for _, id := range ids {
		gr := cfg.Rules[id]
		if gr.Regex == nil {
			continue
		}

		// gitleaks path regexes search anywhere in the path.
		pathPattern := ""
		if gr.Path != nil {
			pathPattern = ".*(?:" + gr.Path.String() + ")"
		}

		r, err := rules.NewRule(gitleaksPrefix+id, gr.Regex.String(), pathPattern, rules.MatchTypeSearch, rules.ScopeFullText)
		if err != nil {
			return nil, err
		}
		if err := set.Add(r); err != nil {
			return nil, err
		}
	}
	return set, nil
}
