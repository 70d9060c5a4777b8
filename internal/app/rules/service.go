// Package rules resolves the set of detection rules for a scan from built-in
// defaults, rule files, inline patterns and external rules repositories.
package rules

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/leakscan/internal/config"
	"github.com/ahrav/leakscan/internal/domain/rules"
	"github.com/ahrav/leakscan/internal/domain/shared"
	"github.com/ahrav/leakscan/pkg/common/logger"
)

//go:embed default_rules.json
var defaultRules []byte

// Cloner fetches a remote repository into a local directory.
type Cloner interface {
	Clone(ctx context.Context, url, dir string) error
}

// Sources lists everywhere rules may come from.
type Sources struct {
	IncludeDefault  bool
	IncludeGitleaks bool
	RulePatterns    []rules.Pattern
	RulesFiles      []string
	RulesRepo       string
	RulesRepoFiles  []string
}

// SourcesFromOptions extracts the rule sources from scan options.
func SourcesFromOptions(opts config.Options) Sources {
	return Sources{
		IncludeDefault:  opts.DefaultRegexes,
		IncludeGitleaks: opts.GitleaksRules,
		RulePatterns:    opts.RulePatterns,
		RulesFiles:      opts.RulesFiles,
		RulesRepo:       opts.RulesRepo,
		RulesRepoFiles:  opts.RulesRepoFiles,
	}
}

// Service builds RuleSets. It is safe for concurrent use.
type Service struct {
	cloner Cloner
	logger *logger.Logger
	tracer trace.Tracer
}

// NewService creates a Service. cloner is only used when a rules repository
// is not a local directory.
func NewService(cloner Cloner, log *logger.Logger, tracer trace.Tracer) *Service {
	return &Service{
		cloner: cloner,
		logger: log.With("component", "rules_service"),
		tracer: tracer,
	}
}

// Configure merges every source into one RuleSet. Sources are added in order:
// defaults, gitleaks rules, inline patterns, rule files, then rules repository
// files. A name defined twice anywhere is a configuration error.
func (s *Service) Configure(ctx context.Context, src Sources) (*rules.RuleSet, error) {
	ctx, span := s.tracer.Start(ctx, "rules_service.configure",
		trace.WithAttributes(
			attribute.Bool("include_default", src.IncludeDefault),
			attribute.Bool("include_gitleaks", src.IncludeGitleaks),
			attribute.Int("rules_files", len(src.RulesFiles)),
			attribute.String("rules_repo", src.RulesRepo),
		))
	defer span.End()

	set, err := s.configure(ctx, src)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to configure rules")
		s.logger.Error(ctx, "error loading regex rules", "error", err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("num_rules", set.Len()))
	s.logger.Debug(ctx, "regex rules initialized", "num_rules", set.Len())
	return set, nil
}

func (s *Service) configure(ctx context.Context, src Sources) (*rules.RuleSet, error) {
	set, _ := rules.NewRuleSet()

	if src.IncludeDefault {
		defaults, err := Defaults()
		if err != nil {
			return nil, err
		}
		if err := set.Merge(defaults); err != nil {
			return nil, err
		}
	}

	if src.IncludeGitleaks {
		gl, err := loadGitleaksRules()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", shared.ErrConfig, err)
		}
		if err := set.Merge(gl); err != nil {
			return nil, err
		}
	}

	inline, err := rules.CompilePatterns(src.RulePatterns, rules.ScopeFullText)
	if err != nil {
		return nil, err
	}
	if err := set.Merge(inline); err != nil {
		return nil, err
	}

	files := slices.Clone(src.RulesFiles)
	if src.RulesRepo != "" {
		repoDir, cleanup, err := s.resolveRepo(ctx, src.RulesRepo)
		if err != nil {
			return nil, err
		}
		defer cleanup()

		repoFiles, err := globRepo(repoDir, src.RulesRepoFiles)
		if err != nil {
			return nil, err
		}
		files = append(files, repoFiles...)
	}

	for _, f := range files {
		loaded, err := LoadFile(ctx, s.logger, f)
		if err != nil {
			return nil, err
		}
		if err := set.Merge(loaded); err != nil {
			return nil, fmt.Errorf("rules file %s: %w", f, err)
		}
	}

	return set, nil
}

// resolveRepo returns a local directory holding the rules repository. Remote
// repositories are cloned to a temporary directory removed by cleanup.
func (s *Service) resolveRepo(ctx context.Context, repo string) (string, func(), error) {
	if info, err := os.Stat(repo); err == nil && info.IsDir() {
		return repo, func() {}, nil
	}

	if s.cloner == nil {
		return "", nil, fmt.Errorf("%w: rules repository %s is not a local directory", shared.ErrConfig, repo)
	}

	dir, err := os.MkdirTemp("", "leakscan-rules-")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	cleanup := func() {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			s.logger.Warn(ctx, "failed to remove rules repository clone", "dir", dir, "error", rmErr)
		}
	}

	s.logger.Info(ctx, "cloning rules repository", "repo", repo)
	if err := s.cloner.Clone(ctx, repo, dir); err != nil {
		cleanup()
		return "", nil, shared.Wrap(shared.ErrGitRemote, err)
	}
	return dir, cleanup, nil
}

func globRepo(dir string, patterns []string) ([]string, error) {
	if len(patterns) == 0 {
		patterns = []string{config.DefaultRulesRepoGlob}
	}

	var files []string
	for _, p := range patterns {
		matches, err := filepath.Glob(filepath.Join(dir, p))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid rules file glob %q: %w", shared.ErrConfig, p, err)
		}
		slices.Sort(matches)
		files = append(files, matches...)
	}
	return files, nil
}

var errNoDefaults = errors.New("embedded default rules are empty")

// Defaults returns the built-in rules.
func Defaults() (*rules.RuleSet, error) {
	patterns, err := parseJSON(context.Background(), nil, "default_rules.json", defaultRules)
	if err != nil {
		return nil, fmt.Errorf("failed to parse default rules: %w", err)
	}
	if len(patterns) == 0 {
		return nil, errNoDefaults
	}
	return rules.CompilePatterns(patterns, rules.ScopeFullText)
}
