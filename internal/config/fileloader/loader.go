// Package fileloader reads scan options from a configuration file and the
// environment using viper.
package fileloader

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/ahrav/leakscan/internal/config"
	"github.com/ahrav/leakscan/internal/domain/rules"
	"github.com/ahrav/leakscan/internal/domain/shared"
	"github.com/ahrav/leakscan/pkg/common/logger"
)

var _ config.Loader = (*FileLoader)(nil)

// EnvPrefix prefixes environment overrides, e.g. LEAKSCAN_ENTROPY_SENSITIVITY.
const EnvPrefix = "LEAKSCAN"

// section is the table options live under inside a shared project file such
// as pyproject.toml. Files without it are read from the top level.
const section = "tool.leakscan"

// FileLoader loads options from a file on disk. Values may be overridden by
// LEAKSCAN_* environment variables. An empty path reads only the environment.
type FileLoader struct {
	path   string
	logger *logger.Logger
}

// NewFileLoader creates a new FileLoader for path.
func NewFileLoader(path string, log *logger.Logger) *FileLoader {
	return &FileLoader{path: path, logger: log.With("component", "config_loader")}
}

// Load reads and normalizes the configuration file.
func (l *FileLoader) Load(ctx context.Context) (config.Options, error) {
	v := viper.New()
	if l.path != "" {
		v.SetConfigFile(l.path)
		if filepath.Ext(l.path) == "" {
			v.SetConfigType("toml")
		}
		if err := v.ReadInConfig(); err != nil {
			return config.Options{}, fmt.Errorf("%w: failed to read config file %s: %w", shared.ErrConfig, l.path, err)
		}
	}

	prefix := ""
	if v.IsSet(section) {
		prefix = section + "."
	}
	r := &reader{v: v, prefix: prefix, log: l.logger}
	r.bindEnv()

	opts := config.Default()
	opts.Entropy = r.boolean("entropy", opts.Entropy)
	opts.Regex = r.boolean("regex", opts.Regex)
	opts.DefaultRegexes = r.boolean("default-regexes", opts.DefaultRegexes)
	opts.GitleaksRules = r.boolean("gitleaks-rules", opts.GitleaksRules)
	opts.EntropySensitivity = r.integer("entropy-sensitivity", opts.EntropySensitivity)
	opts.MinEntropyLength = r.integer("min-entropy-length", opts.MinEntropyLength)
	opts.ScanFilenames = r.boolean("scan-filenames", opts.ScanFilenames)
	opts.Workers = r.integer("workers", opts.Workers)

	opts.RulesFiles = r.stringSlice("rules")
	opts.RulesRepo = r.str("git-rules-repo")
	opts.RulesRepoFiles = r.stringSlice("git-rules-files")

	opts.Git = config.GitOptions{
		SinceCommit:       r.str("since-commit"),
		MaxDepth:          r.integer("max-depth", opts.Git.MaxDepth),
		Branch:            r.str("branch"),
		Fetch:             r.boolean("fetch", opts.Git.Fetch),
		IncludeSubmodules: r.boolean("include-submodules", opts.Git.IncludeSubmodules),
	}
	opts.Folder = config.FolderOptions{
		Recurse:          r.boolean("recurse", opts.Folder.Recurse),
		RespectGitignore: r.boolean("respect-gitignore", opts.Folder.RespectGitignore),
	}

	var err error
	if opts.RulePatterns, err = r.patterns("rule-patterns"); err != nil {
		return config.Options{}, err
	}
	if opts.ExcludeEntropyPatterns, err = r.patterns("exclude-entropy-patterns"); err != nil {
		return config.Options{}, err
	}
	if opts.IncludePathPatterns, err = r.pathPatterns(ctx, "include-path-patterns"); err != nil {
		return config.Options{}, err
	}
	if opts.ExcludePathPatterns, err = r.pathPatterns(ctx, "exclude-path-patterns"); err != nil {
		return config.Options{}, err
	}
	if opts.ExcludeSignatures, err = r.signatures(ctx, "exclude-signatures"); err != nil {
		return config.Options{}, err
	}

	if err := opts.Validate(); err != nil {
		return config.Options{}, err
	}

	l.logger.Debug(ctx, "configuration loaded",
		"path", l.path,
		"section", strings.TrimSuffix(prefix, "."),
		"rule_patterns", len(opts.RulePatterns),
		"excluded_signatures", len(opts.ExcludeSignatures),
	)
	return opts, nil
}

// scalarKeys are the keys that may be overridden from the environment.
var scalarKeys = []string{
	"entropy", "regex", "default-regexes", "gitleaks-rules",
	"entropy-sensitivity", "min-entropy-length", "scan-filenames", "workers",
	"rules", "git-rules-repo", "git-rules-files",
	"since-commit", "max-depth", "branch", "fetch", "include-submodules",
	"recurse", "respect-gitignore", "exclude-signatures",
	"include-path-patterns", "exclude-path-patterns",
}

type reader struct {
	v      *viper.Viper
	prefix string
	log    *logger.Logger
}

func (r *reader) bindEnv() {
	for _, k := range scalarKeys {
		env := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(k, "-", "_"))
		_ = r.v.BindEnv(r.prefix+k, env)
	}
}

// key resolves k to the spelling present in the file. Both dashed and
// underscored keys are accepted.
func (r *reader) key(k string) string {
	full := r.prefix + k
	if r.v.IsSet(full) {
		return full
	}
	if alt := r.prefix + strings.ReplaceAll(k, "-", "_"); r.v.IsSet(alt) {
		return alt
	}
	return full
}

func (r *reader) boolean(k string, def bool) bool {
	key := r.key(k)
	if !r.v.IsSet(key) {
		return def
	}
	return r.v.GetBool(key)
}

func (r *reader) integer(k string, def int) int {
	key := r.key(k)
	if !r.v.IsSet(key) {
		return def
	}
	return r.v.GetInt(key)
}

func (r *reader) str(k string) string { return r.v.GetString(r.key(k)) }

func (r *reader) stringSlice(k string) []string {
	key := r.key(k)
	if !r.v.IsSet(key) {
		return nil
	}
	return r.v.GetStringSlice(key)
}

func (r *reader) patterns(k string) ([]rules.Pattern, error) {
	key := r.key(k)
	if !r.v.IsSet(key) {
		return nil, nil
	}
	var out []rules.Pattern
	if err := r.v.UnmarshalKey(key, &out); err != nil {
		return nil, fmt.Errorf("%w: invalid %s: %w", shared.ErrConfig, k, err)
	}
	return out, nil
}

// entries returns the raw list stored at k. A single string, as provided by
// an environment variable, is split on commas and whitespace.
func (r *reader) entries(k string) []any {
	key := r.key(k)
	if !r.v.IsSet(key) {
		return nil
	}
	switch raw := r.v.Get(key).(type) {
	case []any:
		return raw
	case []string:
		out := make([]any, 0, len(raw))
		for _, s := range raw {
			out = append(out, s)
		}
		return out
	case string:
		fields := strings.FieldsFunc(raw, func(c rune) bool { return c == ',' || c == ' ' || c == '\n' })
		out := make([]any, 0, len(fields))
		for _, f := range fields {
			out = append(out, tabled{value: f})
		}
		return out
	default:
		return []any{raw}
	}
}

// tabled marks an environment-provided entry, which is not deprecated even
// though it carries no reason.
type tabled struct{ value string }

var errIllegalEntry = errors.New("illegal entry")

// dualForm normalizes entries that may be either a table holding field and a
// reason, or a bare string. Bare strings are deprecated.
func (r *reader) dualForm(ctx context.Context, k, field string) ([][2]string, error) {
	var (
		out        [][2]string
		deprecated bool
	)
	for _, e := range r.entries(k) {
		switch entry := e.(type) {
		case tabled:
			out = append(out, [2]string{entry.value, ""})
		case string:
			deprecated = true
			out = append(out, [2]string{entry, ""})
		case map[string]any:
			val, ok := entry[field].(string)
			if !ok {
				return nil, fmt.Errorf("%w: required key %s missing in %s", shared.ErrConfig, field, k)
			}
			reason, _ := entry["reason"].(string)
			out = append(out, [2]string{val, reason})
		default:
			return nil, fmt.Errorf("%w: %w: %T in %s", shared.ErrConfig, errIllegalEntry, e, k)
		}
	}

	if deprecated {
		r.log.Warn(ctx, "plain string entries are deprecated; use tables with a reason instead",
			"key", k,
			"example", fmt.Sprintf("%s = [{%s = '...', reason = '...'}]", k, field),
		)
	}
	return out, nil
}

func (r *reader) pathPatterns(ctx context.Context, k string) ([]config.PathPattern, error) {
	pairs, err := r.dualForm(ctx, k, "path-pattern")
	if err != nil {
		return nil, err
	}
	out := make([]config.PathPattern, 0, len(pairs))
	for _, p := range pairs {
		// Lines starting with # are comments in pattern lists.
		if p[0] == "" || strings.HasPrefix(p[0], "#") {
			continue
		}
		out = append(out, config.PathPattern{Pattern: strings.TrimSpace(p[0]), Reason: p[1]})
	}
	return out, nil
}

func (r *reader) signatures(ctx context.Context, k string) ([]config.ExcludedSignature, error) {
	pairs, err := r.dualForm(ctx, k, "signature")
	if err != nil {
		return nil, err
	}
	out := make([]config.ExcludedSignature, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, config.ExcludedSignature{Signature: p[0], Reason: p[1]})
	}
	return out, nil
}
