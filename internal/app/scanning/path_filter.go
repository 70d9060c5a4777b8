package scanning

import (
	"context"
	"fmt"
	"sync"

	regexp "github.com/wasilibs/go-re2"

	"github.com/ahrav/leakscan/internal/config"
	domain "github.com/ahrav/leakscan/internal/domain/scanning"
	"github.com/ahrav/leakscan/internal/domain/shared"
	"github.com/ahrav/leakscan/pkg/common/logger"
)

var _ domain.PathFilter = (*PathFilter)(nil)

// PathFilter applies the global include and exclude path patterns. Patterns
// are anchored at the start of the path. Decisions are cached per instance.
type PathFilter struct {
	include []*regexp.Regexp
	exclude []*regexp.Regexp
	logger  *logger.Logger

	mu    sync.Mutex
	cache map[string]bool
}

// NewPathFilter compiles the path patterns configured in opts.
func NewPathFilter(opts config.Options, log *logger.Logger) (*PathFilter, error) {
	include, err := compilePathPatterns(opts.IncludePatterns())
	if err != nil {
		return nil, fmt.Errorf("invalid include-path-patterns: %w", err)
	}
	exclude, err := compilePathPatterns(opts.ExcludePatterns())
	if err != nil {
		return nil, fmt.Errorf("invalid exclude-path-patterns: %w", err)
	}

	return &PathFilter{
		include: include,
		exclude: exclude,
		logger:  log.With("component", "path_filter"),
		cache:   make(map[string]bool),
	}, nil
}

func compilePathPatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(`^(?:` + p + `)`)
		if err != nil {
			return nil, fmt.Errorf("%w: path pattern %q: %w", shared.ErrConfig, p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// ShouldScan reports whether path passes both filters. With inclusions
// configured the path must match one of them; a path matching any exclusion
// is rejected even when it is also included.
func (f *PathFilter) ShouldScan(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if ok, cached := f.cache[path]; cached {
		return ok
	}
	ok := f.evaluate(path)
	f.cache[path] = ok
	return ok
}

func (f *PathFilter) evaluate(path string) bool {
	if len(f.include) > 0 && !matchesAny(f.include, path) {
		f.logger.Debug(context.Background(), "path excluded, did not match included paths", "path", path)
		return false
	}
	if matchesAny(f.exclude, path) {
		f.logger.Debug(context.Background(), "path excluded, matched excluded paths", "path", path)
		return false
	}
	return true
}

func matchesAny(patterns []*regexp.Regexp, path string) bool {
	for _, re := range patterns {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}
