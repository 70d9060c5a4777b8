// Package config holds the immutable options a scan is constructed with.
package config

import (
	"fmt"

	"github.com/ahrav/leakscan/internal/domain/rules"
	"github.com/ahrav/leakscan/internal/domain/shared"
)

// Defaults applied when a value is not configured.
const (
	DefaultEntropySensitivity = 75
	DefaultMinEntropyLength   = 20
	DefaultMaxDepth           = 1_000_000
	DefaultRulesRepoGlob      = "*.json"
)

// PathPattern is a path regex with the reason it was configured.
type PathPattern struct {
	Pattern string
	Reason  string
}

// ExcludedSignature is a previously reviewed finding that must not be
// reported again.
type ExcludedSignature struct {
	Signature string
	Reason    string
}

// GitOptions controls how git history is walked.
type GitOptions struct {
	// SinceCommit stops the walk of each branch at this commit.
	SinceCommit string
	// MaxDepth bounds the number of commits walked per branch.
	MaxDepth int
	// Branch restricts the scan to one branch. Empty scans every branch.
	Branch string
	// Fetch updates remote-tracking branches before the walk.
	Fetch bool
	// IncludeSubmodules scans paths that belong to submodules.
	IncludeSubmodules bool
}

// FolderOptions controls how a filesystem tree is walked.
type FolderOptions struct {
	Recurse          bool
	RespectGitignore bool
}

// Options is the configuration of one scan invocation. It is built once and
// passed by value to every component that needs it.
type Options struct {
	Entropy        bool
	Regex          bool
	DefaultRegexes bool
	GitleaksRules  bool

	// EntropySensitivity scales the entropy thresholds: 0 flags everything,
	// 100 only flags maximally random strings.
	EntropySensitivity int
	MinEntropyLength   int

	RulesFiles     []string
	RulePatterns   []rules.Pattern
	RulesRepo      string
	RulesRepoFiles []string

	IncludePathPatterns    []PathPattern
	ExcludePathPatterns    []PathPattern
	ExcludeEntropyPatterns []rules.Pattern
	ExcludeSignatures      []ExcludedSignature

	// ScanFilenames keeps the file header in scanned content so secrets in
	// paths are detected too.
	ScanFilenames bool

	// Workers is the number of chunks analyzed in parallel. Values below 2
	// analyze sequentially.
	Workers int

	Git    GitOptions
	Folder FolderOptions
}

// Default returns the options used when nothing is configured.
func Default() Options {
	return Options{
		Entropy:            true,
		Regex:              true,
		DefaultRegexes:     true,
		EntropySensitivity: DefaultEntropySensitivity,
		MinEntropyLength:   DefaultMinEntropyLength,
		Git:                GitOptions{MaxDepth: DefaultMaxDepth},
		Folder:             FolderOptions{Recurse: true},
	}
}

// Validate reports options that can never produce a meaningful scan.
func (o Options) Validate() error {
	if o.EntropySensitivity < 0 || o.EntropySensitivity > 100 {
		return fmt.Errorf("%w: entropy-sensitivity must be between 0 and 100, got %d",
			shared.ErrConfig, o.EntropySensitivity)
	}
	if o.MinEntropyLength < 1 {
		return fmt.Errorf("%w: min-entropy-length must be positive, got %d", shared.ErrConfig, o.MinEntropyLength)
	}
	if o.Git.MaxDepth < 1 {
		return fmt.Errorf("%w: max-depth must be positive, got %d", shared.ErrConfig, o.Git.MaxDepth)
	}
	if o.Workers < 0 {
		return fmt.Errorf("%w: workers must not be negative, got %d", shared.ErrConfig, o.Workers)
	}
	return nil
}

// IncludePatterns returns the raw inclusion regexes.
func (o Options) IncludePatterns() []string { return pathPatterns(o.IncludePathPatterns) }

// ExcludePatterns returns the raw exclusion regexes.
func (o Options) ExcludePatterns() []string { return pathPatterns(o.ExcludePathPatterns) }

// Signatures returns the excluded signature values.
func (o Options) Signatures() []string {
	out := make([]string, 0, len(o.ExcludeSignatures))
	for _, s := range o.ExcludeSignatures {
		out = append(out, s.Signature)
	}
	return out
}

func pathPatterns(in []PathPattern) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		out = append(out, p.Pattern)
	}
	return out
}
