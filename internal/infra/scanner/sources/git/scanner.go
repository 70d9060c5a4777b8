// Package git produces chunks from the commit history of a local repository.
// Every branch is walked newest first and each file changed by each commit
// becomes one diff chunk.
package git

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"iter"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/leakscan/internal/config"
	domain "github.com/ahrav/leakscan/internal/domain/scanning"
	"github.com/ahrav/leakscan/internal/domain/shared"
	gitinfra "github.com/ahrav/leakscan/internal/infra/git"
	"github.com/ahrav/leakscan/pkg/common/logger"
	"github.com/ahrav/leakscan/pkg/common/otel"
)

const headBranch = "HEAD"

// Scanner walks git history and yields one chunk per changed file per
// commit. A Scanner is single-pass.
type Scanner struct {
	repoPath      string
	opts          config.GitOptions
	scanFilenames bool
	filter        domain.PathFilter

	pass domain.SinglePass
	// searched holds the md5 of every diffed commit pair, so a pair reachable
	// from several branches is scanned once.
	searched map[string]struct{}

	logger *logger.Logger
	tracer trace.Tracer
}

// NewScanner creates a history scanner for the repository at repoPath.
func NewScanner(
	repoPath string,
	opts config.Options,
	filter domain.PathFilter,
	log *logger.Logger,
	tracer trace.Tracer,
) *Scanner {
	return &Scanner{
		repoPath:      repoPath,
		opts:          opts.Git,
		scanFilenames: opts.ScanFilenames,
		filter:        filter,
		searched:      make(map[string]struct{}),
		logger:        log.With("component", "git_scanner", "repo_path", repoPath),
		tracer:        tracer,
	}
}

func (s *Scanner) SourceType() shared.SourceType { return shared.SourceTypeGitHistory }

// Chunks yields the diff chunks of every branch. Within a branch chunks
// follow reverse chronological commit order, ending with the full content
// of the oldest walked commit.
func (s *Scanner) Chunks(ctx context.Context) iter.Seq2[*domain.Chunk, error] {
	return func(yield func(*domain.Chunk, error) bool) {
		if err := s.pass.Acquire(); err != nil {
			yield(nil, err)
			return
		}

		ctx, span := otel.AddSpan(ctx, s.tracer, "git_scanner.scanning.chunks",
			attribute.String("repository_path", s.repoPath),
			attribute.String("branch", s.opts.Branch),
			attribute.String("since_commit", s.opts.SinceCommit),
			attribute.Int("max_depth", s.opts.MaxDepth),
		)
		defer span.End()

		fail := func(err error) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			yield(nil, err)
		}

		w, err := s.prepare(ctx)
		if err != nil {
			fail(err)
			return
		}
		span.AddEvent("branches_resolved", trace.WithAttributes(attribute.Int("branches", len(w.branches))))

		for _, b := range w.branches {
			s.logger.Info(ctx, "Scanning branch", "branch", b.name)
			if !s.walkBranch(ctx, w, b, yield, fail) {
				return
			}
		}
		span.SetStatus(codes.Ok, "history walked")
	}
}

type branch struct {
	name string
	ref  string
}

// walk holds the state resolved before the first branch is walked.
type walk struct {
	repo       *gitinfra.Repo
	branches   []branch
	submodules []string
	shallow    bool
	since      string
}

func (s *Scanner) prepare(ctx context.Context) (*walk, error) {
	repo, err := gitinfra.Open(ctx, s.repoPath)
	if err != nil {
		return nil, err
	}
	w := &walk{repo: repo}

	if s.opts.Fetch {
		s.logger.Info(ctx, "Fetching remote branches")
		if err := repo.Fetch(ctx); err != nil {
			return nil, err
		}
	}

	if !s.opts.IncludeSubmodules {
		if w.submodules, err = repo.Submodules(ctx); err != nil {
			return nil, err
		}
		if len(w.submodules) > 0 {
			s.logger.Info(ctx, "Excluding submodule paths from scan", "submodules", w.submodules)
		}
	}

	if s.opts.SinceCommit != "" {
		w.since, err = repo.ResolveCommit(ctx, s.opts.SinceCommit)
		switch {
		case errors.Is(err, shared.ErrCommitNotFound):
			s.logger.Warn(ctx, "Since commit not found, scanning full history", "since_commit", s.opts.SinceCommit)
		case err != nil:
			return nil, err
		}
	}

	if s.opts.Branch != "" {
		ref, err := repo.ResolveBranch(ctx, s.opts.Branch)
		if err != nil {
			return nil, err
		}
		w.branches = []branch{{name: s.opts.Branch, ref: ref}}
		return w, nil
	}

	if w.shallow, err = repo.IsShallow(ctx); err != nil {
		return nil, err
	}
	if w.shallow {
		// Shallow history cannot be diffed pairwise, so the checked out
		// commit is scanned as a whole.
		s.logger.Info(ctx, "Shallow clone detected, scanning HEAD only")
		w.branches = []branch{{name: headBranch, ref: headBranch}}
		return w, nil
	}

	names, err := repo.Branches(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		ref, err := repo.ResolveBranch(ctx, name)
		if err != nil {
			s.logger.Debug(ctx, "Skipping branch that cannot be resolved", "branch", name, "error", err)
			continue
		}
		w.branches = append(w.branches, branch{name: name, ref: ref})
	}
	s.logger.Debug(ctx, "Branches to be scanned", "branches", names)
	return w, nil
}

// walkBranch diffs each adjacent commit pair of the branch, then the oldest
// commit against the empty tree. It returns false when iteration must stop.
func (s *Scanner) walkBranch(
	ctx context.Context,
	w *walk,
	b branch,
	yield func(*domain.Chunk, error) bool,
	fail func(error),
) bool {
	depth := s.opts.MaxDepth
	if b.ref == headBranch {
		depth = 1
	}
	commits, err := w.repo.Commits(ctx, b.ref, depth)
	if err != nil {
		fail(err)
		return false
	}
	if len(commits) == 0 {
		return true
	}

	cutoff := cutoffIndex(commits, w.since)
	for i := 0; i+1 < len(commits); i++ {
		if i <= cutoff {
			continue
		}
		older, newer := commits[i+1], commits[i]
		if !s.markSearched(older.Hash, newer.Hash) {
			continue
		}
		if !s.emitDiff(ctx, w, b, older.Hash, newer, yield, fail) {
			return false
		}
	}

	last := len(commits) - 1
	if last <= cutoff {
		return true
	}
	root := commits[last]
	empty, err := w.repo.EmptyTree(ctx)
	if err != nil {
		fail(err)
		return false
	}
	if !s.markSearched(empty, root.Hash) {
		return true
	}
	return s.emitDiff(ctx, w, b, empty, root, yield, fail)
}

// cutoffIndex returns the index of the since commit, a full hash, in commits, or
// -1 when since is empty or not part of this branch. Commits at or before the
// index, in newest first order, are not diffed.
func cutoffIndex(commits []gitinfra.Commit, since string) int {
	if since == "" {
		return -1
	}
	for i, c := range commits {
		if c.Hash == since {
			return i
		}
	}
	return -1
}

// markSearched records the pair and reports whether it was new.
func (s *Scanner) markSearched(older, newer string) bool {
	sum := md5.Sum([]byte(older + newer))
	key := hex.EncodeToString(sum[:])
	if _, ok := s.searched[key]; ok {
		return false
	}
	s.searched[key] = struct{}{}
	return true
}

func (s *Scanner) emitDiff(
	ctx context.Context,
	w *walk,
	b branch,
	older string,
	newer gitinfra.Commit,
	yield func(*domain.Chunk, error) bool,
	fail func(error),
) bool {
	diffs, err := w.repo.Diff(ctx, older, newer.Hash)
	if err != nil {
		fail(err)
		return false
	}

	meta := map[string]any{
		domain.MetaCommitHash:    newer.Hash,
		domain.MetaCommitMessage: newer.Message,
		domain.MetaCommitTime:    newer.Time,
		domain.MetaBranch:        b.name,
	}

	for _, d := range diffs {
		if !s.include(ctx, w, d) {
			continue
		}
		contents := d.Body
		if s.scanFilenames {
			contents = d.Header + d.Body
		}
		if !yield(domain.NewChunk(contents, d.Path, meta, true), nil) {
			return false
		}
	}
	return true
}

func (s *Scanner) include(ctx context.Context, w *walk, d gitinfra.FileDiff) bool {
	switch {
	case d.IsBinary:
		s.logger.Debug(ctx, "Binary file skipped", "path", d.Path)
		return false
	case d.IsDelete:
		s.logger.Debug(ctx, "Deleted file skipped", "path", d.Path)
		return false
	case gitinfra.InSubmodule(w.submodules, d.Path):
		return false
	case s.filter != nil && !s.filter.ShouldScan(d.Path):
		return false
	}
	return true
}
