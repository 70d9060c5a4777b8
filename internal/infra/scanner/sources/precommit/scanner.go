// Package precommit produces chunks from the changes staged in a repository's
// index, for use from a git pre-commit hook.
package precommit

import (
	"context"
	"fmt"
	"iter"

	"github.com/zricethezav/gitleaks/v8/sources"
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

// Scanner yields one diff chunk per staged file. Newly added files are
// included. A Scanner is single-pass.
type Scanner struct {
	repoPath          string
	scanFilenames     bool
	includeSubmodules bool
	filter            domain.PathFilter

	pass domain.SinglePass

	logger *logger.Logger
	tracer trace.Tracer
}

// NewScanner creates a staged-changes scanner for the repository containing
// repoPath. An empty repoPath means the working directory.
func NewScanner(
	repoPath string,
	opts config.Options,
	filter domain.PathFilter,
	log *logger.Logger,
	tracer trace.Tracer,
) *Scanner {
	if repoPath == "" {
		repoPath = "."
	}
	return &Scanner{
		repoPath:          repoPath,
		scanFilenames:     opts.ScanFilenames,
		includeSubmodules: opts.Git.IncludeSubmodules,
		filter:            filter,
		logger:            log.With("component", "precommit_scanner", "repo_path", repoPath),
		tracer:            tracer,
	}
}

func (s *Scanner) SourceType() shared.SourceType { return shared.SourceTypePreCommit }

// Chunks yields the staged diff of every changed file. Chunks carry no commit
// metadata since nothing has been committed yet.
func (s *Scanner) Chunks(ctx context.Context) iter.Seq2[*domain.Chunk, error] {
	return func(yield func(*domain.Chunk, error) bool) {
		if err := s.pass.Acquire(); err != nil {
			yield(nil, err)
			return
		}

		ctx, span := otel.AddSpan(ctx, s.tracer, "precommit_scanner.scanning.chunks",
			attribute.String("repository_path", s.repoPath))
		defer span.End()

		fail := func(err error) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			yield(nil, err)
		}

		repo, err := gitinfra.Open(ctx, s.repoPath)
		if err != nil {
			fail(err)
			return
		}
		top, err := repo.Toplevel(ctx)
		if err != nil {
			fail(err)
			return
		}

		var submodules []string
		if !s.includeSubmodules {
			if submodules, err = repo.Submodules(ctx); err != nil {
				fail(err)
				return
			}
			if len(submodules) > 0 {
				s.logger.Info(ctx, "Excluding submodule paths from scan", "submodules", submodules)
			}
		}

		gitCmd, err := sources.NewGitDiffCmd(top, true)
		if err != nil {
			fail(fmt.Errorf("%w: failed to create git diff command: %w", shared.ErrGitLocal, err))
			return
		}
		span.AddEvent("git_diff_started")

		files := gitCmd.DiffFilesCh()
		stopped := false
		var count int
		for f := range files {
			if stopped {
				continue
			}
			d := gitinfra.NewFileDiff(f)
			if !s.include(ctx, submodules, d) {
				continue
			}
			contents := d.Body
			if s.scanFilenames {
				contents = d.Header + d.Body
			}
			count++
			if !yield(domain.NewChunk(contents, d.Path, nil, true), nil) {
				// Keep draining so the diff command can exit.
				stopped = true
			}
		}

		if err := gitCmd.Wait(); err != nil && !stopped {
			fail(fmt.Errorf("%w: git diff failed: %w", shared.ErrScan, err))
			return
		}
		span.SetAttributes(attribute.Int("files_staged", count))
		span.SetStatus(codes.Ok, "staged changes read")
	}
}

func (s *Scanner) include(ctx context.Context, submodules []string, d gitinfra.FileDiff) bool {
	switch {
	case d.IsBinary:
		s.logger.Debug(ctx, "Binary file skipped", "path", d.Path)
		return false
	case d.IsDelete:
		s.logger.Debug(ctx, "Deleted file skipped", "path", d.Path)
		return false
	case gitinfra.InSubmodule(submodules, d.Path):
		s.logger.Debug(ctx, "Submodule path skipped", "path", d.Path)
		return false
	case s.filter != nil && !s.filter.ShouldScan(d.Path):
		return false
	}
	return true
}
