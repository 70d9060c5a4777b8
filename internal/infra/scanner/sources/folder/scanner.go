// Package folder produces chunks from the current contents of a directory
// tree. Each regular file becomes one chunk.
package folder

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	ignore "github.com/sabhiram/go-gitignore"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/leakscan/internal/config"
	domain "github.com/ahrav/leakscan/internal/domain/scanning"
	"github.com/ahrav/leakscan/internal/domain/shared"
	"github.com/ahrav/leakscan/pkg/common/logger"
	"github.com/ahrav/leakscan/pkg/common/otel"
)

// errStop ends the walk when the consumer stops iterating.
var errStop = errors.New("iteration stopped")

// Scanner walks a directory and yields the contents of every file that
// passes the path filter. Paths are relative to the target and slash
// separated. A Scanner is single-pass.
type Scanner struct {
	target        string
	opts          config.FolderOptions
	scanFilenames bool
	filter        domain.PathFilter

	pass domain.SinglePass

	logger *logger.Logger
	tracer trace.Tracer
}

// NewScanner creates a folder scanner rooted at target.
func NewScanner(
	target string,
	opts config.Options,
	filter domain.PathFilter,
	log *logger.Logger,
	tracer trace.Tracer,
) *Scanner {
	return &Scanner{
		target:        target,
		opts:          opts.Folder,
		scanFilenames: opts.ScanFilenames,
		filter:        filter,
		logger:        log.With("component", "folder_scanner", "target", target),
		tracer:        tracer,
	}
}

func (s *Scanner) SourceType() shared.SourceType { return shared.SourceTypeFolder }

// Chunks yields one chunk per readable UTF-8 file. Files that are not valid
// UTF-8 are treated as binary and skipped. A file that cannot be read ends
// the sequence with an ErrScan error.
func (s *Scanner) Chunks(ctx context.Context) iter.Seq2[*domain.Chunk, error] {
	return func(yield func(*domain.Chunk, error) bool) {
		if err := s.pass.Acquire(); err != nil {
			yield(nil, err)
			return
		}

		ctx, span := otel.AddSpan(ctx, s.tracer, "folder_scanner.scanning.chunks",
			attribute.String("target", s.target),
			attribute.Bool("recurse", s.opts.Recurse),
			attribute.Bool("respect_gitignore", s.opts.RespectGitignore),
		)
		defer span.End()

		ignored, err := s.loadGitignore()
		if err != nil {
			span.RecordError(err)
			yield(nil, err)
			return
		}

		var files int
		err = filepath.WalkDir(s.target, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return fmt.Errorf("%w: walking %s: %w", shared.ErrScan, path, walkErr)
			}
			if err := ctx.Err(); err != nil {
				return err
			}

			rel, err := filepath.Rel(s.target, path)
			if err != nil {
				return fmt.Errorf("%w: %w", shared.ErrScan, err)
			}
			if rel == "." {
				return nil
			}
			rel = filepath.ToSlash(rel)

			if d.IsDir() {
				if !s.opts.Recurse {
					return fs.SkipDir
				}
				if ignored != nil && ignored.MatchesPath(rel+"/") {
					s.logger.Debug(ctx, "Directory ignored by .gitignore", "path", rel)
					return fs.SkipDir
				}
				return nil
			}

			if !s.isFile(path, d) {
				return nil
			}
			if ignored != nil && ignored.MatchesPath(rel) {
				s.logger.Debug(ctx, "File ignored by .gitignore", "path", rel)
				return nil
			}
			if s.filter != nil && !s.filter.ShouldScan(rel) {
				return nil
			}

			chunk, ok, err := s.read(path, rel)
			if err != nil {
				return err
			}
			if !ok {
				s.logger.Debug(ctx, "Binary file skipped", "path", rel)
				return nil
			}
			files++
			if !yield(chunk, nil) {
				return errStop
			}
			return nil
		})

		switch {
		case errors.Is(err, errStop):
			return
		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, "folder walk failed")
			yield(nil, err)
			return
		}

		span.SetAttributes(attribute.Int("files_scanned", files))
		span.SetStatus(codes.Ok, "folder walked")
	}
}

// isFile reports whether the entry is a regular file, following symlinks.
func (s *Scanner) isFile(path string, d fs.DirEntry) bool {
	if d.Type().IsRegular() {
		return true
	}
	if d.Type()&fs.ModeSymlink == 0 {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func (s *Scanner) read(path, rel string) (*domain.Chunk, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false, fmt.Errorf("%w: reading %s: %w", shared.ErrScan, rel, err)
	}
	if !utf8.Valid(data) {
		return nil, false, nil
	}

	contents := string(data)
	if s.scanFilenames {
		contents = rel + "\n" + contents
	}
	return domain.NewChunk(contents, rel, nil, false), true, nil
}

// loadGitignore compiles the .gitignore at the target root. It returns nil
// when ignore handling is disabled or no file exists.
func (s *Scanner) loadGitignore() (*ignore.GitIgnore, error) {
	if !s.opts.RespectGitignore {
		return nil, nil
	}

	data, err := os.ReadFile(filepath.Join(s.target, ".gitignore"))
	if errors.Is(err, fs.ErrNotExist) {
		return ignore.CompileIgnoreLines(".git/"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading .gitignore: %w", shared.ErrScan, err)
	}

	lines := append([]string{".git/"}, strings.Split(string(data), "\n")...)
	return ignore.CompileIgnoreLines(lines...), nil
}
