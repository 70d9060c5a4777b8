package git

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/gitleaks/go-gitdiff/gitdiff"

	"github.com/ahrav/leakscan/internal/domain/shared"
)

// noNewlineMarker follows a diff line whose file has no trailing newline.
const noNewlineMarker = `\ No newline at end of file`

// FileDiff is the change to one file between two trees.
type FileDiff struct {
	Path string
	// Body is the diff text without the per-file header.
	Body string
	// Header is the per-file header, used when filenames are scanned too.
	Header   string
	IsBinary bool
	IsDelete bool
}

// Diff returns the per-file changes from oldRev to newRev. oldRev may be the empty
// tree. Renames are detected so moved files are not reported as a deletion
// and an addition.
func (r *Repo) Diff(ctx context.Context, oldRev, newRev string) ([]FileDiff, error) {
	out, err := r.git(ctx,
		"diff", "--no-color", "--no-ext-diff", "--no-textconv",
		"--src-prefix=a/", "--dst-prefix=b/",
		"-M", oldRev, newRev, "--",
	)
	if err != nil {
		return nil, fmt.Errorf("%w: diffing %s..%s: %w", shared.ErrScan, short(oldRev), short(newRev), err)
	}
	return ParseDiff(strings.NewReader(out))
}

// ParseDiff parses unified diff output produced by git.
func ParseDiff(r io.Reader) ([]FileDiff, error) {
	files, err := gitdiff.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing diff: %w", shared.ErrScan, err)
	}

	var diffs []FileDiff
	for f := range files {
		diffs = append(diffs, NewFileDiff(f))
	}
	return diffs, nil
}

// NewFileDiff converts a parsed gitdiff file. The body is rebuilt from the
// text fragments so it never contains the per-file header.
func NewFileDiff(f *gitdiff.File) FileDiff {
	path := f.NewName
	if path == "" {
		path = f.OldName
	}

	var body strings.Builder
	for _, frag := range f.TextFragments {
		fmt.Fprintf(&body, "@@ -%d,%d +%d,%d @@", frag.OldPosition, frag.OldLines, frag.NewPosition, frag.NewLines)
		if frag.Comment != "" {
			body.WriteString(" " + frag.Comment)
		}
		body.WriteString("\n")
		for _, line := range frag.Lines {
			body.WriteString(line.Op.String())
			body.WriteString(line.Line)
			if !strings.HasSuffix(line.Line, "\n") {
				body.WriteString("\n" + noNewlineMarker + "\n")
			}
		}
	}

	oldName, newName := "a/"+f.OldName, "b/"+f.NewName
	if f.IsNew {
		oldName = "/dev/null"
	}
	if f.IsDelete {
		newName = "/dev/null"
	}
	header := fmt.Sprintf("diff --git a/%s b/%s\n--- %s\n+++ %s\n", orName(f.OldName, path), path, oldName, newName)

	return FileDiff{
		Path:     path,
		Body:     body.String(),
		Header:   header,
		IsBinary: f.IsBinary,
		IsDelete: f.IsDelete,
	}
}

func orName(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}

func short(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
