// Package git wraps the git command line for the operations a history scan
// needs: opening a repository, listing branches and commits, and producing
// parsed diffs between commits.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ahrav/leakscan/internal/domain/shared"
)

// Commit is the subset of commit data attached to scanned chunks.
type Commit struct {
	Hash    string
	Parents []string
	Time    time.Time
	Message string
}

// Repo is a git repository on the local filesystem.
type Repo struct {
	path string
	bare bool

	emptyTreeOnce sync.Once
	emptyTree     string
	emptyTreeErr  error
}

// Open validates that path is a git work tree or bare repository.
func Open(ctx context.Context, path string) (*Repo, error) {
	out, err := run(ctx, path, nil, "rev-parse", "--is-bare-repository")
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not a git repository: %w", shared.ErrGitLocal, path, err)
	}
	return &Repo{path: path, bare: strings.TrimSpace(out) == "true"}, nil
}

// IsBare reports whether the repository has no work tree.
func (r *Repo) IsBare() bool { return r.bare }

// IsShallow reports whether the repository is a shallow clone.
func (r *Repo) IsShallow(ctx context.Context) (bool, error) {
	out, err := r.git(ctx, "rev-parse", "--is-shallow-repository")
	if err != nil {
		return false, fmt.Errorf("%w: %w", shared.ErrGitLocal, err)
	}
	return strings.TrimSpace(out) == "true", nil
}

// Toplevel returns the root of the work tree containing the repository path.
func (r *Repo) Toplevel(ctx context.Context) (string, error) {
	out, err := r.git(ctx, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", fmt.Errorf("%w: %w", shared.ErrGitLocal, err)
	}
	return strings.TrimSpace(out), nil
}

// Fetch updates every remote.
func (r *Repo) Fetch(ctx context.Context) error {
	if _, err := r.git(ctx, "fetch", "--all", "--prune", "--quiet"); err != nil {
		return fmt.Errorf("%w: fetch failed: %w", shared.ErrGitRemote, err)
	}
	return nil
}

// Branches lists local and remote-tracking branches. Symbolic remote HEAD
// refs are omitted.
func (r *Repo) Branches(ctx context.Context) ([]string, error) {
	out, err := r.git(ctx, "for-each-ref", "--format=%(refname)", "refs/heads", "refs/remotes")
	if err != nil {
		return nil, fmt.Errorf("%w: listing branches: %w", shared.ErrGitLocal, err)
	}

	var branches []string
	for _, ref := range strings.Split(strings.TrimSpace(out), "\n") {
		if ref == "" || strings.HasSuffix(ref, "/HEAD") {
			continue
		}
		name := strings.TrimPrefix(ref, "refs/heads/")
		name = strings.TrimPrefix(name, "refs/remotes/")
		branches = append(branches, name)
	}
	return branches, nil
}

// ResolveBranch returns the full ref for a local or remote-tracking branch
// name, or ErrBranchNotFound.
func (r *Repo) ResolveBranch(ctx context.Context, name string) (string, error) {
	for _, ref := range []string{"refs/heads/" + name, "refs/remotes/" + name} {
		if _, err := r.git(ctx, "rev-parse", "--verify", "--quiet", ref+"^{commit}"); err == nil {
			return ref, nil
		}
	}
	return "", fmt.Errorf("%w: %s", shared.ErrBranchNotFound, name)
}

// ResolveCommit expands rev, which may be an abbreviated hash, to a full
// commit hash. A prefix shared by several objects is an ErrConfig and a rev
// naming no commit is ErrCommitNotFound.
func (r *Repo) ResolveCommit(ctx context.Context, rev string) (string, error) {
	out, err := r.git(ctx, "rev-parse", "--verify", "--quiet", rev+"^{commit}")
	if err == nil {
		return strings.TrimSpace(out), nil
	}
	if candidates, derr := r.git(ctx, "rev-parse", "--disambiguate="+rev); derr == nil && len(strings.Fields(candidates)) > 1 {
		return "", fmt.Errorf("%w: commit %q is ambiguous", shared.ErrConfig, rev)
	}
	return "", fmt.Errorf("%w: %s", shared.ErrCommitNotFound, rev)
}

const (
	fieldSep  = "\x00"
	recordSep = "\x1e"
	logFormat = "--format=%H%x00%P%x00%ct%x00%B%x1e"
)

// Commits lists up to maxDepth commits reachable from rev, newest first in
// topological order.
func (r *Repo) Commits(ctx context.Context, rev string, maxDepth int) ([]Commit, error) {
	args := []string{"log", "--topo-order", logFormat}
	if maxDepth > 0 {
		args = append(args, "-n", strconv.Itoa(maxDepth))
	}
	args = append(args, rev, "--")

	out, err := r.git(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: listing commits of %s: %w", shared.ErrGitLocal, rev, err)
	}
	return parseLog(out)
}

func parseLog(out string) ([]Commit, error) {
	var commits []Commit
	for _, rec := range strings.Split(out, recordSep) {
		rec = strings.TrimLeft(rec, "\n")
		if rec == "" {
			continue
		}
		fields := strings.SplitN(rec, fieldSep, 4)
		if len(fields) != 4 {
			return nil, fmt.Errorf("malformed log record %q", rec)
		}
		ts, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed commit time %q: %w", fields[2], err)
		}
		commits = append(commits, Commit{
			Hash:    fields[0],
			Parents: strings.Fields(fields[1]),
			Time:    time.Unix(ts, 0).UTC(),
			Message: fields[3],
		})
	}
	return commits, nil
}

// EmptyTree returns the object id of the empty tree in this repository's hash
// format.
func (r *Repo) EmptyTree(ctx context.Context) (string, error) {
	r.emptyTreeOnce.Do(func() {
		out, err := run(ctx, r.path, strings.NewReader(""), "hash-object", "-t", "tree", "--stdin")
		if err != nil {
			r.emptyTreeErr = fmt.Errorf("%w: resolving empty tree: %w", shared.ErrGitLocal, err)
			return
		}
		r.emptyTree = strings.TrimSpace(out)
	})
	return r.emptyTree, r.emptyTreeErr
}

// Submodules returns the paths of submodules declared in .gitmodules.
func (r *Repo) Submodules(ctx context.Context) ([]string, error) {
	if r.bare {
		return nil, nil
	}
	top, err := r.Toplevel(ctx)
	if err != nil {
		return nil, err
	}

	out, err := run(ctx, top, nil, "config", "--file", ".gitmodules", "--get-regexp", `^submodule\..*\.path$`)
	if err != nil {
		var exitErr *exec.ExitError
		// Exit status 1 means no matching keys, including a missing file.
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: reading .gitmodules: %w", shared.ErrGitLocal, err)
	}

	var paths []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if _, path, ok := strings.Cut(line, " "); ok && path != "" {
			paths = append(paths, path)
		}
	}
	return paths, nil
}

// InSubmodule reports whether path lies inside one of the submodule paths.
func InSubmodule(submodules []string, path string) bool {
	for _, sub := range submodules {
		if path == sub || strings.HasPrefix(path, sub+"/") {
			return true
		}
	}
	return false
}

func (r *Repo) git(ctx context.Context, args ...string) (string, error) {
	return run(ctx, r.path, nil, args...)
}

// commandError carries git's stderr alongside the exit error.
type commandError struct {
	args   []string
	stderr string
	err    error
}

func (e *commandError) Error() string {
	return fmt.Sprintf("git %s: %v: %s", strings.Join(e.args, " "), e.err, strings.TrimSpace(e.stderr))
}

func (e *commandError) Unwrap() error { return e.err }

func run(ctx context.Context, dir string, stdin *strings.Reader, args ...string) (string, error) {
	full := append([]string{"-C", dir, "-c", "core.quotePath=false"}, args...)
	cmd := exec.CommandContext(ctx, "git", full...)
	if stdin != nil {
		cmd.Stdin = stdin
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", &commandError{args: args, stderr: stderr.String(), err: err}
	}
	return stdout.String(), nil
}
